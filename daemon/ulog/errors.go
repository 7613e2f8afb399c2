package ulog

import (
	"errors"

	"github.com/containerd/errdefs"
	"golang.org/x/sys/unix"
)

// Errno maps err onto the negative errno carried back to the kernel. A nil
// error maps to 0.
func Errno(err error) int32 {
	if err == nil {
		return 0
	}
	var errno unix.Errno
	if errors.As(err, &errno) {
		return -int32(errno)
	}
	switch {
	case errdefs.IsNotFound(err):
		return -int32(unix.ENOENT)
	case errdefs.IsInvalidArgument(err):
		return -int32(unix.EINVAL)
	case errdefs.IsAlreadyExists(err):
		return -int32(unix.EEXIST)
	case errdefs.IsUnavailable(err):
		return -int32(unix.EAGAIN)
	case errdefs.IsInternal(err):
		return -int32(unix.EBADE)
	case errdefs.IsResourceExhausted(err):
		return -int32(unix.ENOMEM)
	case errdefs.IsDataLoss(err):
		return -int32(unix.EIO)
	}
	return -int32(unix.EIO)
}

// ErrnoError turns a (negative) errno found in an envelope back into an
// error, nil for 0.
func ErrnoError(errno int32) error {
	if errno == 0 {
		return nil
	}
	if errno < 0 {
		errno = -errno
	}
	return unix.Errno(errno)
}
