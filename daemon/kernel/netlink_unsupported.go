//go:build !linux

package kernel

import (
	"github.com/containerd/errdefs"
	"github.com/pkg/errors"
)

// Dial opens the kernel connector socket.
func Dial() (Conn, error) {
	return nil, errors.Wrap(errdefs.ErrNotImplemented, "the kernel connector is only available on linux")
}
