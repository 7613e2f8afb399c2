package mirrorlog

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/containerd/errdefs"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

const (
	diskMagic   = 0x4D695272
	diskVersion = 2

	// diskBitsOffset is the byte offset of the clean bitmap on the device.
	diskBitsOffset = 1024
)

var errBadMagic = errors.Wrap(errdefs.ErrInvalidArgument, "disk log header has bad magic")

// diskLog is the header and clean bitmap persisted on a backing device.
type diskLog struct {
	arg    string
	path   string
	f      *os.File
	size   int
	failed bool

	// nrRegions is the region count found in the header by the last read.
	nrRegions uint64
}

// openDisk opens the backing device named in a constructor argument. A
// "major:minor" argument is looked up in devDir; when no entry matches, a
// temporary node is created and removed again once the device is open.
func openDisk(devDir, arg string, regionCount uint64) (*diskLog, error) {
	path, tmp, err := findDiskPath(devDir, arg)
	if err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_RDWR|unix.O_DSYNC, 0)
	if tmp {
		_ = os.Remove(path)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "unable to open log device %s", path)
	}
	pageSize := os.Getpagesize()
	size := diskBitsOffset + int((regionCount+7)/8)
	size = (size + pageSize - 1) / pageSize * pageSize
	return &diskLog{arg: arg, path: path, f: f, size: size}, nil
}

func findDiskPath(devDir, arg string) (string, bool, error) {
	majStr, minStr, ok := strings.Cut(arg, ":")
	if !ok {
		if _, err := os.Stat(arg); err != nil {
			return "", false, errors.Wrapf(errdefs.ErrInvalidArgument, "log device %s: %v", arg, err)
		}
		return arg, false, nil
	}
	major, err1 := strconv.ParseUint(majStr, 10, 32)
	minor, err2 := strconv.ParseUint(minStr, 10, 32)
	if err1 != nil || err2 != nil {
		return "", false, errors.Wrapf(errdefs.ErrInvalidArgument, "bad log device %q", arg)
	}
	dev := unix.Mkdev(uint32(major), uint32(minor))

	entries, err := os.ReadDir(devDir)
	if err != nil {
		return "", false, errors.Wrapf(err, "unable to scan %s", devDir)
	}
	for _, e := range entries {
		p := filepath.Join(devDir, e.Name())
		var st unix.Stat_t
		if err := unix.Stat(p, &st); err != nil {
			continue
		}
		if st.Mode&unix.S_IFMT == unix.S_IFBLK && st.Rdev == dev {
			return p, false, nil
		}
	}

	p := filepath.Join(devDir, fmt.Sprintf("cmirrord-%d-%d", major, minor))
	if err := unix.Mknod(p, unix.S_IFBLK|unix.S_IRUSR|unix.S_IWUSR, int(dev)); err != nil {
		return "", false, errors.Wrapf(err, "unable to create node for log device %s", arg)
	}
	return p, true, nil
}

// read loads the header and the first regionCount bits into clean. A bad
// magic number returns errBadMagic and leaves clean untouched. A device
// shorter than the log reads as zeros.
func (d *diskLog) read(clean *bitmap) error {
	buf := make([]byte, d.size)
	if _, err := d.f.ReadAt(buf, 0); err != nil && !errors.Is(err, io.EOF) {
		return ioError{errors.Wrapf(err, "failed to read disk log %s", d.path)}
	}
	if binary.LittleEndian.Uint32(buf[0:]) != diskMagic {
		return errBadMagic
	}
	d.nrRegions = binary.LittleEndian.Uint64(buf[8:])
	clean.load(buf[diskBitsOffset:], d.nrRegions)
	return nil
}

// write persists the header and clean. A failure marks the device failed
// until the next successful write.
func (d *diskLog) write(clean *bitmap) error {
	buf := make([]byte, d.size)
	binary.LittleEndian.PutUint32(buf[0:], diskMagic)
	binary.LittleEndian.PutUint32(buf[4:], diskVersion)
	binary.LittleEndian.PutUint64(buf[8:], clean.Len())
	bits, _ := clean.MarshalBinary()
	copy(buf[diskBitsOffset:], bits)
	if _, err := d.f.WriteAt(buf, 0); err != nil {
		d.failed = true
		return ioError{errors.Wrapf(err, "failed to write disk log %s", d.path)}
	}
	d.failed = false
	return nil
}

// devNumber returns "major:minor" of the backing device, or the constructor
// argument when it is not a device node.
func (d *diskLog) devNumber() string {
	var st unix.Stat_t
	if err := unix.Fstat(int(d.f.Fd()), &st); err == nil && st.Mode&unix.S_IFMT == unix.S_IFBLK {
		return fmt.Sprintf("%d:%d", unix.Major(st.Rdev), unix.Minor(st.Rdev))
	}
	return d.arg
}

func (d *diskLog) close() error {
	return d.f.Close()
}

// ioError classifies disk failures as data loss.
type ioError struct{ error }

func (e ioError) Unwrap() error { return e.error }

func (ioError) Is(target error) bool { return target == errdefs.ErrDataLoss }
