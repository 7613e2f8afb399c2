// Package pidfile provides structure and helper functions to create and remove
// PID file. A PID file is usually a file used to store the process ID of a
// running process. The file is held under an exclusive flock for as long as
// the process runs, so a PID file left behind by a dead process never blocks
// a new one.
package pidfile

import (
	"bytes"
	"fmt"
	"os"
	"strconv"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// File is a locked PID file.
type File struct {
	path string
	f    *os.File
}

// Read reads the "PID file" at path, and returns the PID if the file is
// locked by a running process, or 0 otherwise. It returns an error when
// failing to read the file, or if the file doesn't exist, but malformed
// content is ignored.
func Read(path string) (pid int, err error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	if err := unix.Flock(int(f.Fd()), unix.LOCK_SH|unix.LOCK_NB); err == nil {
		_ = unix.Flock(int(f.Fd()), unix.LOCK_UN)
		return 0, nil
	} else if !errors.Is(err, unix.EWOULDBLOCK) {
		return 0, errors.Wrapf(err, "failed to probe lock of %s", path)
	}
	return readPID(f), nil
}

func readPID(f *os.File) int {
	var buf [32]byte
	n, _ := f.ReadAt(buf[:], 0)
	pid, err := strconv.Atoi(string(bytes.TrimSpace(buf[:n])))
	if err != nil {
		return 0
	}
	return pid
}

// Write writes a "PID file" at the specified path and locks it. It returns an
// error if the file is locked by another running process, or when failing to
// write the file. The lock is held until Remove is called or the process
// exits.
func Write(path string, pid int) (*File, error) {
	if pid < 1 {
		return nil, fmt.Errorf("invalid PID (%d): only positive PIDs are allowed", pid)
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, err
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		defer f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			if old := readPID(f); old != 0 {
				return nil, fmt.Errorf("process with PID %d is still running", old)
			}
			return nil, fmt.Errorf("%s is locked by another process", path)
		}
		return nil, errors.Wrapf(err, "failed to lock %s", path)
	}
	if err := f.Truncate(0); err != nil {
		f.Close()
		return nil, err
	}
	if _, err := f.WriteAt([]byte(strconv.Itoa(pid)+"\n"), 0); err != nil {
		f.Close()
		return nil, err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return nil, err
	}
	return &File{path: path, f: f}, nil
}

// Remove deletes the PID file and releases the lock.
func (p *File) Remove() error {
	err := os.Remove(p.path)
	if cerr := p.f.Close(); err == nil {
		err = cerr
	}
	return err
}
