// Package pidfile guards against running two relays with the same PID file.
package pidfile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// ErrRunning is returned by Acquire when the file names a live process.
var ErrRunning = errors.New("relay already running")

// File is an acquired PID file.
type File struct {
	path string
	pid  int
}

// Acquire writes the current PID to path. A file left behind by a process
// that no longer exists is replaced; one held by a live process is not.
func Acquire(path string) (*File, error) {
	if pid, err := read(path); err == nil {
		if pid != os.Getpid() && alive(pid) {
			return nil, fmt.Errorf("%w: pid %d holds %s", ErrRunning, pid, path)
		}
	} else if !errors.Is(err, os.ErrNotExist) && !errors.Is(err, strconv.ErrSyntax) {
		return nil, err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create pidfile directory: %w", err)
	}

	pid := os.Getpid()
	if err := os.WriteFile(path, []byte(strconv.Itoa(pid)+"\n"), 0644); err != nil {
		return nil, fmt.Errorf("failed to write pidfile: %w", err)
	}
	return &File{path: path, pid: pid}, nil
}

// Path returns the PID file path.
func (f *File) Path() string {
	return f.path
}

// Release removes the file if it still carries this process's PID.
func (f *File) Release() error {
	pid, err := read(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err == nil && pid != f.pid {
		return nil
	}
	if err := os.Remove(f.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove pidfile: %w", err)
	}
	return nil
}

// Read returns the PID stored at path.
func Read(path string) (int, error) {
	return read(path)
}

func read(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("invalid PID in %s: %w", path, err)
	}
	return pid, nil
}

func alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}
