// Package vfs abstracts the raw filesystem/block-device layer that the
// rest of the engine issues aligned reads and writes against. Physical
// devices are opened through an FS so that tests can substitute an
// in-memory filesystem (MemFS) instead of touching real block devices or
// files.
package vfs

import (
	"io"
	"os"
	"path/filepath"
	"syscall"
)

// File is a readable, writable, seekable sequence of bytes backing a
// physical device. Typically it is an *os.File opened on a raw device
// or a regular file standing in for one; test code substitutes
// memory-backed implementations.
type File interface {
	io.Closer
	io.Reader
	io.ReaderAt
	io.Writer
	io.WriterAt
	Stat() (os.FileInfo, error)
	Sync() error
	Truncate(size int64) error
}

// OpenOption does additional work on a file handle right after it is
// opened, e.g. requesting direct I/O or disabling readahead.
type OpenOption interface {
	Apply(File)
}

// FS is a namespace of files, abstracting over the OS filesystem so
// that device opens can be redirected to memory during tests.
type FS interface {
	// Create creates the named file for writing, truncating it if it
	// already exists.
	Create(name string) (File, error)

	// OpenReadWrite opens the named file for both reading and writing,
	// creating it if it does not already exist. This is the entry
	// point physical devices use: unlike Create it never truncates an
	// existing device.
	OpenReadWrite(name string, opts ...OpenOption) (File, error)

	// Open opens the named file for reading only.
	Open(name string, opts ...OpenOption) (File, error)

	// Remove removes the named file.
	Remove(name string) error

	// Rename renames a file, overwriting newname if it exists.
	Rename(oldname, newname string) error

	// MkdirAll creates a directory and all necessary parents.
	MkdirAll(dir string, perm os.FileMode) error

	// List returns the names in the given directory, relative to dir.
	List(dir string) ([]string, error)

	// Stat returns file metadata for the named file.
	Stat(name string) (os.FileInfo, error)

	// PathBase returns the last element of path.
	PathBase(path string) string

	// PathJoin joins path elements, adding separators as needed.
	PathJoin(elem ...string) string
}

// Default is an FS backed by the host operating system's filesystem.
var Default FS = defaultFS{}

type defaultFS struct{}

func (defaultFS) Create(name string) (File, error) {
	return os.OpenFile(name, os.O_RDWR|os.O_CREATE|os.O_TRUNC|syscall.O_CLOEXEC, 0o666)
}

func (defaultFS) OpenReadWrite(name string, opts ...OpenOption) (File, error) {
	f, err := os.OpenFile(name, os.O_RDWR|os.O_CREATE|syscall.O_CLOEXEC, 0o666)
	if err != nil {
		return nil, err
	}
	for _, opt := range opts {
		opt.Apply(f)
	}
	return f, nil
}

func (defaultFS) Open(name string, opts ...OpenOption) (File, error) {
	f, err := os.OpenFile(name, os.O_RDONLY|syscall.O_CLOEXEC, 0)
	if err != nil {
		return nil, err
	}
	for _, opt := range opts {
		opt.Apply(f)
	}
	return f, nil
}

func (defaultFS) Remove(name string) error {
	return os.Remove(name)
}

func (defaultFS) Rename(oldname, newname string) error {
	return os.Rename(oldname, newname)
}

func (defaultFS) MkdirAll(dir string, perm os.FileMode) error {
	return os.MkdirAll(dir, perm)
}

func (defaultFS) List(dir string) ([]string, error) {
	f, err := os.Open(dir)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return f.Readdirnames(-1)
}

func (defaultFS) Stat(name string) (os.FileInfo, error) {
	return os.Stat(name)
}

func (defaultFS) PathBase(path string) string {
	return filepath.Base(path)
}

func (defaultFS) PathJoin(elem ...string) string {
	return filepath.Join(elem...)
}
