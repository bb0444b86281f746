package disklru

import (
	"io"
	"os"
	"path/filepath"
)

// FileSystem is the small slice of filesystem behavior the store needs.
// Injecting it keeps the store free of ambient OS state and lets tests
// simulate crashes and I/O faults.
type FileSystem interface {
	// Open opens the named file for reading.
	Open(name string) (io.ReadCloser, error)
	// Create opens the named file for writing, truncating it if it exists.
	Create(name string) (io.WriteCloser, error)
	// Append opens the named file for appending, creating it if needed.
	Append(name string) (io.WriteCloser, error)
	// Exists reports whether the named file exists.
	Exists(name string) bool
	// Size returns the length of the named file in bytes.
	Size(name string) (int64, error)
	// Delete removes the named file. Deleting a missing file is not an error.
	Delete(name string) error
	// Rename atomically replaces newname with oldname.
	Rename(oldname, newname string) error
	// MkdirAll creates the named directory and any missing parents.
	MkdirAll(dir string) error
	// DeleteContents removes every file in the named directory.
	DeleteContents(dir string) error
}

// OSFileSystem is the FileSystem backed by the host filesystem.
type OSFileSystem struct{}

func (OSFileSystem) Open(name string) (io.ReadCloser, error) {
	return os.Open(name)
}

func (OSFileSystem) Create(name string) (io.WriteCloser, error) {
	return os.OpenFile(name, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
}

func (OSFileSystem) Append(name string) (io.WriteCloser, error) {
	return os.OpenFile(name, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
}

func (OSFileSystem) Exists(name string) bool {
	_, err := os.Stat(name)
	return err == nil
}

func (OSFileSystem) Size(name string) (int64, error) {
	info, err := os.Stat(name)
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

func (OSFileSystem) Delete(name string) error {
	err := os.Remove(name)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

func (OSFileSystem) Rename(oldname, newname string) error {
	return os.Rename(oldname, newname)
}

func (OSFileSystem) MkdirAll(dir string) error {
	return os.MkdirAll(dir, 0o755)
}

func (OSFileSystem) DeleteContents(dir string) error {
	names, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, name := range names {
		if err := os.RemoveAll(filepath.Join(dir, name.Name())); err != nil {
			return err
		}
	}
	return nil
}
