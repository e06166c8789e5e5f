package transfer

import (
	"errors"
	"io"
	"os"
	"path/filepath"
)

// Files is the file storage used for staging transfers.
type Files interface {
	// Create creates an empty file at path, truncating any existing
	// file.
	Create(path string) error
	// Append appends data to the file at path, which must exist.
	Append(path string, data []byte) error
	// ReadAt reads up to n bytes at offset off of the file at path.
	// It returns fewer than n bytes only at the end of the file.
	ReadAt(path string, off int64, n int) ([]byte, error)
	// Size returns the size of the file at path.
	Size(path string) (int64, error)
	// Remove deletes the file at path.
	Remove(path string) error
}

// OSFiles is a [Files] backed by the local filesystem.
type OSFiles struct{}

func (OSFiles) Create(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	return os.WriteFile(path, nil, 0o600)
}

func (OSFiles) Append(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func (OSFiles) ReadAt(path string, off int64, n int) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	buf := make([]byte, n)
	k, err := f.ReadAt(buf, off)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	return buf[:k], nil
}

func (OSFiles) Size(path string) (int64, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	return fi.Size(), nil
}

func (OSFiles) Remove(path string) error {
	return os.Remove(path)
}
