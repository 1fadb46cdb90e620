package aggregator

import (
	"io"
	"os"
	"path/filepath"
)

// Storage is the filesystem surface the dataset layout writes through
type Storage interface {
	MkdirAll(path string) error
	ReadFile(path string) ([]byte, error)
	WriteFile(path string, data []byte) error
	// Link makes dst share src's content, copying when a hard link is not possible
	Link(src, dst string) error
	Symlink(target, link string) error
	Readlink(path string) (string, error)
	Rename(oldPath, newPath string) error
	RemoveAll(path string) error
	ReadDir(path string) ([]os.DirEntry, error)
}

// OSStorage is Storage on the local filesystem
type OSStorage struct{}

func (OSStorage) MkdirAll(path string) error {
	return os.MkdirAll(path, 0o755)
}

func (OSStorage) ReadFile(path string) ([]byte, error) {
	return os.ReadFile(path)
}

// WriteFile writes and syncs data so a committed version survives a crash
func (OSStorage) WriteFile(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func (OSStorage) Link(src, dst string) error {
	if err := os.Link(src, dst); err == nil {
		return nil
	}

	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func (OSStorage) Symlink(target, link string) error {
	return os.Symlink(target, link)
}

func (OSStorage) Readlink(path string) (string, error) {
	return os.Readlink(path)
}

func (OSStorage) Rename(oldPath, newPath string) error {
	return os.Rename(oldPath, newPath)
}

func (OSStorage) RemoveAll(path string) error {
	return os.RemoveAll(filepath.Clean(path))
}

func (OSStorage) ReadDir(path string) ([]os.DirEntry, error) {
	return os.ReadDir(path)
}
