package remote

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Dir stores the backup as plain files in a local folder, typically one
// kept in sync by a desktop cloud client. Object IDs are file paths.
type Dir struct {
	root string
}

// NewDir returns a store rooted at root. The folder is created on first
// write.
func NewDir(root string) *Dir {
	return &Dir{root: filepath.Clean(root)}
}

// FindByName stats the file called name.
func (d *Dir) FindByName(_ context.Context, _ string, name string) (*Object, error) {
	p, err := d.resolve(name)
	if err != nil {
		return nil, err
	}

	obj, err := statObject(p)
	if os.IsNotExist(err) {
		return nil, nil
	}

	return obj, err
}

// Create writes a new file called name.
func (d *Dir) Create(_ context.Context, _ string, name string, data []byte) (*Object, error) {
	p, err := d.resolve(name)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(d.root, 0o700); err != nil {
		return nil, fmt.Errorf("creating %s: %w", d.root, err)
	}

	return writeObject(p, data)
}

// Update overwrites the file at id.
func (d *Dir) Update(_ context.Context, _ string, id string, data []byte) (*Object, error) {
	p, err := d.within(id)
	if err != nil {
		return nil, err
	}

	return writeObject(p, data)
}

// Download reads the file at id.
func (d *Dir) Download(_ context.Context, _ string, id string) ([]byte, error) {
	p, err := d.within(id)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(p)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", p, err)
	}

	return data, nil
}

// resolve maps a bare file name into the root.
func (d *Dir) resolve(name string) (string, error) {
	if name == "" || name != filepath.Base(name) || name == "." || name == ".." {
		return "", fmt.Errorf("invalid object name %q", name)
	}

	return filepath.Join(d.root, name), nil
}

// within rejects paths that escape the root.
func (d *Dir) within(p string) (string, error) {
	clean := filepath.Clean(p)

	rel, err := filepath.Rel(d.root, clean)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") || filepath.IsAbs(rel) {
		return "", fmt.Errorf("path %q is outside %s", p, d.root)
	}

	return clean, nil
}

func writeObject(p string, data []byte) (*Object, error) {
	tmp, err := os.CreateTemp(filepath.Dir(p), "."+filepath.Base(p)+".tmp-*")
	if err != nil {
		return nil, fmt.Errorf("creating temp file: %w", err)
	}

	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)

		return nil, fmt.Errorf("writing %s: %w", tmpPath, err)
	}

	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)

		return nil, fmt.Errorf("syncing %s: %w", tmpPath, err)
	}

	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return nil, err
	}

	if err := os.Rename(tmpPath, p); err != nil {
		os.Remove(tmpPath)
		return nil, fmt.Errorf("renaming into %s: %w", p, err)
	}

	return statObject(p)
}

func statObject(p string) (*Object, error) {
	info, err := os.Stat(p)
	if err != nil {
		return nil, err
	}

	return &Object{
		ID:         p,
		Name:       filepath.Base(p),
		ModifiedAt: info.ModTime(),
		Size:       info.Size(),
	}, nil
}
