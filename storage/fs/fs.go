// Package fs implements a storage backend on the local filesystem.
package fs

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/PowerDNS/chronotrace/config"
	"github.com/PowerDNS/chronotrace/storage"
)

type Backend struct {
	rootPath string
}

func (b *Backend) fullPath(p string) (string, string, error) {
	clean, err := storage.CleanPath(p)
	if err != nil {
		return "", "", err
	}
	return clean, filepath.Join(b.rootPath, filepath.FromSlash(clean)), nil
}

// ignored returns true for hidden and temporary files
func ignored(name string) bool {
	return strings.HasPrefix(name, ".") || strings.HasSuffix(name, ".tmp")
}

func (b *Backend) List(ctx context.Context, dir string) (storage.EntryList, error) {
	clean, full, err := b.fullPath(dir)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(full)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var list storage.EntryList
	for _, e := range entries {
		name := e.Name()
		if ignored(name) {
			continue
		}
		if !e.IsDir() && !e.Type().IsRegular() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			if os.IsNotExist(err) {
				continue // could have been removed in the meantime
			}
			return nil, err
		}
		entry := storage.Entry{
			Name:    name,
			Path:    joinPath(clean, name),
			ModTime: info.ModTime(),
			IsDir:   e.IsDir(),
		}
		if !entry.IsDir {
			entry.Size = info.Size()
		}
		list = append(list, entry)
	}
	list.Sort()
	return list, nil
}

func (b *Backend) Get(ctx context.Context, p string) ([]byte, error) {
	_, full, err := b.fullPath(p)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(full)
	if err != nil {
		return nil, err // os.ErrNotExist for missing files
	}
	return data, nil
}

func (b *Backend) Put(ctx context.Context, p string, data []byte) error {
	clean, full, err := b.fullPath(p)
	if err != nil {
		return err
	}
	if clean == "" {
		return os.ErrPermission
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return err
	}
	// Unique name per writer, ignored by List()
	f, err := os.CreateTemp(filepath.Dir(full), ".put-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := f.Name()
	_, err = f.Write(data)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = os.Chmod(tmpPath, 0o644)
	}
	if err == nil {
		err = os.Rename(tmpPath, full)
	}
	if err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	return nil
}

func (b *Backend) Delete(ctx context.Context, p string) (bool, error) {
	clean, full, err := b.fullPath(p)
	if err != nil {
		return false, err
	}
	if clean == "" {
		return false, os.ErrPermission
	}
	if err := os.Remove(full); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	b.pruneEmptyDirs(filepath.Dir(full))
	return true, nil
}

// pruneEmptyDirs removes empty directories up to the root, so that
// directories behave like they do in object storage.
func (b *Backend) pruneEmptyDirs(dir string) {
	for dir != b.rootPath && strings.HasPrefix(dir, b.rootPath) {
		if err := os.Remove(dir); err != nil {
			return // not empty, or already gone
		}
		dir = filepath.Dir(dir)
	}
}

func (b *Backend) Exists(ctx context.Context, p string) (bool, error) {
	_, full, err := b.fullPath(p)
	if err != nil {
		return false, err
	}
	info, err := os.Stat(full)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return info.Mode().IsRegular(), nil
}

func joinPath(dir, name string) string {
	if dir == "" {
		return name
	}
	return dir + "/" + name
}

func New(rootPath string) (*Backend, error) {
	if rootPath == "" {
		return nil, fmt.Errorf("storage.root_path must be set for the local backend")
	}
	abs, err := filepath.Abs(rootPath)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, err
	}
	b := &Backend{rootPath: filepath.Clean(abs)}
	return b, nil
}

func init() {
	initFunc := func(ctx context.Context, st config.Storage) (storage.Interface, error) {
		return New(st.RootPath)
	}
	storage.RegisterBackend("local", initFunc)
	storage.RegisterBackend("fs", initFunc)
}
