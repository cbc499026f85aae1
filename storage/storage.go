// Package storage defines the backend interface used to persist trace
// bundles, and a registry of backend implementations selected by config.
//
// Paths are slash separated and relative to the backend root, like
// "traces/2024-01-02/ct_01HN....zip". Directories are implicit: they exist
// as long as they contain at least one file.
package storage

import (
	"context"
	"fmt"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/PowerDNS/chronotrace/config"
)

// Entry is a file or directory returned by List
type Entry struct {
	Name    string // base name, without the directory
	Path    string // full relative path
	Size    int64
	ModTime time.Time // zero if the backend does not track it
	IsDir   bool
}

// EntryList is a list of entries, sorted by name
type EntryList []Entry

// Names returns the base names of all entries
func (el EntryList) Names() []string {
	var names []string
	for _, e := range el {
		names = append(names, e.Name)
	}
	return names
}

// Dirs returns only the directories
func (el EntryList) Dirs() (dirs EntryList) {
	for _, e := range el {
		if e.IsDir {
			dirs = append(dirs, e)
		}
	}
	return dirs
}

// Files returns only the files
func (el EntryList) Files() (files EntryList) {
	for _, e := range el {
		if !e.IsDir {
			files = append(files, e)
		}
	}
	return files
}

// Sort sorts the entries by name
func (el EntryList) Sort() {
	sort.Slice(el, func(i, j int) bool {
		return el[i].Name < el[j].Name
	})
}

// Interface defines the interface storage backends need to implement.
// Get returns an error matching os.ErrNotExist for missing files.
// List returns the immediate children of a directory, and an empty list for
// a directory that does not exist.
type Interface interface {
	Put(ctx context.Context, path string, data []byte) error
	Get(ctx context.Context, path string) ([]byte, error)
	List(ctx context.Context, dir string) (EntryList, error)
	Delete(ctx context.Context, path string) (bool, error)
	Exists(ctx context.Context, path string) (bool, error)
}

// CleanPath validates and normalizes a relative path.
// An empty path or "." refers to the root and returns "".
func CleanPath(p string) (string, error) {
	if strings.HasPrefix(p, "/") {
		return "", fmt.Errorf("absolute path not allowed: %q", p)
	}
	for _, seg := range strings.Split(p, "/") {
		if seg == ".." {
			return "", fmt.Errorf("path traversal not allowed: %q", p)
		}
	}
	c := path.Clean(p)
	if c == "." {
		return "", nil
	}
	return c, nil
}

type InitFunc func(ctx context.Context, st config.Storage) (Interface, error)

var backends = make(map[string]InitFunc)

// RegisterBackend registers a backend type. This is called from the init
// function of backend packages.
func RegisterBackend(typeName string, initFunc InitFunc) {
	backends[typeName] = initFunc
}

// GetBackend creates the configured backend
func GetBackend(ctx context.Context, sc config.Storage) (Interface, error) {
	if sc.Type == "" {
		return nil, fmt.Errorf("no storage.type configured")
	}
	initFunc, exists := backends[sc.Type]
	if !exists {
		return nil, fmt.Errorf("storage.type %q not found or registered", sc.Type)
	}
	return initFunc(ctx, sc)
}

// Types returns the registered backend types
func Types() []string {
	var types []string
	for t := range backends {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}
