// Package blob implements the storage interface on top of simpleblob flat
// object stores: in-memory, S3 and MinIO.
//
// Object names are the full slash separated paths. Directories are derived
// from the names when listing.
package blob

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/PowerDNS/simpleblob"
	"github.com/PowerDNS/simpleblob/backends/memory"
	_ "github.com/PowerDNS/simpleblob/backends/s3" // registers "s3" with simpleblob
	"github.com/pkg/errors"

	"github.com/PowerDNS/chronotrace/config"
	"github.com/PowerDNS/chronotrace/storage"
)

// Backend adapts a simpleblob.Interface
type Backend struct {
	st     simpleblob.Interface
	prefix string // always empty or ending in "/"
}

// New wraps a simpleblob backend. All names are prefixed with pathPrefix.
func New(st simpleblob.Interface, pathPrefix string) (*Backend, error) {
	prefix, err := storage.CleanPath(pathPrefix)
	if err != nil {
		return nil, errors.Wrap(err, "storage.path_prefix")
	}
	if prefix != "" {
		prefix += "/"
	}
	return &Backend{st: st, prefix: prefix}, nil
}

func (b *Backend) name(p string) (string, error) {
	clean, err := storage.CleanPath(p)
	if err != nil {
		return "", err
	}
	if clean == "" {
		return "", os.ErrPermission
	}
	return b.prefix + clean, nil
}

func (b *Backend) Put(ctx context.Context, p string, data []byte) error {
	name, err := b.name(p)
	if err != nil {
		return err
	}
	return b.st.Store(ctx, name, data)
}

func (b *Backend) Get(ctx context.Context, p string) ([]byte, error) {
	name, err := b.name(p)
	if err != nil {
		return nil, err
	}
	data, err := b.st.Load(ctx, name)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, os.ErrNotExist
		}
		return nil, err
	}
	// Not all backends return a private copy
	return append([]byte(nil), data...), nil
}

// List derives the immediate children of dir from a prefix listing
func (b *Backend) List(ctx context.Context, dir string) (storage.EntryList, error) {
	clean, err := storage.CleanPath(dir)
	if err != nil {
		return nil, err
	}
	listPrefix := b.prefix
	if clean != "" {
		listPrefix += clean + "/"
	}
	blobs, err := b.st.List(ctx, listPrefix)
	if err != nil {
		return nil, err
	}

	var list storage.EntryList
	seenDirs := make(map[string]bool)
	for _, bl := range blobs {
		if !strings.HasPrefix(bl.Name, listPrefix) {
			continue
		}
		rest := bl.Name[len(listPrefix):]
		if rest == "" {
			continue
		}
		if child, _, isDir := strings.Cut(rest, "/"); isDir {
			if child == "" || seenDirs[child] {
				continue
			}
			seenDirs[child] = true
			list = append(list, storage.Entry{
				Name:  child,
				Path:  joinPath(clean, child),
				IsDir: true,
			})
			continue
		}
		list = append(list, storage.Entry{
			Name: rest,
			Path: joinPath(clean, rest),
			Size: bl.Size,
		})
	}
	sort.Slice(list, func(i, j int) bool {
		return list[i].Name < list[j].Name
	})
	return list, nil
}

func (b *Backend) Exists(ctx context.Context, p string) (bool, error) {
	name, err := b.name(p)
	if err != nil {
		return false, err
	}
	blobs, err := b.st.List(ctx, name)
	if err != nil {
		return false, err
	}
	for _, bl := range blobs {
		if bl.Name == name {
			return true, nil
		}
	}
	return false, nil
}

// Delete returns false if the object did not exist. Object stores do not
// report this on delete, so existence is checked first.
func (b *Backend) Delete(ctx context.Context, p string) (bool, error) {
	exists, err := b.Exists(ctx, p)
	if err != nil || !exists {
		return false, err
	}
	name, _ := b.name(p)
	if err := b.st.Delete(ctx, name); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func joinPath(dir, name string) string {
	if dir == "" {
		return name
	}
	return dir + "/" + name
}

func init() {
	storage.RegisterBackend("memory", func(ctx context.Context, st config.Storage) (storage.Interface, error) {
		return New(memory.New(), st.PathPrefix)
	})
	storage.RegisterBackend("s3", func(ctx context.Context, st config.Storage) (storage.Interface, error) {
		return newS3(ctx, st)
	})
	storage.RegisterBackend("minio", func(ctx context.Context, st config.Storage) (storage.Interface, error) {
		if _, ok := st.Options["endpoint_url"]; !ok {
			return nil, fmt.Errorf("storage.options.endpoint_url is required for minio")
		}
		return newS3(ctx, st)
	})
}

func newS3(ctx context.Context, st config.Storage) (*Backend, error) {
	if _, ok := st.Options["bucket"]; !ok {
		return nil, fmt.Errorf("storage.options.bucket is required for %s", st.Type)
	}
	sb, err := simpleblob.GetBackend(ctx, "s3", st.Options)
	if err != nil {
		return nil, errors.Wrapf(err, "init %s backend", st.Type)
	}
	return New(sb, st.PathPrefix)
}
