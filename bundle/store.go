// Package bundle persists completed traces as self-contained zip archives
// and supports retrieval, listing, deletion and retention based purging.
//
// An archive contains a manifest.json with the full trace and a _bundle
// metadata block, plus one .blob file for every payload that exceeded the
// configured size and was moved out of the manifest. Archives are stored at
// traces/{YYYY-MM-DD}/{trace id}.zip, where the date is the creation date of
// the trace.
package bundle

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/pkg/errors"
	"github.com/samber/lo"
	"github.com/sirupsen/logrus"

	"github.com/PowerDNS/chronotrace/config"
	"github.com/PowerDNS/chronotrace/storage"
	"github.com/PowerDNS/chronotrace/trace"
)

// ErrNotFound is returned when no bundle exists for a trace ID or path
var ErrNotFound = errors.New("no such trace")

// Options configures a Store
type Options struct {
	Compression config.Compression
	TempDir     string // parent of temporary directories, default os.TempDir()
}

// Store reads and writes bundles on a storage backend
type Store struct {
	st   storage.Interface
	opt  Options
	l    logrus.FieldLogger
	now  func() time.Time
	pack func(b *trace.Bundle, opt PackOptions) ([]byte, PackStats, error)
}

// New creates a Store
func New(st storage.Interface, opt Options, logger logrus.FieldLogger) *Store {
	return &Store{
		st:   st,
		opt:  opt,
		l:    logger.WithField("component", "store"),
		now:  time.Now,
		pack: Pack,
	}
}

// Backend returns the storage backend
func (s *Store) Backend() storage.Interface {
	return s.st
}

// Summary describes a stored bundle
type Summary struct {
	TraceID   trace.ID  `json:"trace_id"`
	Path      string    `json:"path"`
	Size      int64     `json:"size"`
	CreatedAt time.Time `json:"created_at"`
}

// Store writes a bundle and returns its storage path. Storing the same trace
// again replaces the earlier archive.
func (s *Store) Store(ctx context.Context, b *trace.Bundle) (string, error) {
	metricStoreCalls.Inc()
	p := Path(b.TraceID, createdAt(b))
	l := s.l.WithField("trace_id", b.TraceID)

	data, stat, err := s.pack(b, PackOptions{
		Compress:       s.opt.Compression.Enabled,
		MaxPayloadSize: s.opt.Compression.MaxPayloadSize,
		TempDir:        s.opt.TempDir,
		Now:            s.now(),
	})
	if err != nil {
		metricStoreFailed.Inc()
		return "", errors.Wrap(err, "pack bundle")
	}
	if err := s.st.Put(ctx, p, data); err != nil {
		metricStoreFailed.Inc()
		return "", errors.Wrapf(err, "put %s", p)
	}
	metricArchiveBytes.Observe(float64(len(data)))

	l.WithFields(logrus.Fields{
		"path":           p,
		"time_packed":    stat.TPacked,
		"manifest_size":  stat.ManifestSize.HumanReadable(),
		"blobs_size":     stat.BlobsSize.HumanReadable(),
		"archive_size":   stat.CompressedSize.HumanReadable(),
		"large_payloads": stat.LargePayloads,
	}).Debug("Stored bundle")
	return p, nil
}

// Locate returns the storage path for a trace ID or a relative bundle path.
// The path derived from the ID is tried first, after that all date
// partitions are scanned, newest first.
func (s *Store) Locate(ctx context.Context, ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "", ErrNotFound
	}
	if strings.Contains(ref, "/") {
		p, err := storage.CleanPath(ref)
		if err != nil {
			return "", err
		}
		return s.existing(ctx, p)
	}

	id := trace.ID(strings.TrimSuffix(ref, Extension))
	if t, ok := id.Time(); ok {
		p, err := s.existing(ctx, Path(id, t))
		if err == nil || !errors.Is(err, ErrNotFound) {
			return p, err
		}
	}

	partitions, err := s.partitions(ctx)
	if err != nil {
		return "", err
	}
	for _, part := range partitions {
		p, err := s.existing(ctx, part.Path+"/"+string(id)+Extension)
		if err == nil {
			return p, nil
		}
		if !errors.Is(err, ErrNotFound) {
			s.l.WithError(err).WithField("partition", part.Name).Warn("Skipping unreadable partition")
		}
	}
	return "", ErrNotFound
}

func (s *Store) existing(ctx context.Context, p string) (string, error) {
	ok, err := s.st.Exists(ctx, p)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", ErrNotFound
	}
	return p, nil
}

// partitions returns the date partitions, newest first
func (s *Store) partitions(ctx context.Context) (storage.EntryList, error) {
	ls, err := s.st.List(ctx, Root)
	if err != nil {
		return nil, errors.Wrap(err, "list partitions")
	}
	dirs := ls.Dirs()
	sort.Slice(dirs, func(i, j int) bool {
		return dirs[i].Name > dirs[j].Name
	})
	return dirs, nil
}

// Get returns the raw archive of a trace
func (s *Store) Get(ctx context.Context, ref string) (string, []byte, error) {
	p, err := s.Locate(ctx, ref)
	if err != nil {
		return "", nil, err
	}
	data, err := s.st.Get(ctx, p)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", nil, ErrNotFound // deleted in the meantime
		}
		return "", nil, errors.Wrapf(err, "get %s", p)
	}
	return p, data, nil
}

// Retrieve loads a bundle by trace ID or relative path. It returns
// ErrNotFound if the bundle does not exist.
func (s *Store) Retrieve(ctx context.Context, ref string) (*trace.Bundle, error) {
	metricRetrieveCalls.Inc()
	p, data, err := s.Get(ctx, ref)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			metricRetrieveFailed.Inc()
		}
		return nil, err
	}

	tmpDir, err := os.MkdirTemp(s.opt.TempDir, "chronotrace-retrieve-")
	if err != nil {
		metricRetrieveFailed.Inc()
		return nil, errors.Wrap(err, "create temp dir")
	}
	defer func() {
		_ = os.RemoveAll(tmpDir)
	}()
	local := filepath.Join(tmpDir, filepath.Base(p))
	if err := os.WriteFile(local, data, 0o600); err != nil {
		metricRetrieveFailed.Inc()
		return nil, errors.Wrap(err, "write temp archive")
	}

	b, meta, err := Unpack(local)
	if err != nil {
		metricRetrieveFailed.Inc()
		return nil, errors.Wrapf(err, "unpack %s", p)
	}
	s.l.WithFields(logrus.Fields{
		"trace_id":       b.TraceID,
		"path":           p,
		"size":           datasize.ByteSize(len(data)).HumanReadable(),
		"format_version": meta.FormatVersion,
	}).Debug("Retrieved bundle")
	return b, nil
}

// List returns all stored bundles, newest first. Partitions that cannot be
// read are logged and skipped.
func (s *Store) List(ctx context.Context) ([]Summary, error) {
	metricListCalls.Inc()
	partitions, err := s.partitions(ctx)
	if err != nil {
		metricListFailed.Inc()
		return nil, err
	}

	var res []Summary
	for _, part := range partitions {
		files, err := s.st.List(ctx, part.Path)
		if err != nil {
			metricListPartitionFailed.Inc()
			s.l.WithError(err).WithField("partition", part.Name).Warn("Skipping unreadable partition")
			continue
		}
		partDate, _ := time.Parse(PartitionFormat, part.Name)
		res = append(res, lo.FilterMap(files, func(e storage.Entry, _ int) (Summary, bool) {
			base, isArchive := strings.CutSuffix(e.Name, Extension)
			if e.IsDir || !isArchive || base == "" {
				return Summary{}, false
			}
			id := trace.ID(base)
			created, ok := id.Time()
			if !ok {
				created = e.ModTime
			}
			if created.IsZero() {
				created = partDate
			}
			return Summary{
				TraceID:   id,
				Path:      e.Path,
				Size:      e.Size,
				CreatedAt: created.UTC(),
			}, true
		})...)
	}

	sort.SliceStable(res, func(i, j int) bool {
		if !res[i].CreatedAt.Equal(res[j].CreatedAt) {
			return res[i].CreatedAt.After(res[j].CreatedAt)
		}
		return res[i].TraceID > res[j].TraceID
	})
	return res, nil
}

// Delete removes a bundle by trace ID or path. It returns whether a bundle
// was deleted.
func (s *Store) Delete(ctx context.Context, ref string) (bool, error) {
	metricDeleteCalls.Inc()
	p, err := s.Locate(ctx, ref)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		metricDeleteFailed.Inc()
		return false, err
	}
	deleted, err := s.st.Delete(ctx, p)
	if err != nil {
		metricDeleteFailed.Inc()
		return false, errors.Wrapf(err, "delete %s", p)
	}
	return deleted, nil
}

// PurgeStats is the result of a purge
type PurgeStats struct {
	Total   int // number of bundles listed
	Deleted int
	Failed  int
}

// PurgeOldTraces deletes all bundles older than retentionDays and returns
// the number deleted.
func (s *Store) PurgeOldTraces(ctx context.Context, retentionDays int) (int, error) {
	stats, err := s.Purge(ctx, retentionDays, s.now())
	return stats.Deleted, err
}

// Purge deletes all bundles created before now minus retentionDays. A failed
// delete is logged and counted, and does not stop the purge.
func (s *Store) Purge(ctx context.Context, retentionDays int, now time.Time) (PurgeStats, error) {
	var stats PurgeStats
	if retentionDays <= 0 {
		return stats, errors.Errorf("invalid retention of %d days", retentionDays)
	}
	cutoff := now.Add(-time.Duration(retentionDays) * 24 * time.Hour)

	list, err := s.List(ctx)
	if err != nil {
		return stats, err
	}
	stats.Total = len(list)
	expired := lo.Filter(list, func(sum Summary, _ int) bool {
		return sum.CreatedAt.Before(cutoff)
	})

	for _, sum := range expired {
		l := s.l.WithField("trace_id", sum.TraceID)
		deleted, err := s.st.Delete(ctx, sum.Path)
		if err != nil {
			l.WithError(err).Warn("Could not delete expired trace")
			metricPurgeFailed.Inc()
			stats.Failed++
			continue
		}
		if deleted {
			metricPurged.Inc()
			stats.Deleted++
		}
	}

	s.l.WithFields(logrus.Fields{
		"deleted": stats.Deleted,
		"failed":  stats.Failed,
		"total":   stats.Total,
		"cutoff":  cutoff.Format(time.RFC3339),
	}).Debug("Purge stats")
	return stats, nil
}
