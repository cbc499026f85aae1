package bundle

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PowerDNS/chronotrace/config"
	"github.com/PowerDNS/chronotrace/storage"
	"github.com/PowerDNS/chronotrace/storage/fs"
	"github.com/PowerDNS/chronotrace/trace"
)

var errInjected = errors.New("injected failure")

// faultyStorage fails operations on paths that start with one of the
// configured prefixes.
type faultyStorage struct {
	storage.Interface
	failList   string
	failDelete string
}

func (f *faultyStorage) List(ctx context.Context, dir string) (storage.EntryList, error) {
	if f.failList != "" && strings.HasPrefix(dir, f.failList) {
		return nil, errInjected
	}
	return f.Interface.List(ctx, dir)
}

func (f *faultyStorage) Delete(ctx context.Context, p string) (bool, error) {
	if f.failDelete != "" && strings.HasPrefix(p, f.failDelete) {
		return false, errInjected
	}
	return f.Interface.Delete(ctx, p)
}

func newTestStore(t *testing.T) (*Store, storage.Interface) {
	st, err := fs.New(t.TempDir())
	require.NoError(t, err)
	return newTestStoreWith(t, st), st
}

func newTestStoreWith(t *testing.T, st storage.Interface) *Store {
	conf := config.Default()
	conf.Compression.MaxPayloadSize = 512
	return New(st, Options{
		Compression: conf.Compression,
		TempDir:     t.TempDir(),
	}, logrus.New())
}

func TestStoreRetrieve(t *testing.T) {
	ctx := context.Background()
	s, st := newTestStore(t)

	b := testBundle(trace.NewID(), strings.Repeat("payload ", 100))
	p, err := s.Store(ctx, b)
	require.NoError(t, err)
	ts, _ := b.TraceID.Time()
	assert.Equal(t, "traces/"+ts.UTC().Format("2006-01-02")+"/"+string(b.TraceID)+".zip", p)

	ok, err := st.Exists(ctx, p)
	require.NoError(t, err)
	assert.True(t, ok)

	for _, ref := range []string{string(b.TraceID), p, string(b.TraceID) + ".zip"} {
		got, err := s.Retrieve(ctx, ref)
		require.NoError(t, err, ref)
		if diff := cmp.Diff(b, got); diff != "" {
			t.Errorf("bundle mismatch for %s (-want +got):\n%s", ref, diff)
		}
	}

	// Nothing is left behind in the temp dir
	entries, err := os.ReadDir(s.opt.TempDir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestStoreForeignID(t *testing.T) {
	// IDs that do not embed a time are placed by their timestamp and found
	// by scanning the partitions.
	ctx := context.Background()
	s, _ := newTestStore(t)
	b := testBundle(trace.NewID(), "{}")
	b.TraceID = "external-42"
	b.Timestamp = time.Date(2023, 6, 7, 8, 9, 10, 0, time.UTC)

	p, err := s.Store(ctx, b)
	require.NoError(t, err)
	assert.Equal(t, "traces/2023-06-07/external-42.zip", p)

	loc, err := s.Locate(ctx, "external-42")
	require.NoError(t, err)
	assert.Equal(t, p, loc)

	got, err := s.Retrieve(ctx, "external-42")
	require.NoError(t, err)
	assert.Equal(t, "{}", got.Response.Content)
}

func TestStoreNotFound(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	_, err := s.Store(ctx, testBundle(trace.NewID(), "{}"))
	require.NoError(t, err)

	for _, ref := range []string{"", "  ", string(trace.NewID()), "nope", "traces/2020-01-01/nope.zip"} {
		_, err := s.Retrieve(ctx, ref)
		assert.ErrorIs(t, err, ErrNotFound, ref)
	}

	_, err = s.Retrieve(ctx, "../etc/passwd")
	assert.Error(t, err)
}

func TestStoreOverwrite(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)
	b := testBundle(trace.NewID(), "first")
	p1, err := s.Store(ctx, b)
	require.NoError(t, err)
	b.Response.Content = "second"
	p2, err := s.Store(ctx, b)
	require.NoError(t, err)
	assert.Equal(t, p1, p2)

	got, err := s.Retrieve(ctx, string(b.TraceID))
	require.NoError(t, err)
	assert.Equal(t, "second", got.Response.Content)

	list, err := s.List(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestStoreList(t *testing.T) {
	ctx := context.Background()
	s, st := newTestStore(t)
	now := time.Now()

	var ids []trace.ID
	for _, age := range []time.Duration{72 * time.Hour, time.Hour, 24 * time.Hour} {
		id := trace.NewIDAt(now.Add(-age))
		ids = append(ids, id)
		_, err := s.Store(ctx, testBundle(id, "{}"))
		require.NoError(t, err)
	}
	// Ignored: unrelated files
	require.NoError(t, st.Put(ctx, "traces/2024-01-01/notes.txt", []byte("x")))
	require.NoError(t, st.Put(ctx, "other/file.zip", []byte("x")))

	list, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, []trace.ID{ids[1], ids[2], ids[0]}, []trace.ID{
		list[0].TraceID, list[1].TraceID, list[2].TraceID,
	})
	for _, sum := range list {
		assert.NotZero(t, sum.Size)
		assert.True(t, strings.HasPrefix(sum.Path, "traces/"))
		info, err := ParsePath(sum.Path)
		require.NoError(t, err)
		assert.Equal(t, sum.TraceID, info.TraceID)
	}

	empty, _ := newTestStore(t)
	list, err = empty.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestStoreListSkipsUnreadablePartition(t *testing.T) {
	ctx := context.Background()
	base, err := fs.New(t.TempDir())
	require.NoError(t, err)
	faulty := &faultyStorage{Interface: base}
	s := newTestStoreWith(t, faulty)

	now := time.Now()
	oldID := trace.NewIDAt(now.Add(-48 * time.Hour))
	newID := trace.NewIDAt(now)
	for _, id := range []trace.ID{oldID, newID} {
		_, err := s.Store(ctx, testBundle(id, "{}"))
		require.NoError(t, err)
	}

	oldTime, _ := oldID.Time()
	faulty.failList = Root + "/" + Partition(oldTime)
	list, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, newID, list[0].TraceID)

	// A failing root listing is an error
	faulty.failList = Root
	_, err = s.List(ctx)
	assert.ErrorIs(t, err, errInjected)
}

func TestStoreDelete(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)
	b := testBundle(trace.NewID(), "{}")
	_, err := s.Store(ctx, b)
	require.NoError(t, err)

	deleted, err := s.Delete(ctx, string(b.TraceID))
	require.NoError(t, err)
	assert.True(t, deleted)

	deleted, err = s.Delete(ctx, string(b.TraceID))
	require.NoError(t, err)
	assert.False(t, deleted)

	_, err = s.Retrieve(ctx, string(b.TraceID))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStorePurge(t *testing.T) {
	ctx := context.Background()
	base, err := fs.New(t.TempDir())
	require.NoError(t, err)
	faulty := &faultyStorage{Interface: base}
	s := newTestStoreWith(t, faulty)
	now := time.Now()

	oldID := trace.NewIDAt(now.Add(-20 * 24 * time.Hour))
	recentID := trace.NewIDAt(now.Add(-24 * time.Hour))
	for _, id := range []trace.ID{oldID, recentID} {
		_, err := s.Store(ctx, testBundle(id, "{}"))
		require.NoError(t, err)
	}

	_, err = s.Purge(ctx, 0, now)
	assert.Error(t, err)

	// A failed delete is counted and does not abort the purge
	faulty.failDelete = Root
	stats, err := s.Purge(ctx, 15, now)
	require.NoError(t, err)
	assert.Equal(t, PurgeStats{Total: 2, Deleted: 0, Failed: 1}, stats)

	faulty.failDelete = ""
	n, err := s.PurgeOldTraces(ctx, 15)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	list, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, recentID, list[0].TraceID)

	_, err = s.Retrieve(ctx, string(oldID))
	assert.ErrorIs(t, err, ErrNotFound)

	// Nothing left to purge
	n, err = s.PurgeOldTraces(ctx, 15)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}
