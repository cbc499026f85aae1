package bundle

import (
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/PowerDNS/chronotrace/trace"
)

const (
	// Root is the directory that holds all date partitions
	Root = "traces"

	// Extension is the extension of bundle archives
	Extension = ".zip"

	// PartitionFormat is the time format of the date partitions
	PartitionFormat = "2006-01-02"
)

// Path returns the storage path of a bundle created at the given time
func Path(id trace.ID, created time.Time) string {
	return path.Join(Root, Partition(created), string(id)+Extension)
}

// Partition returns the date partition directory name for a time
func Partition(t time.Time) string {
	return t.UTC().Format(PartitionFormat)
}

// NameInfo is the information that can be derived from a bundle path
type NameInfo struct {
	FullPath  string
	Partition string
	TraceID   trace.ID
	Date      time.Time // start of the partition day, UTC
}

// ParsePath parses a bundle path like "traces/2024-01-02/ct_01HN....zip".
// The trace ID is not validated, only the layout.
func ParsePath(p string) (NameInfo, error) {
	var empty NameInfo
	parts := strings.Split(p, "/")
	if len(parts) != 3 || parts[0] != Root {
		return empty, fmt.Errorf("invalid bundle path: %s", p)
	}
	date, err := time.Parse(PartitionFormat, parts[1])
	if err != nil {
		return empty, fmt.Errorf("invalid partition in bundle path %s: %v", p, err)
	}
	base, found := strings.CutSuffix(parts[2], Extension)
	if !found || base == "" {
		return empty, fmt.Errorf("unexpected extension: %s", p)
	}
	return NameInfo{
		FullPath:  p,
		Partition: parts[1],
		TraceID:   trace.ID(base),
		Date:      date,
	}, nil
}

// createdAt returns the creation time used for a bundle path: the time
// embedded in the trace ID, or the bundle timestamp for foreign IDs.
func createdAt(b *trace.Bundle) time.Time {
	if t, ok := b.TraceID.Time(); ok {
		return t
	}
	if !b.Timestamp.IsZero() {
		return b.Timestamp
	}
	return time.Now()
}
