package trace

import (
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

// IDPrefix is the prefix of every trace ID
const IDPrefix = "ct_"

// ID identifies one captured unit of work. It is a prefixed ULID, which is
// sortable by creation time, collision resistant and safe to use in file
// and object names.
type ID string

var idEntropy = ulid.DefaultEntropy()

// NewID returns a new ID for the current time
func NewID() ID {
	return NewIDAt(time.Now())
}

// NewIDAt returns a new ID that embeds the given creation time
func NewIDAt(t time.Time) ID {
	return ID(IDPrefix + ulid.MustNew(ulid.Timestamp(t), idEntropy).String())
}

// ParseID validates an ID string
func ParseID(s string) (ID, error) {
	if !strings.HasPrefix(s, IDPrefix) {
		return "", fmt.Errorf("invalid trace id %q: missing %q prefix", s, IDPrefix)
	}
	if _, err := ulid.ParseStrict(s[len(IDPrefix):]); err != nil {
		return "", fmt.Errorf("invalid trace id %q: %v", s, err)
	}
	return ID(s), nil
}

// Time returns the creation time embedded in the ID, with millisecond
// precision. It returns false for IDs that were not created by NewID.
func (id ID) Time() (time.Time, bool) {
	s := string(id)
	if !strings.HasPrefix(s, IDPrefix) {
		return time.Time{}, false
	}
	u, err := ulid.ParseStrict(s[len(IDPrefix):])
	if err != nil {
		return time.Time{}, false
	}
	return ulid.Time(u.Time()).UTC(), true
}

func (id ID) String() string {
	return string(id)
}
