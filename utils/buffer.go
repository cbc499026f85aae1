package utils

import (
	"bytes"
)

// CappedBuffer is an io.Writer that keeps at most Limit bytes and counts the
// total number of bytes written. Writes never fail.
type CappedBuffer struct {
	Limit int
	buf   bytes.Buffer
	total int64
}

// NewCappedBuffer returns a CappedBuffer with the given limit
func NewCappedBuffer(limit int) *CappedBuffer {
	return &CappedBuffer{Limit: limit}
}

// Write implements io.Writer
func (b *CappedBuffer) Write(p []byte) (int, error) {
	b.total += int64(len(p))
	if room := b.Limit - b.buf.Len(); room > 0 {
		if len(p) > room {
			b.buf.Write(p[:room])
		} else {
			b.buf.Write(p)
		}
	}
	return len(p), nil
}

// Bytes returns the kept bytes
func (b *CappedBuffer) Bytes() []byte {
	return b.buf.Bytes()
}

// Total returns the number of bytes written, including those not kept
func (b *CappedBuffer) Total() int64 {
	return b.total
}

// Truncated returns true if not all written bytes were kept
func (b *CappedBuffer) Truncated() bool {
	return b.total > int64(b.buf.Len())
}
