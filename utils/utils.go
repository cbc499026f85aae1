package utils

import (
	"context"
	"math/rand"
	"runtime/metrics"
	"time"
	"unicode/utf8"
)

// SleepContext sleeps for given duration. If the context closes in the
// meantime, it returns immediately with a context.Canceled error.
func SleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return context.Canceled
	case <-t.C:
		return nil
	}
}

// SleepContextPerturb sleeps for given duration like SleepContent, but it
// perturbs the duration with a 20% random component to avoid multiple instances
// running at the exact same time.
// If the context closes in the meantime, it returns immediately with a
// context.Canceled error.
func SleepContextPerturb(ctx context.Context, d time.Duration) error {
	r := rand.Intn(400)
	// Random duration between 80% and 120% of original
	d = time.Duration(800+r) * d / 1000
	return SleepContext(ctx, d)
}

const heapAllocsMetric = "/gc/heap/allocs:bytes"

// HeapAllocs returns the cumulative number of bytes allocated on the heap by
// the process. Unlike runtime.ReadMemStats it does not stop the world, so it
// can be called for every request. The difference between two readings is
// process wide, not limited to one goroutine.
func HeapAllocs() int64 {
	s := []metrics.Sample{{Name: heapAllocsMetric}}
	metrics.Read(s)
	if s[0].Value.Kind() != metrics.KindUint64 {
		return 0
	}
	return int64(s[0].Value.Uint64())
}

// TruncateUTF8 returns the longest prefix of s that is at most n bytes long
// and does not end in a partial UTF-8 sequence.
func TruncateUTF8(s string, n int) string {
	if n <= 0 {
		return ""
	}
	if len(s) <= n {
		return s
	}
	s = s[:n]
	for i := 0; i < utf8.UTFMax && len(s) > 0; i++ {
		r, size := utf8.DecodeLastRuneInString(s)
		if r != utf8.RuneError || size > 1 {
			break
		}
		s = s[:len(s)-1]
	}
	return s
}
