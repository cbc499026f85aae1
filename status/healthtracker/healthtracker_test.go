package healthtracker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestHealthTracker(t *testing.T) {
	ht := New(HealthConfig{
		ErrorDuration: time.Hour,
		WarnDuration:  time.Minute,
		ErrorSequence: 3,
		WarnSequence:  1,
	}, "test", "store bundle", false)

	level, _ := ht.State(time.Now())
	assert.Equal(t, LevelOK, level)

	ht.AddFailure()
	level, msg := ht.State(time.Now())
	assert.Equal(t, LevelWarn, level)
	assert.Contains(t, msg, "store bundle")

	ht.AddFailure()
	ht.AddFailure()
	level, _ = ht.State(time.Now())
	assert.Equal(t, LevelError, level)
	assert.Equal(t, uint32(3), ht.Failures())

	// Duration based evaluation with a fake clock
	level, _ = ht.evaluateDuration(time.Now().Add(2 * time.Hour))
	assert.Equal(t, LevelError, level)

	ht.AddSuccess()
	level, _ = ht.State(time.Now().Add(2 * time.Hour))
	assert.Equal(t, LevelOK, level)
	assert.Equal(t, "ok", level.String())
}
