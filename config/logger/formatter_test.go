package logger

import (
	"bytes"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type traceID string

func TestComponentFormatter(t *testing.T) {
	buf := &bytes.Buffer{}
	l := logrus.New()
	l.SetOutput(buf)
	l.SetFormatter(&ComponentFormatter{
		Parent: &logrus.TextFormatter{DisableColors: true, DisableTimestamp: true},
	})

	l.WithField("component", "recorder").Info("started")
	assert.Contains(t, buf.String(), `msg="[recorder  ] started"`)
	assert.NotContains(t, buf.String(), "component=")

	buf.Reset()
	l.WithField("component", "store").WithField("trace_id", traceID("ct_X")).Info("stored")
	assert.Contains(t, buf.String(), "[store ct_X] stored")
	assert.Contains(t, buf.String(), "trace_id=ct_X")

	buf.Reset()
	l.Info("plain")
	assert.Contains(t, buf.String(), `msg=plain`)
}

func TestConfigCheckAndMerge(t *testing.T) {
	require.NoError(t, DefaultConfig.Check())

	c := DefaultConfig.Merge(Config{Level: "debug"})
	assert.Equal(t, "debug", c.Level)
	assert.Equal(t, DefaultConfig.Format, c.Format)

	c.Format = "xml"
	assert.Error(t, c.Check())

	c = DefaultConfig
	c.Output = "file"
	assert.Error(t, c.Check())
}
