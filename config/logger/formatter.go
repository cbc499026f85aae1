// Package logger configures logrus and implements a formatter that prefixes
// log messages with the component name.
package logger

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

// ComponentFormatter is a logrus formatter that moves the 'component' field
// into a log prefix for nicer formatted text output. A 'trace_id' field is
// appended to the prefix when present.
type ComponentFormatter struct {
	Parent logrus.Formatter
}

// Format implements logrus.Formatter
func (f *ComponentFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	component, ok := entry.Data["component"].(string)
	if !ok {
		return f.Parent.Format(entry)
	}
	prefix := component
	if id, ok := entry.Data["trace_id"]; ok {
		prefix = fmt.Sprintf("%s %v", component, id)
	}

	// Do not modify the original entry, other hooks may still see it
	e := entry.Dup()
	e.Level = entry.Level
	e.Message = fmt.Sprintf("[%-10s] %s", prefix, entry.Message)
	delete(e.Data, "component")
	return f.Parent.Format(e)
}
