package recorder

import (
	"encoding/json"
	"fmt"
	"runtime"

	"github.com/pkg/errors"
)

type stackTracer interface {
	StackTrace() errors.StackTrace
}

// Fault is the structured description of a fault stored in the response
// exception field
type Fault struct {
	Class   string `json:"class"`
	Message string `json:"message"`
	File    string `json:"file"`
	Line    int    `json:"line"`
	Trace   string `json:"trace"`
}

// NewFault describes an error. The location and trace come from the
// innermost pkg/errors stack trace in the chain, if any.
func NewFault(err error) Fault {
	if err == nil {
		err = errors.New("unknown fault")
	}
	f := Fault{
		Class:   fmt.Sprintf("%T", errors.Cause(err)),
		Message: err.Error(),
	}
	var st errors.StackTrace
	for e := err; e != nil; e = errors.Unwrap(e) {
		if s, ok := e.(stackTracer); ok {
			st = s.StackTrace()
		}
	}
	if len(st) > 0 {
		pc := uintptr(st[0]) - 1
		if fn := runtime.FuncForPC(pc); fn != nil {
			f.File, f.Line = fn.FileLine(pc)
		}
		f.Trace = fmt.Sprintf("%+v", st)
	}
	return f
}

// FormatFault returns the JSON description of an error
func FormatFault(err error) string {
	data, jerr := json.MarshalIndent(NewFault(err), "", "  ")
	if jerr != nil {
		return `{"error": "failed to encode fault"}`
	}
	return string(data)
}
