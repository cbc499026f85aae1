// Package redact removes sensitive values from captured data before it can
// reach durable storage.
//
// Field matching is a case-insensitive substring match on map keys. Text
// matching applies every configured regular expression to the result of the
// previous one, so overlapping matches are replaced independently.
package redact

import (
	"encoding/json"
	"net/http"
	"net/url"
	"reflect"
	"regexp"
	"strings"

	"github.com/pkg/errors"
)

// Marker replaces every redacted value
const Marker = "[SCRUBBED]"

// CacheKeyMarker replaces cache keys that look sensitive
const CacheKeyMarker = "[SCRUBBED_CACHE_KEY]"

// Redactor scrubs nested maps and free text. A Redactor is immutable after
// construction and safe for concurrent use.
type Redactor struct {
	fields   []string
	patterns []*regexp.Regexp
	disabled bool
}

// Options configures a Redactor
type Options struct {
	// Fields are sensitive field name substrings, matched case-insensitively
	Fields []string
	// Patterns are regular expressions applied to free text
	Patterns []string
	// Disabled makes the Redactor pass all data through unchanged.
	// This is unsafe for any mode that stores successful requests.
	Disabled bool
}

// New compiles the patterns and returns a Redactor
func New(opt Options) (*Redactor, error) {
	r := &Redactor{disabled: opt.Disabled}
	for _, f := range opt.Fields {
		f = strings.ToLower(strings.TrimSpace(f))
		if f == "" {
			continue
		}
		r.fields = append(r.fields, f)
	}
	for _, p := range opt.Patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, errors.Wrapf(err, "scrub pattern %q", p)
		}
		r.patterns = append(r.patterns, re)
	}
	return r, nil
}

// MustNew is like New, but panics on invalid patterns
func MustNew(opt Options) *Redactor {
	r, err := New(opt)
	if err != nil {
		panic(err)
	}
	return r
}

// Disabled returns true if this Redactor passes data through unchanged
func (r *Redactor) Disabled() bool {
	return r.disabled
}

// IsSensitive returns true if the key matches any of the sensitive field names
func (r *Redactor) IsSensitive(key string) bool {
	if len(r.fields) == 0 {
		return false
	}
	k := strings.ToLower(key)
	for _, f := range r.fields {
		if strings.Contains(k, f) {
			return true
		}
	}
	return false
}

// ScrubFields returns a redacted copy of data. The input is never modified.
// Nested maps are always recursed, also under sensitive keys, so the output
// has the same structure as the input. Any other value under a sensitive key
// is replaced by the Marker. Strings under other keys go through ScrubText.
//
// Maps with string keys, slices and structs of any type are walked as well.
// They come out as map[string]any and []any, the shapes they have after a
// JSON round trip.
func (r *Redactor) ScrubFields(data map[string]any) map[string]any {
	if r.disabled || data == nil {
		return data
	}
	out := make(map[string]any, len(data))
	for k, v := range data {
		if m, ok := asMap(v); ok {
			out[k] = r.ScrubFields(m)
			continue
		}
		if r.IsSensitive(k) {
			out[k] = Marker
			continue
		}
		out[k] = r.scrubValue(v)
	}
	return out
}

func (r *Redactor) scrubValue(v any) any {
	switch x := v.(type) {
	case nil, bool, float64, float32, int, int64, int32, uint, uint64, uint32, json.Number:
		return v
	case string:
		return r.ScrubText(x)
	case []byte:
		return r.ScrubText(string(x))
	case []any:
		l := make([]any, len(x))
		for i, item := range x {
			l[i] = r.scrubValue(item)
		}
		return l
	case []string:
		l := make([]string, len(x))
		for i, item := range x {
			l[i] = r.ScrubText(item)
		}
		return l
	}
	if m, ok := asMap(v); ok {
		return r.ScrubFields(m)
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		l := make([]any, rv.Len())
		for i := range l {
			l[i] = r.scrubValue(rv.Index(i).Interface())
		}
		return l
	case reflect.Pointer, reflect.Interface:
		if rv.IsNil() {
			return nil
		}
		return r.scrubValue(rv.Elem().Interface())
	case reflect.String:
		return r.ScrubText(rv.String())
	case reflect.Struct:
		// Walk the fields under their JSON names
		jv, ok := jsonValue(v)
		if !ok {
			return Marker
		}
		return r.scrubValue(jv)
	}
	return v
}

// asMap returns v as a map[string]any if it is a map with string keys
func asMap(v any) (map[string]any, bool) {
	if m, ok := v.(map[string]any); ok {
		return m, true
	}
	if v == nil {
		return nil, false
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Map || rv.Type().Key().Kind() != reflect.String {
		return nil, false
	}
	if rv.IsNil() {
		return nil, false
	}
	m := make(map[string]any, rv.Len())
	iter := rv.MapRange()
	for iter.Next() {
		m[iter.Key().String()] = iter.Value().Interface()
	}
	return m, true
}

// jsonValue converts v to the generic value it encodes to
func jsonValue(v any) (any, bool) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, false
	}
	var res any
	if err := json.Unmarshal(data, &res); err != nil {
		return nil, false
	}
	return res, true
}

// ScrubText replaces all pattern matches in text with the Marker
func (r *Redactor) ScrubText(text string) string {
	if r.disabled || text == "" {
		return text
	}
	for _, re := range r.patterns {
		text = re.ReplaceAllLiteralString(text, Marker)
	}
	return text
}

// ScrubHeaders converts headers to a map and redacts it. Single values
// become strings, repeated headers become lists.
func (r *Redactor) ScrubHeaders(h http.Header) map[string]any {
	return r.ScrubFields(HeaderMap(h))
}

// ScrubURL redacts the values of sensitive query parameters. Text patterns
// are not applied to the URL. Unparsable URLs are returned as-is after
// ScrubText.
func (r *Redactor) ScrubURL(rawURL string) string {
	if r.disabled || rawURL == "" {
		return rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return r.ScrubText(rawURL)
	}
	if u.User != nil {
		if _, hasPassword := u.User.Password(); hasPassword {
			u.User = url.UserPassword(u.User.Username(), Marker)
		}
	}
	if u.RawQuery != "" {
		q := u.Query()
		changed := false
		for k, vals := range q {
			if !r.IsSensitive(k) {
				continue
			}
			for i := range vals {
				vals[i] = Marker
			}
			changed = true
		}
		if changed {
			u.RawQuery = q.Encode()
		}
	}
	return u.String()
}

// ScrubCacheKey replaces sensitive looking cache keys by CacheKeyMarker
func (r *Redactor) ScrubCacheKey(key string) string {
	if r.disabled {
		return key
	}
	if r.IsSensitive(key) {
		return CacheKeyMarker
	}
	return r.ScrubText(key)
}

// HeaderMap converts http.Header to a generic map that survives a JSON round
// trip unchanged: single values are strings, repeated values are []any.
func HeaderMap(h http.Header) map[string]any {
	if h == nil {
		return nil
	}
	m := make(map[string]any, len(h))
	for k, vals := range h {
		switch len(vals) {
		case 0:
			m[k] = ""
		case 1:
			m[k] = vals[0]
		default:
			l := make([]any, len(vals))
			for i, v := range vals {
				l[i] = v
			}
			m[k] = l
		}
	}
	return m
}

// ValuesMap converts url.Values like HeaderMap does for headers
func ValuesMap(v url.Values) map[string]any {
	return HeaderMap(http.Header(v))
}
