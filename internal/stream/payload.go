package stream

import (
	"maps"
	"strconv"
	"strings"
)

// Payload is the open string map that backends attach to raw events. It is
// the de facto wire format between adapters and the core, so it stays a map;
// the accessors below are the only place callers should poke at it.
type Payload map[string]string

// String returns the first non-empty, trimmed value among keys.
func (p Payload) String(keys ...string) string {
	for _, key := range keys {
		if v := strings.TrimSpace(p[key]); v != "" {
			return v
		}
	}
	return ""
}

// Lower is String lowercased.
func (p Payload) Lower(keys ...string) string {
	return strings.ToLower(p.String(keys...))
}

// Int returns the first value among keys that parses as an integer.
func (p Payload) Int(keys ...string) (int, bool) {
	for _, key := range keys {
		v := strings.TrimSpace(p[key])
		if v == "" {
			continue
		}
		if n, err := strconv.Atoi(v); err == nil {
			return n, true
		}
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return int(f), true
		}
	}
	return 0, false
}

// Int64 is Int widened; missing keys yield zero.
func (p Payload) Int64(keys ...string) int64 {
	n, _ := p.Int(keys...)
	return int64(n)
}

// List splits a comma separated value, dropping blanks.
func (p Payload) List(key string) []string {
	raw := strings.TrimSpace(p[key])
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Has reports whether key carries a non-blank value.
func (p Payload) Has(key string) bool {
	return strings.TrimSpace(p[key]) != ""
}

// Clone returns an independent copy. A nil payload clones to an empty map.
func (p Payload) Clone() Payload {
	out := make(Payload, len(p))
	maps.Copy(out, p)
	return out
}
