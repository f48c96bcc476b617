package model

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// StringFromAny coerces loosely-typed store values into strings.
func StringFromAny(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case fmt.Stringer:
		return t.String()
	default:
		return fmt.Sprintf("%v", t)
	}
}

// FloatFromAny coerces numeric store values, falling back to def.
func FloatFromAny(v any, def float64) float64 {
	switch t := v.(type) {
	case float64:
		return t
	case float32:
		return float64(t)
	case int:
		return float64(t)
	case int32:
		return float64(t)
	case int64:
		return float64(t)
	case interface{ Float64() (float64, error) }:
		if f, err := t.Float64(); err == nil {
			return f
		}
	}
	return def
}

// BoolFromAny coerces boolean store values, falling back to def.
func BoolFromAny(v any, def bool) bool {
	if b, ok := v.(bool); ok {
		return b
	}
	return def
}

// TimeFromAny parses timestamps as stored (RFC3339 with or without nanos) or
// passes time.Time values through. Unparseable input yields the zero time.
func TimeFromAny(v any) time.Time {
	switch t := v.(type) {
	case time.Time:
		return t
	case string:
		s := strings.TrimSpace(t)
		if s == "" {
			return time.Time{}
		}
		if ts, err := time.Parse(time.RFC3339Nano, s); err == nil {
			return ts
		}
		if ts, err := time.Parse(time.RFC3339, s); err == nil {
			return ts
		}
	}
	return time.Time{}
}

// StringsFromAny coerces list-shaped store values into a string slice.
func StringsFromAny(v any) []string {
	switch t := v.(type) {
	case []string:
		return append([]string(nil), t...)
	case []any:
		out := make([]string, 0, len(t))
		for _, item := range t {
			if s := StringFromAny(item); s != "" {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// TruncateRunes caps s at n runes. Byte slicing would split multi-byte
// UTF-8 sequences.
func TruncateRunes(s string, n int) string {
	if n <= 0 {
		return ""
	}
	if len(s) <= n {
		return s
	}
	count := 0
	for i := range s {
		if count == n {
			return s[:i]
		}
		count++
	}
	return s
}

// CosineSimilarity returns the cosine similarity of two vectors clamped to
// [0,1]. Mismatched or empty vectors score zero.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, magA, magB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		magA += float64(a[i]) * float64(a[i])
		magB += float64(b[i]) * float64(b[i])
	}
	if magA == 0 || magB == 0 {
		return 0
	}
	sim := dot / (math.Sqrt(magA) * math.Sqrt(magB))
	if sim < 0 {
		return 0
	}
	if sim > 1 {
		return 1
	}
	return sim
}
