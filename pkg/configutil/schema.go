package configutil

import (
	"sort"
	"strings"
)

// Schema lists the keys a provider settings map may carry.
type Schema struct {
	Required     []string
	Optional     []string
	AllowUnknown bool
}

// SettingsError reports every problem found in one settings map.
type SettingsError struct {
	Missing []string
	Unknown []string
	// Suggest maps an unknown key to the closest known one, when close enough.
	Suggest map[string]string
}

func (e *SettingsError) Error() string {
	var parts []string
	if len(e.Missing) > 0 {
		parts = append(parts, "missing: "+strings.Join(e.Missing, ", "))
	}
	if len(e.Unknown) > 0 {
		keys := make([]string, 0, len(e.Unknown))
		for _, k := range e.Unknown {
			if s, ok := e.Suggest[k]; ok {
				k += " (did you mean " + s + "?)"
			}
			keys = append(keys, k)
		}
		parts = append(parts, "unknown: "+strings.Join(keys, ", "))
	}
	return strings.Join(parts, "; ")
}

// ValidateSettings checks input against schema. Keys match regardless of
// case, underscores and hyphens. A required key holding an empty string
// counts as missing.
func ValidateSettings(input map[string]any, schema Schema) error {
	known := make(map[string]string, len(schema.Required)+len(schema.Optional))
	for _, k := range schema.Optional {
		known[normalizeKey(k)] = k
	}
	for _, k := range schema.Required {
		known[normalizeKey(k)] = k
	}

	present := make(map[string]any, len(input))
	e := &SettingsError{Suggest: make(map[string]string)}
	for k, v := range input {
		nk := normalizeKey(k)
		present[nk] = v
		if _, ok := known[nk]; ok || schema.AllowUnknown {
			continue
		}
		e.Unknown = append(e.Unknown, k)
		if s := closest(nk, known); s != "" {
			e.Suggest[k] = s
		}
	}
	for _, k := range schema.Required {
		if v, ok := present[normalizeKey(k)]; !ok || isEmptyValue(v) {
			e.Missing = append(e.Missing, k)
		}
	}

	if len(e.Missing) == 0 && len(e.Unknown) == 0 {
		return nil
	}
	sort.Strings(e.Missing)
	sort.Strings(e.Unknown)
	return e
}

func isEmptyValue(v any) bool {
	if v == nil {
		return true
	}
	if s, ok := v.(string); ok {
		return strings.TrimSpace(s) == ""
	}
	return false
}

// closest returns the known key within edit distance 2 of key.
func closest(key string, known map[string]string) string {
	best, bestDist := "", 3
	for nk, original := range known {
		if d := distance(key, nk); d < bestDist || (d == bestDist && original < best) {
			best, bestDist = original, d
		}
	}
	return best
}

func distance(a, b string) int {
	prev := make([]int, len(b)+1)
	cur := make([]int, len(b)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(a); i++ {
		cur[0] = i
		for j := 1; j <= len(b); j++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			cur[j] = min(prev[j]+1, cur[j-1]+1, prev[j-1]+cost)
		}
		prev, cur = cur, prev
	}
	return prev[len(b)]
}
