// Package warnings implements the structured drift-capture list that every
// layer of the fabric appends to. A Warning records a lossy or substitutive
// translation — a parameter clamped, a system message re-projected, a model
// swapped on fallback — so callers can see exactly what changed between
// what they asked for and what the backend actually received.
package warnings

import (
	"fmt"
	"sort"
	"strings"

	"golang.org/x/exp/slices"
)

// Category enumerates every kind of drift the fabric can produce.
type Category string

const (
	CategoryParameterNormalized    Category = "parameter-normalized"
	CategoryParameterClamped       Category = "parameter-clamped"
	CategoryParameterUnsupported   Category = "parameter-unsupported"
	CategoryCapabilityUnsupported  Category = "capability-unsupported"
	CategoryTokenLimitExceeded     Category = "token-limit-exceeded"
	CategoryStopSequencesTruncated Category = "stop-sequences-truncated"
	CategorySystemMessageTransformed Category = "system-message-transformed"
	CategoryContentTypeUnsupported Category = "content-type-unsupported"
	CategoryToolUnsupported        Category = "tool-unsupported"
	CategoryModelSubstituted       Category = "model-substituted"
)

// Severity orders warnings so callers can filter by a minimum threshold.
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityWarning
	SeverityError
)

func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "INFO"
	case SeverityWarning:
		return "WARNING"
	case SeverityError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// Warning is one structured drift record.
type Warning struct {
	Category         Category
	Severity         Severity
	Message          string
	Field            string
	OriginalValue    any
	TransformedValue any
	Source           string // e.g. "normalizer", "router", "bridge"
	Details          map[string]any
}

func dedupeKey(w Warning) string {
	return string(w.Category) + "\x00" + w.Field + "\x00" + w.Message
}

// Merge combines warning lists from multiple layers, deduplicating on
// (category, field, message). The first writer's value for a duplicate key
// wins; lists are merged in the order they're passed to Merge.
func Merge(lists ...[]Warning) []Warning {
	seen := make(map[string]bool)
	var out []Warning
	for _, l := range lists {
		for _, w := range l {
			key := dedupeKey(w)
			if seen[key] {
				continue
			}
			seen[key] = true
			out = append(out, w)
		}
	}
	return out
}

// FilterBySeverity returns only the warnings at or above the given minimum
// severity, preserving order.
func FilterBySeverity(ws []Warning, min Severity) []Warning {
	var out []Warning
	for _, w := range ws {
		if w.Severity >= min {
			out = append(out, w)
		}
	}
	return out
}

// FilterByCategory returns only the warnings whose category is in the given
// set, preserving order.
func FilterByCategory(ws []Warning, cats ...Category) []Warning {
	allow := make(map[Category]bool, len(cats))
	for _, c := range cats {
		allow[c] = true
	}
	var out []Warning
	for _, w := range ws {
		if allow[w.Category] {
			out = append(out, w)
		}
	}
	return out
}

// GroupByCategory buckets warnings by category, preserving within-bucket
// order. Bucket iteration order is not guaranteed by callers of the result;
// use SortedCategories for a stable ordering.
func GroupByCategory(ws []Warning) map[Category][]Warning {
	out := make(map[Category][]Warning)
	for _, w := range ws {
		out[w.Category] = append(out[w.Category], w)
	}
	return out
}

// SortedCategories returns the distinct categories present in ws, sorted
// alphabetically — used to make grouped summaries deterministic for tests.
func SortedCategories(ws []Warning) []Category {
	seen := make(map[Category]bool)
	var cats []Category
	for _, w := range ws {
		if !seen[w.Category] {
			seen[w.Category] = true
			cats = append(cats, w.Category)
		}
	}
	sort.Slice(cats, func(i, j int) bool { return cats[i] < cats[j] })
	return cats
}

// Format renders a single warning as "[SEVERITY] message (source)" plus an
// optional details block — the log-output test oracle from spec.md §4.8.
func Format(w Warning) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s", w.Severity, w.Message)
	if w.Source != "" {
		fmt.Fprintf(&b, " (%s)", w.Source)
	}
	if len(w.Details) > 0 {
		keys := make([]string, 0, len(w.Details))
		for k := range w.Details {
			keys = append(keys, k)
		}
		slices.Sort(keys)
		b.WriteString(" {")
		for i, k := range keys {
			if i > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "%s=%v", k, w.Details[k])
		}
		b.WriteString("}")
	}
	return b.String()
}

// FormatAll renders a newline-joined summary of every warning, in order.
func FormatAll(ws []Warning) string {
	lines := make([]string, len(ws))
	for i, w := range ws {
		lines[i] = Format(w)
	}
	return strings.Join(lines, "\n")
}
