// Package labels decides which queued jobs this instance is responsible for.
package labels

import "strings"

// Match reports whether every label in required is present in jobLabels.
// Comparison is exact and case-sensitive.  An empty required set matches
// every job.
func Match(jobLabels, required []string) bool {
	have := make(map[string]struct{}, len(jobLabels))
	for _, l := range jobLabels {
		have[l] = struct{}{}
	}
	for _, l := range required {
		if _, ok := have[l]; !ok {
			return false
		}
	}
	return true
}

// Parse splits a comma-separated label list, trimming whitespace and
// dropping empty entries.
func Parse(s string) []string {
	var out []string
	for _, l := range strings.Split(s, ",") {
		if l = strings.TrimSpace(l); l != "" {
			out = append(out, l)
		}
	}
	return out
}
