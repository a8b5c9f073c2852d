// Package redact masks network addresses and credential-looking tokens in
// paste content.
package redact

import (
	"regexp"

	"fogbin/metrics"
)

const Placeholder = "[REDACTED]"

var sensitive = regexp.MustCompile(
	`\b\d{1,3}(?:\.\d{1,3}){3}\b` +
		`|(?i:(?:token|api[ _-]?key|authorization)[:=]?\s*["']?[a-z0-9\-_.]{16,}["']?)`,
)

// Stage names the point in the pipeline a transform runs at.
type Stage uint8

const (
	StagePersist Stage = iota + 1 // before content is written
	StagePresent                  // on every raw read
)

func (s Stage) String() string {
	switch s {
	case StagePersist:
		return "persist"
	case StagePresent:
		return "present"
	}
	return "unknown"
}

// Span is a half-open byte range [Start, End) of a match.
type Span struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// Redact replaces every sensitive match with Placeholder.
// Redact(Redact(s)) == Redact(s).
func Redact(text string) string {
	if text == "" {
		return text
	}
	return sensitive.ReplaceAllLiteralString(text, Placeholder)
}

// Apply runs Redact when the record is flagged. Both stages use the same
// transform and are counted per stage.
func Apply(stage Stage, text string, flagged bool) string {
	if !flagged {
		return text
	}
	metrics.Redactions.WithLabelValues(stage.String()).Inc()
	return Redact(text)
}

func Spans(text string) []Span {
	idx := sensitive.FindAllStringIndex(text, -1)
	out := make([]Span, 0, len(idx))
	for _, m := range idx {
		out = append(out, Span{Start: m[0], End: m[1]})
	}
	return out
}

// Contains reports whether text has anything Redact would change.
func Contains(text string) bool {
	return sensitive.MatchString(text)
}
