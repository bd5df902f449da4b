package logger

import (
	"io"
	"regexp"
)

const mask = "[REDACTED]"

// Redactor masks secrets in log output
type Redactor struct {
	patterns []*regexp.Regexp
}

// NewRedactor creates a redactor with the default patterns
func NewRedactor() *Redactor {
	return &Redactor{
		patterns: []*regexp.Regexp{
			// "secret":"..." fields of structured events
			regexp.MustCompile(`"secret"\s*:\s*"(?:[^"\\]|\\.)*"`),
			// secret=... or secret: ... in free text
			regexp.MustCompile(`(?i)secret\s*[:=]\s*[^\s",}]+`),
			regexp.MustCompile(`Bearer\s+[a-zA-Z0-9._-]+`),
		},
	}
}

// AddPattern adds a custom redaction pattern
func (r *Redactor) AddPattern(pattern string) error {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return err
	}
	r.patterns = append(r.patterns, re)
	return nil
}

// AddLiteral masks every occurrence of value. Empty values are ignored.
func (r *Redactor) AddLiteral(value string) {
	if value == "" {
		return
	}
	r.patterns = append(r.patterns, regexp.MustCompile(regexp.QuoteMeta(value)))
}

// Redact masks sensitive information in s
func (r *Redactor) Redact(s string) string {
	result := s
	for _, pattern := range r.patterns {
		result = pattern.ReplaceAllString(result, mask)
	}
	return result
}

// Wrap returns a writer that redacts before writing to w
func (r *Redactor) Wrap(w io.Writer) io.Writer {
	return &redactingWriter{
		writer:   w,
		redactor: r,
	}
}

type redactingWriter struct {
	writer   io.Writer
	redactor *Redactor
}

// Write reports len(p) on success since the redacted text may be shorter
func (w *redactingWriter) Write(p []byte) (int, error) {
	if _, err := w.writer.Write([]byte(w.redactor.Redact(string(p)))); err != nil {
		return 0, err
	}
	return len(p), nil
}
