package logger

import (
	"io"
	"regexp"
)

const redacted = "[REDACTED]"

type rule struct {
	re   *regexp.Regexp
	repl string
}

// Redactor redacts sensitive information from logs
type Redactor struct {
	rules []rule
}

// NewRedactor creates a new redactor with default patterns
func NewRedactor() *Redactor {
	return &Redactor{
		rules: []rule{
			// JSON bodies, raw or escaped inside a log field: "senha":"..."
			{
				re:   regexp.MustCompile(`(\\?"(?i:senha|psw|password|secret)\\?"\s*:\s*\\?")(?:[^"\\]|\\[^"])*`),
				repl: "${1}" + redacted,
			},

			// key=value and key: value forms
			{
				re:   regexp.MustCompile(`((?i:senha|psw|password|pwd|secret)\s*[=:]\s*"?)[^\s"&,\\]+`),
				repl: "${1}" + redacted,
			},

			// Session cookies
			{
				re:   regexp.MustCompile(`((?i:set-cookie|cookie):\s*)[^\r\n"\\]+`),
				repl: "${1}" + redacted,
			},
			{
				re:   regexp.MustCompile(`(ASP\.NET_SessionId=)[^;\s"\\]+`),
				repl: "${1}" + redacted,
			},

			// Bearer tokens
			{
				re:   regexp.MustCompile(`Bearer\s+[a-zA-Z0-9._-]+`),
				repl: "Bearer " + redacted,
			},
		},
	}
}

// AddPattern adds a custom redaction pattern; whole matches are replaced
func (r *Redactor) AddPattern(pattern string) error {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return err
	}
	r.rules = append(r.rules, rule{re: re, repl: redacted})
	return nil
}

// Redact redacts sensitive information from a string
func (r *Redactor) Redact(s string) string {
	result := s
	for _, rl := range r.rules {
		result = rl.re.ReplaceAllString(result, rl.repl)
	}
	return result
}

// Wrap wraps an io.Writer to redact sensitive information
func (r *Redactor) Wrap(w io.Writer) io.Writer {
	return &redactingWriter{
		writer:   w,
		redactor: r,
	}
}

// redactingWriter is an io.Writer that redacts sensitive information
type redactingWriter struct {
	writer   io.Writer
	redactor *Redactor
}

// Write reports len(p) on success since callers account for the bytes they handed in
func (w *redactingWriter) Write(p []byte) (int, error) {
	if _, err := w.writer.Write([]byte(w.redactor.Redact(string(p)))); err != nil {
		return 0, err
	}
	return len(p), nil
}
