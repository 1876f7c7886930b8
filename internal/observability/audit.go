package observability

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/harun/loanrenew/pkg/renewal"
)

// HistoryFile is the run history file name inside the data directory
const HistoryFile = "runs.jsonl"

const (
	// maxConfirmation caps the confirmation text kept per run
	maxConfirmation = 512
	// maxLineBytes is the longest history line ReadHistory decodes
	maxLineBytes = 1 << 20
)

// RunEvent is one line of the run history
type RunEvent struct {
	RunID        string        `json:"run_id"`
	Timestamp    time.Time     `json:"timestamp"`
	Outcome      string        `json:"outcome"`
	Stage        string        `json:"stage,omitempty"`
	Loans        int           `json:"loans"`
	DueLoans     int           `json:"due_loans"`
	Confirmation string        `json:"confirmation,omitempty"`
	Error        string        `json:"error,omitempty"`
	Duration     time.Duration `json:"duration_ns"`
	TraceID      string        `json:"trace_id,omitempty"`
}

// AuditLogger appends finished runs to a JSON lines file
type AuditLogger struct {
	logger zerolog.Logger
	mu     sync.Mutex
	file   io.Closer
}

// NewAuditLogger writes run events to w
func NewAuditLogger(w io.Writer) *AuditLogger {
	return &AuditLogger{
		logger: zerolog.New(w),
	}
}

// OpenAuditLogger opens (or creates) the history file at path
func OpenAuditLogger(path string) (*AuditLogger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create history directory: %w", err)
	}
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open history file: %w", err)
	}

	a := NewAuditLogger(file)
	a.file = file
	return a, nil
}

// RecordRun implements renewal.Recorder. The run is also added as an event
// on the active span.
func (a *AuditLogger) RecordRun(ctx context.Context, r renewal.Report) {
	event := RunEvent{
		RunID:        r.RunID,
		Timestamp:    r.FinishedAt,
		Outcome:      string(r.Outcome),
		Stage:        string(r.Stage),
		Loans:        r.Loans,
		DueLoans:     r.DueLoans,
		Confirmation: truncate(r.Confirmation, maxConfirmation),
		Duration:     r.Duration(),
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if r.Err != nil {
		event.Error = r.Err.Error()
	}

	span := trace.SpanFromContext(ctx)
	if span.SpanContext().IsValid() {
		event.TraceID = span.SpanContext().TraceID().String()

		span.AddEvent("run_recorded", trace.WithAttributes(
			attribute.String("audit.outcome", event.Outcome),
			attribute.String("audit.stage", event.Stage),
		))
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	entry := a.logger.Log().
		Str("run_id", event.RunID).
		Time("timestamp", event.Timestamp).
		Str("outcome", event.Outcome).
		Int("loans", event.Loans).
		Int("due_loans", event.DueLoans).
		Int64("duration_ns", int64(event.Duration))

	if event.Stage != "" {
		entry.Str("stage", event.Stage)
	}
	if event.Confirmation != "" {
		entry.Str("confirmation", event.Confirmation)
	}
	if event.Error != "" {
		entry.Str("error", event.Error)
	}
	if event.TraceID != "" {
		entry.Str("trace_id", event.TraceID)
	}

	entry.Send()
}

// Close closes the history file
func (a *AuditLogger) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.file != nil {
		return a.file.Close()
	}
	return nil
}

// ReadHistory returns the last n runs from the history file, oldest first.
// A missing file yields no runs. Lines that do not parse or are longer than
// maxLineBytes are skipped.
func ReadHistory(path string, n int) ([]RunEvent, error) {
	file, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open history file: %w", err)
	}
	defer file.Close()

	var events []RunEvent
	reader := bufio.NewReaderSize(file, 64*1024)
	for {
		line, tooLong, err := readLine(reader, maxLineBytes)
		if len(line) > 0 && !tooLong {
			var evt RunEvent
			if json.Unmarshal(line, &evt) == nil {
				events = append(events, evt)
				if n > 0 && len(events) > n {
					events = events[1:]
				}
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read history file: %w", err)
		}
	}

	return events, nil
}

// readLine reads up to the next newline. Past max bytes the rest of the line
// is consumed and dropped, and tooLong is set.
func readLine(r *bufio.Reader, max int) (line []byte, tooLong bool, err error) {
	for {
		chunk, err := r.ReadSlice('\n')
		if !tooLong {
			if len(line)+len(chunk) > max {
				tooLong = true
				line = nil
			} else {
				line = append(line, chunk...)
			}
		}
		if err == bufio.ErrBufferFull {
			continue
		}
		return line, tooLong, err
	}
}

// truncate shortens s to at most n bytes without splitting a UTF-8 sequence
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := n
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "...(truncated)"
}
