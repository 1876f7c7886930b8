package tracing

import (
	"context"

	"github.com/rs/zerolog"
)

// LoggerFromContext adds the run, stage and trace IDs found in ctx to logger
func LoggerFromContext(ctx context.Context, logger zerolog.Logger) zerolog.Logger {
	tc := FromContext(ctx)

	lc := logger.With()
	if tc.RunID != "" {
		lc = lc.Str("run_id", tc.RunID)
	}
	if tc.Stage != "" {
		lc = lc.Str("stage", tc.Stage)
	}
	if tc.TraceID != "" {
		lc = lc.Str("trace_id", tc.TraceID)
	}

	return lc.Logger()
}
