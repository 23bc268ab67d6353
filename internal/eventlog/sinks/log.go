package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/siteboost/internal/analysis"
)

// LogSink writes one structured log line per event.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a Zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs each event in the batch.
func (s *LogSink) Consume(_ context.Context, batch []analysis.Event) error {
	for _, evt := range batch {
		s.logger.Info("pipeline event",
			zap.String("event_id", evt.ID),
			zap.String("job_id", evt.JobID),
			zap.String("event_type", string(evt.Type)),
			zap.Time("created_at", evt.CreatedAt),
			zap.ByteString("data", evt.Data),
		)
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
