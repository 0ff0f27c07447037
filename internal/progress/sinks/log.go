package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/story-harvester/internal/progress"
)

// LogSink writes one structured line per milestone.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs each event in the batch.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.String("run_id", evt.RunUUID().String()),
			zap.String("stage", string(evt.Stage)),
		}
		if evt.Source != "" {
			fields = append(fields, zap.String("source", evt.Source))
		}
		switch evt.Stage {
		case progress.StageRunStart:
			fields = append(fields, zap.Int("per_source_quota", evt.Quota), zap.String("planned", evt.Note))
		case progress.StageSourceStart:
			fields = append(fields, zap.Int("quota", evt.Quota))
		case progress.StageSourceDone, progress.StageRunDone:
			fields = append(fields,
				zap.Int("saved", evt.Saved),
				zap.String("status", evt.Status),
				zap.Duration("dur", evt.Dur),
			)
		}
		s.logger.Info("progress", fields...)
	}
	return nil
}

// Close is a no-op.
func (s *LogSink) Close(context.Context) error {
	return nil
}
