// Package sinks provides progress.Sink implementations: structured logging
// and Prometheus export.
package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/trenchlabs/trench/internal/progress"
)

// LogSink emits structured logs for crawl progress. It is the default
// observer for CLI runs.
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

// Consume logs each event in the batch using structured fields.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.String("stage", string(evt.Stage)),
			zap.String("url", evt.URL),
			zap.Int("depth", evt.Depth),
		}
		switch evt.Stage {
		case progress.StageAssetStored:
			fields = append(fields,
				zap.Int64("bytes", evt.Bytes),
				zap.Bool("deduplicated", evt.Deduplicated),
				zap.String("asset_type", string(evt.AssetType)),
			)
		case progress.StagePageCaptured:
			fields = append(fields, zap.Duration("dur", evt.Dur))
		case progress.StagePageFailed, progress.StageBudgetReached:
			fields = append(fields, zap.String("note", evt.Note))
		}
		s.logger.Info("archive progress", fields...)
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
