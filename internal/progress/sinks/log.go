package sinks

import (
	"context"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/JakeFAU/storefront-catalog/internal/progress"
)

// LogSink emits structured logs for progress streams. Fetch attempts and
// successes log at debug; retries and failures at warn so a production logger
// only surfaces what went wrong.
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

// Consume logs each event in the batch using structured fields.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		level := eventLevel(evt)
		ce := s.logger.Check(level, "progress event")
		if ce == nil {
			continue
		}
		fields := []zap.Field{
			zap.String("run_id", evt.RunUUID().String()),
			zap.String("stage", string(evt.Stage)),
			zap.String("component", string(evt.Component)),
		}
		if evt.URL != "" {
			fields = append(fields, zap.String("url", evt.URL))
		}
		if evt.ProductID != "" {
			fields = append(fields, zap.String("product_id", evt.ProductID))
		}
		if evt.Page >= 0 {
			fields = append(fields, zap.Int("page", evt.Page))
		}
		if evt.StatusCode != 0 {
			fields = append(fields, zap.Int("status_code", evt.StatusCode))
		}
		if evt.Outcome != "" {
			fields = append(fields, zap.String("outcome", string(evt.Outcome)))
		}
		fields = append(fields,
			zap.Int("attempt", evt.Attempt),
			zap.Int("count", evt.Count),
			zap.Duration("dur", evt.Dur),
		)
		if evt.Note != "" {
			fields = append(fields, zap.String("note", evt.Note))
		}
		ce.Write(fields...)
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}

func eventLevel(evt progress.Event) zapcore.Level {
	switch evt.Stage {
	case progress.StageAttempt, progress.StageSuccess:
		return zapcore.DebugLevel
	case progress.StageRetry, progress.StageRunError:
		return zapcore.WarnLevel
	case progress.StageFailure:
		if evt.Outcome == progress.OutcomeSkipped {
			return zapcore.InfoLevel
		}
		return zapcore.WarnLevel
	case progress.StagePage, progress.StageBatch, progress.StageExport:
		if evt.Outcome == progress.OutcomeFailed {
			return zapcore.WarnLevel
		}
		return zapcore.InfoLevel
	default:
		return zapcore.InfoLevel
	}
}
