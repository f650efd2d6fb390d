package sinks

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/JakeFAU/storefront-catalog/internal/progress"
)

func TestLogSinkLevels(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zapcore.InfoLevel)
	sink := NewLogSink(zap.New(core))
	runID := progress.UUIDToBytes(uuid.New())
	now := time.Now()

	batch := []progress.Event{
		{RunID: runID, TS: now, Stage: progress.StageAttempt, Component: progress.ComponentDetail, URL: "https://a", Page: -1},
		{RunID: runID, TS: now, Stage: progress.StageRetry, Component: progress.ComponentDetail, URL: "https://a", ProductID: "HQ8718", Page: -1, StatusCode: 403, Dur: time.Second},
		{RunID: runID, TS: now, Stage: progress.StageBatch, Component: progress.ComponentSink, Page: 2, Count: 48, Outcome: progress.OutcomeFailed, Note: "db down"},
	}
	require.NoError(t, sink.Consume(context.Background(), batch))

	entries := logs.All()
	require.Len(t, entries, 2, "attempts log at debug")
	require.Equal(t, zapcore.WarnLevel, entries[0].Level)
	require.Equal(t, int64(403), entries[0].ContextMap()["status_code"])
	require.Equal(t, "HQ8718", entries[0].ContextMap()["product_id"])
	require.NotContains(t, entries[1].ContextMap(), "product_id")
	require.Equal(t, "db down", entries[1].ContextMap()["note"])
	require.Equal(t, int64(2), entries[1].ContextMap()["page"])
	require.Equal(t, uuid.UUID(runID).String(), entries[1].ContextMap()["run_id"])
	require.NoError(t, sink.Close(context.Background()))
}
