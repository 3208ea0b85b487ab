package sinks

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/JakeFAU/job-aggregator/internal/progress"
)

func TestLogSinkLevels(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.DebugLevel)
	sink := NewLogSink(zap.New(core))
	now := time.Now()

	require.NoError(t, sink.Consume(context.Background(), []progress.Event{
		{JobID: "j", TS: now, Stage: progress.StageJobStart, Company: "Acme"},
		{JobID: "j", TS: now, Stage: progress.StagePageDone, URL: "https://acme.example"},
		{JobID: "j", TS: now, Stage: progress.StagePageFailed, URL: "https://acme.example/x", Note: "404"},
	}))
	require.NoError(t, sink.Close(context.Background()))

	entries := logs.All()
	require.Len(t, entries, 3)
	assert.Equal(t, "crawl job progress", entries[0].Message)
	assert.Equal(t, zap.DebugLevel, entries[1].Level)
	assert.Equal(t, zap.WarnLevel, entries[2].Level)
	assert.Equal(t, "404", entries[2].ContextMap()["note"])
}
