package strata

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func captureLogger(level slog.Level) (*Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	return NewLogger(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: level})), &buf
}

func records(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var rec map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &rec))
		out = append(out, rec)
	}
	return out
}

func TestLoggerFields(t *testing.T) {
	l, buf := captureLogger(slog.LevelDebug)
	ctx := context.Background()
	id := uuid.New()

	l.WithComponent("ingest").WithNode(id).LogIngest(ctx, 3, 2, nil)
	l.WithTx(7).LogCommit(ctx, 7, 4, nil)

	recs := records(t, buf)
	require.Len(t, recs, 2)

	assert.Equal(t, "ingest completed", recs[0]["msg"])
	assert.Equal(t, "ingest", recs[0]["component"])
	assert.Equal(t, id.String(), recs[0]["node"])
	assert.EqualValues(t, 2, recs[0]["created"])

	assert.Equal(t, "commit completed", recs[1]["msg"])
	assert.EqualValues(t, 7, recs[1]["tx"])
	assert.EqualValues(t, 4, recs[1]["ops"])
}

func TestLoggerLevels(t *testing.T) {
	l, buf := captureLogger(slog.LevelInfo)
	ctx := context.Background()
	boom := errors.New("boom")

	l.LogQuery(ctx, 5, nil, time.Millisecond, nil) // debug, filtered
	l.LogQuery(ctx, 5, []string{"vector_search"}, time.Millisecond, nil)
	l.LogCheckpoint(ctx, 0, 0, boom)
	l.LogBackup(ctx, "backup", "b-1", 10, nil)
	l.LogRollback(ctx, "conflict")

	recs := records(t, buf)
	require.Len(t, recs, 4)
	assert.Equal(t, "WARN", recs[0]["level"])
	assert.Equal(t, "query completed with degraded stages", recs[0]["msg"])
	assert.Equal(t, "ERROR", recs[1]["level"])
	assert.Equal(t, "boom", recs[1]["error"])
	assert.Equal(t, "backup completed", recs[2]["msg"])
	assert.Equal(t, "b-1", recs[2]["backup"])
	assert.Equal(t, "conflict", recs[3]["reason"])
}

func TestNoopLogger(t *testing.T) {
	l := NoopLogger()
	assert.False(t, l.Enabled(context.Background(), slog.LevelError))
	l.LogGC(context.Background(), 1, 2, nil)
}
