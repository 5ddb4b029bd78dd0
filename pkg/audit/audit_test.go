package audit

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zeroechelon/outpost-dispatcher/internal/kvstore/boltkv"
	"github.com/zeroechelon/outpost-dispatcher/internal/objectstore/localfs"
	"github.com/zeroechelon/outpost-dispatcher/pkg/types"
)

func newTestLogger(t *testing.T) *Logger {
	t.Helper()
	kv, err := boltkv.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { kv.Close() })

	objs, err := localfs.New(t.TempDir())
	require.NoError(t, err)

	return New(kv, objs)
}

func TestLogSanitizesNestedSensitiveKeys(t *testing.T) {
	logger := newTestLogger(t)

	event, err := logger.Log(context.Background(), LogInput{
		EventType: types.AuditDispatch,
		TenantID:  "t1",
		Action:    "dispatch",
		Outcome:   types.OutcomeSuccess,
		Metadata: map[string]any{
			"dispatchId": "d1",
			"auth": map[string]any{
				"password": "hunter2",
				"nested": []any{
					map[string]any{"apiKey": "sk-live-123"},
				},
			},
		},
	})
	require.NoError(t, err)

	assert.Equal(t, "[REDACTED]", event.Metadata["auth"])
	assert.Equal(t, "d1", event.Metadata["dispatchId"])
	assert.False(t, event.ExpiresAt.IsZero())
}

func TestLogSanitizesDeeplyNestedLists(t *testing.T) {
	logger := newTestLogger(t)

	event, err := logger.Log(context.Background(), LogInput{
		EventType: types.AuditSecretAccess,
		TenantID:  "t1",
		Action:    "describe_secret",
		Outcome:   types.OutcomeSuccess,
		Metadata: map[string]any{
			"items": []any{
				map[string]any{"token": "abc", "name": "ok"},
			},
		},
	})
	require.NoError(t, err)

	items := event.Metadata["items"].([]any)
	first := items[0].(map[string]any)
	assert.Equal(t, "[REDACTED]", first["token"])
	assert.Equal(t, "ok", first["name"])
}

func TestLogSecretAccessNeverCarriesValue(t *testing.T) {
	logger := newTestLogger(t)
	logger.LogSecretAccess(context.Background(), "t1", "outpost/agents/claude/api-key", types.OutcomeSuccess)

	result, err := logger.QueryByUser(context.Background(), "t1", QueryFilter{})
	require.NoError(t, err)
	require.Len(t, result.Events, 1)
	assert.Equal(t, "api-key", result.Events[0].ResourceID)
	assert.NotContains(t, result.Events[0].Metadata, "value")
}

func TestQueryByUserReturnsReverseChronological(t *testing.T) {
	logger := newTestLogger(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := logger.Log(ctx, LogInput{EventType: types.AuditAPICall, TenantID: "t1", Action: "call", Outcome: types.OutcomeSuccess})
		require.NoError(t, err)
		time.Sleep(time.Millisecond)
	}

	result, err := logger.QueryByUser(ctx, "t1", QueryFilter{})
	require.NoError(t, err)
	require.Len(t, result.Events, 3)
	assert.True(t, result.Events[0].Timestamp.After(result.Events[1].Timestamp) || result.Events[0].Timestamp.Equal(result.Events[1].Timestamp))
}

func TestExportToS3WritesExpectedKeyFormat(t *testing.T) {
	logger := newTestLogger(t)
	ctx := context.Background()

	_, err := logger.Log(ctx, LogInput{EventType: types.AuditDispatch, TenantID: "t1", Action: "dispatch", Outcome: types.OutcomeSuccess})
	require.NoError(t, err)

	start := time.Now().Add(-time.Hour)
	end := time.Now().Add(time.Hour)

	key, err := logger.ExportToS3(ctx, "audit-bucket", "exports", start, end, 1700000000000)
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(key, "exports/"))
	assert.True(t, strings.HasSuffix(key, "_1700000000000.jsonl"))
}
