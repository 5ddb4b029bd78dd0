package logstream

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zeroechelon/outpost-dispatcher/internal/logsvc/membuf"
	"github.com/zeroechelon/outpost-dispatcher/pkg/types"
)

func TestFetchLogsReturnsParsedLevels(t *testing.T) {
	svc := membuf.New()
	group := logGroup(types.AgentClaude)
	svc.Append(group, "d1", 1000, "[ERROR] something broke")
	svc.Append(group, "d1", 1001, "plain info line")
	svc.Append(group, "d1", 1002, "[WARN] getting close to the limit")

	s := New(svc, RateLimiterConfig{Requests: 100, Window: time.Second}, time.Millisecond)
	result, err := s.FetchLogs(context.Background(), FetchRequest{DispatchID: "d1", AgentKind: types.AgentClaude})
	require.NoError(t, err)
	require.Len(t, result.Logs, 3)
	assert.Equal(t, LevelError, result.Logs[0].Level)
	assert.Equal(t, LevelInfo, result.Logs[1].Level)
	assert.Equal(t, LevelWarn, result.Logs[2].Level)
}

func TestFetchLogsOnMissingStreamIsEmptyNotError(t *testing.T) {
	svc := membuf.New()
	s := New(svc, RateLimiterConfig{Requests: 100, Window: time.Second}, time.Millisecond)

	result, err := s.FetchLogs(context.Background(), FetchRequest{DispatchID: "nope", AgentKind: types.AgentClaude})
	require.NoError(t, err)
	assert.Empty(t, result.Logs)
}

func TestSubscribeDeliversEachBatchExactlyOnce(t *testing.T) {
	svc := membuf.New()
	group := logGroup(types.AgentClaude)
	s := New(svc, RateLimiterConfig{Requests: 1000, Window: time.Second}, 10*time.Millisecond)

	var mu sync.Mutex
	var delivered []Line

	s.Subscribe(context.Background(), "d1", types.AgentClaude, func(lines []Line) {
		mu.Lock()
		delivered = append(delivered, lines...)
		mu.Unlock()
	})
	defer s.Unsubscribe("d1")

	svc.Append(group, "d1", time.Now().UnixMilli(), "first batch line")
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(delivered) == 1
	}, time.Second, 5*time.Millisecond)

	svc.Append(group, "d1", time.Now().UnixMilli(), "second batch line")
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(delivered) == 2
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	assert.Equal(t, "first batch line", delivered[0].Message)
	assert.Equal(t, "second batch line", delivered[1].Message)
	mu.Unlock()
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	svc := membuf.New()
	s := New(svc, RateLimiterConfig{Requests: 1000, Window: time.Second}, 5*time.Millisecond)

	var mu sync.Mutex
	count := 0
	s.Subscribe(context.Background(), "d1", types.AgentClaude, func(lines []Line) {
		mu.Lock()
		count += len(lines)
		mu.Unlock()
	})
	s.Unsubscribe("d1")

	svc.Append(logGroup(types.AgentClaude), "d1", time.Now().UnixMilli(), "should not be delivered")
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	assert.Equal(t, 0, count)
	mu.Unlock()
}

func TestRateLimiterBlocksBeyondWindow(t *testing.T) {
	svc := membuf.New()
	s := New(svc, RateLimiterConfig{Requests: 1, Window: 50 * time.Millisecond}, time.Millisecond)

	start := time.Now()
	_, err := s.FetchLogs(context.Background(), FetchRequest{DispatchID: "d1", AgentKind: types.AgentClaude})
	require.NoError(t, err)
	_, err = s.FetchLogs(context.Background(), FetchRequest{DispatchID: "d1", AgentKind: types.AgentClaude})
	require.NoError(t, err)

	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
}
