// Package logstream fetches and fans out dispatch worker logs: a
// time-bounded or forward-sequential read through the abstract log
// service, a polling subscription that delivers each new batch exactly
// once, and a process-wide sliding-window rate limiter guarding every
// call.
package logstream

import (
	"context"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/zeroechelon/outpost-dispatcher/internal/logsvc"
	"github.com/zeroechelon/outpost-dispatcher/internal/obslog"
	"github.com/zeroechelon/outpost-dispatcher/pkg/apierrors"
	"github.com/zeroechelon/outpost-dispatcher/pkg/metrics"
	"github.com/zeroechelon/outpost-dispatcher/pkg/types"
)

// LogLevel is the level parsed from a log line's message body.
type LogLevel string

const (
	LevelError LogLevel = "error"
	LevelWarn  LogLevel = "warn"
	LevelDebug LogLevel = "debug"
	LevelInfo  LogLevel = "info"
)

// Line is a single fetched log line, enriched with its parsed level.
type Line struct {
	Timestamp int64
	Message   string
	Level     LogLevel
}

// FetchRequest is the input to FetchLogs.
type FetchRequest struct {
	DispatchID string
	AgentKind  types.AgentKind
	StartTime  int64 // unix millis, 0 = unbounded
	EndTime    int64 // unix millis, 0 = unbounded
	Limit      int
	NextToken  string
}

// FetchResult is the output of FetchLogs.
type FetchResult struct {
	Logs          []Line
	NextToken     string
	HasMore       bool
	LastTimestamp int64
}

// RateLimiterConfig bounds the sliding-window rate limiter shared across
// every log-service call.
type RateLimiterConfig struct {
	Requests int
	Window   time.Duration
}

// Streamer fetches logs and manages polling subscriptions.
type Streamer struct {
	svc logsvc.Service

	limiter *rateLimiter

	pollInterval time.Duration

	mu   sync.RWMutex
	subs map[string]*subscription
}

// New creates a Streamer backed by svc.
func New(svc logsvc.Service, rlCfg RateLimiterConfig, pollInterval time.Duration) *Streamer {
	if rlCfg.Requests <= 0 {
		rlCfg.Requests = 10
	}
	if rlCfg.Window <= 0 {
		rlCfg.Window = time.Second
	}
	if pollInterval <= 0 {
		pollInterval = 1500 * time.Millisecond
	}
	return &Streamer{
		svc:          svc,
		limiter:      newRateLimiter(rlCfg.Requests, rlCfg.Window),
		pollInterval: pollInterval,
		subs:         make(map[string]*subscription),
	}
}

func logGroup(agent types.AgentKind) string {
	return "/outpost/agents/" + string(agent)
}

// FetchLogs reads logs for req.DispatchID from the log service: a
// time-bounded filter call when a start/end time is set, otherwise a
// forward-sequential read continuing from req.NextToken. A missing log
// group/stream returns an empty result, not an error.
func (s *Streamer) FetchLogs(ctx context.Context, req FetchRequest) (FetchResult, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return FetchResult{}, err
	}

	limit := req.Limit
	if limit <= 0 {
		limit = 100
	}
	if limit > 10000 {
		limit = 10000
	}

	group := logGroup(req.AgentKind)
	stream := req.DispatchID

	var events []logsvc.Event
	var nextToken string
	var hasMore bool

	if req.StartTime > 0 || req.EndTime > 0 {
		result, err := s.svc.FilterLogEvents(ctx, group, []string{stream}, req.StartTime, req.EndTime, limit, req.NextToken)
		if err != nil {
			return FetchResult{}, classifyLogError(err)
		}
		events = result.Events
		nextToken = result.NextToken
		hasMore = nextToken != ""
	} else {
		result, err := s.svc.GetLogEvents(ctx, group, stream, limit, req.NextToken == "", req.NextToken)
		if err != nil {
			return FetchResult{}, classifyLogError(err)
		}
		events = result.Events
		nextToken = result.NextForwardToken
		hasMore = len(events) == limit
	}

	metrics.LogFetchTotal.WithLabelValues(outcomeLabel(len(events))).Inc()

	lines := make([]Line, len(events))
	var lastTimestamp int64
	for i, e := range events {
		lines[i] = Line{Timestamp: e.Timestamp, Message: e.Message, Level: parseLevel(e.Message)}
		if e.Timestamp > lastTimestamp {
			lastTimestamp = e.Timestamp
		}
	}

	return FetchResult{Logs: lines, NextToken: nextToken, HasMore: hasMore, LastTimestamp: lastTimestamp}, nil
}

func outcomeLabel(n int) string {
	if n == 0 {
		return "empty"
	}
	return "ok"
}

func classifyLogError(err error) error {
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "throttl") || strings.Contains(msg, "rate") {
		return apierrors.NewRateLimit("log service throttled: %v", err)
	}
	return err
}

var (
	errorPattern = regexp.MustCompile(`(?i)\[error\]|error:|exception|fatal`)
	warnPattern  = regexp.MustCompile(`(?i)\[warn\]|warning:`)
	debugPattern = regexp.MustCompile(`(?i)\[debug\]|debug:`)
)

// parseLevel classifies a log line's level from its message body.
func parseLevel(message string) LogLevel {
	switch {
	case errorPattern.MatchString(message):
		return LevelError
	case warnPattern.MatchString(message):
		return LevelWarn
	case debugPattern.MatchString(message):
		return LevelDebug
	default:
		return LevelInfo
	}
}

// Callback receives a batch of new log lines for a subscription.
type Callback func(lines []Line)

type subscription struct {
	agent         types.AgentKind
	dispatchID    string
	callback      Callback
	lastTimestamp int64
	stopCh        chan struct{}
	doneCh        chan struct{}
}

// Subscribe installs a polling loop for dispatchID that fetches new logs
// every poll interval and invokes callback with each batch, advancing
// past the last delivered timestamp so no message is redelivered.
// Re-subscribing an already-subscribed dispatch replaces the prior
// subscription.
func (s *Streamer) Subscribe(ctx context.Context, dispatchID string, agent types.AgentKind, callback Callback) {
	s.Unsubscribe(dispatchID)

	sub := &subscription{
		agent:         agent,
		dispatchID:    dispatchID,
		callback:      callback,
		lastTimestamp: time.Now().UnixMilli(),
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
	}

	s.mu.Lock()
	s.subs[dispatchID] = sub
	s.mu.Unlock()

	go s.pollLoop(ctx, sub)
}

// Unsubscribe stops dispatchID's polling loop, if any.
func (s *Streamer) Unsubscribe(dispatchID string) {
	s.mu.Lock()
	sub, ok := s.subs[dispatchID]
	if ok {
		delete(s.subs, dispatchID)
	}
	s.mu.Unlock()

	if ok {
		close(sub.stopCh)
		<-sub.doneCh
	}
}

// StopAll stops every active subscription. Used on shutdown.
func (s *Streamer) StopAll() {
	s.mu.Lock()
	subs := make([]*subscription, 0, len(s.subs))
	for id, sub := range s.subs {
		subs = append(subs, sub)
		delete(s.subs, id)
	}
	s.mu.Unlock()

	for _, sub := range subs {
		close(sub.stopCh)
		<-sub.doneCh
	}
}

func (s *Streamer) pollLoop(ctx context.Context, sub *subscription) {
	defer close(sub.doneCh)

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.pollOnce(ctx, sub)
		case <-sub.stopCh:
			return
		}
	}
}

func (s *Streamer) pollOnce(ctx context.Context, sub *subscription) {
	result, err := s.FetchLogs(ctx, FetchRequest{
		DispatchID: sub.dispatchID,
		AgentKind:  sub.agent,
		StartTime:  sub.lastTimestamp,
		Limit:      1000,
	})
	if err != nil {
		logger := obslog.WithComponent("logstream")
		logger.Error().Err(err).Str("dispatchId", sub.dispatchID).Msg("subscription poll failed")
		return
	}
	if len(result.Logs) == 0 {
		return
	}

	sub.lastTimestamp = result.Logs[len(result.Logs)-1].Timestamp + 1

	s.invokeCallback(sub, result.Logs)
}

// invokeCallback calls the subscription's callback, catching and
// logging any panic so a misbehaving caller never kills the poll loop.
func (s *Streamer) invokeCallback(sub *subscription, lines []Line) {
	defer func() {
		if r := recover(); r != nil {
			logger := obslog.WithComponent("logstream")
			logger.Error().Interface("panic", r).Str("dispatchId", sub.dispatchID).Msg("subscription callback panicked")
		}
	}()
	sub.callback(lines)
}

// rateLimiter is a process-wide sliding-window limiter: at most
// `requests` calls in the last `window`. Waits release the lock before
// sleeping so concurrent callers can still make progress checking the
// window.
type rateLimiter struct {
	mu        sync.Mutex
	requests  int
	window    time.Duration
	timestamps []time.Time
}

func newRateLimiter(requests int, window time.Duration) *rateLimiter {
	return &rateLimiter{requests: requests, window: window}
}

func (r *rateLimiter) Wait(ctx context.Context) error {
	for {
		r.mu.Lock()
		now := time.Now()
		cutoff := now.Add(-r.window)
		i := 0
		for i < len(r.timestamps) && r.timestamps[i].Before(cutoff) {
			i++
		}
		r.timestamps = r.timestamps[i:]

		if len(r.timestamps) < r.requests {
			r.timestamps = append(r.timestamps, now)
			r.mu.Unlock()
			return nil
		}

		oldest := r.timestamps[0]
		r.mu.Unlock()

		sleepFor := oldest.Add(r.window).Sub(now)
		if sleepFor < 0 {
			sleepFor = 0
		}
		select {
		case <-time.After(sleepFor):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
