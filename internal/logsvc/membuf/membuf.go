// Package membuf implements logsvc.Service as an in-memory ring buffer
// per (group, stream), grounded on the same buffered fan-out shape the
// control plane uses for its event bus: a bounded slice guarded by a
// mutex, with forward tokens encoding a simple offset. It exists so the
// status tracker and log streamer always run against a real, exercised
// log service instead of an untested stub.
package membuf

import (
	"context"
	"strconv"
	"strings"
	"sync"

	"github.com/zeroechelon/outpost-dispatcher/internal/logsvc"
)

const maxEventsPerStream = 10000

type streamKey struct {
	group  string
	stream string
}

// Service is an in-memory logsvc.Service.
type Service struct {
	mu      sync.RWMutex
	streams map[streamKey][]logsvc.Event
}

// New creates an empty in-memory log service.
func New() *Service {
	return &Service{streams: make(map[streamKey][]logsvc.Event)}
}

// Append feeds a log line into (group, stream). Production log services
// are fed by the worker container itself; tests use this to seed data.
func (s *Service) Append(group, stream string, timestampMs int64, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := streamKey{group, stream}
	events := append(s.streams[key], logsvc.Event{
		Timestamp:     timestampMs,
		IngestionTime: timestampMs,
		Message:       message,
	})
	if len(events) > maxEventsPerStream {
		events = events[len(events)-maxEventsPerStream:]
	}
	s.streams[key] = events
}

func (s *Service) GetLogEvents(ctx context.Context, group, stream string, limit int, startFromHead bool, token string) (logsvc.GetResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	events, ok := s.streams[streamKey{group, stream}]
	if !ok {
		return logsvc.GetResult{}, nil
	}

	start := 0
	if token != "" {
		if n, err := strconv.Atoi(token); err == nil {
			start = n
		}
	}
	if limit <= 0 {
		limit = 100
	}

	if !startFromHead && token == "" {
		// Tail read: return the most recent `limit` events.
		start = len(events) - limit
		if start < 0 {
			start = 0
		}
	}
	if start > len(events) {
		start = len(events)
	}
	end := start + limit
	if end > len(events) {
		end = len(events)
	}

	out := make([]logsvc.Event, end-start)
	copy(out, events[start:end])

	return logsvc.GetResult{
		Events:           out,
		NextForwardToken: strconv.Itoa(end),
	}, nil
}

func (s *Service) FilterLogEvents(ctx context.Context, group string, streams []string, startTimeMs, endTimeMs int64, limit int, token string) (logsvc.FilterResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 100
	}

	var matched []logsvc.Event
	for _, stream := range streams {
		events, ok := s.streams[streamKey{group, stream}]
		if !ok {
			continue
		}
		for _, e := range events {
			if startTimeMs > 0 && e.Timestamp < startTimeMs {
				continue
			}
			if endTimeMs > 0 && e.Timestamp > endTimeMs {
				continue
			}
			matched = append(matched, e)
		}
	}

	start := 0
	if token != "" {
		if n, err := strconv.Atoi(token); err == nil {
			start = n
		}
	}
	if start > len(matched) {
		start = len(matched)
	}
	end := start + limit
	if end > len(matched) {
		end = len(matched)
	}

	result := logsvc.FilterResult{Events: matched[start:end]}
	if end < len(matched) {
		result.NextToken = strconv.Itoa(end)
	}
	return result, nil
}

func (s *Service) DescribeLogStreams(ctx context.Context, group, streamPrefix string, limit int) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []string
	for key := range s.streams {
		if key.group != group {
			continue
		}
		if streamPrefix != "" && !strings.HasPrefix(key.stream, streamPrefix) {
			continue
		}
		out = append(out, key.stream)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}
