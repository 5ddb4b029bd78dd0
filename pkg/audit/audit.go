// Package audit is the append-only audit event log: write, sanitize
// metadata at every nesting depth, query by tenant, and export a time
// range to object storage as newline-delimited JSON.
package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/zeroechelon/outpost-dispatcher/internal/kvstore"
	"github.com/zeroechelon/outpost-dispatcher/internal/objectstore"
	"github.com/zeroechelon/outpost-dispatcher/pkg/types"
)

const (
	table         = "audit-events"
	retentionYear = 365 * 24 * time.Hour
)

const redacted = "[REDACTED]"

// Logger is the append-only audit log.
type Logger struct {
	engine kvstore.Engine
	store  objectstore.Store
}

// New creates a Logger backed by engine (for writes/queries) and store
// (for ExportToS3).
func New(engine kvstore.Engine, store objectstore.Store) *Logger {
	return &Logger{engine: engine, store: store}
}

// LogInput is the input to Log.
type LogInput struct {
	EventType  types.AuditEventType
	TenantID   string
	Action     string
	Resource   string
	ResourceID string
	Outcome    types.AuditOutcome
	Metadata   map[string]any
	SourceIP   string
	UserAgent  string
	ErrorMessage string
}

// Log writes an append-only audit event: generates a UUID and
// timestamp, computes a 1-year expiry, sanitizes metadata, and writes
// with a conditional put that refuses overwrites.
func (l *Logger) Log(ctx context.Context, input LogInput) (types.AuditEvent, error) {
	now := time.Now()
	event := types.AuditEvent{
		EventID:      uuid.NewString(),
		EventType:    input.EventType,
		TenantID:     input.TenantID,
		Action:       input.Action,
		Resource:     input.Resource,
		ResourceID:   input.ResourceID,
		Outcome:      input.Outcome,
		Metadata:     sanitize(input.Metadata),
		SourceIP:     input.SourceIP,
		UserAgent:    input.UserAgent,
		ErrorMessage: input.ErrorMessage,
		Timestamp:    now,
		ExpiresAt:    now.Add(retentionYear),
	}

	data, err := json.Marshal(event)
	if err != nil {
		return types.AuditEvent{}, err
	}
	if err := l.engine.PutIfAbsentTTL(ctx, table, event.EventID, data, event.ExpiresAt); err != nil {
		return types.AuditEvent{}, err
	}

	indexKey := fmt.Sprintf("%s#%s", input.TenantID, now.Format(time.RFC3339Nano))
	_ = l.engine.IndexPut(ctx, table, indexKey, event.EventID)

	return event, nil
}

// LogDispatch is a convenience logger for dispatch events.
func (l *Logger) LogDispatch(ctx context.Context, tenantID, dispatchID, action string, outcome types.AuditOutcome, metadata map[string]any) {
	l.logBestEffort(ctx, LogInput{EventType: types.AuditDispatch, TenantID: tenantID, Action: action, Resource: "dispatch", ResourceID: dispatchID, Outcome: outcome, Metadata: metadata})
}

// LogStatusQuery is a convenience logger for status-query events.
func (l *Logger) LogStatusQuery(ctx context.Context, tenantID, dispatchID string, outcome types.AuditOutcome) {
	l.logBestEffort(ctx, LogInput{EventType: types.AuditStatusQuery, TenantID: tenantID, Action: "get_status", Resource: "dispatch", ResourceID: dispatchID, Outcome: outcome})
}

// LogWorkspaceOperation is a convenience logger for workspace events.
func (l *Logger) LogWorkspaceOperation(ctx context.Context, tenantID, workspaceID, action string, outcome types.AuditOutcome) {
	l.logBestEffort(ctx, LogInput{EventType: types.AuditWorkspaceOp, TenantID: tenantID, Action: action, Resource: "workspace", ResourceID: workspaceID, Outcome: outcome})
}

// LogSecretAccess is a convenience logger for secret-access events. It
// never receives the secret value; only the secret name (last path
// segment) and path length are recorded.
func (l *Logger) LogSecretAccess(ctx context.Context, tenantID, secretPath string, outcome types.AuditOutcome) {
	name := secretPath
	if i := strings.LastIndex(secretPath, "/"); i >= 0 {
		name = secretPath[i+1:]
	}
	l.logBestEffort(ctx, LogInput{
		EventType: types.AuditSecretAccess, TenantID: tenantID, Action: "describe_secret", Resource: "secret", ResourceID: name, Outcome: outcome,
		Metadata: map[string]any{"pathLength": len(secretPath)},
	})
}

// LogAPICall is a convenience logger for API-call events.
func (l *Logger) LogAPICall(ctx context.Context, tenantID, action string, outcome types.AuditOutcome, sourceIP, userAgent string) {
	l.logBestEffort(ctx, LogInput{EventType: types.AuditAPICall, TenantID: tenantID, Action: action, Resource: "api", Outcome: outcome, SourceIP: sourceIP, UserAgent: userAgent})
}

func (l *Logger) logBestEffort(ctx context.Context, input LogInput) {
	_, _ = l.Log(ctx, input)
}

// QueryFilter narrows QueryByUser results.
type QueryFilter struct {
	EventType types.AuditEventType
	Cursor    string
	Limit     int
}

// QueryResult is a page of QueryByUser, most recent first.
type QueryResult struct {
	Events []types.AuditEvent
	Cursor string
}

// QueryByUser returns a reverse-chronological, paginated view of a
// tenant's audit events.
func (l *Logger) QueryByUser(ctx context.Context, tenantID string, filter QueryFilter) (QueryResult, error) {
	limit := filter.Limit
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}

	page, err := l.engine.IndexQuery(ctx, table, tenantID+"#", filter.Cursor, limit)
	if err != nil {
		return QueryResult{}, err
	}

	var events []types.AuditEvent
	for _, item := range page.Items {
		got, err := l.engine.Get(ctx, table, item.Key)
		if err != nil {
			continue
		}
		var event types.AuditEvent
		if err := json.Unmarshal(got.Value, &event); err != nil {
			continue
		}
		if filter.EventType != "" && event.EventType != filter.EventType {
			continue
		}
		events = append(events, event)
	}

	for i, j := 0, len(events)-1; i < j; i, j = i+1, j-1 {
		events[i], events[j] = events[j], events[i]
	}

	return QueryResult{Events: events, Cursor: page.Cursor}, nil
}

// ExportToS3 streams every audit event in [start, end) to newline-
// delimited JSON in object storage under
// {prefix}/{yyyy}/{MM}/{startDate}_{endDate}_{epochMs}.jsonl.
func (l *Logger) ExportToS3(ctx context.Context, bucket, prefix string, start, end time.Time, nowMs int64) (string, error) {
	if prefix == "" {
		prefix = "audit-export"
	}

	var buf bytes.Buffer
	cursor := ""
	for {
		page, err := l.engine.Scan(ctx, table, cursor, 1000)
		if err != nil {
			return "", err
		}
		for _, item := range page.Items {
			var event types.AuditEvent
			if err := json.Unmarshal(item.Value, &event); err != nil {
				continue
			}
			if event.Timestamp.Before(start) || !event.Timestamp.Before(end) {
				continue
			}
			line, err := json.Marshal(event)
			if err != nil {
				continue
			}
			buf.Write(line)
			buf.WriteByte('\n')
		}
		if page.Cursor == "" {
			break
		}
		cursor = page.Cursor
	}

	key := fmt.Sprintf("%s/%s/%s/%s_%s_%d.jsonl",
		prefix, start.Format("2006"), start.Format("01"),
		start.Format("20060102"), end.Format("20060102"), nowMs,
	)
	if err := l.store.Put(ctx, bucket, key, buf.Bytes(), "application/x-ndjson", nil); err != nil {
		return "", err
	}
	return key, nil
}

// sensitive keys the metadata walk redacts, lowercased, checked at every
// nesting depth.
func sanitize(metadata map[string]any) map[string]any {
	if metadata == nil {
		return nil
	}
	return sanitizeMap(metadata).(map[string]any)
}

func sanitizeValue(v any) any {
	switch typed := v.(type) {
	case map[string]any:
		return sanitizeMap(typed)
	case []any:
		out := make([]any, len(typed))
		for i, item := range typed {
			out[i] = sanitizeValue(item)
		}
		return out
	default:
		return v
	}
}

func sanitizeMap(m map[string]any) any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		if types.IsSensitiveMetadataKey(strings.ToLower(k)) {
			out[k] = redacted
			continue
		}
		out[k] = sanitizeValue(v)
	}
	return out
}
