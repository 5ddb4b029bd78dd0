// Package types holds the persistence-level data model shared by every
// dispatch control-plane component: dispatch records, pool entries,
// workspace records, audit events, and the agent/secret registries.
package types

import "time"

// AgentKind identifies an LLM coding-agent worker family.
type AgentKind string

const (
	AgentClaude AgentKind = "claude"
	AgentCodex  AgentKind = "codex"
	AgentGemini AgentKind = "gemini"
	AgentAider  AgentKind = "aider"
	AgentGrok   AgentKind = "grok"
)

// Tier drives the resource table a task definition is selected from.
type Tier string

const (
	TierFlagship Tier = "flagship"
	TierBalanced Tier = "balanced"
	TierFast     Tier = "fast"
)

// DispatchStatus is the dispatch record's state-machine value.
type DispatchStatus string

const (
	DispatchPending   DispatchStatus = "PENDING"
	DispatchRunning   DispatchStatus = "RUNNING"
	DispatchCompleted DispatchStatus = "COMPLETED"
	DispatchFailed    DispatchStatus = "FAILED"
	DispatchTimeout   DispatchStatus = "TIMEOUT"
	DispatchCancelled DispatchStatus = "CANCELLED"
)

// Terminal reports whether s is an absorbing state.
func (s DispatchStatus) Terminal() bool {
	switch s {
	case DispatchCompleted, DispatchFailed, DispatchTimeout, DispatchCancelled:
		return true
	default:
		return false
	}
}

// WorkspaceMode selects where and how long a workspace lives.
type WorkspaceMode string

const (
	WorkspaceEphemeral  WorkspaceMode = "ephemeral"
	WorkspacePersistent WorkspaceMode = "persistent"
)

// WorkspaceInitMode selects how a workspace's repo clone is seeded.
type WorkspaceInitMode string

const (
	WorkspaceInitFull    WorkspaceInitMode = "full"
	WorkspaceInitMinimal WorkspaceInitMode = "minimal"
	WorkspaceInitNone    WorkspaceInitMode = "none"
)

// DispatchRecord is the identity and attribute set of a single dispatch.
type DispatchRecord struct {
	DispatchID     string
	TenantID       string
	UserID         string
	Agent          AgentKind
	ModelID        string
	Tier           Tier
	Task           string
	Status         DispatchStatus
	StartedAt      time.Time
	EndedAt        *time.Time
	TaskHandle     string
	ArtifactsURL   string
	ErrorMessage   string
	Version        int64
	IdempotencyKey string
	Tags           map[string]string
	WorkspaceMode  WorkspaceMode
	RepoURL        string
	TimeoutSeconds int
}

// PoolStatus is the lifecycle state of a warm-pool entry.
type PoolStatus string

const (
	PoolIdle        PoolStatus = "idle"
	PoolInUse       PoolStatus = "in_use"
	PoolTerminating PoolStatus = "terminating"
)

// PoolEntry is a single warm-pool worker, identified by (Agent, WorkerHandle).
type PoolEntry struct {
	Agent        AgentKind
	WorkerHandle string
	Status       PoolStatus
	CreatedAt    time.Time
	LastUsedAt   time.Time
	InstanceType string
	ExpiresAt    time.Time // TTL self-expiry safety net
}

// WorkspaceRecord is a persistent workspace's access-point metadata.
type WorkspaceRecord struct {
	UserID         string
	WorkspaceID    string
	AccessPointID  string
	CreatedAt      time.Time
	LastAccessedAt time.Time
	SizeBytes      int64
	RepoURL        string
}

// AuditEventType classifies an audit event.
type AuditEventType string

const (
	AuditDispatch    AuditEventType = "dispatch"
	AuditStatusQuery AuditEventType = "status_query"
	AuditWorkspaceOp AuditEventType = "workspace_operation"
	AuditSecretAccess AuditEventType = "secret_access"
	AuditAPICall     AuditEventType = "api_call"
)

// AuditOutcome is the result of the audited action.
type AuditOutcome string

const (
	OutcomeSuccess AuditOutcome = "success"
	OutcomeFailure AuditOutcome = "failure"
)

// AuditEvent is a single append-only audit log entry.
type AuditEvent struct {
	EventID      string
	EventType    AuditEventType
	TenantID     string
	Action       string
	Resource     string
	ResourceID   string
	Outcome      AuditOutcome
	Metadata     map[string]any
	SourceIP     string
	UserAgent    string
	ErrorMessage string
	Timestamp    time.Time
	ExpiresAt    time.Time
}

// SecretDescriptor names the environment variable and external secret path
// an agent's primary credential is bound to.
type SecretDescriptor struct {
	EnvVar string
	Path   string
}
