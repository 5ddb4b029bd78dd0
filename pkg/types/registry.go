package types

import "regexp"

// ModelOption is one selectable (model, tier) pair for an agent kind. The
// first entry in an agent's list is its flagship default.
type ModelOption struct {
	ModelID string
	Tier    Tier
}

// TierResources is the CPU/memory allocation a tier resolves to absent a
// caller-supplied resource constraint.
type TierResources struct {
	CPUUnits  int
	MemoryMb  int
}

var agentModels = map[AgentKind][]ModelOption{
	AgentClaude: {
		{ModelID: "claude-opus-4-5-20251101", Tier: TierFlagship},
		{ModelID: "claude-sonnet-4-5-20250929", Tier: TierBalanced},
		{ModelID: "claude-haiku-4-5-20251001", Tier: TierFast},
	},
	AgentCodex: {
		{ModelID: "gpt-5.1-codex", Tier: TierFlagship},
		{ModelID: "gpt-5.1-codex-mini", Tier: TierBalanced},
		{ModelID: "gpt-5.1-codex-fast", Tier: TierFast},
	},
	AgentGemini: {
		{ModelID: "gemini-3-pro", Tier: TierFlagship},
		{ModelID: "gemini-3-flash", Tier: TierBalanced},
		{ModelID: "gemini-3-flash-lite", Tier: TierFast},
	},
	AgentAider: {
		{ModelID: "claude-opus-4-5-20251101", Tier: TierFlagship},
		{ModelID: "gpt-5.1-codex", Tier: TierBalanced},
	},
	AgentGrok: {
		{ModelID: "grok-4.1", Tier: TierFlagship},
		{ModelID: "grok-4.1-fast", Tier: TierBalanced},
	},
}

var tierResources = map[Tier]TierResources{
	TierFlagship: {CPUUnits: 2048, MemoryMb: 4096},
	TierBalanced: {CPUUnits: 1024, MemoryMb: 2048},
	TierFast:     {CPUUnits: 512, MemoryMb: 1024},
}

// AgentModels returns the ordered (modelId, tier) registry for an agent
// kind, flagship first. The returned slice is a copy; callers may not
// mutate the registry through it.
func AgentModels(agent AgentKind) []ModelOption {
	opts := agentModels[agent]
	out := make([]ModelOption, len(opts))
	copy(out, opts)
	return out
}

// ResourcesForTier returns the CPU/memory allocation for a tier and
// whether the tier is known.
func ResourcesForTier(tier Tier) (TierResources, bool) {
	r, ok := tierResources[tier]
	return r, ok
}

// allAgentKinds is the canonical, stable-ordered list of agent kinds the
// pool manager, lifecycle loop, and autoscaler iterate over.
var allAgentKinds = []AgentKind{AgentClaude, AgentCodex, AgentGemini, AgentAider, AgentGrok}

// AllAgentKinds returns every supported agent kind, in a stable order.
func AllAgentKinds() []AgentKind {
	out := make([]AgentKind, len(allAgentKinds))
	copy(out, allAgentKinds)
	return out
}

var agentSecrets = map[AgentKind]SecretDescriptor{
	AgentClaude: {EnvVar: "ANTHROPIC_API_KEY", Path: "outpost/agents/claude/api-key"},
	AgentCodex:  {EnvVar: "OPENAI_API_KEY", Path: "outpost/agents/codex/api-key"},
	AgentGemini: {EnvVar: "GOOGLE_API_KEY", Path: "outpost/agents/gemini/api-key"},
	AgentAider:  {EnvVar: "ANTHROPIC_API_KEY", Path: "outpost/agents/aider/api-key"},
	AgentGrok:   {EnvVar: "XAI_API_KEY", Path: "outpost/agents/grok/api-key"},
}

// SecretDescriptorForAgent returns the primary secret binding for an agent
// kind and whether the agent is known.
func SecretDescriptorForAgent(agent AgentKind) (SecretDescriptor, bool) {
	d, ok := agentSecrets[agent]
	return d, ok
}

// CommonSecretPaths is injected into every worker regardless of agent kind.
var commonSecretPaths = []string{
	"outpost/common/registry-credentials",
	"outpost/common/telemetry-token",
}

// CommonSecretPaths returns a copy of the secrets every worker receives.
func CommonSecretPaths() []string {
	out := make([]string, len(commonSecretPaths))
	copy(out, commonSecretPaths)
	return out
}

// protectedSecretKeys may never be set by a caller-supplied secret map;
// they are reserved for control-plane-injected credentials.
var protectedSecretKeys = map[string]bool{
	"AWS_ACCESS_KEY_ID":     true,
	"AWS_SECRET_ACCESS_KEY": true,
	"AWS_SESSION_TOKEN":     true,
	"AWS_REGION":            true,
	"AWS_DEFAULT_REGION":    true,
	"ANTHROPIC_API_KEY":     true,
	"OPENAI_API_KEY":        true,
	"GOOGLE_API_KEY":        true,
	"DEEPSEEK_API_KEY":      true,
	"XAI_API_KEY":           true,
	"GITHUB_TOKEN":          true,
}

// IsProtectedSecretKey reports whether key is reserved for control-plane
// injection and may not be set via a caller-supplied secret map.
func IsProtectedSecretKey(key string) bool {
	return protectedSecretKeys[key]
}

// sensitiveMetadataKeys are redacted wherever they appear, at any nesting
// depth, in audit metadata.
var sensitiveMetadataKeys = map[string]bool{
	"password":      true,
	"secret":        true,
	"token":         true,
	"apikey":        true,
	"api_key":       true,
	"accesstoken":   true,
	"refreshtoken":  true,
	"privatekey":    true,
	"secretkey":     true,
	"credential":    true,
	"credentials":   true,
	"auth":          true,
	"authorization": true,
}

// IsSensitiveMetadataKey reports whether the lowercased form of key must
// be redacted in audit metadata.
func IsSensitiveMetadataKey(lowerKey string) bool {
	return sensitiveMetadataKeys[lowerKey]
}

// ProgressMarker is one checkpoint-regex-to-progress-value rule used by
// the status tracker's log-scanning heuristic.
type ProgressMarker struct {
	Pattern *regexp.Regexp
	Value   int
}

// progressMarkers is evaluated in order; the first matching pattern on a
// line wins for that line, and the highest value across all scanned lines
// wins overall.
var progressMarkers = []ProgressMarker{
	{Pattern: regexp.MustCompile(`(?i)starting|initializing|booting`), Value: 5},
	{Pattern: regexp.MustCompile(`(?i)cloning|fetching repo`), Value: 15},
	{Pattern: regexp.MustCompile(`(?i)installing|dependencies|npm|pip`), Value: 25},
	{Pattern: regexp.MustCompile(`(?i)analyzing|scanning|parsing`), Value: 35},
	{Pattern: regexp.MustCompile(`(?i)generating|building|compiling`), Value: 50},
	{Pattern: regexp.MustCompile(`(?i)testing|running tests`), Value: 65},
	{Pattern: regexp.MustCompile(`(?i)linting|formatting`), Value: 75},
	{Pattern: regexp.MustCompile(`(?i)committing|pushing`), Value: 85},
	{Pattern: regexp.MustCompile(`(?i)cleanup|finalizing`), Value: 95},
	{Pattern: regexp.MustCompile(`(?i)completed|finished|done`), Value: 100},
}

// ProgressMarkers returns the ordered checkpoint patterns used to score
// dispatch progress from log output.
func ProgressMarkers() []ProgressMarker {
	return progressMarkers
}
