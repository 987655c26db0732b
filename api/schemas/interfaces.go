package schemas

import (
	"context"
	"time"
)

// -- Persistence --

// Repository is the persistence contract consumed by the agent. It abstracts
// the PostgreSQL store so components can be tested against mocks.
//
// All daily counts are computed relative to local midnight.
type Repository interface {
	// GetAgentConfig returns the singleton policy record, creating it with
	// safe defaults if absent.
	GetAgentConfig(ctx context.Context) (AgentConfig, error)
	// UpdateAgentConfig replaces the singleton with an explicit whole-record
	// update. Last writer wins.
	UpdateAgentConfig(ctx context.Context, cfg AgentConfig) error

	CreateDecision(ctx context.Context, d *Decision) error
	GetDecision(ctx context.Context, id string) (*Decision, error)
	UpdateDecision(ctx context.Context, d *Decision) error
	// CountDecisionsToday / CountAutoExecutedToday enforce daily limits
	// against the local-midnight boundary preceding now.
	CountDecisionsToday(ctx context.Context, now time.Time) (int, error)
	CountAutoExecutedToday(ctx context.Context, now time.Time) (int, error)
	CountByStatus(ctx context.Context, status DecisionStatus) (int, error)
	// RecentDecisionExists implements the dedup check: is there a PENDING or
	// APPROVED decision with this type+category created after the cutoff?
	RecentDecisionExists(ctx context.Context, t DecisionType, category OpportunityCategory, since time.Time) (bool, error)
	// ListExecutedWithFeedback returns executed decisions carrying recorded
	// feedback, newest first, for the self-improvement engine.
	ListExecutedWithFeedback(ctx context.Context) ([]Decision, error)
	ListExecutedByType(ctx context.Context) (map[DecisionType][]Decision, error)
	// ListStaleExecuting returns decisions stuck in EXECUTING since before
	// the cutoff, for the reconciliation sweep.
	ListStaleExecuting(ctx context.Context, before time.Time) ([]Decision, error)

	CreateCodeChange(ctx context.Context, c *CodeChange) error
	ListCodeChanges(ctx context.Context, decisionID string) ([]CodeChange, error)
	MarkCodeChangesRolledBack(ctx context.Context, decisionID string, at time.Time) error

	CreateLearning(ctx context.Context, l *Learning) error
	// ListLearnings returns the most recent valid learnings whose impact
	// area is one of areas, newest first, at most limit.
	ListLearnings(ctx context.Context, areas []string, limit int) ([]Learning, error)
	// ListLearningsByCategory returns the most recent valid learnings of
	// one category, newest first, at most limit.
	ListLearningsByCategory(ctx context.Context, category LearningCategory, limit int) ([]Learning, error)
	InvalidateLearning(ctx context.Context, id string) error
}

// AuditLogger is the fire-and-forget audit trail port, separated from the
// Repository so core logic stays testable without a persistence backend.
type AuditLogger interface {
	Append(ctx context.Context, entry AuditEntry)
	ListByDecision(ctx context.Context, decisionID string) ([]AuditEntry, error)
}

// -- Reasoning collaborator --

// ModelTier selects a large language model by capability/latency tradeoff.
type ModelTier string

const (
	TierFast     ModelTier = "fast"     // Faster, cheaper, less capable.
	TierPowerful ModelTier = "powerful" // Slower, more capable.
)

// GenerationOptions tunes a single generation call.
type GenerationOptions struct {
	Temperature     float32 `json:"temperature"`
	ForceJSONFormat bool    `json:"force_json_format"`
}

// GenerationRequest encapsulates a complete request to the LLM.
type GenerationRequest struct {
	SystemPrompt string            `json:"system_prompt"`
	UserPrompt   string            `json:"user_prompt"`
	Tier         ModelTier         `json:"tier"`
	Options      GenerationOptions `json:"options"`
}

// LLMClient is the narrow interface in front of the reasoning collaborator.
// All safety gating is re-checked locally; nothing the model returns is
// trusted without validation.
type LLMClient interface {
	Generate(ctx context.Context, req GenerationRequest) (string, error)
}

// -- Pipeline components --

// CodeSynthesizer turns a decision's action into a structured bundle of file
// edits. The returned bundle has already passed contract validation.
type CodeSynthesizer interface {
	Synthesize(ctx context.Context, d *Decision) (*GeneratedCode, error)
}

// SandboxValidator gates whether a candidate bundle may be deployed.
type SandboxValidator interface {
	Validate(ctx context.Context, bundle *GeneratedCode) (*SandboxResult, error)
}

// DeployMode identifies which deployment strategy is active.
type DeployMode string

const (
	ModeDirect DeployMode = "direct" // In-place filesystem apply with backup.
	ModeQueued DeployMode = "queued" // Record-only, optionally proposed remotely.
)

// DeployOptions carries the operator overrides for a single deploy call.
type DeployOptions struct {
	// SkipSandboxCheck deploys despite a failed sandbox result.
	SkipSandboxCheck bool
	// Force deploys despite forbidden-path matches.
	Force bool
}

// DeployResult describes what a deployer did with a bundle.
type DeployResult struct {
	ChangedPaths []string
	BackupID     string
	ProposalURL  string
	ProposalRef  string
	Queued       bool
}

// Deployer applies a validated bundle and exposes rollback. Implementations
// are selected once at startup (direct filesystem vs. queued-for-review)
// and injected into the orchestrator.
type Deployer interface {
	Mode() DeployMode
	Deploy(ctx context.Context, d *Decision, bundle *GeneratedCode, sandbox *SandboxResult, opts DeployOptions) (*DeployResult, error)
	Rollback(ctx context.Context, d *Decision) error
}

// Proposal references a reviewable change created by the remote collaborator.
type Proposal struct {
	URL    string
	Ref    string
	Number int
}

// ChangeProposer is the optional remote change collaborator: it can turn a
// bundle into a reviewable branch/PR. Failure never aborts deployment.
type ChangeProposer interface {
	Configured() bool
	Propose(ctx context.Context, d *Decision, bundle *GeneratedCode) (*Proposal, error)
}
