// Package schemas defines the shared data model for the autopilot agent:
// decisions, opportunities, code bundles, sandbox results, learnings, and
// the runtime policy configuration. Every component communicates through
// these types; none of them carry behavior beyond validation helpers.
package schemas

import (
	"encoding/json"
	"fmt"
	"time"
)

// DecisionType is the closed set of change categories the agent may propose.
type DecisionType string

const (
	DecisionContentCreation DecisionType = "content_creation"
	DecisionSEOOptimization DecisionType = "seo_optimization"
	DecisionBugFix          DecisionType = "bug_fix"
	DecisionPerformance     DecisionType = "performance_optimization"
	DecisionDataQuality     DecisionType = "data_quality"
	DecisionLeadRecovery    DecisionType = "lead_recovery"
)

// KnownDecisionTypes lists every valid DecisionType for strict validation of
// externally supplied values (LLM responses, CLI flags, config).
var KnownDecisionTypes = []DecisionType{
	DecisionContentCreation,
	DecisionSEOOptimization,
	DecisionBugFix,
	DecisionPerformance,
	DecisionDataQuality,
	DecisionLeadRecovery,
}

// ValidDecisionType reports whether t is a member of the closed set.
func ValidDecisionType(t DecisionType) bool {
	for _, known := range KnownDecisionTypes {
		if t == known {
			return true
		}
	}
	return false
}

// DecisionStatus tracks a decision through its lifecycle state machine:
//
//	PENDING -> APPROVED -> EXECUTING -> EXECUTED -> ROLLED_BACK
//	PENDING -> REJECTED
//	EXECUTING -> FAILED
type DecisionStatus string

const (
	StatusPending    DecisionStatus = "pending"
	StatusApproved   DecisionStatus = "approved"
	StatusRejected   DecisionStatus = "rejected"
	StatusExecuting  DecisionStatus = "executing"
	StatusExecuted   DecisionStatus = "executed"
	StatusFailed     DecisionStatus = "failed"
	StatusRolledBack DecisionStatus = "rolled_back"
)

// Priority buckets a decision for operator triage.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityMedium   Priority = "medium"
	PriorityLow      Priority = "low"
)

// OpportunityCategory tags the heuristic that produced an opportunity.
type OpportunityCategory string

const (
	OppContentGap      OpportunityCategory = "content_gap"
	OppLowPerformer    OpportunityCategory = "low_performer"
	OppMissingMetadata OpportunityCategory = "missing_metadata"
	OppErrorSpike      OpportunityCategory = "error_spike"
	OppTrafficDrop     OpportunityCategory = "traffic_drop"
	OppLowConversion   OpportunityCategory = "low_conversion"
)

// Opportunity is an ephemeral, ranked observation derived from a data
// snapshot. Opportunities are not persisted unless promoted into a Decision.
type Opportunity struct {
	Category         OpportunityCategory `json:"category"`
	Subtype          string              `json:"subtype,omitempty"`
	Title            string              `json:"title"`
	Description      string              `json:"description"`
	Trigger          string              `json:"trigger"`
	Priority         int                 `json:"priority"` // 1 (noise) to 10 (urgent)
	Effort           string              `json:"effort"`   // low / medium / high
	Impact           string              `json:"impact"`   // low / medium / high
	ProjectedRevenue float64             `json:"projected_revenue,omitempty"`
	ProjectedLeads   int                 `json:"projected_leads,omitempty"`
	Evidence         json.RawMessage     `json:"evidence,omitempty"`
}

// ContentGap describes an SEO topic the site does not yet cover.
type ContentGap struct {
	Topic        string `json:"topic"`
	SearchVolume int    `json:"search_volume"`
}

// ListingStat is the per-property slice of the snapshot used by the
// low-performer heuristic.
type ListingStat struct {
	ListingID string `json:"listing_id"`
	Title     string `json:"title"`
	Views     int    `json:"views"`
	Inquiries int    `json:"inquiries"`
}

// DataSnapshot is the aggregated operational picture the Decision Engine
// analyzes. Building it is an external concern; the agent only consumes the
// validated shape.
type DataSnapshot struct {
	CollectedAt     time.Time     `json:"collected_at"`
	WindowDays      int           `json:"window_days"`
	TotalViews      int           `json:"total_views"`
	TotalLeads      int           `json:"total_leads"`
	TotalListings   int           `json:"total_listings"`
	ErrorCount      int           `json:"error_count"`
	MissingMetadata int           `json:"missing_metadata"`
	ContentGaps     []ContentGap  `json:"content_gaps,omitempty"`
	ListingStats    []ListingStat `json:"listing_stats,omitempty"`
}

// ConversionRate returns leads per view, guarding the zero-traffic case.
func (s DataSnapshot) ConversionRate() float64 {
	if s.TotalViews == 0 {
		return 0
	}
	return float64(s.TotalLeads) / float64(s.TotalViews)
}

// Decision is the central long-lived entity: a persisted, status-tracked
// proposal to make a specific change. Decisions are never deleted, only
// superseded by status.
type Decision struct {
	ID         string              `json:"id"`
	Type       DecisionType        `json:"type"`
	Subtype    string              `json:"subtype,omitempty"`
	Category   OpportunityCategory `json:"category"`
	Priority   Priority            `json:"priority"`
	Confidence int                 `json:"confidence"` // 0-100
	Reasoning  string              `json:"reasoning"`
	Action     Action              `json:"action"`
	Snapshot   json.RawMessage     `json:"snapshot,omitempty"`

	Status           DecisionStatus `json:"status"`
	RequiresApproval bool           `json:"requires_approval"`
	AutoExecute      bool           `json:"auto_execute"`

	ExpectedImpact string `json:"expected_impact,omitempty"`
	RollbackPlan   string `json:"rollback_plan,omitempty"`

	ApprovedBy      string     `json:"approved_by,omitempty"`
	ApprovedAt      *time.Time `json:"approved_at,omitempty"`
	RejectedBy      string     `json:"rejected_by,omitempty"`
	RejectedAt      *time.Time `json:"rejected_at,omitempty"`
	RejectionReason string     `json:"rejection_reason,omitempty"`

	ExecutedAt       *time.Time `json:"executed_at,omitempty"`
	ExecutionMS      int64      `json:"execution_ms,omitempty"`
	ExecutionError   string     `json:"execution_error,omitempty"`
	BackupID         string     `json:"backup_id,omitempty"`
	ProposalURL      string     `json:"proposal_url,omitempty"`
	ChangedPaths     []string   `json:"changed_paths,omitempty"`
	RolledBackBy     string     `json:"rolled_back_by,omitempty"`
	RolledBackAt     *time.Time `json:"rolled_back_at,omitempty"`
	RollbackReason   string     `json:"rollback_reason,omitempty"`
	FeedbackDueAt    *time.Time `json:"feedback_due_at,omitempty"`
	FeedbackSuccess  *bool      `json:"feedback_success,omitempty"`
	FeedbackScore    *int       `json:"feedback_score,omitempty"`
	FeedbackNotes    string     `json:"feedback_notes,omitempty"`
	FeedbackGivenAt  *time.Time `json:"feedback_given_at,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// Executable reports whether the decision is in a state from which
// ExecuteDecision may proceed.
func (d *Decision) Executable() bool {
	return d.Status == StatusPending || d.Status == StatusApproved
}

// FileAction is the closed set of operations a generated file may request.
type FileAction string

const (
	FileCreate FileAction = "CREATE"
	FileModify FileAction = "MODIFY"
	FileDelete FileAction = "DELETE"
)

// ValidFileAction reports whether a is one of CREATE/MODIFY/DELETE.
func ValidFileAction(a FileAction) bool {
	return a == FileCreate || a == FileModify || a == FileDelete
}

// GeneratedFile is a single file edit inside a synthesis bundle.
type GeneratedFile struct {
	Path     string     `json:"path"`
	Content  string     `json:"content"`
	Action   FileAction `json:"action"`
	Language string     `json:"language,omitempty"`
}

// GeneratedCode is the bundle of file edits produced by the code-synthesis
// collaborator for a decision's action.
type GeneratedCode struct {
	Files           []GeneratedFile `json:"files"`
	Explanation     string          `json:"explanation"`
	EstimatedImpact string          `json:"estimated_impact,omitempty"`
	RollbackPlan    string          `json:"rollback_plan,omitempty"`
}

// Validate enforces the synthesis contract: every file has a path, a valid
// action, and content unless the action is DELETE.
func (g *GeneratedCode) Validate() error {
	if len(g.Files) == 0 {
		return fmt.Errorf("generated bundle contains no files")
	}
	for i, f := range g.Files {
		if f.Path == "" {
			return fmt.Errorf("file %d is missing a path", i)
		}
		if !ValidFileAction(f.Action) {
			return fmt.Errorf("file %q has unknown action %q", f.Path, f.Action)
		}
		if f.Action != FileDelete && f.Content == "" {
			return fmt.Errorf("file %q has action %s but no content", f.Path, f.Action)
		}
	}
	return nil
}

// Paths returns the touched file paths in bundle order.
func (g *GeneratedCode) Paths() []string {
	paths := make([]string, 0, len(g.Files))
	for _, f := range g.Files {
		paths = append(paths, f.Path)
	}
	return paths
}

// SandboxResult reports the outcome of the layered validation pipeline.
// Only type-correctness gates deployment: lint failures are demoted to
// warnings and the build stage is skipped for simple bundles.
type SandboxResult struct {
	Success         bool          `json:"success"`
	TypeCheckPassed bool          `json:"type_check_passed"`
	LintPassed      bool          `json:"lint_passed"`
	BuildPassed     bool          `json:"build_passed"`
	BuildSkipped    bool          `json:"build_skipped"`
	Errors          []string      `json:"errors,omitempty"`
	Warnings        []string      `json:"warnings,omitempty"`
	Duration        time.Duration `json:"duration"`
}

// CodeChange is the persisted per-file audit record of a deployment. It
// survives the in-memory bundle and is what makes rollback possible.
type CodeChange struct {
	ID              string     `json:"id"`
	DecisionID      string     `json:"decision_id"`
	Path            string     `json:"path"`
	Action          FileAction `json:"action"`
	OriginalContent *string    `json:"original_content,omitempty"`
	NewContent      string     `json:"new_content"`
	Validated       bool       `json:"validated"`
	AppliedAt       *time.Time `json:"applied_at,omitempty"`
	RolledBackAt    *time.Time `json:"rolled_back_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
}

// LearningCategory labels where a learning came from.
type LearningCategory string

const (
	LearningSuccessPattern LearningCategory = "successful_pattern"
	LearningFailurePattern LearningCategory = "failure_pattern"
	LearningCalibration    LearningCategory = "confidence_calibration"
)

// Adjustment directions a learning may suggest.
const (
	AdjustIncreaseConfidence = "increase_confidence"
	AdjustDecreaseConfidence = "decrease_confidence"
	AdjustNone               = "none"
)

// Learning is an append-only calibration record mined from executed
// decisions with recorded outcomes. Learnings are never deleted, only
// invalidated.
type Learning struct {
	ID                   string           `json:"id"`
	Category             LearningCategory `json:"category"`
	Insight              string           `json:"insight"`
	Confidence           int              `json:"confidence"` // 0-100 weight
	ImpactArea           string           `json:"impact_area"`
	SuggestedAdjustment  string           `json:"suggested_adjustment"`
	SourceDecisionID     string           `json:"source_decision_id,omitempty"`
	Valid                bool             `json:"valid"`
	CreatedAt            time.Time        `json:"created_at"`
}

// ExecutionResult is returned from ExecuteDecision and stored on the
// decision's execution metadata.
type ExecutionResult struct {
	DecisionID        string        `json:"decision_id"`
	Success           bool          `json:"success"`
	Timestamp         time.Time     `json:"timestamp"`
	Duration          time.Duration `json:"duration"`
	ChangedPaths      []string      `json:"changed_paths,omitempty"`
	RollbackAvailable bool          `json:"rollback_available"`
	BackupID          string        `json:"backup_id,omitempty"`
	ProposalURL       string        `json:"proposal_url,omitempty"`
	Queued            bool          `json:"queued"`
	Error             string        `json:"error,omitempty"`
}

// DailyStats is derived per cycle, never stored: counts since local
// midnight used for limit enforcement.
type DailyStats struct {
	DecisionsCreated int `json:"decisions_created"`
	AutoExecuted     int `json:"auto_executed"`
}

// AgentState is the operator-visible run state of the orchestrator.
type AgentState struct {
	CycleRunning     bool       `json:"cycle_running"`
	CurrentTask      string     `json:"current_task,omitempty"`
	LastCycleAt      *time.Time `json:"last_cycle_at,omitempty"`
	Today            DailyStats `json:"today"`
	PendingDecisions int        `json:"pending_decisions"`
}

// AgentConfig is the singleton runtime policy record. It is created lazily
// with safe defaults and mutated only through an explicit, logged update.
type AgentConfig struct {
	Enabled                bool           `json:"enabled"`
	AutonomousMode         bool           `json:"autonomous_mode"`
	MinConfidence          int            `json:"min_confidence"` // 0-100
	DailyDecisionLimit     int            `json:"daily_decision_limit"`
	DailyAutoExecuteLimit  int            `json:"daily_auto_execute_limit"`
	AllowedAutonomousTypes []DecisionType `json:"allowed_autonomous_types"`
	ForbiddenPaths         []string       `json:"forbidden_paths"`
	LearningEnabled        bool           `json:"learning_enabled"`
	FeedbackLoopDays       int            `json:"feedback_loop_days"`
	KillSwitch             bool           `json:"kill_switch"`
	PausedUntil            *time.Time     `json:"paused_until,omitempty"`
	PauseReason            string         `json:"pause_reason,omitempty"`
	NotifyEmail            string         `json:"notify_email,omitempty"`
	NotifyOnDecision       bool           `json:"notify_on_decision"`
	NotifyOnError          bool           `json:"notify_on_error"`
	UpdatedAt              time.Time      `json:"updated_at"`
}

// DefaultAgentConfig returns the safe defaults used when no config row
// exists yet: agent on, autonomy off, conservative limits, and the
// standard forbidden-path set.
func DefaultAgentConfig() AgentConfig {
	return AgentConfig{
		Enabled:               true,
		AutonomousMode:        false,
		MinConfidence:         85,
		DailyDecisionLimit:    10,
		DailyAutoExecuteLimit: 3,
		AllowedAutonomousTypes: []DecisionType{
			DecisionContentCreation,
			DecisionSEOOptimization,
		},
		ForbiddenPaths:   DefaultForbiddenPaths(),
		LearningEnabled:  true,
		FeedbackLoopDays: 7,
	}
}

// DefaultForbiddenPaths returns the path patterns the deployer refuses to
// touch without an explicit force override: secrets, schema, auth, process
// middleware, dependency trees, and version-control internals.
func DefaultForbiddenPaths() []string {
	return []string{
		".env",
		".env.*",
		"**/schema.prisma",
		"**/migrations/**",
		"**/auth.config.*",
		"**/middleware.*",
		"node_modules/**",
		".git/**",
	}
}

// TypeAllowed reports whether t is in the allowed-autonomous-types set.
func (c AgentConfig) TypeAllowed(t DecisionType) bool {
	for _, allowed := range c.AllowedAutonomousTypes {
		if t == allowed {
			return true
		}
	}
	return false
}

// Paused reports whether now falls inside the configured pause window.
func (c AgentConfig) Paused(now time.Time) bool {
	return c.PausedUntil != nil && now.Before(*c.PausedUntil)
}

// AuditLevel grades audit-log entries.
type AuditLevel string

const (
	AuditInfo     AuditLevel = "info"
	AuditWarn     AuditLevel = "warn"
	AuditError    AuditLevel = "error"
	AuditCritical AuditLevel = "critical"
)

// AuditEntry is one row of the persistent audit trail. Every decision
// creation, status transition, and stage failure lands here.
type AuditEntry struct {
	ID         string          `json:"id"`
	Level      AuditLevel      `json:"level"`
	Category   string          `json:"category"`
	Message    string          `json:"message"`
	Data       json.RawMessage `json:"data,omitempty"`
	DecisionID string          `json:"decision_id,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}
