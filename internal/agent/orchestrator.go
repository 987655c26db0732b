// Package agent hosts the orchestrator: the single-flight loop that gates,
// runs, and audits analysis cycles, and drives individual decisions through
// synthesize, validate, deploy, and rollback.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/propmark/autopilot/api/schemas"
	"github.com/propmark/autopilot/internal/deploy"
	"github.com/propmark/autopilot/internal/engine"
)

// staleExecutingAge is how long a decision may sit in EXECUTING before the
// cycle-start sweep declares the process that owned it dead.
const staleExecutingAge = 30 * time.Minute

// CycleResult is what one analysis cycle produced.
type CycleResult struct {
	Opportunities []schemas.Opportunity     `json:"opportunities"`
	Decisions     []*schemas.Decision       `json:"decisions"`
	Executed      []*schemas.ExecutionResult `json:"executed,omitempty"`
	Insights      []string                  `json:"insights"`
	Warnings      []string                  `json:"warnings"`
	Confidence    int                       `json:"confidence"`
	Skipped       int                       `json:"skipped"`
}

// Orchestrator coordinates the full decision pipeline. At most one cycle
// runs at a time, and decision execution is serialized behind a global
// lock because both deploy strategies mutate a single underlying resource.
type Orchestrator struct {
	logger      *zap.Logger
	repo        schemas.Repository
	audit       schemas.AuditLogger
	engine      *engine.Engine
	synthesizer schemas.CodeSynthesizer
	sandbox     schemas.SandboxValidator
	deployer    schemas.Deployer

	cycleMu     sync.Mutex
	cycleActive bool
	currentTask string
	lastCycleAt *time.Time

	// execMu serializes ExecuteDecision calls against the working tree.
	execMu sync.Mutex
}

// NewOrchestrator wires the pipeline.
func NewOrchestrator(
	logger *zap.Logger,
	repo schemas.Repository,
	audit schemas.AuditLogger,
	eng *engine.Engine,
	synthesizer schemas.CodeSynthesizer,
	sandbox schemas.SandboxValidator,
	deployer schemas.Deployer,
) *Orchestrator {
	return &Orchestrator{
		logger:      logger.Named("agent"),
		repo:        repo,
		audit:       audit,
		engine:      eng,
		synthesizer: synthesizer,
		sandbox:     sandbox,
		deployer:    deployer,
	}
}

// RunAnalysisCycle executes one full analysis pass: entry gates, stale
// reconciliation, opportunity analysis, decision persistence within the
// daily quota, and auto-execution within the auto-execute quota.
func (o *Orchestrator) RunAnalysisCycle(ctx context.Context, snapshot schemas.DataSnapshot) (*CycleResult, error) {
	if !o.beginCycle("analysis cycle") {
		return nil, schemas.ErrCycleInProgress
	}
	defer o.endCycle()

	cfg, err := o.repo.GetAgentConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load agent config: %w", err)
	}

	now := time.Now()
	if !cfg.Enabled || cfg.KillSwitch {
		return nil, schemas.ErrAgentDisabled
	}
	if cfg.Paused(now) {
		return nil, fmt.Errorf("%w until %s: %s", schemas.ErrAgentPaused,
			cfg.PausedUntil.Format(time.RFC3339), cfg.PauseReason)
	}

	createdToday, err := o.repo.CountDecisionsToday(ctx, now)
	if err != nil {
		return nil, fmt.Errorf("failed to count today's decisions: %w", err)
	}
	if createdToday >= cfg.DailyDecisionLimit {
		return nil, fmt.Errorf("%w: %d of %d decisions already created today",
			schemas.ErrDailyLimitReached, createdToday, cfg.DailyDecisionLimit)
	}

	o.audit.Append(ctx, schemas.AuditEntry{
		ID:       uuid.New().String(),
		Level:    schemas.AuditInfo,
		Category: "cycle",
		Message:  "Analysis cycle started",
	})

	o.reconcileStaleExecuting(ctx)

	o.setTask("analyzing snapshot")
	analysis, err := o.engine.Analyze(ctx, cfg, snapshot)
	if err != nil {
		o.audit.Append(ctx, schemas.AuditEntry{
			ID:       uuid.New().String(),
			Level:    schemas.AuditError,
			Category: "cycle",
			Message:  fmt.Sprintf("Analysis failed: %v", err),
		})
		return nil, err
	}

	result := &CycleResult{
		Opportunities: analysis.Opportunities,
		Insights:      analysis.Insights,
		Warnings:      analysis.Warnings,
		Confidence:    analysis.Confidence,
	}

	remaining := cfg.DailyDecisionLimit - createdToday
	o.setTask("persisting decisions")
	for _, d := range analysis.Decisions {
		if remaining <= 0 {
			result.Skipped++
			continue
		}
		if err := o.repo.CreateDecision(ctx, d); err != nil {
			o.logger.Error("Failed to persist decision.",
				zap.String("type", string(d.Type)), zap.Error(err))
			continue
		}
		remaining--
		result.Decisions = append(result.Decisions, d)
		o.audit.Append(ctx, schemas.AuditEntry{
			ID:         uuid.New().String(),
			Level:      schemas.AuditInfo,
			Category:   "decision",
			Message:    fmt.Sprintf("Decision created: %s (confidence %d, auto_execute %v)", d.Type, d.Confidence, d.AutoExecute),
			DecisionID: d.ID,
		})
	}
	if result.Skipped > 0 {
		o.logger.Warn("Daily quota exhausted mid-cycle, decisions dropped.",
			zap.Int("skipped", result.Skipped))
	}

	autoExecuted, err := o.repo.CountAutoExecutedToday(ctx, now)
	if err != nil {
		o.logger.Warn("Failed to count auto-executions, skipping auto-execute phase.", zap.Error(err))
		autoExecuted = cfg.DailyAutoExecuteLimit
	}
	for _, d := range result.Decisions {
		if !d.AutoExecute {
			continue
		}
		if autoExecuted >= cfg.DailyAutoExecuteLimit {
			o.logger.Info("Daily auto-execute limit reached, decision left for manual execution.",
				zap.String("decision_id", d.ID))
			continue
		}
		o.setTask(fmt.Sprintf("executing decision %s", d.ID))
		execResult, err := o.ExecuteDecision(ctx, d.ID)
		if err != nil {
			o.logger.Error("Auto-execution failed.",
				zap.String("decision_id", d.ID), zap.Error(err))
			continue
		}
		autoExecuted++
		result.Executed = append(result.Executed, execResult)
	}

	o.audit.Append(ctx, schemas.AuditEntry{
		ID:       uuid.New().String(),
		Level:    schemas.AuditInfo,
		Category: "cycle",
		Message: fmt.Sprintf("Analysis cycle completed: %d opportunities, %d decisions, %d auto-executed",
			len(result.Opportunities), len(result.Decisions), len(result.Executed)),
	})

	o.logger.Info("Cycle complete.",
		zap.Int("opportunities", len(result.Opportunities)),
		zap.Int("decisions", len(result.Decisions)),
		zap.Int("executed", len(result.Executed)),
		zap.Int("confidence", result.Confidence))
	return result, nil
}

// ExecuteDecision runs one decision through synthesize, validate, deploy.
// A sandbox failure terminates the decision in FAILED with the validator's
// errors preserved verbatim; nothing is deployed. Execution is serialized
// globally because the working tree is a shared resource.
func (o *Orchestrator) ExecuteDecision(ctx context.Context, id string) (*schemas.ExecutionResult, error) {
	o.execMu.Lock()
	defer o.execMu.Unlock()

	d, err := o.repo.GetDecision(ctx, id)
	if err != nil {
		return nil, err
	}
	if !d.Executable() {
		return nil, fmt.Errorf("decision %s is %s: %w", id, d.Status, schemas.ErrInvalidState)
	}

	cfg, err := o.repo.GetAgentConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load agent config: %w", err)
	}

	start := time.Now()
	d.Status = schemas.StatusExecuting
	d.UpdatedAt = start.UTC()
	if err := o.repo.UpdateDecision(ctx, d); err != nil {
		return nil, fmt.Errorf("failed to mark decision executing: %w", err)
	}

	result := &schemas.ExecutionResult{
		DecisionID: id,
		Timestamp:  start.UTC(),
	}

	bundle, err := o.synthesizer.Synthesize(ctx, d)
	if err != nil {
		return o.failDecision(ctx, d, result, start, fmt.Sprintf("code synthesis failed: %v", err))
	}

	// Forbidden paths are rejected before paying for sandbox validation.
	if offending := deploy.ForbiddenMatches(bundle, cfg.ForbiddenPaths); len(offending) > 0 {
		return o.failDecision(ctx, d, result, start,
			fmt.Sprintf("%v: %s", schemas.ErrForbiddenPath, strings.Join(offending, ", ")))
	}

	sandboxResult, err := o.sandbox.Validate(ctx, bundle)
	if err != nil {
		return o.failDecision(ctx, d, result, start, fmt.Sprintf("sandbox validation errored: %v", err))
	}
	if !sandboxResult.Success {
		// Preserve the validator's error text verbatim.
		return o.failDecision(ctx, d, result, start, strings.Join(sandboxResult.Errors, "\n"))
	}

	deployResult, err := o.deployer.Deploy(ctx, d, bundle, sandboxResult, schemas.DeployOptions{})
	if err != nil {
		return o.failDecision(ctx, d, result, start, fmt.Sprintf("deployment failed: %v", err))
	}

	now := time.Now()
	executedAt := now.UTC()
	feedbackDue := executedAt.Add(time.Duration(cfg.FeedbackLoopDays) * 24 * time.Hour)

	d.Status = schemas.StatusExecuted
	d.ExecutedAt = &executedAt
	d.ExecutionMS = now.Sub(start).Milliseconds()
	d.ExecutionError = ""
	d.BackupID = deployResult.BackupID
	d.ProposalURL = deployResult.ProposalURL
	d.ChangedPaths = deployResult.ChangedPaths
	d.FeedbackDueAt = &feedbackDue
	d.UpdatedAt = executedAt
	if err := o.repo.UpdateDecision(ctx, d); err != nil {
		return nil, fmt.Errorf("deployed but failed to record executed status: %w", err)
	}

	result.Success = true
	result.Duration = now.Sub(start)
	result.ChangedPaths = deployResult.ChangedPaths
	result.BackupID = deployResult.BackupID
	result.RollbackAvailable = deployResult.BackupID != ""
	result.ProposalURL = deployResult.ProposalURL
	result.Queued = deployResult.Queued

	o.audit.Append(ctx, schemas.AuditEntry{
		ID:         uuid.New().String(),
		Level:      schemas.AuditInfo,
		Category:   "execution",
		Message:    fmt.Sprintf("Decision executed: %d files changed in %s", len(result.ChangedPaths), result.Duration.Round(time.Millisecond)),
		DecisionID: d.ID,
	})
	o.logger.Info("Decision executed.",
		zap.String("decision_id", d.ID),
		zap.Duration("duration", result.Duration),
		zap.Strings("paths", result.ChangedPaths))
	return result, nil
}

// failDecision terminates the decision in FAILED with the stage error and
// returns a failed (but non-error) execution result.
func (o *Orchestrator) failDecision(ctx context.Context, d *schemas.Decision, result *schemas.ExecutionResult, start time.Time, stageErr string) (*schemas.ExecutionResult, error) {
	now := time.Now()
	d.Status = schemas.StatusFailed
	d.ExecutionError = stageErr
	d.ExecutionMS = now.Sub(start).Milliseconds()
	d.UpdatedAt = now.UTC()
	if err := o.repo.UpdateDecision(ctx, d); err != nil {
		o.logger.Error("Failed to record FAILED status.",
			zap.String("decision_id", d.ID), zap.Error(err))
	}

	o.audit.Append(ctx, schemas.AuditEntry{
		ID:         uuid.New().String(),
		Level:      schemas.AuditError,
		Category:   "execution",
		Message:    fmt.Sprintf("Decision failed: %s", stageErr),
		DecisionID: d.ID,
	})

	result.Success = false
	result.Duration = now.Sub(start)
	result.Error = stageErr
	return result, nil
}

// Approve transitions a pending decision to APPROVED.
func (o *Orchestrator) Approve(ctx context.Context, id, actor string) error {
	d, err := o.repo.GetDecision(ctx, id)
	if err != nil {
		return err
	}
	if d.Status != schemas.StatusPending {
		return fmt.Errorf("decision %s is %s: %w", id, d.Status, schemas.ErrInvalidState)
	}
	now := time.Now().UTC()
	d.Status = schemas.StatusApproved
	d.ApprovedBy = actor
	d.ApprovedAt = &now
	d.UpdatedAt = now
	if err := o.repo.UpdateDecision(ctx, d); err != nil {
		return err
	}
	o.audit.Append(ctx, schemas.AuditEntry{
		ID:         uuid.New().String(),
		Level:      schemas.AuditInfo,
		Category:   "approval",
		Message:    fmt.Sprintf("Decision approved by %s", actor),
		DecisionID: id,
	})
	return nil
}

// Reject transitions a pending decision to REJECTED with the actor's reason.
func (o *Orchestrator) Reject(ctx context.Context, id, actor, reason string) error {
	d, err := o.repo.GetDecision(ctx, id)
	if err != nil {
		return err
	}
	if d.Status != schemas.StatusPending {
		return fmt.Errorf("decision %s is %s: %w", id, d.Status, schemas.ErrInvalidState)
	}
	now := time.Now().UTC()
	d.Status = schemas.StatusRejected
	d.RejectedBy = actor
	d.RejectedAt = &now
	d.RejectionReason = reason
	d.UpdatedAt = now
	if err := o.repo.UpdateDecision(ctx, d); err != nil {
		return err
	}
	o.audit.Append(ctx, schemas.AuditEntry{
		ID:         uuid.New().String(),
		Level:      schemas.AuditInfo,
		Category:   "approval",
		Message:    fmt.Sprintf("Decision rejected by %s: %s", actor, reason),
		DecisionID: id,
	})
	return nil
}

// Rollback reverts an executed decision through the deployer.
func (o *Orchestrator) Rollback(ctx context.Context, id, actor, reason string) error {
	o.execMu.Lock()
	defer o.execMu.Unlock()

	d, err := o.repo.GetDecision(ctx, id)
	if err != nil {
		return err
	}
	if d.Status != schemas.StatusExecuted {
		return fmt.Errorf("decision %s is %s: %w", id, d.Status, schemas.ErrInvalidState)
	}
	if o.deployer.Mode() == schemas.ModeDirect && d.BackupID == "" {
		return fmt.Errorf("decision %s has no backup reference: %w", id, schemas.ErrRollbackUnavailable)
	}

	if err := o.deployer.Rollback(ctx, d); err != nil {
		o.audit.Append(ctx, schemas.AuditEntry{
			ID:         uuid.New().String(),
			Level:      schemas.AuditError,
			Category:   "rollback",
			Message:    fmt.Sprintf("Rollback failed: %v", err),
			DecisionID: id,
		})
		return err
	}

	now := time.Now().UTC()
	d.Status = schemas.StatusRolledBack
	d.RolledBackBy = actor
	d.RolledBackAt = &now
	d.RollbackReason = reason
	d.UpdatedAt = now
	if err := o.repo.UpdateDecision(ctx, d); err != nil {
		return err
	}
	o.audit.Append(ctx, schemas.AuditEntry{
		ID:         uuid.New().String(),
		Level:      schemas.AuditWarn,
		Category:   "rollback",
		Message:    fmt.Sprintf("Decision rolled back by %s: %s", actor, reason),
		DecisionID: id,
	})
	return nil
}

// ProvideFeedback records the operator's outcome assessment. A successful,
// high-scoring outcome also yields a successful_pattern learning; bulk
// pattern mining stays with the self-improvement engine.
func (o *Orchestrator) ProvideFeedback(ctx context.Context, id string, wasSuccessful bool, score int, notes string) error {
	d, err := o.repo.GetDecision(ctx, id)
	if err != nil {
		return err
	}
	if d.Status != schemas.StatusExecuted && d.Status != schemas.StatusRolledBack {
		return fmt.Errorf("decision %s is %s: %w", id, d.Status, schemas.ErrInvalidState)
	}

	now := time.Now().UTC()
	d.FeedbackSuccess = &wasSuccessful
	d.FeedbackScore = &score
	d.FeedbackNotes = notes
	d.FeedbackGivenAt = &now
	d.UpdatedAt = now
	if err := o.repo.UpdateDecision(ctx, d); err != nil {
		return err
	}

	if wasSuccessful && score >= 80 {
		learning := &schemas.Learning{
			ID:                  uuid.New().String(),
			Category:            schemas.LearningSuccessPattern,
			Insight:             fmt.Sprintf("Decision of type %s succeeded with score %d: %s", d.Type, score, d.Reasoning),
			Confidence:          score,
			ImpactArea:          string(d.Type),
			SuggestedAdjustment: schemas.AdjustIncreaseConfidence,
			SourceDecisionID:    d.ID,
			Valid:               true,
			CreatedAt:           now,
		}
		if err := o.repo.CreateLearning(ctx, learning); err != nil {
			o.logger.Error("Failed to record feedback learning.",
				zap.String("decision_id", d.ID), zap.Error(err))
		}
	}

	o.audit.Append(ctx, schemas.AuditEntry{
		ID:         uuid.New().String(),
		Level:      schemas.AuditInfo,
		Category:   "feedback",
		Message:    fmt.Sprintf("Feedback recorded: success=%v score=%d", wasSuccessful, score),
		DecisionID: id,
	})
	return nil
}

// EmergencyStop sets the kill switch unconditionally. It does not roll
// back executed decisions and does not interrupt an in-flight execution.
func (o *Orchestrator) EmergencyStop(ctx context.Context, reason string) error {
	cfg, err := o.repo.GetAgentConfig(ctx)
	if err != nil {
		return fmt.Errorf("failed to load agent config: %w", err)
	}
	cfg.KillSwitch = true
	if err := o.repo.UpdateAgentConfig(ctx, cfg); err != nil {
		return fmt.Errorf("failed to set kill switch: %w", err)
	}

	data, _ := json.Marshal(map[string]string{"reason": reason})
	o.audit.Append(ctx, schemas.AuditEntry{
		ID:       uuid.New().String(),
		Level:    schemas.AuditCritical,
		Category: "kill_switch",
		Message:  fmt.Sprintf("EMERGENCY STOP: %s", reason),
		Data:     data,
	})
	o.logger.Error("Emergency stop engaged.", zap.String("reason", reason))
	return nil
}

// Resume clears the kill switch and any pause window.
func (o *Orchestrator) Resume(ctx context.Context) error {
	cfg, err := o.repo.GetAgentConfig(ctx)
	if err != nil {
		return fmt.Errorf("failed to load agent config: %w", err)
	}
	cfg.KillSwitch = false
	cfg.PausedUntil = nil
	cfg.PauseReason = ""
	if err := o.repo.UpdateAgentConfig(ctx, cfg); err != nil {
		return fmt.Errorf("failed to clear kill switch: %w", err)
	}
	o.audit.Append(ctx, schemas.AuditEntry{
		ID:       uuid.New().String(),
		Level:    schemas.AuditInfo,
		Category: "kill_switch",
		Message:  "Agent resumed",
	})
	o.logger.Info("Agent resumed.")
	return nil
}

// State reports the operator-visible run state.
func (o *Orchestrator) State(ctx context.Context) (*schemas.AgentState, error) {
	now := time.Now()
	created, err := o.repo.CountDecisionsToday(ctx, now)
	if err != nil {
		return nil, err
	}
	autoExecuted, err := o.repo.CountAutoExecutedToday(ctx, now)
	if err != nil {
		return nil, err
	}
	pending, err := o.repo.CountByStatus(ctx, schemas.StatusPending)
	if err != nil {
		return nil, err
	}

	o.cycleMu.Lock()
	state := &schemas.AgentState{
		CycleRunning:     o.cycleActive,
		CurrentTask:      o.currentTask,
		LastCycleAt:      o.lastCycleAt,
		PendingDecisions: pending,
		Today: schemas.DailyStats{
			DecisionsCreated: created,
			AutoExecuted:     autoExecuted,
		},
	}
	o.cycleMu.Unlock()
	return state, nil
}

// reconcileStaleExecuting sweeps decisions stuck in EXECUTING from a
// previous crashed run into FAILED so they become inspectable again.
func (o *Orchestrator) reconcileStaleExecuting(ctx context.Context) {
	stale, err := o.repo.ListStaleExecuting(ctx, time.Now().Add(-staleExecutingAge))
	if err != nil {
		o.logger.Warn("Stale-execution sweep failed.", zap.Error(err))
		return
	}
	for i := range stale {
		d := &stale[i]
		d.Status = schemas.StatusFailed
		d.ExecutionError = "execution abandoned: process terminated mid-execution"
		d.UpdatedAt = time.Now().UTC()
		if err := o.repo.UpdateDecision(ctx, d); err != nil {
			o.logger.Error("Failed to reconcile stale decision.",
				zap.String("decision_id", d.ID), zap.Error(err))
			continue
		}
		o.audit.Append(ctx, schemas.AuditEntry{
			ID:         uuid.New().String(),
			Level:      schemas.AuditWarn,
			Category:   "reconcile",
			Message:    "Stale EXECUTING decision marked FAILED",
			DecisionID: d.ID,
		})
	}
	if len(stale) > 0 {
		o.logger.Warn("Reconciled stale executions.", zap.Int("count", len(stale)))
	}
}

func (o *Orchestrator) beginCycle(task string) bool {
	o.cycleMu.Lock()
	defer o.cycleMu.Unlock()
	if o.cycleActive {
		return false
	}
	o.cycleActive = true
	o.currentTask = task
	return true
}

func (o *Orchestrator) endCycle() {
	now := time.Now()
	o.cycleMu.Lock()
	o.cycleActive = false
	o.currentTask = ""
	o.lastCycleAt = &now
	o.cycleMu.Unlock()
}

func (o *Orchestrator) setTask(task string) {
	o.cycleMu.Lock()
	o.currentTask = task
	o.cycleMu.Unlock()
}

// IsNotFound helps CLI callers distinguish lookup misses without importing
// the errors package everywhere.
func IsNotFound(err error) bool {
	return errors.Is(err, schemas.ErrNotFound)
}
