// Package store is the PostgreSQL implementation of the persistence
// contract: the agent_config singleton, decisions, code changes, learnings,
// and the audit log.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"github.com/propmark/autopilot/api/schemas"
)

// DBPool abstracts pgxpool.Pool so the store can be tested with pgxmock.
type DBPool interface {
	Ping(ctx context.Context) error
	Begin(ctx context.Context) (pgx.Tx, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Store provides the PostgreSQL-backed Repository and AuditLogger.
type Store struct {
	pool DBPool
	log  *zap.Logger
}

// New creates a store and verifies the connection.
func New(ctx context.Context, pool DBPool, logger *zap.Logger) (*Store, error) {
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &Store{
		pool: pool,
		log:  logger.Named("store"),
	}, nil
}

// localMidnight returns the midnight preceding now in now's location.
// Daily-limit counts are anchored here, not at a UTC boundary.
func localMidnight(now time.Time) time.Time {
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
}

// -- AgentConfig singleton --

const configRowID = 1

// GetAgentConfig fetches the singleton policy record, inserting safe
// defaults on first access.
func (s *Store) GetAgentConfig(ctx context.Context) (schemas.AgentConfig, error) {
	var (
		cfg       schemas.AgentConfig
		typesJSON []byte
		pathsJSON []byte
	)

	row := s.pool.QueryRow(ctx, `
        SELECT enabled, autonomous_mode, min_confidence, daily_decision_limit,
               daily_auto_execute_limit, allowed_autonomous_types, forbidden_paths,
               learning_enabled, feedback_loop_days, kill_switch, paused_until,
               pause_reason, notify_email, notify_on_decision, notify_on_error, updated_at
        FROM agent_config WHERE id = $1;`, configRowID)

	err := row.Scan(
		&cfg.Enabled, &cfg.AutonomousMode, &cfg.MinConfidence, &cfg.DailyDecisionLimit,
		&cfg.DailyAutoExecuteLimit, &typesJSON, &pathsJSON,
		&cfg.LearningEnabled, &cfg.FeedbackLoopDays, &cfg.KillSwitch, &cfg.PausedUntil,
		&cfg.PauseReason, &cfg.NotifyEmail, &cfg.NotifyOnDecision, &cfg.NotifyOnError, &cfg.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		defaults := schemas.DefaultAgentConfig()
		defaults.UpdatedAt = time.Now().UTC()
		if err := s.UpdateAgentConfig(ctx, defaults); err != nil {
			return schemas.AgentConfig{}, fmt.Errorf("failed to seed default agent config: %w", err)
		}
		s.log.Info("Seeded default agent config")
		return defaults, nil
	}
	if err != nil {
		return schemas.AgentConfig{}, fmt.Errorf("failed to load agent config: %w", err)
	}

	if err := json.Unmarshal(typesJSON, &cfg.AllowedAutonomousTypes); err != nil {
		return schemas.AgentConfig{}, fmt.Errorf("corrupt allowed_autonomous_types: %w", err)
	}
	if err := json.Unmarshal(pathsJSON, &cfg.ForbiddenPaths); err != nil {
		return schemas.AgentConfig{}, fmt.Errorf("corrupt forbidden_paths: %w", err)
	}
	return cfg, nil
}

// UpdateAgentConfig upserts the singleton as a whole-record write and logs
// the change. Last writer wins.
func (s *Store) UpdateAgentConfig(ctx context.Context, cfg schemas.AgentConfig) error {
	typesJSON, err := json.Marshal(cfg.AllowedAutonomousTypes)
	if err != nil {
		return fmt.Errorf("failed to marshal allowed types: %w", err)
	}
	pathsJSON, err := json.Marshal(cfg.ForbiddenPaths)
	if err != nil {
		return fmt.Errorf("failed to marshal forbidden paths: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
        INSERT INTO agent_config (
            id, enabled, autonomous_mode, min_confidence, daily_decision_limit,
            daily_auto_execute_limit, allowed_autonomous_types, forbidden_paths,
            learning_enabled, feedback_loop_days, kill_switch, paused_until,
            pause_reason, notify_email, notify_on_decision, notify_on_error, updated_at
        ) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)
        ON CONFLICT (id) DO UPDATE SET
            enabled = EXCLUDED.enabled,
            autonomous_mode = EXCLUDED.autonomous_mode,
            min_confidence = EXCLUDED.min_confidence,
            daily_decision_limit = EXCLUDED.daily_decision_limit,
            daily_auto_execute_limit = EXCLUDED.daily_auto_execute_limit,
            allowed_autonomous_types = EXCLUDED.allowed_autonomous_types,
            forbidden_paths = EXCLUDED.forbidden_paths,
            learning_enabled = EXCLUDED.learning_enabled,
            feedback_loop_days = EXCLUDED.feedback_loop_days,
            kill_switch = EXCLUDED.kill_switch,
            paused_until = EXCLUDED.paused_until,
            pause_reason = EXCLUDED.pause_reason,
            notify_email = EXCLUDED.notify_email,
            notify_on_decision = EXCLUDED.notify_on_decision,
            notify_on_error = EXCLUDED.notify_on_error,
            updated_at = EXCLUDED.updated_at;`,
		configRowID, cfg.Enabled, cfg.AutonomousMode, cfg.MinConfidence, cfg.DailyDecisionLimit,
		cfg.DailyAutoExecuteLimit, typesJSON, pathsJSON,
		cfg.LearningEnabled, cfg.FeedbackLoopDays, cfg.KillSwitch, cfg.PausedUntil,
		cfg.PauseReason, cfg.NotifyEmail, cfg.NotifyOnDecision, cfg.NotifyOnError, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to update agent config: %w", err)
	}

	s.log.Info("Agent config updated",
		zap.Bool("enabled", cfg.Enabled),
		zap.Bool("autonomous_mode", cfg.AutonomousMode),
		zap.Int("min_confidence", cfg.MinConfidence),
		zap.Bool("kill_switch", cfg.KillSwitch),
	)
	return nil
}

// -- Decisions --

const decisionColumns = `
    id, type, subtype, category, priority, confidence, reasoning,
    action_type, action_payload, snapshot, status, requires_approval, auto_execute,
    expected_impact, rollback_plan,
    approved_by, approved_at, rejected_by, rejected_at, rejection_reason,
    executed_at, execution_ms, execution_error, backup_id, proposal_url, changed_paths,
    rolled_back_by, rolled_back_at, rollback_reason,
    feedback_due_at, feedback_success, feedback_score, feedback_notes, feedback_given_at,
    created_at, updated_at`

// CreateDecision persists a freshly generated decision.
func (s *Store) CreateDecision(ctx context.Context, d *schemas.Decision) error {
	pathsJSON, err := json.Marshal(d.ChangedPaths)
	if err != nil {
		return fmt.Errorf("failed to marshal changed paths: %w", err)
	}
	now := time.Now().UTC()
	if d.CreatedAt.IsZero() {
		d.CreatedAt = now
	}
	d.UpdatedAt = now

	_, err = s.pool.Exec(ctx, `
        INSERT INTO decisions (`+decisionColumns+`)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,
                $21,$22,$23,$24,$25,$26,$27,$28,$29,$30,$31,$32,$33,$34,$35,$36);`,
		d.ID, string(d.Type), d.Subtype, string(d.Category), string(d.Priority), d.Confidence, d.Reasoning,
		string(d.Action.Type), nullableRaw(d.Action.Payload), nullableRaw(d.Snapshot), string(d.Status), d.RequiresApproval, d.AutoExecute,
		d.ExpectedImpact, d.RollbackPlan,
		d.ApprovedBy, d.ApprovedAt, d.RejectedBy, d.RejectedAt, d.RejectionReason,
		d.ExecutedAt, d.ExecutionMS, d.ExecutionError, d.BackupID, d.ProposalURL, pathsJSON,
		d.RolledBackBy, d.RolledBackAt, d.RollbackReason,
		d.FeedbackDueAt, d.FeedbackSuccess, d.FeedbackScore, d.FeedbackNotes, d.FeedbackGivenAt,
		d.CreatedAt, d.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert decision %s: %w", d.ID, err)
	}
	return nil
}

// GetDecision retrieves a decision by id, returning schemas.ErrNotFound when
// no such row exists.
func (s *Store) GetDecision(ctx context.Context, id string) (*schemas.Decision, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+decisionColumns+` FROM decisions WHERE id = $1;`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query decision: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("error during row iteration: %w", err)
		}
		return nil, fmt.Errorf("decision %s: %w", id, schemas.ErrNotFound)
	}
	d, err := scanDecision(rows)
	if err != nil {
		return nil, err
	}
	return d, nil
}

// UpdateDecision writes every mutable field back. Decisions are append-
// mutate: rows are never deleted, only transitioned.
func (s *Store) UpdateDecision(ctx context.Context, d *schemas.Decision) error {
	pathsJSON, err := json.Marshal(d.ChangedPaths)
	if err != nil {
		return fmt.Errorf("failed to marshal changed paths: %w", err)
	}
	d.UpdatedAt = time.Now().UTC()

	tag, err := s.pool.Exec(ctx, `
        UPDATE decisions SET
            status = $2, requires_approval = $3, auto_execute = $4,
            approved_by = $5, approved_at = $6, rejected_by = $7, rejected_at = $8, rejection_reason = $9,
            executed_at = $10, execution_ms = $11, execution_error = $12, backup_id = $13,
            proposal_url = $14, changed_paths = $15,
            rolled_back_by = $16, rolled_back_at = $17, rollback_reason = $18,
            feedback_due_at = $19, feedback_success = $20, feedback_score = $21,
            feedback_notes = $22, feedback_given_at = $23, updated_at = $24
        WHERE id = $1;`,
		d.ID, string(d.Status), d.RequiresApproval, d.AutoExecute,
		d.ApprovedBy, d.ApprovedAt, d.RejectedBy, d.RejectedAt, d.RejectionReason,
		d.ExecutedAt, d.ExecutionMS, d.ExecutionError, d.BackupID,
		d.ProposalURL, pathsJSON,
		d.RolledBackBy, d.RolledBackAt, d.RollbackReason,
		d.FeedbackDueAt, d.FeedbackSuccess, d.FeedbackScore,
		d.FeedbackNotes, d.FeedbackGivenAt, d.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update decision %s: %w", d.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("decision %s: %w", d.ID, schemas.ErrNotFound)
	}
	return nil
}

// CountDecisionsToday counts decisions created since local midnight.
func (s *Store) CountDecisionsToday(ctx context.Context, now time.Time) (int, error) {
	return s.countSince(ctx,
		`SELECT COUNT(*) FROM decisions WHERE created_at >= $1;`, localMidnight(now))
}

// CountAutoExecutedToday counts auto-execute decisions that reached
// EXECUTING or beyond since local midnight.
func (s *Store) CountAutoExecutedToday(ctx context.Context, now time.Time) (int, error) {
	return s.countSince(ctx, `
        SELECT COUNT(*) FROM decisions
        WHERE auto_execute AND executed_at IS NOT NULL AND executed_at >= $1;`,
		localMidnight(now))
}

func (s *Store) countSince(ctx context.Context, query string, since time.Time) (int, error) {
	var count int
	if err := s.pool.QueryRow(ctx, query, since.UTC()).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count decisions: %w", err)
	}
	return count, nil
}

// CountByStatus counts decisions currently in a status.
func (s *Store) CountByStatus(ctx context.Context, status schemas.DecisionStatus) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM decisions WHERE status = $1;`, string(status)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count decisions by status: %w", err)
	}
	return count, nil
}

// RecentDecisionExists is the dedup probe: a PENDING or APPROVED decision of
// the same type and category created after the cutoff suppresses new ones.
func (s *Store) RecentDecisionExists(ctx context.Context, t schemas.DecisionType, category schemas.OpportunityCategory, since time.Time) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `
        SELECT EXISTS (
            SELECT 1 FROM decisions
            WHERE type = $1 AND category = $2
              AND status IN ($3, $4)
              AND created_at >= $5
        );`,
		string(t), string(category),
		string(schemas.StatusPending), string(schemas.StatusApproved),
		since.UTC(),
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to probe for recent decision: %w", err)
	}
	return exists, nil
}

// ListExecutedWithFeedback returns executed decisions carrying feedback,
// newest first.
func (s *Store) ListExecutedWithFeedback(ctx context.Context) ([]schemas.Decision, error) {
	rows, err := s.pool.Query(ctx, `
        SELECT `+decisionColumns+` FROM decisions
        WHERE status = $1 AND feedback_given_at IS NOT NULL
        ORDER BY feedback_given_at DESC;`, string(schemas.StatusExecuted))
	if err != nil {
		return nil, fmt.Errorf("failed to query decisions with feedback: %w", err)
	}
	defer rows.Close()
	return collectDecisions(rows)
}

// ListExecutedByType groups all executed (or later) decisions by type for
// weak-area aggregation.
func (s *Store) ListExecutedByType(ctx context.Context) (map[schemas.DecisionType][]schemas.Decision, error) {
	rows, err := s.pool.Query(ctx, `
        SELECT `+decisionColumns+` FROM decisions
        WHERE status IN ($1, $2, $3)
        ORDER BY created_at DESC;`,
		string(schemas.StatusExecuted), string(schemas.StatusFailed), string(schemas.StatusRolledBack))
	if err != nil {
		return nil, fmt.Errorf("failed to query executed decisions: %w", err)
	}
	defer rows.Close()

	decisions, err := collectDecisions(rows)
	if err != nil {
		return nil, err
	}
	byType := make(map[schemas.DecisionType][]schemas.Decision)
	for _, d := range decisions {
		byType[d.Type] = append(byType[d.Type], d)
	}
	return byType, nil
}

// ListStaleExecuting returns decisions stuck in EXECUTING since before the
// cutoff; the orchestrator reconciles these at cycle start.
func (s *Store) ListStaleExecuting(ctx context.Context, before time.Time) ([]schemas.Decision, error) {
	rows, err := s.pool.Query(ctx, `
        SELECT `+decisionColumns+` FROM decisions
        WHERE status = $1 AND updated_at < $2;`,
		string(schemas.StatusExecuting), before.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to query stale executing decisions: %w", err)
	}
	defer rows.Close()
	return collectDecisions(rows)
}

func collectDecisions(rows pgx.Rows) ([]schemas.Decision, error) {
	var out []schemas.Decision
	for rows.Next() {
		d, err := scanDecision(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return out, nil
}

func scanDecision(rows pgx.Rows) (*schemas.Decision, error) {
	var (
		d                                       schemas.Decision
		typ, category, priority, action, status string
		actionPayload, snapshot, changedPaths   []byte
	)
	err := rows.Scan(
		&d.ID, &typ, &d.Subtype, &category, &priority, &d.Confidence, &d.Reasoning,
		&action, &actionPayload, &snapshot, &status, &d.RequiresApproval, &d.AutoExecute,
		&d.ExpectedImpact, &d.RollbackPlan,
		&d.ApprovedBy, &d.ApprovedAt, &d.RejectedBy, &d.RejectedAt, &d.RejectionReason,
		&d.ExecutedAt, &d.ExecutionMS, &d.ExecutionError, &d.BackupID, &d.ProposalURL, &changedPaths,
		&d.RolledBackBy, &d.RolledBackAt, &d.RollbackReason,
		&d.FeedbackDueAt, &d.FeedbackSuccess, &d.FeedbackScore, &d.FeedbackNotes, &d.FeedbackGivenAt,
		&d.CreatedAt, &d.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to scan decision row: %w", err)
	}

	d.Type = schemas.DecisionType(typ)
	d.Category = schemas.OpportunityCategory(category)
	d.Priority = schemas.Priority(priority)
	d.Status = schemas.DecisionStatus(status)
	d.Action = schemas.Action{Type: schemas.ActionType(action), Payload: actionPayload}
	d.Snapshot = snapshot
	if len(changedPaths) > 0 {
		if err := json.Unmarshal(changedPaths, &d.ChangedPaths); err != nil {
			return nil, fmt.Errorf("corrupt changed_paths for decision %s: %w", d.ID, err)
		}
	}
	return &d, nil
}

// nullableRaw maps empty raw JSON to NULL so the column stays clean.
func nullableRaw(raw json.RawMessage) any {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	return []byte(raw)
}
