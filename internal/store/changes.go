package store

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/propmark/autopilot/api/schemas"
)

// -- CodeChange audit trail --

// CreateCodeChange records one per-file change row for a deployment.
func (s *Store) CreateCodeChange(ctx context.Context, c *schemas.CodeChange) error {
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx, `
        INSERT INTO code_changes (
            id, decision_id, path, action, original_content, new_content,
            validated, applied_at, rolled_back_at, created_at
        ) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10);`,
		c.ID, c.DecisionID, c.Path, string(c.Action), c.OriginalContent, c.NewContent,
		c.Validated, c.AppliedAt, c.RolledBackAt, c.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert code change for %s: %w", c.Path, err)
	}
	return nil
}

// ListCodeChanges returns the per-file records of a decision in apply order.
func (s *Store) ListCodeChanges(ctx context.Context, decisionID string) ([]schemas.CodeChange, error) {
	rows, err := s.pool.Query(ctx, `
        SELECT id, decision_id, path, action, original_content, new_content,
               validated, applied_at, rolled_back_at, created_at
        FROM code_changes
        WHERE decision_id = $1
        ORDER BY created_at ASC;`, decisionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query code changes: %w", err)
	}
	defer rows.Close()

	var changes []schemas.CodeChange
	for rows.Next() {
		var (
			c      schemas.CodeChange
			action string
		)
		err := rows.Scan(
			&c.ID, &c.DecisionID, &c.Path, &action, &c.OriginalContent, &c.NewContent,
			&c.Validated, &c.AppliedAt, &c.RolledBackAt, &c.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan code change row: %w", err)
		}
		c.Action = schemas.FileAction(action)
		changes = append(changes, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return changes, nil
}

// MarkCodeChangesRolledBack stamps every change row of a decision.
func (s *Store) MarkCodeChangesRolledBack(ctx context.Context, decisionID string, at time.Time) error {
	_, err := s.pool.Exec(ctx, `
        UPDATE code_changes SET rolled_back_at = $2 WHERE decision_id = $1;`,
		decisionID, at.UTC())
	if err != nil {
		return fmt.Errorf("failed to mark code changes rolled back: %w", err)
	}
	return nil
}

// -- Learnings --

// CreateLearning appends a calibration record.
func (s *Store) CreateLearning(ctx context.Context, l *schemas.Learning) error {
	if l.CreatedAt.IsZero() {
		l.CreatedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx, `
        INSERT INTO learnings (
            id, category, insight, confidence, impact_area,
            suggested_adjustment, source_decision_id, valid, created_at
        ) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9);`,
		l.ID, string(l.Category), l.Insight, l.Confidence, l.ImpactArea,
		l.SuggestedAdjustment, l.SourceDecisionID, l.Valid, l.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert learning: %w", err)
	}
	s.log.Debug("Learning recorded",
		zap.String("category", string(l.Category)),
		zap.String("impact_area", l.ImpactArea))
	return nil
}

// ListLearnings returns the most recent valid learnings for the given
// impact areas, newest first, at most limit.
func (s *Store) ListLearnings(ctx context.Context, areas []string, limit int) ([]schemas.Learning, error) {
	rows, err := s.pool.Query(ctx, `
        SELECT id, category, insight, confidence, impact_area,
               suggested_adjustment, source_decision_id, valid, created_at
        FROM learnings
        WHERE valid AND impact_area = ANY($1)
        ORDER BY created_at DESC
        LIMIT $2;`, areas, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query learnings: %w", err)
	}
	defer rows.Close()

	var out []schemas.Learning
	for rows.Next() {
		var (
			l   schemas.Learning
			cat string
		)
		err := rows.Scan(
			&l.ID, &cat, &l.Insight, &l.Confidence, &l.ImpactArea,
			&l.SuggestedAdjustment, &l.SourceDecisionID, &l.Valid, &l.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan learning row: %w", err)
		}
		l.Category = schemas.LearningCategory(cat)
		out = append(out, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return out, nil
}

// ListLearningsByCategory returns the most recent valid learnings of one
// category, newest first, at most limit.
func (s *Store) ListLearningsByCategory(ctx context.Context, category schemas.LearningCategory, limit int) ([]schemas.Learning, error) {
	rows, err := s.pool.Query(ctx, `
        SELECT id, category, insight, confidence, impact_area,
               suggested_adjustment, source_decision_id, valid, created_at
        FROM learnings
        WHERE valid AND category = $1
        ORDER BY created_at DESC
        LIMIT $2;`, string(category), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query learnings: %w", err)
	}
	defer rows.Close()

	var out []schemas.Learning
	for rows.Next() {
		var (
			l   schemas.Learning
			cat string
		)
		err := rows.Scan(
			&l.ID, &cat, &l.Insight, &l.Confidence, &l.ImpactArea,
			&l.SuggestedAdjustment, &l.SourceDecisionID, &l.Valid, &l.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan learning row: %w", err)
		}
		l.Category = schemas.LearningCategory(cat)
		out = append(out, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return out, nil
}

// InvalidateLearning flips the validity flag; learnings are never deleted.
func (s *Store) InvalidateLearning(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE learnings SET valid = FALSE WHERE id = $1;`, id)
	if err != nil {
		return fmt.Errorf("failed to invalidate learning: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("learning %s: %w", id, schemas.ErrNotFound)
	}
	return nil
}
