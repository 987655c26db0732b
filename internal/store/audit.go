package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/propmark/autopilot/api/schemas"
)

// Append writes one audit entry. Audit logging is fire-and-forget from the
// caller's point of view: failures are logged, never propagated, so a
// broken audit table cannot take the pipeline down with it.
func (s *Store) Append(ctx context.Context, entry schemas.AuditEntry) {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	var decisionID any
	if entry.DecisionID != "" {
		decisionID = entry.DecisionID
	}

	_, err := s.pool.Exec(ctx, `
        INSERT INTO audit_log (id, level, category, message, data, decision_id, created_at)
        VALUES ($1,$2,$3,$4,$5,$6,$7);`,
		entry.ID, string(entry.Level), entry.Category, entry.Message,
		nullableRaw(entry.Data), decisionID, entry.CreatedAt,
	)
	if err != nil {
		s.log.Error("Failed to append audit entry",
			zap.String("category", entry.Category),
			zap.String("message", entry.Message),
			zap.Error(err))
	}
}

// ListByDecision returns the audit trail of one decision, oldest first.
func (s *Store) ListByDecision(ctx context.Context, decisionID string) ([]schemas.AuditEntry, error) {
	rows, err := s.pool.Query(ctx, `
        SELECT id, level, category, message, data, decision_id, created_at
        FROM audit_log
        WHERE decision_id = $1
        ORDER BY created_at ASC;`, decisionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit log: %w", err)
	}
	defer rows.Close()

	var entries []schemas.AuditEntry
	for rows.Next() {
		var (
			e     schemas.AuditEntry
			level string
			did   *string
		)
		if err := rows.Scan(&e.ID, &level, &e.Category, &e.Message, &e.Data, &did, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan audit row: %w", err)
		}
		e.Level = schemas.AuditLevel(level)
		if did != nil {
			e.DecisionID = *did
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return entries, nil
}
