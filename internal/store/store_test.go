package store

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/propmark/autopilot/api/schemas"
)

// flexibleSQLMatcher builds a whitespace-insensitive regex for SQL
// expectations so formatting changes do not break the mocks.
func flexibleSQLMatcher(sql string) string {
	trimmed := strings.TrimSpace(sql)
	return regexp.MustCompile(`\s+`).ReplaceAllString(regexp.QuoteMeta(trimmed), `\s+`)
}

func newMockStore(t *testing.T) (*Store, pgxmock.PgxPoolIface) {
	t.Helper()
	mockPool, err := pgxmock.NewPool(pgxmock.MonitorPingsOption(true))
	require.NoError(t, err)
	t.Cleanup(mockPool.Close)

	mockPool.ExpectPing()
	s, err := New(context.Background(), mockPool, zap.NewNop())
	require.NoError(t, err)
	return s, mockPool
}

func TestNew_PingFailure(t *testing.T) {
	mockPool, err := pgxmock.NewPool(pgxmock.MonitorPingsOption(true))
	require.NoError(t, err)
	defer mockPool.Close()

	pingErr := errors.New("database unavailable")
	mockPool.ExpectPing().WillReturnError(pingErr)

	_, err = New(context.Background(), mockPool, zap.NewNop())
	require.Error(t, err)
	assert.ErrorIs(t, err, pingErr)
	assert.NoError(t, mockPool.ExpectationsWereMet())
}

func TestGetAgentConfig_SeedsDefaultsOnFirstAccess(t *testing.T) {
	s, mockPool := newMockStore(t)

	mockPool.ExpectQuery(flexibleSQLMatcher(`SELECT enabled, autonomous_mode`)).
		WithArgs(configRowID).
		WillReturnError(pgx.ErrNoRows)
	mockPool.ExpectExec(flexibleSQLMatcher(`INSERT INTO agent_config`)).
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	cfg, err := s.GetAgentConfig(context.Background())
	require.NoError(t, err)

	// The safe defaults: enabled, not autonomous, conservative limits.
	assert.True(t, cfg.Enabled)
	assert.False(t, cfg.AutonomousMode)
	assert.Equal(t, 85, cfg.MinConfidence)
	assert.Equal(t, 10, cfg.DailyDecisionLimit)
	assert.Equal(t, 3, cfg.DailyAutoExecuteLimit)
	assert.Contains(t, cfg.ForbiddenPaths, ".env")
	assert.NoError(t, mockPool.ExpectationsWereMet())
}

func TestGetAgentConfig_ExistingRow(t *testing.T) {
	s, mockPool := newMockStore(t)

	now := time.Now().UTC()
	rows := pgxmock.NewRows([]string{
		"enabled", "autonomous_mode", "min_confidence", "daily_decision_limit",
		"daily_auto_execute_limit", "allowed_autonomous_types", "forbidden_paths",
		"learning_enabled", "feedback_loop_days", "kill_switch", "paused_until",
		"pause_reason", "notify_email", "notify_on_decision", "notify_on_error", "updated_at",
	}).AddRow(
		true, true, 90, 20,
		5, []byte(`["content_creation"]`), []byte(`[".env"]`),
		true, 7, false, nil,
		"", "ops@example.com", true, false, now,
	)
	mockPool.ExpectQuery(flexibleSQLMatcher(`SELECT enabled, autonomous_mode`)).
		WithArgs(configRowID).
		WillReturnRows(rows)

	cfg, err := s.GetAgentConfig(context.Background())
	require.NoError(t, err)
	assert.True(t, cfg.AutonomousMode)
	assert.Equal(t, 90, cfg.MinConfidence)
	assert.Equal(t, []schemas.DecisionType{schemas.DecisionContentCreation}, cfg.AllowedAutonomousTypes)
	assert.Equal(t, []string{".env"}, cfg.ForbiddenPaths)
	assert.NoError(t, mockPool.ExpectationsWereMet())
}

func TestLocalMidnightBoundary(t *testing.T) {
	loc := time.FixedZone("UTC+11", 11*3600)
	now := time.Date(2026, 3, 14, 0, 30, 0, 0, loc)

	midnight := localMidnight(now)
	assert.Equal(t, time.Date(2026, 3, 14, 0, 0, 0, 0, loc), midnight)
	// 00:30 local is still "today" locally even though UTC is the prior day.
	assert.Equal(t, 13, midnight.UTC().Day())
}

func TestCountDecisionsToday_AnchorsAtLocalMidnight(t *testing.T) {
	s, mockPool := newMockStore(t)

	loc := time.FixedZone("UTC-5", -5*3600)
	now := time.Date(2026, 6, 1, 8, 15, 0, 0, loc)
	expectedCutoff := time.Date(2026, 6, 1, 0, 0, 0, 0, loc).UTC()

	mockPool.ExpectQuery(flexibleSQLMatcher(`SELECT COUNT(*) FROM decisions WHERE created_at >= $1;`)).
		WithArgs(expectedCutoff).
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(4))

	count, err := s.CountDecisionsToday(context.Background(), now)
	require.NoError(t, err)
	assert.Equal(t, 4, count)
	assert.NoError(t, mockPool.ExpectationsWereMet())
}

func TestCountAutoExecutedToday(t *testing.T) {
	s, mockPool := newMockStore(t)

	mockPool.ExpectQuery(flexibleSQLMatcher(`SELECT COUNT(*) FROM decisions
        WHERE auto_execute AND executed_at IS NOT NULL AND executed_at >= $1;`)).
		WithArgs(pgxmock.AnyArg()).
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(2))

	count, err := s.CountAutoExecutedToday(context.Background(), time.Now())
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestUpdateDecision_MissingRowIsNotFound(t *testing.T) {
	s, mockPool := newMockStore(t)

	mockPool.ExpectExec(flexibleSQLMatcher(`UPDATE decisions SET`)).
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := s.UpdateDecision(context.Background(), &schemas.Decision{ID: "ghost"})
	assert.ErrorIs(t, err, schemas.ErrNotFound)
	assert.NoError(t, mockPool.ExpectationsWereMet())
}

func TestGetDecision_NotFound(t *testing.T) {
	s, mockPool := newMockStore(t)

	mockPool.ExpectQuery(flexibleSQLMatcher(`SELECT`)).
		WithArgs("missing").
		WillReturnRows(pgxmock.NewRows([]string{"id"}))

	_, err := s.GetDecision(context.Background(), "missing")
	assert.ErrorIs(t, err, schemas.ErrNotFound)
}

func TestRecentDecisionExists(t *testing.T) {
	s, mockPool := newMockStore(t)

	since := time.Now().Add(-24 * time.Hour)
	mockPool.ExpectQuery(flexibleSQLMatcher(`SELECT EXISTS`)).
		WithArgs("content_creation", "content_gap", "pending", "approved", since.UTC()).
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(true))

	exists, err := s.RecentDecisionExists(context.Background(),
		schemas.DecisionContentCreation, schemas.OppContentGap, since)
	require.NoError(t, err)
	assert.True(t, exists)
	assert.NoError(t, mockPool.ExpectationsWereMet())
}

func TestInvalidateLearning_MissingRowIsNotFound(t *testing.T) {
	s, mockPool := newMockStore(t)

	mockPool.ExpectExec(flexibleSQLMatcher(`UPDATE learnings SET valid = FALSE WHERE id = $1;`)).
		WithArgs("ghost").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := s.InvalidateLearning(context.Background(), "ghost")
	assert.ErrorIs(t, err, schemas.ErrNotFound)
}

func TestListLearningsByCategory(t *testing.T) {
	s, mockPool := newMockStore(t)

	now := time.Now().UTC()
	rows := pgxmock.NewRows([]string{
		"id", "category", "insight", "confidence", "impact_area",
		"suggested_adjustment", "source_decision_id", "valid", "created_at",
	}).AddRow(
		"l1", "failure_pattern", "fixes without repro steps fail", 70, "bug_fix",
		"decrease_confidence", "", true, now,
	)
	mockPool.ExpectQuery(flexibleSQLMatcher(`SELECT id, category, insight`)).
		WithArgs("failure_pattern", 5).
		WillReturnRows(rows)

	learnings, err := s.ListLearningsByCategory(context.Background(), schemas.LearningFailurePattern, 5)
	require.NoError(t, err)
	require.Len(t, learnings, 1)
	assert.Equal(t, schemas.LearningFailurePattern, learnings[0].Category)
	assert.Equal(t, "bug_fix", learnings[0].ImpactArea)
}

func TestCreateCodeChange(t *testing.T) {
	s, mockPool := newMockStore(t)

	original := "old content"
	change := &schemas.CodeChange{
		ID:              "c1",
		DecisionID:      "d1",
		Path:            "src/a.md",
		Action:          schemas.FileModify,
		OriginalContent: &original,
		NewContent:      "new content",
		Validated:       true,
	}
	mockPool.ExpectExec(flexibleSQLMatcher(`INSERT INTO code_changes`)).
		WithArgs("c1", "d1", "src/a.md", "MODIFY", &original, "new content",
			true, pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, s.CreateCodeChange(context.Background(), change))
	assert.False(t, change.CreatedAt.IsZero(), "CreatedAt is stamped on insert")
	assert.NoError(t, mockPool.ExpectationsWereMet())
}
