package agent_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/propmark/autopilot/api/schemas"
	"github.com/propmark/autopilot/internal/agent"
	"github.com/propmark/autopilot/internal/engine"
	"github.com/propmark/autopilot/internal/mocks"
)

type fixture struct {
	repo        *mocks.MockRepository
	llm         *mocks.MockLLMClient
	synthesizer *mocks.MockSynthesizer
	sandbox     *mocks.MockSandbox
	deployer    *mocks.MockDeployer
	orch        *agent.Orchestrator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := zaptest.NewLogger(t)
	f := &fixture{
		repo:        new(mocks.MockRepository),
		llm:         new(mocks.MockLLMClient),
		synthesizer: new(mocks.MockSynthesizer),
		sandbox:     new(mocks.MockSandbox),
		deployer:    new(mocks.MockDeployer),
	}
	eng := engine.NewEngine(logger, f.repo, f.llm, nil)
	f.orch = agent.NewOrchestrator(logger, f.repo, mocks.NoopAuditLogger{}, eng,
		f.synthesizer, f.sandbox, f.deployer)
	return f
}

func quietSnapshot() schemas.DataSnapshot {
	// Healthy numbers: no heuristic fires, no reasoning calls happen.
	return schemas.DataSnapshot{
		CollectedAt: time.Now().UTC(),
		WindowDays:  7,
		TotalViews:  5000,
		TotalLeads:  200,
	}
}

func approvedDecision(id string) *schemas.Decision {
	payload, _ := json.Marshal(map[string]any{"topic": "riverside condos"})
	return &schemas.Decision{
		ID:         id,
		Type:       schemas.DecisionContentCreation,
		Category:   schemas.OppContentGap,
		Priority:   schemas.PriorityMedium,
		Confidence: 90,
		Reasoning:  "covers an uncovered topic",
		Action:     schemas.Action{Type: schemas.ActionGenerateContent, Payload: payload},
		Status:     schemas.StatusApproved,
		CreatedAt:  time.Now().UTC(),
	}
}

func contentBundle() *schemas.GeneratedCode {
	return &schemas.GeneratedCode{
		Files: []schemas.GeneratedFile{{
			Path:    "src/content/riverside-condos.md",
			Content: "# Riverside condos\n",
			Action:  schemas.FileCreate,
		}},
		Explanation: "new article",
	}
}

func passingSandbox() *schemas.SandboxResult {
	return &schemas.SandboxResult{Success: true, TypeCheckPassed: true, LintPassed: true}
}

func TestRunAnalysisCycle_KillSwitchBlocksEverything(t *testing.T) {
	f := newFixture(t)
	cfg := schemas.DefaultAgentConfig()
	cfg.KillSwitch = true
	f.repo.On("GetAgentConfig", mock.Anything).Return(cfg, nil)

	_, err := f.orch.RunAnalysisCycle(context.Background(), quietSnapshot())
	assert.ErrorIs(t, err, schemas.ErrAgentDisabled)
	f.repo.AssertNotCalled(t, "CreateDecision", mock.Anything, mock.Anything)
	f.llm.AssertNotCalled(t, "Generate", mock.Anything, mock.Anything)
}

func TestRunAnalysisCycle_DisabledAgentBlocks(t *testing.T) {
	f := newFixture(t)
	cfg := schemas.DefaultAgentConfig()
	cfg.Enabled = false
	f.repo.On("GetAgentConfig", mock.Anything).Return(cfg, nil)

	_, err := f.orch.RunAnalysisCycle(context.Background(), quietSnapshot())
	assert.ErrorIs(t, err, schemas.ErrAgentDisabled)
}

func TestRunAnalysisCycle_PauseWindowBlocks(t *testing.T) {
	f := newFixture(t)
	cfg := schemas.DefaultAgentConfig()
	until := time.Now().Add(2 * time.Hour)
	cfg.PausedUntil = &until
	cfg.PauseReason = "maintenance window"
	f.repo.On("GetAgentConfig", mock.Anything).Return(cfg, nil)

	_, err := f.orch.RunAnalysisCycle(context.Background(), quietSnapshot())
	require.ErrorIs(t, err, schemas.ErrAgentPaused)
	assert.Contains(t, err.Error(), "maintenance window")
}

func TestRunAnalysisCycle_ExpiredPauseRuns(t *testing.T) {
	f := newFixture(t)
	cfg := schemas.DefaultAgentConfig()
	past := time.Now().Add(-time.Hour)
	cfg.PausedUntil = &past
	f.repo.On("GetAgentConfig", mock.Anything).Return(cfg, nil)
	f.repo.On("CountDecisionsToday", mock.Anything, mock.Anything).Return(0, nil)
	f.repo.On("CountAutoExecutedToday", mock.Anything, mock.Anything).Return(0, nil)
	f.repo.On("ListStaleExecuting", mock.Anything, mock.Anything).Return(nil, nil)

	result, err := f.orch.RunAnalysisCycle(context.Background(), quietSnapshot())
	require.NoError(t, err)
	assert.Empty(t, result.Decisions)
}

func TestRunAnalysisCycle_DailyLimitReached(t *testing.T) {
	f := newFixture(t)
	cfg := schemas.DefaultAgentConfig()
	cfg.DailyDecisionLimit = 10
	f.repo.On("GetAgentConfig", mock.Anything).Return(cfg, nil)
	f.repo.On("CountDecisionsToday", mock.Anything, mock.Anything).Return(10, nil)

	_, err := f.orch.RunAnalysisCycle(context.Background(), quietSnapshot())
	assert.ErrorIs(t, err, schemas.ErrDailyLimitReached)
	f.repo.AssertNotCalled(t, "CreateDecision", mock.Anything, mock.Anything)
}

func TestRunAnalysisCycle_SingleFlight(t *testing.T) {
	f := newFixture(t)
	cfg := schemas.DefaultAgentConfig()
	release := make(chan struct{})
	entered := make(chan struct{})
	f.repo.On("GetAgentConfig", mock.Anything).
		Run(func(mock.Arguments) {
			close(entered)
			<-release
		}).
		Return(cfg, nil).Once()
	f.repo.On("GetAgentConfig", mock.Anything).Return(cfg, nil)
	f.repo.On("CountDecisionsToday", mock.Anything, mock.Anything).Return(0, nil)
	f.repo.On("CountAutoExecutedToday", mock.Anything, mock.Anything).Return(0, nil)
	f.repo.On("ListStaleExecuting", mock.Anything, mock.Anything).Return(nil, nil)

	done := make(chan error, 1)
	go func() {
		_, err := f.orch.RunAnalysisCycle(context.Background(), quietSnapshot())
		done <- err
	}()
	<-entered

	_, err := f.orch.RunAnalysisCycle(context.Background(), quietSnapshot())
	assert.ErrorIs(t, err, schemas.ErrCycleInProgress)

	close(release)
	require.NoError(t, <-done)
}

func TestRunAnalysisCycle_ReconcilesStaleExecuting(t *testing.T) {
	f := newFixture(t)
	stale := schemas.Decision{
		ID:     "stale-1",
		Status: schemas.StatusExecuting,
	}
	f.repo.On("GetAgentConfig", mock.Anything).Return(schemas.DefaultAgentConfig(), nil)
	f.repo.On("CountDecisionsToday", mock.Anything, mock.Anything).Return(0, nil)
	f.repo.On("CountAutoExecutedToday", mock.Anything, mock.Anything).Return(0, nil)
	f.repo.On("ListStaleExecuting", mock.Anything, mock.Anything).Return([]schemas.Decision{stale}, nil)
	f.repo.On("UpdateDecision", mock.Anything, mock.MatchedBy(func(d *schemas.Decision) bool {
		return d.ID == "stale-1" &&
			d.Status == schemas.StatusFailed &&
			d.ExecutionError != ""
	})).Return(nil).Once()

	_, err := f.orch.RunAnalysisCycle(context.Background(), quietSnapshot())
	require.NoError(t, err)
	f.repo.AssertExpectations(t)
}

// autonomousCycleFixture configures a cycle that generates exactly one
// auto-executable data_quality decision through the real engine.
func autonomousCycleFixture(t *testing.T) (*fixture, schemas.DataSnapshot) {
	f := newFixture(t)
	cfg := schemas.DefaultAgentConfig()
	cfg.AutonomousMode = true
	cfg.AllowedAutonomousTypes = []schemas.DecisionType{schemas.DecisionDataQuality}

	snapshot := schemas.DataSnapshot{
		CollectedAt:     time.Now().UTC(),
		WindowDays:      7,
		TotalViews:      5000,
		TotalLeads:      200,
		MissingMetadata: 15,
	}

	f.repo.On("GetAgentConfig", mock.Anything).Return(cfg, nil)
	f.repo.On("CountDecisionsToday", mock.Anything, mock.Anything).Return(0, nil)
	f.repo.On("ListStaleExecuting", mock.Anything, mock.Anything).Return(nil, nil)
	f.repo.On("RecentDecisionExists", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(false, nil)
	f.llm.On("Generate", mock.Anything, mock.Anything).Return(`{
		"type": "data_quality",
		"subtype": "metadata_backfill",
		"priority": "medium",
		"confidence": 95,
		"reasoning": "backfill missing metadata",
		"action": {"type": "update_metadata", "payload": {"entity_type": "listings", "fields": ["title"]}},
		"auto_execute": true
	}`, nil)
	f.repo.On("CreateDecision", mock.Anything, mock.Anything).Return(nil)
	return f, snapshot
}

func TestRunAnalysisCycle_AutoExecuteQuotaExhausted(t *testing.T) {
	f, snapshot := autonomousCycleFixture(t)
	// Quota already spent today: the decision stays approved-but-unexecuted.
	f.repo.On("CountAutoExecutedToday", mock.Anything, mock.Anything).
		Return(schemas.DefaultAgentConfig().DailyAutoExecuteLimit, nil)

	result, err := f.orch.RunAnalysisCycle(context.Background(), snapshot)
	require.NoError(t, err)
	require.Len(t, result.Decisions, 1)
	assert.True(t, result.Decisions[0].AutoExecute)
	assert.Empty(t, result.Executed)
	f.synthesizer.AssertNotCalled(t, "Synthesize", mock.Anything, mock.Anything)
}

func TestRunAnalysisCycle_AutoExecutesWithinQuota(t *testing.T) {
	f, snapshot := autonomousCycleFixture(t)
	f.repo.On("CountAutoExecutedToday", mock.Anything, mock.Anything).Return(0, nil)

	bundle := contentBundle()
	f.repo.On("GetDecision", mock.Anything, mock.Anything).Return(approvedDecision("auto-1"), nil)
	f.repo.On("UpdateDecision", mock.Anything, mock.Anything).Return(nil)
	f.synthesizer.On("Synthesize", mock.Anything, mock.Anything).Return(bundle, nil)
	f.sandbox.On("Validate", mock.Anything, bundle).Return(passingSandbox(), nil)
	f.deployer.On("Deploy", mock.Anything, mock.Anything, bundle, mock.Anything, mock.Anything).
		Return(&schemas.DeployResult{ChangedPaths: bundle.Paths(), BackupID: "b1"}, nil)

	result, err := f.orch.RunAnalysisCycle(context.Background(), snapshot)
	require.NoError(t, err)
	require.Len(t, result.Executed, 1)
	assert.True(t, result.Executed[0].Success)
}

func TestExecuteDecision_FullPipelineSuccess(t *testing.T) {
	f := newFixture(t)
	d := approvedDecision("d1")
	bundle := contentBundle()

	f.repo.On("GetDecision", mock.Anything, "d1").Return(d, nil)
	f.repo.On("GetAgentConfig", mock.Anything).Return(schemas.DefaultAgentConfig(), nil)
	f.repo.On("UpdateDecision", mock.Anything, mock.MatchedBy(func(d *schemas.Decision) bool {
		return d.Status == schemas.StatusExecuting
	})).Return(nil).Once()
	f.synthesizer.On("Synthesize", mock.Anything, d).Return(bundle, nil)
	f.sandbox.On("Validate", mock.Anything, bundle).Return(passingSandbox(), nil)
	f.deployer.On("Deploy", mock.Anything, d, bundle, mock.Anything, mock.Anything).
		Return(&schemas.DeployResult{
			ChangedPaths: bundle.Paths(),
			BackupID:     "backup-123",
		}, nil)
	f.repo.On("UpdateDecision", mock.Anything, mock.MatchedBy(func(d *schemas.Decision) bool {
		return d.Status == schemas.StatusExecuted &&
			d.BackupID == "backup-123" &&
			d.ExecutedAt != nil &&
			d.FeedbackDueAt != nil
	})).Return(nil).Once()

	result, err := f.orch.ExecuteDecision(context.Background(), "d1")
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.True(t, result.RollbackAvailable)
	assert.Equal(t, []string{"src/content/riverside-condos.md"}, result.ChangedPaths)
	f.repo.AssertExpectations(t)
}

func TestExecuteDecision_SandboxFailurePreservesErrorsVerbatim(t *testing.T) {
	f := newFixture(t)
	d := approvedDecision("d2")
	bundle := contentBundle()

	f.repo.On("GetDecision", mock.Anything, "d2").Return(d, nil)
	f.repo.On("GetAgentConfig", mock.Anything).Return(schemas.DefaultAgentConfig(), nil)
	f.repo.On("UpdateDecision", mock.Anything, mock.Anything).Return(nil)
	f.synthesizer.On("Synthesize", mock.Anything, d).Return(bundle, nil)
	f.sandbox.On("Validate", mock.Anything, bundle).Return(&schemas.SandboxResult{
		Success: false,
		Errors:  []string{"line 3: unexpected token", "line 9: undefined symbol"},
	}, nil)

	result, err := f.orch.ExecuteDecision(context.Background(), "d2")
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Equal(t, "line 3: unexpected token\nline 9: undefined symbol", result.Error)
	assert.Equal(t, schemas.StatusFailed, d.Status)
	assert.Equal(t, "line 3: unexpected token\nline 9: undefined symbol", d.ExecutionError)
	f.deployer.AssertNotCalled(t, "Deploy", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestExecuteDecision_ForbiddenPathRejectedBeforeSandbox(t *testing.T) {
	f := newFixture(t)
	d := approvedDecision("d3")
	bundle := &schemas.GeneratedCode{
		Files: []schemas.GeneratedFile{{
			Path:    ".env",
			Content: "API_KEY=stolen",
			Action:  schemas.FileModify,
		}},
	}

	f.repo.On("GetDecision", mock.Anything, "d3").Return(d, nil)
	f.repo.On("GetAgentConfig", mock.Anything).Return(schemas.DefaultAgentConfig(), nil)
	f.repo.On("UpdateDecision", mock.Anything, mock.Anything).Return(nil)
	f.synthesizer.On("Synthesize", mock.Anything, d).Return(bundle, nil)

	result, err := f.orch.ExecuteDecision(context.Background(), "d3")
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Contains(t, result.Error, ".env")
	assert.Equal(t, schemas.StatusFailed, d.Status)

	// No sandbox run, no deployment, no code changes recorded.
	f.sandbox.AssertNotCalled(t, "Validate", mock.Anything, mock.Anything)
	f.deployer.AssertNotCalled(t, "Deploy", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	f.repo.AssertNotCalled(t, "CreateCodeChange", mock.Anything, mock.Anything)
}

func TestExecuteDecision_RejectsNonExecutableStates(t *testing.T) {
	for _, status := range []schemas.DecisionStatus{
		schemas.StatusRejected,
		schemas.StatusExecuting,
		schemas.StatusExecuted,
		schemas.StatusFailed,
		schemas.StatusRolledBack,
	} {
		t.Run(string(status), func(t *testing.T) {
			f := newFixture(t)
			d := approvedDecision("d4")
			d.Status = status
			f.repo.On("GetDecision", mock.Anything, "d4").Return(d, nil)

			_, err := f.orch.ExecuteDecision(context.Background(), "d4")
			assert.ErrorIs(t, err, schemas.ErrInvalidState)
		})
	}
}

func TestExecuteDecision_SynthesisFailureMarksFailed(t *testing.T) {
	f := newFixture(t)
	d := approvedDecision("d5")
	f.repo.On("GetDecision", mock.Anything, "d5").Return(d, nil)
	f.repo.On("GetAgentConfig", mock.Anything).Return(schemas.DefaultAgentConfig(), nil)
	f.repo.On("UpdateDecision", mock.Anything, mock.Anything).Return(nil)
	f.synthesizer.On("Synthesize", mock.Anything, d).Return(nil, errors.New("model returned garbage"))

	result, err := f.orch.ExecuteDecision(context.Background(), "d5")
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "model returned garbage")
	assert.Equal(t, schemas.StatusFailed, d.Status)
}

func TestApproveAndReject(t *testing.T) {
	t.Run("approve pending", func(t *testing.T) {
		f := newFixture(t)
		d := approvedDecision("d6")
		d.Status = schemas.StatusPending
		f.repo.On("GetDecision", mock.Anything, "d6").Return(d, nil)
		f.repo.On("UpdateDecision", mock.Anything, mock.MatchedBy(func(d *schemas.Decision) bool {
			return d.Status == schemas.StatusApproved && d.ApprovedBy == "ana" && d.ApprovedAt != nil
		})).Return(nil)

		require.NoError(t, f.orch.Approve(context.Background(), "d6", "ana"))
	})

	t.Run("approve non-pending fails", func(t *testing.T) {
		f := newFixture(t)
		d := approvedDecision("d7")
		f.repo.On("GetDecision", mock.Anything, "d7").Return(d, nil)
		assert.ErrorIs(t, f.orch.Approve(context.Background(), "d7", "ana"), schemas.ErrInvalidState)
	})

	t.Run("reject records reason", func(t *testing.T) {
		f := newFixture(t)
		d := approvedDecision("d8")
		d.Status = schemas.StatusPending
		f.repo.On("GetDecision", mock.Anything, "d8").Return(d, nil)
		f.repo.On("UpdateDecision", mock.Anything, mock.MatchedBy(func(d *schemas.Decision) bool {
			return d.Status == schemas.StatusRejected && d.RejectionReason == "wrong topic"
		})).Return(nil)

		require.NoError(t, f.orch.Reject(context.Background(), "d8", "ana", "wrong topic"))
	})
}

func TestRollback(t *testing.T) {
	t.Run("direct mode without backup is unavailable", func(t *testing.T) {
		f := newFixture(t)
		d := approvedDecision("d9")
		d.Status = schemas.StatusExecuted
		d.BackupID = ""
		f.repo.On("GetDecision", mock.Anything, "d9").Return(d, nil)
		f.deployer.On("Mode").Return(schemas.ModeDirect)

		err := f.orch.Rollback(context.Background(), "d9", "ana", "broke layout")
		assert.ErrorIs(t, err, schemas.ErrRollbackUnavailable)
		f.deployer.AssertNotCalled(t, "Rollback", mock.Anything, mock.Anything)
	})

	t.Run("executed decision rolls back", func(t *testing.T) {
		f := newFixture(t)
		d := approvedDecision("d10")
		d.Status = schemas.StatusExecuted
		d.BackupID = "backup-9"
		f.repo.On("GetDecision", mock.Anything, "d10").Return(d, nil)
		f.deployer.On("Mode").Return(schemas.ModeDirect)
		f.deployer.On("Rollback", mock.Anything, d).Return(nil)
		f.repo.On("UpdateDecision", mock.Anything, mock.MatchedBy(func(d *schemas.Decision) bool {
			return d.Status == schemas.StatusRolledBack &&
				d.RolledBackBy == "ana" &&
				d.RollbackReason == "broke layout"
		})).Return(nil)

		require.NoError(t, f.orch.Rollback(context.Background(), "d10", "ana", "broke layout"))
	})

	t.Run("only executed decisions roll back", func(t *testing.T) {
		f := newFixture(t)
		d := approvedDecision("d11")
		f.repo.On("GetDecision", mock.Anything, "d11").Return(d, nil)
		assert.ErrorIs(t, f.orch.Rollback(context.Background(), "d11", "ana", "r"), schemas.ErrInvalidState)
	})
}

func TestProvideFeedback(t *testing.T) {
	t.Run("high scoring success mints a learning", func(t *testing.T) {
		f := newFixture(t)
		d := approvedDecision("d12")
		d.Status = schemas.StatusExecuted
		f.repo.On("GetDecision", mock.Anything, "d12").Return(d, nil)
		f.repo.On("UpdateDecision", mock.Anything, mock.MatchedBy(func(d *schemas.Decision) bool {
			return d.FeedbackSuccess != nil && *d.FeedbackSuccess &&
				d.FeedbackScore != nil && *d.FeedbackScore == 92
		})).Return(nil)
		f.repo.On("CreateLearning", mock.Anything, mock.MatchedBy(func(l *schemas.Learning) bool {
			return l.Category == schemas.LearningSuccessPattern &&
				l.SourceDecisionID == "d12" &&
				l.SuggestedAdjustment == schemas.AdjustIncreaseConfidence &&
				l.Confidence == 92
		})).Return(nil).Once()

		require.NoError(t, f.orch.ProvideFeedback(context.Background(), "d12", true, 92, "great article"))
		f.repo.AssertExpectations(t)
	})

	t.Run("low score records no learning", func(t *testing.T) {
		f := newFixture(t)
		d := approvedDecision("d13")
		d.Status = schemas.StatusExecuted
		f.repo.On("GetDecision", mock.Anything, "d13").Return(d, nil)
		f.repo.On("UpdateDecision", mock.Anything, mock.Anything).Return(nil)

		require.NoError(t, f.orch.ProvideFeedback(context.Background(), "d13", true, 60, "mediocre"))
		f.repo.AssertNotCalled(t, "CreateLearning", mock.Anything, mock.Anything)
	})

	t.Run("feedback requires a terminal executed state", func(t *testing.T) {
		f := newFixture(t)
		d := approvedDecision("d14")
		f.repo.On("GetDecision", mock.Anything, "d14").Return(d, nil)
		err := f.orch.ProvideFeedback(context.Background(), "d14", true, 90, "")
		assert.ErrorIs(t, err, schemas.ErrInvalidState)
	})
}

func TestEmergencyStopAndResume(t *testing.T) {
	f := newFixture(t)
	cfg := schemas.DefaultAgentConfig()
	f.repo.On("GetAgentConfig", mock.Anything).Return(cfg, nil)
	f.repo.On("UpdateAgentConfig", mock.Anything, mock.MatchedBy(func(c schemas.AgentConfig) bool {
		return c.KillSwitch
	})).Return(nil).Once()

	require.NoError(t, f.orch.EmergencyStop(context.Background(), "rogue content detected"))

	f.repo.On("UpdateAgentConfig", mock.Anything, mock.MatchedBy(func(c schemas.AgentConfig) bool {
		return !c.KillSwitch && c.PausedUntil == nil && c.PauseReason == ""
	})).Return(nil).Once()
	require.NoError(t, f.orch.Resume(context.Background()))
	f.repo.AssertExpectations(t)
}

func TestState(t *testing.T) {
	f := newFixture(t)
	f.repo.On("CountDecisionsToday", mock.Anything, mock.Anything).Return(4, nil)
	f.repo.On("CountAutoExecutedToday", mock.Anything, mock.Anything).Return(1, nil)
	f.repo.On("CountByStatus", mock.Anything, schemas.StatusPending).Return(2, nil)

	state, err := f.orch.State(context.Background())
	require.NoError(t, err)
	assert.False(t, state.CycleRunning)
	assert.Equal(t, 4, state.Today.DecisionsCreated)
	assert.Equal(t, 1, state.Today.AutoExecuted)
	assert.Equal(t, 2, state.PendingDecisions)
}
