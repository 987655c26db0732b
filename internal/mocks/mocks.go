// Package mocks provides shared testify mocks for the agent's ports so the
// pipeline packages can be tested without a database, a model endpoint, or
// a working tree.
package mocks

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/propmark/autopilot/api/schemas"
)

// -- Repository Mock --

// MockRepository mocks the schemas.Repository interface.
type MockRepository struct {
	mock.Mock
}

func (m *MockRepository) GetAgentConfig(ctx context.Context) (schemas.AgentConfig, error) {
	args := m.Called(ctx)
	var r0 schemas.AgentConfig
	if args.Get(0) != nil {
		r0 = args.Get(0).(schemas.AgentConfig)
	}
	return r0, args.Error(1)
}

func (m *MockRepository) UpdateAgentConfig(ctx context.Context, cfg schemas.AgentConfig) error {
	args := m.Called(ctx, cfg)
	return args.Error(0)
}

func (m *MockRepository) CreateDecision(ctx context.Context, d *schemas.Decision) error {
	args := m.Called(ctx, d)
	return args.Error(0)
}

func (m *MockRepository) GetDecision(ctx context.Context, id string) (*schemas.Decision, error) {
	args := m.Called(ctx, id)
	var r0 *schemas.Decision
	if args.Get(0) != nil {
		r0 = args.Get(0).(*schemas.Decision)
	}
	return r0, args.Error(1)
}

func (m *MockRepository) UpdateDecision(ctx context.Context, d *schemas.Decision) error {
	args := m.Called(ctx, d)
	return args.Error(0)
}

func (m *MockRepository) CountDecisionsToday(ctx context.Context, now time.Time) (int, error) {
	args := m.Called(ctx, now)
	return args.Int(0), args.Error(1)
}

func (m *MockRepository) CountAutoExecutedToday(ctx context.Context, now time.Time) (int, error) {
	args := m.Called(ctx, now)
	return args.Int(0), args.Error(1)
}

func (m *MockRepository) CountByStatus(ctx context.Context, status schemas.DecisionStatus) (int, error) {
	args := m.Called(ctx, status)
	return args.Int(0), args.Error(1)
}

func (m *MockRepository) RecentDecisionExists(ctx context.Context, t schemas.DecisionType, category schemas.OpportunityCategory, since time.Time) (bool, error) {
	args := m.Called(ctx, t, category, since)
	return args.Bool(0), args.Error(1)
}

func (m *MockRepository) ListExecutedWithFeedback(ctx context.Context) ([]schemas.Decision, error) {
	args := m.Called(ctx)
	var r0 []schemas.Decision
	if args.Get(0) != nil {
		r0 = args.Get(0).([]schemas.Decision)
	}
	return r0, args.Error(1)
}

func (m *MockRepository) ListExecutedByType(ctx context.Context) (map[schemas.DecisionType][]schemas.Decision, error) {
	args := m.Called(ctx)
	var r0 map[schemas.DecisionType][]schemas.Decision
	if args.Get(0) != nil {
		r0 = args.Get(0).(map[schemas.DecisionType][]schemas.Decision)
	}
	return r0, args.Error(1)
}

func (m *MockRepository) ListStaleExecuting(ctx context.Context, before time.Time) ([]schemas.Decision, error) {
	args := m.Called(ctx, before)
	var r0 []schemas.Decision
	if args.Get(0) != nil {
		r0 = args.Get(0).([]schemas.Decision)
	}
	return r0, args.Error(1)
}

func (m *MockRepository) CreateCodeChange(ctx context.Context, c *schemas.CodeChange) error {
	args := m.Called(ctx, c)
	return args.Error(0)
}

func (m *MockRepository) ListCodeChanges(ctx context.Context, decisionID string) ([]schemas.CodeChange, error) {
	args := m.Called(ctx, decisionID)
	var r0 []schemas.CodeChange
	if args.Get(0) != nil {
		r0 = args.Get(0).([]schemas.CodeChange)
	}
	return r0, args.Error(1)
}

func (m *MockRepository) MarkCodeChangesRolledBack(ctx context.Context, decisionID string, at time.Time) error {
	args := m.Called(ctx, decisionID, at)
	return args.Error(0)
}

func (m *MockRepository) CreateLearning(ctx context.Context, l *schemas.Learning) error {
	args := m.Called(ctx, l)
	return args.Error(0)
}

func (m *MockRepository) ListLearnings(ctx context.Context, areas []string, limit int) ([]schemas.Learning, error) {
	args := m.Called(ctx, areas, limit)
	var r0 []schemas.Learning
	if args.Get(0) != nil {
		r0 = args.Get(0).([]schemas.Learning)
	}
	return r0, args.Error(1)
}

func (m *MockRepository) ListLearningsByCategory(ctx context.Context, category schemas.LearningCategory, limit int) ([]schemas.Learning, error) {
	args := m.Called(ctx, category, limit)
	var r0 []schemas.Learning
	if args.Get(0) != nil {
		r0 = args.Get(0).([]schemas.Learning)
	}
	return r0, args.Error(1)
}

func (m *MockRepository) InvalidateLearning(ctx context.Context, id string) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

// -- Audit Logger Mock --

// MockAuditLogger mocks the schemas.AuditLogger interface.
type MockAuditLogger struct {
	mock.Mock
}

func (m *MockAuditLogger) Append(ctx context.Context, entry schemas.AuditEntry) {
	m.Called(ctx, entry)
}

func (m *MockAuditLogger) ListByDecision(ctx context.Context, decisionID string) ([]schemas.AuditEntry, error) {
	args := m.Called(ctx, decisionID)
	var r0 []schemas.AuditEntry
	if args.Get(0) != nil {
		r0 = args.Get(0).([]schemas.AuditEntry)
	}
	return r0, args.Error(1)
}

// NoopAuditLogger accepts everything and remembers nothing. Convenient
// where a test does not assert on the audit trail.
type NoopAuditLogger struct{}

func (NoopAuditLogger) Append(ctx context.Context, entry schemas.AuditEntry) {}

func (NoopAuditLogger) ListByDecision(ctx context.Context, decisionID string) ([]schemas.AuditEntry, error) {
	return nil, nil
}

// -- LLM Client Mock --

// MockLLMClient mocks the schemas.LLMClient interface. Generate respects
// context cancellation even when a test's Run func blocks.
type MockLLMClient struct {
	mock.Mock
}

func (m *MockLLMClient) Generate(ctx context.Context, req schemas.GenerationRequest) (string, error) {
	type result struct {
		s   string
		err error
	}
	doneChan := make(chan result, 1)

	go func() {
		args := m.MethodCalled("Generate", ctx, req)
		doneChan <- result{args.String(0), args.Error(1)}
	}()

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-doneChan:
		return res.s, res.err
	}
}

// -- Pipeline Component Mocks --

// MockSynthesizer mocks the schemas.CodeSynthesizer interface.
type MockSynthesizer struct {
	mock.Mock
}

func (m *MockSynthesizer) Synthesize(ctx context.Context, d *schemas.Decision) (*schemas.GeneratedCode, error) {
	args := m.Called(ctx, d)
	var r0 *schemas.GeneratedCode
	if args.Get(0) != nil {
		r0 = args.Get(0).(*schemas.GeneratedCode)
	}
	return r0, args.Error(1)
}

// MockSandbox mocks the schemas.SandboxValidator interface.
type MockSandbox struct {
	mock.Mock
}

func (m *MockSandbox) Validate(ctx context.Context, bundle *schemas.GeneratedCode) (*schemas.SandboxResult, error) {
	args := m.Called(ctx, bundle)
	var r0 *schemas.SandboxResult
	if args.Get(0) != nil {
		r0 = args.Get(0).(*schemas.SandboxResult)
	}
	return r0, args.Error(1)
}

// MockDeployer mocks the schemas.Deployer interface.
type MockDeployer struct {
	mock.Mock
}

func (m *MockDeployer) Mode() schemas.DeployMode {
	args := m.Called()
	return args.Get(0).(schemas.DeployMode)
}

func (m *MockDeployer) Deploy(ctx context.Context, d *schemas.Decision, bundle *schemas.GeneratedCode, sandbox *schemas.SandboxResult, opts schemas.DeployOptions) (*schemas.DeployResult, error) {
	args := m.Called(ctx, d, bundle, sandbox, opts)
	var r0 *schemas.DeployResult
	if args.Get(0) != nil {
		r0 = args.Get(0).(*schemas.DeployResult)
	}
	return r0, args.Error(1)
}

func (m *MockDeployer) Rollback(ctx context.Context, d *schemas.Decision) error {
	args := m.Called(ctx, d)
	return args.Error(0)
}

// MockProposer mocks the schemas.ChangeProposer interface.
type MockProposer struct {
	mock.Mock
}

func (m *MockProposer) Configured() bool {
	args := m.Called()
	return args.Bool(0)
}

func (m *MockProposer) Propose(ctx context.Context, d *schemas.Decision, bundle *schemas.GeneratedCode) (*schemas.Proposal, error) {
	args := m.Called(ctx, d, bundle)
	var r0 *schemas.Proposal
	if args.Get(0) != nil {
		r0 = args.Get(0).(*schemas.Proposal)
	}
	return r0, args.Error(1)
}
