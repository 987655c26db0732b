package deploy

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/propmark/autopilot/api/schemas"
)

// QueuedDeployer never touches the working tree. Changes are recorded as
// pending CodeChange rows for human review, and when a remote collaborator
// is configured the bundle is additionally pushed as a review branch with
// a pull request. Used where the process has no safe write access to the
// live project (serverless hosts, read-only checkouts).
type QueuedDeployer struct {
	logger   *zap.Logger
	repo     schemas.Repository
	proposer schemas.ChangeProposer
}

// NewQueuedDeployer creates the review-queue strategy. proposer may be nil.
func NewQueuedDeployer(logger *zap.Logger, repo schemas.Repository, proposer schemas.ChangeProposer) *QueuedDeployer {
	return &QueuedDeployer{
		logger:   logger.Named("deploy.queued"),
		repo:     repo,
		proposer: proposer,
	}
}

// Mode identifies this strategy.
func (q *QueuedDeployer) Mode() schemas.DeployMode { return schemas.ModeQueued }

// Deploy records every file as a pending CodeChange row and, when a
// proposer is configured, opens a review proposal. Proposal failure is
// logged but never fails the deployment: the queued rows remain the source
// of truth.
func (q *QueuedDeployer) Deploy(ctx context.Context, decision *schemas.Decision, bundle *schemas.GeneratedCode, sandbox *schemas.SandboxResult, opts schemas.DeployOptions) (*schemas.DeployResult, error) {
	cfg, err := q.repo.GetAgentConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load policy config: %w", err)
	}
	if err := checkPolicy(bundle, sandbox, cfg.ForbiddenPaths, opts); err != nil {
		return nil, err
	}

	for _, f := range bundle.Files {
		rel, err := safeRelPath(f.Path)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", schemas.ErrDeployFailed, err)
		}
		change := &schemas.CodeChange{
			ID:         uuid.New().String(),
			DecisionID: decision.ID,
			Path:       rel,
			Action:     f.Action,
			NewContent: f.Content,
			Validated:  sandbox != nil && sandbox.Success,
		}
		if err := q.repo.CreateCodeChange(ctx, change); err != nil {
			return nil, fmt.Errorf("%w: recording change for %s: %v", schemas.ErrDeployFailed, f.Path, err)
		}
	}

	result := &schemas.DeployResult{
		ChangedPaths: bundle.Paths(),
		Queued:       true,
	}

	if q.proposer != nil && q.proposer.Configured() {
		proposal, err := q.proposer.Propose(ctx, decision, bundle)
		if err != nil {
			q.logger.Warn("Change proposal failed, changes remain queued for manual review",
				zap.String("decision_id", decision.ID),
				zap.Error(err))
		} else {
			result.ProposalURL = proposal.URL
			result.ProposalRef = proposal.Ref
			q.logger.Info("Change proposal opened",
				zap.String("decision_id", decision.ID),
				zap.String("url", proposal.URL))
		}
	}

	q.logger.Info("Bundle queued for review",
		zap.String("decision_id", decision.ID),
		zap.Int("files", len(bundle.Files)))
	return result, nil
}

// Rollback in queued mode has no filesystem to revert. The pending rows are
// marked rolled back and the operator is told which paths to discard if the
// change was already merged externally.
func (q *QueuedDeployer) Rollback(ctx context.Context, decision *schemas.Decision) error {
	changes, err := q.repo.ListCodeChanges(ctx, decision.ID)
	if err != nil {
		return err
	}
	if len(changes) == 0 {
		return fmt.Errorf("decision %s: %w", decision.ID, schemas.ErrRollbackUnavailable)
	}

	if err := q.repo.MarkCodeChangesRolledBack(ctx, decision.ID, time.Now().UTC()); err != nil {
		return err
	}

	paths := make([]string, 0, len(changes))
	for _, c := range changes {
		paths = append(paths, c.Path)
	}
	q.logger.Warn("Queued changes marked rolled back; any externally merged copies must be reverted manually",
		zap.String("decision_id", decision.ID),
		zap.String("paths", strings.Join(paths, ", ")))
	return nil
}
