package cmd

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/propmark/autopilot/api/schemas"
	"github.com/propmark/autopilot/internal/agent"
	"github.com/propmark/autopilot/internal/config"
	"github.com/propmark/autopilot/internal/deploy"
	"github.com/propmark/autopilot/internal/engine"
	"github.com/propmark/autopilot/internal/learning"
	"github.com/propmark/autopilot/internal/llmclient"
	"github.com/propmark/autopilot/internal/observability"
	"github.com/propmark/autopilot/internal/sandbox"
	"github.com/propmark/autopilot/internal/store"
	"github.com/propmark/autopilot/internal/synthesis"
)

// runtime bundles everything a command needs after wiring.
type runtime struct {
	logger       *zap.Logger
	pool         *pgxpool.Pool
	store        *store.Store
	orchestrator *agent.Orchestrator
	learning     *learning.Engine
}

func (r *runtime) Close() {
	if r.pool != nil {
		r.pool.Close()
	}
}

// buildRuntime connects the database and assembles the full pipeline. Every
// command goes through here so wiring stays in one place.
func buildRuntime(ctx context.Context, cfg *config.Config) (*runtime, error) {
	logger := observability.GetLogger()

	pool, err := pgxpool.New(ctx, cfg.Database.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to create database pool: %w", err)
	}

	st, err := store.New(ctx, pool, logger)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to initialize store: %w", err)
	}

	llm, err := llmclient.NewTieredClient(cfg.LLM, logger)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to build LLM client: %w", err)
	}

	learner := learning.NewEngine(logger, st, llm)
	eng := engine.NewEngine(logger, st, llm, learner)
	synthesizer := synthesis.NewSynthesizer(logger, llm)

	projectRoot := cfg.Deploy.ProjectRoot
	if projectRoot == "" {
		projectRoot = "."
	}
	validator := sandbox.New(logger, cfg.Sandbox, projectRoot)

	mode := deploy.DetectMode(logger, cfg.Deploy.Mode, projectRoot)
	var deployer schemas.Deployer
	if mode == schemas.ModeDirect {
		deployer = deploy.NewDirectDeployer(logger, st, projectRoot, cfg.Deploy.BackupDir, cfg.Deploy.BackupRetention)
	} else {
		var proposer schemas.ChangeProposer
		if gh := deploy.NewGitHubProposer(logger, cfg.GitHub); gh != nil {
			proposer = gh
		}
		deployer = deploy.NewQueuedDeployer(logger, st, proposer)
	}
	logger.Info("Deployment strategy selected",
		zap.String("mode", string(mode)),
		zap.String("project_root", projectRoot))

	orch := agent.NewOrchestrator(logger, st, st, eng, synthesizer, validator, deployer)

	return &runtime{
		logger:       logger,
		pool:         pool,
		store:        st,
		orchestrator: orch,
		learning:     learner,
	}, nil
}
