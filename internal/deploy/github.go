package deploy

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/go-github/v58/github"
	"go.uber.org/zap"

	"github.com/propmark/autopilot/api/schemas"
	"github.com/propmark/autopilot/internal/config"
)

// GitHubProposer turns a bundle into a review branch and pull request on
// the project repository. It is the optional collaborator behind queued
// mode; a missing token simply disables it.
type GitHubProposer struct {
	logger     *zap.Logger
	client     *github.Client
	owner      string
	repo       string
	baseBranch string
}

// NewGitHubProposer builds a proposer from config. Returns nil when GitHub
// is not configured so callers can pass it straight into NewQueuedDeployer.
func NewGitHubProposer(logger *zap.Logger, cfg config.GitHubConfig) *GitHubProposer {
	if cfg.Token == "" || cfg.RepoOwner == "" || cfg.RepoName == "" {
		return nil
	}
	base := cfg.BaseBranch
	if base == "" {
		base = "main"
	}
	return &GitHubProposer{
		logger:     logger.Named("deploy.github"),
		client:     github.NewClient(nil).WithAuthToken(cfg.Token),
		owner:      cfg.RepoOwner,
		repo:       cfg.RepoName,
		baseBranch: base,
	}
}

// Configured reports whether proposals can be opened.
func (p *GitHubProposer) Configured() bool { return p != nil && p.client != nil }

// Propose pushes the bundle as a single commit on a fresh branch and opens
// a pull request against the base branch.
func (p *GitHubProposer) Propose(ctx context.Context, decision *schemas.Decision, bundle *schemas.GeneratedCode) (*schemas.Proposal, error) {
	branch := fmt.Sprintf("autopilot/%s-%s", decision.Type, shortID(decision.ID))

	baseRef, _, err := p.client.Git.GetRef(ctx, p.owner, p.repo, "refs/heads/"+p.baseBranch)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve base branch %s: %w", p.baseBranch, err)
	}

	treeEntries := make([]*github.TreeEntry, 0, len(bundle.Files))
	for _, f := range bundle.Files {
		rel, err := safeRelPath(f.Path)
		if err != nil {
			return nil, err
		}
		entry := &github.TreeEntry{
			Path: github.String(rel),
			Mode: github.String("100644"),
			Type: github.String("blob"),
		}
		if f.Action == schemas.FileDelete {
			// A nil SHA with no content deletes the path from the tree.
			entry.SHA = nil
		} else {
			blob, _, err := p.client.Git.CreateBlob(ctx, p.owner, p.repo, &github.Blob{
				Content:  github.String(f.Content),
				Encoding: github.String("utf-8"),
			})
			if err != nil {
				return nil, fmt.Errorf("failed to create blob for %s: %w", rel, err)
			}
			entry.SHA = blob.SHA
		}
		treeEntries = append(treeEntries, entry)
	}

	tree, _, err := p.client.Git.CreateTree(ctx, p.owner, p.repo, baseRef.Object.GetSHA(), treeEntries)
	if err != nil {
		return nil, fmt.Errorf("failed to create tree: %w", err)
	}

	now := time.Now().UTC()
	commit, _, err := p.client.Git.CreateCommit(ctx, p.owner, p.repo, &github.Commit{
		Message: github.String(commitMessage(decision)),
		Tree:    tree,
		Parents: []*github.Commit{{SHA: baseRef.Object.SHA}},
		Author: &github.CommitAuthor{
			Name:  github.String("autopilot"),
			Email: github.String("autopilot@propmark.dev"),
			Date:  &github.Timestamp{Time: now},
		},
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create commit: %w", err)
	}

	_, _, err = p.client.Git.CreateRef(ctx, p.owner, p.repo, &github.Reference{
		Ref:    github.String("refs/heads/" + branch),
		Object: &github.GitObject{SHA: commit.SHA},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create branch %s: %w", branch, err)
	}

	pr, _, err := p.client.PullRequests.Create(ctx, p.owner, p.repo, &github.NewPullRequest{
		Title: github.String(fmt.Sprintf("[autopilot] %s", decisionTitle(decision))),
		Head:  github.String(branch),
		Base:  github.String(p.baseBranch),
		Body:  github.String(proposalBody(decision, bundle)),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open pull request: %w", err)
	}

	p.logger.Info("Pull request opened",
		zap.String("decision_id", decision.ID),
		zap.String("branch", branch),
		zap.Int("number", pr.GetNumber()))

	return &schemas.Proposal{
		URL:    pr.GetHTMLURL(),
		Ref:    branch,
		Number: pr.GetNumber(),
	}, nil
}

func decisionTitle(d *schemas.Decision) string {
	title := strings.ReplaceAll(string(d.Type), "_", " ")
	if d.Subtype != "" {
		title += ": " + strings.ReplaceAll(d.Subtype, "_", " ")
	}
	return title
}

func commitMessage(d *schemas.Decision) string {
	return fmt.Sprintf("%s\n\nAutomated change for decision %s (%s, confidence %d).",
		decisionTitle(d), d.ID, d.Type, d.Confidence)
}

func proposalBody(d *schemas.Decision, bundle *schemas.GeneratedCode) string {
	var b strings.Builder
	fmt.Fprintf(&b, "## %s\n\n", decisionTitle(d))
	fmt.Fprintf(&b, "**Type:** %s  \n**Category:** %s  \n**Confidence:** %d  \n**Decision:** %s\n\n",
		d.Type, d.Category, d.Confidence, d.ID)
	b.WriteString("### Files\n\n")
	for _, f := range bundle.Files {
		fmt.Fprintf(&b, "- `%s` (%s)\n", f.Path, f.Action)
	}
	if d.Reasoning != "" {
		fmt.Fprintf(&b, "\n### Reasoning\n\n%s\n", d.Reasoning)
	}
	if d.ExpectedImpact != "" {
		fmt.Fprintf(&b, "\n### Expected impact\n\n%s\n", d.ExpectedImpact)
	}
	return b.String()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
