package deploy

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/propmark/autopilot/api/schemas"
)

// backupEntry is one file's pre-deployment snapshot inside a manifest.
type backupEntry struct {
	Path    string `json:"path"`
	Existed bool   `json:"existed"`
	Content string `json:"content,omitempty"`
}

// backupManifest is written once per execution attempt and read once per
// rollback.
type backupManifest struct {
	BackupID   string        `json:"backup_id"`
	DecisionID string        `json:"decision_id"`
	CreatedAt  time.Time     `json:"created_at"`
	Entries    []backupEntry `json:"entries"`
}

// DirectDeployer mutates the project working tree in place, snapshotting
// every touched file into a backup manifest first. A failure mid-apply
// restores everything already applied.
type DirectDeployer struct {
	logger      *zap.Logger
	repo        schemas.Repository
	projectRoot string
	backupDir   string
	retention   time.Duration
}

// NewDirectDeployer creates the in-place strategy. backupDir defaults to
// <projectRoot>/.autopilot/backups.
func NewDirectDeployer(logger *zap.Logger, repo schemas.Repository, projectRoot, backupDir string, retention time.Duration) *DirectDeployer {
	if backupDir == "" {
		backupDir = filepath.Join(projectRoot, ".autopilot", "backups")
	}
	if retention <= 0 {
		retention = 30 * 24 * time.Hour
	}
	return &DirectDeployer{
		logger:      logger.Named("deploy.direct"),
		repo:        repo,
		projectRoot: projectRoot,
		backupDir:   backupDir,
		retention:   retention,
	}
}

// Mode identifies this strategy.
func (d *DirectDeployer) Mode() schemas.DeployMode { return schemas.ModeDirect }

// Deploy applies the bundle file by file after snapshotting originals into
// a manifest. On any single-file failure every already-applied file is
// restored and the error re-raised. One CodeChange row is recorded per
// file; successful deploys prune manifests older than the retention window.
func (d *DirectDeployer) Deploy(ctx context.Context, decision *schemas.Decision, bundle *schemas.GeneratedCode, sandbox *schemas.SandboxResult, opts schemas.DeployOptions) (*schemas.DeployResult, error) {
	cfg, err := d.repo.GetAgentConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load policy config: %w", err)
	}
	if err := checkPolicy(bundle, sandbox, cfg.ForbiddenPaths, opts); err != nil {
		return nil, err
	}

	manifest := backupManifest{
		BackupID:   uuid.New().String(),
		DecisionID: decision.ID,
		CreatedAt:  time.Now().UTC(),
	}

	// Snapshot originals before touching anything.
	for _, f := range bundle.Files {
		rel, err := safeRelPath(f.Path)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", schemas.ErrDeployFailed, err)
		}
		entry := backupEntry{Path: rel}
		if original, err := os.ReadFile(filepath.Join(d.projectRoot, rel)); err == nil {
			entry.Existed = true
			entry.Content = string(original)
		}
		manifest.Entries = append(manifest.Entries, entry)
	}

	if err := d.writeManifest(manifest); err != nil {
		return nil, fmt.Errorf("%w: %v", schemas.ErrDeployFailed, err)
	}

	applied := make([]int, 0, len(bundle.Files))
	for i, f := range bundle.Files {
		if err := d.applyFile(f); err != nil {
			d.logger.Error("File apply failed, restoring already-applied files",
				zap.String("path", f.Path),
				zap.Int("applied_count", len(applied)),
				zap.Error(err))
			d.restore(manifest, applied)
			return nil, fmt.Errorf("%w: applying %s: %v", schemas.ErrDeployFailed, f.Path, err)
		}
		applied = append(applied, i)
	}

	now := time.Now().UTC()
	for i, f := range bundle.Files {
		change := &schemas.CodeChange{
			ID:         uuid.New().String(),
			DecisionID: decision.ID,
			Path:       manifest.Entries[i].Path,
			Action:     f.Action,
			NewContent: f.Content,
			Validated:  sandbox != nil && sandbox.Success,
			AppliedAt:  &now,
		}
		if manifest.Entries[i].Existed {
			original := manifest.Entries[i].Content
			change.OriginalContent = &original
		}
		if err := d.repo.CreateCodeChange(ctx, change); err != nil {
			// The filesystem change is live; a missing audit row must not
			// undo it. Surface loudly instead.
			d.logger.Error("Failed to record code change", zap.String("path", f.Path), zap.Error(err))
		}
	}

	d.pruneOldBackups()

	d.logger.Info("Bundle applied directly",
		zap.String("decision_id", decision.ID),
		zap.String("backup_id", manifest.BackupID),
		zap.Int("files", len(bundle.Files)))

	return &schemas.DeployResult{
		ChangedPaths: bundle.Paths(),
		BackupID:     manifest.BackupID,
	}, nil
}

// Rollback replays the decision's backup manifest: files that existed get
// their original content back, files that were created are removed.
func (d *DirectDeployer) Rollback(ctx context.Context, decision *schemas.Decision) error {
	if decision.BackupID == "" {
		return fmt.Errorf("decision %s: %w", decision.ID, schemas.ErrRollbackUnavailable)
	}

	manifest, err := d.readManifest(decision.BackupID)
	if err != nil {
		return fmt.Errorf("backup %s: %w", decision.BackupID, schemas.ErrRollbackUnavailable)
	}

	for _, entry := range manifest.Entries {
		target := filepath.Join(d.projectRoot, entry.Path)
		if entry.Existed {
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return fmt.Errorf("failed to restore %s: %w", entry.Path, err)
			}
			if err := os.WriteFile(target, []byte(entry.Content), 0o644); err != nil {
				return fmt.Errorf("failed to restore %s: %w", entry.Path, err)
			}
		} else {
			if err := os.Remove(target); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("failed to remove created file %s: %w", entry.Path, err)
			}
		}
	}

	if err := d.repo.MarkCodeChangesRolledBack(ctx, decision.ID, time.Now().UTC()); err != nil {
		return err
	}

	d.logger.Info("Rollback complete",
		zap.String("decision_id", decision.ID),
		zap.String("backup_id", decision.BackupID),
		zap.Int("files", len(manifest.Entries)))
	return nil
}

func (d *DirectDeployer) applyFile(f schemas.GeneratedFile) error {
	rel, err := safeRelPath(f.Path)
	if err != nil {
		return err
	}
	target := filepath.Join(d.projectRoot, rel)

	switch f.Action {
	case schemas.FileDelete:
		if err := os.Remove(target); err != nil && !os.IsNotExist(err) {
			return err
		}
		return nil
	case schemas.FileCreate, schemas.FileModify:
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		return os.WriteFile(target, []byte(f.Content), 0o644)
	default:
		return fmt.Errorf("unknown file action %q", f.Action)
	}
}

// restore undoes applied[i] entries from the manifest after a mid-apply
// failure.
func (d *DirectDeployer) restore(manifest backupManifest, applied []int) {
	for _, i := range applied {
		entry := manifest.Entries[i]
		target := filepath.Join(d.projectRoot, entry.Path)
		var err error
		if entry.Existed {
			err = os.WriteFile(target, []byte(entry.Content), 0o644)
		} else {
			err = os.Remove(target)
			if os.IsNotExist(err) {
				err = nil
			}
		}
		if err != nil {
			d.logger.Error("Failed to restore file during mid-apply recovery",
				zap.String("path", entry.Path), zap.Error(err))
		}
	}
}

func (d *DirectDeployer) manifestPath(backupID string) string {
	return filepath.Join(d.backupDir, backupID+".json")
}

func (d *DirectDeployer) writeManifest(m backupManifest) error {
	if err := os.MkdirAll(d.backupDir, 0o755); err != nil {
		return fmt.Errorf("failed to create backup dir: %w", err)
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal backup manifest: %w", err)
	}
	if err := os.WriteFile(d.manifestPath(m.BackupID), data, 0o600); err != nil {
		return fmt.Errorf("failed to write backup manifest: %w", err)
	}
	return nil
}

func (d *DirectDeployer) readManifest(backupID string) (backupManifest, error) {
	var m backupManifest
	data, err := os.ReadFile(d.manifestPath(backupID))
	if err != nil {
		return m, err
	}
	if err := json.Unmarshal(data, &m); err != nil {
		return m, fmt.Errorf("corrupt backup manifest: %w", err)
	}
	return m, nil
}

// pruneOldBackups removes manifests older than the retention window. A
// pruned deploy can no longer be rolled back; the window is far wider than
// the feedback loop, so this only discards long-settled changes.
func (d *DirectDeployer) pruneOldBackups() {
	entries, err := os.ReadDir(d.backupDir)
	if err != nil {
		return
	}
	cutoff := time.Now().Add(-d.retention)
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		info, err := e.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(d.backupDir, e.Name())); err != nil {
			d.logger.Warn("Failed to prune old backup", zap.String("name", e.Name()), zap.Error(err))
		} else {
			d.logger.Debug("Pruned old backup", zap.String("name", e.Name()))
		}
	}
}

// safeRelPath rejects absolute paths and parent-directory escapes before
// any filesystem operation.
func safeRelPath(path string) (string, error) {
	clean := filepath.Clean(strings.ReplaceAll(path, "\\", "/"))
	if filepath.IsAbs(clean) || strings.HasPrefix(clean, "..") {
		return "", fmt.Errorf("invalid file path (path traversal detected): %s", path)
	}
	return clean, nil
}
