package deploy

import (
	"os"
	"path/filepath"

	"github.com/go-git/go-git/v5"
	"go.uber.org/zap"

	"github.com/propmark/autopilot/api/schemas"
)

// DetectMode picks the deployment strategy for a project root. Direct mode
// needs a writable working tree; anything else falls back to the review
// queue. An explicit configured mode always wins.
func DetectMode(logger *zap.Logger, configured string, projectRoot string) schemas.DeployMode {
	log := logger.Named("deploy.detect")

	switch configured {
	case string(schemas.ModeDirect):
		return schemas.ModeDirect
	case string(schemas.ModeQueued):
		return schemas.ModeQueued
	}

	if !writableTree(projectRoot) {
		log.Info("Project root is not writable, selecting queued mode",
			zap.String("project_root", projectRoot))
		return schemas.ModeQueued
	}

	// A bare repository has no working tree to patch in place.
	if repo, err := git.PlainOpenWithOptions(projectRoot, &git.PlainOpenOptions{DetectDotGit: true}); err == nil {
		if _, err := repo.Worktree(); err != nil {
			log.Info("Repository has no working tree, selecting queued mode",
				zap.String("project_root", projectRoot))
			return schemas.ModeQueued
		}
	}

	log.Debug("Writable working tree detected, selecting direct mode",
		zap.String("project_root", projectRoot))
	return schemas.ModeDirect
}

// writableTree probes the root with a throwaway file. Stat-based permission
// checks lie on containers and network mounts; an actual write does not.
func writableTree(root string) bool {
	info, err := os.Stat(root)
	if err != nil || !info.IsDir() {
		return false
	}
	probe := filepath.Join(root, ".autopilot-write-probe")
	f, err := os.Create(probe)
	if err != nil {
		return false
	}
	f.Close()
	os.Remove(probe)
	return true
}
