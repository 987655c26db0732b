package deploy_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/go-git/go-git/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/propmark/autopilot/api/schemas"
	"github.com/propmark/autopilot/internal/deploy"
)

func TestDetectMode(t *testing.T) {
	logger := zaptest.NewLogger(t)

	t.Run("explicit configuration wins", func(t *testing.T) {
		assert.Equal(t, schemas.ModeDirect, deploy.DetectMode(logger, "direct", "/nonexistent"))
		assert.Equal(t, schemas.ModeQueued, deploy.DetectMode(logger, "queued", t.TempDir()))
	})

	t.Run("writable plain directory is direct", func(t *testing.T) {
		assert.Equal(t, schemas.ModeDirect, deploy.DetectMode(logger, "", t.TempDir()))
	})

	t.Run("writable checkout with a working tree is direct", func(t *testing.T) {
		root := t.TempDir()
		_, err := git.PlainInit(root, false)
		require.NoError(t, err)
		assert.Equal(t, schemas.ModeDirect, deploy.DetectMode(logger, "", root))
	})

	t.Run("bare repository falls back to queued", func(t *testing.T) {
		root := t.TempDir()
		_, err := git.PlainInit(root, true)
		require.NoError(t, err)
		assert.Equal(t, schemas.ModeQueued, deploy.DetectMode(logger, "", root))
	})

	t.Run("missing root falls back to queued", func(t *testing.T) {
		assert.Equal(t, schemas.ModeQueued, deploy.DetectMode(logger, "", filepath.Join(t.TempDir(), "gone")))
	})

	t.Run("unwritable root falls back to queued", func(t *testing.T) {
		if os.Getuid() == 0 {
			t.Skip("permission bits do not bind root")
		}
		root := t.TempDir()
		require.NoError(t, os.Chmod(root, 0o555))
		t.Cleanup(func() { os.Chmod(root, 0o755) })
		assert.Equal(t, schemas.ModeQueued, deploy.DetectMode(logger, "", root))
	})
}
