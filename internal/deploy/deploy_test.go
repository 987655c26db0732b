package deploy

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/propmark/autopilot/api/schemas"
)

func TestMatchesForbidden(t *testing.T) {
	forbidden := schemas.DefaultForbiddenPaths()

	cases := []struct {
		path string
		want bool
	}{
		{".env", true},
		{"./.env", true},
		{"config/.env", true},
		{".env.production", true},
		{"prisma/schema.prisma", true},
		{"schema.prisma", true},
		{"db/migrations/0001_init.sql", true},
		{"src/auth.config.ts", true},
		{"middleware.ts", true},
		{"app/middleware.js", true},
		{"node_modules/lodash/index.js", true},
		{".git/config", true},

		{"src/content/riverside.md", false},
		{"src/envelope.ts", false},
		{"src/pages/listings.tsx", false},
		{"README.md", false},
	}
	for _, tc := range cases {
		t.Run(tc.path, func(t *testing.T) {
			assert.Equal(t, tc.want, matchesForbidden(tc.path, forbidden))
		})
	}
}

func TestForbiddenMatchesReturnsOffendingPaths(t *testing.T) {
	bundle := &schemas.GeneratedCode{
		Files: []schemas.GeneratedFile{
			{Path: "src/pages/index.tsx", Content: "x", Action: schemas.FileModify},
			{Path: ".env", Content: "x", Action: schemas.FileModify},
			{Path: "prisma/schema.prisma", Content: "x", Action: schemas.FileModify},
		},
	}
	offending := ForbiddenMatches(bundle, schemas.DefaultForbiddenPaths())
	assert.Equal(t, []string{".env", "prisma/schema.prisma"}, offending)

	clean := &schemas.GeneratedCode{
		Files: []schemas.GeneratedFile{
			{Path: "src/pages/index.tsx", Content: "x", Action: schemas.FileModify},
		},
	}
	assert.Empty(t, ForbiddenMatches(clean, schemas.DefaultForbiddenPaths()))
}

func TestCheckPolicy(t *testing.T) {
	bundle := &schemas.GeneratedCode{
		Files: []schemas.GeneratedFile{{Path: ".env", Content: "x", Action: schemas.FileModify}},
	}
	passed := &schemas.SandboxResult{Success: true}
	failed := &schemas.SandboxResult{Success: false}

	t.Run("failed sandbox blocks", func(t *testing.T) {
		err := checkPolicy(bundle, failed, nil, schemas.DeployOptions{})
		assert.ErrorIs(t, err, schemas.ErrSandboxFailed)
	})

	t.Run("nil sandbox result blocks", func(t *testing.T) {
		err := checkPolicy(bundle, nil, nil, schemas.DeployOptions{})
		assert.ErrorIs(t, err, schemas.ErrSandboxFailed)
	})

	t.Run("skip override admits failed sandbox", func(t *testing.T) {
		err := checkPolicy(bundle, failed, nil, schemas.DeployOptions{SkipSandboxCheck: true})
		assert.NoError(t, err)
	})

	t.Run("forbidden path blocks with the offending path named", func(t *testing.T) {
		err := checkPolicy(bundle, passed, schemas.DefaultForbiddenPaths(), schemas.DeployOptions{})
		assert.ErrorIs(t, err, schemas.ErrForbiddenPath)
		assert.Contains(t, err.Error(), ".env")
	})

	t.Run("force overrides forbidden paths only", func(t *testing.T) {
		err := checkPolicy(bundle, passed, schemas.DefaultForbiddenPaths(), schemas.DeployOptions{Force: true})
		assert.NoError(t, err)
		// Force does not waive the sandbox gate.
		err = checkPolicy(bundle, failed, schemas.DefaultForbiddenPaths(), schemas.DeployOptions{Force: true})
		assert.ErrorIs(t, err, schemas.ErrSandboxFailed)
	})
}

func TestSafeRelPath(t *testing.T) {
	ok := []string{"src/content/a.md", "./src/a.ts", "a.md", "deep/nested/dir/file.json"}
	for _, p := range ok {
		_, err := safeRelPath(p)
		assert.NoError(t, err, p)
	}

	bad := []string{"/etc/passwd", "../outside.txt", "src/../../outside.txt"}
	for _, p := range bad {
		_, err := safeRelPath(p)
		assert.Error(t, err, p)
	}
}
