// Package deploy applies validated change bundles to the marketing site.
// Two strategies exist: direct in-place filesystem mutation with a backup
// manifest, and a queued mode that only records changes and optionally
// hands them to a remote review collaborator. The strategy is chosen once
// at startup and injected into the orchestrator.
package deploy

import (
	"fmt"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/propmark/autopilot/api/schemas"
)

// checkPolicy enforces the pre-deploy gates in order: a failed sandbox
// result blocks unless explicitly skipped, then forbidden-path matches
// block unless forced. Returns the offending paths with ErrForbiddenPath.
func checkPolicy(bundle *schemas.GeneratedCode, sandbox *schemas.SandboxResult, forbidden []string, opts schemas.DeployOptions) error {
	if sandbox == nil || !sandbox.Success {
		if !opts.SkipSandboxCheck {
			return fmt.Errorf("%w: sandbox failed, cannot deploy", schemas.ErrSandboxFailed)
		}
	}

	if opts.Force {
		return nil
	}

	var offending []string
	for _, f := range bundle.Files {
		if matchesForbidden(f.Path, forbidden) {
			offending = append(offending, f.Path)
		}
	}
	if len(offending) > 0 {
		return fmt.Errorf("%w: %s", schemas.ErrForbiddenPath, strings.Join(offending, ", "))
	}
	return nil
}

// matchesForbidden tests a path against the forbidden patterns. Patterns
// use doublestar globs; a bare name like ".env" also matches the file's
// basename anywhere in the tree.
func matchesForbidden(path string, patterns []string) bool {
	normalized := strings.TrimPrefix(strings.ReplaceAll(path, "\\", "/"), "./")
	for _, pattern := range patterns {
		if ok, err := doublestar.Match(pattern, normalized); err == nil && ok {
			return true
		}
		// Patterns without a separator apply to every path segment.
		if !strings.Contains(pattern, "/") {
			for _, segment := range strings.Split(normalized, "/") {
				if ok, err := doublestar.Match(pattern, segment); err == nil && ok {
					return true
				}
			}
		}
	}
	return false
}

// ForbiddenMatches returns the bundle paths matching any forbidden pattern.
// The orchestrator uses it to reject a bundle before paying for sandbox
// validation; the deployers re-check behind the same rules.
func ForbiddenMatches(bundle *schemas.GeneratedCode, patterns []string) []string {
	var offending []string
	for _, f := range bundle.Files {
		if matchesForbidden(f.Path, patterns) {
			offending = append(offending, f.Path)
		}
	}
	return offending
}
