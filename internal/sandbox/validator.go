// Package sandbox implements the layered validation pipeline that gates
// whether a candidate change bundle may be deployed: per-file syntax parse,
// project-wide type-check, advisory lint, and a conditional full build for
// complex bundles.
package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/javascript"
	tstypescript "github.com/smacker/go-tree-sitter/typescript/typescript"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/propmark/autopilot/api/schemas"
	"github.com/propmark/autopilot/internal/config"
)

// servicePatterns mark paths whose changes always trigger the full build
// stage: service boundaries, configuration, schema, and middleware.
var servicePatterns = []string{
	"/api/",
	"/routes/",
	"/server/",
	"middleware",
	"schema",
	"config",
	".config.",
}

// Validator runs the staged checks against a staged copy of the project.
type Validator struct {
	logger      *zap.Logger
	cfg         config.SandboxConfig
	projectRoot string

	// Parsers are not safe for concurrent use; pool them per goroutine.
	parserPool sync.Pool
}

// New creates a Validator for the given project root.
func New(logger *zap.Logger, cfg config.SandboxConfig, projectRoot string) *Validator {
	return &Validator{
		logger:      logger.Named("sandbox"),
		cfg:         cfg,
		projectRoot: projectRoot,
		parserPool: sync.Pool{
			New: func() any { return sitter.NewParser() },
		},
	}
}

// Validate runs the pipeline. Stages short-circuit on the first blocking
// error; lint failures become warnings; the build stage only runs for
// complex bundles. Overall success requires a passed type-check and an
// empty error list.
func (v *Validator) Validate(ctx context.Context, bundle *schemas.GeneratedCode) (*schemas.SandboxResult, error) {
	start := time.Now()
	result := &schemas.SandboxResult{
		LintPassed:   true,
		BuildPassed:  true,
		BuildSkipped: true,
	}

	v.logger.Info("Sandbox validation started", zap.Int("files", len(bundle.Files)))

	// Stage 1: per-file syntax.
	syntaxErrs := v.checkSyntax(ctx, bundle)
	if len(syntaxErrs) > 0 {
		result.Errors = syntaxErrs
		result.Duration = time.Since(start)
		v.logger.Warn("Sandbox rejected bundle at syntax stage", zap.Strings("errors", syntaxErrs))
		return result, nil
	}

	// Stages 2-4 need the bundle staged over a copy of the project.
	workDir, cleanup, err := v.stage(bundle)
	if err != nil {
		return nil, fmt.Errorf("failed to stage bundle: %w", err)
	}
	defer cleanup()

	// Stage 2: type-check across the whole staged project.
	typeOut, typeErr := v.runTool(ctx, workDir, v.cfg.TypeCheckCommand)
	result.TypeCheckPassed = typeErr == nil
	if typeErr != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("type check failed: %s", condense(typeOut, typeErr)))
		result.Duration = time.Since(start)
		v.logger.Warn("Sandbox rejected bundle at type-check stage")
		return result, nil
	}

	// Stage 3: lint. Advisory only; failures are demoted to warnings.
	lintOut, lintErr := v.runTool(ctx, workDir, v.cfg.LintCommand)
	if lintErr != nil {
		result.LintPassed = false
		result.Warnings = append(result.Warnings, fmt.Sprintf("lint reported issues: %s", condense(lintOut, lintErr)))
	}

	// Stage 4: conditional full build. Only complex bundles pay this cost.
	if v.isComplex(bundle) {
		result.BuildSkipped = false
		buildOut, buildErr := v.runTool(ctx, workDir, v.cfg.BuildCommand)
		result.BuildPassed = buildErr == nil
		if buildErr != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("build failed: %s", condense(buildOut, buildErr)))
		}
	}

	result.Success = result.TypeCheckPassed && len(result.Errors) == 0
	result.Duration = time.Since(start)

	v.logger.Info("Sandbox validation finished",
		zap.Bool("success", result.Success),
		zap.Bool("build_skipped", result.BuildSkipped),
		zap.Int("warnings", len(result.Warnings)),
		zap.Duration("duration", result.Duration),
	)
	return result, nil
}

// isComplex reports whether the bundle warrants a full build: more files
// than the threshold, or any touched path matching a service-boundary,
// config, schema, or middleware pattern.
func (v *Validator) isComplex(bundle *schemas.GeneratedCode) bool {
	if len(bundle.Files) > v.cfg.BuildFileThreshold {
		return true
	}
	for _, f := range bundle.Files {
		lower := strings.ToLower(f.Path)
		for _, p := range servicePatterns {
			if strings.Contains(lower, p) {
				return true
			}
		}
	}
	return false
}

// checkSyntax parses every non-delete source file concurrently and collects
// blocking syntax errors. Non-source languages pass trivially.
func (v *Validator) checkSyntax(ctx context.Context, bundle *schemas.GeneratedCode) []string {
	var (
		mu   sync.Mutex
		errs []string
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)

	for _, f := range bundle.Files {
		if f.Action == schemas.FileDelete {
			continue
		}
		f := f
		g.Go(func() error {
			if err := v.checkFileSyntax(gctx, f); err != nil {
				mu.Lock()
				errs = append(errs, err.Error())
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errs
}

func (v *Validator) checkFileSyntax(ctx context.Context, f schemas.GeneratedFile) error {
	var lang *sitter.Language
	switch languageOf(f) {
	case "javascript":
		lang = javascript.GetLanguage()
	case "typescript":
		lang = tstypescript.GetLanguage()
	case "json":
		if !json.Valid([]byte(f.Content)) {
			return fmt.Errorf("%s: invalid JSON", f.Path)
		}
		return nil
	default:
		// CSS, HTML, markdown, and anything else: no syntax gate.
		return nil
	}

	parser := v.parserPool.Get().(*sitter.Parser)
	defer v.parserPool.Put(parser)
	parser.SetLanguage(lang)

	tree, err := parser.ParseCtx(ctx, nil, []byte(f.Content))
	if err != nil {
		return fmt.Errorf("%s: parse aborted: %w", f.Path, err)
	}
	defer tree.Close()

	root := tree.RootNode()
	if !root.HasError() {
		return nil
	}
	if loc := firstErrorNode(root); loc != nil {
		point := loc.StartPoint()
		return fmt.Errorf("%s: syntax error at line %d, column %d", f.Path, point.Row+1, point.Column+1)
	}
	return fmt.Errorf("%s: syntax error", f.Path)
}

// firstErrorNode walks the tree for the first ERROR or MISSING node.
func firstErrorNode(node *sitter.Node) *sitter.Node {
	if node.IsError() || node.IsMissing() {
		return node
	}
	for i := 0; i < int(node.ChildCount()); i++ {
		if child := node.Child(i); child != nil && child.HasError() {
			if found := firstErrorNode(child); found != nil {
				return found
			}
		}
	}
	return nil
}

// languageOf resolves a file's language from its tag or extension.
func languageOf(f schemas.GeneratedFile) string {
	if f.Language != "" {
		return strings.ToLower(f.Language)
	}
	switch strings.ToLower(filepath.Ext(f.Path)) {
	case ".js", ".jsx", ".mjs", ".cjs":
		return "javascript"
	case ".ts", ".tsx":
		return "typescript"
	case ".json":
		return "json"
	default:
		return ""
	}
}

// stage copies the project into a scratch directory (node_modules is
// symlinked, not copied) and overlays the bundle's edits there, so the
// type-check, lint, and build tools see the project as it would be after
// deployment without touching the real tree.
func (v *Validator) stage(bundle *schemas.GeneratedCode) (string, func(), error) {
	workDir, err := os.MkdirTemp("", "autopilot-sandbox-*")
	if err != nil {
		return "", nil, fmt.Errorf("failed to create scratch dir: %w", err)
	}
	cleanup := func() {
		if err := os.RemoveAll(workDir); err != nil {
			v.logger.Warn("Failed to remove sandbox scratch dir", zap.String("dir", workDir), zap.Error(err))
		}
	}

	if err := copyTree(v.projectRoot, workDir); err != nil {
		cleanup()
		return "", nil, err
	}

	for _, f := range bundle.Files {
		cleanRel, err := safeRelPath(f.Path)
		if err != nil {
			cleanup()
			return "", nil, err
		}
		target := filepath.Join(workDir, cleanRel)
		switch f.Action {
		case schemas.FileDelete:
			if err := os.Remove(target); err != nil && !os.IsNotExist(err) {
				cleanup()
				return "", nil, fmt.Errorf("failed to stage delete of %s: %w", f.Path, err)
			}
		default:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				cleanup()
				return "", nil, fmt.Errorf("failed to create dir for %s: %w", f.Path, err)
			}
			if err := os.WriteFile(target, []byte(f.Content), 0o644); err != nil {
				cleanup()
				return "", nil, fmt.Errorf("failed to stage %s: %w", f.Path, err)
			}
		}
	}
	return workDir, cleanup, nil
}

// runTool executes one external command line in dir, bounded by the
// configured per-tool timeout.
func (v *Validator) runTool(ctx context.Context, dir, command string) (string, error) {
	if command == "" {
		return "", nil
	}
	toolCtx, cancel := context.WithTimeout(ctx, v.cfg.ToolTimeout)
	defer cancel()

	parts := strings.Fields(command)
	cmd := exec.CommandContext(toolCtx, parts[0], parts[1:]...)
	cmd.Dir = dir
	cmd.Env = os.Environ()

	output, err := cmd.CombinedOutput()
	if toolCtx.Err() == context.DeadlineExceeded {
		return string(output), fmt.Errorf("%q timed out after %s", command, v.cfg.ToolTimeout)
	}
	return string(output), err
}

// condense flattens tool output for storage in a result, preferring the
// tool's own output over the exec error.
func condense(output string, err error) string {
	out := strings.TrimSpace(output)
	if out != "" {
		return out
	}
	if err != nil {
		return err.Error()
	}
	return "no output"
}

// safeRelPath rejects absolute paths and parent-directory escapes.
func safeRelPath(path string) (string, error) {
	clean := filepath.Clean(path)
	if filepath.IsAbs(clean) || strings.HasPrefix(clean, "..") {
		return "", fmt.Errorf("invalid file path (path traversal detected): %s", path)
	}
	return clean, nil
}

// copyTree replicates src into dst, symlinking node_modules and skipping
// VCS internals so staging stays cheap.
func copyTree(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		target := filepath.Join(dst, rel)

		switch {
		case d.IsDir() && d.Name() == ".git":
			return filepath.SkipDir
		case d.IsDir() && d.Name() == "node_modules":
			// Tools need dependencies present but staging must not copy them.
			if err := os.Symlink(path, target); err != nil {
				return fmt.Errorf("failed to link node_modules: %w", err)
			}
			return filepath.SkipDir
		case d.IsDir():
			return os.MkdirAll(target, 0o755)
		default:
			return copyFile(path, target)
		}
	})
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, in)
	return err
}
