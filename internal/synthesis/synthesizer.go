// Package synthesis turns an approved decision's action into a concrete
// bundle of file edits via the reasoning collaborator. The bundle is a
// candidate only: it always passes through the sandbox before deployment.
package synthesis

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	json "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/propmark/autopilot/api/schemas"
)

// Synthesizer generates code bundles from decision actions.
type Synthesizer struct {
	logger    *zap.Logger
	llmClient schemas.LLMClient
	timeout   time.Duration
}

// NewSynthesizer wires the code generator.
func NewSynthesizer(logger *zap.Logger, llmClient schemas.LLMClient) *Synthesizer {
	return &Synthesizer{
		logger:    logger.Named("synthesis"),
		llmClient: llmClient,
		timeout:   5 * time.Minute,
	}
}

// Synthesize produces a validated bundle for the decision's action. The
// response must satisfy the bundle contract (paths, actions, content) or
// the call fails without producing anything deployable.
func (s *Synthesizer) Synthesize(ctx context.Context, d *schemas.Decision) (*schemas.GeneratedCode, error) {
	payload, err := d.Action.Decode()
	if err != nil {
		return nil, fmt.Errorf("decision %s has an invalid action: %w", d.ID, err)
	}

	req := schemas.GenerationRequest{
		SystemPrompt: s.getSystemPrompt(),
		UserPrompt:   s.constructPrompt(d, payload),
		Tier:         schemas.TierPowerful,
		Options: schemas.GenerationOptions{
			ForceJSONFormat: true,
			// Low temperature: code generation favors determinism over
			// creativity.
			Temperature: 0.1,
		},
	}

	genCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	start := time.Now()
	response, err := s.llmClient.Generate(genCtx, req)
	if err != nil {
		return nil, fmt.Errorf("LLM generation failed: %w", err)
	}

	bundle, err := s.parseLLMResponse(response)
	if err != nil {
		s.logger.Error("Failed to parse synthesis response.",
			zap.String("decision_id", d.ID),
			zap.Error(err),
			zap.String("raw_response", truncate(response, 2000)))
		return nil, err
	}

	if err := bundle.Validate(); err != nil {
		return nil, fmt.Errorf("generated bundle failed contract validation: %w", err)
	}

	s.logger.Info("Code bundle synthesized.",
		zap.String("decision_id", d.ID),
		zap.Int("files", len(bundle.Files)),
		zap.Duration("duration", time.Since(start)))
	return bundle, nil
}

func (s *Synthesizer) getSystemPrompt() string {
	return `You are the code generator of an autonomous improvement agent for a real-estate marketing platform (Next.js, TypeScript, Prisma, PostgreSQL).
    You receive a DECISION describing a single, narrowly scoped change and must produce the complete file edits that implement it.
    **Output Requirements (Strict JSON Format):**
    Respond ONLY with a JSON object of this shape:
    {"files": [{"path": "src/...", "content": "...", "action": "CREATE|MODIFY|DELETE", "language": "typescript"}], "explanation": "...", "estimated_impact": "...", "rollback_plan": "..."}

    Rules:
    - Every file needs a relative path, a valid action, and complete content (no placeholders, no "rest of file unchanged" comments). DELETE entries omit content.
    - MODIFY means you output the ENTIRE new file content, not a diff.
    - Never touch environment files, database migrations, auth configuration, or middleware.
    - Keep the change minimal: implement exactly what the decision asks, nothing speculative.
    - Match the conventions visible in any provided file excerpts.`
}

func (s *Synthesizer) constructPrompt(d *schemas.Decision, payload any) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "**DECISION:** %s", d.Type)
	if d.Subtype != "" {
		fmt.Fprintf(&sb, " (%s)", d.Subtype)
	}
	sb.WriteString("\n\n")
	fmt.Fprintf(&sb, "**Category:** %s\n", d.Category)
	fmt.Fprintf(&sb, "**Reasoning:** %s\n\n", d.Reasoning)

	fmt.Fprintf(&sb, "## ACTION ##\n")
	fmt.Fprintf(&sb, "Type: %s\n", d.Action.Type)
	payloadJSON, err := json.MarshalIndent(payload, "", "  ")
	if err == nil {
		fmt.Fprintf(&sb, "Payload:\n```json\n%s\n```\n\n", string(payloadJSON))
	} else {
		fmt.Fprintf(&sb, "Payload:\n```json\n%s\n```\n\n", string(d.Action.Payload))
	}

	if len(d.Snapshot) > 0 {
		fmt.Fprintf(&sb, "## PLATFORM STATE AT DECISION TIME ##\n```json\n%s\n```\n\n", string(d.Snapshot))
	}
	if d.ExpectedImpact != "" {
		fmt.Fprintf(&sb, "**Expected impact:** %s\n\n", d.ExpectedImpact)
	}

	fmt.Fprintf(&sb, "## TASK ##\n")
	fmt.Fprintf(&sb, "Generate the complete file edits implementing this action. Respond ONLY with the JSON object described in your instructions.\n")
	return sb.String()
}

// Regex to extract a JSON object from markdown fences.
var jsonObjectRegex = regexp.MustCompile("(?s)```(?:json)?\\s*(\\{.*\\})\\s*```")

func (s *Synthesizer) parseLLMResponse(response string) (*schemas.GeneratedCode, error) {
	response = strings.TrimSpace(response)
	jsonStringToParse := response

	if strings.HasPrefix(response, "```") {
		matches := jsonObjectRegex.FindStringSubmatch(response)
		if len(matches) > 1 {
			jsonStringToParse = matches[1]
		}
	} else if !strings.HasPrefix(response, "{") {
		firstBrace := strings.Index(response, "{")
		lastBrace := strings.LastIndex(response, "}")
		if firstBrace != -1 && lastBrace != -1 && lastBrace > firstBrace {
			jsonStringToParse = response[firstBrace : lastBrace+1]
		}
	}

	var bundle schemas.GeneratedCode
	if err := json.Unmarshal([]byte(jsonStringToParse), &bundle); err != nil {
		return nil, fmt.Errorf("failed to unmarshal LLM JSON response: %w. Extracted JSON: %.500s", err, jsonStringToParse)
	}

	// Normalize casing before contract validation so a lowercase "modify"
	// from the model does not fail the pipeline.
	for i := range bundle.Files {
		bundle.Files[i].Action = schemas.FileAction(strings.ToUpper(string(bundle.Files[i].Action)))
	}

	return &bundle, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
