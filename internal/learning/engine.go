// Package learning is the self-improvement engine: it mines executed
// decisions with feedback for success and failure patterns, biases future
// confidence scores with what it found, and reports weak decision areas.
package learning

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	json "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/propmark/autopilot/api/schemas"
)

const (
	// minDecisionsForAnalysis is the floor below which pattern mining is
	// statistically pointless.
	minDecisionsForAnalysis = 5
	// minCohortSize is the per-cohort floor for asking the model to
	// extract patterns.
	minCohortSize = 3
	// maxLearningsForAdjust bounds how many recent learnings bias one
	// confidence score.
	maxLearningsForAdjust = 5
	// adjustStep is the per-learning confidence nudge before weighting.
	adjustStep = 5
	// weakAreaMinExecuted / weakAreaMaxSuccessRate flag decision types the
	// agent is demonstrably bad at.
	weakAreaMinExecuted    = 5
	weakAreaMaxSuccessRate = 0.5
	// confidenceCalibrationArea is the generic impact area consulted for
	// every decision type.
	confidenceCalibrationArea = "confidence_calibration"
)

// Engine mines feedback into learnings and applies them.
type Engine struct {
	logger    *zap.Logger
	repo      schemas.Repository
	llmClient schemas.LLMClient
}

// NewEngine wires the self-improvement engine.
func NewEngine(logger *zap.Logger, repo schemas.Repository, llmClient schemas.LLMClient) *Engine {
	return &Engine{
		logger:    logger.Named("learning"),
		repo:      repo,
		llmClient: llmClient,
	}
}

// AnalyzePastDecisions splits executed-with-feedback decisions into
// success and failure cohorts and asks the reasoning collaborator to
// extract named patterns from each. Every extracted pattern is persisted
// as a Learning. Returns what was created; empty when there is not enough
// history to mine.
func (e *Engine) AnalyzePastDecisions(ctx context.Context) ([]schemas.Learning, error) {
	decisions, err := e.repo.ListExecutedWithFeedback(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load decision history: %w", err)
	}
	if len(decisions) < minDecisionsForAnalysis {
		e.logger.Info("Not enough decision history for pattern analysis.",
			zap.Int("have", len(decisions)), zap.Int("need", minDecisionsForAnalysis))
		return nil, nil
	}

	var succeeded, failed []schemas.Decision
	for _, d := range decisions {
		if d.FeedbackSuccess != nil && *d.FeedbackSuccess {
			succeeded = append(succeeded, d)
		} else {
			failed = append(failed, d)
		}
	}

	var created []schemas.Learning
	if len(succeeded) >= minCohortSize {
		learnings, err := e.extractPatterns(ctx, schemas.LearningSuccessPattern, succeeded)
		if err != nil {
			e.logger.Error("Success-cohort analysis failed.", zap.Error(err))
		} else {
			created = append(created, learnings...)
		}
	}
	if len(failed) >= minCohortSize {
		learnings, err := e.extractPatterns(ctx, schemas.LearningFailurePattern, failed)
		if err != nil {
			e.logger.Error("Failure-cohort analysis failed.", zap.Error(err))
		} else {
			created = append(created, learnings...)
		}
	}

	for i := range created {
		if err := e.repo.CreateLearning(ctx, &created[i]); err != nil {
			return created, fmt.Errorf("failed to persist learning: %w", err)
		}
	}

	e.logger.Info("Pattern analysis complete.",
		zap.Int("decisions", len(decisions)),
		zap.Int("succeeded", len(succeeded)),
		zap.Int("failed", len(failed)),
		zap.Int("learnings", len(created)))
	return created, nil
}

// AdjustConfidence nudges a proposed confidence using the most recent
// valid learnings matching the decision type or the generic calibration
// area. Each learning contributes +/-5 weighted by its own confidence.
func (e *Engine) AdjustConfidence(ctx context.Context, t schemas.DecisionType, baseConfidence int) (int, error) {
	areas := []string{string(t), confidenceCalibrationArea}
	learnings, err := e.repo.ListLearnings(ctx, areas, maxLearningsForAdjust)
	if err != nil {
		return baseConfidence, fmt.Errorf("failed to load learnings: %w", err)
	}

	adjustment := 0.0
	for _, l := range learnings {
		weight := float64(l.Confidence) / 100.0
		switch l.SuggestedAdjustment {
		case schemas.AdjustIncreaseConfidence:
			adjustment += adjustStep * weight
		case schemas.AdjustDecreaseConfidence:
			adjustment -= adjustStep * weight
		}
	}

	adjusted := baseConfidence + int(adjustment)
	if adjusted < 0 {
		adjusted = 0
	}
	if adjusted > 100 {
		adjusted = 100
	}
	if adjusted != baseConfidence {
		e.logger.Debug("Confidence nudged by learnings.",
			zap.String("type", string(t)),
			zap.Int("base", baseConfidence),
			zap.Int("adjusted", adjusted),
			zap.Int("learnings", len(learnings)))
	}
	return adjusted, nil
}

// WeakArea flags a decision type the agent executes poorly.
type WeakArea struct {
	Type        schemas.DecisionType `json:"type"`
	Executed    int                  `json:"executed"`
	Succeeded   int                  `json:"succeeded"`
	SuccessRate float64              `json:"success_rate"`
}

// IdentifyWeakAreas aggregates historical success rate by decision type
// and flags any type with enough volume and a sub-50% success rate.
// Read-only, no side effects.
func (e *Engine) IdentifyWeakAreas(ctx context.Context) ([]WeakArea, error) {
	byType, err := e.repo.ListExecutedByType(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load execution history: %w", err)
	}

	var weak []WeakArea
	for t, decisions := range byType {
		if len(decisions) < weakAreaMinExecuted {
			continue
		}
		succeeded := 0
		for _, d := range decisions {
			if d.FeedbackSuccess != nil && *d.FeedbackSuccess {
				succeeded++
			}
		}
		rate := float64(succeeded) / float64(len(decisions))
		if rate < weakAreaMaxSuccessRate {
			weak = append(weak, WeakArea{
				Type:        t,
				Executed:    len(decisions),
				Succeeded:   succeeded,
				SuccessRate: rate,
			})
		}
	}
	return weak, nil
}

// GenerateRecommendations renders weak areas and recent failure learnings
// into operator-readable recommendation strings.
func (e *Engine) GenerateRecommendations(ctx context.Context) ([]string, error) {
	var recs []string

	weak, err := e.IdentifyWeakAreas(ctx)
	if err != nil {
		return nil, err
	}
	for _, w := range weak {
		recs = append(recs, fmt.Sprintf(
			"Decisions of type %s succeed only %.0f%% of the time (%d of %d). Consider raising the confidence threshold for this type or removing it from the autonomous set.",
			w.Type, w.SuccessRate*100, w.Succeeded, w.Executed))
	}

	failures, err := e.repo.ListLearningsByCategory(ctx, schemas.LearningFailurePattern, maxLearningsForAdjust)
	if err != nil {
		return recs, err
	}
	for _, l := range failures {
		recs = append(recs, fmt.Sprintf("Recurring failure pattern: %s", l.Insight))
	}

	if len(recs) == 0 {
		recs = append(recs, "No weak areas detected; current thresholds look healthy.")
	}
	return recs, nil
}

// llmLearningResponse is one extracted pattern from the reasoning call.
type llmLearningResponse struct {
	Insight             string `json:"insight"`
	Confidence          int    `json:"confidence"`
	ImpactArea          string `json:"impact_area"`
	SuggestedAdjustment string `json:"suggested_adjustment"`
}

var jsonArrayRegex = regexp.MustCompile("(?s)```(?:json)?\\s*(\\[.*\\])\\s*```")

func (e *Engine) extractPatterns(ctx context.Context, category schemas.LearningCategory, cohort []schemas.Decision) ([]schemas.Learning, error) {
	req := schemas.GenerationRequest{
		SystemPrompt: e.getSystemPrompt(category),
		UserPrompt:   e.constructPrompt(cohort),
		Tier:         schemas.TierPowerful,
		Options: schemas.GenerationOptions{
			ForceJSONFormat: true,
			Temperature:     0.3,
		},
	}

	genCtx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	response, err := e.llmClient.Generate(genCtx, req)
	if err != nil {
		return nil, fmt.Errorf("LLM generation failed: %w", err)
	}

	parsed, err := e.parseLLMResponse(response)
	if err != nil {
		e.logger.Error("Failed to parse pattern response.",
			zap.Error(err), zap.String("raw_response", response))
		return nil, err
	}

	now := time.Now().UTC()
	var learnings []schemas.Learning
	for _, p := range parsed {
		if p.Insight == "" {
			continue
		}
		adjustment := strings.ToLower(strings.TrimSpace(p.SuggestedAdjustment))
		if adjustment != schemas.AdjustIncreaseConfidence && adjustment != schemas.AdjustDecreaseConfidence {
			adjustment = schemas.AdjustNone
		}
		confidence := p.Confidence
		if confidence < 0 {
			confidence = 0
		}
		if confidence > 100 {
			confidence = 100
		}
		impactArea := p.ImpactArea
		if impactArea == "" {
			impactArea = confidenceCalibrationArea
		}
		learnings = append(learnings, schemas.Learning{
			ID:                  uuid.New().String(),
			Category:            category,
			Insight:             p.Insight,
			Confidence:          confidence,
			ImpactArea:          impactArea,
			SuggestedAdjustment: adjustment,
			Valid:               true,
			CreatedAt:           now,
		})
	}
	return learnings, nil
}

func (e *Engine) getSystemPrompt(category schemas.LearningCategory) string {
	outcome := "succeeded"
	if category == schemas.LearningFailurePattern {
		outcome = "failed"
	}
	return fmt.Sprintf(`You are the pattern analyst of an autonomous improvement agent.
    You receive a cohort of executed decisions that all %s according to operator feedback, and must extract the recurring patterns that predict this outcome.

    **Output Requirements (Strict JSON Format):**
    Respond ONLY with a JSON array of 1 to 3 patterns:
    [{"insight": "...", "confidence": 0-100, "impact_area": "content_creation|seo_optimization|bug_fix|performance_optimization|data_quality|lead_recovery|confidence_calibration", "suggested_adjustment": "increase_confidence|decrease_confidence|none"}]

    Each pattern must include:
    - insight: A specific, testable observation about what these decisions share.
    - confidence: How strongly the evidence supports the pattern.
    - impact_area: The decision type the pattern applies to, or confidence_calibration if it generalizes.
    - suggested_adjustment: How future confidence scores for this area should shift.

    Do not restate individual decisions; name the shared pattern.`, outcome)
}

func (e *Engine) constructPrompt(cohort []schemas.Decision) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "## DECISION COHORT (%d decisions) ##\n\n", len(cohort))
	for i, d := range cohort {
		fmt.Fprintf(&sb, "-- Decision #%d --\n", i+1)
		fmt.Fprintf(&sb, "Type: %s", d.Type)
		if d.Subtype != "" {
			fmt.Fprintf(&sb, " (%s)", d.Subtype)
		}
		sb.WriteString("\n")
		fmt.Fprintf(&sb, "Category: %s\nConfidence: %d\nReasoning: %s\n", d.Category, d.Confidence, d.Reasoning)
		if d.FeedbackScore != nil {
			fmt.Fprintf(&sb, "Feedback score: %d\n", *d.FeedbackScore)
		}
		if d.FeedbackNotes != "" {
			fmt.Fprintf(&sb, "Feedback notes: %s\n", d.FeedbackNotes)
		}
		if d.ExecutionError != "" {
			fmt.Fprintf(&sb, "Execution error: %s\n", d.ExecutionError)
		}
		sb.WriteString("\n")
	}
	fmt.Fprintf(&sb, "## TASK ##\nExtract the shared patterns. Respond ONLY with the JSON array.\n")
	return sb.String()
}

func (e *Engine) parseLLMResponse(response string) ([]llmLearningResponse, error) {
	response = strings.TrimSpace(response)
	jsonStringToParse := response

	if strings.HasPrefix(response, "```") {
		matches := jsonArrayRegex.FindStringSubmatch(response)
		if len(matches) > 1 {
			jsonStringToParse = matches[1]
		}
	} else if !strings.HasPrefix(response, "[") {
		firstBracket := strings.Index(response, "[")
		lastBracket := strings.LastIndex(response, "]")
		if firstBracket != -1 && lastBracket != -1 && lastBracket > firstBracket {
			jsonStringToParse = response[firstBracket : lastBracket+1]
		}
	}

	var parsed []llmLearningResponse
	if err := json.Unmarshal([]byte(jsonStringToParse), &parsed); err != nil {
		return nil, fmt.Errorf("failed to unmarshal LLM JSON response: %w. Extracted JSON: %.500s", err, jsonStringToParse)
	}
	return parsed, nil
}
