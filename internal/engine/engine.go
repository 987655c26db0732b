// Package engine is the decision core: it turns a data snapshot into ranked
// opportunities and, through the reasoning collaborator, into decisions.
// Nothing the collaborator returns is trusted; every field is validated or
// clamped locally, and auto-execute eligibility is re-derived from config
// regardless of what the model claims.
package engine

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

// Analysis is the output of one engine pass: everything the orchestrator
// needs to persist, report, and act on.
type Analysis struct {
	Opportunities []schemas.Opportunity
	Decisions     []*schemas.Decision
	Insights      []string
	Warnings      []string
	// Confidence is the coarse cycle-level score, 0-100.
	Confidence int
}

// ConfidenceAdjuster biases a proposed confidence using accumulated
// learnings. The learning engine implements it; a nil adjuster is a no-op.
type ConfidenceAdjuster interface {
	AdjustConfidence(ctx context.Context, t schemas.DecisionType, confidence int) (int, error)
}

// Categories an opportunity must belong to before it may be promoted into
// a decision. Error spikes and traffic drops surface as warnings instead;
// their remediation is rarely a single generatable change.
var actionableCategories = map[schemas.OpportunityCategory]bool{
	schemas.OppContentGap:      true,
	schemas.OppLowPerformer:    true,
	schemas.OppMissingMetadata: true,
	schemas.OppLowConversion:   true,
}

const (
	// minActionablePriority keeps low-signal opportunities out of the
	// decision path entirely.
	minActionablePriority = 5
	// maxDecisionsPerCycle bounds reasoning-call volume per cycle.
	maxDecisionsPerCycle = 5
	// dedupWindow suppresses a second decision for the same type+category
	// while one is already pending or approved.
	dedupWindow = 24 * time.Hour
)

// Engine derives opportunities and generates decisions.
type Engine struct {
	logger    *zap.Logger
	repo      schemas.Repository
	llmClient schemas.LLMClient
	adjuster  ConfidenceAdjuster
}

// NewEngine wires the decision core. adjuster may be nil.
func NewEngine(logger *zap.Logger, repo schemas.Repository, llmClient schemas.LLMClient, adjuster ConfidenceAdjuster) *Engine {
	return &Engine{
		logger:    logger.Named("engine"),
		repo:      repo,
		llmClient: llmClient,
		adjuster:  adjuster,
	}
}

// Analyze runs the heuristics over the snapshot, promotes the top
// actionable opportunities into decisions, and scores the cycle. Decisions
// are returned unpersisted; the orchestrator owns persistence and quotas.
func (e *Engine) Analyze(ctx context.Context, cfg schemas.AgentConfig, snapshot schemas.DataSnapshot) (*Analysis, error) {
	opportunities := findOpportunities(snapshot)
	e.logger.Info("Opportunity scan complete.",
		zap.Int("opportunities", len(opportunities)),
		zap.Int("total_views", snapshot.TotalViews),
		zap.Int("error_count", snapshot.ErrorCount))

	candidates := e.selectCandidates(ctx, opportunities)

	var decisions []*schemas.Decision
	for _, opp := range candidates {
		decision, err := e.generateDecision(ctx, cfg, opp, snapshot)
		if err != nil {
			if ctx.Err() != nil {
				return nil, err
			}
			e.logger.Error("Failed to generate decision from opportunity.",
				zap.String("category", string(opp.Category)),
				zap.String("title", opp.Title),
				zap.Error(err))
			continue
		}
		decisions = append(decisions, decision)
	}

	return &Analysis{
		Opportunities: opportunities,
		Decisions:     decisions,
		Insights:      ExtractInsights(snapshot, len(decisions)),
		Warnings:      ExtractWarnings(snapshot),
		Confidence:    ScoreConfidence(snapshot, len(decisions)),
	}, nil
}

// selectCandidates applies the priority floor, the category allow-list, and
// the 24h type+category dedup check.
func (e *Engine) selectCandidates(ctx context.Context, opportunities []schemas.Opportunity) []schemas.Opportunity {
	cutoff := time.Now().Add(-dedupWindow)
	var candidates []schemas.Opportunity
	for _, opp := range opportunities {
		if len(candidates) >= maxDecisionsPerCycle {
			break
		}
		if opp.Priority < minActionablePriority || !actionableCategories[opp.Category] {
			continue
		}
		exists, err := e.repo.RecentDecisionExists(ctx, decisionTypeFor(opp.Category), opp.Category, cutoff)
		if err != nil {
			e.logger.Warn("Dedup check failed, skipping opportunity.",
				zap.String("category", string(opp.Category)), zap.Error(err))
			continue
		}
		if exists {
			e.logger.Debug("Opportunity suppressed, in-flight decision exists.",
				zap.String("category", string(opp.Category)))
			continue
		}
		candidates = append(candidates, opp)
	}
	return candidates
}

// decisionTypeFor maps a heuristic category to the decision type it
// naturally produces. The reasoning call may refine the subtype but the
// dedup key is computed from this mapping.
func decisionTypeFor(category schemas.OpportunityCategory) schemas.DecisionType {
	switch category {
	case schemas.OppContentGap:
		return schemas.DecisionContentCreation
	case schemas.OppLowPerformer:
		return schemas.DecisionLeadRecovery
	case schemas.OppMissingMetadata:
		return schemas.DecisionDataQuality
	case schemas.OppErrorSpike:
		return schemas.DecisionBugFix
	case schemas.OppTrafficDrop:
		return schemas.DecisionPerformance
	case schemas.OppLowConversion:
		return schemas.DecisionSEOOptimization
	default:
		return schemas.DecisionContentCreation
	}
}

// llmDecisionResponse is the expected JSON shape from the reasoning call.
type llmDecisionResponse struct {
	Type             schemas.DecisionType `json:"type"`
	Subtype          string               `json:"subtype"`
	Priority         string               `json:"priority"`
	Confidence       int                  `json:"confidence"`
	Reasoning        string               `json:"reasoning"`
	Action           actionResponse       `json:"action"`
	ExpectedImpact   string               `json:"expected_impact"`
	RollbackPlan     string               `json:"rollback_plan"`
	RequiresApproval *bool                `json:"requires_approval"`
	AutoExecute      bool                 `json:"auto_execute"`
}

type actionResponse struct {
	Type    schemas.ActionType `json:"type"`
	Payload json.RawMessage    `json:"payload"`
}

var jsonObjectRegex = regexp.MustCompile("(?s)```(?:json)?\\s*(\\{.*\\})\\s*```")

// generateDecision asks the reasoning collaborator to turn one opportunity
// into a fully specified decision, then validates it strictly.
func (e *Engine) generateDecision(ctx context.Context, cfg schemas.AgentConfig, opp schemas.Opportunity, snapshot schemas.DataSnapshot) (*schemas.Decision, error) {
	req := schemas.GenerationRequest{
		SystemPrompt: e.getSystemPrompt(),
		UserPrompt:   e.constructPrompt(opp, snapshot),
		Tier:         schemas.TierPowerful,
		Options: schemas.GenerationOptions{
			ForceJSONFormat: true,
			Temperature:     0.2,
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
		e.logger.Error("Failed to parse decision response.",
			zap.Error(err), zap.String("raw_response", response))
		return nil, err
	}

	return e.buildDecision(ctx, cfg, opp, snapshot, parsed)
}

// buildDecision converts a parsed response into a Decision, enforcing the
// local safety rules: unknown types and actions are rejected, confidence is
// clamped, and the auto-execute flag is re-derived from config.
func (e *Engine) buildDecision(ctx context.Context, cfg schemas.AgentConfig, opp schemas.Opportunity, snapshot schemas.DataSnapshot, parsed *llmDecisionResponse) (*schemas.Decision, error) {
	if !schemas.ValidDecisionType(parsed.Type) {
		return nil, fmt.Errorf("unknown decision type %q", parsed.Type)
	}
	action := schemas.Action{Type: parsed.Action.Type, Payload: []byte(parsed.Action.Payload)}
	if err := action.Validate(); err != nil {
		return nil, fmt.Errorf("rejected action: %w", err)
	}
	if parsed.Reasoning == "" {
		return nil, fmt.Errorf("decision is missing reasoning")
	}

	confidence := clamp(parsed.Confidence, 0, 100)
	if e.adjuster != nil && cfg.LearningEnabled {
		adjusted, err := e.adjuster.AdjustConfidence(ctx, parsed.Type, confidence)
		if err != nil {
			e.logger.Warn("Confidence adjustment failed, using raw value.", zap.Error(err))
		} else if adjusted != confidence {
			e.logger.Debug("Confidence adjusted from learnings.",
				zap.Int("raw", confidence), zap.Int("adjusted", adjusted))
			confidence = adjusted
		}
	}

	requiresApproval := true
	if parsed.RequiresApproval != nil {
		requiresApproval = *parsed.RequiresApproval
	}

	// The triple gate. The model's own auto_execute claim is only honored
	// when autonomy is on, confidence clears the threshold, and the type
	// is explicitly allowed to run unattended.
	autoExecute := parsed.AutoExecute &&
		cfg.AutonomousMode &&
		confidence >= cfg.MinConfidence &&
		cfg.TypeAllowed(parsed.Type)

	status := schemas.StatusPending
	if autoExecute {
		// Auto-approved: skips manual review, still subject to the daily
		// auto-execute quota at cycle time.
		status = schemas.StatusApproved
		requiresApproval = false
	}

	snapshotJSON, err := json.Marshal(snapshot)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize snapshot: %w", err)
	}

	now := time.Now().UTC()
	return &schemas.Decision{
		ID:               uuid.New().String(),
		Type:             parsed.Type,
		Subtype:          parsed.Subtype,
		Category:         opp.Category,
		Priority:         parsePriority(parsed.Priority, opp.Priority),
		Confidence:       confidence,
		Reasoning:        parsed.Reasoning,
		Action:           action,
		Snapshot:         snapshotJSON,
		Status:           status,
		RequiresApproval: requiresApproval,
		AutoExecute:      autoExecute,
		ExpectedImpact:   parsed.ExpectedImpact,
		RollbackPlan:     parsed.RollbackPlan,
		CreatedAt:        now,
		UpdatedAt:        now,
	}, nil
}

func (e *Engine) getSystemPrompt() string {
	return `You are the decision generator of an autonomous improvement agent for a real-estate marketing platform.
    You receive one OPPORTUNITY (a ranked observation about the platform) plus a snapshot of current metrics, and must propose exactly one concrete, narrowly scoped decision that addresses it.

    **Output Requirements (Strict JSON Format):**
    Respond ONLY with a JSON object:
    {
      "type": "content_creation|seo_optimization|bug_fix|performance_optimization|data_quality|lead_recovery",
      "subtype": "short_tag",
      "priority": "critical|high|medium|low",
      "confidence": 0-100,
      "reasoning": "Why this change addresses the opportunity.",
      "action": {"type": "generate_content|update_listing|patch_code|update_metadata|tune_seo", "payload": { ... }},
      "expected_impact": "...",
      "rollback_plan": "...",
      "requires_approval": true,
      "auto_execute": false
    }

    **Action payloads:**
    - generate_content: {"topic": "...", "keywords": ["..."], "target_path": "src/content/..."}
    - update_listing: {"listing_id": "...", "fields": { ... }}
    - patch_code: {"description": "...", "target_paths": ["..."]}
    - update_metadata: {"scope": "listings|pages", "fields": ["title", "description"]}
    - tune_seo: {"target_paths": ["..."], "changes": "..."}

    **Guidelines:**
    - One decision per opportunity. Keep it minimal and reversible.
    - Confidence reflects how certain you are the change improves the metric without side effects.
    - Set auto_execute true only for routine, low-risk content or metadata work.`
}

func (e *Engine) constructPrompt(opp schemas.Opportunity, snapshot schemas.DataSnapshot) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "**OPPORTUNITY:** %s\n\n", opp.Title)
	fmt.Fprintf(&sb, "Category: %s\n", opp.Category)
	if opp.Subtype != "" {
		fmt.Fprintf(&sb, "Subtype: %s\n", opp.Subtype)
	}
	fmt.Fprintf(&sb, "Priority: %d/10\nEffort: %s\nImpact: %s\n", opp.Priority, opp.Effort, opp.Impact)
	fmt.Fprintf(&sb, "Trigger: %s\n\n%s\n\n", opp.Trigger, opp.Description)
	if len(opp.Evidence) > 0 {
		fmt.Fprintf(&sb, "Evidence:\n```json\n%s\n```\n\n", string(opp.Evidence))
	}

	fmt.Fprintf(&sb, "## SNAPSHOT ##\n")
	fmt.Fprintf(&sb, "Window: %d days\nTotal views: %d\nTotal leads: %d\nListings: %d\nErrors: %d\nMissing metadata: %d\nConversion: %.2f%%\n\n",
		snapshot.WindowDays, snapshot.TotalViews, snapshot.TotalLeads,
		snapshot.TotalListings, snapshot.ErrorCount, snapshot.MissingMetadata,
		snapshot.ConversionRate()*100)

	fmt.Fprintf(&sb, "## TASK ##\nPropose exactly one decision addressing this opportunity. Respond ONLY with the JSON object.\n")
	return sb.String()
}

func (e *Engine) parseLLMResponse(response string) (*llmDecisionResponse, error) {
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

	var parsed llmDecisionResponse
	if err := json.Unmarshal([]byte(jsonStringToParse), &parsed); err != nil {
		return nil, fmt.Errorf("failed to unmarshal LLM JSON response: %w. Extracted JSON: %.500s", err, jsonStringToParse)
	}
	return &parsed, nil
}

// parsePriority maps the model's bucket string onto the Priority type,
// falling back to a bucket derived from the numeric opportunity priority.
func parsePriority(s string, oppPriority int) schemas.Priority {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case string(schemas.PriorityCritical):
		return schemas.PriorityCritical
	case string(schemas.PriorityHigh):
		return schemas.PriorityHigh
	case string(schemas.PriorityMedium):
		return schemas.PriorityMedium
	case string(schemas.PriorityLow):
		return schemas.PriorityLow
	}
	switch {
	case oppPriority >= 9:
		return schemas.PriorityCritical
	case oppPriority >= 7:
		return schemas.PriorityHigh
	case oppPriority >= 5:
		return schemas.PriorityMedium
	default:
		return schemas.PriorityLow
	}
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
