package learning_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/propmark/autopilot/api/schemas"
	"github.com/propmark/autopilot/internal/learning"
	"github.com/propmark/autopilot/internal/mocks"
)

func newLearning(t *testing.T, repo *mocks.MockRepository, llm *mocks.MockLLMClient) *learning.Engine {
	t.Helper()
	return learning.NewEngine(zaptest.NewLogger(t), repo, llm)
}

func fedBackDecision(t schemas.DecisionType, success bool, score int) schemas.Decision {
	return schemas.Decision{
		ID:              string(t) + "-d",
		Type:            t,
		Category:        schemas.OppContentGap,
		Confidence:      80,
		Reasoning:       "r",
		Status:          schemas.StatusExecuted,
		FeedbackSuccess: &success,
		FeedbackScore:   &score,
	}
}

func TestAnalyzePastDecisions_NotEnoughHistory(t *testing.T) {
	repo := new(mocks.MockRepository)
	llm := new(mocks.MockLLMClient)
	repo.On("ListExecutedWithFeedback", mock.Anything).Return([]schemas.Decision{
		fedBackDecision(schemas.DecisionContentCreation, true, 90),
	}, nil)

	e := newLearning(t, repo, llm)
	created, err := e.AnalyzePastDecisions(context.Background())
	require.NoError(t, err)
	assert.Empty(t, created)
	llm.AssertNotCalled(t, "Generate", mock.Anything, mock.Anything)
}

func TestAnalyzePastDecisions_MinesBothCohorts(t *testing.T) {
	repo := new(mocks.MockRepository)
	llm := new(mocks.MockLLMClient)

	history := []schemas.Decision{
		fedBackDecision(schemas.DecisionContentCreation, true, 92),
		fedBackDecision(schemas.DecisionContentCreation, true, 88),
		fedBackDecision(schemas.DecisionSEOOptimization, true, 85),
		fedBackDecision(schemas.DecisionBugFix, false, 20),
		fedBackDecision(schemas.DecisionBugFix, false, 30),
		fedBackDecision(schemas.DecisionDataQuality, false, 40),
	}
	repo.On("ListExecutedWithFeedback", mock.Anything).Return(history, nil)

	// One pattern per cohort; both calls return well-formed arrays.
	llm.On("Generate", mock.Anything, mock.Anything).Return(`[
		{"insight": "content decisions with concrete keywords score high", "confidence": 80, "impact_area": "content_creation", "suggested_adjustment": "increase_confidence"}
	]`, nil).Once()
	llm.On("Generate", mock.Anything, mock.Anything).Return(`[
		{"insight": "bug fixes without error samples fail", "confidence": 70, "impact_area": "bug_fix", "suggested_adjustment": "decrease_confidence"}
	]`, nil).Once()

	var persisted []*schemas.Learning
	repo.On("CreateLearning", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			persisted = append(persisted, args.Get(1).(*schemas.Learning))
		}).
		Return(nil)

	e := newLearning(t, repo, llm)
	created, err := e.AnalyzePastDecisions(context.Background())
	require.NoError(t, err)

	require.Len(t, created, 2)
	assert.Equal(t, schemas.LearningSuccessPattern, created[0].Category)
	assert.Equal(t, schemas.AdjustIncreaseConfidence, created[0].SuggestedAdjustment)
	assert.Equal(t, schemas.LearningFailurePattern, created[1].Category)
	assert.Len(t, persisted, 2)
	llm.AssertExpectations(t)
}

func TestAnalyzePastDecisions_CohortFailureIsNotFatal(t *testing.T) {
	repo := new(mocks.MockRepository)
	llm := new(mocks.MockLLMClient)

	history := []schemas.Decision{
		fedBackDecision(schemas.DecisionContentCreation, true, 92),
		fedBackDecision(schemas.DecisionContentCreation, true, 88),
		fedBackDecision(schemas.DecisionSEOOptimization, true, 85),
		fedBackDecision(schemas.DecisionBugFix, false, 20),
		fedBackDecision(schemas.DecisionBugFix, false, 30),
		fedBackDecision(schemas.DecisionDataQuality, false, 40),
	}
	repo.On("ListExecutedWithFeedback", mock.Anything).Return(history, nil)

	// Success cohort returns junk, failure cohort parses.
	llm.On("Generate", mock.Anything, mock.Anything).Return("no patterns here", nil).Once()
	llm.On("Generate", mock.Anything, mock.Anything).Return(`[
		{"insight": "low-confidence bug fixes fail", "confidence": 60, "impact_area": "bug_fix", "suggested_adjustment": "decrease_confidence"}
	]`, nil).Once()
	repo.On("CreateLearning", mock.Anything, mock.Anything).Return(nil)

	e := newLearning(t, repo, llm)
	created, err := e.AnalyzePastDecisions(context.Background())
	require.NoError(t, err)
	require.Len(t, created, 1)
	assert.Equal(t, schemas.LearningFailurePattern, created[0].Category)
}

func TestAnalyzePastDecisions_NormalizesModelOutput(t *testing.T) {
	repo := new(mocks.MockRepository)
	llm := new(mocks.MockLLMClient)

	var history []schemas.Decision
	for i := 0; i < 5; i++ {
		history = append(history, fedBackDecision(schemas.DecisionContentCreation, true, 90))
	}
	repo.On("ListExecutedWithFeedback", mock.Anything).Return(history, nil)
	llm.On("Generate", mock.Anything, mock.Anything).Return(`[
		{"insight": "pattern", "confidence": 150, "impact_area": "", "suggested_adjustment": "make_it_so"},
		{"insight": "", "confidence": 50, "impact_area": "x", "suggested_adjustment": "none"}
	]`, nil)
	repo.On("CreateLearning", mock.Anything, mock.Anything).Return(nil)

	e := newLearning(t, repo, llm)
	created, err := e.AnalyzePastDecisions(context.Background())
	require.NoError(t, err)

	// The empty-insight entry is dropped, the other normalized.
	require.Len(t, created, 1)
	assert.Equal(t, 100, created[0].Confidence)
	assert.Equal(t, "confidence_calibration", created[0].ImpactArea)
	assert.Equal(t, schemas.AdjustNone, created[0].SuggestedAdjustment)
}

func TestAdjustConfidence(t *testing.T) {
	learningOf := func(adjustment string, confidence int) schemas.Learning {
		return schemas.Learning{
			Category:            schemas.LearningCalibration,
			Insight:             "i",
			Confidence:          confidence,
			ImpactArea:          "content_creation",
			SuggestedAdjustment: adjustment,
			Valid:               true,
			CreatedAt:           time.Now().UTC(),
		}
	}

	cases := []struct {
		name      string
		learnings []schemas.Learning
		base      int
		want      int
	}{
		{"no learnings no change", nil, 80, 80},
		{
			"full-weight increase adds the step",
			[]schemas.Learning{learningOf(schemas.AdjustIncreaseConfidence, 100)},
			80, 85,
		},
		{
			"half-weight decrease rounds toward zero",
			[]schemas.Learning{learningOf(schemas.AdjustDecreaseConfidence, 50)},
			80, 78,
		},
		{
			"opposing learnings cancel",
			[]schemas.Learning{
				learningOf(schemas.AdjustIncreaseConfidence, 100),
				learningOf(schemas.AdjustDecreaseConfidence, 100),
			},
			80, 80,
		},
		{
			"none suggestion is inert",
			[]schemas.Learning{learningOf(schemas.AdjustNone, 100)},
			80, 80,
		},
		{
			"clamped at the ceiling",
			[]schemas.Learning{
				learningOf(schemas.AdjustIncreaseConfidence, 100),
				learningOf(schemas.AdjustIncreaseConfidence, 100),
			},
			98, 100,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			repo := new(mocks.MockRepository)
			repo.On("ListLearnings", mock.Anything,
				[]string{"content_creation", "confidence_calibration"}, 5).
				Return(tc.learnings, nil)

			e := newLearning(t, repo, new(mocks.MockLLMClient))
			got, err := e.AdjustConfidence(context.Background(), schemas.DecisionContentCreation, tc.base)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestIdentifyWeakAreas(t *testing.T) {
	repo := new(mocks.MockRepository)
	succeedingAndFailing := func(total, succeeded int, t schemas.DecisionType) []schemas.Decision {
		var out []schemas.Decision
		for i := 0; i < total; i++ {
			out = append(out, fedBackDecision(t, i < succeeded, 50))
		}
		return out
	}
	repo.On("ListExecutedByType", mock.Anything).Return(map[schemas.DecisionType][]schemas.Decision{
		// 2 of 6: weak.
		schemas.DecisionBugFix: succeedingAndFailing(6, 2, schemas.DecisionBugFix),
		// 5 of 6: healthy.
		schemas.DecisionContentCreation: succeedingAndFailing(6, 5, schemas.DecisionContentCreation),
		// 0 of 3: bad rate but below the volume floor.
		schemas.DecisionSEOOptimization: succeedingAndFailing(3, 0, schemas.DecisionSEOOptimization),
	}, nil)

	e := newLearning(t, repo, new(mocks.MockLLMClient))
	weak, err := e.IdentifyWeakAreas(context.Background())
	require.NoError(t, err)

	require.Len(t, weak, 1)
	assert.Equal(t, schemas.DecisionBugFix, weak[0].Type)
	assert.Equal(t, 6, weak[0].Executed)
	assert.Equal(t, 2, weak[0].Succeeded)
	assert.InDelta(t, 1.0/3.0, weak[0].SuccessRate, 1e-9)
}

func TestGenerateRecommendations(t *testing.T) {
	t.Run("healthy history yields the default message", func(t *testing.T) {
		repo := new(mocks.MockRepository)
		repo.On("ListExecutedByType", mock.Anything).Return(map[schemas.DecisionType][]schemas.Decision{}, nil)
		repo.On("ListLearningsByCategory", mock.Anything, schemas.LearningFailurePattern, 5).
			Return(nil, nil)

		e := newLearning(t, repo, new(mocks.MockLLMClient))
		recs, err := e.GenerateRecommendations(context.Background())
		require.NoError(t, err)
		require.Len(t, recs, 1)
		assert.Contains(t, recs[0], "healthy")
	})

	t.Run("weak areas and failure patterns are both reported", func(t *testing.T) {
		repo := new(mocks.MockRepository)
		var bugFixes []schemas.Decision
		for i := 0; i < 5; i++ {
			bugFixes = append(bugFixes, fedBackDecision(schemas.DecisionBugFix, false, 20))
		}
		repo.On("ListExecutedByType", mock.Anything).Return(map[schemas.DecisionType][]schemas.Decision{
			schemas.DecisionBugFix: bugFixes,
		}, nil)
		repo.On("ListLearningsByCategory", mock.Anything, schemas.LearningFailurePattern, 5).
			Return([]schemas.Learning{{Insight: "fixes without reproduction steps fail"}}, nil)

		e := newLearning(t, repo, new(mocks.MockLLMClient))
		recs, err := e.GenerateRecommendations(context.Background())
		require.NoError(t, err)
		require.Len(t, recs, 2)
		assert.Contains(t, recs[0], "bug_fix")
		assert.Contains(t, recs[1], "reproduction steps")
	})
}
