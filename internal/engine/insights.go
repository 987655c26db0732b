package engine

import (
	"fmt"

	"github.com/propmark/autopilot/api/schemas"
)

// ExtractInsights derives the human-readable cycle summary. Pure function
// of the snapshot and decision count.
func ExtractInsights(s schemas.DataSnapshot, decisionCount int) []string {
	var insights []string

	if s.TotalViews > 0 {
		insights = append(insights, fmt.Sprintf(
			"Platform recorded %d views and %d leads over %d days (%.2f%% conversion).",
			s.TotalViews, s.TotalLeads, s.WindowDays, s.ConversionRate()*100))
	} else {
		insights = append(insights, "Platform recorded no views in the analysis window; content production is the limiting factor.")
	}

	if len(s.ContentGaps) > 0 {
		best := s.ContentGaps[0]
		for _, gap := range s.ContentGaps[1:] {
			if gap.SearchVolume > best.SearchVolume {
				best = gap
			}
		}
		insights = append(insights, fmt.Sprintf(
			"%d uncovered SEO topics identified; the largest (%q) carries an estimated %d monthly searches.",
			len(s.ContentGaps), best.Topic, best.SearchVolume))
	}

	if decisionCount > 0 {
		insights = append(insights, fmt.Sprintf("%d improvement decisions generated this cycle.", decisionCount))
	} else {
		insights = append(insights, "No actionable opportunities cleared the decision threshold this cycle.")
	}

	return insights
}

// ExtractWarnings surfaces snapshot conditions that need operator
// attention regardless of what was decided.
func ExtractWarnings(s schemas.DataSnapshot) []string {
	var warnings []string
	if s.ErrorCount > errorSpikeThreshold {
		warnings = append(warnings, fmt.Sprintf("Error count (%d) exceeds the %d threshold.", s.ErrorCount, errorSpikeThreshold))
	}
	if s.TotalViews > 0 && s.TotalViews < trafficFloor {
		warnings = append(warnings, fmt.Sprintf("Traffic (%d views) is below the healthy floor of %d.", s.TotalViews, trafficFloor))
	}
	if s.TotalViews >= trafficFloor && s.ConversionRate() < conversionFloor {
		warnings = append(warnings, fmt.Sprintf("Conversion rate (%.2f%%) is below the %.1f%% baseline.", s.ConversionRate()*100, conversionFloor*100))
	}
	return warnings
}

// ScoreConfidence produces the coarse cycle confidence: a base score
// raised by sample size and decision yield, lowered by error volume.
func ScoreConfidence(s schemas.DataSnapshot, decisionCount int) int {
	score := 50

	// More data, more trust in the heuristics.
	switch {
	case s.TotalViews >= 10000:
		score += 20
	case s.TotalViews >= 1000:
		score += 10
	case s.TotalViews >= 100:
		score += 5
	}

	if decisionCount > 0 {
		score += 5 * decisionCount
		if score > 85 {
			score = 85
		}
	}

	// A noisy platform undermines every metric the heuristics read.
	switch {
	case s.ErrorCount > errorSpikeThreshold*4:
		score -= 25
	case s.ErrorCount > errorSpikeThreshold:
		score -= 15
	}

	return clamp(score, 0, 100)
}
