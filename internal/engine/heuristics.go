package engine

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/propmark/autopilot/api/schemas"
)

// Heuristic thresholds. Tuned against a mid-size portfolio; every heuristic
// is additive, so a snapshot can trip several at once.
const (
	// lowPerformerMinViews is the attention floor below which zero
	// inquiries is just low traffic, not a listing problem.
	lowPerformerMinViews = 50
	// missingMetadataThreshold is the bulk count above which metadata debt
	// becomes worth an automated sweep.
	missingMetadataThreshold = 10
	// errorSpikeThreshold is the system error count that indicates
	// something is actively broken.
	errorSpikeThreshold = 50
	// trafficFloor is the minimum healthy view count for the window.
	trafficFloor = 100
	// conversionFloor is the industry-average lead-to-view rate below
	// which the funnel itself is suspect.
	conversionFloor = 0.02
	// maxContentGapOpportunities caps how many gap topics one cycle emits.
	maxContentGapOpportunities = 3
)

// findOpportunities runs every heuristic against the snapshot and returns
// the combined list sorted by priority, highest first. The sort is stable
// so equal-priority opportunities keep heuristic order.
func findOpportunities(snapshot schemas.DataSnapshot) []schemas.Opportunity {
	var opps []schemas.Opportunity
	opps = append(opps, contentGapOpportunities(snapshot)...)
	opps = append(opps, lowPerformerOpportunities(snapshot)...)
	opps = append(opps, missingMetadataOpportunities(snapshot)...)
	opps = append(opps, errorSpikeOpportunities(snapshot)...)
	opps = append(opps, trafficOpportunities(snapshot)...)
	opps = append(opps, conversionOpportunities(snapshot)...)

	sort.SliceStable(opps, func(i, j int) bool {
		return opps[i].Priority > opps[j].Priority
	})
	return opps
}

// contentGapOpportunities covers two cases: specific uncovered SEO topics
// ranked by search volume, and the degenerate zero-traffic site where the
// only sensible move is producing content at all.
func contentGapOpportunities(s schemas.DataSnapshot) []schemas.Opportunity {
	var opps []schemas.Opportunity

	if s.TotalViews == 0 {
		opps = append(opps, schemas.Opportunity{
			Category:    schemas.OppContentGap,
			Subtype:     "increase_content_production",
			Title:       "Increase content production",
			Description: "The site recorded zero views in the analysis window. Without indexed content there is no traffic to optimize; content production is the prerequisite for every other improvement.",
			Trigger:     "total_views == 0",
			Priority:    8,
			Effort:      "medium",
			Impact:      "high",
		})
	}

	gaps := s.ContentGaps
	sort.SliceStable(gaps, func(i, j int) bool {
		return gaps[i].SearchVolume > gaps[j].SearchVolume
	})
	for i, gap := range gaps {
		if i >= maxContentGapOpportunities {
			break
		}
		priority := 5
		if gap.SearchVolume >= 1000 {
			priority = 7
		} else if gap.SearchVolume >= 500 {
			priority = 6
		}
		evidence, _ := json.Marshal(gap)
		opps = append(opps, schemas.Opportunity{
			Category:       schemas.OppContentGap,
			Subtype:        "seo_topic",
			Title:          fmt.Sprintf("Cover SEO topic %q", gap.Topic),
			Description:    fmt.Sprintf("The topic %q has an estimated monthly search volume of %d and no matching content on the site.", gap.Topic, gap.SearchVolume),
			Trigger:        fmt.Sprintf("content gap: %s", gap.Topic),
			Priority:       priority,
			Effort:         "low",
			Impact:         "medium",
			ProjectedLeads: gap.SearchVolume / 100,
			Evidence:       evidence,
		})
	}
	return opps
}

// lowPerformerOpportunities flags listings that attract attention but
// convert none of it.
func lowPerformerOpportunities(s schemas.DataSnapshot) []schemas.Opportunity {
	var flagged []schemas.ListingStat
	for _, ls := range s.ListingStats {
		if ls.Views >= lowPerformerMinViews && ls.Inquiries == 0 {
			flagged = append(flagged, ls)
		}
	}
	if len(flagged) == 0 {
		return nil
	}

	priority := 6
	if len(flagged) >= 5 {
		priority = 7
	}
	evidence, _ := json.Marshal(flagged)
	return []schemas.Opportunity{{
		Category:       schemas.OppLowPerformer,
		Title:          fmt.Sprintf("%d listings with views but zero inquiries", len(flagged)),
		Description:    fmt.Sprintf("%d listings received %d+ views each without a single inquiry. Their presentation (photos, description, pricing context) is failing to convert attention into contact.", len(flagged), lowPerformerMinViews),
		Trigger:        fmt.Sprintf("%d listings over view floor with 0 inquiries", len(flagged)),
		Priority:       priority,
		Effort:         "medium",
		Impact:         "high",
		ProjectedLeads: len(flagged),
		Evidence:       evidence,
	}}
}

func missingMetadataOpportunities(s schemas.DataSnapshot) []schemas.Opportunity {
	if s.MissingMetadata <= missingMetadataThreshold {
		return nil
	}
	return []schemas.Opportunity{{
		Category:    schemas.OppMissingMetadata,
		Title:       fmt.Sprintf("%d pages missing SEO metadata", s.MissingMetadata),
		Description: fmt.Sprintf("%d listings or pages lack titles, descriptions, or structured data. Bulk-generating metadata is a low-risk, high-coverage fix.", s.MissingMetadata),
		Trigger:     fmt.Sprintf("missing_metadata %d > %d", s.MissingMetadata, missingMetadataThreshold),
		Priority:    6,
		Effort:      "low",
		Impact:      "medium",
	}}
}

func errorSpikeOpportunities(s schemas.DataSnapshot) []schemas.Opportunity {
	if s.ErrorCount <= errorSpikeThreshold {
		return nil
	}
	priority := 7
	if s.ErrorCount > errorSpikeThreshold*4 {
		priority = 9
	}
	return []schemas.Opportunity{{
		Category:    schemas.OppErrorSpike,
		Title:       fmt.Sprintf("Error spike: %d errors in window", s.ErrorCount),
		Description: fmt.Sprintf("The platform logged %d errors during the analysis window, above the %d threshold. Broken pages lose both visitors and search ranking.", s.ErrorCount, errorSpikeThreshold),
		Trigger:     fmt.Sprintf("error_count %d > %d", s.ErrorCount, errorSpikeThreshold),
		Priority:    priority,
		Effort:      "medium",
		Impact:      "high",
	}}
}

func trafficOpportunities(s schemas.DataSnapshot) []schemas.Opportunity {
	// The zero case belongs to the content-gap heuristic.
	if s.TotalViews == 0 || s.TotalViews >= trafficFloor {
		return nil
	}
	return []schemas.Opportunity{{
		Category:    schemas.OppTrafficDrop,
		Title:       fmt.Sprintf("Traffic below floor: %d views", s.TotalViews),
		Description: fmt.Sprintf("Total views (%d) fell below the healthy floor of %d for the window. Indexing, sitemap, or performance regressions are the usual suspects.", s.TotalViews, trafficFloor),
		Trigger:     fmt.Sprintf("total_views %d < %d", s.TotalViews, trafficFloor),
		Priority:    7,
		Effort:      "medium",
		Impact:      "high",
	}}
}

func conversionOpportunities(s schemas.DataSnapshot) []schemas.Opportunity {
	rate := s.ConversionRate()
	// Too little traffic to judge a rate.
	if s.TotalViews < trafficFloor || rate >= conversionFloor {
		return nil
	}
	return []schemas.Opportunity{{
		Category:       schemas.OppLowConversion,
		Title:          fmt.Sprintf("Conversion rate %.2f%% below industry floor", rate*100),
		Description:    fmt.Sprintf("Lead-to-view conversion is %.2f%%, under the %.1f%% industry baseline. Inquiry forms, calls to action, and listing detail quality drive this number.", rate*100, conversionFloor*100),
		Trigger:        fmt.Sprintf("conversion %.4f < %.4f", rate, conversionFloor),
		Priority:       6,
		Effort:         "medium",
		Impact:         "high",
		ProjectedLeads: int(float64(s.TotalViews)*conversionFloor) - s.TotalLeads,
	}}
}
