package integrator

import (
	"math"

	"apparel/catalog/internal/domain"
)

// QualityReport summarizes one Integrate call. It depends only on the batch.
type QualityReport struct {
	TotalProcessed      int            `json:"total_processed"`
	AcceptedCount       int            `json:"accepted_count"`
	RejectedCount       int            `json:"rejected_count"`
	DuplicatesRemoved   int            `json:"duplicates_removed"`
	ErrorHistogram      map[Reason]int `json:"error_histogram"`
	AverageQualityScore float64        `json:"average_quality_score"`
}

// ValidRate is the accepted share of processed records in percent.
func (r QualityReport) ValidRate() float64 {
	if r.TotalProcessed == 0 {
		return 0
	}
	return round2(float64(r.AcceptedCount) / float64(r.TotalProcessed) * 100)
}

func buildReport(total int, accepted []domain.Product, rejected []Rejection, duplicates int) QualityReport {
	report := QualityReport{
		TotalProcessed:    total,
		AcceptedCount:     len(accepted),
		RejectedCount:     len(rejected),
		DuplicatesRemoved: duplicates,
		ErrorHistogram:    make(map[Reason]int),
	}
	for _, r := range rejected {
		report.ErrorHistogram[r.Err.Reason]++
	}
	if len(accepted) > 0 {
		sum := 0
		for _, p := range accepted {
			sum += p.DataQualityScore
		}
		report.AverageQualityScore = round2(float64(sum) / float64(len(accepted)))
	}
	return report
}

// dataQualityScore weighs field completeness 60/40 against cleanliness.
func dataQualityScore(present, warnings int) int {
	completeness := float64(present) / canonicalFields * 100
	cleanliness := math.Max(0, float64(100-warningPenalty*warnings))
	score := int(math.Round(0.6*completeness + 0.4*cleanliness))
	return min(max(score, 0), 100)
}

// popularityScore ranks products. With sales or rating missing the
// remaining term is scaled by how complete the record is.
func popularityScore(p domain.Product, present int) float64 {
	switch {
	case p.SalesCount != nil && p.Rating != nil:
		return round2(float64(*p.SalesCount)*0.6 + *p.Rating*1000*0.4)
	case p.SalesCount != nil:
		return round2(float64(*p.SalesCount) * 0.6 * completenessRatio(present))
	case p.Rating != nil:
		return round2(*p.Rating * 1000 * 0.4 * completenessRatio(present))
	default:
		return 0
	}
}

func completenessRatio(present int) float64 {
	return float64(present) / canonicalFields
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
