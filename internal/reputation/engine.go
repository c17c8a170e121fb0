// Package reputation derives trust scores, tiers and dispute-window policy
// from settlement-outcome history. All functions are pure.
package reputation

import (
	"math"

	"github.com/agentmarkets/trustline/internal/domain"
)

// RatingFor maps a settlement outcome to its fixed 1-5 rating. Ratings are
// derived, never entered manually.
func RatingFor(outcome domain.Outcome) int {
	switch outcome {
	case domain.OutcomeReleased:
		return 5
	case domain.OutcomeDisputedRelease:
		return 3 // disputed but seller prevailed
	case domain.OutcomeRefunded:
		return 2 // deadline passed, no delivery
	case domain.OutcomeDisputedRefund:
		return 1 // disputed and seller failed
	default:
		return 3
	}
}

// Score computes the canonical recency-weighted score over an agent's
// feedback, ordered oldest first. The i-th of n entries (1-indexed) carries
// weight 0.5 + 0.5*(i/n), so weights rise linearly from just above 0.5 to
// exactly 1.0. The result is rounded to 2 decimal places.
func Score(feedbacks []domain.ReputationFeedback) (score float64, tier domain.Tier, count int) {
	n := len(feedbacks)
	if n == 0 {
		return 0, domain.TierNew, 0
	}

	var totalWeight, weightedSum float64
	for i, fb := range feedbacks {
		w := 0.5 + 0.5*float64(i+1)/float64(n)
		totalWeight += w
		weightedSum += float64(fb.Rating) * w
	}

	score = round2(weightedSum / totalWeight)
	return score, ClassifyTier(score, n), n
}

// ClassifyTier buckets a score and transaction count. Conditions are
// evaluated in priority order; the first match wins.
func ClassifyTier(score float64, count int) domain.Tier {
	switch {
	case count < 3:
		return domain.TierNew
	case score >= 4.5 && count >= 10:
		return domain.TierTrusted
	case score >= 4.0 && count >= 5:
		return domain.TierReliable
	case score >= 3.0:
		return domain.TierStandard
	default:
		return domain.TierCaution
	}
}

// DisputeWindowHours returns the buyer-protection window for a seller tier.
// Trusted sellers get faster settlement finality; unproven or flagged sellers
// get a longer window.
func DisputeWindowHours(tier domain.Tier) int {
	switch tier {
	case domain.TierTrusted:
		return 12
	case domain.TierReliable:
		return 24
	case domain.TierStandard:
		return 48
	default: // NEW, CAUTION
		return 72
	}
}

// Stats are aggregate terminal-state counts for a seller. Disputed counts
// transactions settled through dispute resolution; a dispute still open is
// not an outcome and must not appear here.
type Stats struct {
	Released int
	Refunded int
	Disputed int
}

// Total returns the number of terminal transactions in the stats.
func (s Stats) Total() int {
	return s.Released + s.Refunded + s.Disputed
}

// ScoreFromStats is a lossy approximation of Score for agents with no
// feedback rows to read. It weighs outcome counts by their fixed ratings with
// no recency component, so it can diverge from the canonical score; the cache
// refresher always prefers Score when feedback exists.
func ScoreFromStats(s Stats) (score float64, tier domain.Tier, count int) {
	total := s.Total()
	if total == 0 {
		return 0, domain.TierNew, 0
	}
	sum := 5*s.Released + 2*s.Refunded + 1*s.Disputed
	score = round2(float64(sum) / float64(total))
	return score, ClassifyTier(score, total), total
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
