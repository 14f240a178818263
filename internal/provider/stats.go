package provider

import (
	"fmt"
	"math"
)

// EloStats are match statistics for one side.
type EloStats struct {
	Games           int     `json:"games"`
	WinningFraction float64 `json:"score"`
	EloDifference   float64 `json:"elo"`
	ErrorMargin     float64 `json:"error_margin"`
	// Unbounded is set when the score is 0 or 1. The Elo difference is then
	// left at 0 since no finite value exists.
	Unbounded bool `json:"unbounded,omitempty"`
	LOS             float64 `json:"los"`
}

// ComputeStats derives the score fraction, Elo difference, likelihood of
// superiority and 95% error margin from a win/loss/draw count.
// https://www.chessprogramming.org/Match_Statistics
func ComputeStats(wins, losses, draws int) EloStats {
	games := wins + losses + draws
	s := EloStats{Games: games}
	if games == 0 {
		s.WinningFraction = 0.5
		s.LOS = 0.5
		return s
	}
	s.WinningFraction = (float64(wins) + 0.5*float64(draws)) / float64(games)
	elo, ok := eloFromScore(s.WinningFraction)
	s.EloDifference, s.Unbounded = elo, !ok
	if wins+losses > 0 {
		s.LOS = 0.5 + 0.5*math.Erf(float64(wins-losses)/math.Sqrt(2*float64(wins+losses)))
	} else {
		s.LOS = 0.5
	}

	n := float64(games)
	w, l, d := float64(wins)/n, float64(losses)/n, float64(draws)/n
	mu := s.WinningFraction
	variance := w*(1-mu)*(1-mu) + l*(0-mu)*(0-mu) + d*(0.5-mu)*(0.5-mu)
	stdev := math.Sqrt(variance / n)
	lo, okLo := eloFromScore(mu - 1.959964*stdev)
	hi, okHi := eloFromScore(mu + 1.959964*stdev)
	if okLo && okHi {
		s.ErrorMargin = (hi - lo) / 2
	}
	return s
}

// FormatElo renders the Elo difference with its error margin, or +inf/-inf
// when the score is 1 or 0.
func (s EloStats) FormatElo() string {
	if s.Unbounded {
		if s.WinningFraction >= 1 {
			return "+inf"
		}
		return "-inf"
	}
	return fmt.Sprintf("%.1f +/- %.1f", s.EloDifference, s.ErrorMargin)
}

// eloFromScore reports false for scores of 0 or 1.
func eloFromScore(score float64) (float64, bool) {
	if score <= 0 || score >= 1 {
		return 0, false
	}
	return -math.Log(1/score-1) * 400 / math.Ln10, true
}
