// Package adjudication decides early game ends from evaluation trends and keeps
// accuracy statistics for rules running in test mode.
package adjudication

import (
	"github.com/freeeve/enginearena/internal/game"
)

// DrawConfig configures draw adjudication.
type DrawConfig struct {
	Active                   bool `mapstructure:"active" json:"active"`
	TestOnly                 bool `mapstructure:"test_only" json:"test_only"`
	MinFullMoves             int  `mapstructure:"min_full_moves" json:"min_full_moves"`
	RequiredConsecutiveMoves int  `mapstructure:"moves" json:"moves"`
	CentipawnThreshold       int  `mapstructure:"threshold" json:"threshold"`
}

// ResignConfig configures resign adjudication.
type ResignConfig struct {
	Active                   bool `mapstructure:"active" json:"active"`
	TestOnly                 bool `mapstructure:"test_only" json:"test_only"`
	TwoSided                 bool `mapstructure:"two_sided" json:"two_sided"`
	RequiredConsecutiveMoves int  `mapstructure:"moves" json:"moves"`
	CentipawnThreshold       int  `mapstructure:"threshold" json:"threshold"`
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

// AdjudicateDraw returns Draw when at least MinFullMoves have been played, the
// last 2k half-moves all carry a score within the threshold and the halfmove
// clock shows no capture or pawn move during those 2k half-moves.
func AdjudicateDraw(cfg DrawConfig, rec *game.Record) (game.Result, game.EndCause) {
	k := cfg.RequiredConsecutiveMoves
	if k <= 0 || rec == nil {
		return game.Unterminated, game.CauseOngoing
	}
	n := len(rec.Moves)
	if rec.FullMoves() < cfg.MinFullMoves || n < 2*k {
		return game.Unterminated, game.CauseOngoing
	}
	if rec.Moves[n-1].HalfmoveClock < 2*k {
		return game.Unterminated, game.CauseOngoing
	}
	for _, m := range rec.Moves[n-2*k:] {
		if !m.HasScore || abs(m.Score()) > cfg.CentipawnThreshold {
			return game.Unterminated, game.CauseOngoing
		}
	}
	return game.Draw, game.CauseAdjudication
}

// streak counts how many of color c's most recent scored moves satisfy ok,
// stopping at the first one that does not.
func streak(rec *game.Record, c game.Color, ok func(score int) bool) int {
	count := 0
	for i := len(rec.Moves) - 1; i >= 0; i-- {
		if rec.ColorOf(i) != c {
			continue
		}
		m := rec.Moves[i]
		if m.Book || !m.HasScore || !ok(m.Score()) {
			break
		}
		count++
	}
	return count
}

// AdjudicateResign declares a win when one side's last k moves all scored at
// or below -threshold. With TwoSided the opponent's last k moves must also
// have scored at or above +threshold. Any move breaking a streak resets it.
func AdjudicateResign(cfg ResignConfig, rec *game.Record) (game.Result, game.EndCause) {
	k := cfg.RequiredConsecutiveMoves
	if k <= 0 || rec == nil || len(rec.Moves) == 0 {
		return game.Unterminated, game.CauseOngoing
	}
	t := cfg.CentipawnThreshold
	losing := func(score int) bool { return score <= -t }
	winning := func(score int) bool { return score >= t }

	// the side that just moved is checked first
	last := rec.ColorOf(len(rec.Moves) - 1)
	for _, loser := range []game.Color{last, last.Opponent()} {
		if streak(rec, loser, losing) < k {
			continue
		}
		if cfg.TwoSided && streak(rec, loser.Opponent(), winning) < k {
			continue
		}
		return game.WinFor(loser.Opponent()), game.CauseAdjudication
	}
	return game.Unterminated, game.CauseOngoing
}

// prefix returns a view of rec holding only the first n half-moves.
func prefix(rec *game.Record, n int) *game.Record {
	view := *rec
	view.Moves = rec.Moves[:n]
	return &view
}

// FindDrawIndex returns the index of the first half-move after which the draw
// rule would have fired, or -1.
func FindDrawIndex(cfg DrawConfig, rec *game.Record) int {
	for i := range rec.Moves {
		if res, _ := AdjudicateDraw(cfg, prefix(rec, i+1)); res == game.Draw {
			return i
		}
	}
	return -1
}

// FindResignIndex returns the index of the first half-move after which the
// resign rule would have fired together with the result it would have given,
// or -1.
func FindResignIndex(cfg ResignConfig, rec *game.Record) (int, game.Result) {
	for i := range rec.Moves {
		if res, _ := AdjudicateResign(cfg, prefix(rec, i+1)); res != game.Unterminated {
			return i, res
		}
	}
	return -1, game.Unterminated
}
