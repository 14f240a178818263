package adjudication

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/freeeve/enginearena/internal/game"
)

// TestStats accumulates how a rule in test mode would have performed.
type TestStats struct {
	Games       int   `json:"games"`
	Adjudicated int   `json:"adjudicated"`
	Correct     int   `json:"correct"`
	Incorrect   int   `json:"incorrect"`
	TotalTimeMs int64 `json:"total_time_ms"`
	SavedTimeMs int64 `json:"saved_time_ms"`
}

// Accuracy is the share of adjudications that matched the real result.
func (s TestStats) Accuracy() float64 {
	if s.Adjudicated == 0 {
		return 0
	}
	return float64(s.Correct) / float64(s.Adjudicated)
}

// SavedFraction is the share of total thinking time adjudication would have saved.
func (s TestStats) SavedFraction() float64 {
	if s.TotalTimeMs == 0 {
		return 0
	}
	return float64(s.SavedTimeMs) / float64(s.TotalTimeMs)
}

// Adjudicator applies the live rules to running games and evaluates rules in
// test mode against finished games. It is safe for concurrent use.
type Adjudicator struct {
	mu     sync.RWMutex
	draw   DrawConfig
	resign ResignConfig

	statsMu     sync.Mutex
	drawStats   TestStats
	resignStats TestStats

	log zerolog.Logger
}

// New creates an adjudicator. Rules with Active set and TestOnly unset affect
// games; rules with TestOnly set only collect statistics.
func New(draw DrawConfig, resign ResignConfig, logger zerolog.Logger) *Adjudicator {
	return &Adjudicator{
		draw:   draw,
		resign: resign,
		log:    logger.With().Str("component", "adjudication").Logger(),
	}
}

// SetConfig replaces both rule sets.
func (a *Adjudicator) SetConfig(draw DrawConfig, resign ResignConfig) {
	a.mu.Lock()
	a.draw = draw
	a.resign = resign
	a.mu.Unlock()
}

// Config returns the current rule sets.
func (a *Adjudicator) Config() (DrawConfig, ResignConfig) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.draw, a.resign
}

// Adjudicate checks the live rules against a running game.
func (a *Adjudicator) Adjudicate(rec *game.Record) (game.Result, game.EndCause) {
	if a == nil {
		return game.Unterminated, game.CauseOngoing
	}
	draw, resign := a.Config()
	if draw.Active && !draw.TestOnly {
		if res, cause := AdjudicateDraw(draw, rec); res != game.Unterminated {
			return res, cause
		}
	}
	if resign.Active && !resign.TestOnly {
		if res, cause := AdjudicateResign(resign, rec); res != game.Unterminated {
			return res, cause
		}
	}
	return game.Unterminated, game.CauseOngoing
}

// OnGameFinished replays the test mode rules over a finished game. Games that
// were not decided over the board are ignored.
func (a *Adjudicator) OnGameFinished(rec *game.Record) {
	if a == nil || rec == nil {
		return
	}
	switch rec.Cause {
	case game.CauseOngoing, game.CauseAdjudication, game.CauseAborted, game.CauseDisconnected:
		return
	}
	if rec.Result == game.Unterminated {
		return
	}
	draw, resign := a.Config()
	total := rec.TotalTime()

	if draw.TestOnly {
		idx := FindDrawIndex(draw, rec)
		a.record(&a.drawStats, idx, game.Draw, rec, total)
	}
	if resign.TestOnly {
		idx, res := FindResignIndex(resign, rec)
		a.record(&a.resignStats, idx, res, rec, total)
	}
}

func (a *Adjudicator) record(s *TestStats, idx int, predicted game.Result, rec *game.Record, total int64) {
	a.statsMu.Lock()
	defer a.statsMu.Unlock()

	s.Games++
	s.TotalTimeMs += total
	if idx < 0 {
		return
	}
	s.Adjudicated++
	if predicted == rec.Result {
		s.Correct++
	} else {
		s.Incorrect++
		a.log.Debug().
			Str("white", rec.White).
			Str("black", rec.Black).
			Int("ply", idx+1).
			Str("predicted", predicted.String()).
			Str("actual", rec.Result.String()).
			Msg("test adjudication disagrees with result")
	}
	for _, m := range rec.Moves[idx+1:] {
		if !m.Book {
			s.SavedTimeMs += m.TimeMs
		}
	}
}

// Stats returns snapshots of the draw and resign test statistics.
func (a *Adjudicator) Stats() (draw, resign TestStats) {
	a.statsMu.Lock()
	defer a.statsMu.Unlock()
	return a.drawStats, a.resignStats
}
