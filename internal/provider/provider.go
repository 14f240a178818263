// Package provider implements the contest policies that hand out tasks to game
// managers and consume their results: engine pairs, tournaments, SPRT tests
// and EPD test suites.
package provider

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/freeeve/enginearena/internal/game"
)

var (
	ErrUnknownTask     = errors.New("unknown task id")
	ErrDuplicateResult = errors.New("result already recorded")
)

// Provider hands out tasks and ingests results. Implementations are safe for
// concurrent use by several game managers.
type Provider interface {
	// NextTask returns the next task, or false when nothing is available now.
	NextTask() (*game.Task, bool)
	// SetGameRecord ingests the finished record of a task. Unknown or stale
	// task ids are logged and ignored. A record with Result Unterminated and
	// Cause CauseAborted marks a task that was never played.
	SetGameRecord(taskID string, rec *game.Record)
	// SetPV reports search progress; returning true asks the engine to move now.
	SetPV(taskID string, pv []string, timeMs int64, depth int, nodes int64, multipv int) bool
}

// Drainer is implemented by providers that know when they are finished. A
// drained provider will never offer another task and has no task in flight.
type Drainer interface {
	Drained() bool
}

// Summarizer is implemented by providers that expose a status summary.
type Summarizer interface {
	Summary() any
}

// GameSink persists finished games.
type GameSink interface {
	SaveGame(rec *game.Record) error
}

// IsAborted reports whether rec marks a task that was never played.
func IsAborted(rec *game.Record) bool {
	return rec == nil || (rec.Result == game.Unterminated && rec.Cause == game.CauseAborted)
}

// DuelResult holds cumulative results of engine A against engine B.
type DuelResult struct {
	EngineA string `json:"engine_a"`
	EngineB string `json:"engine_b"`
	WinsA   int    `json:"wins_a"`
	WinsB   int    `json:"wins_b"`
	Draws   int    `json:"draws"`
}

// Games returns the number of completed games.
func (d DuelResult) Games() int {
	return d.WinsA + d.WinsB + d.Draws
}

// Score returns engine A's points.
func (d DuelResult) Score() float64 {
	return float64(d.WinsA) + 0.5*float64(d.Draws)
}

// Stats returns the match statistics from engine A's point of view.
func (d DuelResult) Stats() EloStats {
	return ComputeStats(d.WinsA, d.WinsB, d.Draws)
}

func (d DuelResult) String() string {
	return fmt.Sprintf("%s vs %s: +%d -%d =%d", d.EngineA, d.EngineB, d.WinsA, d.WinsB, d.Draws)
}

// CauseStats holds end cause histograms from engine A's point of view.
type CauseStats struct {
	Wins   map[game.EndCause]int `json:"wins"`
	Draws  map[game.EndCause]int `json:"draws"`
	Losses map[game.EndCause]int `json:"losses"`
}

// NewCauseStats returns empty histograms.
func NewCauseStats() CauseStats {
	return CauseStats{
		Wins:   make(map[game.EndCause]int),
		Draws:  make(map[game.EndCause]int),
		Losses: make(map[game.EndCause]int),
	}
}

// Clone returns a deep copy.
func (c CauseStats) Clone() CauseStats {
	out := NewCauseStats()
	for k, v := range c.Wins {
		out.Wins[k] = v
	}
	for k, v := range c.Draws {
		out.Draws[k] = v
	}
	for k, v := range c.Losses {
		out.Losses[k] = v
	}
	return out
}

// formatCauses renders a histogram as "cause:count,..." sorted by cause.
func formatCauses(h map[game.EndCause]int) string {
	causes := make([]game.EndCause, 0, len(h))
	for c, n := range h {
		if n > 0 {
			causes = append(causes, c)
		}
	}
	sort.Slice(causes, func(i, j int) bool { return causes[i] < causes[j] })
	parts := make([]string, len(causes))
	for i, c := range causes {
		parts[i] = c.String() + ":" + strconv.Itoa(h[c])
	}
	return strings.Join(parts, ",")
}

// parseCauses parses a "cause:count,..." histogram.
func parseCauses(s string) (map[game.EndCause]int, error) {
	h := make(map[game.EndCause]int)
	s = strings.TrimSpace(s)
	if s == "" {
		return h, nil
	}
	for _, part := range strings.Split(s, ",") {
		name, count, ok := strings.Cut(strings.TrimSpace(part), ":")
		if !ok {
			return nil, fmt.Errorf("invalid cause entry %q", part)
		}
		c, ok := game.ParseEndCause(name)
		if !ok {
			return nil, fmt.Errorf("unknown cause %q", name)
		}
		n, err := strconv.Atoi(count)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("invalid cause count %q", part)
		}
		h[c] += n
	}
	return h, nil
}
