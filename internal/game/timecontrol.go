package game

import (
	"fmt"
	"strconv"
	"strings"
)

// TimeControl describes how much a side may think. Clock based controls use
// BaseMs/IncMs/MovesToGo; the others are fixed per-move limits.
type TimeControl struct {
	MovesToGo  int   `json:"moves_to_go,omitempty" yaml:"moves_to_go,omitempty"`
	BaseMs     int64 `json:"base_ms,omitempty" yaml:"base_ms,omitempty"`
	IncMs      int64 `json:"inc_ms,omitempty" yaml:"inc_ms,omitempty"`
	MoveTimeMs int64 `json:"movetime_ms,omitempty" yaml:"movetime_ms,omitempty"`
	Depth      int   `json:"depth,omitempty" yaml:"depth,omitempty"`
	Nodes      int64 `json:"nodes,omitempty" yaml:"nodes,omitempty"`
	Mate       int   `json:"mate,omitempty" yaml:"mate,omitempty"`
	Infinite   bool  `json:"infinite,omitempty" yaml:"infinite,omitempty"`
}

// HasClock reports whether the control runs a game clock.
func (tc TimeControl) HasClock() bool {
	return tc.BaseMs > 0
}

// IsZero reports whether no limit is set.
func (tc TimeControl) IsZero() bool {
	return tc == TimeControl{}
}

// String renders the control in the PGN TimeControl tag style.
func (tc TimeControl) String() string {
	switch {
	case tc.Infinite:
		return "inf"
	case tc.HasClock():
		s := formatSeconds(tc.BaseMs)
		if tc.MovesToGo > 0 {
			s = strconv.Itoa(tc.MovesToGo) + "/" + s
		}
		if tc.IncMs > 0 {
			s += "+" + formatSeconds(tc.IncMs)
		}
		return s
	case tc.MoveTimeMs > 0:
		return "movetime=" + strconv.FormatInt(tc.MoveTimeMs, 10)
	case tc.Depth > 0:
		return "depth=" + strconv.Itoa(tc.Depth)
	case tc.Nodes > 0:
		return "nodes=" + strconv.FormatInt(tc.Nodes, 10)
	case tc.Mate > 0:
		return "mate=" + strconv.Itoa(tc.Mate)
	}
	return "-"
}

func formatSeconds(ms int64) string {
	return strconv.FormatFloat(float64(ms)/1000, 'f', -1, 64)
}

// ParseTimeControl parses "40/60+0.5", "60+1", "300", "movetime=500",
// "depth=12", "nodes=10000", "mate=3" and "inf". Clock values are seconds.
func ParseTimeControl(s string) (TimeControl, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	var tc TimeControl
	if s == "" || s == "-" {
		return tc, nil
	}
	if s == "inf" || s == "infinite" {
		tc.Infinite = true
		return tc, nil
	}

	if key, val, ok := strings.Cut(s, "="); ok {
		n, err := strconv.ParseInt(val, 10, 64)
		if err != nil || n <= 0 {
			return tc, fmt.Errorf("invalid time control %q", s)
		}
		switch key {
		case "movetime", "st":
			tc.MoveTimeMs = n
		case "depth":
			tc.Depth = int(n)
		case "nodes":
			tc.Nodes = n
		case "mate":
			tc.Mate = int(n)
		default:
			return tc, fmt.Errorf("unknown time control kind %q", key)
		}
		return tc, nil
	}

	rest := s
	if moves, clock, ok := strings.Cut(rest, "/"); ok {
		n, err := strconv.Atoi(moves)
		if err != nil || n <= 0 {
			return tc, fmt.Errorf("invalid moves to go in %q", s)
		}
		tc.MovesToGo = n
		rest = clock
	}
	base, inc, hasInc := strings.Cut(rest, "+")
	baseMs, err := parseSeconds(base)
	if err != nil || baseMs <= 0 {
		return tc, fmt.Errorf("invalid base time in %q", s)
	}
	tc.BaseMs = baseMs
	if hasInc {
		incMs, err := parseSeconds(inc)
		if err != nil || incMs < 0 {
			return tc, fmt.Errorf("invalid increment in %q", s)
		}
		tc.IncMs = incMs
	}
	return tc, nil
}

func parseSeconds(s string) (int64, error) {
	// "1:30" style minutes are accepted as well
	if m, sec, ok := strings.Cut(s, ":"); ok {
		mins, err := strconv.ParseFloat(m, 64)
		if err != nil {
			return 0, err
		}
		secs, err := strconv.ParseFloat(sec, 64)
		if err != nil {
			return 0, err
		}
		return int64((mins*60 + secs) * 1000), nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, err
	}
	return int64(f * 1000), nil
}

// GoLimits are the search limits handed to an engine for one move.
type GoLimits struct {
	MoveTimeMs int64
	Depth      int
	Nodes      int64
	Mate       int
	WTimeMs    int64
	BTimeMs    int64
	WIncMs     int64
	BIncMs     int64
	MovesToGo  int
	Infinite   bool
}

// HasClock reports whether the limits carry remaining-clock values.
func (l GoLimits) HasClock() bool {
	return l.WTimeMs > 0 || l.BTimeMs > 0
}

// TimeFor returns the remaining time of color c.
func (l GoLimits) TimeFor(c Color) int64 {
	if c == White {
		return l.WTimeMs
	}
	return l.BTimeMs
}

// RemainingTime returns the clock time left for color c, or 0 without a clock.
// Time is added at the start of each moves-to-go period and per move increments
// are credited after every move played.
func (r *Record) RemainingTime(c Color) int64 {
	tc := r.TimeControls[c]
	if !tc.HasClock() {
		return 0
	}
	played := r.MovesPlayed(c)
	remaining := tc.BaseMs + tc.IncMs*int64(played) - r.TimeUsed(c)
	if tc.MovesToGo > 0 {
		remaining += tc.BaseMs * int64(played/tc.MovesToGo)
	}
	return remaining
}

// ComputeLimits derives the limits for the side to move from both time controls,
// the moves played and the time already consumed by each side.
func ComputeLimits(r *Record) GoLimits {
	side := r.SideToMove()
	tc := r.TimeControls[side]
	limits := GoLimits{
		MoveTimeMs: tc.MoveTimeMs,
		Depth:      tc.Depth,
		Nodes:      tc.Nodes,
		Mate:       tc.Mate,
		Infinite:   tc.Infinite,
	}
	if tc.HasClock() {
		white, black := r.TimeControls[White], r.TimeControls[Black]
		limits.WTimeMs = clampPositive(r.RemainingTime(White))
		limits.BTimeMs = clampPositive(r.RemainingTime(Black))
		limits.WIncMs = white.IncMs
		limits.BIncMs = black.IncMs
		if tc.MovesToGo > 0 {
			limits.MovesToGo = tc.MovesToGo - r.MovesPlayed(side)%tc.MovesToGo
		}
	}
	return limits
}

// AllottedTime returns how long the side to move may legitimately think, or 0
// when the limits do not bound time (depth, nodes, mate, infinite).
func AllottedTime(r *Record, limits GoLimits) int64 {
	if limits.MoveTimeMs > 0 {
		return limits.MoveTimeMs
	}
	if limits.HasClock() {
		return limits.TimeFor(r.SideToMove())
	}
	return 0
}

func clampPositive(v int64) int64 {
	if v < 1 {
		return 1
	}
	return v
}
