// Package game holds the unit-of-work types shared by task providers, game managers
// and engine workers: tasks, game records, results, time controls and board rules.
package game

import (
	"strings"
)

// Result is the outcome of a game.
type Result int

const (
	Unterminated Result = iota
	WhiteWins
	BlackWins
	Draw
)

func (r Result) String() string {
	switch r {
	case WhiteWins:
		return "1-0"
	case BlackWins:
		return "0-1"
	case Draw:
		return "1/2-1/2"
	default:
		return "*"
	}
}

// ParseResult parses a PGN result token.
func ParseResult(s string) Result {
	switch strings.TrimSpace(s) {
	case "1-0":
		return WhiteWins
	case "0-1":
		return BlackWins
	case "1/2-1/2", "1/2":
		return Draw
	default:
		return Unterminated
	}
}

// WinFor returns the result in which the given color wins.
func WinFor(c Color) Result {
	if c == White {
		return WhiteWins
	}
	return BlackWins
}

// EndCause explains why a game ended.
type EndCause int

const (
	CauseOngoing EndCause = iota
	CauseCheckmate
	CauseStalemate
	CauseFiftyMoves
	CauseRepetition
	CauseInsufficientMaterial
	CauseAdjudication
	CauseTimeout
	CauseDisconnected
	CauseIllegalMove
	CauseAborted
)

var causeNames = []string{
	CauseOngoing:              "ongoing",
	CauseCheckmate:            "checkmate",
	CauseStalemate:            "stalemate",
	CauseFiftyMoves:           "fiftymoves",
	CauseRepetition:           "repetition",
	CauseInsufficientMaterial: "material",
	CauseAdjudication:         "adjudication",
	CauseTimeout:              "timeout",
	CauseDisconnected:         "disconnected",
	CauseIllegalMove:          "illegalmove",
	CauseAborted:              "aborted",
}

func (c EndCause) String() string {
	if c < 0 || int(c) >= len(causeNames) {
		return "unknown"
	}
	return causeNames[c]
}

// ParseEndCause maps a cause name back to its value. Unknown names return false.
func ParseEndCause(s string) (EndCause, bool) {
	for i, name := range causeNames {
		if name == s {
			return EndCause(i), true
		}
	}
	return CauseOngoing, false
}

// Color is a side of the board.
type Color int

const (
	White Color = iota
	Black
)

// Opponent returns the other color.
func (c Color) Opponent() Color {
	return c ^ 1
}

func (c Color) String() string {
	if c == White {
		return "white"
	}
	return "black"
}

// MateScore is the centipawn equivalent used for mate announcements.
const MateScore = 100000

// MoveRecord is one half-move with the search metadata reported by the engine
// that played it. Scores are from the mover's perspective.
type MoveRecord struct {
	Move          string   `json:"move" yaml:"move"`
	SAN           string   `json:"san,omitempty" yaml:"san,omitempty"`
	TimeMs        int64    `json:"time_ms" yaml:"time_ms"`
	Depth         int      `json:"depth,omitempty" yaml:"depth,omitempty"`
	SelDepth      int      `json:"seldepth,omitempty" yaml:"seldepth,omitempty"`
	Nodes         int64    `json:"nodes,omitempty" yaml:"nodes,omitempty"`
	ScoreCp       int      `json:"cp,omitempty" yaml:"cp,omitempty"`
	Mate          int      `json:"mate,omitempty" yaml:"mate,omitempty"`
	HasScore      bool     `json:"has_score" yaml:"has_score"`
	HalfmoveClock int      `json:"halfmove_clock" yaml:"halfmove_clock"`
	PV            []string `json:"pv,omitempty" yaml:"pv,omitempty"`
	Book          bool     `json:"book,omitempty" yaml:"book,omitempty"`
}

// Score returns the centipawn score with mate scores mapped close to ±MateScore.
func (m MoveRecord) Score() int {
	switch {
	case m.Mate > 0:
		return MateScore - m.Mate
	case m.Mate < 0:
		return -MateScore - m.Mate
	default:
		return m.ScoreCp
	}
}

// Record is the move history of one game or analysis plus its metadata.
type Record struct {
	StartFEN     string            `json:"start_fen" yaml:"start_fen"`
	Moves        []MoveRecord      `json:"moves" yaml:"moves"`
	TimeControls [2]TimeControl    `json:"time_controls" yaml:"time_controls"`
	White        string            `json:"white" yaml:"white"`
	Black        string            `json:"black" yaml:"black"`
	Round        int               `json:"round" yaml:"round"`
	GameInRound  int               `json:"game_in_round" yaml:"game_in_round"`
	OpeningIndex int               `json:"opening_index" yaml:"opening_index"`
	OpeningName  string            `json:"opening_name,omitempty" yaml:"opening_name,omitempty"`
	Result       Result            `json:"result" yaml:"result"`
	Cause        EndCause          `json:"cause" yaml:"cause"`
	Tags         map[string]string `json:"tags,omitempty" yaml:"tags,omitempty"`
}

// Clone returns a deep copy. Providers receive clones so they never share the
// manager's live record.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	c := *r
	c.Moves = make([]MoveRecord, len(r.Moves))
	for i, m := range r.Moves {
		c.Moves[i] = m
		if m.PV != nil {
			c.Moves[i].PV = append([]string(nil), m.PV...)
		}
	}
	if r.Tags != nil {
		c.Tags = make(map[string]string, len(r.Tags))
		for k, v := range r.Tags {
			c.Tags[k] = v
		}
	}
	return &c
}

// StartColor returns the side to move in the start position.
func (r *Record) StartColor() Color {
	fields := strings.Fields(r.StartFEN)
	if len(fields) > 1 && fields[1] == "b" {
		return Black
	}
	return White
}

// ColorOf returns the color that played the half-move at index i.
func (r *Record) ColorOf(i int) Color {
	if i%2 == 0 {
		return r.StartColor()
	}
	return r.StartColor().Opponent()
}

// SideToMove returns the color to move after the recorded moves.
func (r *Record) SideToMove() Color {
	return r.ColorOf(len(r.Moves))
}

// MovesPlayed counts the non-book moves made by color c.
func (r *Record) MovesPlayed(c Color) int {
	n := 0
	for i, m := range r.Moves {
		if !m.Book && r.ColorOf(i) == c {
			n++
		}
	}
	return n
}

// TimeUsed sums the thinking time of color c in milliseconds.
func (r *Record) TimeUsed(c Color) int64 {
	var total int64
	for i, m := range r.Moves {
		if !m.Book && r.ColorOf(i) == c {
			total += m.TimeMs
		}
	}
	return total
}

// TotalTime sums the thinking time of both sides.
func (r *Record) TotalTime() int64 {
	return r.TimeUsed(White) + r.TimeUsed(Black)
}

// FullMoves returns the number of completed full moves in the record.
func (r *Record) FullMoves() int {
	return len(r.Moves) / 2
}

// LastMove returns the last half-move or false when the record is empty.
func (r *Record) LastMove() (MoveRecord, bool) {
	if len(r.Moves) == 0 {
		return MoveRecord{}, false
	}
	return r.Moves[len(r.Moves)-1], true
}

// UCIMoves returns the move list in UCI notation.
func (r *Record) UCIMoves() []string {
	out := make([]string, len(r.Moves))
	for i, m := range r.Moves {
		out[i] = m.Move
	}
	return out
}

// SetResult stores the final result and cause.
func (r *Record) SetResult(res Result, cause EndCause) {
	r.Result = res
	r.Cause = cause
}

// IsFinished reports whether a result has been recorded.
func (r *Record) IsFinished() bool {
	return r.Result != Unterminated
}
