package game

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/freeeve/pgn/v3"
)

// StartFEN is the standard initial position.
const StartFEN = "rnbqkbnr/pppppppp/8/8/8/8/PPPPPPPP/RNBQKBNR w KQkq - 0 1"

// ErrIllegalMove is returned when a move is not legal in the current position.
var ErrIllegalMove = errors.New("illegal move")

// Board tracks a game position and the state needed to detect game ends that
// the move generator alone cannot see (fifty-move rule, repetition).
type Board struct {
	pos      *pgn.GameState
	halfmove int
	history  map[string]int
	plies    int
}

// NewBoard creates a board from a FEN. An empty FEN or "startpos" selects the
// standard start position. EPD style FENs without move counters are accepted.
func NewBoard(fen string) (*Board, error) {
	fen = NormalizeFEN(fen)
	var pos *pgn.GameState
	if fen == StartFEN {
		pos = pgn.NewStartingPosition()
	} else {
		var err error
		pos, err = pgn.NewGame(fen)
		if err != nil {
			return nil, fmt.Errorf("parse FEN %q: %w", fen, err)
		}
	}
	b := &Board{
		pos:     pos,
		history: make(map[string]int),
	}
	fields := strings.Fields(fen)
	if len(fields) >= 5 {
		if n, err := strconv.Atoi(fields[4]); err == nil {
			b.halfmove = n
		}
	}
	b.history[b.repetitionKey()]++
	return b, nil
}

// NewBoardFromRecord replays the recorded moves on the record's start position.
func NewBoardFromRecord(r *Record) (*Board, error) {
	b, err := NewBoard(r.StartFEN)
	if err != nil {
		return nil, err
	}
	for i, m := range r.Moves {
		if _, err := b.Apply(m.Move); err != nil {
			return nil, fmt.Errorf("replay move %d (%s): %w", i+1, m.Move, err)
		}
	}
	return b, nil
}

// NormalizeFEN fills in defaults for an empty FEN or missing move counters.
func NormalizeFEN(fen string) string {
	fen = strings.TrimSpace(fen)
	if fen == "" || fen == "startpos" {
		return StartFEN
	}
	fields := strings.Fields(fen)
	switch len(fields) {
	case 4:
		fields = append(fields, "0", "1")
	case 5:
		fields = append(fields, "1")
	}
	return strings.Join(fields, " ")
}

// FEN returns the current position as FEN.
func (b *Board) FEN() string {
	return b.pos.ToFEN()
}

// Packed returns the compact position key used for position lookups.
func (b *Board) Packed() pgn.PackedPosition {
	return b.pos.Pack()
}

// HalfmoveClock returns the number of half-moves since the last capture or pawn move.
func (b *Board) HalfmoveClock() int {
	return b.halfmove
}

// SideToMove returns the color to move.
func (b *Board) SideToMove() Color {
	fields := strings.Fields(b.pos.ToFEN())
	if len(fields) > 1 && fields[1] == "b" {
		return Black
	}
	return White
}

// Plies returns the number of half-moves applied since the board was created.
func (b *Board) Plies() int {
	return b.plies
}

// LegalMoves returns all legal moves in UCI notation.
func (b *Board) LegalMoves() []string {
	moves := pgn.GenerateLegalMoves(b.pos)
	out := make([]string, 0, len(moves))
	for _, mv := range moves {
		out = append(out, moveToUCI(mv))
	}
	return out
}

// IsLegal reports whether the UCI move is legal in the current position.
func (b *Board) IsLegal(uci string) bool {
	_, ok := b.find(uci)
	return ok
}

// SAN returns the move in standard algebraic notation without applying it.
func (b *Board) SAN(uci string) (string, error) {
	mv, ok := b.find(uci)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrIllegalMove, uci)
	}
	return mvToSAN(b.pos, mv), nil
}

// ParseSAN converts a SAN move to UCI notation in the current position.
func (b *Board) ParseSAN(san string) (string, error) {
	san = strings.TrimRight(strings.TrimSpace(san), "+#!?")
	mv, err := pgn.ParseSAN(b.pos, san)
	if err != nil {
		return "", fmt.Errorf("parse SAN %q: %w", san, err)
	}
	return moveToUCI(mv), nil
}

// Apply plays a UCI move and returns its SAN.
func (b *Board) Apply(uci string) (string, error) {
	mv, ok := b.find(uci)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrIllegalMove, uci)
	}
	san := mvToSAN(b.pos, mv)

	piece := b.pos.PieceAt(mv.From)
	isPawn := piece == 'P' || piece == 'p'
	isCapture := b.pos.PieceAt(mv.To) != 0 || (isPawn && mv.Flags == 2)

	if err := pgn.ApplyMove(b.pos, mv); err != nil {
		return "", fmt.Errorf("apply %s: %w", uci, err)
	}
	if isPawn || isCapture {
		b.halfmove = 0
		// positions before an irreversible move can never repeat
		b.history = make(map[string]int)
	} else {
		b.halfmove++
	}
	b.plies++
	b.history[b.repetitionKey()]++
	return san, nil
}

// Outcome reports whether the game has ended by the rules of chess.
func (b *Board) Outcome() (Result, EndCause) {
	if len(pgn.GenerateLegalMoves(b.pos)) == 0 {
		if b.pos.IsInCheck() {
			return WinFor(b.SideToMove().Opponent()), CauseCheckmate
		}
		return Draw, CauseStalemate
	}
	if b.halfmove >= 100 {
		return Draw, CauseFiftyMoves
	}
	if b.history[b.repetitionKey()] >= 3 {
		return Draw, CauseRepetition
	}
	if isLowMaterial(b.pos.ToFEN()) {
		return Draw, CauseInsufficientMaterial
	}
	return Unterminated, CauseOngoing
}

func (b *Board) find(uci string) (pgn.Mv, bool) {
	uci = strings.ToLower(strings.TrimSpace(uci))
	for _, mv := range pgn.GenerateLegalMoves(b.pos) {
		if moveToUCI(mv) == uci {
			return mv, true
		}
	}
	return pgn.Mv{}, false
}

// repetitionKey is the FEN without move counters.
func (b *Board) repetitionKey() string {
	fields := strings.Fields(b.pos.ToFEN())
	if len(fields) > 4 {
		fields = fields[:4]
	}
	return strings.Join(fields, " ")
}

// isLowMaterial reports positions where neither side can mate: no pawns,
// rooks or queens and at most one minor piece on the board.
func isLowMaterial(fen string) bool {
	placement, _, _ := strings.Cut(fen, " ")
	minors := 0
	for _, ch := range placement {
		switch ch {
		case 'p', 'P', 'r', 'R', 'q', 'Q':
			return false
		case 'n', 'N', 'b', 'B':
			minors++
		}
	}
	return minors <= 1
}
