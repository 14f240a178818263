package game

import (
	"fmt"

	"github.com/freeeve/pgn/v3"
)

// ValidateUCI checks the shape of a UCI move string ("e2e4", "e7e8q").
func ValidateUCI(uci string) error {
	if len(uci) < 4 || len(uci) > 5 {
		return fmt.Errorf("invalid UCI move length: %q", uci)
	}
	if uci[0] < 'a' || uci[0] > 'h' || uci[1] < '1' || uci[1] > '8' {
		return fmt.Errorf("invalid from square in UCI: %s", uci)
	}
	if uci[2] < 'a' || uci[2] > 'h' || uci[3] < '1' || uci[3] > '8' {
		return fmt.Errorf("invalid to square in UCI: %s", uci)
	}
	if len(uci) == 5 {
		switch uci[4] {
		case 'q', 'r', 'b', 'n', 'Q', 'R', 'B', 'N':
		default:
			return fmt.Errorf("invalid promotion piece: %c", uci[4])
		}
	}
	return nil
}

// moveToUCI converts a pgn.Mv to UCI notation (e.g., "e2e4", "e7e8q")
func moveToUCI(mv pgn.Mv) string {
	files := "abcdefgh"
	ranks := "12345678"

	from := string(files[mv.From%8]) + string(ranks[mv.From/8])
	to := string(files[mv.To%8]) + string(ranks[mv.To/8])

	uci := from + to

	switch mv.Promo {
	case pgn.PromoQueen:
		uci += "q"
	case pgn.PromoRook:
		uci += "r"
	case pgn.PromoBishop:
		uci += "b"
	case pgn.PromoKnight:
		uci += "n"
	}

	return uci
}

// MoveToUCI is the exported form of moveToUCI for packages that read PGN games.
func MoveToUCI(mv pgn.Mv) string {
	return moveToUCI(mv)
}

// mvToSAN converts a move to SAN notation
func mvToSAN(pos *pgn.GameState, mv pgn.Mv) string {
	// Check for castling
	if mv.Flags == 4 {
		if mv.To > mv.From {
			return "O-O"
		}
		return "O-O-O"
	}

	fromSq := int(mv.From)
	toSq := int(mv.To)
	fromFile := fromSq % 8
	toFile := toSq % 8
	toRank := toSq / 8

	files := "abcdefgh"
	ranks := "12345678"

	// 'P', 'N', 'B', 'R', 'Q', 'K' for white, lowercase for black
	piece := pos.PieceAt(mv.From)
	isPawn := piece == 'P' || piece == 'p'
	isCapture := pos.PieceAt(mv.To) != 0 || (isPawn && mv.Flags == 2) // en passant

	var san string

	if isPawn {
		if isCapture {
			san = string(files[fromFile]) + "x" + string(files[toFile]) + string(ranks[toRank])
		} else {
			san = string(files[toFile]) + string(ranks[toRank])
		}
		switch mv.Promo {
		case pgn.PromoQueen:
			san += "=Q"
		case pgn.PromoRook:
			san += "=R"
		case pgn.PromoBishop:
			san += "=B"
		case pgn.PromoKnight:
			san += "=N"
		}
	} else {
		pieceChar := piece
		if piece >= 'a' && piece <= 'z' {
			pieceChar = piece - 32
		}
		san = string(pieceChar)

		disambig := ""
		for _, other := range pgn.GenerateLegalMoves(pos) {
			if other.To != mv.To || other.From == mv.From {
				continue
			}
			otherPiece := pos.PieceAt(other.From)
			if otherPiece >= 'a' && otherPiece <= 'z' {
				otherPiece -= 32
			}
			if otherPiece != pieceChar {
				continue
			}
			otherFromFile := int(other.From) % 8
			otherFromRank := int(other.From) / 8
			if fromFile != otherFromFile {
				disambig = string(files[fromFile])
			} else if fromSq/8 != otherFromRank {
				disambig = string(ranks[fromSq/8])
			} else {
				disambig = string(files[fromFile]) + string(ranks[fromSq/8])
			}
			break
		}
		san += disambig

		if isCapture {
			san += "x"
		}
		san += string(files[toFile]) + string(ranks[toRank])
	}

	posCopy := pos.Pack().Unpack()
	if posCopy != nil {
		_ = pgn.ApplyMove(posCopy, mv)
		if posCopy.IsInCheck() {
			if len(pgn.GenerateLegalMoves(posCopy)) == 0 {
				san += "#"
			} else {
				san += "+"
			}
		}
	}

	return san
}
