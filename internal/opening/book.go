// Package opening loads opening books and classifies openings by ECO code.
package opening

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/freeeve/pgn/v3"

	"github.com/freeeve/enginearena/internal/game"
)

// Opening is a start position plus optional book moves played from it.
type Opening struct {
	Name  string   `json:"name,omitempty"`
	ECO   string   `json:"eco,omitempty"`
	FEN   string   `json:"fen"`
	Moves []string `json:"moves,omitempty"`
}

// Record builds a game record starting from the opening with the book moves
// already played and flagged as book moves.
func (o Opening) Record() (*game.Record, error) {
	board, err := game.NewBoard(o.FEN)
	if err != nil {
		return nil, err
	}
	rec := &game.Record{StartFEN: board.FEN(), OpeningName: o.Name}
	for _, uci := range o.Moves {
		san, err := board.Apply(uci)
		if err != nil {
			return nil, fmt.Errorf("opening %q: %w", o.Name, err)
		}
		rec.Moves = append(rec.Moves, game.MoveRecord{
			Move:          uci,
			SAN:           san,
			Book:          true,
			HalfmoveClock: board.HalfmoveClock(),
		})
	}
	return rec, nil
}

// Book is an ordered list of openings.
type Book struct {
	openings []Opening
}

// Options controls book loading.
type Options struct {
	// MaxPlies truncates PGN openings; 0 keeps every move.
	MaxPlies int
	// Classifier names PGN openings that carry no Opening tag.
	Classifier *Classifier
}

// NewBook creates a book from openings. An empty book holds the start position.
func NewBook(openings ...Opening) *Book {
	if len(openings) == 0 {
		openings = []Opening{{Name: "startpos", FEN: game.StartFEN}}
	}
	return &Book{openings: openings}
}

// Load reads every file matching pattern. The format follows the extension:
// .epd and .fen hold one position per line, .pgn holds games whose moves
// become book moves. Any of them may be zstd compressed (.zst).
func Load(pattern string, opts Options) (*Book, error) {
	if pattern == "" {
		return NewBook(), nil
	}
	files, err := Glob(pattern)
	if err != nil {
		return nil, err
	}
	var openings []Opening
	for _, file := range files {
		var loaded []Opening
		switch ext := formatOf(file); ext {
		case ".epd", ".fen":
			loaded, err = loadPositions(file)
		case ".pgn":
			loaded, err = loadPGN(file, opts)
		default:
			err = fmt.Errorf("unsupported opening format %q", ext)
		}
		if err != nil {
			return nil, fmt.Errorf("load %s: %w", file, err)
		}
		openings = append(openings, loaded...)
	}
	if len(openings) == 0 {
		return nil, fmt.Errorf("no openings found in %q", pattern)
	}
	return NewBook(openings...), nil
}

func formatOf(path string) string {
	return strings.ToLower(filepath.Ext(strings.TrimSuffix(path, ".zst")))
}

func loadPositions(path string) ([]Opening, error) {
	var out []Opening
	err := ReadLines(path, func(line string) error {
		pos, err := ParseEPD(line)
		if err != nil {
			return err
		}
		name := pos.Opcodes["id"]
		if name == "" {
			name = fmt.Sprintf("%s:%d", filepath.Base(path), len(out)+1)
		}
		out = append(out, Opening{Name: name, ECO: pos.Opcodes["eco"], FEN: pos.FEN})
		return nil
	})
	return out, err
}

func loadPGN(path string, opts Options) ([]Opening, error) {
	parser := pgn.Games(path)
	var out []Opening
	for g := range parser.Games {
		fen := game.StartFEN
		if f := g.Tags["FEN"]; f != "" {
			fen = game.NormalizeFEN(f)
		}
		board, err := game.NewBoard(fen)
		if err != nil {
			continue
		}
		o := Opening{Name: g.Tags["Opening"], ECO: g.Tags["ECO"], FEN: board.FEN()}
		for _, mv := range g.Moves {
			if opts.MaxPlies > 0 && len(o.Moves) >= opts.MaxPlies {
				break
			}
			uci := game.MoveToUCI(mv)
			if _, err := board.Apply(uci); err != nil {
				break
			}
			o.Moves = append(o.Moves, uci)
		}
		if o.Name == "" && opts.Classifier != nil {
			rec := &game.Record{StartFEN: o.FEN}
			for _, m := range o.Moves {
				rec.Moves = append(rec.Moves, game.MoveRecord{Move: m})
			}
			if cl, ok := opts.Classifier.Classify(rec); ok {
				o.Name, o.ECO = cl.Name, cl.ECO
			}
		}
		if o.Name == "" {
			o.Name = fmt.Sprintf("%s:%d", filepath.Base(path), len(out)+1)
		}
		out = append(out, o)
	}
	if err := parser.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// Len returns the number of openings.
func (b *Book) Len() int {
	return len(b.openings)
}

// At returns opening i, wrapping around the end of the book.
func (b *Book) At(i int) Opening {
	n := len(b.openings)
	return b.openings[((i%n)+n)%n]
}

// Openings returns a copy of the opening list.
func (b *Book) Openings() []Opening {
	return append([]Opening(nil), b.openings...)
}
