package opening

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/freeeve/pgn/v3"

	"github.com/freeeve/enginearena/internal/game"
)

// Classification is an ECO code and opening name.
type Classification struct {
	ECO  string `json:"eco"`
	Name string `json:"name"`
}

// Classifier maps positions reached from the start position to ECO codes.
type Classifier struct {
	byPosition map[pgn.PackedPosition]Classification
	count      int
}

// NewClassifier creates an empty classifier.
func NewClassifier() *Classifier {
	return &Classifier{
		byPosition: make(map[pgn.PackedPosition]Classification),
	}
}

// moveNumberRegex matches move numbers like "1." or "12..."
var moveNumberRegex = regexp.MustCompile(`\d+\.+\s*`)

// LoadClassifier loads every ECO .tsv file matching pattern.
func LoadClassifier(pattern string) (*Classifier, error) {
	files, err := Glob(pattern)
	if err != nil {
		return nil, err
	}
	c := NewClassifier()
	for _, file := range files {
		if err := c.LoadFile(file); err != nil {
			return nil, fmt.Errorf("load %s: %w", file, err)
		}
	}
	return c, nil
}

// LoadFile loads one "eco<TAB>name<TAB>pgn" file. Lines that do not parse are skipped.
func (c *Classifier) LoadFile(path string) error {
	return ReadLines(path, func(line string) error {
		if strings.HasPrefix(line, "eco\t") {
			return nil
		}
		parts := strings.SplitN(line, "\t", 3)
		if len(parts) != 3 {
			return nil
		}

		pos := pgn.NewStartingPosition()
		if err := applySAN(pos, parts[2]); err != nil {
			return nil
		}
		c.byPosition[pos.Pack()] = Classification{ECO: parts[0], Name: parts[1]}
		c.count++
		return nil
	})
}

// applySAN parses and applies PGN movetext like "1. e4 e5 2. Nf3 Nc6".
func applySAN(pos *pgn.GameState, movetext string) error {
	cleaned := moveNumberRegex.ReplaceAllString(movetext, "")
	for _, san := range strings.Fields(cleaned) {
		if san[0] == '$' || san[0] == '{' {
			continue
		}
		san = strings.TrimRight(san, "+#")

		mv, err := pgn.ParseSAN(pos, san)
		if err != nil {
			return fmt.Errorf("parse %q: %w", san, err)
		}
		if err := pgn.ApplyMove(pos, mv); err != nil {
			return fmt.Errorf("apply %q: %w", san, err)
		}
	}
	return nil
}

// Lookup returns the classification of a position.
func (c *Classifier) Lookup(pos pgn.PackedPosition) (Classification, bool) {
	cl, ok := c.byPosition[pos]
	return cl, ok
}

// Classify returns the deepest classified position reached by the record's
// moves. Records that do not start from the standard position are not classified.
func (c *Classifier) Classify(rec *game.Record) (Classification, bool) {
	if c == nil || game.NormalizeFEN(rec.StartFEN) != game.StartFEN {
		return Classification{}, false
	}
	board, err := game.NewBoard(game.StartFEN)
	if err != nil {
		return Classification{}, false
	}
	var best Classification
	found := false
	for _, m := range rec.Moves {
		if _, err := board.Apply(m.Move); err != nil {
			break
		}
		if cl, ok := c.byPosition[board.Packed()]; ok {
			best, found = cl, true
		}
	}
	return best, found
}

// Count returns the number of classified positions.
func (c *Classifier) Count() int {
	return c.count
}
