// Package archive persists finished games: PGN files, the SQLite results
// ledger and the resumable contest state file.
package archive

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/freeeve/enginearena/internal/game"
	"github.com/freeeve/enginearena/internal/opening"
)

// PGNOptions configures a PGNWriter.
type PGNOptions struct {
	Event string
	Site  string
	// Classifier fills the ECO tag of games that do not carry one.
	Classifier *opening.Classifier
	// Comments adds score/depth/time comments to every engine move.
	Comments bool
}

// PGNWriter appends games to a PGN file. A path ending in .zst is written as
// a zstd stream that is flushed after every game.
type PGNWriter struct {
	mu   sync.Mutex
	opts PGNOptions
	file *os.File
	enc  *zstd.Encoder
	bw   *bufio.Writer
	n    int
}

// NewPGNWriter opens path for appending.
func NewPGNWriter(path string, opts PGNOptions) (*PGNWriter, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create pgn directory: %w", err)
		}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open pgn %s: %w", path, err)
	}
	w := &PGNWriter{opts: opts, file: f}
	var out io.Writer = f
	if strings.HasSuffix(path, ".zst") {
		enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("create zstd encoder: %w", err)
		}
		w.enc = enc
		out = enc
	}
	w.bw = bufio.NewWriter(out)
	return w, nil
}

// SaveGame appends rec.
func (w *PGNWriter) SaveGame(rec *game.Record) error {
	text, err := FormatPGN(rec, w.opts)
	if err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return fmt.Errorf("pgn writer closed")
	}
	if _, err := w.bw.WriteString(text); err != nil {
		return fmt.Errorf("write pgn: %w", err)
	}
	if err := w.bw.Flush(); err != nil {
		return fmt.Errorf("flush pgn: %w", err)
	}
	if w.enc != nil {
		if err := w.enc.Flush(); err != nil {
			return fmt.Errorf("flush zstd: %w", err)
		}
	}
	w.n++
	return nil
}

// Games returns the number of games written.
func (w *PGNWriter) Games() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.n
}

// Close flushes and closes the file.
func (w *PGNWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	var firstErr error
	if err := w.bw.Flush(); err != nil {
		firstErr = err
	}
	if w.enc != nil {
		if err := w.enc.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := w.file.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	w.file = nil
	return firstErr
}

func termination(c game.EndCause) string {
	switch c {
	case game.CauseAdjudication:
		return "adjudication"
	case game.CauseTimeout:
		return "time forfeit"
	case game.CauseDisconnected:
		return "abandoned"
	case game.CauseIllegalMove:
		return "rules infraction"
	case game.CauseOngoing, game.CauseAborted:
		return "unterminated"
	default:
		return "normal"
	}
}

func timeControlTag(rec *game.Record) string {
	w, b := rec.TimeControls[game.White], rec.TimeControls[game.Black]
	if w == b {
		return w.String()
	}
	return w.String() + ":" + b.String()
}

// FormatPGN renders one game with its tag pairs and SAN movetext.
func FormatPGN(rec *game.Record, opts PGNOptions) (string, error) {
	board, err := game.NewBoard(rec.StartFEN)
	if err != nil {
		return "", err
	}
	startFEN := game.NormalizeFEN(rec.StartFEN)
	moveNumber := 1
	if fields := strings.Fields(startFEN); len(fields) == 6 {
		if n, err := strconv.Atoi(fields[5]); err == nil && n > 0 {
			moveNumber = n
		}
	}

	var body strings.Builder
	for i, m := range rec.Moves {
		san := m.SAN
		applied, err := board.Apply(m.Move)
		if err != nil {
			return "", fmt.Errorf("move %d: %w", i+1, err)
		}
		if san == "" {
			san = applied
		}
		white := rec.ColorOf(i) == game.White
		switch {
		case white:
			fmt.Fprintf(&body, "%d. ", moveNumber)
		case i == 0:
			fmt.Fprintf(&body, "%d... ", moveNumber)
		}
		body.WriteString(san)
		body.WriteByte(' ')
		if c := moveComment(m, opts.Comments); c != "" {
			body.WriteString("{" + c + "} ")
		}
		if !white {
			moveNumber++
		}
	}
	body.WriteString(rec.Result.String())

	tags := [][2]string{
		{"Event", firstNonEmpty(rec.Tags["Event"], opts.Event, "?")},
		{"Site", firstNonEmpty(rec.Tags["Site"], opts.Site, "?")},
		{"Date", firstNonEmpty(rec.Tags["Date"], time.Now().Format("2006.01.02"))},
		{"Round", firstNonEmpty(rec.Tags["Round"], roundTag(rec))},
		{"White", firstNonEmpty(rec.White, "?")},
		{"Black", firstNonEmpty(rec.Black, "?")},
		{"Result", rec.Result.String()},
	}
	if startFEN != game.StartFEN {
		tags = append(tags, [2]string{"FEN", startFEN}, [2]string{"SetUp", "1"})
	}
	eco := rec.Tags["ECO"]
	if eco == "" && opts.Classifier != nil {
		if cl, ok := opts.Classifier.Classify(rec); ok {
			eco = cl.ECO
		}
	}
	if eco != "" {
		tags = append(tags, [2]string{"ECO", eco})
	}
	if rec.OpeningName != "" {
		tags = append(tags, [2]string{"Opening", rec.OpeningName})
	}
	tags = append(tags,
		[2]string{"TimeControl", timeControlTag(rec)},
		[2]string{"Termination", termination(rec.Cause)},
		[2]string{"PlyCount", strconv.Itoa(len(rec.Moves))},
	)

	var out strings.Builder
	for _, t := range tags {
		fmt.Fprintf(&out, "[%s \"%s\"]\n", t[0], escapeTag(t[1]))
	}
	out.WriteByte('\n')
	out.WriteString(wrap(body.String(), 80))
	out.WriteString("\n\n")
	return out.String(), nil
}

func roundTag(rec *game.Record) string {
	if rec.Round == 0 {
		return "?"
	}
	if rec.GameInRound == 0 {
		return strconv.Itoa(rec.Round)
	}
	return strconv.Itoa(rec.Round) + "." + strconv.Itoa(rec.GameInRound)
}

func moveComment(m game.MoveRecord, enabled bool) string {
	if m.Book {
		return "book"
	}
	if !enabled || !m.HasScore {
		return ""
	}
	var score string
	if m.Mate != 0 {
		sign := "+"
		if m.Mate < 0 {
			sign = "-"
		}
		score = fmt.Sprintf("%sM%d", sign, abs(m.Mate))
	} else {
		score = fmt.Sprintf("%+.2f", float64(m.ScoreCp)/100)
	}
	return fmt.Sprintf("%s/%d %.1fs", score, m.Depth, float64(m.TimeMs)/1000)
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func escapeTag(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	return strings.ReplaceAll(s, `"`, `\"`)
}

// wrap breaks movetext at spaces so no line exceeds width.
func wrap(text string, width int) string {
	var out strings.Builder
	line := 0
	for i, word := range strings.Fields(text) {
		if i > 0 {
			if line+1+len(word) > width {
				out.WriteByte('\n')
				line = 0
			} else {
				out.WriteByte(' ')
				line++
			}
		}
		out.WriteString(word)
		line += len(word)
	}
	return out.String()
}
