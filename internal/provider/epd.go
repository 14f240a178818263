package provider

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/freeeve/enginearena/internal/game"
	"github.com/freeeve/enginearena/internal/opening"
)

// unset marks correctAt values that have not been reached.
const unset = -1

// maxEpdAttempts bounds how often an aborted position is handed out again.
const maxEpdAttempts = 2

// EpdPosition is one test position with its expected best moves in UCI.
type EpdPosition struct {
	ID        string
	FEN       string
	BestMoves []string
}

// LoadEPD reads every EPD file matching pattern. Lines without a "bm" opcode
// or with best moves that are not legal are skipped.
func LoadEPD(pattern string, logger zerolog.Logger) ([]EpdPosition, error) {
	files, err := opening.Glob(pattern)
	if err != nil {
		return nil, err
	}
	var out []EpdPosition
	skipped := 0
	for _, file := range files {
		n := 0
		err := opening.ReadLines(file, func(line string) error {
			n++
			pos, err := parseEpdPosition(line)
			if err != nil {
				skipped++
				logger.Debug().Err(err).Str("file", file).Int("line", n).Msg("skipping EPD line")
				return nil
			}
			if pos.ID == "" {
				pos.ID = fmt.Sprintf("%d", len(out)+1)
			}
			out = append(out, pos)
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", file, err)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no test positions found in %q", pattern)
	}
	logger.Info().Int("positions", len(out)).Int("skipped", skipped).Msg("loaded EPD test set")
	return out, nil
}

func parseEpdPosition(line string) (EpdPosition, error) {
	e, err := opening.ParseEPD(line)
	if err != nil {
		return EpdPosition{}, err
	}
	bm := e.Opcodes["bm"]
	if bm == "" {
		return EpdPosition{}, fmt.Errorf("no bm opcode")
	}
	board, err := game.NewBoard(e.FEN)
	if err != nil {
		return EpdPosition{}, err
	}
	pos := EpdPosition{ID: e.Opcodes["id"], FEN: board.FEN()}
	for _, san := range strings.Fields(bm) {
		uci, err := board.ParseSAN(san)
		if err != nil {
			// some suites write best moves in coordinate notation
			if game.ValidateUCI(san) == nil && board.IsLegal(san) {
				uci = strings.ToLower(san)
			} else {
				return EpdPosition{}, err
			}
		}
		pos.BestMoves = append(pos.BestMoves, uci)
	}
	return pos, nil
}

// EpdConfig configures the runner.
type EpdConfig struct {
	// MaxTimeMs is the move time per position when TimeControl is unset.
	MaxTimeMs int64 `mapstructure:"max_time_ms" json:"max_time_ms"`
	// MinTimeMs is the minimum thinking time before an early stop.
	MinTimeMs int64 `mapstructure:"min_time_ms" json:"min_time_ms"`
	// SeenPlies is how many plies beyond the first correct depth the best
	// move has to stay on top before the search is stopped.
	SeenPlies   int              `mapstructure:"seen_plies" json:"seen_plies"`
	TimeControl game.TimeControl `mapstructure:"-" json:"tc"`
	Engine      string           `mapstructure:"-" json:"engine"`
}

// EpdResult is the outcome for one test position.
type EpdResult struct {
	ID              string   `yaml:"id" json:"id"`
	FEN             string   `yaml:"fen" json:"fen"`
	BestMoves       []string `yaml:"best_moves" json:"best_moves"`
	Played          string   `yaml:"played" json:"played"`
	Correct         bool     `yaml:"correct" json:"correct"`
	CorrectAtDepth  int      `yaml:"correct_at_depth" json:"correct_at_depth"`
	CorrectAtTimeMs int64    `yaml:"correct_at_time_ms" json:"correct_at_time_ms"`
	CorrectAtNodes  int64    `yaml:"correct_at_nodes" json:"correct_at_nodes"`
	Depth           int      `yaml:"depth" json:"depth"`
	Nodes           int64    `yaml:"nodes" json:"nodes"`
	TimeMs          int64    `yaml:"time_ms" json:"time_ms"`
	Tested          bool     `yaml:"tested" json:"tested"`

	attempts int
}

func (r *EpdResult) resetCorrectAt() {
	r.CorrectAtDepth = unset
	r.CorrectAtTimeMs = unset
	r.CorrectAtNodes = unset
}

func (r *EpdResult) isBest(move string) bool {
	move = strings.ToLower(move)
	for _, bm := range r.BestMoves {
		if bm == move {
			return true
		}
	}
	return false
}

// EpdRunner hands out one ComputeMove task per test position.
type EpdRunner struct {
	mu       sync.Mutex
	cfg      EpdConfig
	results  []EpdResult
	inFlight map[int]bool
	log      zerolog.Logger
}

// NewEpdRunner creates a runner over positions.
func NewEpdRunner(positions []EpdPosition, cfg EpdConfig, logger zerolog.Logger) *EpdRunner {
	if cfg.TimeControl.IsZero() {
		if cfg.MaxTimeMs <= 0 {
			cfg.MaxTimeMs = 10000
		}
		cfg.TimeControl = game.TimeControl{MoveTimeMs: cfg.MaxTimeMs}
	}
	r := &EpdRunner{
		cfg:      cfg,
		results:  make([]EpdResult, len(positions)),
		inFlight: make(map[int]bool),
		log:      logger.With().Str("component", "epd").Str("engine", cfg.Engine).Logger(),
	}
	for i, p := range positions {
		r.results[i] = EpdResult{ID: p.ID, FEN: p.FEN, BestMoves: p.BestMoves}
		r.results[i].resetCorrectAt()
	}
	return r
}

// NextTask returns the next untested position.
func (r *EpdRunner) NextTask() (*game.Task, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.results {
		res := &r.results[i]
		if res.Tested || r.inFlight[i] {
			continue
		}
		r.inFlight[i] = true
		res.attempts++
		rec := &game.Record{
			StartFEN:     res.FEN,
			TimeControls: [2]game.TimeControl{r.cfg.TimeControl, r.cfg.TimeControl},
			White:        r.cfg.Engine,
			Black:        r.cfg.Engine,
			GameInRound:  i + 1,
			Tags:         map[string]string{"EPD": res.ID},
		}
		return &game.Task{ID: strconv.Itoa(i), Type: game.TaskComputeMove, Record: rec}, true
	}
	return nil, false
}

func (r *EpdRunner) index(taskID string) (int, bool) {
	i, err := strconv.Atoi(taskID)
	if err != nil || i < 0 || i >= len(r.results) {
		return 0, false
	}
	return i, true
}

// SetPV tracks the first depth at which the principal variation starts with a
// best move. It returns true once the move has stayed on top for SeenPlies
// more plies and MinTimeMs has passed.
func (r *EpdRunner) SetPV(taskID string, pv []string, timeMs int64, depth int, nodes int64, multipv int) bool {
	if len(pv) == 0 || multipv > 1 {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	i, ok := r.index(taskID)
	if !ok || r.results[i].Tested {
		return false
	}
	res := &r.results[i]
	res.Depth, res.Nodes, res.TimeMs = depth, nodes, timeMs

	if !res.isBest(pv[0]) {
		res.resetCorrectAt()
		return false
	}
	if res.CorrectAtDepth == unset {
		res.CorrectAtDepth = depth
		res.CorrectAtTimeMs = timeMs
		res.CorrectAtNodes = nodes
	}
	return depth >= res.CorrectAtDepth+r.cfg.SeenPlies && timeMs >= r.cfg.MinTimeMs
}

// SetGameRecord finalizes a position from the move the engine committed to.
func (r *EpdRunner) SetGameRecord(taskID string, rec *game.Record) {
	r.mu.Lock()
	defer r.mu.Unlock()

	i, ok := r.index(taskID)
	if !ok {
		r.log.Warn().Str("task_id", taskID).Err(ErrUnknownTask).Msg("result not counted")
		return
	}
	res := &r.results[i]
	delete(r.inFlight, i)
	if res.Tested {
		r.log.Warn().Str("task_id", taskID).Err(ErrDuplicateResult).Msg("result not counted")
		return
	}

	if IsAborted(rec) || len(rec.Moves) == 0 {
		if res.attempts < maxEpdAttempts {
			r.log.Info().Str("id", res.ID).Msg("position released")
			res.resetCorrectAt()
			return
		}
		res.Tested = true
		res.resetCorrectAt()
		r.log.Warn().Str("id", res.ID).Int("attempts", res.attempts).Msg("position abandoned")
		return
	}

	last := rec.Moves[len(rec.Moves)-1]
	res.Tested = true
	res.Played = last.Move
	if last.Depth > 0 {
		res.Depth, res.Nodes = last.Depth, last.Nodes
	}
	res.TimeMs = last.TimeMs
	res.Correct = res.isBest(last.Move)
	if !res.Correct {
		res.resetCorrectAt()
	} else if res.CorrectAtDepth == unset {
		res.CorrectAtDepth = last.Depth
		res.CorrectAtTimeMs = last.TimeMs
		res.CorrectAtNodes = last.Nodes
	}
	r.log.Info().
		Str("id", res.ID).
		Str("played", res.Played).
		Strs("best", res.BestMoves).
		Bool("correct", res.Correct).
		Int("correct_at_depth", res.CorrectAtDepth).
		Msg("position tested")
}

// Results returns a copy of every position's result.
func (r *EpdRunner) Results() []EpdResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]EpdResult, len(r.results))
	copy(out, r.results)
	for i := range out {
		out[i].BestMoves = append([]string(nil), out[i].BestMoves...)
	}
	return out
}

// Drained reports whether every position has been tested.
func (r *EpdRunner) Drained() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, res := range r.results {
		if !res.Tested {
			return false
		}
	}
	return true
}

// EpdSummary counts results.
type EpdSummary struct {
	Total   int `json:"total" yaml:"total"`
	Tested  int `json:"tested" yaml:"tested"`
	Correct int `json:"correct" yaml:"correct"`
}

func (r *EpdRunner) Summary() any {
	return r.EpdSummary()
}

// EpdSummary returns the typed summary.
func (r *EpdRunner) EpdSummary() EpdSummary {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := EpdSummary{Total: len(r.results)}
	for _, res := range r.results {
		if res.Tested {
			s.Tested++
		}
		if res.Correct {
			s.Correct++
		}
	}
	return s
}

// WriteReport writes the summary and per-position results as YAML.
func (r *EpdRunner) WriteReport(w io.Writer) error {
	report := struct {
		Summary   EpdSummary  `yaml:"summary"`
		Positions []EpdResult `yaml:"positions"`
	}{r.EpdSummary(), r.Results()}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(report); err != nil {
		return err
	}
	return enc.Close()
}
