package engine

import (
	"context"
	"fmt"
	"os/exec"
	"sort"
	"sync"
	"time"

	"github.com/freeeve/uci"
	"github.com/rs/zerolog"

	"github.com/freeeve/enginearena/internal/game"
)

// DefaultSearchDepth is used when neither a depth nor any time limit applies.
const DefaultSearchDepth = 12

const (
	// defaultMovesToGo spreads the clock when the time control has no moves-to-go period.
	defaultMovesToGo = 30
	// clockReserveMs is kept back from the remaining clock for process latency.
	clockReserveMs = 50
)

// UCIWorker drives a UCI engine process. Clock limits become a per-move
// movetime, and MoveNow stops the running search.
type UCIWorker struct {
	id  int64
	cfg Config
	log zerolog.Logger

	mu     sync.Mutex
	engine *uci.Engine
	sink   func(Event)
	busy   bool
	closed bool
}

// NewUCIFactory returns a Factory creating UCI workers that log through logger.
func NewUCIFactory(logger zerolog.Logger) Factory {
	return func(cfg Config) (Worker, error) {
		return NewUCIWorker(cfg, logger)
	}
}

// LookupBinary verifies that the engine command resolves to an executable.
func LookupBinary(cfg Config) error {
	if cfg.Command == "" {
		return fmt.Errorf("engine %s: %w", cfg.Name, ErrNoBinary)
	}
	if _, err := exec.LookPath(cfg.Command); err != nil {
		return fmt.Errorf("engine %s: %w: %v", cfg.Name, ErrNoBinary, err)
	}
	return nil
}

// NewUCIWorker starts the engine process and applies its options.
func NewUCIWorker(cfg Config, logger zerolog.Logger) (*UCIWorker, error) {
	cfg = cfg.Normalize()
	if cfg.Protocol != ProtocolUCI {
		return nil, &OpError{Op: "start", Engine: cfg.Name, Err: ErrUnsupported}
	}
	w := &UCIWorker{
		id:  NewWorkerID(),
		cfg: cfg,
	}
	w.log = logger.With().Str("engine", cfg.Name).Int64("worker_id", w.id).Logger()
	if err := w.start(); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *UCIWorker) start() error {
	engine, err := uci.NewEngine(w.cfg.Command)
	if err != nil {
		return &OpError{Op: "start", Engine: w.cfg.Name, Err: err}
	}

	opts := uci.Options{
		Hash:    w.cfg.Hash,
		Threads: w.cfg.Threads,
		MultiPV: 1,
		Ponder:  w.cfg.Ponder,
		OwnBook: false,
	}
	if opts.Hash == 0 {
		opts.Hash = 64
	}
	if opts.Threads == 0 {
		opts.Threads = 1
	}
	if err := engine.SetOptions(opts); err != nil {
		engine.Close()
		return &OpError{Op: "set options", Engine: w.cfg.Name, Err: err}
	}

	if w.cfg.Nice > 0 {
		nice := w.cfg.Nice
		if nice > 19 {
			w.log.Warn().Int("requested", nice).Int("clamped", 19).Msg("nice value clamped to max 19")
			nice = 19
		}
		if err := engine.SetNice(nice); err != nil {
			w.log.Warn().Err(err).Int("nice", nice).Msg("failed to set nice value")
		}
	}
	names := make([]string, 0, len(w.cfg.Options))
	for name := range w.cfg.Options {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := engine.SendOption(name, w.cfg.Options[name]); err != nil {
			engine.Close()
			return &OpError{Op: "set option " + name, Engine: w.cfg.Name, Err: err}
		}
	}

	w.mu.Lock()
	w.engine = engine
	w.closed = false
	w.mu.Unlock()

	w.log.Info().Int("hash_mb", opts.Hash).Int("threads", opts.Threads).Msg("engine started")
	return nil
}

func (w *UCIWorker) ID() int64      { return w.id }
func (w *UCIWorker) Config() Config { return w.cfg }

// SetEventSink registers the callback receiving this worker's events.
func (w *UCIWorker) SetEventSink(sink func(Event)) {
	w.mu.Lock()
	w.sink = sink
	w.mu.Unlock()
}

func (w *UCIWorker) emit(ev Event) {
	w.mu.Lock()
	sink := w.sink
	w.mu.Unlock()
	if sink == nil {
		return
	}
	ev.EngineID = w.id
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	sink(ev)
}

// searchParams turns limits into the depth and movetime of a go command for
// the side to move. Zero means unlimited; at least one of the two is set.
func searchParams(limits game.GoLimits, side game.Color, cfgDepth int) (depth int, movetime int64) {
	depth = limits.Depth
	if depth <= 0 {
		depth = cfgDepth
	}
	switch {
	case limits.MoveTimeMs > 0:
		movetime = limits.MoveTimeMs
	case limits.HasClock():
		movetime = clockMoveTime(limits, side)
	}
	if depth <= 0 && movetime == 0 {
		depth = DefaultSearchDepth
	}
	return depth, movetime
}

// clockMoveTime budgets one move out of the remaining clock.
func clockMoveTime(limits game.GoLimits, side game.Color) int64 {
	remaining := limits.TimeFor(side)
	inc := limits.WIncMs
	if side == game.Black {
		inc = limits.BIncMs
	}
	togo := int64(limits.MovesToGo)
	if togo <= 0 {
		togo = defaultMovesToGo
	}
	budget := remaining/togo + inc
	if ceiling := remaining - clockReserveMs; budget > ceiling {
		budget = ceiling
	}
	if budget < 1 {
		budget = 1
	}
	return budget
}

// ComputeMove starts a search on the position after the recorded moves.
func (w *UCIWorker) ComputeMove(rec *game.Record, limits game.GoLimits) error {
	board, err := game.NewBoardFromRecord(rec)
	if err != nil {
		return &OpError{Op: "compute", Engine: w.cfg.Name, Err: err}
	}
	fen := board.FEN()

	w.mu.Lock()
	if w.closed || w.engine == nil {
		w.mu.Unlock()
		return &OpError{Op: "compute", Engine: w.cfg.Name, Err: ErrEngineStopped}
	}
	if w.busy {
		w.mu.Unlock()
		return &OpError{Op: "compute", Engine: w.cfg.Name, Err: fmt.Errorf("search already running")}
	}
	w.busy = true
	engine := w.engine
	w.mu.Unlock()

	depth, movetime := searchParams(limits, rec.SideToMove(), w.cfg.Depth)
	w.emit(Event{Type: EventSendingComputeMove})
	go w.search(engine, fen, depth, movetime)
	w.emit(Event{Type: EventComputeMoveSent})
	return nil
}

func (w *UCIWorker) search(engine *uci.Engine, fen string, depth int, movetime int64) {
	defer func() {
		w.mu.Lock()
		w.busy = false
		w.mu.Unlock()
	}()

	start := time.Now()
	if err := engine.SetFEN(fen); err != nil {
		w.disconnected(fmt.Errorf("set FEN: %w", err))
		return
	}
	// Without a fixed depth the last iteration is whatever depth the clock allowed.
	var filter []uint
	if depth > 0 {
		filter = append(filter, uci.HighestDepthOnly)
	}
	results, err := engine.Go(depth, "", movetime, filter...)
	if err != nil {
		w.disconnected(fmt.Errorf("go depth %d movetime %d: %w", depth, movetime, err))
		return
	}
	if results == nil {
		w.disconnected(fmt.Errorf("no results from engine"))
		return
	}

	elapsed := time.Since(start).Milliseconds()
	for _, r := range results.Results {
		info := &SearchInfo{
			PV:       r.BestMoves,
			Depth:    r.Depth,
			SelDepth: r.SelDepth,
			Nodes:    int64(r.Nodes),
			TimeMs:   int64(r.Time),
			MultiPV:  r.MultiPV,
			HasScore: true,
		}
		if info.TimeMs == 0 {
			info.TimeMs = elapsed
		}
		if r.Mate {
			info.Mate = r.Score
		} else {
			info.ScoreCp = r.Score
		}
		w.emit(Event{Type: EventInfo, Info: info})
	}

	best := results.BestMove
	if best == "" && len(results.Results) > 0 && len(results.Results[0].BestMoves) > 0 {
		best = results.Results[0].BestMoves[0]
	}
	if best == "" {
		w.emit(Event{Type: EventBestMove, Errors: []string{"engine returned no best move"}})
		return
	}
	w.emit(Event{Type: EventBestMove, BestMove: best})
}

func (w *UCIWorker) disconnected(err error) {
	w.log.Warn().Err(err).Msg("engine search failed")
	w.emit(Event{Type: EventDisconnected, Errors: []string{err.Error()}})
}

// AllowPonder is accepted but has no effect: the uci driver cannot keep a
// background search running between moves.
func (w *UCIWorker) AllowPonder(rec *game.Record, limits game.GoLimits, preceding Event) error {
	return nil
}

// MoveNow asks a running search to return its best move.
func (w *UCIWorker) MoveNow() {
	w.mu.Lock()
	engine, busy := w.engine, w.busy
	w.mu.Unlock()
	if engine == nil || !busy {
		return
	}
	if err := engine.SendCommand("stop"); err != nil {
		w.log.Warn().Err(err).Msg("failed to send stop")
	}
}

// Restart closes and relaunches the engine process.
func (w *UCIWorker) Restart(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	w.mu.Lock()
	if w.engine != nil {
		w.engine.Close()
		w.engine = nil
	}
	w.busy = false
	w.mu.Unlock()

	w.log.Info().Msg("restarting engine")
	return w.start()
}

// Close stops the engine process.
func (w *UCIWorker) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	if w.engine != nil {
		w.engine.Close()
		w.engine = nil
	}
	return nil
}
