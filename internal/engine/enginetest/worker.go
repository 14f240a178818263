// Package enginetest provides an in-memory engine.Worker driven by scripts, for
// exercising game managers without engine processes.
package enginetest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/freeeve/enginearena/internal/engine"
	"github.com/freeeve/enginearena/internal/game"
)

// Script produces the events answering one ComputeMove request.
type Script func(rec *game.Record, limits game.GoLimits) []engine.Event

// Worker is a scripted engine.Worker. Events are delivered from a separate
// goroutine, like a real engine.
type Worker struct {
	id     int64
	cfg    engine.Config
	script Script

	mu       sync.Mutex
	sink     func(engine.Event)
	computes int
	restarts int
	moveNows int
	ponders  int
	closed   bool
	hang     bool
	delay    time.Duration
}

// New creates a worker answering with script.
func New(cfg engine.Config, script Script) *Worker {
	return &Worker{
		id:     engine.NewWorkerID(),
		cfg:    cfg,
		script: script,
	}
}

// Factory returns an engine.Factory building workers from scripts keyed by
// engine name. Names without a script get FirstLegal(0).
func Factory(scripts map[string]Script) engine.Factory {
	return func(cfg engine.Config) (engine.Worker, error) {
		s, ok := scripts[cfg.Name]
		if !ok {
			s = FirstLegal(0)
		}
		return New(cfg, s), nil
	}
}

// FailingFactory returns a factory that always fails.
func FailingFactory(err error) engine.Factory {
	return func(cfg engine.Config) (engine.Worker, error) {
		return nil, fmt.Errorf("start %s: %w", cfg.Name, err)
	}
}

// Hang makes the worker swallow compute requests, simulating a stuck engine.
func (w *Worker) Hang(on bool) {
	w.mu.Lock()
	w.hang = on
	w.mu.Unlock()
}

// SetDelay delays every answer by d.
func (w *Worker) SetDelay(d time.Duration) {
	w.mu.Lock()
	w.delay = d
	w.mu.Unlock()
}

func (w *Worker) ID() int64             { return w.id }
func (w *Worker) Config() engine.Config { return w.cfg }

func (w *Worker) SetEventSink(sink func(engine.Event)) {
	w.mu.Lock()
	w.sink = sink
	w.mu.Unlock()
}

func (w *Worker) ComputeMove(rec *game.Record, limits game.GoLimits) error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return engine.ErrEngineStopped
	}
	w.computes++
	hang, delay, sink := w.hang, w.delay, w.sink
	w.mu.Unlock()

	if hang || sink == nil {
		return nil
	}
	events := w.script(rec.Clone(), limits)
	go func() {
		if delay > 0 {
			time.Sleep(delay)
		}
		for _, ev := range events {
			ev.EngineID = w.id
			ev.Timestamp = time.Now()
			sink(ev)
		}
	}()
	return nil
}

func (w *Worker) AllowPonder(rec *game.Record, limits game.GoLimits, preceding engine.Event) error {
	w.mu.Lock()
	w.ponders++
	w.mu.Unlock()
	return nil
}

func (w *Worker) MoveNow() {
	w.mu.Lock()
	w.moveNows++
	w.mu.Unlock()
}

func (w *Worker) Restart(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.restarts++
	w.hang = false
	return nil
}

func (w *Worker) Close() error {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
	return nil
}

// Stats reports how often each operation was invoked.
type Stats struct {
	Computes, Restarts, MoveNows, Ponders int
	Closed                                bool
}

func (w *Worker) Stats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return Stats{
		Computes: w.computes,
		Restarts: w.restarts,
		MoveNows: w.moveNows,
		Ponders:  w.ponders,
		Closed:   w.closed,
	}
}

// FirstLegal plays the first legal move of the position with a constant score.
func FirstLegal(score int) Script {
	return func(rec *game.Record, limits game.GoLimits) []engine.Event {
		b, err := game.NewBoardFromRecord(rec)
		if err != nil {
			return []engine.Event{{Type: engine.EventDisconnected, Errors: []string{err.Error()}}}
		}
		moves := b.LegalMoves()
		if len(moves) == 0 {
			return []engine.Event{{Type: engine.EventBestMove, Errors: []string{"no legal move"}}}
		}
		return Answer(moves[0], 1, score)
	}
}

// Sequence plays moves[ply] where ply is the number of moves already recorded.
func Sequence(score int, moves ...string) Script {
	return func(rec *game.Record, limits game.GoLimits) []engine.Event {
		ply := len(rec.Moves)
		if ply >= len(moves) {
			return FirstLegal(score)(rec, limits)
		}
		return Answer(moves[ply], ply+1, score)
	}
}

// Scored plays the first legal move with a score depending on the ply.
func Scored(score func(ply int) int) Script {
	return func(rec *game.Record, limits game.GoLimits) []engine.Event {
		return FirstLegal(score(len(rec.Moves)))(rec, limits)
	}
}

// Disconnect answers every request with a disconnect.
func Disconnect() Script {
	return func(rec *game.Record, limits game.GoLimits) []engine.Event {
		return []engine.Event{{Type: engine.EventDisconnected, Errors: []string{"engine crashed"}}}
	}
}

// Fixed returns the same events for every request.
func Fixed(events ...engine.Event) Script {
	return func(rec *game.Record, limits game.GoLimits) []engine.Event {
		return append([]engine.Event(nil), events...)
	}
}

// Answer builds an Info event followed by the BestMove event for move.
func Answer(move string, depth, score int) []engine.Event {
	return []engine.Event{
		{
			Type: engine.EventInfo,
			Info: &engine.SearchInfo{
				PV:       []string{move},
				Depth:    depth,
				Nodes:    int64(depth) * 1000,
				TimeMs:   1,
				ScoreCp:  score,
				HasScore: true,
				MultiPV:  1,
			},
		},
		{Type: engine.EventBestMove, BestMove: move},
	}
}
