package manager

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/freeeve/enginearena/internal/engine"
	"github.com/freeeve/enginearena/internal/game"
)

// State is the lifecycle state of a GameManager.
type State int32

const (
	StateIdle State = iota
	StateRunning
	StateFinalizing
	StatePaused
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateFinalizing:
		return "finalizing"
	case StatePaused:
		return "paused"
	case StateStopped:
		return "stopped"
	default:
		return "idle"
	}
}

// current is the task a manager is executing. It is owned by the manager's
// loop goroutine.
type current struct {
	grant *Grant
	log   zerolog.Logger
	rec   *game.Record
	board *game.Board
	sides [2]engine.Worker
	info  [2]*engine.SearchInfo

	limits   game.GoLimits
	sentAt   time.Time // first request for the pending move
	deadline time.Time // zero when the limits do not bound time
	waiting  bool
}

// GameManager executes one task at a time. All task state is touched only
// by its own goroutine; other goroutines talk to it through commands.
type GameManager struct {
	id      int
	pool    *Pool
	log     zerolog.Logger
	queue   *engine.Queue
	cmds    chan func()
	wake    chan struct{}
	done    chan struct{}
	restart *rate.Limiter

	mu       sync.Mutex
	state    State
	paused   bool
	bound    *Assignment
	snapshot ManagerStatus

	cur          *current
	slot         bool
	continueNext bool
	ctx          context.Context
}

func newGameManager(p *Pool, id int) *GameManager {
	return &GameManager{
		id:      id,
		pool:    p,
		log:     p.cfg.Logger.With().Str("component", "manager").Int("manager_id", id).Logger(),
		queue:   engine.NewQueue(),
		cmds:    make(chan func()),
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
		restart: rate.NewLimiter(rate.Every(p.cfg.RestartEvery), p.cfg.RestartBurst),
		snapshot: ManagerStatus{
			ID:    id,
			State: StateIdle.String(),
		},
	}
}

// ID returns the 1-based manager id.
func (m *GameManager) ID() int {
	return m.id
}

// State returns the current state.
func (m *GameManager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Status returns a snapshot of the manager.
func (m *GameManager) Status() ManagerStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.snapshot
	s.State = m.state.String()
	return s
}

func (m *GameManager) setState(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}

func (m *GameManager) unbind() {
	m.mu.Lock()
	m.bound = nil
	m.mu.Unlock()
}

func (m *GameManager) boundAssignment() *Assignment {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.bound
}

// exec runs fn on the manager goroutine and waits for it. It returns false
// when the manager has stopped.
func (m *GameManager) exec(fn func()) bool {
	finished := make(chan struct{})
	select {
	case m.cmds <- func() { fn(); close(finished) }:
	case <-m.done:
		return false
	}
	select {
	case <-finished:
		return true
	case <-m.done:
		return false
	}
}

// Start binds the manager to a (nil asks the pool for work) and starts a
// task if the manager is idle and a slot is free.
func (m *GameManager) Start(a *Assignment) {
	m.exec(func() {
		if a != nil {
			m.mu.Lock()
			m.bound = a
			m.mu.Unlock()
		}
		m.tryStart()
	})
}

// Pause lets the running task finish and then stops fetching new tasks.
func (m *GameManager) Pause() {
	m.exec(func() {
		m.mu.Lock()
		m.paused = true
		if m.state == StateIdle {
			m.state = StatePaused
		}
		m.mu.Unlock()
	})
}

// Resume restarts task fetching after Pause.
func (m *GameManager) Resume() {
	m.exec(func() {
		m.mu.Lock()
		m.paused = false
		if m.state == StatePaused {
			m.state = StateIdle
		}
		m.mu.Unlock()
		m.tryStart()
	})
}

// Abort cancels the running task and reports it as aborted so its provider
// can hand it out again. It returns false when no task was running.
func (m *GameManager) Abort() bool {
	aborted := false
	m.exec(func() {
		if m.cur == nil {
			return
		}
		aborted = true
		m.cur.log.Info().Msg("task aborted")
		m.finish(game.Unterminated, game.CauseAborted, false)
	})
	return aborted
}

// Stop cancels the running task without reporting a result and ends the
// manager goroutine.
func (m *GameManager) Stop() {
	m.exec(func() {
		m.teardown()
	})
	<-m.done
}

// Done is closed when the manager goroutine has exited.
func (m *GameManager) Done() <-chan struct{} {
	return m.done
}

func (m *GameManager) run(ctx context.Context) {
	m.ctx = ctx
	defer close(m.done)
	ticker := time.NewTicker(m.pool.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.teardown()
			return
		case fn := <-m.cmds:
			m.guard("command", fn)
		case <-m.queue.Ready():
			for {
				ev, ok := m.queue.Pop()
				if !ok {
					break
				}
				m.guard(ev.Type.String(), func() { m.processEvent(ev) })
			}
		case <-m.wake:
			m.guard("continue", m.continueWithNext)
		case <-ticker.C:
			m.guard("tick", m.tick)
		}
		if m.State() == StateStopped {
			return
		}
	}
}

// guard runs fn and contains any panic: the event is treated as having had
// no effect.
func (m *GameManager) guard(what string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error().
				Str("while", what).
				Interface("panic", r).
				Bytes("stack", debug.Stack()).
				Msg("recovered from panic")
		}
	}()
	fn()
}

func (m *GameManager) teardown() {
	m.continueNext = false
	if m.cur != nil {
		m.cur.log.Info().Msg("task cancelled")
		m.closeWorkers()
		m.cur = nil
	}
	m.queue.Clear()
	m.releaseSlot()
	m.setState(StateStopped)
	m.setSnapshot(nil)
}

func (m *GameManager) releaseSlot() {
	if m.slot {
		m.pool.releaseSlot()
		m.slot = false
	}
}

// tick runs the timeout sweep, or polls for work when idle.
func (m *GameManager) tick() {
	if m.cur != nil {
		m.sweep()
		return
	}
	m.tryStart()
}

func (m *GameManager) tryStart() {
	if m.cur != nil || m.slot || m.State() != StateIdle {
		return
	}
	if !m.pool.acquireSlot() {
		return
	}
	m.slot = true
	if !m.fetchAndBegin() {
		m.releaseSlot()
	}
}

// fetchAndBegin takes the next task from the bound assignment, or from the
// pool when unbound. The caller holds a slot.
func (m *GameManager) fetchAndBegin() bool {
	var (
		g  *Grant
		ok bool
	)
	if a := m.boundAssignment(); a != nil {
		g, ok = m.pool.assignFrom(a)
	} else {
		g, ok = m.pool.TryAssignNewTask()
	}
	if !ok {
		return false
	}
	m.begin(g)
	return true
}

func (m *GameManager) begin(g *Grant) {
	task := g.Task
	cur := &current{
		grant: g,
		rec:   task.Record.Clone(),
		log: m.log.With().
			Str("task_id", task.ID).
			Str("task_type", task.Type.String()).
			Str("assignment", g.Assignment.ID).
			Logger(),
	}
	if cur.rec == nil {
		cur.rec = &game.Record{StartFEN: game.StartFEN}
	}
	m.cur = cur
	m.setState(StateRunning)

	board, err := game.NewBoardFromRecord(cur.rec)
	if err != nil {
		cur.log.Error().Err(err).Msg("invalid task record")
		m.finish(game.Unterminated, game.CauseAborted, false)
		return
	}
	cur.board = board

	switch task.Type {
	case game.TaskPlayGame:
		a, b := g.Workers[0], g.Workers[1]
		if task.SwitchSide {
			a, b = b, a
		}
		cur.sides = [2]engine.Worker{a, b}
	case game.TaskComputeMove:
		cur.sides[cur.rec.SideToMove()] = g.Workers[0]
	default:
		cur.log.Error().Msg("unsupported task type")
		m.finish(game.Unterminated, game.CauseAborted, false)
		return
	}
	for _, w := range cur.sides {
		if w != nil {
			w.SetEventSink(m.queue.Push)
		}
	}
	m.setSnapshot(cur)
	cur.log.Debug().Str("white", cur.rec.White).Str("black", cur.rec.Black).Msg("task started")

	if task.Type == game.TaskPlayGame {
		if res, cause := board.Outcome(); res != game.Unterminated {
			m.finish(res, cause, true)
			return
		}
	}
	m.requestMove(false)
}

// requestMove asks the side to move for a move. On a retry the thinking time
// already spent keeps counting.
func (m *GameManager) requestMove(retry bool) {
	cur := m.cur
	side := cur.rec.SideToMove()
	w := cur.sides[side]
	if w == nil {
		cur.log.Error().Str("side", side.String()).Msg("no engine for side to move")
		m.finish(game.Unterminated, game.CauseAborted, false)
		return
	}
	cur.limits = game.ComputeLimits(cur.rec)
	now := time.Now()
	if !retry {
		cur.sentAt = now
		cur.info[side] = nil
	}
	cur.deadline = time.Time{}
	if allotted := game.AllottedTime(cur.rec, cur.limits); allotted > 0 {
		cur.deadline = now.Add(time.Duration(allotted)*time.Millisecond + m.pool.cfg.TimeoutMargin)
	}
	cur.waiting = true
	if err := w.ComputeMove(cur.rec.Clone(), cur.limits); err != nil {
		m.disconnected(side, err.Error())
	}
}

func (m *GameManager) sideOf(engineID int64) (game.Color, bool) {
	if m.cur == nil {
		return game.White, false
	}
	for c, w := range m.cur.sides {
		if w != nil && w.ID() == engineID {
			return game.Color(c), true
		}
	}
	return game.White, false
}

// processEvent routes one worker event. Events of unknown engines belong to
// workers being torn down and are ignored.
func (m *GameManager) processEvent(ev engine.Event) {
	side, ok := m.sideOf(ev.EngineID)
	if !ok {
		return
	}
	cur := m.cur
	if ev.HasErrors() {
		cur.log.Warn().
			Str("engine", cur.sides[side].Config().Name).
			Strs("errors", ev.Errors).
			Str("event", ev.Type.String()).
			Msg("engine reported errors")
	}
	switch ev.Type {
	case engine.EventBestMove:
		m.bestMove(side, ev)
	case engine.EventInfo:
		m.searchInfo(side, ev)
	case engine.EventDisconnected:
		reason := "disconnected"
		if ev.HasErrors() {
			reason = ev.Errors[0]
		}
		m.disconnected(side, reason)
	}
}

func (m *GameManager) searchInfo(side game.Color, ev engine.Event) {
	cur := m.cur
	if ev.Info == nil || !cur.waiting || side != cur.rec.SideToMove() {
		return
	}
	if ev.Info.MultiPV <= 1 {
		cur.info[side] = ev.Info
	}
	in := ev.Info
	if cur.grant.Assignment.Provider.SetPV(cur.grant.Task.ID, in.PV, in.TimeMs, in.Depth, in.Nodes, in.MultiPV) {
		cur.sides[side].MoveNow()
	}
}

func (m *GameManager) bestMove(side game.Color, ev engine.Event) {
	cur := m.cur
	if !cur.waiting || side != cur.rec.SideToMove() {
		cur.log.Debug().Str("move", ev.BestMove).Msg("unexpected best move ignored")
		return
	}
	cur.waiting = false
	name := cur.sides[side].Config().Name

	at := ev.Timestamp
	if at.IsZero() {
		at = time.Now()
	}
	elapsed := at.Sub(cur.sentAt).Milliseconds()
	if elapsed < 0 {
		elapsed = 0
	}
	playing := cur.grant.Task.Type == game.TaskPlayGame

	if !cur.board.IsLegal(ev.BestMove) {
		cur.log.Warn().Str("engine", name).Str("move", ev.BestMove).Msg("illegal move")
		if playing {
			m.finish(game.WinFor(side.Opponent()), game.CauseIllegalMove, true)
		} else {
			m.finish(game.Unterminated, game.CauseIllegalMove, true)
		}
		return
	}

	mv := game.MoveRecord{Move: ev.BestMove, TimeMs: elapsed}
	if in := cur.info[side]; in != nil {
		mv.Depth = in.Depth
		mv.SelDepth = in.SelDepth
		mv.Nodes = in.Nodes
		mv.ScoreCp = in.ScoreCp
		mv.Mate = in.Mate
		mv.HasScore = in.HasScore
		mv.PV = append([]string(nil), in.PV...)
	}
	san, err := cur.board.Apply(ev.BestMove)
	if err != nil {
		cur.log.Error().Err(err).Str("engine", name).Msg("apply move")
		m.finish(game.Unterminated, game.CauseAborted, true)
		return
	}
	mv.SAN = san
	mv.HalfmoveClock = cur.board.HalfmoveClock()

	if playing && cur.limits.HasClock() {
		remaining := cur.limits.TimeFor(side)
		if elapsed > remaining+m.pool.cfg.TimeoutMargin.Milliseconds() {
			cur.rec.Moves = append(cur.rec.Moves, mv)
			cur.log.Info().Str("engine", name).Int64("elapsed_ms", elapsed).Int64("remaining_ms", remaining).Msg("time forfeit")
			m.finish(game.WinFor(side.Opponent()), game.CauseTimeout, true)
			return
		}
	}
	cur.rec.Moves = append(cur.rec.Moves, mv)
	m.setSnapshot(cur)

	if !playing {
		m.finish(game.Unterminated, game.CauseOngoing, true)
		return
	}
	if res, cause := cur.board.Outcome(); res != game.Unterminated {
		m.finish(res, cause, true)
		return
	}
	if res, cause := m.pool.cfg.Adjudicator.Adjudicate(cur.rec); res != game.Unterminated {
		m.finish(res, cause, true)
		return
	}

	if w := cur.sides[side]; w.Config().Ponder {
		if err := w.AllowPonder(cur.rec.Clone(), game.ComputeLimits(cur.rec), ev); err != nil {
			cur.log.Debug().Err(err).Str("engine", name).Msg("ponder refused")
		}
	}
	m.requestMove(false)
}

// disconnected restarts a lost engine. The position is re-sent only when the
// lost engine was the one on move; otherwise the pending request of the other
// side stays outstanding. Single move tasks are abandoned since there is
// nothing to resume.
func (m *GameManager) disconnected(side game.Color, reason string) {
	cur := m.cur
	w := cur.sides[side]
	name := w.Config().Name
	cur.log.Warn().Str("engine", name).Str("reason", reason).Msg("engine disconnected")

	if cur.grant.Task.Type != game.TaskPlayGame {
		m.finish(game.Unterminated, game.CauseAborted, true)
		return
	}
	if err := m.restartWorker(w); err != nil {
		cur.log.Error().Err(err).Str("engine", name).Msg("engine lost")
		m.finish(game.WinFor(side.Opponent()), game.CauseDisconnected, true)
		return
	}
	if side != cur.rec.SideToMove() {
		return
	}
	m.requestMove(true)
}

func (m *GameManager) restartWorker(w engine.Worker) error {
	if w.Config().Normalize().Restart == engine.RestartOff {
		return fmt.Errorf("restart disabled")
	}
	if !m.restart.Allow() {
		return fmt.Errorf("restart rate exceeded")
	}
	ctx, cancel := context.WithTimeout(m.ctx, m.pool.cfg.RestartTimeout)
	defer cancel()
	return w.Restart(ctx)
}

// sweep restarts an engine that has not answered within its allotted time
// plus the margin. A single move task is abandoned instead, its workers are
// closed right away.
func (m *GameManager) sweep() {
	cur := m.cur
	if !cur.waiting || cur.deadline.IsZero() || time.Now().Before(cur.deadline) {
		return
	}
	side := cur.rec.SideToMove()
	w := cur.sides[side]
	name := w.Config().Name
	cur.log.Warn().
		Str("engine", name).
		Dur("waited", time.Since(cur.sentAt).Round(time.Millisecond)).
		Msg("engine timed out")

	if cur.grant.Task.Type != game.TaskPlayGame {
		m.finish(game.Unterminated, game.CauseAborted, true)
		return
	}
	if err := m.restartWorker(w); err != nil {
		cur.log.Error().Err(err).Str("engine", name).Msg("engine lost after timeout")
		m.finish(game.WinFor(side.Opponent()), game.CauseTimeout, true)
		return
	}
	m.requestMove(true)
}

func (m *GameManager) closeWorkers() {
	seen := make(map[int64]bool)
	for _, w := range m.cur.grant.Workers {
		if w == nil || seen[w.ID()] {
			continue
		}
		seen[w.ID()] = true
		if err := w.Close(); err != nil {
			m.cur.log.Debug().Err(err).Str("engine", w.Config().Name).Msg("close engine")
		}
	}
}

// finish ends the current task and reports its record. With next set the
// manager keeps its slot and continues with the next task.
func (m *GameManager) finish(res game.Result, cause game.EndCause, next bool) {
	cur := m.cur
	m.setState(StateFinalizing)
	if res != game.Unterminated || cause != game.CauseOngoing {
		cur.rec.SetResult(res, cause)
	}
	m.closeWorkers()
	m.queue.Clear()
	m.cur = nil

	if next {
		m.finalizeTaskAndContinue(cur)
		return
	}
	m.report(cur)
	m.releaseSlot()
	m.goIdle()
}

func (m *GameManager) report(cur *current) {
	rec := cur.rec.Clone()
	m.guard("report", func() {
		cur.grant.Assignment.Provider.SetGameRecord(cur.grant.Task.ID, rec)
	})
	if cur.grant.Task.Type == game.TaskPlayGame {
		m.pool.cfg.Adjudicator.OnGameFinished(rec)
	}
	m.mu.Lock()
	m.snapshot.Finished++
	m.mu.Unlock()
	cur.log.Info().
		Str("white", rec.White).
		Str("black", rec.Black).
		Str("result", rec.Result.String()).
		Str("cause", rec.Cause.String()).
		Int("plies", len(rec.Moves)).
		Msg("task finished")
}

// finalizeTaskAndContinue reports the record and, unless paused or
// deactivated, schedules the next task without giving up the slot.
func (m *GameManager) finalizeTaskAndContinue(cur *current) {
	m.report(cur)

	m.mu.Lock()
	paused := m.paused
	m.mu.Unlock()
	if paused || m.pool.MaybeDeactivateManager(m) {
		m.releaseSlot()
		m.goIdle()
		return
	}
	m.continueNext = true
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func (m *GameManager) continueWithNext() {
	if !m.continueNext {
		return
	}
	m.continueNext = false
	if !m.slot || m.cur != nil {
		return
	}
	m.mu.Lock()
	paused := m.paused
	m.mu.Unlock()
	if paused || !m.fetchAndBegin() {
		m.releaseSlot()
		m.goIdle()
	}
}

func (m *GameManager) goIdle() {
	m.mu.Lock()
	if m.paused {
		m.state = StatePaused
	} else {
		m.state = StateIdle
	}
	m.mu.Unlock()
	m.setSnapshot(nil)
}

func (m *GameManager) setSnapshot(cur *current) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := ManagerStatus{ID: m.id, Finished: m.snapshot.Finished}
	if cur != nil {
		s.TaskID = cur.grant.Task.ID
		s.TaskType = cur.grant.Task.Type.String()
		s.White = cur.rec.White
		s.Black = cur.rec.Black
		s.Plies = len(cur.rec.Moves)
	}
	m.snapshot = s
}
