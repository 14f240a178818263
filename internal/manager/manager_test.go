package manager

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/freeeve/enginearena/internal/adjudication"
	"github.com/freeeve/enginearena/internal/engine"
	"github.com/freeeve/enginearena/internal/engine/enginetest"
	"github.com/freeeve/enginearena/internal/game"
	"github.com/freeeve/enginearena/internal/provider"
)

var foolsMate = enginetest.Sequence(0, "f2f3", "e7e5", "g2g4", "d8h4")

type memSink struct {
	mu    sync.Mutex
	games []*game.Record
}

func (s *memSink) SaveGame(rec *game.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.games = append(s.games, rec)
	return nil
}

func (s *memSink) all() []*game.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*game.Record(nil), s.games...)
}

// liveFactory tracks how many workers exist at once.
type liveFactory struct {
	scripts map[string]enginetest.Script
	delay   time.Duration
	hangNew map[string]int

	mu      sync.Mutex
	live    int
	maxLive int
	workers []*enginetest.Worker
}

type trackedWorker struct {
	*enginetest.Worker
	f      *liveFactory
	closed atomic.Bool
}

func (w *trackedWorker) Close() error {
	if w.closed.CompareAndSwap(false, true) {
		w.f.mu.Lock()
		w.f.live--
		w.f.mu.Unlock()
	}
	return w.Worker.Close()
}

func (f *liveFactory) factory(cfg engine.Config) (engine.Worker, error) {
	script, ok := f.scripts[cfg.Name]
	if !ok {
		script = enginetest.FirstLegal(0)
	}
	w := enginetest.New(cfg, script)
	w.SetDelay(f.delay)

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.hangNew[cfg.Name] > 0 {
		f.hangNew[cfg.Name]--
		w.Hang(true)
	}
	f.live++
	f.maxLive = max(f.maxLive, f.live)
	f.workers = append(f.workers, w)
	return &trackedWorker{Worker: w, f: f}, nil
}

func (f *liveFactory) created() []*enginetest.Worker {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*enginetest.Worker(nil), f.workers...)
}

func newTestPool(t *testing.T, factory engine.Factory, adj *adjudication.Adjudicator) *Pool {
	t.Helper()
	p, err := NewPool(PoolConfig{
		Logger:           zerolog.Nop(),
		Factory:          factory,
		Adjudicator:      adj,
		TimeoutMargin:    20 * time.Millisecond,
		TickInterval:     10 * time.Millisecond,
		RestartEvery:     time.Hour,
		RestartBurst:     3,
		ProgressInterval: time.Hour,
	})
	require.NoError(t, err)
	t.Cleanup(p.Close)
	return p
}

func cfgs(names ...string) []engine.Config {
	out := make([]engine.Config, len(names))
	for i, n := range names {
		out[i] = engine.Config{Name: n, Command: n}
	}
	return out
}

func newPair(t *testing.T, cfg provider.PairConfig, sink provider.GameSink) *provider.PairTournament {
	t.Helper()
	p, err := provider.NewPairTournament("a", "b", cfg, provider.PairOptions{Sink: sink, Logger: zerolog.Nop()})
	require.NoError(t, err)
	return p
}

func waitDrained(t *testing.T, d provider.Drainer) {
	t.Helper()
	require.Eventually(t, d.Drained, 5*time.Second, 5*time.Millisecond)
}

func TestNewPoolRequiresFactory(t *testing.T) {
	_, err := NewPool(PoolConfig{})
	assert.Error(t, err)
}

func TestPoolPlaysPairTournament(t *testing.T) {
	f := &liveFactory{scripts: map[string]enginetest.Script{"a": foolsMate, "b": foolsMate}}
	pool := newTestPool(t, f.factory, nil)
	sink := &memSink{}
	pair := newPair(t, provider.PairConfig{GamesPerRound: 4, SwapColors: true}, sink)

	pool.AddTaskProvider(pair, cfgs("a", "b")...)
	pool.SetConcurrency(2, true, true)
	waitDrained(t, pair)
	require.NoError(t, pool.WaitForTask(context.Background()))

	d := pair.Duel()
	assert.Equal(t, 2, d.WinsA)
	assert.Equal(t, 2, d.WinsB)
	assert.Equal(t, 2, pair.Causes().Wins[game.CauseCheckmate])
	assert.Equal(t, 2, pair.Causes().Losses[game.CauseCheckmate])

	games := sink.all()
	require.Len(t, games, 4)
	for _, g := range games {
		assert.Equal(t, game.BlackWins, g.Result)
		require.Len(t, g.Moves, 4)
		assert.Equal(t, "Qh4#", g.Moves[3].SAN)
		assert.Equal(t, 4, g.Moves[3].Depth)
		assert.True(t, g.Moves[3].HasScore)
	}
	assert.LessOrEqual(t, f.maxLive, 4)
	assert.Zero(t, pool.RunningCount())

	st := pool.Status()
	assert.Equal(t, 2, st.Target)
	assert.Equal(t, 4, st.Finished)
	require.Len(t, st.Assignments, 1)
	assert.True(t, st.Assignments[0].Drained)
	assert.Equal(t, []string{"a", "b"}, st.Assignments[0].Engines)
	assert.True(t, pool.Drained())
}

func TestPoolNeverExceedsConcurrency(t *testing.T) {
	f := &liveFactory{
		scripts: map[string]enginetest.Script{"a": foolsMate, "b": foolsMate},
		delay:   time.Millisecond,
	}
	pool := newTestPool(t, f.factory, nil)
	var pairs []*provider.PairTournament
	for i := 0; i < 3; i++ {
		p := newPair(t, provider.PairConfig{GamesPerRound: 4}, nil)
		pairs = append(pairs, p)
		pool.AddTaskProvider(p, cfgs("a", "b")...)
	}

	var maxRunning atomic.Int64
	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			if n := int64(pool.RunningCount()); n > maxRunning.Load() {
				maxRunning.Store(n)
			}
			time.Sleep(100 * time.Microsecond)
		}
	}()

	pool.SetConcurrency(3, true, true)
	for _, p := range pairs {
		waitDrained(t, p)
	}
	close(stop)
	wg.Wait()

	assert.LessOrEqual(t, maxRunning.Load(), int64(3))
	assert.LessOrEqual(t, f.maxLive, 6)
	for _, p := range pairs {
		assert.Equal(t, 4, p.Duel().Games())
	}
}

func TestNiceShrinkKeepsRunningGames(t *testing.T) {
	f := &liveFactory{
		scripts: map[string]enginetest.Script{"a": foolsMate, "b": foolsMate},
		delay:   15 * time.Millisecond,
	}
	pool := newTestPool(t, f.factory, nil)
	sink := &memSink{}
	pair := newPair(t, provider.PairConfig{GamesPerRound: 6}, sink)
	pool.AddTaskProvider(pair, cfgs("a", "b")...)

	pool.SetConcurrency(2, true, true)
	require.Eventually(t, func() bool { return pool.RunningCount() == 2 }, time.Second, time.Millisecond)

	pool.SetConcurrency(1, true, false)
	assert.Equal(t, 1, pool.Concurrency())
	require.Eventually(t, func() bool { return pool.RunningCount() <= 1 }, 2*time.Second, time.Millisecond)
	waitDrained(t, pair)

	games := sink.all()
	require.Len(t, games, 6)
	for _, g := range games {
		assert.Equal(t, game.CauseCheckmate, g.Cause, "no game was aborted")
	}
}

func TestHardShrinkAbortsAndReleases(t *testing.T) {
	f := &liveFactory{
		scripts: map[string]enginetest.Script{"a": foolsMate, "b": foolsMate},
		delay:   20 * time.Millisecond,
	}
	pool := newTestPool(t, f.factory, nil)
	pair := newPair(t, provider.PairConfig{GamesPerRound: 2}, nil)
	pool.AddTaskProvider(pair, cfgs("a", "b")...)

	pool.SetConcurrency(2, true, true)
	require.Eventually(t, func() bool { return pool.RunningCount() == 2 }, time.Second, time.Millisecond)
	pool.SetConcurrency(1, false, false)
	assert.LessOrEqual(t, pool.RunningCount(), 1)

	// the aborted game is played again by the remaining slot
	waitDrained(t, pair)
	assert.Equal(t, 2, pair.Duel().Games())
}

func TestDisconnectRestartsThenLoses(t *testing.T) {
	f := &liveFactory{scripts: map[string]enginetest.Script{"a": enginetest.Disconnect()}}
	pool := newTestPool(t, f.factory, nil)
	sink := &memSink{}
	pair := newPair(t, provider.PairConfig{GamesPerRound: 1}, sink)
	pool.AddTaskProvider(pair, cfgs("a", "b")...)
	pool.SetConcurrency(1, true, true)
	waitDrained(t, pair)

	games := sink.all()
	require.Len(t, games, 1)
	assert.Equal(t, game.BlackWins, games[0].Result)
	assert.Equal(t, game.CauseDisconnected, games[0].Cause)

	var crashy *enginetest.Worker
	for _, w := range f.created() {
		if w.Config().Name == "a" {
			crashy = w
		}
	}
	require.NotNil(t, crashy)
	assert.Equal(t, 3, crashy.Stats().Restarts)
	assert.True(t, crashy.Stats().Closed)
}

func TestIdleSideDisconnectKeepsPendingRequest(t *testing.T) {
	// white crashes right after answering its first move, while black thinks
	crashAfterFirst := func(rec *game.Record, limits game.GoLimits) []engine.Event {
		events := foolsMate(rec, limits)
		if len(rec.Moves) == 0 {
			events = append(events, engine.Event{Type: engine.EventDisconnected, Errors: []string{"engine crashed"}})
		}
		return events
	}
	f := &liveFactory{
		scripts: map[string]enginetest.Script{"a": crashAfterFirst, "b": foolsMate},
		delay:   5 * time.Millisecond,
	}
	pool := newTestPool(t, f.factory, nil)
	sink := &memSink{}
	pair := newPair(t, provider.PairConfig{GamesPerRound: 1}, sink)
	pool.AddTaskProvider(pair, cfgs("a", "b")...)
	pool.SetConcurrency(1, true, true)
	waitDrained(t, pair)

	games := sink.all()
	require.Len(t, games, 1)
	assert.Equal(t, game.BlackWins, games[0].Result)
	assert.Equal(t, game.CauseCheckmate, games[0].Cause)
	require.Len(t, games[0].Moves, 4)

	stats := map[string]enginetest.Stats{}
	for _, w := range f.created() {
		stats[w.Config().Name] = w.Stats()
	}
	assert.Equal(t, 2, stats["a"].Computes)
	assert.Equal(t, 1, stats["a"].Restarts)
	assert.Equal(t, 2, stats["b"].Computes, "one request per ply")
	assert.Zero(t, stats["b"].Restarts)
}

func TestEpdTimeoutAbandonsWithoutRestart(t *testing.T) {
	f := &liveFactory{
		scripts: map[string]enginetest.Script{"sf": enginetest.Sequence(0, "e2e4")},
		hangNew: map[string]int{"sf": 2},
	}
	pool := newTestPool(t, f.factory, nil)
	runner := provider.NewEpdRunner([]provider.EpdPosition{
		{ID: "open", FEN: game.StartFEN, BestMoves: []string{"e2e4"}},
	}, provider.EpdConfig{MaxTimeMs: 20}, zerolog.Nop())
	pool.AddTaskProvider(runner, cfgs("sf")...)
	pool.SetConcurrency(1, true, true)
	waitDrained(t, runner)

	res := runner.Results()
	require.Len(t, res, 1)
	assert.True(t, res[0].Tested)
	assert.False(t, res[0].Correct)

	created := f.created()
	assert.Len(t, created, 2)
	for _, w := range created {
		assert.Zero(t, w.Stats().Restarts)
		assert.True(t, w.Stats().Closed)
	}
}

func TestRestartOffLosesImmediately(t *testing.T) {
	f := &liveFactory{scripts: map[string]enginetest.Script{"a": enginetest.Disconnect()}}
	pool := newTestPool(t, f.factory, nil)
	sink := &memSink{}
	pair := newPair(t, provider.PairConfig{GamesPerRound: 1}, sink)
	engines := cfgs("a", "b")
	engines[0].Restart = engine.RestartOff
	pool.AddTaskProvider(pair, engines...)
	pool.SetConcurrency(1, true, true)
	waitDrained(t, pair)

	require.Len(t, sink.all(), 1)
	assert.Equal(t, game.CauseDisconnected, sink.all()[0].Cause)
	for _, w := range f.created() {
		assert.Zero(t, w.Stats().Restarts)
	}
}

func TestTimeoutRestartsAndResumes(t *testing.T) {
	f := &liveFactory{
		scripts: map[string]enginetest.Script{"a": foolsMate, "b": foolsMate},
		hangNew: map[string]int{"b": 1},
	}
	pool := newTestPool(t, f.factory, nil)
	sink := &memSink{}
	tc := game.TimeControl{MoveTimeMs: 30}
	pair := newPair(t, provider.PairConfig{GamesPerRound: 1, TimeControlA: tc, TimeControlB: tc}, sink)
	pool.AddTaskProvider(pair, cfgs("a", "b")...)
	pool.SetConcurrency(1, true, true)
	waitDrained(t, pair)

	games := sink.all()
	require.Len(t, games, 1)
	assert.Equal(t, game.BlackWins, games[0].Result)
	assert.Equal(t, game.CauseCheckmate, games[0].Cause)
	// the hung move is charged with the time spent waiting
	assert.GreaterOrEqual(t, games[0].Moves[1].TimeMs, int64(50))

	restarts := 0
	for _, w := range f.created() {
		restarts += w.Stats().Restarts
	}
	assert.Equal(t, 1, restarts)
}

func TestClockOverrunIsTimeForfeit(t *testing.T) {
	f := &liveFactory{
		scripts: map[string]enginetest.Script{"a": foolsMate, "b": foolsMate},
		delay:   60 * time.Millisecond,
	}
	pool := newTestPool(t, f.factory, nil)
	pool.cfg.TickInterval = time.Hour
	sink := &memSink{}
	tc := game.TimeControl{BaseMs: 10}
	pair := newPair(t, provider.PairConfig{GamesPerRound: 1, TimeControlA: tc, TimeControlB: tc}, sink)
	pool.AddTaskProvider(pair, cfgs("a", "b")...)
	pool.SetConcurrency(1, true, true)
	waitDrained(t, pair)

	games := sink.all()
	require.Len(t, games, 1)
	assert.Equal(t, game.BlackWins, games[0].Result)
	assert.Equal(t, game.CauseTimeout, games[0].Cause)
	assert.Len(t, games[0].Moves, 1)
}

func TestIllegalMoveLoses(t *testing.T) {
	f := &liveFactory{scripts: map[string]enginetest.Script{
		"a": enginetest.Fixed(enginetest.Answer("e2e5", 3, 0)...),
	}}
	pool := newTestPool(t, f.factory, nil)
	sink := &memSink{}
	pair := newPair(t, provider.PairConfig{GamesPerRound: 1}, sink)
	pool.AddTaskProvider(pair, cfgs("a", "b")...)
	pool.SetConcurrency(1, true, true)
	waitDrained(t, pair)

	require.Len(t, sink.all(), 1)
	assert.Equal(t, game.BlackWins, sink.all()[0].Result)
	assert.Equal(t, game.CauseIllegalMove, sink.all()[0].Cause)
}

func TestResignAdjudication(t *testing.T) {
	f := &liveFactory{scripts: map[string]enginetest.Script{
		"a": enginetest.Scored(func(int) int { return -500 }),
		"b": enginetest.Scored(func(int) int { return 500 }),
	}}
	adj := adjudication.New(adjudication.DrawConfig{}, adjudication.ResignConfig{
		Active:                   true,
		RequiredConsecutiveMoves: 2,
		CentipawnThreshold:       400,
	}, zerolog.Nop())
	pool := newTestPool(t, f.factory, adj)
	sink := &memSink{}
	pair := newPair(t, provider.PairConfig{GamesPerRound: 1}, sink)
	pool.AddTaskProvider(pair, cfgs("a", "b")...)
	pool.SetConcurrency(1, true, true)
	waitDrained(t, pair)

	games := sink.all()
	require.Len(t, games, 1)
	assert.Equal(t, game.BlackWins, games[0].Result)
	assert.Equal(t, game.CauseAdjudication, games[0].Cause)
	assert.Len(t, games[0].Moves, 3)
}

func TestEpdComputeTask(t *testing.T) {
	f := &liveFactory{scripts: map[string]enginetest.Script{"sf": enginetest.Sequence(42, "e2e4")}}
	pool := newTestPool(t, f.factory, nil)
	runner := provider.NewEpdRunner([]provider.EpdPosition{
		{ID: "open", FEN: game.StartFEN, BestMoves: []string{"e2e4", "d2d4"}},
		{ID: "other", FEN: game.StartFEN, BestMoves: []string{"c2c4"}},
	}, provider.EpdConfig{}, zerolog.Nop())
	pool.AddTaskProvider(runner, cfgs("sf")...)
	pool.SetConcurrency(1, true, true)
	waitDrained(t, runner)

	res := runner.Results()
	assert.True(t, res[0].Correct)
	assert.Equal(t, 1, res[0].CorrectAtDepth)
	assert.False(t, res[1].Correct)
	assert.Equal(t, "e2e4", res[1].Played)

	moveNows := 0
	for _, w := range f.created() {
		moveNows += w.Stats().MoveNows
	}
	assert.Equal(t, 1, moveNows, "only the correct position stops early")
}

func TestEpdDisconnectAbandonsTask(t *testing.T) {
	f := &liveFactory{scripts: map[string]enginetest.Script{"sf": enginetest.Disconnect()}}
	pool := newTestPool(t, f.factory, nil)
	runner := provider.NewEpdRunner([]provider.EpdPosition{
		{ID: "open", FEN: game.StartFEN, BestMoves: []string{"e2e4"}},
	}, provider.EpdConfig{}, zerolog.Nop())
	pool.AddTaskProvider(runner, cfgs("sf")...)
	pool.SetConcurrency(1, true, true)
	waitDrained(t, runner)

	assert.False(t, runner.Results()[0].Correct)
	for _, w := range f.created() {
		assert.Zero(t, w.Stats().Restarts)
	}
	assert.Len(t, f.created(), 2, "aborted position is retried once")
}

func TestFactoryFailureRemovesAssignment(t *testing.T) {
	pool := newTestPool(t, enginetest.FailingFactory(errors.New("no such file")), nil)
	pair := newPair(t, provider.PairConfig{GamesPerRound: 2}, nil)
	pool.AddTaskProvider(pair, cfgs("a", "b")...)

	g, ok := pool.TryAssignNewTask()
	assert.False(t, ok)
	assert.Nil(t, g)
	assert.Empty(t, pool.Assignments())

	// the task was released, not lost
	done, running, _ := pair.Progress()
	assert.Zero(t, done)
	assert.Zero(t, running)
	assert.True(t, pool.Drained())
}

func TestTryAssignRegistrationOrder(t *testing.T) {
	f := &liveFactory{}
	pool := newTestPool(t, f.factory, nil)
	first := newPair(t, provider.PairConfig{GamesPerRound: 1}, nil)
	second := newPair(t, provider.PairConfig{GamesPerRound: 1}, nil)
	id1 := pool.AddTaskProvider(first, cfgs("a", "b")...)
	id2 := pool.AddTaskProvider(second, cfgs("a", "b")...)
	assert.NotEqual(t, id1, id2)

	g, ok := pool.TryAssignNewTask()
	require.True(t, ok)
	assert.Equal(t, id1, g.Assignment.ID)
	assert.Len(t, g.Workers, 2)
	g, ok = pool.TryAssignNewTask()
	require.True(t, ok)
	assert.Equal(t, id2, g.Assignment.ID)
	_, ok = pool.TryAssignNewTask()
	assert.False(t, ok)

	assert.True(t, pool.RemoveTaskProvider(id1))
	assert.False(t, pool.RemoveTaskProvider(id1))
	assert.Len(t, pool.Assignments(), 1)
}

func TestMaybeDeactivateManager(t *testing.T) {
	pool := newTestPool(t, (&liveFactory{}).factory, nil)
	m := newGameManager(pool, 1)
	a := &Assignment{ID: "x"}
	m.bound = a

	pool.mgrMu.Lock()
	pool.target = 1
	pool.mgrMu.Unlock()
	require.True(t, pool.acquireSlot())
	assert.False(t, pool.MaybeDeactivateManager(m))
	assert.Equal(t, a, m.boundAssignment())

	pool.mgrMu.Lock()
	pool.target = 0
	pool.mgrMu.Unlock()
	assert.True(t, pool.MaybeDeactivateManager(m))
	assert.Nil(t, m.boundAssignment())
	pool.releaseSlot()
	assert.Zero(t, pool.RunningCount())
}

func TestStartBoundAssignment(t *testing.T) {
	f := &liveFactory{scripts: map[string]enginetest.Script{"a": foolsMate, "b": foolsMate}}
	pool := newTestPool(t, f.factory, nil)
	pool.SetConcurrency(1, true, false)
	pair := newPair(t, provider.PairConfig{GamesPerRound: 2}, nil)
	// not registered with the pool: only the bound manager can reach it
	m := pool.Managers()[0]
	m.Start(&Assignment{ID: "direct", Provider: pair, Engines: cfgs("a", "b")})
	waitDrained(t, pair)
	assert.Equal(t, 2, pair.Duel().Games())
}

func TestPauseAndResume(t *testing.T) {
	f := &liveFactory{scripts: map[string]enginetest.Script{"a": foolsMate, "b": foolsMate}}
	pool := newTestPool(t, f.factory, nil)
	pool.SetConcurrency(1, true, false)
	pool.PauseAll()
	assert.Equal(t, StatePaused, pool.Managers()[0].State())

	pair := newPair(t, provider.PairConfig{GamesPerRound: 2}, nil)
	pool.AddTaskProvider(pair, cfgs("a", "b")...)
	pool.SetConcurrency(1, true, true)
	time.Sleep(50 * time.Millisecond)
	done, running, _ := pair.Progress()
	assert.Zero(t, done+running)

	pool.ResumeAll()
	waitDrained(t, pair)
}

func TestStopAllReportsNothing(t *testing.T) {
	f := &liveFactory{
		scripts: map[string]enginetest.Script{"a": foolsMate, "b": foolsMate},
		delay:   50 * time.Millisecond,
	}
	pool := newTestPool(t, f.factory, nil)
	sink := &memSink{}
	pair := newPair(t, provider.PairConfig{GamesPerRound: 2}, sink)
	pool.AddTaskProvider(pair, cfgs("a", "b")...)
	pool.SetConcurrency(2, true, true)
	require.Eventually(t, func() bool { return pool.RunningCount() == 2 }, time.Second, time.Millisecond)

	managers := pool.Managers()
	pool.StopAll()
	for _, m := range managers {
		select {
		case <-m.Done():
		default:
			t.Fatalf("manager %d still running", m.ID())
		}
		assert.Equal(t, StateStopped, m.State())
	}
	assert.Zero(t, pool.RunningCount())
	assert.Empty(t, pool.Managers())

	time.Sleep(150 * time.Millisecond)
	assert.Empty(t, sink.all())
	for _, w := range f.created() {
		assert.True(t, w.Stats().Closed)
	}
}

func TestClearAllDrainsRunningGames(t *testing.T) {
	f := &liveFactory{
		scripts: map[string]enginetest.Script{"a": foolsMate, "b": foolsMate},
		delay:   10 * time.Millisecond,
	}
	pool := newTestPool(t, f.factory, nil)
	sink := &memSink{}
	pair := newPair(t, provider.PairConfig{GamesPerRound: 10}, sink)
	pool.AddTaskProvider(pair, cfgs("a", "b")...)
	pool.SetConcurrency(1, true, true)
	require.Eventually(t, func() bool { return pool.RunningCount() == 1 }, time.Second, time.Millisecond)

	pool.ClearAll()
	assert.Empty(t, pool.Assignments())
	require.NoError(t, pool.WaitForTask(context.Background()))

	games := sink.all()
	require.Len(t, games, 1, "the running game finishes and reports")
	assert.Equal(t, game.CauseCheckmate, games[0].Cause)
}

func TestWaitForTaskHonorsContext(t *testing.T) {
	f := &liveFactory{
		scripts: map[string]enginetest.Script{"a": foolsMate, "b": foolsMate},
		delay:   200 * time.Millisecond,
	}
	pool := newTestPool(t, f.factory, nil)
	pool.AddTaskProvider(newPair(t, provider.PairConfig{GamesPerRound: 1}, nil), cfgs("a", "b")...)
	pool.SetConcurrency(1, true, true)
	require.Eventually(t, func() bool { return pool.RunningCount() == 1 }, time.Second, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, pool.WaitForTask(ctx), context.DeadlineExceeded)
}

func TestPanickingProviderIsContained(t *testing.T) {
	f := &liveFactory{scripts: map[string]enginetest.Script{"a": foolsMate, "b": foolsMate}}
	pool := newTestPool(t, f.factory, nil)
	pair := newPair(t, provider.PairConfig{GamesPerRound: 2}, nil)
	prov := &panickyPV{PairTournament: pair}
	pool.AddTaskProvider(prov, cfgs("a", "b")...)
	pool.SetConcurrency(1, true, true)
	waitDrained(t, pair)
	assert.Equal(t, 2, pair.Duel().Games())
	assert.Positive(t, prov.calls.Load())
}

type panickyPV struct {
	*provider.PairTournament
	calls atomic.Int64
}

func (p *panickyPV) SetPV(string, []string, int64, int, int64, int) bool {
	p.calls.Add(1)
	panic("bad pv")
}
