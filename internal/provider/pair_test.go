package provider

import (
	"bytes"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/freeeve/enginearena/internal/game"
	"github.com/freeeve/enginearena/internal/opening"
)

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

func newPair(t *testing.T, cfg PairConfig, opts PairOptions) *PairTournament {
	t.Helper()
	opts.Logger = zerolog.Nop()
	p, err := NewPairTournament("alpha", "beta", cfg, opts)
	require.NoError(t, err)
	return p
}

func finish(task *game.Task, res game.Result, cause game.EndCause) *game.Record {
	rec := task.Record.Clone()
	rec.SetResult(res, cause)
	return rec
}

func TestPairResultsSizedToGameCount(t *testing.T) {
	p := newPair(t, PairConfig{Rounds: 3, GamesPerRound: 4}, PairOptions{})
	done, running, total := p.Progress()
	assert.Equal(t, 12, total)
	assert.Zero(t, done)
	assert.Zero(t, running)
	assert.Equal(t, "????????????", p.Outcomes())
}

func TestPairAllWhiteWinsWithSwap(t *testing.T) {
	sink := &memSink{}
	p := newPair(t, PairConfig{Rounds: 1, GamesPerRound: 4, SwapColors: true}, PairOptions{Sink: sink})

	var tasks []*game.Task
	for {
		task, ok := p.NextTask()
		if !ok {
			break
		}
		tasks = append(tasks, task)
	}
	require.Len(t, tasks, 4)

	for i, task := range tasks {
		assert.Equal(t, i%2 == 1, task.SwitchSide)
		assert.Equal(t, game.TaskPlayGame, task.Type)
		p.SetGameRecord(task.ID, finish(task, game.WhiteWins, game.CauseCheckmate))
	}

	d := p.Duel()
	assert.Equal(t, 2, d.WinsA)
	assert.Equal(t, 2, d.WinsB)
	assert.Zero(t, d.Draws)
	assert.Equal(t, "1010", p.Outcomes())
	assert.Equal(t, 2, p.Causes().Wins[game.CauseCheckmate])
	assert.Equal(t, 2, p.Causes().Losses[game.CauseCheckmate])
	assert.Len(t, sink.games, 4)
	assert.True(t, p.Finished())
	assert.True(t, p.Drained())
}

func TestPairColorsAndTimeControls(t *testing.T) {
	tcA := game.TimeControl{BaseMs: 10000}
	tcB := game.TimeControl{MoveTimeMs: 100}
	p := newPair(t, PairConfig{GamesPerRound: 2, SwapColors: true, TimeControlA: tcA, TimeControlB: tcB}, PairOptions{})

	t0, _ := p.NextTask()
	t1, _ := p.NextTask()
	assert.Equal(t, "alpha", t0.Record.White)
	assert.Equal(t, tcA, t0.Record.TimeControls[game.White])
	assert.Equal(t, "beta", t1.Record.White)
	assert.Equal(t, tcB, t1.Record.TimeControls[game.White])
	assert.Equal(t, tcA, t1.Record.TimeControls[game.Black])
	assert.Equal(t, "1.2", t1.Record.Tags["Round"])
}

func TestPairDuplicateResultRejected(t *testing.T) {
	p := newPair(t, PairConfig{GamesPerRound: 2}, PairOptions{})
	task, ok := p.NextTask()
	require.True(t, ok)

	require.NoError(t, p.Ingest(task.ID, finish(task, game.Draw, game.CauseRepetition)))
	err := p.Ingest(task.ID, finish(task, game.WhiteWins, game.CauseCheckmate))
	assert.ErrorIs(t, err, ErrDuplicateResult)

	d := p.Duel()
	assert.Equal(t, 1, d.Draws)
	assert.Equal(t, 1, d.Games())
	assert.Equal(t, "=?", p.Outcomes())
}

func TestPairUnknownTask(t *testing.T) {
	p := newPair(t, PairConfig{GamesPerRound: 2}, PairOptions{})
	rec := &game.Record{Result: game.Draw}
	assert.ErrorIs(t, p.Ingest("7", rec), ErrUnknownTask)
	assert.ErrorIs(t, p.Ingest("-1", rec), ErrUnknownTask)
	assert.ErrorIs(t, p.Ingest("x", rec), ErrUnknownTask)
	// logged, not fatal
	p.SetGameRecord("7", rec)
	assert.Zero(t, p.Duel().Games())
}

func TestPairInFlightAndAbortRelease(t *testing.T) {
	p := newPair(t, PairConfig{GamesPerRound: 2}, PairOptions{})
	t0, ok := p.NextTask()
	require.True(t, ok)
	t1, ok := p.NextTask()
	require.True(t, ok)
	assert.NotEqual(t, t0.ID, t1.ID)

	_, ok = p.NextTask()
	assert.False(t, ok, "in-flight games are not issued twice")

	aborted := t0.Record.Clone()
	aborted.SetResult(game.Unterminated, game.CauseAborted)
	p.SetGameRecord(t0.ID, aborted)

	again, ok := p.NextTask()
	require.True(t, ok)
	assert.Equal(t, t0.ID, again.ID)
	assert.Zero(t, p.Duel().Games())
}

func TestPairOpeningPolicies(t *testing.T) {
	var ops []opening.Opening
	for i := 0; i < 5; i++ {
		ops = append(ops, opening.Opening{FEN: game.StartFEN})
	}
	book := opening.NewBook(ops...)
	base := PairConfig{Rounds: 2, GamesPerRound: 3}

	indexes := func(cfg PairConfig) []int {
		p := newPair(t, cfg, PairOptions{Book: book})
		var out []int
		for g := 0; g < cfg.Games(); g++ {
			out = append(out, p.OpeningIndex(g))
		}
		return out
	}

	assert.Equal(t, []int{0, 0, 0, 1, 1, 1}, indexes(base))

	rep := base
	rep.Repeat = 2
	rep.OpeningOffset = 3
	assert.Equal(t, []int{3, 3, 4, 4, 5, 5}, indexes(rep))

	enc := base
	enc.OpeningPolicy = OpeningEncounter
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5}, indexes(enc))

	rnd := base
	rnd.OpeningPolicy = OpeningRound
	rnd.Round = 3
	assert.Equal(t, []int{2, 2, 2, 3, 3, 3}, indexes(rnd))

	random := base
	random.OpeningPolicy = OpeningRandom
	random.Repeat = 2
	random.Seed = 42
	first := indexes(random)
	assert.Equal(t, first, indexes(random), "seeded permutation is deterministic")
	for i := 0; i < len(first); i += 2 {
		assert.Equal(t, first[i], first[i+1])
		assert.GreaterOrEqual(t, first[i], 0)
		assert.Less(t, first[i], 5)
	}
	assert.NotEqual(t, first[0], first[2])

	_, err := NewPairTournament("a", "b", PairConfig{OpeningPolicy: "sometimes"}, PairOptions{})
	assert.Error(t, err)
}

func TestPairSectionRoundTrip(t *testing.T) {
	p := newPair(t, PairConfig{Rounds: 2, GamesPerRound: 4, SwapColors: true, Round: 3}, PairOptions{})
	outcomes := []struct {
		res   game.Result
		cause game.EndCause
	}{
		{game.WhiteWins, game.CauseCheckmate},
		{game.Draw, game.CauseRepetition},
		{game.WhiteWins, game.CauseAdjudication},
		{game.WhiteWins, game.CauseTimeout},
		{game.Draw, game.CauseFiftyMoves},
	}
	for _, o := range outcomes {
		task, ok := p.NextTask()
		require.True(t, ok)
		p.SetGameRecord(task.ID, finish(task, o.res, o.cause))
	}
	assert.Equal(t, "1=10=???", p.Outcomes())

	var buf bytes.Buffer
	require.NoError(t, WriteSections(&buf, []*Section{p.Section()}))
	assert.Contains(t, buf.String(), "[round]\nengineA=alpha\nengineB=beta\nround=3\ngames=1=10=???\n")
	assert.Contains(t, buf.String(), "wincauses=checkmate:1,adjudication:1\n")
	assert.Contains(t, buf.String(), "losscauses=timeout:1\n")

	sections, err := ReadSections(&buf)
	require.NoError(t, err)
	require.Len(t, sections, 1)

	restored, err := PairFromSection(sections[0], PairConfig{Rounds: 2, GamesPerRound: 4, SwapColors: true}, PairOptions{Logger: zerolog.Nop()})
	require.NoError(t, err)
	assert.Equal(t, p.Duel(), restored.Duel())
	assert.Equal(t, p.Outcomes(), restored.Outcomes())
	assert.Equal(t, p.Causes(), restored.Causes())
	assert.Equal(t, p.Section(), restored.Section())
	assert.Equal(t, 3, restored.Config().Round)

	// the restored pairing resumes with the first unplayed game
	task, ok := restored.NextTask()
	require.True(t, ok)
	assert.Equal(t, "5", task.ID)
}

func TestPairFromSectionInfersSize(t *testing.T) {
	sec := NewSection(SectionName)
	sec.Set("engineA", "a")
	sec.Set("engineB", "b")
	sec.Set("games", "10=?")
	p, err := PairFromSection(sec, PairConfig{}, PairOptions{Logger: zerolog.Nop()})
	require.NoError(t, err)
	_, _, total := p.Progress()
	assert.Equal(t, 4, total)
	assert.Equal(t, DuelResult{EngineA: "a", EngineB: "b", WinsA: 1, WinsB: 1, Draws: 1}, p.Duel())

	sec.Set("games", "1x")
	_, err = PairFromSection(sec, PairConfig{}, PairOptions{})
	assert.Error(t, err)

	sec.Set("games", "11111")
	_, err = PairFromSection(sec, PairConfig{GamesPerRound: 2}, PairOptions{})
	assert.Error(t, err)

	sec.Set("games", "1")
	sec.Set("wincauses", "checkmate")
	_, err = PairFromSection(sec, PairConfig{}, PairOptions{})
	assert.Error(t, err)
}

func TestPairConcurrentNextTask(t *testing.T) {
	p := newPair(t, PairConfig{Rounds: 10, GamesPerRound: 10}, PairOptions{})
	var mu sync.Mutex
	seen := make(map[string]int)
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				task, ok := p.NextTask()
				if !ok {
					return
				}
				mu.Lock()
				seen[task.ID]++
				mu.Unlock()
				p.SetGameRecord(task.ID, finish(task, game.Draw, game.CauseStalemate))
			}
		}()
	}
	wg.Wait()
	assert.Len(t, seen, 100)
	for id, n := range seen {
		assert.Equal(t, 1, n, id)
	}
	assert.Equal(t, 100, p.Duel().Draws)
}
