package provider

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/freeeve/enginearena/internal/game"
)

const epdSuite = `rnbqkbnr/pppppppp/8/8/8/8/PPPPPPPP/RNBQKBNR w KQkq - bm e4 d4; id "start";
rnbqkbnr/pppp1ppp/8/4p3/4P3/8/PPPP1PPP/RNBQKBNR w KQkq - bm g1f3; id "coord";
r1bqkbnr/pppp1ppp/2n5/4p3/4P3/5N2/PPPP1PPP/RNBQKB1R w KQkq - id "no-bm";
rnbqkbnr/pppppppp/8/8/8/8/PPPPPPPP/RNBQKBNR w KQkq - bm Qh5; id "illegal";
`

func loadSuite(t *testing.T) []EpdPosition {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "suite.epd")
	require.NoError(t, os.WriteFile(path, []byte(epdSuite), 0o644))
	positions, err := LoadEPD(filepath.Join(dir, "*.epd"), zerolog.Nop())
	require.NoError(t, err)
	return positions
}

func played(task *game.Task, move string, depth int, timeMs int64) *game.Record {
	rec := task.Record.Clone()
	rec.Moves = append(rec.Moves, game.MoveRecord{Move: move, Depth: depth, TimeMs: timeMs, Nodes: int64(depth) * 100})
	return rec
}

func TestLoadEPD(t *testing.T) {
	positions := loadSuite(t)
	require.Len(t, positions, 2)
	assert.Equal(t, "start", positions[0].ID)
	assert.Equal(t, []string{"e2e4", "d2d4"}, positions[0].BestMoves)
	assert.Equal(t, game.StartFEN, positions[0].FEN)
	assert.Equal(t, []string{"g1f3"}, positions[1].BestMoves)
}

func TestEpdNextTask(t *testing.T) {
	r := NewEpdRunner(loadSuite(t), EpdConfig{Engine: "sf"}, zerolog.Nop())
	task, ok := r.NextTask()
	require.True(t, ok)
	assert.Equal(t, game.TaskComputeMove, task.Type)
	assert.Equal(t, game.StartFEN, task.Record.StartFEN)
	assert.Equal(t, int64(10000), task.Record.TimeControls[game.White].MoveTimeMs)
	assert.Equal(t, "start", task.Record.Tags["EPD"])

	second, ok := r.NextTask()
	require.True(t, ok)
	assert.NotEqual(t, task.ID, second.ID)
	_, ok = r.NextTask()
	assert.False(t, ok)
}

func TestEpdEarlyStop(t *testing.T) {
	r := NewEpdRunner(loadSuite(t), EpdConfig{SeenPlies: 2, MinTimeMs: 50}, zerolog.Nop())
	task, _ := r.NextTask()

	assert.False(t, r.SetPV(task.ID, []string{"e2e4", "e7e5"}, 10, 1, 100, 1))
	assert.False(t, r.SetPV(task.ID, []string{"e2e4"}, 20, 2, 200, 1))
	// deep enough but not enough time yet
	assert.False(t, r.SetPV(task.ID, []string{"d2d4"}, 30, 3, 300, 1))
	assert.True(t, r.SetPV(task.ID, []string{"d2d4"}, 60, 4, 400, 1))
	// secondary lines are ignored
	assert.False(t, r.SetPV(task.ID, []string{"a2a3"}, 70, 5, 500, 2))

	r.SetGameRecord(task.ID, played(task, "d2d4", 4, 60))
	res := r.Results()[0]
	assert.True(t, res.Tested)
	assert.True(t, res.Correct)
	assert.Equal(t, 1, res.CorrectAtDepth)
	assert.Equal(t, int64(10), res.CorrectAtTimeMs)
	assert.Equal(t, int64(100), res.CorrectAtNodes)
}

func TestEpdRevisedPVResetsCorrectness(t *testing.T) {
	r := NewEpdRunner(loadSuite(t), EpdConfig{SeenPlies: 10}, zerolog.Nop())
	task, _ := r.NextTask()

	r.SetPV(task.ID, []string{"e2e4"}, 10, 3, 100, 1)
	assert.Equal(t, 3, r.Results()[0].CorrectAtDepth)

	r.SetPV(task.ID, []string{"g1f3"}, 20, 6, 200, 1)
	r.SetGameRecord(task.ID, played(task, "g1f3", 6, 20))

	res := r.Results()[0]
	assert.True(t, res.Tested)
	assert.False(t, res.Correct)
	assert.Equal(t, "g1f3", res.Played)
	assert.Equal(t, -1, res.CorrectAtDepth)
	assert.Equal(t, int64(-1), res.CorrectAtTimeMs)
	assert.Equal(t, int64(-1), res.CorrectAtNodes)
}

func TestEpdCorrectWithoutPV(t *testing.T) {
	r := NewEpdRunner(loadSuite(t), EpdConfig{}, zerolog.Nop())
	task, _ := r.NextTask()
	r.SetGameRecord(task.ID, played(task, "e2e4", 7, 900))
	res := r.Results()[0]
	assert.True(t, res.Correct)
	assert.Equal(t, 7, res.CorrectAtDepth)
	assert.Equal(t, int64(900), res.CorrectAtTimeMs)

	// duplicates are ignored
	r.SetGameRecord(task.ID, played(task, "a2a3", 9, 1000))
	assert.Equal(t, "e2e4", r.Results()[0].Played)
}

func TestEpdAbortedRetriedThenAbandoned(t *testing.T) {
	r := NewEpdRunner(loadSuite(t)[:1], EpdConfig{}, zerolog.Nop())
	aborted := &game.Record{Result: game.Unterminated, Cause: game.CauseAborted}

	task, ok := r.NextTask()
	require.True(t, ok)
	r.SetGameRecord(task.ID, aborted)
	assert.False(t, r.Drained())

	task, ok = r.NextTask()
	require.True(t, ok)
	r.SetGameRecord(task.ID, aborted)
	assert.True(t, r.Drained())
	assert.False(t, r.Results()[0].Correct)

	_, ok = r.NextTask()
	assert.False(t, ok)
}

func TestEpdReport(t *testing.T) {
	r := NewEpdRunner(loadSuite(t), EpdConfig{}, zerolog.Nop())
	t0, _ := r.NextTask()
	t1, _ := r.NextTask()
	r.SetGameRecord(t0.ID, played(t0, "d2d4", 5, 100))
	r.SetGameRecord(t1.ID, played(t1, "f1c4", 5, 100))

	assert.Equal(t, EpdSummary{Total: 2, Tested: 2, Correct: 1}, r.Summary())

	var buf bytes.Buffer
	require.NoError(t, r.WriteReport(&buf))
	var report struct {
		Summary   EpdSummary  `yaml:"summary"`
		Positions []EpdResult `yaml:"positions"`
	}
	require.NoError(t, yaml.Unmarshal(buf.Bytes(), &report))
	assert.Equal(t, 1, report.Summary.Correct)
	require.Len(t, report.Positions, 2)
	assert.Equal(t, "coord", report.Positions[1].ID)
	assert.Equal(t, "f1c4", report.Positions[1].Played)
}
