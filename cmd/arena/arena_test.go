package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/freeeve/enginearena/internal/archive"
	"github.com/freeeve/enginearena/internal/engine"
	"github.com/freeeve/enginearena/internal/engine/enginetest"
)

var foolsMate = enginetest.Sequence(0, "f2f3", "e7e5", "g2g4", "d8h4")

// scripted swaps the UCI factory for scripted engines for the test's lifetime.
func scripted(t *testing.T, scripts map[string]enginetest.Script) {
	t.Helper()
	prevFactory, prevLookup, prevPoll := newEngineFactory, lookupBinary, drainPoll
	newEngineFactory = func(zerolog.Logger) engine.Factory { return enginetest.Factory(scripts) }
	lookupBinary = func(engine.Config) error { return nil }
	drainPoll = 10 * time.Millisecond
	t.Cleanup(func() {
		newEngineFactory, lookupBinary, drainPoll = prevFactory, prevLookup, prevPoll
	})
}

func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "contest.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

const managerTimings = `
manager:
  tick_interval: 10ms
  timeout_margin: 200ms
  progress_interval: 1h
`

func TestTournamentCommand(t *testing.T) {
	scripted(t, map[string]enginetest.Script{"alpha": foolsMate, "beta": foolsMate})
	dir := t.TempDir()
	pgnPath := filepath.Join(dir, "games.pgn")
	statePath := filepath.Join(dir, "state.ini")
	cfg := writeConfig(t, dir, `
concurrency: 2
engines:
  - name: alpha
    cmd: alpha
  - name: beta
    cmd: beta
tournament:
  pair:
    rounds: 1
    games_per_round: 2
output:
  pgn: `+pgnPath+`
  state: `+statePath+`
  database: `+filepath.Join(dir, "results.db")+`
  event: e2e
`+managerTimings)

	out, err := execute(t, "tournament", "--config", cfg, "--log-level", "error")
	require.NoError(t, err, out)
	assert.Contains(t, out, "rank")
	assert.Contains(t, out, "alpha")

	pgnData, err := os.ReadFile(pgnPath)
	require.NoError(t, err)
	assert.Equal(t, 2, strings.Count(string(pgnData), `[Result "0-1"]`))
	assert.Equal(t, 2, strings.Count(string(pgnData), "Qh4#"))
	assert.Contains(t, string(pgnData), `[Event "e2e"]`)

	sections, err := archive.ReadStateFile(statePath)
	require.NoError(t, err)
	require.Len(t, sections, 1)
	games, _ := sections[0].Get("games")
	assert.Equal(t, "01", games)

	// A finished contest resumes without playing again.
	out, err = execute(t, "tournament", "--config", cfg, "--log-level", "error")
	require.NoError(t, err, out)
	pgnData, err = os.ReadFile(pgnPath)
	require.NoError(t, err)
	assert.Equal(t, 2, strings.Count(string(pgnData), `[Result "0-1"]`))
}

func TestSprtCommand(t *testing.T) {
	scripted(t, map[string]enginetest.Script{"new": foolsMate, "base": foolsMate})
	dir := t.TempDir()
	cfg := writeConfig(t, dir, `
concurrency: 2
engines:
  - name: new
    cmd: new
  - name: base
    cmd: base
sprt:
  engine_a: new
  engine_b: base
  pair:
    rounds: 2
    games_per_round: 2
output:
  pgn: `+filepath.Join(dir, "sprt.pgn")+`
  state: `+filepath.Join(dir, "sprt.ini")+`
`+managerTimings)

	out, err := execute(t, "sprt", "--config", cfg, "--log-level", "error")
	require.NoError(t, err, out)
	assert.Contains(t, out, "new vs base: +2 -2 =0")
	assert.Contains(t, out, "LLR")

	sections, err := archive.ReadStateFile(filepath.Join(dir, "sprt.ini"))
	require.NoError(t, err)
	require.Len(t, sections, 1)
	games, _ := sections[0].Get("games")
	assert.Equal(t, "0101", games)
}

func TestSprtNeedsEngines(t *testing.T) {
	scripted(t, nil)
	dir := t.TempDir()
	cfg := writeConfig(t, dir, `
engines:
  - name: new
    cmd: new
output:
  pgn: ""
`)
	_, err := execute(t, "sprt", "--config", cfg, "--log-level", "error")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "engine_a")
}

func TestEpdCommand(t *testing.T) {
	scripted(t, map[string]enginetest.Script{"sf": enginetest.Sequence(35, "e2e4")})
	dir := t.TempDir()
	suite := filepath.Join(dir, "suite.epd")
	require.NoError(t, os.WriteFile(suite, []byte(
		"rnbqkbnr/pppppppp/8/8/8/8/PPPPPPPP/RNBQKBNR w KQkq - bm e4; id \"open\";\n"+
			"rnbqkbnr/pppppppp/8/8/8/8/PPPPPPPP/RNBQKBNR w KQkq - bm d4; id \"queen\";\n",
	), 0o644))
	report := filepath.Join(dir, "report.yaml")
	cfg := writeConfig(t, dir, `
engines:
  - name: sf
    cmd: sf
epd:
  files: `+suite+`
  engine: sf
  max_time_ms: 1000
output:
  report: `+report+`
  pgn: `+filepath.Join(dir, "unused.pgn")+`
`+managerTimings)

	out, err := execute(t, "epd", "--config", cfg, "--log-level", "error")
	require.NoError(t, err, out)
	assert.Contains(t, out, "1/2 correct (2 tested)")

	data, err := os.ReadFile(report)
	require.NoError(t, err)
	assert.Contains(t, string(data), "correct: 1")
	assert.NoFileExists(t, filepath.Join(dir, "unused.pgn"))
}

func TestUnknownCommand(t *testing.T) {
	_, err := execute(t, "knockout")
	assert.Error(t, err)
}
