package provider

import (
	"fmt"
	"math/rand/v2"
	"strconv"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/freeeve/enginearena/internal/game"
	"github.com/freeeve/enginearena/internal/opening"
)

// OpeningPolicy decides which book opening a game index uses.
type OpeningPolicy string

const (
	// OpeningDefault switches to a new opening every Repeat games.
	OpeningDefault OpeningPolicy = "default"
	// OpeningRound uses one opening per round, continuing from the pairing's
	// tournament round so that pairings of the same round share openings.
	OpeningRound OpeningPolicy = "round"
	// OpeningEncounter uses a new opening for every game.
	OpeningEncounter OpeningPolicy = "encounter"
	// OpeningRandom walks a seeded permutation of the book, Repeat games per entry.
	OpeningRandom OpeningPolicy = "random"
)

// SectionName is the INI section name of a pair tournament.
const SectionName = "round"

// PairConfig configures the games between two engines.
type PairConfig struct {
	Rounds        int              `mapstructure:"rounds" json:"rounds"`
	GamesPerRound int              `mapstructure:"games_per_round" json:"games_per_round"`
	Repeat        int              `mapstructure:"repeat" json:"repeat"`
	SwapColors    bool             `mapstructure:"swap_colors" json:"swap_colors"`
	OpeningPolicy OpeningPolicy    `mapstructure:"opening_policy" json:"opening_policy"`
	OpeningOffset int              `mapstructure:"opening_offset" json:"opening_offset"`
	Seed          uint64           `mapstructure:"seed" json:"seed"`
	TimeControlA  game.TimeControl `mapstructure:"-" json:"tc_a"`
	TimeControlB  game.TimeControl `mapstructure:"-" json:"tc_b"`
	// Round is the tournament round coordinate of this pairing (1 based).
	Round int    `mapstructure:"-" json:"round"`
	Event string `mapstructure:"event" json:"event,omitempty"`
}

func (c PairConfig) normalize() PairConfig {
	if c.Rounds <= 0 {
		c.Rounds = 1
	}
	if c.GamesPerRound <= 0 {
		c.GamesPerRound = 1
	}
	if c.Repeat <= 0 {
		c.Repeat = c.GamesPerRound
	}
	if c.OpeningPolicy == "" {
		c.OpeningPolicy = OpeningDefault
	}
	if c.Round <= 0 {
		c.Round = 1
	}
	return c
}

// Validate reports invalid settings.
func (c PairConfig) Validate() error {
	switch c.OpeningPolicy {
	case "", OpeningDefault, OpeningRound, OpeningEncounter, OpeningRandom:
	default:
		return fmt.Errorf("unknown opening policy %q", c.OpeningPolicy)
	}
	if c.Rounds < 0 || c.GamesPerRound < 0 || c.Repeat < 0 {
		return fmt.Errorf("negative game counts")
	}
	return nil
}

// Games returns the configured number of games.
func (c PairConfig) Games() int {
	c = c.normalize()
	return c.Rounds * c.GamesPerRound
}

// PairTournament plays a fixed number of games between engine A and engine B.
type PairTournament struct {
	mu       sync.Mutex
	cfg      PairConfig
	engineA  string
	engineB  string
	book     *opening.Book
	perm     []int
	results  []game.Result
	inFlight map[int]bool
	duel     DuelResult
	causes   CauseStats
	sink     GameSink
	onResult func(index int, rec *game.Record)
	log      zerolog.Logger
}

// PairOptions carries the collaborators of a pair tournament.
type PairOptions struct {
	Book   *opening.Book
	Sink   GameSink
	Logger zerolog.Logger
}

// NewPairTournament creates the pairing with all games unplayed.
func NewPairTournament(engineA, engineB string, cfg PairConfig, opts PairOptions) (*PairTournament, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if engineA == "" || engineB == "" {
		return nil, fmt.Errorf("pair tournament needs two engine names")
	}
	cfg = cfg.normalize()
	book := opts.Book
	if book == nil {
		book = opening.NewBook()
	}
	p := &PairTournament{
		cfg:      cfg,
		engineA:  engineA,
		engineB:  engineB,
		book:     book,
		inFlight: make(map[int]bool),
		causes:   NewCauseStats(),
		sink:     opts.Sink,
		log: opts.Logger.With().
			Str("component", "pair").
			Str("engine_a", engineA).
			Str("engine_b", engineB).
			Int("round", cfg.Round).
			Logger(),
	}
	p.duel = DuelResult{EngineA: engineA, EngineB: engineB}
	p.createPairings()
	return p, nil
}

// createPairings sizes the result array to the configured game count.
func (p *PairTournament) createPairings() {
	p.results = make([]game.Result, p.cfg.Rounds*p.cfg.GamesPerRound)
	if p.cfg.OpeningPolicy == OpeningRandom {
		rng := rand.New(rand.NewPCG(p.cfg.Seed, p.cfg.Seed^0x9e3779b97f4a7c15))
		p.perm = rng.Perm(p.book.Len())
	}
}

// SetOnResult registers a callback invoked after every counted result.
func (p *PairTournament) SetOnResult(fn func(index int, rec *game.Record)) {
	p.mu.Lock()
	p.onResult = fn
	p.mu.Unlock()
}

// Engines returns the engine names.
func (p *PairTournament) Engines() (a, b string) {
	return p.engineA, p.engineB
}

// Config returns the normalized configuration.
func (p *PairTournament) Config() PairConfig {
	return p.cfg
}

// swapped reports whether engine B plays white in game index g.
func (p *PairTournament) swapped(g int) bool {
	return p.cfg.SwapColors && g%2 == 1
}

// OpeningIndex returns the book index used by game index g.
func (p *PairTournament) OpeningIndex(g int) int {
	c := p.cfg
	switch c.OpeningPolicy {
	case OpeningRound:
		return c.OpeningOffset + (c.Round - 1) + g/c.GamesPerRound
	case OpeningEncounter:
		return c.OpeningOffset + g
	case OpeningRandom:
		if len(p.perm) == 0 {
			return 0
		}
		return p.perm[(c.OpeningOffset+g/c.Repeat)%len(p.perm)]
	default:
		return c.OpeningOffset + g/c.Repeat
	}
}

// NextTask returns the first unplayed game that is not in flight.
func (p *PairTournament) NextTask() (*game.Task, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for g, res := range p.results {
		if res != game.Unterminated || p.inFlight[g] {
			continue
		}
		p.inFlight[g] = true
		return p.buildTask(g), true
	}
	return nil, false
}

func (p *PairTournament) buildTask(g int) *game.Task {
	idx := p.OpeningIndex(g)
	op := p.book.At(idx)
	rec, err := op.Record()
	if err != nil {
		p.log.Warn().Err(err).Int("opening", idx).Msg("bad opening, using start position")
		rec = &game.Record{StartFEN: game.StartFEN, OpeningName: "startpos"}
	}
	rec.Round = p.cfg.Round
	rec.GameInRound = g + 1
	rec.OpeningIndex = idx
	rec.White, rec.Black = p.engineA, p.engineB
	rec.TimeControls = [2]game.TimeControl{p.cfg.TimeControlA, p.cfg.TimeControlB}
	swap := p.swapped(g)
	if swap {
		rec.White, rec.Black = p.engineB, p.engineA
		rec.TimeControls = [2]game.TimeControl{p.cfg.TimeControlB, p.cfg.TimeControlA}
	}
	rec.Tags = map[string]string{"Round": fmt.Sprintf("%d.%d", p.cfg.Round, g+1)}
	if p.cfg.Event != "" {
		rec.Tags["Event"] = p.cfg.Event
	}
	if op.ECO != "" {
		rec.Tags["ECO"] = op.ECO
	}
	return &game.Task{
		ID:         strconv.Itoa(g),
		Type:       game.TaskPlayGame,
		SwitchSide: swap,
		Record:     rec,
	}
}

// SetGameRecord ingests a result, logging rejected ones.
func (p *PairTournament) SetGameRecord(taskID string, rec *game.Record) {
	if err := p.Ingest(taskID, rec); err != nil {
		p.log.Warn().Err(err).Str("task_id", taskID).Msg("result not counted")
	}
}

// Ingest records the result of a task. Aborted or unfinished records release
// the game so it is played again.
func (p *PairTournament) Ingest(taskID string, rec *game.Record) error {
	g, err := strconv.Atoi(taskID)
	if err != nil {
		return fmt.Errorf("%w: %q", ErrUnknownTask, taskID)
	}

	p.mu.Lock()
	if g < 0 || g >= len(p.results) {
		p.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrUnknownTask, g)
	}
	if p.results[g] != game.Unterminated {
		delete(p.inFlight, g)
		p.mu.Unlock()
		return fmt.Errorf("%w: game %d", ErrDuplicateResult, g)
	}
	delete(p.inFlight, g)
	if rec == nil || !rec.IsFinished() {
		p.mu.Unlock()
		p.log.Info().Str("task_id", taskID).Msg("game released without result")
		return nil
	}

	p.results[g] = rec.Result
	outcome := p.outcomeChar(g, rec.Result)
	switch outcome {
	case '1':
		p.duel.WinsA++
		p.causes.Wins[rec.Cause]++
	case '0':
		p.duel.WinsB++
		p.causes.Losses[rec.Cause]++
	default:
		p.duel.Draws++
		p.causes.Draws[rec.Cause]++
	}
	duel := p.duel
	sink, onResult := p.sink, p.onResult
	p.mu.Unlock()

	p.log.Info().
		Int("game", g+1).
		Str("white", rec.White).
		Str("black", rec.Black).
		Str("result", rec.Result.String()).
		Str("cause", rec.Cause.String()).
		Str("score", duel.String()).
		Msg("game finished")

	if sink != nil {
		if err := sink.SaveGame(rec); err != nil {
			p.log.Error().Err(err).Int("game", g+1).Msg("failed to save game")
		}
	}
	if onResult != nil {
		onResult(g, rec)
	}
	return nil
}

// outcomeChar converts an absolute result to engine A's perspective.
func (p *PairTournament) outcomeChar(g int, res game.Result) byte {
	aWhite := !p.swapped(g)
	switch {
	case res == game.Draw:
		return '='
	case res == game.WhiteWins && aWhite, res == game.BlackWins && !aWhite:
		return '1'
	case res == game.Unterminated:
		return '?'
	default:
		return '0'
	}
}

// resultFromChar converts engine A's perspective back to an absolute result.
func (p *PairTournament) resultFromChar(g int, ch byte) (game.Result, error) {
	aWhite := !p.swapped(g)
	switch ch {
	case '?':
		return game.Unterminated, nil
	case '=':
		return game.Draw, nil
	case '1':
		if aWhite {
			return game.WhiteWins, nil
		}
		return game.BlackWins, nil
	case '0':
		if aWhite {
			return game.BlackWins, nil
		}
		return game.WhiteWins, nil
	}
	return game.Unterminated, fmt.Errorf("invalid result character %q", ch)
}

// SetPV never asks for an early move; games run to their end.
func (p *PairTournament) SetPV(taskID string, pv []string, timeMs int64, depth int, nodes int64, multipv int) bool {
	return false
}

// Duel returns the current score.
func (p *PairTournament) Duel() DuelResult {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.duel
}

// Causes returns a copy of the end cause histograms.
func (p *PairTournament) Causes() CauseStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.causes.Clone()
}

// Outcomes returns one character per game from engine A's perspective.
func (p *PairTournament) Outcomes() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.outcomesLocked()
}

func (p *PairTournament) outcomesLocked() string {
	var sb strings.Builder
	for g, res := range p.results {
		sb.WriteByte(p.outcomeChar(g, res))
	}
	return sb.String()
}

// Progress returns completed, in-flight and total game counts.
func (p *PairTournament) Progress() (done, running, total int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, res := range p.results {
		if res != game.Unterminated {
			done++
		}
	}
	return done, len(p.inFlight), len(p.results)
}

// Finished reports whether every game has a result.
func (p *PairTournament) Finished() bool {
	done, _, total := p.Progress()
	return done == total
}

// Drained reports whether no game is left to play or running.
func (p *PairTournament) Drained() bool {
	return p.Finished()
}

// PairSummary is the status of one pairing.
type PairSummary struct {
	Duel     DuelResult `json:"duel"`
	Stats    EloStats   `json:"stats"`
	Outcomes string     `json:"outcomes"`
	Done     int        `json:"done"`
	Running  int        `json:"running"`
	Total    int        `json:"total"`
}

func (p *PairTournament) Summary() any {
	return p.PairSummary()
}

// PairSummary returns the typed status.
func (p *PairTournament) PairSummary() PairSummary {
	done, running, total := p.Progress()
	duel := p.Duel()
	return PairSummary{
		Duel:     duel,
		Stats:    duel.Stats(),
		Outcomes: p.Outcomes(),
		Done:     done,
		Running:  running,
		Total:    total,
	}
}

// Section serializes the pairing state.
func (p *PairTournament) Section() *Section {
	p.mu.Lock()
	defer p.mu.Unlock()

	sec := NewSection(SectionName)
	sec.Set("engineA", p.engineA)
	sec.Set("engineB", p.engineB)
	sec.Set("round", strconv.Itoa(p.cfg.Round))
	sec.Set("games", p.outcomesLocked())
	sec.Set("wincauses", formatCauses(p.causes.Wins))
	sec.Set("drawcauses", formatCauses(p.causes.Draws))
	sec.Set("losscauses", formatCauses(p.causes.Losses))
	return sec
}

// PairFromSection restores a pairing from its section. When cfg does not fix
// the number of games, one round holding every stored game is assumed.
func PairFromSection(sec *Section, cfg PairConfig, opts PairOptions) (*PairTournament, error) {
	if sec.Name != SectionName {
		return nil, fmt.Errorf("unexpected section %q", sec.Name)
	}
	engineA, _ := sec.Get("engineA")
	engineB, _ := sec.Get("engineB")
	games, _ := sec.Get("games")
	if r, ok := sec.Get("round"); ok && r != "" {
		n, err := strconv.Atoi(r)
		if err != nil {
			return nil, fmt.Errorf("invalid round %q", r)
		}
		cfg.Round = n
	}
	if cfg.Rounds == 0 && cfg.GamesPerRound == 0 {
		cfg.Rounds = 1
		cfg.GamesPerRound = len(games)
	}

	p, err := NewPairTournament(engineA, engineB, cfg, opts)
	if err != nil {
		return nil, err
	}
	if len(games) > len(p.results) {
		return nil, fmt.Errorf("section holds %d games, pairing has %d", len(games), len(p.results))
	}
	for g := 0; g < len(games); g++ {
		res, err := p.resultFromChar(g, games[g])
		if err != nil {
			return nil, fmt.Errorf("game %d: %w", g+1, err)
		}
		p.results[g] = res
		switch games[g] {
		case '1':
			p.duel.WinsA++
		case '0':
			p.duel.WinsB++
		case '=':
			p.duel.Draws++
		}
	}

	for key, dst := range map[string]*map[game.EndCause]int{
		"wincauses":  &p.causes.Wins,
		"drawcauses": &p.causes.Draws,
		"losscauses": &p.causes.Losses,
	} {
		v, _ := sec.Get(key)
		h, err := parseCauses(v)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", key, err)
		}
		*dst = h
	}
	return p, nil
}
