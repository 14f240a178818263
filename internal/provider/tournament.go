package provider

import (
	"fmt"
	"sort"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/freeeve/enginearena/internal/engine"
	"github.com/freeeve/enginearena/internal/game"
)

// TournamentType selects how engines are paired.
type TournamentType string

const (
	RoundRobin TournamentType = "roundrobin"
	Gauntlet   TournamentType = "gauntlet"
)

// Scheduler registers providers with the engines that play their tasks.
type Scheduler interface {
	AddTaskProvider(p Provider, engines ...engine.Config) string
}

// TournamentConfig configures a multi engine tournament. Pair is the template
// applied to every pairing.
type TournamentConfig struct {
	Type TournamentType `mapstructure:"type" json:"type"`
	Pair PairConfig     `mapstructure:"pair" json:"pair"`
	// TimeControl applies to engines that do not set their own.
	TimeControl game.TimeControl `mapstructure:"-" json:"tc"`
}

// Tournament is a set of pair tournaments.
type Tournament struct {
	cfg     TournamentConfig
	engines []engine.Config
	opts    PairOptions
	pairs   []*PairTournament
	log     zerolog.Logger
}

// NewTournament creates every pairing.
func NewTournament(cfg TournamentConfig, engines []engine.Config, opts PairOptions) (*Tournament, error) {
	if cfg.Type == "" {
		cfg.Type = RoundRobin
	}
	if len(engines) < 2 {
		return nil, fmt.Errorf("tournament needs at least two engines, got %d", len(engines))
	}
	seen := make(map[string]bool)
	for _, e := range engines {
		if seen[e.Name] {
			return nil, fmt.Errorf("duplicate engine name %q", e.Name)
		}
		seen[e.Name] = true
	}
	t := &Tournament{
		cfg:     cfg,
		engines: engines,
		opts:    opts,
		log:     opts.Logger.With().Str("component", "tournament").Str("type", string(cfg.Type)).Logger(),
	}
	if err := t.CreatePairings(); err != nil {
		return nil, err
	}
	return t, nil
}

type pairing struct {
	a, b  int
	round int
}

// bergerPairings schedules a round robin with the circle method. Each engine
// plays once per round; with an odd count one engine rests per round.
func bergerPairings(n int) []pairing {
	slots := make([]int, 0, n+1)
	for i := 0; i < n; i++ {
		slots = append(slots, i)
	}
	if n%2 == 1 {
		slots = append(slots, -1)
	}
	m := len(slots)
	var out []pairing
	for r := 0; r < m-1; r++ {
		for i := 0; i < m/2; i++ {
			a, b := slots[i], slots[m-1-i]
			if a < 0 || b < 0 {
				continue
			}
			if r%2 == 1 && i == 0 {
				a, b = b, a
			}
			out = append(out, pairing{a: a, b: b, round: r + 1})
		}
		// rotate every slot but the first
		last := slots[m-1]
		copy(slots[2:], slots[1:m-1])
		slots[1] = last
	}
	return out
}

// CreatePairings builds one pair tournament per pairing.
func (t *Tournament) CreatePairings() error {
	var plan []pairing
	switch t.cfg.Type {
	case RoundRobin:
		plan = bergerPairings(len(t.engines))
	case Gauntlet:
		for i := 1; i < len(t.engines); i++ {
			plan = append(plan, pairing{a: 0, b: i, round: i})
		}
	default:
		return fmt.Errorf("unknown tournament type %q", t.cfg.Type)
	}

	t.pairs = t.pairs[:0]
	for _, pl := range plan {
		p, err := t.newPair(pl.a, pl.b, pl.round)
		if err != nil {
			return err
		}
		t.pairs = append(t.pairs, p)
	}
	t.log.Info().Int("engines", len(t.engines)).Int("pairings", len(t.pairs)).Msg("pairings created")
	return nil
}

func (t *Tournament) timeControl(e engine.Config) (game.TimeControl, error) {
	if e.TimeControl == "" {
		return t.cfg.TimeControl, nil
	}
	tc, err := game.ParseTimeControl(e.TimeControl)
	if err != nil {
		return tc, fmt.Errorf("engine %s: %w", e.Name, err)
	}
	return tc, nil
}

func (t *Tournament) pairConfig(a, b, round int) (PairConfig, error) {
	cfg := t.cfg.Pair
	cfg.Round = round
	var err error
	if cfg.TimeControlA, err = t.timeControl(t.engines[a]); err != nil {
		return cfg, err
	}
	if cfg.TimeControlB, err = t.timeControl(t.engines[b]); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (t *Tournament) newPair(a, b, round int) (*PairTournament, error) {
	cfg, err := t.pairConfig(a, b, round)
	if err != nil {
		return nil, err
	}
	return NewPairTournament(t.engines[a].Name, t.engines[b].Name, cfg, t.opts)
}

// Pairs returns the pair tournaments in schedule order.
func (t *Tournament) Pairs() []*PairTournament {
	return append([]*PairTournament(nil), t.pairs...)
}

func (t *Tournament) engineConfig(name string) (engine.Config, bool) {
	for _, e := range t.engines {
		if e.Name == name {
			return e, true
		}
	}
	return engine.Config{}, false
}

// Schedule registers every pairing with s in round order.
func (t *Tournament) Schedule(s Scheduler) []string {
	ids := make([]string, 0, len(t.pairs))
	for _, p := range t.pairs {
		a, b := p.Engines()
		ca, _ := t.engineConfig(a)
		cb, _ := t.engineConfig(b)
		ids = append(ids, s.AddTaskProvider(p, ca, cb))
	}
	return ids
}

// Sections serializes every pairing.
func (t *Tournament) Sections() []*Section {
	out := make([]*Section, 0, len(t.pairs))
	for _, p := range t.pairs {
		out = append(out, p.Section())
	}
	return out
}

// Restore replaces pairings with the state stored in sections. Sections that
// match no pairing are ignored with a warning.
func (t *Tournament) Restore(sections []*Section) error {
	restored := 0
	for _, sec := range sections {
		if sec.Name != SectionName {
			continue
		}
		a, _ := sec.Get("engineA")
		b, _ := sec.Get("engineB")
		r, _ := sec.Get("round")
		idx := -1
		for i, p := range t.pairs {
			pa, pb := p.Engines()
			if pa == a && pb == b && strconv.Itoa(p.cfg.Round) == r {
				idx = i
				break
			}
		}
		if idx < 0 {
			t.log.Warn().Str("engine_a", a).Str("engine_b", b).Str("round", r).Msg("no pairing for stored section")
			continue
		}
		cfg := t.pairs[idx].Config()
		p, err := PairFromSection(sec, cfg, t.opts)
		if err != nil {
			return fmt.Errorf("restore %s vs %s: %w", a, b, err)
		}
		t.pairs[idx] = p
		restored++
	}
	t.log.Info().Int("restored", restored).Msg("tournament state restored")
	return nil
}

// Drained reports whether every pairing is finished.
func (t *Tournament) Drained() bool {
	for _, p := range t.pairs {
		if !p.Finished() {
			return false
		}
	}
	return true
}

// Standing is one engine's line in the table.
type Standing struct {
	Rank   int      `json:"rank"`
	Engine string   `json:"engine"`
	Points float64  `json:"points"`
	Games  int      `json:"games"`
	Wins   int      `json:"wins"`
	Losses int      `json:"losses"`
	Draws  int      `json:"draws"`
	Stats  EloStats `json:"stats"`
}

// Standings ranks engines by points, then by wins.
func (t *Tournament) Standings() []Standing {
	byName := make(map[string]*Standing, len(t.engines))
	order := make([]*Standing, 0, len(t.engines))
	for _, e := range t.engines {
		s := &Standing{Engine: e.Name}
		byName[e.Name] = s
		order = append(order, s)
	}
	for _, p := range t.pairs {
		d := p.Duel()
		a, b := byName[d.EngineA], byName[d.EngineB]
		a.Wins += d.WinsA
		a.Losses += d.WinsB
		a.Draws += d.Draws
		b.Wins += d.WinsB
		b.Losses += d.WinsA
		b.Draws += d.Draws
	}
	for _, s := range order {
		s.Games = s.Wins + s.Losses + s.Draws
		s.Points = float64(s.Wins) + 0.5*float64(s.Draws)
		s.Stats = ComputeStats(s.Wins, s.Losses, s.Draws)
	}
	sort.SliceStable(order, func(i, j int) bool {
		if order[i].Points != order[j].Points {
			return order[i].Points > order[j].Points
		}
		return order[i].Wins > order[j].Wins
	})
	out := make([]Standing, len(order))
	for i, s := range order {
		s.Rank = i + 1
		out[i] = *s
	}
	return out
}

// TournamentSummary is the tournament status.
type TournamentSummary struct {
	Type      TournamentType `json:"type"`
	Standings []Standing     `json:"standings"`
	Pairs     []PairSummary  `json:"pairs"`
}

func (t *Tournament) Summary() any {
	s := TournamentSummary{Type: t.cfg.Type, Standings: t.Standings()}
	for _, p := range t.pairs {
		s.Pairs = append(s.Pairs, p.PairSummary())
	}
	return s
}
