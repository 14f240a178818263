package provider

import (
	"fmt"
	"math"
	"sync"

	"github.com/rs/zerolog"

	"github.com/freeeve/enginearena/internal/game"
)

// Decision is the state of a sequential test.
type Decision int

const (
	Inconclusive Decision = iota
	H1Accepted
	H0Accepted
)

func (d Decision) String() string {
	switch d {
	case H1Accepted:
		return "H1 accepted"
	case H0Accepted:
		return "H0 accepted"
	default:
		return "inconclusive"
	}
}

// SprtConfig holds the hypotheses and error levels of the test. Elo bounds are
// in normal Elo and are scaled into BayesElo using the sample's draw ratio.
type SprtConfig struct {
	EloLower float64 `mapstructure:"elo0" json:"elo0"`
	EloUpper float64 `mapstructure:"elo1" json:"elo1"`
	Alpha    float64 `mapstructure:"alpha" json:"alpha"`
	Beta     float64 `mapstructure:"beta" json:"beta"`
	MaxGames int     `mapstructure:"max_games" json:"max_games"`
}

// Validate reports parameters for which the test can never decide.
func (c SprtConfig) Validate() error {
	if c.Alpha <= 0 || c.Alpha >= 1 || c.Beta <= 0 || c.Beta >= 1 {
		return fmt.Errorf("sprt: alpha and beta must be in (0, 1)")
	}
	if c.EloLower >= c.EloUpper {
		return fmt.Errorf("sprt: elo0 must be below elo1")
	}
	if c.MaxGames < 0 {
		return fmt.Errorf("sprt: negative max games")
	}
	return nil
}

// Bounds returns the log-likelihood ratio bounds (lower, upper).
func (c SprtConfig) Bounds() (float64, float64) {
	return math.Log(c.Beta / (1 - c.Alpha)), math.Log((1 - c.Beta) / c.Alpha)
}

// bayesElo is a win/draw/loss probability law under the BayesElo model.
type bayesElo struct {
	pWin, pDraw, pLoss float64
}

func newBayesElo(elo, drawElo float64) bayesElo {
	p := bayesElo{
		pWin:  1 / (1 + math.Pow(10, (drawElo-elo)/400)),
		pLoss: 1 / (1 + math.Pow(10, (drawElo+elo)/400)),
	}
	p.pDraw = 1 - p.pWin - p.pLoss
	return p
}

// LLR computes the log-likelihood ratio of H1 against H0. The second return
// value is false when the sample cannot be evaluated: any of wins, losses or
// draws is zero, or the parameters are invalid.
func LLR(cfg SprtConfig, wins, losses, draws int) (float64, bool) {
	if cfg.Validate() != nil || wins <= 0 || losses <= 0 || draws <= 0 {
		return 0, false
	}
	n := float64(wins + losses + draws)
	w, l := float64(wins)/n, float64(losses)/n
	drawElo := 200 * math.Log10((1-l)/l*(1-w)/w)

	x := math.Pow(10, -drawElo/400)
	scale := 4 * x / ((1 + x) * (1 + x))

	p0 := newBayesElo(cfg.EloLower/scale, drawElo)
	p1 := newBayesElo(cfg.EloUpper/scale, drawElo)
	if p0.pDraw <= 0 || p1.pDraw <= 0 {
		return 0, false
	}
	llr := float64(wins)*math.Log(p1.pWin/p0.pWin) +
		float64(losses)*math.Log(p1.pLoss/p0.pLoss) +
		float64(draws)*math.Log(p1.pDraw/p0.pDraw)
	if math.IsNaN(llr) || math.IsInf(llr, 0) {
		return 0, false
	}
	return llr, true
}

// SPRT runs a sequential probability ratio test of engine A against engine B.
// Once a decision is reached no further tasks are issued.
type SPRT struct {
	mu       sync.Mutex
	cfg      SprtConfig
	pair     *PairTournament
	decision Decision
	llr      float64
	lower    float64
	upper    float64
	log      zerolog.Logger
}

// NewSPRT wraps pair. MaxGames defaults to the pairing's game count.
func NewSPRT(cfg SprtConfig, pair *PairTournament, logger zerolog.Logger) (*SPRT, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	total := len(pair.results)
	if cfg.MaxGames == 0 || cfg.MaxGames > total {
		cfg.MaxGames = total
	}
	s := &SPRT{
		cfg:  cfg,
		pair: pair,
		log:  logger.With().Str("component", "sprt").Logger(),
	}
	s.lower, s.upper = cfg.Bounds()
	pair.SetOnResult(func(int, *game.Record) { s.update() })
	s.update()
	return s, nil
}

func (s *SPRT) update() {
	duel := s.pair.Duel()

	s.mu.Lock()
	defer s.mu.Unlock()

	llr, ok := LLR(s.cfg, duel.WinsA, duel.WinsB, duel.Draws)
	if !ok {
		return
	}
	s.llr = llr
	if s.decision != Inconclusive {
		return
	}
	switch {
	case llr >= s.upper:
		s.decision = H1Accepted
	case llr <= s.lower:
		s.decision = H0Accepted
	default:
		return
	}
	s.log.Info().
		Float64("llr", llr).
		Float64("lower", s.lower).
		Float64("upper", s.upper).
		Int("games", duel.Games()).
		Str("decision", s.decision.String()).
		Msg("sprt finished")
}

// NextTask offers a game while the test is undecided and below MaxGames.
func (s *SPRT) NextTask() (*game.Task, bool) {
	s.mu.Lock()
	decided := s.decision != Inconclusive
	s.mu.Unlock()
	if decided {
		return nil, false
	}
	done, running, _ := s.pair.Progress()
	if done+running >= s.cfg.MaxGames {
		return nil, false
	}
	return s.pair.NextTask()
}

func (s *SPRT) SetGameRecord(taskID string, rec *game.Record) {
	s.pair.SetGameRecord(taskID, rec)
}

func (s *SPRT) SetPV(taskID string, pv []string, timeMs int64, depth int, nodes int64, multipv int) bool {
	return false
}

// Decision returns the current decision.
func (s *SPRT) Decision() Decision {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.decision
}

// Pair returns the wrapped pairing.
func (s *SPRT) Pair() *PairTournament {
	return s.pair
}

// Drained reports whether the test is decided or out of games and nothing runs.
func (s *SPRT) Drained() bool {
	done, running, _ := s.pair.Progress()
	if running > 0 {
		return false
	}
	return s.Decision() != Inconclusive || done >= s.cfg.MaxGames
}

// SprtSummary is the status of the test.
type SprtSummary struct {
	LLR      float64    `json:"llr"`
	Lower    float64    `json:"lower"`
	Upper    float64    `json:"upper"`
	Decision string     `json:"decision"`
	Duel     DuelResult `json:"duel"`
	Stats    EloStats   `json:"stats"`
	MaxGames int        `json:"max_games"`
}

func (s *SPRT) Summary() any {
	return s.SprtSummary()
}

// SprtSummary returns the typed status.
func (s *SPRT) SprtSummary() SprtSummary {
	duel := s.pair.Duel()
	s.mu.Lock()
	defer s.mu.Unlock()
	return SprtSummary{
		LLR:      s.llr,
		Lower:    s.lower,
		Upper:    s.upper,
		Decision: s.decision.String(),
		Duel:     duel,
		Stats:    duel.Stats(),
		MaxGames: s.cfg.MaxGames,
	}
}
