package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/freeeve/enginearena/internal/archive"
	"github.com/freeeve/enginearena/internal/config"
	"github.com/freeeve/enginearena/internal/provider"
)

func newSprtCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sprt",
		Short: "Run a sequential probability ratio test of engine_a against engine_b",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSprt(cmd, opts)
		},
	}
}

func runSprt(cmd *cobra.Command, opts *rootOptions) error {
	c, err := newContest(cmd, opts, "sprt")
	if err != nil {
		return err
	}
	defer c.close()

	sc := c.cfg.Sprt
	if sc.EngineA == "" || sc.EngineB == "" {
		return fmt.Errorf("%w: sprt needs engine_a and engine_b", config.ErrInvalidConfig)
	}
	engines, err := c.engines(sc.EngineA, sc.EngineB)
	if err != nil {
		return err
	}
	ca, cb := engines[0], engines[1]

	pairCfg := sc.Pair
	if pairCfg.TimeControlA, err = c.cfg.TimeControlFor(ca); err != nil {
		return err
	}
	if pairCfg.TimeControlB, err = c.cfg.TimeControlFor(cb); err != nil {
		return err
	}
	if pairCfg.Event == "" {
		pairCfg.Event = c.cfg.Output.Event
	}

	sections, err := c.readState()
	if err != nil {
		return err
	}

	var pair *provider.PairTournament
	var state *archive.StateSink
	if path := c.cfg.Output.State; path != "" {
		state = archive.NewStateSink(path, func() []*provider.Section {
			return []*provider.Section{pair.Section()}
		})
	}
	pairOpts := c.pairOptions(c.sink(state))
	if sec := findPairSection(sections, ca.Name, cb.Name); sec != nil {
		pair, err = provider.PairFromSection(sec, pairCfg, pairOpts)
	} else {
		pair, err = provider.NewPairTournament(ca.Name, cb.Name, pairCfg, pairOpts)
	}
	if err != nil {
		return err
	}

	test, err := provider.NewSPRT(sc.SprtConfig, pair, c.log)
	if err != nil {
		return err
	}
	c.pool.AddTaskProvider(test, ca, cb)
	lower, upper := sc.SprtConfig.Bounds()
	c.log.Info().
		Str("engine_a", ca.Name).
		Str("engine_b", cb.Name).
		Float64("elo0", sc.EloLower).
		Float64("elo1", sc.EloUpper).
		Float64("lower", lower).
		Float64("upper", upper).
		Msg("sprt scheduled")

	if err := c.run(test); err != nil {
		return err
	}
	if state != nil {
		if err := state.Flush(); err != nil {
			return err
		}
	}

	s := test.SprtSummary()
	fmt.Fprintf(cmd.OutOrStdout(), "%s\nLLR %.2f (%.2f, %.2f) %s\nElo %s, LOS %.1f%%\n",
		s.Duel, s.LLR, s.Lower, s.Upper, s.Decision, s.Stats.FormatElo(), 100*s.Stats.LOS)
	c.logAdjudicationStats()
	if c.ledger != nil {
		if totals, err := c.ledger.PairTotals(ca.Name, cb.Name); err == nil {
			c.log.Info().Str("duel", totals.String()).Msg("ledger totals")
		}
	}
	c.logLedger()
	return nil
}

// findPairSection returns the stored pairing of a against b, if any.
func findPairSection(sections []*provider.Section, a, b string) *provider.Section {
	for _, sec := range sections {
		if sec.Name != provider.SectionName {
			continue
		}
		sa, _ := sec.Get("engineA")
		sb, _ := sec.Get("engineB")
		if sa == a && sb == b {
			return sec
		}
	}
	return nil
}
