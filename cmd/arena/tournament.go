package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/freeeve/enginearena/internal/archive"
	"github.com/freeeve/enginearena/internal/provider"
)

func newTournamentCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "tournament",
		Short: "Play a round robin or gauntlet tournament between the configured engines",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTournament(cmd, opts)
		},
	}
}

func runTournament(cmd *cobra.Command, opts *rootOptions) error {
	c, err := newContest(cmd, opts, "tournament")
	if err != nil {
		return err
	}
	defer c.close()

	engines, err := c.allEngines()
	if err != nil {
		return err
	}
	sections, err := c.readState()
	if err != nil {
		return err
	}

	var t *provider.Tournament
	var state *archive.StateSink
	if path := c.cfg.Output.State; path != "" {
		state = archive.NewStateSink(path, func() []*provider.Section { return t.Sections() })
	}
	t, err = provider.NewTournament(c.cfg.TournamentConfig(), engines, c.pairOptions(c.sink(state)))
	if err != nil {
		return err
	}
	if sections != nil {
		if err := t.Restore(sections); err != nil {
			return err
		}
	}
	ids := t.Schedule(c.pool)
	c.log.Info().Int("engines", len(engines)).Int("pairings", len(ids)).Msg("tournament scheduled")

	if err := c.run(t); err != nil {
		return err
	}
	if state != nil {
		if err := state.Flush(); err != nil {
			return err
		}
	}

	printStandings(cmd.OutOrStdout(), t.Standings())
	c.logAdjudicationStats()
	c.logLedger()
	return nil
}

func printStandings(out io.Writer, standings []provider.Standing) {
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintln(tw, "rank\tengine\tpoints\tgames\twins\tlosses\tdraws\telo\t")
	for _, s := range standings {
		fmt.Fprintf(tw, "%d\t%s\t%.1f\t%d\t%d\t%d\t%d\t%s\t\n",
			s.Rank, s.Engine, s.Points, s.Games, s.Wins, s.Losses, s.Draws, s.Stats.FormatElo())
	}
	_ = tw.Flush()
}
