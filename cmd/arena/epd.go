package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/freeeve/enginearena/internal/config"
	"github.com/freeeve/enginearena/internal/provider"
)

func newEpdCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "epd",
		Short: "Run an EPD test suite against one engine",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEpd(cmd, opts)
		},
	}
}

func runEpd(cmd *cobra.Command, opts *rootOptions) error {
	c, err := newContest(cmd, opts, "epd")
	if err != nil {
		return err
	}
	defer c.close()

	if c.cfg.Epd.Files == "" {
		return fmt.Errorf("%w: epd.files is required", config.ErrInvalidConfig)
	}
	epdCfg, err := c.cfg.EpdConfig()
	if err != nil {
		return err
	}
	engines, err := c.engines(epdCfg.Engine)
	if err != nil {
		return err
	}
	positions, err := provider.LoadEPD(c.cfg.Epd.Files, c.log)
	if err != nil {
		return err
	}

	runner := provider.NewEpdRunner(positions, epdCfg, c.log)
	c.pool.AddTaskProvider(runner, engines[0])
	c.log.Info().Str("engine", epdCfg.Engine).Int("positions", len(positions)).Msg("epd suite scheduled")

	if err := c.run(runner); err != nil {
		return err
	}

	s := runner.EpdSummary()
	fmt.Fprintf(cmd.OutOrStdout(), "%d/%d correct (%d tested)\n", s.Correct, s.Total, s.Tested)
	if path := c.cfg.Output.Report; path != "" {
		f, err := os.Create(path)
		if err != nil {
			return fmt.Errorf("create report: %w", err)
		}
		if err := runner.WriteReport(f); err != nil {
			f.Close()
			return fmt.Errorf("write report: %w", err)
		}
		if err := f.Close(); err != nil {
			return err
		}
		c.log.Info().Str("report", path).Msg("epd report written")
	}
	return nil
}
