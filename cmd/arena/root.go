package main

import (
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/freeeve/enginearena/internal/config"
	"github.com/freeeve/enginearena/internal/engine"
)

// Replaced in tests to run contests against scripted engines.
var (
	newEngineFactory = func(logger zerolog.Logger) engine.Factory { return engine.NewUCIFactory(logger) }
	lookupBinary     = engine.LookupBinary
)

type rootOptions struct {
	configPath string
	resume     bool
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:   "arena",
		Short: "Run chess engine contests",
		Long: `Run chess engine contests: tournaments, SPRT tests and EPD test suites.

Examples:
  arena tournament --config contest.yaml
  arena sprt --config sprt.yaml --concurrency 8 --http :8080
  arena epd --config suite.yaml`,
		SilenceUsage: true,
	}

	pf := root.PersistentFlags()
	pf.StringVarP(&opts.configPath, "config", "c", "", "contest configuration file (YAML)")
	pf.String("log-level", "info", "log level: debug, info, warn, error")
	pf.String("log-format", "console", "log format: console or json")
	pf.Int("concurrency", 1, "number of games played at once")
	pf.String("http", "", "listen address of the status API (empty = disabled)")
	pf.BoolVar(&opts.resume, "resume", true, "resume from the state file when one exists")

	root.AddCommand(
		newTournamentCmd(opts),
		newSprtCmd(opts),
		newEpdCmd(opts),
	)
	return root
}

// loadConfig reads the configuration with the persistent flags bound over it.
func loadConfig(cmd *cobra.Command, opts *rootOptions) (*config.Loader, *config.Config, error) {
	loader := config.NewLoader(opts.configPath)
	flags := cmd.Flags()
	for key, name := range map[string]string{
		"log.level":   "log-level",
		"log.format":  "log-format",
		"concurrency": "concurrency",
		"http.addr":   "http",
	} {
		if err := loader.BindFlag(key, flags.Lookup(name)); err != nil {
			return nil, nil, err
		}
	}
	cfg, err := loader.Load()
	if err != nil {
		return nil, nil, err
	}
	return loader, cfg, nil
}
