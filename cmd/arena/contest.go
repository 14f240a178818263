package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/freeeve/enginearena/internal/adjudication"
	"github.com/freeeve/enginearena/internal/archive"
	"github.com/freeeve/enginearena/internal/config"
	"github.com/freeeve/enginearena/internal/engine"
	"github.com/freeeve/enginearena/internal/httpapi"
	"github.com/freeeve/enginearena/internal/logx"
	"github.com/freeeve/enginearena/internal/manager"
	"github.com/freeeve/enginearena/internal/opening"
	"github.com/freeeve/enginearena/internal/provider"
)

// drainPoll is how often the contest checks whether every provider is done.
var drainPoll = 200 * time.Millisecond

// contest holds what every sub-command shares: configuration, logger, pool
// and the game archive.
type contest struct {
	cmd    *cobra.Command
	opts   *rootOptions
	loader *config.Loader
	cfg    *config.Config
	log    zerolog.Logger

	adj    *adjudication.Adjudicator
	pool   *manager.Pool
	book   *opening.Book
	eco    *opening.Classifier
	pgn    *archive.PGNWriter
	ledger *archive.Ledger
}

func newContest(cmd *cobra.Command, opts *rootOptions, mode string) (*contest, error) {
	loader, cfg, err := loadConfig(cmd, opts)
	if err != nil {
		return nil, err
	}
	log := logx.New(logx.Options{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Out:    cmd.OutOrStdout(),
	}).With().Str("mode", mode).Logger()

	c := &contest{
		cmd:    cmd,
		opts:   opts,
		loader: loader,
		cfg:    cfg,
		log:    log,
		adj:    adjudication.New(cfg.Adjudication.Draw, cfg.Adjudication.Resign, log),
	}

	m := cfg.Manager
	c.pool, err = manager.NewPool(manager.PoolConfig{
		Logger:           log,
		Factory:          newEngineFactory(log),
		Adjudicator:      c.adj,
		TimeoutMargin:    m.TimeoutMargin,
		TickInterval:     m.TickInterval,
		RestartEvery:     m.RestartEvery,
		RestartBurst:     m.RestartBurst,
		RestartTimeout:   m.RestartTimeout,
		ProgressInterval: m.ProgressInterval,
	})
	if err != nil {
		return nil, err
	}

	if err := c.openArchive(mode); err != nil {
		c.close()
		return nil, err
	}
	return c, nil
}

func (c *contest) openArchive(mode string) error {
	cfg := c.cfg
	if cfg.Openings.ECO != "" {
		eco, err := opening.LoadClassifier(cfg.Openings.ECO)
		if err != nil {
			return fmt.Errorf("load ECO classifier: %w", err)
		}
		c.eco = eco
		c.log.Info().Int("openings", eco.Count()).Msg("ECO classifier loaded")
	}

	book, err := opening.Load(cfg.Openings.File, opening.Options{MaxPlies: cfg.Openings.MaxPlies, Classifier: c.eco})
	if err != nil {
		return fmt.Errorf("load openings: %w", err)
	}
	c.book = book
	if cfg.Openings.File != "" {
		c.log.Info().Str("file", cfg.Openings.File).Int("openings", book.Len()).Msg("opening book loaded")
	}

	// EPD suites produce no games.
	if mode == "epd" {
		return nil
	}
	if cfg.Output.PGN != "" {
		c.pgn, err = archive.NewPGNWriter(cfg.Output.PGN, archive.PGNOptions{
			Event:      cfg.Output.Event,
			Site:       cfg.Output.Site,
			Classifier: c.eco,
			Comments:   cfg.Output.Comments,
		})
		if err != nil {
			return err
		}
	}
	if cfg.Output.Database != "" {
		c.ledger, err = archive.OpenLedger(cfg.Output.Database, "", mode+" "+cfg.Output.Event)
		if err != nil {
			return err
		}
		c.log.Info().Str("database", cfg.Output.Database).Str("run_id", c.ledger.RunID()).Msg("results ledger opened")
	}
	return nil
}

// engines resolves names to configured engines whose binaries exist.
func (c *contest) engines(names ...string) ([]engine.Config, error) {
	out := make([]engine.Config, 0, len(names))
	for _, name := range names {
		e, ok := c.cfg.Engine(name)
		if !ok {
			return nil, fmt.Errorf("%w: engine %q not configured", config.ErrInvalidConfig, name)
		}
		if err := lookupBinary(e); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

func (c *contest) allEngines() ([]engine.Config, error) {
	names := make([]string, len(c.cfg.Engines))
	for i, e := range c.cfg.Engines {
		names[i] = e.Name
	}
	return c.engines(names...)
}

// sink fans finished games out to the PGN file, the ledger and state.
func (c *contest) sink(state *archive.StateSink) provider.GameSink {
	var sinks archive.MultiSink
	if c.pgn != nil {
		sinks = append(sinks, c.pgn)
	}
	if c.ledger != nil {
		sinks = append(sinks, c.ledger)
	}
	if state != nil {
		sinks = append(sinks, state)
	}
	return sinks
}

func (c *contest) pairOptions(sink provider.GameSink) provider.PairOptions {
	return provider.PairOptions{Book: c.book, Sink: sink, Logger: c.log}
}

// readState returns the stored sections when resuming is enabled.
func (c *contest) readState() ([]*provider.Section, error) {
	path := c.cfg.Output.State
	if path == "" || !c.opts.resume {
		return nil, nil
	}
	sections, err := archive.ReadStateFile(path)
	if err != nil {
		return nil, err
	}
	if sections != nil {
		c.log.Info().Str("state", path).Int("sections", len(sections)).Msg("resuming from state file")
	}
	return sections, nil
}

// run plays until every registered provider is drained or the process is
// interrupted.
func (c *contest) run(summary provider.Summarizer) error {
	ctx, stop := signal.NotifyContext(c.cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := c.pool.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})

	if addr := c.cfg.HTTP.Addr; addr != "" {
		srv := &http.Server{
			Addr:         addr,
			Handler:      httpapi.NewRouter(c.log, c.pool, summary),
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 60 * time.Second,
			IdleTimeout:  60 * time.Second,
		}
		g.Go(func() error {
			c.log.Info().Str("addr", addr).Msg("api listening")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("api server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	if c.loader.Path() != "" {
		w, err := config.NewWatcher(c.loader, c.cfg, c.log, c.applyConfig)
		if err != nil {
			return err
		}
		g.Go(func() error { return w.Run(gctx) })
	}

	g.Go(func() error {
		ticker := time.NewTicker(drainPoll)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				c.log.Warn().Msg("contest interrupted")
				return nil
			case <-ticker.C:
				if c.pool.Drained() {
					c.log.Info().Msg("contest finished")
					cancel()
					return nil
				}
			}
		}
	})

	c.pool.SetConcurrency(c.cfg.Concurrency, true, true)
	return g.Wait()
}

// applyConfig applies the settings that may change while games run.
func (c *contest) applyConfig(prev, next *config.Config) {
	if next.Concurrency != prev.Concurrency {
		c.pool.SetConcurrency(next.Concurrency, true, true)
	}
	if next.Adjudication != prev.Adjudication {
		c.adj.SetConfig(next.Adjudication.Draw, next.Adjudication.Resign)
		c.log.Info().Msg("adjudication settings updated")
	}
}

// logAdjudicationStats reports how the test mode rules would have done.
func (c *contest) logAdjudicationStats() {
	draw, resign := c.adj.Stats()
	for name, s := range map[string]adjudication.TestStats{"draw": draw, "resign": resign} {
		if s.Games == 0 {
			continue
		}
		c.log.Info().
			Str("rule", name).
			Int("games", s.Games).
			Int("adjudicated", s.Adjudicated).
			Int("correct", s.Correct).
			Int("incorrect", s.Incorrect).
			Float64("accuracy", s.Accuracy()).
			Float64("time_saved", s.SavedFraction()).
			Msg("adjudication test results")
	}
}

func (c *contest) logLedger() {
	if c.ledger == nil {
		return
	}
	n, err := c.ledger.CountGames()
	if err != nil {
		c.log.Warn().Err(err).Msg("ledger count")
		return
	}
	causes, err := c.ledger.CauseCounts()
	if err != nil {
		c.log.Warn().Err(err).Msg("ledger causes")
		return
	}
	ev := c.log.Info().Int("games", n).Str("run_id", c.ledger.RunID())
	for cause, count := range causes {
		ev = ev.Int(cause, count)
	}
	ev.Msg("results ledger")
}

func (c *contest) close() {
	if c.pool != nil {
		c.pool.Close()
	}
	if c.pgn != nil {
		if err := c.pgn.Close(); err != nil {
			c.log.Warn().Err(err).Msg("close pgn")
		}
	}
	if c.ledger != nil {
		if err := c.ledger.Close(); err != nil {
			c.log.Warn().Err(err).Msg("close ledger")
		}
	}
}
