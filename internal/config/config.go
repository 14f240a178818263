// Package config loads contest configuration with viper: a YAML file, ARENA_
// environment overrides and bound command line flags.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/freeeve/enginearena/internal/adjudication"
	"github.com/freeeve/enginearena/internal/engine"
	"github.com/freeeve/enginearena/internal/game"
	"github.com/freeeve/enginearena/internal/provider"
)

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("invalid config")

// EnvPrefix is the prefix of environment overrides, e.g. ARENA_CONCURRENCY.
const EnvPrefix = "ARENA"

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type HTTPConfig struct {
	// Addr is the listen address of the status API; empty disables it.
	Addr string `mapstructure:"addr"`
}

type OpeningsConfig struct {
	File     string `mapstructure:"file"`
	MaxPlies int    `mapstructure:"max_plies"`
	// ECO is a glob of ECO classification files.
	ECO string `mapstructure:"eco"`
}

type SprtConfig struct {
	EngineA             string              `mapstructure:"engine_a"`
	EngineB             string              `mapstructure:"engine_b"`
	provider.SprtConfig `mapstructure:",squash"`
	Pair                provider.PairConfig `mapstructure:"pair"`
}

type EpdConfig struct {
	Files     string `mapstructure:"files"`
	Engine    string `mapstructure:"engine"`
	MaxTimeMs int64  `mapstructure:"max_time_ms"`
	MinTimeMs int64  `mapstructure:"min_time_ms"`
	SeenPlies int    `mapstructure:"seen_plies"`
}

type AdjudicationConfig struct {
	Draw   adjudication.DrawConfig   `mapstructure:"draw"`
	Resign adjudication.ResignConfig `mapstructure:"resign"`
}

type OutputConfig struct {
	PGN      string `mapstructure:"pgn"`
	Database string `mapstructure:"database"`
	State    string `mapstructure:"state"`
	Report   string `mapstructure:"report"`
	Event    string `mapstructure:"event"`
	Site     string `mapstructure:"site"`
	Comments bool   `mapstructure:"comments"`
}

type ManagerConfig struct {
	TimeoutMargin    time.Duration `mapstructure:"timeout_margin"`
	TickInterval     time.Duration `mapstructure:"tick_interval"`
	RestartEvery     time.Duration `mapstructure:"restart_every"`
	RestartBurst     int           `mapstructure:"restart_burst"`
	RestartTimeout   time.Duration `mapstructure:"restart_timeout"`
	ProgressInterval time.Duration `mapstructure:"progress_interval"`
}

// Config is a complete contest description.
type Config struct {
	Concurrency int    `mapstructure:"concurrency"`
	TimeControl string `mapstructure:"tc"`

	Log          LogConfig                 `mapstructure:"log"`
	HTTP         HTTPConfig                `mapstructure:"http"`
	Engines      []engine.Config           `mapstructure:"engines"`
	Openings     OpeningsConfig            `mapstructure:"openings"`
	Tournament   provider.TournamentConfig `mapstructure:"tournament"`
	Sprt         SprtConfig                `mapstructure:"sprt"`
	Epd          EpdConfig                 `mapstructure:"epd"`
	Adjudication AdjudicationConfig        `mapstructure:"adjudication"`
	Output       OutputConfig              `mapstructure:"output"`
	Manager      ManagerConfig             `mapstructure:"manager"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("concurrency", 1)
	v.SetDefault("tc", "10+0.1")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("http.addr", "")

	v.SetDefault("openings.max_plies", 0)

	v.SetDefault("tournament.type", string(provider.RoundRobin))
	v.SetDefault("tournament.pair.rounds", 1)
	v.SetDefault("tournament.pair.games_per_round", 2)
	v.SetDefault("tournament.pair.swap_colors", true)
	v.SetDefault("tournament.pair.opening_policy", string(provider.OpeningDefault))

	v.SetDefault("sprt.elo0", 0.0)
	v.SetDefault("sprt.elo1", 5.0)
	v.SetDefault("sprt.alpha", 0.05)
	v.SetDefault("sprt.beta", 0.05)
	v.SetDefault("sprt.max_games", 0)
	v.SetDefault("sprt.pair.rounds", 50000)
	v.SetDefault("sprt.pair.games_per_round", 2)
	v.SetDefault("sprt.pair.swap_colors", true)
	v.SetDefault("sprt.pair.opening_policy", string(provider.OpeningDefault))

	v.SetDefault("epd.max_time_ms", 10000)
	v.SetDefault("epd.min_time_ms", 0)
	v.SetDefault("epd.seen_plies", 0)

	v.SetDefault("adjudication.draw.min_full_moves", 40)
	v.SetDefault("adjudication.draw.moves", 8)
	v.SetDefault("adjudication.draw.threshold", 10)
	v.SetDefault("adjudication.resign.moves", 3)
	v.SetDefault("adjudication.resign.threshold", 900)

	v.SetDefault("output.pgn", "games.pgn")
	v.SetDefault("output.event", "enginearena")
	v.SetDefault("output.site", "?")
	v.SetDefault("output.comments", true)

	v.SetDefault("manager.timeout_margin", "1s")
	v.SetDefault("manager.tick_interval", "1s")
	v.SetDefault("manager.restart_every", "10s")
	v.SetDefault("manager.restart_burst", 3)
	v.SetDefault("manager.restart_timeout", "10s")
	v.SetDefault("manager.progress_interval", "30s")
}

// Loader reads configuration from one file. It may be reloaded after the
// file changes; bound flags keep their precedence over the file.
type Loader struct {
	v    *viper.Viper
	path string
}

// NewLoader creates a loader for path. An empty path uses defaults and the
// environment only.
func NewLoader(path string) *Loader {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if path != "" {
		v.SetConfigFile(path)
	}
	return &Loader{v: v, path: path}
}

// Path returns the configuration file path.
func (l *Loader) Path() string {
	return l.path
}

// BindFlag makes a command line flag override key when it is set.
func (l *Loader) BindFlag(key string, flag *pflag.Flag) error {
	if flag == nil {
		return fmt.Errorf("bind %s: flag not found", key)
	}
	return l.v.BindPFlag(key, flag)
}

// Load reads the file and returns the validated configuration.
func (l *Loader) Load() (*Config, error) {
	if l.path != "" {
		if err := l.v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", l.path, err)
		}
	}
	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("%w: decode: %v", ErrInvalidConfig, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Load reads the configuration at path.
func Load(path string) (*Config, error) {
	return NewLoader(path).Load()
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidConfig, fmt.Sprintf(format, args...))
}

// Validate checks settings shared by every contest mode.
func (c *Config) Validate() error {
	if c.Concurrency < 1 {
		return invalid("concurrency must be at least 1, got %d", c.Concurrency)
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "console", "json":
	default:
		return invalid("unknown log format %q", c.Log.Format)
	}
	if _, err := game.ParseTimeControl(c.TimeControl); err != nil {
		return invalid("tc: %v", err)
	}

	seen := make(map[string]bool, len(c.Engines))
	for i := range c.Engines {
		c.Engines[i] = c.Engines[i].Normalize()
		e := c.Engines[i]
		if err := e.Validate(); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
		}
		if seen[e.Name] {
			return invalid("duplicate engine name %q", e.Name)
		}
		seen[e.Name] = true
	}

	switch c.Tournament.Type {
	case "", provider.RoundRobin, provider.Gauntlet:
	default:
		return invalid("unknown tournament type %q", c.Tournament.Type)
	}
	if err := c.Tournament.Pair.Validate(); err != nil {
		return invalid("tournament: %v", err)
	}
	if err := c.Sprt.Pair.Validate(); err != nil {
		return invalid("sprt: %v", err)
	}

	d, r := c.Adjudication.Draw, c.Adjudication.Resign
	if d.RequiredConsecutiveMoves < 0 || d.CentipawnThreshold < 0 || d.MinFullMoves < 0 {
		return invalid("draw adjudication values must not be negative")
	}
	if r.RequiredConsecutiveMoves < 0 || r.CentipawnThreshold < 0 {
		return invalid("resign adjudication values must not be negative")
	}

	m := c.Manager
	if m.TimeoutMargin < 0 || m.TickInterval < 0 || m.RestartEvery < 0 || m.RestartTimeout < 0 || m.ProgressInterval < 0 {
		return invalid("manager durations must not be negative")
	}
	return nil
}

// Engine returns the engine named name.
func (c *Config) Engine(name string) (engine.Config, bool) {
	for _, e := range c.Engines {
		if e.Name == name {
			return e, true
		}
	}
	return engine.Config{}, false
}

// DefaultTimeControl returns the parsed contest time control.
func (c *Config) DefaultTimeControl() game.TimeControl {
	tc, err := game.ParseTimeControl(c.TimeControl)
	if err != nil {
		return game.TimeControl{}
	}
	return tc
}

// TimeControlFor returns the engine's own time control, or the contest one.
func (c *Config) TimeControlFor(e engine.Config) (game.TimeControl, error) {
	if e.TimeControl == "" {
		return c.DefaultTimeControl(), nil
	}
	return game.ParseTimeControl(e.TimeControl)
}

// TournamentConfig returns the tournament settings with the contest time
// control filled in.
func (c *Config) TournamentConfig() provider.TournamentConfig {
	tc := c.Tournament
	tc.TimeControl = c.DefaultTimeControl()
	if tc.Pair.Event == "" {
		tc.Pair.Event = c.Output.Event
	}
	return tc
}

// EpdConfig returns the EPD runner settings. Without an explicit per-position
// time the engine's time control applies.
func (c *Config) EpdConfig() (provider.EpdConfig, error) {
	out := provider.EpdConfig{
		MaxTimeMs: c.Epd.MaxTimeMs,
		MinTimeMs: c.Epd.MinTimeMs,
		SeenPlies: c.Epd.SeenPlies,
		Engine:    c.Epd.Engine,
	}
	e, ok := c.Engine(c.Epd.Engine)
	if !ok {
		return out, invalid("epd engine %q not configured", c.Epd.Engine)
	}
	if e.TimeControl != "" {
		tc, err := game.ParseTimeControl(e.TimeControl)
		if err != nil {
			return out, invalid("engine %s: %v", e.Name, err)
		}
		out.TimeControl = tc
	}
	return out, nil
}
