// Package engine defines the contract between game managers and engine workers
// and provides a UCI worker backed by an external engine process.
package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync/atomic"

	"github.com/freeeve/enginearena/internal/game"
)

var (
	ErrEngineStopped = errors.New("engine is not running")
	ErrNoBinary      = errors.New("engine command not found")
	ErrUnsupported   = errors.New("engine protocol not supported")
)

// Protocol is the wire protocol an engine speaks.
type Protocol string

const (
	ProtocolUCI     Protocol = "uci"
	ProtocolXBoard  Protocol = "xboard"
	ProtocolUnknown Protocol = ""
)

// RestartPolicy controls whether a worker is restarted between games.
type RestartPolicy string

const (
	RestartAuto RestartPolicy = "auto"
	RestartOn   RestartPolicy = "on"
	RestartOff  RestartPolicy = "off"
)

// TraceLevel controls how much of the engine traffic is logged.
type TraceLevel string

const (
	TraceNone    TraceLevel = "none"
	TraceCommand TraceLevel = "command"
	TraceAll     TraceLevel = "all"
)

// Config is the fully formed engine configuration record supplied by the
// configuration layer.
type Config struct {
	Name        string            `mapstructure:"name" yaml:"name" json:"name"`
	Command     string            `mapstructure:"cmd" yaml:"cmd" json:"cmd"`
	Dir         string            `mapstructure:"dir" yaml:"dir,omitempty" json:"dir,omitempty"`
	Protocol    Protocol          `mapstructure:"protocol" yaml:"protocol,omitempty" json:"protocol,omitempty"`
	TimeControl string            `mapstructure:"tc" yaml:"tc,omitempty" json:"tc,omitempty"`
	Trace       TraceLevel        `mapstructure:"trace" yaml:"trace,omitempty" json:"trace,omitempty"`
	Restart     RestartPolicy     `mapstructure:"restart" yaml:"restart,omitempty" json:"restart,omitempty"`
	Ponder      bool              `mapstructure:"ponder" yaml:"ponder,omitempty" json:"ponder,omitempty"`
	Depth       int               `mapstructure:"depth" yaml:"depth,omitempty" json:"depth,omitempty"`
	Hash        int               `mapstructure:"hash" yaml:"hash,omitempty" json:"hash,omitempty"`
	Threads     int               `mapstructure:"threads" yaml:"threads,omitempty" json:"threads,omitempty"`
	Nice        int               `mapstructure:"nice" yaml:"nice,omitempty" json:"nice,omitempty"`
	Options     map[string]string `mapstructure:"options" yaml:"options,omitempty" json:"options,omitempty"`
}

// Normalize fills defaults that are explicitly specified: an unset protocol
// means UCI and an unset restart policy means auto.
func (c Config) Normalize() Config {
	if c.Protocol == ProtocolUnknown {
		c.Protocol = ProtocolUCI
	}
	c.Protocol = Protocol(strings.ToLower(string(c.Protocol)))
	if c.Restart == "" {
		c.Restart = RestartAuto
	}
	if c.Trace == "" {
		c.Trace = TraceNone
	}
	return c
}

// Validate reports configuration errors before any scheduling starts.
func (c Config) Validate() error {
	c = c.Normalize()
	if c.Name == "" {
		return fmt.Errorf("engine name required")
	}
	if c.Command == "" {
		return fmt.Errorf("engine %s: %w", c.Name, ErrNoBinary)
	}
	if c.Protocol != ProtocolUCI {
		return fmt.Errorf("engine %s: %w: %s", c.Name, ErrUnsupported, c.Protocol)
	}
	switch c.Restart {
	case RestartAuto, RestartOn, RestartOff:
	default:
		return fmt.Errorf("engine %s: invalid restart policy %q", c.Name, c.Restart)
	}
	if c.TimeControl != "" {
		if _, err := game.ParseTimeControl(c.TimeControl); err != nil {
			return fmt.Errorf("engine %s: %w", c.Name, err)
		}
	}
	if c.Dir != "" {
		if st, err := os.Stat(c.Dir); err != nil || !st.IsDir() {
			return fmt.Errorf("engine %s: working directory %q not found", c.Name, c.Dir)
		}
	}
	return nil
}

// OpError records a failed worker operation.
type OpError struct {
	Op     string
	Engine string
	Err    error
}

func (e *OpError) Error() string {
	return fmt.Sprintf("engine %s %s: %v", e.Engine, e.Op, e.Err)
}

func (e *OpError) Unwrap() error {
	return e.Err
}

// Worker is one running engine. Computation requests are asynchronous: each
// ComputeMove results in exactly one BestMove or Disconnected event delivered
// to the sink.
type Worker interface {
	ID() int64
	Config() Config
	SetEventSink(sink func(Event))
	ComputeMove(rec *game.Record, limits game.GoLimits) error
	AllowPonder(rec *game.Record, limits game.GoLimits, preceding Event) error
	MoveNow()
	Restart(ctx context.Context) error
	Close() error
}

// Factory creates a worker for an engine configuration.
type Factory func(cfg Config) (Worker, error)

var nextWorkerID atomic.Int64

// NewWorkerID returns a process unique worker identifier.
func NewWorkerID() int64 {
	return nextWorkerID.Add(1)
}
