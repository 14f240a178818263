// Package manager runs contests: a Pool of GameManagers, each executing tasks
// handed out by task providers with freshly started engine workers.
package manager

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/freeeve/enginearena/internal/adjudication"
	"github.com/freeeve/enginearena/internal/engine"
	"github.com/freeeve/enginearena/internal/game"
	"github.com/freeeve/enginearena/internal/provider"
)

// PoolConfig configures a Pool.
type PoolConfig struct {
	Logger      zerolog.Logger
	Factory     engine.Factory
	Adjudicator *adjudication.Adjudicator

	TimeoutMargin    time.Duration // grace on top of the allotted move time (default 1s)
	TickInterval     time.Duration // timeout sweep and idle poll interval (default 1s)
	RestartEvery     time.Duration // engine restart refill interval per manager (default 10s)
	RestartBurst     int           // engine restarts allowed in a burst (default 3)
	RestartTimeout   time.Duration // limit for a single engine restart (default 10s)
	ProgressInterval time.Duration // Run progress log interval (default 30s)
}

func (c PoolConfig) withDefaults() PoolConfig {
	if c.TimeoutMargin <= 0 {
		c.TimeoutMargin = time.Second
	}
	if c.TickInterval <= 0 {
		c.TickInterval = time.Second
	}
	if c.RestartEvery <= 0 {
		c.RestartEvery = 10 * time.Second
	}
	if c.RestartBurst <= 0 {
		c.RestartBurst = 3
	}
	if c.RestartTimeout <= 0 {
		c.RestartTimeout = 10 * time.Second
	}
	if c.ProgressInterval <= 0 {
		c.ProgressInterval = 30 * time.Second
	}
	return c
}

// Assignment is a registered provider with the engines that play its tasks.
// Engines[0] is engine A and Engines[1] engine B.
type Assignment struct {
	ID       string
	Provider provider.Provider
	Engines  []engine.Config
}

func (a *Assignment) engineNames() []string {
	out := make([]string, len(a.Engines))
	for i, e := range a.Engines {
		out[i] = e.Name
	}
	return out
}

// Grant is a task together with the workers started for it. For PlayGame
// tasks Workers[0] plays engine A and Workers[1] engine B.
type Grant struct {
	Assignment *Assignment
	Task       *game.Task
	Workers    []engine.Worker
}

// Pool owns the game managers, the registered assignments and the
// concurrency target.
type Pool struct {
	cfg PoolConfig
	log zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mgrMu    sync.Mutex
	managers []*GameManager
	target   int
	running  int

	asgMu       sync.Mutex
	assignments []*Assignment
}

// NewPool creates a pool without managers; SetConcurrency creates them.
func NewPool(cfg PoolConfig) (*Pool, error) {
	if cfg.Factory == nil {
		return nil, fmt.Errorf("engine factory required")
	}
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		cfg:    cfg,
		log:    cfg.Logger.With().Str("component", "pool").Logger(),
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

// SetConcurrency sets the number of games that may run at once. With nice
// set, lowering the target lets running games finish and only blocks new
// fetches; otherwise the excess games are aborted and their tasks released.
// With start set, idle managers are woken up to the new target immediately.
func (p *Pool) SetConcurrency(count int, nice, start bool) {
	if count < 0 {
		count = 0
	}
	p.mgrMu.Lock()
	old := p.target
	p.target = count
	for len(p.managers) < count {
		m := newGameManager(p, len(p.managers)+1)
		p.managers = append(p.managers, m)
		go m.run(p.ctx)
	}
	managers := append([]*GameManager(nil), p.managers...)
	excess := p.running - count
	p.mgrMu.Unlock()

	p.log.Info().Int("old", old).Int("new", count).Bool("nice", nice).Msg("set concurrency")

	if !nice && excess > 0 {
		for i := len(managers) - 1; i >= 0 && excess > 0; i-- {
			if managers[i].Abort() {
				excess--
			}
		}
	}
	if start {
		for _, m := range managers {
			m.Start(nil)
		}
	}
}

// Concurrency returns the current target.
func (p *Pool) Concurrency() int {
	p.mgrMu.Lock()
	defer p.mgrMu.Unlock()
	return p.target
}

// RunningCount returns the number of managers holding a task slot.
func (p *Pool) RunningCount() int {
	p.mgrMu.Lock()
	defer p.mgrMu.Unlock()
	return p.running
}

// acquireSlot reserves a running slot if the target allows one more game.
func (p *Pool) acquireSlot() bool {
	p.mgrMu.Lock()
	defer p.mgrMu.Unlock()
	if p.running >= p.target {
		return false
	}
	p.running++
	return true
}

func (p *Pool) releaseSlot() {
	p.mgrMu.Lock()
	if p.running > 0 {
		p.running--
	}
	p.mgrMu.Unlock()
}

// MaybeDeactivateManager clears m's provider reference and returns true when
// more managers are running than the target allows.
func (p *Pool) MaybeDeactivateManager(m *GameManager) bool {
	p.mgrMu.Lock()
	defer p.mgrMu.Unlock()
	if p.running <= p.target {
		return false
	}
	m.unbind()
	return true
}

// AddTaskProvider registers a provider with the engines that play its tasks
// and returns the assignment id.
func (p *Pool) AddTaskProvider(prov provider.Provider, engines ...engine.Config) string {
	a := &Assignment{
		ID:       uuid.NewString(),
		Provider: prov,
		Engines:  append([]engine.Config(nil), engines...),
	}
	p.asgMu.Lock()
	p.assignments = append(p.assignments, a)
	p.asgMu.Unlock()
	p.log.Info().Str("assignment", a.ID).Strs("engines", a.engineNames()).Msg("task provider added")
	return a.ID
}

// RemoveTaskProvider unregisters an assignment. Running games continue.
func (p *Pool) RemoveTaskProvider(id string) bool {
	p.asgMu.Lock()
	defer p.asgMu.Unlock()
	for i, a := range p.assignments {
		if a.ID == id {
			p.assignments = append(p.assignments[:i], p.assignments[i+1:]...)
			return true
		}
	}
	return false
}

// Assignments returns the registered assignments in registration order.
func (p *Pool) Assignments() []*Assignment {
	p.asgMu.Lock()
	defer p.asgMu.Unlock()
	return append([]*Assignment(nil), p.assignments...)
}

// TryAssignNewTask returns the first task offered by any provider, in
// registration order, with its workers started. It returns false when no
// provider has work right now.
func (p *Pool) TryAssignNewTask() (*Grant, bool) {
	for _, a := range p.Assignments() {
		if g, ok := p.assignFrom(a); ok {
			return g, true
		}
	}
	return nil, false
}

// assignFrom asks one assignment for a task. Workers that cannot be created
// abort the assignment: it is removed and the task is reported as aborted.
func (p *Pool) assignFrom(a *Assignment) (*Grant, bool) {
	task, ok := a.Provider.NextTask()
	if !ok || task == nil {
		return nil, false
	}
	workers, err := p.startWorkers(a, task)
	if err != nil {
		p.log.Error().Err(err).
			Str("assignment", a.ID).
			Str("task_id", task.ID).
			Strs("engines", a.engineNames()).
			Msg("cannot start engines, removing assignment")
		aborted := task.Record.Clone()
		if aborted == nil {
			aborted = &game.Record{}
		}
		aborted.SetResult(game.Unterminated, game.CauseAborted)
		a.Provider.SetGameRecord(task.ID, aborted)
		p.RemoveTaskProvider(a.ID)
		return nil, false
	}
	return &Grant{Assignment: a, Task: task, Workers: workers}, true
}

func (p *Pool) startWorkers(a *Assignment, task *game.Task) ([]engine.Worker, error) {
	if len(a.Engines) == 0 {
		return nil, fmt.Errorf("assignment has no engines")
	}
	configs := a.Engines[:1]
	if task.Type == game.TaskPlayGame {
		configs = []engine.Config{a.Engines[0], a.Engines[0]}
		if len(a.Engines) > 1 {
			configs[1] = a.Engines[1]
		}
	}
	workers := make([]engine.Worker, 0, len(configs))
	for _, cfg := range configs {
		w, err := p.cfg.Factory(cfg)
		if err != nil {
			for _, started := range workers {
				_ = started.Close()
			}
			return nil, err
		}
		workers = append(workers, w)
	}
	return workers, nil
}

func (p *Pool) snapshotManagers() []*GameManager {
	p.mgrMu.Lock()
	defer p.mgrMu.Unlock()
	return append([]*GameManager(nil), p.managers...)
}

// Managers returns the managers in id order.
func (p *Pool) Managers() []*GameManager {
	return p.snapshotManagers()
}

// StopAll cancels every running game without reporting results and tears
// the managers down.
func (p *Pool) StopAll() {
	p.mgrMu.Lock()
	managers := p.managers
	p.managers = nil
	p.target = 0
	p.mgrMu.Unlock()

	for _, m := range managers {
		m.Stop()
	}
	p.log.Info().Int("managers", len(managers)).Msg("all managers stopped")
}

// ClearAll removes every assignment. Running games finish and report, then
// the managers find no more work.
func (p *Pool) ClearAll() {
	p.asgMu.Lock()
	n := len(p.assignments)
	p.assignments = nil
	p.asgMu.Unlock()
	for _, m := range p.snapshotManagers() {
		m.unbind()
	}
	p.log.Info().Int("assignments", n).Msg("assignments cleared")
}

// PauseAll lets running games finish and then halts task fetching.
func (p *Pool) PauseAll() {
	for _, m := range p.snapshotManagers() {
		m.Pause()
	}
}

// ResumeAll resumes task fetching.
func (p *Pool) ResumeAll() {
	for _, m := range p.snapshotManagers() {
		m.Resume()
	}
}

// WaitForTask blocks until no manager runs a task.
func (p *Pool) WaitForTask(ctx context.Context) error {
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		if p.idle() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (p *Pool) idle() bool {
	if p.RunningCount() > 0 {
		return false
	}
	for _, m := range p.snapshotManagers() {
		switch m.State() {
		case StateRunning, StateFinalizing:
			return false
		}
	}
	return true
}

// Drained reports whether every assignment whose provider knows when it is
// finished is drained and no game is running. Assignments of providers that
// cannot tell never drain.
func (p *Pool) Drained() bool {
	for _, a := range p.Assignments() {
		d, ok := a.Provider.(provider.Drainer)
		if !ok || !d.Drained() {
			return false
		}
	}
	return p.idle()
}

// Run logs progress until ctx is done, then stops every manager.
func (p *Pool) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.cfg.ProgressInterval)
	defer ticker.Stop()
	started := time.Now()
	for {
		select {
		case <-ctx.Done():
			p.StopAll()
			p.cancel()
			return ctx.Err()
		case <-ticker.C:
			st := p.Status()
			p.log.Info().
				Int("target", st.Target).
				Int("running", st.Running).
				Int("assignments", len(st.Assignments)).
				Int("games_finished", st.Finished).
				Dur("elapsed", time.Since(started).Round(time.Second)).
				Msg("pool progress")
		}
	}
}

// Close stops every manager and releases the pool.
func (p *Pool) Close() {
	p.StopAll()
	p.cancel()
}

// ManagerStatus is a snapshot of one manager.
type ManagerStatus struct {
	ID       int    `json:"id"`
	State    string `json:"state"`
	TaskID   string `json:"task_id,omitempty"`
	TaskType string `json:"task_type,omitempty"`
	White    string `json:"white,omitempty"`
	Black    string `json:"black,omitempty"`
	Plies    int    `json:"plies"`
	Finished int    `json:"finished"`
}

// AssignmentStatus describes a registered assignment.
type AssignmentStatus struct {
	ID      string   `json:"id"`
	Engines []string `json:"engines"`
	Drained bool     `json:"drained"`
}

// PoolStatus is a snapshot of the pool.
type PoolStatus struct {
	Target      int                `json:"target"`
	Running     int                `json:"running"`
	Finished    int                `json:"finished"`
	Managers    []ManagerStatus    `json:"managers"`
	Assignments []AssignmentStatus `json:"assignments"`
}

// Status returns a snapshot for reporting.
func (p *Pool) Status() PoolStatus {
	p.mgrMu.Lock()
	st := PoolStatus{Target: p.target, Running: p.running}
	managers := append([]*GameManager(nil), p.managers...)
	p.mgrMu.Unlock()

	for _, m := range managers {
		ms := m.Status()
		st.Finished += ms.Finished
		st.Managers = append(st.Managers, ms)
	}
	for _, a := range p.Assignments() {
		as := AssignmentStatus{ID: a.ID, Engines: a.engineNames()}
		if d, ok := a.Provider.(provider.Drainer); ok {
			as.Drained = d.Drained()
		}
		st.Assignments = append(st.Assignments, as)
	}
	return st
}
