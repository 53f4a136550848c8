package engine

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/VerteraIO/cpusim/internal/controlplane/dispatch"
	"github.com/VerteraIO/cpusim/internal/controlplane/scheduler"
	"github.com/VerteraIO/cpusim/internal/controlplane/units"
	"github.com/VerteraIO/cpusim/internal/logging"
)

const (
	DefaultTickPeriod  = time.Second
	DefaultHistorySize = 60
	DefaultShareNoise  = 5.0
	DefaultMemoryNoise = 2.5

	MaxShare  = 100.0
	MaxMemory = 500.0

	minTargetSeconds = 10
	maxTargetSeconds = 30
)

var nameNouns = []string{"Worker", "Handler", "Processor", "Manager", "Service", "Task", "Runner", "Executor"}

// Rand is the engine's only source of non-determinism. *rand.Rand from
// math/rand/v2 satisfies it.
type Rand interface {
	Float64() float64
	IntN(n int) int
}

// Config holds the engine's tunable parameters. Zero TickPeriod, HistorySize,
// Rand, Now, NewID, Logger and Dispatch are replaced by defaults; noise widths are
// used as given, so zero disables noise.
type Config struct {
	TickPeriod  time.Duration
	HistorySize int
	ShareNoise  float64 // half-width in percentage points
	MemoryNoise float64 // half-width in MB
	StartPaused bool

	Rand     Rand
	Now      func() time.Time
	NewID    func() string
	Logger   *slog.Logger
	Dispatch *dispatch.Manager
}

// DefaultConfig returns the nominal 1s/60-sample configuration with noise enabled.
func DefaultConfig() Config {
	return Config{
		TickPeriod:  DefaultTickPeriod,
		HistorySize: DefaultHistorySize,
		ShareNoise:  DefaultShareNoise,
		MemoryNoise: DefaultMemoryNoise,
	}
}

// CreateOptions are the optional inputs of CreateUnit. Zero values mean unset.
type CreateOptions struct {
	Name           string
	Priority       units.Priority
	TargetDuration time.Duration
	ParentID       string
}

// Engine owns the unit collection and the history buffer. Commands and
// ticks are serialized by mu.
type Engine struct {
	mu       sync.Mutex
	cfg      Config
	sched    *scheduler.Scheduler
	units    map[string]*units.Unit
	order    []string
	hist     *history
	tick     uint64
	running  bool
	created  int
	stop     chan struct{}
	dispatch *dispatch.Manager
	log      *slog.Logger
}

func New(cfg Config) *Engine {
	if cfg.TickPeriod <= 0 {
		cfg.TickPeriod = DefaultTickPeriod
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = DefaultHistorySize
	}
	if cfg.Rand == nil {
		cfg.Rand = rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0x9e3779b97f4a7c15))
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.NewID == nil {
		cfg.NewID = uuid.NewString
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	if cfg.Dispatch == nil {
		cfg.Dispatch = dispatch.NewManager(0)
	}
	return &Engine{
		cfg:      cfg,
		sched:    scheduler.New(cfg.TickPeriod),
		units:    make(map[string]*units.Unit),
		hist:     newHistory(cfg.HistorySize),
		running:  !cfg.StartPaused,
		dispatch: cfg.Dispatch,
		log:      cfg.Logger,
	}
}

// Start launches the tick loop. Ticks fire every TickPeriod and are skipped
// while the simulation is toggled off; missed ticks are not replayed.
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	if e.stop != nil {
		e.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	e.stop = stop
	e.mu.Unlock()

	ticker := time.NewTicker(e.cfg.TickPeriod)
	e.log.Info("engine tick loop started", "period", e.cfg.TickPeriod)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				e.step(false)
			case <-stop:
				return
			case <-ctx.Done():
				e.Shutdown()
				return
			}
		}
	}()
}

// Shutdown stops the tick loop. Safe to call more than once.
func (e *Engine) Shutdown() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stop != nil {
		close(e.stop)
		e.stop = nil
		e.log.Info("engine tick loop stopped")
	}
}

// Tick runs one tick regardless of the simulation flag and returns the sample it appended.
func (e *Engine) Tick() units.HistorySample {
	s, _ := e.step(true)
	return s
}

func (e *Engine) step(force bool) (units.HistorySample, bool) {
	e.mu.Lock()
	if !force && !e.running {
		e.mu.Unlock()
		return units.HistorySample{}, false
	}
	sample := e.tickLocked()
	snap := units.TickSnapshot{
		Tick:    e.tick,
		Sample:  sample,
		Units:   e.listLocked(),
		Running: e.running,
	}
	snap.Stats = units.Summarize(snap.Units)
	// Published under mu so subscribers see ticks in order. Publish never blocks.
	e.dispatch.Publish(snap)
	e.mu.Unlock()

	e.log.Log(context.Background(), logging.LevelTrace, "tick", "n", snap.Tick, "aggregate_cpu", sample.AggregateCPU, "running", sample.RunningCount)
	return sample, true
}

// tickLocked advances every running unit by one period. Must be called with e.mu held.
func (e *Engine) tickLocked() units.HistorySample {
	running := make([]units.Unit, 0, len(e.order))
	for _, id := range e.order {
		if u := e.units[id]; u.State == units.StateRunning {
			running = append(running, *u)
		}
	}
	shares := e.sched.ComputeShares(running)

	// The aggregate covers the pre-tick running set, including units that
	// complete during this tick.
	aggregate := 0.0
	for _, id := range e.order {
		u := e.units[id]
		if u.State != units.StateRunning {
			u.CPUShare = 0
			continue
		}
		share := clamp(shares[u.ID]+e.noise(e.cfg.ShareNoise), 0, MaxShare)
		aggregate += share

		elapsed := u.Elapsed + e.cfg.TickPeriod
		if elapsed >= u.TargetDuration {
			u.Elapsed = u.TargetDuration
			u.State = units.StateCompleted
			u.CPUShare = 0
			e.log.Info("unit completed", "id", u.ID, "name", u.Name, "elapsed", u.Elapsed)
			continue
		}
		u.Elapsed = elapsed
		u.CPUShare = share
		u.MemoryFootprint = clamp(u.MemoryFootprint+e.noise(e.cfg.MemoryNoise), 0, MaxMemory)
	}

	count := 0
	for _, u := range e.units {
		if u.State == units.StateRunning {
			count++
		}
	}
	sample := units.HistorySample{
		Timestamp:    e.cfg.Now(),
		AggregateCPU: clamp(aggregate, 0, MaxShare),
		RunningCount: count,
	}
	e.hist.push(sample)
	e.tick++
	return sample
}

// noise returns a uniform value in [-width, width).
func (e *Engine) noise(width float64) float64 {
	if width <= 0 {
		return 0
	}
	return (e.cfg.Rand.Float64() - 0.5) * 2 * width
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// CreateUnit adds a running unit. Unset fields get a generated name, a
// uniformly random priority and a whole-second target in [10s, 30s].
func (e *Engine) CreateUnit(opts CreateOptions) units.Unit {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.created++

	name := opts.Name
	if name == "" {
		name = fmt.Sprintf("%s-%d", nameNouns[e.cfg.Rand.IntN(len(nameNouns))], e.created)
	}
	prio := opts.Priority
	if !prio.Valid() {
		prio = units.Priorities[e.cfg.Rand.IntN(len(units.Priorities))]
	}
	target := opts.TargetDuration
	if target <= 0 {
		secs := minTargetSeconds + e.cfg.Rand.IntN(maxTargetSeconds-minTargetSeconds+1)
		target = time.Duration(secs) * time.Second
	}
	u := &units.Unit{
		ID:              e.cfg.NewID(),
		Name:            name,
		State:           units.StateRunning,
		Priority:        prio,
		MemoryFootprint: 20 + e.cfg.Rand.Float64()*100,
		CreatedAt:       e.cfg.Now().UTC(),
		TargetDuration:  target,
		ParentID:        opts.ParentID,
	}
	e.units[u.ID] = u
	e.order = append(e.order, u.ID)
	e.log.Debug("unit created", "id", u.ID, "name", u.Name, "priority", u.Priority, "target", u.TargetDuration)
	return *u
}

// DeleteUnit removes the unit and every unit whose ParentID references it.
func (e *Engine) DeleteUnit(id string) bool {
	return e.remove(id, true)
}

// DeleteUnitKeepChildren removes only the unit; its children lose their ParentID.
func (e *Engine) DeleteUnitKeepChildren(id string) bool {
	return e.remove(id, false)
}

func (e *Engine) remove(id string, cascade bool) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.units[id]; !ok {
		return false
	}
	order := e.order[:0]
	for _, uid := range e.order {
		u := e.units[uid]
		switch {
		case uid == id:
			delete(e.units, uid)
			e.log.Debug("unit deleted", "id", uid, "name", u.Name)
		case u.ParentID == id && cascade:
			delete(e.units, uid)
			e.log.Debug("child unit deleted", "id", uid, "parent", id)
		case u.ParentID == id:
			u.ParentID = ""
			order = append(order, uid)
		default:
			order = append(order, uid)
		}
	}
	e.order = order
	return true
}

func (e *Engine) Pause(id string) bool {
	return e.transition(id, units.StatePaused, units.StateRunning)
}

func (e *Engine) Resume(id string) bool {
	return e.transition(id, units.StateRunning, units.StatePaused)
}

func (e *Engine) Stop(id string) bool {
	return e.transition(id, units.StateStopped, units.StateRunning, units.StatePaused, units.StateWaiting)
}

func (e *Engine) PauseAll() int {
	return e.transitionAll(units.StatePaused, units.StateRunning)
}

func (e *Engine) ResumeAll() int {
	return e.transitionAll(units.StateRunning, units.StatePaused)
}

func (e *Engine) StopAll() int {
	return e.transitionAll(units.StateStopped, units.StateRunning, units.StatePaused, units.StateWaiting)
}

func (e *Engine) transition(id string, to units.State, from ...units.State) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	u, ok := e.units[id]
	if !ok {
		return false
	}
	return e.applyLocked(u, to, from)
}

func (e *Engine) transitionAll(to units.State, from ...units.State) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, id := range e.order {
		if e.applyLocked(e.units[id], to, from) {
			n++
		}
	}
	return n
}

// applyLocked moves u to `to` when its state is one of from. Must be called with e.mu held.
func (e *Engine) applyLocked(u *units.Unit, to units.State, from []units.State) bool {
	for _, f := range from {
		if u.State != f {
			continue
		}
		e.log.Debug("unit state changed", "id", u.ID, "name", u.Name, "from", u.State, "to", to)
		u.State = to
		if to != units.StateRunning {
			u.CPUShare = 0
		}
		return true
	}
	return false
}

// SetPriority changes the tier of a non-terminal unit without touching its state.
func (e *Engine) SetPriority(id string, p units.Priority) bool {
	if !p.Valid() {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	u, ok := e.units[id]
	if !ok || u.State.Terminal() || u.Priority == p {
		return false
	}
	e.log.Debug("unit priority changed", "id", u.ID, "name", u.Name, "from", u.Priority, "to", p)
	u.Priority = p
	return true
}

// ToggleSimulation flips the tick source on or off and returns the new state.
func (e *Engine) ToggleSimulation() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.running = !e.running
	e.log.Info("simulation toggled", "running", e.running)
	return e.running
}

func (e *Engine) SimulationRunning() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

// ListUnits returns copies of all units in insertion order.
func (e *Engine) ListUnits() []units.Unit {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.listLocked()
}

func (e *Engine) listLocked() []units.Unit {
	out := make([]units.Unit, 0, len(e.order))
	for _, id := range e.order {
		out = append(out, *e.units[id])
	}
	return out
}

func (e *Engine) GetUnit(id string) (units.Unit, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	u, ok := e.units[id]
	if !ok {
		return units.Unit{}, false
	}
	return *u, true
}

// GetHistory returns the retained samples, oldest first.
func (e *Engine) GetHistory() []units.HistorySample {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.hist.samples()
}

func (e *Engine) GetStats() units.Stats {
	return units.Summarize(e.ListUnits())
}

func (e *Engine) SchedulerInfo() scheduler.Info {
	return e.sched.Info(e.ListUnits())
}

func (e *Engine) CurrentTick() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.tick
}

func (e *Engine) TickPeriod() time.Duration { return e.cfg.TickPeriod }

// Subscribe streams a snapshot after every tick. Caller must call the returned cancel func.
func (e *Engine) Subscribe() (<-chan units.TickSnapshot, func()) {
	return e.dispatch.Subscribe()
}

// LatestSnapshot returns the snapshot of the most recent tick, if any.
func (e *Engine) LatestSnapshot() (units.TickSnapshot, bool) {
	return e.dispatch.Latest()
}
