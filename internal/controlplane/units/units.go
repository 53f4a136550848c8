package units

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

type State string

const (
	StateRunning   State = "running"
	StatePaused    State = "paused"
	StateStopped   State = "stopped"
	StateWaiting   State = "waiting"
	StateCompleted State = "completed"
)

// States lists every state in display order.
var States = []State{StateRunning, StatePaused, StateStopped, StateWaiting, StateCompleted}

// Terminal reports whether no command can move a unit out of s.
func (s State) Terminal() bool {
	return s == StateStopped || s == StateCompleted
}

type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Priorities lists tiers from most to least urgent.
var Priorities = []Priority{PriorityCritical, PriorityHigh, PriorityMedium, PriorityLow}

// Weights is the fixed time-slice multiplier per tier.
var Weights = map[Priority]int{
	PriorityCritical: 4,
	PriorityHigh:     3,
	PriorityMedium:   2,
	PriorityLow:      1,
}

// Weight returns the scheduling weight of p, or 0 for an unknown priority.
func (p Priority) Weight() int { return Weights[p] }

func (p Priority) Valid() bool {
	_, ok := Weights[p]
	return ok
}

// ParsePriority accepts tier names case-insensitively.
func ParsePriority(s string) (Priority, error) {
	p := Priority(strings.ToLower(strings.TrimSpace(s)))
	if !p.Valid() {
		return "", fmt.Errorf("unknown priority %q", s)
	}
	return p, nil
}

// Unit is a simulated schedulable thread.
type Unit struct {
	ID              string
	Name            string
	State           State
	Priority        Priority
	CPUShare        float64 // percent, 0..100
	MemoryFootprint float64 // MB, 0..500
	CreatedAt       time.Time
	Elapsed         time.Duration
	TargetDuration  time.Duration
	ParentID        string
}

// Remaining returns how much run time the unit still needs.
func (u Unit) Remaining() time.Duration {
	return u.TargetDuration - u.Elapsed
}

// Progress returns elapsed/target in [0,1].
func (u Unit) Progress() float64 {
	if u.TargetDuration <= 0 {
		return 0
	}
	return float64(u.Elapsed) / float64(u.TargetDuration)
}

type unitJSON struct {
	ID               string    `json:"id"`
	Name             string    `json:"name"`
	State            State     `json:"state"`
	Priority         Priority  `json:"priority"`
	CPUShare         float64   `json:"cpuShare"`
	MemoryFootprint  float64   `json:"memoryFootprint"`
	CreatedAt        time.Time `json:"createdAt"`
	ElapsedMs        int64     `json:"elapsedMs"`
	TargetDurationMs int64     `json:"targetDurationMs"`
	ParentID         string    `json:"parentId,omitempty"`
}

func (u Unit) MarshalJSON() ([]byte, error) {
	return json.Marshal(unitJSON{
		ID:               u.ID,
		Name:             u.Name,
		State:            u.State,
		Priority:         u.Priority,
		CPUShare:         u.CPUShare,
		MemoryFootprint:  u.MemoryFootprint,
		CreatedAt:        u.CreatedAt,
		ElapsedMs:        u.Elapsed.Milliseconds(),
		TargetDurationMs: u.TargetDuration.Milliseconds(),
		ParentID:         u.ParentID,
	})
}

func (u *Unit) UnmarshalJSON(b []byte) error {
	var v unitJSON
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	*u = Unit{
		ID:              v.ID,
		Name:            v.Name,
		State:           v.State,
		Priority:        v.Priority,
		CPUShare:        v.CPUShare,
		MemoryFootprint: v.MemoryFootprint,
		CreatedAt:       v.CreatedAt,
		Elapsed:         time.Duration(v.ElapsedMs) * time.Millisecond,
		TargetDuration:  time.Duration(v.TargetDurationMs) * time.Millisecond,
		ParentID:        v.ParentID,
	}
	return nil
}

// HistorySample is one aggregate utilization point, produced once per tick.
type HistorySample struct {
	Timestamp    time.Time `json:"timestamp"`
	AggregateCPU float64   `json:"aggregateCpu"`
	RunningCount int       `json:"runningCount"`
}

// Stats aggregates the current unit collection.
type Stats struct {
	Total         int           `json:"total"`
	ByState       map[State]int `json:"byState"`
	TotalCPU      float64       `json:"totalCpu"`
	TotalMemoryMB float64       `json:"totalMemoryMb"`
}

// Count returns the number of units in state s.
func (s Stats) Count(st State) int { return s.ByState[st] }

// Summarize computes Stats over us. CPU sums running units only; memory sums all.
func Summarize(us []Unit) Stats {
	st := Stats{ByState: make(map[State]int, len(States))}
	for _, s := range States {
		st.ByState[s] = 0
	}
	for _, u := range us {
		st.Total++
		st.ByState[u.State]++
		if u.State == StateRunning {
			st.TotalCPU += u.CPUShare
		}
		st.TotalMemoryMB += u.MemoryFootprint
	}
	return st
}

// TickSnapshot is published after every tick.
type TickSnapshot struct {
	Tick    uint64        `json:"tick"`
	Sample  HistorySample `json:"sample"`
	Units   []Unit        `json:"units"`
	Stats   Stats         `json:"stats"`
	Running bool          `json:"simulationRunning"`
}
