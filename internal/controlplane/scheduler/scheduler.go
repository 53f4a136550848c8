package scheduler

import (
	"time"

	"github.com/VerteraIO/cpusim/internal/controlplane/units"
)

const (
	Algorithm   = "Priority Scheduling"
	Description = "Higher priority threads receive more CPU time. Critical=4x, High=3x, Medium=2x, Low=1x time slices."
)

// Scheduler is the proportional-share policy. It holds no per-unit state;
// every call works only on the units it is handed.
type Scheduler struct {
	Quantum time.Duration
}

func New(quantum time.Duration) *Scheduler { return &Scheduler{Quantum: quantum} }

// ComputeShares returns each running unit's raw CPU share in percent.
// Units that are not running are ignored. An empty running set (total
// weight 0) yields an empty map, never NaN.
func (s *Scheduler) ComputeShares(running []units.Unit) map[string]float64 {
	shares := make(map[string]float64, len(running))
	total := 0
	for _, u := range running {
		if u.State == units.StateRunning {
			total += u.Priority.Weight()
		}
	}
	for _, u := range running {
		if u.State != units.StateRunning {
			continue
		}
		if total == 0 {
			shares[u.ID] = 0
			continue
		}
		shares[u.ID] = float64(u.Priority.Weight()) / float64(total) * 100
	}
	return shares
}

// NextToDispatch picks the running unit the policy would service next:
// highest tier first, then the smallest elapsed time, then input order.
func (s *Scheduler) NextToDispatch(us []units.Unit) (units.Unit, bool) {
	for _, p := range units.Priorities {
		var (
			best  units.Unit
			found bool
		)
		for _, u := range us {
			if u.State != units.StateRunning || u.Priority != p {
				continue
			}
			if !found || u.Elapsed < best.Elapsed {
				best, found = u, true
			}
		}
		if found {
			return best, true
		}
	}
	return units.Unit{}, false
}

// Info describes the policy for dashboards.
type Info struct {
	Algorithm     string                 `json:"algorithm"`
	Description   string                 `json:"description"`
	CurrentUnit   string                 `json:"currentUnit,omitempty"`
	CurrentUnitID string                 `json:"currentUnitId,omitempty"`
	QuantumMs     int64                  `json:"timeQuantumMs"`
	Weights       map[units.Priority]int `json:"weights"`
}

func (s *Scheduler) Info(us []units.Unit) Info {
	weights := make(map[units.Priority]int, len(units.Weights))
	for p, w := range units.Weights {
		weights[p] = w
	}
	info := Info{
		Algorithm:   Algorithm,
		Description: Description,
		QuantumMs:   s.Quantum.Milliseconds(),
		Weights:     weights,
	}
	if u, ok := s.NextToDispatch(us); ok {
		info.CurrentUnit = u.Name
		info.CurrentUnitID = u.ID
	}
	return info
}
