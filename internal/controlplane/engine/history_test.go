package engine

import (
	"testing"

	"github.com/VerteraIO/cpusim/internal/controlplane/units"
)

func TestHistoryEvictsOldestFirst(t *testing.T) {
	h := newHistory(3)
	for i := 1; i <= 5; i++ {
		h.push(units.HistorySample{RunningCount: i})
	}
	if h.len() != 3 {
		t.Fatalf("expected 3 samples, got %d", h.len())
	}
	got := h.samples()
	for i, want := range []int{3, 4, 5} {
		if got[i].RunningCount != want {
			t.Fatalf("sample %d: expected %d, got %d", i, want, got[i].RunningCount)
		}
	}
}

func TestHistoryPartiallyFilled(t *testing.T) {
	h := newHistory(60)
	h.push(units.HistorySample{RunningCount: 7})
	got := h.samples()
	if len(got) != 1 || got[0].RunningCount != 7 {
		t.Fatalf("unexpected samples: %+v", got)
	}
	got[0].RunningCount = 99
	if h.samples()[0].RunningCount != 7 {
		t.Fatal("samples must return a copy")
	}
}
