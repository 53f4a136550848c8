package engine

import "github.com/VerteraIO/cpusim/internal/controlplane/units"

// history is a fixed-capacity ring of samples; the oldest is overwritten on overflow.
type history struct {
	buf   []units.HistorySample
	start int
	n     int
}

func newHistory(capacity int) *history {
	return &history{buf: make([]units.HistorySample, capacity)}
}

func (h *history) push(s units.HistorySample) {
	if len(h.buf) == 0 {
		return
	}
	if h.n < len(h.buf) {
		h.buf[(h.start+h.n)%len(h.buf)] = s
		h.n++
		return
	}
	h.buf[h.start] = s
	h.start = (h.start + 1) % len(h.buf)
}

// samples returns a copy, oldest first.
func (h *history) samples() []units.HistorySample {
	out := make([]units.HistorySample, h.n)
	for i := 0; i < h.n; i++ {
		out[i] = h.buf[(h.start+i)%len(h.buf)]
	}
	return out
}

func (h *history) len() int { return h.n }
