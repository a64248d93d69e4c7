// Package bond implements redundant transmission over every open link and
// deduplicated delivery of whatever copy arrives first.
package bond

import "sync"

// DefaultWindow is the number of sequences remembered behind the highest
// one seen.
const DefaultWindow = 1024

// Verdict classifies a sequence number offered to a Window.
type Verdict int

const (
	Fresh     Verdict = iota // first copy, deliver it
	Duplicate                // already delivered
	Stale                    // too far behind the window to tell
)

func (v Verdict) String() string {
	switch v {
	case Fresh:
		return "fresh"
	case Duplicate:
		return "duplicate"
	case Stale:
		return "stale"
	}
	return "unknown"
}

// Window is a sliding duplicate filter over 32-bit sequence numbers. It
// keeps the highest sequence accepted and a bitmap of the size sequences
// at and below it. Comparisons use serial-number arithmetic, so the
// counter may wrap. Safe for concurrent use.
type Window struct {
	mu      sync.Mutex
	size    uint32
	bits    []uint64
	highest uint32
	started bool
}

// NewWindow returns a window remembering size sequences. size is rounded
// up to a power of two, minimum 64.
func NewWindow(size int) *Window {
	n := uint32(64)
	for int(n) < size && n < 1<<31 {
		n <<= 1
	}
	return &Window{size: n, bits: make([]uint64, n/64)}
}

func (w *Window) Size() int { return int(w.size) }

// Check records seq and reports whether it is the first copy.
func (w *Window) Check(seq uint32) Verdict {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.started {
		w.started = true
		w.highest = seq
		w.set(seq)
		return Fresh
	}

	diff := int32(seq - w.highest)
	if diff > 0 {
		if uint32(diff) >= w.size {
			for i := range w.bits {
				w.bits[i] = 0
			}
		} else {
			for s := w.highest + 1; s != seq; s++ {
				w.clear(s)
			}
		}
		w.highest = seq
		w.set(seq)
		return Fresh
	}

	if uint32(-int64(diff)) >= w.size {
		return Stale
	}
	if w.test(seq) {
		return Duplicate
	}
	w.set(seq)
	return Fresh
}

func (w *Window) slot(seq uint32) (int, uint64) {
	i := seq & (w.size - 1)
	return int(i / 64), 1 << (i % 64)
}

func (w *Window) set(seq uint32) {
	i, m := w.slot(seq)
	w.bits[i] |= m
}

func (w *Window) clear(seq uint32) {
	i, m := w.slot(seq)
	w.bits[i] &^= m
}

func (w *Window) test(seq uint32) bool {
	i, m := w.slot(seq)
	return w.bits[i]&m != 0
}
