package capture

import (
	"math"
	"sync"
)

// levelRing keeps the most recent samples for RMS metering. When full it
// overwrites the oldest sample.
type levelRing struct {
	mu   sync.RWMutex
	buf  []float32
	head int
	full bool
}

func newLevelRing(size int) *levelRing {
	if size <= 0 {
		size = 1024
	}
	return &levelRing{buf: make([]float32, size)}
}

func (r *levelRing) write(samples []float32) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, s := range samples {
		r.buf[r.head] = s
		r.head = (r.head + 1) % len(r.buf)
		if r.head == 0 {
			r.full = true
		}
	}
}

// rms returns the root mean square of the stored window, clamped to [0, 1].
func (r *levelRing) rms() float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := r.head
	if r.full {
		n = len(r.buf)
	}
	if n == 0 {
		return 0
	}
	var sum float64
	for _, s := range r.buf[:n] {
		sum += float64(s) * float64(s)
	}
	v := math.Sqrt(sum / float64(n))
	if v > 1 || math.IsNaN(v) {
		return 1
	}
	return v
}

func (r *levelRing) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.head = 0
	r.full = false
}
