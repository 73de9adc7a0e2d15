package aggregator

// window is a fixed-capacity FIFO ring of the most recent values for one key.
// It never reorders: the slot after the newest value always holds the oldest.
type window struct {
	buf   []float64
	head  int // slot the next value is written to
	count int
	sum   float64
}

func newWindow(size int) *window {
	return &window{buf: make([]float64, size)}
}

// push appends v, overwriting the oldest value when full.
func (w *window) push(v float64) {
	if w.count < len(w.buf) {
		w.count++
	}
	w.buf[w.head] = v
	w.head = (w.head + 1) % len(w.buf)
	w.sum = w.sumValues()
}

// sumValues recomputes the sum from the slots instead of keeping a running total,
// so the mean never drifts after many evictions.
func (w *window) sumValues() float64 {
	var s float64
	for i := 0; i < w.count; i++ {
		s += w.buf[w.index(i)]
	}
	return s
}

// index maps the i-th oldest value to its slot.
func (w *window) index(i int) int {
	start := w.head - w.count
	if start < 0 {
		start += len(w.buf)
	}
	return (start + i) % len(w.buf)
}

func (w *window) mean() float64 {
	if w.count == 0 {
		return 0
	}
	return w.sum / float64(w.count)
}

func (w *window) len() int { return w.count }

// values returns a copy of the contents, oldest first.
func (w *window) values() []float64 {
	out := make([]float64, w.count)
	for i := range out {
		out[i] = w.buf[w.index(i)]
	}
	return out
}
