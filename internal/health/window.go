package health

// sample is one observed check or traffic outcome
type sample struct {
	ok        bool
	latencyMs float64
}

// window is a fixed-capacity ring buffer of trailing outcomes. It backs the
// rolling success rate and latency so long-lived nodes reflect recent
// behavior rather than lifetime totals.
type window struct {
	samples []sample
	next    int
	count   int
}

func newWindow(size int) *window {
	return &window{
		samples: make([]sample, size),
	}
}

func (w *window) add(ok bool, latencyMs float64) {
	w.samples[w.next] = sample{ok: ok, latencyMs: latencyMs}
	w.next = (w.next + 1) % len(w.samples)
	if w.count < len(w.samples) {
		w.count++
	}
}

// successRate returns the fraction of successful samples in the window.
// An empty window counts as fully successful so fresh nodes are not
// penalized in scoring before their first check.
func (w *window) successRate() float64 {
	if w.count == 0 {
		return 1.0
	}
	successes := 0
	for i := 0; i < w.count; i++ {
		if w.samples[i].ok {
			successes++
		}
	}
	return float64(successes) / float64(w.count)
}

// avgLatencyMs returns the mean latency over successful samples
func (w *window) avgLatencyMs() float64 {
	var sum float64
	successes := 0
	for i := 0; i < w.count; i++ {
		if w.samples[i].ok {
			sum += w.samples[i].latencyMs
			successes++
		}
	}
	if successes == 0 {
		return 0
	}
	return sum / float64(successes)
}
