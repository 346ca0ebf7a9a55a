package memory

// Trend is the direction of heap usage over the recent window.
type Trend string

// Trend values.
const (
	TrendIncreasing       Trend = "increasing"
	TrendDecreasing       Trend = "decreasing"
	TrendStable           Trend = "stable"
	TrendInsufficientData Trend = "insufficient_data"
)

const (
	trendWindow = 10
	// trendVotes is how many of the window's deltas must agree on a direction.
	trendVotes = 7
)

func classifyTrend(samples []Measurement) Trend {
	if len(samples) < trendWindow {
		return TrendInsufficientData
	}
	window := samples[len(samples)-trendWindow:]
	var up, down int
	for i := 1; i < len(window); i++ {
		switch {
		case window[i].HeapUsed > window[i-1].HeapUsed:
			up++
		case window[i].HeapUsed < window[i-1].HeapUsed:
			down++
		}
	}
	switch {
	case up >= trendVotes:
		return TrendIncreasing
	case down >= trendVotes:
		return TrendDecreasing
	default:
		return TrendStable
	}
}

// ring is a fixed-capacity sample buffer that overwrites the oldest entry.
type ring struct {
	buf   []Measurement
	next  int
	count int
}

func newRing(size int) *ring {
	return &ring{buf: make([]Measurement, size)}
}

func (r *ring) push(m Measurement) {
	r.buf[r.next] = m
	r.next = (r.next + 1) % len(r.buf)
	if r.count < len(r.buf) {
		r.count++
	}
}

// values returns the buffered samples oldest first.
func (r *ring) values() []Measurement {
	out := make([]Measurement, 0, r.count)
	start := (r.next - r.count + len(r.buf)) % len(r.buf)
	for i := 0; i < r.count; i++ {
		out = append(out, r.buf[(start+i)%len(r.buf)])
	}
	return out
}
