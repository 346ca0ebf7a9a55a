package browser

import (
	"time"
)

// State is where a Worker currently lives in the pool.
type State string

// Worker states. A Worker is in exactly one at a time.
const (
	StateAvailable  State = "available"
	StateActive     State = "active"
	StateDestroying State = "destroying"
)

// Worker is one pooled browser process. Mutable fields are guarded by the owning Pool's mutex.
type Worker struct {
	id          string
	browser     Browser
	createdAt   time.Time
	lastUsed    time.Time
	pagesServed int
	healthy     bool
	failures    int
	state       State

	// slots caps concurrent tabs on this worker.
	slots chan struct{}
}

func newWorker(id string, b Browser, now time.Time, maxContexts int) *Worker {
	if maxContexts <= 0 {
		maxContexts = 1
	}
	return &Worker{
		id:        id,
		browser:   b,
		createdAt: now,
		lastUsed:  now,
		healthy:   true,
		slots:     make(chan struct{}, maxContexts),
	}
}

// WorkerInfo is a read-only snapshot of a Worker.
type WorkerInfo struct {
	ID                  string    `json:"id"`
	State               State     `json:"state"`
	CreatedAt           time.Time `json:"created_at"`
	LastUsed            time.Time `json:"last_used"`
	PagesServed         int       `json:"pages_served"`
	Healthy             bool      `json:"healthy"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	OpenContexts        int       `json:"open_contexts"`
	PID                 int       `json:"pid,omitempty"`
}

func (w *Worker) info() WorkerInfo {
	return WorkerInfo{
		ID:                  w.id,
		State:               w.state,
		CreatedAt:           w.createdAt,
		LastUsed:            w.lastUsed,
		PagesServed:         w.pagesServed,
		Healthy:             w.healthy,
		ConsecutiveFailures: w.failures,
		OpenContexts:        len(w.slots),
		PID:                 w.browser.PID(),
	}
}
