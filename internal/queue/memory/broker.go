// Package memory provides in-process queue backends for single-node deployments and tests.
package memory

import (
	"container/heap"
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/qa-scanner/internal/qa"
	"github.com/JakeFAU/qa-scanner/internal/queue"
)

// Broker is a bounded priority queue. Higher priority jobs are received first and jobs of
// equal priority keep submission order.
type Broker struct {
	mu       sync.Mutex
	items    jobHeap
	seq      uint64
	capacity int

	notify    chan struct{}
	closed    chan struct{}
	closeOnce sync.Once
}

// NewBroker constructs a Broker holding at most capacity pending jobs.
func NewBroker(capacity int) *Broker {
	if capacity <= 0 {
		capacity = 1000
	}
	return &Broker{
		capacity: capacity,
		notify:   make(chan struct{}, 1),
		closed:   make(chan struct{}),
	}
}

// Publish enqueues job or fails with queue.ErrQueueFull.
func (b *Broker) Publish(_ context.Context, job queue.Job) error {
	select {
	case <-b.closed:
		return fmt.Errorf("publish %s: %w", job.ID, qa.ErrClosed)
	default:
	}
	b.mu.Lock()
	if len(b.items) >= b.capacity {
		b.mu.Unlock()
		return fmt.Errorf("publish %s: %w", job.ID, queue.ErrQueueFull)
	}
	b.pushLocked(job)
	b.mu.Unlock()
	b.signal()
	return nil
}

// Receive pops the next job, waiting until one arrives, ctx ends or the broker closes.
func (b *Broker) Receive(ctx context.Context) (queue.Delivery, error) {
	for {
		b.mu.Lock()
		if len(b.items) > 0 {
			item := heap.Pop(&b.items).(*entry)
			more := len(b.items) > 0
			b.mu.Unlock()
			if more {
				b.signal()
			}
			job := item.job
			return queue.NewDelivery(job, nil, func() {}, func() { b.requeue(job) }), nil
		}
		b.mu.Unlock()

		select {
		case <-ctx.Done():
			return queue.Delivery{}, fmt.Errorf("receive canceled: %w", ctx.Err())
		case <-b.closed:
			return queue.Delivery{}, qa.ErrClosed
		case <-b.notify:
		}
	}
}

// Len reports pending jobs.
func (b *Broker) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.items)
}

// Close wakes every receiver with qa.ErrClosed. It is safe to call twice.
func (b *Broker) Close() error {
	b.closeOnce.Do(func() { close(b.closed) })
	return nil
}

// requeue returns a nacked job regardless of capacity; it already held a slot.
func (b *Broker) requeue(job queue.Job) {
	select {
	case <-b.closed:
		return
	default:
	}
	b.mu.Lock()
	b.pushLocked(job)
	b.mu.Unlock()
	b.signal()
}

func (b *Broker) pushLocked(job queue.Job) {
	b.seq++
	heap.Push(&b.items, &entry{job: job, seq: b.seq})
}

func (b *Broker) signal() {
	select {
	case b.notify <- struct{}{}:
	default:
	}
}

type entry struct {
	job queue.Job
	seq uint64
}

type jobHeap []*entry

func (h jobHeap) Len() int { return len(h) }

func (h jobHeap) Less(i, j int) bool {
	if h[i].job.Priority != h[j].job.Priority {
		return h[i].job.Priority > h[j].job.Priority
	}
	return h[i].seq < h[j].seq
}

func (h jobHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *jobHeap) Push(x any) { *h = append(*h, x.(*entry)) }

func (h *jobHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}
