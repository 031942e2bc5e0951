package server

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/JakeFAU/ingestion-runtime/internal/telemetry"
)

// Slot is a snapshot of one worker slot.
type Slot struct {
	ID        int       `json:"id"`
	Busy      bool      `json:"busy"`
	RequestID string    `json:"request_id,omitempty"`
	Since     time.Time `json:"since,omitempty"`
}

// PoolStats summarises slot usage.
type PoolStats struct {
	Capacity int    `json:"capacity"`
	Busy     int    `json:"busy"`
	Queued   int    `json:"queued"`
	Slots    []Slot `json:"slots,omitempty"`
}

// Pool hands out a fixed number of worker slots. Waiters are admitted in
// arrival order; once draining starts nobody new gets a slot.
type Pool struct {
	sem      *semaphore.Weighted
	maxQueue int

	drainCtx context.Context
	drain    context.CancelFunc

	mu      sync.Mutex
	slots   []Slot
	busy    int
	queued  int
	epoch   int
	changed chan struct{}
}

// NewPool pre-allocates size slots. maxQueue of 0 leaves the backlog unbounded.
func NewPool(size, maxQueue int) *Pool {
	if size <= 0 {
		size = 1
	}
	drainCtx, drain := context.WithCancel(context.Background())
	slots := make([]Slot, size)
	for i := range slots {
		slots[i].ID = i
	}
	telemetry.SetWorkerSlots(size)
	telemetry.SetPoolUsage(0, 0)
	return &Pool{
		sem:      semaphore.NewWeighted(int64(size)),
		maxQueue: maxQueue,
		drainCtx: drainCtx,
		drain:    drain,
		slots:    slots,
		changed:  make(chan struct{}),
	}
}

// Acquire blocks until a slot is free, ctx ends, or the pool starts draining.
// The returned release func must be called exactly once.
func (p *Pool) Acquire(ctx context.Context, requestID string) (func(), error) {
	p.mu.Lock()
	if p.drainCtx.Err() != nil {
		p.mu.Unlock()
		return nil, ErrDraining
	}
	if !p.sem.TryAcquire(1) {
		if p.maxQueue > 0 && p.queued >= p.maxQueue {
			p.mu.Unlock()
			return nil, ErrBacklogFull
		}
		p.queued++
		p.publishLocked()
		p.mu.Unlock()

		start := time.Now()
		err := p.wait(ctx)
		telemetry.ObserveQueueWait(time.Since(start))

		p.mu.Lock()
		p.queued--
		if err != nil {
			p.publishLocked()
			p.mu.Unlock()
			return nil, err
		}
	}
	// Draining may have begun while we waited; the slot goes straight back.
	if p.drainCtx.Err() != nil {
		p.sem.Release(1)
		p.publishLocked()
		p.mu.Unlock()
		return nil, ErrDraining
	}
	id := p.claimLocked(requestID)
	epoch := p.epoch
	p.publishLocked()
	p.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { p.release(id, epoch) })
	}, nil
}

func (p *Pool) wait(ctx context.Context) error {
	waitCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(p.drainCtx, cancel)
	defer stop()

	if err := p.sem.Acquire(waitCtx, 1); err != nil {
		if p.drainCtx.Err() != nil {
			return ErrDraining
		}
		return fmt.Errorf("wait for worker slot: %w", err)
	}
	return nil
}

func (p *Pool) claimLocked(requestID string) int {
	for i := range p.slots {
		if !p.slots[i].Busy {
			p.slots[i].Busy = true
			p.slots[i].RequestID = requestID
			p.slots[i].Since = time.Now()
			p.busy++
			return i
		}
	}
	// The semaphore guarantees a free slot; reaching here is a bookkeeping bug.
	panic("server: semaphore admitted a request without a free slot")
}

func (p *Pool) release(id, epoch int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if epoch != p.epoch {
		// Slot was already reclaimed by Abandon.
		return
	}
	p.slots[id] = Slot{ID: id}
	p.busy--
	p.sem.Release(1)
	p.publishLocked()
}

// publishLocked updates gauges and wakes WaitIdle callers.
func (p *Pool) publishLocked() {
	telemetry.SetPoolUsage(p.busy, p.queued)
	close(p.changed)
	p.changed = make(chan struct{})
}

// Drain stops admitting requests and releases everyone waiting for a slot.
func (p *Pool) Drain() {
	p.drain()
}

// Draining reports whether Drain was called.
func (p *Pool) Draining() bool {
	return p.drainCtx.Err() != nil
}

// WaitIdle blocks until no slot is busy or ctx ends.
func (p *Pool) WaitIdle(ctx context.Context) error {
	for {
		p.mu.Lock()
		if p.busy == 0 {
			p.mu.Unlock()
			return nil
		}
		changed := p.changed
		p.mu.Unlock()

		select {
		case <-changed:
		case <-ctx.Done():
			return fmt.Errorf("wait for idle workers: %w", ctx.Err())
		}
	}
}

// Abandon reclaims every busy slot without waiting for its request and
// returns how many were reclaimed. Late release calls become no-ops.
func (p *Pool) Abandon() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	abandoned := p.busy
	for i := range p.slots {
		if p.slots[i].Busy {
			p.slots[i] = Slot{ID: i}
			p.sem.Release(1)
		}
	}
	p.busy = 0
	p.epoch++
	p.publishLocked()
	return abandoned
}

// Stats returns a snapshot of slot usage.
func (p *Pool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	slots := make([]Slot, len(p.slots))
	copy(slots, p.slots)
	return PoolStats{
		Capacity: len(p.slots),
		Busy:     p.busy,
		Queued:   p.queued,
		Slots:    slots,
	}
}
