// Package batcher implements the request batcher (C7): per-model
// priority queues that group requests into bounded batches by size or
// wait time, per spec §4.7.
package batcher

import (
	"container/heap"
	"context"
	"errors"
	"sync"
	"time"
)

// ErrNoResult is the failure every item in an otherwise-successful batch
// receives when the processor returns fewer results than items, per
// spec §4.7(vi): "an undefined result within a successful batch fails
// its item with 'no result returned'".
var ErrNoResult = errors.New("batcher: no result returned")

// Processor runs one batch of payloads and returns one result per
// payload, in the same order. Returning an error fails every item in
// the batch with that error (spec §4.7(v)).
type Processor func(ctx context.Context, payloads []any) ([]any, error)

// Config mirrors config.BatcherConfig.
type Config struct {
	MaxBatchSize         int
	MaxWait              time.Duration
	MaxConcurrentBatches int
}

func (c Config) withDefaults() Config {
	if c.MaxBatchSize <= 0 {
		c.MaxBatchSize = 8
	}
	if c.MaxWait <= 0 {
		c.MaxWait = 50 * time.Millisecond
	}
	if c.MaxConcurrentBatches <= 0 {
		c.MaxConcurrentBatches = 4
	}
	return c
}

// Handle is a lazy result bound to an item's eventual batch completion.
type Handle struct {
	ch chan result
}

type result struct {
	value any
	err   error
}

// Wait blocks until the item's batch completes or ctx is done.
func (h *Handle) Wait(ctx context.Context) (any, error) {
	select {
	case r := <-h.ch:
		return r.value, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type item struct {
	payload  any
	priority int
	seq      int64 // insertion order, for FIFO within a priority level
	handle   *Handle
}

// priorityQueue orders items by descending priority, then ascending
// sequence number (FIFO within a level), satisfying heap.Interface.
type priorityQueue []*item

func (q priorityQueue) Len() int { return len(q) }
func (q priorityQueue) Less(i, j int) bool {
	if q[i].priority != q[j].priority {
		return q[i].priority > q[j].priority
	}
	return q[i].seq < q[j].seq
}
func (q priorityQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }
func (q *priorityQueue) Push(x any)   { *q = append(*q, x.(*item)) }
func (q *priorityQueue) Pop() any {
	old := *q
	n := len(old)
	it := old[n-1]
	*q = old[:n-1]
	return it
}

type modelQueue struct {
	mu    sync.Mutex
	items priorityQueue
	timer *time.Timer
}

// Batcher groups same-model requests into bounded batches.
type Batcher struct {
	cfg       Config
	processor Processor

	mu      sync.Mutex // guards queues map and nextSeq
	queues  map[string]*modelQueue
	nextSeq int64

	sem chan struct{} // cooperative admission control for maxConcurrentBatches

	wg sync.WaitGroup
}

// New builds a Batcher that dispatches fired batches to processor.
func New(cfg Config, processor Processor) *Batcher {
	cfg = cfg.withDefaults()
	return &Batcher{
		cfg:       cfg,
		processor: processor,
		queues:    make(map[string]*modelQueue),
		sem:       make(chan struct{}, cfg.MaxConcurrentBatches),
	}
}

// Add enqueues payload under model at the given priority (higher fires
// first) and returns a Handle for its eventual result.
func (b *Batcher) Add(model string, priority int, payload any) *Handle {
	h := &Handle{ch: make(chan result, 1)}

	b.mu.Lock()
	q, ok := b.queues[model]
	if !ok {
		q = &modelQueue{}
		b.queues[model] = q
	}
	seq := b.nextSeq
	b.nextSeq++
	b.mu.Unlock()

	it := &item{payload: payload, priority: priority, seq: seq, handle: h}

	q.mu.Lock()
	heap.Push(&q.items, it)
	fireNow := q.items.Len() >= b.cfg.MaxBatchSize
	if q.items.Len() == 1 && !fireNow {
		q.timer = time.AfterFunc(b.cfg.MaxWait, func() { b.fire(model, q) })
	}
	q.mu.Unlock()

	if fireNow {
		b.fire(model, q)
	}
	return h
}

// fire drains up to MaxBatchSize items from q (stopping any pending
// timer) and dispatches them to the processor, respecting
// MaxConcurrentBatches via a cooperative semaphore.
func (b *Batcher) fire(model string, q *modelQueue) {
	q.mu.Lock()
	if q.timer != nil {
		q.timer.Stop()
		q.timer = nil
	}
	n := q.items.Len()
	if n > b.cfg.MaxBatchSize {
		n = b.cfg.MaxBatchSize
	}
	if n == 0 {
		q.mu.Unlock()
		return
	}
	batch := make([]*item, 0, n)
	for i := 0; i < n; i++ {
		batch = append(batch, heap.Pop(&q.items).(*item))
	}
	// More items remain than fit this batch: restart the wait timer for
	// the new head of the queue rather than leaving it unfired.
	if q.items.Len() > 0 {
		q.timer = time.AfterFunc(b.cfg.MaxWait, func() { b.fire(model, q) })
	}
	q.mu.Unlock()

	b.dispatch(batch)
}

func (b *Batcher) dispatch(batch []*item) {
	// Cooperative admission: block until a slot is free rather than
	// spinning, yielding the goroutine scheduler in the meantime.
	b.sem <- struct{}{}
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer func() { <-b.sem }()

		payloads := make([]any, len(batch))
		for i, it := range batch {
			payloads[i] = it.payload
		}

		results, err := b.processor(context.Background(), payloads)
		if err != nil {
			for _, it := range batch {
				it.handle.ch <- result{err: err}
			}
			return
		}
		for i, it := range batch {
			if i >= len(results) {
				it.handle.ch <- result{err: ErrNoResult}
				continue
			}
			it.handle.ch <- result{value: results[i]}
		}
	}()
}

// Flush immediately fires every non-empty queue, regardless of size or
// elapsed wait time.
func (b *Batcher) Flush() {
	b.mu.Lock()
	queues := make(map[string]*modelQueue, len(b.queues))
	for model, q := range b.queues {
		queues[model] = q
	}
	b.mu.Unlock()

	for model, q := range queues {
		for {
			q.mu.Lock()
			remaining := q.items.Len()
			q.mu.Unlock()
			if remaining == 0 {
				break
			}
			b.fire(model, q)
		}
	}
}

// Shutdown cancels all pending timers, processes remaining queues via
// Flush, and waits for every in-flight batch to finish.
func (b *Batcher) Shutdown(ctx context.Context) error {
	b.Flush()

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
