// Package signerpool manages, per network, a fixed set of funded EOA
// accounts that submit settlement transactions. Each account is a strictly
// serial worker (one in-flight transaction at a time, so nonce management
// never races); the pool round-robins or randomly picks a worker, rejects
// a payer already in flight on the same network (duplicate-payer guard),
// and sheds load once the selected worker's queue gets too deep.
package signerpool

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"x402x-facilitator/evmchain"
)

// Selection strategies.
const (
	SelectionRoundRobin = "round-robin"
	SelectionRandom     = "random"
)

var (
	// ErrDuplicatePayer is returned when the same payer address already
	// has a settlement in flight on this network.
	ErrDuplicatePayer = errors.New("signerpool: payer already has a settlement in flight")
	// ErrQueueOverload is returned when the selected worker's queue is
	// already at MaxQueueDepth. Selection is never retried against another
	// account, so this can fire while other workers still have room.
	ErrQueueOverload = errors.New("signerpool: queue at capacity")
	// ErrShuttingDown is returned once Shutdown has been called.
	ErrShuttingDown = errors.New("signerpool: shutting down")
)

// Job is one unit of work a worker executes serially against its signer.
type Job struct {
	Payer  string
	Run    func(ctx context.Context, signer evmchain.Signer) (interface{}, error)
	ctx    context.Context // the submitter's context; only consulted before dispatch
	result chan jobResult
}

type jobResult struct {
	value interface{}
	err   error
}

type worker struct {
	signer evmchain.Signer
	queue  chan Job
	depth  int32 // accessed only under the pool's mutex
}

// Pool is the set of workers for a single network.
type Pool struct {
	network  string
	strategy string
	maxDepth int
	warnAt   int
	drainFor time.Duration

	mu            sync.Mutex
	workers       []*worker
	rrCursor      int
	pendingPayers map[string]bool
	shuttingDown  bool
	warnFn        func(network string, depth int)

	wg sync.WaitGroup
}

// New builds a Pool over signers (one worker per signer) for network.
func New(network string, signers []evmchain.Signer, strategy string, maxDepth, warnAt int, drainFor time.Duration) *Pool {
	p := &Pool{
		network:       network,
		strategy:      strategy,
		maxDepth:      maxDepth,
		warnAt:        warnAt,
		drainFor:      drainFor,
		pendingPayers: make(map[string]bool),
	}
	for _, s := range signers {
		w := &worker{signer: s, queue: make(chan Job, maxDepth)}
		p.workers = append(p.workers, w)
		p.wg.Add(1)
		go p.run(w)
	}
	return p
}

// SetWarnFunc registers fn to be called (outside the pool's lock) whenever
// an admitted job pushes the selected worker's depth to or past the
// warning threshold.
func (p *Pool) SetWarnFunc(fn func(network string, depth int)) {
	p.mu.Lock()
	p.warnFn = fn
	p.mu.Unlock()
}

func (p *Pool) run(w *worker) {
	defer p.wg.Done()
	for job := range w.queue {
		var value interface{}
		var err error
		if err = job.ctx.Err(); err == nil {
			// The submitter's context only gates dispatch; once running,
			// the job gets a fresh context and completes even if the
			// caller has gone away.
			value, err = job.Run(context.Background(), w.signer)
		}

		p.mu.Lock()
		w.depth--
		delete(p.pendingPayers, job.Payer)
		p.mu.Unlock()

		job.result <- jobResult{value: value, err: err}
	}
}

// Submit enqueues a job for payer and blocks until it completes (or ctx is
// canceled). Returns ErrDuplicatePayer if payer already has work in
// flight, ErrQueueOverload if the selected worker's queue is full, or
// ErrShuttingDown if Shutdown has been called.
func (p *Pool) Submit(ctx context.Context, payer string, run func(ctx context.Context, signer evmchain.Signer) (interface{}, error)) (interface{}, error) {
	payer = strings.ToLower(payer)

	p.mu.Lock()
	if p.shuttingDown {
		p.mu.Unlock()
		return nil, ErrShuttingDown
	}
	if p.pendingPayers[payer] {
		p.mu.Unlock()
		return nil, ErrDuplicatePayer
	}
	w, err := p.pickWorker()
	if err != nil {
		p.mu.Unlock()
		return nil, err
	}
	w.depth++
	p.pendingPayers[payer] = true
	job := Job{Payer: payer, Run: run, ctx: ctx, result: make(chan jobResult, 1)}
	// depth < maxDepth == cap(queue) held under this same lock, so the
	// send cannot block; enqueueing before unlocking also serializes
	// against Shutdown's close of the queue.
	w.queue <- job
	warnDepth := 0
	if int(w.depth) >= p.warnAt {
		warnDepth = int(w.depth)
	}
	warnFn := p.warnFn
	p.mu.Unlock()

	if warnDepth > 0 && warnFn != nil {
		warnFn(p.network, warnDepth)
	}

	select {
	case r := <-job.result:
		return r.value, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// pickWorker must be called with p.mu held. Selection happens once per
// call, before admission: round-robin/random picks an account from the
// full worker list, and only that chosen account's depth is checked
// against maxDepth. It is never retried against another account — a
// caller whose selected account is already full observes ErrQueueOverload
// even if some other account in the pool has room.
func (p *Pool) pickWorker() (*worker, error) {
	if len(p.workers) == 0 {
		return nil, ErrQueueOverload
	}

	var w *worker
	switch p.strategy {
	case SelectionRandom:
		w = p.workers[rand.Intn(len(p.workers))]
	default: // round-robin
		p.rrCursor = (p.rrCursor + 1) % len(p.workers)
		w = p.workers[p.rrCursor]
	}

	if int(w.depth) >= p.maxDepth {
		return nil, ErrQueueOverload
	}
	return w, nil
}

// AnySigner returns one of the pool's signers for read-only RPC calls (gas
// simulation, balance/code reads) that don't need the serialized-write
// guarantees Submit provides. Returns false if the pool has no workers.
func (p *Pool) AnySigner() (evmchain.Signer, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.workers) == 0 {
		return nil, false
	}
	return p.workers[0].signer, true
}

// QueueDepth returns the current total depth across all workers, for
// observability.
func (p *Pool) QueueDepth() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	total := 0
	for _, w := range p.workers {
		total += int(w.depth)
	}
	return total
}

// Shutdown stops accepting new work and closes every worker queue, then
// waits up to drainFor for in-flight and already-queued jobs to finish.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if !p.shuttingDown {
		p.shuttingDown = true
		// Closing under the same lock Submit enqueues under rules out a
		// send on a closed queue.
		for _, w := range p.workers {
			close(w.queue)
		}
	}
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	timeout := time.NewTimer(p.drainFor)
	defer timeout.Stop()

	select {
	case <-done:
		return nil
	case <-timeout.C:
		return fmt.Errorf("signerpool: drain timeout exceeded for network %s", p.network)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Registry holds one Pool per network.
type Registry struct {
	mu    sync.RWMutex
	pools map[string]*Pool
}

func NewRegistry() *Registry {
	return &Registry{pools: make(map[string]*Pool)}
}

func (r *Registry) Add(network string, pool *Pool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pools[network] = pool
}

func (r *Registry) Get(network string) (*Pool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.pools[network]
	return p, ok
}

// ShutdownAll drains every pool, returning the first error encountered (if
// any) after attempting all of them.
func (r *Registry) ShutdownAll(ctx context.Context) error {
	r.mu.RLock()
	pools := make([]*Pool, 0, len(r.pools))
	for _, p := range r.pools {
		pools = append(pools, p)
	}
	r.mu.RUnlock()

	var firstErr error
	for _, p := range pools {
		if err := p.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
