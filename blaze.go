// Package blaze provides the core implementation of the blaze connection pool.
// The pool brokers reusable client-side HTTP connections keyed by destination
// endpoint, enforcing a global ceiling, per-key ceilings, and a bounded wait
// queue for borrowers that cannot be served immediately.
package blaze

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/mox692/blaze/interfaces"
)

// borrowResult is the single-shot payload delivered to a borrower: either a
// connection or one of the error kinds in errors.go.
type borrowResult struct {
	next interfaces.NextConnection
	err  error
}

// waiter is a parked borrower. The result channel has capacity 1 and receives
// exactly one borrowResult; delivered records that the send happened and lets
// a cancelling borrower distinguish "still queued" from "handoff in flight".
type waiter struct {
	key        interfaces.RequestKey
	result     chan borrowResult
	enqueuedAt time.Time
	delivered  bool
}

// pooledConnection is an idle entry. borrowDeadline is the instant after
// which the entry must not be handed out; the zero time means no deadline.
type pooledConnection struct {
	conn           interfaces.Connection
	borrowDeadline time.Time
}

// BlazeConfig bundles the pool configuration with the capabilities the pool
// consumes. Builder is required; Clock and Logger default to SystemClock and
// an info-level logrus logger.
type BlazeConfig struct {
	Pool    interfaces.PoolConfig
	Builder interfaces.ConnectionBuilder
	Clock   interfaces.Clock
	Logger  interfaces.Logger
}

// Pool manages connections per destination key and maintains the accounting
// record protected by a single mutex. All state transitions happen under mu;
// connection builds run outside it with the reservation already taken.
type Pool struct {
	config  interfaces.PoolConfig        // immutable limits and timeouts
	builder interfaces.ConnectionBuilder // factory for fresh connections
	clock   interfaces.Clock             // "now" for deadlines and aging
	logger  interfaces.Logger            // logger instance, default logger is used if not provided

	mu          sync.Mutex
	closed      bool
	total       int                                           // idle + in-use + in-flight builds
	allocated   map[interfaces.RequestKey]int                 // per-key counts, zero entries removed
	idle        map[interfaces.RequestKey][]*pooledConnection // FIFO idle queues, empty entries removed
	wait        []*waiter                                     // FIFO across all keys
	outstanding map[interfaces.Connection]struct{}            // connections currently on loan to borrowers
	rng         *rand.Rand                                    // victim selection, guarded by mu

	waiterObjectPool  sync.Pool // Pool for waiter objects, initial pool size is set in Init
	resultChannelPool sync.Pool // Pool for result channels, initial pool size is set in Init
}

// PoolState is a point-in-time snapshot of the pool's accounting.
type PoolState struct {
	Closed          bool                          `json:"closed"`
	Total           int                           `json:"total"`
	Allocated       map[interfaces.RequestKey]int `json:"allocated"`
	Idle            map[interfaces.RequestKey]int `json:"idle"`
	WaitQueueLength int                           `json:"wait_queue_length"`
}

// Init initializes a new Pool with the given configuration.
// It validates the limits, seeds the victim-selection RNG, and prewarms the
// internal object pools. Initial memory allocations happen here as per the
// initial pool size.
func Init(config BlazeConfig) (*Pool, error) {
	if config.Builder == nil {
		return nil, fmt.Errorf("connection builder is required to initialize blaze")
	}
	if config.Pool.MaxTotal <= 0 {
		return nil, fmt.Errorf("max total must be positive, got %d", config.Pool.MaxTotal)
	}
	if config.Pool.MaxWaitQueueLimit < 0 {
		return nil, fmt.Errorf("max wait queue limit must not be negative, got %d", config.Pool.MaxWaitQueueLimit)
	}

	if config.Clock == nil {
		config.Clock = interfaces.SystemClock{}
	}
	if config.Logger == nil {
		config.Logger = NewDefaultLogger(interfaces.LogLevelInfo)
	}

	seed := config.Pool.RandSeed
	if seed == 0 {
		seed = config.Clock.Now().UnixNano()
	}

	pool := &Pool{
		config:      config.Pool,
		builder:     config.Builder,
		clock:       config.Clock,
		logger:      config.Logger,
		allocated:   make(map[interfaces.RequestKey]int),
		idle:        make(map[interfaces.RequestKey][]*pooledConnection),
		outstanding: make(map[interfaces.Connection]struct{}),
		rng:         rand.New(rand.NewSource(seed)),
	}

	// Initialize object pools
	pool.waiterObjectPool = sync.Pool{
		New: func() interface{} {
			return &waiter{}
		},
	}
	pool.resultChannelPool = sync.Pool{
		New: func() interface{} {
			return make(chan borrowResult, 1)
		},
	}

	// Prewarm pools with multiple objects
	for range config.Pool.InitialPoolSize {
		pool.waiterObjectPool.Put(&waiter{})
		pool.resultChannelPool.Put(make(chan borrowResult, 1))
	}

	return pool, nil
}

// acquireWaiter gets a waiter from the pool and configures it for a key.
// The result channel is drained of any stale value before reuse.
func (pool *Pool) acquireWaiter(key interfaces.RequestKey, now time.Time) *waiter {
	result := pool.resultChannelPool.Get().(chan borrowResult)

	// Clear any previous value to avoid leaking between borrows
	select {
	case <-result:
	default:
	}

	w := pool.waiterObjectPool.Get().(*waiter)
	w.key = key
	w.result = result
	w.enqueuedAt = now
	w.delivered = false

	return w
}

// releaseWaiter returns a waiter and its channel to their respective pools.
// Only the borrower that owns the waiter may call this, and only after the
// result has been received or non-delivery has been confirmed under mu.
func (pool *Pool) releaseWaiter(w *waiter) {
	pool.resultChannelPool.Put(w.result)
	w.result = nil
	pool.waiterObjectPool.Put(w)
}

// deliverLocked resolves a waiter's completion sink. The channel is buffered
// and single-shot, so sending under mu never blocks.
func (pool *Pool) deliverLocked(w *waiter, res borrowResult) {
	w.delivered = true
	w.result <- res
}

// decrementLocked removes one connection from the accounting for a key.
// After shutdown the record is already cleared, so this becomes a no-op.
func (pool *Pool) decrementLocked(key interfaces.RequestKey) {
	if pool.closed {
		return
	}
	count, ok := pool.allocated[key]
	if !ok {
		return
	}
	if count <= 1 {
		delete(pool.allocated, key)
	} else {
		pool.allocated[key] = count - 1
	}
	pool.total--
}

// countsLocked renders a snapshot of the accounting for debug events.
func (pool *Pool) countsLocked(key interfaces.RequestKey) string {
	return fmt.Sprintf("total=%d allocated=%d idle=%d wait=%d",
		pool.total, pool.allocated[key], len(pool.idle[key]), len(pool.wait))
}

// waiterExpired reports whether a waiter has aged past the smaller finite
// configured timeout.
func (pool *Pool) waiterExpired(w *waiter, now time.Time) bool {
	timeout := pool.config.WaiterTimeout()
	return timeout > 0 && now.Sub(w.enqueuedAt) > timeout
}

// popIdleLocked removes and returns the FIFO head of a key's idle queue,
// keeping the no-empty-queues map invariant.
func (pool *Pool) popIdleLocked(key interfaces.RequestKey) *pooledConnection {
	entries := pool.idle[key]
	if len(entries) == 0 {
		return nil
	}
	p := entries[0]
	if len(entries) == 1 {
		delete(pool.idle, key)
	} else {
		pool.idle[key] = entries[1:]
	}
	return p
}

// parkLocked pushes a connection onto its key's idle queue, stamping the
// borrow deadline when idle expiry is configured.
func (pool *Pool) parkLocked(conn interfaces.Connection, key interfaces.RequestKey, now time.Time) {
	var deadline time.Time
	if pool.config.MaxIdleDuration > 0 {
		deadline = now.Add(pool.config.MaxIdleDuration)
	}
	pool.idle[key] = append(pool.idle[key], &pooledConnection{conn: conn, borrowDeadline: deadline})
	pool.logger.Debug(fmt.Sprintf("parking idle connection for %s (%s)", key, pool.countsLocked(key)))
}

// evictRandomVictimLocked breaks global saturation by picking a victim key
// uniformly among keys that own idle entries, shutting down the FIFO head of
// that key's queue. Uniformity is over keys, not over connections.
func (pool *Pool) evictRandomVictimLocked() {
	keys := make([]interfaces.RequestKey, 0, len(pool.idle))
	for k := range pool.idle {
		keys = append(keys, k)
	}
	// Map iteration order is random; sort so a seeded RNG picks reproducibly.
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	victim := keys[pool.rng.Intn(len(keys))]
	p := pool.popIdleLocked(victim)
	p.conn.Shutdown()
	pool.decrementLocked(victim)
	pool.logger.Debug(fmt.Sprintf("randomly evicted idle connection for %s to free capacity (%s)", victim, pool.countsLocked(victim)))
}

// firstAdmissibleWaiterLocked sweeps the expired prefix of the wait queue,
// failing each entry with ErrWaitQueueTimeout, then removes and returns the
// first waiter whose per-key budget has room. Returns nil when every queued
// waiter is blocked by its own per-key ceiling.
func (pool *Pool) firstAdmissibleWaiterLocked(now time.Time) *waiter {
	for len(pool.wait) > 0 && pool.waiterExpired(pool.wait[0], now) {
		w := pool.wait[0]
		pool.wait = pool.wait[1:]
		pool.logger.Debug(fmt.Sprintf("expiring waiter for %s (%s)", w.key, pool.countsLocked(w.key)))
		pool.deliverLocked(w, borrowResult{err: ErrWaitQueueTimeout})
	}

	for i, w := range pool.wait {
		if pool.allocated[w.key] < pool.config.KeyLimit(w.key) {
			pool.wait = append(pool.wait[:i], pool.wait[i+1:]...)
			return w
		}
	}

	return nil
}

// buildForAdmissibleWaiterLocked serves the first admissible waiter, if any,
// by reserving capacity for its key and starting a builder goroutine.
func (pool *Pool) buildForAdmissibleWaiterLocked(now time.Time) {
	w := pool.firstAdmissibleWaiterLocked(now)
	if w == nil {
		return
	}

	pool.total++
	pool.allocated[w.key]++
	pool.logger.Debug(fmt.Sprintf("building fresh connection for waiter on %s (%s)", w.key, pool.countsLocked(w.key)))

	go pool.buildForWaiter(w)
}

// buildForWaiter runs the builder outside the lock for a waiter whose
// reservation is already taken, then resolves the waiter's sink. Build
// failures reverse the reservation before propagation.
func (pool *Pool) buildForWaiter(w *waiter) {
	conn, err := pool.builder.Build(context.Background(), w.key)

	pool.mu.Lock()
	if err != nil {
		pool.decrementLocked(w.key)
		pool.deliverLocked(w, borrowResult{err: &BuildError{Key: w.key, Cause: err}})
		pool.mu.Unlock()
		return
	}
	if !pool.closed {
		pool.outstanding[conn] = struct{}{}
	}
	pool.deliverLocked(w, borrowResult{next: interfaces.NextConnection{Conn: conn, Fresh: true}})
	pool.mu.Unlock()
}

// Borrow acquires a connection for a key. It recycles an idle entry when one
// is live, builds a fresh connection when capacity allows (evicting a random
// idle victim under global saturation), and otherwise parks the caller on the
// bounded wait queue. The returned Fresh flag is true only for just-built
// connections.
//
// Cancelling ctx while parked abandons the waiter; if the handoff already
// happened the received connection is invalidated on the caller's behalf.
func (pool *Pool) Borrow(ctx context.Context, key interfaces.RequestKey) (interfaces.NextConnection, error) {
	pool.mu.Lock()

	if pool.closed {
		pool.mu.Unlock()
		return interfaces.NextConnection{}, ErrPoolClosed
	}

	now := pool.clock.Now()

	for {
		// Consult the idle queue first, discarding dead or expired entries.
		if p := pool.popIdleLocked(key); p != nil {
			if p.conn.IsClosed() {
				pool.decrementLocked(key)
				pool.logger.Debug(fmt.Sprintf("evicting closed idle connection for %s (%s)", key, pool.countsLocked(key)))
				continue
			}
			if !p.borrowDeadline.IsZero() && !now.Before(p.borrowDeadline) {
				p.conn.Shutdown()
				pool.decrementLocked(key)
				pool.logger.Debug(fmt.Sprintf("evicting expired idle connection for %s (%s)", key, pool.countsLocked(key)))
				continue
			}
			pool.outstanding[p.conn] = struct{}{}
			pool.logger.Debug(fmt.Sprintf("recycling idle connection for %s (%s)", key, pool.countsLocked(key)))
			pool.mu.Unlock()
			return interfaces.NextConnection{Conn: p.conn, Fresh: false}, nil
		}

		limit := pool.config.KeyLimit(key)
		if limit == 0 {
			pool.mu.Unlock()
			return interfaces.NextConnection{}, &NoConnectionAllowedError{Key: key}
		}

		if pool.total < pool.config.MaxTotal && pool.allocated[key] < limit {
			// Optimistic reservation: the connection counts against the
			// budgets for the whole duration of the build.
			pool.total++
			pool.allocated[key]++
			pool.logger.Debug(fmt.Sprintf("building fresh connection for %s (%s)", key, pool.countsLocked(key)))
			pool.mu.Unlock()

			conn, err := pool.builder.Build(ctx, key)
			if err != nil {
				pool.dispose(key, nil)
				return interfaces.NextConnection{}, &BuildError{Key: key, Cause: err}
			}
			pool.mu.Lock()
			if !pool.closed {
				pool.outstanding[conn] = struct{}{}
			}
			pool.mu.Unlock()
			return interfaces.NextConnection{Conn: conn, Fresh: true}, nil
		}

		if pool.total == pool.config.MaxTotal && len(pool.idle) > 0 {
			// Global budget exhausted while another key holds idle
			// connections: evict one and retry for the requested key.
			pool.evictRandomVictimLocked()
			continue
		}

		break
	}

	if len(pool.wait) >= pool.config.MaxWaitQueueLimit {
		pool.mu.Unlock()
		return interfaces.NextConnection{}, ErrWaitQueueFull
	}

	w := pool.acquireWaiter(key, now)
	pool.wait = append(pool.wait, w)
	pool.logger.Debug(fmt.Sprintf("enqueueing waiter for %s (%s)", key, pool.countsLocked(key)))
	pool.mu.Unlock()

	select {
	case res := <-w.result:
		pool.releaseWaiter(w)
		return res.next, res.err
	case <-ctx.Done():
		pool.mu.Lock()
		if !w.delivered {
			for i, queued := range pool.wait {
				if queued == w {
					pool.wait = append(pool.wait[:i], pool.wait[i+1:]...)
					break
				}
			}
			pool.mu.Unlock()
			pool.releaseWaiter(w)
			return interfaces.NextConnection{}, ctx.Err()
		}
		pool.mu.Unlock()

		// The handoff raced the cancellation; take ownership briefly so the
		// connection is not leaked.
		res := <-w.result
		pool.releaseWaiter(w)
		if res.err == nil && res.next.Conn != nil {
			pool.Invalidate(res.next.Conn)
		}
		return interfaces.NextConnection{}, ctx.Err()
	}
}

// Release returns a borrowed connection to the pool. Recyclable connections
// are handed to a same-key waiter when one is queued, otherwise parked idle
// or, when only wrong-key waiters are admissible, torn down in favor of a
// fresh build for the first of them. Non-recyclable connections leave the
// accounting and may likewise free capacity for a waiter.
func (pool *Pool) Release(conn interfaces.Connection) {
	key := conn.RequestKey()

	pool.mu.Lock()
	if pool.closed {
		pool.mu.Unlock()
		if !conn.IsClosed() {
			conn.Shutdown()
		}
		return
	}

	if _, ok := pool.outstanding[conn]; !ok {
		// Not a connection this pool has on loan; there is no accounting to
		// return, only a transport to not leak.
		pool.mu.Unlock()
		if !conn.IsClosed() {
			conn.Shutdown()
		}
		return
	}
	delete(pool.outstanding, conn)

	now := pool.clock.Now()

	if !conn.IsRecyclable() {
		pool.decrementLocked(key)
		if !conn.IsClosed() {
			conn.Shutdown()
		}
		pool.logger.Debug(fmt.Sprintf("released non-recyclable connection for %s (%s)", key, pool.countsLocked(key)))
		pool.buildForAdmissibleWaiterLocked(now)
		pool.mu.Unlock()
		return
	}

	// Same-key waiters always win over parking: the connection transfers
	// as-is with no accounting change.
	for i := 0; i < len(pool.wait); {
		w := pool.wait[i]
		if w.key != key {
			i++
			continue
		}
		pool.wait = append(pool.wait[:i], pool.wait[i+1:]...)
		if pool.waiterExpired(w, now) {
			pool.logger.Debug(fmt.Sprintf("expiring waiter for %s (%s)", w.key, pool.countsLocked(w.key)))
			pool.deliverLocked(w, borrowResult{err: ErrWaitQueueTimeout})
			continue
		}
		pool.logger.Debug(fmt.Sprintf("handing released connection to waiter on %s (%s)", key, pool.countsLocked(key)))
		pool.outstanding[conn] = struct{}{}
		pool.deliverLocked(w, borrowResult{next: interfaces.NextConnection{Conn: conn, Fresh: false}})
		pool.mu.Unlock()
		return
	}

	if len(pool.wait) == 0 {
		pool.parkLocked(conn, key, now)
		pool.mu.Unlock()
		return
	}

	// Wrong-key waiters only. Connections are not retargetable, so serving
	// one means tearing this connection down and building for the waiter's
	// key. When every waiter is blocked by its per-key ceiling the
	// connection is parked anyway: the blockers are per-key limits, not
	// global capacity, so future same-key demand can still use it.
	if w := pool.firstAdmissibleWaiterLocked(now); w != nil {
		conn.Shutdown()
		pool.decrementLocked(key)
		pool.total++
		pool.allocated[w.key]++
		pool.logger.Debug(fmt.Sprintf("rebuilding released connection of %s for waiter on %s (%s)", key, w.key, pool.countsLocked(w.key)))
		go pool.buildForWaiter(w)
		pool.mu.Unlock()
		return
	}

	pool.parkLocked(conn, key, now)
	pool.mu.Unlock()
}

// Invalidate is the out-of-band destruction path for a connection the caller
// deems unusable, callable at any time including mid-request. The accounting
// decrement happens exactly once per loan: only connections the pool still
// has on loan are reclaimed, so a second Invalidate on the same handle cannot
// double-decrement. The connection's own closed flag is no guard here, a
// transport can die on its own before anyone tells the pool.
func (pool *Pool) Invalidate(conn interfaces.Connection) {
	key := conn.RequestKey()

	pool.mu.Lock()
	if pool.closed {
		pool.mu.Unlock()
		if !conn.IsClosed() {
			conn.Shutdown()
		}
		return
	}

	if _, ok := pool.outstanding[conn]; !ok {
		pool.mu.Unlock()
		return
	}
	delete(pool.outstanding, conn)

	pool.decrementLocked(key)
	if !conn.IsClosed() {
		conn.Shutdown()
	}
	pool.logger.Debug(fmt.Sprintf("invalidated connection for %s (%s)", key, pool.countsLocked(key)))
	pool.buildForAdmissibleWaiterLocked(pool.clock.Now())
	pool.mu.Unlock()
}

// dispose reverses the optimistic reservation for a failed build and shuts
// down the connection object if one was produced. It never serves waiters:
// the originating borrow path propagates the failure itself.
func (pool *Pool) dispose(key interfaces.RequestKey, conn interfaces.Connection) {
	pool.mu.Lock()
	pool.decrementLocked(key)
	pool.mu.Unlock()

	if conn != nil && !conn.IsClosed() {
		conn.Shutdown()
	}
}

// Shutdown terminates the pool: every idle connection is shut down, the
// accounting is cleared, and queued waiters fail with ErrPoolClosed.
// Subsequent borrows fail with ErrPoolClosed; in-flight builds surface their
// outcome to their originators.
func (pool *Pool) Shutdown() {
	pool.mu.Lock()
	if pool.closed {
		pool.mu.Unlock()
		return
	}

	pool.logger.Info("blaze pool shutdown initiated, closing all idle connections")

	for _, entries := range pool.idle {
		for _, p := range entries {
			p.conn.Shutdown()
		}
	}
	pool.idle = make(map[interfaces.RequestKey][]*pooledConnection)
	pool.allocated = make(map[interfaces.RequestKey]int)
	pool.outstanding = make(map[interfaces.Connection]struct{})
	pool.total = 0

	for _, w := range pool.wait {
		pool.deliverLocked(w, borrowResult{err: ErrPoolClosed})
	}
	pool.wait = nil

	pool.closed = true
	pool.mu.Unlock()
}

// State returns a consistent snapshot of the pool accounting. The values are
// a point-in-time view; no locking is exposed to the caller.
func (pool *Pool) State() PoolState {
	pool.mu.Lock()
	state := PoolState{
		Closed:          pool.closed,
		Total:           pool.total,
		Allocated:       make(map[interfaces.RequestKey]int, len(pool.allocated)),
		Idle:            make(map[interfaces.RequestKey]int, len(pool.idle)),
		WaitQueueLength: len(pool.wait),
	}
	for k, v := range pool.allocated {
		state.Allocated[k] = v
	}
	for k, entries := range pool.idle {
		state.Idle[k] = len(entries)
	}
	pool.mu.Unlock()
	return state
}
