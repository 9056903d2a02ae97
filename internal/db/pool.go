package db

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/kandev/litepool/internal/common/logger"
	"github.com/kandev/litepool/internal/common/tracing"
)

// probeTimeout bounds the liveness check run when a connection is released.
const probeTimeout = 2 * time.Second

// Factory opens, checks and closes the resources held by a Pool.
type Factory[R any] interface {
	Open(ctx context.Context) (R, error)
	Probe(ctx context.Context, r R) error
	Close(r R) error
}

// PoolOptions configures a Pool.
type PoolOptions struct {
	Name           string
	MaxSize        int
	AcquireTimeout time.Duration
	// IdleTimeout closes idle resources older than this on the next acquire.
	// Zero keeps them until Close.
	IdleTimeout time.Duration
	Logger      *logger.Logger
	Tracer      trace.Tracer
}

// PoolStats is a point-in-time snapshot of a Pool.
type PoolStats struct {
	Name        string `json:"name"`
	MaxSize     int    `json:"max_size"`
	Idle        int    `json:"idle"`
	InUse       int    `json:"in_use"`
	Waiting     int64  `json:"waiting"`
	Opened      int64  `json:"opened"`
	Discarded   int64  `json:"discarded"`
	Exhausted   int64  `json:"exhausted"`
	AcquireWait string `json:"acquire_timeout"`
}

type idleEntry[R any] struct {
	res   R
	since time.Time
}

// Pool is a bounded set of reusable resources. Admission is FIFO: callers
// that cannot get a slot immediately are queued and served in arrival
// order, up to the acquire timeout.
//
// In-use plus idle never exceeds MaxSize. Resources are created lazily and
// an idle one is reused before a new one is opened.
type Pool[R any] struct {
	name           string
	factory        Factory[R]
	max            int64
	acquireTimeout time.Duration
	idleTimeout    time.Duration
	sem            *semaphore.Weighted
	logger         *logger.Logger
	tracer         trace.Tracer

	mu     sync.Mutex
	idle   []idleEntry[R] // oldest first
	inUse  int
	closed bool

	waiting   atomic.Int64
	opened    atomic.Int64
	discarded atomic.Int64
	exhausted atomic.Int64
}

// NewPool creates an empty pool. No resources are opened until Acquire or Warm.
func NewPool[R any](factory Factory[R], opts PoolOptions) *Pool[R] {
	if opts.MaxSize <= 0 {
		opts.MaxSize = 1
	}
	if opts.AcquireTimeout <= 0 {
		opts.AcquireTimeout = 5 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = logger.Default()
	}
	if opts.Tracer == nil {
		opts.Tracer = tracing.Tracer("litepool-db")
	}
	return &Pool[R]{
		name:           opts.Name,
		factory:        factory,
		max:            int64(opts.MaxSize),
		acquireTimeout: opts.AcquireTimeout,
		idleTimeout:    opts.IdleTimeout,
		sem:            semaphore.NewWeighted(int64(opts.MaxSize)),
		logger:         opts.Logger.WithFields(zap.String("pool", opts.Name)),
		tracer:         opts.Tracer,
	}
}

// Name returns the pool name used in logs, spans and errors.
func (p *Pool[R]) Name() string { return p.name }

// Acquire returns a resource, waiting in FIFO order for a free slot.
// It fails with ErrPoolExhausted once the acquire timeout elapses, or with
// ctx's error if ctx ends first.
func (p *Pool[R]) Acquire(ctx context.Context) (R, error) {
	var zero R
	if p.isClosed() {
		return zero, ErrPoolClosed
	}

	ctx, span := tracing.StartPoolSpan(ctx, p.tracer, "acquire", p.name)
	res, err := p.acquire(ctx)
	tracing.End(span, err)
	if err != nil {
		return zero, err
	}
	return res, nil
}

func (p *Pool[R]) acquire(ctx context.Context) (R, error) {
	var zero R

	waitCtx, cancel := context.WithTimeout(ctx, p.acquireTimeout)
	p.waiting.Add(1)
	err := p.sem.Acquire(waitCtx, 1)
	p.waiting.Add(-1)
	cancel()
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return zero, ctxErr
		}
		if p.isClosed() {
			return zero, ErrPoolClosed
		}
		p.exhausted.Add(1)
		p.logger.Warn("pool exhausted", zap.Duration("acquire_timeout", p.acquireTimeout))
		return zero, fmt.Errorf("%w: %s pool: no connection within %s", ErrPoolExhausted, p.name, p.acquireTimeout)
	}

	res, err := p.checkout(ctx)
	if err != nil {
		p.sem.Release(1)
		return zero, err
	}
	return res, nil
}

// checkout takes the most recently released idle resource, evicting any
// that sat idle past the timeout, or opens a new one. The caller holds a
// semaphore slot.
func (p *Pool[R]) checkout(ctx context.Context) (R, error) {
	var zero R

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return zero, ErrPoolClosed
	}
	stale := p.evictStaleLocked(time.Now())
	var (
		res   R
		found bool
	)
	if n := len(p.idle); n > 0 {
		res, found = p.idle[n-1].res, true
		p.idle = p.idle[:n-1]
	}
	p.inUse++
	p.mu.Unlock()

	for _, r := range stale {
		p.destroy(r, "idle timeout")
	}
	if found {
		return res, nil
	}

	res, err := p.factory.Open(ctx)
	if err != nil {
		p.mu.Lock()
		p.inUse--
		p.mu.Unlock()
		p.logger.Error("failed to open connection", zap.Error(err))
		return zero, &ConnectionError{Pool: p.name, Op: "open", Err: err}
	}
	p.opened.Add(1)
	return res, nil
}

func (p *Pool[R]) evictStaleLocked(now time.Time) []R {
	if p.idleTimeout <= 0 {
		return nil
	}
	cut := 0
	for cut < len(p.idle) && now.Sub(p.idle[cut].since) > p.idleTimeout {
		cut++
	}
	if cut == 0 {
		return nil
	}
	stale := make([]R, cut)
	for i := 0; i < cut; i++ {
		stale[i] = p.idle[i].res
	}
	p.idle = append(p.idle[:0], p.idle[cut:]...)
	return stale
}

// Release returns r to the pool. A resource that fails its liveness probe
// is closed instead; the pool opens a replacement on demand.
func (p *Pool[R]) Release(r R) {
	ctx, cancel := context.WithTimeout(context.Background(), probeTimeout)
	err := p.factory.Probe(ctx, r)
	cancel()
	if err != nil {
		p.logger.Warn("connection failed liveness probe, discarding", zap.Error(err))
		p.Discard(r)
		return
	}

	p.mu.Lock()
	p.inUse--
	if p.closed {
		p.mu.Unlock()
		p.destroy(r, "pool closed")
		p.sem.Release(1)
		return
	}
	p.idle = append(p.idle, idleEntry[R]{res: r, since: time.Now()})
	p.mu.Unlock()
	p.sem.Release(1)
}

// Discard closes r without returning it to the idle set and frees its slot.
func (p *Pool[R]) Discard(r R) {
	p.destroy(r, "discarded")
	p.mu.Lock()
	p.inUse--
	p.mu.Unlock()
	p.sem.Release(1)
}

func (p *Pool[R]) destroy(r R, reason string) {
	p.discarded.Add(1)
	if err := p.factory.Close(r); err != nil {
		p.logger.Debug("error closing connection", zap.String("reason", reason), zap.Error(err))
	}
}

// Warm opens resources ahead of demand until n are idle, never exceeding
// the pool's maximum size.
func (p *Pool[R]) Warm(ctx context.Context, n int) error {
	p.mu.Lock()
	room := int(p.max) - len(p.idle) - p.inUse
	n -= len(p.idle)
	if n > room {
		n = room
	}
	p.mu.Unlock()
	if n <= 0 {
		return nil
	}
	if !p.sem.TryAcquire(int64(n)) {
		return nil
	}
	defer p.sem.Release(int64(n))

	opened := make([]R, n)
	ok := make([]bool, n)
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < n; i++ {
		g.Go(func() error {
			res, err := p.factory.Open(gctx)
			if err != nil {
				return err
			}
			opened[i], ok[i] = res, true
			p.opened.Add(1)
			return nil
		})
	}
	err := g.Wait()

	p.mu.Lock()
	now := time.Now()
	for i := range opened {
		if ok[i] {
			p.idle = append(p.idle, idleEntry[R]{res: opened[i], since: now})
		}
	}
	p.mu.Unlock()

	if err != nil {
		return &ConnectionError{Pool: p.name, Op: "warm", Err: err}
	}
	return nil
}

// Stats returns a snapshot of the pool's counters.
func (p *Pool[R]) Stats() PoolStats {
	p.mu.Lock()
	idle, inUse := len(p.idle), p.inUse
	p.mu.Unlock()
	return PoolStats{
		Name:        p.name,
		MaxSize:     int(p.max),
		Idle:        idle,
		InUse:       inUse,
		Waiting:     p.waiting.Load(),
		Opened:      p.opened.Load(),
		Discarded:   p.discarded.Load(),
		Exhausted:   p.exhausted.Load(),
		AcquireWait: p.acquireTimeout.String(),
	}
}

func (p *Pool[R]) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Close stops new acquisitions, waits for in-use resources to come back
// (bounded by ctx) and closes everything idle.
func (p *Pool[R]) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	drainErr := p.sem.Acquire(ctx, p.max)

	p.mu.Lock()
	idle := p.idle
	p.idle = nil
	p.mu.Unlock()

	var errs []error
	for _, e := range idle {
		if err := p.factory.Close(e.res); err != nil {
			errs = append(errs, err)
		}
	}
	if drainErr != nil {
		errs = append(errs, fmt.Errorf("%s pool: waiting for in-use connections: %w", p.name, drainErr))
	}
	return errors.Join(errs...)
}
