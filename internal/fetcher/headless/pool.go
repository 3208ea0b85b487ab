package headless

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/job-aggregator/internal/crawler"
	"github.com/JakeFAU/job-aggregator/internal/metrics"
)

// ErrPoolExhausted is returned when no browser slot frees up within the acquire timeout.
var ErrPoolExhausted = errors.New("browser pool checkout timed out")

// Renderer loads a URL in a browser and returns the rendered document.
type Renderer interface {
	Render(ctx context.Context, url string) (crawler.RawResponse, error)
	Close()
}

// PoolConfig bounds browser usage.
type PoolConfig struct {
	Size           int
	AcquireTimeout time.Duration
}

// Pool is a bounded checkout of browser slots shared by every crawl job.
// Each Fetch holds a slot for the whole render and releases it on every exit path.
type Pool struct {
	cfg      PoolConfig
	slots    chan struct{}
	inUse    atomic.Int64
	renderer Renderer
	logger   *zap.Logger
}

// NewPool wraps renderer with a pool of cfg.Size slots.
func NewPool(cfg PoolConfig, renderer Renderer, logger *zap.Logger) (*Pool, error) {
	if renderer == nil {
		return nil, fmt.Errorf("renderer is required")
	}
	if cfg.Size <= 0 {
		return nil, fmt.Errorf("pool size must be > 0")
	}
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{
		cfg:      cfg,
		slots:    make(chan struct{}, cfg.Size),
		renderer: renderer,
		logger:   logger,
	}, nil
}

// Lease is one checked-out slot. Release is idempotent.
type Lease struct {
	pool *Pool
	once sync.Once
}

// Release returns the slot to the pool.
func (l *Lease) Release() {
	if l == nil {
		return
	}
	l.once.Do(func() {
		<-l.pool.slots
		metrics.SetBrowserInUse(int(l.pool.inUse.Add(-1)))
	})
}

// Acquire checks out a slot, waiting at most AcquireTimeout.
func (p *Pool) Acquire(ctx context.Context) (*Lease, error) {
	timer := time.NewTimer(p.cfg.AcquireTimeout)
	defer timer.Stop()

	select {
	case p.slots <- struct{}{}:
		metrics.SetBrowserInUse(int(p.inUse.Add(1)))
		return &Lease{pool: p}, nil
	case <-timer.C:
		metrics.ObserveBrowserCheckoutTimeout()
		return nil, crawler.NewError(crawler.KindResourceExhaustion, "browser checkout", "", ErrPoolExhausted)
	case <-ctx.Done():
		return nil, fmt.Errorf("browser checkout canceled: %w", ctx.Err())
	}
}

// InUse reports how many slots are checked out.
func (p *Pool) InUse() int {
	return int(p.inUse.Load())
}

// Fetch renders url while holding a slot.
func (p *Pool) Fetch(ctx context.Context, url string) (crawler.RawResponse, error) {
	lease, err := p.Acquire(ctx)
	if err != nil {
		return crawler.RawResponse{}, err
	}
	defer lease.Release()

	resp, err := p.renderer.Render(ctx, url)
	if err != nil {
		p.logger.Debug("browser render failed", zap.String("url", url), zap.Error(err))
		return crawler.RawResponse{}, err
	}
	return resp, nil
}

// Close shuts down the renderer.
func (p *Pool) Close() {
	p.renderer.Close()
}
