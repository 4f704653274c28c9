// Package reconciler keeps in-memory snapshots of authoritative state fresh.
// Every poll carries a sequence number and only the newest poll may replace
// the snapshot, so a slow response can never overwrite newer data.
package reconciler

import (
	"context"
	"sync"
	"time"

	"github.com/nadmax/pipetune/internal/metrics"
	"go.uber.org/zap"
)

const DefaultInterval = 5 * time.Second

type FetchFunc[T any] func(ctx context.Context) (T, error)

type Snapshot[T any] struct {
	Value     T
	Seq       uint64
	FetchedAt time.Time
	// Stale is set when the latest poll failed and Value is the last good one.
	Stale bool
	Err   error
	Valid bool
}

type Result int

const (
	Applied Result = iota
	Discarded
	Failed
)

func (r Result) String() string {
	switch r {
	case Applied:
		return "applied"
	case Discarded:
		return "discarded"
	default:
		return "error"
	}
}

type Poller[T any] struct {
	name     string
	fetch    FetchFunc[T]
	interval time.Duration
	timeout  time.Duration
	logger   *zap.Logger
	now      func() time.Time

	mu      sync.Mutex
	seq     uint64
	cancel  context.CancelFunc
	snap    Snapshot[T]
	running bool
	stop    chan struct{}
	wg      sync.WaitGroup
}

// NewPoller builds a poller. A non-positive interval disables the loop, so
// the poller only refreshes on demand. Each fetch is bounded by the interval,
// or by 30s when there is none.
func NewPoller[T any](name string, fetch FetchFunc[T], interval time.Duration, logger *zap.Logger) *Poller[T] {
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := interval
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Poller[T]{
		name:     name,
		fetch:    fetch,
		interval: interval,
		timeout:  timeout,
		logger:   logger,
		now:      time.Now,
	}
}

// Poll issues a new sequence number, cancels the fetch in flight and fetches.
// The response replaces the snapshot only if no newer poll was issued meanwhile.
func (p *Poller[T]) Poll(ctx context.Context) Result {
	p.mu.Lock()
	p.seq++
	seq := p.seq
	if p.cancel != nil {
		p.cancel()
	}
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	p.cancel = cancel
	p.mu.Unlock()
	defer cancel()

	value, err := p.fetch(ctx)

	p.mu.Lock()
	defer p.mu.Unlock()

	if seq < p.seq {
		metrics.RecordPoll(p.name, Discarded.String())
		p.logger.Debug("discarding stale poll response",
			zap.String("poller", p.name),
			zap.Uint64("seq", seq),
			zap.Uint64("latest", p.seq))
		return Discarded
	}
	p.cancel = nil

	if err != nil {
		metrics.RecordPoll(p.name, Failed.String())
		p.logger.Warn("poll failed, keeping last snapshot",
			zap.String("poller", p.name),
			zap.Uint64("seq", seq),
			zap.Error(err))
		p.snap.Stale = true
		p.snap.Err = err
		return Failed
	}

	metrics.RecordPoll(p.name, Applied.String())
	p.snap = Snapshot[T]{
		Value:     value,
		Seq:       seq,
		FetchedAt: p.now(),
		Valid:     true,
	}
	return Applied
}

// Refresh polls immediately and returns the resulting snapshot.
func (p *Poller[T]) Refresh(ctx context.Context) Snapshot[T] {
	p.Poll(ctx)
	return p.Snapshot()
}

func (p *Poller[T]) Snapshot() Snapshot[T] {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.snap
}

// Start polls once right away and then on every interval tick until Stop.
// Ticks do not wait for the previous fetch; a newer tick supersedes it.
func (p *Poller[T]) Start() {
	p.mu.Lock()
	if p.running || p.interval <= 0 {
		p.mu.Unlock()
		return
	}
	p.running = true
	p.stop = make(chan struct{})
	stop := p.stop
	p.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	p.logger.Info("poller started", zap.String("poller", p.name), zap.Duration("interval", p.interval))

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer cancel()

		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()

		p.spawn(ctx)
		for {
			select {
			case <-stop:
				p.logger.Info("poller stopped", zap.String("poller", p.name))
				return
			case <-ticker.C:
				p.spawn(ctx)
			}
		}
	}()
}

func (p *Poller[T]) spawn(ctx context.Context) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.Poll(ctx)
	}()
}

// Stop ends the loop, cancels the fetch in flight and waits for it.
func (p *Poller[T]) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	close(p.stop)
	p.mu.Unlock()

	p.wg.Wait()
}
