package reconciler

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Registry runs one poller per watched pipeline.
type Registry[T any] struct {
	fetchFor func(pipelineID string) FetchFunc[T]
	interval time.Duration
	logger   *zap.Logger

	mu      sync.Mutex
	pollers map[string]*Poller[T]
}

func NewRegistry[T any](fetchFor func(pipelineID string) FetchFunc[T], interval time.Duration, logger *zap.Logger) *Registry[T] {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry[T]{
		fetchFor: fetchFor,
		interval: interval,
		logger:   logger,
		pollers:  make(map[string]*Poller[T]),
	}
}

// Watch starts polling the pipeline. Watching it again is a no-op.
func (r *Registry[T]) Watch(pipelineID string) *Poller[T] {
	r.mu.Lock()
	defer r.mu.Unlock()

	if p, ok := r.pollers[pipelineID]; ok {
		return p
	}
	p := NewPoller(pipelineID, r.fetchFor(pipelineID), r.interval, r.logger)
	r.pollers[pipelineID] = p
	p.Start()
	return p
}

func (r *Registry[T]) Get(pipelineID string) (*Poller[T], bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.pollers[pipelineID]
	return p, ok
}

func (r *Registry[T]) Pipelines() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := make([]string, 0, len(r.pollers))
	for id := range r.pollers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// RefreshAll polls every watched pipeline concurrently and waits for all of
// them. It returns the number of pollers whose response was applied.
func (r *Registry[T]) RefreshAll(ctx context.Context) (int, error) {
	r.mu.Lock()
	pollers := make([]*Poller[T], 0, len(r.pollers))
	for _, p := range r.pollers {
		pollers = append(pollers, p)
	}
	r.mu.Unlock()

	var mu sync.Mutex
	applied := 0

	g, ctx := errgroup.WithContext(ctx)
	for _, p := range pollers {
		g.Go(func() error {
			if p.Poll(ctx) == Applied {
				mu.Lock()
				applied++
				mu.Unlock()
			}
			return ctx.Err()
		})
	}
	err := g.Wait()
	return applied, err
}

func (r *Registry[T]) Stop() {
	r.mu.Lock()
	pollers := make([]*Poller[T], 0, len(r.pollers))
	for _, p := range r.pollers {
		pollers = append(pollers, p)
	}
	r.mu.Unlock()

	var wg sync.WaitGroup
	for _, p := range pollers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.Stop()
		}()
	}
	wg.Wait()
}
