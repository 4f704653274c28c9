// Package lifecycle owns the optimization candidate state machine:
// pending -> applied and pending -> rejected. Every mutation for a pipeline is
// serialized through a per-pipeline lock.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nadmax/pipetune/internal/metrics"
	"github.com/nadmax/pipetune/internal/optimization"
	"github.com/nadmax/pipetune/internal/repository"
	"go.uber.org/zap"
)

type Event struct {
	PipelineID string
	Status     optimization.Status
	Candidate  *optimization.Candidate
	At         time.Time
}

// Listener receives transition events after the transition is stored.
// Notify is called synchronously and must not block.
type Listener interface {
	Notify(Event)
}

type ListenerFunc func(Event)

func (f ListenerFunc) Notify(e Event) { f(e) }

type Manager struct {
	store     repository.OptimizationStore
	tolerance optimization.Tolerance
	clock     func() time.Time
	logger    *zap.Logger

	mu        sync.Mutex
	locks     map[string]*sync.Mutex
	listeners []Listener
}

type Option func(*Manager)

func WithTolerance(t optimization.Tolerance) Option {
	return func(m *Manager) { m.tolerance = t }
}

func WithClock(clock func() time.Time) Option {
	return func(m *Manager) { m.clock = clock }
}

func WithLogger(logger *zap.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

func NewManager(store repository.OptimizationStore, opts ...Option) *Manager {
	m := &Manager{
		store:     store,
		tolerance: optimization.DefaultTolerance(),
		clock:     time.Now,
		logger:    zap.NewNop(),
		locks:     make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) Subscribe(l Listener) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.listeners = append(m.listeners, l)
}

func (m *Manager) lock(pipelineID string) func() {
	m.mu.Lock()
	l, ok := m.locks[pipelineID]
	if !ok {
		l = &sync.Mutex{}
		m.locks[pipelineID] = l
	}
	m.mu.Unlock()

	l.Lock()
	return l.Unlock
}

// Propose stores c as a pending candidate. It fails with
// optimization.ErrDuplicateProposal when a pending candidate of the same type
// already projects the same metrics within tolerance.
func (m *Manager) Propose(ctx context.Context, c *optimization.Candidate) (*optimization.Candidate, error) {
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("propose %q: %w", c.Title, err)
	}

	unlock := m.lock(c.PipelineConfigID)
	defer unlock()

	pending, err := m.store.ListByStatus(ctx, c.PipelineConfigID, optimization.StatusPending)
	if err != nil {
		return nil, err
	}
	for _, p := range pending {
		if m.tolerance.Duplicates(p, c) {
			metrics.RecordProposalDropped("duplicate")
			return nil, fmt.Errorf("propose %q for %s: %w of %s", c.Title, c.PipelineConfigID, optimization.ErrDuplicateProposal, p.ID)
		}
	}

	n := c.Clone()
	n.Status = optimization.StatusPending
	n.AppliedAt = nil
	if n.ID == "" {
		n.ID = uuid.New().String()
	} else if err := m.checkID(ctx, n.ID); err != nil {
		return nil, err
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = m.clock().UTC()
	}
	if err := m.store.SaveCandidate(ctx, n); err != nil {
		if errors.Is(err, optimization.ErrIDConflict) {
			metrics.RecordProposalDropped("id_conflict")
		}
		return nil, err
	}

	metrics.RecordProposalAccepted(string(n.Type))
	m.logger.Info("optimization proposed",
		zap.String("pipeline", n.PipelineConfigID),
		zap.String("id", n.ID),
		zap.String("type", string(n.Type)),
		zap.Float64("confidence", n.Confidence))
	return n, nil
}

// checkID fails with optimization.ErrIDConflict when id is already stored.
func (m *Manager) checkID(ctx context.Context, id string) error {
	_, err := m.store.GetCandidate(ctx, id)
	switch {
	case err == nil:
		metrics.RecordProposalDropped("id_conflict")
		return fmt.Errorf("propose %s: %w", id, optimization.ErrIDConflict)
	case errors.Is(err, optimization.ErrNotFound):
		return nil
	default:
		return err
	}
}

// Apply moves a pending candidate to applied and stamps AppliedAt. Applying an
// already applied candidate returns it unchanged.
func (m *Manager) Apply(ctx context.Context, id string) (*optimization.Candidate, error) {
	c, unlock, err := m.lockCandidate(ctx, id)
	if err != nil {
		m.record(optimization.StatusApplied, err)
		return nil, err
	}

	if c.Status == optimization.StatusApplied {
		unlock()
		metrics.RecordTransition(string(optimization.StatusApplied), "noop")
		return c, nil
	}
	if err := c.CheckTransition(optimization.StatusApplied); err != nil {
		unlock()
		m.record(optimization.StatusApplied, err)
		return nil, fmt.Errorf("apply %s: %w", id, err)
	}

	at, err := m.appliedAt(ctx, c.PipelineConfigID)
	if err != nil {
		unlock()
		return nil, err
	}
	if err := m.store.UpdateStatus(ctx, id, optimization.StatusApplied, &at); err != nil {
		unlock()
		m.record(optimization.StatusApplied, err)
		return nil, err
	}
	c.Status = optimization.StatusApplied
	c.AppliedAt = &at
	unlock()

	m.record(optimization.StatusApplied, nil)
	m.logger.Info("optimization applied",
		zap.String("pipeline", c.PipelineConfigID),
		zap.String("id", id),
		zap.Time("applied_at", at))
	m.emit(Event{PipelineID: c.PipelineConfigID, Status: optimization.StatusApplied, Candidate: c.Clone(), At: at})
	return c, nil
}

// Reject moves a pending candidate to rejected. Rejecting a terminal candidate,
// including an already rejected one, fails with optimization.ErrInvalidTransition.
func (m *Manager) Reject(ctx context.Context, id string) (*optimization.Candidate, error) {
	c, unlock, err := m.lockCandidate(ctx, id)
	if err != nil {
		m.record(optimization.StatusRejected, err)
		return nil, err
	}

	if err := c.CheckTransition(optimization.StatusRejected); err != nil {
		unlock()
		m.record(optimization.StatusRejected, err)
		return nil, fmt.Errorf("reject %s: %w", id, err)
	}
	if err := m.store.UpdateStatus(ctx, id, optimization.StatusRejected, nil); err != nil {
		unlock()
		m.record(optimization.StatusRejected, err)
		return nil, err
	}
	c.Status = optimization.StatusRejected
	unlock()

	m.record(optimization.StatusRejected, nil)
	m.logger.Info("optimization rejected", zap.String("pipeline", c.PipelineConfigID), zap.String("id", id))
	m.emit(Event{PipelineID: c.PipelineConfigID, Status: optimization.StatusRejected, Candidate: c.Clone(), At: m.clock().UTC()})
	return c, nil
}

func (m *Manager) Get(ctx context.Context, id string) (*optimization.Candidate, error) {
	return m.store.GetCandidate(ctx, id)
}

// List returns a snapshot of every candidate of the pipeline.
func (m *Manager) List(ctx context.Context, pipelineID string) ([]*optimization.Candidate, error) {
	return m.store.ListCandidates(ctx, pipelineID)
}

func (m *Manager) Applied(ctx context.Context, pipelineID string) ([]*optimization.Candidate, error) {
	return m.store.ListByStatus(ctx, pipelineID, optimization.StatusApplied)
}

// lockCandidate locks the candidate's pipeline and re-reads the candidate
// under the lock.
func (m *Manager) lockCandidate(ctx context.Context, id string) (*optimization.Candidate, func(), error) {
	c, err := m.store.GetCandidate(ctx, id)
	if err != nil {
		return nil, nil, err
	}

	unlock := m.lock(c.PipelineConfigID)
	c, err = m.store.GetCandidate(ctx, id)
	if err != nil {
		unlock()
		return nil, nil, err
	}
	return c, unlock, nil
}

// appliedAt returns the clock reading, clamped so applied timestamps never go
// backwards within a pipeline.
func (m *Manager) appliedAt(ctx context.Context, pipelineID string) (time.Time, error) {
	at := m.clock().UTC()

	applied, err := m.store.ListByStatus(ctx, pipelineID, optimization.StatusApplied)
	if err != nil {
		return time.Time{}, err
	}
	for _, a := range applied {
		if a.AppliedAt != nil && a.AppliedAt.After(at) {
			m.logger.Warn("clock behind latest applied_at, clamping",
				zap.String("pipeline", pipelineID),
				zap.Time("clock", at),
				zap.Time("latest", *a.AppliedAt))
			at = a.AppliedAt.UTC()
		}
	}
	return at, nil
}

func (m *Manager) emit(e Event) {
	m.mu.Lock()
	listeners := append([]Listener(nil), m.listeners...)
	m.mu.Unlock()

	for _, l := range listeners {
		l.Notify(e)
	}
}

func (m *Manager) record(status optimization.Status, err error) {
	result := "ok"
	switch {
	case err == nil:
	case errors.Is(err, optimization.ErrNotFound):
		result = "not_found"
	case errors.Is(err, optimization.ErrInvalidTransition):
		result = "invalid_transition"
	default:
		result = "error"
	}
	metrics.RecordTransition(string(status), result)
}
