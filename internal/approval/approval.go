// Package approval tracks human approval requests for gated tools. A
// pending request suspends the refinement step that raised it; deciding or
// expiring the request wakes any waiter so the loop can resume or proceed
// without the tool.
package approval

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"veritor/internal/logging"
)

// Approval statuses.
const (
	StatusPending  = "pending"
	StatusApproved = "approved"
	StatusDenied   = "denied"
	StatusExpired  = "expired"
)

// Approval is one gated tool request.
type Approval struct {
	ID      string            `json:"approval_id"`
	Status  string            `json:"status"`
	Tool    string            `json:"tool"`
	Context map[string]string `json:"context,omitempty"`
	Reason  string            `json:"reason,omitempty"`
	Created time.Time         `json:"created"`
}

// Decision is delivered to waiters when a request resolves.
type Decision struct {
	Status string
	Reason string
}

// Stats summarizes the store for metrics and alerting.
type Stats struct {
	Pending       int     `json:"pending"`
	Approved      int     `json:"approved"`
	Denied        int     `json:"denied"`
	Expired       int     `json:"expired"`
	AvgPendingAge float64 `json:"avg_pending_age"`
	MaxPendingAge float64 `json:"max_pending_age"`
}

type item struct {
	approval Approval
	waiters  []chan Decision
}

// Store is the in-memory approval ledger. Requests expire after the TTL;
// resolved requests stay visible until swept so late pollers see the
// outcome.
type Store struct {
	ttl    time.Duration
	logger *zap.Logger

	mu    sync.Mutex
	items map[string]*item
}

// NewStore builds a store with the given pending TTL.
func NewStore(ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &Store{
		ttl:    ttl,
		logger: logging.Named("approvals"),
		items:  make(map[string]*item),
	}
}

// Create registers a pending request and returns it.
func (s *Store) Create(tool string, context map[string]string) Approval {
	a := Approval{
		ID:      uuid.NewString(),
		Status:  StatusPending,
		Tool:    tool,
		Context: context,
		Created: time.Now(),
	}
	s.mu.Lock()
	s.items[a.ID] = &item{approval: a}
	s.mu.Unlock()
	s.logger.Info("approval_requested", zap.String("approval_id", a.ID), zap.String("tool", tool))
	return a
}

// Get returns a request by ID.
func (s *Store) Get(id string) (Approval, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.items[id]
	if !ok {
		return Approval{}, false
	}
	return it.approval, true
}

// Decide resolves a pending request. Deciding a non-pending request is a
// no-op returning the current state.
func (s *Store) Decide(id string, approved bool, reason string) (Approval, bool) {
	s.mu.Lock()
	it, ok := s.items[id]
	if !ok {
		s.mu.Unlock()
		return Approval{}, false
	}
	if it.approval.Status == StatusPending {
		if approved {
			it.approval.Status = StatusApproved
		} else {
			it.approval.Status = StatusDenied
		}
		it.approval.Reason = reason
		s.notifyLocked(it)
	}
	a := it.approval
	s.mu.Unlock()
	s.logger.Info("approval_decided",
		zap.String("approval_id", id), zap.String("status", a.Status))
	return a, true
}

// Wait blocks until the request resolves, expires, or ctx is done. For an
// already resolved request it returns immediately.
func (s *Store) Wait(ctx context.Context, id string) (Decision, error) {
	s.mu.Lock()
	it, ok := s.items[id]
	if !ok {
		s.mu.Unlock()
		return Decision{Status: StatusExpired}, nil
	}
	if it.approval.Status != StatusPending {
		d := Decision{Status: it.approval.Status, Reason: it.approval.Reason}
		s.mu.Unlock()
		return d, nil
	}
	ch := make(chan Decision, 1)
	it.waiters = append(it.waiters, ch)
	s.mu.Unlock()

	select {
	case d := <-ch:
		return d, nil
	case <-ctx.Done():
		return Decision{}, ctx.Err()
	}
}

// SweepExpired expires pending requests past the TTL and drops resolved
// requests past twice the TTL. Returns the number expired.
func (s *Store) SweepExpired() int {
	now := time.Now()
	var expired int
	s.mu.Lock()
	for id, it := range s.items {
		age := now.Sub(it.approval.Created)
		if it.approval.Status == StatusPending && age > s.ttl {
			it.approval.Status = StatusExpired
			it.approval.Reason = "ttl elapsed"
			s.notifyLocked(it)
			expired++
			continue
		}
		if it.approval.Status != StatusPending && age > 2*s.ttl {
			delete(s.items, id)
		}
	}
	s.mu.Unlock()
	if expired > 0 {
		s.logger.Warn("approvals_expired", zap.Int("count", expired))
	}
	return expired
}

// Run sweeps on an interval until ctx is done.
func (s *Store) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.SweepExpired()
		}
	}
}

// Snapshot reports counts and pending-age stats.
func (s *Store) Snapshot() Stats {
	now := time.Now()
	var stats Stats
	var totalAge float64
	s.mu.Lock()
	for _, it := range s.items {
		switch it.approval.Status {
		case StatusPending:
			stats.Pending++
			age := now.Sub(it.approval.Created).Seconds()
			totalAge += age
			if age > stats.MaxPendingAge {
				stats.MaxPendingAge = age
			}
		case StatusApproved:
			stats.Approved++
		case StatusDenied:
			stats.Denied++
		case StatusExpired:
			stats.Expired++
		}
	}
	s.mu.Unlock()
	if stats.Pending > 0 {
		stats.AvgPendingAge = totalAge / float64(stats.Pending)
	}
	return stats
}

func (s *Store) notifyLocked(it *item) {
	d := Decision{Status: it.approval.Status, Reason: it.approval.Reason}
	for _, ch := range it.waiters {
		ch <- d
	}
	it.waiters = nil
}
