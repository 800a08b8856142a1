package store

import (
	"container/ring"
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sgerhart/netsentry/internal/model"
)

// MemoryStore keeps the most recent findings in a ring buffer and intended
// actions in an LRU. Evicted records are gone.
type MemoryStore struct {
	mu          sync.RWMutex
	findings    *ring.Ring
	index       map[string]*ring.Ring
	actions     *lru.Cache[string, model.IntendedAction]
	maxFindings int
	maxActions  int
	now         func() time.Time
}

// NewMemoryStore creates a new memory store with the given capacities
func NewMemoryStore(maxFindings, maxActions int) (*MemoryStore, error) {
	if maxFindings <= 0 {
		maxFindings = 10_000
	}
	if maxActions <= 0 {
		maxActions = 50_000
	}
	actions, err := lru.New[string, model.IntendedAction](maxActions)
	if err != nil {
		return nil, fmt.Errorf("failed to create action cache: %w", err)
	}
	return &MemoryStore{
		findings:    ring.New(maxFindings),
		index:       make(map[string]*ring.Ring, maxFindings),
		actions:     actions,
		maxFindings: maxFindings,
		maxActions:  maxActions,
		now:         time.Now,
	}, nil
}

// SaveFinding stores f. Saving an existing finding id is a no-op.
func (s *MemoryStore) SaveFinding(_ context.Context, f model.AgentFinding) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.index[f.FindingID]; ok {
		return nil
	}
	if old, ok := s.findings.Value.(model.AgentFinding); ok {
		delete(s.index, old.FindingID)
	}
	s.findings.Value = f
	s.index[f.FindingID] = s.findings
	s.findings = s.findings.Next()
	return nil
}

// GetFinding returns a stored finding
func (s *MemoryStore) GetFinding(_ context.Context, findingID string) (*model.AgentFinding, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.index[findingID]
	if !ok {
		return nil, fmt.Errorf("finding %s: %w", findingID, ErrNotFound)
	}
	f := r.Value.(model.AgentFinding)
	return &f, nil
}

// Findings returns stored findings oldest first
func (s *MemoryStore) Findings() []model.AgentFinding {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.AgentFinding
	s.findings.Do(func(v any) {
		if f, ok := v.(model.AgentFinding); ok {
			out = append(out, f)
		}
	})
	return out
}

// SaveIntendedAction inserts or replaces an action
func (s *MemoryStore) SaveIntendedAction(_ context.Context, a model.IntendedAction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.actions.Peek(a.ActionID); ok {
		if err := checkTransition(a.ActionID, old.Status, a.Status); err != nil {
			return err
		}
	}
	s.actions.Add(a.ActionID, a)
	return nil
}

// UpdateIntendedAction sets the status and, when non-empty, the result of an action
func (s *MemoryStore) UpdateIntendedAction(_ context.Context, actionID string, status model.ActionStatus, result string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.actions.Peek(actionID)
	if !ok {
		return fmt.Errorf("action %s: %w", actionID, ErrNotFound)
	}
	if err := checkTransition(actionID, a.Status, status); err != nil {
		return err
	}
	a.Status = status
	if result != "" {
		a.Result = result
	}
	if status.Terminal() && a.ExecutedAt == nil {
		t := s.now().UTC()
		a.ExecutedAt = &t
	}
	s.actions.Add(actionID, a)
	return nil
}

// ListActions returns the actions of a finding ordered by step
func (s *MemoryStore) ListActions(_ context.Context, findingID string) ([]model.IntendedAction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.IntendedAction
	for _, a := range s.actions.Values() {
		if a.FindingID == findingID {
			out = append(out, a)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].StepIndex < out[j].StepIndex })
	return out, nil
}

// Close is a no-op
func (s *MemoryStore) Close() error { return nil }

// GetStats returns store statistics
func (s *MemoryStore) GetStats() map[string]interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return map[string]interface{}{
		"total_findings": len(s.index),
		"total_actions":  s.actions.Len(),
		"max_findings":   s.maxFindings,
		"max_actions":    s.maxActions,
	}
}
