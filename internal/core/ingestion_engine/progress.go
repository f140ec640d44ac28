package ingestion_engine

import (
	"sync"
	"time"

	"github.com/markdave123-py/Docket/internal/models"
)

// Progress is the polled view of one ingestion.
type Progress struct {
	SourceID  string       `json:"source_id"`
	Phase     models.Phase `json:"phase"`
	UpdatedAt time.Time    `json:"updated_at"`
	Error     string       `json:"error,omitempty"`
}

// ProgressTracker keeps the current phase of every known ingestion in
// memory. Phases only move forward.
type ProgressTracker struct {
	mu    sync.RWMutex
	items map[string]Progress
	now   func() time.Time
}

func NewProgressTracker() *ProgressTracker {
	return &ProgressTracker{items: make(map[string]Progress), now: time.Now}
}

// Reset starts a new ingestion for id at pending, discarding any previous run.
func (t *ProgressTracker) Reset(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.items[id] = Progress{SourceID: id, Phase: models.PhasePending, UpdatedAt: t.now()}
}

// Claim starts a new run for id at pending unless one is already queued or
// running, and reports whether it did.
func (t *ProgressTracker) Claim(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if p, ok := t.items[id]; ok && !p.Phase.Terminal() {
		return false
	}
	t.items[id] = Progress{SourceID: id, Phase: models.PhasePending, UpdatedAt: t.now()}
	return true
}

// Advance moves id to phase and reports whether the move was allowed.
func (t *ProgressTracker) Advance(id string, phase models.Phase) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.items[id]
	if !ok {
		p = Progress{SourceID: id, Phase: models.PhasePending}
	}
	if !p.Phase.CanAdvanceTo(phase) {
		return false
	}
	p.Phase = phase
	p.UpdatedAt = t.now()
	t.items[id] = p
	return true
}

func (t *ProgressTracker) Fail(id string, err error) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.items[id]
	if !ok {
		p = Progress{SourceID: id, Phase: models.PhasePending}
	}
	if !p.Phase.CanAdvanceTo(models.PhaseFailed) {
		return false
	}
	p.Phase = models.PhaseFailed
	p.UpdatedAt = t.now()
	if err != nil {
		p.Error = err.Error()
	}
	t.items[id] = p
	return true
}

func (t *ProgressTracker) Get(id string) (Progress, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.items[id]
	return p, ok
}
