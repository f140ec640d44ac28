package models

// Phase is a step of an ingestion as seen by a polling caller.
type Phase string

const (
	PhasePending     Phase = "pending"
	PhaseClassifying Phase = "classifying"
	PhaseExtracting  Phase = "extracting"
	PhaseChunking    Phase = "chunking"
	PhaseEmbedding   Phase = "embedding"
	PhaseStoring     Phase = "storing"
	PhaseComplete    Phase = "complete"
	PhaseFailed      Phase = "failed"
)

var phaseOrder = map[Phase]int{
	PhasePending:     0,
	PhaseClassifying: 1,
	PhaseExtracting:  2,
	PhaseChunking:    3,
	PhaseEmbedding:   4,
	PhaseStoring:     5,
	PhaseComplete:    6,
	PhaseFailed:      6,
}

// Terminal reports whether no further transition is allowed.
func (p Phase) Terminal() bool {
	return p == PhaseComplete || p == PhaseFailed
}

// CanAdvanceTo reports whether moving from p to next keeps phases monotonic.
// Failed is reachable from any non-terminal phase.
func (p Phase) CanAdvanceTo(next Phase) bool {
	if p.Terminal() {
		return false
	}
	cur, ok := phaseOrder[p]
	if !ok {
		return false
	}
	n, ok := phaseOrder[next]
	if !ok {
		return false
	}
	if next == PhaseFailed {
		return true
	}
	return n > cur
}
