package models

import "time"

// ShadowStatus tracks a shadow environment through its lifecycle. Status
// only moves forward in declaration order; failed and destroyed are
// terminal.
type ShadowStatus string

const (
	ShadowPending   ShadowStatus = "pending"
	ShadowCreating  ShadowStatus = "creating"
	ShadowReady     ShadowStatus = "ready"
	ShadowTesting   ShadowStatus = "testing"
	ShadowFailed    ShadowStatus = "failed"
	ShadowCleaning  ShadowStatus = "cleaning"
	ShadowDestroyed ShadowStatus = "destroyed"
)

var shadowStatusOrder = map[ShadowStatus]int{
	ShadowPending:   0,
	ShadowCreating:  1,
	ShadowReady:     2,
	ShadowTesting:   3,
	ShadowFailed:    4,
	ShadowCleaning:  5,
	ShadowDestroyed: 6,
}

// Terminal reports whether the status is absorbing.
func (s ShadowStatus) Terminal() bool {
	return s == ShadowFailed || s == ShadowDestroyed
}

// CanTransition reports whether moving from s to next is a legal forward
// transition.
func (s ShadowStatus) CanTransition(next ShadowStatus) bool {
	if s.Terminal() {
		return false
	}
	from, ok := shadowStatusOrder[s]
	if !ok {
		return false
	}
	to, ok := shadowStatusOrder[next]
	if !ok {
		return false
	}
	return to > from
}

// ShadowEnvironment is an isolated, ephemeral clone of a workload used to
// exercise a candidate fix. It is owned exclusively by the shadow manager
// until destroyed.
type ShadowEnvironment struct {
	ID          string                 `json:"id"`
	Namespace   string                 `json:"namespace"`
	SourceNS    string                 `json:"source_ns"`
	SourceName  string                 `json:"source_name"`
	SourceKind  string                 `json:"source_kind"`
	Status      ShadowStatus           `json:"status"`
	CreatedAt   time.Time              `json:"created_at"`
	HealthScore float64                `json:"health_score"`
	Logs        []string               `json:"logs,omitempty"`
	Error       string                 `json:"error,omitempty"`
	TestResults map[string]interface{} `json:"test_results,omitempty"`
}
