// Package models defines the core data structures shared across the
// incident-to-production pipeline: incidents, analysis results, fix
// proposals, shadow environments, and security reports.
package models

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

// Priority orders incidents from most to least urgent. Lower value wins.
type Priority int

const (
	PriorityP0 Priority = iota
	PriorityP1
	PriorityP2
	PriorityP3
	PriorityP4
)

func (p Priority) String() string {
	switch p {
	case PriorityP0:
		return "P0"
	case PriorityP1:
		return "P1"
	case PriorityP2:
		return "P2"
	case PriorityP3:
		return "P3"
	default:
		return "P4"
	}
}

// Higher reports whether p is more urgent than other.
func (p Priority) Higher(other Priority) bool {
	return p < other
}

// IncidentState tracks an incident through its lifecycle.
type IncidentState string

const (
	StateCreated          IncidentState = "created"
	StateQueued           IncidentState = "queued"
	StateClaimed          IncidentState = "claimed"
	StateAnalyzing        IncidentState = "analyzing"
	StateAwaitingApproval IncidentState = "awaiting_approval"
	StateApplying         IncidentState = "applying"
	StateResolved         IncidentState = "resolved"
	StateRejected         IncidentState = "rejected"
	StateFailed           IncidentState = "failed"
)

// Terminal reports whether the state ends the incident lifecycle.
func (s IncidentState) Terminal() bool {
	switch s {
	case StateResolved, StateRejected, StateFailed:
		return true
	}
	return false
}

// Active reports whether the incident holds its correlation key lock.
// At most one incident per correlation key may be in an active state.
func (s IncidentState) Active() bool {
	switch s {
	case StateClaimed, StateAnalyzing, StateAwaitingApproval, StateApplying:
		return true
	}
	return false
}

// TriggerSignal identifies what the watcher observed.
type TriggerSignal string

const (
	TriggerPhaseTransition  TriggerSignal = "phase_transition"
	TriggerReplicaShortfall TriggerSignal = "replica_shortfall"
	TriggerProbeFailure     TriggerSignal = "probe_failure"
	TriggerOOMKill          TriggerSignal = "oom_kill"
	TriggerManual           TriggerSignal = "manual"
)

// ResourceRef identifies a cluster resource.
type ResourceRef struct {
	Kind      string `json:"kind"`
	Name      string `json:"name"`
	Namespace string `json:"namespace"`
}

func (r ResourceRef) String() string {
	return r.Namespace + "/" + strings.ToLower(r.Kind) + "/" + r.Name
}

// Incident is the atomic unit of work flowing through the pipeline.
type Incident struct {
	ID             string        `json:"id"`
	CorrelationKey string        `json:"correlation_key"`
	Priority       Priority      `json:"priority"`
	Severity       string        `json:"severity"`
	Resource       ResourceRef   `json:"resource"`
	Trigger        TriggerSignal `json:"trigger"`
	State          IncidentState `json:"state"`
	Occurrences    int           `json:"occurrences"`
	DetectedAt     time.Time     `json:"detected_at"`
	LastSeenAt     time.Time     `json:"last_seen_at"`
	RawContext     string        `json:"raw_context,omitempty"`
	Error          string        `json:"error,omitempty"`
}

// NewIncidentID returns a lexicographically sortable incident ID.
func NewIncidentID() string {
	return "inc-" + strings.ToLower(ulid.MustNew(ulid.Timestamp(time.Now()), rand.Reader).String())
}

// CorrelationKey hashes (namespace, kind, name) into the stable identity
// used for deduplication and the per-key analysis lock.
func CorrelationKey(ref ResourceRef) string {
	payload := strings.TrimSpace(ref.Namespace) + "|" + strings.ToLower(strings.TrimSpace(ref.Kind)) + "|" + strings.TrimSpace(ref.Name)
	sum := sha256.Sum256([]byte(payload))
	return hex.EncodeToString(sum[:16])
}

// DiagnosticFinding is one normalized result from the diagnostic tool.
type DiagnosticFinding struct {
	Kind      string   `json:"kind"`
	Name      string   `json:"name"`
	Namespace string   `json:"namespace"`
	Errors    []string `json:"errors"`
	Parent    string   `json:"parent,omitempty"`
}

// FaultContext is the immutable diagnostic bundle attached to an incident.
type FaultContext struct {
	Resource  ResourceRef         `json:"resource"`
	Findings  []DiagnosticFinding `json:"findings"`
	LogTail   []string            `json:"log_tail,omitempty"`
	Events    []string            `json:"events,omitempty"`
	Manifest  string              `json:"manifest,omitempty"`
	Errors    []string            `json:"errors,omitempty"`
	Raw       []byte              `json:"raw,omitempty"`
	Collected time.Time           `json:"collected"`
}
