// Package queue is the bounded, priority-ordered, deduplicated staging
// area for detected incidents, and the home of the cluster-wide
// production lock.
package queue

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	aegiserrors "github.com/aegis-sre/aegis/internal/errors"
	"github.com/aegis-sre/aegis/internal/metrics"
	"github.com/aegis-sre/aegis/internal/models"
)

const historyLimit = 256

type entry struct {
	incident *models.Incident
	seq      uint64
	index    int // heap index; -1 when claimed or done
}

type incidentHeap []*entry

func (h incidentHeap) Len() int { return len(h) }

func (h incidentHeap) Less(i, j int) bool {
	if h[i].incident.Priority == h[j].incident.Priority {
		return h[i].seq < h[j].seq
	}
	return h[i].incident.Priority < h[j].incident.Priority
}

func (h incidentHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *incidentHeap) Push(x interface{}) {
	e := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *incidentHeap) Pop() interface{} {
	old := *h
	n := len(old)
	if n == 0 {
		return nil
	}
	e := old[n-1]
	e.index = -1
	*h = old[:n-1]
	return e
}

// Queue is the mutex-protected incident staging structure. It is
// ephemeral by design: on restart it is rebuilt from what the watchers
// still observe.
type Queue struct {
	mu           sync.Mutex
	heap         incidentHeap
	byID         map[string]*entry // every non-terminal incident
	byKey        map[string]*entry // correlation key -> open incident
	history      []*models.Incident
	capacity     int
	mergeWindow  time.Duration
	seq          uint64
	prodLocked   bool
	isProduction func(string) bool
	metrics      *metrics.Set
}

// New constructs a queue. isProduction classifies namespaces for the
// production lock; nil means no namespace is production.
func New(capacity int, mergeWindow time.Duration, isProduction func(string) bool, m *metrics.Set) *Queue {
	if capacity <= 0 {
		capacity = 256
	}
	if mergeWindow <= 0 {
		mergeWindow = 300 * time.Second
	}
	if isProduction == nil {
		isProduction = func(string) bool { return false }
	}
	q := &Queue{
		heap:         make(incidentHeap, 0),
		byID:         make(map[string]*entry),
		byKey:        make(map[string]*entry),
		capacity:     capacity,
		mergeWindow:  mergeWindow,
		isProduction: isProduction,
		metrics:      m,
	}
	heap.Init(&q.heap)
	return q
}

// Enqueue stages an incident. An open incident with the same correlation
// key absorbs the new one: its occurrence counter increments, its
// priority is promoted to the higher of the two, and the existing id is
// returned. The merge also holds beyond the merge window while the
// earlier incident is still open, because two parallel analyses of the
// same fault are never allowed.
func (q *Queue) Enqueue(incident *models.Incident) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if incident.CorrelationKey == "" {
		incident.CorrelationKey = models.CorrelationKey(incident.Resource)
	}
	now := time.Now()

	if existing, ok := q.byKey[incident.CorrelationKey]; ok {
		existing.incident.Occurrences++
		existing.incident.LastSeenAt = now
		if incident.Priority.Higher(existing.incident.Priority) {
			existing.incident.Priority = incident.Priority
			if existing.index >= 0 {
				heap.Fix(&q.heap, existing.index)
			}
		}
		withinWindow := now.Sub(existing.incident.DetectedAt) <= q.mergeWindow
		log.Debug().
			Str("incident_id", existing.incident.ID).
			Str("correlation_key", incident.CorrelationKey).
			Int("occurrences", existing.incident.Occurrences).
			Bool("within_merge_window", withinWindow).
			Msg("Merged duplicate incident")
		q.updateDepthLocked()
		return existing.incident.ID, nil
	}

	if len(q.byID) >= q.capacity {
		return "", aegiserrors.ErrQueueFull
	}

	if incident.ID == "" {
		incident.ID = models.NewIncidentID()
	}
	if incident.DetectedAt.IsZero() {
		incident.DetectedAt = now
	}
	incident.LastSeenAt = now
	if incident.Occurrences == 0 {
		incident.Occurrences = 1
	}
	incident.State = models.StateQueued

	q.seq++
	e := &entry{incident: incident, seq: q.seq}
	heap.Push(&q.heap, e)
	q.byID[incident.ID] = e
	q.byKey[incident.CorrelationKey] = e
	q.updateDepthLocked()
	return incident.ID, nil
}

// Dequeue blocks up to timeout for the highest-priority claimable
// incident (FIFO within a priority). While the production lock is held,
// incidents in production namespaces are skipped. Returns nil on
// timeout or context cancellation.
func (q *Queue) Dequeue(ctx context.Context, timeout time.Duration) *models.Incident {
	deadline := time.Now().Add(timeout)
	for {
		if incident := q.tryDequeue(); incident != nil {
			return incident
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil
		}
		wait := 50 * time.Millisecond
		if wait > remaining {
			wait = remaining
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
	}
}

func (q *Queue) tryDequeue() *models.Incident {
	q.mu.Lock()
	defer q.mu.Unlock()

	// The heap root may be skipped while the production lock is held, so
	// pop into a scratch list and restore the skipped entries.
	var skipped []*entry
	defer func() {
		for _, e := range skipped {
			heap.Push(&q.heap, e)
		}
	}()

	for q.heap.Len() > 0 {
		e := heap.Pop(&q.heap).(*entry)
		if q.prodLocked && q.isProduction(e.incident.Resource.Namespace) {
			skipped = append(skipped, e)
			continue
		}
		e.incident.State = models.StateClaimed
		q.updateDepthLocked()
		return e.incident
	}
	return nil
}

// Acknowledge moves an incident to a terminal state and retires its
// correlation key.
func (q *Queue) Acknowledge(id string, state models.IncidentState) error {
	if !state.Terminal() {
		return aegiserrors.WrapValidation("acknowledge", aegiserrors.ErrInvalidInput)
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.byID[id]
	if !ok {
		return aegiserrors.ErrNotFound
	}
	e.incident.State = state
	if e.index >= 0 {
		heap.Remove(&q.heap, e.index)
	}
	delete(q.byID, id)
	delete(q.byKey, e.incident.CorrelationKey)
	q.history = append(q.history, e.incident)
	if len(q.history) > historyLimit {
		q.history = q.history[len(q.history)-historyLimit:]
	}
	q.updateDepthLocked()
	return nil
}

// Nack returns a claimed incident to the queue.
func (q *Queue) Nack(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.byID[id]
	if !ok {
		return aegiserrors.ErrNotFound
	}
	if e.index >= 0 {
		// Already queued; nothing to do.
		return nil
	}
	e.incident.State = models.StateQueued
	q.seq++
	e.seq = q.seq
	heap.Push(&q.heap, e)
	q.updateDepthLocked()
	return nil
}

// LockProduction suspends dequeue of production-namespace incidents.
// Idempotent.
func (q *Queue) LockProduction() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.prodLocked {
		q.prodLocked = true
		log.Warn().Msg("Production lock engaged; production incidents held")
	}
}

// UnlockProduction releases the production lock. Idempotent.
func (q *Queue) UnlockProduction() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.prodLocked {
		q.prodLocked = false
		log.Info().Msg("Production lock released")
	}
}

// IsProductionLocked reports the lock state.
func (q *Queue) IsProductionLocked() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.prodLocked
}

// IsKeyActive reports whether an incident with the correlation key is
// open, which holds the per-key analysis lock.
func (q *Queue) IsKeyActive(correlationKey string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.byKey[correlationKey]
	return ok
}

// Get returns an open or recently retired incident by id.
func (q *Queue) Get(id string) (*models.Incident, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if e, ok := q.byID[id]; ok {
		clone := *e.incident
		return &clone, true
	}
	for i := len(q.history) - 1; i >= 0; i-- {
		if q.history[i].ID == id {
			clone := *q.history[i]
			return &clone, true
		}
	}
	return nil, false
}

// List returns copies of all open incidents plus retained history,
// newest first.
func (q *Queue) List() []*models.Incident {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*models.Incident, 0, len(q.byID)+len(q.history))
	for _, e := range q.byID {
		clone := *e.incident
		out = append(out, &clone)
	}
	for i := len(q.history) - 1; i >= 0; i-- {
		clone := *q.history[i]
		out = append(out, &clone)
	}
	return out
}

// Snapshot returns the queued depth per priority.
func (q *Queue) Snapshot() map[string]int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.snapshotLocked()
}

func (q *Queue) snapshotLocked() map[string]int {
	depths := map[string]int{
		models.PriorityP0.String(): 0,
		models.PriorityP1.String(): 0,
		models.PriorityP2.String(): 0,
		models.PriorityP3.String(): 0,
		models.PriorityP4.String(): 0,
	}
	for _, e := range q.heap {
		depths[e.incident.Priority.String()]++
	}
	return depths
}

func (q *Queue) updateDepthLocked() {
	q.metrics.UpdateQueueDepth(q.snapshotLocked())
}
