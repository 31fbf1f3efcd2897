package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	aegiserrors "github.com/aegis-sre/aegis/internal/errors"
	"github.com/aegis-sre/aegis/internal/models"
)

func testIncident(kind, name, ns string, priority models.Priority) *models.Incident {
	return &models.Incident{
		Priority: priority,
		Severity: models.SeverityHigh,
		Resource: models.ResourceRef{Kind: kind, Name: name, Namespace: ns},
		Trigger:  models.TriggerPhaseTransition,
	}
}

func mustDequeue(t *testing.T, q *Queue) *models.Incident {
	t.Helper()
	incident := q.Dequeue(context.Background(), 100*time.Millisecond)
	if incident == nil {
		t.Fatal("expected an incident, got nil")
	}
	return incident
}

func TestEnqueueDequeuePriorityOrder(t *testing.T) {
	q := New(16, time.Minute, nil, nil)

	if _, err := q.Enqueue(testIncident("Deployment", "low", "default", models.PriorityP3)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := q.Enqueue(testIncident("Deployment", "high", "default", models.PriorityP0)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := q.Enqueue(testIncident("Deployment", "mid", "default", models.PriorityP1)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	for _, want := range []string{"high", "mid", "low"} {
		got := mustDequeue(t, q)
		if got.Resource.Name != want {
			t.Fatalf("dequeue order: got %s, want %s", got.Resource.Name, want)
		}
		if got.State != models.StateClaimed {
			t.Fatalf("dequeued incident state = %s, want %s", got.State, models.StateClaimed)
		}
	}
}

func TestDequeueFIFOWithinPriority(t *testing.T) {
	q := New(16, time.Minute, nil, nil)
	for _, name := range []string{"a", "b", "c"} {
		if _, err := q.Enqueue(testIncident("Deployment", name, "default", models.PriorityP1)); err != nil {
			t.Fatalf("enqueue %s: %v", name, err)
		}
	}
	for _, want := range []string{"a", "b", "c"} {
		if got := mustDequeue(t, q).Resource.Name; got != want {
			t.Fatalf("got %s, want %s", got, want)
		}
	}
}

func TestEnqueueMergesDuplicates(t *testing.T) {
	q := New(16, time.Minute, nil, nil)

	id1, err := q.Enqueue(testIncident("Deployment", "web", "default", models.PriorityP2))
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	id2, err := q.Enqueue(testIncident("Deployment", "web", "default", models.PriorityP2))
	if err != nil {
		t.Fatalf("enqueue duplicate: %v", err)
	}
	if id1 != id2 {
		t.Fatalf("duplicate got id %s, want merged into %s", id2, id1)
	}

	merged, ok := q.Get(id1)
	if !ok {
		t.Fatal("merged incident not found")
	}
	if merged.Occurrences != 2 {
		t.Fatalf("occurrences = %d, want 2", merged.Occurrences)
	}

	// Only one entry is claimable.
	if mustDequeue(t, q).ID != id1 {
		t.Fatal("dequeued wrong incident")
	}
	if got := q.Dequeue(context.Background(), 60*time.Millisecond); got != nil {
		t.Fatalf("expected empty queue, dequeued %s", got.ID)
	}
}

func TestMergePromotesPriority(t *testing.T) {
	q := New(16, time.Minute, nil, nil)

	if _, err := q.Enqueue(testIncident("Deployment", "other", "default", models.PriorityP1)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	id, err := q.Enqueue(testIncident("Deployment", "web", "default", models.PriorityP2))
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	// The duplicate arrives at a higher urgency and must promote the
	// open incident ahead of the P1.
	if _, err := q.Enqueue(testIncident("Deployment", "web", "default", models.PriorityP0)); err != nil {
		t.Fatalf("enqueue duplicate: %v", err)
	}

	got := mustDequeue(t, q)
	if got.ID != id || got.Priority != models.PriorityP0 {
		t.Fatalf("got %s at %s, want %s at P0", got.ID, got.Priority, id)
	}
}

func TestMergeHoldsWhileIncidentActive(t *testing.T) {
	// Zero-ish merge window: merging still applies because the earlier
	// incident is open, so two parallel analyses of one fault can never
	// start.
	q := New(16, time.Nanosecond, nil, nil)

	id1, err := q.Enqueue(testIncident("Deployment", "web", "default", models.PriorityP2))
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	claimed := mustDequeue(t, q)
	if claimed.ID != id1 {
		t.Fatalf("claimed %s, want %s", claimed.ID, id1)
	}

	time.Sleep(2 * time.Millisecond)
	id2, err := q.Enqueue(testIncident("Deployment", "web", "default", models.PriorityP2))
	if err != nil {
		t.Fatalf("enqueue duplicate: %v", err)
	}
	if id2 != id1 {
		t.Fatalf("duplicate of claimed incident got %s, want merge into %s", id2, id1)
	}
}

func TestEnqueueQueueFull(t *testing.T) {
	q := New(2, time.Minute, nil, nil)

	if _, err := q.Enqueue(testIncident("Deployment", "a", "default", models.PriorityP2)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := q.Enqueue(testIncident("Deployment", "b", "default", models.PriorityP2)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	_, err := q.Enqueue(testIncident("Deployment", "c", "default", models.PriorityP2))
	if !errors.Is(err, aegiserrors.ErrQueueFull) {
		t.Fatalf("err = %v, want ErrQueueFull", err)
	}

	// A duplicate of an existing incident still merges at capacity.
	if _, err := q.Enqueue(testIncident("Deployment", "a", "default", models.PriorityP2)); err != nil {
		t.Fatalf("merge at capacity: %v", err)
	}
}

func TestProductionLockSkipsProductionIncidents(t *testing.T) {
	isProd := func(ns string) bool { return ns == "production" }
	q := New(16, time.Minute, isProd, nil)

	if _, err := q.Enqueue(testIncident("Deployment", "prod-web", "production", models.PriorityP0)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := q.Enqueue(testIncident("Deployment", "dev-web", "dev", models.PriorityP2)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	q.LockProduction()
	if !q.IsProductionLocked() {
		t.Fatal("lock not engaged")
	}

	// The P0 is production and must be held; the P2 comes out instead.
	if got := mustDequeue(t, q).Resource.Name; got != "dev-web" {
		t.Fatalf("got %s, want dev-web while locked", got)
	}
	if got := q.Dequeue(context.Background(), 60*time.Millisecond); got != nil {
		t.Fatalf("production incident leaked through lock: %s", got.Resource.Name)
	}

	q.UnlockProduction()
	if got := mustDequeue(t, q).Resource.Name; got != "prod-web" {
		t.Fatalf("got %s, want prod-web after unlock", got)
	}
}

func TestAcknowledgeRetiresCorrelationKey(t *testing.T) {
	q := New(16, time.Minute, nil, nil)

	incident := testIncident("Deployment", "web", "default", models.PriorityP2)
	id, err := q.Enqueue(incident)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	key := incident.CorrelationKey
	if !q.IsKeyActive(key) {
		t.Fatal("key should be active while queued")
	}

	mustDequeue(t, q)
	if err := q.Acknowledge(id, models.StateResolved); err != nil {
		t.Fatalf("acknowledge: %v", err)
	}
	if q.IsKeyActive(key) {
		t.Fatal("key still active after acknowledge")
	}

	// Same fault again starts a fresh incident.
	id2, err := q.Enqueue(testIncident("Deployment", "web", "default", models.PriorityP2))
	if err != nil {
		t.Fatalf("re-enqueue: %v", err)
	}
	if id2 == id {
		t.Fatal("retired incident was reused")
	}

	// The resolved incident stays readable from history.
	retired, ok := q.Get(id)
	if !ok || retired.State != models.StateResolved {
		t.Fatalf("history lookup: ok=%v state=%v", ok, retired)
	}
}

func TestAcknowledgeRejectsNonTerminalState(t *testing.T) {
	q := New(16, time.Minute, nil, nil)
	id, _ := q.Enqueue(testIncident("Deployment", "web", "default", models.PriorityP2))
	if err := q.Acknowledge(id, models.StateAnalyzing); err == nil {
		t.Fatal("expected error acknowledging with non-terminal state")
	}
}

func TestNackRequeues(t *testing.T) {
	q := New(16, time.Minute, nil, nil)
	id, _ := q.Enqueue(testIncident("Deployment", "web", "default", models.PriorityP2))

	claimed := mustDequeue(t, q)
	if claimed.ID != id {
		t.Fatalf("claimed %s, want %s", claimed.ID, id)
	}
	if err := q.Nack(id); err != nil {
		t.Fatalf("nack: %v", err)
	}

	again := mustDequeue(t, q)
	if again.ID != id {
		t.Fatalf("re-dequeued %s, want %s", again.ID, id)
	}
}

func TestDequeueTimesOut(t *testing.T) {
	q := New(16, time.Minute, nil, nil)
	start := time.Now()
	if got := q.Dequeue(context.Background(), 80*time.Millisecond); got != nil {
		t.Fatalf("expected nil, got %s", got.ID)
	}
	if elapsed := time.Since(start); elapsed < 60*time.Millisecond {
		t.Fatalf("returned too early: %s", elapsed)
	}
}

func TestDequeueRespectsContext(t *testing.T) {
	q := New(16, time.Minute, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if got := q.Dequeue(ctx, time.Second); got != nil {
		t.Fatalf("expected nil on cancelled context, got %s", got.ID)
	}
}

func TestSnapshotDepths(t *testing.T) {
	q := New(16, time.Minute, nil, nil)
	q.Enqueue(testIncident("Deployment", "a", "default", models.PriorityP0))
	q.Enqueue(testIncident("Deployment", "b", "default", models.PriorityP0))
	q.Enqueue(testIncident("Deployment", "c", "default", models.PriorityP3))

	depths := q.Snapshot()
	if depths["P0"] != 2 || depths["P3"] != 1 || depths["P1"] != 0 {
		t.Fatalf("unexpected depths: %v", depths)
	}

	mustDequeue(t, q)
	depths = q.Snapshot()
	if depths["P0"] != 1 {
		t.Fatalf("P0 depth after dequeue = %d, want 1", depths["P0"])
	}
}
