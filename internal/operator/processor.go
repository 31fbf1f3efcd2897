// Package operator runs the autonomous loop: watchers stage incidents,
// the processor drains them through analysis, shadow verification, the
// approval gate, and the apply-with-rollback-watch sequence.
package operator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/aegis-sre/aegis/internal/config"
	"github.com/aegis-sre/aegis/internal/diagnostics"
	aegiserrors "github.com/aegis-sre/aegis/internal/errors"
	"github.com/aegis-sre/aegis/internal/logging"
	"github.com/aegis-sre/aegis/internal/metrics"
	"github.com/aegis-sre/aegis/internal/models"
	"github.com/aegis-sre/aegis/internal/pipeline"
	"github.com/aegis-sre/aegis/internal/queue"
	"github.com/aegis-sre/aegis/internal/security"
	"github.com/aegis-sre/aegis/internal/shadow"
)

const productionLockBackoff = 10 * time.Second

// Processor drains the incident queue through the full pipeline.
type Processor struct {
	cfg       *config.Config
	queue     *queue.Queue
	collector *diagnostics.Collector
	pipeline  *pipeline.Pipeline
	shadows   *shadow.Manager
	chain     *security.Chain
	applier   *Applier
	rollback  *RollbackWatcher
	approval  *ApprovalGate
	metrics   *metrics.Set

	mu         sync.Mutex
	lockHolder string
	states     map[string]*models.PipelineState
}

// NewProcessor wires the pipeline components together.
func NewProcessor(
	cfg *config.Config,
	q *queue.Queue,
	collector *diagnostics.Collector,
	pl *pipeline.Pipeline,
	shadows *shadow.Manager,
	chain *security.Chain,
	applier *Applier,
	rollback *RollbackWatcher,
	approval *ApprovalGate,
	m *metrics.Set,
) *Processor {
	return &Processor{
		cfg:       cfg,
		queue:     q,
		collector: collector,
		pipeline:  pl,
		shadows:   shadows,
		chain:     chain,
		applier:   applier,
		rollback:  rollback,
		approval:  approval,
		metrics:   m,
		states:    make(map[string]*models.PipelineState),
	}
}

// Run starts the worker pool and blocks until the context ends.
func (p *Processor) Run(ctx context.Context) error {
	group, ctx := errgroup.WithContext(ctx)
	for i := 0; i < p.cfg.Operator.Workers; i++ {
		group.Go(func() error {
			p.workerLoop(ctx)
			return nil
		})
	}
	return group.Wait()
}

func (p *Processor) workerLoop(ctx context.Context) {
	for ctx.Err() == nil {
		incident := p.queue.Dequeue(ctx, p.cfg.Operator.DequeueTimeout)
		if incident == nil {
			continue
		}

		// The queue already skips production incidents while locked; this
		// handles the race where the lock engaged between the skip check
		// and the claim.
		if p.queue.IsProductionLocked() &&
			p.cfg.IsProductionNamespace(incident.Resource.Namespace) &&
			p.lockHolderID() != incident.ID {
			_ = p.queue.Nack(incident.ID)
			select {
			case <-ctx.Done():
				return
			case <-time.After(productionLockBackoff):
			}
			continue
		}

		p.process(ctx, incident)
	}
}

func (p *Processor) process(ctx context.Context, incident *models.Incident) {
	logger := logging.WithIncident(log.Logger, incident.ID, incident.CorrelationKey)
	logger.Info().Str("resource", incident.Resource.String()).Str("priority", incident.Priority.String()).Msg("Processing incident")

	incident.State = models.StateAnalyzing
	fc := p.collector.Collect(ctx, incident)
	state := p.pipeline.Run(ctx, incident, fc)
	p.storeState(incident.ID, state)

	if state.Error != "" {
		p.finish(incident, models.StateFailed, state.Error)
		return
	}

	// A critical diagnosis freezes other production work until this
	// incident leaves the pipeline.
	if state.RCAResult.Severity == models.SeverityCritical {
		p.engageLock(incident.ID)
		defer p.releaseLock(incident.ID)
	}

	if state.FixProposal.Kind == models.FixManual {
		p.finish(incident, models.StateRejected, "manual remediation required: "+state.FixProposal.Description)
		return
	}

	passed, err := p.verifyInShadow(ctx, incident, state)
	if err != nil {
		p.finish(incident, models.StateFailed, err.Error())
		return
	}
	if !passed {
		p.finish(incident, models.StateRejected, "shadow verification failed")
		return
	}

	incident.State = models.StateAwaitingApproval
	approved, err := p.approval.Approve(incident, state)
	if err != nil {
		p.finish(incident, models.StateFailed, "approval gate error: "+err.Error())
		return
	}
	if !approved {
		p.finish(incident, models.StateRejected, "operator rejected the fix")
		return
	}

	incident.State = models.StateApplying
	baseline := p.rollback.Baseline(ctx, incident)
	snapshot, err := p.applier.Apply(ctx, incident, state.FixProposal)
	if err != nil {
		p.finish(incident, models.StateFailed, "apply failed: "+err.Error())
		return
	}
	logger.Info().Float64("error_rate_baseline", baseline).Msg("Fix applied; entering rollback window")

	if rolledBack := p.rollback.Watch(ctx, incident, snapshot, baseline); rolledBack {
		p.finish(incident, models.StateFailed, "fix rolled back during the post-apply window")
		return
	}

	p.finish(incident, models.StateResolved, "")
}

// Shadow verification retry policy: transient failures get up to three
// attempts, each in a freshly created environment, with exponential
// back-off between them. Vars so tests can shorten the waits.
var (
	verifyAttempts = 3
	verifyBackoff  = []time.Duration{10 * time.Second, 30 * time.Second, 90 * time.Second}
)

// verifyInShadow drives the shadow lifecycle for one incident. A failed
// attempt tears its environment down before the next one starts, so no
// state leaks between attempts.
func (p *Processor) verifyInShadow(ctx context.Context, incident *models.Incident, state *models.PipelineState) (bool, error) {
	var lastErr error
	for attempt := 1; attempt <= verifyAttempts; attempt++ {
		if attempt > 1 {
			p.metrics.RecordShadowRetry("verify_failure", attempt)
			log.Warn().
				Err(lastErr).
				Str("incident_id", incident.ID).
				Int("attempt", attempt).
				Msg("Retrying shadow verification in a fresh environment")
		}

		passed, retryable, err := p.verifyOnce(ctx, incident, state)
		if err == nil {
			return passed, nil
		}
		lastErr = err
		if !retryable || attempt == verifyAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(verifyBackoff[attempt-1]):
		}
	}
	return false, lastErr
}

// verifyOnce owns one environment: create, verify, and always clean up.
func (p *Processor) verifyOnce(ctx context.Context, incident *models.Incident, state *models.PipelineState) (passed, retryable bool, err error) {
	env, err := p.shadows.Create(ctx, incident.Resource)
	if err != nil {
		return false, ctx.Err() == nil, fmt.Errorf("shadow create: %w", err)
	}
	state.ShadowEnvID = env.ID
	defer p.shadows.Cleanup(env.ID)

	report, passed, err := p.shadows.Verify(ctx, env.ID, state.FixProposal, state.VerificationPlan, p.currentChain())
	state.SecurityReport = report
	state.ShadowPassed = &passed
	if updated, ok := p.shadows.Get(env.ID); ok {
		state.ShadowLogs = updated.Logs
	}
	if err != nil {
		// Security blocks and unsupported changes are deterministic; a
		// fresh environment cannot change the verdict.
		retryable = ctx.Err() == nil &&
			!errors.Is(err, aegiserrors.ErrSecurityBlocked) &&
			!errors.Is(err, aegiserrors.ErrUnsupportedChange)
		return false, retryable, fmt.Errorf("shadow verify: %w", err)
	}
	return passed, false, nil
}

func (p *Processor) finish(incident *models.Incident, state models.IncidentState, errMsg string) {
	incident.Error = errMsg
	if err := p.queue.Acknowledge(incident.ID, state); err != nil {
		log.Error().Err(err).Str("incident_id", incident.ID).Msg("Incident acknowledge failed")
	}
	event := log.Info()
	if state != models.StateResolved {
		event = log.Warn()
	}
	event.
		Str("incident_id", incident.ID).
		Str("state", string(state)).
		Str("error", errMsg).
		Msg("Incident finished")
}

func (p *Processor) engageLock(incidentID string) {
	p.mu.Lock()
	holder := p.lockHolder
	if holder == "" {
		p.lockHolder = incidentID
	}
	p.mu.Unlock()
	if holder == "" {
		p.queue.LockProduction()
	}
}

func (p *Processor) releaseLock(incidentID string) {
	p.mu.Lock()
	held := p.lockHolder == incidentID
	if held {
		p.lockHolder = ""
	}
	p.mu.Unlock()
	if held {
		p.queue.UnlockProduction()
	}
}

func (p *Processor) lockHolderID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lockHolder
}

func (p *Processor) storeState(incidentID string, state *models.PipelineState) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.states[incidentID] = state
}

// SetChain swaps the security chain, used when runtime configuration
// reloads scanner toggles.
func (p *Processor) SetChain(chain *security.Chain) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.chain = chain
}

func (p *Processor) currentChain() *security.Chain {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.chain
}

// StateFor returns the pipeline state recorded for an incident.
func (p *Processor) StateFor(incidentID string) (*models.PipelineState, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	state, ok := p.states[incidentID]
	return state, ok
}
