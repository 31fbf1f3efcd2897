// Package shadow owns the lifecycle of shadow environments: isolated,
// quota-bounded clones of a faulty workload where candidate fixes are
// exercised and scored before anything touches the real cluster.
package shadow

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/aegis-sre/aegis/internal/config"
	aegiserrors "github.com/aegis-sre/aegis/internal/errors"
	"github.com/aegis-sre/aegis/internal/logging"
	"github.com/aegis-sre/aegis/internal/metrics"
	"github.com/aegis-sre/aegis/internal/models"
	"github.com/aegis-sre/aegis/internal/security"
)

// healthPassThreshold is the minimum average health score a shadow run
// must sustain to pass verification.
const healthPassThreshold = 0.8

const provisionAttempts = 2

// healthSampleInterval is a var so tests can shorten the polling loop.
var healthSampleInterval = 5 * time.Second

// Manager creates, verifies, and destroys shadow environments. At most
// cfg.MaxConcurrent environments exist at once; Create blocks until a
// slot frees up or the context ends.
type Manager struct {
	cfg     config.ShadowConfig
	runtime Runtime
	metrics *metrics.Set
	sem     chan struct{}

	mu       sync.Mutex
	envs     map[string]*models.ShadowEnvironment
	released map[string]bool
}

// NewManager builds a manager over the given runtime.
func NewManager(cfg config.ShadowConfig, runtime Runtime, m *metrics.Set) *Manager {
	maxConcurrent := cfg.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = 3
	}
	return &Manager{
		cfg:      cfg,
		runtime:  runtime,
		metrics:  m,
		sem:      make(chan struct{}, maxConcurrent),
		envs:     make(map[string]*models.ShadowEnvironment),
		released: make(map[string]bool),
	}
}

// Create provisions a shadow environment cloning the given workload.
// Transient provisioning failures get one retry in a fresh namespace;
// the partial first attempt is torn down before retrying.
func (m *Manager) Create(ctx context.Context, ref models.ResourceRef) (*models.ShadowEnvironment, error) {
	select {
	case m.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	env := m.register(ref)
	logger := logging.WithShadow(log.Logger, env.ID)

	var lastErr error
	for attempt := 1; attempt <= provisionAttempts; attempt++ {
		if attempt > 1 {
			// Fresh namespace per attempt so a stuck Terminating namespace
			// cannot wedge the retry.
			m.teardownQuietly(env)
			env.Namespace = m.namespaceFor(ref)
			m.metrics.RecordShadowRetry("provision_failure", attempt)
			logger.Warn().Err(lastErr).Int("attempt", attempt).Str("namespace", env.Namespace).Msg("Retrying shadow provisioning")
		}

		m.setStatus(env, models.ShadowCreating)
		if err := m.runtime.Provision(ctx, env); err != nil {
			lastErr = err
			if ctx.Err() != nil {
				break
			}
			continue
		}

		m.setStatus(env, models.ShadowReady)
		m.updateActiveGauge()
		logger.Info().Str("namespace", env.Namespace).Str("source", ref.String()).Msg("Shadow environment ready")
		return m.snapshot(env.ID), nil
	}

	env.Error = fmt.Sprintf("provisioning failed: %v", lastErr)
	m.setStatus(env, models.ShadowFailed)
	m.teardownQuietly(env)
	m.release(env.ID)
	m.updateActiveGauge()
	return m.snapshot(env.ID), lastErr
}

func (m *Manager) register(ref models.ResourceRef) *models.ShadowEnvironment {
	env := &models.ShadowEnvironment{
		ID:         "shw-" + strings.ReplaceAll(uuid.NewString()[:13], "-", ""),
		Namespace:  m.namespaceFor(ref),
		SourceNS:   ref.Namespace,
		SourceName: ref.Name,
		SourceKind: ref.Kind,
		Status:     models.ShadowPending,
		CreatedAt:  time.Now(),
	}
	m.mu.Lock()
	m.envs[env.ID] = env
	m.mu.Unlock()
	return env
}

func (m *Manager) namespaceFor(ref models.ResourceRef) string {
	suffix := strings.ReplaceAll(uuid.NewString()[:8], "-", "")
	return SanitizeName(m.cfg.NamespacePrefix + "-" + ref.Name + "-" + suffix)
}

// Verify exercises a fix proposal inside the environment: apply the
// typed changes, run the security chain, then sample workload health
// for the plan's duration. The environment must be ready.
func (m *Manager) Verify(ctx context.Context, envID string, proposal *models.FixProposal, plan *models.VerificationPlan, chain *security.Chain) (*models.SecurityReport, bool, error) {
	env := m.get(envID)
	if env == nil {
		return nil, false, aegiserrors.ErrNotFound
	}
	if env.Status != models.ShadowReady {
		return nil, false, aegiserrors.New(aegiserrors.KindValidation, "verify_shadow", envID,
			fmt.Errorf("environment is %s, want %s: %w", env.Status, models.ShadowReady, aegiserrors.ErrInvalidInput))
	}
	logger := logging.WithShadow(log.Logger, env.ID)
	start := time.Now()
	m.setStatus(env, models.ShadowTesting)

	changes, err := ChangesFromProposal(proposal)
	if err != nil {
		env.Error = err.Error()
		m.metrics.RecordShadowVerification("unsupported", string(proposal.Kind))
		return nil, false, err
	}
	if err := m.runtime.Apply(ctx, env, changes); err != nil {
		env.Error = err.Error()
		m.metrics.RecordShadowVerification("apply_failed", string(proposal.Kind))
		return nil, false, err
	}
	m.appendLog(env, "changes applied: "+changeKeys(changes))

	target := security.Target{
		ShadowNamespace:   env.Namespace,
		VerificationStart: start,
	}
	if image, ok := proposal.HasNewImage(); ok {
		target.Image = image
	}
	if manifest, err := m.runtime.Manifest(ctx, env); err == nil {
		target.Manifest = manifest
	} else {
		logger.Debug().Err(err).Msg("Patched manifest unavailable for scanning")
	}
	if url, ok := m.runtime.ServiceURL(ctx, env); ok {
		target.WebTarget = url
		m.appendLog(env, "web scan target: "+url)
	}

	report := chain.Run(ctx, target)
	env.TestResults = map[string]interface{}{
		"security_passed":  report.Passed,
		"security_summary": report.Summary,
	}
	if !report.Passed {
		m.appendLog(env, "security chain blocked: "+report.Summary)
		m.metrics.RecordShadowVerification("security_blocked", string(proposal.Kind))
		return report, false, aegiserrors.New(aegiserrors.KindSecurityBlock, "verify_shadow", env.Namespace, aegiserrors.ErrSecurityBlocked)
	}

	score, samples, err := m.sampleHealth(ctx, env, plan)
	if err != nil {
		env.Error = err.Error()
		m.metrics.RecordShadowVerification("health_error", string(proposal.Kind))
		return report, false, err
	}
	env.HealthScore = score
	env.TestResults["health_score"] = score
	env.TestResults["health_samples"] = samples
	env.TestResults["duration_seconds"] = int(time.Since(start).Seconds())

	passed := score >= healthPassThreshold
	if passed {
		m.metrics.RecordShadowVerification("passed", string(proposal.Kind))
		m.appendLog(env, fmt.Sprintf("verification passed: health score %.2f", score))
	} else {
		m.metrics.RecordShadowVerification("failed", string(proposal.Kind))
		m.appendLog(env, fmt.Sprintf("verification failed: health score %.2f < %.2f", score, healthPassThreshold))
	}
	logger.Info().
		Float64("health_score", score).
		Int("samples", samples).
		Bool("passed", passed).
		Msg("Shadow verification complete")
	return report, passed, nil
}

// sampleHealth averages health scores over the plan duration, polling
// every five seconds. At least one sample is always taken.
func (m *Manager) sampleHealth(ctx context.Context, env *models.ShadowEnvironment, plan *models.VerificationPlan) (float64, int, error) {
	duration := time.Duration(plan.DurationSeconds) * time.Second
	if duration <= 0 {
		duration = healthSampleInterval
	}
	if duration > m.cfg.VerificationTimeout {
		duration = m.cfg.VerificationTimeout
	}
	deadline := time.Now().Add(duration)

	var total float64
	samples := 0
	for {
		sample, err := m.runtime.Health(ctx, env)
		if err != nil {
			if samples == 0 {
				return 0, 0, err
			}
			log.Debug().Err(err).Str("shadow_id", env.ID).Msg("Health sample failed; keeping prior samples")
		} else {
			total += sample.Score()
			samples++
		}

		if time.Now().After(deadline) {
			break
		}
		select {
		case <-ctx.Done():
			return 0, samples, ctx.Err()
		case <-time.After(healthSampleInterval):
		}
	}
	if samples == 0 {
		return 0, 0, aegiserrors.New(aegiserrors.KindHealthFailure, "sample_health", env.Namespace, aegiserrors.ErrHealthFailed)
	}
	return total / float64(samples), samples, nil
}

// Cleanup destroys the environment. It is idempotent and never returns
// an error: a failed teardown marks the namespace leaked and moves on,
// so cleanup can never wedge the operator loop.
func (m *Manager) Cleanup(envID string) {
	env := m.get(envID)
	if env == nil {
		return
	}
	if env.Status == models.ShadowDestroyed {
		return
	}

	logger := logging.WithShadow(log.Logger, env.ID)
	if env.Status.CanTransition(models.ShadowCleaning) {
		m.setStatus(env, models.ShadowCleaning)
	}

	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.CleanupTimeout)
	defer cancel()
	if err := m.runtime.Teardown(ctx, env); err != nil {
		logger.Error().Err(err).Str("namespace", env.Namespace).Msg("Shadow teardown failed; namespace leaked")
		m.metrics.IncLeakedNamespaces()
		env.Error = fmt.Sprintf("teardown failed: %v", err)
	} else {
		logger.Info().Str("namespace", env.Namespace).Msg("Shadow environment destroyed")
	}

	if env.Status.CanTransition(models.ShadowDestroyed) {
		m.setStatus(env, models.ShadowDestroyed)
	}
	m.release(env.ID)
	m.updateActiveGauge()
}

// Get returns a copy of the environment, if known.
func (m *Manager) Get(envID string) (*models.ShadowEnvironment, bool) {
	env := m.snapshot(envID)
	return env, env != nil
}

// List returns copies of all known environments, newest first.
func (m *Manager) List() []*models.ShadowEnvironment {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*models.ShadowEnvironment, 0, len(m.envs))
	for _, env := range m.envs {
		clone := *env
		out = append(out, &clone)
	}
	return out
}

func (m *Manager) get(envID string) *models.ShadowEnvironment {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.envs[envID]
}

func (m *Manager) snapshot(envID string) *models.ShadowEnvironment {
	m.mu.Lock()
	defer m.mu.Unlock()
	env, ok := m.envs[envID]
	if !ok {
		return nil
	}
	clone := *env
	return &clone
}

// setStatus enforces the forward-only status machine; an illegal
// transition is a programming error and is logged, not applied.
func (m *Manager) setStatus(env *models.ShadowEnvironment, next models.ShadowStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if env.Status == next {
		return
	}
	if !env.Status.CanTransition(next) {
		log.Error().
			Str("shadow_id", env.ID).
			Str("from", string(env.Status)).
			Str("to", string(next)).
			Msg("Illegal shadow status transition dropped")
		return
	}
	env.Status = next
}

func (m *Manager) appendLog(env *models.ShadowEnvironment, line string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	env.Logs = append(env.Logs, time.Now().UTC().Format(time.RFC3339)+" "+line)
}

func (m *Manager) teardownQuietly(env *models.ShadowEnvironment) {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.CleanupTimeout)
	defer cancel()
	if err := m.runtime.Teardown(ctx, env); err != nil {
		log.Debug().Err(err).Str("namespace", env.Namespace).Msg("Partial shadow teardown failed")
	}
}

// release frees the concurrency slot exactly once per environment.
func (m *Manager) release(envID string) {
	m.mu.Lock()
	if m.released[envID] {
		m.mu.Unlock()
		return
	}
	m.released[envID] = true
	m.mu.Unlock()
	<-m.sem
}

func (m *Manager) updateActiveGauge() {
	m.mu.Lock()
	active := 0
	for _, env := range m.envs {
		if !env.Status.Terminal() {
			active++
		}
	}
	m.mu.Unlock()
	m.metrics.SetShadowActive(m.runtime.Name(), active)
}

func changeKeys(changes map[string]interface{}) string {
	keys := make([]string, 0, len(changes))
	for key := range changes {
		keys = append(keys, key)
	}
	return strings.Join(keys, ",")
}
