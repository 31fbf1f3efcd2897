package operator

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/aegis-sre/aegis/internal/cluster"
	"github.com/aegis-sre/aegis/internal/config"
	"github.com/aegis-sre/aegis/internal/models"
)

const (
	rollbackPollInterval = 30 * time.Second
	restartSpikeLimit    = 5
	rollbackLogTail      = 500
)

// Rollback trigger reasons, used as the metric label.
const (
	ReasonErrorRateSpike = "error_rate_spike"
	ReasonRestartSpike   = "restart_spike"
)

// RollbackWatcher observes a freshly-fixed workload for the rollback
// window and restores the pre-apply snapshot if it degrades: the error
// rate exceeds the pre-apply baseline by the configured factor, or
// restarts spike.
type RollbackWatcher struct {
	cfg     config.RollbackConfig
	cluster *cluster.Client
	applier *Applier
	tracker *RateTracker
}

func NewRollbackWatcher(cfg config.RollbackConfig, clusterClient *cluster.Client, applier *Applier) *RollbackWatcher {
	return &RollbackWatcher{
		cfg:     cfg,
		cluster: clusterClient,
		applier: applier,
		tracker: NewRateTracker(),
	}
}

// Watch blocks for the rollback window, polling the workload. Returns
// true if a rollback was performed. The baseline error rate is measured
// before the watch begins so the comparison is apply-relative.
func (w *RollbackWatcher) Watch(ctx context.Context, incident *models.Incident, snapshot *Snapshot, baseline float64) bool {
	if !w.cfg.Enabled {
		return false
	}
	logger := log.With().Str("incident_id", incident.ID).Str("resource", incident.Resource.String()).Logger()
	deadline := time.Now().Add(w.cfg.Window)

	// Threshold floor: a zero baseline (quiet workload) still tolerates
	// a trickle before rolling back.
	threshold := baseline * w.cfg.ErrorRateThreshold
	if threshold < 0.1 {
		threshold = 0.1
	}

	var baseRestarts int32 = -1
	for {
		select {
		case <-ctx.Done():
			return false
		case <-time.After(rollbackPollInterval):
		}
		if time.Now().After(deadline) {
			logger.Info().Msg("Rollback window closed; fix holds")
			return false
		}

		sample, err := w.sample(ctx, incident.Resource)
		if err != nil {
			logger.Debug().Err(err).Msg("Rollback watch sample failed")
			continue
		}
		if baseRestarts < 0 {
			baseRestarts = sample.Restarts
		}

		rate := w.tracker.CalculateRate(incident.CorrelationKey, sample)
		restartDelta := sample.Restarts - baseRestarts

		switch {
		case restartDelta > restartSpikeLimit:
			logger.Warn().Int32("restarts", restartDelta).Msg("Restart spike after apply; rolling back")
			return w.rollback(ctx, incident, snapshot, ReasonRestartSpike, logger)
		case rate >= 0 && rate > threshold:
			logger.Warn().
				Float64("error_rate", rate).
				Float64("threshold", threshold).
				Msg("Error rate spike after apply; rolling back")
			return w.rollback(ctx, incident, snapshot, ReasonErrorRateSpike, logger)
		}
	}
}

// Baseline measures the pre-apply error rate over two short samples.
func (w *RollbackWatcher) Baseline(ctx context.Context, incident *models.Incident) float64 {
	first, err := w.sample(ctx, incident.Resource)
	if err != nil {
		return 0
	}
	w.tracker.CalculateRate("baseline:"+incident.CorrelationKey, first)

	select {
	case <-ctx.Done():
		return 0
	case <-time.After(5 * time.Second):
	}
	second, err := w.sample(ctx, incident.Resource)
	if err != nil {
		return 0
	}
	rate := w.tracker.CalculateRate("baseline:"+incident.CorrelationKey, second)
	if rate < 0 {
		return 0
	}
	return rate
}

// sample counts cumulative error lines and restarts across the
// workload's pods.
func (w *RollbackWatcher) sample(ctx context.Context, ref models.ResourceRef) (ErrorSample, error) {
	selector, err := w.workloadSelector(ctx, ref)
	if err != nil {
		return ErrorSample{}, err
	}
	pods, err := w.cluster.ListPods(ctx, ref.Namespace, selector)
	if err != nil {
		return ErrorSample{}, err
	}

	sample := ErrorSample{Timestamp: time.Now()}
	for _, pod := range pods {
		for _, cs := range pod.Status.ContainerStatuses {
			sample.Restarts += cs.RestartCount
		}
		lines, err := w.cluster.PodLogs(ctx, ref.Namespace, pod.Name, rollbackLogTail)
		if err != nil {
			continue
		}
		for _, line := range lines {
			lower := strings.ToLower(line)
			if strings.Contains(lower, "error") || strings.Contains(lower, "panic") || strings.Contains(lower, "fatal") {
				sample.ErrorLines++
			}
		}
	}
	return sample, nil
}

func (w *RollbackWatcher) workloadSelector(ctx context.Context, ref models.ResourceRef) (string, error) {
	if ref.Kind != "Deployment" {
		return "", nil
	}
	dep, err := w.cluster.GetDeployment(ctx, ref.Namespace, ref.Name)
	if err != nil {
		return "", err
	}
	parts := make([]string, 0, len(dep.Spec.Selector.MatchLabels))
	for k, v := range dep.Spec.Selector.MatchLabels {
		parts = append(parts, k+"="+v)
	}
	return strings.Join(parts, ","), nil
}

func (w *RollbackWatcher) rollback(ctx context.Context, incident *models.Incident, snapshot *Snapshot, reason string, logger zerolog.Logger) bool {
	if err := w.applier.Rollback(ctx, incident, snapshot, reason); err != nil {
		logger.Error().Err(err).Str("reason", reason).Msg("Rollback failed; cluster needs manual attention")
		return false
	}
	logger.Info().Str("reason", reason).Msg("Rollback applied")
	return true
}
