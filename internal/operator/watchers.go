package operator

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/watch"

	"github.com/aegis-sre/aegis/internal/cluster"
	aegiserrors "github.com/aegis-sre/aegis/internal/errors"
	"github.com/aegis-sre/aegis/internal/metrics"
	"github.com/aegis-sre/aegis/internal/models"
	"github.com/aegis-sre/aegis/internal/queue"
)

const watchReconnectDelay = 5 * time.Second

// Deployment availability thresholds: above the critical ratio of
// unavailable replicas an incident is P0, above the degraded ratio P1.
const (
	unavailableCriticalRatio = 0.75
	unavailableDegradedRatio = 0.5
)

// Watcher observes cluster workloads and stages incidents. It ignores
// system namespaces and the shadow namespaces this process creates.
type Watcher struct {
	cluster      *cluster.Client
	queue        *queue.Queue
	metrics      *metrics.Set
	isProduction func(string) bool
	shadowPrefix string
}

// NewWatcher builds a watcher feeding the given queue.
func NewWatcher(clusterClient *cluster.Client, q *queue.Queue, m *metrics.Set, isProduction func(string) bool, shadowPrefix string) *Watcher {
	if isProduction == nil {
		isProduction = func(string) bool { return false }
	}
	return &Watcher{
		cluster:      clusterClient,
		queue:        q,
		metrics:      m,
		isProduction: isProduction,
		shadowPrefix: shadowPrefix,
	}
}

// Run starts both watch loops and blocks until the context ends.
func (w *Watcher) Run(ctx context.Context) {
	go w.watchLoop(ctx, "pods", func(ctx context.Context) (watch.Interface, error) {
		return w.cluster.WatchPods(ctx, "")
	}, w.handlePodEvent)

	w.watchLoop(ctx, "deployments", func(ctx context.Context) (watch.Interface, error) {
		return w.cluster.WatchDeployments(ctx, "")
	}, w.handleDeploymentEvent)
}

// watchLoop maintains a watch, reconnecting when the server closes it.
func (w *Watcher) watchLoop(ctx context.Context, what string, open func(context.Context) (watch.Interface, error), handle func(watch.Event)) {
	for {
		if ctx.Err() != nil {
			return
		}
		watcher, err := open(ctx)
		if err != nil {
			log.Warn().Err(err).Str("watch", what).Msg("Watch open failed; retrying")
			select {
			case <-ctx.Done():
				return
			case <-time.After(watchReconnectDelay):
			}
			continue
		}

		for {
			select {
			case <-ctx.Done():
				watcher.Stop()
				return
			case event, ok := <-watcher.ResultChan():
				if !ok {
					log.Debug().Str("watch", what).Msg("Watch channel closed; reconnecting")
					watcher.Stop()
					goto reconnect
				}
				handle(event)
			}
		}
	reconnect:
		select {
		case <-ctx.Done():
			return
		case <-time.After(watchReconnectDelay):
		}
	}
}

func (w *Watcher) handlePodEvent(event watch.Event) {
	if event.Type != watch.Added && event.Type != watch.Modified {
		return
	}
	pod, ok := event.Object.(*corev1.Pod)
	if !ok {
		return
	}
	if w.ignoredNamespace(pod.Namespace) {
		return
	}

	trigger, detail, ok := ClassifyPod(pod)
	if !ok {
		return
	}

	ref := podIncidentTarget(pod)
	severity := models.SeverityHigh
	priority := models.PriorityP1
	if w.isProduction(pod.Namespace) {
		priority = models.PriorityP0
	}

	w.stage(&models.Incident{
		Priority:   priority,
		Severity:   severity,
		Resource:   ref,
		Trigger:    trigger,
		RawContext: detail,
	})
}

// ClassifyPod maps pod state onto a trigger signal. Healthy pods and
// benign transitions return ok=false. Shared with the one-shot CLI
// scan so both report the same conditions.
func ClassifyPod(pod *corev1.Pod) (models.TriggerSignal, string, bool) {
	for _, cs := range pod.Status.ContainerStatuses {
		if cs.LastTerminationState.Terminated != nil && cs.LastTerminationState.Terminated.Reason == "OOMKilled" {
			return models.TriggerOOMKill, "container " + cs.Name + " OOMKilled", true
		}
		if cs.State.Terminated != nil && cs.State.Terminated.Reason == "OOMKilled" {
			return models.TriggerOOMKill, "container " + cs.Name + " OOMKilled", true
		}
		if cs.State.Waiting != nil {
			switch cs.State.Waiting.Reason {
			case "CrashLoopBackOff":
				return models.TriggerPhaseTransition, "container " + cs.Name + " in CrashLoopBackOff", true
			case "ImagePullBackOff", "ErrImagePull":
				return models.TriggerPhaseTransition, "container " + cs.Name + " cannot pull image", true
			}
		}
	}
	if pod.Status.Phase == corev1.PodFailed {
		return models.TriggerPhaseTransition, "pod phase Failed: " + pod.Status.Reason, true
	}
	if probeFailing(pod) {
		return models.TriggerProbeFailure, "readiness probe failing", true
	}
	return "", "", false
}

// probeFailing reports a running pod that has been not-ready for over a
// minute, which is how probe failures surface without reading events.
func probeFailing(pod *corev1.Pod) bool {
	if pod.Status.Phase != corev1.PodRunning {
		return false
	}
	for _, cond := range pod.Status.Conditions {
		if cond.Type == corev1.PodReady && cond.Status == corev1.ConditionFalse {
			return time.Since(cond.LastTransitionTime.Time) > time.Minute
		}
	}
	return false
}

// podIncidentTarget correlates a pod to its owning workload when it can
// be derived, so restarts of the same deployment's pods merge into one
// incident.
func podIncidentTarget(pod *corev1.Pod) models.ResourceRef {
	for _, owner := range pod.OwnerReferences {
		if owner.Kind == "ReplicaSet" {
			if name, ok := deploymentNameFromReplicaSet(owner.Name); ok {
				return models.ResourceRef{Kind: "Deployment", Name: name, Namespace: pod.Namespace}
			}
		}
	}
	return models.ResourceRef{Kind: "Pod", Name: pod.Name, Namespace: pod.Namespace}
}

// deploymentNameFromReplicaSet strips the pod-template-hash suffix.
func deploymentNameFromReplicaSet(rsName string) (string, bool) {
	idx := strings.LastIndex(rsName, "-")
	if idx <= 0 {
		return "", false
	}
	return rsName[:idx], true
}

func (w *Watcher) handleDeploymentEvent(event watch.Event) {
	if event.Type != watch.Added && event.Type != watch.Modified {
		return
	}
	dep, ok := event.Object.(*appsv1.Deployment)
	if !ok {
		return
	}
	if w.ignoredNamespace(dep.Namespace) {
		return
	}

	desired := int32(1)
	if dep.Spec.Replicas != nil {
		desired = *dep.Spec.Replicas
	}
	if desired == 0 {
		return
	}
	unavailable := desired - dep.Status.ReadyReplicas
	if unavailable <= 0 {
		return
	}
	ratio := float64(unavailable) / float64(desired)
	if ratio < unavailableDegradedRatio {
		return
	}

	priority := models.PriorityP1
	severity := models.SeverityHigh
	if ratio > unavailableCriticalRatio {
		priority = models.PriorityP0
		severity = models.SeverityCritical
	}

	w.stage(&models.Incident{
		Priority:   priority,
		Severity:   severity,
		Resource:   models.ResourceRef{Kind: "Deployment", Name: dep.Name, Namespace: dep.Namespace},
		Trigger:    models.TriggerReplicaShortfall,
		RawContext: "ready " + strconv.Itoa(int(dep.Status.ReadyReplicas)) + " / desired " + strconv.Itoa(int(desired)),
	})
}

func (w *Watcher) stage(incident *models.Incident) {
	id, err := w.queue.Enqueue(incident)
	if err != nil {
		if errors.Is(err, aegiserrors.ErrQueueFull) {
			log.Error().Str("resource", incident.Resource.String()).Msg("Incident dropped: queue full")
		} else {
			log.Error().Err(err).Str("resource", incident.Resource.String()).Msg("Incident enqueue failed")
		}
		return
	}
	w.metrics.RecordIncidentDetected(incident.Severity, incident.Resource.Kind, incident.Resource.Namespace)
	log.Info().
		Str("incident_id", id).
		Str("resource", incident.Resource.String()).
		Str("trigger", string(incident.Trigger)).
		Str("priority", incident.Priority.String()).
		Msg("Incident staged")
}

func (w *Watcher) ignoredNamespace(ns string) bool {
	if strings.HasPrefix(ns, w.shadowPrefix) && w.shadowPrefix != "" {
		return true
	}
	switch ns {
	case "kube-system", "kube-public", "kube-node-lease":
		return true
	}
	return false
}
