package shadow

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"sigs.k8s.io/yaml"

	"github.com/aegis-sre/aegis/internal/cluster"
	"github.com/aegis-sre/aegis/internal/config"
	aegiserrors "github.com/aegis-sre/aegis/internal/errors"
	"github.com/aegis-sre/aegis/internal/models"
)

// Health score weights. Readiness dominates; a workload that restarts
// or logs errors but serves traffic still scores above one that does
// not come up at all.
const (
	weightReadiness   = 0.5
	weightRestartFree = 0.3
	weightErrorRate   = 0.2
)

const (
	readinessPollInterval = 5 * time.Second
	healthLogTailLines    = 200
)

// HealthSample is one observation of a shadow workload.
type HealthSample struct {
	ReadyFraction    float64 `json:"ready_fraction"`
	RestartFree      float64 `json:"restart_free"`
	ErrorRateInverse float64 `json:"error_rate_inverse"`
}

// Score folds a sample into the weighted health score in [0, 1].
func (h HealthSample) Score() float64 {
	return weightReadiness*h.ReadyFraction + weightRestartFree*h.RestartFree + weightErrorRate*h.ErrorRateInverse
}

// Runtime is the environment mechanics behind the manager. The
// namespace runtime is the only implementation; the interface exists so
// a cluster-per-shadow runtime can slot in later without touching the
// manager.
type Runtime interface {
	Name() string
	Provision(ctx context.Context, env *models.ShadowEnvironment) error
	Apply(ctx context.Context, env *models.ShadowEnvironment, changes map[string]interface{}) error
	Health(ctx context.Context, env *models.ShadowEnvironment) (HealthSample, error)
	Manifest(ctx context.Context, env *models.ShadowEnvironment) ([]byte, error)
	// ServiceURL resolves an in-cluster URL for the cloned workload, if
	// it exposes a service. The web baseline scan probes it.
	ServiceURL(ctx context.Context, env *models.ShadowEnvironment) (string, bool)
	Teardown(ctx context.Context, env *models.ShadowEnvironment) error
}

// namespaceRuntime isolates each shadow in its own namespace with a
// resource quota and a deny-all network policy. Source workloads are
// cloned as single-replica deployments regardless of original kind, so
// apply and health logic is uniform.
type namespaceRuntime struct {
	cluster *cluster.Client
	cfg     config.ShadowConfig
}

// NewNamespaceRuntime builds the namespace-based runtime.
func NewNamespaceRuntime(clusterClient *cluster.Client, cfg config.ShadowConfig) Runtime {
	return &namespaceRuntime{cluster: clusterClient, cfg: cfg}
}

func (r *namespaceRuntime) Name() string { return "namespace" }

func (r *namespaceRuntime) workloadName(env *models.ShadowEnvironment) string {
	return SanitizeName(env.SourceName)
}

func (r *namespaceRuntime) Provision(ctx context.Context, env *models.ShadowEnvironment) error {
	labels := map[string]string{
		"aegis.dev/shadow":    "true",
		"aegis.dev/shadow-id": env.ID,
		"aegis.dev/source-ns": SanitizeName(env.SourceNS),
	}
	if err := r.cluster.CreateNamespace(ctx, env.Namespace, labels); err != nil {
		return err
	}
	if err := r.cluster.CreateResourceQuota(ctx, env.Namespace, r.cfg.CPURequest, r.cfg.MemoryRequest); err != nil {
		return err
	}
	if err := r.cluster.CreateDenyAllNetworkPolicy(ctx, env.Namespace); err != nil {
		return err
	}

	template, err := r.sourceTemplate(ctx, env)
	if err != nil {
		return err
	}
	clone := r.buildClone(env, template)
	if err := r.cluster.CreateDeployment(ctx, env.Namespace, clone); err != nil {
		return err
	}

	return r.waitReady(ctx, env)
}

// sourceTemplate reads the source workload and returns its pod template
// with cluster-assigned metadata stripped.
func (r *namespaceRuntime) sourceTemplate(ctx context.Context, env *models.ShadowEnvironment) (*corev1.PodTemplateSpec, error) {
	switch strings.ToLower(env.SourceKind) {
	case "deployment":
		dep, err := r.cluster.GetDeployment(ctx, env.SourceNS, env.SourceName)
		if err != nil {
			return nil, err
		}
		template := dep.Spec.Template.DeepCopy()
		stripPodMeta(&template.ObjectMeta)
		return template, nil
	case "pod":
		pod, err := r.cluster.GetPod(ctx, env.SourceNS, env.SourceName)
		if err != nil {
			return nil, err
		}
		template := &corev1.PodTemplateSpec{
			ObjectMeta: *pod.ObjectMeta.DeepCopy(),
			Spec:       *pod.Spec.DeepCopy(),
		}
		stripPodMeta(&template.ObjectMeta)
		// Scheduling pins from the live pod must not follow the clone.
		template.Spec.NodeName = ""
		template.Spec.Hostname = ""
		return template, nil
	default:
		return nil, aegiserrors.New(aegiserrors.KindInput, "clone_workload", env.SourceKind, aegiserrors.ErrInvalidInput)
	}
}

// stripPodMeta removes the fields the API server owns so the clone is
// creatable in a fresh namespace.
func stripPodMeta(meta *metav1.ObjectMeta) {
	meta.Namespace = ""
	meta.Name = ""
	meta.GenerateName = ""
	meta.UID = ""
	meta.ResourceVersion = ""
	meta.Generation = 0
	meta.CreationTimestamp = metav1.Time{}
	meta.DeletionTimestamp = nil
	meta.OwnerReferences = nil
	meta.ManagedFields = nil
	meta.Finalizers = nil
}

func (r *namespaceRuntime) buildClone(env *models.ShadowEnvironment, template *corev1.PodTemplateSpec) *appsv1.Deployment {
	name := r.workloadName(env)
	selectorLabels := map[string]string{"aegis.dev/shadow-workload": name}
	if template.Labels == nil {
		template.Labels = map[string]string{}
	}
	for k, v := range selectorLabels {
		template.Labels[k] = v
	}

	replicas := int32(1)
	return &appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: env.Namespace,
			Labels:    selectorLabels,
		},
		Spec: appsv1.DeploymentSpec{
			Replicas: &replicas,
			Selector: &metav1.LabelSelector{MatchLabels: selectorLabels},
			Template: *template,
		},
	}
}

func (r *namespaceRuntime) waitReady(ctx context.Context, env *models.ShadowEnvironment) error {
	deadline := time.Now().Add(r.cfg.VerificationTimeout)
	name := r.workloadName(env)
	for {
		dep, err := r.cluster.GetDeployment(ctx, env.Namespace, name)
		if err == nil {
			desired := int32(1)
			if dep.Spec.Replicas != nil {
				desired = *dep.Spec.Replicas
			}
			if dep.Status.ReadyReplicas >= desired {
				return nil
			}
		}

		if time.Now().After(deadline) {
			return aegiserrors.WrapTimeout("wait_shadow_ready", env.Namespace+"/"+name,
				fmt.Errorf("workload not ready within %s", r.cfg.VerificationTimeout))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(readinessPollInterval):
		}
	}
}

func (r *namespaceRuntime) Apply(ctx context.Context, env *models.ShadowEnvironment, changes map[string]interface{}) error {
	if err := ValidateChanges(changes); err != nil {
		return err
	}
	name := r.workloadName(env)

	if patch, ok := changes[ChangePatch].(string); ok {
		if err := r.cluster.PatchDeployment(ctx, env.Namespace, name, []byte(patch)); err != nil {
			return err
		}
	}
	if replicas, ok := asInt32(changes[ChangeReplicas]); ok {
		if err := r.cluster.ScaleDeployment(ctx, env.Namespace, name, replicas); err != nil {
			return err
		}
	}

	if NeedsTemplateUpdate(changes) {
		dep, err := r.cluster.GetDeployment(ctx, env.Namespace, name)
		if err != nil {
			return err
		}
		ApplyTemplateChanges(&dep.Spec.Template.Spec, changes)
		if err := r.cluster.UpdateDeployment(ctx, env.Namespace, dep); err != nil {
			return err
		}
	}
	return nil
}

// NeedsTemplateUpdate reports whether any change touches the pod
// template rather than the scale or patch subresources.
func NeedsTemplateUpdate(changes map[string]interface{}) bool {
	for _, key := range []string{ChangeImage, ChangeEnv, ChangeResources, ChangeCommand, ChangeArgs} {
		if _, ok := changes[key]; ok {
			return true
		}
	}
	return false
}

// ApplyTemplateChanges mutates the first container. Both the shadow
// runtime and the production applier route template edits through here
// so the change that was verified is the change that ships.
func ApplyTemplateChanges(spec *corev1.PodSpec, changes map[string]interface{}) {
	if len(spec.Containers) == 0 {
		return
	}
	c := &spec.Containers[0]

	if img, ok := changes[ChangeImage].(string); ok && img != "" {
		c.Image = img
	}
	if env, ok := changes[ChangeEnv].(map[string]string); ok {
		for key, value := range env {
			setEnvVar(c, key, value)
		}
	}
	if command, ok := asStringSlice(changes[ChangeCommand]); ok {
		c.Command = command
	}
	if args, ok := asStringSlice(changes[ChangeArgs]); ok {
		c.Args = args
	}
	if resources, ok := changes[ChangeResources].(corev1.ResourceRequirements); ok {
		c.Resources = resources
	}
}

func setEnvVar(c *corev1.Container, key, value string) {
	for i := range c.Env {
		if c.Env[i].Name == key {
			c.Env[i].Value = value
			c.Env[i].ValueFrom = nil
			return
		}
	}
	c.Env = append(c.Env, corev1.EnvVar{Name: key, Value: value})
}

func asInt32(v interface{}) (int32, bool) {
	switch n := v.(type) {
	case int:
		return int32(n), true
	case int32:
		return n, true
	case int64:
		return int32(n), true
	case float64:
		return int32(n), true
	default:
		return 0, false
	}
}

func asStringSlice(v interface{}) ([]string, bool) {
	switch s := v.(type) {
	case []string:
		return s, true
	case []interface{}:
		out := make([]string, 0, len(s))
		for _, item := range s {
			str, ok := item.(string)
			if !ok {
				return nil, false
			}
			out = append(out, str)
		}
		return out, true
	default:
		return nil, false
	}
}

func (r *namespaceRuntime) Health(ctx context.Context, env *models.ShadowEnvironment) (HealthSample, error) {
	pods, err := r.cluster.ListPods(ctx, env.Namespace, "")
	if err != nil {
		return HealthSample{}, err
	}
	if len(pods) == 0 {
		return HealthSample{}, nil
	}

	ready, restartFree := 0, 0
	var logLines, errorLines int
	for _, pod := range pods {
		if podReady(&pod) {
			ready++
		}
		if podRestartCount(&pod) == 0 {
			restartFree++
		}
		lines, err := r.cluster.PodLogs(ctx, env.Namespace, pod.Name, healthLogTailLines)
		if err != nil {
			log.Debug().Err(err).Str("pod", pod.Name).Msg("Health sample: pod logs unreadable")
			continue
		}
		logLines += len(lines)
		for _, line := range lines {
			if isErrorLine(line) {
				errorLines++
			}
		}
	}

	total := float64(len(pods))
	sample := HealthSample{
		ReadyFraction:    float64(ready) / total,
		RestartFree:      float64(restartFree) / total,
		ErrorRateInverse: 1,
	}
	if logLines > 0 {
		sample.ErrorRateInverse = 1 - float64(errorLines)/float64(logLines)
	}
	return sample, nil
}

func podReady(pod *corev1.Pod) bool {
	if pod.Status.Phase != corev1.PodRunning {
		return false
	}
	for _, cond := range pod.Status.Conditions {
		if cond.Type == corev1.PodReady {
			return cond.Status == corev1.ConditionTrue
		}
	}
	return false
}

func podRestartCount(pod *corev1.Pod) int32 {
	var restarts int32
	for _, cs := range pod.Status.ContainerStatuses {
		restarts += cs.RestartCount
	}
	return restarts
}

func isErrorLine(line string) bool {
	lower := strings.ToLower(line)
	return strings.Contains(lower, "error") ||
		strings.Contains(lower, "panic") ||
		strings.Contains(lower, "fatal")
}

func (r *namespaceRuntime) Manifest(ctx context.Context, env *models.ShadowEnvironment) ([]byte, error) {
	dep, err := r.cluster.GetDeployment(ctx, env.Namespace, r.workloadName(env))
	if err != nil {
		return nil, err
	}
	return yaml.Marshal(dep)
}

// ServiceURL prefers a service named after the cloned workload, falling
// back to any service in the namespace that exposes a port.
func (r *namespaceRuntime) ServiceURL(ctx context.Context, env *models.ShadowEnvironment) (string, bool) {
	if svc, err := r.cluster.GetService(ctx, env.Namespace, r.workloadName(env)); err == nil && len(svc.Spec.Ports) > 0 {
		return serviceURL(svc), true
	}

	services, err := r.cluster.ListServices(ctx, env.Namespace)
	if err != nil {
		return "", false
	}
	for i := range services {
		if len(services[i].Spec.Ports) > 0 {
			return serviceURL(&services[i]), true
		}
	}
	return "", false
}

func serviceURL(svc *corev1.Service) string {
	return fmt.Sprintf("http://%s.%s.svc:%d", svc.Name, svc.Namespace, svc.Spec.Ports[0].Port)
}

func (r *namespaceRuntime) Teardown(ctx context.Context, env *models.ShadowEnvironment) error {
	return r.cluster.DeleteNamespace(ctx, env.Namespace)
}
