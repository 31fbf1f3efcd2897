// Package cluster wraps the Kubernetes API in the narrow typed surface
// the pipeline consumes: workload reads and patches, namespace
// lifecycle for shadow environments, log and event reads, and watches
// for the operator loop.
package cluster

import (
	"bufio"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	appsv1 "k8s.io/api/apps/v1"
	autoscalingv1 "k8s.io/api/autoscaling/v1"
	corev1 "k8s.io/api/core/v1"
	networkingv1 "k8s.io/api/networking/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/apimachinery/pkg/watch"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/aegis-sre/aegis/internal/config"
	aegiserrors "github.com/aegis-sre/aegis/internal/errors"
)

const (
	transientRetries = 3
	retryBaseDelay   = 500 * time.Millisecond
)

// Client is the typed cluster API surface.
type Client struct {
	clientset  kubernetes.Interface
	apiTimeout time.Duration
}

// New connects using the cluster configuration group: explicit
// kubeconfig first, then in-cluster, then the default kubeconfig path.
func New(cfg config.ClusterConfig) (*Client, error) {
	restCfg, err := buildRESTConfig(cfg)
	if err != nil {
		return nil, err
	}
	clientset, err := kubernetes.NewForConfig(restCfg)
	if err != nil {
		return nil, fmt.Errorf("create kubernetes client: %w", err)
	}
	return NewWithClientset(clientset, cfg.APITimeout), nil
}

// NewWithClientset wraps an existing clientset; tests pass a fake.
func NewWithClientset(clientset kubernetes.Interface, apiTimeout time.Duration) *Client {
	if apiTimeout <= 0 {
		apiTimeout = 30 * time.Second
	}
	return &Client{clientset: clientset, apiTimeout: apiTimeout}
}

// Clientset exposes the underlying interface for watch plumbing.
func (c *Client) Clientset() kubernetes.Interface {
	return c.clientset
}

func buildRESTConfig(cfg config.ClusterConfig) (*rest.Config, error) {
	kubeconfigPath := strings.TrimSpace(cfg.KubeconfigPath)
	kubeContext := strings.TrimSpace(cfg.Context)

	if kubeconfigPath != "" {
		loadingRules := &clientcmd.ClientConfigLoadingRules{ExplicitPath: kubeconfigPath}
		overrides := &clientcmd.ConfigOverrides{}
		if kubeContext != "" {
			overrides.CurrentContext = kubeContext
		}
		cc := clientcmd.NewNonInteractiveDeferredLoadingClientConfig(loadingRules, overrides)
		restCfg, err := cc.ClientConfig()
		if err != nil {
			return nil, fmt.Errorf("build kubeconfig rest config: %w", err)
		}
		return restCfg, nil
	}

	if cfg.InCluster {
		restCfg, err := rest.InClusterConfig()
		if err != nil {
			return nil, fmt.Errorf("in-cluster config: %w", err)
		}
		return restCfg, nil
	}

	cc := clientcmd.NewNonInteractiveDeferredLoadingClientConfig(
		clientcmd.NewDefaultClientConfigLoadingRules(),
		&clientcmd.ConfigOverrides{CurrentContext: kubeContext},
	)
	restCfg, err := cc.ClientConfig()
	if err != nil {
		return nil, fmt.Errorf("kubernetes config not available: %w", err)
	}
	return restCfg, nil
}

// withRetry runs op up to transientRetries times with linear backoff for
// retryable API errors. Not-found and invalid requests fail immediately.
func (c *Client) withRetry(ctx context.Context, op string, resource string, fn func(context.Context) error) error {
	var lastErr error
	for attempt := 0; attempt < transientRetries; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, c.apiTimeout)
		err := fn(callCtx)
		cancel()
		if err == nil {
			return nil
		}
		lastErr = err
		if !isTransient(err) {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retryBaseDelay * time.Duration(attempt+1)):
		}
	}
	if apierrors.IsNotFound(lastErr) {
		return aegiserrors.New(aegiserrors.KindClusterAPI, op, resource, aegiserrors.ErrNotFound)
	}
	return aegiserrors.WrapClusterAPI(op, resource, lastErr)
}

func isTransient(err error) bool {
	return apierrors.IsServerTimeout(err) ||
		apierrors.IsTimeout(err) ||
		apierrors.IsTooManyRequests(err) ||
		apierrors.IsConflict(err) ||
		apierrors.IsInternalError(err) ||
		apierrors.IsServiceUnavailable(err)
}

// GetDeployment fetches a deployment.
func (c *Client) GetDeployment(ctx context.Context, namespace, name string) (*appsv1.Deployment, error) {
	var out *appsv1.Deployment
	err := c.withRetry(ctx, "get_deployment", namespace+"/"+name, func(ctx context.Context) error {
		dep, err := c.clientset.AppsV1().Deployments(namespace).Get(ctx, name, metav1.GetOptions{})
		if err != nil {
			return err
		}
		out = dep
		return nil
	})
	return out, err
}

// GetPod fetches a pod.
func (c *Client) GetPod(ctx context.Context, namespace, name string) (*corev1.Pod, error) {
	var out *corev1.Pod
	err := c.withRetry(ctx, "get_pod", namespace+"/"+name, func(ctx context.Context) error {
		pod, err := c.clientset.CoreV1().Pods(namespace).Get(ctx, name, metav1.GetOptions{})
		if err != nil {
			return err
		}
		out = pod
		return nil
	})
	return out, err
}

// GetService fetches a service.
func (c *Client) GetService(ctx context.Context, namespace, name string) (*corev1.Service, error) {
	var out *corev1.Service
	err := c.withRetry(ctx, "get_service", namespace+"/"+name, func(ctx context.Context) error {
		svc, err := c.clientset.CoreV1().Services(namespace).Get(ctx, name, metav1.GetOptions{})
		if err != nil {
			return err
		}
		out = svc
		return nil
	})
	return out, err
}

// ListPods lists pods in a namespace, optionally filtered by selector.
func (c *Client) ListPods(ctx context.Context, namespace, selector string) ([]corev1.Pod, error) {
	var out []corev1.Pod
	err := c.withRetry(ctx, "list_pods", namespace, func(ctx context.Context) error {
		list, err := c.clientset.CoreV1().Pods(namespace).List(ctx, metav1.ListOptions{LabelSelector: selector})
		if err != nil {
			return err
		}
		out = list.Items
		return nil
	})
	return out, err
}

// ListDeployments lists deployments in a namespace ("" for all).
func (c *Client) ListDeployments(ctx context.Context, namespace string) ([]appsv1.Deployment, error) {
	var out []appsv1.Deployment
	err := c.withRetry(ctx, "list_deployments", namespace, func(ctx context.Context) error {
		list, err := c.clientset.AppsV1().Deployments(namespace).List(ctx, metav1.ListOptions{})
		if err != nil {
			return err
		}
		out = list.Items
		return nil
	})
	return out, err
}

// ListServices lists services in a namespace.
func (c *Client) ListServices(ctx context.Context, namespace string) ([]corev1.Service, error) {
	var out []corev1.Service
	err := c.withRetry(ctx, "list_services", namespace, func(ctx context.Context) error {
		list, err := c.clientset.CoreV1().Services(namespace).List(ctx, metav1.ListOptions{})
		if err != nil {
			return err
		}
		out = list.Items
		return nil
	})
	return out, err
}

// ListEvents returns recent event messages for a named object.
func (c *Client) ListEvents(ctx context.Context, namespace, involvedName string) ([]string, error) {
	var out []string
	err := c.withRetry(ctx, "list_events", namespace+"/"+involvedName, func(ctx context.Context) error {
		opts := metav1.ListOptions{}
		if involvedName != "" {
			opts.FieldSelector = "involvedObject.name=" + involvedName
		}
		list, err := c.clientset.CoreV1().Events(namespace).List(ctx, opts)
		if err != nil {
			return err
		}
		out = out[:0]
		for _, event := range list.Items {
			out = append(out, fmt.Sprintf("%s %s: %s", event.Type, event.Reason, event.Message))
		}
		return nil
	})
	return out, err
}

// WatchPods opens a watch over pods in namespace ("" for all).
func (c *Client) WatchPods(ctx context.Context, namespace string) (watch.Interface, error) {
	w, err := c.clientset.CoreV1().Pods(namespace).Watch(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, aegiserrors.WrapClusterAPI("watch_pods", namespace, err)
	}
	return w, nil
}

// WatchDeployments opens a watch over deployments in namespace ("" for all).
func (c *Client) WatchDeployments(ctx context.Context, namespace string) (watch.Interface, error) {
	w, err := c.clientset.AppsV1().Deployments(namespace).Watch(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, aegiserrors.WrapClusterAPI("watch_deployments", namespace, err)
	}
	return w, nil
}

// PatchDeployment applies a strategic-merge patch.
func (c *Client) PatchDeployment(ctx context.Context, namespace, name string, patch []byte) error {
	return c.withRetry(ctx, "patch_deployment", namespace+"/"+name, func(ctx context.Context) error {
		_, err := c.clientset.AppsV1().Deployments(namespace).Patch(
			ctx, name, types.StrategicMergePatchType, patch, metav1.PatchOptions{})
		return err
	})
}

// ScaleDeployment sets replicas through the scale subresource.
func (c *Client) ScaleDeployment(ctx context.Context, namespace, name string, replicas int32) error {
	return c.withRetry(ctx, "scale_deployment", namespace+"/"+name, func(ctx context.Context) error {
		scale := &autoscalingv1.Scale{
			ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: namespace},
			Spec:       autoscalingv1.ScaleSpec{Replicas: replicas},
		}
		_, err := c.clientset.AppsV1().Deployments(namespace).UpdateScale(ctx, name, scale, metav1.UpdateOptions{})
		return err
	})
}

// CreateDeployment creates a deployment (used for workload cloning).
func (c *Client) CreateDeployment(ctx context.Context, namespace string, dep *appsv1.Deployment) error {
	return c.withRetry(ctx, "create_deployment", namespace+"/"+dep.Name, func(ctx context.Context) error {
		_, err := c.clientset.AppsV1().Deployments(namespace).Create(ctx, dep, metav1.CreateOptions{})
		return err
	})
}

// UpdateDeployment replaces a deployment spec.
func (c *Client) UpdateDeployment(ctx context.Context, namespace string, dep *appsv1.Deployment) error {
	return c.withRetry(ctx, "update_deployment", namespace+"/"+dep.Name, func(ctx context.Context) error {
		_, err := c.clientset.AppsV1().Deployments(namespace).Update(ctx, dep, metav1.UpdateOptions{})
		return err
	})
}

// CreateNamespace creates a namespace with labels.
func (c *Client) CreateNamespace(ctx context.Context, name string, labels map[string]string) error {
	return c.withRetry(ctx, "create_namespace", name, func(ctx context.Context) error {
		ns := &corev1.Namespace{ObjectMeta: metav1.ObjectMeta{Name: name, Labels: labels}}
		_, err := c.clientset.CoreV1().Namespaces().Create(ctx, ns, metav1.CreateOptions{})
		return err
	})
}

// DeleteNamespace removes a namespace. Not-found is benign: cleanup may
// run twice.
func (c *Client) DeleteNamespace(ctx context.Context, name string) error {
	err := c.withRetry(ctx, "delete_namespace", name, func(ctx context.Context) error {
		return c.clientset.CoreV1().Namespaces().Delete(ctx, name, metav1.DeleteOptions{})
	})
	if err != nil && aegiserrors.IsBenignCleanup(err) {
		return nil
	}
	return err
}

// ListNamespaces lists namespaces matching the label selector.
func (c *Client) ListNamespaces(ctx context.Context, selector string) ([]corev1.Namespace, error) {
	var out []corev1.Namespace
	err := c.withRetry(ctx, "list_namespaces", selector, func(ctx context.Context) error {
		list, err := c.clientset.CoreV1().Namespaces().List(ctx, metav1.ListOptions{LabelSelector: selector})
		if err != nil {
			return err
		}
		out = list.Items
		return nil
	})
	return out, err
}

// NamespaceExists reports whether the namespace is present.
func (c *Client) NamespaceExists(ctx context.Context, name string) (bool, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.apiTimeout)
	defer cancel()
	_, err := c.clientset.CoreV1().Namespaces().Get(callCtx, name, metav1.GetOptions{})
	if err == nil {
		return true, nil
	}
	if apierrors.IsNotFound(err) {
		return false, nil
	}
	return false, aegiserrors.WrapClusterAPI("get_namespace", name, err)
}

// CreateResourceQuota applies a cpu/memory quota to a namespace.
func (c *Client) CreateResourceQuota(ctx context.Context, namespace, cpu, memory string) error {
	cpuQty, err := resource.ParseQuantity(cpu)
	if err != nil {
		return aegiserrors.WrapValidation("parse_cpu_quota", err)
	}
	memQty, err := resource.ParseQuantity(memory)
	if err != nil {
		return aegiserrors.WrapValidation("parse_memory_quota", err)
	}
	return c.withRetry(ctx, "create_resource_quota", namespace, func(ctx context.Context) error {
		quota := &corev1.ResourceQuota{
			ObjectMeta: metav1.ObjectMeta{Name: "shadow-quota", Namespace: namespace},
			Spec: corev1.ResourceQuotaSpec{
				Hard: corev1.ResourceList{
					corev1.ResourceRequestsCPU:    cpuQty,
					corev1.ResourceRequestsMemory: memQty,
				},
			},
		}
		_, err := c.clientset.CoreV1().ResourceQuotas(namespace).Create(ctx, quota, metav1.CreateOptions{})
		return err
	})
}

// CreateDenyAllNetworkPolicy applies a default deny for ingress and
// egress in the namespace.
func (c *Client) CreateDenyAllNetworkPolicy(ctx context.Context, namespace string) error {
	return c.withRetry(ctx, "create_network_policy", namespace, func(ctx context.Context) error {
		policy := &networkingv1.NetworkPolicy{
			ObjectMeta: metav1.ObjectMeta{Name: "shadow-deny-all", Namespace: namespace},
			Spec: networkingv1.NetworkPolicySpec{
				PodSelector: metav1.LabelSelector{},
				PolicyTypes: []networkingv1.PolicyType{
					networkingv1.PolicyTypeIngress,
					networkingv1.PolicyTypeEgress,
				},
			},
		}
		_, err := c.clientset.NetworkingV1().NetworkPolicies(namespace).Create(ctx, policy, metav1.CreateOptions{})
		return err
	})
}

// PodLogs returns up to tailLines recent log lines from a pod.
func (c *Client) PodLogs(ctx context.Context, namespace, name string, tailLines int64) ([]string, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.apiTimeout)
	defer cancel()

	req := c.clientset.CoreV1().Pods(namespace).GetLogs(name, &corev1.PodLogOptions{TailLines: &tailLines})
	stream, err := req.Stream(callCtx)
	if err != nil {
		return nil, aegiserrors.WrapClusterAPI("pod_logs", namespace+"/"+name, err)
	}
	defer func() {
		if err := stream.Close(); err != nil {
			log.Debug().Err(err).Msg("Closing pod log stream failed")
		}
	}()

	var lines []string
	scanner := bufio.NewScanner(stream)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return lines, aegiserrors.WrapClusterAPI("pod_logs_read", namespace+"/"+name, err)
	}
	return lines, nil
}

// NamespaceLogs concatenates recent log lines from pods matching the
// selector, used by the runtime-alert scanner.
func (c *Client) NamespaceLogs(ctx context.Context, namespace, selector string, tailLines int64) ([]string, error) {
	pods, err := c.ListPods(ctx, namespace, selector)
	if err != nil {
		return nil, err
	}
	var lines []string
	for _, pod := range pods {
		podLines, err := c.PodLogs(ctx, namespace, pod.Name, tailLines)
		if err != nil {
			log.Debug().Err(err).Str("pod", pod.Name).Msg("Skipping unreadable pod logs")
			continue
		}
		lines = append(lines, podLines...)
	}
	return lines, nil
}
