// Package diagnostics gathers the fault context for an incident: the
// external diagnostic tool's findings plus log tails, events, and the
// live manifest read from the cluster API.
package diagnostics

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"sigs.k8s.io/yaml"

	"github.com/aegis-sre/aegis/internal/cluster"
	"github.com/aegis-sre/aegis/internal/config"
	"github.com/aegis-sre/aegis/internal/models"
)

// Sentinel strings recorded in FaultContext.Errors so downstream stages
// can tell a degraded context from a complete one.
const (
	ErrorToolUnavailable = "diagnostic-unavailable"
	ErrorToolTimeout     = "diagnostic-timeout"
	ErrorToolFailed      = "diagnostic-failed"
	ErrorLogsUnavailable = "logs-unavailable"
)

// Test seams, same pattern as the host agent's SMART collector.
var (
	lookPath   = exec.LookPath
	runCommand = func(ctx context.Context, name string, args ...string) ([]byte, error) {
		return exec.CommandContext(ctx, name, args...).Output()
	}
)

// toolReport mirrors the analyzer's --output=json shape. Result names
// arrive as "namespace/name".
type toolReport struct {
	Status   string `json:"status"`
	Problems int    `json:"problems"`
	Results  []struct {
		Kind  string `json:"kind"`
		Name  string `json:"name"`
		Error []struct {
			Text string `json:"Text"`
		} `json:"error"`
		ParentObject string `json:"parentObject"`
	} `json:"results"`
}

// Collector assembles fault contexts.
type Collector struct {
	cfg     config.DiagnosticsConfig
	cluster *cluster.Client
}

// New builds a collector over the given cluster client.
func New(cfg config.DiagnosticsConfig, clusterClient *cluster.Client) *Collector {
	return &Collector{cfg: cfg, cluster: clusterClient}
}

// Collect builds the fault context for an incident. It never fails
// outright: a missing or timed-out tool produces a degraded context
// with the corresponding error marker, and log or event reads that fail
// are simply absent. The caller decides whether a degraded context is
// good enough.
func (c *Collector) Collect(ctx context.Context, incident *models.Incident) *models.FaultContext {
	if c.cfg.MockMode {
		log.Debug().Str("resource", incident.Resource.String()).Msg("Mock mode: returning canned fault context")
		return mockFaultContext(incident.Resource)
	}

	fc := &models.FaultContext{
		Resource:  incident.Resource,
		Collected: time.Now(),
	}

	c.runTool(ctx, incident.Resource, fc)
	c.collectLogs(ctx, incident.Resource, fc)
	c.collectEvents(ctx, incident.Resource, fc)
	c.collectManifest(ctx, incident.Resource, fc)

	log.Debug().
		Str("incident_id", incident.ID).
		Str("resource", incident.Resource.String()).
		Int("findings", len(fc.Findings)).
		Int("log_lines", len(fc.LogTail)).
		Strs("errors", fc.Errors).
		Msg("Fault context collected")
	return fc
}

// mockFaultContext is the offline stand-in for a full collection run:
// a deterministic bundle for the well-known failure scenarios, keyed
// off the workload name. Unrecognized names get the crash-loop fixture.
func mockFaultContext(ref models.ResourceRef) *models.FaultContext {
	fc := &models.FaultContext{Resource: ref, Collected: time.Now()}
	parent := ref.Kind + "/" + ref.Name
	name := strings.ToLower(ref.Name)
	switch {
	case strings.Contains(name, "oom"):
		fc.Findings = []models.DiagnosticFinding{{
			Kind:      "Pod",
			Namespace: ref.Namespace,
			Name:      ref.Name + "-0",
			Errors:    []string{"the last termination reason is OOMKilled container=app"},
			Parent:    parent,
		}}
		fc.Events = []string{"Warning OOMKilling Memory cgroup out of memory: Killed process 1 (app)"}
		fc.LogTail = []string{
			"allocating request buffer",
			"fatal error: runtime: out of memory",
		}
	case strings.Contains(name, "pull"), strings.Contains(name, "image"):
		fc.Findings = []models.DiagnosticFinding{{
			Kind:      "Pod",
			Namespace: ref.Namespace,
			Name:      ref.Name + "-0",
			Errors:    []string{"Back-off pulling image \"registry.local/" + ref.Name + ":latest\""},
			Parent:    parent,
		}}
		fc.Events = []string{"Warning Failed Error: ImagePullBackOff"}
	default:
		fc.Findings = []models.DiagnosticFinding{{
			Kind:      "Pod",
			Namespace: ref.Namespace,
			Name:      ref.Name + "-0",
			Errors:    []string{"back-off 5m0s restarting failed container=app"},
			Parent:    parent,
		}}
		fc.Events = []string{"Warning BackOff Back-off restarting failed container"}
		fc.LogTail = []string{
			"starting server on :8080",
			"panic: connection refused",
		}
	}
	return fc
}

func (c *Collector) runTool(ctx context.Context, ref models.ResourceRef, fc *models.FaultContext) {
	if _, err := lookPath(c.cfg.Tool); err != nil {
		log.Warn().Str("tool", c.cfg.Tool).Msg("Diagnostic tool not on PATH; continuing with degraded context")
		fc.Errors = append(fc.Errors, ErrorToolUnavailable)
		return
	}

	toolCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	args := []string{
		"analyze",
		"--explain=false",
		"--filter=" + ref.Kind,
		"--namespace=" + ref.Namespace,
		"--output=json",
	}
	out, err := runCommand(toolCtx, c.cfg.Tool, args...)
	if err != nil {
		if toolCtx.Err() == context.DeadlineExceeded {
			log.Warn().Str("tool", c.cfg.Tool).Dur("timeout", c.cfg.Timeout).Msg("Diagnostic tool timed out")
			fc.Errors = append(fc.Errors, ErrorToolTimeout)
			return
		}
		log.Warn().Err(err).Str("tool", c.cfg.Tool).Msg("Diagnostic tool failed")
		fc.Errors = append(fc.Errors, ErrorToolFailed)
		return
	}
	fc.Raw = out

	var report toolReport
	if err := json.Unmarshal(out, &report); err != nil {
		log.Warn().Err(err).Str("tool", c.cfg.Tool).Msg("Diagnostic tool output is not valid JSON")
		fc.Errors = append(fc.Errors, ErrorToolFailed)
		return
	}

	for _, result := range report.Results {
		namespace, name := splitResultName(result.Name, ref.Namespace)
		finding := models.DiagnosticFinding{
			Kind:      result.Kind,
			Name:      name,
			Namespace: namespace,
			Parent:    result.ParentObject,
		}
		for _, e := range result.Error {
			if text := strings.TrimSpace(e.Text); text != "" {
				finding.Errors = append(finding.Errors, text)
			}
		}
		fc.Findings = append(fc.Findings, finding)
	}
}

// splitResultName parses the tool's "namespace/name" form.
func splitResultName(full, fallbackNamespace string) (string, string) {
	if idx := strings.Index(full, "/"); idx >= 0 {
		return full[:idx], full[idx+1:]
	}
	return fallbackNamespace, full
}

func (c *Collector) collectLogs(ctx context.Context, ref models.ResourceRef, fc *models.FaultContext) {
	tail := c.cfg.LogTailLines
	if tail <= 0 {
		tail = 100
	}

	var (
		lines []string
		err   error
	)
	switch strings.ToLower(ref.Kind) {
	case "pod":
		lines, err = c.cluster.PodLogs(ctx, ref.Namespace, ref.Name, tail)
	case "deployment":
		lines, err = c.deploymentLogs(ctx, ref, tail)
	default:
		return
	}
	if err != nil {
		log.Debug().Err(err).Str("resource", ref.String()).Msg("Log tail unavailable")
		fc.Errors = append(fc.Errors, ErrorLogsUnavailable)
		return
	}
	fc.LogTail = lines
}

// deploymentLogs tails the first pod selected by the deployment. One
// pod is enough signal for root-cause analysis; the full set would
// mostly repeat it.
func (c *Collector) deploymentLogs(ctx context.Context, ref models.ResourceRef, tail int64) ([]string, error) {
	dep, err := c.cluster.GetDeployment(ctx, ref.Namespace, ref.Name)
	if err != nil {
		return nil, err
	}
	selector := labelsToSelector(dep.Spec.Selector.MatchLabels)
	pods, err := c.cluster.ListPods(ctx, ref.Namespace, selector)
	if err != nil {
		return nil, err
	}
	if len(pods) == 0 {
		return nil, fmt.Errorf("no pods match deployment selector %q", selector)
	}
	return c.cluster.PodLogs(ctx, ref.Namespace, pods[0].Name, tail)
}

func labelsToSelector(labels map[string]string) string {
	parts := make([]string, 0, len(labels))
	for k, v := range labels {
		parts = append(parts, k+"="+v)
	}
	return strings.Join(parts, ",")
}

func (c *Collector) collectEvents(ctx context.Context, ref models.ResourceRef, fc *models.FaultContext) {
	events, err := c.cluster.ListEvents(ctx, ref.Namespace, ref.Name)
	if err != nil {
		log.Debug().Err(err).Str("resource", ref.String()).Msg("Events unavailable")
		return
	}
	fc.Events = events
}

func (c *Collector) collectManifest(ctx context.Context, ref models.ResourceRef, fc *models.FaultContext) {
	var (
		obj interface{}
		err error
	)
	switch strings.ToLower(ref.Kind) {
	case "deployment":
		obj, err = c.cluster.GetDeployment(ctx, ref.Namespace, ref.Name)
	case "pod":
		obj, err = c.cluster.GetPod(ctx, ref.Namespace, ref.Name)
	default:
		return
	}
	if err != nil {
		log.Debug().Err(err).Str("resource", ref.String()).Msg("Manifest unavailable")
		return
	}
	data, err := yaml.Marshal(obj)
	if err != nil {
		log.Debug().Err(err).Msg("Manifest serialization failed")
		return
	}
	fc.Manifest = string(data)
}
