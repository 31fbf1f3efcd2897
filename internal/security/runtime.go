package security

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/aegis-sre/aegis/internal/config"
	"github.com/aegis-sre/aegis/internal/models"
)

const runtimeScannerID = "runtime-alert"
const runtimeAlertTailLines = 2000

// AlertLogSource supplies recent log lines from the runtime alert
// engine's pods. *cluster.Client satisfies it.
type AlertLogSource interface {
	NamespaceLogs(ctx context.Context, namespace, selector string, tailLines int64) ([]string, error)
}

// falcoEvent is one JSON-formatted alert line. Text-format lines are
// handled separately.
type falcoEvent struct {
	Priority     string            `json:"priority"`
	Rule         string            `json:"rule"`
	Output       string            `json:"output"`
	Time         time.Time         `json:"time"`
	OutputFields map[string]string `json:"output_fields"`
}

// RuntimeAlertScanner inspects runtime alerts raised during the
// verification window, scoped to the shadow namespace. A missing alert
// engine fails open: the shadow run proceeds without runtime coverage
// and the result says so. An alert at or above the threshold fails
// closed.
type RuntimeAlertScanner struct {
	source    AlertLogSource
	namespace string
	selector  string
	threshold models.AlertPriority
}

func NewRuntimeAlertScanner(cfg config.SecurityConfig, source AlertLogSource) *RuntimeAlertScanner {
	return &RuntimeAlertScanner{
		source:    source,
		namespace: cfg.RuntimeAlertsNamespace,
		selector:  cfg.RuntimeAlertsSelector,
		threshold: severityThreshold(cfg.RuntimeAlertsSeverity, models.PriorityWarning),
	}
}

func (s *RuntimeAlertScanner) ID() string { return runtimeScannerID }

func (s *RuntimeAlertScanner) Scan(ctx context.Context, target Target) models.ScannerResult {
	result := models.ScannerResult{Tool: "falco"}

	if s.source == nil {
		result.Skipped = true
		result.Passed = true
		result.Reason = "no alert log source configured"
		result.Summary = "skipped: runtime alerts unavailable"
		return result
	}

	lines, err := s.source.NamespaceLogs(ctx, s.namespace, s.selector, runtimeAlertTailLines)
	if err != nil || len(lines) == 0 {
		// Fail open: the alert engine is an optional cluster add-on.
		result.Skipped = true
		result.Passed = true
		if err != nil {
			result.Reason = fmt.Sprintf("alert engine logs unreadable: %v", err)
		} else {
			result.Reason = "alert engine not deployed or emitted nothing"
		}
		result.Summary = "skipped: runtime alerts unavailable"
		return result
	}

	for _, line := range lines {
		event, ok := parseAlertLine(line)
		if !ok {
			continue
		}
		if !event.Time.IsZero() && !target.VerificationStart.IsZero() && event.Time.Before(target.VerificationStart) {
			continue
		}
		if target.ShadowNamespace != "" && !eventInNamespace(event, target.ShadowNamespace) {
			continue
		}
		priority := models.ParseAlertPriority(event.Priority)
		if !priority.MeetsThreshold(s.threshold) {
			continue
		}
		result.Findings = append(result.Findings, models.SecurityFinding{
			ScannerID: runtimeScannerID,
			Severity:  priority.String(),
			Title:     event.Rule,
			Location:  target.ShadowNamespace,
		})
	}

	result.Passed = len(result.Findings) == 0
	if result.Passed {
		result.Summary = "no runtime alerts at or above threshold"
	} else {
		result.Reason = fmt.Sprintf("%d runtime alerts at or above %s", len(result.Findings), s.threshold)
		result.Summary = fmt.Sprintf("%d blocking runtime alerts", len(result.Findings))
	}
	return result
}

// parseAlertLine accepts the engine's JSON output or its text format
// ("<time>: <Priority> <output>").
func parseAlertLine(line string) (falcoEvent, bool) {
	line = strings.TrimSpace(line)
	if line == "" {
		return falcoEvent{}, false
	}
	if strings.HasPrefix(line, "{") {
		var event falcoEvent
		if err := json.Unmarshal([]byte(line), &event); err != nil {
			return falcoEvent{}, false
		}
		return event, event.Priority != ""
	}

	// Text format: the priority is the first word after the timestamp.
	colon := strings.Index(line, ": ")
	if colon < 0 {
		return falcoEvent{}, false
	}
	rest := strings.TrimSpace(line[colon+2:])
	fields := strings.Fields(rest)
	if len(fields) == 0 {
		return falcoEvent{}, false
	}
	priority := fields[0]
	if models.ParseAlertPriority(priority) == models.PriorityDebug && !strings.EqualFold(priority, "debug") {
		return falcoEvent{}, false
	}
	return falcoEvent{Priority: priority, Rule: rest, Output: rest}, true
}

func eventInNamespace(event falcoEvent, namespace string) bool {
	if ns, ok := event.OutputFields["k8s.ns.name"]; ok {
		return ns == namespace
	}
	return strings.Contains(event.Output, namespace)
}
