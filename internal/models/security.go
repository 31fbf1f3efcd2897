package models

import (
	"encoding/json"
	"strings"
	"time"
)

// AlertPriority is the fixed total order used for severity threshold
// comparisons across scanners. Lower numeric value is more severe.
type AlertPriority int

const (
	PriorityEmergency AlertPriority = iota
	PriorityAlert
	PriorityCriticalAlert
	PriorityError
	PriorityWarning
	PriorityNotice
	PriorityInfo
	PriorityDebug
)

var alertPriorityNames = map[AlertPriority]string{
	PriorityEmergency:     "EMERGENCY",
	PriorityAlert:         "ALERT",
	PriorityCriticalAlert: "CRITICAL",
	PriorityError:         "ERROR",
	PriorityWarning:       "WARNING",
	PriorityNotice:        "NOTICE",
	PriorityInfo:          "INFO",
	PriorityDebug:         "DEBUG",
}

func (p AlertPriority) String() string {
	if name, ok := alertPriorityNames[p]; ok {
		return name
	}
	return "UNKNOWN"
}

// ParseAlertPriority maps a scanner-reported severity string onto the
// total order. Unknown strings map to DEBUG so they never block.
func ParseAlertPriority(s string) AlertPriority {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "EMERGENCY":
		return PriorityEmergency
	case "ALERT":
		return PriorityAlert
	case "CRITICAL":
		return PriorityCriticalAlert
	case "ERROR", "HIGH":
		return PriorityError
	case "WARNING", "WARN", "MEDIUM":
		return PriorityWarning
	case "NOTICE", "LOW":
		return PriorityNotice
	case "INFO", "INFORMATIONAL":
		return PriorityInfo
	default:
		return PriorityDebug
	}
}

// MeetsThreshold reports whether priority p is at least as severe as the
// threshold t.
func (p AlertPriority) MeetsThreshold(t AlertPriority) bool {
	return p <= t
}

// FindingSeverity buckets used in aggregated reports.
const (
	FindingCritical = "critical"
	FindingHigh     = "high"
	FindingMedium   = "medium"
	FindingLow      = "low"
	FindingInfo     = "info"
)

// SecurityFinding is one normalized scanner result.
type SecurityFinding struct {
	ScannerID  string          `json:"scanner_id"`
	Severity   string          `json:"severity"`
	Title      string          `json:"title"`
	Identifier string          `json:"identifier,omitempty"`
	Location   string          `json:"location,omitempty"`
	Raw        json.RawMessage `json:"raw,omitempty"`
}

// ScannerResult is the per-scanner outcome. Skipped and failed are
// distinct: a skipped scanner never blocks verification.
type ScannerResult struct {
	Tool     string            `json:"tool"`
	Passed   bool              `json:"passed"`
	Skipped  bool              `json:"skipped"`
	Reason   string            `json:"reason,omitempty"`
	Findings []SecurityFinding `json:"findings,omitempty"`
	Summary  string            `json:"summary"`
	Raw      json.RawMessage   `json:"raw,omitempty"`
}

// SecurityReport aggregates the scanner chain into the single verdict
// that governs whether a shadow verification may pass.
type SecurityReport struct {
	Passed         bool                     `json:"passed"`
	Skipped        bool                     `json:"skipped"`
	Scanners       map[string]ScannerResult `json:"scanners"`
	Findings       []SecurityFinding        `json:"findings,omitempty"`
	SeverityCounts map[string]int           `json:"severity_counts,omitempty"`
	Summary        string                   `json:"summary"`
	Timestamp      time.Time                `json:"timestamp"`
}
