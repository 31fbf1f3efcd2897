// Package security runs the scanner chain that gates shadow
// verification: image vulnerabilities, runtime alerts, web baseline,
// and manifest hygiene. Scanners fail open or closed individually; the
// chain aggregates their results into a single verdict.
package security

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/aegis-sre/aegis/internal/config"
	"github.com/aegis-sre/aegis/internal/metrics"
	"github.com/aegis-sre/aegis/internal/models"
)

// Target is everything a scan run may inspect. Fields are optional;
// each scanner skips itself when its input is absent.
type Target struct {
	// Image is the image reference a fix proposal introduces, if any.
	Image string
	// ShadowNamespace scopes runtime alerts to the environment under test.
	ShadowNamespace string
	// WebTarget is the URL probed by the web baseline scan.
	WebTarget string
	// Manifest is the patched workload manifest in YAML.
	Manifest []byte
	// VerificationStart bounds the runtime alert window.
	VerificationStart time.Time
}

// Scanner is one link in the chain.
type Scanner interface {
	ID() string
	Scan(ctx context.Context, target Target) models.ScannerResult
}

// Chain runs scanners in order and aggregates. The order is fixed:
// image first (cheapest veto), then runtime alerts, web, manifest.
type Chain struct {
	scanners []Scanner
	timeout  time.Duration
	metrics  *metrics.Set
}

// NewChain assembles the chain from configuration. Disabled scanners are
// left out entirely and appear in reports as skipped.
func NewChain(cfg config.SecurityConfig, alertLogs AlertLogSource, m *metrics.Set) *Chain {
	chain := &Chain{timeout: cfg.ScannerTimeout, metrics: m}
	if cfg.ImageScanEnabled {
		chain.scanners = append(chain.scanners, NewImageScanner(cfg))
	}
	if cfg.RuntimeAlertsEnabled {
		chain.scanners = append(chain.scanners, NewRuntimeAlertScanner(cfg, alertLogs))
	}
	if cfg.WebScanEnabled {
		chain.scanners = append(chain.scanners, NewWebScanner(cfg))
	}
	if cfg.ManifestScanEnabled {
		chain.scanners = append(chain.scanners, NewManifestScanner(cfg))
	}
	return chain
}

// Scanners returns the assembled chain members, in run order.
func (c *Chain) Scanners() []Scanner {
	return c.scanners
}

// Run executes the chain against the target. The report fails when any
// non-skipped scanner fails; skipped scanners never block. An empty
// chain yields a passing, skipped report.
func (c *Chain) Run(ctx context.Context, target Target) *models.SecurityReport {
	report := &models.SecurityReport{
		Passed:         true,
		Scanners:       make(map[string]models.ScannerResult, len(c.scanners)),
		SeverityCounts: make(map[string]int),
		Timestamp:      time.Now().UTC(),
	}

	ran := 0
	for _, scanner := range c.scanners {
		scanCtx := ctx
		var cancel context.CancelFunc
		if c.timeout > 0 {
			scanCtx, cancel = context.WithTimeout(ctx, c.timeout)
		}
		result := scanner.Scan(scanCtx, target)
		if cancel != nil {
			cancel()
		}

		report.Scanners[scanner.ID()] = result
		report.Findings = append(report.Findings, result.Findings...)
		for _, finding := range result.Findings {
			report.SeverityCounts[strings.ToLower(finding.Severity)]++
		}

		if result.Skipped {
			log.Debug().Str("scanner", scanner.ID()).Str("reason", result.Reason).Msg("Scanner skipped")
			continue
		}
		ran++
		if !result.Passed {
			report.Passed = false
			c.recordBlocks(scanner.ID(), result)
			log.Warn().
				Str("scanner", scanner.ID()).
				Str("reason", result.Reason).
				Int("findings", len(result.Findings)).
				Msg("Security scanner blocked verification")
		}
	}

	report.Skipped = ran == 0
	report.Summary = summarize(report, ran, len(c.scanners))
	return report
}

func (c *Chain) recordBlocks(scannerID string, result models.ScannerResult) {
	if len(result.Findings) == 0 {
		c.metrics.RecordSecurityBlock(scannerID, "unknown")
		return
	}
	seen := make(map[string]bool)
	for _, finding := range result.Findings {
		severity := strings.ToUpper(finding.Severity)
		if severity == "" {
			severity = "UNKNOWN"
		}
		if !seen[severity] {
			seen[severity] = true
			c.metrics.RecordSecurityBlock(scannerID, severity)
		}
	}
}

func summarize(report *models.SecurityReport, ran, total int) string {
	switch {
	case report.Skipped:
		return fmt.Sprintf("no scanners ran (%d configured)", total)
	case report.Passed:
		return fmt.Sprintf("%d/%d scanners ran, all passed", ran, total)
	default:
		var blocked []string
		for id, result := range report.Scanners {
			if !result.Skipped && !result.Passed {
				blocked = append(blocked, id)
			}
		}
		return fmt.Sprintf("blocked by: %s (%d findings)", strings.Join(blocked, ", "), len(report.Findings))
	}
}

// severityList parses a comma-separated severity option into the
// lowest-urgency threshold it names, so MeetsThreshold comparisons work
// against a single bound.
func severityThreshold(option string, fallback models.AlertPriority) models.AlertPriority {
	threshold := models.AlertPriority(-1)
	for _, part := range strings.Split(option, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		p := models.ParseAlertPriority(part)
		if p > threshold {
			threshold = p
		}
	}
	if threshold < 0 {
		return fallback
	}
	return threshold
}
