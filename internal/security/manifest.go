package security

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"

	"github.com/aegis-sre/aegis/internal/config"
	"github.com/aegis-sre/aegis/internal/models"
)

const manifestScannerID = "manifest"
const manifestScanTool = "kubesec"

// Test seams.
var (
	manifestLookPath = exec.LookPath
	manifestRun      = func(ctx context.Context, stdin []byte, name string, args ...string) ([]byte, error) {
		cmd := exec.CommandContext(ctx, name, args...)
		cmd.Stdin = bytes.NewReader(stdin)
		return cmd.Output()
	}
)

// kubesecReport mirrors the tool's scan output: one entry per object.
type kubesecReport []struct {
	Object  string `json:"object"`
	Score   int    `json:"score"`
	Scoring struct {
		Critical []struct {
			ID     string `json:"id"`
			Reason string `json:"reason"`
			Points int    `json:"points"`
		} `json:"critical"`
		Advise []struct {
			ID     string `json:"id"`
			Reason string `json:"reason"`
		} `json:"advise"`
	} `json:"scoring"`
}

// ManifestScanner grades the patched manifest for security hygiene.
// It fails open on a missing tool; manifest hygiene is advisory unless
// criticals are configured to block.
type ManifestScanner struct {
	blockOnCritical bool
}

func NewManifestScanner(cfg config.SecurityConfig) *ManifestScanner {
	return &ManifestScanner{blockOnCritical: cfg.ManifestBlockCritical}
}

func (s *ManifestScanner) ID() string { return manifestScannerID }

func (s *ManifestScanner) Scan(ctx context.Context, target Target) models.ScannerResult {
	result := models.ScannerResult{Tool: manifestScanTool}

	if len(target.Manifest) == 0 {
		result.Skipped = true
		result.Passed = true
		result.Reason = "no manifest to grade"
		result.Summary = "skipped: no manifest"
		return result
	}

	if _, err := manifestLookPath(manifestScanTool); err != nil {
		result.Skipped = true
		result.Passed = true
		result.Reason = fmt.Sprintf("%s not on PATH", manifestScanTool)
		result.Summary = "skipped: scanner unavailable"
		return result
	}

	out, err := manifestRun(ctx, target.Manifest, manifestScanTool, "scan", "/dev/stdin")
	if err != nil {
		// The tool exits non-zero on critical findings but still prints
		// its report; fall through to parsing when output exists.
		if _, ok := err.(*exec.ExitError); !ok || len(out) == 0 {
			result.Skipped = true
			result.Passed = true
			result.Reason = fmt.Sprintf("manifest scan did not complete: %v", err)
			result.Summary = "skipped: scan incomplete"
			return result
		}
	}
	result.Raw = json.RawMessage(out)

	var report kubesecReport
	if err := json.Unmarshal(out, &report); err != nil {
		result.Skipped = true
		result.Passed = true
		result.Reason = "scanner output is not valid JSON"
		result.Summary = "skipped: unreadable scan output"
		return result
	}

	criticals := 0
	for _, entry := range report {
		for _, critical := range entry.Scoring.Critical {
			criticals++
			result.Findings = append(result.Findings, models.SecurityFinding{
				ScannerID:  manifestScannerID,
				Severity:   models.FindingCritical,
				Title:      critical.Reason,
				Identifier: critical.ID,
				Location:   entry.Object,
			})
		}
		for _, advise := range entry.Scoring.Advise {
			result.Findings = append(result.Findings, models.SecurityFinding{
				ScannerID:  manifestScannerID,
				Severity:   models.FindingLow,
				Title:      advise.Reason,
				Identifier: advise.ID,
				Location:   entry.Object,
			})
		}
	}

	result.Passed = !(s.blockOnCritical && criticals > 0)
	if result.Passed {
		result.Summary = fmt.Sprintf("manifest graded: %d advisories, %d criticals (non-blocking)", len(result.Findings)-criticals, criticals)
	} else {
		result.Reason = fmt.Sprintf("%d critical manifest findings", criticals)
		result.Summary = fmt.Sprintf("manifest blocked: %d critical findings", criticals)
	}
	return result
}
