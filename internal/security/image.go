package security

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"

	"github.com/aegis-sre/aegis/internal/config"
	"github.com/aegis-sre/aegis/internal/models"
)

const imageScannerID = "image"
const imageScanTool = "trivy"

// Test seams.
var (
	imageLookPath = exec.LookPath
	imageRun      = func(ctx context.Context, name string, args ...string) ([]byte, error) {
		return exec.CommandContext(ctx, name, args...).Output()
	}
)

// trivyReport mirrors the scanner's --format json output.
type trivyReport struct {
	Results []struct {
		Target          string `json:"Target"`
		Vulnerabilities []struct {
			VulnerabilityID  string `json:"VulnerabilityID"`
			PkgName          string `json:"PkgName"`
			InstalledVersion string `json:"InstalledVersion"`
			Severity         string `json:"Severity"`
			Title            string `json:"Title"`
		} `json:"Vulnerabilities"`
	} `json:"Results"`
}

// ImageScanner vets a new image reference for known vulnerabilities.
// This scanner fails closed: a new image that cannot be scanned must
// not reach the cluster, so a missing tool or a scan error blocks.
type ImageScanner struct {
	severities string
	threshold  models.AlertPriority
}

func NewImageScanner(cfg config.SecurityConfig) *ImageScanner {
	return &ImageScanner{
		severities: cfg.ImageScanSeverity,
		threshold:  severityThreshold(cfg.ImageScanSeverity, models.PriorityError),
	}
}

func (s *ImageScanner) ID() string { return imageScannerID }

func (s *ImageScanner) Scan(ctx context.Context, target Target) models.ScannerResult {
	result := models.ScannerResult{Tool: imageScanTool}

	if target.Image == "" {
		result.Skipped = true
		result.Passed = true
		result.Reason = "fix introduces no new image"
		result.Summary = "skipped: no image to scan"
		return result
	}

	if _, err := imageLookPath(imageScanTool); err != nil {
		// Fail closed: an unscanned image never passes.
		result.Passed = false
		result.Reason = fmt.Sprintf("%s not on PATH; image scan is mandatory for new images", imageScanTool)
		result.Summary = "blocked: scanner unavailable"
		return result
	}

	out, err := imageRun(ctx, imageScanTool,
		"image",
		"--format", "json",
		"--severity", s.severities,
		"--quiet",
		target.Image,
	)
	if err != nil {
		result.Passed = false
		result.Reason = fmt.Sprintf("scan of %s failed: %v", target.Image, err)
		result.Summary = "blocked: scan failed"
		return result
	}
	result.Raw = json.RawMessage(out)

	var report trivyReport
	if err := json.Unmarshal(out, &report); err != nil {
		result.Passed = false
		result.Reason = "scanner output is not valid JSON"
		result.Summary = "blocked: unreadable scan output"
		return result
	}

	for _, res := range report.Results {
		for _, vuln := range res.Vulnerabilities {
			if !models.ParseAlertPriority(vuln.Severity).MeetsThreshold(s.threshold) {
				continue
			}
			result.Findings = append(result.Findings, models.SecurityFinding{
				ScannerID:  imageScannerID,
				Severity:   strings.ToUpper(vuln.Severity),
				Title:      vuln.Title,
				Identifier: vuln.VulnerabilityID,
				Location:   fmt.Sprintf("%s (%s %s)", res.Target, vuln.PkgName, vuln.InstalledVersion),
			})
		}
	}

	result.Passed = len(result.Findings) == 0
	if result.Passed {
		result.Summary = fmt.Sprintf("%s clean at severities %s", target.Image, s.severities)
	} else {
		result.Reason = fmt.Sprintf("%d vulnerabilities at or above threshold", len(result.Findings))
		result.Summary = fmt.Sprintf("%s has %d blocking vulnerabilities", target.Image, len(result.Findings))
	}
	return result
}
