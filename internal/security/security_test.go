package security

import (
	"context"
	"testing"
	"time"

	"github.com/aegis-sre/aegis/internal/config"
	"github.com/aegis-sre/aegis/internal/models"
)

type stubScanner struct {
	id     string
	result models.ScannerResult
}

func (s stubScanner) ID() string { return s.id }
func (s stubScanner) Scan(ctx context.Context, target Target) models.ScannerResult {
	return s.result
}

func TestChainAllPass(t *testing.T) {
	chain := &Chain{scanners: []Scanner{
		stubScanner{id: "a", result: models.ScannerResult{Passed: true}},
		stubScanner{id: "b", result: models.ScannerResult{Passed: true}},
	}}
	report := chain.Run(context.Background(), Target{})
	if !report.Passed || report.Skipped {
		t.Fatalf("report = %+v", report)
	}
}

func TestChainOneFailureBlocks(t *testing.T) {
	chain := &Chain{scanners: []Scanner{
		stubScanner{id: "a", result: models.ScannerResult{Passed: true}},
		stubScanner{id: "b", result: models.ScannerResult{
			Passed: false,
			Findings: []models.SecurityFinding{
				{ScannerID: "b", Severity: "CRITICAL", Title: "bad"},
			},
		}},
	}}
	report := chain.Run(context.Background(), Target{})
	if report.Passed {
		t.Fatal("one failing scanner must fail the report")
	}
	if report.SeverityCounts["critical"] != 1 {
		t.Fatalf("severity counts = %v", report.SeverityCounts)
	}
	if len(report.Findings) != 1 {
		t.Fatalf("findings = %d", len(report.Findings))
	}
}

func TestChainSkippedScannersNeverBlock(t *testing.T) {
	chain := &Chain{scanners: []Scanner{
		stubScanner{id: "a", result: models.ScannerResult{Skipped: true, Passed: true}},
		stubScanner{id: "b", result: models.ScannerResult{Passed: true}},
	}}
	report := chain.Run(context.Background(), Target{})
	if !report.Passed || report.Skipped {
		t.Fatalf("report = %+v", report)
	}
}

func TestChainAllSkippedIsSkippedReport(t *testing.T) {
	chain := &Chain{scanners: []Scanner{
		stubScanner{id: "a", result: models.ScannerResult{Skipped: true, Passed: true}},
	}}
	report := chain.Run(context.Background(), Target{})
	if !report.Skipped {
		t.Fatal("report should be marked skipped when nothing ran")
	}
	if !report.Passed {
		t.Fatal("a skipped report passes; the caller decides what that means")
	}
}

func TestChainEmpty(t *testing.T) {
	chain := NewChain(config.SecurityConfig{}, nil, nil)
	report := chain.Run(context.Background(), Target{})
	if !report.Passed || !report.Skipped {
		t.Fatalf("empty chain report = %+v", report)
	}
}

func TestNewChainAssemblyOrder(t *testing.T) {
	cfg := config.SecurityConfig{
		ImageScanEnabled:     true,
		RuntimeAlertsEnabled: true,
		WebScanEnabled:       true,
		ManifestScanEnabled:  true,
		ScannerTimeout:       time.Minute,
	}
	chain := NewChain(cfg, nil, nil)
	ids := []string{}
	for _, s := range chain.Scanners() {
		ids = append(ids, s.ID())
	}
	want := []string{"image", "runtime-alert", "web", "manifest"}
	if len(ids) != len(want) {
		t.Fatalf("scanners = %v", ids)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Fatalf("scanner order = %v, want %v", ids, want)
		}
	}
}

func TestSeverityThreshold(t *testing.T) {
	cases := []struct {
		option   string
		fallback models.AlertPriority
		want     models.AlertPriority
	}{
		{"CRITICAL,HIGH", models.PriorityError, models.PriorityError},
		{"CRITICAL", models.PriorityError, models.PriorityCriticalAlert},
		{"WARNING", models.PriorityError, models.PriorityWarning},
		{"", models.PriorityWarning, models.PriorityWarning},
		{" , ", models.PriorityWarning, models.PriorityWarning},
	}
	for _, tc := range cases {
		if got := severityThreshold(tc.option, tc.fallback); got != tc.want {
			t.Errorf("severityThreshold(%q) = %s, want %s", tc.option, got, tc.want)
		}
	}
}
