package security

import (
	"context"
	"errors"
	"testing"

	"github.com/aegis-sre/aegis/internal/config"
)

func withImageSeams(t *testing.T, lookPathErr error, output []byte, runErr error) {
	t.Helper()
	origLook, origRun := imageLookPath, imageRun
	imageLookPath = func(string) (string, error) {
		if lookPathErr != nil {
			return "", lookPathErr
		}
		return "/usr/bin/trivy", nil
	}
	imageRun = func(context.Context, string, ...string) ([]byte, error) {
		return output, runErr
	}
	t.Cleanup(func() {
		imageLookPath, imageRun = origLook, origRun
	})
}

func imageScanCfg() config.SecurityConfig {
	return config.SecurityConfig{ImageScanEnabled: true, ImageScanSeverity: "CRITICAL,HIGH"}
}

func TestImageScannerSkipsWithoutImage(t *testing.T) {
	s := NewImageScanner(imageScanCfg())
	result := s.Scan(context.Background(), Target{})
	if !result.Skipped || !result.Passed {
		t.Fatalf("result = %+v", result)
	}
}

func TestImageScannerFailsClosedWhenToolMissing(t *testing.T) {
	withImageSeams(t, errors.New("not found"), nil, nil)
	s := NewImageScanner(imageScanCfg())
	result := s.Scan(context.Background(), Target{Image: "web:2"})
	if result.Skipped {
		t.Fatal("a missing scanner must not be reported as skipped for a new image")
	}
	if result.Passed {
		t.Fatal("an unscannable image must not pass")
	}
}

func TestImageScannerFailsClosedOnScanError(t *testing.T) {
	withImageSeams(t, nil, nil, errors.New("registry unreachable"))
	s := NewImageScanner(imageScanCfg())
	result := s.Scan(context.Background(), Target{Image: "web:2"})
	if result.Passed || result.Skipped {
		t.Fatalf("result = %+v", result)
	}
}

func TestImageScannerFailsClosedOnBadJSON(t *testing.T) {
	withImageSeams(t, nil, []byte("not-json"), nil)
	s := NewImageScanner(imageScanCfg())
	result := s.Scan(context.Background(), Target{Image: "web:2"})
	if result.Passed || result.Skipped {
		t.Fatalf("result = %+v", result)
	}
}

func TestImageScannerCleanImagePasses(t *testing.T) {
	withImageSeams(t, nil, []byte(`{"Results":[{"Target":"web:2","Vulnerabilities":[]}]}`), nil)
	s := NewImageScanner(imageScanCfg())
	result := s.Scan(context.Background(), Target{Image: "web:2"})
	if !result.Passed || result.Skipped {
		t.Fatalf("result = %+v", result)
	}
}

func TestImageScannerBlocksOnThresholdVulnerability(t *testing.T) {
	report := `{"Results":[{"Target":"web:2","Vulnerabilities":[
		{"VulnerabilityID":"CVE-2026-0001","PkgName":"openssl","InstalledVersion":"3.0.1","Severity":"CRITICAL","Title":"overflow"},
		{"VulnerabilityID":"CVE-2026-0002","PkgName":"zlib","InstalledVersion":"1.2.3","Severity":"LOW","Title":"minor"}
	]}]}`
	withImageSeams(t, nil, []byte(report), nil)
	s := NewImageScanner(imageScanCfg())
	result := s.Scan(context.Background(), Target{Image: "web:2"})
	if result.Passed {
		t.Fatal("critical vulnerability must block")
	}
	// The LOW finding is below threshold and must be filtered out.
	if len(result.Findings) != 1 {
		t.Fatalf("findings = %+v", result.Findings)
	}
	if result.Findings[0].Identifier != "CVE-2026-0001" {
		t.Fatalf("finding = %+v", result.Findings[0])
	}
}
