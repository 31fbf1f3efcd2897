package security

import (
	"context"
	"errors"
	"testing"

	"github.com/aegis-sre/aegis/internal/config"
)

func withManifestSeams(t *testing.T, lookPathErr error, output []byte, runErr error) {
	t.Helper()
	origLook, origRun := manifestLookPath, manifestRun
	manifestLookPath = func(string) (string, error) {
		if lookPathErr != nil {
			return "", lookPathErr
		}
		return "/usr/bin/kubesec", nil
	}
	manifestRun = func(context.Context, []byte, string, ...string) ([]byte, error) {
		return output, runErr
	}
	t.Cleanup(func() {
		manifestLookPath, manifestRun = origLook, origRun
	})
}

var manifestYAML = []byte("apiVersion: apps/v1\nkind: Deployment\n")

func TestManifestScannerSkipsWithoutManifest(t *testing.T) {
	s := NewManifestScanner(config.SecurityConfig{ManifestBlockCritical: true})
	result := s.Scan(context.Background(), Target{})
	if !result.Skipped || !result.Passed {
		t.Fatalf("result = %+v", result)
	}
}

func TestManifestScannerFailsOpenWhenToolMissing(t *testing.T) {
	withManifestSeams(t, errors.New("not found"), nil, nil)
	s := NewManifestScanner(config.SecurityConfig{ManifestBlockCritical: true})
	result := s.Scan(context.Background(), Target{Manifest: manifestYAML})
	if !result.Skipped || !result.Passed {
		t.Fatalf("missing tool must fail open: %+v", result)
	}
}

func TestManifestScannerFailsOpenOnBadOutput(t *testing.T) {
	withManifestSeams(t, nil, []byte("garbage"), nil)
	s := NewManifestScanner(config.SecurityConfig{ManifestBlockCritical: true})
	result := s.Scan(context.Background(), Target{Manifest: manifestYAML})
	if !result.Skipped || !result.Passed {
		t.Fatalf("unreadable output must fail open: %+v", result)
	}
}

func TestManifestScannerBlocksOnCritical(t *testing.T) {
	report := `[{"object":"Deployment/web","score":-30,"scoring":{
		"critical":[{"id":"Privileged","reason":"privileged container","points":-30}],
		"advise":[{"id":"RunAsNonRoot","reason":"run as non-root"}]}}]`
	withManifestSeams(t, nil, []byte(report), nil)
	s := NewManifestScanner(config.SecurityConfig{ManifestBlockCritical: true})
	result := s.Scan(context.Background(), Target{Manifest: manifestYAML})
	if result.Passed || result.Skipped {
		t.Fatalf("critical finding must block: %+v", result)
	}
	if len(result.Findings) != 2 {
		t.Fatalf("findings = %d, want critical + advisory", len(result.Findings))
	}
}

func TestManifestScannerCriticalsAdvisoryWhenNotBlocking(t *testing.T) {
	report := `[{"object":"Deployment/web","score":-30,"scoring":{
		"critical":[{"id":"Privileged","reason":"privileged container","points":-30}],
		"advise":[]}}]`
	withManifestSeams(t, nil, []byte(report), nil)
	s := NewManifestScanner(config.SecurityConfig{ManifestBlockCritical: false})
	result := s.Scan(context.Background(), Target{Manifest: manifestYAML})
	if !result.Passed {
		t.Fatalf("criticals are advisory when blocking is off: %+v", result)
	}
}

func TestManifestScannerCleanManifestPasses(t *testing.T) {
	report := `[{"object":"Deployment/web","score":7,"scoring":{"critical":[],"advise":[]}}]`
	withManifestSeams(t, nil, []byte(report), nil)
	s := NewManifestScanner(config.SecurityConfig{ManifestBlockCritical: true})
	result := s.Scan(context.Background(), Target{Manifest: manifestYAML})
	if !result.Passed || result.Skipped {
		t.Fatalf("result = %+v", result)
	}
}
