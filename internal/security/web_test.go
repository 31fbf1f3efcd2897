package security

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"

	"github.com/aegis-sre/aegis/internal/config"
)

type fakeDocker struct {
	pingErr   error
	createErr error
	logs      string
}

func (f *fakeDocker) Ping(ctx context.Context) (dockertypesPing, error) {
	return dockertypesPing{}, f.pingErr
}

func (f *fakeDocker) ImagePull(ctx context.Context, ref string, options image.PullOptions) (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader("")), nil
}

func (f *fakeDocker) ContainerCreate(ctx context.Context, cfg *container.Config, hostCfg *container.HostConfig, name string) (string, error) {
	if f.createErr != nil {
		return "", f.createErr
	}
	return "scan-1", nil
}

func (f *fakeDocker) ContainerStart(ctx context.Context, id string, options container.StartOptions) error {
	return nil
}

func (f *fakeDocker) ContainerWait(ctx context.Context, id string, condition container.WaitCondition) (<-chan container.WaitResponse, <-chan error) {
	statusCh := make(chan container.WaitResponse, 1)
	statusCh <- container.WaitResponse{StatusCode: 0}
	return statusCh, make(chan error, 1)
}

func (f *fakeDocker) ContainerLogs(ctx context.Context, id string, options container.LogsOptions) (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader(f.logs)), nil
}

func (f *fakeDocker) ContainerRemove(ctx context.Context, id string, options container.RemoveOptions) error {
	return nil
}

func withDockerSeam(t *testing.T, rt dockerRuntime, err error) {
	t.Helper()
	orig := newDockerRuntime
	newDockerRuntime = func() (dockerRuntime, error) { return rt, err }
	t.Cleanup(func() { newDockerRuntime = orig })
}

func TestWebScannerSkipsWithoutTarget(t *testing.T) {
	s := NewWebScanner(config.SecurityConfig{})
	result := s.Scan(context.Background(), Target{})
	if !result.Skipped || !result.Passed {
		t.Fatalf("result = %+v", result)
	}
}

func TestWebScannerFailsOpenWithoutRuntime(t *testing.T) {
	withDockerSeam(t, nil, errors.New("docker socket missing"))
	s := NewWebScanner(config.SecurityConfig{WebScanTarget: "http://web.shadow.svc"})
	result := s.Scan(context.Background(), Target{})
	if !result.Skipped || !result.Passed {
		t.Fatalf("missing runtime must fail open: %+v", result)
	}
}

func TestWebScannerFailsOpenWhenDaemonUnreachable(t *testing.T) {
	withDockerSeam(t, &fakeDocker{pingErr: errors.New("connection refused")}, nil)
	s := NewWebScanner(config.SecurityConfig{WebScanTarget: "http://web.shadow.svc"})
	result := s.Scan(context.Background(), Target{})
	if !result.Skipped || !result.Passed {
		t.Fatalf("result = %+v", result)
	}
}

func TestWebScannerFailsOpenOnScanError(t *testing.T) {
	withDockerSeam(t, &fakeDocker{createErr: errors.New("image missing")}, nil)
	s := NewWebScanner(config.SecurityConfig{WebScanTarget: "http://web.shadow.svc"})
	result := s.Scan(context.Background(), Target{})
	if !result.Skipped || !result.Passed {
		t.Fatalf("incomplete scan must fail open: %+v", result)
	}
}

func TestWebScannerReportsWarnings(t *testing.T) {
	logs := strings.Join([]string{
		"PASS: Cookie No HttpOnly Flag",
		"WARN-NEW: X-Content-Type-Options Header Missing [10021] x 3",
		"FAIL-NEW: Path Traversal [6] x 1",
		"INFO: scan finished",
	}, "\n")
	withDockerSeam(t, &fakeDocker{logs: logs}, nil)
	s := NewWebScanner(config.SecurityConfig{WebScanTarget: "http://web.shadow.svc"})

	result := s.Scan(context.Background(), Target{})
	if result.Passed || result.Skipped {
		t.Fatalf("warnings must fail the probe: %+v", result)
	}
	if len(result.Findings) != 2 {
		t.Fatalf("findings = %+v", result.Findings)
	}
}

func TestWebScannerTargetOverride(t *testing.T) {
	withDockerSeam(t, &fakeDocker{}, nil)
	s := NewWebScanner(config.SecurityConfig{WebScanTarget: "http://fallback"})
	result := s.Scan(context.Background(), Target{WebTarget: "http://override.shadow.svc"})
	if !result.Passed {
		t.Fatalf("clean probe should pass: %+v", result)
	}
	if !strings.Contains(result.Summary, "http://override.shadow.svc") {
		t.Fatalf("summary should name the per-run target: %s", result.Summary)
	}
}

func TestStripMultiplexHeader(t *testing.T) {
	framed := string([]byte{1, 0, 0, 0, 0, 0, 0, 42}) + "WARN-NEW: header"
	if got := stripMultiplexHeader(framed); got != "WARN-NEW: header" {
		t.Fatalf("got %q", got)
	}
	if got := stripMultiplexHeader("plain line"); got != "plain line" {
		t.Fatalf("got %q", got)
	}
}
