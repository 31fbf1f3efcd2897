package security

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/rs/zerolog/log"

	"github.com/aegis-sre/aegis/internal/config"
	"github.com/aegis-sre/aegis/internal/models"
)

const (
	webScannerID = "web"
	webScanImage = "zaproxy/zap-stable"
)

// dockerRuntime is the slice of the Docker API the web scanner uses;
// tests substitute a fake.
type dockerRuntime interface {
	Ping(ctx context.Context) (dockertypesPing, error)
	ImagePull(ctx context.Context, ref string, options image.PullOptions) (io.ReadCloser, error)
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, name string) (string, error)
	ContainerStart(ctx context.Context, id string, options container.StartOptions) error
	ContainerWait(ctx context.Context, id string, condition container.WaitCondition) (<-chan container.WaitResponse, <-chan error)
	ContainerLogs(ctx context.Context, id string, options container.LogsOptions) (io.ReadCloser, error)
	ContainerRemove(ctx context.Context, id string, options container.RemoveOptions) error
}

// dockertypesPing keeps the interface free of the docker types package
// at call sites; only API availability matters here.
type dockertypesPing struct{}

// realDockerRuntime adapts *client.Client to dockerRuntime.
type realDockerRuntime struct {
	cli *client.Client
}

func (r *realDockerRuntime) Ping(ctx context.Context) (dockertypesPing, error) {
	_, err := r.cli.Ping(ctx)
	return dockertypesPing{}, err
}

func (r *realDockerRuntime) ImagePull(ctx context.Context, ref string, options image.PullOptions) (io.ReadCloser, error) {
	return r.cli.ImagePull(ctx, ref, options)
}

func (r *realDockerRuntime) ContainerCreate(ctx context.Context, cfg *container.Config, hostCfg *container.HostConfig, name string) (string, error) {
	resp, err := r.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, name)
	if err != nil {
		return "", err
	}
	return resp.ID, nil
}

func (r *realDockerRuntime) ContainerStart(ctx context.Context, id string, options container.StartOptions) error {
	return r.cli.ContainerStart(ctx, id, options)
}

func (r *realDockerRuntime) ContainerWait(ctx context.Context, id string, condition container.WaitCondition) (<-chan container.WaitResponse, <-chan error) {
	return r.cli.ContainerWait(ctx, id, condition)
}

func (r *realDockerRuntime) ContainerLogs(ctx context.Context, id string, options container.LogsOptions) (io.ReadCloser, error) {
	return r.cli.ContainerLogs(ctx, id, options)
}

func (r *realDockerRuntime) ContainerRemove(ctx context.Context, id string, options container.RemoveOptions) error {
	return r.cli.ContainerRemove(ctx, id, options)
}

// newDockerRuntime is a test seam.
var newDockerRuntime = func() (dockerRuntime, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, err
	}
	return &realDockerRuntime{cli: cli}, nil
}

// WebScanner runs a containerized baseline probe against the shadow
// workload's HTTP surface. It fails open: clusters without a local
// container runtime simply skip web coverage.
type WebScanner struct {
	target string
}

func NewWebScanner(cfg config.SecurityConfig) *WebScanner {
	return &WebScanner{target: cfg.WebScanTarget}
}

func (s *WebScanner) ID() string { return webScannerID }

func (s *WebScanner) Scan(ctx context.Context, target Target) models.ScannerResult {
	result := models.ScannerResult{Tool: "zap-baseline"}

	scanURL := target.WebTarget
	if scanURL == "" {
		scanURL = s.target
	}
	if scanURL == "" {
		result.Skipped = true
		result.Passed = true
		result.Reason = "no web target configured"
		result.Summary = "skipped: nothing to probe"
		return result
	}

	runtime, err := newDockerRuntime()
	if err != nil {
		result.Skipped = true
		result.Passed = true
		result.Reason = fmt.Sprintf("container runtime unavailable: %v", err)
		result.Summary = "skipped: no container runtime"
		return result
	}
	if _, err := runtime.Ping(ctx); err != nil {
		result.Skipped = true
		result.Passed = true
		result.Reason = fmt.Sprintf("container runtime unreachable: %v", err)
		result.Summary = "skipped: no container runtime"
		return result
	}

	warnings, err := s.runBaseline(ctx, runtime, scanURL)
	if err != nil {
		result.Skipped = true
		result.Passed = true
		result.Reason = fmt.Sprintf("baseline scan did not complete: %v", err)
		result.Summary = "skipped: scan incomplete"
		return result
	}

	for _, warning := range warnings {
		result.Findings = append(result.Findings, models.SecurityFinding{
			ScannerID: webScannerID,
			Severity:  models.FindingMedium,
			Title:     warning,
			Location:  scanURL,
		})
	}
	result.Passed = len(result.Findings) == 0
	if result.Passed {
		result.Summary = fmt.Sprintf("baseline probe of %s clean", scanURL)
	} else {
		result.Reason = fmt.Sprintf("%d baseline warnings", len(result.Findings))
		result.Summary = fmt.Sprintf("baseline probe of %s raised %d warnings", scanURL, len(result.Findings))
	}
	return result
}

// runBaseline pulls and runs the baseline image, waits for it, and
// returns the WARN/FAIL lines from its output.
func (s *WebScanner) runBaseline(ctx context.Context, runtime dockerRuntime, scanURL string) ([]string, error) {
	if reader, err := runtime.ImagePull(ctx, webScanImage, image.PullOptions{}); err == nil {
		_, _ = io.Copy(io.Discard, reader)
		_ = reader.Close()
	} else {
		log.Debug().Err(err).Str("image", webScanImage).Msg("Image pull failed; trying a local copy")
	}

	id, err := runtime.ContainerCreate(ctx,
		&container.Config{
			Image: webScanImage,
			Cmd:   []string{"zap-baseline.py", "-t", scanURL, "-I"},
		},
		&container.HostConfig{NetworkMode: "host"},
		"")
	if err != nil {
		return nil, fmt.Errorf("create scan container: %w", err)
	}
	defer func() {
		if err := runtime.ContainerRemove(context.Background(), id, container.RemoveOptions{Force: true}); err != nil {
			log.Debug().Err(err).Str("container", id).Msg("Scan container removal failed")
		}
	}()

	if err := runtime.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		return nil, fmt.Errorf("start scan container: %w", err)
	}

	statusCh, errCh := runtime.ContainerWait(ctx, id, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		return nil, fmt.Errorf("wait for scan container: %w", err)
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-statusCh:
	}

	logs, err := runtime.ContainerLogs(ctx, id, container.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		return nil, fmt.Errorf("read scan output: %w", err)
	}
	defer func() { _ = logs.Close() }()

	var warnings []string
	scanner := bufio.NewScanner(logs)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(stripMultiplexHeader(scanner.Text()))
		if strings.HasPrefix(line, "WARN-NEW:") || strings.HasPrefix(line, "FAIL-NEW:") {
			warnings = append(warnings, line)
		}
	}
	return warnings, scanner.Err()
}

// stripMultiplexHeader drops the 8-byte stream header Docker prepends
// when a container runs without a TTY.
func stripMultiplexHeader(line string) string {
	if len(line) >= 8 && (line[0] == 1 || line[0] == 2) && line[1] == 0 && line[2] == 0 && line[3] == 0 {
		return line[8:]
	}
	return line
}
