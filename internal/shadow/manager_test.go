package shadow

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aegis-sre/aegis/internal/config"
	aegiserrors "github.com/aegis-sre/aegis/internal/errors"
	"github.com/aegis-sre/aegis/internal/models"
	"github.com/aegis-sre/aegis/internal/security"
)

type fakeRuntime struct {
	mu             sync.Mutex
	provisionErrs  []error // consumed per call; nil means success
	applyErr       error
	health         HealthSample
	healthErr      error
	teardownErr    error
	serviceURL     string
	provisionCalls int
	applyChanges   map[string]interface{}
	teardownCalls  int
	namespaces     []string
}

func (f *fakeRuntime) Name() string { return "fake" }

func (f *fakeRuntime) Provision(ctx context.Context, env *models.ShadowEnvironment) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.provisionCalls++
	f.namespaces = append(f.namespaces, env.Namespace)
	if len(f.provisionErrs) > 0 {
		err := f.provisionErrs[0]
		f.provisionErrs = f.provisionErrs[1:]
		return err
	}
	return nil
}

func (f *fakeRuntime) Apply(ctx context.Context, env *models.ShadowEnvironment, changes map[string]interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.applyChanges = changes
	return f.applyErr
}

func (f *fakeRuntime) Health(ctx context.Context, env *models.ShadowEnvironment) (HealthSample, error) {
	return f.health, f.healthErr
}

func (f *fakeRuntime) Manifest(ctx context.Context, env *models.ShadowEnvironment) ([]byte, error) {
	return []byte("kind: Deployment"), nil
}

func (f *fakeRuntime) ServiceURL(ctx context.Context, env *models.ShadowEnvironment) (string, bool) {
	return f.serviceURL, f.serviceURL != ""
}

func (f *fakeRuntime) Teardown(ctx context.Context, env *models.ShadowEnvironment) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.teardownCalls++
	return f.teardownErr
}

func testShadowConfig() config.ShadowConfig {
	return config.ShadowConfig{
		Runtime:             "namespace",
		NamespacePrefix:     "aegis-shadow",
		AutoCleanup:         true,
		CleanupTimeout:      time.Second,
		VerificationTimeout: time.Second,
		MaxConcurrent:       2,
	}
}

func healthyRuntime() *fakeRuntime {
	return &fakeRuntime{health: HealthSample{ReadyFraction: 1, RestartFree: 1, ErrorRateInverse: 1}}
}

var webRef = models.ResourceRef{Kind: "Deployment", Name: "web", Namespace: "default"}

func TestMain(m *testing.M) {
	healthSampleInterval = 10 * time.Millisecond
	os.Exit(m.Run())
}

func TestManagerCreateReady(t *testing.T) {
	rt := healthyRuntime()
	m := NewManager(testShadowConfig(), rt, nil)

	env, err := m.Create(context.Background(), webRef)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if env.Status != models.ShadowReady {
		t.Fatalf("status = %s, want ready", env.Status)
	}
	if env.Namespace == "" || env.ID == "" {
		t.Fatalf("missing identity: %+v", env)
	}
	if rt.provisionCalls != 1 {
		t.Fatalf("provision calls = %d, want 1", rt.provisionCalls)
	}
}

func TestManagerCreateRetriesInFreshNamespace(t *testing.T) {
	rt := healthyRuntime()
	rt.provisionErrs = []error{errors.New("node pressure")}
	m := NewManager(testShadowConfig(), rt, nil)

	env, err := m.Create(context.Background(), webRef)
	if err != nil {
		t.Fatalf("Create after retry: %v", err)
	}
	if env.Status != models.ShadowReady {
		t.Fatalf("status = %s, want ready", env.Status)
	}
	if rt.provisionCalls != 2 {
		t.Fatalf("provision calls = %d, want 2", rt.provisionCalls)
	}
	if rt.namespaces[0] == rt.namespaces[1] {
		t.Fatalf("retry reused namespace %s", rt.namespaces[0])
	}
}

func TestManagerCreateFailsAfterRetries(t *testing.T) {
	rt := healthyRuntime()
	rt.provisionErrs = []error{errors.New("boom"), errors.New("boom again")}
	m := NewManager(testShadowConfig(), rt, nil)

	env, err := m.Create(context.Background(), webRef)
	if err == nil {
		t.Fatal("expected error")
	}
	if env.Status != models.ShadowFailed {
		t.Fatalf("status = %s, want failed", env.Status)
	}

	// The slot must be released so the next create can proceed.
	if _, err := m.Create(context.Background(), webRef); err != nil {
		t.Fatalf("slot not released: %v", err)
	}
}

func TestManagerVerifyPasses(t *testing.T) {
	rt := healthyRuntime()
	m := NewManager(testShadowConfig(), rt, nil)
	env, err := m.Create(context.Background(), webRef)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	proposal := &models.FixProposal{
		Kind:     models.FixScale,
		Commands: []string{"kubectl scale deployment/web --replicas=2"},
	}
	plan := &models.VerificationPlan{DurationSeconds: 1}
	chain := security.NewChain(config.SecurityConfig{}, nil, nil) // all scanners disabled

	report, passed, err := m.Verify(context.Background(), env.ID, proposal, plan, chain)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if !passed {
		t.Fatal("verification should pass on a healthy workload")
	}
	if report == nil || !report.Skipped {
		t.Fatalf("empty chain should yield a skipped report, got %+v", report)
	}
	if rt.applyChanges[ChangeReplicas] != 2 {
		t.Fatalf("changes not applied: %v", rt.applyChanges)
	}

	got, _ := m.Get(env.ID)
	if got.HealthScore < healthPassThreshold {
		t.Fatalf("health score = %.2f", got.HealthScore)
	}
}

func TestManagerVerifyResolvesWebTarget(t *testing.T) {
	rt := healthyRuntime()
	rt.serviceURL = "http://web.aegis-shadow-web-abc.svc:8080"
	m := NewManager(testShadowConfig(), rt, nil)
	env, _ := m.Create(context.Background(), webRef)

	proposal := &models.FixProposal{Kind: models.FixScale, Commands: []string{"kubectl scale deployment/web --replicas=2"}}
	chain := security.NewChain(config.SecurityConfig{}, nil, nil)
	if _, _, err := m.Verify(context.Background(), env.ID, proposal, &models.VerificationPlan{DurationSeconds: 1}, chain); err != nil {
		t.Fatalf("Verify: %v", err)
	}

	got, _ := m.Get(env.ID)
	found := false
	for _, line := range got.Logs {
		if strings.Contains(line, "web scan target: "+rt.serviceURL) {
			found = true
		}
	}
	if !found {
		t.Fatalf("resolved service must become the web scan target, logs: %v", got.Logs)
	}
}

func TestManagerVerifyFailsOnUnhealthyWorkload(t *testing.T) {
	rt := &fakeRuntime{health: HealthSample{ReadyFraction: 0.5, RestartFree: 0.5, ErrorRateInverse: 0}}
	m := NewManager(testShadowConfig(), rt, nil)
	env, _ := m.Create(context.Background(), webRef)

	proposal := &models.FixProposal{Kind: models.FixScale, Commands: []string{"kubectl scale d/w --replicas=1"}}
	chain := security.NewChain(config.SecurityConfig{}, nil, nil)

	_, passed, err := m.Verify(context.Background(), env.ID, proposal, &models.VerificationPlan{DurationSeconds: 1}, chain)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if passed {
		t.Fatal("verification must fail below the health threshold")
	}
}

func TestManagerVerifyRequiresReadyEnvironment(t *testing.T) {
	rt := healthyRuntime()
	m := NewManager(testShadowConfig(), rt, nil)
	env, _ := m.Create(context.Background(), webRef)
	m.Cleanup(env.ID)

	chain := security.NewChain(config.SecurityConfig{}, nil, nil)
	_, _, err := m.Verify(context.Background(), env.ID, &models.FixProposal{Kind: models.FixScale}, &models.VerificationPlan{}, chain)
	if err == nil {
		t.Fatal("expected error verifying a destroyed environment")
	}
}

func TestManagerVerifyRejectsManualProposal(t *testing.T) {
	rt := healthyRuntime()
	m := NewManager(testShadowConfig(), rt, nil)
	env, _ := m.Create(context.Background(), webRef)

	chain := security.NewChain(config.SecurityConfig{}, nil, nil)
	_, _, err := m.Verify(context.Background(), env.ID, &models.FixProposal{Kind: models.FixManual}, &models.VerificationPlan{}, chain)
	if !errors.Is(err, aegiserrors.ErrUnsupportedChange) {
		t.Fatalf("err = %v, want ErrUnsupportedChange", err)
	}
}

func TestManagerCleanupIdempotent(t *testing.T) {
	rt := healthyRuntime()
	m := NewManager(testShadowConfig(), rt, nil)
	env, _ := m.Create(context.Background(), webRef)

	m.Cleanup(env.ID)
	m.Cleanup(env.ID)
	m.Cleanup("shw-unknown")

	if rt.teardownCalls != 1 {
		t.Fatalf("teardown calls = %d, want 1", rt.teardownCalls)
	}
	got, _ := m.Get(env.ID)
	if got.Status != models.ShadowDestroyed {
		t.Fatalf("status = %s, want destroyed", got.Status)
	}
}

func TestManagerCleanupSurvivesTeardownFailure(t *testing.T) {
	rt := healthyRuntime()
	rt.teardownErr = errors.New("namespace stuck terminating")
	m := NewManager(testShadowConfig(), rt, nil)
	env, _ := m.Create(context.Background(), webRef)

	m.Cleanup(env.ID) // must not panic or wedge

	got, _ := m.Get(env.ID)
	if got.Error == "" {
		t.Fatal("leaked namespace should be recorded on the environment")
	}
	// The slot is released even when the namespace leaked.
	if _, err := m.Create(context.Background(), webRef); err != nil {
		t.Fatalf("slot not released after failed teardown: %v", err)
	}
}

func TestManagerConcurrencyLimit(t *testing.T) {
	rt := healthyRuntime()
	cfg := testShadowConfig()
	cfg.MaxConcurrent = 1
	m := NewManager(cfg, rt, nil)

	env, err := m.Create(context.Background(), webRef)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if _, err := m.Create(ctx, webRef); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("second create should block until the slot frees: %v", err)
	}

	m.Cleanup(env.ID)
	if _, err := m.Create(context.Background(), webRef); err != nil {
		t.Fatalf("create after cleanup: %v", err)
	}
}

func TestHealthSampleScore(t *testing.T) {
	perfect := HealthSample{ReadyFraction: 1, RestartFree: 1, ErrorRateInverse: 1}
	if got := perfect.Score(); got != 1 {
		t.Fatalf("perfect score = %v", got)
	}
	sample := HealthSample{ReadyFraction: 1, RestartFree: 0.5, ErrorRateInverse: 0}
	want := 0.5*1 + 0.3*0.5 + 0.2*0
	if got := sample.Score(); got != want {
		t.Fatalf("score = %v, want %v", got, want)
	}
}
