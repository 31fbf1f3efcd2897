package shadow

import (
	"errors"
	"strings"
	"testing"

	aegiserrors "github.com/aegis-sre/aegis/internal/errors"
	"github.com/aegis-sre/aegis/internal/models"
)

func TestChangesFromProposalSetImage(t *testing.T) {
	proposal := &models.FixProposal{
		Kind:     models.FixPatch,
		Commands: []string{"kubectl set image deployment/web app=registry.local/web:1.2.4"},
	}
	changes, err := ChangesFromProposal(proposal)
	if err != nil {
		t.Fatalf("ChangesFromProposal: %v", err)
	}
	if changes[ChangeImage] != "registry.local/web:1.2.4" {
		t.Fatalf("image = %v", changes[ChangeImage])
	}
}

func TestChangesFromProposalScale(t *testing.T) {
	proposal := &models.FixProposal{
		Kind:     models.FixScale,
		Commands: []string{"kubectl scale deployment/web --replicas=5"},
	}
	changes, err := ChangesFromProposal(proposal)
	if err != nil {
		t.Fatalf("ChangesFromProposal: %v", err)
	}
	if changes[ChangeReplicas] != 5 {
		t.Fatalf("replicas = %v", changes[ChangeReplicas])
	}
}

func TestChangesFromProposalSetEnv(t *testing.T) {
	proposal := &models.FixProposal{
		Kind:     models.FixConfigChange,
		Commands: []string{"kubectl set env deployment/web LOG_LEVEL=debug MAX_CONNS=100"},
	}
	changes, err := ChangesFromProposal(proposal)
	if err != nil {
		t.Fatalf("ChangesFromProposal: %v", err)
	}
	env, ok := changes[ChangeEnv].(map[string]string)
	if !ok {
		t.Fatalf("env change has type %T", changes[ChangeEnv])
	}
	if env["LOG_LEVEL"] != "debug" || env["MAX_CONNS"] != "100" {
		t.Fatalf("env = %v", env)
	}
}

func TestChangesFromProposalRestart(t *testing.T) {
	restore := nowRFC3339
	nowRFC3339 = func() string { return "2026-01-02T03:04:05Z" }
	defer func() { nowRFC3339 = restore }()

	proposal := &models.FixProposal{
		Kind:     models.FixRestart,
		Commands: []string{"kubectl rollout restart deployment/web"},
	}
	changes, err := ChangesFromProposal(proposal)
	if err != nil {
		t.Fatalf("ChangesFromProposal: %v", err)
	}
	patch, _ := changes[ChangePatch].(string)
	if !strings.Contains(patch, "aegis.dev/restartedAt") || !strings.Contains(patch, "2026-01-02T03:04:05Z") {
		t.Fatalf("restart patch = %q", patch)
	}
}

func TestChangesFromProposalPatch(t *testing.T) {
	proposal := &models.FixProposal{
		Kind:     models.FixPatch,
		Commands: []string{`kubectl patch deployment web -p '{"spec":{"replicas":2}}'`},
	}
	changes, err := ChangesFromProposal(proposal)
	if err != nil {
		t.Fatalf("ChangesFromProposal: %v", err)
	}
	if changes[ChangePatch] != `{"spec":{"replicas":2}}` {
		t.Fatalf("patch = %v", changes[ChangePatch])
	}
}

func TestChangesFromProposalManifestRidesPatch(t *testing.T) {
	proposal := &models.FixProposal{
		Kind:      models.FixConfigChange,
		Manifests: map[string]string{"deployment.yaml": "kind: Deployment"},
	}
	changes, err := ChangesFromProposal(proposal)
	if err != nil {
		t.Fatalf("ChangesFromProposal: %v", err)
	}
	if changes[ChangePatch] != "kind: Deployment" {
		t.Fatalf("patch = %v", changes[ChangePatch])
	}
}

func TestChangesFromProposalUnsupported(t *testing.T) {
	cases := []*models.FixProposal{
		{Kind: models.FixManual, Commands: []string{"ssh node1 reboot"}},
		{Kind: models.FixConfigChange}, // nothing to apply
		{Kind: models.FixConfigChange, Commands: []string{"helm upgrade web ./chart"}},
		{Kind: models.FixScale, Commands: []string{"kubectl scale deployment/web"}}, // no replica count
	}
	for i, proposal := range cases {
		_, err := ChangesFromProposal(proposal)
		if !errors.Is(err, aegiserrors.ErrUnsupportedChange) {
			t.Errorf("case %d: err = %v, want ErrUnsupportedChange", i, err)
		}
	}
}

func TestValidateChanges(t *testing.T) {
	good := map[string]interface{}{ChangeImage: "web:2", ChangeReplicas: 3}
	if err := ValidateChanges(good); err != nil {
		t.Fatalf("ValidateChanges: %v", err)
	}
	bad := map[string]interface{}{"sidecar": true}
	if err := ValidateChanges(bad); !errors.Is(err, aegiserrors.ErrUnsupportedChange) {
		t.Fatalf("err = %v, want ErrUnsupportedChange", err)
	}
}

func TestExtractPatchPayload(t *testing.T) {
	cases := []struct {
		cmd  string
		want string
		ok   bool
	}{
		{`kubectl patch deploy web -p '{"a":1}'`, `{"a":1}`, true},
		{`kubectl patch deploy web --patch "{\"a\":1}"`, "", false}, // escaped quotes are not unwrapped
		{`kubectl patch deploy web --patch={"a":1}`, `{"a":1}`, true},
		{`kubectl patch deploy web -p notjson`, "", false},
		{`kubectl patch deploy web`, "", false},
	}
	for _, tc := range cases {
		got, ok := extractPatchPayload(tc.cmd)
		if ok != tc.ok || got != tc.want {
			t.Errorf("extractPatchPayload(%q) = (%q, %v), want (%q, %v)", tc.cmd, got, ok, tc.want, tc.ok)
		}
	}
}
