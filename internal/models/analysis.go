package models

import (
	"strings"
	"time"
)

// Severity levels assigned by the RCA stage.
const (
	SeverityCritical = "critical"
	SeverityHigh     = "high"
	SeverityMedium   = "medium"
	SeverityLow      = "low"
)

// RCAResult is the root-cause analysis produced by the first agent stage.
type RCAResult struct {
	RootCause           string   `json:"root_cause"`
	ContributingFactors []string `json:"contributing_factors,omitempty"`
	Severity            string   `json:"severity"`
	Confidence          float64  `json:"confidence"`
	Reasoning           string   `json:"reasoning,omitempty"`
	AffectedComponents  []string `json:"affected_components,omitempty"`
	AnalysisSteps       []string `json:"analysis_steps"`
	EvidenceSummary     []string `json:"evidence_summary"`
	DecisionRationale   string   `json:"decision_rationale"`
}

// FixKind classifies what a fix proposal changes.
type FixKind string

const (
	FixConfigChange FixKind = "config-change"
	FixRestart      FixKind = "restart"
	FixScale        FixKind = "scale"
	FixRollback     FixKind = "rollback"
	FixPatch        FixKind = "patch"
	FixManual       FixKind = "manual"
)

// FixProposal is the candidate remediation produced by the fix stage.
type FixProposal struct {
	Kind              FixKind           `json:"kind"`
	Description       string            `json:"description"`
	Commands          []string          `json:"commands,omitempty"`
	Manifests         map[string]string `json:"manifests,omitempty"`
	RollbackCommands  []string          `json:"rollback_commands,omitempty"`
	EstimatedDowntime string            `json:"estimated_downtime,omitempty"`
	Risks             []string          `json:"risks,omitempty"`
	Prerequisites     []string          `json:"prerequisites,omitempty"`
	Confidence        float64           `json:"confidence"`
	AnalysisSteps     []string          `json:"analysis_steps"`
	DecisionRationale string            `json:"decision_rationale"`
}

// HasNewImage reports the image reference a patch proposal introduces, if
// any. Proposals carrying a new image must pass the image scanner before
// the incident may enter the applying state.
func (f *FixProposal) HasNewImage() (string, bool) {
	if f.Kind != FixPatch {
		return "", false
	}
	for _, c := range f.Commands {
		if img, ok := imageFromSetCommand(c); ok {
			return img, true
		}
	}
	return "", false
}

func imageFromSetCommand(cmd string) (string, bool) {
	const marker = "image="
	if idx := strings.Index(cmd, marker); idx >= 0 {
		rest := cmd[idx+len(marker):]
		if space := strings.IndexByte(rest, ' '); space >= 0 {
			rest = rest[:space]
		}
		if rest != "" {
			return rest, true
		}
	}
	if !strings.Contains(cmd, "set image") {
		return "", false
	}
	// kubectl's usual form: set image <workload> <container>=<ref:tag>.
	for _, field := range strings.Fields(cmd) {
		if strings.HasPrefix(field, "-") || !strings.Contains(field, "=") {
			continue
		}
		parts := strings.SplitN(field, "=", 2)
		if len(parts) == 2 && strings.Contains(parts[1], ":") {
			return parts[1], true
		}
	}
	return "", false
}

// LoadTestConfig optionally accompanies a verification plan. AEGIS does
// not execute load tests itself; the config is handed to the consumer.
type LoadTestConfig struct {
	Tool            string `json:"tool,omitempty"`
	TargetRPS       int    `json:"target_rps,omitempty"`
	DurationSeconds int    `json:"duration_seconds,omitempty"`
	Concurrency     int    `json:"concurrency,omitempty"`
}

// VerificationPlan describes how a fix proposal is validated in a shadow
// environment before any production apply.
type VerificationPlan struct {
	VerificationType  string          `json:"verification_type"`
	TestScenarios     []string        `json:"test_scenarios"`
	SuccessCriteria   []string        `json:"success_criteria"`
	DurationSeconds   int             `json:"duration_seconds"`
	LoadTest          *LoadTestConfig `json:"load_test_config,omitempty"`
	SecurityChecks    []string        `json:"security_checks,omitempty"`
	RollbackOnFailure bool            `json:"rollback_on_failure"`
	ApprovalRequired  bool            `json:"approval_required"`
	AnalysisSteps     []string        `json:"analysis_steps"`
	DecisionRationale string          `json:"decision_rationale"`
}

// PipelineStage names the stage a pipeline state is in.
type PipelineStage string

const (
	StageRCA      PipelineStage = "rca"
	StageFix      PipelineStage = "fix"
	StageVerify   PipelineStage = "verify"
	StageShadow   PipelineStage = "shadow"
	StageComplete PipelineStage = "complete"
)

// StateMessage is one entry in the append-only pipeline trace.
type StateMessage struct {
	Stage   PipelineStage `json:"stage"`
	Role    string        `json:"role"`
	Content string        `json:"content"`
	At      time.Time     `json:"at"`
}

// PipelineState carries everything the agent pipeline knows about one
// incident. Messages is append-only; earlier entries are never rewritten.
type PipelineState struct {
	IncidentID       string            `json:"incident_id"`
	Resource         ResourceRef       `json:"resource"`
	FaultContext     *FaultContext     `json:"fault_context,omitempty"`
	RCAResult        *RCAResult        `json:"rca_result,omitempty"`
	FixProposal      *FixProposal      `json:"fix_proposal,omitempty"`
	VerificationPlan *VerificationPlan `json:"verification_plan,omitempty"`
	CurrentStage     PipelineStage     `json:"current_stage"`
	Error            string            `json:"error,omitempty"`
	ShadowEnvID      string            `json:"shadow_env_id,omitempty"`
	ShadowPassed     *bool             `json:"shadow_passed,omitempty"`
	ShadowLogs       []string          `json:"shadow_logs,omitempty"`
	SecurityReport   *SecurityReport   `json:"security_report,omitempty"`
	Messages         []StateMessage    `json:"messages,omitempty"`
}

// AppendMessage adds a trace entry. It is the only supported mutation of
// the message list.
func (s *PipelineState) AppendMessage(stage PipelineStage, role, content string) {
	s.Messages = append(s.Messages, StateMessage{
		Stage:   stage,
		Role:    role,
		Content: content,
		At:      time.Now().UTC(),
	})
}
