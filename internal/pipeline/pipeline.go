// Package pipeline runs the three-stage agent analysis for an incident:
// root-cause analysis, fix proposal, and verification planning. Each
// stage is a schema-constrained LM call with deterministic guardrails
// on the result.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/aegis-sre/aegis/internal/logging"
	"github.com/aegis-sre/aegis/internal/metrics"
	"github.com/aegis-sre/aegis/internal/models"
	"github.com/aegis-sre/aegis/internal/safety"
)

// minRCAConfidence is the floor below which an analysis is not acted
// on. A low-confidence root cause produces a failed incident rather
// than a speculative fix.
const minRCAConfidence = 0.7

// Completer is the LM surface the pipeline consumes; *llm.Client
// satisfies it and tests substitute a stub.
type Completer interface {
	Complete(ctx context.Context, system, prompt string, schema json.RawMessage, out interface{}) error
}

// Pipeline orchestrates the analysis stages for one incident at a time.
// It is stateless between calls; all per-incident state lives in the
// PipelineState it is handed.
type Pipeline struct {
	lm           Completer
	metrics      *metrics.Set
	isProduction func(string) bool
}

// New builds a pipeline. isProduction classifies namespaces for the
// approval-required decision; nil means nothing is production.
func New(lm Completer, m *metrics.Set, isProduction func(string) bool) *Pipeline {
	if isProduction == nil {
		isProduction = func(string) bool { return false }
	}
	return &Pipeline{lm: lm, metrics: m, isProduction: isProduction}
}

// Run drives an incident through all stages. On return the state's
// CurrentStage and Error fields describe where it ended up; a state with
// an empty Error and a verification plan is ready for shadow
// verification.
func (p *Pipeline) Run(ctx context.Context, incident *models.Incident, fc *models.FaultContext) *models.PipelineState {
	state := &models.PipelineState{
		IncidentID:   incident.ID,
		Resource:     incident.Resource,
		FaultContext: fc,
		CurrentStage: models.StageRCA,
	}
	logger := logging.WithIncident(log.Logger, incident.ID, incident.CorrelationKey)

	rca := p.runRCA(ctx, logger, incident, state)
	if rca == nil {
		return state
	}
	if rca.Confidence < minRCAConfidence {
		state.Error = "low-confidence RCA"
		logger.Warn().
			Float64("confidence", rca.Confidence).
			Float64("floor", minRCAConfidence).
			Msg("Root-cause analysis below confidence floor; not proposing a fix")
		return state
	}

	fix := p.runFix(ctx, logger, incident, state)
	if fix == nil {
		return state
	}

	p.runVerify(ctx, logger, incident, state)
	if state.Error == "" {
		state.CurrentStage = models.StageShadow
	}
	return state
}

func (p *Pipeline) runRCA(ctx context.Context, logger zerolog.Logger, incident *models.Incident, state *models.PipelineState) *models.RCAResult {
	start := time.Now()
	state.CurrentStage = models.StageRCA
	prompt := buildRCAPrompt(incident, state.FaultContext)
	state.AppendMessage(models.StageRCA, "user", prompt)

	var rca models.RCAResult
	err := p.lm.Complete(ctx, rcaSystemPrompt, prompt, rcaSchema, &rca)
	p.metrics.ObserveAnalysisDuration("rca", time.Since(start))
	if err != nil {
		// Deterministic degraded result: the zero confidence routes the
		// incident to failure at the confidence floor rather than here.
		logger.Warn().Err(err).Msg("RCA stage failed; recording degraded analysis")
		rca = models.RCAResult{
			RootCause:  "analysis unavailable: " + string(incident.Trigger),
			Severity:   models.SeverityMedium,
			Confidence: 0,
		}
	}
	applyRCAGuardrails(&rca, state.FaultContext)

	state.RCAResult = &rca
	state.AppendMessage(models.StageRCA, "assistant", rca.RootCause)
	logger.Info().
		Str("root_cause", rca.RootCause).
		Str("severity", rca.Severity).
		Float64("confidence", rca.Confidence).
		Dur("duration", time.Since(start)).
		Msg("Root-cause analysis complete")
	return &rca
}

func (p *Pipeline) runFix(ctx context.Context, logger zerolog.Logger, incident *models.Incident, state *models.PipelineState) *models.FixProposal {
	start := time.Now()
	state.CurrentStage = models.StageFix
	prompt := buildFixPrompt(incident, state.RCAResult)
	state.AppendMessage(models.StageFix, "user", prompt)

	var fix models.FixProposal
	err := p.lm.Complete(ctx, fixSystemPrompt, prompt, fixSchema, &fix)
	p.metrics.ObserveAnalysisDuration("fix", time.Since(start))
	if err != nil {
		logger.Warn().Err(err).Msg("Fix stage failed; demoting to manual remediation")
		fix = models.FixProposal{
			Kind:        models.FixManual,
			Description: "automatic fix generation failed; manual remediation required for: " + state.RCAResult.RootCause,
			Confidence:  0,
		}
	}
	if blocked := safety.VetProposal(&fix); len(blocked) > 0 {
		logger.Warn().Strs("blocked_commands", blocked).Msg("Fix proposal contained blocked commands; demoted to manual")
	}
	applyFixGuardrails(&fix)

	state.FixProposal = &fix
	state.AppendMessage(models.StageFix, "assistant", fix.Description)
	logger.Info().
		Str("fix_kind", string(fix.Kind)).
		Float64("confidence", fix.Confidence).
		Dur("duration", time.Since(start)).
		Msg("Fix proposal complete")
	return &fix
}

func (p *Pipeline) runVerify(ctx context.Context, logger zerolog.Logger, incident *models.Incident, state *models.PipelineState) {
	start := time.Now()
	state.CurrentStage = models.StageVerify

	var plan models.VerificationPlan
	if p.needsPlannedVerification(incident, state) {
		prompt := buildVerifyPrompt(incident, state.RCAResult, state.FixProposal)
		state.AppendMessage(models.StageVerify, "user", prompt)
		err := p.lm.Complete(ctx, verifySystemPrompt, prompt, verifySchema, &plan)
		if err != nil {
			logger.Warn().Err(err).Msg("Verify stage failed; using the default health-check plan")
			plan = defaultPlan()
		}
	} else {
		plan = defaultPlan()
	}
	p.metrics.ObserveAnalysisDuration("verify", time.Since(start))

	// Policy floor on top of whatever the model decided.
	plan.RollbackOnFailure = true
	if p.approvalRequired(incident, state) {
		plan.ApprovalRequired = true
	}
	applyVerifyGuardrails(&plan)

	state.VerificationPlan = &plan
	state.AppendMessage(models.StageVerify, "assistant", plan.VerificationType)
	logger.Info().
		Str("verification_type", plan.VerificationType).
		Bool("approval_required", plan.ApprovalRequired).
		Dur("duration", time.Since(start)).
		Msg("Verification plan complete")
}

// needsPlannedVerification decides whether the verify stage consults the
// model or a default health-check plan suffices. Critical and high
// severity, production targets, and risky proposals get a tailored plan.
func (p *Pipeline) needsPlannedVerification(incident *models.Incident, state *models.PipelineState) bool {
	switch state.RCAResult.Severity {
	case models.SeverityCritical, models.SeverityHigh:
		return true
	}
	if p.isProduction(incident.Resource.Namespace) {
		return true
	}
	return len(state.FixProposal.Risks) > 0
}

// approvalRequired implements the policy floor: production targets
// always require an operator, as do critical severity and manual fixes.
func (p *Pipeline) approvalRequired(incident *models.Incident, state *models.PipelineState) bool {
	if p.isProduction(incident.Resource.Namespace) {
		return true
	}
	if state.RCAResult.Severity == models.SeverityCritical {
		return true
	}
	return state.FixProposal.Kind == models.FixManual
}

func defaultPlan() models.VerificationPlan {
	return models.VerificationPlan{
		VerificationType: "health-check",
		TestScenarios:    []string{"apply the fix in the shadow environment and observe workload health"},
		SuccessCriteria:  []string{"health score >= 0.8 over the observation window"},
		DurationSeconds:  60,
	}
}

// applyRCAGuardrails normalizes model output: clamps confidence, fills
// the audit trio when the model omitted it, and canonicalizes severity.
func applyRCAGuardrails(rca *models.RCAResult, fc *models.FaultContext) {
	rca.Confidence = clamp01(rca.Confidence)
	switch strings.ToLower(rca.Severity) {
	case models.SeverityCritical, models.SeverityHigh, models.SeverityMedium, models.SeverityLow:
		rca.Severity = strings.ToLower(rca.Severity)
	default:
		rca.Severity = models.SeverityMedium
	}
	if len(rca.AnalysisSteps) == 0 {
		rca.AnalysisSteps = []string{"reviewed diagnostic findings, events, and log tail", "identified: " + rca.RootCause}
	}
	if len(rca.EvidenceSummary) == 0 {
		summary := fmt.Sprintf("%d diagnostic findings, %d events, %d log lines", len(fc.Findings), len(fc.Events), len(fc.LogTail))
		rca.EvidenceSummary = []string{summary}
	}
	if rca.DecisionRationale == "" {
		rca.DecisionRationale = fmt.Sprintf("severity %s at confidence %.2f based on available evidence", rca.Severity, rca.Confidence)
	}
}

func applyFixGuardrails(fix *models.FixProposal) {
	fix.Confidence = clamp01(fix.Confidence)
	switch fix.Kind {
	case models.FixConfigChange, models.FixRestart, models.FixScale, models.FixRollback, models.FixPatch, models.FixManual:
	default:
		fix.Kind = models.FixManual
	}
	// A proposal with nothing to execute cannot be verified or applied.
	if fix.Kind != models.FixManual && len(fix.Commands) == 0 && len(fix.Manifests) == 0 {
		fix.Kind = models.FixManual
		fix.Risks = append(fix.Risks, "proposal carried no commands or manifests")
	}
	if len(fix.AnalysisSteps) == 0 {
		fix.AnalysisSteps = []string{"selected " + string(fix.Kind) + " remediation for the identified root cause"}
	}
	if fix.DecisionRationale == "" {
		fix.DecisionRationale = fix.Description
	}
}

func applyVerifyGuardrails(plan *models.VerificationPlan) {
	if plan.VerificationType == "" {
		plan.VerificationType = "health-check"
	}
	if len(plan.TestScenarios) == 0 {
		plan.TestScenarios = []string{"apply the fix in the shadow environment and observe workload health"}
	}
	if len(plan.SuccessCriteria) == 0 {
		plan.SuccessCriteria = []string{"health score >= 0.8 over the observation window"}
	}
	if plan.DurationSeconds <= 0 {
		plan.DurationSeconds = 60
	}
	if len(plan.AnalysisSteps) == 0 {
		plan.AnalysisSteps = []string{"derived scenarios and criteria from the fix proposal"}
	}
	if plan.DecisionRationale == "" {
		plan.DecisionRationale = "verification scoped to the resources the fix touches"
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
