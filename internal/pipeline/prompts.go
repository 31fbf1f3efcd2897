package pipeline

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/aegis-sre/aegis/internal/models"
)

const rcaSystemPrompt = `You are a senior site reliability engineer performing root-cause analysis on a Kubernetes incident.
Base every conclusion on the evidence provided. If the evidence is thin, say so and lower your confidence.
Respond with JSON only, matching the requested schema exactly.`

const fixSystemPrompt = `You are a senior site reliability engineer proposing a remediation for a diagnosed Kubernetes incident.
Propose the smallest change that addresses the root cause. Prefer declarative changes (image, replicas, env, resources) over imperative commands.
Never propose deleting namespaces, nodes, or cluster-scoped resources. Include rollback commands for every change.
Respond with JSON only, matching the requested schema exactly.`

const verifySystemPrompt = `You are a senior site reliability engineer designing a verification plan for a proposed Kubernetes fix.
The fix will run in an isolated shadow environment before any production change. Define concrete scenarios and measurable success criteria.
Respond with JSON only, matching the requested schema exactly.`

var rcaSchema = json.RawMessage(`{
  "type": "object",
  "properties": {
    "root_cause": {"type": "string"},
    "contributing_factors": {"type": "array", "items": {"type": "string"}},
    "severity": {"type": "string", "enum": ["critical", "high", "medium", "low"]},
    "confidence": {"type": "number", "minimum": 0, "maximum": 1},
    "reasoning": {"type": "string"},
    "affected_components": {"type": "array", "items": {"type": "string"}},
    "analysis_steps": {"type": "array", "items": {"type": "string"}},
    "evidence_summary": {"type": "array", "items": {"type": "string"}},
    "decision_rationale": {"type": "string"}
  },
  "required": ["root_cause", "severity", "confidence"]
}`)

var fixSchema = json.RawMessage(`{
  "type": "object",
  "properties": {
    "kind": {"type": "string", "enum": ["config-change", "restart", "scale", "rollback", "patch", "manual"]},
    "description": {"type": "string"},
    "commands": {"type": "array", "items": {"type": "string"}},
    "manifests": {"type": "object"},
    "rollback_commands": {"type": "array", "items": {"type": "string"}},
    "estimated_downtime": {"type": "string"},
    "risks": {"type": "array", "items": {"type": "string"}},
    "prerequisites": {"type": "array", "items": {"type": "string"}},
    "confidence": {"type": "number", "minimum": 0, "maximum": 1},
    "analysis_steps": {"type": "array", "items": {"type": "string"}},
    "decision_rationale": {"type": "string"}
  },
  "required": ["kind", "description", "confidence"]
}`)

var verifySchema = json.RawMessage(`{
  "type": "object",
  "properties": {
    "verification_type": {"type": "string"},
    "test_scenarios": {"type": "array", "items": {"type": "string"}},
    "success_criteria": {"type": "array", "items": {"type": "string"}},
    "duration_seconds": {"type": "integer", "minimum": 0},
    "load_test_config": {
      "type": "object",
      "properties": {
        "tool": {"type": "string"},
        "target_rps": {"type": "integer"},
        "duration_seconds": {"type": "integer"},
        "concurrency": {"type": "integer"}
      }
    },
    "security_checks": {"type": "array", "items": {"type": "string"}},
    "rollback_on_failure": {"type": "boolean"},
    "approval_required": {"type": "boolean"},
    "analysis_steps": {"type": "array", "items": {"type": "string"}},
    "decision_rationale": {"type": "string"}
  },
  "required": ["verification_type", "test_scenarios", "success_criteria"]
}`)

// buildRCAPrompt serializes the fault context into the analysis prompt.
// Sections are bounded so a noisy workload cannot blow the context
// window.
func buildRCAPrompt(incident *models.Incident, fc *models.FaultContext) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Incident %s: %s on %s (trigger: %s, priority: %s, occurrences: %d)\n\n",
		incident.ID, incident.Severity, incident.Resource.String(), incident.Trigger, incident.Priority, incident.Occurrences)

	if len(fc.Errors) > 0 {
		fmt.Fprintf(&b, "Context limitations: %s\n\n", strings.Join(fc.Errors, ", "))
	}

	if len(fc.Findings) > 0 {
		b.WriteString("Diagnostic findings:\n")
		for _, f := range fc.Findings {
			fmt.Fprintf(&b, "- %s %s/%s: %s\n", f.Kind, f.Namespace, f.Name, strings.Join(f.Errors, "; "))
		}
		b.WriteString("\n")
	}

	if len(fc.Events) > 0 {
		b.WriteString("Recent events:\n")
		for _, e := range boundedTail(fc.Events, 20) {
			fmt.Fprintf(&b, "- %s\n", e)
		}
		b.WriteString("\n")
	}

	if len(fc.LogTail) > 0 {
		b.WriteString("Log tail:\n```\n")
		for _, line := range boundedTail(fc.LogTail, 50) {
			b.WriteString(line)
			b.WriteString("\n")
		}
		b.WriteString("```\n\n")
	}

	if fc.Manifest != "" {
		b.WriteString("Current manifest:\n```yaml\n")
		b.WriteString(truncate(fc.Manifest, 8192))
		b.WriteString("\n```\n\n")
	}

	b.WriteString("Identify the root cause, assign a severity, and state your confidence.")
	return b.String()
}

func buildFixPrompt(incident *models.Incident, rca *models.RCAResult) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Resource: %s\n", incident.Resource.String())
	fmt.Fprintf(&b, "Root cause: %s\n", rca.RootCause)
	fmt.Fprintf(&b, "Severity: %s (confidence %.2f)\n", rca.Severity, rca.Confidence)
	if len(rca.ContributingFactors) > 0 {
		fmt.Fprintf(&b, "Contributing factors: %s\n", strings.Join(rca.ContributingFactors, "; "))
	}
	if len(rca.AffectedComponents) > 0 {
		fmt.Fprintf(&b, "Affected components: %s\n", strings.Join(rca.AffectedComponents, ", "))
	}
	if rca.Reasoning != "" {
		fmt.Fprintf(&b, "Analysis reasoning: %s\n", truncate(rca.Reasoning, 2048))
	}
	b.WriteString("\nPropose one remediation. Include rollback commands.")
	return b.String()
}

func buildVerifyPrompt(incident *models.Incident, rca *models.RCAResult, fix *models.FixProposal) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Resource: %s\n", incident.Resource.String())
	fmt.Fprintf(&b, "Root cause: %s (severity %s)\n", rca.RootCause, rca.Severity)
	fmt.Fprintf(&b, "Proposed fix (%s): %s\n", fix.Kind, fix.Description)
	if len(fix.Commands) > 0 {
		fmt.Fprintf(&b, "Commands:\n  %s\n", strings.Join(fix.Commands, "\n  "))
	}
	if len(fix.Risks) > 0 {
		fmt.Fprintf(&b, "Known risks: %s\n", strings.Join(fix.Risks, "; "))
	}
	b.WriteString("\nDesign a verification plan for the shadow run: scenarios, success criteria, duration, and whether operator approval is required.")
	return b.String()
}

func boundedTail(lines []string, max int) []string {
	if len(lines) <= max {
		return lines
	}
	return lines[len(lines)-max:]
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "\n... (truncated)"
}
