package operator

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog/log"
	"golang.org/x/term"

	"github.com/aegis-sre/aegis/internal/models"
)

// ApprovalGate decides whether an approved fix may be applied to the
// real cluster. Production targets always ask a human; non-production
// targets may auto-approve when configured.
type ApprovalGate struct {
	autoApproveNonProd bool
	isProduction       func(string) bool
	interactive        bool
	in                 io.Reader
	out                io.Writer
}

// NewApprovalGate builds a gate prompting on stdin/stdout. When stdin is
// not a terminal the gate cannot prompt, so anything requiring approval
// is rejected instead of hanging the worker.
func NewApprovalGate(autoApproveNonProd bool, isProduction func(string) bool) *ApprovalGate {
	if isProduction == nil {
		isProduction = func(string) bool { return false }
	}
	return &ApprovalGate{
		autoApproveNonProd: autoApproveNonProd,
		isProduction:       isProduction,
		interactive:        term.IsTerminal(int(os.Stdin.Fd())),
		in:                 os.Stdin,
		out:                os.Stdout,
	}
}

// Approve returns whether the fix may proceed. The plan's
// ApprovalRequired flag is a floor, never a ceiling: a production
// target is prompted even if the plan says otherwise.
func (g *ApprovalGate) Approve(incident *models.Incident, state *models.PipelineState) (bool, error) {
	production := g.isProduction(incident.Resource.Namespace)
	required := production || (state.VerificationPlan != nil && state.VerificationPlan.ApprovalRequired)

	if !required {
		return true, nil
	}
	if !production && g.autoApproveNonProd {
		log.Info().Str("incident_id", incident.ID).Msg("Non-production fix auto-approved by policy")
		return true, nil
	}
	if !g.interactive {
		log.Warn().Str("incident_id", incident.ID).Msg("Approval required but no terminal attached; rejecting")
		return false, nil
	}
	return g.prompt(incident, state)
}

func (g *ApprovalGate) prompt(incident *models.Incident, state *models.PipelineState) (bool, error) {
	fix := state.FixProposal
	fmt.Fprintf(g.out, "\n=== Approval required: incident %s ===\n", incident.ID)
	fmt.Fprintf(g.out, "Resource:    %s\n", incident.Resource.String())
	fmt.Fprintf(g.out, "Root cause:  %s\n", state.RCAResult.RootCause)
	fmt.Fprintf(g.out, "Severity:    %s\n", state.RCAResult.Severity)
	fmt.Fprintf(g.out, "Fix (%s):    %s\n", fix.Kind, fix.Description)
	for _, cmd := range fix.Commands {
		fmt.Fprintf(g.out, "  $ %s\n", cmd)
	}
	if len(fix.Risks) > 0 {
		fmt.Fprintf(g.out, "Risks:       %s\n", strings.Join(fix.Risks, "; "))
	}
	if state.ShadowPassed != nil {
		fmt.Fprintf(g.out, "Shadow run:  passed=%v\n", *state.ShadowPassed)
	}
	fmt.Fprint(g.out, "Apply this fix? [y/N]: ")

	reader := bufio.NewReader(g.in)
	line, err := reader.ReadString('\n')
	if err != nil && line == "" {
		return false, fmt.Errorf("read approval response: %w", err)
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	approved := answer == "y" || answer == "yes"
	log.Info().
		Str("incident_id", incident.ID).
		Bool("approved", approved).
		Msg("Operator approval decision recorded")
	return approved, nil
}
