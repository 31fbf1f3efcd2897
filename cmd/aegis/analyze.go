package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/aegis-sre/aegis/internal/cluster"
	"github.com/aegis-sre/aegis/internal/config"
	"github.com/aegis-sre/aegis/internal/diagnostics"
	"github.com/aegis-sre/aegis/internal/llm"
	"github.com/aegis-sre/aegis/internal/metrics"
	"github.com/aegis-sre/aegis/internal/models"
	"github.com/aegis-sre/aegis/internal/operator"
	"github.com/aegis-sre/aegis/internal/pipeline"
	"github.com/aegis-sre/aegis/internal/security"
	"github.com/aegis-sre/aegis/internal/shadow"
)

// Exit codes for scripting: 0 success, 1 malformed input, 2 pipeline
// or operational error.
const (
	exitOK    = 0
	exitInput = 1
	exitError = 2
)

var (
	analyzeNamespace string
	analyzeExport    string
	analyzeAutoFix   bool
)

var analyzeCmd = &cobra.Command{
	Use:   "analyze <kind>/<name>",
	Short: "Run a one-shot analysis of a workload",
	Long: `Collects diagnostics for the named workload, runs the analysis pipeline,
and prints the root cause and fix proposal. With --auto-fix the proposal is
verified in a shadow environment and applied on success.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		os.Exit(runAnalyze(args[0]))
	},
}

func init() {
	analyzeCmd.Flags().StringVarP(&analyzeNamespace, "namespace", "n", "default", "namespace of the workload")
	analyzeCmd.Flags().StringVar(&analyzeExport, "export", "", "write the full pipeline state to this JSON file")
	analyzeCmd.Flags().BoolVar(&analyzeAutoFix, "auto-fix", false, "verify the fix in a shadow environment and apply it")
}

func runAnalyze(target string) int {
	ref, err := parseResourceArg(target, analyzeNamespace)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitInput
	}

	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitInput
	}
	clusterClient, err := cluster.New(cfg.Cluster)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: connect to cluster: %v\n", err)
		return exitError
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Minute)
	defer cancel()

	m := metrics.Default()
	incident := &models.Incident{
		ID:             models.NewIncidentID(),
		CorrelationKey: models.CorrelationKey(ref),
		Priority:       models.PriorityP2,
		Severity:       models.SeverityMedium,
		Resource:       ref,
		Trigger:        models.TriggerManual,
		State:          models.StateAnalyzing,
		Occurrences:    1,
		DetectedAt:     time.Now(),
	}

	collector := diagnostics.New(cfg.Diagnostics, clusterClient)
	fc := collector.Collect(ctx, incident)
	pl := pipeline.New(llm.New(cfg.LM), m, cfg.IsProductionNamespace)
	state := pl.Run(ctx, incident, fc)

	printState(state)

	code := exitOK
	if state.Error != "" {
		code = exitError
	} else if analyzeAutoFix {
		code = autoFix(ctx, cfg, clusterClient, m, incident, state)
	}

	if analyzeExport != "" {
		if err := exportState(analyzeExport, state); err != nil {
			fmt.Fprintf(os.Stderr, "Error: export: %v\n", err)
			return exitError
		}
		fmt.Printf("Pipeline state written to %s\n", analyzeExport)
	}
	return code
}

func autoFix(ctx context.Context, cfg *config.Config, clusterClient *cluster.Client, m *metrics.Set, incident *models.Incident, state *models.PipelineState) int {
	runtime := shadow.NewNamespaceRuntime(clusterClient, cfg.Shadow)
	shadows := shadow.NewManager(cfg.Shadow, runtime, m)
	chain := security.NewChain(cfg.Security, clusterClient, m)

	env, err := shadows.Create(ctx, incident.Resource)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: shadow create: %v\n", err)
		return exitError
	}
	state.ShadowEnvID = env.ID
	defer shadows.Cleanup(env.ID)

	report, passed, err := shadows.Verify(ctx, env.ID, state.FixProposal, state.VerificationPlan, chain)
	state.SecurityReport = report
	state.ShadowPassed = &passed
	if err != nil {
		fmt.Fprintf(os.Stderr, "Shadow verification error: %v\n", err)
		return exitError
	}
	if !passed {
		fmt.Println("Shadow verification FAILED; fix not applied")
		return exitError
	}
	fmt.Printf("Shadow verification passed (health score %.2f)\n", env.HealthScore)

	applier := operator.NewApplier(clusterClient, m)
	if _, err := applier.Apply(ctx, incident, state.FixProposal); err != nil {
		fmt.Fprintf(os.Stderr, "Error: apply: %v\n", err)
		return exitError
	}
	fmt.Printf("Fix applied to %s\n", incident.Resource.String())
	return exitOK
}

func printState(state *models.PipelineState) {
	if state.RCAResult != nil {
		fmt.Printf("Root cause:  %s\n", state.RCAResult.RootCause)
		fmt.Printf("Severity:    %s (confidence %.2f)\n", state.RCAResult.Severity, state.RCAResult.Confidence)
	}
	if state.FixProposal != nil {
		fmt.Printf("Fix (%s): %s\n", state.FixProposal.Kind, state.FixProposal.Description)
		for _, cmd := range state.FixProposal.Commands {
			fmt.Printf("  $ %s\n", cmd)
		}
	}
	if state.VerificationPlan != nil {
		fmt.Printf("Verification: %s, approval required: %v\n",
			state.VerificationPlan.VerificationType, state.VerificationPlan.ApprovalRequired)
	}
	if state.Error != "" {
		fmt.Printf("Pipeline error: %s\n", state.Error)
	}
}

func exportState(path string, state *models.PipelineState) error {
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

// parseResourceArg accepts "deployment/web" or "pod/web-abc".
func parseResourceArg(arg, namespace string) (models.ResourceRef, error) {
	parts := strings.SplitN(arg, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return models.ResourceRef{}, fmt.Errorf("expected <kind>/<name>, got %q", arg)
	}
	switch strings.ToLower(parts[0]) {
	case "deployment", "deploy":
		return models.ResourceRef{Kind: "Deployment", Name: parts[1], Namespace: namespace}, nil
	case "pod", "po":
		return models.ResourceRef{Kind: "Pod", Name: parts[1], Namespace: namespace}, nil
	default:
		return models.ResourceRef{}, fmt.Errorf("unsupported kind %q (deployment or pod)", parts[0])
	}
}
