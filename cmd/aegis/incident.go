package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/aegis-sre/aegis/internal/cluster"
	"github.com/aegis-sre/aegis/internal/models"
	"github.com/aegis-sre/aegis/internal/operator"
)

var incidentListNamespace string

var incidentCmd = &cobra.Command{
	Use:   "incident",
	Short: "Inspect incidents",
}

var incidentListCmd = &cobra.Command{
	Use:   "list",
	Short: "Scan the cluster for workloads that would raise incidents",
	Long: `Performs a one-shot scan of pods and deployments and prints every
condition the operator's watcher would stage as an incident. This is a
point-in-time view; it does not reflect the queue of a running operator.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runIncidentList()
	},
}

var incidentShowCmd = &cobra.Command{
	Use:   "show <state-file>",
	Short: "Print an exported pipeline state file",
	Long:  `Pretty-prints a pipeline state JSON file written by "aegis analyze --export".`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runIncidentShow(args[0])
	},
}

func init() {
	incidentListCmd.Flags().StringVarP(&incidentListNamespace, "namespace", "n", "", "limit the scan to one namespace (default all)")
	incidentCmd.AddCommand(incidentListCmd)
	incidentCmd.AddCommand(incidentShowCmd)
}

func runIncidentList() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	clusterClient, err := cluster.New(cfg.Cluster)
	if err != nil {
		return fmt.Errorf("connect to cluster: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	type finding struct {
		resource models.ResourceRef
		trigger  models.TriggerSignal
		priority models.Priority
		detail   string
	}
	var findings []finding

	pods, err := clusterClient.ListPods(ctx, incidentListNamespace, "")
	if err != nil {
		return fmt.Errorf("list pods: %w", err)
	}
	for i := range pods {
		pod := &pods[i]
		if systemNamespace(pod.Namespace, cfg.Shadow.NamespacePrefix) {
			continue
		}
		trigger, detail, ok := operator.ClassifyPod(pod)
		if !ok {
			continue
		}
		priority := models.PriorityP1
		if cfg.IsProductionNamespace(pod.Namespace) {
			priority = models.PriorityP0
		}
		findings = append(findings, finding{
			resource: models.ResourceRef{Kind: "Pod", Name: pod.Name, Namespace: pod.Namespace},
			trigger:  trigger,
			priority: priority,
			detail:   detail,
		})
	}

	deps, err := clusterClient.ListDeployments(ctx, incidentListNamespace)
	if err != nil {
		return fmt.Errorf("list deployments: %w", err)
	}
	for i := range deps {
		dep := &deps[i]
		if systemNamespace(dep.Namespace, cfg.Shadow.NamespacePrefix) {
			continue
		}
		desired := int32(1)
		if dep.Spec.Replicas != nil {
			desired = *dep.Spec.Replicas
		}
		if desired == 0 || dep.Status.ReadyReplicas >= desired {
			continue
		}
		ratio := float64(desired-dep.Status.ReadyReplicas) / float64(desired)
		if ratio < 0.5 {
			continue
		}
		priority := models.PriorityP1
		if ratio > 0.75 {
			priority = models.PriorityP0
		}
		findings = append(findings, finding{
			resource: models.ResourceRef{Kind: "Deployment", Name: dep.Name, Namespace: dep.Namespace},
			trigger:  models.TriggerReplicaShortfall,
			priority: priority,
			detail:   fmt.Sprintf("ready %d / desired %d", dep.Status.ReadyReplicas, desired),
		})
	}

	if len(findings) == 0 {
		fmt.Println("No incident conditions found")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "PRIORITY\tRESOURCE\tTRIGGER\tDETAIL")
	for _, f := range findings {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", f.priority.String(), f.resource.String(), f.trigger, f.detail)
	}
	return w.Flush()
}

func runIncidentShow(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var state models.PipelineState
	if err := json.Unmarshal(data, &state); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}

	fmt.Printf("Incident:  %s\n", state.IncidentID)
	fmt.Printf("Resource:  %s\n", state.Resource.String())
	fmt.Printf("Stage:     %s\n", state.CurrentStage)
	printState(&state)
	if state.ShadowEnvID != "" {
		fmt.Printf("Shadow env: %s", state.ShadowEnvID)
		if state.ShadowPassed != nil {
			if *state.ShadowPassed {
				fmt.Print(" (passed)")
			} else {
				fmt.Print(" (failed)")
			}
		}
		fmt.Println()
	}
	if state.SecurityReport != nil {
		fmt.Printf("Security:  passed=%v skipped=%v, %d findings\n",
			state.SecurityReport.Passed, state.SecurityReport.Skipped, len(state.SecurityReport.Findings))
		for _, f := range state.SecurityReport.Findings {
			fmt.Printf("  [%s] %s: %s\n", f.Severity, f.ScannerID, f.Title)
		}
	}
	for _, msg := range state.Messages {
		fmt.Printf("-- %s/%s at %s\n", msg.Stage, msg.Role, msg.At.Format(time.RFC3339))
	}
	return nil
}

// systemNamespace mirrors the watcher's ignore list for the one-shot scan.
func systemNamespace(ns, shadowPrefix string) bool {
	if shadowPrefix != "" && len(ns) >= len(shadowPrefix) && ns[:len(shadowPrefix)] == shadowPrefix {
		return true
	}
	switch ns {
	case "kube-system", "kube-public", "kube-node-lease":
		return true
	}
	return false
}
