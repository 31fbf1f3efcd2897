package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/aegis-sre/aegis/internal/cluster"
	"github.com/aegis-sre/aegis/internal/metrics"
	"github.com/aegis-sre/aegis/internal/shadow"
)

var shadowCreateNamespace string

var shadowCmd = &cobra.Command{
	Use:   "shadow",
	Short: "Manage shadow environments",
}

var shadowCreateCmd = &cobra.Command{
	Use:   "create <kind>/<name>",
	Short: "Clone a workload into a new shadow namespace",
	Long: `Provisions a shadow namespace with a quota and a deny-all network policy,
clones the named workload into it, and leaves it running for manual
inspection. Delete it with "aegis shadow delete".`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runShadowCreate(args[0])
	},
}

var shadowListCmd = &cobra.Command{
	Use:   "list",
	Short: "List shadow namespaces in the cluster",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runShadowList()
	},
}

var shadowDeleteCmd = &cobra.Command{
	Use:   "delete <namespace>",
	Short: "Delete a shadow namespace",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runShadowDelete(args[0])
	},
}

func init() {
	shadowCreateCmd.Flags().StringVarP(&shadowCreateNamespace, "namespace", "n", "default", "namespace of the source workload")
	shadowCmd.AddCommand(shadowCreateCmd)
	shadowCmd.AddCommand(shadowListCmd)
	shadowCmd.AddCommand(shadowDeleteCmd)
}

func runShadowCreate(target string) error {
	ref, err := parseResourceArg(target, shadowCreateNamespace)
	if err != nil {
		return err
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	clusterClient, err := cluster.New(cfg.Cluster)
	if err != nil {
		return fmt.Errorf("connect to cluster: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	runtime := shadow.NewNamespaceRuntime(clusterClient, cfg.Shadow)
	manager := shadow.NewManager(cfg.Shadow, runtime, metrics.Default())

	env, err := manager.Create(ctx, ref)
	if err != nil {
		return fmt.Errorf("shadow create: %w", err)
	}
	fmt.Printf("Shadow environment %s ready\n", env.ID)
	fmt.Printf("  namespace: %s\n", env.Namespace)
	fmt.Printf("  source:    %s\n", ref.String())
	fmt.Printf("Delete with: aegis shadow delete %s\n", env.Namespace)
	return nil
}

func runShadowList() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	clusterClient, err := cluster.New(cfg.Cluster)
	if err != nil {
		return fmt.Errorf("connect to cluster: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	namespaces, err := clusterClient.ListNamespaces(ctx, "aegis.dev/shadow=true")
	if err != nil {
		return fmt.Errorf("list namespaces: %w", err)
	}
	if len(namespaces) == 0 {
		fmt.Println("No shadow namespaces found")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAMESPACE\tSHADOW ID\tSOURCE NS\tAGE")
	for _, ns := range namespaces {
		age := time.Since(ns.CreationTimestamp.Time).Round(time.Second)
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
			ns.Name, ns.Labels["aegis.dev/shadow-id"], ns.Labels["aegis.dev/source-ns"], age)
	}
	return w.Flush()
}

func runShadowDelete(namespace string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	// Refuse anything that is not a shadow namespace; this command must
	// never be able to delete a workload namespace.
	if !strings.HasPrefix(namespace, cfg.Shadow.NamespacePrefix) {
		return fmt.Errorf("%q does not carry the shadow prefix %q", namespace, cfg.Shadow.NamespacePrefix)
	}
	clusterClient, err := cluster.New(cfg.Cluster)
	if err != nil {
		return fmt.Errorf("connect to cluster: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	exists, err := clusterClient.NamespaceExists(ctx, namespace)
	if err != nil {
		return fmt.Errorf("check %s: %w", namespace, err)
	}
	if !exists {
		return fmt.Errorf("namespace %q not found", namespace)
	}
	if err := clusterClient.DeleteNamespace(ctx, namespace); err != nil {
		return fmt.Errorf("delete %s: %w", namespace, err)
	}
	fmt.Printf("Shadow namespace %s deleted\n", namespace)
	return nil
}
