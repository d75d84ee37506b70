package main

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/mlsysops/continuum/pkg/client"
	"github.com/mlsysops/continuum/pkg/config"
	"github.com/mlsysops/continuum/pkg/kube"
)

var applyCmd = &cobra.Command{
	Use:   "apply",
	Short: "Apply an MLSysOpsApp description",
	Long: `Apply an MLSysOpsApp from a YAML file. The app is created, or its
description replaced when it already exists.

Examples:
  # Submit an app to the continuum (Karmada) API
  mlsysops-agent apply -f app.yaml --kubeconfig karmada.kubeconfig

  # Submit an app straight to one cluster
  mlsysops-agent apply -f app.yaml -n mlsysops`,
	Args: cobra.NoArgs,
	RunE: runApply,
}

var deleteCmd = &cobra.Command{
	Use:   "delete NAME",
	Short: "Delete an MLSysOpsApp",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := appClient(cmd)
		if err != nil {
			return err
		}
		if err := c.Delete(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Printf("✓ App deleted: %s\n", args[0])
		return nil
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List MLSysOpsApps",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := appClient(cmd)
		if err != nil {
			return err
		}
		apps, err := c.List(cmd.Context())
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tCOMPONENTS\tCLUSTERS")
		for _, app := range apps {
			names := make([]string, 0, len(app.Components))
			for _, comp := range app.Components {
				names = append(names, comp.Name)
			}
			clusters := strings.Join(app.ClusterPlacement, ",")
			if clusters == "" {
				clusters = "*"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\n", app.Name, strings.Join(names, ","), clusters)
		}
		return w.Flush()
	},
}

func init() {
	applyCmd.Flags().StringP("file", "f", "", "YAML file to apply (required)")
	_ = applyCmd.MarkFlagRequired("file")

	for _, cmd := range []*cobra.Command{applyCmd, deleteCmd, listCmd} {
		cmd.Flags().String("kubeconfig", "", "Kubeconfig path (KUBECONFIG when empty)")
		cmd.Flags().StringP("namespace", "n", config.DefaultNamespace, "Namespace of the apps")
		rootCmd.AddCommand(cmd)
	}
}

func appClient(cmd *cobra.Command) (*client.Client, error) {
	kubeconfig, _ := cmd.Flags().GetString("kubeconfig")
	namespace, _ := cmd.Flags().GetString("namespace")
	if kubeconfig == "" {
		kubeconfig = os.Getenv(config.EnvKubeconfig)
	}

	kc, err := kube.Connect(kubeconfig)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Kubernetes: %w", err)
	}
	return client.New(kc, namespace), nil
}

func runApply(cmd *cobra.Command, args []string) error {
	filename, _ := cmd.Flags().GetString("file")

	spec, err := client.LoadApp(filename)
	if err != nil {
		return err
	}
	c, err := appClient(cmd)
	if err != nil {
		return err
	}

	created, err := c.Apply(cmd.Context(), spec)
	if err != nil {
		return err
	}
	if created {
		fmt.Printf("✓ App created: %s (%d components)\n", spec.Name, len(spec.Components))
	} else {
		fmt.Printf("✓ App updated: %s (%d components)\n", spec.Name, len(spec.Components))
	}
	return nil
}
