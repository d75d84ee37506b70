package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mlsysops/continuum/pkg/agent"
	"github.com/mlsysops/continuum/pkg/config"
	"github.com/mlsysops/continuum/pkg/errdefs"
	"github.com/mlsysops/continuum/pkg/kube"
	"github.com/mlsysops/continuum/pkg/log"
	"github.com/mlsysops/continuum/pkg/storage"
	"github.com/mlsysops/continuum/pkg/types"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		if errors.Is(err, errdefs.ErrFatalConfig) {
			fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
		} else {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "mlsysops-agent",
	Short: "MLSysOps continuum agents",
	Long: `mlsysops-agent runs one tier of the MLSysOps agent hierarchy.

The continuum agent hands applications to clusters, a cluster agent places
their components on nodes and keeps them running, and a node agent applies
the components it hosts and runs node-level policies.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"mlsysops-agent version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().StringP("config", "c", "", "YAML configuration file")
	rootCmd.PersistentFlags().String("log-level", "", "Log level (test, debug, info, warn, error)")

	for _, tier := range []types.Tier{types.TierContinuum, types.TierCluster, types.TierNode} {
		rootCmd.AddCommand(agentCmd(tier))
	}
}

func agentCmd(tier types.Tier) *cobra.Command {
	cmd := &cobra.Command{
		Use:   string(tier),
		Short: fmt.Sprintf("Run the %s agent", tier),
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, tier)
			if err != nil {
				return err
			}
			return runAgent(cmd.Context(), cfg)
		},
	}

	cmd.Flags().String("name", "", "Agent name")
	cmd.Flags().String("parent", "", "Name of the parent agent")
	cmd.Flags().String("parent-addr", "", "gRPC address of the parent agent")
	cmd.Flags().String("listen", "", "gRPC listen address for child agents")
	cmd.Flags().String("health-addr", "", "Health and metrics address (empty string disables)")
	cmd.Flags().String("description", "", "System description file")
	cmd.Flags().String("policy-dir", "", "Directory of policy descriptors")
	cmd.Flags().String("data-dir", "", "Directory of the agent's state file")
	cmd.Flags().String("namespace", "", "Namespace of apps and components")
	if tier != types.TierNode {
		cmd.Flags().String("kubeconfig", "", "Kubeconfig path (in-cluster config when empty)")
	}
	if tier == types.TierContinuum {
		cmd.Flags().String("karmada-kubeconfig", "", "Kubeconfig of the Karmada API server")
	}
	return cmd
}

// loadConfig layers defaults, the config file, the environment and flags
func loadConfig(cmd *cobra.Command, tier types.Tier) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(tier, path)
	if err != nil {
		return nil, err
	}

	flags := map[string]*string{
		"name":               &cfg.Name,
		"parent":             &cfg.Parent,
		"parent-addr":        &cfg.ParentAddress,
		"listen":             &cfg.ListenAddress,
		"health-addr":        &cfg.HealthAddress,
		"description":        &cfg.DescriptionPath,
		"policy-dir":         &cfg.PolicyDir,
		"data-dir":           &cfg.DataDir,
		"namespace":          &cfg.Namespace,
		"kubeconfig":         &cfg.Kubeconfig,
		"karmada-kubeconfig": &cfg.KarmadaKubeconfig,
		"log-level":          &cfg.Log.Level,
	}
	for name, dst := range flags {
		if f := cmd.Flags().Lookup(name); f != nil && f.Changed {
			*dst = f.Value.String()
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// runner is what every tier's agent exposes to main
type runner interface {
	Start(ctx context.Context) error
	Stop() error
	Done() <-chan struct{}
	Wait() error
}

func runAgent(parent context.Context, cfg *config.Config) error {
	if parent == nil {
		parent = context.Background()
	}
	log.Init(log.Config{Level: cfg.LogLevel(), JSONOutput: cfg.Log.JSON})
	logger := log.WithTier(string(cfg.Tier), cfg.Name)

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := buildAgent(cfg)
	if err != nil {
		return err
	}
	if err := a.Start(ctx); err != nil {
		_ = a.Stop()
		return fmt.Errorf("failed to start %s agent: %w", cfg.Tier, err)
	}
	logger.Info().Str("version", Version).Str("listen", cfg.ListenAddress).Str("parent", cfg.Parent).Msg("Agent running")

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info().Msg("Shutdown signal received")
	case <-a.Done():
		runErr = a.Wait()
	}
	if err := a.Stop(); err != nil {
		logger.Warn().Err(err).Msg("Unclean shutdown")
	}
	return runErr
}

func buildAgent(cfg *config.Config) (runner, error) {
	var kc kube.Client
	switch cfg.Tier {
	case types.TierContinuum:
		kubeconfig := cfg.Kubeconfig
		if cfg.KarmadaKubeconfig != "" {
			kubeconfig = cfg.KarmadaKubeconfig
		}
		c, err := kube.Connect(kubeconfig)
		if err != nil {
			return nil, err
		}
		kc = c
	case types.TierCluster:
		c, err := kube.Connect(cfg.Kubeconfig)
		if err != nil {
			return nil, err
		}
		kc = c
	}

	store, err := agent.OpenStore(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open state in %s: %w", cfg.DataDir, err)
	}

	// a node asks its cluster for a fresh sync after every attach
	reconnects := make(chan struct{}, 1)
	tr, err := agent.Connect(cfg, func() {
		select {
		case reconnects <- struct{}{}:
		default:
		}
	})
	if err != nil {
		store.Close()
		return nil, err
	}

	actx, err := agent.NewContext(cfg, tr, kc, store)
	if err != nil {
		closeAll(tr.Close, store)
		return nil, err
	}
	actx.Version = Version

	var a runner
	switch cfg.Tier {
	case types.TierContinuum:
		a, err = agent.NewContinuum(actx)
	case types.TierCluster:
		a, err = agent.NewCluster(actx)
	default:
		a, err = agent.NewNode(actx, agent.WithReconnects(reconnects))
	}
	if err != nil {
		closeAll(tr.Close, store)
		return nil, err
	}
	return a, nil
}

func closeAll(closeTransport func() error, store storage.Store) {
	_ = closeTransport()
	_ = store.Close()
}
