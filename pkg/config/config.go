// Package config loads agent configuration: defaults, then an optional YAML
// file, then environment variables. Command-line flags are applied last by
// the caller.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mlsysops/continuum/pkg/errdefs"
	"github.com/mlsysops/continuum/pkg/log"
	"github.com/mlsysops/continuum/pkg/mechanism"
	"github.com/mlsysops/continuum/pkg/types"
)

// Environment variables read by LoadFromEnv
const (
	EnvKubeconfig        = "KUBECONFIG"
	EnvKarmadaKubeconfig = "KARMADA_API_KUBECONFIG"
	EnvNamespace         = "MLSYSOPS_NAMESPACE"
	EnvNodeName          = "NODE_NAME"
	EnvClusterName       = "CLUSTER_NAME"
	EnvContinuumName     = "CONTINUUM_NAME"
	EnvLogLevel          = "LOG_LEVEL"
	EnvDescriptionPath   = "MLSYSOPS_DESCRIPTION_PATH"
	EnvPolicyDir         = "MLSYSOPS_POLICY_DIR"
	EnvDataDir           = "MLSYSOPS_DATA_DIR"
	EnvParentAddress     = "MLSYSOPS_PARENT_ADDR"
	EnvListenAddress     = "MLSYSOPS_LISTEN_ADDR"
	EnvHealthAddress     = "MLSYSOPS_HEALTH_ADDR"

	EnvOtelEndpoint          = "MLS_OTEL_ENDPOINT"
	EnvOtelExportInterval    = "MLS_OTEL_EXPORT_INTERVAL"
	EnvOtelCollectorImage    = "MLS_OTEL_COLLECTOR_IMAGE"
	EnvOtelNodeExporterImage = "MLS_OTEL_NODE_EXPORTER_IMAGE"
)

// DefaultNamespace is used when MLSYSOPS_NAMESPACE is unset
const DefaultNamespace = "mlsysops"

// Config is the configuration of one agent
type Config struct {
	Tier types.Tier `yaml:"tier"`
	Name string     `yaml:"name"`

	// Parent is the agent id of the parent tier: the cluster of a node
	// agent, the continuum of a cluster agent
	Parent        string `yaml:"parent"`
	ParentAddress string `yaml:"parentAddress"`
	ListenAddress string `yaml:"listenAddress"`
	HealthAddress string `yaml:"healthAddress"`

	Kubeconfig        string `yaml:"kubeconfig"`
	KarmadaKubeconfig string `yaml:"karmadaKubeconfig"`
	Namespace         string `yaml:"namespace"`

	DataDir         string `yaml:"dataDir"`
	DescriptionPath string `yaml:"descriptionPath"`
	PolicyDir       string `yaml:"policyDir"`

	Log       LogConfig       `yaml:"log"`
	Mechanism MechanismConfig `yaml:"mechanism"`
	Policy    PolicyConfig    `yaml:"policy"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Reconcile ReconcileConfig `yaml:"reconcile"`

	// Description is loaded from DescriptionPath by Validate
	Description *Description `yaml:"-"`
}

// LogConfig selects the log level and writer
type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// MechanismConfig holds plan execution waits
type MechanismConfig struct {
	ReadyTimeout       time.Duration `yaml:"readyTimeout"`
	PredecessorTimeout time.Duration `yaml:"predecessorTimeout"`
	TeardownTimeout    time.Duration `yaml:"teardownTimeout"`
	PollInterval       time.Duration `yaml:"pollInterval"`
	ProxyTTL           time.Duration `yaml:"proxyTTL"`
}

// PolicyConfig holds policy controller settings
type PolicyConfig struct {
	Period time.Duration `yaml:"period"`
}

// TelemetryConfig holds the collector settings
type TelemetryConfig struct {
	Endpoint          string        `yaml:"endpoint"`
	ExportInterval    time.Duration `yaml:"exportInterval"`
	CollectorImage    string        `yaml:"collectorImage"`
	NodeExporterImage string        `yaml:"nodeExporterImage"`
}

// ReconcileConfig holds reconciler settings
type ReconcileConfig struct {
	Interval      time.Duration `yaml:"interval"`
	TaskRetention time.Duration `yaml:"taskRetention"`
}

// DefaultConfig returns the defaults for tier
func DefaultConfig(tier types.Tier) *Config {
	mech := mechanism.DefaultConfig()
	collectors := mechanism.DefaultCollectorConfig()
	return &Config{
		Tier:          tier,
		ListenAddress: ":7070",
		HealthAddress: ":9090",
		Namespace:     DefaultNamespace,
		DataDir:       "/var/lib/mlsysops",
		Log:           LogConfig{Level: string(log.InfoLevel), JSON: true},
		Mechanism: MechanismConfig{
			ReadyTimeout:       mech.ReadyTimeout,
			PredecessorTimeout: mech.PredecessorTimeout,
			TeardownTimeout:    mech.TeardownTimeout,
			PollInterval:       mech.PollInterval,
			ProxyTTL:           mechanism.DefaultProxyTTL,
		},
		Policy: PolicyConfig{Period: 1250 * time.Millisecond},
		Telemetry: TelemetryConfig{
			ExportInterval:    collectors.ExportInterval,
			CollectorImage:    collectors.OtelImage,
			NodeExporterImage: collectors.NodeExporterImage,
		},
		Reconcile: ReconcileConfig{
			Interval:      10 * time.Second,
			TaskRetention: 24 * time.Hour,
		},
	}
}

// Load builds the configuration of tier from the defaults, the YAML file at
// path (skipped when empty) and the environment
func Load(tier types.Tier, path string) (*Config, error) {
	cfg := DefaultConfig(tier)
	if path != "" {
		if err := cfg.LoadFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.LoadFromEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile merges the YAML file at path into c
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return errdefs.Wrap(errdefs.ErrFatalConfig, "read config %s: %v", path, err)
	}
	tier := c.Tier
	if err := yaml.Unmarshal(data, c); err != nil {
		return errdefs.Wrap(errdefs.ErrFatalConfig, "parse config %s: %v", path, err)
	}
	if c.Tier == "" {
		c.Tier = tier
	}
	return nil
}

// LoadFromEnv overrides c with the environment
func (c *Config) LoadFromEnv() error {
	setString(&c.Kubeconfig, EnvKubeconfig)
	setString(&c.KarmadaKubeconfig, EnvKarmadaKubeconfig)
	setString(&c.Namespace, EnvNamespace)
	setString(&c.DescriptionPath, EnvDescriptionPath)
	setString(&c.PolicyDir, EnvPolicyDir)
	setString(&c.DataDir, EnvDataDir)
	setString(&c.ParentAddress, EnvParentAddress)
	setString(&c.ListenAddress, EnvListenAddress)
	setString(&c.HealthAddress, EnvHealthAddress)
	setString(&c.Log.Level, EnvLogLevel)
	setString(&c.Telemetry.Endpoint, EnvOtelEndpoint)
	setString(&c.Telemetry.CollectorImage, EnvOtelCollectorImage)
	setString(&c.Telemetry.NodeExporterImage, EnvOtelNodeExporterImage)

	switch c.Tier {
	case types.TierNode:
		setString(&c.Name, EnvNodeName)
		setString(&c.Parent, EnvClusterName)
	case types.TierCluster:
		setString(&c.Name, EnvClusterName)
		setString(&c.Parent, EnvContinuumName)
	case types.TierContinuum:
		setString(&c.Name, EnvContinuumName)
	}

	if val := os.Getenv(EnvOtelExportInterval); val != "" {
		d, err := time.ParseDuration(val)
		if err != nil {
			return errdefs.Wrap(errdefs.ErrFatalConfig, "invalid %s: %v", EnvOtelExportInterval, err)
		}
		c.Telemetry.ExportInterval = d
	}
	return nil
}

func setString(dst *string, env string) {
	if val, ok := os.LookupEnv(env); ok && strings.TrimSpace(val) != "" {
		*dst = strings.TrimSpace(val)
	}
}

// Validate checks the configuration and loads the system description.
// Every failure wraps errdefs.ErrFatalConfig.
func (c *Config) Validate() error {
	switch c.Tier {
	case types.TierContinuum, types.TierCluster, types.TierNode:
	default:
		return errdefs.Wrap(errdefs.ErrFatalConfig, "unknown tier %q", c.Tier)
	}

	if c.DescriptionPath != "" {
		desc, err := LoadDescription(c.DescriptionPath)
		if err != nil {
			return err
		}
		c.Description = desc
		if c.Name == "" {
			c.Name = desc.Name
		}
		if c.Parent == "" {
			c.Parent = desc.parent(c.Tier)
		}
	} else if c.Tier == types.TierCluster {
		return errdefs.Wrap(errdefs.ErrFatalConfig, "cluster agent requires a system description (%s)", EnvDescriptionPath)
	}

	if c.Name == "" {
		return errdefs.Wrap(errdefs.ErrFatalConfig, "%s agent has no name", c.Tier)
	}
	if c.Tier == types.TierNode {
		if c.Parent == "" {
			return errdefs.Wrap(errdefs.ErrFatalConfig, "node agent requires a cluster (%s)", EnvClusterName)
		}
		if c.ParentAddress == "" {
			return errdefs.Wrap(errdefs.ErrFatalConfig, "node agent requires the cluster address (%s)", EnvParentAddress)
		}
	}
	if c.Parent != "" && c.ParentAddress == "" && c.Tier == types.TierCluster {
		return errdefs.Wrap(errdefs.ErrFatalConfig, "cluster agent has parent %s but no address (%s)", c.Parent, EnvParentAddress)
	}
	if c.Namespace == "" {
		c.Namespace = DefaultNamespace
	}
	if c.Policy.Period <= 0 {
		return errdefs.Wrap(errdefs.ErrFatalConfig, "policy period must be positive")
	}
	return nil
}

// LogLevel returns the parsed log level
func (c *Config) LogLevel() log.Level {
	return log.ParseLevel(c.Log.Level)
}

// StoreName is the bbolt file name of this agent without extension
func (c *Config) StoreName() string {
	return fmt.Sprintf("%s-%s", c.Tier, c.Name)
}

// StorePath returns the bbolt file of this agent
func (c *Config) StorePath() string {
	return filepath.Join(c.DataDir, c.StoreName()+".db")
}

// MechanismConfig converts to the mechanism's configuration
func (c *Config) MechanismConfig() mechanism.Config {
	cfg := mechanism.DefaultConfig()
	if c.Mechanism.ReadyTimeout > 0 {
		cfg.ReadyTimeout = c.Mechanism.ReadyTimeout
	}
	if c.Mechanism.PredecessorTimeout > 0 {
		cfg.PredecessorTimeout = c.Mechanism.PredecessorTimeout
	}
	if c.Mechanism.TeardownTimeout > 0 {
		cfg.TeardownTimeout = c.Mechanism.TeardownTimeout
	}
	if c.Mechanism.PollInterval > 0 {
		cfg.PollInterval = c.Mechanism.PollInterval
	}
	cfg.Collectors.OtelEndpoint = c.Telemetry.Endpoint
	if c.Telemetry.CollectorImage != "" {
		cfg.Collectors.OtelImage = c.Telemetry.CollectorImage
	}
	if c.Telemetry.NodeExporterImage != "" {
		cfg.Collectors.NodeExporterImage = c.Telemetry.NodeExporterImage
	}
	if c.Telemetry.ExportInterval > 0 {
		cfg.Collectors.ExportInterval = c.Telemetry.ExportInterval
	}
	return cfg
}
