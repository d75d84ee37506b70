package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mlsysops/continuum/pkg/errdefs"
	"github.com/mlsysops/continuum/pkg/log"
	"github.com/mlsysops/continuum/pkg/types"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadFileThenEnv(t *testing.T) {
	path := writeFile(t, "agent.yaml", `
name: from-file
namespace: file-ns
parentAddress: continuum:7070
log:
  level: debug
  json: false
mechanism:
  readyTimeout: 30s
  proxyTTL: 5m
policy:
  period: 2s
telemetry:
  endpoint: otel.local:4317
`)
	t.Setenv(EnvNamespace, "env-ns")
	t.Setenv(EnvClusterName, "cluster-1")
	t.Setenv(EnvOtelExportInterval, "30s")

	cfg, err := Load(types.TierCluster, path)
	require.NoError(t, err)

	assert.Equal(t, types.TierCluster, cfg.Tier)
	assert.Equal(t, "cluster-1", cfg.Name, "env wins over the file")
	assert.Equal(t, "env-ns", cfg.Namespace)
	assert.Equal(t, "continuum:7070", cfg.ParentAddress)
	assert.Equal(t, log.DebugLevel, cfg.LogLevel())
	assert.False(t, cfg.Log.JSON)
	assert.Equal(t, 2*time.Second, cfg.Policy.Period)
	assert.Equal(t, 5*time.Minute, cfg.Mechanism.ProxyTTL)
	assert.Equal(t, 30*time.Second, cfg.Telemetry.ExportInterval)

	mech := cfg.MechanismConfig()
	assert.Equal(t, 30*time.Second, mech.ReadyTimeout)
	assert.Equal(t, 120*time.Second, mech.PredecessorTimeout, "unset values keep the default")
	assert.Equal(t, "otel.local:4317", mech.Collectors.OtelEndpoint)
	assert.Equal(t, 30*time.Second, mech.Collectors.ExportInterval)
}

func TestEnvIdentityDependsOnTier(t *testing.T) {
	t.Setenv(EnvNodeName, "n1")
	t.Setenv(EnvClusterName, "cluster-1")

	node, err := Load(types.TierNode, "")
	require.NoError(t, err)
	assert.Equal(t, "n1", node.Name)
	assert.Equal(t, "cluster-1", node.Parent)

	cluster, err := Load(types.TierCluster, "")
	require.NoError(t, err)
	assert.Equal(t, "cluster-1", cluster.Name)
}

func TestLoadErrors(t *testing.T) {
	t.Run("missing file", func(t *testing.T) {
		_, err := Load(types.TierNode, filepath.Join(t.TempDir(), "nope.yaml"))
		assert.ErrorIs(t, err, errdefs.ErrFatalConfig)
	})
	t.Run("malformed file", func(t *testing.T) {
		_, err := Load(types.TierNode, writeFile(t, "bad.yaml", "name: [unclosed"))
		assert.ErrorIs(t, err, errdefs.ErrFatalConfig)
	})
	t.Run("bad interval", func(t *testing.T) {
		t.Setenv(EnvOtelExportInterval, "often")
		_, err := Load(types.TierNode, "")
		assert.ErrorIs(t, err, errdefs.ErrFatalConfig)
	})
}

func TestValidate(t *testing.T) {
	clusterDesc := writeFile(t, "cluster.yaml", `
MLSysOpsCluster:
  name: cluster-1
  continuum: continuum
  nodes: [n1, n2]
`)

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{
			name: "cluster with description",
			mutate: func(c *Config) {
				c.DescriptionPath = clusterDesc
				c.ParentAddress = "continuum:7070"
			},
		},
		{
			name:    "cluster without description",
			mutate:  func(c *Config) { c.Name = "cluster-1" },
			wantErr: true,
		},
		{
			name: "cluster parent without address",
			mutate: func(c *Config) {
				c.DescriptionPath = clusterDesc
			},
			wantErr: true,
		},
		{
			name: "unknown tier",
			mutate: func(c *Config) {
				c.Tier = "region"
				c.Name = "x"
			},
			wantErr: true,
		},
		{
			name: "node without cluster",
			mutate: func(c *Config) {
				c.Tier = types.TierNode
				c.Name = "n1"
				c.ParentAddress = "cluster:7070"
			},
			wantErr: true,
		},
		{
			name: "node",
			mutate: func(c *Config) {
				c.Tier = types.TierNode
				c.Name = "n1"
				c.Parent = "cluster-1"
				c.ParentAddress = "cluster:7070"
			},
		},
		{
			name: "continuum without name",
			mutate: func(c *Config) {
				c.Tier = types.TierContinuum
			},
			wantErr: true,
		},
		{
			name: "zero period",
			mutate: func(c *Config) {
				c.Tier = types.TierContinuum
				c.Name = "continuum"
				c.Policy.Period = 0
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig(types.TierCluster)
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, errdefs.ErrFatalConfig)
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestValidateTakesIdentityFromDescription(t *testing.T) {
	cfg := DefaultConfig(types.TierCluster)
	cfg.DescriptionPath = writeFile(t, "cluster.yaml", "name: cluster-7\ncontinuum: continuum\n")
	cfg.ParentAddress = "continuum:7070"
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "cluster-7", cfg.Name)
	assert.Equal(t, "continuum", cfg.Parent)
	assert.Equal(t, filepath.Join(cfg.DataDir, "cluster-cluster-7.db"), cfg.StorePath())
}

func TestLoadDescription(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    *Description
		wantErr bool
	}{
		{
			name: "wrapped node",
			content: `
MLSysOpsNode:
  name: n1
  cluster: cluster-1
  continuumLayer: Edge
  sensors: [camera]
  location: {latitude: 35.3, longitude: 25.1}
`,
			want: &Description{
				Name: "n1", Cluster: "cluster-1", Layer: types.LayerEdge,
				Sensors: []string{"camera"}, Location: &types.Location{Latitude: 35.3, Longitude: 25.1},
			},
		},
		{
			name:    "flat",
			content: "name: continuum\nclusters: [c1, c2]\n",
			want:    &Description{Name: "continuum", Clusters: []string{"c1", "c2"}},
		},
		{
			name:    "missing name",
			content: "continuumLayer: Edge\n",
			wantErr: true,
		},
		{
			name:    "unknown layer",
			content: "name: n1\ncontinuumLayer: Orbit\n",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := LoadDescription(writeFile(t, "desc.yaml", tt.content))
			if tt.wantErr {
				assert.ErrorIs(t, err, errdefs.ErrFatalConfig)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNodeDescription(t *testing.T) {
	d := &Description{Name: "n1", Cluster: "cluster-1", Layer: types.LayerFarEdge, Mobile: true, Accelerators: []string{"gpu"}}
	nd := d.NodeDescription()
	assert.Equal(t, "n1", nd.Name)
	assert.Equal(t, types.LayerFarEdge, nd.Layer)
	assert.True(t, nd.Mobile)
	assert.Equal(t, []string{"gpu"}, nd.Accelerators)
}
