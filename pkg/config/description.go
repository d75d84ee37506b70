package config

import (
	"os"

	"gopkg.in/yaml.v3"

	"github.com/mlsysops/continuum/pkg/errdefs"
	"github.com/mlsysops/continuum/pkg/types"
)

// Description is the system description of a node, cluster or continuum
type Description struct {
	Name         string            `yaml:"name" json:"name"`
	Cluster      string            `yaml:"cluster,omitempty" json:"cluster,omitempty"`
	Continuum    string            `yaml:"continuum,omitempty" json:"continuum,omitempty"`
	Layer        types.Layer       `yaml:"continuumLayer,omitempty" json:"continuumLayer,omitempty"`
	Mobile       bool              `yaml:"mobile,omitempty" json:"mobile,omitempty"`
	Labels       map[string]string `yaml:"labels,omitempty" json:"labels,omitempty"`
	Sensors      []string          `yaml:"sensors,omitempty" json:"sensors,omitempty"`
	Accelerators []string          `yaml:"accelerators,omitempty" json:"accelerators,omitempty"`
	Location     *types.Location   `yaml:"location,omitempty" json:"location,omitempty"`
	Policies     []string          `yaml:"policies,omitempty" json:"policies,omitempty"`
	Nodes        []string          `yaml:"nodes,omitempty" json:"nodes,omitempty"`
	Clusters     []string          `yaml:"clusters,omitempty" json:"clusters,omitempty"`
}

// LoadDescription reads a system description. The document may be flat or
// wrapped in an MLSysOpsNode, MLSysOpsCluster or MLSysOpsContinuum key.
func LoadDescription(path string) (*Description, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.ErrFatalConfig, "read system description %s: %v", path, err)
	}

	var wrapped struct {
		Node      *Description `yaml:"MLSysOpsNode"`
		Cluster   *Description `yaml:"MLSysOpsCluster"`
		Continuum *Description `yaml:"MLSysOpsContinuum"`
	}
	if err := yaml.Unmarshal(data, &wrapped); err != nil {
		return nil, errdefs.Wrap(errdefs.ErrFatalConfig, "parse system description %s: %v", path, err)
	}

	var desc *Description
	switch {
	case wrapped.Node != nil:
		desc = wrapped.Node
	case wrapped.Cluster != nil:
		desc = wrapped.Cluster
	case wrapped.Continuum != nil:
		desc = wrapped.Continuum
	default:
		desc = &Description{}
		if err := yaml.Unmarshal(data, desc); err != nil {
			return nil, errdefs.Wrap(errdefs.ErrFatalConfig, "parse system description %s: %v", path, err)
		}
	}

	if desc.Name == "" {
		return nil, errdefs.Wrap(errdefs.ErrFatalConfig, "system description %s has no name", path)
	}
	switch desc.Layer {
	case "", types.LayerCloud, types.LayerEdgeInfra, types.LayerEdge, types.LayerFarEdge, types.LayerMobile, types.LayerGeneric:
	default:
		return nil, errdefs.Wrap(errdefs.ErrFatalConfig, "system description %s: unknown continuumLayer %q", path, desc.Layer)
	}
	return desc, nil
}

func (d *Description) parent(tier types.Tier) string {
	switch tier {
	case types.TierNode:
		return d.Cluster
	case types.TierCluster:
		return d.Continuum
	}
	return ""
}

// NodeDescription converts a node's description to the registry form
func (d *Description) NodeDescription() *types.NodeDescription {
	return &types.NodeDescription{
		Name:         d.Name,
		Cluster:      d.Cluster,
		Layer:        d.Layer,
		Mobile:       d.Mobile,
		Sensors:      append([]string(nil), d.Sensors...),
		Accelerators: append([]string(nil), d.Accelerators...),
		Labels:       d.Labels,
		Location:     d.Location,
		Policies:     append([]string(nil), d.Policies...),
	}
}
