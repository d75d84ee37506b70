// Package placement holds the host eligibility checks shared by the cluster
// mechanism and the built-in policies.
package placement

import (
	"sort"
	"strings"

	corev1 "k8s.io/api/core/v1"

	"github.com/mlsysops/continuum/pkg/errdefs"
	"github.com/mlsysops/continuum/pkg/types"
)

// NodeMatchesRequirements checks readiness and the component's node placement
// (fixed node, layer, mobility, labels) plus its sensor and accelerator needs
// against the node's MLSysOps description. The error wraps
// errdefs.ErrHostIneligible and names the first unmet requirement.
func NodeMatchesRequirements(node *types.NodeRecord, comp *types.ComponentSpec) error {
	if node == nil {
		return errdefs.Wrap(errdefs.ErrHostIneligible, "unknown node")
	}
	if !node.KubernetesReady {
		return errdefs.Wrap(errdefs.ErrHostIneligible, "node %s is not Ready", node.Name)
	}

	if np := comp.NodePlacement; np != nil {
		if np.Node != "" && np.Node != node.Name {
			return errdefs.Wrap(errdefs.ErrHostIneligible, "component %s is pinned to %s, not %s", comp.Name, np.Node, node.Name)
		}
		if !layerAllowed(np.ContinuumLayer, node.EffectiveLayer()) {
			return errdefs.Wrap(errdefs.ErrHostIneligible, "node %s layer %s not in %v", node.Name, node.EffectiveLayer(), np.ContinuumLayer)
		}
		if np.Mobile && !isMobile(node) {
			return errdefs.Wrap(errdefs.ErrHostIneligible, "component %s needs a mobile node, %s is not", comp.Name, node.Name)
		}
		labels := node.EffectiveLabels()
		for k, v := range np.Labels {
			if labels[k] != v {
				return errdefs.Wrap(errdefs.ErrHostIneligible, "node %s lacks label %s=%s", node.Name, k, v)
			}
		}
	}

	var sensors, accelerators []string
	if node.Description != nil {
		sensors = node.Description.Sensors
		accelerators = node.Description.Accelerators
	}
	for _, s := range comp.Sensors {
		if !containsFold(sensors, s) {
			return errdefs.Wrap(errdefs.ErrHostIneligible, "node %s has no sensor %s", node.Name, s)
		}
	}
	for _, c := range comp.Containers {
		for _, a := range c.PlatformRequirements.AccelerationAPI {
			if !containsFold(accelerators, a) {
				return errdefs.Wrap(errdefs.ErrHostIneligible, "node %s has no accelerator %s", node.Name, a)
			}
		}
	}
	return nil
}

// NodeProvidesResources compares cpu and memory requests against the node's
// allocatable capacity
func NodeProvidesResources(node *types.NodeRecord, requests corev1.ResourceList) error {
	if node == nil {
		return errdefs.Wrap(errdefs.ErrHostIneligible, "unknown node")
	}
	if cpu, ok := requests[corev1.ResourceCPU]; ok && cpu.MilliValue() > node.Allocatable.CPUMilli {
		return errdefs.Wrap(errdefs.ErrHostIneligible, "node %s allocatable cpu %dm < requested %dm",
			node.Name, node.Allocatable.CPUMilli, cpu.MilliValue())
	}
	if mem, ok := requests[corev1.ResourceMemory]; ok && mem.Value() > node.Allocatable.MemoryBytes {
		return errdefs.Wrap(errdefs.ErrHostIneligible, "node %s allocatable memory %d < requested %d",
			node.Name, node.Allocatable.MemoryBytes, mem.Value())
	}
	return nil
}

// Eligible runs both checks
func Eligible(node *types.NodeRecord, comp *types.ComponentSpec, requests corev1.ResourceList) error {
	if err := NodeMatchesRequirements(node, comp); err != nil {
		return err
	}
	return NodeProvidesResources(node, requests)
}

// EligibleNodes returns the names of nodes passing both checks, sorted
func EligibleNodes(nodes []types.NodeRecord, comp *types.ComponentSpec, requests corev1.ResourceList) []string {
	var out []string
	for i := range nodes {
		if Eligible(&nodes[i], comp, requests) == nil {
			out = append(out, nodes[i].Name)
		}
	}
	sort.Strings(out)
	return out
}

func layerAllowed(allowed []types.Layer, layer types.Layer) bool {
	if len(allowed) == 0 {
		return true
	}
	for _, l := range allowed {
		if l == types.LayerAny || strings.EqualFold(string(l), string(layer)) {
			return true
		}
	}
	return false
}

func isMobile(node *types.NodeRecord) bool {
	if node.Description != nil && node.Description.Mobile {
		return true
	}
	return strings.EqualFold(string(node.EffectiveLayer()), string(types.LayerMobile))
}

func containsFold(list []string, s string) bool {
	for _, v := range list {
		if strings.EqualFold(v, s) {
			return true
		}
	}
	return false
}
