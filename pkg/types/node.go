package types

import (
	corev1 "k8s.io/api/core/v1"
)

// NodeRecord is the cluster agent's view of one worker node
type NodeRecord struct {
	Name            string            `json:"name"`
	Layer           Layer             `json:"layer"`
	KubernetesReady bool              `json:"kubernetesReady"`
	Allocatable     NodeResources     `json:"allocatable"`
	Labels          map[string]string `json:"labels,omitempty"`
	Description     *NodeDescription  `json:"mlsysopsSpec,omitempty"`
	ResourceVersion string            `json:"resourceVersion,omitempty"`
}

// NodeResources is allocatable capacity
type NodeResources struct {
	CPUMilli    int64 `json:"cpuMilli"`
	MemoryBytes int64 `json:"memoryBytes"`
}

// NodeDescription is the MLSysOps node description (capabilities)
type NodeDescription struct {
	Name         string            `json:"name" yaml:"name"`
	Cluster      string            `json:"cluster,omitempty" yaml:"cluster,omitempty"`
	Layer        Layer             `json:"continuumLayer,omitempty" yaml:"continuumLayer,omitempty"`
	Mobile       bool              `json:"mobile,omitempty" yaml:"mobile,omitempty"`
	Sensors      []string          `json:"sensors,omitempty" yaml:"sensors,omitempty"`
	Accelerators []string          `json:"accelerators,omitempty" yaml:"accelerators,omitempty"`
	Labels       map[string]string `json:"labels,omitempty" yaml:"labels,omitempty"`
	Location     *Location         `json:"location,omitempty" yaml:"location,omitempty"`
	Policies     []string          `json:"policies,omitempty" yaml:"policies,omitempty"`
}

// Location is a geographic position
type Location struct {
	Latitude  float64 `json:"latitude" yaml:"latitude"`
	Longitude float64 `json:"longitude" yaml:"longitude"`
}

// EffectiveLayer returns the description's layer, then the node label, then unknown
func (n *NodeRecord) EffectiveLayer() Layer {
	if n.Description != nil && n.Description.Layer != "" {
		return n.Description.Layer
	}
	if n.Layer != "" {
		return n.Layer
	}
	return LayerUnknown
}

// EffectiveLabels merges Kubernetes labels with description labels; the
// description wins on conflicts.
func (n *NodeRecord) EffectiveLabels() map[string]string {
	out := make(map[string]string, len(n.Labels))
	for k, v := range n.Labels {
		out[k] = v
	}
	if n.Description != nil {
		for k, v := range n.Description.Labels {
			out[k] = v
		}
	}
	return out
}

// PodRecord is the cluster agent's view of one pod
type PodRecord struct {
	Name      string            `json:"name"`
	Labels    map[string]string `json:"labels,omitempty"`
	Phase     corev1.PodPhase   `json:"phase"`
	NodeName  string            `json:"nodeName,omitempty"`
	Ready     bool              `json:"ready"`
	App       string            `json:"app,omitempty"`
	Component string            `json:"component,omitempty"`
}

// ComponentProjection is the node-side slice of a ComponentRuntime
type ComponentProjection struct {
	App       string         `json:"app"`
	Component string         `json:"component"`
	Spec      *ComponentSpec `json:"comp_spec"`
	PodName   string         `json:"pod_name"`
	Pod       *corev1.Pod    `json:"pod_spec,omitempty"`
	PlanUID   string         `json:"plan_uid,omitempty"`
}

// NodeProjection maps app name to the components placed on one node
type NodeProjection map[string][]ComponentProjection
