package types

import (
	corev1 "k8s.io/api/core/v1"
)

// InstanceStatus is the lifecycle state of a host entry or pod manifest
type InstanceStatus string

const (
	StatusPending  InstanceStatus = "PENDING"
	StatusActive   InstanceStatus = "ACTIVE"
	StatusInactive InstanceStatus = "INACTIVE"
)

// HostEntry places one instance of a component on a host
type HostEntry struct {
	Host    string         `json:"host"`
	Status  InstanceStatus `json:"status"`
	PodName string         `json:"podName,omitempty"`
}

// PodManifest is a per-instance pod built from the canonical template
type PodManifest struct {
	Pod     *corev1.Pod    `json:"pod"`
	Status  InstanceStatus `json:"status"`
	PlanUID string         `json:"planUID,omitempty"`
}

// ComponentRuntime is the mutable companion of a ComponentSpec
type ComponentRuntime struct {
	Name         string              `json:"name"`
	UID          string              `json:"uid"`
	Spec         ComponentSpec       `json:"spec"`
	PodTemplate  *corev1.Pod         `json:"podTemplate"`
	PodManifests []*PodManifest      `json:"podManifests,omitempty"`
	Hosts        []HostEntry         `json:"hosts,omitempty"`
	Requests     corev1.ResourceList `json:"requests,omitempty"`
	Limits       corev1.ResourceList `json:"limits,omitempty"`
	SvcManifest  *corev1.Service     `json:"svcManifest,omitempty"`
	SvcVIP       string              `json:"svcVIP,omitempty"`
	SvcPort      int32               `json:"svcPort,omitempty"`
	Placement    []Layer             `json:"placement,omitempty"`
	ClusterID    string              `json:"clusterID,omitempty"`
}

// AppRuntime is the mutable companion of an AppSpec, owned by the cluster agent
type AppRuntime struct {
	Spec           AppSpec                      `json:"spec"`
	Components     map[string]*ComponentRuntime `json:"components"`
	CurrPlan       map[string][]HostEntry       `json:"currPlan"`
	MonitorStarted bool                         `json:"monitorStarted"`
	TotalPods      int                          `json:"totalPods"`
	PodNames       []string                     `json:"podNames,omitempty"`
	PlanStatus     map[string]PlanStatus        `json:"planStatus,omitempty"`
}

// ActiveHosts returns hosts whose entry is ACTIVE
func (c *ComponentRuntime) ActiveHosts() []string {
	var hosts []string
	for _, h := range c.Hosts {
		if h.Status == StatusActive {
			hosts = append(hosts, h.Host)
		}
	}
	return hosts
}

// Manifest returns the manifest for the given pod name
func (c *ComponentRuntime) Manifest(podName string) (*PodManifest, bool) {
	for _, m := range c.PodManifests {
		if m.Pod != nil && m.Pod.Name == podName {
			return m, true
		}
	}
	return nil, false
}

// DeepCopy returns an independent copy of the component runtime
func (c *ComponentRuntime) DeepCopy() *ComponentRuntime {
	if c == nil {
		return nil
	}
	out := *c
	out.Spec = *c.Spec.DeepCopy()
	if c.PodTemplate != nil {
		out.PodTemplate = c.PodTemplate.DeepCopy()
	}
	if c.PodManifests != nil {
		out.PodManifests = make([]*PodManifest, 0, len(c.PodManifests))
		for _, m := range c.PodManifests {
			cp := *m
			if m.Pod != nil {
				cp.Pod = m.Pod.DeepCopy()
			}
			out.PodManifests = append(out.PodManifests, &cp)
		}
	}
	if c.Hosts != nil {
		out.Hosts = append([]HostEntry(nil), c.Hosts...)
	}
	out.Requests = c.Requests.DeepCopy()
	out.Limits = c.Limits.DeepCopy()
	if c.SvcManifest != nil {
		out.SvcManifest = c.SvcManifest.DeepCopy()
	}
	if c.Placement != nil {
		out.Placement = append([]Layer(nil), c.Placement...)
	}
	return &out
}

// DeepCopy returns an independent copy of the app runtime
func (a *AppRuntime) DeepCopy() *AppRuntime {
	if a == nil {
		return nil
	}
	out := *a
	out.Spec = *a.Spec.DeepCopy()
	out.Components = make(map[string]*ComponentRuntime, len(a.Components))
	for name, c := range a.Components {
		out.Components[name] = c.DeepCopy()
	}
	out.CurrPlan = make(map[string][]HostEntry, len(a.CurrPlan))
	for name, hosts := range a.CurrPlan {
		out.CurrPlan[name] = append([]HostEntry(nil), hosts...)
	}
	if a.PodNames != nil {
		out.PodNames = append([]string(nil), a.PodNames...)
	}
	if a.PlanStatus != nil {
		out.PlanStatus = make(map[string]PlanStatus, len(a.PlanStatus))
		for k, v := range a.PlanStatus {
			out.PlanStatus[k] = v
		}
	}
	return &out
}

// RefreshCurrPlan recomputes CurrPlan, PodNames and TotalPods from the ACTIVE
// host entries of every component.
func (a *AppRuntime) RefreshCurrPlan() {
	a.CurrPlan = make(map[string][]HostEntry, len(a.Components))
	a.PodNames = nil
	for _, comp := range a.Spec.Components {
		c, ok := a.Components[comp.Name]
		if !ok {
			continue
		}
		var active []HostEntry
		for _, h := range c.Hosts {
			if h.Status == StatusActive {
				active = append(active, h)
				if h.PodName != "" {
					a.PodNames = append(a.PodNames, h.PodName)
				}
			}
		}
		a.CurrPlan[comp.Name] = active
	}
	a.TotalPods = len(a.PodNames)
}
