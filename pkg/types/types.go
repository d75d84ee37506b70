package types

import (
	"encoding/json"
)

// Layer is a continuum layer tag
type Layer string

const (
	LayerCloud     Layer = "Cloud"
	LayerEdgeInfra Layer = "EdgeInfra"
	LayerEdge      Layer = "Edge"
	LayerFarEdge   Layer = "FarEdge"
	LayerMobile    Layer = "mobile"
	LayerGeneric   Layer = "generic"
	LayerUnknown   Layer = "unknown"

	// LayerAny in a component's continuumLayer set accepts every layer
	LayerAny Layer = "*"
)

// Pod labels stamped by the cluster mechanism
const (
	LabelApp          = "mlsysops.eu/app"
	LabelAppUID       = "mlsysops.eu/appUID"
	LabelComponent    = "mlsysops.eu/component"
	LabelComponentUID = "mlsysops.eu/componentUID"
	LabelPlanUID      = "mlsysops.eu/planUID"

	// LabelContinuumLayer is read from Kubernetes nodes when no MLSysOps node
	// description is known
	LabelContinuumLayer = "mlsysops.eu/continuumLayer"

	AnnotationCPUFrequency = "mlsysops.eu/cpuFrequency"
	AnnotationPowerMode    = "mlsysops.eu/powerMode"
)

// InteractionType tags a component interaction edge
type InteractionType string

const (
	InteractionIngress InteractionType = "ingress"
	InteractionEgress  InteractionType = "egress"
)

// AppSpec is the declarative description of an application
type AppSpec struct {
	Name                  string                 `json:"name"`
	UID                   string                 `json:"appUID,omitempty"`
	ClusterPlacement      []string               `json:"clusterPlacement,omitempty"`
	Components            []ComponentSpec        `json:"components"`
	ComponentInteractions []ComponentInteraction `json:"componentInteractions,omitempty"`
	GlobalSatisfaction    *GlobalSatisfaction    `json:"globalSatisfaction,omitempty"`
	Policies              []string               `json:"policies,omitempty"`
}

// GlobalSatisfaction is the app-wide QoS target
type GlobalSatisfaction struct {
	Threshold          float64            `json:"threshold,omitempty"`
	Relation           string             `json:"relation,omitempty"`
	AchievementWeights map[string]float64 `json:"achievementWeights,omitempty"`
}

// ComponentSpec is the declarative description of one deployable unit
type ComponentSpec struct {
	Name             string         `json:"name"`
	UID              string         `json:"uid,omitempty"`
	Containers       []Container    `json:"containers"`
	NodePlacement    *NodePlacement `json:"nodePlacement,omitempty"`
	Sensors          []string       `json:"sensors,omitempty"`
	QoSMetrics       []QoSMetric    `json:"qosMetrics,omitempty"`
	RestartPolicy    string         `json:"restartPolicy,omitempty"`
	RuntimeClassName string         `json:"runtimeClassName,omitempty"`
	HostNetwork      bool           `json:"hostNetwork,omitempty"`
	ExternalAccess   bool           `json:"externalAccess,omitempty"`
	DependsOn        []string       `json:"dependsOn,omitempty"`
	Scaling          *ScalingHints  `json:"scaling,omitempty"`
}

// Container is one container of a component
type Container struct {
	Name                 string               `json:"name,omitempty"`
	Image                string               `json:"image"`
	ImagePullPolicy      string               `json:"imagePullPolicy,omitempty"`
	Command              []string             `json:"command,omitempty"`
	Args                 []string             `json:"args,omitempty"`
	Env                  []EnvVar             `json:"env,omitempty"`
	Ports                []ContainerPort      `json:"ports,omitempty"`
	PlatformRequirements PlatformRequirements `json:"platformRequirements,omitempty"`
}

// EnvVar is a plain name/value environment variable
type EnvVar struct {
	Name  string `json:"name"`
	Value string `json:"value,omitempty"`
}

// ContainerPort is an exposed container port
type ContainerPort struct {
	Name          string `json:"name,omitempty"`
	ContainerPort int32  `json:"containerPort"`
	Protocol      string `json:"protocol,omitempty"`
}

// PlatformRequirements carries resources and node-local runtime hints
type PlatformRequirements struct {
	CPU             ResourceRange `json:"cpu,omitempty"`
	Memory          ResourceRange `json:"memory,omitempty"`
	AccelerationAPI []string      `json:"accelerationAPI,omitempty"`
	CPUFrequency    string        `json:"cpuFrequency,omitempty"`
	PowerMode       string        `json:"powerMode,omitempty"`
}

// ResourceRange holds Kubernetes quantity strings ("500m", "256Mi")
type ResourceRange struct {
	Requests string `json:"requests,omitempty"`
	Limits   string `json:"limits,omitempty"`
}

// NodePlacement restricts where a component may run
type NodePlacement struct {
	ContinuumLayer []Layer           `json:"continuumLayer,omitempty"`
	Mobile         bool              `json:"mobile,omitempty"`
	Node           string            `json:"node,omitempty"`
	Labels         map[string]string `json:"labels,omitempty"`
}

// ComponentInteraction is a directed edge between two components. For egress
// edges Source calls Target's service.
type ComponentInteraction struct {
	Source string          `json:"source"`
	Target string          `json:"target"`
	Type   InteractionType `json:"type"`
	QoS    []QoSMetric     `json:"qos,omitempty"`
}

// QoSMetric is a named target value
type QoSMetric struct {
	Name     string  `json:"name"`
	Target   float64 `json:"target,omitempty"`
	Relation string  `json:"relation,omitempty"`
}

// ScalingHints bound how many instances policies may request
type ScalingHints struct {
	MinReplicas int `json:"minReplicas,omitempty"`
	MaxReplicas int `json:"maxReplicas,omitempty"`
}

// Component returns the component spec with the given name
func (s *AppSpec) Component(name string) (*ComponentSpec, bool) {
	for i := range s.Components {
		if s.Components[i].Name == name {
			return &s.Components[i], true
		}
	}
	return nil, false
}

// EgressTargets returns the components that name calls through egress edges,
// in declaration order and without duplicates.
func (s *AppSpec) EgressTargets(name string) []string {
	var targets []string
	seen := make(map[string]bool)
	for _, in := range s.ComponentInteractions {
		if in.Type == InteractionEgress && in.Source == name && !seen[in.Target] {
			seen[in.Target] = true
			targets = append(targets, in.Target)
		}
	}
	return targets
}

// IsEgressTarget reports whether at least one egress edge points at name
func (s *AppSpec) IsEgressTarget(name string) bool {
	for _, in := range s.ComponentInteractions {
		if in.Type == InteractionEgress && in.Target == name {
			return true
		}
	}
	return false
}

// DeepCopy returns an independent copy of the spec
func (s *AppSpec) DeepCopy() *AppSpec {
	if s == nil {
		return nil
	}
	out := new(AppSpec)
	copyJSON(s, out)
	return out
}

// DeepCopy returns an independent copy of the component spec
func (c *ComponentSpec) DeepCopy() *ComponentSpec {
	if c == nil {
		return nil
	}
	out := new(ComponentSpec)
	copyJSON(c, out)
	return out
}

// copyJSON copies plain data structs through their JSON form. Only used for
// spec types, which are JSON-native by construction.
func copyJSON(in, out any) {
	data, err := json.Marshal(in)
	if err != nil {
		panic(err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		panic(err)
	}
}
