package types

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	corev1 "k8s.io/api/core/v1"

	"github.com/mlsysops/continuum/pkg/errdefs"
)

// ActionKind is the verb of a plan action
type ActionKind string

const (
	ActionDeploy     ActionKind = "deploy"
	ActionRemove     ActionKind = "remove"
	ActionMove       ActionKind = "move"
	ActionChangeSpec ActionKind = "change_spec"
)

// actionOrder is the tie-break order for actions on the same component
var actionOrder = map[ActionKind]int{
	ActionChangeSpec: 0,
	ActionDeploy:     1,
	ActionMove:       2,
	ActionRemove:     3,
}

// Action is one step of a deployment plan
type Action struct {
	Kind       ActionKind     `json:"action"`
	Host       string         `json:"host,omitempty"`
	SrcHost    string         `json:"src_host,omitempty"`
	TargetHost string         `json:"target_host,omitempty"`
	NewSpec    *ComponentSpec `json:"new_spec,omitempty"`
}

// Hosts returns every host the action touches
func (a Action) Hosts() []string {
	switch a.Kind {
	case ActionMove:
		return []string{a.SrcHost, a.TargetHost}
	default:
		return []string{a.Host}
	}
}

// DeploymentPlan maps component names to their actions
type DeploymentPlan map[string][]Action

// PlanOrigin records who minted a plan
type PlanOrigin string

const (
	OriginClusterPolicy       PlanOrigin = "cluster-policy"
	OriginNodeProxy           PlanOrigin = "node-proxy"
	OriginDescriptionModified PlanOrigin = "description-modified"
)

// PlanStatus is the per-tier status of a plan
type PlanStatus string

const (
	PlanPending   PlanStatus = "pending"
	PlanScheduled PlanStatus = "scheduled"
	PlanCompleted PlanStatus = "completed"
	PlanFailed    PlanStatus = "failed"
)

// Terminal reports whether s is completed or failed
func (s PlanStatus) Terminal() bool {
	return s == PlanCompleted || s == PlanFailed
}

// Tier identifies an agent tier
type Tier string

const (
	TierContinuum Tier = "continuum"
	TierCluster   Tier = "cluster"
	TierNode      Tier = "node"
)

// Plan is a bundle of per-component actions for one app
type Plan struct {
	UID        string         `json:"plan_uid"`
	AppName    string         `json:"name"`
	Origin     PlanOrigin     `json:"origin,omitempty"`
	Initial    bool           `json:"initial_plan,omitempty"`
	Actions    DeploymentPlan `json:"deployment_plan"`
	OriginNode string         `json:"origin_node,omitempty"`
	Policy     string         `json:"policy,omitempty"`

	// Set only on description-modified plans
	OldSpec *AppSpec `json:"old_spec,omitempty"`
	NewSpec *AppSpec `json:"new_spec,omitempty"`
}

// ParsePlan decodes a plan payload. The initial_plan marker is accepted either
// at the top level or inside deployment_plan, and is stripped from the
// action map.
func ParsePlan(data []byte) (*Plan, error) {
	var raw struct {
		Plan
		Actions map[string]json.RawMessage `json:"deployment_plan"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, errdefs.Wrap(errdefs.ErrValidationFailed, "decode plan: %v", err)
	}

	p := raw.Plan
	p.Actions = make(DeploymentPlan, len(raw.Actions))
	for comp, msg := range raw.Actions {
		if comp == "initial_plan" {
			var initial bool
			if err := json.Unmarshal(msg, &initial); err != nil {
				return nil, errdefs.Wrap(errdefs.ErrValidationFailed, "initial_plan marker: %v", err)
			}
			p.Initial = p.Initial || initial
			continue
		}
		var actions []Action
		if err := json.Unmarshal(msg, &actions); err != nil {
			return nil, errdefs.Wrap(errdefs.ErrValidationFailed, "actions of %s: %v", comp, err)
		}
		p.Actions[comp] = actions
	}

	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// Validate checks structural invariants: required fields per action kind and
// at most one action per (component, host) pair.
func (p *Plan) Validate() error {
	if p.AppName == "" {
		return errdefs.Wrap(errdefs.ErrValidationFailed, "plan has no app name")
	}
	if p.UID == "" {
		return errdefs.Wrap(errdefs.ErrValidationFailed, "plan for %s has no plan_uid", p.AppName)
	}

	for comp, actions := range p.Actions {
		seen := make(map[string]bool)
		for _, a := range actions {
			switch a.Kind {
			case ActionDeploy, ActionRemove:
				if a.Host == "" {
					return errdefs.Wrap(errdefs.ErrValidationFailed, "%s %s: host required", comp, a.Kind)
				}
			case ActionMove:
				if a.SrcHost == "" || a.TargetHost == "" {
					return errdefs.Wrap(errdefs.ErrValidationFailed, "%s move: src_host and target_host required", comp)
				}
				if a.SrcHost == a.TargetHost {
					return errdefs.Wrap(errdefs.ErrValidationFailed, "%s move: source equals target %s", comp, a.SrcHost)
				}
			case ActionChangeSpec:
				if a.Host == "" {
					return errdefs.Wrap(errdefs.ErrValidationFailed, "%s change_spec: host required", comp)
				}
			default:
				return errdefs.Wrap(errdefs.ErrValidationFailed, "%s: unknown action %q", comp, a.Kind)
			}

			for _, h := range a.Hosts() {
				if seen[h] {
					return errdefs.Wrap(errdefs.ErrValidationFailed, "%s: more than one action on host %s", comp, h)
				}
				seen[h] = true
			}
		}
	}
	return nil
}

// SortActions orders every component's actions change_spec, deploy, move,
// remove. The sort is stable so equal kinds keep submission order.
func (p *Plan) SortActions() {
	for comp := range p.Actions {
		actions := p.Actions[comp]
		sort.SliceStable(actions, func(i, j int) bool {
			return actionOrder[actions[i].Kind] < actionOrder[actions[j].Kind]
		})
	}
}

// Components returns the plan's component names in sorted order
func (p *Plan) Components() []string {
	names := make([]string, 0, len(p.Actions))
	for name := range p.Actions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// HasChangeSpec reports whether any action is a change_spec
func (p *Plan) HasChangeSpec() bool {
	for _, actions := range p.Actions {
		for _, a := range actions {
			if a.Kind == ActionChangeSpec {
				return true
			}
		}
	}
	return false
}

// Empty reports whether the plan carries no actions
func (p *Plan) Empty() bool {
	for _, actions := range p.Actions {
		if len(actions) > 0 {
			return false
		}
	}
	return true
}

// String renders the plan for logs
func (p *Plan) String() string {
	return fmt.Sprintf("plan %s for %s (%s, %d components)", p.UID, p.AppName, p.Origin, len(p.Actions))
}

// PodEvent tags an entry in a PlanDict
type PodEvent string

const (
	PodEventAdded            PodEvent = "POD_ADDED"
	PodEventModified         PodEvent = "POD_MODIFIED"
	PodEventComponentPlaced  PodEvent = "COMPONENT_PLACED"
	PodEventComponentRemoved PodEvent = "COMPONENT_REMOVED"
)

// PodChange describes what a plan did to one pod
type PodChange struct {
	NodeName string         `json:"nodeName"`
	Event    PodEvent       `json:"event"`
	CompSpec *ComponentSpec `json:"comp_spec,omitempty"`
	PodSpec  *corev1.Pod    `json:"pod_spec,omitempty"`

	// Replaces names the pod a change_spec superseded on the same node
	Replaces string `json:"replaces,omitempty"`
}

// PlanDict is keyed by component then pod name
type PlanDict map[string]map[string]PodChange

// Add records a pod change under comp
func (d PlanDict) Add(comp, podName string, change PodChange) {
	if d[comp] == nil {
		d[comp] = make(map[string]PodChange)
	}
	d[comp][podName] = change
}

// ByNode groups the dict's changes by node name
func (d PlanDict) ByNode() map[string]PlanDict {
	out := make(map[string]PlanDict)
	for comp, pods := range d {
		for pod, change := range pods {
			if out[change.NodeName] == nil {
				out[change.NodeName] = make(PlanDict)
			}
			out[change.NodeName].Add(comp, pod, change)
		}
	}
	return out
}

// PlanResult is the terminal outcome of applying a plan
type PlanResult struct {
	PlanUID  string     `json:"plan_uid"`
	AppName  string     `json:"name"`
	Status   PlanStatus `json:"status"`
	Reason   string     `json:"reason,omitempty"`
	Error    string     `json:"error,omitempty"`
	PlanDict PlanDict   `json:"plan_dict,omitempty"`
}

// TaskLogEntry records a plan and its per-tier status
type TaskLogEntry struct {
	PlanUID       string              `json:"plan_uid"`
	AppName       string              `json:"name"`
	Origin        PlanOrigin          `json:"origin"`
	OriginNode    string              `json:"origin_node,omitempty"`
	Plan          json.RawMessage     `json:"plan,omitempty"`
	PerTierStatus map[Tier]PlanStatus `json:"per_tier_status"`
	Parent        string              `json:"parent,omitempty"`
	Reason        string              `json:"reason,omitempty"`
	CreatedAt     time.Time           `json:"created_at"`
	UpdatedAt     time.Time           `json:"updated_at"`
}

// Terminal reports whether every expected tier has reached a terminal status
func (e *TaskLogEntry) Terminal() bool {
	if len(e.PerTierStatus) == 0 {
		return false
	}
	for _, s := range e.PerTierStatus {
		if !s.Terminal() {
			return false
		}
	}
	return true
}

// ProxyEntry remembers which node submitted a proxy plan
type ProxyEntry struct {
	PlanUID   string    `json:"plan_uid"`
	AppName   string    `json:"name"`
	Node      string    `json:"node"`
	CreatedAt time.Time `json:"created_at"`
}

// ComponentEvent is the payload of COMPONENT_PLACED, COMPONENT_UPDATED and
// COMPONENT_REMOVED sent from the cluster to the owning node
type ComponentEvent struct {
	PlanUID   string         `json:"plan_uid"`
	AppName   string         `json:"name"`
	Component string         `json:"component"`
	PodName   string         `json:"pod_name"`
	NodeName  string         `json:"nodeName"`
	CompSpec  *ComponentSpec `json:"comp_spec,omitempty"`
	PodSpec   *corev1.Pod    `json:"pod_spec,omitempty"`
	Replaces  string         `json:"replaces,omitempty"`
}

// PlanExecuted is the payload of PLAN_EXECUTED
type PlanExecuted struct {
	PlanUID   string     `json:"plan_uid"`
	AppName   string     `json:"name,omitempty"`
	Status    PlanStatus `json:"status"`
	Tier      Tier       `json:"tier,omitempty"`
	Node      string     `json:"node,omitempty"`
	Component string     `json:"component,omitempty"`
	Reason    string     `json:"reason,omitempty"`
}
