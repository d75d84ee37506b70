package builtin

import (
	"context"
	"sort"
	"strconv"
	"strings"

	"github.com/mlsysops/continuum/pkg/errdefs"
	"github.com/mlsysops/continuum/pkg/policy"
	"github.com/mlsysops/continuum/pkg/types"
)

const offloadedKey = "offloaded"

// offload runs on a node and asks the cluster to move the components it
// hosts to another node once a telemetry series crosses a threshold. Its
// plans are proxy plans.
type offload struct {
	metric     string
	above      float64
	target     string
	components map[string]bool
}

func newOffload(params map[string]string) (policy.Policy, error) {
	o := &offload{metric: params["metric"], target: params["target"]}
	if o.metric == "" || o.target == "" {
		return nil, errdefs.Wrap(errdefs.ErrValidationFailed, "offload needs metric and target parameters")
	}
	above, err := strconv.ParseFloat(params["above"], 64)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.ErrValidationFailed, "offload parameter above: %v", err)
	}
	o.above = above
	if list := params["components"]; list != "" {
		o.components = make(map[string]bool)
		for _, c := range strings.Split(list, ",") {
			o.components[strings.TrimSpace(c)] = true
		}
	}
	return o, nil
}

func (o *offload) InitialPlan(*types.AppRuntime, []types.NodeRecord) (types.DeploymentPlan, error) {
	return nil, nil
}

func (o *offload) Analyze(_ context.Context, in policy.Input) (bool, policy.State, error) {
	if in.Telemetry == nil || in.Self == "" || in.Self == o.target {
		return false, in.State, nil
	}
	// A component that came back may be offloaded again
	done := counters(in.State, offloadedKey)
	for name := range done {
		if cr, ok := in.App.Components[name]; !ok || !hostedOn(cr, in.Self) {
			delete(done, name)
		}
	}

	v, ok := in.Telemetry.Value(o.metric)
	if !ok || v <= o.above {
		return false, in.State, nil
	}
	return len(o.candidates(in)) > 0, in.State, nil
}

func (o *offload) Plan(_ context.Context, in policy.Input) (types.DeploymentPlan, error) {
	done := counters(in.State, offloadedKey)
	plan := types.DeploymentPlan{}
	for _, name := range o.candidates(in) {
		plan[name] = []types.Action{{Kind: types.ActionMove, SrcHost: in.Self, TargetHost: o.target}}
		done[name]++
	}
	return plan, nil
}

// candidates are the selected components this node hosts that were not
// offloaded already
func (o *offload) candidates(in policy.Input) []string {
	done := counters(in.State, offloadedKey)
	var out []string
	for name, cr := range in.App.Components {
		if o.components != nil && !o.components[name] {
			continue
		}
		if done[name] == 0 && hostedOn(cr, in.Self) {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

func hostedOn(cr *types.ComponentRuntime, node string) bool {
	for _, h := range cr.ActiveHosts() {
		if h == node {
			return true
		}
	}
	return false
}

func (o *offload) ReplanFromSpec(_, _ *types.AppSpec, _ policy.State, _ map[string][]types.HostEntry) (types.DeploymentPlan, error) {
	return nil, nil
}
