package builtin

import (
	"context"
	"sort"

	"github.com/mlsysops/continuum/pkg/placement"
	"github.com/mlsysops/continuum/pkg/policy"
	"github.com/mlsysops/continuum/pkg/types"
)

const strikesKey = "strikes"

// relocateUnready moves instances whose pods stay unready for a number of
// consecutive cycles to another eligible node
type relocateUnready struct {
	strikes int
}

func newRelocateUnready(params map[string]string) (policy.Policy, error) {
	strikes, err := intParam(params, "strikes", 3)
	if err != nil {
		return nil, err
	}
	return &relocateUnready{strikes: strikes}, nil
}

func (p *relocateUnready) InitialPlan(*types.AppRuntime, []types.NodeRecord) (types.DeploymentPlan, error) {
	return nil, nil
}

func (p *relocateUnready) Analyze(_ context.Context, in policy.Input) (bool, policy.State, error) {
	strikes := counters(in.State, strikesKey)
	if in.Telemetry == nil {
		return false, in.State, nil
	}

	unready := make(map[string]bool)
	for _, comp := range in.Telemetry.Unready() {
		unready[comp] = true
	}
	replan := false
	for name := range in.App.Components {
		if !unready[name] {
			delete(strikes, name)
			continue
		}
		strikes[name]++
		if strikes[name] >= p.strikes {
			replan = true
		}
	}
	return replan, in.State, nil
}

func (p *relocateUnready) Plan(_ context.Context, in policy.Input) (types.DeploymentPlan, error) {
	strikes := counters(in.State, strikesKey)
	plan := types.DeploymentPlan{}
	load := loads(in.App)

	names := make([]string, 0, len(strikes))
	for name := range strikes {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		cr, ok := in.App.Components[name]
		if !ok || strikes[name] < p.strikes {
			continue
		}
		// A pod is not moved onto a node already hosting the component
		busy := make(map[string]bool)
		for _, h := range cr.Hosts {
			busy[h.Host] = true
		}
		candidates := placement.EligibleNodes(in.Nodes, &cr.Spec, cr.Requests)

		for _, h := range cr.Hosts {
			if h.Status != types.StatusActive || in.Telemetry.PodReady[h.PodName] {
				continue
			}
			target, ok := leastLoaded(candidates, load, busy)
			if !ok {
				break
			}
			plan[name] = append(plan[name], types.Action{Kind: types.ActionMove, SrcHost: h.Host, TargetHost: target})
			busy[target] = true
			load[target]++
		}
		delete(strikes, name)
	}
	return plan, nil
}

func (p *relocateUnready) ReplanFromSpec(_, _ *types.AppSpec, state policy.State, _ map[string][]types.HostEntry) (types.DeploymentPlan, error) {
	// New pods replace the unready ones, so the counts start over
	delete(state, strikesKey)
	return nil, nil
}
