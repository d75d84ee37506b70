package builtin

import (
	"context"

	"github.com/mlsysops/continuum/pkg/errdefs"
	"github.com/mlsysops/continuum/pkg/placement"
	"github.com/mlsysops/continuum/pkg/policy"
	"github.com/mlsysops/continuum/pkg/types"
)

const missesKey = "misses"

// staticPlacement spreads components over eligible nodes and redeploys
// components that lost every instance
type staticPlacement struct {
	grace int
}

func newStaticPlacement(params map[string]string) (policy.Policy, error) {
	grace, err := intParam(params, "grace", 3)
	if err != nil {
		return nil, err
	}
	return &staticPlacement{grace: grace}, nil
}

func (p *staticPlacement) InitialPlan(app *types.AppRuntime, nodes []types.NodeRecord) (types.DeploymentPlan, error) {
	plan := types.DeploymentPlan{}
	load := loads(app)
	for i := range app.Spec.Components {
		name := app.Spec.Components[i].Name
		cr, ok := app.Components[name]
		if !ok || hasHosts(cr) {
			continue
		}
		host, err := p.choose(cr, nodes, load)
		if err != nil {
			return nil, err
		}
		plan[name] = []types.Action{{Kind: types.ActionDeploy, Host: host}}
		load[host]++
	}
	return plan, nil
}

func (p *staticPlacement) choose(cr *types.ComponentRuntime, nodes []types.NodeRecord, load map[string]int) (string, error) {
	candidates := placement.EligibleNodes(nodes, &cr.Spec, cr.Requests)
	host, ok := leastLoaded(candidates, load, nil)
	if !ok {
		return "", errdefs.Wrap(errdefs.ErrHostIneligible, "no eligible node for component %s", cr.Name)
	}
	return host, nil
}

// Analyze asks for a plan once a component has had no instance for grace
// consecutive cycles
func (p *staticPlacement) Analyze(_ context.Context, in policy.Input) (bool, policy.State, error) {
	misses := counters(in.State, missesKey)
	replan := false
	for name, cr := range in.App.Components {
		if hasHosts(cr) {
			delete(misses, name)
			continue
		}
		misses[name]++
		if misses[name] >= p.grace {
			replan = true
		}
	}
	return replan, in.State, nil
}

func (p *staticPlacement) Plan(_ context.Context, in policy.Input) (types.DeploymentPlan, error) {
	misses := counters(in.State, missesKey)
	plan := types.DeploymentPlan{}
	load := loads(in.App)
	for name, n := range misses {
		cr, ok := in.App.Components[name]
		if !ok || n < p.grace || hasHosts(cr) {
			continue
		}
		host, err := p.choose(cr, in.Nodes, load)
		if err != nil {
			continue
		}
		plan[name] = []types.Action{{Kind: types.ActionDeploy, Host: host}}
		load[host]++
		delete(misses, name)
	}
	return plan, nil
}

// ReplanFromSpec has nothing to add: the description-modified plan already
// carries every spec change
func (p *staticPlacement) ReplanFromSpec(_, _ *types.AppSpec, _ policy.State, _ map[string][]types.HostEntry) (types.DeploymentPlan, error) {
	return nil, nil
}
