// Package builtin registers the policies shipped with the agents:
// static-placement and relocate-unready for the cluster tier, and offload
// for the node tier.
package builtin

import (
	"strconv"

	"github.com/mlsysops/continuum/pkg/errdefs"
	"github.com/mlsysops/continuum/pkg/policy"
	"github.com/mlsysops/continuum/pkg/types"
)

const (
	StaticPlacement = "static-placement"
	RelocateUnready = "relocate-unready"
	Offload         = "offload"
)

func init() {
	policy.Register(StaticPlacement, newStaticPlacement)
	policy.Register(RelocateUnready, newRelocateUnready)
	policy.Register(Offload, newOffload)
}

// Defaults returns the descriptors a tier runs when its policy directory
// does not name any
func Defaults(tier types.Tier) []policy.Descriptor {
	switch tier {
	case types.TierCluster:
		return []policy.Descriptor{
			{Name: StaticPlacement, Policy: StaticPlacement, Tier: tier},
			{Name: RelocateUnready, Policy: RelocateUnready, Tier: tier},
		}
	}
	return nil
}

func intParam(params map[string]string, key string, def int) (int, error) {
	v, ok := params[key]
	if !ok || v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0, errdefs.Wrap(errdefs.ErrValidationFailed, "parameter %s must be a positive integer, got %q", key, v)
	}
	return n, nil
}

func counters(state policy.State, key string) map[string]int {
	if m, ok := state[key].(map[string]int); ok {
		return m
	}
	m := make(map[string]int)
	state[key] = m
	return m
}

// loads counts the instances each node already hosts across the app
func loads(app *types.AppRuntime) map[string]int {
	out := make(map[string]int)
	for _, cr := range app.Components {
		for _, h := range cr.Hosts {
			if h.Status != types.StatusInactive {
				out[h.Host]++
			}
		}
	}
	return out
}

// leastLoaded picks the candidate with the fewest instances; candidates are
// sorted so ties go to the first name
func leastLoaded(candidates []string, load map[string]int, exclude map[string]bool) (string, bool) {
	best, found := "", false
	for _, n := range candidates {
		if exclude[n] {
			continue
		}
		if !found || load[n] < load[best] {
			best, found = n, true
		}
	}
	return best, found
}

func hasHosts(cr *types.ComponentRuntime) bool {
	for _, h := range cr.Hosts {
		if h.Status != types.StatusInactive {
			return true
		}
	}
	return false
}
