package policy

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/mlsysops/continuum/pkg/errdefs"
	"github.com/mlsysops/continuum/pkg/telemetry"
	"github.com/mlsysops/continuum/pkg/types"
)

// State is the opaque per-app context a policy carries between cycles
type State map[string]any

// Input is what a policy sees in one analyze cycle. App is a deep copy.
// Self names the node a node-tier policy runs on.
type Input struct {
	Self      string
	App       *types.AppRuntime
	Nodes     []types.NodeRecord
	Telemetry *telemetry.Snapshot
	State     State
}

// Policy proposes plans for one app. Methods of one instance are never
// called concurrently.
type Policy interface {
	// InitialPlan places an app that has no instances yet. An empty plan
	// defers to the next policy.
	InitialPlan(app *types.AppRuntime, nodes []types.NodeRecord) (types.DeploymentPlan, error)

	// Analyze reports whether the app needs a new plan
	Analyze(ctx context.Context, in Input) (bool, State, error)

	// Plan builds the plan after Analyze asked for one
	Plan(ctx context.Context, in Input) (types.DeploymentPlan, error)

	// ReplanFromSpec reacts to an accepted description change
	ReplanFromSpec(oldSpec, newSpec *types.AppSpec, state State, currPlan map[string][]types.HostEntry) (types.DeploymentPlan, error)
}

// Factory builds a policy instance from descriptor parameters
type Factory func(params map[string]string) (Policy, error)

var (
	factoriesMu sync.RWMutex
	factories   = make(map[string]Factory)
)

// Register makes a policy available by name. It panics on duplicates.
func Register(name string, f Factory) {
	factoriesMu.Lock()
	defer factoriesMu.Unlock()
	if _, dup := factories[name]; dup {
		panic(fmt.Sprintf("policy %s registered twice", name))
	}
	factories[name] = f
}

// Lookup returns the factory registered under name
func Lookup(name string) (Factory, error) {
	factoriesMu.RLock()
	defer factoriesMu.RUnlock()
	f, ok := factories[name]
	if !ok {
		return nil, errdefs.Wrap(errdefs.ErrNotFound, "policy %s", name)
	}
	return f, nil
}

// Registered lists the registered policy names
func Registered() []string {
	factoriesMu.RLock()
	defer factoriesMu.RUnlock()
	names := make([]string, 0, len(factories))
	for n := range factories {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
