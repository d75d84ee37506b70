package registry

import (
	"reflect"

	"k8s.io/apimachinery/pkg/api/equality"

	"github.com/mlsysops/continuum/pkg/errdefs"
	"github.com/mlsysops/continuum/pkg/types"
)

// checkMutation accepts updates confined to container images, cpu and memory
// requirements, runtime class, QoS targets, scaling hints, the pinned node and
// globalSatisfaction. Anything else is ErrUnsupportedMutation.
func checkMutation(old, updated *types.AppSpec) error {
	if len(old.Components) != len(updated.Components) {
		return errdefs.Wrap(errdefs.ErrUnsupportedMutation, "app %s: components added or removed", old.Name)
	}
	for i := range old.Components {
		if old.Components[i].Name != updated.Components[i].Name {
			return errdefs.Wrap(errdefs.ErrUnsupportedMutation, "app %s: component %s renamed or reordered", old.Name, old.Components[i].Name)
		}
		if len(old.Components[i].Containers) != len(updated.Components[i].Containers) {
			return errdefs.Wrap(errdefs.ErrUnsupportedMutation, "app %s: containers of %s added or removed", old.Name, old.Components[i].Name)
		}
	}

	a, b := stripSupported(old), stripSupported(updated)
	if !reflect.DeepEqual(a.ComponentInteractions, b.ComponentInteractions) {
		return errdefs.Wrap(errdefs.ErrUnsupportedMutation, "app %s: component interactions changed", old.Name)
	}
	for i := range a.Components {
		if !reflect.DeepEqual(a.Components[i], b.Components[i]) {
			return errdefs.Wrap(errdefs.ErrUnsupportedMutation, "app %s: unsupported change in component %s", old.Name, a.Components[i].Name)
		}
	}
	if !reflect.DeepEqual(a, b) {
		return errdefs.Wrap(errdefs.ErrUnsupportedMutation, "app %s: unsupported app-level change", old.Name)
	}
	return nil
}

// CheckComponentMutation applies the same rules to a single component, as
// carried by a policy change_spec action
func CheckComponentMutation(app *types.AppSpec, updated *types.ComponentSpec) error {
	next := app.DeepCopy()
	for i := range next.Components {
		if next.Components[i].Name == updated.Name {
			next.Components[i] = *updated.DeepCopy()
			return checkMutation(app, next)
		}
	}
	return errdefs.Wrap(errdefs.ErrValidationFailed, "app %s has no component %s", app.Name, updated.Name)
}

func stripSupported(s *types.AppSpec) *types.AppSpec {
	c := s.DeepCopy()
	c.UID = ""
	c.GlobalSatisfaction = nil
	for i := range c.Components {
		comp := &c.Components[i]
		comp.UID = ""
		comp.RuntimeClassName = ""
		comp.QoSMetrics = nil
		comp.Scaling = nil
		if comp.NodePlacement != nil {
			comp.NodePlacement.Node = ""
			if reflect.DeepEqual(*comp.NodePlacement, types.NodePlacement{}) {
				comp.NodePlacement = nil
			}
		}
		for j := range comp.Containers {
			comp.Containers[j].Image = ""
			comp.Containers[j].PlatformRequirements.CPU = types.ResourceRange{}
			comp.Containers[j].PlatformRequirements.Memory = types.ResourceRange{}
		}
	}
	return c
}

// TemplateChanged reports whether two canonical pod templates differ in
// anything a pod would observe
func TemplateChanged(old, updated *ComponentTemplate) bool {
	if old == nil || updated == nil {
		return old != updated
	}
	return !equality.Semantic.DeepEqual(old.Pod.Spec, updated.Pod.Spec) ||
		!equality.Semantic.DeepEqual(old.Pod.Annotations, updated.Pod.Annotations)
}

// PinnedNodeChanged returns the newly pinned node when it differs from the old one
func PinnedNodeChanged(old, updated *types.ComponentSpec) (string, bool) {
	var before, after string
	if old.NodePlacement != nil {
		before = old.NodePlacement.Node
	}
	if updated.NodePlacement != nil {
		after = updated.NodePlacement.Node
	}
	return after, after != "" && after != before
}
