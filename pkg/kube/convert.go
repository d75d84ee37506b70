package kube

import (
	"encoding/json"
	"fmt"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"

	"github.com/mlsysops/continuum/pkg/errdefs"
	"github.com/mlsysops/continuum/pkg/types"
)

// NodeIsReady reports whether the node's Ready condition is True
func NodeIsReady(node *corev1.Node) bool {
	for _, c := range node.Status.Conditions {
		if c.Type == corev1.NodeReady {
			return c.Status == corev1.ConditionTrue
		}
	}
	return false
}

// PodIsReady reports whether the pod is Running with its Ready condition True
func PodIsReady(pod *corev1.Pod) bool {
	if pod.Status.Phase != corev1.PodRunning {
		return false
	}
	for _, c := range pod.Status.Conditions {
		if c.Type == corev1.PodReady {
			return c.Status == corev1.ConditionTrue
		}
	}
	return false
}

// PodFailed reports whether the pod reached a phase it cannot leave
func PodFailed(pod *corev1.Pod) bool {
	return pod.Status.Phase == corev1.PodFailed || pod.Status.Phase == corev1.PodSucceeded
}

// NodeRecordFromNode projects a Kubernetes node onto a NodeRecord. The
// description is left empty; the registry merges it separately.
func NodeRecordFromNode(node *corev1.Node) types.NodeRecord {
	rec := types.NodeRecord{
		Name:            node.Name,
		Layer:           types.Layer(node.Labels[types.LabelContinuumLayer]),
		KubernetesReady: NodeIsReady(node),
		Labels:          node.Labels,
		ResourceVersion: node.ResourceVersion,
	}
	if cpu, ok := node.Status.Allocatable[corev1.ResourceCPU]; ok {
		rec.Allocatable.CPUMilli = cpu.MilliValue()
	}
	if mem, ok := node.Status.Allocatable[corev1.ResourceMemory]; ok {
		rec.Allocatable.MemoryBytes = mem.Value()
	}
	return rec
}

// PodRecordFromPod projects a Kubernetes pod onto a PodRecord
func PodRecordFromPod(pod *corev1.Pod) types.PodRecord {
	return types.PodRecord{
		Name:      pod.Name,
		Labels:    pod.Labels,
		Phase:     pod.Status.Phase,
		NodeName:  pod.Spec.NodeName,
		Ready:     PodIsReady(pod),
		App:       pod.Labels[types.LabelApp],
		Component: pod.Labels[types.LabelComponent],
	}
}

// specOf returns the spec section of a custom resource, or the whole object
// when the resource carries its fields at the top level.
func specOf(u *unstructured.Unstructured) any {
	if spec, ok := u.Object["spec"]; ok {
		return spec
	}
	out := make(map[string]any, len(u.Object))
	for k, v := range u.Object {
		if k == "apiVersion" || k == "kind" || k == "metadata" || k == "status" {
			continue
		}
		out[k] = v
	}
	return out
}

func decodeInto(v any, out any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}

// AppSpecFromUnstructured decodes an MLSysOpsApp custom resource. Name and
// appUID default to the object's metadata.
func AppSpecFromUnstructured(u *unstructured.Unstructured) (*types.AppSpec, error) {
	spec := &types.AppSpec{}
	if err := decodeInto(specOf(u), spec); err != nil {
		return nil, errdefs.Wrap(errdefs.ErrValidationFailed, "app %s: %v", u.GetName(), err)
	}
	if spec.Name == "" {
		spec.Name = u.GetName()
	}
	if spec.UID == "" {
		spec.UID = string(u.GetUID())
	}
	if spec.Name == "" {
		return nil, errdefs.Wrap(errdefs.ErrValidationFailed, "app without name")
	}
	if len(spec.Components) == 0 {
		return nil, errdefs.Wrap(errdefs.ErrValidationFailed, "app %s has no components", spec.Name)
	}
	seen := make(map[string]bool)
	for _, c := range spec.Components {
		if c.Name == "" {
			return nil, errdefs.Wrap(errdefs.ErrValidationFailed, "app %s: component without name", spec.Name)
		}
		if seen[c.Name] {
			return nil, errdefs.Wrap(errdefs.ErrDuplicateName, "app %s: component %s declared twice", spec.Name, c.Name)
		}
		seen[c.Name] = true
		if len(c.Containers) == 0 {
			return nil, errdefs.Wrap(errdefs.ErrValidationFailed, "app %s: component %s has no containers", spec.Name, c.Name)
		}
	}
	return spec, nil
}

// NodeDescriptionFromUnstructured decodes an MLSysOpsNode or MLSysOpsCluster
// custom resource
func NodeDescriptionFromUnstructured(u *unstructured.Unstructured) (*types.NodeDescription, error) {
	desc := &types.NodeDescription{}
	if err := decodeInto(specOf(u), desc); err != nil {
		return nil, errdefs.Wrap(errdefs.ErrValidationFailed, "description %s: %v", u.GetName(), err)
	}
	if desc.Name == "" {
		desc.Name = u.GetName()
	}
	return desc, nil
}

// AppToUnstructured builds the MLSysOpsApp custom resource for spec
func AppToUnstructured(spec *types.AppSpec, namespace string) (*unstructured.Unstructured, error) {
	var body map[string]any
	if err := decodeInto(spec, &body); err != nil {
		return nil, fmt.Errorf("failed to encode app %s: %w", spec.Name, err)
	}
	u := &unstructured.Unstructured{Object: map[string]any{"spec": body}}
	u.SetAPIVersion(Group + "/" + Version)
	u.SetKind("MLSysOpsApp")
	u.SetName(spec.Name)
	if namespace != "" {
		u.SetNamespace(namespace)
	}
	return u, nil
}
