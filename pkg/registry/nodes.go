package registry

import (
	"sort"

	corev1 "k8s.io/api/core/v1"

	"github.com/mlsysops/continuum/pkg/events"
	"github.com/mlsysops/continuum/pkg/kube"
	"github.com/mlsysops/continuum/pkg/types"
)

// ApplyNodeEvent folds a Kubernetes node watch event into the node table.
// It reports whether the node's readiness changed.
func (r *Registry) ApplyNodeEvent(op string, node *corev1.Node) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	prev, seen := r.nodes[node.Name]
	if op == events.OpDeleted {
		delete(r.nodes, node.Name)
		return seen && prev.KubernetesReady
	}

	rec := kube.NodeRecordFromNode(node)
	rec.Description = r.descriptions[node.Name]
	r.nodes[node.Name] = &rec
	return !seen || prev.KubernetesReady != rec.KubernetesReady
}

// SetNodeDescription records or drops the MLSysOps description of a node.
// Descriptions may arrive before the Kubernetes node itself.
func (r *Registry) SetNodeDescription(op string, desc *types.NodeDescription) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if op == events.OpDeleted {
		delete(r.descriptions, desc.Name)
		if n, ok := r.nodes[desc.Name]; ok {
			n.Description = nil
		}
		return
	}
	d := *desc
	r.descriptions[desc.Name] = &d
	if n, ok := r.nodes[desc.Name]; ok {
		n.Description = &d
	}
}

// Node returns a copy of the node record
func (r *Registry) Node(name string) (*types.NodeRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n, ok := r.nodes[name]
	if !ok {
		return nil, false
	}
	cp := *n
	return &cp, true
}

// Nodes returns copies of all node records sorted by name
func (r *Registry) Nodes() []types.NodeRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]types.NodeRecord, 0, len(r.nodes))
	for _, n := range r.nodes {
		out = append(out, *n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ApplyPodEvent folds a pod watch event into the pod table
func (r *Registry) ApplyPodEvent(op string, pod *corev1.Pod) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if op == events.OpDeleted {
		delete(r.pods, pod.Name)
		return
	}
	rec := kube.PodRecordFromPod(pod)
	r.pods[pod.Name] = &rec
}

// Pod returns a copy of the pod record
func (r *Registry) Pod(name string) (*types.PodRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.pods[name]
	if !ok {
		return nil, false
	}
	cp := *p
	return &cp, true
}

// PodsForApp returns the pod records labelled with app, sorted by name
func (r *Registry) PodsForApp(app string) []types.PodRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []types.PodRecord
	for _, p := range r.pods {
		if p.App == app {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
