// Package kubetest builds fake Kubernetes clusters for tests of the agents.
package kubetest

import (
	"fmt"
	"sync"
	"sync/atomic"

	corev1 "k8s.io/api/core/v1"
	apiextfake "k8s.io/apiextensions-apiserver/pkg/client/clientset/clientset/fake"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/runtime/schema"
	dynamicfake "k8s.io/client-go/dynamic/fake"
	k8sfake "k8s.io/client-go/kubernetes/fake"
	k8stesting "k8s.io/client-go/testing"

	"github.com/mlsysops/continuum/pkg/kube"
	"github.com/mlsysops/continuum/pkg/types"
)

// Cluster is a fake cluster. Created pods become Running and Ready unless
// NotReady or FailCreate say otherwise; created Services get a ClusterIP.
type Cluster struct {
	Client    kube.Client
	Clientset *k8sfake.Clientset

	mu         sync.Mutex
	notReady   map[string]bool
	failCreate map[string]error
	created    []string
	deleted    []string
	vip        atomic.Int32
}

// NewCluster creates a fake cluster holding objs
func NewCluster(objs ...runtime.Object) *Cluster {
	cs := k8sfake.NewSimpleClientset(objs...)
	dyn := dynamicfake.NewSimpleDynamicClientWithCustomListKinds(runtime.NewScheme(), map[schema.GroupVersionResource]string{
		kube.AppsGVR:       "MLSysOpsAppList",
		kube.NodesGVR:      "MLSysOpsNodeList",
		kube.ClustersGVR:   "MLSysOpsClusterList",
		kube.ContinuumsGVR: "MLSysOpsContinuumList",
	})
	c := &Cluster{
		Clientset:  cs,
		Client:     kube.New(cs, dyn, apiextfake.NewSimpleClientset()),
		notReady:   make(map[string]bool),
		failCreate: make(map[string]error),
	}

	cs.PrependReactor("create", "pods", func(action k8stesting.Action) (bool, runtime.Object, error) {
		pod := action.(k8stesting.CreateAction).GetObject().(*corev1.Pod)
		c.mu.Lock()
		defer c.mu.Unlock()

		if err, ok := c.failCreate[pod.Labels[types.LabelComponent]]; ok {
			return true, nil, err
		}
		c.created = append(c.created, pod.Name)
		if c.notReady[pod.Labels[types.LabelComponent]] {
			pod.Status.Phase = corev1.PodPending
			return false, nil, nil
		}
		pod.Status.Phase = corev1.PodRunning
		pod.Status.Conditions = []corev1.PodCondition{{Type: corev1.PodReady, Status: corev1.ConditionTrue}}
		return false, nil, nil
	})
	cs.PrependReactor("delete", "pods", func(action k8stesting.Action) (bool, runtime.Object, error) {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.deleted = append(c.deleted, action.(k8stesting.DeleteAction).GetName())
		return false, nil, nil
	})
	cs.PrependReactor("create", "services", func(action k8stesting.Action) (bool, runtime.Object, error) {
		svc := action.(k8stesting.CreateAction).GetObject().(*corev1.Service)
		if svc.Spec.ClusterIP == "" {
			svc.Spec.ClusterIP = fmt.Sprintf("10.96.0.%d", c.vip.Add(1))
		}
		return false, nil, nil
	})
	return c
}

// NotReady keeps pods of component in Pending
func (c *Cluster) NotReady(component string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notReady[component] = true
}

// FailCreate makes pod creation for component fail with err
func (c *Cluster) FailCreate(component string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failCreate[component] = err
}

// Created returns the names of pods created so far
func (c *Cluster) Created() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.created...)
}

// Deleted returns the names of pods deleted so far
func (c *Cluster) Deleted() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.deleted...)
}

// Node builds a Ready node with a continuum layer label and allocatable
// capacity, e.g. Node("n1", "Edge", "4", "8Gi")
func Node(name string, layer types.Layer, cpu, memory string) *corev1.Node {
	return &corev1.Node{
		ObjectMeta: metav1.ObjectMeta{
			Name:   name,
			Labels: map[string]string{types.LabelContinuumLayer: string(layer)},
		},
		Status: corev1.NodeStatus{
			Allocatable: corev1.ResourceList{
				corev1.ResourceCPU:    resource.MustParse(cpu),
				corev1.ResourceMemory: resource.MustParse(memory),
			},
			Conditions: []corev1.NodeCondition{{Type: corev1.NodeReady, Status: corev1.ConditionTrue}},
		},
	}
}

// AppA is the two-component app used across tests: c2 calls c1 through an
// egress interaction, both placed on the edge layer.
func AppA() *types.AppSpec {
	return &types.AppSpec{
		Name: "app-a",
		Components: []types.ComponentSpec{
			{
				Name: "c1",
				Containers: []types.Container{{
					Image: "registry.local/c1:v1",
					Ports: []types.ContainerPort{{ContainerPort: 8000}},
					PlatformRequirements: types.PlatformRequirements{
						CPU:    types.ResourceRange{Requests: "500m", Limits: "1"},
						Memory: types.ResourceRange{Requests: "256Mi", Limits: "512Mi"},
					},
				}},
				NodePlacement: &types.NodePlacement{ContinuumLayer: []types.Layer{types.LayerEdge}},
			},
			{
				Name: "c2",
				Containers: []types.Container{{
					Image: "registry.local/c2:v1",
					Env:   []types.EnvVar{{Name: "MODE", Value: "client"}},
					PlatformRequirements: types.PlatformRequirements{
						CPU: types.ResourceRange{Requests: "250m"},
					},
				}},
				NodePlacement: &types.NodePlacement{ContinuumLayer: []types.Layer{types.LayerEdge}},
			},
		},
		ComponentInteractions: []types.ComponentInteraction{
			{Source: "c2", Target: "c1", Type: types.InteractionEgress},
		},
	}
}
