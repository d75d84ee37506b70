package kube

import (
	"context"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/apimachinery/pkg/watch"
	"k8s.io/client-go/dynamic"
	"k8s.io/client-go/kubernetes"
)

// WatchTimeoutSeconds is the server-side timeout of every watch request
const WatchTimeoutSeconds int64 = 60

func watchOptions(resourceVersion, selector string) metav1.ListOptions {
	timeout := WatchTimeoutSeconds
	return metav1.ListOptions{
		ResourceVersion:     resourceVersion,
		LabelSelector:       selector,
		TimeoutSeconds:      &timeout,
		AllowWatchBookmarks: true,
	}
}

// PodSource lists and watches pods of one namespace
type PodSource struct {
	core      kubernetes.Interface
	namespace string
	selector  string
}

func (s *PodSource) Kind() string { return "Pod" }

func (s *PodSource) List(ctx context.Context) ([]runtime.Object, string, error) {
	list, err := s.core.CoreV1().Pods(s.namespace).List(ctx, metav1.ListOptions{LabelSelector: s.selector})
	if err != nil {
		return nil, "", err
	}
	objs := make([]runtime.Object, 0, len(list.Items))
	for i := range list.Items {
		objs = append(objs, &list.Items[i])
	}
	return objs, list.ResourceVersion, nil
}

func (s *PodSource) Watch(ctx context.Context, resourceVersion string) (watch.Interface, error) {
	return s.core.CoreV1().Pods(s.namespace).Watch(ctx, watchOptions(resourceVersion, s.selector))
}

// NodeSource lists and watches cluster nodes
type NodeSource struct {
	core kubernetes.Interface
}

func (s *NodeSource) Kind() string { return "Node" }

func (s *NodeSource) List(ctx context.Context) ([]runtime.Object, string, error) {
	list, err := s.core.CoreV1().Nodes().List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, "", err
	}
	objs := make([]runtime.Object, 0, len(list.Items))
	for i := range list.Items {
		objs = append(objs, &list.Items[i])
	}
	return objs, list.ResourceVersion, nil
}

func (s *NodeSource) Watch(ctx context.Context, resourceVersion string) (watch.Interface, error) {
	return s.core.CoreV1().Nodes().Watch(ctx, watchOptions(resourceVersion, ""))
}

// ResourceSource lists and watches an MLSysOps custom resource through the
// dynamic client
type ResourceSource struct {
	res dynamic.ResourceInterface
	gvr schema.GroupVersionResource
}

func (s *ResourceSource) Kind() string { return s.gvr.Resource }

func (s *ResourceSource) List(ctx context.Context) ([]runtime.Object, string, error) {
	list, err := s.res.List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, "", err
	}
	objs := make([]runtime.Object, 0, len(list.Items))
	for i := range list.Items {
		objs = append(objs, &list.Items[i])
	}
	return objs, list.GetResourceVersion(), nil
}

func (s *ResourceSource) Watch(ctx context.Context, resourceVersion string) (watch.Interface, error) {
	return s.res.Watch(ctx, watchOptions(resourceVersion, ""))
}
