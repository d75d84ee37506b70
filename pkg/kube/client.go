package kube

import (
	"context"
	"fmt"
	"os"

	corev1 "k8s.io/api/core/v1"
	apiextclientset "k8s.io/apiextensions-apiserver/pkg/client/clientset/clientset"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/labels"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/client-go/dynamic"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/mlsysops/continuum/pkg/errdefs"
)

const (
	Group   = "mlsysops.eu"
	Version = "v1"
)

var (
	AppsGVR       = schema.GroupVersionResource{Group: Group, Version: Version, Resource: "mlsysopsapps"}
	NodesGVR      = schema.GroupVersionResource{Group: Group, Version: Version, Resource: "mlsysopsnodes"}
	ClustersGVR   = schema.GroupVersionResource{Group: Group, Version: Version, Resource: "mlsysopsclusters"}
	ContinuumsGVR = schema.GroupVersionResource{Group: Group, Version: Version, Resource: "mlsysopscontinuums"}
)

// Client is the subset of the Kubernetes API the agents use. Every call is a
// suspension point and honours ctx.
type Client interface {
	CreatePod(ctx context.Context, namespace string, pod *corev1.Pod) (*corev1.Pod, error)
	GetPod(ctx context.Context, namespace string, name string) (*corev1.Pod, error)
	DeletePod(ctx context.Context, namespace string, name string) error
	FindPods(ctx context.Context, namespace string, selector map[string]string) ([]corev1.Pod, error)

	CreateService(ctx context.Context, namespace string, svc *corev1.Service) (*corev1.Service, error)
	GetService(ctx context.Context, namespace string, name string) (*corev1.Service, error)
	DeleteService(ctx context.Context, namespace string, name string) error

	GetNode(ctx context.Context, name string) (*corev1.Node, error)
	ListNodes(ctx context.Context) ([]corev1.Node, error)

	EnsureNamespace(ctx context.Context, name string) error
	EnsureCRDs(ctx context.Context) error

	CreateResource(ctx context.Context, gvr schema.GroupVersionResource, namespace string, obj *unstructured.Unstructured) (*unstructured.Unstructured, error)
	GetResource(ctx context.Context, gvr schema.GroupVersionResource, namespace string, name string) (*unstructured.Unstructured, error)
	UpdateResource(ctx context.Context, gvr schema.GroupVersionResource, namespace string, obj *unstructured.Unstructured) (*unstructured.Unstructured, error)
	DeleteResource(ctx context.Context, gvr schema.GroupVersionResource, namespace string, name string) error

	// Sources for the resource watcher
	PodSource(namespace string, selector map[string]string) *PodSource
	NodeSource() *NodeSource
	ResourceSource(gvr schema.GroupVersionResource, namespace string) *ResourceSource
}

// A wrapper over the typed, dynamic and apiextensions clientsets; method
// chains stay in this file.
type client struct {
	core kubernetes.Interface
	dyn  dynamic.Interface
	ext  apiextclientset.Interface
}

// type check: client implements Client
var _ Client = &client{}

// New wraps already-built clientsets. ext may be nil when the agent never
// registers CRDs.
func New(core kubernetes.Interface, dyn dynamic.Interface, ext apiextclientset.Interface) Client {
	return &client{core: core, dyn: dyn, ext: ext}
}

// RestConfig resolves a kubeconfig path. An empty path tries in-cluster
// configuration first, then the default loading rules ($KUBECONFIG, ~/.kube/config).
func RestConfig(kubeconfig string) (*rest.Config, error) {
	if kubeconfig == "" {
		if cfg, err := rest.InClusterConfig(); err == nil {
			return cfg, nil
		}
		loadingRules := clientcmd.NewDefaultClientConfigLoadingRules()
		cfg, err := clientcmd.NewNonInteractiveDeferredLoadingClientConfig(loadingRules, &clientcmd.ConfigOverrides{}).ClientConfig()
		if err != nil {
			return nil, errdefs.Wrap(errdefs.ErrFatalConfig, "unresolvable kubeconfig: %v", err)
		}
		return cfg, nil
	}
	if _, err := os.Stat(kubeconfig); err != nil {
		return nil, errdefs.Wrap(errdefs.ErrFatalConfig, "kubeconfig %s: %v", kubeconfig, err)
	}
	cfg, err := clientcmd.BuildConfigFromFlags("", kubeconfig)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.ErrFatalConfig, "unresolvable kubeconfig %s: %v", kubeconfig, err)
	}
	return cfg, nil
}

// Connect builds a Client from a kubeconfig path
func Connect(kubeconfig string) (Client, error) {
	cfg, err := RestConfig(kubeconfig)
	if err != nil {
		return nil, err
	}
	core, err := kubernetes.NewForConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create kubernetes client: %w", err)
	}
	dyn, err := dynamic.NewForConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create dynamic client: %w", err)
	}
	ext, err := apiextclientset.NewForConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create apiextensions client: %w", err)
	}
	return New(core, dyn, ext), nil
}

func (k *client) CreatePod(ctx context.Context, namespace string, pod *corev1.Pod) (*corev1.Pod, error) {
	return RetryOnce(ctx, func() (*corev1.Pod, error) {
		return k.core.CoreV1().Pods(namespace).Create(ctx, pod, metav1.CreateOptions{})
	})
}

func (k *client) GetPod(ctx context.Context, namespace string, name string) (*corev1.Pod, error) {
	return RetryOnce(ctx, func() (*corev1.Pod, error) {
		return k.core.CoreV1().Pods(namespace).Get(ctx, name, metav1.GetOptions{})
	})
}

// DeletePod deletes with grace period 0. A pod that is already gone is not an error.
func (k *client) DeletePod(ctx context.Context, namespace string, name string) error {
	_, err := RetryOnce(ctx, func() (struct{}, error) {
		return struct{}{}, k.core.CoreV1().Pods(namespace).Delete(ctx, name, *metav1.NewDeleteOptions(0))
	})
	if apierrors.IsNotFound(err) {
		return nil
	}
	return err
}

func (k *client) FindPods(ctx context.Context, namespace string, selector map[string]string) ([]corev1.Pod, error) {
	resp, err := RetryOnce(ctx, func() (*corev1.PodList, error) {
		return k.core.CoreV1().Pods(namespace).List(ctx, metav1.ListOptions{
			LabelSelector: labels.SelectorFromSet(selector).String(),
		})
	})
	if err != nil {
		return nil, err
	}
	return resp.Items, nil
}

func (k *client) CreateService(ctx context.Context, namespace string, svc *corev1.Service) (*corev1.Service, error) {
	return RetryOnce(ctx, func() (*corev1.Service, error) {
		return k.core.CoreV1().Services(namespace).Create(ctx, svc, metav1.CreateOptions{})
	})
}

func (k *client) GetService(ctx context.Context, namespace string, name string) (*corev1.Service, error) {
	return RetryOnce(ctx, func() (*corev1.Service, error) {
		return k.core.CoreV1().Services(namespace).Get(ctx, name, metav1.GetOptions{})
	})
}

func (k *client) DeleteService(ctx context.Context, namespace string, name string) error {
	_, err := RetryOnce(ctx, func() (struct{}, error) {
		return struct{}{}, k.core.CoreV1().Services(namespace).Delete(ctx, name, *metav1.NewDeleteOptions(0))
	})
	if apierrors.IsNotFound(err) {
		return nil
	}
	return err
}

func (k *client) GetNode(ctx context.Context, name string) (*corev1.Node, error) {
	return RetryOnce(ctx, func() (*corev1.Node, error) {
		return k.core.CoreV1().Nodes().Get(ctx, name, metav1.GetOptions{})
	})
}

func (k *client) ListNodes(ctx context.Context) ([]corev1.Node, error) {
	resp, err := RetryOnce(ctx, func() (*corev1.NodeList, error) {
		return k.core.CoreV1().Nodes().List(ctx, metav1.ListOptions{})
	})
	if err != nil {
		return nil, err
	}
	return resp.Items, nil
}

// EnsureNamespace creates the namespace when absent
func (k *client) EnsureNamespace(ctx context.Context, name string) error {
	_, err := k.core.CoreV1().Namespaces().Get(ctx, name, metav1.GetOptions{})
	if err == nil {
		return nil
	}
	if !apierrors.IsNotFound(err) {
		return fmt.Errorf("failed to get namespace %s: %w", name, err)
	}
	ns := &corev1.Namespace{ObjectMeta: metav1.ObjectMeta{Name: name}}
	if _, err := k.core.CoreV1().Namespaces().Create(ctx, ns, metav1.CreateOptions{}); err != nil && !apierrors.IsAlreadyExists(err) {
		return fmt.Errorf("failed to create namespace %s: %w", name, err)
	}
	return nil
}

func (k *client) resource(gvr schema.GroupVersionResource, namespace string) dynamic.ResourceInterface {
	if namespace == "" {
		return k.dyn.Resource(gvr)
	}
	return k.dyn.Resource(gvr).Namespace(namespace)
}

func (k *client) CreateResource(ctx context.Context, gvr schema.GroupVersionResource, namespace string, obj *unstructured.Unstructured) (*unstructured.Unstructured, error) {
	return RetryOnce(ctx, func() (*unstructured.Unstructured, error) {
		return k.resource(gvr, namespace).Create(ctx, obj, metav1.CreateOptions{})
	})
}

func (k *client) GetResource(ctx context.Context, gvr schema.GroupVersionResource, namespace string, name string) (*unstructured.Unstructured, error) {
	return RetryOnce(ctx, func() (*unstructured.Unstructured, error) {
		return k.resource(gvr, namespace).Get(ctx, name, metav1.GetOptions{})
	})
}

func (k *client) UpdateResource(ctx context.Context, gvr schema.GroupVersionResource, namespace string, obj *unstructured.Unstructured) (*unstructured.Unstructured, error) {
	return RetryOnce(ctx, func() (*unstructured.Unstructured, error) {
		return k.resource(gvr, namespace).Update(ctx, obj, metav1.UpdateOptions{})
	})
}

func (k *client) DeleteResource(ctx context.Context, gvr schema.GroupVersionResource, namespace string, name string) error {
	_, err := RetryOnce(ctx, func() (struct{}, error) {
		return struct{}{}, k.resource(gvr, namespace).Delete(ctx, name, metav1.DeleteOptions{})
	})
	if apierrors.IsNotFound(err) {
		return nil
	}
	return err
}

func (k *client) PodSource(namespace string, selector map[string]string) *PodSource {
	return &PodSource{core: k.core, namespace: namespace, selector: labels.SelectorFromSet(selector).String()}
}

func (k *client) NodeSource() *NodeSource {
	return &NodeSource{core: k.core}
}

func (k *client) ResourceSource(gvr schema.GroupVersionResource, namespace string) *ResourceSource {
	return &ResourceSource{res: k.resource(gvr, namespace), gvr: gvr}
}
