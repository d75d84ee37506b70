package client

import (
	"context"
	"fmt"
	"os"
	"sort"
	"time"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"sigs.k8s.io/yaml"

	"github.com/mlsysops/continuum/pkg/errdefs"
	"github.com/mlsysops/continuum/pkg/kube"
	"github.com/mlsysops/continuum/pkg/types"
)

// DefaultTimeout bounds every call that does not carry its own deadline
const DefaultTimeout = 10 * time.Second

// Client manages MLSysOpsApp resources in one namespace
type Client struct {
	kube      kube.Client
	namespace string
	timeout   time.Duration
}

// New creates a client for the apps in namespace
func New(kc kube.Client, namespace string) *Client {
	return &Client{kube: kc, namespace: namespace, timeout: DefaultTimeout}
}

// Namespace returns the namespace the client works in
func (c *Client) Namespace() string {
	return c.namespace
}

func (c *Client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.timeout)
}

// Apply creates the app or replaces the spec of an existing one. It reports
// whether the app was created.
func (c *Client) Apply(ctx context.Context, spec *types.AppSpec) (bool, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	obj, err := kube.AppToUnstructured(spec, c.namespace)
	if err != nil {
		return false, err
	}
	_, err = c.kube.CreateResource(ctx, kube.AppsGVR, c.namespace, obj)
	if err == nil {
		return true, nil
	}
	if !apierrors.IsAlreadyExists(err) {
		return false, fmt.Errorf("failed to create app %s: %w", spec.Name, err)
	}

	current, err := c.kube.GetResource(ctx, kube.AppsGVR, c.namespace, spec.Name)
	if err != nil {
		return false, fmt.Errorf("failed to get app %s: %w", spec.Name, err)
	}
	obj.SetResourceVersion(current.GetResourceVersion())
	if _, err := c.kube.UpdateResource(ctx, kube.AppsGVR, c.namespace, obj); err != nil {
		return false, fmt.Errorf("failed to update app %s: %w", spec.Name, err)
	}
	return false, nil
}

// Get returns the app called name
func (c *Client) Get(ctx context.Context, name string) (*types.AppSpec, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	u, err := c.kube.GetResource(ctx, kube.AppsGVR, c.namespace, name)
	if apierrors.IsNotFound(err) {
		return nil, errdefs.Wrap(errdefs.ErrNotFound, "app %s", name)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get app %s: %w", name, err)
	}
	return kube.AppSpecFromUnstructured(u)
}

// List returns every app in the namespace, sorted by name. Resources that
// do not decode are skipped.
func (c *Client) List(ctx context.Context) ([]*types.AppSpec, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	objs, _, err := c.kube.ResourceSource(kube.AppsGVR, c.namespace).List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list apps: %w", err)
	}
	apps := make([]*types.AppSpec, 0, len(objs))
	for _, obj := range objs {
		u, ok := obj.(*unstructured.Unstructured)
		if !ok {
			continue
		}
		spec, err := kube.AppSpecFromUnstructured(u)
		if err != nil {
			continue
		}
		apps = append(apps, spec)
	}
	sort.Slice(apps, func(i, j int) bool { return apps[i].Name < apps[j].Name })
	return apps, nil
}

// Delete removes the app called name. Deleting a missing app is not an
// error.
func (c *Client) Delete(ctx context.Context, name string) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	err := c.kube.DeleteResource(ctx, kube.AppsGVR, c.namespace, name)
	if err != nil && !apierrors.IsNotFound(err) {
		return fmt.Errorf("failed to delete app %s: %w", name, err)
	}
	return nil
}

// ParseApp decodes an MLSysOpsApp document. The document may be a full
// custom resource or carry the app fields at the top level.
func ParseApp(data []byte) (*types.AppSpec, error) {
	var obj map[string]any
	if err := yaml.Unmarshal(data, &obj); err != nil {
		return nil, errdefs.Wrap(errdefs.ErrValidationFailed, "parse app: %v", err)
	}
	if len(obj) == 1 {
		if inner, ok := obj["MLSysOpsApp"].(map[string]any); ok {
			obj = inner
		}
	}
	return kube.AppSpecFromUnstructured(&unstructured.Unstructured{Object: obj})
}

// LoadApp reads and decodes the app document at path
func LoadApp(path string) (*types.AppSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return ParseApp(data)
}
