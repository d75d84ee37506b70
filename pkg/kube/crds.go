package kube

import (
	"context"
	"embed"
	"fmt"
	"path"
	"sort"

	apiextv1 "k8s.io/apiextensions-apiserver/pkg/apis/apiextensions/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"sigs.k8s.io/yaml"

	"github.com/mlsysops/continuum/pkg/log"
)

//go:embed crds/*.yaml
var crdFS embed.FS

// BundledCRDs decodes the MLSysOps CRDs shipped with the binary, sorted by name
func BundledCRDs() ([]*apiextv1.CustomResourceDefinition, error) {
	entries, err := crdFS.ReadDir("crds")
	if err != nil {
		return nil, fmt.Errorf("failed to read bundled crds: %w", err)
	}

	var crds []*apiextv1.CustomResourceDefinition
	for _, e := range entries {
		data, err := crdFS.ReadFile(path.Join("crds", e.Name()))
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", e.Name(), err)
		}
		crd := &apiextv1.CustomResourceDefinition{}
		if err := yaml.Unmarshal(data, crd); err != nil {
			return nil, fmt.Errorf("failed to decode %s: %w", e.Name(), err)
		}
		crds = append(crds, crd)
	}
	sort.Slice(crds, func(i, j int) bool { return crds[i].Name < crds[j].Name })
	return crds, nil
}

// EnsureCRDs registers every bundled CRD the API server does not know yet.
// Existing definitions are left untouched.
func (k *client) EnsureCRDs(ctx context.Context) error {
	if k.ext == nil {
		return fmt.Errorf("apiextensions client not configured")
	}
	crds, err := BundledCRDs()
	if err != nil {
		return err
	}

	api := k.ext.ApiextensionsV1().CustomResourceDefinitions()
	for _, crd := range crds {
		_, err := api.Get(ctx, crd.Name, metav1.GetOptions{})
		if err == nil {
			continue
		}
		if !apierrors.IsNotFound(err) {
			return fmt.Errorf("failed to get crd %s: %w", crd.Name, err)
		}
		if _, err := api.Create(ctx, crd, metav1.CreateOptions{}); err != nil && !apierrors.IsAlreadyExists(err) {
			return fmt.Errorf("failed to create crd %s: %w", crd.Name, err)
		}
		log.Logger.Info().Str("crd", crd.Name).Msg("Registered CRD")
	}
	return nil
}
