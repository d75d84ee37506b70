package client

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mlsysops/continuum/pkg/errdefs"
	"github.com/mlsysops/continuum/pkg/kube/kubetest"
	"github.com/mlsysops/continuum/pkg/types"
)

const appDoc = `apiVersion: mlsysops.eu/v1
kind: MLSysOpsApp
metadata:
  name: app-a
spec:
  clusterPlacement: [cluster-1]
  components:
    - name: c1
      containers:
        - image: registry.local/c1:v1
          ports:
            - containerPort: 8000
          platformRequirements:
            cpu:
              requests: 500m
    - name: c2
      containers:
        - image: registry.local/c2:v1
  componentInteractions:
    - source: c2
      target: c1
      type: egress
`

func TestParseApp(t *testing.T) {
	tests := []struct {
		name    string
		doc     string
		wantErr bool
	}{
		{name: "custom resource", doc: appDoc},
		{
			name: "wrapped",
			doc: `MLSysOpsApp:
  name: app-a
  clusterPlacement: [cluster-1]
  components:
    - name: c1
      containers: [{image: "registry.local/c1:v1", ports: [{containerPort: 8000}]}]
    - name: c2
      containers: [{image: "registry.local/c2:v1"}]
`,
		},
		{name: "no components", doc: "name: app-a\n", wantErr: true},
		{name: "not yaml", doc: "name: [", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spec, err := ParseApp([]byte(tt.doc))
			if tt.wantErr {
				assert.ErrorIs(t, err, errdefs.ErrValidationFailed)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "app-a", spec.Name)
			assert.Equal(t, []string{"cluster-1"}, spec.ClusterPlacement)
			require.Len(t, spec.Components, 2)
			assert.Equal(t, int32(8000), spec.Components[0].Containers[0].Ports[0].ContainerPort)
		})
	}
}

func TestLoadApp(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.yaml")
	require.NoError(t, os.WriteFile(path, []byte(appDoc), 0o600))

	spec, err := LoadApp(path)
	require.NoError(t, err)
	assert.Equal(t, types.InteractionEgress, spec.ComponentInteractions[0].Type)

	_, err = LoadApp(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestApplyGetListDelete(t *testing.T) {
	cluster := kubetest.NewCluster()
	c := New(cluster.Client, "mlsysops")
	ctx := context.Background()

	app := kubetest.AppA()
	created, err := c.Apply(ctx, app)
	require.NoError(t, err)
	assert.True(t, created)

	app.Components[0].Containers[0].Image = "registry.local/c1:v2"
	created, err = c.Apply(ctx, app)
	require.NoError(t, err)
	assert.False(t, created)

	got, err := c.Get(ctx, "app-a")
	require.NoError(t, err)
	assert.Equal(t, "registry.local/c1:v2", got.Components[0].Containers[0].Image)

	other := kubetest.AppA()
	other.Name = "app-0"
	_, err = c.Apply(ctx, other)
	require.NoError(t, err)

	apps, err := c.List(ctx)
	require.NoError(t, err)
	require.Len(t, apps, 2)
	assert.Equal(t, "app-0", apps[0].Name)
	assert.Equal(t, "app-a", apps[1].Name)

	require.NoError(t, c.Delete(ctx, "app-a"))
	require.NoError(t, c.Delete(ctx, "app-a"))
	_, err = c.Get(ctx, "app-a")
	assert.ErrorIs(t, err, errdefs.ErrNotFound)
}
