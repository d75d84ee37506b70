package storage

import (
	"github.com/mlsysops/continuum/pkg/types"
)

// Store persists the state an agent needs across restarts: accepted app
// specs, the task log and the proxy-plan origin table. The Kubernetes API
// stays the source of truth for pods, services and nodes.
type Store interface {
	// Apps
	PutApp(spec *types.AppSpec) error
	GetApp(name string) (*types.AppSpec, error)
	ListApps() ([]*types.AppSpec, error)
	DeleteApp(name string) error

	// Task log
	PutTask(entry *types.TaskLogEntry) error
	GetTask(planUID string) (*types.TaskLogEntry, error)
	ListTasks() ([]*types.TaskLogEntry, error)
	DeleteTask(planUID string) error

	// Proxy plans
	PutProxy(entry *types.ProxyEntry) error
	GetProxy(planUID string) (*types.ProxyEntry, error)
	ListProxies() ([]*types.ProxyEntry, error)
	DeleteProxy(planUID string) error

	// Utility
	Close() error
}
