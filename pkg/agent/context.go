package agent

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/mlsysops/continuum/pkg/config"
	"github.com/mlsysops/continuum/pkg/events"
	"github.com/mlsysops/continuum/pkg/kube"
	"github.com/mlsysops/continuum/pkg/log"
	"github.com/mlsysops/continuum/pkg/registry"
	"github.com/mlsysops/continuum/pkg/storage"
	"github.com/mlsysops/continuum/pkg/tasklog"
	"github.com/mlsysops/continuum/pkg/transport"
)

// DefaultQueueSize bounds the inbound and outbound queues
const DefaultQueueSize = 256

// AgentContext is the state an agent shares with its tier handlers.
// Registry is set by the cluster tier only; Kube is nil on nodes.
type AgentContext struct {
	Config    *config.Config
	Version   string
	Logger    zerolog.Logger
	Inbound   *events.Queue
	Outbound  *events.Queue
	Broker    *events.Broker
	Transport transport.Transport
	Kube      kube.Client
	Store     storage.Store
	Tasks     *tasklog.Log
	Registry  *registry.Registry
}

// NewContext builds the shared state of an agent. store may be nil, in
// which case the task log lives in memory only.
func NewContext(cfg *config.Config, tr transport.Transport, kc kube.Client, store storage.Store) (*AgentContext, error) {
	tasks, err := tasklog.New(store)
	if err != nil {
		return nil, fmt.Errorf("failed to load task log: %w", err)
	}
	return &AgentContext{
		Config:    cfg,
		Version:   "dev",
		Logger:    log.WithTier(string(cfg.Tier), cfg.Name),
		Inbound:   events.NewQueue("inbound", DefaultQueueSize),
		Outbound:  events.NewQueue("outbound", DefaultQueueSize),
		Broker:    events.NewBroker(),
		Transport: tr,
		Kube:      kc,
		Store:     store,
		Tasks:     tasks,
	}, nil
}

// OpenStore opens the bbolt file of the agent described by cfg
func OpenStore(cfg *config.Config) (storage.Store, error) {
	return storage.NewBoltStore(cfg.DataDir, cfg.StoreName())
}
