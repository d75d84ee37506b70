package agent

import (
	"github.com/mlsysops/continuum/pkg/config"
	"github.com/mlsysops/continuum/pkg/errdefs"
	"github.com/mlsysops/continuum/pkg/transport"
	"github.com/mlsysops/continuum/pkg/types"
)

// Connect builds the gRPC transport of the agent described by cfg. The
// continuum serves its clusters; a cluster serves its nodes and, when it
// has a parent, also dials the continuum; a node dials its cluster.
// onConnect runs after every attach to the parent and may be nil.
func Connect(cfg *config.Config, onConnect func()) (transport.Transport, error) {
	var opts []transport.ClientOption
	if onConnect != nil {
		opts = append(opts, transport.WithOnConnect(onConnect))
	}

	switch cfg.Tier {
	case types.TierNode:
		return transport.Dial(cfg.ParentAddress, cfg.Name, opts...)

	case types.TierCluster:
		server := transport.NewServer(cfg.Name)
		if err := server.Listen(cfg.ListenAddress); err != nil {
			return nil, err
		}
		if cfg.ParentAddress == "" {
			return server, nil
		}
		up, err := transport.Dial(cfg.ParentAddress, cfg.Name, opts...)
		if err != nil {
			server.Close()
			return nil, err
		}
		return transport.Join(up, cfg.Parent, server), nil

	case types.TierContinuum:
		server := transport.NewServer(cfg.Name)
		if err := server.Listen(cfg.ListenAddress); err != nil {
			return nil, err
		}
		return server, nil
	}
	return nil, errdefs.Wrap(errdefs.ErrFatalConfig, "unknown tier %q", cfg.Tier)
}
