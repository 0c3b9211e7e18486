package cluster

import (
	"context"
	"log/slog"

	"qubedb/pkg/types"
)

// Discovery feeds membership changes from an external source into a Registry.
// Run blocks until ctx is done.
type Discovery interface {
	Run(ctx context.Context, reg Registry) error
	Close() error
}

// syncMembers applies the difference between the previous and current member sets.
// Self is never added or removed.
func syncMembers(reg Registry, self types.NodeID, prev, cur map[types.NodeID]string, logger *slog.Logger) {
	for id, addr := range cur {
		if id == self {
			continue
		}
		if old, ok := prev[id]; ok && old == addr {
			continue
		}
		if err := reg.AddPeer(id, addr); err != nil {
			logger.Warn("discovery: add peer", "peer", id, "error", err)
		}
	}
	for id := range prev {
		if id == self {
			continue
		}
		if _, ok := cur[id]; ok {
			continue
		}
		if err := reg.RemovePeer(id); err != nil {
			logger.Warn("discovery: remove peer", "peer", id, "error", err)
		}
	}
}
