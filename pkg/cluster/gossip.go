package cluster

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hashicorp/memberlist"

	"qubedb/pkg/types"
)

// GossipDiscovery uses memberlist; the node's HTTP address travels as node meta.
type GossipDiscovery struct {
	list   *memberlist.Memberlist
	events chan memberlist.NodeEvent
	id     types.NodeID
	join   []string
	logger *slog.Logger
}

var _ Discovery = (*GossipDiscovery)(nil)

// metaDelegate only publishes node meta; no user messages are gossiped.
type metaDelegate struct {
	meta []byte
}

func (d metaDelegate) NodeMeta(limit int) []byte {
	if len(d.meta) > limit {
		return d.meta[:limit]
	}
	return d.meta
}

func (metaDelegate) NotifyMsg([]byte)                           {}
func (metaDelegate) GetBroadcasts(overhead, limit int) [][]byte { return nil }
func (metaDelegate) LocalState(join bool) []byte                { return nil }
func (metaDelegate) MergeRemoteState(buf []byte, join bool)     {}

// NewGossipDiscovery starts a LAN member list on bindPort. opts adjust the
// memberlist config before it is created.
func NewGossipDiscovery(id types.NodeID, addr string, bindPort int, join []string, logger *slog.Logger,
	opts ...func(*memberlist.Config),
) (*GossipDiscovery, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	logger = logger.With("component", "gossip-discovery")

	events := make(chan memberlist.NodeEvent, 64)
	cfg := memberlist.DefaultLANConfig()
	cfg.Name = string(id)
	cfg.BindPort = bindPort
	cfg.AdvertisePort = bindPort
	cfg.Delegate = metaDelegate{meta: []byte(addr)}
	cfg.Events = &memberlist.ChannelEventDelegate{Ch: events}
	cfg.Logger = slog.NewLogLogger(logger.Handler(), slog.LevelDebug)
	for _, opt := range opts {
		opt(cfg)
	}

	list, err := memberlist.Create(cfg)
	if err != nil {
		return nil, fmt.Errorf("create member list: %w", err)
	}
	return &GossipDiscovery{list: list, events: events, id: id, join: join, logger: logger}, nil
}

func (d *GossipDiscovery) Run(ctx context.Context, reg Registry) error {
	if len(d.join) > 0 {
		n, err := d.list.Join(d.join)
		if err != nil {
			return fmt.Errorf("join cluster: %w", err)
		}
		d.logger.Info("joined", "contacted", n)
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-d.events:
			id := types.NodeID(ev.Node.Name)
			if id == d.id {
				continue
			}
			switch ev.Event {
			case memberlist.NodeJoin, memberlist.NodeUpdate:
				if err := reg.AddPeer(id, string(ev.Node.Meta)); err != nil {
					d.logger.Warn("add peer", "peer", id, "error", err)
				}
			case memberlist.NodeLeave:
				if err := reg.RemovePeer(id); err != nil {
					d.logger.Warn("remove peer", "peer", id, "error", err)
				}
			}
		}
	}
}

func (d *GossipDiscovery) Close() error {
	if err := d.list.Leave(time.Second); err != nil {
		d.logger.Warn("leave", "error", err)
	}
	return d.list.Shutdown()
}
