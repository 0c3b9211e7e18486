package cluster

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"time"

	"github.com/go-zookeeper/zk"

	"qubedb/pkg/types"
)

const (
	zkSessionTimeout = 5 * time.Second
	zkConnectTimeout = 10 * time.Second
	zkRetryDelay     = 2 * time.Second
)

// ZKDiscovery registers the node as an ephemeral znode <root>/nodes/<id> holding
// its address, and watches the children of <root>/nodes.
type ZKDiscovery struct {
	conn   *zk.Conn
	root   string
	id     types.NodeID
	addr   string
	logger *slog.Logger
}

var _ Discovery = (*ZKDiscovery)(nil)

// zkLogger routes the client's Printf logging into slog.
type zkLogger struct{ l *slog.Logger }

func (z zkLogger) Printf(format string, args ...any) {
	z.l.Debug(fmt.Sprintf(format, args...))
}

// servers: ["zk1:2181", "zk2:2181"]
func NewZKDiscovery(servers []string, root string, id types.NodeID, addr string, logger *slog.Logger) (*ZKDiscovery, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	logger = logger.With("component", "zk-discovery")
	conn, _, err := zk.Connect(servers, zkSessionTimeout, zk.WithLogger(zkLogger{logger}))
	if err != nil {
		return nil, fmt.Errorf("zk connect: %w", err)
	}
	return &ZKDiscovery{
		conn:   conn,
		root:   strings.TrimSuffix(root, "/"),
		id:     id,
		addr:   addr,
		logger: logger,
	}, nil
}

func (d *ZKDiscovery) Close() error {
	d.conn.Close()
	return nil
}

func (d *ZKDiscovery) nodesPath() string {
	return d.root + "/nodes"
}

func (d *ZKDiscovery) ensurePath(p string) error {
	cur := ""
	for _, part := range strings.Split(p, "/") {
		if part == "" {
			continue
		}
		cur = cur + "/" + part
		exists, _, err := d.conn.Exists(cur)
		if err != nil {
			return err
		}
		if !exists {
			_, err = d.conn.Create(cur, nil, 0, zk.WorldACL(zk.PermAll))
			if err != nil && !errors.Is(err, zk.ErrNodeExists) {
				return err
			}
		}
	}
	return nil
}

// registerSelf creates the ephemeral node for this process.
func (d *ZKDiscovery) registerSelf(ctx context.Context) error {
	if err := d.waitConnected(ctx, zkConnectTimeout); err != nil {
		return err
	}
	if err := d.ensurePath(d.nodesPath()); err != nil {
		return fmt.Errorf("ensure nodes path: %w", err)
	}
	nodePath := path.Join(d.nodesPath(), string(d.id))
	_, err := d.conn.Create(nodePath, []byte(d.addr), zk.FlagEphemeral, zk.WorldACL(zk.PermAll))
	if err != nil && !errors.Is(err, zk.ErrNodeExists) {
		return fmt.Errorf("create ephemeral node: %w", err)
	}
	d.logger.Info("registered", "path", nodePath)
	return nil
}

// readMembers resolves every child znode to the address stored in it.
func (d *ZKDiscovery) readMembers(children []string) map[types.NodeID]string {
	out := make(map[types.NodeID]string, len(children))
	for _, c := range children {
		data, _, err := d.conn.Get(path.Join(d.nodesPath(), c))
		if err != nil {
			// the node left between Children and Get
			continue
		}
		out[types.NodeID(c)] = string(data)
	}
	return out
}

func (d *ZKDiscovery) Run(ctx context.Context, reg Registry) error {
	if err := d.registerSelf(ctx); err != nil {
		return err
	}
	prev := map[types.NodeID]string{}
	for {
		children, _, ch, err := d.conn.ChildrenW(d.nodesPath())
		if err != nil {
			d.logger.Warn("children watch failed", "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(zkRetryDelay):
				continue
			}
		}

		cur := d.readMembers(children)
		syncMembers(reg, d.id, prev, cur, d.logger)
		prev = cur

		select {
		case ev := <-ch:
			d.logger.Debug("watch fired", "type", ev.Type, "path", ev.Path)
		case <-ctx.Done():
			d.logger.Info("watch stopped")
			return nil
		}
	}
}

func (d *ZKDiscovery) waitConnected(ctx context.Context, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		st := d.conn.State()
		if st == zk.StateConnected || st == zk.StateHasSession {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("zk: not connected after %s, state=%v", timeout, st)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(200 * time.Millisecond):
		}
	}
}
