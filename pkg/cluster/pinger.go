package cluster

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/vmihailenco/msgpack/v5"

	"qubedb/pkg/replication"
	"qubedb/pkg/types"
)

const HeartbeatPath = "/api/internal/heartbeat"

type PingRequest struct {
	From    types.NodeID `msgpack:"from"`
	Address string       `msgpack:"address"`
}

type PingResponse struct {
	ID    types.NodeID `msgpack:"id"`
	Alive bool         `msgpack:"alive"`
}

// HTTPPinger pings peers through their internal heartbeat endpoint.
// A failed ping is not retried: the next tick is the retry.
type HTTPPinger struct {
	client *http.Client
}

var _ Pinger = (*HTTPPinger)(nil)

func NewHTTPPinger(client *http.Client) *HTTPPinger {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPPinger{client: client}
}

func (p *HTTPPinger) Ping(ctx context.Context, from Peer, to Peer) error {
	if to.Address == "" {
		return fmt.Errorf("ping %s: no address", to.ID)
	}
	body, err := msgpack.Marshal(PingRequest{From: from.ID, Address: from.Address})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, replication.BaseURL(to.Address)+HeartbeatPath, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", replication.ContentType)

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("ping %s: %w", to.ID, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("ping %s: read: %w", to.ID, err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("ping %s: status %d", to.ID, resp.StatusCode)
	}
	var pr PingResponse
	if err := msgpack.Unmarshal(raw, &pr); err != nil {
		return fmt.Errorf("ping %s: decode: %w", to.ID, err)
	}
	if !pr.Alive {
		return fmt.Errorf("ping %s: peer reports not alive", to.ID)
	}
	return nil
}
