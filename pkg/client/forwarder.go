package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"qubedb/pkg/dberrors"
	"qubedb/pkg/replication"
	"qubedb/pkg/types"
)

// ProposePath is the internal endpoint a shard leader accepts forwarded
// commands on.
func ProposePath(shard types.ShardID) string {
	return fmt.Sprintf("/api/internal/propose/%d", uint32(shard))
}

// Forwarder sends commands to the node leading a shard through its internal
// propose endpoint.
type Forwarder struct {
	resolve    replication.Resolver
	httpClient *http.Client
}

func NewForwarder(resolve replication.Resolver) *Forwarder {
	return &Forwarder{
		resolve: resolve,
		httpClient: &http.Client{
			Timeout: 2 * defaultTimeout,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

func (f *Forwarder) Forward(ctx context.Context, to types.NodeID, shard types.ShardID, cmd replication.Command) error {
	addr, ok := f.resolve(to)
	if !ok {
		return fmt.Errorf("forward to %s: %w", to, replication.ErrUnreachable)
	}
	body, err := replication.EncodeMessage(cmd)
	if err != nil {
		return fmt.Errorf("encode command: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, replication.BaseURL(addr)+ProposePath(shard), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", replication.ContentType)

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("forward to %s: %w: %v", to, replication.ErrUnreachable, err)
	}
	defer resp.Body.Close()

	var r response
	if err := json.NewDecoder(resp.Body).Decode(&r); err != nil {
		return fmt.Errorf("forward to %s: status %d: %w", to, resp.StatusCode, err)
	}
	if resp.StatusCode != http.StatusOK {
		err := r.err()
		var nle *dberrors.NotLeaderError
		if errors.As(err, &nle) {
			nle.ShardID = shard
		}
		return fmt.Errorf("forward %s to %s: %w", shard, to, err)
	}
	return nil
}
