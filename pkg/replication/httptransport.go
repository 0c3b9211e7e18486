package replication

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"qubedb/pkg/record"
	"qubedb/pkg/types"
)

const (
	ContentType = "application/msgpack"

	transportTimeout = 3 * time.Second
	maxRetries       = 3
	retryDelay       = 50 * time.Millisecond
)

// RaftPath is the internal endpoint of one message kind for a shard:
// /api/internal/raft/{shard}/{vote|append|heartbeat}.
func RaftPath(shard types.ShardID, kind string) string {
	return fmt.Sprintf("/api/internal/raft/%d/%s", uint32(shard), kind)
}

// Resolver maps a node id to its HTTP address.
type Resolver func(types.NodeID) (string, bool)

// HTTPTransport posts msgpack-encoded messages to the peer's internal API and
// retries network failures with exponential backoff.
type HTTPTransport struct {
	resolve    Resolver
	httpClient *http.Client
	logger     *slog.Logger
}

var _ Transport = (*HTTPTransport)(nil)

func NewHTTPTransport(resolve Resolver, logger *slog.Logger) *HTTPTransport {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &HTTPTransport{
		resolve: resolve,
		httpClient: &http.Client{
			Timeout: transportTimeout,
		},
		logger: logger.With("component", "raft-transport"),
	}
}

func (t *HTTPTransport) RequestVote(ctx context.Context, to types.NodeID, req RequestVoteRequest) (RequestVoteResponse, error) {
	var resp RequestVoteResponse
	err := t.post(ctx, to, RaftPath(req.ShardID, "vote"), req, &resp)
	return resp, err
}

func (t *HTTPTransport) AppendEntries(ctx context.Context, to types.NodeID, req AppendEntriesRequest) (AppendEntriesResponse, error) {
	var resp AppendEntriesResponse
	err := t.post(ctx, to, RaftPath(req.ShardID, "append"), req, &resp)
	return resp, err
}

func (t *HTTPTransport) Heartbeat(ctx context.Context, to types.NodeID, req HeartbeatRequest) (HeartbeatResponse, error) {
	var resp HeartbeatResponse
	err := t.post(ctx, to, RaftPath(req.ShardID, "heartbeat"), req, &resp)
	return resp, err
}

// BaseURL adds the http scheme to bare host:port addresses.
func BaseURL(addr string) string {
	if strings.Contains(addr, "://") {
		return strings.TrimSuffix(addr, "/")
	}
	return "http://" + strings.TrimSuffix(addr, "/")
}

func (t *HTTPTransport) post(ctx context.Context, to types.NodeID, path string, in, out any) error {
	addr, ok := t.resolve(to)
	if !ok {
		return fmt.Errorf("unknown peer %s: %w", to, ErrUnreachable)
	}
	url := BaseURL(addr) + path

	body, err := EncodeMessage(in)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(
			backoff.NewExponentialBackOff(backoff.WithInitialInterval(retryDelay)),
			maxRetries-1,
		),
		ctx,
	)
	raw, err := backoff.RetryNotifyWithData[[]byte](
		func() ([]byte, error) { return t.sendHTTP(ctx, url, body) },
		policy,
		func(err error, wait time.Duration) {
			t.logger.Debug("raft message failed, retrying", "to", string(to), "path", path, "wait", wait, "error", err)
		},
	)
	if err != nil {
		return fmt.Errorf("send to %s: %w: %v", to, ErrUnreachable, err)
	}
	if err := DecodeMessage(raw, out); err != nil {
		return fmt.Errorf("decode response from %s: %w", to, err)
	}
	return nil
}

func (t *HTTPTransport) sendHTTP(ctx context.Context, url string, body []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Content-Type", ContentType)

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	switch {
	case resp.StatusCode == http.StatusOK:
		return data, nil
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(data))
	default:
		return nil, backoff.Permanent(fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(data)))
	}
}

// EncodeMessage and DecodeMessage are the wire codec of the internal API.
func EncodeMessage(v any) ([]byte, error) {
	return record.Marshal(v)
}

func DecodeMessage(data []byte, v any) error {
	if err := record.Unmarshal(data, v); err != nil {
		return err
	}
	if req, ok := v.(*AppendEntriesRequest); ok {
		for i := range req.Entries {
			if r := req.Entries[i].Command.Record; r != nil {
				r.Fields = record.NormalizeFields(r.Fields)
			}
		}
	}
	return nil
}
