// Package client talks to a qubedb node over its HTTP API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"qubedb/pkg/dberrors"
	"qubedb/pkg/record"
	"qubedb/pkg/replication"
	"qubedb/pkg/types"
)

const defaultTimeout = 5 * time.Second

type response struct {
	Status string          `json:"status"`
	Value  json.RawMessage `json:"value"`
	Error  string          `json:"error"`
	Code   string          `json:"code"`
	Leader string          `json:"leader"`
}

func (r response) err() error {
	if r.Code == "not_leader" {
		return &dberrors.NotLeaderError{LeaderHint: types.NodeID(r.Leader)}
	}
	return dberrors.FromCode(r.Code, r.Error)
}

type recordBody struct {
	Fields map[string]any `json:"fields,omitempty"`
	Vector []float32      `json:"vector,omitempty"`
	From   string         `json:"from,omitempty"`
	To     string         `json:"to,omitempty"`
}

// Client is bound to one node. Writes sent to a follower are redirected to
// the shard leader by the node and followed transparently.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

func New(baseURL string) *Client {
	return &Client{
		baseURL: replication.BaseURL(baseURL),
		httpClient: &http.Client{
			Timeout: defaultTimeout,
		},
	}
}

func recordPath(id record.Identity) string {
	return fmt.Sprintf("/api/records/%s/%s/%s", id.Namespace, url.PathEscape(id.Collection), url.PathEscape(id.Key))
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("create %s request: %w", method, err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("execute %s request: %w", method, err)
	}
	defer resp.Body.Close()

	var r response
	if err := json.NewDecoder(resp.Body).Decode(&r); err != nil {
		return fmt.Errorf("%s %s: status %d: decode response: %w", method, path, resp.StatusCode, err)
	}
	if resp.StatusCode >= http.StatusMultipleChoices || resp.StatusCode == http.StatusAccepted {
		return r.err()
	}
	if out != nil && len(r.Value) > 0 {
		if err := json.Unmarshal(r.Value, out); err != nil {
			return fmt.Errorf("decode value: %w", err)
		}
	}
	return nil
}

func (c *Client) Put(ctx context.Context, rec *record.Record) error {
	return c.do(ctx, http.MethodPut, recordPath(rec.ID), bodyOf(rec), nil)
}

// Update fails with dberrors.ErrNotFound when the record does not exist.
func (c *Client) Update(ctx context.Context, rec *record.Record) error {
	return c.do(ctx, http.MethodPatch, recordPath(rec.ID), bodyOf(rec), nil)
}

// Insert stores rec under a key generated by the node.
func (c *Client) Insert(ctx context.Context, rec *record.Record) (record.Identity, error) {
	var id record.Identity
	path := fmt.Sprintf("/api/records/%s/%s", rec.ID.Namespace, url.PathEscape(rec.ID.Collection))
	err := c.do(ctx, http.MethodPost, path, bodyOf(rec), &id)
	return id, err
}

// Get returns nil when the record does not exist. Linearizable reads must
// reach the shard leader.
func (c *Client) Get(ctx context.Context, id record.Identity, linearizable bool) (*record.Record, error) {
	path := recordPath(id)
	if linearizable {
		path += "?consistency=linearizable"
	}
	var rec record.Record
	err := c.do(ctx, http.MethodGet, path, nil, &rec)
	if dberrors.Code(err) == "not_found" {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	rec.Fields = record.NormalizeFields(rec.Fields)
	return &rec, nil
}

// Delete reports whether the record existed.
func (c *Client) Delete(ctx context.Context, id record.Identity) (bool, error) {
	err := c.do(ctx, http.MethodDelete, recordPath(id), nil, nil)
	if dberrors.Code(err) == "not_found" {
		return false, nil
	}
	return err == nil, err
}

func (c *Client) CreateCollection(ctx context.Context, ns record.Namespace, name string, dimension int) error {
	path := fmt.Sprintf("/api/collections/%s/%s", ns, url.PathEscape(name))
	return c.do(ctx, http.MethodPost, path, map[string]int{"dimension": dimension}, nil)
}

// ClusterStatus decodes the node's view of the cluster into out.
func (c *Client) ClusterStatus(ctx context.Context, out any) error {
	return c.do(ctx, http.MethodGet, "/api/cluster/status", nil, out)
}

func bodyOf(rec *record.Record) recordBody {
	return recordBody{Fields: rec.Fields, Vector: rec.Vector, From: rec.From, To: rec.To}
}
