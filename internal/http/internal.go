package http

import (
	"fmt"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"qubedb/pkg/cluster"
	"qubedb/pkg/dberrors"
	"qubedb/pkg/record"
	"qubedb/pkg/replication"
)

func decodeMsgpack(r *http.Request, v any) error {
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		return fmt.Errorf("read body: %w", err)
	}
	if err := replication.DecodeMessage(raw, v); err != nil {
		return fmt.Errorf("decode body: %w: %v", dberrors.ErrInvalidArgument, err)
	}
	return nil
}

// handleRaft dispatches one consensus message to the shard's group.
func (s *Server) handleRaft(w http.ResponseWriter, r *http.Request) {
	shard, err := shardParam(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	ctx := r.Context()

	switch kind := chi.URLParam(r, "kind"); kind {
	case "vote":
		var req replication.RequestVoteRequest
		if err := decodeMsgpack(r, &req); err != nil {
			s.writeError(w, err)
			return
		}
		req.ShardID = shard
		resp, err := s.node.HandleRequestVote(ctx, req)
		if err != nil {
			s.writeError(w, err)
			return
		}
		s.writeMsgpack(w, resp)
	case "append":
		var req replication.AppendEntriesRequest
		if err := decodeMsgpack(r, &req); err != nil {
			s.writeError(w, err)
			return
		}
		req.ShardID = shard
		resp, err := s.node.HandleAppendEntries(ctx, req)
		if err != nil {
			s.writeError(w, err)
			return
		}
		s.writeMsgpack(w, resp)
	case "heartbeat":
		var req replication.HeartbeatRequest
		if err := decodeMsgpack(r, &req); err != nil {
			s.writeError(w, err)
			return
		}
		req.ShardID = shard
		resp, err := s.node.HandleHeartbeat(ctx, req)
		if err != nil {
			s.writeError(w, err)
			return
		}
		s.writeMsgpack(w, resp)
	default:
		s.writeError(w, fmt.Errorf("raft message kind %q: %w", kind, dberrors.ErrInvalidArgument))
	}
}

// handleHeartbeat answers a cluster liveness ping and learns the sender.
func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req cluster.PingRequest
	if err := decodeMsgpack(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.node.Cluster().HandleHeartbeat(req.From, req.Address); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeMsgpack(w, cluster.PingResponse{ID: s.node.ID(), Alive: true})
}

// handlePropose proposes a command forwarded by another node. NotLeader is
// reported, never redirected, so the sender can pick the next hop.
func (s *Server) handlePropose(w http.ResponseWriter, r *http.Request) {
	shard, err := shardParam(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	var cmd replication.Command
	if err := decodeMsgpack(r, &cmd); err != nil {
		s.writeError(w, err)
		return
	}
	if cmd.Record != nil {
		cmd.Record.Fields = record.NormalizeFields(cmd.Record.Fields)
	}
	if err := s.node.ProposeLocal(r.Context(), shard, cmd); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, NewSuccessResponse())
}
