package http

import (
	"encoding/json"
	"errors"
	"net/http"

	"qubedb/pkg/dberrors"
	"qubedb/pkg/replication"
)

type Status string

const (
	// StatusOK is used for health-check responses.
	StatusOK Status = "OK"

	// StatusSuccess indicates an operation completed successfully.
	StatusSuccess Status = "success"

	// StatusPending means a write was accepted but its outcome is unknown.
	StatusPending Status = "pending"

	// StatusError indicates an operation failed.
	StatusError Status = "error"
)

// Response represents the standard API response format.
type Response struct {
	Status Status `json:"status,omitempty"`
	Value  any    `json:"value,omitempty"`
	Error  string `json:"error,omitempty"`
	// Code is the error kind, see dberrors.Code.
	Code string `json:"code,omitempty"`
	// Leader is the believed shard leader when Code is not_leader.
	Leader string `json:"leader,omitempty"`
}

func NewOKResponse() Response {
	return Response{Status: StatusOK}
}

func NewSuccessResponse() Response {
	return Response{Status: StatusSuccess}
}

func NewValueResponse(value any) Response {
	return Response{Status: StatusSuccess, Value: value}
}

func NewErrorResponse(err error) Response {
	resp := Response{Status: StatusError, Error: err.Error(), Code: dberrors.Code(err)}
	var nle *dberrors.NotLeaderError
	if errors.As(err, &nle) {
		resp.Leader = string(nle.LeaderHint)
	}
	if dberrors.IsUncertain(err) {
		resp.Status = StatusPending
	}
	return resp
}

// statusFor maps the error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case dberrors.IsUncertain(err):
		return http.StatusAccepted
	case errors.Is(err, dberrors.ErrNotLeader), errors.Is(err, dberrors.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, dberrors.ErrNotFound), errors.Is(err, dberrors.ErrIndexNotFound),
		errors.Is(err, dberrors.ErrUnknownShard):
		return http.StatusNotFound
	case errors.Is(err, dberrors.ErrInvalidArgument), errors.Is(err, dberrors.ErrDimensionMismatch):
		return http.StatusBadRequest
	case errors.Is(err, dberrors.ErrIndexExists), errors.Is(err, dberrors.ErrMigrationInProgress),
		errors.Is(err, dberrors.ErrReadOnly):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Warn("error encoding response", "error", err)
	}
}

func (s *Server) writeMsgpack(w http.ResponseWriter, data any) {
	raw, err := replication.EncodeMessage(data)
	if err != nil {
		s.writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", replication.ContentType)
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(raw); err != nil {
		s.logger.Warn("error writing response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "error", err)
	}
	s.writeJSON(w, status, NewErrorResponse(err))
}
