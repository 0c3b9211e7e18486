package http

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"qubedb/pkg/db"
	"qubedb/pkg/dberrors"
	"qubedb/pkg/record"
)

const maxScanLimit = 1000

// RecordBody is the JSON payload of record writes.
type RecordBody struct {
	Fields map[string]any `json:"fields,omitempty"`
	Vector []float32      `json:"vector,omitempty"`
	From   string         `json:"from,omitempty"`
	To     string         `json:"to,omitempty"`
}

func (b RecordBody) record(id record.Identity) *record.Record {
	return &record.Record{ID: id, Fields: b.Fields, Vector: b.Vector, From: b.From, To: b.To}
}

func collectionParams(r *http.Request) (record.Namespace, string, error) {
	ns, err := record.ParseNamespace(chi.URLParam(r, "ns"))
	if err != nil {
		return 0, "", fmt.Errorf("%w: %v", dberrors.ErrInvalidArgument, err)
	}
	return ns, chi.URLParam(r, "collection"), nil
}

func identityParams(r *http.Request) (record.Identity, error) {
	ns, collection, err := collectionParams(r)
	if err != nil {
		return record.Identity{}, err
	}
	return record.Identity{Namespace: ns, Collection: collection, Key: chi.URLParam(r, "key")}, nil
}

func decodeJSON(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("decode body: %w: %v", dberrors.ErrInvalidArgument, err)
	}
	return nil
}

func (s *Server) writeRecord(w http.ResponseWriter, r *http.Request, update bool) {
	id, err := identityParams(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	var body RecordBody
	if err := decodeJSON(r, &body); err != nil {
		s.writeError(w, err)
		return
	}
	rec := body.record(id)
	if update {
		err = s.node.Update(r.Context(), rec)
	} else {
		err = s.node.Put(r.Context(), rec)
	}
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, NewValueResponse(id))
}

func (s *Server) handlePut(w http.ResponseWriter, r *http.Request) {
	s.writeRecord(w, r, false)
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	s.writeRecord(w, r, true)
}

// handleInsert stores a record under a generated key, or under the edge key
// of its endpoints for graph edges.
func (s *Server) handleInsert(w http.ResponseWriter, r *http.Request) {
	ns, collection, err := collectionParams(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	var body RecordBody
	if err := decodeJSON(r, &body); err != nil {
		s.writeError(w, err)
		return
	}
	id := record.Identity{Namespace: ns, Collection: collection}
	if ns == record.GraphEdge && body.From != "" && body.To != "" {
		id.Key = record.EdgeKey(body.From, body.To)
	}
	id, err = s.node.Insert(r.Context(), body.record(id))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, NewValueResponse(id))
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	id, err := identityParams(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	c, err := db.ParseConsistency(r.URL.Query().Get("consistency"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	rec, err := s.node.Get(r.Context(), id, c)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if rec == nil {
		s.writeError(w, fmt.Errorf("%s: %w", id, dberrors.ErrNotFound))
		return
	}
	s.writeJSON(w, http.StatusOK, NewValueResponse(rec))
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	id, err := identityParams(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	existed, err := s.node.Delete(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if !existed {
		s.writeError(w, fmt.Errorf("%s: %w", id, dberrors.ErrNotFound))
		return
	}
	s.writeJSON(w, http.StatusOK, NewSuccessResponse())
}

// handleScan lists the records of a collection held by this node.
func (s *Server) handleScan(w http.ResponseWriter, r *http.Request) {
	ns, collection, err := collectionParams(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	limit := maxScanLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.writeError(w, fmt.Errorf("limit %q: %w", v, dberrors.ErrInvalidArgument))
			return
		}
		limit = min(n, maxScanLimit)
	}
	out := []*record.Record{}
	err = s.node.Scan(r.Context(), ns, collection, db.SearchOptions{Limit: limit}, func(rec *record.Record) error {
		out = append(out, rec)
		return nil
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, NewValueResponse(out))
}

type collectionBody struct {
	Dimension int `json:"dimension,omitempty"`
}

func (s *Server) handleCreateCollection(w http.ResponseWriter, r *http.Request) {
	ns, collection, err := collectionParams(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	var body collectionBody
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &body); err != nil {
			s.writeError(w, err)
			return
		}
	}
	if err := s.node.CreateCollection(r.Context(), ns, collection, body.Dimension); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, NewSuccessResponse())
}

func (s *Server) handleDropCollection(w http.ResponseWriter, r *http.Request) {
	ns, collection, err := collectionParams(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.node.DropCollection(r.Context(), ns, collection); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, NewSuccessResponse())
}
