package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/vietddude/keyproxy/internal/core/domain"
	"github.com/vietddude/keyproxy/internal/core/pool"
)

type keyRequest struct {
	Key  string   `json:"key"`
	Keys []string `json:"keys"`
}

type listKeysResponse struct {
	Keys   []domain.Summary      `json:"keys"`
	Counts map[domain.Status]int `json:"counts"`
}

func decodeKeyRequest(w http.ResponseWriter, r *http.Request) (keyRequest, bool) {
	var req keyRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, errInvalidRequest, "Request body must be JSON")
		return req, false
	}
	return req, true
}

func (s *Server) handleListKeys(w http.ResponseWriter, r *http.Request) {
	reveal, _ := strconv.ParseBool(r.URL.Query().Get("reveal"))
	creds, err := s.deps.Keys.List(r.Context())
	if err != nil {
		s.writeRouteError(w, r, err)
		return
	}

	now := s.now()
	resp := listKeysResponse{
		Keys:   make([]domain.Summary, 0, len(creds)),
		Counts: make(map[domain.Status]int, len(domain.AllStatuses)),
	}
	for _, status := range domain.AllStatuses {
		resp.Counts[status] = 0
	}
	for _, c := range creds {
		resp.Keys = append(resp.Keys, c.Summarize(now, reveal))
		resp.Counts[c.Status]++
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleAddKeys(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeKeyRequest(w, r)
	if !ok {
		return
	}

	if len(req.Keys) > 0 {
		res, err := s.deps.Keys.BulkAdd(r.Context(), req.Keys)
		if err != nil {
			s.writeRouteError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
		return
	}

	err := s.deps.Keys.Add(r.Context(), req.Key)
	switch {
	case errors.Is(err, pool.ErrInvalidKey):
		writeError(w, r, http.StatusBadRequest, errInvalidRequest, err.Error())
	case errors.Is(err, pool.ErrKeyExists):
		writeError(w, r, http.StatusConflict, errInvalidRequest, "Key already exists")
	case err != nil:
		s.writeRouteError(w, r, err)
	default:
		writeJSON(w, http.StatusCreated, map[string]string{"key": domain.MaskKey(req.Key)})
	}
}

func (s *Server) handleImportKeys(w http.ResponseWriter, r *http.Request) {
	text, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBody))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, errInvalidRequest, "Failed to read key list")
		return
	}
	res, err := s.deps.Keys.BulkAdd(r.Context(), pool.ParseKeyList(string(text)))
	if err != nil {
		s.writeRouteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleDeleteKey(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeKeyRequest(w, r)
	if !ok {
		return
	}
	if req.Key == "" {
		writeError(w, r, http.StatusBadRequest, errInvalidRequest, `"key" is required`)
		return
	}
	err := s.deps.Keys.Delete(r.Context(), req.Key)
	switch {
	case errors.Is(err, pool.ErrKeyNotFound):
		writeError(w, r, http.StatusNotFound, errNotFound, "Key not found")
	case err != nil:
		s.writeRouteError(w, r, err)
	default:
		writeJSON(w, http.StatusOK, map[string]string{"deleted": domain.MaskKey(req.Key)})
	}
}

func (s *Server) handleReactivateKey(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeKeyRequest(w, r)
	if !ok {
		return
	}
	if req.Key == "" {
		writeError(w, r, http.StatusBadRequest, errInvalidRequest, `"key" is required`)
		return
	}
	err := s.deps.Keys.Reactivate(r.Context(), req.Key)
	switch {
	case errors.Is(err, pool.ErrKeyNotFound):
		writeError(w, r, http.StatusNotFound, errNotFound, "Key not found")
	case errors.Is(err, pool.ErrInvalidTransition):
		writeError(w, r, http.StatusConflict, errInvalidRequest, err.Error())
	case err != nil:
		s.writeRouteError(w, r, err)
	default:
		writeJSON(w, http.StatusOK, map[string]string{"reactivated": domain.MaskKey(req.Key)})
	}
}

func (s *Server) handleSweep(w http.ResponseWriter, r *http.Request) {
	if s.deps.Sweeper == nil {
		writeError(w, r, http.StatusNotFound, errNotFound, "Sweeper is not configured")
		return
	}
	report, err := s.deps.Sweeper.Sweep(r.Context())
	if err != nil {
		s.writeRouteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}
