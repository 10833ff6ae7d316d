package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/vietddude/keyproxy/internal/core/pool"
	"github.com/vietddude/keyproxy/internal/infra/storage"
	"github.com/vietddude/keyproxy/internal/proxy"
)

// Error types reported in the envelope.
const (
	errStoreUnavailable   = "store_unavailable"
	errNoAvailableKeys    = "no_available_keys"
	errUpstreamPermanent  = "upstream_permanent_error"
	errUpstreamTransient  = "upstream_transient_error"
	errMaxRetriesExceeded = "max_retries_exceeded"
	errInvalidRequest     = "invalid_request_error"
	errNotFound           = "not_found_error"
	errUnauthorized       = "unauthorized"
	errInternal           = "internal_error"
)

// ErrorResponse is the JSON error envelope.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

type ErrorDetail struct {
	Type           string `json:"type"`
	Message        string `json:"message"`
	UpstreamStatus int    `json:"upstream_status,omitempty"`
	RequestID      string `json:"request_id,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, status int, typ, msg string) {
	writeJSON(w, status, ErrorResponse{Error: ErrorDetail{
		Type:      typ,
		Message:   msg,
		RequestID: GetRequestID(r.Context()),
	}})
}

// writeRouteError maps a routing failure to a client response.
func (s *Server) writeRouteError(w http.ResponseWriter, r *http.Request, err error) {
	var upErr *proxy.UpstreamError
	switch {
	case errors.Is(err, context.Canceled) && r.Context().Err() != nil:
		// Client went away; nobody is listening.
		s.log.Debug("Client cancelled request", "path", r.URL.Path)
	case errors.Is(err, proxy.ErrMaxRetriesExceeded):
		writeError(w, r, http.StatusServiceUnavailable, errMaxRetriesExceeded, "All retry attempts failed; try again later")
	case errors.Is(err, storage.ErrUnavailable):
		s.log.Error("Credential store unavailable", "error", err)
		writeError(w, r, http.StatusServiceUnavailable, errStoreUnavailable, "Credential store is unavailable")
	case errors.Is(err, pool.ErrNoAvailableKeys):
		writeError(w, r, http.StatusServiceUnavailable, errNoAvailableKeys, "No API keys are available; try again later")
	case errors.As(err, &upErr) && upErr.Permanent:
		switch upErr.StatusCode {
		case http.StatusUnauthorized, http.StatusForbidden:
			writeError(w, r, http.StatusBadGateway, errUpstreamPermanent, "Upstream rejected the API key")
		default:
			relayUpstreamError(w, r, upErr)
		}
	case errors.As(err, &upErr):
		writeError(w, r, http.StatusBadGateway, errUpstreamTransient, "Upstream call failed")
	default:
		s.log.Error("Routing failed", "error", err)
		writeError(w, r, http.StatusInternalServerError, errInternal, "Internal server error")
	}
}

// relayUpstreamError reports a request-level rejection with the upstream
// status, carrying the upstream message in the envelope.
func relayUpstreamError(w http.ResponseWriter, r *http.Request, e *proxy.UpstreamError) {
	writeJSON(w, e.StatusCode, ErrorResponse{Error: ErrorDetail{
		Type:           errUpstreamPermanent,
		Message:        upstreamMessage(e),
		UpstreamStatus: e.StatusCode,
		RequestID:      GetRequestID(r.Context()),
	}})
}

// maxMessage bounds a non-JSON upstream body quoted into an error message.
const maxMessage = 512

// upstreamMessage extracts error.message from a Gemini error body, falling
// back to the raw body and then the status text.
func upstreamMessage(e *proxy.UpstreamError) string {
	var body struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(e.Body, &body) == nil && body.Error.Message != "" {
		return body.Error.Message
	}
	if text := strings.TrimSpace(string(e.Body)); text != "" && !json.Valid(e.Body) {
		if len(text) > maxMessage {
			text = text[:maxMessage] + "..."
		}
		return text
	}
	return http.StatusText(e.StatusCode)
}
