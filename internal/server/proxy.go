package server

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/vietddude/keyproxy/internal/proxy"
)

// maxRequestBody bounds buffered client request bodies.
const maxRequestBody = 32 << 20

// Response headers that describe the upstream hop, not the relayed body.
var skipResponseHeaders = map[string]bool{
	"Connection":        true,
	"Keep-Alive":        true,
	"Transfer-Encoding": true,
	"Content-Length":    true,
	"Content-Encoding":  true,
	"Alt-Svc":           true,
	"Set-Cookie":        true,
}

func (s *Server) handleProxy(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, r, http.StatusRequestEntityTooLarge, errInvalidRequest, "Request body too large")
			return
		}
		writeError(w, r, http.StatusBadRequest, errInvalidRequest, "Failed to read request body")
		return
	}

	resp, err := s.deps.Router.RouteRequest(r.Context(), &proxy.Request{
		Method:   r.Method,
		Path:     r.URL.Path,
		RawQuery: r.URL.RawQuery,
		Header:   r.Header,
		Body:     body,
	})
	if err != nil {
		s.writeRouteError(w, r, err)
		return
	}
	defer resp.Body.Close()

	h := w.Header()
	for k, vs := range resp.Header {
		if skipResponseHeaders[k] {
			continue
		}
		h[k] = vs
	}
	h.Set("Referrer-Policy", "no-referrer")
	if isEventStream(resp.Header) {
		h.Set("Cache-Control", "no-cache")
		h.Set("X-Accel-Buffering", "no")
	}
	w.WriteHeader(resp.StatusCode)
	streamBody(w, resp.Body)
}

// streamBody copies body to w, flushing each chunk so server-sent events
// reach the client as they arrive.
func streamBody(w http.ResponseWriter, body io.Reader) {
	flusher, _ := w.(http.Flusher)
	buf := make([]byte, 32<<10)
	for {
		n, err := body.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if err != nil {
			return
		}
	}
}

func isEventStream(h http.Header) bool {
	return strings.HasPrefix(h.Get("Content-Type"), "text/event-stream")
}
