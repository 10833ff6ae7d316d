package upstream

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestClientDo_Forwarding(t *testing.T) {
	var got *http.Request
	var gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Clone(context.Background())
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"ok":true}`)
	}))
	defer srv.Close()

	c, err := NewClient(srv.URL, "")
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}

	resp, err := c.Do(context.Background(), &Request{
		Method:   http.MethodPost,
		Path:     "/v1beta/models/gemini-pro:generateContent",
		RawQuery: "alt=sse&key=client-key",
		Header: http.Header{
			"Content-Type":   {"application/json"},
			"Authorization":  {"Bearer client-token"},
			"X-Goog-Api-Key": {"client-key"},
			"Connection":     {"X-Hop"},
			"X-Hop":          {"1"},
			"X-Custom":       {"kept"},
		},
		Body: []byte(`{"contents":[]}`),
	}, "pooled-key", time.Second)
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()

	if resp.StatusCode != http.StatusOK || string(body) != `{"ok":true}` {
		t.Errorf("response = %d %q", resp.StatusCode, body)
	}
	if got.URL.Path != "/v1beta/models/gemini-pro:generateContent" {
		t.Errorf("path = %q", got.URL.Path)
	}
	if q := got.URL.Query(); q.Get("alt") != "sse" || q.Has("key") {
		t.Errorf("query = %q, want alt kept and key stripped", got.URL.RawQuery)
	}
	if k := got.Header.Get("X-Goog-Api-Key"); k != "pooled-key" {
		t.Errorf("key header = %q, want pooled-key", k)
	}
	for _, h := range []string{"Authorization", "X-Hop"} {
		if v := got.Header.Get(h); v != "" {
			t.Errorf("header %s = %q, want dropped", h, v)
		}
	}
	if got.Header.Get("X-Custom") != "kept" {
		t.Errorf("X-Custom dropped")
	}
	if gotBody != `{"contents":[]}` {
		t.Errorf("body = %q", gotBody)
	}
}

func TestClientDo_ErrorExcerpt(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = io.WriteString(w, strings.Repeat("x", maxExcerpt+100))
	}))
	defer srv.Close()

	c, _ := NewClient(srv.URL, "x-custom-key")
	resp, err := c.Do(context.Background(), &Request{Method: http.MethodGet, Path: "/v1beta/models"}, "k", time.Second)
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	if resp.Body != nil {
		t.Error("Body set for a non-2xx response")
	}
	if len(resp.Excerpt) != maxExcerpt {
		t.Errorf("len(Excerpt) = %d, want %d", len(resp.Excerpt), maxExcerpt)
	}
}

func TestClientDo_HeaderTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	c, _ := NewClient(srv.URL, "")
	_, err := c.Do(context.Background(), &Request{Method: http.MethodGet, Path: "/v1beta/models"}, "k", 50*time.Millisecond)
	if !errors.Is(err, ErrAttemptTimeout) {
		t.Fatalf("Do() error = %v, want ErrAttemptTimeout", err)
	}
}

func TestClientDo_TimeoutDoesNotCutStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.(http.Flusher).Flush()
		time.Sleep(100 * time.Millisecond)
		_, _ = io.WriteString(w, "data: done\n\n")
	}))
	defer srv.Close()

	c, _ := NewClient(srv.URL, "")
	resp, err := c.Do(context.Background(), &Request{Method: http.MethodGet, Path: "/v1beta/stream"}, "k", 30*time.Millisecond)
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("ReadAll() error = %v", err)
	}
	if string(body) != "data: done\n\n" {
		t.Errorf("body = %q", body)
	}
}

func TestClientProbe(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1beta/models" || r.URL.Query().Get("pageSize") != "1" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if r.Header.Get("X-Goog-Api-Key") != "good" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		_, _ = io.WriteString(w, `{"models":[]}`)
	}))
	defer srv.Close()

	c, _ := NewClient(srv.URL, "")
	if err := c.Probe(context.Background(), "good"); err != nil {
		t.Errorf("Probe(good) error = %v", err)
	}
	if err := c.Probe(context.Background(), "bad"); err == nil {
		t.Error("Probe(bad) error = nil, want rejection")
	}
}

func TestStripQueryParam(t *testing.T) {
	tests := []struct {
		raw  string
		want string
	}{
		{"", ""},
		{"alt=sse", "alt=sse"},
		{"key=abc", ""},
		{"alt=sse&key=abc&pageSize=5", "alt=sse&pageSize=5"},
		{"k%65y=abc&alt=sse", "alt=sse"},
		{"alt=sse;x=1&key=abc", "alt=sse;x=1"},
		{"q=%zz&key=abc", "q=%zz"},
		{"key&&alt=sse", "alt=sse"},
		{"keys=1&key=2", "keys=1"},
	}
	for _, tt := range tests {
		if got := stripQueryParam(tt.raw, "key"); got != tt.want {
			t.Errorf("stripQueryParam(%q) = %q, want %q", tt.raw, got, tt.want)
		}
	}
}

func TestClientDo_KeepsUnparseableQuery(t *testing.T) {
	var gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
	}))
	defer srv.Close()

	c, _ := NewClient(srv.URL, "")
	resp, err := c.Do(context.Background(), &Request{
		Method:   http.MethodGet,
		Path:     "/v1beta/models",
		RawQuery: "filter=a;b&key=client-key&pageSize=2",
	}, "k", time.Second)
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	resp.Body.Close()
	if gotQuery != "filter=a;b&pageSize=2" {
		t.Errorf("query = %q, want filter=a;b&pageSize=2", gotQuery)
	}
}

func TestNewClient_Validation(t *testing.T) {
	for _, u := range []string{"", "not a url", "/relative", "://bad"} {
		if _, err := NewClient(u, ""); err == nil {
			t.Errorf("NewClient(%q) error = nil", u)
		}
	}
}
