// Package upstream forwards requests to the generative-AI API with a pooled
// credential attached.
package upstream

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"
)

// ErrAttemptTimeout is returned when response headers do not arrive in time.
var ErrAttemptTimeout = errors.New("upstream attempt timed out")

// DefaultKeyHeader carries the credential on every upstream call.
const DefaultKeyHeader = "x-goog-api-key"

// maxExcerpt bounds how much of a failed response body is kept.
const maxExcerpt = 1 << 20

var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// Request is a client request to replay upstream. Body is buffered so that
// every attempt sends the same bytes.
type Request struct {
	Method   string
	Path     string
	RawQuery string
	Header   http.Header
	Body     []byte
}

// Response is the upstream answer to one attempt. Body is set for 2xx
// answers and must be closed; other answers carry a bounded Excerpt instead.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
	Excerpt    []byte
}

// Client implements the forwarder over HTTP.
type Client struct {
	base       *url.URL
	keyHeader  string
	httpClient *http.Client
}

// NewClient creates a new upstream client.
func NewClient(baseURL, keyHeader string) (*Client, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse upstream url: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("upstream url %q must be absolute", baseURL)
	}
	if keyHeader == "" {
		keyHeader = DefaultKeyHeader
	}
	return &Client{
		base:      base,
		keyHeader: http.CanonicalHeaderKey(keyHeader),
		// No client timeout: streams may outlive the attempt timeout, which
		// only covers the wait for response headers.
		httpClient: &http.Client{
			Transport: &http.Transport{
				Proxy:               http.ProxyFromEnvironment,
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}, nil
}

// Do sends req with key attached. timeout bounds the wait for response headers.
func (c *Client) Do(ctx context.Context, req *Request, key string, timeout time.Duration) (*Response, error) {
	attemptCtx, cancel := context.WithCancel(ctx)

	httpReq, err := http.NewRequestWithContext(attemptCtx, req.Method, c.target(req), bytes.NewReader(req.Body))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header = c.outboundHeader(req.Header)
	httpReq.Header.Set(c.keyHeader, key)

	var timedOut atomic.Bool
	timer := time.AfterFunc(timeout, func() {
		timedOut.Store(true)
		cancel()
	})

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		timer.Stop()
		cancel()
		if timedOut.Load() {
			return nil, fmt.Errorf("%w after %s", ErrAttemptTimeout, timeout)
		}
		return nil, fmt.Errorf("upstream call: %w", err)
	}
	if !timer.Stop() && timedOut.Load() {
		resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("%w after %s", ErrAttemptTimeout, timeout)
	}

	out := &Response{StatusCode: resp.StatusCode, Header: resp.Header}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		out.Body = &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}
		return out, nil
	}

	out.Excerpt, err = io.ReadAll(io.LimitReader(resp.Body, maxExcerpt))
	resp.Body.Close()
	cancel()
	if err != nil && len(out.Excerpt) == 0 {
		return nil, fmt.Errorf("read response: %w", err)
	}
	return out, nil
}

// Probe makes the cheapest authenticated call to check that key is accepted.
func (c *Client) Probe(ctx context.Context, key string) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	resp, err := c.Do(ctx, &Request{
		Method:   http.MethodGet,
		Path:     "/v1beta/models",
		RawQuery: "pageSize=1",
	}, key, 10*time.Second)
	if err != nil {
		return err
	}
	if resp.Body != nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		return nil
	}
	return fmt.Errorf("probe: upstream status %d", resp.StatusCode)
}

func (c *Client) target(req *Request) string {
	u := *c.base
	u.Path = strings.TrimSuffix(c.base.Path, "/") + "/" + strings.TrimPrefix(req.Path, "/")
	u.RawPath = ""

	// Credentials never travel in the query string.
	u.RawQuery = stripQueryParam(req.RawQuery, "key")
	return u.String()
}

// stripQueryParam removes every name parameter from a raw query and keeps the
// rest byte for byte, including pairs url.ParseQuery would reject.
func stripQueryParam(raw, name string) string {
	if raw == "" {
		return ""
	}
	pairs := strings.Split(raw, "&")
	kept := pairs[:0]
	for _, pair := range pairs {
		k, _, _ := strings.Cut(pair, "=")
		if unescaped, err := url.QueryUnescape(k); err == nil {
			k = unescaped
		}
		if pair == "" || k == name {
			continue
		}
		kept = append(kept, pair)
	}
	return strings.Join(kept, "&")
}

func (c *Client) outboundHeader(in http.Header) http.Header {
	out := in.Clone()
	if out == nil {
		out = make(http.Header)
	}
	for _, h := range hopHeaders {
		out.Del(h)
	}
	// Connection may list further per-hop headers.
	for _, v := range in.Values("Connection") {
		for _, h := range strings.Split(v, ",") {
			out.Del(strings.TrimSpace(h))
		}
	}
	out.Del("Authorization")
	out.Del("Accept-Encoding")
	out.Del("Content-Length")
	out.Del("Cookie")
	out.Del("X-Forwarded-For")
	out.Del(c.keyHeader)
	return out
}

type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (r *cancelOnClose) Close() error {
	err := r.ReadCloser.Close()
	r.cancel()
	return err
}
