// Package rpctransport provides the HTTP and WebSocket bindings for JSON-RPC
// 2.0 calls against Ethereum-style nodes.
package rpctransport

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/mrz1836/ethrpc/internal/ethconfig"
	"github.com/mrz1836/ethrpc/internal/rpcwire"
	"github.com/mrz1836/ethrpc/pkg/rpcerrors"
)

const maxResponseBody = 10 << 20 // 10 MB

// RevertDecoder is an external collaborator that turns raw revert bytes
// into a human-readable reason. Real ABI decoding lives outside this
// module; HTTPTransport degrades gracefully when none is supplied.
type RevertDecoder interface {
	DecodeRevert(data []byte) (reason string, ok bool)
}

// HTTPTransport performs one-shot request/response calls over HTTP(S),
// exactly one network attempt per Send — retry is the caller's concern.
type HTTPTransport struct {
	url           string
	httpClient    *http.Client
	headers       map[string]string
	idCounter     atomic.Uint64
	rateLimiter   *RateLimiter
	revertDecoder RevertDecoder
}

// HTTPOption configures an HTTPTransport at construction time.
type HTTPOption func(*HTTPTransport)

// WithRevertDecoder installs a collaborator used to reclassify Rpc errors
// whose data looks like revert bytes into Revert failures with a decoded
// reason.
func WithRevertDecoder(d RevertDecoder) HTTPOption {
	return func(t *HTTPTransport) { t.revertDecoder = d }
}

// WithRateLimiter installs a rate limiter ahead of every Send call. Pass nil
// to disable rate limiting entirely.
func WithRateLimiter(rl *RateLimiter) HTTPOption {
	return func(t *HTTPTransport) { t.rateLimiter = rl }
}

// NewDefaultTransport builds the pooling *http.Transport every HTTPTransport
// uses by default: bounded idle connections, TLS 1.2 minimum.
func NewDefaultTransport() *http.Transport {
	return &http.Transport{
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		MaxConnsPerHost:       20,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		TLSClientConfig:       &tls.Config{MinVersion: tls.VersionTLS12},
	}
}

// NewHTTPTransport validates cfg eagerly (scheme, positive timeouts) and
// builds an HTTPTransport. Static headers from cfg are attached to every
// request.
func NewHTTPTransport(cfg ethconfig.TransportConfig, opts ...HTTPOption) (*HTTPTransport, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parsing transport url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("http transport requires http/https scheme, got %q", u.Scheme)
	}
	if cfg.ConnectTimeoutMS <= 0 {
		return nil, fmt.Errorf("connect timeout must be positive")
	}
	if cfg.ReadTimeoutMS <= 0 {
		return nil, fmt.Errorf("read timeout must be positive")
	}

	transport := NewDefaultTransport()
	transport.TLSHandshakeTimeout = time.Duration(cfg.ConnectTimeoutMS) * time.Millisecond

	t := &HTTPTransport{
		url: cfg.URL,
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   time.Duration(cfg.ReadTimeoutMS) * time.Millisecond,
		},
		headers:     cfg.Headers,
		rateLimiter: DefaultRateLimiter(),
	}

	for _, opt := range opts {
		opt(t)
	}

	return t, nil
}

// Send performs exactly one network attempt: marshal, POST, classify.
// method must be nonempty; params is an ordered (possibly empty) sequence.
func (t *HTTPTransport) Send(ctx context.Context, method string, params ...any) (*rpcwire.Response, error) {
	if method == "" {
		return nil, fmt.Errorf("method must not be empty")
	}

	if t.rateLimiter != nil {
		if err := t.rateLimiter.Wait(ctx, t.url); err != nil {
			return nil, rpcerrors.Cancelled(err)
		}
	}

	req := rpcwire.NewRequest(t.idCounter.Add(1), method, params...)
	body, err := rpcwire.Encode(req)
	if err != nil {
		return nil, fmt.Errorf("encoding request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building http request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	for k, v := range t.headers {
		httpReq.Header.Set(k, v)
	}

	httpResp, err := t.httpClient.Do(httpReq) //nolint:gosec // G704: URL comes from validated config, not user input
	if err != nil {
		return nil, rpcerrors.Transport(err)
	}
	defer func() { _ = httpResp.Body.Close() }()

	respBody, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseBody))
	if err != nil {
		return nil, rpcerrors.Transport(err)
	}

	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		return nil, t.classifyHTTPError(httpResp, respBody)
	}

	resp, err := rpcwire.Decode(respBody)
	if err != nil {
		return nil, err
	}

	if resp.Error != nil {
		return resp, t.classifyRPCError(resp.Error)
	}

	return resp, nil
}

// classifyHTTPError maps non-2xx HTTP status to the taxonomy: 408/504 is
// Timeout, every other status (429 and 5xx included) is
// Rpc(-32001, "HTTP error <status>: <body>"). Whether that Rpc error is
// retried is left to the retry layer's message table: a 429 matches its
// "429" entry, other statuses match only when the body text does.
func (t *HTTPTransport) classifyHTTPError(resp *http.Response, body []byte) error {
	summary := strings.TrimSpace(string(body))
	if len(summary) > 512 {
		summary = summary[:512] + "..."
	}

	switch {
	case resp.StatusCode == http.StatusRequestTimeout || resp.StatusCode == http.StatusGatewayTimeout:
		return rpcerrors.Timeout(fmt.Sprintf("HTTP %d: %s", resp.StatusCode, summary))
	default:
		return rpcerrors.RPC(-32001, fmt.Sprintf("HTTP error %d: %s", resp.StatusCode, summary), summary)
	}
}

// classifyRPCError surfaces a JSON-RPC-level error as Rpc, reclassifying it
// to Revert when its data looks like ABI-encoded revert bytes.
func (t *HTTPTransport) classifyRPCError(werr *rpcwire.WireError) error {
	dataStr := strings.Trim(string(werr.Data), `"`)
	if rpcwire.IsRevertData(dataStr) {
		reason := dataStr
		if t.revertDecoder != nil {
			if decoded, ok := t.revertDecoder.DecodeRevert([]byte(dataStr)); ok {
				reason = decoded
			}
		}
		return rpcerrors.Revert(werr.Code, reason, dataStr)
	}
	return rpcerrors.RPC(werr.Code, werr.Message, werr.Data)
}

// Close releases idle connections held by the underlying transport.
func (t *HTTPTransport) Close() {
	if rt, ok := t.httpClient.Transport.(*http.Transport); ok {
		rt.CloseIdleConnections()
	}
}
