package cli

import (
	"context"
	"fmt"
	"net/url"

	"github.com/mrz1836/ethrpc/internal/ethconfig"
	"github.com/mrz1836/ethrpc/internal/rpctransport"
	"github.com/mrz1836/ethrpc/internal/rpcwire"
)

// sender is the common Send surface every component in this module depends
// on (gasfill.Sender, multicall.Sender, testnode.Sender); both transports
// satisfy it.
type sender interface {
	Send(ctx context.Context, method string, params ...any) (*rpcwire.Response, error)
}

// dialTransport builds either an HTTP or WebSocket transport from cfg.URL,
// chosen by URL scheme, and returns a close func that shuts it down.
func dialTransport(cfg *ethconfig.Config) (sender, func(), error) {
	if cfg.Transport.URL == "" {
		return nil, nil, fmt.Errorf("no node URL configured: pass --url or set transport.url in config")
	}

	u, err := url.Parse(cfg.Transport.URL)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid node URL: %w", err)
	}

	switch u.Scheme {
	case "http", "https":
		t, err := rpctransport.NewHTTPTransport(cfg.Transport)
		if err != nil {
			return nil, nil, err
		}
		return t, t.Close, nil
	case "ws", "wss":
		t, err := rpctransport.NewWSTransport(cfg.Transport)
		if err != nil {
			return nil, nil, err
		}
		return t, func() { _ = t.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unsupported URL scheme %q (expected http, https, ws, or wss)", u.Scheme)
	}
}

// requireWSTransport dials cfg.Transport.URL and fails unless it's a
// WebSocket endpoint, for commands that need subscriptions.
func requireWSTransport(cfg *ethconfig.Config) (*rpctransport.WSTransport, func(), error) {
	if cfg.Transport.URL == "" {
		return nil, nil, fmt.Errorf("no node URL configured: pass --url or set transport.url in config")
	}

	u, err := url.Parse(cfg.Transport.URL)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid node URL: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, nil, fmt.Errorf("subscriptions require a ws:// or wss:// node URL, got %q", cfg.Transport.URL)
	}

	t, err := rpctransport.NewWSTransport(cfg.Transport)
	if err != nil {
		return nil, nil, err
	}
	return t, func() { _ = t.Close() }, nil
}
