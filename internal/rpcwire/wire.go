// Package rpcwire serializes and deserializes JSON-RPC 2.0 frames shared by
// the HTTP and WebSocket transports: requests, responses, errors, and
// eth_subscription notifications.
package rpcwire

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/mrz1836/ethrpc/pkg/rpcerrors"
)

const jsonrpcVersion = "2.0"

// Request is an outbound JSON-RPC 2.0 call.
type Request struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
	ID      uint64 `json:"id"`
}

// NewRequest builds a well-formed Request. params is normalized to an empty
// slice (never null) so the wire form is always an ordered sequence.
func NewRequest(id uint64, method string, params ...any) Request {
	if params == nil {
		params = []any{}
	}
	return Request{JSONRPC: jsonrpcVersion, Method: method, Params: params, ID: id}
}

// Encode marshals a Request to its wire form.
func Encode(req Request) ([]byte, error) {
	return json.Marshal(req)
}

// WireError mirrors the JSON-RPC error object: {code, message, data?}.
type WireError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Response is an inbound JSON-RPC 2.0 response, keyed by id. Result is kept
// as raw JSON so callers can decode quantities without losing precision
// through an intermediate float64.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      rawID           `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *WireError      `json:"error,omitempty"`
}

// Notification is an inbound eth_subscription push: method is always
// "eth_subscription"; Params carries {subscription, result}.
type Notification struct {
	JSONRPC string               `json:"jsonrpc"`
	Method  string               `json:"method"`
	Params  NotificationParams   `json:"params"`
}

// NotificationParams is the params member of an eth_subscription frame.
type NotificationParams struct {
	Subscription string          `json:"subscription"`
	Result       json.RawMessage `json:"result"`
}

// rawID accepts both numeric and string ids on the wire and normalizes to a
// uint64 when the value is representable as one.
type rawID struct {
	value  uint64
	str    string
	isStr  bool
	isNull bool
}

// UnmarshalJSON implements the wire spec's requirement to accept both
// integer and string forms of id.
func (r *rawID) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "null" {
		r.isNull = true
		return nil
	}

	if len(trimmed) > 0 && trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		r.str = s
		r.isStr = true
		if n, err := strconv.ParseUint(s, 10, 64); err == nil {
			r.value = n
		}
		return nil
	}

	var n uint64
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	r.value = n
	return nil
}

// MarshalJSON round-trips the id in whichever form it was parsed.
func (r rawID) MarshalJSON() ([]byte, error) {
	if r.isNull {
		return []byte("null"), nil
	}
	if r.isStr {
		return json.Marshal(r.str)
	}
	return json.Marshal(r.value)
}

// ID returns the normalized uint64 request id.
func (r rawID) ID() uint64 {
	return r.value
}

// IsNull reports whether the id was the JSON null literal.
func (r rawID) IsNull() bool {
	return r.isNull
}

// Decode parses a single JSON-RPC response frame, returning a Protocol
// failure for malformed or structurally invalid frames per §4.A: invalid
// JSON, missing jsonrpc, both result and error present, or an error member
// without code/message.
func Decode(body []byte) (*Response, error) {
	var raw struct {
		JSONRPC string          `json:"jsonrpc"`
		ID      rawID           `json:"id"`
		Result  json.RawMessage `json:"result"`
		Error   json.RawMessage `json:"error"`
	}

	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, rpcerrors.Protocol("invalid JSON", string(body))
	}

	if raw.JSONRPC == "" {
		return nil, rpcerrors.Protocol("missing jsonrpc member", string(body))
	}

	hasResult := len(raw.Result) > 0 && string(raw.Result) != "null"
	hasError := len(raw.Error) > 0 && string(raw.Error) != "null"

	if hasResult && hasError {
		return nil, rpcerrors.Protocol("both result and error present", string(body))
	}

	resp := &Response{JSONRPC: raw.JSONRPC, ID: raw.ID, Result: raw.Result}

	if hasError {
		var werr WireError
		if err := json.Unmarshal(raw.Error, &werr); err != nil {
			return nil, rpcerrors.Protocol("malformed error object", string(body))
		}
		var members map[string]json.RawMessage
		_ = json.Unmarshal(raw.Error, &members)
		if _, hasCode := members["code"]; !hasCode || werr.Message == "" {
			return nil, rpcerrors.Protocol("error present without code/message", string(body))
		}
		resp.Error = &werr
	}

	return resp, nil
}

// DecodeFrame discriminates an inbound WebSocket frame between a Response
// (has an id the sender is waiting on) and a Notification (method ==
// "eth_subscription"). Returns exactly one of the two, non-nil.
func DecodeFrame(body []byte) (*Response, *Notification, error) {
	var probe struct {
		Method string `json:"method"`
	}
	if err := json.Unmarshal(body, &probe); err != nil {
		return nil, nil, rpcerrors.Protocol("invalid JSON", string(body))
	}

	if probe.Method == "eth_subscription" {
		var notif Notification
		if err := json.Unmarshal(body, &notif); err != nil {
			return nil, nil, rpcerrors.Protocol("malformed subscription notification", string(body))
		}
		return nil, &notif, nil
	}

	resp, err := Decode(body)
	if err != nil {
		return nil, nil, err
	}
	return resp, nil, nil
}

// IsRevertData reports whether data looks like ABI-encoded revert bytes:
// 0x-prefixed and longer than 10 characters, prefix included (more than a
// bare 4-byte selector).
func IsRevertData(data string) bool {
	return strings.HasPrefix(data, "0x") && len(data) > 10
}
