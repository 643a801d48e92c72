package protocol

import (
	"encoding/json"

	"github.com/fabricgate/corehub/internal/gatewayerr"
)

// DecodeResult is what Decode returns: exactly one of Request or Err is set.
// Err.Details is never populated here — callers decide what detail policy to
// apply when they turn this into a wire Response.
type DecodeResult struct {
	Request *Request
	Err     *gatewayerr.Error
	// ErrID is the request id to echo in the error response; 0 when no
	// numeric id could be recovered (spec §3.2.7, §4.1).
	ErrID int64
}

// IsPong reports whether the decoded frame is a bare heartbeat pong, which
// the dispatcher must consume silently without generating a response.
func (r *Request) IsPong() bool { return r != nil && r.Type == "pong" }

// Decode parses one inbound WebSocket text frame into a Request, following
// the error precedence in spec §4.1:
//  1. not a JSON object at all -> PARSE_ERROR, id 0
//  2. object but no numeric "id" -> INVALID_REQUEST, id 0
//  3. object, has id, but no "type" -> INVALID_REQUEST, id <the id>
func Decode(raw []byte) DecodeResult {
	var top any
	if err := json.Unmarshal(raw, &top); err != nil {
		return DecodeResult{Err: gatewayerr.Parse("invalid JSON"), ErrID: 0}
	}

	obj, ok := top.(map[string]any)
	if !ok {
		return DecodeResult{Err: gatewayerr.Parse("expected a JSON object"), ErrID: 0}
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return DecodeResult{Err: gatewayerr.Parse("invalid JSON"), ErrID: 0}
	}

	// The heartbeat pong is the one inbound message with no request id
	// (spec §4.1: "{type:"pong", timestamp} is consumed silently by the
	// heartbeat") — it is not a request awaiting a response, so it is
	// exempt from the numeric-id requirement below.
	if typeVal, _ := obj["type"].(string); typeVal == "pong" {
		return DecodeResult{Request: &Request{Type: "pong", Fields: fields}}
	}

	idVal, hasID := obj["id"]
	id, numeric := toInt64(idVal)
	if !hasID || !numeric {
		return DecodeResult{Err: gatewayerr.InvalidReq("request must have a numeric id"), ErrID: 0}
	}

	typeVal, hasType := obj["type"]
	typeStr, _ := typeVal.(string)
	if !hasType || typeStr == "" {
		return DecodeResult{Err: gatewayerr.InvalidReq("request must have a type"), ErrID: id}
	}

	return DecodeResult{Request: &Request{ID: id, Type: typeStr, Fields: fields}}
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case float64:
		return int64(n), true
	case int64:
		return n, true
	default:
		return 0, false
	}
}
