package protocol

import (
	"bytes"
	"fmt"

	"github.com/joeydtaylor/steeze-tunnel/pkg/codec"
)

// EncodeFrame renders one envelope as a single newline-terminated line.
// encoding/json never emits raw newlines inside a record, so a reader can
// frame by line without a length prefix; the check stays as a tripwire for
// payloads smuggled in via RawMessage.
func EncodeFrame(v any) ([]byte, error) {
	raw, err := codec.JSONWire.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	if bytes.ContainsRune(raw, '\n') {
		return nil, fmt.Errorf("encode frame: record contains newline")
	}
	return append(raw, '\n'), nil
}

// DecodeRequest parses one line into a Request. Worker-side tooling uses it;
// the gateway itself only writes requests.
func DecodeRequest(line []byte) (Request, error) {
	var req Request
	if err := codec.JSONWire.Unmarshal(bytes.TrimSpace(line), &req); err != nil {
		return Request{}, err
	}
	if err := req.validate(); err != nil {
		return Request{}, err
	}
	return req, nil
}

// DecodeResponse parses one line into a Response. A response without an id
// cannot be correlated and is rejected as malformed.
func DecodeResponse(line []byte) (Response, error) {
	var resp Response
	if err := codec.JSONWire.Unmarshal(bytes.TrimSpace(line), &resp); err != nil {
		return Response{}, err
	}
	if resp.ID == 0 {
		return Response{}, fmt.Errorf("response missing id")
	}
	if !resp.OK && resp.Error == nil {
		return Response{}, fmt.Errorf("response %d not ok but has no error", resp.ID)
	}
	return resp, nil
}
