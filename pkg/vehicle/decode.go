package vehicle

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/4ourtune/dks-client-sub000/pkg/chunk"
)

var errUndecodable = errors.New("vehicle: inbound frame is neither JSON nor base64-wrapped JSON")

// decodeFrame normalizes one transport buffer into JSON bytes. Buffers arrive either as plain
// JSON or base64-wrapped JSON, possibly with trailing garbage after the JSON value (some radio
// stacks pad reads to the MTU).
func decodeFrame(data []byte) ([]byte, error) {
	if raw, ok := firstJSONValue(data); ok {
		return raw, nil
	}
	trimmed := bytes.TrimRight(bytes.TrimSpace(data), "\x00")
	if decoded, err := base64.StdEncoding.DecodeString(string(trimmed)); err == nil {
		if raw, ok := firstJSONValue(decoded); ok {
			return raw, nil
		}
	}
	return nil, errUndecodable
}

// firstJSONValue extracts the leading JSON object from data, ignoring anything after it.
func firstJSONValue(data []byte) ([]byte, bool) {
	decoder := json.NewDecoder(bytes.NewReader(data))
	var raw json.RawMessage
	if err := decoder.Decode(&raw); err != nil {
		return nil, false
	}
	if len(raw) == 0 || raw[0] != '{' {
		return nil, false
	}
	return raw, true
}

// asChunk reports whether a decoded JSON value is a chunk frame rather than a bare packet. Chunk
// frames always carry a checksum and a positive total; packets never do.
func asChunk(raw []byte) (*chunk.Chunk, bool) {
	var frame chunk.Chunk
	if err := json.Unmarshal(raw, &frame); err != nil {
		return nil, false
	}
	if frame.Checksum == "" || frame.Total <= 0 {
		return nil, false
	}
	return &frame, true
}

// collector accumulates inbound frames until a complete packet can be produced. Bare packets pass
// through immediately; chunk frames are held until the set is complete, then reassembled.
type collector struct {
	chunks []chunk.Chunk
}

// add consumes one transport buffer. It returns the complete packet bytes once available, or
// (nil, nil) when more frames are needed. Reassembly failures reset the collector so a command
// retry starts from a clean slate.
func (c *collector) add(data []byte) ([]byte, error) {
	raw, err := decodeFrame(data)
	if err != nil {
		return nil, err
	}
	frame, ok := asChunk(raw)
	if !ok {
		return raw, nil
	}
	c.chunks = append(c.chunks, *frame)
	if len(c.chunks) < frame.Total {
		return nil, nil
	}
	packet, err := chunk.Reassemble(c.chunks)
	c.chunks = nil
	if err != nil {
		return nil, fmt.Errorf("vehicle: response reassembly failed: %w", err)
	}
	return packet, nil
}
