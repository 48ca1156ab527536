package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
)

// envelope wraps a stored message payload. Payloads above the compression
// threshold are gzipped; Encoding records how to get the bytes back.
type envelope struct {
	Encoding string `json:"encoding,omitempty"` // "" = plain JSON, "gzip"
	Payload  []byte `json:"payload"`
}

const encodingGzip = "gzip"

// encodeMessage serializes msg, compressing the payload when it exceeds
// threshold bytes. threshold <= 0 disables compression.
func encodeMessage(msg *Message, threshold int) ([]byte, error) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("%w: marshal message: %w", ErrSerialization, err)
	}

	env := envelope{Payload: payload}
	if threshold > 0 && len(payload) > threshold {
		var buf bytes.Buffer
		zw := gzip.NewWriter(&buf)
		if _, err := zw.Write(payload); err != nil {
			return nil, fmt.Errorf("%w: compress message: %w", ErrSerialization, err)
		}
		if err := zw.Close(); err != nil {
			return nil, fmt.Errorf("%w: compress message: %w", ErrSerialization, err)
		}
		env.Encoding = encodingGzip
		env.Payload = buf.Bytes()
	}

	out, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("%w: marshal envelope: %w", ErrSerialization, err)
	}
	return out, nil
}

// decodeMessage is the inverse of encodeMessage. A decode failure degrades
// to a message carrying the best available raw bytes as content, with
// Corrupted set, and returns the ErrCorruption diagnostic alongside it so
// the caller can report it. The returned message is nil only when not even
// raw bytes could be recovered.
func decodeMessage(value []byte) (*Message, error) {
	var env envelope
	if err := json.Unmarshal(value, &env); err != nil {
		return rawFallback(value), fmt.Errorf("%w: envelope: %w", ErrCorruption, err)
	}

	payload := env.Payload
	if env.Encoding == encodingGzip {
		zr, err := gzip.NewReader(bytes.NewReader(env.Payload))
		if err != nil {
			return rawFallback(env.Payload), fmt.Errorf("%w: gzip header: %w", ErrCorruption, err)
		}
		decompressed, err := io.ReadAll(zr)
		closeErr := zr.Close()
		if err != nil {
			return rawFallback(env.Payload), fmt.Errorf("%w: decompress: %w", ErrCorruption, err)
		}
		if closeErr != nil {
			return rawFallback(env.Payload), fmt.Errorf("%w: gzip close: %w", ErrCorruption, closeErr)
		}
		payload = decompressed
	}

	var msg Message
	if err := json.Unmarshal(payload, &msg); err != nil {
		return rawFallback(payload), fmt.Errorf("%w: message payload: %w", ErrCorruption, err)
	}
	return &msg, nil
}

// rawFallback builds a degraded message from undecodable bytes.
func rawFallback(raw []byte) *Message {
	return &Message{
		Content:   string(raw),
		Status:    StatusError,
		Corrupted: true,
	}
}

// encodeJSON marshals any store record, mapping failures to ErrSerialization.
func encodeJSON(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSerialization, err)
	}
	return b, nil
}
