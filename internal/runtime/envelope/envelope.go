// Package envelope is the wire codec for replication events: a JSON object
// {"pattern": "<entity>.<action>", "data": <payload>} published with content
// type application/json. The pattern doubles as the topic routing key.
package envelope

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/bytedance/sonic"

	errspkg "github.com/drblury/replicaflow/internal/runtime/errors"
)

// ContentType tags every encoded envelope on the transport.
const ContentType = "application/json"

var codec = sonic.ConfigStd

// Envelope is a decoded event. Data stays raw so handlers bind it to their
// own types.
type Envelope struct {
	Pattern string          `json:"pattern"`
	Data    json.RawMessage `json:"data"`
}

type wireEnvelope struct {
	Pattern *string         `json:"pattern"`
	Data    json.RawMessage `json:"data"`
}

type outgoing struct {
	Pattern string `json:"pattern"`
	Data    any    `json:"data"`
}

// Encode serialises pattern and payload into an envelope body.
func Encode(pattern string, payload any) ([]byte, error) {
	if err := ValidatePattern(pattern); err != nil {
		return nil, err
	}
	body, err := codec.Marshal(outgoing{Pattern: pattern, Data: payload})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s payload: %w", pattern, err)
	}
	return body, nil
}

// Decode is the inverse of Encode. Payload objects come back as
// map[string]any, numbers as float64.
func Decode(body []byte) (string, any, error) {
	env, err := DecodeEnvelope(body)
	if err != nil {
		return "", nil, err
	}
	var payload any
	if err := env.Bind(&payload); err != nil {
		return "", nil, err
	}
	return env.Pattern, payload, nil
}

// DecodeEnvelope parses body, failing with ErrMalformedEnvelope when it is
// not a JSON object or lacks a valid pattern.
func DecodeEnvelope(body []byte) (Envelope, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return Envelope{}, malformed("empty body", nil)
	}

	var wire wireEnvelope
	if err := codec.Unmarshal(body, &wire); err != nil {
		return Envelope{}, malformed("invalid JSON", err)
	}
	if wire.Pattern == nil {
		return Envelope{}, malformed("missing pattern field", nil)
	}
	if err := ValidatePattern(*wire.Pattern); err != nil {
		return Envelope{}, malformed("invalid pattern", err)
	}

	return Envelope{Pattern: *wire.Pattern, Data: wire.Data}, nil
}

// Bind unmarshals the envelope payload into v. A missing or null payload
// leaves v untouched.
func (e Envelope) Bind(v any) error {
	if isNull(e.Data) {
		return nil
	}
	if err := codec.Unmarshal(e.Data, v); err != nil {
		return malformed(fmt.Sprintf("payload of %s does not match %T", e.Pattern, v), err)
	}
	return nil
}

// EntityKey returns the replicated entity id, looked up at data.data.id (the
// {data, user} command shape), data.data when it is a bare id string (the
// delete shape) and then data.id. Empty when none exists.
func (e Envelope) EntityKey() string {
	if isNull(e.Data) {
		return ""
	}
	for _, path := range [][]any{{"data", "id"}, {"data"}, {"id"}} {
		node, err := sonic.Get(e.Data, path...)
		if err != nil {
			continue
		}
		if id, err := node.String(); err == nil && id != "" {
			return id
		}
	}
	return ""
}

// Write encodes the envelope as a single JSON document onto w.
func Write(w io.Writer, pattern string, payload any) error {
	if err := ValidatePattern(pattern); err != nil {
		return err
	}
	return codec.NewEncoder(w).Encode(outgoing{Pattern: pattern, Data: payload})
}

// ValidatePattern accepts dot-delimited event names such as
// "company.created". Wildcards belong to bindings, never to events.
func ValidatePattern(pattern string) error {
	if pattern == "" {
		return errspkg.ErrPatternRequired
	}
	for _, segment := range strings.Split(pattern, ".") {
		if segment == "" {
			return fmt.Errorf("%w: %q has an empty segment", errspkg.ErrInvalidPattern, pattern)
		}
		if strings.ContainsAny(segment, "*# \t\r\n") {
			return fmt.Errorf("%w: %q contains wildcard or whitespace", errspkg.ErrInvalidPattern, pattern)
		}
	}
	return nil
}

// Split separates the entity prefix from the trailing action, so
// "company.created" yields ("company", "created").
func Split(pattern string) (entity, action string) {
	idx := strings.LastIndexByte(pattern, '.')
	if idx < 0 {
		return pattern, ""
	}
	return pattern[:idx], pattern[idx+1:]
}

func malformed(reason string, cause error) error {
	if cause == nil {
		return fmt.Errorf("%w: %s", errspkg.ErrMalformedEnvelope, reason)
	}
	return fmt.Errorf("%w: %s: %w", errspkg.ErrMalformedEnvelope, reason, cause)
}

func isNull(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}
