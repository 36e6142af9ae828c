package engine

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/praxisllmlab/tianjibatch/internal/model"
)

// ParseInput reads a JSON array of conversations, each an array of chat
// messages with role and content. It returns each conversation's raw bytes
// unchanged. The array is decoded incrementally so large inputs are not
// buffered twice.
func ParseInput(r io.Reader) ([]json.RawMessage, error) {
	dec := json.NewDecoder(r)

	tok, err := dec.Token()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if d, ok := tok.(json.Delim); !ok || d != '[' {
		return nil, fmt.Errorf("%w: expected a JSON array of conversations", ErrInvalidInput)
	}

	var out []json.RawMessage
	for i := 0; dec.More(); i++ {
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return nil, fmt.Errorf("%w: conversation %d: %v", ErrInvalidInput, i, err)
		}
		if err := ValidateConversation(raw); err != nil {
			return nil, fmt.Errorf("%w: conversation %d: %v", ErrInvalidInput, i, err)
		}
		out = append(out, raw)
	}
	if _, err := dec.Token(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: no conversations", ErrInvalidInput)
	}
	return out, nil
}

// ValidateConversation checks that raw is a non-empty array of messages that
// each carry a role and content.
func ValidateConversation(raw json.RawMessage) error {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '[' {
		return fmt.Errorf("must be an array of messages")
	}

	var msgs []model.Message
	if err := json.Unmarshal(trimmed, &msgs); err != nil {
		return fmt.Errorf("must be an array of messages: %v", err)
	}
	if len(msgs) == 0 {
		return fmt.Errorf("must contain at least one message")
	}
	for j, m := range msgs {
		if m.Role == "" {
			return fmt.Errorf("message %d: missing role", j)
		}
		if len(m.Content) == 0 || string(m.Content) == "null" {
			return fmt.Errorf("message %d: missing content", j)
		}
	}
	return nil
}
