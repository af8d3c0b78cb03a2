package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"unicode/utf8"
)

// Decode turns one inbound line into a command. The returned error wraps
// ErrInvalidUTF8, ErrInvalidJSON or ErrMalformed, in that order of checks.
func Decode(line []byte) (Command, error) {
	if !utf8.Valid(line) {
		return nil, ErrInvalidUTF8
	}

	dec := json.NewDecoder(bytes.NewReader(line))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidJSON, err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: trailing data after value", ErrInvalidJSON)
	}

	obj, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: expected an object, got %T", ErrMalformed, v)
	}

	return Parse(obj)
}

// Parse validates obj and converts it into its typed command.
func Parse(obj map[string]any) (Command, error) {
	if err := Validate(obj); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}

	topic := obj["topic"].(string)

	switch obj["command"].(string) {
	case CommandSubscribe:
		cmd := Subscribe{Topic: topic, Cache: optBool(obj, "cache")}
		if v, ok := obj["last_seen"]; ok {
			n, _ := asInteger(v)
			cmd.LastSeen = &n
		}
		return cmd, nil
	case CommandUnsubscribe:
		return Unsubscribe{Topic: topic}, nil
	default:
		return Send{
			Topic:    topic,
			Msg:      obj["msg"].(string),
			Delivery: Delivery(obj["delivery"].(string)),
			Cache:    optBool(obj, "cache"),
		}, nil
	}
}

func optBool(obj map[string]any, key string) *bool {
	b, ok := obj[key].(bool)
	if !ok {
		return nil
	}
	return &b
}
