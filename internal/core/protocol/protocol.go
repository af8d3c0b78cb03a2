// Package protocol defines the aiomemq wire format: decoding of inbound
// command lines, schema validation, and the reply and message objects the
// broker writes back to clients.
package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Command names accepted by the broker.
const (
	CommandSubscribe   = "subscribe"
	CommandUnsubscribe = "unsubscribe"
	CommandSend        = "send"
)

// Delivery selects who receives a published message.
type Delivery string

const (
	// DeliveryAll broadcasts to every current subscriber.
	DeliveryAll Delivery = "all"
	// DeliveryOne delivers to a single randomly chosen subscriber.
	DeliveryOne Delivery = "one"
)

// Command is a validated client command.
type Command interface {
	Name() string
}

// Subscribe registers the session on a topic and optionally replays the cache.
type Subscribe struct {
	Topic    string
	LastSeen *int64
	Cache    *bool
}

func (Subscribe) Name() string { return CommandSubscribe }

// Cursor returns the last index the client has seen, or -1 when the client
// did not say, meaning everything cached is unseen.
func (s Subscribe) Cursor() int64 {
	if s.LastSeen == nil {
		return -1
	}
	return *s.LastSeen
}

// WantsReplay reports whether cached messages should be replayed after the
// subscription is acknowledged.
func (s Subscribe) WantsReplay() bool {
	return s.Cache == nil || *s.Cache
}

func (s Subscribe) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Command  string `json:"command"`
		Topic    string `json:"topic"`
		LastSeen *int64 `json:"last_seen,omitempty"`
		Cache    *bool  `json:"cache,omitempty"`
	}{CommandSubscribe, s.Topic, s.LastSeen, s.Cache})
}

// Unsubscribe removes the session from a topic.
type Unsubscribe struct {
	Topic string
}

func (Unsubscribe) Name() string { return CommandUnsubscribe }

func (u Unsubscribe) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Command string `json:"command"`
		Topic   string `json:"topic"`
	}{CommandUnsubscribe, u.Topic})
}

// Send publishes Msg to Topic.
type Send struct {
	Topic    string
	Msg      string
	Delivery Delivery
	Cache    *bool
}

func (Send) Name() string { return CommandSend }

// Cacheable reports whether the published message may enter the replay
// cache. Single-recipient messages are never cached, whatever the client asked.
func (s Send) Cacheable() bool {
	if s.Delivery == DeliveryOne {
		return false
	}
	return s.Cache == nil || *s.Cache
}

func (s Send) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Command  string   `json:"command"`
		Topic    string   `json:"topic"`
		Msg      string   `json:"msg"`
		Delivery Delivery `json:"delivery"`
		Cache    *bool    `json:"cache,omitempty"`
	}{CommandSend, s.Topic, s.Msg, s.Delivery, s.Cache})
}

// Message is a published message as delivered to subscribers: the send
// command exactly as submitted plus the per-topic index assigned by the broker.
type Message struct {
	Command  string   `json:"command"`
	Topic    string   `json:"topic"`
	Msg      string   `json:"msg"`
	Delivery Delivery `json:"delivery"`
	Cache    *bool    `json:"cache,omitempty"`
	Index    int64    `json:"index"`
}

// NewMessage stamps a send command with its index.
func NewMessage(cmd Send, index int64) Message {
	msg := Message{
		Command:  CommandSend,
		Topic:    cmd.Topic,
		Msg:      cmd.Msg,
		Delivery: cmd.Delivery,
		Index:    index,
	}
	if cmd.Cache != nil {
		c := *cmd.Cache
		msg.Cache = &c
	}
	return msg
}

// Reply acknowledges a command to the session that issued it.
type Reply struct {
	Success bool   `json:"success"`
	Reason  string `json:"reason,omitempty"`
}

// Success is the reply to every applied command.
func Success() Reply { return Reply{Success: true} }

// Failure is the reply to a rejected line.
func Failure(reason string) Reply { return Reply{Success: false, Reason: reason} }

var successFrame = MustEncode(Success())

// SuccessFrame returns the encoded success reply. The slice is shared and
// must not be modified.
func SuccessFrame() []byte { return successFrame }

// FailureFrame returns the encoded failure reply for reason.
func FailureFrame(reason string) []byte { return MustEncode(Failure(reason)) }

// Encode serializes v as a single protocol line terminated by CRLF.
func Encode(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	frame := bytes.TrimSuffix(buf.Bytes(), []byte("\n"))
	return append(frame, '\r', '\n'), nil
}

// MustEncode is Encode for values that always serialize.
func MustEncode(v any) []byte {
	frame, err := Encode(v)
	if err != nil {
		panic(fmt.Sprintf("protocol: encode %T: %v", v, err))
	}
	return frame
}
