// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package ipc

import (
	"encoding/json"
	"fmt"
	"time"
)

// MessageType discriminates the IPC envelope.
type MessageType string

// Message types exchanged between the worker and its parent.
const (
	// TypeReady is sent by the worker once it holds a live connection and channel.
	TypeReady MessageType = "ready"
	// TypeUpdate is sent by the parent to reconcile the active tenant set.
	TypeUpdate MessageType = "update"
	// TypeConsume is sent by the worker for every delivered broker message.
	TypeConsume MessageType = "consume"
	// TypeAck is sent by the parent to acknowledge a previously forwarded message.
	TypeAck MessageType = "ack"
)

// Update carries the tenants to subscribe and unsubscribe.
type Update struct {
	Add    []string `json:"add"`
	Remove []string `json:"remove"`
}

// Ack references a delivery previously forwarded in a Consume message.
type Ack struct {
	ID string `json:"id"`
}

// Delivery is a broker message forwarded opaquely to the parent.
type Delivery struct {
	ID          string         `json:"id"`
	Tenant      string         `json:"tenant"`
	Queue       string         `json:"queue"`
	Body        []byte         `json:"body"`
	ContentType string         `json:"content_type,omitempty"`
	Headers     map[string]any `json:"headers,omitempty"`
	Exchange    string         `json:"exchange,omitempty"`
	RoutingKey  string         `json:"routing_key,omitempty"`
	MessageID   string         `json:"message_id,omitempty"`
	Redelivered bool           `json:"redelivered"`
	Timestamp   time.Time      `json:"timestamp,omitzero"`
}

// Message is the envelope exchanged over the IPC channel.
// Exactly one payload field is set, matching Type.
type Message struct {
	Type    MessageType
	Update  *Update
	Ack     *Ack
	Consume *Delivery
}

// ReadyMessage builds a Ready envelope.
func ReadyMessage() Message {
	return Message{Type: TypeReady}
}

// UpdateMessage builds an Update envelope.
func UpdateMessage(add, remove []string) Message {
	return Message{Type: TypeUpdate, Update: &Update{Add: add, Remove: remove}}
}

// AckMessage builds an Ack envelope for the delivery with the given id.
func AckMessage(id string) Message {
	return Message{Type: TypeAck, Ack: &Ack{ID: id}}
}

// ConsumeMessage builds a Consume envelope.
func ConsumeMessage(d Delivery) Message {
	return Message{Type: TypeConsume, Consume: &d}
}

type wireMessage struct {
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// MarshalJSON encodes the envelope as {"type": ..., "payload": ...}.
func (m Message) MarshalJSON() ([]byte, error) {
	var payload any
	switch m.Type {
	case TypeReady:
	case TypeUpdate:
		if m.Update == nil {
			return nil, fmt.Errorf("%w: update without payload", ErrInvalidMessage)
		}
		payload = m.Update
	case TypeAck:
		if m.Ack == nil {
			return nil, fmt.Errorf("%w: ack without payload", ErrInvalidMessage)
		}
		payload = m.Ack
	case TypeConsume:
		if m.Consume == nil {
			return nil, fmt.Errorf("%w: consume without payload", ErrInvalidMessage)
		}
		payload = m.Consume
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, m.Type)
	}

	w := wireMessage{Type: m.Type}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		w.Payload = raw
	}
	return json.Marshal(w)
}

// UnmarshalJSON decodes the envelope, rejecting unknown types.
func (m *Message) UnmarshalJSON(data []byte) error {
	var w wireMessage
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}

	out := Message{Type: w.Type}
	switch w.Type {
	case TypeReady:
	case TypeUpdate:
		out.Update = &Update{}
		if err := decodePayload(w.Payload, out.Update); err != nil {
			return err
		}
	case TypeAck:
		out.Ack = &Ack{}
		if err := decodePayload(w.Payload, out.Ack); err != nil {
			return err
		}
		if out.Ack.ID == "" {
			return fmt.Errorf("%w: ack without id", ErrInvalidMessage)
		}
	case TypeConsume:
		out.Consume = &Delivery{}
		if err := decodePayload(w.Payload, out.Consume); err != nil {
			return err
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownType, w.Type)
	}

	*m = out
	return nil
}

func decodePayload(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return fmt.Errorf("%w: missing payload", ErrInvalidMessage)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	return nil
}
