// Package events feeds externally published events into the delivery service
package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/foxzi/notifysafe/internal/channel"
	"github.com/foxzi/notifysafe/internal/delivery"
)

// ErrBadEnvelope is returned for payloads that can never be delivered
var ErrBadEnvelope = errors.New("bad event envelope")

// Envelope is the wire format published by upstream systems
type Envelope struct {
	EventType string            `json:"event_type"`
	User      string            `json:"user"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Actor     string            `json:"actor,omitempty"`
	Channels  []string          `json:"channels,omitempty"`
}

// Decode parses and validates an envelope
func Decode(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadEnvelope, err)
	}
	env.EventType = strings.TrimSpace(env.EventType)
	env.User = strings.TrimSpace(env.User)

	if env.EventType == "" {
		return nil, fmt.Errorf("%w: event_type is required", ErrBadEnvelope)
	}
	if env.User == "" {
		return nil, fmt.Errorf("%w: user is required", ErrBadEnvelope)
	}
	if _, err := channel.ParseList(env.Channels); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadEnvelope, err)
	}
	return &env, nil
}

// TriggerContext converts the envelope into a delivery trigger context.
// Consumed events are never privileged.
func (e *Envelope) TriggerContext() delivery.TriggerContext {
	channels, _ := channel.ParseList(e.Channels)
	actor := e.Actor
	if actor == "" {
		actor = "system"
	}
	return delivery.TriggerContext{
		User:     e.User,
		Metadata: e.Metadata,
		Actor:    actor,
		Channels: channels,
	}
}
