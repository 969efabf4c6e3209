package channel

import (
	"context"
	"fmt"
	"strings"
)

// Channel identifies a delivery medium
type Channel string

const (
	Email Channel = "email"
	SMS   Channel = "sms"
	InApp Channel = "inapp"
)

// Known returns the channels the simulator understands out of the box
func Known() []Channel {
	return []Channel{Email, SMS, InApp}
}

// Parse normalizes a channel identifier. Upper-case names and the
// "in_app"/"push" aliases used by older event producers are accepted.
func Parse(s string) (Channel, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "email":
		return Email, nil
	case "sms":
		return SMS, nil
	case "inapp", "in_app", "in-app", "push":
		return InApp, nil
	case "":
		return "", fmt.Errorf("empty channel")
	}
	return "", fmt.Errorf("unknown channel %q", s)
}

// ParseList parses an ordered list of channel identifiers, keeping order
// and dropping duplicates.
func ParseList(items []string) ([]Channel, error) {
	seen := make(map[Channel]bool, len(items))
	out := make([]Channel, 0, len(items))
	for _, item := range items {
		ch, err := Parse(item)
		if err != nil {
			return nil, err
		}
		if seen[ch] {
			continue
		}
		seen[ch] = true
		out = append(out, ch)
	}
	return out, nil
}

// Payload is what gets handed to a channel for a single attempt
type Payload struct {
	UserID    string            `json:"user_id"`
	EventType string            `json:"event_type"`
	Message   string            `json:"message"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Sender performs one delivery attempt on one channel.
// A nil error means the channel accepted the message.
type Sender interface {
	Send(ctx context.Context, ch Channel, payload Payload) error
}
