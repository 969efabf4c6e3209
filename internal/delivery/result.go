package delivery

import "github.com/foxzi/notifysafe/internal/channel"

// FallbackEvent records a channel that failed before delivery moved on
type FallbackEvent struct {
	Failed  channel.Channel `json:"failed"`
	Reason  string          `json:"reason"`
	Attempt int             `json:"attempt"`
}

// Result is the outcome of one delivery run
type Result struct {
	Success               bool              `json:"success"`
	Channel               channel.Channel   `json:"channel,omitempty"` // First channel that delivered; empty unless Success
	ChannelsDelivered     []channel.Channel `json:"channels_delivered,omitempty"`
	FallbackEvents        []FallbackEvent   `json:"fallback_events"`
	SavedToInbox          bool              `json:"saved_to_inbox"`
	InboxMessageID        string            `json:"inbox_message_id,omitempty"`
	Attempts              int               `json:"attempts"`
	Policy                string            `json:"policy"`
	Message               string            `json:"message,omitempty"`
	AuditFailures         int               `json:"audit_failures"`
	ObservabilityDegraded bool              `json:"observability_degraded"`
	Error                 string            `json:"error,omitempty"`
}
