package audit

import (
	"time"
	"unicode/utf8"
)

// Type identifies the kind of audit record
type Type string

const (
	TypeEvent             Type = "EVENT"
	TypeDeliveryAttempt   Type = "DELIVERY_ATTEMPT"
	TypeDeliverySuccess   Type = "DELIVERY_SUCCESS"
	TypeDeliveryAllFailed Type = "DELIVERY_ALL_FAILED"
	TypeTemplateEdit      Type = "TEMPLATE_EDIT"
)

// ExcerptLength is the maximum number of runes of message text kept on an
// attempt record
const ExcerptLength = 120

// DefaultListLimit applies when a filter does not set one
const DefaultListLimit = 200

// Record is one immutable entry of the activity log
type Record struct {
	ID         string            `json:"id"`
	Seq        uint64            `json:"seq"`
	Type       Type              `json:"type"`
	EventType  string            `json:"event_type,omitempty"`
	Channel    string            `json:"channel,omitempty"`
	Success    bool              `json:"success"`
	UserID     string            `json:"user_id,omitempty"`
	Actor      string            `json:"actor,omitempty"`
	Message    string            `json:"message,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	TemplateID string            `json:"template_id,omitempty"`
	Version    int               `json:"version,omitempty"`
	Attempt    int               `json:"attempt,omitempty"`
	Policy     string            `json:"policy,omitempty"`
	Error      string            `json:"error,omitempty"`
	Timestamp  time.Time         `json:"timestamp"`
}

// Filter selects records for List. Zero fields match everything.
type Filter struct {
	Type      Type
	UserID    string
	EventType string
	Channel   string
	Since     time.Time
	Limit     int
}

// Matches reports whether rec passes the filter
func (f Filter) Matches(rec *Record) bool {
	if f.Type != "" && rec.Type != f.Type {
		return false
	}
	if f.UserID != "" && rec.UserID != f.UserID {
		return false
	}
	if f.EventType != "" && rec.EventType != f.EventType {
		return false
	}
	if f.Channel != "" && rec.Channel != f.Channel {
		return false
	}
	if !f.Since.IsZero() && rec.Timestamp.Before(f.Since) {
		return false
	}
	return true
}

// EffectiveLimit returns the filter limit or DefaultListLimit
func (f Filter) EffectiveLimit() int {
	if f.Limit <= 0 {
		return DefaultListLimit
	}
	return f.Limit
}

// Excerpt truncates s to ExcerptLength runes
func Excerpt(s string) string {
	if utf8.RuneCountInString(s) <= ExcerptLength {
		return s
	}
	runes := []rune(s)
	return string(runes[:ExcerptLength])
}

// Stats aggregates the activity log for dashboards
type Stats struct {
	Total              int            `json:"total"`
	ByType             map[Type]int   `json:"by_type"`
	AttemptsByChannel  map[string]int `json:"attempts_by_channel"`
	SuccessesByChannel map[string]int `json:"successes_by_channel"`
	EventsByType       map[string]int `json:"events_by_type"`
}

// NewStats returns empty statistics
func NewStats() *Stats {
	return &Stats{
		ByType:             make(map[Type]int),
		AttemptsByChannel:  make(map[string]int),
		SuccessesByChannel: make(map[string]int),
		EventsByType:       make(map[string]int),
	}
}

// Add folds one record into the statistics
func (s *Stats) Add(rec *Record) {
	s.Total++
	s.ByType[rec.Type]++
	switch rec.Type {
	case TypeDeliveryAttempt:
		s.AttemptsByChannel[rec.Channel]++
		if rec.Success {
			s.SuccessesByChannel[rec.Channel]++
		}
	case TypeEvent:
		s.EventsByType[rec.EventType]++
	}
}
