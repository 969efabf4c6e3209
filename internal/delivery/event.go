package delivery

import (
	"sort"
	"sync"

	"github.com/foxzi/notifysafe/internal/channel"
	"github.com/foxzi/notifysafe/internal/template"
)

// Event is catalog reference data describing how an event type is delivered
type Event struct {
	Type     string            `json:"type"`
	Channels []channel.Channel `json:"channels"`
	Category string            `json:"category,omitempty"`
	Policy   string            `json:"policy,omitempty"`
}

// TriggerContext carries the per-call inputs of TriggerEvent
type TriggerContext struct {
	User       string
	Metadata   map[string]string
	Actor      string
	Privileged bool

	// Channels overrides the catalog channel list when non-empty
	Channels []channel.Channel

	// Policy requests a specific policy by name
	Policy string
}

// DefaultChannels is the fallback order used when an event names none
var DefaultChannels = []channel.Channel{channel.Email, channel.SMS, channel.InApp}

// Catalog is a concurrency-safe set of known events
type Catalog struct {
	mu     sync.RWMutex
	events map[string]Event
}

// NewCatalog creates a catalog from events
func NewCatalog(events ...Event) *Catalog {
	c := &Catalog{events: make(map[string]Event, len(events))}
	for _, e := range events {
		c.Put(e)
	}
	return c
}

// DefaultCatalog returns one event per built-in template with the default
// channel order and the template's category
func DefaultCatalog() *Catalog {
	c := NewCatalog()
	for _, tmpl := range template.Defaults() {
		c.Put(Event{
			Type:     tmpl.Name,
			Channels: DefaultChannels,
			Category: tmpl.Category,
		})
	}
	return c
}

// Put adds or replaces an event
func (c *Catalog) Put(e Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e.Channels = append([]channel.Channel(nil), e.Channels...)
	c.events[e.Type] = e
}

// Lookup returns the event for a type
func (c *Catalog) Lookup(eventType string) (Event, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.events[eventType]
	return e, ok
}

// List returns all events sorted by type
func (c *Catalog) List() []Event {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]Event, 0, len(c.events))
	for _, e := range c.events {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Type < out[j].Type })
	return out
}
