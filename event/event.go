// Package event defines the change-notification wire format consumed from the
// upstream channel and the event envelope delivered to live-map clients.
package event

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/DennisWilmot/weather-updates-sub002/errors"
	"github.com/DennisWilmot/weather-updates-sub002/feature"
)

// SubjectPrefix is the upstream subject space carrying change events.
// One subject per category: changes.<category>.
const SubjectPrefix = "changes"

// SubjectAll matches every category's change subject.
const SubjectAll = SubjectPrefix + ".>"

// Subject returns the upstream subject for one category's change events.
func Subject(c feature.Category) string {
	return fmt.Sprintf("%s.%s", SubjectPrefix, c)
}

// CategoryFromSubject extracts the category from a change subject.
// Returns false for subjects outside the change space.
func CategoryFromSubject(subject string) (feature.Category, bool) {
	rest, ok := strings.CutPrefix(subject, SubjectPrefix+".")
	if !ok || rest == "" || strings.Contains(rest, ".") {
		return "", false
	}
	return feature.Category(rest), true
}

// Change is the minimal payload delivered by the upstream channel or
// synthesized by the fallback poller. It is a cache-invalidation signal, not
// a diff: it carries no business payload.
type Change struct {
	Category   feature.Category `json:"category"`
	RecordID   string           `json:"record_id,omitempty"`
	OccurredAt time.Time        `json:"occurred_at"`
}

// Encode marshals the change for publication on the upstream channel.
func (c Change) Encode() ([]byte, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return nil, errors.WrapInvalid(err, "Change", "Encode", "marshal change event")
	}
	return data, nil
}

// DecodeChange unmarshals a change event received from the upstream channel.
func DecodeChange(data []byte) (Change, error) {
	var c Change
	if err := json.Unmarshal(data, &c); err != nil {
		return Change{}, errors.WrapInvalid(err, "Change", "DecodeChange", "unmarshal change event")
	}
	if c.Category == "" {
		return Change{}, errors.WrapInvalid(errors.ErrInvalidData, "Change", "DecodeChange", "missing category")
	}
	return c, nil
}

// Type discriminates the events sent to live-map clients.
type Type string

// Client-facing event types
const (
	TypeInitial   Type = "initial"
	TypeUpdated   Type = "updated"
	TypeHeartbeat Type = "heartbeat"
	TypeError     Type = "error"
)

// Event is one discrete message on a client-facing stream.
// Data is present for initial/updated, Category for everything but heartbeat,
// and Message only for error events.
type Event struct {
	Type      Type                `json:"type"`
	Category  feature.Category    `json:"category,omitempty"`
	Data      *feature.Collection `json:"data,omitempty"`
	Message   string              `json:"message,omitempty"`
	Timestamp time.Time           `json:"timestamp"`
}

// Initial builds the full-snapshot event for one category.
func Initial(col *feature.Collection) Event {
	return Event{
		Type:      TypeInitial,
		Category:  col.Category,
		Data:      col,
		Timestamp: time.Now().UTC(),
	}
}

// Updated builds the incremental-update event for one category.
func Updated(col *feature.Collection) Event {
	return Event{
		Type:      TypeUpdated,
		Category:  col.Category,
		Data:      col,
		Timestamp: time.Now().UTC(),
	}
}

// Heartbeat builds a liveness event carrying no data.
func Heartbeat() Event {
	return Event{
		Type:      TypeHeartbeat,
		Timestamp: time.Now().UTC(),
	}
}

// Error builds a category-scoped error event.
func Error(c feature.Category, msg string) Event {
	return Event{
		Type:      TypeError,
		Category:  c,
		Message:   msg,
		Timestamp: time.Now().UTC(),
	}
}
