package domain

import "time"

type EventType string

const (
	EventCreated  EventType = "created"
	EventExpired  EventType = "expired"
	EventDeleted  EventType = "deleted"
	EventOrphaned EventType = "orphaned"
)

// Event is a lifecycle notification. Optional fields are omitted for event
// types that do not carry them.
type Event struct {
	Type            EventType  `json:"event_type"`
	ID              string     `json:"id"`
	Language        string     `json:"language,omitempty"`
	ExpiresAt       *time.Time `json:"expires_at,omitempty"`
	Redacted        *bool      `json:"redacted,omitempty"`
	PasswordPresent *bool      `json:"password_present,omitempty"`
	Orphan          string     `json:"orphan,omitempty"`
	Timestamp       time.Time  `json:"timestamp"`
}

func CreatedEvent(m *Meta, at time.Time) Event {
	exp := m.ExpiresAt
	redacted := m.Redacted
	gated := m.Gated()
	return Event{
		Type:            EventCreated,
		ID:              m.ID,
		Language:        m.Language,
		ExpiresAt:       &exp,
		Redacted:        &redacted,
		PasswordPresent: &gated,
		Timestamp:       at,
	}
}

func ExpiredEvent(m *Meta, at time.Time) Event {
	exp := m.ExpiresAt
	return Event{
		Type:      EventExpired,
		ID:        m.ID,
		Language:  m.Language,
		ExpiresAt: &exp,
		Timestamp: at,
	}
}

// OrphanedEvent describes a reconciled half-record. m is nil when only the
// content half was found.
func OrphanedEvent(id string, m *Meta, at time.Time) Event {
	ev := Event{
		Type:      EventOrphaned,
		ID:        id,
		Orphan:    "content",
		Timestamp: at,
	}
	if m != nil {
		ev.Language = m.Language
		ev.Orphan = "meta"
	}
	return ev
}

// DeletedEvent reports a record removed on its owner's request.
func DeletedEvent(m *Meta, at time.Time) Event {
	return Event{
		Type:      EventDeleted,
		ID:        m.ID,
		Language:  m.Language,
		Timestamp: at,
	}
}
