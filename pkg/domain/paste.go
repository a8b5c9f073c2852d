package domain

import (
	"time"
)

// Meta is the metadata half of a paste record.
type Meta struct {
	ID           string    `json:"id"`
	Language     string    `json:"language"`
	CreatedAt    time.Time `json:"created_at"`
	ExpiresAt    time.Time `json:"expires_at"`
	Redacted     bool      `json:"redacted"`
	PasswordHash string    `json:"password_hash,omitempty"`
}

func (m *Meta) Expired(now time.Time) bool {
	return !now.Before(m.ExpiresAt)
}

func (m *Meta) Gated() bool {
	return m.PasswordHash != ""
}

func (m *Meta) View() MetaView {
	return MetaView{
		Language:        m.Language,
		Redacted:        m.Redacted,
		ExpiresAt:       m.ExpiresAt,
		PasswordPresent: m.Gated(),
	}
}

// Content is the content half of a paste record: a sealed ContentEnvelope
// plus the KMS-wrapped key that opens it.
type Content struct {
	Sealed     []byte
	WrappedDEK []byte
}

// MetaView is what untrusted callers may learn about a paste.
type MetaView struct {
	Language        string    `json:"language"`
	Redacted        bool      `json:"redacted"`
	ExpiresAt       time.Time `json:"expires_at"`
	PasswordPresent bool      `json:"password_present"`
}

// Presence reports which sub-objects of a record exist (or were removed).
type Presence struct {
	Meta    bool
	Content bool
}

func (p Presence) Complete() bool { return p.Meta && p.Content }
func (p Presence) Absent() bool   { return !p.Meta && !p.Content }
func (p Presence) Orphaned() bool { return p.Meta != p.Content }

type CreateParams struct {
	Content    string
	Language   string
	TTLMinutes int
	Redacted   bool
	Password   string
}

// Stats are best-effort counters derived from the creation log; records
// that expired still count towards TotalPastes and DailyPastes.
type Stats struct {
	TotalPastes  int  `json:"total_pastes"`
	DailyPastes  int  `json:"daily_pastes"`
	ActivePastes int  `json:"active_pastes"`
	Uptime       bool `json:"uptime"`
}
