// Package models defines types shared across internal packages.
package models

import (
	"fmt"
	"time"
)

// DeliveryState tracks whether a record has been confirmed by the server.
type DeliveryState int

const (
	Pending DeliveryState = iota
	Confirmed
	Failed
)

func (s DeliveryState) String() string {
	switch s {
	case Pending:
		return "pending"
	case Confirmed:
		return "confirmed"
	case Failed:
		return "failed"
	}

	return fmt.Sprintf("DeliveryState(%d)", int(s))
}

// MarshalText encodes the state as its lower-case name.
func (s DeliveryState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes a lower-case state name.
func (s *DeliveryState) UnmarshalText(b []byte) error {
	switch string(b) {
	case "pending":
		*s = Pending
	case "confirmed":
		*s = Confirmed
	case "failed":
		*s = Failed
	default:
		return fmt.Errorf("unknown delivery state %q", b)
	}

	return nil
}

// Record is a chat message or a notification inside one scope.
// ID is empty until the server confirms an optimistic record;
// ClientTempID is local only and never leaves the process.
type Record struct {
	ID            string        `json:"id,omitempty"`
	ClientTempID  string        `json:"client_temp_id,omitempty"`
	ScopeID       string        `json:"scope_id"`
	AuthorID      string        `json:"author_id,omitempty"`
	Title         string        `json:"title,omitempty"`
	Content       string        `json:"content"`
	CreatedAt     time.Time     `json:"created_at"`
	DeliveryState DeliveryState `json:"delivery_state"`
	Read          bool          `json:"read"`
}

// Mine reports whether userID authored the record.
func (r Record) Mine(userID string) bool {
	return userID != "" && r.AuthorID == userID
}

// Key returns the server id, or the client temp id for unconfirmed records.
func (r Record) Key() string {
	if r.ID != "" {
		return r.ID
	}

	return r.ClientTempID
}
