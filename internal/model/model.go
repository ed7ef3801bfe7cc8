// Package model defines the core domain types for the virtual waiting queue.
package model

import "time"

// GateOpen is the only gate status under which users may join or be promoted.
const GateOpen = "OPEN"

// EventCapacity is the cached admission state of a single on-sale event.
type EventCapacity struct {
	EventID        string `json:"event_id"`
	SlotsRemaining int64  `json:"slots_remaining"`
	Capacity       int64  `json:"capacity"`
	GateStatus     string `json:"gate_status"`
}

// EntryCredential proves a user was admitted into the entry queue.
// Token is empty between promotion and delivery; ExpiresAt then holds the
// reservation's provisional expiry.
type EntryCredential struct {
	UserID    string    `json:"user_id"`
	EventID   string    `json:"event_id"`
	Token     string    `json:"token,omitempty"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Issued reports whether a token has been attached to the reservation.
func (c *EntryCredential) Issued() bool {
	return c.Token != ""
}

// Expired reports whether the credential is past its ttl at now.
func (c *EntryCredential) Expired(now time.Time) bool {
	return !c.ExpiresAt.IsZero() && !now.Before(c.ExpiresAt)
}

// PromotionMessage travels from the entry queue stream to the private
// stream of the instance that owns the user's connection.
type PromotionMessage struct {
	ID         string `json:"id,omitempty"`
	UserID     string `json:"user_id"`
	EventID    string `json:"event_id"`
	InstanceID string `json:"instance_id"`
}

// Scope distinguishes the two liveness indexes.
type Scope string

const (
	ScopeWaiting Scope = "waiting"
	ScopeEntry   Scope = "entry"
)

// State is the externally observable queue state of a user.
type State string

const (
	StateWaiting State = "WAITING"
	StateEntry   State = "ENTRY"
	StateNone    State = "NONE"
)

// Snapshot is the raw per-user queue state read from the store.
type Snapshot struct {
	Credential *EntryCredential
	// Rank is the 1-based rank in the waiting line, nil when not waiting.
	Rank *int64
}

// GateContext feeds the adaptive poll delay for users far back in line.
type GateContext struct {
	GateStatus  string
	FreeSlots   *int64
	WaitingSize int64
}

// QueueStatus is the response of the poll endpoint.
type QueueStatus struct {
	State       State  `json:"state"`
	Rank        *int64 `json:"rank,omitempty"`
	EntryToken  string `json:"entryToken,omitempty"`
	PollAfterMs int64  `json:"pollAfterMs"`
}

// JoinResult is the outcome of a successful join.
type JoinResult struct {
	EventID  string `json:"eventId"`
	Position int64  `json:"position"`
	Rejoined bool   `json:"rejoined"`
}

// LeaveResult summarises what a disconnect or reap released.
type LeaveResult struct {
	Released bool `json:"released"`
	Refunded bool `json:"refunded"`
}

// Frame is a message pushed over a live connection.
type Frame struct {
	Status  State  `json:"status"`
	EventID string `json:"eventId"`
	UserID  string `json:"userId"`
	Rank    *int64 `json:"rank,omitempty"`
	Token   string `json:"token,omitempty"`
}

// CatalogEvent is what the event catalog reports for an event.
type CatalogEvent struct {
	SeatCount int    `json:"seatCount"`
	Status    string `json:"status"`
}

// VerifyEntryRequest is the payload the checkout flow sends to validate a credential.
type VerifyEntryRequest struct {
	UserID  string `json:"userId"`
	EventID string `json:"eventId"`
	Token   string `json:"token"`
}

// UpdateGateRequest is the payload the catalog sends when an event opens or closes.
type UpdateGateRequest struct {
	Status string `json:"status"`
}

// ErrorResponse is a standard JSON error envelope.
type ErrorResponse struct {
	Error string `json:"error"`
}
