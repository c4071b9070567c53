package contracts

import "time"

// AskStatusPending is the acknowledgement status recorded when a request is
// dispatched. A pending response does not resolve the request; the scope
// stays outstanding until a terminal status arrives.
const AskStatusPending = "pending"

// AskOutboxRequest records an outbound human-recruitment request. It is
// journaled before the adapter is called, so an asked question is never lost
// even when the adapter fails mid-call.
type AskOutboxRequest struct {
	RequestID string         `json:"request_id"`
	Scope     string         `json:"scope,omitempty"`
	Title     string         `json:"title"`
	Question  string         `json:"question"`
	Context   map[string]any `json:"context,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// AskOutboxResponse records the adapter's reply, journaled after the call
// returns regardless of the eventual status.
type AskOutboxResponse struct {
	RequestID   string    `json:"request_id"`
	Status      string    `json:"status"`
	Detail      string    `json:"detail,omitempty"`
	RespondedAt time.Time `json:"responded_at"`
}
