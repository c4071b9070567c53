// Package outbox carries ask-requests out of the turn loop to a human
// operator and brings resolutions back. A scope with an outstanding request
// is blocked until the request is resolved.
package outbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/Mindburn-Labs/keel/pkg/contracts"
)

// ErrDuplicateRequest is returned when a scope already has an unresolved
// request.
var ErrDuplicateRequest = errors.New("outbox: scope already has an outstanding request")

// ErrThrottled is returned when request creation exceeds the configured
// rate. The caller holds the turn and retries later.
var ErrThrottled = errors.New("outbox: request rate exceeded")

// ErrUnknownRequest is returned when resolving a request id that was never
// created or was already resolved.
var ErrUnknownRequest = errors.New("outbox: unknown request id")

// Adapter is the operator-facing side of the outbox.
type Adapter interface {
	// CreateRequest registers an assembled ask-request. The caller
	// journals the request before dispatching it here, so the request id
	// is assigned by the engine, not the adapter; an adapter fills in the
	// id and timestamp only when the caller left them empty.
	CreateRequest(ctx context.Context, req contracts.AskOutboxRequest) (contracts.AskOutboxRequest, error)
	// HasOutstandingRequest reports whether a scope is blocked on an
	// unresolved request.
	HasOutstandingRequest(ctx context.Context, scope string) (bool, error)
	// Resolve closes a request with the operator's answer.
	Resolve(ctx context.Context, requestID, status, detail string) (contracts.AskOutboxResponse, error)
}

// NewRequest assembles an ask-request with a fresh engine-assigned id so the
// caller can journal it before handing it to an adapter.
func NewRequest(scope, title, question string, extra map[string]any, at time.Time) contracts.AskOutboxRequest {
	return contracts.AskOutboxRequest{
		RequestID: "ask:" + uuid.New().String(),
		Scope:     scope,
		Title:     title,
		Question:  question,
		Context:   extra,
		CreatedAt: at.UTC(),
	}
}

// Memory is the in-process adapter. It enforces one outstanding request per
// scope and throttles request creation with a token bucket.
type Memory struct {
	mu       sync.Mutex
	byScope  map[string]string
	requests map[string]contracts.AskOutboxRequest
	limiter  *rate.Limiter
	clock    func() time.Time
}

// NewMemory builds an in-process adapter allowing at most rps request
// creations per second with the given burst.
func NewMemory(rps float64, burst int) *Memory {
	return &Memory{
		byScope:  make(map[string]string),
		requests: make(map[string]contracts.AskOutboxRequest),
		limiter:  rate.NewLimiter(rate.Limit(rps), burst),
		clock:    time.Now,
	}
}

// WithClock overrides the time source for deterministic testing.
func (m *Memory) WithClock(clock func() time.Time) *Memory {
	m.clock = clock
	return m
}

func (m *Memory) CreateRequest(ctx context.Context, req contracts.AskOutboxRequest) (contracts.AskOutboxRequest, error) {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.byScope[req.Scope]; exists {
		return contracts.AskOutboxRequest{}, ErrDuplicateRequest
	}
	if !m.limiter.Allow() {
		return contracts.AskOutboxRequest{}, ErrThrottled
	}

	if req.RequestID == "" {
		req.RequestID = "ask:" + uuid.New().String()
	}
	if req.CreatedAt.IsZero() {
		req.CreatedAt = m.clock().UTC()
	}
	m.byScope[req.Scope] = req.RequestID
	m.requests[req.RequestID] = req
	return req, nil
}

func (m *Memory) HasOutstandingRequest(ctx context.Context, scope string) (bool, error) {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	_, exists := m.byScope[scope]
	return exists, nil
}

func (m *Memory) Resolve(ctx context.Context, requestID, status, detail string) (contracts.AskOutboxResponse, error) {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()

	req, ok := m.requests[requestID]
	if !ok {
		return contracts.AskOutboxResponse{}, fmt.Errorf("%w: %s", ErrUnknownRequest, requestID)
	}
	delete(m.requests, requestID)
	delete(m.byScope, req.Scope)

	return contracts.AskOutboxResponse{
		RequestID:   requestID,
		Status:      status,
		Detail:      detail,
		RespondedAt: m.clock().UTC(),
	}, nil
}
