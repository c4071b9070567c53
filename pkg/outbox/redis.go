package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/Mindburn-Labs/keel/pkg/contracts"
)

// Redis is the shared adapter for deployments where multiple turn-loop
// processes feed one operator console. Scope locks are SETNX keys with a
// TTL so an abandoned process cannot block a scope forever.
type Redis struct {
	client *redis.Client
	ttl    time.Duration
	clock  func() time.Time
}

// NewRedis connects a Redis-backed adapter. Requests expire after ttl if
// never resolved.
func NewRedis(addr, password string, db int, ttl time.Duration) *Redis {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return &Redis{client: rdb, ttl: ttl, clock: time.Now}
}

// NewRedisWithClient wraps an existing client, used by tests with miniredis
// style fakes.
func NewRedisWithClient(client *redis.Client, ttl time.Duration) *Redis {
	return &Redis{client: client, ttl: ttl, clock: time.Now}
}

func (r *Redis) WithClock(clock func() time.Time) *Redis {
	r.clock = clock
	return r
}

func scopeKey(scope string) string { return "outbox:scope:" + scope }
func requestKey(id string) string  { return "outbox:request:" + id }

func (r *Redis) CreateRequest(ctx context.Context, req contracts.AskOutboxRequest) (contracts.AskOutboxRequest, error) {
	if req.RequestID == "" {
		req.RequestID = "ask:" + uuid.New().String()
	}
	if req.CreatedAt.IsZero() {
		req.CreatedAt = r.clock().UTC()
	}
	body, err := json.Marshal(req)
	if err != nil {
		return contracts.AskOutboxRequest{}, fmt.Errorf("outbox: encode request: %w", err)
	}

	ok, err := r.client.SetNX(ctx, scopeKey(req.Scope), req.RequestID, r.ttl).Result()
	if err != nil {
		return contracts.AskOutboxRequest{}, fmt.Errorf("outbox: lock scope: %w", err)
	}
	if !ok {
		return contracts.AskOutboxRequest{}, ErrDuplicateRequest
	}
	if err := r.client.Set(ctx, requestKey(req.RequestID), body, r.ttl).Err(); err != nil {
		return contracts.AskOutboxRequest{}, fmt.Errorf("outbox: store request: %w", err)
	}
	return req, nil
}

func (r *Redis) HasOutstandingRequest(ctx context.Context, scope string) (bool, error) {
	n, err := r.client.Exists(ctx, scopeKey(scope)).Result()
	if err != nil {
		return false, fmt.Errorf("outbox: check scope: %w", err)
	}
	return n > 0, nil
}

func (r *Redis) Resolve(ctx context.Context, requestID, status, detail string) (contracts.AskOutboxResponse, error) {
	body, err := r.client.Get(ctx, requestKey(requestID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return contracts.AskOutboxResponse{}, fmt.Errorf("%w: %s", ErrUnknownRequest, requestID)
	}
	if err != nil {
		return contracts.AskOutboxResponse{}, fmt.Errorf("outbox: load request: %w", err)
	}
	var req contracts.AskOutboxRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return contracts.AskOutboxResponse{}, fmt.Errorf("outbox: decode request: %w", err)
	}

	if err := r.client.Del(ctx, requestKey(requestID), scopeKey(req.Scope)).Err(); err != nil {
		return contracts.AskOutboxResponse{}, fmt.Errorf("outbox: clear request: %w", err)
	}
	return contracts.AskOutboxResponse{
		RequestID:   requestID,
		Status:      status,
		Detail:      detail,
		RespondedAt: r.clock().UTC(),
	}, nil
}
