// Package revocation implements the Revocation Registry (§4.2): a bounded
// in-process watermark map plus an optional cross-process Redis pub/sub
// channel, HMAC-signed, circuit-broken, and fail-open on transport loss.
package revocation

import (
	"container/list"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// Defaults from §4.2.
const (
	MaxMemoryRevocations = 10000
	SweepInterval         = time.Hour
	MemoryTTL             = 24 * time.Hour
	channelName           = "agentim:revocations"
)

// envelope is the signed cross-process revocation message (§4.2, §9).
type envelope struct {
	Body []byte `json:"body"`
	Sig  []byte `json:"sig"`
}

type body struct {
	UserID      string `json:"userId"`
	RevokedAtMs int64  `json:"revokedAtMs"`
}

// entry is one watermark held in the LRU.
type entry struct {
	userID    string
	at        time.Time
	revokedAt int64
	elem      *list.Element
}

// Registry is the Revocation Registry. The zero value is not usable; use
// New.
type Registry struct {
	mu       sync.Mutex
	entries  map[string]*entry
	order    *list.List // front = most recently touched
	hmacKey  []byte
	logger   *zap.Logger
	accessTTL time.Duration

	redis *redis.Client
	cb    *gobreaker.CircuitBreaker
}

// Option configures optional cross-process behavior.
type Option func(*Registry)

// WithSharedStore attaches a Redis client and HMAC signing key for
// cross-process revocation.
func WithSharedStore(client *redis.Client, hmacKey []byte, accessTokenTTL time.Duration) Option {
	return func(r *Registry) {
		r.redis = client
		r.hmacKey = hmacKey
		r.accessTTL = accessTokenTTL
	}
}

// New builds a Registry. Call Run in a goroutine to start the hourly sweep
// and (if a shared store is configured) the subscriber loop.
func New(logger *zap.Logger, opts ...Option) *Registry {
	r := &Registry{
		entries: make(map[string]*entry),
		order:   list.New(),
		logger:  logger,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.redis != nil {
		st := gobreaker.Settings{
			Name:        "revocation-redis",
			MaxRequests: 5,
			Interval:    time.Minute,
			Timeout:     15 * time.Second,
		}
		r.cb = gobreaker.NewCircuitBreaker(st)
	}
	return r
}

// Revoke records "now" as user's revocation watermark in memory and, if a
// shared store is configured, persists and publishes it.
func (r *Registry) Revoke(ctx context.Context, userID string) error {
	now := time.Now()
	r.touchMemory(userID, now)

	if r.redis == nil {
		return nil
	}

	key := fmt.Sprintf("revoked:%s", userID)
	_, err := r.cb.Execute(func() (any, error) {
		return nil, r.redis.Set(ctx, key, now.UnixMilli(), r.accessTTL).Err()
	})
	if err != nil {
		if err == gobreaker.ErrOpenState {
			r.logger.Warn("revocation: shared store circuit open, skipped persist", zap.String("user_id", userID))
			return nil
		}
		return fmt.Errorf("revocation: failed to persist to shared store: %w", err)
	}

	r.publish(ctx, userID, now.UnixMilli())
	return nil
}

// IsRevoked checks memory first, then (if configured) the shared store.
// On any shared-store error it fails open — documented in §4.2 and §7.
func (r *Registry) IsRevoked(userID string, iatMs int64) bool {
	if r.memoryRevoked(userID, iatMs) {
		return true
	}
	if r.redis == nil {
		return false
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	key := fmt.Sprintf("revoked:%s", userID)
	res, err := r.cb.Execute(func() (any, error) {
		return r.redis.Get(ctx, key).Int64()
	})
	if err != nil {
		if r.logger != nil {
			r.logger.Warn("revocation: shared store unavailable, failing open", zap.Error(err))
		}
		return false
	}
	watermark, ok := res.(int64)
	if !ok {
		return false
	}
	return iatMs < watermark
}

func (r *Registry) touchMemory(userID string, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.entries[userID]; ok {
		e.at = at
		e.revokedAt = at.UnixMilli()
		r.order.MoveToFront(e.elem)
		return
	}

	e := &entry{userID: userID, at: at, revokedAt: at.UnixMilli()}
	e.elem = r.order.PushFront(e)
	r.entries[userID] = e

	for len(r.entries) > MaxMemoryRevocations {
		back := r.order.Back()
		if back == nil {
			break
		}
		victim := back.Value.(*entry)
		delete(r.entries, victim.userID)
		r.order.Remove(back)
	}
}

func (r *Registry) memoryRevoked(userID string, iatMs int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[userID]
	if !ok {
		return false
	}
	return iatMs < e.revokedAt
}

// sweep removes in-memory entries older than MemoryTTL.
func (r *Registry) sweep() {
	cutoff := time.Now().Add(-MemoryTTL)

	r.mu.Lock()
	defer r.mu.Unlock()

	for e := r.order.Back(); e != nil; {
		prev := e.Prev()
		v := e.Value.(*entry)
		if v.at.Before(cutoff) {
			delete(r.entries, v.userID)
			r.order.Remove(e)
		}
		e = prev
	}
}

func (r *Registry) publish(ctx context.Context, userID string, revokedAtMs int64) {
	b, err := json.Marshal(body{UserID: userID, RevokedAtMs: revokedAtMs})
	if err != nil {
		return
	}
	sig := sign(r.hmacKey, b)
	env, err := json.Marshal(envelope{Body: b, Sig: sig})
	if err != nil {
		return
	}

	_, err = r.cb.Execute(func() (any, error) {
		return nil, r.redis.Publish(ctx, channelName, env).Err()
	})
	if err != nil && r.logger != nil {
		// Publish failures never propagate (§4.2).
		r.logger.Warn("revocation: publish failed", zap.Error(err))
	}
}

func sign(key, body []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(body)
	return mac.Sum(nil)
}

// Run starts the hourly sweep and, if a shared store is configured, the
// subscriber loop. It blocks until ctx is canceled.
func (r *Registry) Run(ctx context.Context) {
	var wg sync.WaitGroup

	if r.redis != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.subscribeLoop(ctx)
		}()
	}

	ticker := time.NewTicker(SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			return
		case <-ticker.C:
			r.sweep()
		}
	}
}

func (r *Registry) subscribeLoop(ctx context.Context) {
	sub := r.redis.Subscribe(ctx, channelName)
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			r.handleMessage([]byte(msg.Payload))
		}
	}
}

func (r *Registry) handleMessage(raw []byte) {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(raw, &probe); err != nil {
		return
	}

	_, hasBody := probe["body"]
	_, hasSig := probe["sig"]
	if !hasBody || !hasSig {
		// Legacy unsigned envelope: the raw payload is itself a body. A
		// well-formed signed envelope always carries both keys, so their
		// absence — not an Unmarshal error, which a legacy payload never
		// produces — is what identifies this case.
		var b body
		if err := json.Unmarshal(raw, &b); err == nil {
			if r.logger != nil {
				r.logger.Warn("revocation: accepted legacy unsigned envelope (deprecated)", zap.String("user_id", b.UserID))
			}
			r.touchMemory(b.UserID, time.UnixMilli(b.RevokedAtMs))
		}
		return
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return
	}

	expected := sign(r.hmacKey, env.Body)
	if !hmac.Equal(expected, env.Sig) {
		if r.logger != nil {
			r.logger.Warn("revocation: dropped message with invalid signature")
		}
		return
	}

	var b body
	if err := json.Unmarshal(env.Body, &b); err != nil {
		return
	}
	r.touchMemory(b.UserID, time.UnixMilli(b.RevokedAtMs))
}
