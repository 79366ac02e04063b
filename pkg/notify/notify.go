// Package notify propagates permission changes. When a user's grants change,
// their cached permission set is evicted, the fresh set's hash is published
// on Redis for other instances, and connected clients of this instance are
// pushed the new hash so they can re-fetch their capabilities.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/go-redis/redis/v8"

	"github.com/funnelworks/crm-core/pkg/observability"
	"github.com/funnelworks/crm-core/pkg/permissions"
)

// Channel is the Redis pub/sub channel for permission-change events.
const Channel = "crm:permissions"

// Event announces that a user's effective permissions changed.
type Event struct {
	TenantID        string `json:"tenantId"`
	UserID          string `json:"userId"`
	PermissionsHash string `json:"permissionsHash"`
}

// Hub fans events out to in-process subscribers, one buffered channel per
// subscriber. A slow subscriber loses events rather than blocking the hub.
type Hub struct {
	mu   sync.Mutex
	subs map[string]map[chan Event]struct{}
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[string]map[chan Event]struct{})}
}

// Subscribe registers interest in one user's events. The returned cancel
// function must be called when the subscriber goes away.
func (h *Hub) Subscribe(userID string) (<-chan Event, func()) {
	ch := make(chan Event, 8)

	h.mu.Lock()
	if h.subs[userID] == nil {
		h.subs[userID] = make(map[chan Event]struct{})
	}
	h.subs[userID][ch] = struct{}{}
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		if set, ok := h.subs[userID]; ok {
			delete(set, ch)
			if len(set) == 0 {
				delete(h.subs, userID)
			}
		}
		h.mu.Unlock()
	}
	return ch, cancel
}

// Publish delivers an event to the user's subscribers.
func (h *Hub) Publish(e Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs[e.UserID] {
		select {
		case ch <- e:
		default:
		}
	}
}

// Notifier ties cache eviction, cross-instance publication, and local push
// together.
type Notifier struct {
	resolver *permissions.Resolver
	redis    *redis.Client
	hub      *Hub
	logger   *observability.Logger
}

// NewNotifier creates a notifier. redis may be nil, in which case events stay
// local to this instance.
func NewNotifier(resolver *permissions.Resolver, redisClient *redis.Client, hub *Hub, logger *observability.Logger) *Notifier {
	return &Notifier{resolver: resolver, redis: redisClient, hub: hub, logger: logger}
}

// PermissionsChanged runs the full invalidation protocol for one user: evict
// the cached set, resolve the fresh one, hash it, broadcast. The fresh hash
// is returned so callers can include it in their own response.
func (n *Notifier) PermissionsChanged(ctx context.Context, tenantID, userID string) (string, error) {
	n.resolver.Invalidate(userID)

	set, err := n.resolver.Resolve(ctx, userID)
	if err != nil {
		return "", fmt.Errorf("resolve after invalidation: %w", err)
	}
	hash := permissions.Hash(set)

	event := Event{TenantID: tenantID, UserID: userID, PermissionsHash: hash}
	if n.redis != nil {
		payload, err := json.Marshal(event)
		if err != nil {
			return "", fmt.Errorf("encode permission event: %w", err)
		}
		if err := n.redis.Publish(ctx, Channel, payload).Err(); err != nil {
			n.logger.WithError(err).WithField("user_id", userID).
				Warn("Failed to publish permission change")
		}
	}
	n.hub.Publish(event)

	return hash, nil
}

// Listen consumes cross-instance events from Redis and replays them against
// the local cache and hub. Blocks until the context is cancelled.
func (n *Notifier) Listen(ctx context.Context) error {
	if n.redis == nil {
		<-ctx.Done()
		return ctx.Err()
	}

	sub := n.redis.Subscribe(ctx, Channel)
	defer sub.Close()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-sub.Channel():
			if !ok {
				return nil
			}
			var event Event
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				n.logger.WithError(err).Warn("Malformed permission event")
				continue
			}
			n.resolver.Invalidate(event.UserID)
			n.hub.Publish(event)
		}
	}
}
