package permcache

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/go-redis/redis/v8"

	"github.com/depot-registry/depot/pkg/authz"
	"github.com/depot-registry/depot/pkg/observability"
)

// InvalidationChannel carries invalidation fan-out between instances.
const InvalidationChannel = "depot:permissions:invalidate"

// RedisInvalidator applies invalidations locally and publishes them so every
// other instance drops the same keys. Listen must be running on each instance
// for the fan-out side.
type RedisInvalidator struct {
	client *redis.Client
	local  authz.Invalidator
	logger *observability.Logger
}

// NewRedisInvalidator wires a local invalidator (normally the *Cache) to a
// Redis client.
func NewRedisInvalidator(client *redis.Client, local authz.Invalidator, logger *observability.Logger) *RedisInvalidator {
	if logger == nil {
		logger = observability.NewLogger(observability.InfoLevel, nil)
	}
	return &RedisInvalidator{client: client, local: local, logger: logger}
}

// InvalidateUser implements authz.Invalidator.
func (ri *RedisInvalidator) InvalidateUser(ctx context.Context, userID int64) {
	ri.local.InvalidateUser(ctx, userID)
	ri.publish(ctx, "user:"+strconv.FormatInt(userID, 10))
}

// InvalidateOrg implements authz.Invalidator.
func (ri *RedisInvalidator) InvalidateOrg(ctx context.Context, orgID int64) {
	ri.local.InvalidateOrg(ctx, orgID)
	ri.publish(ctx, "org:"+strconv.FormatInt(orgID, 10))
}

func (ri *RedisInvalidator) publish(ctx context.Context, payload string) {
	if err := ri.client.Publish(ctx, InvalidationChannel, payload).Err(); err != nil {
		ri.logger.WithError(err).WithField("payload", payload).Warn("failed to publish cache invalidation")
	}
}

// Listen subscribes to the invalidation channel and applies each message to
// the local cache until ctx is cancelled. Messages published by this instance
// come back too; re-applying them locally is a harmless no-op.
func (ri *RedisInvalidator) Listen(ctx context.Context) error {
	sub := ri.client.Subscribe(ctx, InvalidationChannel)
	defer sub.Close()

	// Force the subscription to be established before returning control to
	// the message loop, so callers can sequence publishes after Listen starts.
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribing to %s: %w", InvalidationChannel, err)
	}

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			ri.apply(ctx, msg.Payload)
		}
	}
}

func (ri *RedisInvalidator) apply(ctx context.Context, payload string) {
	kind, raw, found := strings.Cut(payload, ":")
	if !found {
		ri.logger.WithField("payload", payload).Warn("malformed cache invalidation message")
		return
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		ri.logger.WithField("payload", payload).Warn("malformed cache invalidation id")
		return
	}

	switch kind {
	case "user":
		ri.local.InvalidateUser(ctx, id)
	case "org":
		ri.local.InvalidateOrg(ctx, id)
	default:
		ri.logger.WithField("payload", payload).Warn("unknown cache invalidation kind")
	}
}
