package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

const venueChannelPrefix = "ledger:venue:"

// VenueChannel returns the Redis pub/sub channel of a venue.
func VenueChannel(venueID uuid.UUID) string { return venueChannelPrefix + venueID.String() }

// RedisRelay shares deltas between API replicas serving the same venue.
// Outgoing deltas are tagged with this replica's origin; incoming ones from
// other replicas are published into the local hub.
type RedisRelay struct {
	rdb    *redis.Client
	hub    *Hub
	origin string
}

func NewRedisRelay(rdb *redis.Client, hub *Hub) *RedisRelay {
	return &RedisRelay{rdb: rdb, hub: hub, origin: uuid.NewString()}
}

func (r *RedisRelay) Publish(ctx context.Context, d LedgerDelta) error {
	d.Origin = r.origin
	body, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("redis relay: marshal: %w", err)
	}
	if err := r.rdb.Publish(ctx, VenueChannel(d.VenueID), body).Err(); err != nil {
		return fmt.Errorf("redis relay: publish: %w", err)
	}
	return nil
}

// Run consumes every venue channel until ctx is cancelled.
func (r *RedisRelay) Run(ctx context.Context) {
	ps := r.rdb.PSubscribe(ctx, venueChannelPrefix+"*")
	defer ps.Close()

	log.Info().Str("origin", r.origin).Msg("broadcast: redis relay started")
	ch := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			r.deliver(ctx, msg)
		}
	}
}

func (r *RedisRelay) deliver(ctx context.Context, msg *redis.Message) {
	var d LedgerDelta
	if err := json.Unmarshal([]byte(msg.Payload), &d); err != nil {
		log.Warn().Err(err).Str("channel", msg.Channel).Msg("broadcast: invalid relayed delta")
		return
	}
	if d.Origin == r.origin || !strings.HasSuffix(msg.Channel, d.VenueID.String()) {
		return
	}
	_ = r.hub.Publish(ctx, d)
}
