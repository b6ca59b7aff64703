// Package pubsub bridges room fan-out across server processes. A room's
// single writer lives on exactly one process; the bus carries its resolved
// operations to sockets held elsewhere.
package pubsub

import (
	"context"
	"encoding/json"
	"log"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/nirmalarya/autograph-sub004/internal/broadcast"
)

const channelPrefix = "room:"

type envelope struct {
	Origin string                   `json:"origin"`
	Update broadcast.ResolvedUpdate `json:"update"`
}

// RedisBus publishes resolved operations on a per-room channel and relays
// remote publications into local subscribers. Each process carries a random
// origin ID so its own publications are not echoed back to it.
type RedisBus struct {
	rdb    *redis.Client
	origin string
	ctx    context.Context
}

func NewRedisBus(ctx context.Context, rdb *redis.Client) *RedisBus {
	return &RedisBus{rdb: rdb, origin: uuid.NewString(), ctx: ctx}
}

func (b *RedisBus) Publish(ctx context.Context, roomID string, update broadcast.ResolvedUpdate) error {
	payload, err := json.Marshal(envelope{Origin: b.origin, Update: update})
	if err != nil {
		return errors.Wrap(err, "encode bus envelope")
	}
	return errors.Wrapf(b.rdb.Publish(ctx, channelPrefix+roomID, payload).Err(),
		"publish to %s", channelPrefix+roomID)
}

// Subscribe relays remote operations for one room until the returned cancel
// function is called or the bus context ends.
func (b *RedisBus) Subscribe(roomID string, fn func(broadcast.ResolvedUpdate)) (func(), error) {
	sub := b.rdb.Subscribe(b.ctx, channelPrefix+roomID)
	if _, err := sub.Receive(b.ctx); err != nil {
		sub.Close()
		return nil, errors.Wrapf(err, "subscribe to %s", channelPrefix+roomID)
	}
	go func() {
		for msg := range sub.Channel() {
			var env envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				log.Printf("pubsub: bad envelope on %s: %v", msg.Channel, err)
				continue
			}
			if env.Origin == b.origin {
				continue
			}
			fn(env.Update)
		}
	}()
	return func() {
		if err := sub.Close(); err != nil {
			log.Printf("pubsub: closing %s: %v", channelPrefix+roomID, err)
		}
	}, nil
}
