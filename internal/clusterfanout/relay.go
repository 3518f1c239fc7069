// Package clusterfanout is a Redis Pub/Sub relay that lets Broadcast Fabric
// (C10, internal/broadcast) deliveries reach peers connected to a
// different `tabcoord` process, when more than one instance runs behind a
// shared Redis. Each process still owns its own peers and documents; this
// is additive horizontal-scale enrichment. Modeled line-for-line on
// `cmd/fanout/redis_subscriber.go` + `hub.go`: publish local broadcasts to
// a pattern-matched channel, subscribe to the same pattern, and replay
// inbound messages into the local Fabric.
package clusterfanout

import (
	"context"
	"fmt"
	"strings"

	"github.com/lyzr/tabcoord/internal/broadcast"
	"github.com/lyzr/tabcoord/internal/coordlog"
	"github.com/lyzr/tabcoord/internal/docchannel"
	"github.com/redis/go-redis/v9"
)

const channelPrefix = "tabcoord:doc:"

// Relay publishes local broadcasts to Redis and replays remote ones into
// the local Fabric.
type Relay struct {
	redis  *redis.Client
	fabric *broadcast.Fabric
	log    *coordlog.Logger
}

// New creates a Relay. Call Start to begin consuming remote broadcasts.
func New(client *redis.Client, fabric *broadcast.Fabric, log *coordlog.Logger) *Relay {
	return &Relay{redis: client, fabric: fabric, log: log}
}

func channelFor(docID string) string {
	return channelPrefix + docID
}

// docIDFromChannel reverses channelFor, the way extractUsernameFromChannel
// reverses its own channel naming in the fanout package this is grounded on.
func docIDFromChannel(channel string) string {
	if !strings.HasPrefix(channel, channelPrefix) {
		return ""
	}
	return strings.TrimPrefix(channel, channelPrefix)
}

// Publish relays a locally-originated envelope to every other process
// subscribed to the same document via Redis. Call this alongside (not
// instead of) a local broadcast.Fabric.Broadcast call.
func (r *Relay) Publish(ctx context.Context, env docchannel.Envelope) error {
	raw, err := docchannel.Encode(env)
	if err != nil {
		return fmt.Errorf("encode envelope for relay: %w", err)
	}
	if err := r.redis.Publish(ctx, channelFor(env.DocID), raw).Err(); err != nil {
		return fmt.Errorf("publish to redis: %w", err)
	}
	return nil
}

// Start subscribes to every document channel and replays inbound messages
// into the local Fabric until ctx is cancelled. Run it in its own
// goroutine.
func (r *Relay) Start(ctx context.Context) {
	pubsub := r.redis.PSubscribe(ctx, channelPrefix+"*")
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		r.log.Error("cluster fanout subscribe failed", "error", err)
		return
	}
	r.log.Info("cluster fanout relay started", "pattern", channelPrefix+"*")

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-ch:
			if msg == nil {
				continue
			}
			r.handleMessage(msg)
		}
	}
}

func (r *Relay) handleMessage(msg *redis.Message) {
	docID := docIDFromChannel(msg.Channel)
	if docID == "" {
		r.log.Warn("invalid cluster fanout channel", "channel", msg.Channel)
		return
	}

	env, err := docchannel.Decode([]byte(msg.Payload))
	if err != nil {
		r.log.Warn("malformed cluster fanout payload dropped", "channel", msg.Channel, "error", err)
		return
	}

	// No excludePeerID: this message originated on another process, so
	// every locally-connected peer subscribed to the document is a valid
	// recipient.
	if err := r.fabric.Broadcast(env, ""); err != nil {
		r.log.Error("replay cluster fanout message failed", "error", err)
	}
}
