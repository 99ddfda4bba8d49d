package broadcast

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/juju/errors"
	"github.com/juju/loggo"
	"github.com/juju/pubsub/v2"
	"github.com/redis/go-redis/v9"
)

const busTopic = "loanops.broadcast"

// Bus carries envelopes between the instances serving dashboards.
type Bus interface {
	Publish(ctx context.Context, env Envelope) error
	Subscribe(ctx context.Context, handler func(Envelope)) (func(), error)
}

// LocalBus fans envelopes out inside one process.
type LocalBus struct {
	hub *pubsub.SimpleHub
}

func NewLocalBus() *LocalBus {
	return &LocalBus{hub: pubsub.NewSimpleHub(&pubsub.SimpleHubConfig{
		Logger: loggo.GetLogger("loanops.broadcast.hub"),
	})}
}

func (*LocalBus) loopback() {}

func (b *LocalBus) Publish(_ context.Context, env Envelope) error {
	_ = b.hub.Publish(busTopic, env)
	return nil
}

func (b *LocalBus) Subscribe(_ context.Context, handler func(Envelope)) (func(), error) {
	unsubscribe := b.hub.Subscribe(busTopic, func(_ string, data interface{}) {
		if env, ok := data.(Envelope); ok {
			handler(env)
		}
	})
	return unsubscribe, nil
}

// RedisBus relays envelopes through a Redis pub/sub channel so every API
// instance sees every mutation.
type RedisBus struct {
	client  *redis.Client
	channel string
}

func NewRedisBus(client *redis.Client, channel string) *RedisBus {
	if channel == "" {
		channel = busTopic
	}
	return &RedisBus{client: client, channel: channel}
}

func (b *RedisBus) Publish(ctx context.Context, env Envelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return errors.Annotate(err, "encode envelope")
	}
	return errors.Annotatef(b.client.Publish(ctx, b.channel, payload).Err(), "publish to %s", b.channel)
}

func (b *RedisBus) Subscribe(ctx context.Context, handler func(Envelope)) (func(), error) {
	sub := b.client.Subscribe(ctx, b.channel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, errors.Annotatef(err, "subscribe to %s", b.channel)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	messages := sub.Channel()
	go func() {
		defer wg.Done()
		for msg := range messages {
			var env Envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				logger.Warningf("discarding malformed envelope on %s: %v", b.channel, err)
				continue
			}
			handler(env)
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			_ = sub.Close()
			wg.Wait()
		})
	}, nil
}
