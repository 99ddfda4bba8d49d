package broadcast

import (
	"context"
	"sync"
	"time"

	"github.com/juju/errors"
	"github.com/rs/xid"
)

// loopback is implemented by buses that hand every envelope back to the
// publishing process. Local delivery then happens in the subscription.
type loopback interface {
	loopback()
}

// Broadcaster delivers envelopes to this instance's registry and relays them
// over the bus to peers.
type Broadcaster struct {
	registry    *Registry
	bus         Bus
	local       bool
	instance    string
	timeout     time.Duration
	unsubscribe func()

	mu      sync.Mutex
	pending map[string]chan int
}

// NewBroadcaster wires registry to bus. A nil bus keeps delivery local.
func NewBroadcaster(ctx context.Context, registry *Registry, bus Bus, timeout time.Duration) (*Broadcaster, error) {
	if registry == nil {
		return nil, errors.NotValidf("missing registry")
	}
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	_, local := bus.(loopback)
	b := &Broadcaster{
		registry: registry,
		bus:      bus,
		local:    local,
		instance: xid.New().String(),
		timeout:  timeout,
		pending:  make(map[string]chan int),
	}
	if bus != nil {
		unsubscribe, err := bus.Subscribe(ctx, b.receive)
		if err != nil {
			return nil, errors.Trace(err)
		}
		b.unsubscribe = unsubscribe
	}
	return b, nil
}

func (b *Broadcaster) Registry() *Registry { return b.registry }

// Broadcast stamps env and queues it on every matching local connection
// except exclude, returning the local delivery count. Relay failures are
// returned after local delivery has happened.
func (b *Broadcaster) Broadcast(ctx context.Context, env Envelope, exclude string) (int, error) {
	env = env.stamp()
	env.Exclude = exclude
	env.Origin = b.instance

	if b.bus == nil {
		return b.registry.Deliver(env, exclude), nil
	}
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()
	if b.local {
		return b.publishLoopback(ctx, env)
	}

	delivered := b.registry.Deliver(env, exclude)
	if err := b.bus.Publish(ctx, env); err != nil {
		return delivered, errors.Annotatef(err, "relay %s %s", env.Type, env.BroadcastID)
	}
	return delivered, nil
}

// publishLoopback publishes env and waits for this instance's own
// subscription to deliver it.
func (b *Broadcaster) publishLoopback(ctx context.Context, env Envelope) (int, error) {
	result := make(chan int, 1)
	b.mu.Lock()
	b.pending[env.BroadcastID] = result
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		delete(b.pending, env.BroadcastID)
		b.mu.Unlock()
	}()

	if err := b.bus.Publish(ctx, env); err != nil {
		return 0, errors.Annotatef(err, "publish %s %s", env.Type, env.BroadcastID)
	}
	select {
	case delivered := <-result:
		return delivered, nil
	case <-ctx.Done():
		return 0, errors.Annotatef(ctx.Err(), "deliver %s %s", env.Type, env.BroadcastID)
	}
}

func (b *Broadcaster) receive(env Envelope) {
	if env.Origin == b.instance && !b.local {
		return
	}
	delivered := b.registry.Deliver(env, env.Exclude)
	if env.Origin != b.instance {
		return
	}
	b.mu.Lock()
	result, ok := b.pending[env.BroadcastID]
	b.mu.Unlock()
	if ok {
		select {
		case result <- delivered:
		default:
		}
	}
}

func (b *Broadcaster) Close() {
	if b.unsubscribe != nil {
		b.unsubscribe()
	}
}
