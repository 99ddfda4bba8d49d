package broadcast

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/juju/clock/testclock"
	"github.com/redis/go-redis/v9"
)

func waitFrame(t *testing.T, conn *Connection) Envelope {
	t.Helper()
	select {
	case frame := <-conn.Frames():
		return decodeFrame(t, frame)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a frame")
	}
	return Envelope{}
}

func relayPair(t *testing.T, busA, busB Bus) (*Broadcaster, *Broadcaster) {
	t.Helper()
	clk := testclock.NewClock(time.Now())
	a, err := NewBroadcaster(context.Background(), NewRegistry(RegistryConfig{Clock: clk}), busA, time.Second)
	if err != nil {
		t.Fatalf("NewBroadcaster(a) error = %v", err)
	}
	t.Cleanup(a.Close)
	b, err := NewBroadcaster(context.Background(), NewRegistry(RegistryConfig{Clock: clk}), busB, time.Second)
	if err != nil {
		t.Fatalf("NewBroadcaster(b) error = %v", err)
	}
	t.Cleanup(b.Close)
	return a, b
}

func assertRelayed(t *testing.T, a, b *Broadcaster) {
	t.Helper()
	local := a.Registry().Register(Filter{AllTeams: true})
	sender := a.Registry().Register(Filter{AllTeams: true})
	remote := b.Registry().Register(Filter{Team: "credit"})
	remoteSender := b.Registry().Register(Filter{AllTeams: true})

	env, err := NewEnvelope(TypeQueryUpdated, "qry_9", []string{"credit"}, map[string]string{"status": "approved"})
	if err != nil {
		t.Fatalf("NewEnvelope() error = %v", err)
	}
	delivered, err := a.Broadcast(context.Background(), env, sender.ID)
	if err != nil {
		t.Fatalf("Broadcast() error = %v", err)
	}
	if delivered != 1 {
		t.Fatalf("Broadcast() delivered %d locally, want 1", delivered)
	}

	got := waitFrame(t, remote)
	if got.QueryID != "qry_9" || got.BroadcastID == "" {
		t.Fatalf("remote frame = %+v", got)
	}
	// The bus echo must not reach the origin twice.
	time.Sleep(50 * time.Millisecond)
	if n := len(local.Frames()); n != 1 {
		t.Fatalf("origin connection has %d frames, want 1", n)
	}
	if n := len(sender.Frames()); n != 0 {
		t.Fatalf("excluded connection has %d frames", n)
	}
	if n := len(remoteSender.Frames()); n != 1 {
		t.Fatalf("peer connection has %d frames, want 1", n)
	}
}

func TestLocalBusRelaysBetweenBroadcasters(t *testing.T) {
	bus := NewLocalBus()
	a, b := relayPair(t, bus, bus)
	assertRelayed(t, a, b)
}

func TestRedisBusRelaysBetweenInstances(t *testing.T) {
	server := miniredis.RunT(t)
	clientA := redis.NewClient(&redis.Options{Addr: server.Addr()})
	clientB := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() {
		_ = clientA.Close()
		_ = clientB.Close()
	})

	a, b := relayPair(t, NewRedisBus(clientA, "loanops:test"), NewRedisBus(clientB, "loanops:test"))
	assertRelayed(t, a, b)
}

func TestBroadcastWithoutBusStaysLocal(t *testing.T) {
	registry, _ := newTestRegistry(t)
	broadcaster, err := NewBroadcaster(context.Background(), registry, nil, 0)
	if err != nil {
		t.Fatalf("NewBroadcaster() error = %v", err)
	}
	conn := registry.Register(Filter{QueryID: "qry_1"})
	delivered, err := broadcaster.Broadcast(context.Background(), Envelope{Type: TypeMessageAdded, QueryID: "qry_1"}, "")
	if err != nil || delivered != 1 {
		t.Fatalf("Broadcast() = %d, %v", delivered, err)
	}
	if env := waitFrame(t, conn); env.Type != TypeMessageAdded {
		t.Fatalf("frame type = %q", env.Type)
	}
}

func TestLocalBusCarriesOwnDelivery(t *testing.T) {
	registry, _ := newTestRegistry(t)
	broadcaster, err := NewBroadcaster(context.Background(), registry, NewLocalBus(), 200*time.Millisecond)
	if err != nil {
		t.Fatalf("NewBroadcaster() error = %v", err)
	}
	listener := registry.Register(Filter{QueryID: "qry_1"})
	sender := registry.Register(Filter{QueryID: "qry_1"})

	delivered, err := broadcaster.Broadcast(context.Background(), Envelope{Type: TypeMessageAdded, QueryID: "qry_1"}, sender.ID)
	if err != nil || delivered != 1 {
		t.Fatalf("Broadcast() = %d, %v, want 1 delivery", delivered, err)
	}
	if env := waitFrame(t, listener); env.Type != TypeMessageAdded {
		t.Fatalf("frame type = %q", env.Type)
	}
	if n := len(sender.Frames()); n != 0 {
		t.Fatalf("excluded connection has %d frames", n)
	}

	// Without the subscription nothing reaches the registry.
	broadcaster.Close()
	delivered, err = broadcaster.Broadcast(context.Background(), Envelope{Type: TypeMessageAdded, QueryID: "qry_1"}, "")
	if err == nil || delivered != 0 {
		t.Fatalf("Broadcast() after Close = %d, %v, want timeout", delivered, err)
	}
	if n := len(listener.Frames()); n != 0 {
		t.Fatalf("listener has %d frames after Close", n)
	}
}
