package bus

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"
)

// getNATSURL returns the NATS URL for testing, or skips the test.
func getNATSURL(t *testing.T) string {
	url := os.Getenv("NATS_URL")
	if url == "" {
		url = "nats://localhost:4222"
	}

	// Skip if short mode or NATS not available
	if testing.Short() {
		t.Skip("skipping NATS test in short mode")
	}

	cfg := DefaultNATSConfig()
	cfg.URL = url
	cfg.ConnectTimeout = 2 * time.Second
	cfg.MaxReconnects = 0

	bus, err := NewNATSBus(cfg)
	if err != nil {
		t.Skipf("skipping: NATS not available at %s: %v", url, err)
	}
	bus.Close()

	return url
}

func newTestNATSBus(t *testing.T) *NATSBus {
	t.Helper()
	cfg := DefaultNATSConfig()
	cfg.URL = getNATSURL(t)
	bus, err := NewNATSBus(cfg)
	if err != nil {
		t.Fatalf("NewNATSBus error: %v", err)
	}
	t.Cleanup(func() { bus.Close() })
	return bus
}

// --- Integration Tests ---

func TestNATSBus_PubSub(t *testing.T) {
	bus := newTestNATSBus(t)

	sub, err := bus.Subscribe("test.heartbeat.*")
	if err != nil {
		t.Fatalf("Subscribe error: %v", err)
	}
	defer sub.Unsubscribe()

	if err := bus.Publish("test.heartbeat.laptop", []byte("hello nats")); err != nil {
		t.Fatalf("Publish error: %v", err)
	}

	select {
	case msg := <-sub.Messages():
		if string(msg.Data) != "hello nats" {
			t.Errorf("data = %q, want %q", msg.Data, "hello nats")
		}
	case <-time.After(2 * time.Second):
		t.Error("timeout waiting for message")
	}
}

func TestNATSBus_Request(t *testing.T) {
	bus := newTestNATSBus(t)

	sub, _ := bus.Subscribe("test.pull.desk.project")
	go func() {
		for msg := range sub.Messages() {
			if msg.Reply != "" {
				bus.Publish(msg.Reply, []byte("nats-pong"))
			}
		}
	}()
	defer sub.Unsubscribe()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	reply, err := bus.Request(ctx, "test.pull.desk.project", []byte("ping"))
	if err != nil {
		t.Fatalf("Request error: %v", err)
	}
	if string(reply.Data) != "nats-pong" {
		t.Errorf("reply = %q, want %q", reply.Data, "nats-pong")
	}
}

func TestNATSBus_RequestNoResponders(t *testing.T) {
	bus := newTestNATSBus(t)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, err := bus.Request(ctx, "test.nobody.home", nil)
	if err != ErrNoResponders && err != ErrTimeout {
		t.Errorf("expected ErrNoResponders or ErrTimeout, got %v", err)
	}
}

func TestNATSBus_PublishAfterClose(t *testing.T) {
	cfg := DefaultNATSConfig()
	cfg.URL = getNATSURL(t)
	bus, err := NewNATSBus(cfg)
	if err != nil {
		t.Fatalf("NewNATSBus error: %v", err)
	}
	bus.Close()

	if err := bus.Publish("test", []byte("x")); err != ErrClosed {
		t.Errorf("expected ErrClosed, got %v", err)
	}
}

func TestJetStream_DurableReplay(t *testing.T) {
	bus := newTestNATSBus(t)

	name := fmt.Sprintf("TEST_EVENTS_%d", time.Now().UnixNano())
	cfg := DefaultJetStreamConfig()
	cfg.Stream = name
	cfg.Subjects = []string{name + ".>"}
	cfg.FetchWait = 200 * time.Millisecond

	js, err := NewJetStream(bus.Conn(), cfg)
	if err != nil {
		t.Skipf("skipping: JetStream not enabled: %v", err)
	}
	ctx := context.Background()
	defer js.js.DeleteStream(ctx, name)

	for i := 0; i < 3; i++ {
		if _, err := js.Append(ctx, name+".desk", []byte{byte('a' + i)}); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	got := collect(t, js, "replayer", name+".>", 3)
	if len(got) != 3 || string(got[0].Data) != "a" || string(got[2].Data) != "c" {
		t.Errorf("replay = %+v", got)
	}
	for i := 1; i < len(got); i++ {
		if got[i].Seq <= got[i-1].Seq {
			t.Errorf("out of order: %d after %d", got[i].Seq, got[i-1].Seq)
		}
	}
}
