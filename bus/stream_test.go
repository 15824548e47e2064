package bus

import (
	"context"
	"errors"
	"testing"
	"time"
)

func collect(t *testing.T, s EventStream, durable, filter string, n int) []StreamMessage {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	out := make(chan StreamMessage, n)
	done := make(chan error, 1)
	go func() {
		done <- s.Consume(ctx, durable, filter, func(m StreamMessage) {
			out <- m
			if len(out) == n {
				cancel()
			}
		})
	}()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Consume = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timeout: got %d of %d", len(out), n)
	}
	close(out)

	var msgs []StreamMessage
	for m := range out {
		msgs = append(msgs, m)
	}
	return msgs
}

func TestMemoryStream_ReplayInOrder(t *testing.T) {
	s := NewMemoryStream()
	defer s.Close()
	ctx := context.Background()

	for _, subj := range []string{"ev.desk", "ev.laptop", "ev.desk"} {
		if _, err := s.Append(ctx, subj, []byte(subj)); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	msgs := collect(t, s, "c1", "ev.>", 3)
	for i, m := range msgs {
		if m.Seq != uint64(i+1) {
			t.Errorf("msg %d seq = %d", i, m.Seq)
		}
	}
}

func TestMemoryStream_DurableResume(t *testing.T) {
	s := NewMemoryStream()
	defer s.Close()
	ctx := context.Background()

	s.Append(ctx, "ev.a", []byte("1"))
	s.Append(ctx, "ev.a", []byte("2"))
	first := collect(t, s, "c1", "ev.>", 2)
	if len(first) != 2 {
		t.Fatalf("first run = %d", len(first))
	}

	s.Append(ctx, "ev.a", []byte("3"))
	second := collect(t, s, "c1", "ev.>", 1)
	if len(second) != 1 || string(second[0].Data) != "3" {
		t.Errorf("resume delivered %+v, want only seq 3", second)
	}

	// a fresh consumer sees everything
	if all := collect(t, s, "c2", "ev.>", 3); len(all) != 3 {
		t.Errorf("new consumer got %d", len(all))
	}
}

func TestMemoryStream_Filter(t *testing.T) {
	s := NewMemoryStream()
	defer s.Close()
	ctx := context.Background()

	s.Append(ctx, "ev.desk", []byte("d"))
	s.Append(ctx, "ev.laptop", []byte("l"))

	msgs := collect(t, s, "c1", "ev.laptop", 1)
	if msgs[0].Subject != "ev.laptop" || msgs[0].Seq != 2 {
		t.Errorf("got %+v", msgs[0])
	}
	if s.Cursor("c1", "ev.laptop") != 2 {
		t.Errorf("cursor = %d", s.Cursor("c1", "ev.laptop"))
	}
}

func TestMemoryStream_FollowsLiveAppends(t *testing.T) {
	s := NewMemoryStream()
	defer s.Close()

	go func() {
		time.Sleep(20 * time.Millisecond)
		s.Append(context.Background(), "ev.x", []byte("late"))
	}()

	msgs := collect(t, s, "c1", "ev.>", 1)
	if string(msgs[0].Data) != "late" {
		t.Errorf("got %q", msgs[0].Data)
	}
}

func TestMemoryStream_Close(t *testing.T) {
	s := NewMemoryStream()
	done := make(chan error, 1)
	go func() {
		done <- s.Consume(context.Background(), "c1", "ev.>", func(StreamMessage) {})
	}()
	time.Sleep(10 * time.Millisecond)
	s.Close()

	select {
	case err := <-done:
		if err != ErrClosed {
			t.Errorf("Consume = %v, want ErrClosed", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Consume did not return on Close")
	}

	if _, err := s.Append(context.Background(), "ev.x", nil); err != ErrClosed {
		t.Errorf("Append after close = %v", err)
	}
}

func TestMemoryStream_InvalidConsumer(t *testing.T) {
	s := NewMemoryStream()
	defer s.Close()
	if err := s.Consume(context.Background(), "", "ev.>", nil); err != ErrInvalidConsumer {
		t.Errorf("err = %v", err)
	}
}
