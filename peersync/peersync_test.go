package peersync

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/InstruktAI/TeleClaude-sub013/bus"
	"github.com/InstruktAI/TeleClaude-sub013/cache"
	kerrors "github.com/InstruktAI/TeleClaude-sub013/errors"
	"github.com/InstruktAI/TeleClaude-sub013/heartbeat"
)

func newSyncer(t *testing.T, b bus.MessageBus, c *cache.Cache, peers ...string) *Syncer {
	t.Helper()
	s, err := New(Config{
		ComputerName: "home",
		Cache:        c,
		Bus:          b,
		Peers:        peers,
		PullTimeout:  150 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

// startResponder serves src as computer and waits until it answers.
func startResponder(t *testing.T, ctx context.Context, b bus.MessageBus, computer string, src LocalSource) {
	t.Helper()
	r, err := NewResponder(ResponderConfig{ComputerName: computer, Bus: b, Source: src})
	if err != nil {
		t.Fatalf("NewResponder: %v", err)
	}
	go r.Run(ctx)

	req, _ := json.Marshal(PullRequest{Requester: "probe", Category: cache.CategoryProject})
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		rctx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
		_, err := b.Request(rctx, PullSubject(computer, cache.CategoryProject), req)
		cancel()
		if err == nil {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("responder %s never became ready", computer)
}

func sourceWithProjects(names ...string) *MemorySource {
	src := NewMemorySource()
	var projects []cache.Project
	for _, n := range names {
		projects = append(projects, cache.Project{Name: n, Path: "/src/" + n})
	}
	src.SetProjects(projects)
	return src
}

func TestNew_InvalidConfig(t *testing.T) {
	if _, err := New(Config{}); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("expected ErrInvalidConfig, got %v", err)
	}
}

func TestPull_SlowPeerDoesNotBlockOthers(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b := bus.NewMemoryBus(bus.DefaultConfig())
	defer b.Close()

	startResponder(t, ctx, b, "alpha", sourceWithProjects("api"))
	startResponder(t, ctx, b, "beta", sourceWithProjects("web", "docs"))

	// gamma receives requests but never answers
	silent, err := b.Subscribe(PullSubject("gamma", cache.CategoryProject))
	if err != nil {
		t.Fatal(err)
	}
	defer silent.Unsubscribe()

	c := cache.New(cache.Config{})
	s := newSyncer(t, b, c, "alpha", "beta", "gamma")

	start := time.Now()
	report, err := s.Pull(ctx, cache.CategoryProject)
	if err != nil {
		t.Fatalf("Pull: %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("pull took %v, expected roughly one peer timeout", elapsed)
	}

	if len(report.Succeeded) != 2 {
		t.Errorf("expected 2 successful peers, got %v", report.Succeeded)
	}
	if !kerrors.Is(report.Failed["gamma"], kerrors.ErrCodeTimeout) {
		t.Errorf("expected gamma TIMEOUT, got %v", report.Failed["gamma"])
	}

	got := c.Projects()
	if got.State != cache.Ok {
		t.Fatalf("expected Ok, got %s", got.State)
	}
	if len(got.Value) != 2 {
		t.Fatalf("expected 2 snapshots, got %d", len(got.Value))
	}
	if got.Value[0].Computer != "alpha" || got.Value[1].Computer != "beta" {
		t.Errorf("unexpected snapshots: %+v", got.Value)
	}
	if len(got.Value[1].Projects) != 2 {
		t.Errorf("expected beta to contribute 2 projects, got %d", len(got.Value[1].Projects))
	}
	if s.State(cache.CategoryProject) != StateFresh {
		t.Errorf("State = %s, want fresh", s.State(cache.CategoryProject))
	}
}

func TestPull_OfflinePeer(t *testing.T) {
	b := bus.NewMemoryBus(bus.DefaultConfig())
	defer b.Close()

	c := cache.New(cache.Config{})
	s := newSyncer(t, b, c, "ghost")

	report, err := s.Pull(context.Background(), cache.CategoryTodo)
	if err != nil {
		t.Fatalf("Pull: %v", err)
	}
	if !kerrors.Is(report.Failed["ghost"], kerrors.ErrCodePeerOffline) {
		t.Errorf("expected PEER_OFFLINE, got %v", report.Failed["ghost"])
	}
	if got := c.Todos(); got.State != cache.Unavailable {
		t.Errorf("expected Unavailable when every peer failed, got %s", got.State)
	}
	if s.State(cache.CategoryTodo) != StateStale {
		t.Errorf("State = %s, want stale", s.State(cache.CategoryTodo))
	}
}

func TestPull_NoPeersIsEmptyOk(t *testing.T) {
	b := bus.NewMemoryBus(bus.DefaultConfig())
	defer b.Close()

	c := cache.New(cache.Config{})
	s := newSyncer(t, b, c)

	if _, err := s.Pull(context.Background(), cache.CategoryProject); err != nil {
		t.Fatal(err)
	}
	got := c.Projects()
	if got.State != cache.Ok || len(got.Value) != 0 {
		t.Errorf("expected empty Ok, got %s %v", got.State, got.Value)
	}
}

func TestPull_RejectsInvalidPayload(t *testing.T) {
	tests := []struct {
		name    string
		payload string
	}{
		{"not json", `{{`},
		{"missing computer", `{"category":"project","items":[]}`},
		{"item missing name", `{"computer":"rogue","category":"project","items":[{"path":"/x"}]}`},
		{"items not array", `{"computer":"rogue","category":"project","items":{"name":"x"}}`},
		{"wrong computer", `{"computer":"other","category":"project","items":[]}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			b := bus.NewMemoryBus(bus.DefaultConfig())
			defer b.Close()

			sub, err := b.Subscribe(PullSubject("rogue", cache.CategoryProject))
			if err != nil {
				t.Fatal(err)
			}
			go func() {
				for {
					select {
					case <-ctx.Done():
						return
					case msg, ok := <-sub.Messages():
						if !ok {
							return
						}
						b.Publish(msg.Reply, []byte(tt.payload))
					}
				}
			}()

			c := cache.New(cache.Config{})
			s := newSyncer(t, b, c, "rogue")

			report, err := s.Pull(ctx, cache.CategoryProject)
			if err != nil {
				t.Fatal(err)
			}
			if !kerrors.Is(report.Failed["rogue"], kerrors.ErrCodeInvalidInput) {
				t.Errorf("expected INVALID_INPUT, got %v", report.Failed["rogue"])
			}
			if got := c.Get(cache.CategoryProject, "rogue"); got.Found() {
				t.Error("rejected payload must not reach the cache")
			}
		})
	}
}

func TestPull_PeerReportedError(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b := bus.NewMemoryBus(bus.DefaultConfig())
	defer b.Close()

	sub, _ := b.Subscribe(PullSubject("busy", cache.CategoryTodo))
	go func() {
		msg, ok := <-sub.Messages()
		if !ok {
			return
		}
		data, _ := json.Marshal(PullResponse{
			Computer: "busy",
			Category: cache.CategoryTodo,
			Error:    kerrors.Unavailable("todo index rebuilding"),
		})
		b.Publish(msg.Reply, data)
	}()

	s := newSyncer(t, b, cache.New(cache.Config{}), "busy")
	report, err := s.Pull(ctx, cache.CategoryTodo)
	if err != nil {
		t.Fatal(err)
	}
	if !kerrors.Is(report.Failed["busy"], kerrors.ErrCodeUnavailable) {
		t.Errorf("expected UNAVAILABLE from peer, got %v", report.Failed["busy"])
	}
}

func TestPull_NotPullable(t *testing.T) {
	b := bus.NewMemoryBus(bus.DefaultConfig())
	defer b.Close()
	s := newSyncer(t, b, cache.New(cache.Config{}))

	if _, err := s.Pull(context.Background(), cache.CategoryPresence); !errors.Is(err, ErrNotPullable) {
		t.Errorf("expected ErrNotPullable, got %v", err)
	}
}

func TestPull_SessionsReconciledPerPeer(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b := bus.NewMemoryBus(bus.DefaultConfig())
	defer b.Close()

	src := NewMemorySource()
	src.PutSession(cache.Session{ID: "s1", Title: "one", Status: "active", Seq: 1})
	src.PutSession(cache.Session{ID: "s2", Title: "two", Status: "idle", Seq: 1})
	startResponder(t, ctx, b, "alpha", src)

	c := cache.New(cache.Config{})
	s := newSyncer(t, b, c, "alpha")

	if _, err := s.Pull(ctx, cache.CategorySession); err != nil {
		t.Fatal(err)
	}
	if n := len(c.SessionsForComputer("alpha")); n != 2 {
		t.Fatalf("expected 2 sessions, got %d", n)
	}

	src.RemoveSession("s2")
	if _, err := s.Pull(ctx, cache.CategorySession); err != nil {
		t.Fatal(err)
	}
	sessions := c.SessionsForComputer("alpha")
	if len(sessions) != 1 || sessions[0].ID != "s1" {
		t.Errorf("expected only s1 after re-pull, got %+v", sessions)
	}
}

func TestReceiveHeartbeat(t *testing.T) {
	b := bus.NewMemoryBus(bus.DefaultConfig())
	defer b.Close()

	c := cache.New(cache.Config{})
	s := newSyncer(t, b, c, "static")

	now := time.Now()
	if err := s.ReceiveHeartbeat(&heartbeat.Heartbeat{ComputerName: "home", Timestamp: now}); err != nil {
		t.Fatalf("own heartbeat: %v", err)
	}
	if c.Presence("home").Found() {
		t.Error("own heartbeat must not be cached")
	}

	if err := s.ReceiveHeartbeat(&heartbeat.Heartbeat{ComputerName: "laptop", Capabilities: []string{"tmux"}, Timestamp: now}); err != nil {
		t.Fatal(err)
	}
	p := c.Presence("laptop")
	if !p.Found() || p.Value.Capabilities[0] != "tmux" {
		t.Errorf("unexpected presence: %+v", p)
	}

	err := s.ReceiveHeartbeat(&heartbeat.Heartbeat{ComputerName: "bad.name", Timestamp: now})
	if !kerrors.Is(err, kerrors.ErrCodeInvalidInput) {
		t.Errorf("expected INVALID_INPUT, got %v", err)
	}

	peers := s.KnownPeers()
	if len(peers) != 2 || peers[0] != "laptop" || peers[1] != "static" {
		t.Errorf("KnownPeers = %v", peers)
	}

	select {
	case <-s.kick:
	default:
		t.Error("new peer should wake the reconcile loop")
	}
}

func TestInterest_FirstRegistrationPulls(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b := bus.NewMemoryBus(bus.DefaultConfig())
	defer b.Close()
	startResponder(t, ctx, b, "alpha", sourceWithProjects("api"))

	c := cache.New(cache.Config{})
	s := newSyncer(t, b, c, "alpha")

	if s.State(cache.CategoryProject) != StateUnknown {
		t.Errorf("expected unknown before interest")
	}
	report, err := s.Interest(ctx, cache.CategoryProject)
	if err != nil || report == nil {
		t.Fatalf("first Interest: %v %v", report, err)
	}
	if !c.Projects().Found() {
		t.Error("first interest should populate the cache")
	}
	report, err = s.Interest(ctx, cache.CategoryProject)
	if err != nil || report != nil {
		t.Errorf("second Interest should not pull: %v %v", report, err)
	}
	if got := s.Interests(); len(got) != 1 || got[0] != cache.CategoryProject {
		t.Errorf("Interests = %v", got)
	}
}

func TestRefresh_InvalidatesThenRepulls(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b := bus.NewMemoryBus(bus.DefaultConfig())
	defer b.Close()

	src := sourceWithProjects("api")
	startResponder(t, ctx, b, "alpha", src)

	c := cache.New(cache.Config{})
	s := newSyncer(t, b, c, "alpha")
	if _, err := s.Interest(ctx, cache.CategoryProject); err != nil {
		t.Fatal(err)
	}
	c.Update(cache.CategoryPresence, "laptop", cache.ComputerPresence{Name: "laptop"})

	src.SetProjects([]cache.Project{{Name: "api", Path: "/a"}, {Name: "cli", Path: "/c"}})
	reports, err := s.Refresh(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(reports) != 1 {
		t.Fatalf("expected one report, got %d", len(reports))
	}

	if c.Presence("laptop").Found() {
		t.Error("refresh should drop cached presence")
	}
	snap := cache.As[cache.ProjectSnapshot](c.Get(cache.CategoryProject, "alpha"))
	if !snap.Found() || len(snap.Value.Projects) != 2 {
		t.Errorf("expected refreshed snapshot with 2 projects, got %+v", snap)
	}
}

func sessionEvent(t *testing.T, ev SessionEvent) []byte {
	t.Helper()
	data, err := json.Marshal(ev)
	if err != nil {
		t.Fatal(err)
	}
	return data
}

func TestApplyEventData(t *testing.T) {
	b := bus.NewMemoryBus(bus.DefaultConfig())
	defer b.Close()
	c := cache.New(cache.Config{})
	s := newSyncer(t, b, c)

	now := time.Now().UTC()
	update := func(seq uint64, title string) []byte {
		return sessionEvent(t, SessionEvent{
			Type: EventSessionUpdated, Computer: "alpha", SessionID: "s1", Seq: seq, Timestamp: now,
			Session: &cache.Session{ID: "s1", Computer: "alpha", Title: title, Status: "active", Seq: seq, UpdatedAt: now},
		})
	}

	if err := s.ApplyEventData(EventSubject("alpha"), update(5, "v5")); err != nil {
		t.Fatal(err)
	}
	if err := s.ApplyEventData(EventSubject("alpha"), update(3, "v3")); err != nil {
		t.Fatal(err)
	}
	if got := c.Session("s1"); got.Value.Title != "v5" {
		t.Errorf("older event must not overwrite newer, got %q", got.Value.Title)
	}

	// stale close is ignored
	closed := func(seq uint64) []byte {
		return sessionEvent(t, SessionEvent{Type: EventSessionClosed, Computer: "alpha", SessionID: "s1", Seq: seq, Timestamp: now})
	}
	s.ApplyEventData(EventSubject("alpha"), closed(4))
	if !c.Session("s1").Found() {
		t.Error("close with older seq must be ignored")
	}
	s.ApplyEventData(EventSubject("alpha"), closed(6))
	if c.Session("s1").Found() {
		t.Error("close should remove session")
	}

	// subject and payload disagree
	err := s.ApplyEventData(EventSubject("beta"), update(7, "spoof"))
	if !kerrors.Is(err, kerrors.ErrCodeInvalidInput) {
		t.Errorf("expected INVALID_INPUT for spoofed source, got %v", err)
	}

	// missing required field
	err = s.ApplyEventData(EventSubject("alpha"), []byte(`{"type":"session.updated","computer":"alpha"}`))
	if !kerrors.Is(err, kerrors.ErrCodeInvalidInput) {
		t.Errorf("expected INVALID_INPUT, got %v", err)
	}

	// own events are ignored
	if err := s.ApplyEventData(EventSubject("home"), []byte("garbage")); err != nil {
		t.Errorf("own event should be ignored, got %v", err)
	}
}

func TestPull_LateSnapshotDoesNotReviveClosedSession(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b := bus.NewMemoryBus(bus.DefaultConfig())
	defer b.Close()

	sub, err := b.Subscribe(PullSubject("alpha", cache.CategorySession))
	if err != nil {
		t.Fatal(err)
	}
	received := make(chan struct{})
	reply := make(chan struct{})
	go func() {
		msg, ok := <-sub.Messages()
		if !ok {
			return
		}
		close(received)
		<-reply
		items, _ := json.Marshal([]cache.Session{{ID: "s1", Computer: "alpha", Title: "old", Status: "active", Seq: 5}})
		data, _ := json.Marshal(PullResponse{
			Computer: "alpha",
			Category: cache.CategorySession,
			Items:    items,
		})
		b.Publish(msg.Reply, data)
	}()

	c := cache.New(cache.Config{})
	s := newSyncer(t, b, c, "alpha")

	done := make(chan error, 1)
	go func() {
		_, err := s.Pull(ctx, cache.CategorySession)
		done <- err
	}()

	<-received
	closed := sessionEvent(t, SessionEvent{
		Type: EventSessionClosed, Computer: "alpha", SessionID: "s1", Seq: 10, Timestamp: time.Now().UTC(),
	})
	if err := s.ApplyEventData(EventSubject("alpha"), closed); err != nil {
		t.Fatal(err)
	}
	close(reply)

	if err := <-done; err != nil {
		t.Fatal(err)
	}
	if got := c.Session("s1"); got.Found() {
		t.Errorf("closed session came back from a late snapshot: %+v", got.Value)
	}
}

func TestEventConsumer_PublisherRoundTrip(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b := bus.NewMemoryBus(bus.DefaultConfig())
	defer b.Close()
	stream := bus.NewMemoryStream()
	defer stream.Close()

	c := cache.New(cache.Config{})
	s, err := New(Config{ComputerName: "home", Cache: c, Bus: b, Stream: stream})
	if err != nil {
		t.Fatal(err)
	}

	pub := NewPublisher("alpha", stream, nil)
	seq1, err := pub.SessionUpdated(ctx, cache.Session{ID: "s1", Title: "build", Status: "active"})
	if err != nil {
		t.Fatal(err)
	}
	seq2, _ := pub.SessionUpdated(ctx, cache.Session{ID: "s2", Title: "test", Status: "active"})
	if seq2 <= seq1 {
		t.Errorf("sequences must increase: %d then %d", seq1, seq2)
	}
	pub.SessionClosed(ctx, "s1")

	done := make(chan error, 1)
	go func() { done <- s.RunEventConsumer(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if c.Session("s2").Found() && !c.Session("s1").Found() {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if !c.Session("s2").Found() || c.Session("s1").Found() {
		t.Fatalf("expected only s2 cached, got %+v", c.Sessions())
	}
	if got := c.Session("s2").Value.Computer; got != "alpha" {
		t.Errorf("Computer = %q", got)
	}

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}
