package cache

import (
	"testing"
	"time"

	"github.com/InstruktAI/TeleClaude-sub013/clock"
)

var epoch = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

func newTestCache() (*Cache, *clock.FakeClock) {
	clk := clock.Fake(epoch)
	return New(Config{Clock: clk}), clk
}

func TestPresence_ExpiresAfterTTL(t *testing.T) {
	c, clk := newTestCache()
	c.Update(CategoryPresence, "laptop", ComputerPresence{Name: "laptop", LastHeartbeat: epoch})

	tests := []struct {
		at      time.Duration
		present bool
	}{
		{0, true},
		{59 * time.Second, true},
		{60 * time.Second, true},
		{61 * time.Second, false},
	}
	for _, tt := range tests {
		clk.Set(epoch.Add(tt.at))
		got := len(c.Online()) == 1
		if got != tt.present {
			t.Errorf("t=%v: present = %v, want %v", tt.at, got, tt.present)
		}
		if c.Presence("laptop").Found() != tt.present {
			t.Errorf("t=%v: Presence lookup mismatch", tt.at)
		}
	}
}

func TestIsStale_MatchesTTL(t *testing.T) {
	c, clk := newTestCache()
	c.Update(CategoryProject, "desk", ProjectSnapshot{Computer: "desk"})
	c.Update(CategorySession, "s1", Session{ID: "s1", Computer: "desk"})

	if c.IsStale(CategoryProject, "desk") {
		t.Error("fresh project snapshot reported stale")
	}
	if !c.IsStale(CategoryProject, "missing") {
		t.Error("missing key should be stale")
	}

	clk.Advance(5*time.Minute + time.Second)
	if !c.IsStale(CategoryProject, "desk") {
		t.Error("project snapshot past TTL should be stale")
	}
	if got := c.Get(CategoryProject, "desk"); got.State != Absent {
		t.Errorf("expired Get state = %s, want absent", got.State)
	}
	if c.IsStale(CategorySession, "s1") {
		t.Error("sessions have no TTL")
	}
}

func TestUpdate_ResetsInsertedAt(t *testing.T) {
	c, clk := newTestCache()
	c.Update(CategoryPresence, "a", ComputerPresence{Name: "a"})
	clk.Advance(50 * time.Second)
	c.Update(CategoryPresence, "a", ComputerPresence{Name: "a"})
	clk.Advance(50 * time.Second)

	if !c.Presence("a").Found() {
		t.Error("refreshed presence should still be live")
	}
}

func TestUpdate_WrongType(t *testing.T) {
	c, _ := newTestCache()
	if _, err := c.Update(CategoryPresence, "a", "not presence"); err != ErrWrongType {
		t.Errorf("err = %v, want ErrWrongType", err)
	}
	if _, err := c.Update(Category("bogus"), "a", nil); err != ErrUnknownCategory {
		t.Errorf("err = %v, want ErrUnknownCategory", err)
	}
}

func TestCollections_EmptyIsNotAbsent(t *testing.T) {
	c, _ := newTestCache()

	if got := c.Projects(); got.State != Absent {
		t.Fatalf("never-fetched projects = %s, want absent", got.State)
	}

	c.MarkPopulated(CategoryProject)
	got := c.Projects()
	if got.State != Ok {
		t.Fatalf("populated projects = %s, want ok", got.State)
	}
	if len(got.Value) != 0 {
		t.Errorf("Value = %v, want empty", got.Value)
	}
}

func TestMarkUnavailable(t *testing.T) {
	c, _ := newTestCache()
	c.MarkUnavailable(CategoryTodo)

	if got := c.Todos(); got.State != Unavailable {
		t.Errorf("Todos state = %s, want unavailable", got.State)
	}
	if got := c.Get(CategoryTodo, "desk"); got.State != Unavailable {
		t.Errorf("Get state = %s, want unavailable", got.State)
	}

	c.Update(CategoryTodo, "desk", TodoSnapshot{Computer: "desk"})
	if got := c.Todos(); got.State != Ok || len(got.Value) != 1 {
		t.Errorf("after update: %s %v", got.State, got.Value)
	}
}

func TestInvalidateAll(t *testing.T) {
	c, _ := newTestCache()
	c.Update(CategoryPresence, "a", ComputerPresence{Name: "a"})
	c.Update(CategoryProject, "a", ProjectSnapshot{Computer: "a"})
	c.Update(CategorySession, "s1", Session{ID: "s1", Computer: "a", Status: "active"})
	c.MarkPopulated(CategoryProject)

	c.InvalidateAll()

	for _, cat := range Categories {
		for _, key := range []string{"a", "s1"} {
			if got := c.Get(cat, key); got.State != Absent {
				t.Errorf("%s/%s = %s after invalidate", cat, key, got.State)
			}
		}
		if !c.CategoryStale(cat) {
			t.Errorf("%s should be stale after invalidate", cat)
		}
	}
	if len(c.SessionsForComputer("a")) != 0 || len(c.SessionsByStatus("active")) != 0 {
		t.Error("indices not cleared")
	}
	if c.Projects().State != Absent {
		t.Error("projects should be absent after invalidate")
	}

	c.Update(CategoryProject, "a", ProjectSnapshot{Computer: "a"})
	if !c.Get(CategoryProject, "a").Found() {
		t.Error("repopulate failed")
	}
}

func TestSessionIndices(t *testing.T) {
	c, _ := newTestCache()
	c.Update(CategorySession, "s1", Session{ID: "s1", Computer: "desk", Status: "active", Seq: 1})
	c.Update(CategorySession, "s2", Session{ID: "s2", Computer: "desk", Status: "idle", Seq: 1})
	c.Update(CategorySession, "s3", Session{ID: "s3", Computer: "laptop", Status: "active", Seq: 1})

	if got := c.SessionsForComputer("desk"); len(got) != 2 || got[0].ID != "s1" || got[1].ID != "s2" {
		t.Errorf("desk sessions = %+v", got)
	}
	if got := c.SessionsByStatus("active"); len(got) != 2 {
		t.Errorf("active sessions = %+v", got)
	}

	// status change moves the session between status buckets
	c.Update(CategorySession, "s1", Session{ID: "s1", Computer: "desk", Status: "idle", Seq: 2})
	if got := c.SessionsByStatus("active"); len(got) != 1 || got[0].ID != "s3" {
		t.Errorf("active after move = %+v", got)
	}
	if got := c.SessionsByStatus("idle"); len(got) != 2 {
		t.Errorf("idle after move = %+v", got)
	}

	c.Delete(CategorySession, "s2")
	if got := c.SessionsForComputer("desk"); len(got) != 1 {
		t.Errorf("desk after delete = %+v", got)
	}
}

func TestSessionSeqOrdering(t *testing.T) {
	c, _ := newTestCache()
	c.Update(CategorySession, "s1", Session{ID: "s1", Status: "busy", Seq: 5})

	applied, _ := c.Update(CategorySession, "s1", Session{ID: "s1", Status: "idle", Seq: 4})
	if applied {
		t.Error("older seq should be ignored")
	}
	if got := c.Session("s1"); got.Value.Status != "busy" {
		t.Errorf("status = %s, want busy", got.Value.Status)
	}

	applied, _ = c.Update(CategorySession, "s1", Session{ID: "s1", Status: "idle", Seq: 6})
	if !applied || c.Session("s1").Value.Status != "idle" {
		t.Error("newer seq should apply")
	}
}

func TestCloseSession_RejectsLateSnapshots(t *testing.T) {
	c, clk := newTestCache()
	c.Update(CategorySession, "s1", Session{ID: "s1", Computer: "alpha", Status: "busy", Seq: 5})

	if c.CloseSession("s1", 4) {
		t.Error("close older than the cached snapshot should be ignored")
	}
	if !c.CloseSession("s1", 10) {
		t.Fatal("close should apply")
	}
	if c.Session("s1").Found() || len(c.SessionsForComputer("alpha")) != 0 {
		t.Fatal("closed session should be gone from entries and indices")
	}

	tests := []struct {
		seq  uint64
		want bool
	}{
		{5, false},
		{10, false},
		{0, false},
		{11, true},
	}
	for _, tt := range tests {
		c.CloseSession("s1", 10)
		applied, err := c.Update(CategorySession, "s1", Session{ID: "s1", Computer: "alpha", Seq: tt.seq})
		if err != nil {
			t.Fatal(err)
		}
		if applied != tt.want {
			t.Errorf("Update seq %d after close at 10: applied = %v, want %v", tt.seq, applied, tt.want)
		}
	}

	// the close record survives a full invalidation
	c.CloseSession("s1", 12)
	c.InvalidateAll()
	if applied, _ := c.Update(CategorySession, "s1", Session{ID: "s1", Seq: 12}); applied {
		t.Error("InvalidateAll must not forget closed sessions")
	}

	// and expires after the retention window
	clk.Advance(2 * time.Hour)
	c.Sweep()
	if applied, _ := c.Update(CategorySession, "s1", Session{ID: "s1", Seq: 1}); !applied {
		t.Error("close record should be swept after retention")
	}
}

func TestSweep(t *testing.T) {
	c, clk := newTestCache()
	c.Update(CategoryPresence, "a", ComputerPresence{Name: "a"})
	c.Update(CategoryProject, "a", ProjectSnapshot{Computer: "a"})
	c.Update(CategorySession, "s1", Session{ID: "s1"})

	clk.Advance(2 * time.Minute)
	if n := c.Sweep(); n != 1 {
		t.Errorf("Sweep() = %d, want 1", n)
	}
	if got := c.Keys(CategoryProject); len(got) != 1 {
		t.Errorf("project keys = %v", got)
	}
}

func TestCustomTTL(t *testing.T) {
	clk := clock.Fake(epoch)
	c := New(Config{Clock: clk, TTLs: map[Category]time.Duration{CategoryPresence: 10 * time.Second}})
	c.Update(CategoryPresence, "a", ComputerPresence{Name: "a"})

	clk.Advance(11 * time.Second)
	if len(c.Online()) != 0 {
		t.Error("custom TTL not applied")
	}
	if c.TTL(CategoryProject) != 5*time.Minute {
		t.Errorf("unset TTL = %v", c.TTL(CategoryProject))
	}
}

func TestSubscribe(t *testing.T) {
	c, _ := newTestCache()
	ch, cancel := c.Subscribe()
	defer cancel()

	c.Update(CategoryPresence, "a", ComputerPresence{Name: "a"})
	c.Delete(CategoryPresence, "a")
	c.InvalidateAll()

	want := []Op{OpUpdated, OpDeleted, OpInvalidated}
	for _, op := range want {
		select {
		case got := <-ch:
			if got.Op != op {
				t.Errorf("op = %s, want %s", got.Op, op)
			}
		default:
			t.Fatalf("missing %s change", op)
		}
	}
}

func TestSubscribe_DropsWhenFull(t *testing.T) {
	clk := clock.Fake(epoch)
	c := New(Config{Clock: clk, SubscriberBuffer: 1})
	ch, cancel := c.Subscribe()
	defer cancel()

	c.Update(CategoryPresence, "a", ComputerPresence{Name: "a"})
	c.Update(CategoryPresence, "b", ComputerPresence{Name: "b"})

	if len(ch) != 1 {
		t.Errorf("buffered = %d, want 1", len(ch))
	}
}
