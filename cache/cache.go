// Package cache is the daemon's passive store of remote state.
//
// The cache never fetches. Sync pushes values in with Update and readers get
// a tagged Lookup back, so "nothing cached yet" is never confused with "the
// peer has nothing". Each category has its own TTL; an expired entry reads as
// absent everywhere, even before it is swept from memory.
package cache

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/InstruktAI/TeleClaude-sub013/clock"
)

// ErrUnknownCategory is returned for a category outside Categories.
var ErrUnknownCategory = errors.New("unknown cache category")

// ErrWrongType is returned when a value does not match its category.
var ErrWrongType = errors.New("value type does not match category")

// Op describes a change published to subscribers.
type Op string

const (
	OpUpdated     Op = "updated"
	OpDeleted     Op = "deleted"
	OpInvalidated Op = "invalidated"
)

// Change is a notification that a key (or, for OpInvalidated, everything) changed.
type Change struct {
	Category Category
	Key      string
	Op       Op
}

// Config configures a Cache.
type Config struct {
	// TTLs overrides per-category lifetimes. Missing categories use DefaultTTLs.
	TTLs map[Category]time.Duration

	// Clock is the time source. Default: real clock.
	Clock clock.Clock

	// SubscriberBuffer is the channel size for Subscribe. Default: 64.
	SubscriberBuffer int

	// ClosedRetention is how long a closed session's seq is remembered to
	// reject late snapshots of it. Default: 1 hour.
	ClosedRetention time.Duration
}

// closedSession remembers the seq at which a session was closed.
type closedSession struct {
	seq      uint64
	closedAt time.Time
}

type entry struct {
	value      any
	insertedAt time.Time
}

// categoryMark records whether a category as a whole has been populated.
type categoryMark struct {
	populatedAt time.Time
	populated   bool
	unavailable bool
}

// Cache holds remote snapshots keyed by (category, key).
type Cache struct {
	clock clock.Clock
	ttls  map[Category]time.Duration

	mu      sync.RWMutex
	entries map[Category]map[string]*entry
	marks   map[Category]*categoryMark

	// secondary indices over CategorySession
	byComputer map[string]map[string]struct{}
	byStatus   map[string]map[string]struct{}

	// closed outlives InvalidateAll so a refresh cannot revive a session.
	closed          map[string]closedSession
	closedRetention time.Duration

	subMu     sync.Mutex
	subs      map[int]chan Change
	nextSub   int
	subBuffer int
}

// New creates an empty cache.
func New(cfg Config) *Cache {
	ttls := DefaultTTLs()
	for cat, ttl := range cfg.TTLs {
		if cat.Valid() && ttl >= 0 {
			ttls[cat] = ttl
		}
	}
	buf := cfg.SubscriberBuffer
	if buf <= 0 {
		buf = 64
	}
	retention := cfg.ClosedRetention
	if retention <= 0 {
		retention = time.Hour
	}
	c := &Cache{
		clock:           clock.OrReal(cfg.Clock),
		ttls:            ttls,
		closed:          make(map[string]closedSession),
		closedRetention: retention,
		subs:            make(map[int]chan Change),
		subBuffer:       buf,
	}
	c.reset()
	return c
}

func (c *Cache) reset() {
	c.entries = make(map[Category]map[string]*entry, len(Categories))
	c.marks = make(map[Category]*categoryMark, len(Categories))
	for _, cat := range Categories {
		c.entries[cat] = make(map[string]*entry)
		c.marks[cat] = &categoryMark{}
	}
	c.byComputer = make(map[string]map[string]struct{})
	c.byStatus = make(map[string]map[string]struct{})
}

// TTL returns the lifetime of category. Zero means unbounded.
func (c *Cache) TTL(category Category) time.Duration {
	return c.ttls[category]
}

func (c *Cache) expired(category Category, insertedAt, now time.Time) bool {
	ttl := c.ttls[category]
	return ttl > 0 && now.Sub(insertedAt) > ttl
}

// Get returns the value cached under (category, key).
func (c *Cache) Get(category Category, key string) Lookup[any] {
	now := c.clock.Now()
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.entries[category][key]
	if ok && !c.expired(category, e.insertedAt, now) {
		return okOf(e.value)
	}
	if m := c.marks[category]; m != nil && m.unavailable {
		return Lookup[any]{State: Unavailable}
	}
	return Lookup[any]{State: Absent}
}

// IsStale reports whether (category, key) needs fetching: it is missing or
// now - inserted_at exceeds the category TTL.
func (c *Cache) IsStale(category Category, key string) bool {
	now := c.clock.Now()
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.entries[category][key]
	if !ok {
		return true
	}
	return c.expired(category, e.insertedAt, now)
}

// CategoryStale reports whether category as a whole needs a pull: it was
// never populated, was invalidated, or its populate mark outlived the TTL.
func (c *Cache) CategoryStale(category Category) bool {
	now := c.clock.Now()
	c.mu.RLock()
	defer c.mu.RUnlock()

	m := c.marks[category]
	if m == nil || !m.populated {
		return true
	}
	return c.expired(category, m.populatedAt, now)
}

// Update stores value under (category, key) and resets its insertion time.
// Session values with a lower Seq than the stored one, or not newer than the
// Seq the session was closed at, are ignored; the returned bool reports
// whether the value was applied.
func (c *Cache) Update(category Category, key string, value any) (bool, error) {
	if !category.Valid() {
		return false, ErrUnknownCategory
	}
	if err := checkType(category, value); err != nil {
		return false, err
	}
	now := c.clock.Now()

	c.mu.Lock()
	bucket := c.entries[category]
	if category == CategorySession {
		next := value.(Session)
		if tomb, ok := c.closed[key]; ok && next.Seq <= tomb.seq {
			c.mu.Unlock()
			return false, nil
		}
		if old, ok := bucket[key]; ok {
			prev := old.value.(Session)
			if !c.expired(category, old.insertedAt, now) && next.Seq < prev.Seq {
				c.mu.Unlock()
				return false, nil
			}
			c.unindex(key, prev)
		}
		c.index(key, next)
	}
	bucket[key] = &entry{value: value, insertedAt: now}
	c.marks[category].unavailable = false
	c.mu.Unlock()

	c.publish(Change{Category: category, Key: key, Op: OpUpdated})
	return true, nil
}

func checkType(category Category, value any) error {
	var ok bool
	switch category {
	case CategoryPresence:
		_, ok = value.(ComputerPresence)
	case CategoryProject:
		_, ok = value.(ProjectSnapshot)
	case CategoryTodo:
		_, ok = value.(TodoSnapshot)
	case CategorySession:
		_, ok = value.(Session)
	}
	if !ok {
		return ErrWrongType
	}
	return nil
}

// Delete removes (category, key). Deleting a missing key is a no-op.
func (c *Cache) Delete(category Category, key string) {
	c.mu.Lock()
	e, ok := c.entries[category][key]
	if ok {
		delete(c.entries[category], key)
		if category == CategorySession {
			c.unindex(key, e.value.(Session))
		}
	}
	c.mu.Unlock()

	if ok {
		c.publish(Change{Category: category, Key: key, Op: OpDeleted})
	}
}

// CloseSession removes session id as of seq and remembers seq, so snapshots
// of the session that are not newer are rejected afterwards. A close older
// than the cached snapshot is ignored and CloseSession returns false.
func (c *Cache) CloseSession(id string, seq uint64) bool {
	now := c.clock.Now()
	c.mu.Lock()
	bucket := c.entries[CategorySession]
	e, ok := bucket[id]
	if ok {
		if cur := e.value.(Session); cur.Seq > seq {
			c.mu.Unlock()
			return false
		}
		delete(bucket, id)
		c.unindex(id, e.value.(Session))
	}
	if tomb, seen := c.closed[id]; !seen || seq > tomb.seq {
		c.closed[id] = closedSession{seq: seq, closedAt: now}
	}
	c.mu.Unlock()

	if ok {
		c.publish(Change{Category: CategorySession, Key: id, Op: OpDeleted})
	}
	return true
}

// MarkPopulated records that a pull of category completed, so collection
// reads answer Ok even when no peer had anything.
func (c *Cache) MarkPopulated(category Category) {
	now := c.clock.Now()
	c.mu.Lock()
	if m := c.marks[category]; m != nil {
		m.populated = true
		m.populatedAt = now
		m.unavailable = false
	}
	c.mu.Unlock()
}

// MarkUnavailable records that the last pull of category reached no peer.
// Reads of absent keys in the category then report Unavailable until the
// next successful Update or MarkPopulated.
func (c *Cache) MarkUnavailable(category Category) {
	c.mu.Lock()
	if m := c.marks[category]; m != nil {
		m.unavailable = true
	}
	c.mu.Unlock()
}

// InvalidateAll drops every entry, index and category mark. It does not fetch.
func (c *Cache) InvalidateAll() {
	c.mu.Lock()
	c.reset()
	c.mu.Unlock()

	c.publish(Change{Op: OpInvalidated})
}

// Sweep purges expired entries from memory and returns how many it removed.
// Close records older than ClosedRetention are dropped as well.
func (c *Cache) Sweep() int {
	now := c.clock.Now()
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for cat, bucket := range c.entries {
		for key, e := range bucket {
			if !c.expired(cat, e.insertedAt, now) {
				continue
			}
			delete(bucket, key)
			if cat == CategorySession {
				c.unindex(key, e.value.(Session))
			}
			n++
		}
	}
	for id, tomb := range c.closed {
		if now.Sub(tomb.closedAt) >= c.closedRetention {
			delete(c.closed, id)
		}
	}
	return n
}

// Keys returns the non-expired keys of category, sorted.
func (c *Cache) Keys(category Category) []string {
	now := c.clock.Now()
	c.mu.RLock()
	defer c.mu.RUnlock()

	var keys []string
	for key, e := range c.entries[category] {
		if !c.expired(category, e.insertedAt, now) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys
}

// Online returns every computer with a live presence entry, sorted by name.
func (c *Cache) Online() []ComputerPresence {
	now := c.clock.Now()
	c.mu.RLock()
	defer c.mu.RUnlock()

	var out []ComputerPresence
	for _, e := range c.entries[CategoryPresence] {
		if !c.expired(CategoryPresence, e.insertedAt, now) {
			out = append(out, e.value.(ComputerPresence))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Presence returns the presence of one computer.
func (c *Cache) Presence(name string) Lookup[ComputerPresence] {
	return As[ComputerPresence](c.Get(CategoryPresence, name))
}

// Session returns one session snapshot.
func (c *Cache) Session(id string) Lookup[Session] {
	return As[Session](c.Get(CategorySession, id))
}

// SessionsForComputer returns the sessions hosted on computer, by ID.
func (c *Cache) SessionsForComputer(computer string) []Session {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.collectSessions(c.byComputer[computer])
}

// SessionsByStatus returns the sessions with the given status, by ID.
func (c *Cache) SessionsByStatus(status string) []Session {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.collectSessions(c.byStatus[status])
}

func (c *Cache) collectSessions(ids map[string]struct{}) []Session {
	now := c.clock.Now()
	out := make([]Session, 0, len(ids))
	for id := range ids {
		e, ok := c.entries[CategorySession][id]
		if !ok || c.expired(CategorySession, e.insertedAt, now) {
			continue
		}
		out = append(out, e.value.(Session))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Sessions returns every cached session. Absent until sessions were pulled
// or pushed at least once.
func (c *Cache) Sessions() Lookup[[]Session] {
	return collection[Session](c, CategorySession)
}

// Projects returns every cached project snapshot.
func (c *Cache) Projects() Lookup[[]ProjectSnapshot] {
	return collection[ProjectSnapshot](c, CategoryProject)
}

// Todos returns every cached todo snapshot.
func (c *Cache) Todos() Lookup[[]TodoSnapshot] {
	return collection[TodoSnapshot](c, CategoryTodo)
}

// collection reads all live values of category. A category with live
// entries or a current populate mark is Ok, possibly with an empty slice.
func collection[T any](c *Cache, category Category) Lookup[[]T] {
	now := c.clock.Now()
	c.mu.RLock()
	defer c.mu.RUnlock()

	keys := make([]string, 0, len(c.entries[category]))
	for key, e := range c.entries[category] {
		if !c.expired(category, e.insertedAt, now) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)

	m := c.marks[category]
	populated := m.populated && !c.expired(category, m.populatedAt, now)
	if len(keys) == 0 && !populated {
		if m.unavailable {
			return Lookup[[]T]{State: Unavailable}
		}
		return Lookup[[]T]{State: Absent}
	}

	out := make([]T, 0, len(keys))
	for _, key := range keys {
		out = append(out, c.entries[category][key].value.(T))
	}
	return okOf(out)
}

func (c *Cache) index(id string, s Session) {
	addIndex(c.byComputer, s.Computer, id)
	addIndex(c.byStatus, s.Status, id)
}

func (c *Cache) unindex(id string, s Session) {
	removeIndex(c.byComputer, s.Computer, id)
	removeIndex(c.byStatus, s.Status, id)
}

func addIndex(idx map[string]map[string]struct{}, k, id string) {
	set, ok := idx[k]
	if !ok {
		set = make(map[string]struct{})
		idx[k] = set
	}
	set[id] = struct{}{}
}

func removeIndex(idx map[string]map[string]struct{}, k, id string) {
	set, ok := idx[k]
	if !ok {
		return
	}
	delete(set, id)
	if len(set) == 0 {
		delete(idx, k)
	}
}

// Subscribe returns a channel of changes and a function to stop receiving.
// Slow subscribers miss changes rather than blocking writers.
func (c *Cache) Subscribe() (<-chan Change, func()) {
	c.subMu.Lock()
	defer c.subMu.Unlock()

	id := c.nextSub
	c.nextSub++
	ch := make(chan Change, c.subBuffer)
	c.subs[id] = ch

	return ch, func() {
		c.subMu.Lock()
		defer c.subMu.Unlock()
		if sub, ok := c.subs[id]; ok {
			delete(c.subs, id)
			close(sub)
		}
	}
}

func (c *Cache) publish(ch Change) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	for _, sub := range c.subs {
		select {
		case sub <- ch:
		default:
		}
	}
}
