package cache

// State tags the outcome of a cache read.
type State int

const (
	// Absent means nothing usable is cached: never fetched, expired or invalidated.
	Absent State = iota

	// Ok means Value holds fresh data. An empty Value is a real, empty answer.
	Ok

	// Unavailable means the last fetch for the category failed for every peer.
	Unavailable
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case Ok:
		return "ok"
	case Unavailable:
		return "unavailable"
	default:
		return "absent"
	}
}

// Lookup is the tagged result of a read. Value is the zero value unless
// State is Ok.
type Lookup[T any] struct {
	State State
	Value T
}

// Found reports whether the lookup carries a value.
func (l Lookup[T]) Found() bool { return l.State == Ok }

func okOf[T any](v T) Lookup[T] { return Lookup[T]{State: Ok, Value: v} }

// As converts a raw lookup into a typed one. A value of the wrong type
// reads as Absent.
func As[T any](l Lookup[any]) Lookup[T] {
	if l.State != Ok {
		return Lookup[T]{State: l.State}
	}
	v, ok := l.Value.(T)
	if !ok {
		return Lookup[T]{State: Absent}
	}
	return okOf(v)
}
