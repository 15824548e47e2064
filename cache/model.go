package cache

import "time"

// Category names a class of cached remote state.
type Category string

const (
	CategoryPresence Category = "presence"
	CategoryProject  Category = "project"
	CategoryTodo     Category = "todo"
	CategorySession  Category = "session"
)

// Categories lists every category in a stable order.
var Categories = []Category{CategoryPresence, CategoryProject, CategoryTodo, CategorySession}

// Valid reports whether c is a known category.
func (c Category) Valid() bool {
	switch c {
	case CategoryPresence, CategoryProject, CategoryTodo, CategorySession:
		return true
	}
	return false
}

// EventMaintained reports whether entries of c are kept current by pushed
// deltas rather than periodic pulls.
func (c Category) EventMaintained() bool {
	return c == CategorySession
}

// DefaultTTLs returns the per-category lifetimes. Zero means unbounded.
func DefaultTTLs() map[Category]time.Duration {
	return map[Category]time.Duration{
		CategoryPresence: 60 * time.Second,
		CategoryProject:  5 * time.Minute,
		CategoryTodo:     5 * time.Minute,
		CategorySession:  0,
	}
}

// ComputerPresence is a peer's liveness record, refreshed by heartbeats.
type ComputerPresence struct {
	Name          string    `json:"name"`
	Capabilities  []string  `json:"capabilities"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
}

// Project is one project hosted on a computer.
type Project struct {
	Name        string `json:"name"`
	Path        string `json:"path"`
	Description string `json:"description,omitempty"`
}

// Todo is one work item of a project on a computer.
type Todo struct {
	Project     string `json:"project"`
	Slug        string `json:"slug"`
	Status      string `json:"status"`
	Description string `json:"description,omitempty"`
}

// Session is the snapshot of one agent session on a computer.
type Session struct {
	ID        string    `json:"session_id"`
	Computer  string    `json:"computer"`
	Title     string    `json:"title"`
	Status    string    `json:"status"`
	Project   string    `json:"project,omitempty"`
	Seq       uint64    `json:"seq"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ProjectSnapshot is every project of one computer, replaced wholesale on pull.
type ProjectSnapshot struct {
	Computer  string    `json:"computer"`
	Projects  []Project `json:"projects"`
	FetchedAt time.Time `json:"fetched_at"`
}

// TodoSnapshot is every todo of one computer, replaced wholesale on pull.
type TodoSnapshot struct {
	Computer  string    `json:"computer"`
	Todos     []Todo    `json:"todos"`
	FetchedAt time.Time `json:"fetched_at"`
}
