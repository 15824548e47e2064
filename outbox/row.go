package outbox

import (
	"time"

	"github.com/google/uuid"
)

// Status is the delivery state of a row.
type Status string

const (
	StatusPending       Status = "pending"
	StatusDelivered     Status = "delivered"
	StatusUndeliverable Status = "undeliverable"
	StatusFailed        Status = "failed"
)

// Statuses lists every status in display order.
var Statuses = []Status{StatusPending, StatusDelivered, StatusUndeliverable, StatusFailed}

// Terminal reports whether no further delivery will be attempted.
func (s Status) Terminal() bool {
	return s == StatusDelivered || s == StatusUndeliverable || s == StatusFailed
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	for _, known := range Statuses {
		if s == known {
			return true
		}
	}
	return false
}

// Row is one notification addressed to one recipient.
type Row struct {
	ID            string     `json:"id"`
	Channel       string     `json:"channel"`
	Recipient     string     `json:"recipient"`
	Content       string     `json:"content"`
	FileRef       string     `json:"file_ref,omitempty"`
	Status        Status     `json:"status"`
	CreatedAt     time.Time  `json:"created_at"`
	DeliveredAt   *time.Time `json:"delivered_at,omitempty"`
	AttemptCount  int        `json:"attempt_count"`
	NextAttemptAt time.Time  `json:"next_attempt_at"`
	LastError     string     `json:"last_error,omitempty"`

	// ClaimedBy is the worker currently holding the row, if any.
	ClaimedBy string     `json:"claimed_by,omitempty"`
	ClaimedAt *time.Time `json:"claimed_at,omitempty"`
}

// NewRow creates a pending row due immediately.
func NewRow(channel, recipient, content, fileRef string, now time.Time) Row {
	return Row{
		ID:            uuid.NewString(),
		Channel:       channel,
		Recipient:     recipient,
		Content:       content,
		FileRef:       fileRef,
		Status:        StatusPending,
		CreatedAt:     now,
		NextAttemptAt: now,
	}
}

// Due reports whether a worker may claim the row at now.
func (r *Row) Due(now time.Time) bool {
	return r.Status == StatusPending && r.ClaimedBy == "" && !r.NextAttemptAt.After(now)
}

// Filter selects rows for List. Zero fields match everything.
type Filter struct {
	Status  Status
	Channel string
	// ClaimedBy selects rows currently held by one worker.
	ClaimedBy string

	// Limit caps the result. Zero means no limit.
	Limit int
}

func (f Filter) match(r *Row) bool {
	if f.Status != "" && r.Status != f.Status {
		return false
	}
	if f.Channel != "" && r.Channel != f.Channel {
		return false
	}
	if f.ClaimedBy != "" && r.ClaimedBy != f.ClaimedBy {
		return false
	}
	return true
}
