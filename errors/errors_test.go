package errors

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"testing"
)

func TestNew_DefaultCategory(t *testing.T) {
	tests := []struct {
		code      ErrorCode
		category  ErrorCategory
		retryable bool
	}{
		{ErrCodeTimeout, CategoryTransient, true},
		{ErrCodePeerOffline, CategoryTransient, true},
		{ErrCodeInvalidInput, CategoryPermanent, false},
		{ErrCodeUnresolvable, CategoryPermanent, false},
		{ErrCodeRateLimit, CategoryResource, true},
		{ErrCodePersist, CategoryInternal, false},
		{ErrCodePanic, CategoryInternal, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			err := New(tt.code, "x")
			if err.Category() != tt.category {
				t.Errorf("category = %s, want %s", err.Category(), tt.category)
			}
			if err.Retryable() != tt.retryable {
				t.Errorf("retryable = %v, want %v", err.Retryable(), tt.retryable)
			}
		})
	}
}

func TestOptions(t *testing.T) {
	err := New(ErrCodeTimeout, "pull timed out",
		WithPeer("laptop"),
		WithRow("row-1"),
		WithMetadata("category", "project"),
		WithRetryable(false),
	)
	if err.Peer() != "laptop" {
		t.Errorf("peer = %q", err.Peer())
	}
	if err.RowID() != "row-1" {
		t.Errorf("row = %q", err.RowID())
	}
	if err.Metadata()["category"] != "project" {
		t.Errorf("metadata = %v", err.Metadata())
	}
	if err.Retryable() {
		t.Error("explicit WithRetryable(false) should win")
	}
}

func TestMetadata_Copy(t *testing.T) {
	err := New(ErrCodeInternal, "x", WithMetadata("k", "v"))
	md := err.Metadata()
	md["k"] = "changed"
	if err.Metadata()["k"] != "v" {
		t.Error("Metadata should return a copy")
	}
}

func TestConstructors(t *testing.T) {
	if got := PeerOffline("desk"); got.Code() != ErrCodePeerOffline || got.Peer() != "desk" {
		t.Errorf("PeerOffline = %v (%s, %s)", got, got.Code(), got.Peer())
	}
	if got := Unresolvable("alice"); got.Metadata()["recipient"] != "alice" {
		t.Errorf("Unresolvable metadata = %v", got.Metadata())
	}
	if got := Unavailable("down"); !got.Retryable() {
		t.Error("Unavailable should be retryable")
	}
	if got := FromCode(ErrCodeNotFound); got.Error() != "resource not found" {
		t.Errorf("FromCode message = %q", got.Error())
	}
}

func TestWrap(t *testing.T) {
	if Wrap(nil, "x") != nil {
		t.Fatal("Wrap(nil) should be nil")
	}

	inner := PeerOffline("laptop")
	wrapped := Wrap(inner, "pull project")
	if wrapped.Code() != ErrCodePeerOffline {
		t.Errorf("code = %s, want PEER_OFFLINE", wrapped.Code())
	}
	if wrapped.Peer() != "laptop" {
		t.Errorf("peer lost in wrap: %q", wrapped.Peer())
	}
	if !stderrors.Is(wrapped, inner) {
		t.Error("wrapped error should unwrap to inner")
	}

	plain := Wrap(fmt.Errorf("boom"), "op")
	if plain.Code() != ErrCodeInternal {
		t.Errorf("plain wrap code = %s", plain.Code())
	}
}

func TestWrap_ContextErrors(t *testing.T) {
	if got := Wrap(context.DeadlineExceeded, "send"); got.Code() != ErrCodeTimeout {
		t.Errorf("deadline code = %s", got.Code())
	}
	canceled := Wrap(fmt.Errorf("stop: %w", context.Canceled), "send")
	if canceled.Code() != ErrCodeCanceled {
		t.Errorf("canceled code = %s", canceled.Code())
	}
	if !IsCanceled(canceled) {
		t.Error("IsCanceled should see wrapped cancellation")
	}
}

func TestPredicates(t *testing.T) {
	err := fmt.Errorf("outer: %w", Timeout("slow"))
	if !Is(err, ErrCodeTimeout) {
		t.Error("Is should walk the chain")
	}
	if !IsTransient(err) || IsPermanent(err) {
		t.Error("timeout should be transient")
	}
	if !IsRetryable(err) {
		t.Error("timeout should be retryable")
	}
	if Code(err) != ErrCodeTimeout || Category(err) != CategoryTransient {
		t.Errorf("Code/Category = %s/%s", Code(err), Category(err))
	}
	if IsRetryable(fmt.Errorf("plain")) {
		t.Error("plain errors are not retryable")
	}
	if AsDaemonError(fmt.Errorf("plain")) != nil {
		t.Error("AsDaemonError on plain error should be nil")
	}
}

func TestRecoverPanic(t *testing.T) {
	if RecoverPanic(nil) != nil {
		t.Fatal("nil recover should give nil")
	}
	err := RecoverPanic("nil map")
	if err.Code() != ErrCodePanic || err.Error() != "nil map" {
		t.Errorf("got %s %q", err.Code(), err.Error())
	}
	if RecoverPanic(42).Metadata()["panic_value"] != "int" {
		t.Error("panic_value metadata should carry the type")
	}
}

func TestJSONRoundTrip(t *testing.T) {
	orig := New(ErrCodeRejected, "blocked by bot", WithPeer("desk"), WithRow("r1"))
	data, err := json.Marshal(orig)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var got Error
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Code() != ErrCodeRejected || got.Peer() != "desk" || got.RowID() != "r1" {
		t.Errorf("round trip lost fields: %+v", got)
	}
	if got.Retryable() {
		t.Error("rejected should stay non-retryable")
	}
}
