package subscriptions

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"
)

const sample = `
people:
  - name: alice
    subscriptions:
      telegram: "100200300"
      email: alice@example.com
  - name: bob
    subscriptions:
      email: bob@example.com
  - name: carol
`

func TestParse(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"sample", sample, false},
		{"empty", "", false},
		{"missing name", "people:\n  - subscriptions: {email: x@y}\n", true},
		{"duplicate person", "people:\n  - name: a\n  - name: a\n", true},
		{"blank recipient", "people:\n  - name: a\n    subscriptions: {email: \" \"}\n", true},
		{"unknown field", "people:\n  - name: a\n    role: admin\n", true},
		{"not yaml", "people: [", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.input))
			if (err != nil) != tt.wantErr {
				t.Fatalf("Parse() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidDocument) {
				t.Errorf("expected ErrInvalidDocument, got %v", err)
			}
		})
	}
}

func TestStatic_Subscribers(t *testing.T) {
	doc, err := Parse([]byte(sample))
	if err != nil {
		t.Fatal(err)
	}
	s := NewStatic(doc)

	tests := []struct {
		channel string
		want    []string
	}{
		{"email", []string{"alice@example.com", "bob@example.com"}},
		{"telegram", []string{"100200300"}},
		{"discord", nil},
	}
	for _, tt := range tests {
		got, err := s.Subscribers(tt.channel)
		if err != nil {
			t.Fatal(err)
		}
		if !reflect.DeepEqual(got, tt.want) {
			t.Errorf("Subscribers(%q) = %v, want %v", tt.channel, got, tt.want)
		}
	}
	if got := s.Channels(); !reflect.DeepEqual(got, []string{"email", "telegram"}) {
		t.Errorf("Channels() = %v", got)
	}
}

func TestFileSource_MissingFile(t *testing.T) {
	fs, err := NewFileSource(filepath.Join(t.TempDir(), "absent.yaml"), nil)
	if err != nil {
		t.Fatal(err)
	}
	got, _ := fs.Subscribers("email")
	if len(got) != 0 {
		t.Errorf("expected no subscribers, got %v", got)
	}
}

func TestFileSource_InvalidFileFailsLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "subs.yaml")
	os.WriteFile(path, []byte("people: ["), 0644)
	if _, err := NewFileSource(path, nil); err == nil {
		t.Error("expected error for invalid initial file")
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestFileSource_ReloadsAndKeepsLastGood(t *testing.T) {
	path := filepath.Join(t.TempDir(), "subs.yaml")
	if err := os.WriteFile(path, []byte(sample), 0644); err != nil {
		t.Fatal(err)
	}
	fs, err := NewFileSource(path, nil)
	if err != nil {
		t.Fatal(err)
	}
	fs.debounce = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- fs.Run(ctx) }()
	time.Sleep(50 * time.Millisecond)

	updated := "people:\n  - name: dave\n    subscriptions:\n      telegram: \"42\"\n"
	if err := os.WriteFile(path, []byte(updated), 0644); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool {
		got, _ := fs.Subscribers("telegram")
		return reflect.DeepEqual(got, []string{"42"})
	})

	// a broken edit keeps the previous subscriptions
	if err := os.WriteFile(path, []byte("people: ["), 0644); err != nil {
		t.Fatal(err)
	}
	time.Sleep(200 * time.Millisecond)
	got, _ := fs.Subscribers("telegram")
	if !reflect.DeepEqual(got, []string{"42"}) {
		t.Errorf("last good document lost: %v", got)
	}

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("Run = %v", err)
	}
}
