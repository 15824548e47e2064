// Package subscriptions resolves notification channels to recipients.
//
// Subscriptions are explicit and per person. A person receives a channel's
// notifications only when their entry names a recipient for that channel;
// nothing is inferred from roles or any other attribute.
//
//	people:
//	  - name: alice
//	    subscriptions:
//	      telegram: "100200300"
//	      email: alice@example.com
//	  - name: bob
//	    subscriptions:
//	      email: bob@example.com
package subscriptions

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// ErrInvalidDocument is returned for a subscriptions file that fails validation.
var ErrInvalidDocument = errors.New("invalid subscriptions document")

// Source resolves a channel to its subscribed recipients.
type Source interface {
	Subscribers(channel string) ([]string, error)
}

// Person is one entry in the subscriptions document.
type Person struct {
	Name          string            `yaml:"name"`
	Subscriptions map[string]string `yaml:"subscriptions"`
}

// Document is the parsed subscriptions file.
type Document struct {
	People []Person `yaml:"people"`
}

// Parse decodes and validates a subscriptions document.
func Parse(data []byte) (*Document, error) {
	var doc Document
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}
	if err := doc.Validate(); err != nil {
		return nil, err
	}
	return &doc, nil
}

// Validate checks names are present and unique and recipients non-blank.
func (d *Document) Validate() error {
	seen := make(map[string]bool, len(d.People))
	for i, p := range d.People {
		name := strings.TrimSpace(p.Name)
		if name == "" {
			return fmt.Errorf("%w: people[%d]: name is required", ErrInvalidDocument, i)
		}
		if seen[name] {
			return fmt.Errorf("%w: duplicate person %q", ErrInvalidDocument, name)
		}
		seen[name] = true
		for ch, rcpt := range p.Subscriptions {
			if strings.TrimSpace(ch) == "" || strings.TrimSpace(rcpt) == "" {
				return fmt.Errorf("%w: %s: blank channel or recipient", ErrInvalidDocument, name)
			}
		}
	}
	return nil
}

// index maps channel to recipients, in person order.
func (d *Document) index() map[string][]string {
	idx := make(map[string][]string)
	for _, p := range d.People {
		for ch, rcpt := range p.Subscriptions {
			idx[ch] = append(idx[ch], strings.TrimSpace(rcpt))
		}
	}
	return idx
}

// Static is an immutable Source.
type Static struct {
	mu  sync.RWMutex
	idx map[string][]string
}

// NewStatic builds a Source from a document.
func NewStatic(doc *Document) *Static {
	s := &Static{}
	s.set(doc)
	return s
}

func (s *Static) set(doc *Document) {
	idx := map[string][]string{}
	if doc != nil {
		idx = doc.index()
	}
	s.mu.Lock()
	s.idx = idx
	s.mu.Unlock()
}

// Subscribers returns a copy of channel's recipients.
func (s *Static) Subscribers(channel string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.idx[channel]...), nil
}

// Channels returns every channel with at least one subscriber, sorted.
func (s *Static) Channels() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.idx))
	for ch := range s.idx {
		out = append(out, ch)
	}
	sort.Strings(out)
	return out
}
