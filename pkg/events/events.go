// Package events delivers treasury notifications to external consumers.
//
// Events are produced by the governance core as plain values; this package
// seals them into envelopes (ID + canonical digest) and hands them to a
// Publisher. Delivery never affects treasury behaviour.
package events

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/gowebpki/jcs"

	"github.com/Mindburn-Labs/helm-treasury/pkg/treasury"
)

// Envelope wraps an event for delivery.
type Envelope struct {
	ID     string         `json:"id"`
	Digest string         `json:"digest"`
	Event  treasury.Event `json:"event"`
}

// Digest returns the SHA-256 of the event's RFC 8785 canonical JSON form.
func Digest(ev treasury.Event) (string, error) {
	raw, err := json.Marshal(ev)
	if err != nil {
		return "", fmt.Errorf("marshal event: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("canonicalize event: %w", err)
	}
	h := sha256.Sum256(canonical)
	return "sha256:" + hex.EncodeToString(h[:]), nil
}

// Seal builds envelopes for a batch of events.
func Seal(evs []treasury.Event) ([]Envelope, error) {
	out := make([]Envelope, 0, len(evs))
	for _, ev := range evs {
		digest, err := Digest(ev)
		if err != nil {
			return nil, err
		}
		out = append(out, Envelope{ID: uuid.New().String(), Digest: digest, Event: ev})
	}
	return out, nil
}

// Publisher delivers sealed events.
type Publisher interface {
	Publish(ctx context.Context, envs ...Envelope) error
}

// MemorySink keeps published envelopes in memory.
type MemorySink struct {
	mu        sync.Mutex
	envelopes []Envelope
}

// NewMemorySink creates an empty sink.
func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

// Publish implements Publisher.
func (s *MemorySink) Publish(_ context.Context, envs ...Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.envelopes = append(s.envelopes, envs...)
	return nil
}

// Envelopes returns everything published so far.
func (s *MemorySink) Envelopes() []Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Envelope(nil), s.envelopes...)
}

// OfType returns the published events of one type.
func (s *MemorySink) OfType(typ treasury.EventType) []treasury.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []treasury.Event
	for _, env := range s.envelopes {
		if env.Event.Type == typ {
			out = append(out, env.Event)
		}
	}
	return out
}
