package keygate

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"time"
)

// AuditEvent is a single security-relevant occurrence. Events never
// carry credentials, token bodies or one-time codes; Metadata is for
// non-sensitive detail only.
type AuditEvent struct {
	Timestamp  time.Time         `json:"timestamp"`
	EventType  string            `json:"event_type"`
	IdentityID string            `json:"identity_id,omitempty"`
	SessionID  string            `json:"session_id,omitempty"`
	IP         string            `json:"ip,omitempty"`
	UserAgent  string            `json:"user_agent,omitempty"`
	Success    bool              `json:"success"`
	Error      string            `json:"error,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// AuditSink receives events from the engine's dispatcher. Emit is
// called from a single dispatcher goroutine and must not panic.
type AuditSink interface {
	Emit(ctx context.Context, event AuditEvent)
}

// NoOpSink discards every event.
type NoOpSink struct{}

func (NoOpSink) Emit(context.Context, AuditEvent) {}

// ChannelSink forwards events to a channel for external consumption.
type ChannelSink struct {
	events chan AuditEvent
}

func NewChannelSink(buffer int) *ChannelSink {
	if buffer <= 0 {
		buffer = 1
	}
	return &ChannelSink{
		events: make(chan AuditEvent, buffer),
	}
}

func (s *ChannelSink) Emit(ctx context.Context, event AuditEvent) {
	select {
	case s.events <- event:
	case <-ctx.Done():
	}
}

func (s *ChannelSink) Events() <-chan AuditEvent {
	return s.events
}

// JSONWriterSink writes one JSON object per line to w.
type JSONWriterSink struct {
	writer io.Writer
	mu     sync.Mutex
}

func NewJSONWriterSink(w io.Writer) *JSONWriterSink {
	return &JSONWriterSink{
		writer: w,
	}
}

func (s *JSONWriterSink) Emit(ctx context.Context, event AuditEvent) {
	if s == nil || s.writer == nil {
		return
	}
	data, err := json.Marshal(event)
	if err != nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, _ = s.writer.Write(data)
	_, _ = s.writer.Write([]byte("\n"))
}

// AuditEntry is the durable form of an AuditEvent as stored by an
// AuditStore.
type AuditEntry struct {
	ID         string
	IdentityID string
	SessionID  string
	EventType  string
	IP         string
	UserAgent  string
	Success    bool
	Error      string
	Metadata   map[string]string
	CreatedAt  time.Time
}

// AuditStore persists audit entries. postgres.Store implements it.
type AuditStore interface {
	InsertAuditEntry(ctx context.Context, entry *AuditEntry) error
}

// StoreSink persists events through an AuditStore. Insert failures are
// dropped silently; audit persistence never fails engine operations.
type StoreSink struct {
	store AuditStore
}

func NewStoreSink(store AuditStore) *StoreSink {
	return &StoreSink{store: store}
}

func (s *StoreSink) Emit(ctx context.Context, event AuditEvent) {
	if s == nil || s.store == nil {
		return
	}
	entry := &AuditEntry{
		ID:         newID(),
		IdentityID: event.IdentityID,
		SessionID:  event.SessionID,
		EventType:  event.EventType,
		IP:         event.IP,
		UserAgent:  event.UserAgent,
		Success:    event.Success,
		Error:      event.Error,
		Metadata:   event.Metadata,
		CreatedAt:  event.Timestamp,
	}
	_ = s.store.InsertAuditEntry(ctx, entry)
}
