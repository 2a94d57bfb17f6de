package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Document names used with Storage.
const (
	DocConversationState = "conversation_state"
	DocPendingAcks       = "pending_acks"
)

// DefaultFlushInterval is how often the store is snapshotted.
const DefaultFlushInterval = 10 * time.Second

// sessionRecord is one entry of the conversation state document.
type sessionRecord struct {
	Session Session         `json:"session"`
	Forward *PendingForward `json:"pending_forward,omitempty"`
}

// Persist writes both documents to storage. Calls are serialized so an
// older snapshot never overwrites a newer one.
func (s *SessionStore) Persist(ctx context.Context) error {
	s.persistMu.Lock()
	defer s.persistMu.Unlock()

	s.mu.RLock()
	conv := make(map[string]sessionRecord, len(s.sessions))
	for id, sess := range s.sessions {
		rec := sessionRecord{Session: sess}
		if pf, ok := s.forwards[id]; ok {
			pf := pf
			rec.Forward = &pf
		}
		conv[id] = rec
	}
	acks := make(map[string]PendingAck, len(s.acks))
	for id, pa := range s.acks {
		acks[id] = pa
	}
	s.mu.RUnlock()

	convData, err := json.Marshal(conv)
	if err != nil {
		return fmt.Errorf("relay: encode %s: %w", DocConversationState, err)
	}
	ackData, err := json.Marshal(acks)
	if err != nil {
		return fmt.Errorf("relay: encode %s: %w", DocPendingAcks, err)
	}
	if err := s.storage.Save(ctx, DocConversationState, convData); err != nil {
		return fmt.Errorf("relay: save %s: %w", DocConversationState, err)
	}
	if err := s.storage.Save(ctx, DocPendingAcks, ackData); err != nil {
		return fmt.Errorf("relay: save %s: %w", DocPendingAcks, err)
	}
	return nil
}

// Restore replaces the store content with the last persisted snapshot.
// Records that fail to decode, or that have already expired, are dropped
// individually; only storage read failures are returned.
func (s *SessionStore) Restore(ctx context.Context) error {
	convData, err := s.storage.Load(ctx, DocConversationState)
	if err != nil {
		return fmt.Errorf("relay: load %s: %w", DocConversationState, err)
	}
	ackData, err := s.storage.Load(ctx, DocPendingAcks)
	if err != nil {
		return fmt.Errorf("relay: load %s: %w", DocPendingAcks, err)
	}

	now := s.now()
	sessions := make(map[string]Session)
	forwards := make(map[string]PendingForward)
	for id, raw := range s.decodeDocument(DocConversationState, convData) {
		var rec sessionRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			s.logger.Warn("relay: dropping malformed session record", "user", id, "error", err)
			continue
		}
		if rec.Session.UserID == "" {
			rec.Session.UserID = id
		}
		if rec.Session.UserID != id {
			s.logger.Warn("relay: dropping session record with mismatched key", "key", id, "user", rec.Session.UserID)
			continue
		}
		if s.sessionExpired(rec.Session, now) {
			continue
		}
		sessions[id] = rec.Session
		if rec.Forward != nil {
			forwards[id] = *rec.Forward
		}
	}

	acks := make(map[string]PendingAck)
	for id, raw := range s.decodeDocument(DocPendingAcks, ackData) {
		var pa PendingAck
		if err := json.Unmarshal(raw, &pa); err != nil {
			s.logger.Warn("relay: dropping malformed pending ack", "message", id, "error", err)
			continue
		}
		if pa.DestinationMessageID == "" {
			pa.DestinationMessageID = id
		}
		if pa.DestinationMessageID != id || pa.CreatedAt.IsZero() || pa.OriginChatID == "" {
			s.logger.Warn("relay: dropping incomplete pending ack", "message", id)
			continue
		}
		if now.Sub(pa.CreatedAt) > s.retention {
			continue
		}
		acks[id] = pa
	}

	s.mu.Lock()
	s.sessions = sessions
	s.forwards = forwards
	s.acks = acks
	s.mu.Unlock()

	s.logger.Info("relay: state restored", "sessions", len(sessions), "pending_acks", len(acks))
	return nil
}

// decodeDocument splits a document into its raw records. A document that is
// not a JSON object at all (e.g. truncated mid-write) yields no records.
func (s *SessionStore) decodeDocument(name string, data []byte) map[string]json.RawMessage {
	if len(data) == 0 {
		return nil
	}
	var records map[string]json.RawMessage
	if err := json.Unmarshal(data, &records); err != nil {
		s.logger.Error("relay: discarding unreadable document", "document", name, "error", err)
		return nil
	}
	return records
}

// RunFlusher persists the store every interval until ctx is cancelled.
// Failures are logged and retried on the next tick.
func (s *SessionStore) RunFlusher(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultFlushInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Persist(ctx); err != nil {
				s.logger.Warn("relay: periodic flush failed", "error", err)
			}
		}
	}
}
