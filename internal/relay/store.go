package relay

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Default store retention values.
const (
	// DefaultSessionTTL is the inactivity window after which a session is
	// reclaimed.
	DefaultSessionTTL = 48 * time.Hour
	// DefaultRetention is the hard ceiling for any session or pending
	// acknowledgment, regardless of activity.
	DefaultRetention = 14 * 24 * time.Hour
)

// Origin classifies where a forwarded message came from.
type Origin string

const (
	OriginGroup   Origin = "group"
	OriginChannel Origin = "channel"
	OriginBot     Origin = "bot"
	OriginUser    Origin = "user"
	OriginUnknown Origin = "unknown"
)

// PendingForward is a captured message waiting for its context line.
type PendingForward struct {
	Text            string    `json:"text"`
	SenderName      string    `json:"sender_name"`
	SourceChatID    string    `json:"source_chat_id"`
	SourceMessageID string    `json:"source_message_id"`
	Origin          Origin    `json:"origin"`
	OriginTitle     string    `json:"origin_title,omitempty"`
	OriginURL       string    `json:"origin_url,omitempty"`
	CapturedAt      time.Time `json:"captured_at"`
}

// PendingAck is a relayed message awaiting acknowledgment in the team
// channel, keyed by its destination message ID.
type PendingAck struct {
	DestinationMessageID string    `json:"destination_message_id"`
	OriginChatID         string    `json:"origin_chat_id"`
	OriginMessageID      string    `json:"origin_message_id"`
	SenderName           string    `json:"sender_name"`
	CreatedAt            time.Time `json:"created_at"`
	StatusMessageID      string    `json:"status_message_id,omitempty"`
}

// TicketRef is the last known open ticket of a user.
type TicketRef struct {
	TicketID  string
	UpdatedAt time.Time
}

// SessionStore owns all per-user conversation state and the pending
// acknowledgment table. It is safe for concurrent use; callers serialize
// events of the same user.
type SessionStore struct {
	storage   Storage
	ttl       time.Duration
	retention time.Duration
	now       func() time.Time
	logger    *slog.Logger

	persistMu sync.Mutex

	mu       sync.RWMutex
	sessions map[string]Session
	forwards map[string]PendingForward
	acks     map[string]PendingAck
	tickets  map[string]TicketRef
	menus    map[string][]string // chatID -> message IDs carrying controls
}

// SessionStoreOpts holds parameters for creating a SessionStore.
type SessionStoreOpts struct {
	Storage    Storage
	SessionTTL time.Duration    // defaults to DefaultSessionTTL
	Retention  time.Duration    // defaults to DefaultRetention
	Now        func() time.Time // defaults to time.Now
	Logger     *slog.Logger
}

// NewSessionStore creates an empty SessionStore. Call Restore to load the
// last snapshot.
func NewSessionStore(opts SessionStoreOpts) (*SessionStore, error) {
	if opts.Storage == nil {
		return nil, fmt.Errorf("relay: session store: storage is required")
	}
	ttl := opts.SessionTTL
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	retention := opts.Retention
	if retention <= 0 {
		retention = DefaultRetention
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &SessionStore{
		storage:   opts.Storage,
		ttl:       ttl,
		retention: retention,
		now:       now,
		logger:    logger,
		sessions:  make(map[string]Session),
		forwards:  make(map[string]PendingForward),
		acks:      make(map[string]PendingAck),
		tickets:   make(map[string]TicketRef),
		menus:     make(map[string][]string),
	}, nil
}

// Now returns the store's clock reading.
func (s *SessionStore) Now() time.Time {
	return s.now()
}

// Get returns the live session for a user. A session idle for longer than
// the TTL, or past the retention ceiling, is dropped and reported absent.
func (s *SessionStore) Get(userID string) (Session, bool) {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[userID]
	if !ok {
		return Session{}, false
	}
	if s.sessionExpired(sess, now) {
		delete(s.sessions, userID)
		delete(s.forwards, userID)
		return Session{}, false
	}
	return sess, true
}

// Put stores a session, replacing any previous state for the user.
func (s *SessionStore) Put(sess Session) {
	if sess.State == nil {
		s.Delete(sess.UserID)
		return
	}
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = sess.LastActivity
	}
	s.mu.Lock()
	s.sessions[sess.UserID] = sess
	s.mu.Unlock()
}

// Delete removes a user's session and any pending forward paired with it.
func (s *SessionStore) Delete(userID string) {
	s.mu.Lock()
	delete(s.sessions, userID)
	delete(s.forwards, userID)
	s.mu.Unlock()
}

// PutForward records the captured message of a team member, replacing any
// earlier one.
func (s *SessionStore) PutForward(userID string, pf PendingForward) {
	s.mu.Lock()
	s.forwards[userID] = pf
	s.mu.Unlock()
}

// Forward returns the pending forward of a user.
func (s *SessionStore) Forward(userID string) (PendingForward, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pf, ok := s.forwards[userID]
	return pf, ok
}

// DeleteForward drops a user's pending forward.
func (s *SessionStore) DeleteForward(userID string) {
	s.mu.Lock()
	delete(s.forwards, userID)
	s.mu.Unlock()
}

// PutAck records a pending acknowledgment.
func (s *SessionStore) PutAck(pa PendingAck) {
	s.mu.Lock()
	s.acks[pa.DestinationMessageID] = pa
	s.mu.Unlock()
}

// Ack returns the pending acknowledgment for a destination message.
func (s *SessionStore) Ack(destinationMessageID string) (PendingAck, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pa, ok := s.acks[destinationMessageID]
	return pa, ok
}

// TakeAck removes and returns the pending acknowledgment for a destination
// message. Only one caller can take a given record.
func (s *SessionStore) TakeAck(destinationMessageID string) (PendingAck, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pa, ok := s.acks[destinationMessageID]
	if ok {
		delete(s.acks, destinationMessageID)
	}
	return pa, ok
}

// SetAckStatusMessage attaches the origin-chat status message to a pending
// acknowledgment. It reports false if the record is already gone.
func (s *SessionStore) SetAckStatusMessage(destinationMessageID, statusMessageID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	pa, ok := s.acks[destinationMessageID]
	if !ok {
		return false
	}
	pa.StatusMessageID = statusMessageID
	s.acks[destinationMessageID] = pa
	return true
}

// PendingAckIDs returns the destination message IDs awaiting
// acknowledgment, oldest first.
func (s *SessionStore) PendingAckIDs() []string {
	s.mu.RLock()
	acks := make([]PendingAck, 0, len(s.acks))
	for _, pa := range s.acks {
		acks = append(acks, pa)
	}
	s.mu.RUnlock()
	sort.Slice(acks, func(i, j int) bool {
		return acks[i].CreatedAt.Before(acks[j].CreatedAt)
	})
	ids := make([]string, len(acks))
	for i, pa := range acks {
		ids[i] = pa.DestinationMessageID
	}
	return ids
}

// TicketRef returns the cached open ticket of a user.
func (s *SessionStore) TicketRef(userID string) (TicketRef, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ref, ok := s.tickets[userID]
	return ref, ok
}

// PutTicketRef caches a user's open ticket.
func (s *SessionStore) PutTicketRef(userID string, ref TicketRef) {
	s.mu.Lock()
	s.tickets[userID] = ref
	s.mu.Unlock()
}

// DeleteTicketRef forgets a user's open ticket.
func (s *SessionStore) DeleteTicketRef(userID string) {
	s.mu.Lock()
	delete(s.tickets, userID)
	s.mu.Unlock()
}

// TrackMenu remembers a sent message that carries inline controls.
func (s *SessionStore) TrackMenu(chatID, messageID string) {
	s.mu.Lock()
	s.menus[chatID] = append(s.menus[chatID], messageID)
	s.mu.Unlock()
}

// TakeMenus returns and forgets the tracked menu messages of a chat.
func (s *SessionStore) TakeMenus(chatID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := s.menus[chatID]
	delete(s.menus, chatID)
	return ids
}

// Sweep removes sessions idle past the TTL, and sessions or pending
// acknowledgments older than the retention ceiling. It returns the number
// of entries removed.
func (s *SessionStore) Sweep(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, sess := range s.sessions {
		if s.sessionExpired(sess, now) {
			delete(s.sessions, id)
			delete(s.forwards, id)
			removed++
		}
	}
	for id := range s.forwards {
		if _, ok := s.sessions[id]; !ok {
			delete(s.forwards, id)
		}
	}
	for id, pa := range s.acks {
		if now.Sub(pa.CreatedAt) > s.retention {
			delete(s.acks, id)
			removed++
		}
	}
	return removed
}

// Counts returns the number of live sessions and pending acknowledgments.
func (s *SessionStore) Counts() (sessions, acks int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions), len(s.acks)
}

func (s *SessionStore) sessionExpired(sess Session, now time.Time) bool {
	if now.Sub(sess.LastActivity) > s.ttl {
		return true
	}
	created := sess.CreatedAt
	if created.IsZero() {
		created = sess.LastActivity
	}
	return now.Sub(created) > s.retention
}
