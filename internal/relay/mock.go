package relay

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// MockChat implements ChatFrontEnd for testing. It records sent, edited and
// deleted messages and allows simulating inbound events via SimulateEvent.
type MockChat struct {
	mu        sync.Mutex
	connected bool
	closed    bool
	inbound   chan Event
	sent      []OutboundMessage
	sentIDs   []string
	edits     []OutboundMessage
	deleted   []string
	counter   int

	// SendErr, EditErr and DeleteErr make the matching calls fail.
	SendErr   error
	EditErr   error
	DeleteErr error
}

// NewMockChat creates a MockChat with a buffered inbound channel.
func NewMockChat() *MockChat {
	return &MockChat{inbound: make(chan Event, 100)}
}

// Connect marks the adapter as connected.
func (m *MockChat) Connect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return fmt.Errorf("mock chat: already closed")
	}
	m.connected = true
	return nil
}

// Listen returns the inbound event channel. Must be called after Connect.
func (m *MockChat) Listen(ctx context.Context) (<-chan Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return nil, fmt.Errorf("mock chat: not connected")
	}
	return m.inbound, nil
}

// Send records the message and returns a sequential message ID.
func (m *MockChat) Send(ctx context.Context, msg OutboundMessage) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.SendErr != nil {
		return "", m.SendErr
	}
	m.counter++
	id := "msg-" + strconv.Itoa(m.counter)
	m.sent = append(m.sent, msg)
	m.sentIDs = append(m.sentIDs, id)
	return id, nil
}

// Edit records the edit.
func (m *MockChat) Edit(ctx context.Context, chatID, messageID string, msg OutboundMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.EditErr != nil {
		return m.EditErr
	}
	msg.ChatID = chatID
	msg.ReplyTo = messageID
	m.edits = append(m.edits, msg)
	return nil
}

// Delete records the deleted message ID.
func (m *MockChat) Delete(ctx context.Context, chatID, messageID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.DeleteErr != nil {
		return m.DeleteErr
	}
	m.deleted = append(m.deleted, messageID)
	return nil
}

// Close shuts down the mock and closes the inbound channel.
func (m *MockChat) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	m.connected = false
	close(m.inbound)
	return nil
}

// --- Test helpers ---

// SimulateEvent sends an event into the inbound channel as if it came from
// the chat platform. Safe to call from any goroutine.
func (m *MockChat) SimulateEvent(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	m.inbound <- ev
}

// AllSent returns a copy of all sent messages.
func (m *MockChat) AllSent() []OutboundMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]OutboundMessage, len(m.sent))
	copy(out, m.sent)
	return out
}

// LastSent returns the most recently sent message.
func (m *MockChat) LastSent() (OutboundMessage, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.sent) == 0 {
		return OutboundMessage{}, false
	}
	return m.sent[len(m.sent)-1], true
}

// LastSentID returns the ID of the most recently sent message.
func (m *MockChat) LastSentID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.sentIDs) == 0 {
		return ""
	}
	return m.sentIDs[len(m.sentIDs)-1]
}

// Edits returns a copy of all edits. ReplyTo holds the edited message ID.
func (m *MockChat) Edits() []OutboundMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]OutboundMessage, len(m.edits))
	copy(out, m.edits)
	return out
}

// Deleted returns the IDs of deleted messages.
func (m *MockChat) Deleted() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.deleted))
	copy(out, m.deleted)
	return out
}

// SetSendErr changes the Send failure under the lock.
func (m *MockChat) SetSendErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.SendErr = err
}

// MockTeam implements TeamChannel for testing.
type MockTeam struct {
	mu        sync.Mutex
	connected bool
	closed    bool
	acks      chan AckSignal
	posts     []TeamPost
	marks     map[string][]AckMark
	reactions map[string][]Reaction
	counter   int

	// PostErr, MarkErr and ReactionsErr make the matching calls fail.
	PostErr      error
	MarkErr      error
	ReactionsErr error
}

// NewMockTeam creates a MockTeam with a buffered acknowledgment channel.
func NewMockTeam() *MockTeam {
	return &MockTeam{
		acks:      make(chan AckSignal, 100),
		marks:     make(map[string][]AckMark),
		reactions: make(map[string][]Reaction),
	}
}

func (m *MockTeam) Connect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return fmt.Errorf("mock team: already closed")
	}
	m.connected = true
	return nil
}

func (m *MockTeam) Listen(ctx context.Context) (<-chan AckSignal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return nil, fmt.Errorf("mock team: not connected")
	}
	return m.acks, nil
}

// Post records the post and returns a timestamp-like message ID.
func (m *MockTeam) Post(ctx context.Context, post TeamPost) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.PostErr != nil {
		return "", m.PostErr
	}
	m.counter++
	m.posts = append(m.posts, post)
	return fmt.Sprintf("1700000000.%06d", m.counter), nil
}

func (m *MockTeam) MarkAcknowledged(ctx context.Context, messageID string, mark AckMark) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.MarkErr != nil {
		return m.MarkErr
	}
	m.marks[messageID] = append(m.marks[messageID], mark)
	return nil
}

func (m *MockTeam) Reactions(ctx context.Context, messageID string) ([]Reaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ReactionsErr != nil {
		return nil, m.ReactionsErr
	}
	return m.reactions[messageID], nil
}

func (m *MockTeam) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	m.connected = false
	close(m.acks)
	return nil
}

// --- Test helpers ---

// SimulateAck delivers a button press as if it came from the team channel.
func (m *MockTeam) SimulateAck(sig AckSignal) {
	m.acks <- sig
}

// SetReactions sets the reactions reported for a message.
func (m *MockTeam) SetReactions(messageID string, reactions []Reaction) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reactions[messageID] = reactions
}

// Posts returns a copy of all posts.
func (m *MockTeam) Posts() []TeamPost {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]TeamPost, len(m.posts))
	copy(out, m.posts)
	return out
}

// Marks returns the acknowledgment marks applied to a message.
func (m *MockTeam) Marks(messageID string) []AckMark {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]AckMark, len(m.marks[messageID]))
	copy(out, m.marks[messageID])
	return out
}

// MockTicketing implements Ticketing in memory.
type MockTicketing struct {
	mu       sync.Mutex
	tickets  map[string]*mockTicket
	counter  int
	clock    int64
	comments map[string][]string
	calls    map[string]int

	// Err makes every call fail.
	Err error
}

type mockTicket struct {
	Ticket
	requester string
}

// NewMockTicketing creates an empty MockTicketing.
func NewMockTicketing() *MockTicketing {
	return &MockTicketing{
		tickets:  make(map[string]*mockTicket),
		comments: make(map[string][]string),
		calls:    make(map[string]int),
	}
}

func (m *MockTicketing) Create(ctx context.Context, t NewTicket) (Ticket, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls["create"]++
	if m.Err != nil {
		return Ticket{}, m.Err
	}
	m.counter++
	m.clock++
	id := strconv.Itoa(100 + m.counter)
	tk := &mockTicket{
		Ticket: Ticket{
			ID:        id,
			Subject:   t.Subject,
			Status:    TicketOpen,
			Priority:  t.Priority,
			URL:       "https://tickets.example/" + id,
			UpdatedAt: time.Unix(1700000000+m.clock, 0),
		},
		requester: t.RequesterKey,
	}
	m.tickets[id] = tk
	return tk.Ticket, nil
}

func (m *MockTicketing) Comment(ctx context.Context, ticketID, author, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls["comment"]++
	if m.Err != nil {
		return m.Err
	}
	if _, ok := m.tickets[ticketID]; !ok {
		return fmt.Errorf("mock ticketing: ticket %s: %w", ticketID, ErrNotFound)
	}
	m.comments[ticketID] = append(m.comments[ticketID], author+": "+body)
	return nil
}

func (m *MockTicketing) Get(ctx context.Context, ticketID string) (Ticket, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls["get"]++
	if m.Err != nil {
		return Ticket{}, m.Err
	}
	tk, ok := m.tickets[ticketID]
	if !ok {
		return Ticket{}, fmt.Errorf("mock ticketing: ticket %s: %w", ticketID, ErrNotFound)
	}
	return tk.Ticket, nil
}

func (m *MockTicketing) FindOpenByRequester(ctx context.Context, contactKey string) (Ticket, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls["find"]++
	if m.Err != nil {
		return Ticket{}, false, m.Err
	}
	for _, t := range m.byRequester(contactKey) {
		if t.Status == TicketOpen {
			return t, true, nil
		}
	}
	return Ticket{}, false, nil
}

func (m *MockTicketing) ListByRequester(ctx context.Context, contactKey string) ([]Ticket, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls["list"]++
	if m.Err != nil {
		return nil, m.Err
	}
	return m.byRequester(contactKey), nil
}

func (m *MockTicketing) SetStatus(ctx context.Context, ticketID string, status TicketStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls["status"]++
	if m.Err != nil {
		return m.Err
	}
	tk, ok := m.tickets[ticketID]
	if !ok {
		return fmt.Errorf("mock ticketing: ticket %s: %w", ticketID, ErrNotFound)
	}
	tk.Status = status
	m.clock++
	tk.UpdatedAt = time.Unix(1700000000+m.clock, 0)
	return nil
}

// byRequester returns the requester's tickets, most recently updated first.
// Caller holds m.mu.
func (m *MockTicketing) byRequester(key string) []Ticket {
	var out []Ticket
	for _, t := range m.tickets {
		if t.requester == key {
			out = append(out, t.Ticket)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out
}

// --- Test helpers ---

// Comments returns the comments of a ticket.
func (m *MockTicketing) Comments(ticketID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.comments[ticketID]...)
}

// Calls returns how often an operation ran: create, comment, get, find,
// list or status.
func (m *MockTicketing) Calls(op string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[op]
}

// TicketCount returns the number of tickets created.
func (m *MockTicketing) TicketCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tickets)
}

// SetErr changes the failure of every call under the lock.
func (m *MockTicketing) SetErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Err = err
}

// MockKnowledgeBase implements KnowledgeBase from fixed data.
type MockKnowledgeBase struct {
	Cats []Category
	Arts []Article
}

func (k *MockKnowledgeBase) Categories(ctx context.Context) ([]Category, error) {
	return k.Cats, nil
}

func (k *MockKnowledgeBase) Articles(ctx context.Context, categoryID int) ([]Article, error) {
	found := false
	for _, c := range k.Cats {
		if c.ID == categoryID {
			found = true
		}
	}
	if !found {
		return nil, fmt.Errorf("mock kb: category %d: %w", categoryID, ErrNotFound)
	}
	var out []Article
	for _, a := range k.Arts {
		if a.CategoryID == categoryID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (k *MockKnowledgeBase) Article(ctx context.Context, id int) (Article, error) {
	for _, a := range k.Arts {
		if a.ID == id {
			return a, nil
		}
	}
	return Article{}, fmt.Errorf("mock kb: article %d: %w", id, ErrNotFound)
}

func (k *MockKnowledgeBase) Search(ctx context.Context, query string, limit int) ([]Article, error) {
	q := strings.ToLower(query)
	var out []Article
	for _, a := range k.Arts {
		if strings.Contains(strings.ToLower(a.Title), q) || strings.Contains(strings.ToLower(a.Body), q) {
			out = append(out, a)
			if limit > 0 && len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

// MemoryStorage implements Storage in memory.
type MemoryStorage struct {
	mu   sync.Mutex
	docs map[string][]byte

	// LoadErr and SaveErr make the matching calls fail.
	LoadErr error
	SaveErr error
}

// NewMemoryStorage creates an empty MemoryStorage.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{docs: make(map[string][]byte)}
}

func (s *MemoryStorage) Load(ctx context.Context, name string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.LoadErr != nil {
		return nil, s.LoadErr
	}
	data, ok := s.docs[name]
	if !ok {
		return nil, nil
	}
	return append([]byte(nil), data...), nil
}

func (s *MemoryStorage) Save(ctx context.Context, name string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.SaveErr != nil {
		return s.SaveErr
	}
	s.docs[name] = append([]byte(nil), data...)
	return nil
}

// Document returns a stored document.
func (s *MemoryStorage) Document(name string) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.docs[name]...)
}

// SetDocument replaces a stored document.
func (s *MemoryStorage) SetDocument(name string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.docs[name] = append([]byte(nil), data...)
}
