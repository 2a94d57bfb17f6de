package relay

import (
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

// ---------------------------------------------------------------------------
// Shared fixtures
// ---------------------------------------------------------------------------

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

const (
	teamID     = "team-1"
	customerID = "cust-1"
)

type testEnv struct {
	clock   *fakeClock
	storage *MemoryStorage
	store   *SessionStore
	chat    *MockChat
	team    *MockTeam
	backend *MockTicketing
	kb      *MockKnowledgeBase
	tickets *TicketCache
	relayer *Relayer
	machine *Machine
	bot     *Bot
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		clock:   newFakeClock(),
		storage: NewMemoryStorage(),
		chat:    NewMockChat(),
		team:    NewMockTeam(),
		backend: NewMockTicketing(),
		kb: &MockKnowledgeBase{
			Cats: []Category{{ID: 1, Name: "Network"}, {ID: 2, Name: "Email"}},
			Arts: []Article{
				{ID: 10, CategoryID: 1, Title: "VPN setup", Body: "Install the client and sign in."},
				{ID: 11, CategoryID: 1, Title: "Wi-Fi troubleshooting", Body: "Forget the network and rejoin."},
				{ID: 20, CategoryID: 2, Title: "Mailbox full", Body: "Archive old mail."},
			},
		},
	}
	logger := discardLogger()

	var err error
	env.store, err = NewSessionStore(SessionStoreOpts{Storage: env.storage, Now: env.clock.Now, Logger: logger})
	if err != nil {
		t.Fatalf("NewSessionStore: %v", err)
	}
	env.tickets, err = NewTicketCache(TicketCacheOpts{Store: env.store, Backend: env.backend, ContactDomain: "example.test", Logger: logger})
	if err != nil {
		t.Fatalf("NewTicketCache: %v", err)
	}
	env.relayer, err = NewRelayer(RelayerOpts{Store: env.store, Chat: env.chat, Team: env.team, Logger: logger})
	if err != nil {
		t.Fatalf("NewRelayer: %v", err)
	}
	roles := NewRoles([]string{teamID})
	env.machine, err = NewMachine(MachineOpts{
		Store:         env.store,
		Roles:         roles,
		Tickets:       env.tickets,
		Backend:       env.backend,
		KnowledgeBase: env.kb,
		Relayer:       env.relayer,
		Logger:        logger,
	})
	if err != nil {
		t.Fatalf("NewMachine: %v", err)
	}
	env.bot, err = NewBot(BotOpts{Store: env.store, Machine: env.machine, Chat: env.chat, Roles: roles, Logger: logger})
	if err != nil {
		t.Fatalf("NewBot: %v", err)
	}
	return env
}

func textEvent(userID, text string) Event {
	return Event{Kind: EventText, UserID: userID, UserName: "name-" + userID, ChatID: "chat-" + userID, Text: text}
}

func commandEvent(userID, name string) Event {
	return Event{Kind: EventCommand, UserID: userID, UserName: "name-" + userID, ChatID: "chat-" + userID, Text: name}
}

func callbackEvent(userID string, a Action) Event {
	return Event{Kind: EventCallback, UserID: userID, UserName: "name-" + userID, ChatID: "chat-" + userID, Text: a.Data()}
}

func forwardEvent(userID string, fwd ForwardedMessage) Event {
	return Event{
		Kind:      EventForward,
		UserID:    userID,
		UserName:  "name-" + userID,
		ChatID:    "chat-" + userID,
		MessageID: "in-1",
		Text:      fwd.Text,
		Forward:   &fwd,
	}
}

// sessionKind returns the stored state kind of a user, or "" when absent.
func (env *testEnv) sessionKind(userID string) StateKind {
	sess, ok := env.store.Get(userID)
	if !ok {
		return ""
	}
	return sess.State.Kind()
}

func sentTexts(effects []Effect) []string {
	var out []string
	for _, e := range effects {
		if s, ok := e.(SendEffect); ok {
			out = append(out, s.Msg.Text)
		}
	}
	return out
}

func hasButton(msg OutboundMessage, data string) bool {
	for _, row := range msg.Buttons {
		for _, b := range row {
			if b.Data == data {
				return true
			}
		}
	}
	return false
}
