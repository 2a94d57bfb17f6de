package relay

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// keyedMutex serializes work per key. Entries are dropped once no holder
// or waiter remains.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedLock
}

type keyedLock struct {
	mu   sync.Mutex
	refs int
}

// Lock blocks until key is free and returns its unlock function.
func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*keyedLock)
	}
	l, ok := k.locks[key]
	if !ok {
		l = &keyedLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

// Bot feeds chat events through the state machine one user at a time and
// executes the resulting effects against the chat front-end.
type Bot struct {
	store   *SessionStore
	machine *Machine
	chat    ChatFrontEnd
	roles   *Roles
	timeout time.Duration
	logger  *slog.Logger

	users keyedMutex
}

// BotOpts holds parameters for creating a Bot.
type BotOpts struct {
	Store   *SessionStore
	Machine *Machine
	Chat    ChatFrontEnd
	Roles   *Roles
	Timeout time.Duration // defaults to DefaultBackendTimeout
	Logger  *slog.Logger
}

// NewBot creates a Bot.
func NewBot(opts BotOpts) (*Bot, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("relay: bot: store is required")
	}
	if opts.Machine == nil {
		return nil, fmt.Errorf("relay: bot: machine is required")
	}
	if opts.Chat == nil {
		return nil, fmt.Errorf("relay: bot: chat front-end is required")
	}
	roles := opts.Roles
	if roles == nil {
		roles = NewRoles(nil)
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultBackendTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Bot{
		store:   opts.Store,
		machine: opts.Machine,
		chat:    opts.Chat,
		roles:   roles,
		timeout: timeout,
		logger:  logger,
	}, nil
}

// HandleEvent processes one inbound event. Events of the same user are
// handled strictly one after another.
func (b *Bot) HandleEvent(ctx context.Context, ev Event) {
	if ev.UserID == "" {
		return
	}
	unlock := b.users.Lock(ev.UserID)
	defer unlock()

	sess, ok := b.store.Get(ev.UserID)
	if !ok {
		now := b.store.Now()
		sess = Session{
			UserID:       ev.UserID,
			State:        DefaultState(b.roles.Of(ev.UserID)),
			LastActivity: now,
			CreatedAt:    now,
		}
		b.store.Put(sess)
	}

	next, effects := b.machine.Handle(ctx, ev, sess)
	next.UserID = ev.UserID
	b.store.Put(next)

	b.logger.Debug("relay: event handled", "user", ev.UserID, "event", ev.Kind,
		"from", sess.State.Kind(), "to", stateName(next.State))
	b.apply(ctx, effects)
}

// HandleAck resolves an acknowledgment button press from the team channel.
func (b *Bot) HandleAck(ctx context.Context, sig AckSignal) {
	hit, err := b.machine.relayer.Acknowledge(ctx, sig.MessageID, sig.UserName)
	if err != nil {
		b.logger.Warn("relay: acknowledge from button", "destination", sig.MessageID, "error", err)
		return
	}
	b.logger.Debug("relay: button acknowledgment", "destination", sig.MessageID, "tracked", hit)
}

func stateName(st State) StateKind {
	if st == nil {
		return "completed"
	}
	return st.Kind()
}

// apply executes effects in order. Delete failures are cosmetic and only
// logged at debug.
func (b *Bot) apply(ctx context.Context, effects []Effect) {
	for _, e := range effects {
		switch e := e.(type) {
		case SendEffect:
			if e.Menu {
				b.clearMenus(ctx, e.Msg.ChatID)
			}
			sctx, cancel := context.WithTimeout(ctx, b.timeout)
			id, err := b.chat.Send(sctx, e.Msg)
			cancel()
			if err != nil {
				b.logger.Warn("relay: send message", "chat", e.Msg.ChatID, "error", err)
				continue
			}
			if e.Menu && id != "" {
				b.store.TrackMenu(e.Msg.ChatID, id)
			}
		case ClearMenusEffect:
			b.clearMenus(ctx, e.ChatID)
		case DeleteEffect:
			b.delete(ctx, e.ChatID, e.MessageID)
		}
	}
}

// clearMenus deletes the tracked menus of a chat.
func (b *Bot) clearMenus(ctx context.Context, chatID string) {
	for _, id := range b.store.TakeMenus(chatID) {
		b.delete(ctx, chatID, id)
	}
}

func (b *Bot) delete(ctx context.Context, chatID, messageID string) {
	dctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()
	if err := b.chat.Delete(dctx, chatID, messageID); err != nil {
		b.logger.Debug("relay: delete message", "chat", chatID, "message", messageID, "error", err)
	}
}
