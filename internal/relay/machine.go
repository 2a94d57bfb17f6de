package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// ErrStaleInteraction is returned when a button press refers to a flow the
// session is no longer in.
var ErrStaleInteraction = errors.New("relay: stale interaction")

// ErrNotFound is wrapped by backends when a ticket or article does not exist.
var ErrNotFound = errors.New("relay: not found")

// Effect is a chat side effect produced by the state machine.
type Effect interface {
	effect()
}

// SendEffect sends a message. Sending a menu first clears the chat's
// previously tracked menus, and the new message is tracked in their place.
type SendEffect struct {
	Msg  OutboundMessage
	Menu bool
}

// ClearMenusEffect deletes every tracked menu message of a chat.
type ClearMenusEffect struct {
	ChatID string
}

// DeleteEffect deletes one message.
type DeleteEffect struct {
	ChatID    string
	MessageID string
}

func (SendEffect) effect()       {}
func (ClearMenusEffect) effect() {}
func (DeleteEffect) effect()     {}

// Machine is the conversation state machine. Backend calls whose result
// decides the next state are made inline; chat output is returned as
// effects for the caller to execute.
type Machine struct {
	store   *SessionStore
	roles   *Roles
	tickets *TicketCache
	backend Ticketing
	kb      KnowledgeBase
	relayer *Relayer
	timeout time.Duration
	logger  *slog.Logger
}

// MachineOpts holds parameters for creating a Machine.
type MachineOpts struct {
	Store         *SessionStore
	Roles         *Roles
	Tickets       *TicketCache
	Backend       Ticketing
	KnowledgeBase KnowledgeBase // optional; disables browsing and search when nil
	Relayer       *Relayer
	Timeout       time.Duration // defaults to DefaultBackendTimeout
	Logger        *slog.Logger
}

// NewMachine creates a Machine.
func NewMachine(opts MachineOpts) (*Machine, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("relay: machine: store is required")
	}
	if opts.Tickets == nil {
		return nil, fmt.Errorf("relay: machine: ticket cache is required")
	}
	if opts.Backend == nil {
		return nil, fmt.Errorf("relay: machine: ticketing backend is required")
	}
	if opts.Relayer == nil {
		return nil, fmt.Errorf("relay: machine: relayer is required")
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
	return &Machine{
		store:   opts.Store,
		roles:   roles,
		tickets: opts.Tickets,
		backend: opts.Backend,
		kb:      opts.KnowledgeBase,
		relayer: opts.Relayer,
		timeout: timeout,
		logger:  logger,
	}, nil
}

// turn is the outcome of one handler. A nil state completes the session.
type turn struct {
	state   State
	effects []Effect
}

// Handle advances a session by one event. It returns the next session and
// the effects to execute. A returned session with a nil State is complete
// and must be deleted. Events rejected by role gating return the input
// session untouched.
func (m *Machine) Handle(ctx context.Context, ev Event, sess Session) (Session, []Effect) {
	role := m.roles.Of(ev.UserID)
	if sess.State == nil {
		sess.UserID = ev.UserID
		sess.State = DefaultState(role)
	}

	var act Action
	if ev.Kind == EventCallback {
		a, err := ParseAction(ev.Text)
		if err != nil {
			m.logger.Debug("relay: unparseable callback", "user", ev.UserID, "data", ev.Text, "error", err)
			return m.touch(sess, sess.State), []Effect{reply(ev.ChatID, msgStale, menuRow())}
		}
		act = a
	}

	if msg, rejected := m.gate(role, ev, act, sess.State); rejected {
		m.logger.Debug("relay: rejected by role", "user", ev.UserID, "role", role, "event", ev.Kind)
		return sess, []Effect{reply(ev.ChatID, msg)}
	}

	var (
		t   turn
		err error
	)
	switch ev.Kind {
	case EventCommand:
		t, err = m.command(ctx, role, ev, sess)
	case EventCallback:
		t, err = m.callback(ctx, role, ev, act, sess)
	case EventForward:
		t, err = m.capture(ev)
	default:
		t, err = m.text(ctx, role, ev, sess)
	}

	switch {
	case errors.Is(err, ErrStaleInteraction):
		m.logger.Debug("relay: stale interaction", "user", ev.UserID, "state", sess.State.Kind(), "data", ev.Text)
		return m.touch(sess, sess.State), []Effect{reply(ev.ChatID, msgStale, menuRow())}
	case err != nil:
		m.logger.Warn("relay: handle event", "user", ev.UserID, "event", ev.Kind, "state", sess.State.Kind(), "error", err)
		return m.touch(sess, sess.State), []Effect{m.failure(ev.ChatID, role)}
	}
	return m.touch(sess, t.state), t.effects
}

// touch sets the next state and records activity.
func (m *Machine) touch(sess Session, next State) Session {
	now := m.store.Now()
	sess.State = next
	sess.LastActivity = now
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = now
	}
	return sess
}

// gate rejects ticket and knowledge base events from team members and
// forwarding events from requesters before any handler runs.
func (m *Machine) gate(role Role, ev Event, act Action, st State) (string, bool) {
	if role == RoleTeamMember {
		switch ev.Kind {
		case EventCallback:
			if requesterAction(act.Kind) {
				return msgTeamRedirect, true
			}
		case EventCommand:
			if requesterCommand(ev.Text) {
				return msgTeamRedirect, true
			}
		case EventText:
			if requesterOnly(st.Kind()) {
				return msgTeamRedirect, true
			}
		}
		return "", false
	}

	switch ev.Kind {
	case EventForward:
		return msgRequesterRedirect, true
	case EventText:
		if teamOnly(st.Kind()) {
			return msgRequesterRedirect, true
		}
	}
	return "", false
}

func (m *Machine) failure(chatID string, role Role) SendEffect {
	if role == RoleTeamMember {
		return reply(chatID, msgTeamFailure, cancelRow())
	}
	return reply(chatID, msgRequesterFailure, menuRow())
}

// bounded returns a context limited to the backend timeout.
func (m *Machine) bounded(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, m.timeout)
}

// requesterCommand reports whether a command opens a ticket or knowledge
// base flow.
func requesterCommand(name string) bool {
	switch name {
	case "new", "ticket", "tickets", "search", "kb":
		return true
	}
	return false
}

// command handles slash commands.
func (m *Machine) command(ctx context.Context, role Role, ev Event, sess Session) (turn, error) {
	switch ev.Text {
	case "start", "menu", "help":
		m.store.DeleteForward(ev.UserID)
		return turn{DefaultState(role), []Effect{mainMenu(ev.ChatID, role)}}, nil
	case "cancel":
		m.store.DeleteForward(ev.UserID)
		return turn{DefaultState(role), cancelled(ev.ChatID, role)}, nil
	case "new":
		return m.promptDescription(ev.ChatID), nil
	case "ticket":
		return m.viewTicket(ctx, ev)
	case "tickets":
		return m.listTickets(ctx, ev)
	case "kb":
		return m.browseKnowledgeBase(ctx, ev)
	case "search":
		if q := strings.TrimSpace(ev.Args); q != "" {
			return m.search(ctx, ev, q)
		}
		return m.promptSearch(ev.ChatID), nil
	}
	return turn{sess.State, []Effect{reply(ev.ChatID, msgUnknownCommand)}}, nil
}

// callback handles button presses.
func (m *Machine) callback(ctx context.Context, role Role, ev Event, act Action, sess Session) (turn, error) {
	switch act.Kind {
	case ActionMainMenu:
		m.store.DeleteForward(ev.UserID)
		return turn{DefaultState(role), []Effect{mainMenu(ev.ChatID, role)}}, nil
	case ActionCancel:
		m.store.DeleteForward(ev.UserID)
		return turn{DefaultState(role), cancelled(ev.ChatID, role)}, nil
	case ActionNewTicket:
		return m.promptDescription(ev.ChatID), nil
	case ActionViewTicket:
		return m.viewTicket(ctx, ev)
	case ActionUpdateTicket:
		return m.promptUpdate(ctx, ev)
	case ActionCloseTicket:
		return m.closeTicket(ctx, ev)
	case ActionReopenTicket:
		return m.reopenTicket(ctx, ev)
	case ActionListTickets:
		return m.listTickets(ctx, ev)
	case ActionAttachExisting, ActionCreateNew:
		choice, ok := sess.State.(StateAwaitingTicketChoice)
		if !ok {
			return turn{}, ErrStaleInteraction
		}
		if act.Kind == ActionAttachExisting {
			return m.attachDraft(ctx, ev, choice)
		}
		return m.createTicket(ctx, ev, choice.Draft, choice.Severity)
	case ActionKnowledgeBase:
		return m.browseKnowledgeBase(ctx, ev)
	case ActionSearch:
		return m.promptSearch(ev.ChatID), nil
	case ActionOpenCategory:
		return m.openCategory(ctx, ev, act.ID)
	case ActionOpenArticle:
		return m.openArticle(ctx, ev, act.ID)
	}
	return turn{}, ErrStaleInteraction
}

// text handles free text according to the current state.
func (m *Machine) text(ctx context.Context, role Role, ev Event, sess Session) (turn, error) {
	body := strings.TrimSpace(ev.Text)
	switch st := sess.State.(type) {
	case StateAwaitingTicketDescription, StateMain, StateSupport, StateBrowseCategory:
		// Requesters can describe an issue without opening the ticket menu.
		if body == "" {
			return m.promptDescription(ev.ChatID), nil
		}
		return m.submitDescription(ctx, ev, body)
	case StateAwaitingTicketUpdate:
		if body == "" {
			return turn{st, []Effect{reply(ev.ChatID, "Type your update in one message.", cancelRow())}}, nil
		}
		return m.submitUpdate(ctx, ev, st.TicketID, body)
	case StateAwaitingTicketChoice:
		return turn{st, []Effect{ticketChoice(ev.ChatID, st.ExistingTicketID)}}, nil
	case StateSearch:
		if body == "" {
			return m.promptSearch(ev.ChatID), nil
		}
		return m.search(ctx, ev, body)
	case StateAwaitingForwardOrigin:
		return m.originGiven(ev, sess, body)
	case StateAwaitingForwardSource:
		return m.finalizeForward(ctx, ev, sess, body)
	}
	return turn{DefaultState(role), []Effect{mainMenu(ev.ChatID, role)}}, nil
}
