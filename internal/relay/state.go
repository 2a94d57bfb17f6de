package relay

import (
	"encoding/json"
	"fmt"
	"time"
)

// StateKind names a conversation state. It is the tag stored alongside the
// state payload when sessions are persisted.
type StateKind string

const (
	KindMain                      StateKind = "main"
	KindSupport                   StateKind = "support"
	KindSearch                    StateKind = "search"
	KindBrowseCategory            StateKind = "browse_category"
	KindAwaitingTicketDescription StateKind = "awaiting_ticket_description"
	KindAwaitingTicketUpdate      StateKind = "awaiting_ticket_update"
	KindAwaitingTicketChoice      StateKind = "awaiting_ticket_choice"
	KindForward                   StateKind = "forward"
	KindAwaitingForwardOrigin     StateKind = "awaiting_forward_origin"
	KindAwaitingForwardSource     StateKind = "awaiting_forward_source"
)

// State is the single active conversation state of a session. Each state is
// its own type, so a payload can only exist alongside the state it belongs to.
type State interface {
	Kind() StateKind
}

// StateMain is the requester's top-level menu.
type StateMain struct{}

// StateSupport is the requester's ticket menu after a ticket action.
type StateSupport struct{}

// StateSearch waits for a knowledge base search query.
type StateSearch struct{}

// StateBrowseCategory is showing the articles of one category.
type StateBrowseCategory struct {
	CategoryID int `json:"category_id"`
}

// StateAwaitingTicketDescription waits for the text of a new ticket.
type StateAwaitingTicketDescription struct{}

// StateAwaitingTicketUpdate waits for a comment on an open ticket.
type StateAwaitingTicketUpdate struct {
	TicketID string `json:"ticket_id"`
}

// StateAwaitingTicketChoice holds a drafted ticket while the requester
// decides whether to attach it to the ticket they already have open.
type StateAwaitingTicketChoice struct {
	Draft            string   `json:"draft"`
	Severity         Priority `json:"severity"`
	ExistingTicketID string   `json:"existing_ticket_id"`
}

// StateForward is the team member's default: waiting for a forwarded message.
type StateForward struct{}

// StateAwaitingForwardOrigin asks which group a forwarded message came from
// when the platform did not say.
type StateAwaitingForwardOrigin struct{}

// StateAwaitingForwardSource waits for the context line that is relayed
// together with the captured message.
type StateAwaitingForwardSource struct{}

func (StateMain) Kind() StateKind                      { return KindMain }
func (StateSupport) Kind() StateKind                   { return KindSupport }
func (StateSearch) Kind() StateKind                    { return KindSearch }
func (StateBrowseCategory) Kind() StateKind            { return KindBrowseCategory }
func (StateAwaitingTicketDescription) Kind() StateKind { return KindAwaitingTicketDescription }
func (StateAwaitingTicketUpdate) Kind() StateKind      { return KindAwaitingTicketUpdate }
func (StateAwaitingTicketChoice) Kind() StateKind      { return KindAwaitingTicketChoice }
func (StateForward) Kind() StateKind                   { return KindForward }
func (StateAwaitingForwardOrigin) Kind() StateKind     { return KindAwaitingForwardOrigin }
func (StateAwaitingForwardSource) Kind() StateKind     { return KindAwaitingForwardSource }

// requesterOnly reports whether a state belongs to the ticket or knowledge
// base flows.
func requesterOnly(k StateKind) bool {
	switch k {
	case KindMain, KindSupport, KindSearch, KindBrowseCategory,
		KindAwaitingTicketDescription, KindAwaitingTicketUpdate, KindAwaitingTicketChoice:
		return true
	}
	return false
}

// teamOnly reports whether a state belongs to the forwarding flow.
func teamOnly(k StateKind) bool {
	switch k {
	case KindForward, KindAwaitingForwardOrigin, KindAwaitingForwardSource:
		return true
	}
	return false
}

// newState returns a zero value of the state with the given kind.
func newState(k StateKind) (State, error) {
	switch k {
	case KindMain:
		return StateMain{}, nil
	case KindSupport:
		return StateSupport{}, nil
	case KindSearch:
		return StateSearch{}, nil
	case KindBrowseCategory:
		return StateBrowseCategory{}, nil
	case KindAwaitingTicketDescription:
		return StateAwaitingTicketDescription{}, nil
	case KindAwaitingTicketUpdate:
		return StateAwaitingTicketUpdate{}, nil
	case KindAwaitingTicketChoice:
		return StateAwaitingTicketChoice{}, nil
	case KindForward:
		return StateForward{}, nil
	case KindAwaitingForwardOrigin:
		return StateAwaitingForwardOrigin{}, nil
	case KindAwaitingForwardSource:
		return StateAwaitingForwardSource{}, nil
	}
	return nil, fmt.Errorf("relay: unknown state %q", k)
}

// Session is one user's place in the conversation.
type Session struct {
	UserID       string
	State        State
	LastActivity time.Time
	CreatedAt    time.Time
}

type sessionJSON struct {
	UserID       string          `json:"user_id"`
	State        StateKind       `json:"state"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	LastActivity time.Time       `json:"last_activity"`
	CreatedAt    time.Time       `json:"created_at"`
}

// MarshalJSON encodes the state as a kind tag plus payload.
func (s Session) MarshalJSON() ([]byte, error) {
	if s.State == nil {
		return nil, fmt.Errorf("relay: session %s has no state", s.UserID)
	}
	payload, err := json.Marshal(s.State)
	if err != nil {
		return nil, fmt.Errorf("relay: encode state: %w", err)
	}
	return json.Marshal(sessionJSON{
		UserID:       s.UserID,
		State:        s.State.Kind(),
		Payload:      payload,
		LastActivity: s.LastActivity,
		CreatedAt:    s.CreatedAt,
	})
}

// UnmarshalJSON decodes a tagged session and rejects unknown states.
func (s *Session) UnmarshalJSON(data []byte) error {
	var raw sessionJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	st, err := newState(raw.State)
	if err != nil {
		return err
	}
	if len(raw.Payload) > 0 && string(raw.Payload) != "null" {
		ptr, err := decodePayload(st, raw.Payload)
		if err != nil {
			return fmt.Errorf("relay: decode %s payload: %w", raw.State, err)
		}
		st = ptr
	}
	if raw.LastActivity.IsZero() {
		return fmt.Errorf("relay: session %s has no activity timestamp", raw.UserID)
	}
	*s = Session{
		UserID:       raw.UserID,
		State:        st,
		LastActivity: raw.LastActivity,
		CreatedAt:    raw.CreatedAt,
	}
	return nil
}

// decodePayload fills the payload-carrying states; payload-free states are
// returned unchanged.
func decodePayload(st State, payload json.RawMessage) (State, error) {
	switch v := st.(type) {
	case StateBrowseCategory:
		err := json.Unmarshal(payload, &v)
		return v, err
	case StateAwaitingTicketUpdate:
		err := json.Unmarshal(payload, &v)
		return v, err
	case StateAwaitingTicketChoice:
		err := json.Unmarshal(payload, &v)
		return v, err
	}
	return st, nil
}
