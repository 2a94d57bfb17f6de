// Package relay is the support-desk engine: the per-user conversation state
// machine, the session store it runs on, and the forward-and-acknowledge
// handshake between the chat front-end and the team channel.
package relay

import (
	"context"
	"time"
)

// ChatFrontEnd is the chat platform end users and team members talk to the
// bot on. Message and user identifiers are opaque.
type ChatFrontEnd interface {
	// Connect establishes a connection to the chat platform.
	Connect(ctx context.Context) error

	// Listen returns a channel of inbound events. The channel is closed when
	// the adapter is closed. Listen must only be called after Connect.
	Listen(ctx context.Context) (<-chan Event, error)

	// Send delivers a message and returns its platform message ID.
	Send(ctx context.Context, msg OutboundMessage) (string, error)

	// Edit replaces the text and controls of a previously sent message.
	Edit(ctx context.Context, chatID, messageID string, msg OutboundMessage) error

	// Delete removes a previously sent message.
	Delete(ctx context.Context, chatID, messageID string) error

	// Close gracefully shuts down the adapter connection.
	Close() error
}

// TeamChannel is the collaboration channel relayed messages are posted to.
type TeamChannel interface {
	Connect(ctx context.Context) error

	// Post publishes a message and returns its destination message ID.
	Post(ctx context.Context, post TeamPost) (string, error)

	// MarkAcknowledged rewrites a posted message to show who acknowledged it
	// and removes its acknowledgment button.
	MarkAcknowledged(ctx context.Context, messageID string, mark AckMark) error

	// Reactions lists the emoji reactions currently on a posted message.
	Reactions(ctx context.Context, messageID string) ([]Reaction, error)

	// Listen returns a channel of acknowledgment button presses.
	Listen(ctx context.Context) (<-chan AckSignal, error)

	Close() error
}

// Ticketing is the external ticket tracker.
type Ticketing interface {
	Create(ctx context.Context, t NewTicket) (Ticket, error)
	Comment(ctx context.Context, ticketID, author, body string) error
	Get(ctx context.Context, ticketID string) (Ticket, error)
	// FindOpenByRequester returns the most recently updated open ticket for
	// the requester contact key, if any.
	FindOpenByRequester(ctx context.Context, contactKey string) (Ticket, bool, error)
	// ListByRequester returns open and solved tickets, newest first.
	ListByRequester(ctx context.Context, contactKey string) ([]Ticket, error)
	SetStatus(ctx context.Context, ticketID string, status TicketStatus) error
}

// KnowledgeBase serves help articles grouped by category.
type KnowledgeBase interface {
	Categories(ctx context.Context) ([]Category, error)
	Articles(ctx context.Context, categoryID int) ([]Article, error)
	Article(ctx context.Context, id int) (Article, error)
	Search(ctx context.Context, query string, limit int) ([]Article, error)
}

// Storage persists named JSON documents. Load returns nil data and a nil
// error when the document does not exist yet.
type Storage interface {
	Load(ctx context.Context, name string) ([]byte, error)
	Save(ctx context.Context, name string, data []byte) error
}

// EventKind classifies an inbound chat event.
type EventKind int

const (
	EventText EventKind = iota
	EventCommand
	EventCallback
	EventForward
)

func (k EventKind) String() string {
	switch k {
	case EventText:
		return "text"
	case EventCommand:
		return "command"
	case EventCallback:
		return "callback"
	case EventForward:
		return "forward"
	}
	return "unknown"
}

// Event is one inbound interaction from the chat front-end.
type Event struct {
	Kind      EventKind
	UserID    string
	UserName  string
	ChatID    string
	MessageID string
	// Text is the message text for EventText, the command name without its
	// slash for EventCommand, and the raw button data for EventCallback.
	Text      string
	Args      string            // command arguments
	Forward   *ForwardedMessage // set for EventForward
	Timestamp time.Time
}

// ChatKind describes the kind of chat a forwarded message came from.
type ChatKind int

const (
	ChatKindUnknown ChatKind = iota
	ChatKindGroup
	ChatKindChannel
)

// ForwardedMessage is the metadata the chat platform exposes about a
// message a team member forwarded to the bot.
type ForwardedMessage struct {
	Text                string
	OriginChatTitle     string
	OriginChatKind      ChatKind
	OriginSenderName    string
	OriginSenderIsBot   bool
	ForwardedSenderName string // bare name for senders hiding their account
	URL                 string
}

// Button is an inline control. Data is an encoded Action.
type Button struct {
	Label string
	Data  string
}

// OutboundMessage is a message to the chat front-end.
type OutboundMessage struct {
	ChatID  string
	ReplyTo string // message ID to reply to (optional)
	Text    string
	Buttons [][]Button
}

// TeamPost is a message for the team channel.
type TeamPost struct {
	Title     string
	Body      string
	Fields    []Field
	Footer    string
	AckButton bool
}

// Field is a key-value pair displayed with a team post.
type Field struct {
	Name  string
	Value string
	Short bool
}

// AckMark describes an acknowledgment to render on a team post.
type AckMark struct {
	By string
	At time.Time
	// Tracked is false when no pending record existed, so the original
	// sender was not notified.
	Tracked bool
}

// Reaction is an emoji reaction and the display names of who added it.
type Reaction struct {
	Name  string
	Users []string
}

// AckSignal is an acknowledgment button press in the team channel.
type AckSignal struct {
	MessageID string
	UserName  string
}

// Priority is a ticket priority.
type Priority string

const (
	PriorityUrgent Priority = "urgent"
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
)

// TicketStatus is the lifecycle state of a ticket.
type TicketStatus string

const (
	TicketOpen   TicketStatus = "open"
	TicketSolved TicketStatus = "solved"
)

// NewTicket is a ticket creation request.
type NewTicket struct {
	Subject       string
	Body          string
	RequesterName string
	RequesterKey  string
	Priority      Priority
	Tags          []string
}

// Ticket is a ticket as reported by the backend.
type Ticket struct {
	ID        string
	Subject   string
	Status    TicketStatus
	Priority  Priority
	URL       string
	UpdatedAt time.Time
}

// Category is a knowledge base category.
type Category struct {
	ID   int
	Name string
}

// Article is a knowledge base article.
type Article struct {
	ID         int
	CategoryID int
	Title      string
	Body       string
	URL        string
}
