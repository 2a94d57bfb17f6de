// Package discord implements the relay ChatFrontEnd for Discord using the
// Gateway WebSocket. Requesters and team members talk to the bot in direct
// messages; in guild channels only messages that mention the bot are
// accepted. Menus are rendered as message component buttons.
package discord

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/zulandar/switchboard/internal/relay"
)

const (
	// maxRetries is the max number of retries for rate-limited API calls.
	maxRetries = 3
	// baseBackoff is the initial backoff duration for rate limit retries.
	baseBackoff = 2 * time.Second
	// maxBackoff caps the exponential backoff.
	maxBackoff = 2 * time.Minute
	// maxContent is Discord's message content limit.
	maxContent = 2000
	// maxRowButtons is Discord's per-row component limit.
	maxRowButtons = 5
	// lookupTimeout bounds REST calls made from gateway handlers.
	lookupTimeout = 10 * time.Second
)

// session abstracts the discordgo.Session methods we use, enabling test mocks.
type session interface {
	Open() error
	Close() error
	Channel(channelID string, options ...discordgo.RequestOption) (*discordgo.Channel, error)
	ChannelMessage(channelID, messageID string, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessageEditComplex(m *discordgo.MessageEdit, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessageDelete(channelID, messageID string, options ...discordgo.RequestOption) error
	InteractionRespond(interaction *discordgo.Interaction, resp *discordgo.InteractionResponse, options ...discordgo.RequestOption) error
	AddHandler(handler interface{}) func()
}

// realSession wraps *discordgo.Session to implement the session interface.
type realSession struct {
	s *discordgo.Session
}

func (r *realSession) Open() error  { return r.s.Open() }
func (r *realSession) Close() error { return r.s.Close() }
func (r *realSession) Channel(channelID string, options ...discordgo.RequestOption) (*discordgo.Channel, error) {
	if ch, err := r.s.State.Channel(channelID); err == nil {
		return ch, nil
	}
	return r.s.Channel(channelID, options...)
}
func (r *realSession) ChannelMessage(channelID, messageID string, options ...discordgo.RequestOption) (*discordgo.Message, error) {
	return r.s.ChannelMessage(channelID, messageID, options...)
}
func (r *realSession) ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error) {
	return r.s.ChannelMessageSendComplex(channelID, data, options...)
}
func (r *realSession) ChannelMessageEditComplex(m *discordgo.MessageEdit, options ...discordgo.RequestOption) (*discordgo.Message, error) {
	return r.s.ChannelMessageEditComplex(m, options...)
}
func (r *realSession) ChannelMessageDelete(channelID, messageID string, options ...discordgo.RequestOption) error {
	return r.s.ChannelMessageDelete(channelID, messageID, options...)
}
func (r *realSession) InteractionRespond(interaction *discordgo.Interaction, resp *discordgo.InteractionResponse, options ...discordgo.RequestOption) error {
	return r.s.InteractionRespond(interaction, resp, options...)
}
func (r *realSession) AddHandler(handler interface{}) func() {
	return r.s.AddHandler(handler)
}

// Adapter implements relay.ChatFrontEnd for Discord.
type Adapter struct {
	sess           session
	botToken       string
	botUserID      string
	logger         *slog.Logger
	mu             sync.Mutex
	connected      bool
	closed         bool
	inbound        chan relay.Event
	removeHandlers []func()
	baseBackoff    time.Duration
	maxBackoff     time.Duration
}

// AdapterOpts holds parameters for creating a Discord Adapter.
type AdapterOpts struct {
	BotToken string // Discord bot token
	Logger   *slog.Logger
	// For testing: inject a mock session instead of real Discord API.
	Session session
}

// New creates a Discord Adapter.
func New(opts AdapterOpts) (*Adapter, error) {
	if opts.Session == nil && opts.BotToken == "" {
		return nil, fmt.Errorf("discord: bot token is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Adapter{
		sess:        opts.Session,
		botToken:    opts.BotToken,
		logger:      logger,
		inbound:     make(chan relay.Event, 100),
		baseBackoff: baseBackoff,
		maxBackoff:  maxBackoff,
	}, nil
}

// Connect establishes the Discord Gateway WebSocket connection.
func (a *Adapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return fmt.Errorf("discord: adapter already closed")
	}
	if a.connected {
		return nil
	}

	// Create real session if not injected (production path).
	if a.sess == nil {
		dg, err := discordgo.New("Bot " + a.botToken)
		if err != nil {
			return fmt.Errorf("discord: create session: %w", err)
		}
		dg.Identify.Intents = discordgo.IntentsDirectMessages |
			discordgo.IntentsGuildMessages |
			discordgo.IntentsMessageContent
		a.sess = &realSession{s: dg}
	}

	// Capture the bot user ID on connect and reconnect.
	a.sess.AddHandler(func(_ *discordgo.Session, r *discordgo.Ready) {
		a.mu.Lock()
		a.botUserID = r.User.ID
		a.mu.Unlock()
		a.logger.Info("discord: connected", "user", r.User.Username, "id", r.User.ID)
	})

	// discordgo reconnects on its own; these are for observability.
	a.sess.AddHandler(func(_ *discordgo.Session, d *discordgo.Disconnect) {
		a.logger.Warn("discord: gateway disconnected, discordgo will auto-reconnect")
	})
	a.sess.AddHandler(func(_ *discordgo.Session, r *discordgo.Resumed) {
		a.logger.Info("discord: gateway session resumed")
	})

	if err := a.sess.Open(); err != nil {
		return fmt.Errorf("discord: open gateway: %w", err)
	}

	a.connected = true
	return nil
}

// Listen returns a channel of inbound events. Registers message and
// component interaction handlers on the Gateway session. Must be called
// after Connect.
func (a *Adapter) Listen(ctx context.Context) (<-chan relay.Event, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.connected {
		return nil, fmt.Errorf("discord: not connected")
	}

	a.removeHandlers = append(a.removeHandlers,
		a.sess.AddHandler(func(_ *discordgo.Session, m *discordgo.MessageCreate) {
			a.handleMessage(m)
		}),
		a.sess.AddHandler(func(_ *discordgo.Session, i *discordgo.InteractionCreate) {
			a.handleInteraction(i)
		}),
	)

	return a.inbound, nil
}

// Send delivers a message and returns its Discord message ID.
func (a *Adapter) Send(ctx context.Context, msg relay.OutboundMessage) (string, error) {
	if err := a.ready(); err != nil {
		return "", err
	}
	if msg.ChatID == "" {
		return "", fmt.Errorf("discord: no channel specified")
	}

	data := buildMessageSend(msg)

	var sent *discordgo.Message
	err := a.retryOnRateLimit(ctx, func() error {
		var sendErr error
		sent, sendErr = a.sess.ChannelMessageSendComplex(msg.ChatID, data, discordgo.WithContext(ctx))
		return sendErr
	})
	if err != nil {
		return "", fmt.Errorf("discord: send message: %w", err)
	}
	return sent.ID, nil
}

// Edit replaces the content and buttons of a sent message.
func (a *Adapter) Edit(ctx context.Context, chatID, messageID string, msg relay.OutboundMessage) error {
	if err := a.ready(); err != nil {
		return err
	}

	content := truncate(msg.Text)
	components := buildComponents(msg.Buttons)
	edit := &discordgo.MessageEdit{
		ID:         messageID,
		Channel:    chatID,
		Content:    &content,
		Components: &components,
	}

	err := a.retryOnRateLimit(ctx, func() error {
		_, editErr := a.sess.ChannelMessageEditComplex(edit, discordgo.WithContext(ctx))
		return editErr
	})
	if err != nil {
		return fmt.Errorf("discord: edit message: %w", err)
	}
	return nil
}

// Delete removes a sent message.
func (a *Adapter) Delete(ctx context.Context, chatID, messageID string) error {
	if err := a.ready(); err != nil {
		return err
	}
	err := a.retryOnRateLimit(ctx, func() error {
		return a.sess.ChannelMessageDelete(chatID, messageID, discordgo.WithContext(ctx))
	})
	if err != nil {
		return fmt.Errorf("discord: delete message: %w", err)
	}
	return nil
}

// Close gracefully shuts down the adapter connection.
func (a *Adapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}
	a.closed = true
	a.connected = false
	for _, remove := range a.removeHandlers {
		remove()
	}
	close(a.inbound)
	if a.sess != nil {
		return a.sess.Close()
	}
	return nil
}

// BotUserID returns the bot's Discord user ID (available after Ready).
func (a *Adapter) BotUserID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.botUserID
}

// SetBotUserID sets the bot user ID (used for self-message filtering).
func (a *Adapter) SetBotUserID(id string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.botUserID = id
}

func (a *Adapter) ready() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.connected {
		return fmt.Errorf("discord: not connected")
	}
	return nil
}

// emit hands an event to the listener. Events arriving after Close are
// dropped.
func (a *Adapter) emit(ev relay.Event) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}
	select {
	case a.inbound <- ev:
	default:
		a.logger.Warn("discord: inbound buffer full, dropping event", "user", ev.UserID, "kind", ev.Kind)
	}
}

// handleMessage converts a Discord message into a text, command or forward
// event.
func (a *Adapter) handleMessage(m *discordgo.MessageCreate) {
	if m.Author == nil {
		return
	}

	a.mu.Lock()
	botID := a.botUserID
	a.mu.Unlock()
	if m.Author.ID == botID || m.Author.Bot {
		return
	}

	content := m.Content
	if m.GuildID != "" {
		var ok bool
		if content, ok = addressedTo(m.Message, botID); !ok {
			return
		}
	}

	ts, _ := discordgo.SnowflakeTimestamp(m.ID)
	ev := relay.Event{
		Kind:      relay.EventText,
		UserID:    m.Author.ID,
		UserName:  displayName(m.Author),
		ChatID:    m.ChannelID,
		MessageID: m.ID,
		Text:      content,
		Timestamp: ts,
	}

	ctx, cancel := context.WithTimeout(context.Background(), lookupTimeout)
	defer cancel()
	if fwd, ok := a.forwardOf(ctx, m.Message, content); ok {
		ev.Kind = relay.EventForward
		ev.Forward = fwd
		ev.Text = fwd.Text
	} else if name, args, ok := parseCommand(content); ok {
		ev.Kind = relay.EventCommand
		ev.Text = name
		ev.Args = args
	}

	a.emit(ev)
}

// addressedTo reports whether a guild message mentions the bot and returns
// its content with the mention removed.
func addressedTo(m *discordgo.Message, botID string) (string, bool) {
	if botID == "" {
		return "", false
	}
	mentioned := false
	for _, u := range m.Mentions {
		if u != nil && u.ID == botID {
			mentioned = true
			break
		}
	}
	if !mentioned {
		return "", false
	}
	content := strings.ReplaceAll(m.Content, "<@"+botID+">", "")
	content = strings.ReplaceAll(content, "<@!"+botID+">", "")
	return strings.TrimSpace(content), true
}

// forwardOf reports whether a message references a message in another
// channel, and describes that message's origin.
func (a *Adapter) forwardOf(ctx context.Context, m *discordgo.Message, content string) (*relay.ForwardedMessage, bool) {
	ref := m.MessageReference
	if ref == nil || ref.MessageID == "" || ref.ChannelID == "" || ref.ChannelID == m.ChannelID {
		return nil, false
	}

	fwd := &relay.ForwardedMessage{Text: content}
	if ref.GuildID != "" {
		fwd.URL = fmt.Sprintf("https://discord.com/channels/%s/%s/%s", ref.GuildID, ref.ChannelID, ref.MessageID)
	}

	if orig, err := a.sess.ChannelMessage(ref.ChannelID, ref.MessageID, discordgo.WithContext(ctx)); err == nil && orig != nil {
		if fwd.Text == "" {
			fwd.Text = orig.Content
		}
		if orig.Author != nil {
			fwd.OriginSenderName = displayName(orig.Author)
			fwd.OriginSenderIsBot = orig.Author.Bot
		}
	} else {
		a.logger.Debug("discord: forwarded message not readable", "channel", ref.ChannelID, "message", ref.MessageID, "error", err)
	}

	if ch, err := a.sess.Channel(ref.ChannelID, discordgo.WithContext(ctx)); err == nil && ch != nil && ch.Name != "" {
		fwd.OriginChatTitle = ch.Name
		fwd.OriginChatKind = chatKind(ch.Type)
	}
	return fwd, true
}

// handleInteraction converts a button press into a callback event and
// acknowledges it so the client stops waiting.
func (a *Adapter) handleInteraction(i *discordgo.InteractionCreate) {
	if i.Interaction == nil || i.Type != discordgo.InteractionMessageComponent {
		return
	}

	user := i.User
	if user == nil && i.Member != nil {
		user = i.Member.User
	}
	if user == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), lookupTimeout)
	defer cancel()
	if err := a.sess.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseDeferredMessageUpdate,
	}, discordgo.WithContext(ctx)); err != nil {
		a.logger.Debug("discord: interaction respond", "user", user.ID, "error", err)
	}

	ev := relay.Event{
		Kind:      relay.EventCallback,
		UserID:    user.ID,
		UserName:  displayName(user),
		ChatID:    i.ChannelID,
		Text:      i.MessageComponentData().CustomID,
		Timestamp: time.Now(),
	}
	if i.Message != nil {
		ev.MessageID = i.Message.ID
	}
	a.emit(ev)
}

// parseCommand splits "/name args" or "!name args" into its parts.
func parseCommand(content string) (name, args string, ok bool) {
	content = strings.TrimSpace(content)
	if len(content) < 2 || (content[0] != '/' && content[0] != '!') {
		return "", "", false
	}
	name, args, _ = strings.Cut(content[1:], " ")
	if name == "" {
		return "", "", false
	}
	return strings.ToLower(name), strings.TrimSpace(args), true
}

func displayName(u *discordgo.User) string {
	if u.GlobalName != "" {
		return u.GlobalName
	}
	return u.Username
}

// chatKind maps announcement channels to ChatKindChannel; every other named
// channel is a group conversation.
func chatKind(t discordgo.ChannelType) relay.ChatKind {
	if t == discordgo.ChannelTypeGuildNews {
		return relay.ChatKindChannel
	}
	return relay.ChatKindGroup
}

// buildMessageSend translates an OutboundMessage into a Discord MessageSend.
func buildMessageSend(msg relay.OutboundMessage) *discordgo.MessageSend {
	data := &discordgo.MessageSend{
		Content:    truncate(msg.Text),
		Components: buildComponents(msg.Buttons),
	}
	if msg.ReplyTo != "" {
		data.Reference = &discordgo.MessageReference{
			MessageID: msg.ReplyTo,
			ChannelID: msg.ChatID,
		}
	}
	return data
}

// buildComponents renders button rows, splitting rows wider than Discord
// allows.
func buildComponents(rows [][]relay.Button) []discordgo.MessageComponent {
	components := []discordgo.MessageComponent{}
	for _, row := range rows {
		for start := 0; start < len(row); start += maxRowButtons {
			end := min(start+maxRowButtons, len(row))
			var buttons []discordgo.MessageComponent
			for _, b := range row[start:end] {
				buttons = append(buttons, discordgo.Button{
					Label:    b.Label,
					Style:    discordgo.SecondaryButton,
					CustomID: b.Data,
				})
			}
			components = append(components, discordgo.ActionsRow{Components: buttons})
		}
	}
	return components
}

func truncate(s string) string {
	r := []rune(s)
	if len(r) <= maxContent {
		return s
	}
	return string(r[:maxContent-1]) + "…"
}

// retryOnRateLimit calls fn and retries with exponential backoff on Discord
// rate limit errors. It respects context cancellation.
func (a *Adapter) retryOnRateLimit(ctx context.Context, fn func() error) error {
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}

		restErr, ok := err.(*discordgo.RESTError)
		if !ok || restErr.Response == nil || restErr.Response.StatusCode != http.StatusTooManyRequests {
			return err
		}

		if attempt == maxRetries {
			return err
		}

		wait := time.Duration(math.Pow(2, float64(attempt))) * a.baseBackoff
		if wait > a.maxBackoff {
			wait = a.maxBackoff
		}

		a.logger.Warn("discord: rate limited", "attempt", attempt+1, "max", maxRetries, "retry_in", wait)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
	return nil // unreachable
}

var _ relay.ChatFrontEnd = (*Adapter)(nil)
