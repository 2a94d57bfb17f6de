// Package slack implements the relay TeamChannel for Slack. Relayed
// messages are posted as Block Kit messages carrying an Acknowledge button;
// button presses arrive over Socket Mode or the HTTP interactivity endpoint.
package slack

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	slackapi "github.com/slack-go/slack"
	"github.com/slack-go/slack/socketmode"
	"github.com/zulandar/switchboard/internal/relay"
)

const (
	// maxRetries is the max number of retries for rate-limited API calls.
	maxRetries = 3
	// baseBackoff is the initial backoff duration for reconnection.
	baseBackoff = 2 * time.Second
	// maxBackoff caps the exponential backoff for reconnection.
	maxBackoff = 2 * time.Minute
	// maxReconnectAttempts limits reconnection retries before giving up.
	maxReconnectAttempts = 10

	// lookupTimeout bounds user lookups made outside a caller's context.
	lookupTimeout = 10 * time.Second

	// ackActionID identifies the Acknowledge button in interaction payloads.
	ackActionID = "ack"
	ackBlockID  = "relay_ack"
)

// slackClient abstracts the Slack API methods we use, enabling test mocks.
type slackClient interface {
	AuthTestContext(ctx context.Context) (*slackapi.AuthTestResponse, error)
	PostMessageContext(ctx context.Context, channelID string, options ...slackapi.MsgOption) (string, string, error)
	UpdateMessageContext(ctx context.Context, channelID, timestamp string, options ...slackapi.MsgOption) (string, string, string, error)
	GetConversationRepliesContext(ctx context.Context, params *slackapi.GetConversationRepliesParameters) ([]slackapi.Message, bool, string, error)
	GetUserInfoContext(ctx context.Context, userID string) (*slackapi.User, error)
}

// socketClient abstracts the Socket Mode client methods we use.
type socketClient interface {
	Run() error
	EventsChan() chan socketmode.Event
	Ack(req socketmode.Request, payload ...interface{})
}

// realSocketClient wraps *socketmode.Client to implement socketClient.
type realSocketClient struct {
	client *socketmode.Client
}

func (r *realSocketClient) Run() error                        { return r.client.Run() }
func (r *realSocketClient) EventsChan() chan socketmode.Event { return r.client.Events }
func (r *realSocketClient) Ack(req socketmode.Request, payload ...interface{}) {
	r.client.Ack(req, payload...)
}

// Adapter implements relay.TeamChannel for a single Slack channel. Message
// IDs are Slack message timestamps within that channel.
type Adapter struct {
	client        slackClient
	socket        socketClient
	botUserID     string
	appToken      string
	botToken      string
	signingSecret string
	channelID     string
	logger        *slog.Logger
	mu            sync.Mutex
	connected     bool
	closed        bool
	acks          chan relay.AckSignal
	names         map[string]string
	cancelFunc    context.CancelFunc
	baseBackoff   time.Duration // reconnection base backoff (default: baseBackoff const)
	maxBackoff    time.Duration // reconnection max backoff (default: maxBackoff const)
	maxReconnect  int           // max reconnection attempts (default: maxReconnectAttempts)
}

// AdapterOpts holds parameters for creating a Slack Adapter.
type AdapterOpts struct {
	BotToken      string // xoxb-... Slack bot token
	AppToken      string // xapp-... app-level token; enables Socket Mode when set
	SigningSecret string // verifies HTTP interactivity requests
	ChannelID     string // team channel relayed messages are posted to
	Logger        *slog.Logger
	// For testing: inject mock clients instead of real Slack API.
	Client slackClient
	Socket socketClient
}

// New creates a Slack Adapter.
func New(opts AdapterOpts) (*Adapter, error) {
	if opts.Client == nil && opts.BotToken == "" {
		return nil, fmt.Errorf("slack: bot token is required")
	}
	if opts.ChannelID == "" {
		return nil, fmt.Errorf("slack: channel is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	a := &Adapter{
		client:        opts.Client,
		socket:        opts.Socket,
		appToken:      opts.AppToken,
		botToken:      opts.BotToken,
		signingSecret: opts.SigningSecret,
		channelID:     opts.ChannelID,
		logger:        logger,
		acks:          make(chan relay.AckSignal, 100),
		names:         make(map[string]string),
		baseBackoff:   baseBackoff,
		maxBackoff:    maxBackoff,
		maxReconnect:  maxReconnectAttempts,
	}
	return a, nil
}

// Connect authenticates the bot token and prepares Socket Mode when an app
// token is configured.
func (a *Adapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return fmt.Errorf("slack: adapter already closed")
	}
	if a.connected {
		return nil
	}

	// Create real clients if not injected (production path).
	if a.client == nil {
		var options []slackapi.Option
		if a.appToken != "" {
			options = append(options, slackapi.OptionAppLevelToken(a.appToken))
		}
		api := slackapi.New(a.botToken, options...)
		a.client = api
		if a.appToken != "" && a.socket == nil {
			a.socket = &realSocketClient{client: socketmode.New(api)}
		}
	}

	auth, err := a.client.AuthTestContext(ctx)
	if err != nil {
		return fmt.Errorf("slack: auth test: %w", err)
	}
	a.botUserID = auth.UserID

	a.connected = true
	return nil
}

// Listen returns the channel of acknowledgment button presses. With Socket
// Mode configured it starts the event pump in the background; otherwise
// presses arrive only through HandleInteraction.
func (a *Adapter) Listen(ctx context.Context) (<-chan relay.AckSignal, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.connected {
		return nil, fmt.Errorf("slack: not connected")
	}
	if a.socket == nil {
		return a.acks, nil
	}

	listenCtx, cancel := context.WithCancel(ctx)
	a.cancelFunc = cancel

	go a.runWithReconnect(listenCtx)
	go a.pumpEvents(listenCtx)

	return a.acks, nil
}

// Post publishes a relayed message to the team channel and returns its
// timestamp.
func (a *Adapter) Post(ctx context.Context, post relay.TeamPost) (string, error) {
	if err := a.ready(); err != nil {
		return "", err
	}

	options := []slackapi.MsgOption{
		slackapi.MsgOptionText(fallbackText(post), false),
		slackapi.MsgOptionBlocks(buildBlocks(post)...),
	}

	var ts string
	err := retryOnRateLimit(ctx, func() error {
		var postErr error
		_, ts, postErr = a.client.PostMessageContext(ctx, a.channelID, options...)
		return postErr
	})
	if err != nil {
		return "", fmt.Errorf("slack: post message: %w", err)
	}
	return ts, nil
}

// MarkAcknowledged rewrites a posted message: the Acknowledge button is
// removed and a line naming the acknowledger is appended.
func (a *Adapter) MarkAcknowledged(ctx context.Context, messageID string, mark relay.AckMark) error {
	if err := a.ready(); err != nil {
		return err
	}

	msg, err := a.message(ctx, messageID)
	if err != nil {
		return err
	}

	blocks := withoutActions(msg.Blocks.BlockSet)
	blocks = append(blocks, slackapi.NewContextBlock("",
		slackapi.NewTextBlockObject(slackapi.MarkdownType, ackLine(mark), false, false),
	))

	err = retryOnRateLimit(ctx, func() error {
		_, _, _, updErr := a.client.UpdateMessageContext(ctx, a.channelID, messageID,
			slackapi.MsgOptionText(msg.Text, false),
			slackapi.MsgOptionBlocks(blocks...),
		)
		return updErr
	})
	if err != nil {
		return fmt.Errorf("slack: update message: %w", err)
	}
	return nil
}

// Reactions lists the reactions on a posted message with user names
// resolved.
func (a *Adapter) Reactions(ctx context.Context, messageID string) ([]relay.Reaction, error) {
	if err := a.ready(); err != nil {
		return nil, err
	}

	msg, err := a.message(ctx, messageID)
	if err != nil {
		return nil, err
	}

	out := make([]relay.Reaction, 0, len(msg.Reactions))
	for _, r := range msg.Reactions {
		users := make([]string, 0, len(r.Users))
		for _, u := range r.Users {
			users = append(users, a.resolveUserName(ctx, u))
		}
		out = append(out, relay.Reaction{Name: r.Name, Users: users})
	}
	return out, nil
}

// Close shuts down the adapter and closes the acknowledgment channel.
func (a *Adapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}
	a.closed = true
	a.connected = false
	if a.cancelFunc != nil {
		a.cancelFunc()
	}
	close(a.acks)
	return nil
}

// BotUserID returns the bot's Slack user ID (available after Connect).
func (a *Adapter) BotUserID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.botUserID
}

func (a *Adapter) ready() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.connected {
		return fmt.Errorf("slack: not connected")
	}
	return nil
}

// message fetches a single channel message by timestamp.
func (a *Adapter) message(ctx context.Context, ts string) (slackapi.Message, error) {
	params := &slackapi.GetConversationRepliesParameters{
		ChannelID: a.channelID,
		Timestamp: ts,
		Limit:     1,
		Inclusive: true,
	}

	var msgs []slackapi.Message
	err := retryOnRateLimit(ctx, func() error {
		var apiErr error
		msgs, _, _, apiErr = a.client.GetConversationRepliesContext(ctx, params)
		return apiErr
	})
	if err != nil {
		return slackapi.Message{}, fmt.Errorf("slack: conversation replies: %w", err)
	}
	for _, m := range msgs {
		if m.Timestamp == ts {
			return m, nil
		}
	}
	return slackapi.Message{}, fmt.Errorf("slack: message %s not found", ts)
}

// emit hands a button press to the listener. Presses are dropped once the
// adapter is closed or the buffer is full.
func (a *Adapter) emit(sig relay.AckSignal) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}
	select {
	case a.acks <- sig:
	default:
		a.logger.Warn("slack: ack buffer full, dropping press", "message", sig.MessageID)
	}
}

// runWithReconnect runs the Socket Mode client and retries with exponential
// backoff when Run() returns an error (e.g., reconnection failure).
func (a *Adapter) runWithReconnect(ctx context.Context) {
	for attempt := 0; attempt < a.maxReconnect; attempt++ {
		err := a.socket.Run()
		if err == nil {
			return // clean shutdown
		}

		select {
		case <-ctx.Done():
			return
		default:
		}

		wait := time.Duration(math.Pow(2, float64(attempt))) * a.baseBackoff
		if wait > a.maxBackoff {
			wait = a.maxBackoff
		}

		a.logger.Warn("slack: socket mode disconnected",
			"attempt", attempt+1, "max", a.maxReconnect, "retry_in", wait, "error", err)

		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
	a.logger.Error("slack: socket mode exhausted reconnection attempts", "attempts", a.maxReconnect)
}

// pumpEvents reads Socket Mode events until the context ends.
func (a *Adapter) pumpEvents(ctx context.Context) {
	events := a.socket.EventsChan()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			a.handleSocketEvent(evt)
		}
	}
}

// handleSocketEvent processes a single Socket Mode event.
func (a *Adapter) handleSocketEvent(evt socketmode.Event) {
	switch evt.Type {
	case socketmode.EventTypeInteractive:
		cb, ok := evt.Data.(slackapi.InteractionCallback)
		if !ok {
			return
		}
		if evt.Request != nil {
			a.socket.Ack(*evt.Request)
		}
		ctx, cancel := context.WithTimeout(context.Background(), lookupTimeout)
		a.handleInteraction(ctx, cb)
		cancel()

	case socketmode.EventTypeEventsAPI:
		// Reactions are polled, so events are only acknowledged.
		if evt.Request != nil {
			a.socket.Ack(*evt.Request)
		}

	case socketmode.EventTypeConnecting:
		a.logger.Debug("slack: connecting to Socket Mode")

	case socketmode.EventTypeConnected:
		a.logger.Info("slack: connected to Socket Mode")

	case socketmode.EventTypeConnectionError:
		a.logger.Warn("slack: connection error", "error", evt.Data)

	case socketmode.EventTypeDisconnect:
		a.logger.Info("slack: server requested disconnect, will reconnect")
	}
}

// handleInteraction turns an Acknowledge button press into an AckSignal.
func (a *Adapter) handleInteraction(ctx context.Context, cb slackapi.InteractionCallback) {
	if cb.Type != slackapi.InteractionTypeBlockActions {
		return
	}
	pressed := false
	for _, action := range cb.ActionCallback.BlockActions {
		if action != nil && action.ActionID == ackActionID {
			pressed = true
			break
		}
	}
	if !pressed {
		return
	}

	ts := cb.Message.Timestamp
	if ts == "" {
		ts = cb.Container.MessageTs
	}
	if ts == "" {
		a.logger.Debug("slack: ack press without message timestamp", "user", cb.User.ID)
		return
	}

	name := a.resolveUserName(ctx, cb.User.ID)
	if name == cb.User.ID && cb.User.Name != "" {
		name = cb.User.Name
	}
	a.emit(relay.AckSignal{MessageID: ts, UserName: name})
}

// HandleInteraction serves Slack's interactivity request URL. Requests are
// verified against the signing secret; slack-go rejects timestamps more
// than five minutes old. Presses are refused with 503 until Connect has
// succeeded.
func (a *Adapter) HandleInteraction(w http.ResponseWriter, r *http.Request) {
	if a.signingSecret == "" {
		http.Error(w, "interactivity is not configured", http.StatusServiceUnavailable)
		return
	}
	if err := a.ready(); err != nil {
		http.Error(w, "not connected", http.StatusServiceUnavailable)
		return
	}

	sv, err := slackapi.NewSecretsVerifier(r.Header, a.signingSecret)
	if err != nil {
		a.logger.Debug("slack: rejected interaction", "error", err)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	body, err := io.ReadAll(io.TeeReader(io.LimitReader(r.Body, 1<<20), &sv))
	if err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	if err := sv.Ensure(); err != nil {
		a.logger.Debug("slack: bad interaction signature", "error", err)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	form, err := url.ParseQuery(string(body))
	if err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	var cb slackapi.InteractionCallback
	if err := json.Unmarshal([]byte(form.Get("payload")), &cb); err != nil {
		a.logger.Debug("slack: malformed interaction payload", "error", err)
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), lookupTimeout)
	defer cancel()
	a.handleInteraction(ctx, cb)
	w.WriteHeader(http.StatusOK)
}

// resolveUserName looks up a user's display name. Falls back to user ID.
func (a *Adapter) resolveUserName(ctx context.Context, userID string) string {
	if userID == "" {
		return ""
	}
	a.mu.Lock()
	name, ok := a.names[userID]
	client := a.client
	a.mu.Unlock()
	if ok {
		return name
	}
	if client == nil {
		return userID
	}

	user, err := client.GetUserInfoContext(ctx, userID)
	if err != nil {
		return userID
	}
	name = user.Profile.DisplayName
	if name == "" {
		name = user.RealName
	}
	if name == "" {
		name = userID
	}
	a.mu.Lock()
	a.names[userID] = name
	a.mu.Unlock()
	return name
}

// buildBlocks renders a TeamPost as Block Kit blocks.
func buildBlocks(post relay.TeamPost) []slackapi.Block {
	var blocks []slackapi.Block

	if post.Title != "" {
		blocks = append(blocks, slackapi.NewHeaderBlock(
			slackapi.NewTextBlockObject(slackapi.PlainTextType, post.Title, false, false),
		))
	}

	var fields []*slackapi.TextBlockObject
	for _, f := range post.Fields {
		fields = append(fields, slackapi.NewTextBlockObject(slackapi.MarkdownType,
			fmt.Sprintf("*%s*\n%s", f.Name, f.Value), false, false))
	}
	var body *slackapi.TextBlockObject
	if post.Body != "" {
		body = slackapi.NewTextBlockObject(slackapi.MarkdownType, quote(post.Body), false, false)
	}
	if body != nil || len(fields) > 0 {
		blocks = append(blocks, slackapi.NewSectionBlock(body, fields, nil))
	}

	if post.Footer != "" {
		blocks = append(blocks, slackapi.NewContextBlock("",
			slackapi.NewTextBlockObject(slackapi.PlainTextType, post.Footer, false, false),
		))
	}

	if post.AckButton {
		btn := slackapi.NewButtonBlockElement(ackActionID, uuid.NewString(),
			slackapi.NewTextBlockObject(slackapi.PlainTextType, "Acknowledge", false, false),
		).WithStyle(slackapi.StylePrimary)
		blocks = append(blocks, slackapi.NewActionBlock(ackBlockID, btn))
	}
	return blocks
}

// withoutActions drops interactive blocks.
func withoutActions(blocks []slackapi.Block) []slackapi.Block {
	out := make([]slackapi.Block, 0, len(blocks))
	for _, b := range blocks {
		if b.BlockType() == slackapi.MBTAction {
			continue
		}
		out = append(out, b)
	}
	return out
}

// fallbackText is the notification text for clients that cannot render
// blocks.
func fallbackText(post relay.TeamPost) string {
	if post.Body == "" {
		return post.Title
	}
	if post.Title == "" {
		return post.Body
	}
	return post.Title + ": " + post.Body
}

func ackLine(mark relay.AckMark) string {
	at := mark.At.UTC().Format("2006-01-02 15:04 MST")
	if !mark.Tracked {
		return fmt.Sprintf(":white_check_mark: Acknowledged by %s at %s (no pending record, sender not notified)", mark.By, at)
	}
	return fmt.Sprintf(":white_check_mark: Acknowledged by %s at %s", mark.By, at)
}

// quote renders text as a Slack block quote.
func quote(s string) string {
	return "> " + strings.ReplaceAll(s, "\n", "\n> ")
}

// retryOnRateLimit calls fn and retries with backoff on Slack rate limit errors.
// It respects context cancellation and the RetryAfter duration from Slack.
func retryOnRateLimit(ctx context.Context, fn func() error) error {
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}

		var rle *slackapi.RateLimitedError
		if !errors.As(err, &rle) {
			return err
		}

		if attempt == maxRetries {
			return err
		}

		wait := rle.RetryAfter
		if wait <= 0 {
			wait = time.Duration(math.Pow(2, float64(attempt))) * time.Second
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
	return nil // unreachable
}

var _ relay.TeamChannel = (*Adapter)(nil)
