package slack

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	slackapi "github.com/slack-go/slack"
	"github.com/slack-go/slack/socketmode"
	"github.com/zulandar/switchboard/internal/relay"
)

const testSecret = "8f742231b10e8888abcd99yyyzzz85a5"

// --- Mock Slack client ---

type mockSlackClient struct {
	mu       sync.Mutex
	authResp *slackapi.AuthTestResponse
	authErr  error
	posted   []postedMessage
	updated  []postedMessage
	postErr  error
	updErr   error
	messages map[string]slackapi.Message
	replyErr error
	users    map[string]*slackapi.User
	userLook  int
	nextTS    int
	postDelay time.Duration
}

type postedMessage struct {
	channelID string
	ts        string
	options   []slackapi.MsgOption
}

func newMockSlackClient() *mockSlackClient {
	return &mockSlackClient{
		authResp: &slackapi.AuthTestResponse{UserID: "U_BOT_123"},
		messages: make(map[string]slackapi.Message),
		users:    make(map[string]*slackapi.User),
	}
}

func (m *mockSlackClient) AuthTestContext(ctx context.Context) (*slackapi.AuthTestResponse, error) {
	return m.authResp, m.authErr
}

func (m *mockSlackClient) PostMessageContext(ctx context.Context, channelID string, options ...slackapi.MsgOption) (string, string, error) {
	if m.postDelay > 0 {
		select {
		case <-time.After(m.postDelay):
		case <-ctx.Done():
			return "", "", ctx.Err()
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.postErr != nil {
		return "", "", m.postErr
	}
	m.nextTS++
	ts := fmt.Sprintf("1700000000.%06d", m.nextTS)
	m.posted = append(m.posted, postedMessage{channelID: channelID, ts: ts, options: options})
	return channelID, ts, nil
}

func (m *mockSlackClient) UpdateMessageContext(ctx context.Context, channelID, timestamp string, options ...slackapi.MsgOption) (string, string, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.updErr != nil {
		return "", "", "", m.updErr
	}
	m.updated = append(m.updated, postedMessage{channelID: channelID, ts: timestamp, options: options})
	return channelID, timestamp, "", nil
}

func (m *mockSlackClient) GetConversationRepliesContext(ctx context.Context, params *slackapi.GetConversationRepliesParameters) ([]slackapi.Message, bool, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.replyErr != nil {
		return nil, false, "", m.replyErr
	}
	if msg, ok := m.messages[params.Timestamp]; ok {
		return []slackapi.Message{msg}, false, "", nil
	}
	return nil, false, "", nil
}

func (m *mockSlackClient) GetUserInfoContext(ctx context.Context, userID string) (*slackapi.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.userLook++
	if u, ok := m.users[userID]; ok {
		return u, nil
	}
	return nil, fmt.Errorf("user not found: %s", userID)
}

func (m *mockSlackClient) setMessage(msg slackapi.Message) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages[msg.Timestamp] = msg
}

func (m *mockSlackClient) lastUpdated() postedMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updated[len(m.updated)-1]
}

// --- Mock Socket Mode client ---

type mockSocketClient struct {
	events chan socketmode.Event
	acked  []socketmode.Request
	mu     sync.Mutex
	done   chan struct{}
}

func newMockSocketClient() *mockSocketClient {
	return &mockSocketClient{
		events: make(chan socketmode.Event, 100),
		done:   make(chan struct{}),
	}
}

func (m *mockSocketClient) Run() error {
	<-m.done
	return nil
}

func (m *mockSocketClient) EventsChan() chan socketmode.Event {
	return m.events
}

func (m *mockSocketClient) Ack(req socketmode.Request, payload ...interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.acked = append(m.acked, req)
}

func (m *mockSocketClient) ackedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.acked)
}

// --- Helpers ---

func newTestAdapter(t *testing.T) (*Adapter, *mockSlackClient, *mockSocketClient) {
	t.Helper()
	client := newMockSlackClient()
	socket := newMockSocketClient()

	a, err := New(AdapterOpts{
		Client:        client,
		Socket:        socket,
		ChannelID:     "C_TEAM",
		SigningSecret: testSecret,
	})
	if err != nil {
		t.Fatalf("new adapter: %v", err)
	}
	if err := a.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() {
		select {
		case <-socket.done:
		default:
			close(socket.done)
		}
		a.Close()
	})
	return a, client, socket
}

// renderedBlocks applies message options the way the Slack client would and
// returns the encoded blocks.
func renderedBlocks(t *testing.T, options []slackapi.MsgOption) string {
	t.Helper()
	_, values, err := slackapi.UnsafeApplyMsgOptions("xoxb-test", "C_TEAM", "https://slack.com/api/", options...)
	if err != nil {
		t.Fatalf("apply options: %v", err)
	}
	return values.Get("blocks")
}

func samplePost() relay.TeamPost {
	return relay.TeamPost{
		Title:     "Forwarded message",
		Body:      "printer on floor 3 is on fire",
		Fields:    []relay.Field{{Name: "From", Value: "Ann", Short: true}},
		Footer:    "ref 1a2b3c4d",
		AckButton: true,
	}
}

// --- New / Connect ---

func TestNew_RequiresBotToken(t *testing.T) {
	if _, err := New(AdapterOpts{ChannelID: "C_TEAM"}); err == nil {
		t.Fatal("expected error for missing bot token")
	}
}

func TestNew_RequiresChannel(t *testing.T) {
	if _, err := New(AdapterOpts{BotToken: "xoxb-test"}); err == nil {
		t.Fatal("expected error for missing channel")
	}
}

func TestConnect_Success(t *testing.T) {
	a, _, _ := newTestAdapter(t)
	if a.BotUserID() != "U_BOT_123" {
		t.Errorf("bot user ID = %q, want U_BOT_123", a.BotUserID())
	}
}

func TestConnect_AuthError(t *testing.T) {
	client := newMockSlackClient()
	client.authErr = fmt.Errorf("invalid_auth")
	a, _ := New(AdapterOpts{Client: client, ChannelID: "C_TEAM"})

	err := a.Connect(context.Background())
	if err == nil || !strings.Contains(err.Error(), "auth test") {
		t.Fatalf("error = %v, want auth test error", err)
	}
}

func TestConnect_AlreadyClosed(t *testing.T) {
	a, _ := New(AdapterOpts{Client: newMockSlackClient(), ChannelID: "C_TEAM"})
	a.Close()
	if err := a.Connect(context.Background()); err == nil {
		t.Fatal("expected error for closed adapter")
	}
}

func TestPost_NotConnected(t *testing.T) {
	a, _ := New(AdapterOpts{Client: newMockSlackClient(), ChannelID: "C_TEAM"})
	if _, err := a.Post(context.Background(), samplePost()); err == nil {
		t.Fatal("expected error when not connected")
	}
}

// --- Post ---

func TestPost_BlocksWithAckButton(t *testing.T) {
	a, client, _ := newTestAdapter(t)

	ts, err := a.Post(context.Background(), samplePost())
	if err != nil {
		t.Fatalf("Post: %v", err)
	}
	if ts != "1700000000.000001" {
		t.Errorf("ts = %q", ts)
	}
	if client.posted[0].channelID != "C_TEAM" {
		t.Errorf("channel = %q, want C_TEAM", client.posted[0].channelID)
	}

	blocks := renderedBlocks(t, client.posted[0].options)
	for _, want := range []string{`"action_id":"ack"`, "Forwarded message", "printer on floor 3", "ref 1a2b3c4d", "*From*"} {
		if !strings.Contains(blocks, want) {
			t.Errorf("blocks missing %q: %s", want, blocks)
		}
	}
}

func TestPost_WithoutAckButton(t *testing.T) {
	a, client, _ := newTestAdapter(t)
	if _, err := a.Post(context.Background(), relay.TeamPost{Title: "Switchboard online"}); err != nil {
		t.Fatalf("Post: %v", err)
	}
	if blocks := renderedBlocks(t, client.posted[0].options); strings.Contains(blocks, `"actions"`) {
		t.Errorf("notice should carry no button: %s", blocks)
	}
}

func TestPost_HonorsDeadline(t *testing.T) {
	a, client, _ := newTestAdapter(t)
	client.postDelay = 2 * time.Second

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	start := time.Now()
	ts, err := a.Post(ctx, relay.TeamPost{Title: "Forwarded", Body: "disk full"})
	if err == nil {
		t.Fatalf("Post = %q, want deadline error", ts)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Post returned after %s, want it bounded by the context", elapsed)
	}
}

func TestPost_Error(t *testing.T) {
	a, client, _ := newTestAdapter(t)
	client.postErr = fmt.Errorf("channel_not_found")
	if _, err := a.Post(context.Background(), samplePost()); err == nil || !strings.Contains(err.Error(), "post message") {
		t.Fatalf("error = %v, want post message error", err)
	}
}

// --- MarkAcknowledged ---

func TestMarkAcknowledged_RemovesButton(t *testing.T) {
	a, client, _ := newTestAdapter(t)
	client.setMessage(slackapi.Message{Msg: slackapi.Msg{
		Timestamp: "1700000000.000009",
		Text:      "Forwarded message: printer",
		Blocks:    slackapi.Blocks{BlockSet: buildBlocks(samplePost())},
	}})

	at := time.Date(2025, 3, 10, 14, 5, 0, 0, time.UTC)
	if err := a.MarkAcknowledged(context.Background(), "1700000000.000009", relay.AckMark{By: "Sue", At: at, Tracked: true}); err != nil {
		t.Fatalf("MarkAcknowledged: %v", err)
	}

	upd := client.lastUpdated()
	if upd.ts != "1700000000.000009" {
		t.Errorf("updated ts = %q", upd.ts)
	}
	blocks := renderedBlocks(t, upd.options)
	if strings.Contains(blocks, `"action_id":"ack"`) {
		t.Errorf("button should be removed: %s", blocks)
	}
	if !strings.Contains(blocks, "Acknowledged by Sue at 2025-03-10 14:05 UTC") {
		t.Errorf("missing ack line: %s", blocks)
	}
	if strings.Contains(blocks, "not notified") {
		t.Errorf("tracked ack should not carry the fallback note: %s", blocks)
	}
	if !strings.Contains(blocks, "printer on floor 3") {
		t.Errorf("original content should be kept: %s", blocks)
	}
}

func TestMarkAcknowledged_Untracked(t *testing.T) {
	a, client, _ := newTestAdapter(t)
	client.setMessage(slackapi.Message{Msg: slackapi.Msg{
		Timestamp: "1700000000.000009",
		Blocks:    slackapi.Blocks{BlockSet: buildBlocks(samplePost())},
	}})

	if err := a.MarkAcknowledged(context.Background(), "1700000000.000009", relay.AckMark{By: "Sue", At: time.Now()}); err != nil {
		t.Fatalf("MarkAcknowledged: %v", err)
	}
	if blocks := renderedBlocks(t, client.lastUpdated().options); !strings.Contains(blocks, "sender not notified") {
		t.Errorf("untracked ack should say so: %s", blocks)
	}
}

func TestMarkAcknowledged_MessageMissing(t *testing.T) {
	a, _, _ := newTestAdapter(t)
	if err := a.MarkAcknowledged(context.Background(), "1.2", relay.AckMark{By: "Sue"}); err == nil {
		t.Fatal("expected error for unknown message")
	}
}

// --- Reactions ---

func TestReactions_ResolvesNames(t *testing.T) {
	a, client, _ := newTestAdapter(t)
	client.users["U_SUE"] = &slackapi.User{ID: "U_SUE", Profile: slackapi.UserProfile{DisplayName: "Sue"}}
	client.users["U_MAX"] = &slackapi.User{ID: "U_MAX", RealName: "Max Power"}
	client.setMessage(slackapi.Message{Msg: slackapi.Msg{
		Timestamp: "1700000000.000003",
		Reactions: []slackapi.ItemReaction{
			{Name: "eyes", Count: 2, Users: []string{"U_SUE", "U_MAX"}},
			{Name: "tada", Count: 1, Users: []string{"U_GONE"}},
		},
	}})

	got, err := a.Reactions(context.Background(), "1700000000.000003")
	if err != nil {
		t.Fatalf("Reactions: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("reactions = %+v, want 2", got)
	}
	if got[0].Name != "eyes" || got[0].Users[0] != "Sue" || got[0].Users[1] != "Max Power" {
		t.Errorf("eyes = %+v", got[0])
	}
	if got[1].Users[0] != "U_GONE" {
		t.Errorf("unknown user = %q, want ID fallback", got[1].Users[0])
	}

	// Names are cached between sweeps.
	before := client.userLook
	a.Reactions(context.Background(), "1700000000.000003")
	if client.userLook != before+1 {
		t.Errorf("user lookups = %d, want only the unresolved one repeated", client.userLook-before)
	}
}

func TestReactions_Error(t *testing.T) {
	a, client, _ := newTestAdapter(t)
	client.replyErr = fmt.Errorf("ratelimited")
	if _, err := a.Reactions(context.Background(), "1.2"); err == nil {
		t.Fatal("expected error")
	}
}

// --- Socket Mode interactions ---

func blockActionCallback(ts, userID string) slackapi.InteractionCallback {
	cb := slackapi.InteractionCallback{
		Type: slackapi.InteractionTypeBlockActions,
		User: slackapi.User{ID: userID, Name: "sue"},
	}
	cb.Message.Timestamp = ts
	cb.ActionCallback.BlockActions = []*slackapi.BlockAction{{ActionID: ackActionID, BlockID: ackBlockID}}
	return cb
}

func TestListen_SocketModeAckPress(t *testing.T) {
	a, _, socket := newTestAdapter(t)
	ch, err := a.Listen(context.Background())
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}

	socket.events <- socketmode.Event{
		Type:    socketmode.EventTypeInteractive,
		Data:    blockActionCallback("1700000000.000001", "U_SUE"),
		Request: &socketmode.Request{EnvelopeID: "env-1"},
	}

	select {
	case sig := <-ch:
		if sig.MessageID != "1700000000.000001" || sig.UserName != "sue" {
			t.Errorf("signal = %+v", sig)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no ack signal within 2s")
	}
	if socket.ackedCount() != 1 {
		t.Errorf("acked = %d, want 1", socket.ackedCount())
	}
}

func TestHandleInteraction_IgnoresOtherActions(t *testing.T) {
	a, _, _ := newTestAdapter(t)
	cb := blockActionCallback("1700000000.000001", "U_SUE")
	cb.ActionCallback.BlockActions[0].ActionID = "something_else"
	a.handleInteraction(context.Background(), cb)

	cb = blockActionCallback("", "U_SUE")
	a.handleInteraction(context.Background(), cb)

	select {
	case sig := <-a.acks:
		t.Errorf("unexpected signal %+v", sig)
	default:
	}
}

func TestListen_WithoutSocketMode(t *testing.T) {
	a, _ := New(AdapterOpts{Client: newMockSlackClient(), ChannelID: "C_TEAM"})
	a.Connect(context.Background())
	defer a.Close()
	if _, err := a.Listen(context.Background()); err != nil {
		t.Fatalf("Listen without socket mode: %v", err)
	}
}

func TestEmit_AfterCloseDoesNotPanic(t *testing.T) {
	a, _, _ := newTestAdapter(t)
	a.Close()
	a.handleInteraction(context.Background(), blockActionCallback("1700000000.000001", "U_SUE"))
}

// --- HTTP interactivity ---

func signedRequest(t *testing.T, secret string, ts time.Time, body string) *http.Request {
	t.Helper()
	stamp := strconv.FormatInt(ts.Unix(), 10)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte("v0:" + stamp + ":" + body))

	req := httptest.NewRequest(http.MethodPost, "/slack/interactions", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("X-Slack-Request-Timestamp", stamp)
	req.Header.Set("X-Slack-Signature", "v0="+hex.EncodeToString(mac.Sum(nil)))
	return req
}

const ackPayload = `{"type":"block_actions","user":{"id":"U_SUE","name":"sue"},` +
	`"container":{"type":"message","message_ts":"1700000000.000007"},` +
	`"message":{"ts":"1700000000.000007"},` +
	`"actions":[{"action_id":"ack","block_id":"relay_ack","type":"button","value":"x"}]}`

func TestHandleInteraction_ValidSignature(t *testing.T) {
	a, client, _ := newTestAdapter(t)
	client.users["U_SUE"] = &slackapi.User{ID: "U_SUE", Profile: slackapi.UserProfile{DisplayName: "Sue"}}

	body := "payload=" + url.QueryEscape(ackPayload)
	rec := httptest.NewRecorder()
	a.HandleInteraction(rec, signedRequest(t, testSecret, time.Now(), body))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	select {
	case sig := <-a.acks:
		if sig.MessageID != "1700000000.000007" || sig.UserName != "Sue" {
			t.Errorf("signal = %+v", sig)
		}
	default:
		t.Fatal("expected an ack signal")
	}
}

func TestHandleInteraction_Rejects(t *testing.T) {
	body := "payload=" + url.QueryEscape(ackPayload)
	tests := []struct {
		name string
		req  func(t *testing.T) *http.Request
		want int
	}{
		{"wrong secret", func(t *testing.T) *http.Request {
			return signedRequest(t, "not-the-secret", time.Now(), body)
		}, http.StatusUnauthorized},
		{"stale timestamp", func(t *testing.T) *http.Request {
			return signedRequest(t, testSecret, time.Now().Add(-6*time.Minute), body)
		}, http.StatusUnauthorized},
		{"missing headers", func(t *testing.T) *http.Request {
			return httptest.NewRequest(http.MethodPost, "/slack/interactions", strings.NewReader(body))
		}, http.StatusUnauthorized},
		{"malformed payload", func(t *testing.T) *http.Request {
			return signedRequest(t, testSecret, time.Now(), "payload=%7Bnot-json")
		}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, _, _ := newTestAdapter(t)
			rec := httptest.NewRecorder()
			a.HandleInteraction(rec, tt.req(t))
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
			select {
			case sig := <-a.acks:
				t.Errorf("rejected request produced %+v", sig)
			default:
			}
		})
	}
}

func TestHandleInteraction_BeforeConnect(t *testing.T) {
	a, err := New(AdapterOpts{ChannelID: "C_TEAM", BotToken: "xoxb-test", SigningSecret: testSecret})
	if err != nil {
		t.Fatalf("new adapter: %v", err)
	}
	body := "payload=" + url.QueryEscape(ackPayload)
	rec := httptest.NewRecorder()
	a.HandleInteraction(rec, signedRequest(t, testSecret, time.Now(), body))

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}
	select {
	case sig := <-a.acks:
		t.Errorf("unconnected adapter produced %+v", sig)
	default:
	}
}

// --- Helpers ---

func TestFallbackText(t *testing.T) {
	tests := []struct {
		post relay.TeamPost
		want string
	}{
		{relay.TeamPost{Title: "T"}, "T"},
		{relay.TeamPost{Body: "B"}, "B"},
		{relay.TeamPost{Title: "T", Body: "B"}, "T: B"},
	}
	for _, tt := range tests {
		if got := fallbackText(tt.post); got != tt.want {
			t.Errorf("fallbackText(%+v) = %q, want %q", tt.post, got, tt.want)
		}
	}
}

func TestQuote(t *testing.T) {
	if got := quote("a\nb"); got != "> a\n> b" {
		t.Errorf("quote = %q", got)
	}
}

func TestRetryOnRateLimit_RetriesAndSucceeds(t *testing.T) {
	calls := 0
	err := retryOnRateLimit(context.Background(), func() error {
		calls++
		if calls < 3 {
			return &slackapi.RateLimitedError{RetryAfter: time.Millisecond}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestRetryOnRateLimit_NonRateLimitError(t *testing.T) {
	calls := 0
	err := retryOnRateLimit(context.Background(), func() error {
		calls++
		return fmt.Errorf("channel_not_found")
	})
	if err == nil || calls != 1 {
		t.Errorf("err = %v, calls = %d, want error after 1 call", err, calls)
	}
}

func TestRetryOnRateLimit_RespectsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := retryOnRateLimit(ctx, func() error {
		return &slackapi.RateLimitedError{RetryAfter: time.Hour}
	})
	if err != context.Canceled {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

// failingSocketClient fails Run() a specified number of times before succeeding.
type failingSocketClient struct {
	mu        sync.Mutex
	runCalls  int
	failCount int
	events    chan socketmode.Event
}

func (f *failingSocketClient) Run() error {
	f.mu.Lock()
	f.runCalls++
	n := f.runCalls
	f.mu.Unlock()
	if n <= f.failCount {
		return fmt.Errorf("connection failed (attempt %d)", n)
	}
	return nil
}

func (f *failingSocketClient) EventsChan() chan socketmode.Event                  { return f.events }
func (f *failingSocketClient) Ack(req socketmode.Request, payload ...interface{}) {}

func TestRunWithReconnect_RetriesOnError(t *testing.T) {
	socket := &failingSocketClient{failCount: 2, events: make(chan socketmode.Event, 10)}
	a, err := New(AdapterOpts{Client: newMockSlackClient(), Socket: socket, ChannelID: "C_TEAM"})
	if err != nil {
		t.Fatal(err)
	}
	a.baseBackoff = time.Millisecond
	a.maxBackoff = 10 * time.Millisecond

	done := make(chan struct{})
	go func() {
		a.runWithReconnect(context.Background())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timeout: runWithReconnect should finish after retries succeed")
	}

	socket.mu.Lock()
	calls := socket.runCalls
	socket.mu.Unlock()
	if calls != 3 {
		t.Errorf("Run() calls = %d, want 3", calls)
	}
}

func TestHandleSocketEvent_ConnectionEvents(t *testing.T) {
	a, _, socket := newTestAdapter(t)

	a.handleSocketEvent(socketmode.Event{Type: socketmode.EventTypeConnecting})
	a.handleSocketEvent(socketmode.Event{Type: socketmode.EventTypeConnected})
	a.handleSocketEvent(socketmode.Event{Type: socketmode.EventTypeConnectionError, Data: "test error"})
	a.handleSocketEvent(socketmode.Event{Type: socketmode.EventTypeDisconnect})
	a.handleSocketEvent(socketmode.Event{Type: socketmode.EventTypeEventsAPI, Request: &socketmode.Request{EnvelopeID: "e"}})

	if socket.ackedCount() != 1 {
		t.Errorf("acked = %d, want 1", socket.ackedCount())
	}
}
