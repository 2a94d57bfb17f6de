package relay

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func TestNewMachine_Validation(t *testing.T) {
	env := newTestEnv(t)
	tests := []struct {
		name string
		opts MachineOpts
	}{
		{"no store", MachineOpts{Tickets: env.tickets, Backend: env.backend, Relayer: env.relayer}},
		{"no tickets", MachineOpts{Store: env.store, Backend: env.backend, Relayer: env.relayer}},
		{"no backend", MachineOpts{Store: env.store, Tickets: env.tickets, Relayer: env.relayer}},
		{"no relayer", MachineOpts{Store: env.store, Tickets: env.tickets, Backend: env.backend}},
	}
	for _, tt := range tests {
		if _, err := NewMachine(tt.opts); err == nil {
			t.Errorf("%s: expected error", tt.name)
		}
	}
}

// A requester describes an issue, gets a ticket, then describes another one
// while the first is open and is offered the two-way choice.
func TestScenario_RequesterGuardedTicket(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.bot.HandleEvent(ctx, textEvent(customerID, "My VPN is down, urgent."))

	if n := env.backend.TicketCount(); n != 1 {
		t.Fatalf("tickets = %d, want 1", n)
	}
	tk, _ := env.backend.Get(ctx, "101")
	if tk.Priority != PriorityUrgent {
		t.Errorf("Priority = %q, want %q", tk.Priority, PriorityUrgent)
	}
	last, _ := env.chat.LastSent()
	if !strings.Contains(last.Text, "#101") {
		t.Errorf("reply = %q, want ticket id", last.Text)
	}
	if k := env.sessionKind(customerID); k != KindSupport {
		t.Errorf("state = %q, want %q", k, KindSupport)
	}

	env.bot.HandleEvent(ctx, textEvent(customerID, "also my email is broken"))

	if n := env.backend.TicketCount(); n != 1 {
		t.Fatalf("tickets = %d, want still 1", n)
	}
	sess, _ := env.store.Get(customerID)
	choice, ok := sess.State.(StateAwaitingTicketChoice)
	if !ok {
		t.Fatalf("State = %T, want StateAwaitingTicketChoice", sess.State)
	}
	if choice.Draft != "also my email is broken" || choice.ExistingTicketID != "101" || choice.Severity != PriorityNormal {
		t.Errorf("choice = %+v", choice)
	}
	last, _ = env.chat.LastSent()
	if !hasButton(last, Action{Kind: ActionAttachExisting}.Data()) || !hasButton(last, Action{Kind: ActionCreateNew}.Data()) {
		t.Errorf("choice buttons missing: %+v", last.Buttons)
	}
}

func TestGuard_AttachExisting(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.bot.HandleEvent(ctx, textEvent(customerID, "printer jammed"))
	env.bot.HandleEvent(ctx, textEvent(customerID, "and it smells"))

	env.bot.HandleEvent(ctx, callbackEvent(customerID, Action{Kind: ActionAttachExisting}))

	if got := env.backend.Comments("101"); len(got) != 1 || !strings.Contains(got[0], "and it smells") {
		t.Errorf("comments = %v", got)
	}
	if n := env.backend.TicketCount(); n != 1 {
		t.Errorf("tickets = %d, want 1", n)
	}
	if k := env.sessionKind(customerID); k != KindSupport {
		t.Errorf("state = %q, want %q", k, KindSupport)
	}
}

func TestGuard_CreateNewOverridesGuard(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.bot.HandleEvent(ctx, textEvent(customerID, "printer jammed"))
	env.bot.HandleEvent(ctx, textEvent(customerID, "critical: payroll export fails"))

	env.bot.HandleEvent(ctx, callbackEvent(customerID, Action{Kind: ActionCreateNew}))

	if n := env.backend.TicketCount(); n != 2 {
		t.Fatalf("tickets = %d, want 2", n)
	}
	tk, _ := env.backend.Get(ctx, "102")
	if tk.Priority != PriorityHigh {
		t.Errorf("Priority = %q, want %q", tk.Priority, PriorityHigh)
	}
	ref, _ := env.store.TicketRef(customerID)
	if ref.TicketID != "102" {
		t.Errorf("cached ticket = %q, want %q", ref.TicketID, "102")
	}
}

func TestGuard_StaleChoiceRejected(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.bot.HandleEvent(ctx, textEvent(customerID, "printer jammed"))
	env.bot.HandleEvent(ctx, textEvent(customerID, "and it smells"))
	env.bot.HandleEvent(ctx, callbackEvent(customerID, Action{Kind: ActionCreateNew}))

	// Double tap on the same button.
	env.bot.HandleEvent(ctx, callbackEvent(customerID, Action{Kind: ActionCreateNew}))

	if n := env.backend.TicketCount(); n != 2 {
		t.Errorf("tickets = %d, want 2", n)
	}
	last, _ := env.chat.LastSent()
	if last.Text != msgStale {
		t.Errorf("reply = %q, want %q", last.Text, msgStale)
	}
}

func TestGuard_TicketSolvedElsewhere(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.bot.HandleEvent(ctx, textEvent(customerID, "vpn keeps dropping"))
	ref, ok := env.store.TicketRef(customerID)
	if !ok {
		t.Fatal("first ticket should be cached")
	}
	env.backend.SetStatus(ctx, ref.TicketID, TicketSolved)

	env.bot.HandleEvent(ctx, textEvent(customerID, "also my email is broken"))

	if k := env.sessionKind(customerID); k != KindSupport {
		t.Errorf("state = %q, want %q", k, KindSupport)
	}
	if n := env.backend.TicketCount(); n != 2 {
		t.Errorf("tickets = %d, want 2", n)
	}
	if c := env.backend.Comments(ref.TicketID); len(c) != 0 {
		t.Errorf("comments on solved ticket %s: %v", ref.TicketID, c)
	}
}

func TestGuard_NeverCreatesDuplicate(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.bot.HandleEvent(ctx, textEvent(customerID, "first issue"))

	for _, text := range []string{"second", "third urgent", "fourth"} {
		env.bot.HandleEvent(ctx, callbackEvent(customerID, Action{Kind: ActionNewTicket}))
		env.bot.HandleEvent(ctx, textEvent(customerID, text))
		if k := env.sessionKind(customerID); k != KindAwaitingTicketChoice {
			t.Errorf("after %q: state = %q, want %q", text, k, KindAwaitingTicketChoice)
		}
	}
	if n := env.backend.Calls("create"); n != 1 {
		t.Errorf("create calls = %d, want 1", n)
	}
}

// A team member forwards a channel message with a known title: the origin
// question is skipped and the context relays exactly one message.
func TestScenario_TeamForwardWithTitle(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.bot.HandleEvent(ctx, forwardEvent(teamID, ForwardedMessage{
		Text:             "Service is down for all of us",
		OriginChatTitle:  "Acme Customers",
		OriginChatKind:   ChatKindChannel,
		OriginSenderName: "Ann",
	}))

	if k := env.sessionKind(teamID); k != KindAwaitingForwardSource {
		t.Fatalf("state = %q, want %q", k, KindAwaitingForwardSource)
	}
	prompt, _ := env.chat.LastSent()
	if strings.Contains(prompt.Text, promptOrigin) {
		t.Error("origin question should be skipped")
	}
	pf, ok := env.store.Forward(teamID)
	if !ok || pf.Origin != OriginChannel || pf.OriginTitle != "Acme Customers" || pf.SenderName != "Ann" {
		t.Errorf("pending forward = %+v, %v", pf, ok)
	}
	promptID := env.chat.LastSentID()

	env.bot.HandleEvent(ctx, textEvent(teamID, "Enterprise customer, P1"))

	if n := len(env.team.Posts()); n != 1 {
		t.Fatalf("team posts = %d, want 1", n)
	}
	if _, acks := env.store.Counts(); acks != 1 {
		t.Errorf("pending acks = %d, want 1", acks)
	}
	if _, ok := env.store.Forward(teamID); ok {
		t.Error("pending forward should be cleared")
	}
	if _, ok := env.store.Get(teamID); ok {
		t.Error("session should be completed")
	}
	deleted := env.chat.Deleted()
	if len(deleted) != 1 || deleted[0] != promptID {
		t.Errorf("deleted = %v, want prompt %q", deleted, promptID)
	}
}

func TestForward_AsksOriginWithoutTitle(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.bot.HandleEvent(ctx, forwardEvent(teamID, ForwardedMessage{Text: "hi", ForwardedSenderName: "Ann"}))
	if k := env.sessionKind(teamID); k != KindAwaitingForwardOrigin {
		t.Fatalf("state = %q, want %q", k, KindAwaitingForwardOrigin)
	}

	env.bot.HandleEvent(ctx, textEvent(teamID, "Beta testers"))
	if k := env.sessionKind(teamID); k != KindAwaitingForwardSource {
		t.Fatalf("state = %q, want %q", k, KindAwaitingForwardSource)
	}
	pf, _ := env.store.Forward(teamID)
	if pf.OriginTitle != "Beta testers" || pf.Origin != OriginUser {
		t.Errorf("pending forward = %+v", pf)
	}

	env.bot.HandleEvent(ctx, textEvent(teamID, "needs a reply"))
	posts := env.team.Posts()
	if len(posts) != 1 {
		t.Fatalf("team posts = %d, want 1", len(posts))
	}
}

func TestForward_RelayFailureRollsBack(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.bot.HandleEvent(ctx, forwardEvent(teamID, ForwardedMessage{Text: "hi", OriginChatTitle: "Ops"}))
	env.team.PostErr = errors.New("timeout")

	env.bot.HandleEvent(ctx, textEvent(teamID, "context"))

	if _, acks := env.store.Counts(); acks != 0 {
		t.Errorf("pending acks = %d, want 0", acks)
	}
	if k := env.sessionKind(teamID); k != KindAwaitingForwardSource {
		t.Errorf("state = %q, want %q", k, KindAwaitingForwardSource)
	}
	if _, ok := env.store.Forward(teamID); !ok {
		t.Error("capture should survive for a retry")
	}
	last, _ := env.chat.LastSent()
	if last.Text != msgTeamFailure || strings.Contains(last.Text, "timeout") {
		t.Errorf("reply = %q", last.Text)
	}

	env.team.PostErr = nil
	env.bot.HandleEvent(ctx, textEvent(teamID, "context"))
	if _, acks := env.store.Counts(); acks != 1 {
		t.Errorf("pending acks after retry = %d, want 1", acks)
	}
}

func TestRoleGating_TeamMemberRequesterActions(t *testing.T) {
	actions := []Action{
		{Kind: ActionNewTicket}, {Kind: ActionViewTicket}, {Kind: ActionUpdateTicket},
		{Kind: ActionCloseTicket}, {Kind: ActionReopenTicket}, {Kind: ActionListTickets},
		{Kind: ActionAttachExisting}, {Kind: ActionCreateNew}, {Kind: ActionKnowledgeBase},
		{Kind: ActionSearch}, {Kind: ActionOpenCategory, ID: 1}, {Kind: ActionOpenArticle, ID: 10},
	}
	for _, a := range actions {
		t.Run(a.Data(), func(t *testing.T) {
			env := newTestEnv(t)
			sess := Session{UserID: teamID, State: StateAwaitingForwardSource{}, LastActivity: env.clock.Now()}

			next, effects := env.machine.Handle(context.Background(), callbackEvent(teamID, a), sess)

			if next != sess {
				t.Errorf("session changed: %+v -> %+v", sess, next)
			}
			texts := sentTexts(effects)
			if len(texts) != 1 || texts[0] != msgTeamRedirect {
				t.Errorf("effects = %v, want the team redirect", texts)
			}
			if n := env.backend.Calls("create") + env.backend.Calls("find") + env.backend.Calls("list"); n != 0 {
				t.Errorf("backend calls = %d, want 0", n)
			}
		})
	}
}

func TestRoleGating_TeamMemberCommands(t *testing.T) {
	env := newTestEnv(t)
	for _, cmd := range []string{"new", "ticket", "tickets", "search", "kb"} {
		sess := Session{UserID: teamID, State: StateForward{}, LastActivity: env.clock.Now()}
		next, effects := env.machine.Handle(context.Background(), commandEvent(teamID, cmd), sess)
		if next != sess {
			t.Errorf("/%s changed the session", cmd)
		}
		if texts := sentTexts(effects); len(texts) != 1 || texts[0] != msgTeamRedirect {
			t.Errorf("/%s effects = %v", cmd, texts)
		}
	}
}

func TestRoleGating_RequesterForwarding(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	sess := Session{UserID: customerID, State: StateMain{}, LastActivity: env.clock.Now()}

	next, effects := env.machine.Handle(ctx, forwardEvent(customerID, ForwardedMessage{Text: "x", OriginChatTitle: "G"}), sess)
	if next != sess {
		t.Error("forward from requester changed the session")
	}
	if texts := sentTexts(effects); len(texts) != 1 || texts[0] != msgRequesterRedirect {
		t.Errorf("effects = %v", texts)
	}
	if _, ok := env.store.Forward(customerID); ok {
		t.Error("requester forward must not be captured")
	}

	stuck := Session{UserID: customerID, State: StateAwaitingForwardSource{}, LastActivity: env.clock.Now()}
	next, effects = env.machine.Handle(ctx, textEvent(customerID, "context"), stuck)
	if next != stuck {
		t.Error("text in a forwarding state changed the requester session")
	}
	if texts := sentTexts(effects); len(texts) != 1 || texts[0] != msgRequesterRedirect {
		t.Errorf("effects = %v", texts)
	}
	if n := len(env.team.Posts()); n != 0 {
		t.Errorf("team posts = %d, want 0", n)
	}
}

func TestSessionExclusivity(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	steps := []Event{
		callbackEvent(customerID, Action{Kind: ActionKnowledgeBase}),
		callbackEvent(customerID, Action{Kind: ActionOpenCategory, ID: 1}),
		callbackEvent(customerID, Action{Kind: ActionSearch}),
		callbackEvent(customerID, Action{Kind: ActionNewTicket}),
		textEvent(customerID, "laptop broken"),
		callbackEvent(customerID, Action{Kind: ActionUpdateTicket}),
		commandEvent(customerID, "cancel"),
	}
	want := []StateKind{KindMain, KindBrowseCategory, KindSearch, KindAwaitingTicketDescription, KindSupport, KindAwaitingTicketUpdate, KindMain}
	for i, ev := range steps {
		env.bot.HandleEvent(ctx, ev)
		if k := env.sessionKind(customerID); k != want[i] {
			t.Errorf("step %d: state = %q, want %q", i, k, want[i])
		}
	}
}

func TestTicketUpdateFlow(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.bot.HandleEvent(ctx, textEvent(customerID, "monitor flickers"))
	env.bot.HandleEvent(ctx, callbackEvent(customerID, Action{Kind: ActionUpdateTicket}))

	sess, _ := env.store.Get(customerID)
	if st, ok := sess.State.(StateAwaitingTicketUpdate); !ok || st.TicketID != "101" {
		t.Fatalf("State = %#v, want update of 101", sess.State)
	}
	env.bot.HandleEvent(ctx, textEvent(customerID, "now it is black"))
	if got := env.backend.Comments("101"); len(got) != 1 {
		t.Errorf("comments = %v", got)
	}
	if k := env.sessionKind(customerID); k != KindSupport {
		t.Errorf("state = %q, want %q", k, KindSupport)
	}
}

func TestCloseAndReopenKeepCacheInSync(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.bot.HandleEvent(ctx, textEvent(customerID, "monitor flickers"))

	env.bot.HandleEvent(ctx, callbackEvent(customerID, Action{Kind: ActionCloseTicket}))
	if _, ok := env.store.TicketRef(customerID); ok {
		t.Error("closing should clear the cache")
	}
	tk, _ := env.backend.Get(ctx, "101")
	if tk.Status != TicketSolved {
		t.Errorf("Status = %q, want %q", tk.Status, TicketSolved)
	}

	env.bot.HandleEvent(ctx, callbackEvent(customerID, Action{Kind: ActionReopenTicket}))
	ref, ok := env.store.TicketRef(customerID)
	if !ok || ref.TicketID != "101" {
		t.Errorf("cache after reopen = %+v, %v", ref, ok)
	}
	tk, _ = env.backend.Get(ctx, "101")
	if tk.Status != TicketOpen {
		t.Errorf("Status = %q, want %q", tk.Status, TicketOpen)
	}

	// With the ticket open again, a new description is guarded.
	env.bot.HandleEvent(ctx, textEvent(customerID, "still flickers"))
	if k := env.sessionKind(customerID); k != KindAwaitingTicketChoice {
		t.Errorf("state = %q, want %q", k, KindAwaitingTicketChoice)
	}
}

func TestViewTicket_NoTicket(t *testing.T) {
	env := newTestEnv(t)
	env.bot.HandleEvent(context.Background(), callbackEvent(customerID, Action{Kind: ActionViewTicket}))
	last, _ := env.chat.LastSent()
	if last.Text != msgNoOpenTicket {
		t.Errorf("reply = %q, want %q", last.Text, msgNoOpenTicket)
	}
}

func TestBackendFailureShowsGenericMessage(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.bot.HandleEvent(ctx, callbackEvent(customerID, Action{Kind: ActionNewTicket}))
	env.backend.SetErr(errors.New(`{"message":"Bad credentials","documentation_url":"..."}`))

	env.bot.HandleEvent(ctx, textEvent(customerID, "help"))

	last, _ := env.chat.LastSent()
	if last.Text != msgRequesterFailure {
		t.Errorf("reply = %q, want %q", last.Text, msgRequesterFailure)
	}
	if !hasButton(last, Action{Kind: ActionMainMenu}.Data()) {
		t.Error("failure message should offer the main menu")
	}
	if k := env.sessionKind(customerID); k != KindAwaitingTicketDescription {
		t.Errorf("state = %q, want unchanged %q", k, KindAwaitingTicketDescription)
	}
}

func TestKnowledgeBaseFlow(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.bot.HandleEvent(ctx, callbackEvent(customerID, Action{Kind: ActionKnowledgeBase}))
	last, _ := env.chat.LastSent()
	if !hasButton(last, Action{Kind: ActionOpenCategory, ID: 2}.Data()) {
		t.Errorf("category buttons = %+v", last.Buttons)
	}

	env.bot.HandleEvent(ctx, callbackEvent(customerID, Action{Kind: ActionOpenArticle, ID: 20}))
	last, _ = env.chat.LastSent()
	if !strings.HasPrefix(last.Text, "Mailbox full") {
		t.Errorf("article = %q", last.Text)
	}
	sess, _ := env.store.Get(customerID)
	if bc, ok := sess.State.(StateBrowseCategory); !ok || bc.CategoryID != 2 {
		t.Errorf("State = %#v, want browsing category 2", sess.State)
	}

	env.bot.HandleEvent(ctx, callbackEvent(customerID, Action{Kind: ActionSearch}))
	env.bot.HandleEvent(ctx, textEvent(customerID, "vpn"))
	last, _ = env.chat.LastSent()
	if !hasButton(last, Action{Kind: ActionOpenArticle, ID: 10}.Data()) {
		t.Errorf("search results = %+v", last.Buttons)
	}
	if k := env.sessionKind(customerID); k != KindMain {
		t.Errorf("state = %q, want %q", k, KindMain)
	}

	env.bot.HandleEvent(ctx, callbackEvent(customerID, Action{Kind: ActionOpenArticle, ID: 999}))
	last, _ = env.chat.LastSent()
	if last.Text != msgStale {
		t.Errorf("missing article reply = %q, want %q", last.Text, msgStale)
	}
}

func TestUnknownCallbackData(t *testing.T) {
	env := newTestEnv(t)
	ev := Event{Kind: EventCallback, UserID: customerID, ChatID: "c", Text: "open category 42"}
	_, effects := env.machine.Handle(context.Background(), ev, Session{UserID: customerID, State: StateMain{}})
	if texts := sentTexts(effects); len(texts) != 1 || texts[0] != msgStale {
		t.Errorf("effects = %v", texts)
	}
}

func TestCancelDropsPendingForward(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.bot.HandleEvent(ctx, forwardEvent(teamID, ForwardedMessage{Text: "x", OriginChatTitle: "G"}))

	env.bot.HandleEvent(ctx, callbackEvent(teamID, Action{Kind: ActionCancel}))

	if _, ok := env.store.Forward(teamID); ok {
		t.Error("cancel should drop the pending forward")
	}
	if k := env.sessionKind(teamID); k != KindForward {
		t.Errorf("state = %q, want %q", k, KindForward)
	}
}
