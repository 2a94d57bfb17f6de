package relay

import (
	"context"
	"errors"
	"fmt"
)

func (m *Machine) promptDescription(chatID string) turn {
	return turn{StateAwaitingTicketDescription{}, []Effect{
		reply(chatID, "Describe your issue in one message. Mention if it is urgent.", cancelRow()),
	}}
}

// submitDescription creates a ticket from the description, unless the
// requester already has an open one; then the draft is held until the
// requester chooses between attaching and creating.
func (m *Machine) submitDescription(ctx context.Context, ev Event, body string) (turn, error) {
	severity := InferSeverity(body)
	ref, open, err := m.tickets.GetOpen(ctx, ev.UserID)
	if err != nil {
		return turn{}, err
	}
	if open {
		st := StateAwaitingTicketChoice{Draft: body, Severity: severity, ExistingTicketID: ref.TicketID}
		return turn{st, []Effect{ticketChoice(ev.ChatID, ref.TicketID)}}, nil
	}
	return m.createTicket(ctx, ev, body, severity)
}

func (m *Machine) createTicket(ctx context.Context, ev Event, body string, severity Priority) (turn, error) {
	cctx, cancel := m.bounded(ctx)
	defer cancel()
	t, err := m.backend.Create(cctx, NewTicket{
		Subject:       subjectOf(body),
		Body:          body,
		RequesterName: ev.UserName,
		RequesterKey:  m.tickets.ContactKey(ev.UserID),
		Priority:      severity,
		Tags:          []string{"chat"},
	})
	if err != nil {
		return turn{}, fmt.Errorf("create ticket: %w", err)
	}
	m.tickets.Put(ev.UserID, t.ID)
	m.logger.Info("relay: ticket created", "user", ev.UserID, "ticket", t.ID, "priority", severity)

	text := fmt.Sprintf("Ticket #%s created with %s priority. We will get back to you here.", t.ID, severity)
	return turn{StateSupport{}, []Effect{supportMenu(ev.ChatID, text)}}, nil
}

func (m *Machine) attachDraft(ctx context.Context, ev Event, choice StateAwaitingTicketChoice) (turn, error) {
	cctx, cancel := m.bounded(ctx)
	defer cancel()
	if err := m.backend.Comment(cctx, choice.ExistingTicketID, ev.UserName, choice.Draft); err != nil {
		if errors.Is(err, ErrNotFound) {
			m.tickets.Clear(ev.UserID)
		}
		return turn{}, fmt.Errorf("comment on ticket %s: %w", choice.ExistingTicketID, err)
	}
	m.tickets.Put(ev.UserID, choice.ExistingTicketID)
	text := fmt.Sprintf("Added to ticket #%s.", choice.ExistingTicketID)
	return turn{StateSupport{}, []Effect{supportMenu(ev.ChatID, text)}}, nil
}

// viewTicket shows the open ticket. A cached ticket the backend reports as
// solved is dropped from the cache.
func (m *Machine) viewTicket(ctx context.Context, ev Event) (turn, error) {
	ref, open, err := m.tickets.GetOpen(ctx, ev.UserID)
	if err != nil {
		return turn{}, err
	}
	if !open {
		return turn{StateSupport{}, []Effect{m.noOpenTicket(ev.ChatID)}}, nil
	}
	cctx, cancel := m.bounded(ctx)
	defer cancel()
	t, err := m.backend.Get(cctx, ref.TicketID)
	if errors.Is(err, ErrNotFound) {
		m.tickets.Clear(ev.UserID)
		return turn{StateSupport{}, []Effect{m.noOpenTicket(ev.ChatID)}}, nil
	}
	if err != nil {
		return turn{}, fmt.Errorf("get ticket %s: %w", ref.TicketID, err)
	}
	if t.Status != TicketOpen {
		m.tickets.Clear(ev.UserID)
	}
	return turn{StateSupport{}, []Effect{ticketView(ev.ChatID, t)}}, nil
}

func (m *Machine) noOpenTicket(chatID string) SendEffect {
	return reply(chatID, msgNoOpenTicket,
		[]Button{button("New ticket", Action{Kind: ActionNewTicket})},
		menuRow(),
	)
}

func (m *Machine) promptUpdate(ctx context.Context, ev Event) (turn, error) {
	ref, open, err := m.tickets.GetOpen(ctx, ev.UserID)
	if err != nil {
		return turn{}, err
	}
	if !open {
		return turn{StateSupport{}, []Effect{m.noOpenTicket(ev.ChatID)}}, nil
	}
	return turn{StateAwaitingTicketUpdate{TicketID: ref.TicketID}, []Effect{
		reply(ev.ChatID, fmt.Sprintf("Type your update for ticket #%s.", ref.TicketID), cancelRow()),
	}}, nil
}

func (m *Machine) submitUpdate(ctx context.Context, ev Event, ticketID, body string) (turn, error) {
	cctx, cancel := m.bounded(ctx)
	defer cancel()
	if err := m.backend.Comment(cctx, ticketID, ev.UserName, body); err != nil {
		if errors.Is(err, ErrNotFound) {
			m.tickets.Clear(ev.UserID)
		}
		return turn{}, fmt.Errorf("comment on ticket %s: %w", ticketID, err)
	}
	m.tickets.Put(ev.UserID, ticketID)
	text := fmt.Sprintf("Update added to ticket #%s.", ticketID)
	return turn{StateSupport{}, []Effect{supportMenu(ev.ChatID, text)}}, nil
}

func (m *Machine) closeTicket(ctx context.Context, ev Event) (turn, error) {
	ref, open, err := m.tickets.GetOpen(ctx, ev.UserID)
	if err != nil {
		return turn{}, err
	}
	if !open {
		return turn{StateSupport{}, []Effect{m.noOpenTicket(ev.ChatID)}}, nil
	}
	cctx, cancel := m.bounded(ctx)
	defer cancel()
	if err := m.backend.SetStatus(cctx, ref.TicketID, TicketSolved); err != nil {
		return turn{}, fmt.Errorf("close ticket %s: %w", ref.TicketID, err)
	}
	m.tickets.Clear(ev.UserID)
	m.logger.Info("relay: ticket closed", "user", ev.UserID, "ticket", ref.TicketID)
	return turn{StateSupport{}, []Effect{
		reply(ev.ChatID, fmt.Sprintf("Ticket #%s is closed.", ref.TicketID),
			[]Button{button("Reopen", Action{Kind: ActionReopenTicket})},
			menuRow(),
		),
	}}, nil
}

// reopenTicket reopens the requester's most recent solved ticket. A
// requester with an open ticket is shown that one instead.
func (m *Machine) reopenTicket(ctx context.Context, ev Event) (turn, error) {
	ref, open, err := m.tickets.GetOpen(ctx, ev.UserID)
	if err != nil {
		return turn{}, err
	}
	if open {
		text := fmt.Sprintf("Ticket #%s is still open.", ref.TicketID)
		return turn{StateSupport{}, []Effect{supportMenu(ev.ChatID, text)}}, nil
	}

	lctx, cancel := m.bounded(ctx)
	tickets, err := m.backend.ListByRequester(lctx, m.tickets.ContactKey(ev.UserID))
	cancel()
	if err != nil {
		return turn{}, fmt.Errorf("list tickets: %w", err)
	}
	var solved *Ticket
	for i := range tickets {
		if tickets[i].Status == TicketSolved {
			solved = &tickets[i]
			break
		}
	}
	if solved == nil {
		return turn{StateSupport{}, []Effect{m.noOpenTicket(ev.ChatID)}}, nil
	}

	sctx, cancel := m.bounded(ctx)
	defer cancel()
	if err := m.backend.SetStatus(sctx, solved.ID, TicketOpen); err != nil {
		return turn{}, fmt.Errorf("reopen ticket %s: %w", solved.ID, err)
	}
	m.tickets.Put(ev.UserID, solved.ID)
	m.logger.Info("relay: ticket reopened", "user", ev.UserID, "ticket", solved.ID)
	text := fmt.Sprintf("Ticket #%s is open again.", solved.ID)
	return turn{StateSupport{}, []Effect{supportMenu(ev.ChatID, text)}}, nil
}

func (m *Machine) listTickets(ctx context.Context, ev Event) (turn, error) {
	cctx, cancel := m.bounded(ctx)
	defer cancel()
	tickets, err := m.backend.ListByRequester(cctx, m.tickets.ContactKey(ev.UserID))
	if err != nil {
		return turn{}, fmt.Errorf("list tickets: %w", err)
	}
	return turn{StateSupport{}, []Effect{ticketList(ev.ChatID, tickets)}}, nil
}

func (m *Machine) browseKnowledgeBase(ctx context.Context, ev Event) (turn, error) {
	if m.kb == nil {
		return turn{StateMain{}, []Effect{reply(ev.ChatID, msgKBUnavailable, menuRow())}}, nil
	}
	cctx, cancel := m.bounded(ctx)
	defer cancel()
	cats, err := m.kb.Categories(cctx)
	if err != nil {
		return turn{}, fmt.Errorf("list categories: %w", err)
	}
	return turn{StateMain{}, []Effect{categoryMenu(ev.ChatID, cats)}}, nil
}

func (m *Machine) promptSearch(chatID string) turn {
	if m.kb == nil {
		return turn{StateMain{}, []Effect{reply(chatID, msgKBUnavailable, menuRow())}}
	}
	return turn{StateSearch{}, []Effect{reply(chatID, "What are you looking for?", cancelRow())}}
}

func (m *Machine) search(ctx context.Context, ev Event, query string) (turn, error) {
	if m.kb == nil {
		return turn{StateMain{}, []Effect{reply(ev.ChatID, msgKBUnavailable, menuRow())}}, nil
	}
	cctx, cancel := m.bounded(ctx)
	defer cancel()
	articles, err := m.kb.Search(cctx, query, maxListed)
	if err != nil {
		return turn{}, fmt.Errorf("search articles: %w", err)
	}
	if len(articles) == 0 {
		return turn{StateMain{}, []Effect{
			reply(ev.ChatID, fmt.Sprintf("No articles match %q.", query),
				[]Button{
					button("Search again", Action{Kind: ActionSearch}),
					button("New ticket", Action{Kind: ActionNewTicket}),
				},
				menuRow(),
			),
		}}, nil
	}
	rows := append(articleButtons(articles), menuRow())
	return turn{StateMain{}, []Effect{
		reply(ev.ChatID, fmt.Sprintf("Articles matching %q:", query), rows...),
	}}, nil
}

func (m *Machine) openCategory(ctx context.Context, ev Event, categoryID int) (turn, error) {
	if m.kb == nil {
		return turn{StateMain{}, []Effect{reply(ev.ChatID, msgKBUnavailable, menuRow())}}, nil
	}
	cctx, cancel := m.bounded(ctx)
	defer cancel()
	articles, err := m.kb.Articles(cctx, categoryID)
	if errors.Is(err, ErrNotFound) {
		return turn{}, ErrStaleInteraction
	}
	if err != nil {
		return turn{}, fmt.Errorf("list articles of category %d: %w", categoryID, err)
	}
	if len(articles) == 0 {
		return turn{StateBrowseCategory{CategoryID: categoryID}, []Effect{
			reply(ev.ChatID, "No articles in this topic yet.",
				[]Button{button("Back", Action{Kind: ActionKnowledgeBase})},
				menuRow(),
			),
		}}, nil
	}
	rows := append(articleButtons(articles), []Button{
		button("Back", Action{Kind: ActionKnowledgeBase}),
		button("Main menu", Action{Kind: ActionMainMenu}),
	})
	return turn{StateBrowseCategory{CategoryID: categoryID}, []Effect{
		reply(ev.ChatID, "Choose an article:", rows...),
	}}, nil
}

func (m *Machine) openArticle(ctx context.Context, ev Event, articleID int) (turn, error) {
	if m.kb == nil {
		return turn{StateMain{}, []Effect{reply(ev.ChatID, msgKBUnavailable, menuRow())}}, nil
	}
	cctx, cancel := m.bounded(ctx)
	defer cancel()
	a, err := m.kb.Article(cctx, articleID)
	if errors.Is(err, ErrNotFound) {
		return turn{}, ErrStaleInteraction
	}
	if err != nil {
		return turn{}, fmt.Errorf("get article %d: %w", articleID, err)
	}
	return turn{StateBrowseCategory{CategoryID: a.CategoryID}, []Effect{articleView(ev.ChatID, a)}}, nil
}
