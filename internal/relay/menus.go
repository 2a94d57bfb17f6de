package relay

import (
	"fmt"
	"strings"
)

// Fixed user-facing texts.
const (
	msgTeamRedirect = "Tickets and the knowledge base are for customers. " +
		"Forward a customer message to me and I will relay it to the team channel."
	msgRequesterRedirect = "Forwarding is only available to team members."
	msgStale             = "This choice is no longer valid."
	msgRequesterFailure  = "Something went wrong on our side. Please try again in a moment."
	msgTeamFailure       = "The relay did not go through. Send the context again to retry, or cancel."
	msgCancelled         = "Cancelled."
	msgUnknownCommand    = "Unknown command. Use /menu to see what I can do."
	msgNoOpenTicket      = "You have no open ticket."
	msgKBUnavailable     = "The knowledge base is not available right now."
)

// maxListed caps ticket and article lists rendered as one message.
const maxListed = 5

// reply builds a message effect. A message carrying controls is a menu.
func reply(chatID, text string, rows ...[]Button) SendEffect {
	return SendEffect{
		Msg:  OutboundMessage{ChatID: chatID, Text: text, Buttons: rows},
		Menu: len(rows) > 0,
	}
}

func menuRow() []Button {
	return []Button{button("Main menu", Action{Kind: ActionMainMenu})}
}

func cancelRow() []Button {
	return []Button{button("Cancel", Action{Kind: ActionCancel})}
}

// mainMenu renders the top-level menu of a role. The team member menu has
// no controls but still replaces whatever menu came before it.
func mainMenu(chatID string, role Role) SendEffect {
	if role == RoleTeamMember {
		e := reply(chatID, "Forward a message from a customer chat to relay it to the team channel.")
		e.Menu = true
		return e
	}
	return reply(chatID, "How can we help?",
		[]Button{
			button("New ticket", Action{Kind: ActionNewTicket}),
			button("My ticket", Action{Kind: ActionViewTicket}),
		},
		[]Button{button("Ticket history", Action{Kind: ActionListTickets})},
		[]Button{
			button("Knowledge base", Action{Kind: ActionKnowledgeBase}),
			button("Search articles", Action{Kind: ActionSearch}),
		},
	)
}

// cancelled drops the chat's controls, confirms, and shows the main menu.
func cancelled(chatID string, role Role) []Effect {
	return []Effect{
		ClearMenusEffect{ChatID: chatID},
		reply(chatID, msgCancelled),
		mainMenu(chatID, role),
	}
}

// ticketView renders a ticket with the controls valid for its status.
func ticketView(chatID string, t Ticket) SendEffect {
	var b strings.Builder
	fmt.Fprintf(&b, "Ticket #%s: %s\n", t.ID, t.Subject)
	fmt.Fprintf(&b, "Status: %s", t.Status)
	if t.Priority != "" {
		fmt.Fprintf(&b, "\nPriority: %s", t.Priority)
	}
	if t.URL != "" {
		fmt.Fprintf(&b, "\n%s", t.URL)
	}
	if t.Status == TicketSolved {
		return reply(chatID, b.String(),
			[]Button{button("Reopen", Action{Kind: ActionReopenTicket})},
			menuRow(),
		)
	}
	return reply(chatID, b.String(),
		[]Button{
			button("Add update", Action{Kind: ActionUpdateTicket}),
			button("Close ticket", Action{Kind: ActionCloseTicket}),
		},
		menuRow(),
	)
}

// supportMenu follows a completed ticket action.
func supportMenu(chatID, text string) SendEffect {
	return reply(chatID, text,
		[]Button{
			button("View ticket", Action{Kind: ActionViewTicket}),
			button("Add update", Action{Kind: ActionUpdateTicket}),
		},
		menuRow(),
	)
}

// ticketChoice offers the two ways to resolve a draft while a ticket is open.
func ticketChoice(chatID, existingID string) SendEffect {
	return reply(chatID,
		fmt.Sprintf("You already have an open ticket #%s. Add this message to it, or open a new ticket?", existingID),
		[]Button{
			button("Add to #"+existingID, Action{Kind: ActionAttachExisting}),
			button("Create new", Action{Kind: ActionCreateNew}),
		},
		cancelRow(),
	)
}

// ticketList renders the most recent tickets of a requester.
func ticketList(chatID string, tickets []Ticket) SendEffect {
	if len(tickets) == 0 {
		return reply(chatID, "You have no tickets yet.",
			[]Button{button("New ticket", Action{Kind: ActionNewTicket})},
			menuRow(),
		)
	}
	var b strings.Builder
	b.WriteString("Your recent tickets:")
	for i, t := range tickets {
		if i == maxListed {
			break
		}
		fmt.Fprintf(&b, "\n#%s [%s] %s", t.ID, t.Status, t.Subject)
	}
	return reply(chatID, b.String(), menuRow())
}

// articleButtons lists articles one per row.
func articleButtons(articles []Article) [][]Button {
	rows := make([][]Button, 0, len(articles)+1)
	for i, a := range articles {
		if i == maxListed {
			break
		}
		rows = append(rows, []Button{button(a.Title, Action{Kind: ActionOpenArticle, ID: a.ID})})
	}
	return rows
}

func categoryMenu(chatID string, cats []Category) SendEffect {
	if len(cats) == 0 {
		return reply(chatID, "The knowledge base is empty.", menuRow())
	}
	rows := make([][]Button, 0, len(cats)+1)
	for _, c := range cats {
		rows = append(rows, []Button{button(c.Name, Action{Kind: ActionOpenCategory, ID: c.ID})})
	}
	rows = append(rows, []Button{
		button("Search articles", Action{Kind: ActionSearch}),
		button("Main menu", Action{Kind: ActionMainMenu}),
	})
	return reply(chatID, "Choose a topic:", rows...)
}

func articleView(chatID string, a Article) SendEffect {
	text := a.Title + "\n\n" + a.Body
	if a.URL != "" {
		text += "\n\n" + a.URL
	}
	return reply(chatID, text,
		[]Button{button("Back", Action{Kind: ActionOpenCategory, ID: a.CategoryID})},
		menuRow(),
	)
}

// subjectOf derives a ticket subject from the first line of a description.
func subjectOf(text string) string {
	line, _, _ := strings.Cut(strings.TrimSpace(text), "\n")
	line = strings.TrimSpace(line)
	const maxSubject = 72
	if r := []rune(line); len(r) > maxSubject {
		line = string(r[:maxSubject-3]) + "..."
	}
	if line == "" {
		line = "Support request"
	}
	return line
}
