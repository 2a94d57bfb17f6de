package relay

import (
	"fmt"
	"strconv"
	"strings"
)

// ActionKind is a button action.
type ActionKind int

const (
	ActionNone ActionKind = iota
	ActionMainMenu
	ActionCancel
	ActionNewTicket
	ActionViewTicket
	ActionUpdateTicket
	ActionCloseTicket
	ActionReopenTicket
	ActionListTickets
	ActionAttachExisting
	ActionCreateNew
	ActionKnowledgeBase
	ActionSearch
	ActionOpenCategory
	ActionOpenArticle
)

// Action is a parsed button press. ID is set for ActionOpenCategory and
// ActionOpenArticle.
type Action struct {
	Kind ActionKind
	ID   int
}

var actionTokens = map[ActionKind]string{
	ActionMainMenu:       "menu",
	ActionCancel:         "cancel",
	ActionNewTicket:      "ticket:new",
	ActionViewTicket:     "ticket:view",
	ActionUpdateTicket:   "ticket:update",
	ActionCloseTicket:    "ticket:close",
	ActionReopenTicket:   "ticket:reopen",
	ActionListTickets:    "ticket:list",
	ActionAttachExisting: "choice:attach",
	ActionCreateNew:      "choice:new",
	ActionKnowledgeBase:  "kb",
	ActionSearch:         "kb:search",
}

var tokenActions = func() map[string]ActionKind {
	m := make(map[string]ActionKind, len(actionTokens))
	for k, v := range actionTokens {
		m[v] = k
	}
	return m
}()

const (
	categoryPrefix = "kb:cat:"
	articlePrefix  = "kb:art:"
)

// ParseAction decodes button data into an Action.
func ParseAction(data string) (Action, error) {
	data = strings.TrimSpace(data)
	if k, ok := tokenActions[data]; ok {
		return Action{Kind: k}, nil
	}
	if rest, ok := strings.CutPrefix(data, categoryPrefix); ok {
		id, err := strconv.Atoi(rest)
		if err != nil || id <= 0 {
			return Action{}, fmt.Errorf("relay: bad category id in %q", data)
		}
		return Action{Kind: ActionOpenCategory, ID: id}, nil
	}
	if rest, ok := strings.CutPrefix(data, articlePrefix); ok {
		id, err := strconv.Atoi(rest)
		if err != nil || id <= 0 {
			return Action{}, fmt.Errorf("relay: bad article id in %q", data)
		}
		return Action{Kind: ActionOpenArticle, ID: id}, nil
	}
	return Action{}, fmt.Errorf("relay: unknown action %q", data)
}

// Data encodes the action for a button.
func (a Action) Data() string {
	switch a.Kind {
	case ActionOpenCategory:
		return categoryPrefix + strconv.Itoa(a.ID)
	case ActionOpenArticle:
		return articlePrefix + strconv.Itoa(a.ID)
	}
	return actionTokens[a.Kind]
}

// requesterAction reports whether the action belongs to the ticket or
// knowledge base flows.
func requesterAction(k ActionKind) bool {
	switch k {
	case ActionNewTicket, ActionViewTicket, ActionUpdateTicket, ActionCloseTicket,
		ActionReopenTicket, ActionListTickets, ActionAttachExisting, ActionCreateNew,
		ActionKnowledgeBase, ActionSearch, ActionOpenCategory, ActionOpenArticle:
		return true
	}
	return false
}

func button(label string, a Action) Button {
	return Button{Label: label, Data: a.Data()}
}
