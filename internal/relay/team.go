package relay

import (
	"context"
	"fmt"
)

const (
	promptOrigin  = "Which group or chat did this message come from?"
	promptContext = "Add context for the team: who is asking and what they need."
)

// capture stores a forwarded message as the team member's pending forward.
// A forward whose origin chat title is known skips the origin question.
// Forwarding again before finishing replaces the earlier capture.
func (m *Machine) capture(ev Event) (turn, error) {
	fwd := ev.Forward
	if fwd == nil {
		fwd = &ForwardedMessage{Text: ev.Text}
	}
	origin, label := ClassifySource(*fwd)

	sender := fwd.OriginSenderName
	if sender == "" {
		sender = fwd.ForwardedSenderName
	}
	if sender == "" {
		sender = label
	}

	m.store.PutForward(ev.UserID, PendingForward{
		Text:            fwd.Text,
		SenderName:      sender,
		SourceChatID:    ev.ChatID,
		SourceMessageID: ev.MessageID,
		Origin:          origin,
		OriginTitle:     fwd.OriginChatTitle,
		OriginURL:       fwd.URL,
		CapturedAt:      m.store.Now(),
	})
	m.logger.Debug("relay: forward captured", "user", ev.UserID, "origin", origin, "label", label)

	if fwd.OriginChatTitle != "" {
		return turn{StateAwaitingForwardSource{}, []Effect{
			reply(ev.ChatID, fmt.Sprintf("Captured a message from %s. %s", label, promptContext), cancelRow()),
		}}, nil
	}
	return turn{StateAwaitingForwardOrigin{}, []Effect{
		reply(ev.ChatID, promptOrigin, cancelRow()),
	}}, nil
}

// originGiven records the origin the team member named for a capture whose
// chat title was unknown, then asks for context.
func (m *Machine) originGiven(ev Event, sess Session, title string) (turn, error) {
	pf, ok := m.store.Forward(ev.UserID)
	if !ok {
		return m.nothingToForward(ev.ChatID), nil
	}
	if title == "" {
		return turn{sess.State, []Effect{reply(ev.ChatID, promptOrigin, cancelRow())}}, nil
	}
	pf.OriginTitle = title
	if pf.Origin == OriginUnknown {
		pf.Origin = OriginGroup
	}
	m.store.PutForward(ev.UserID, pf)
	return turn{StateAwaitingForwardSource{}, []Effect{
		reply(ev.ChatID, promptContext, cancelRow()),
	}}, nil
}

// finalizeForward relays the capture with its context. On success the
// prompt is cleared and the session completes. A failed relay keeps the
// capture and state, so sending the context again retries.
func (m *Machine) finalizeForward(ctx context.Context, ev Event, sess Session, contextText string) (turn, error) {
	pf, ok := m.store.Forward(ev.UserID)
	if !ok {
		return m.nothingToForward(ev.ChatID), nil
	}
	if contextText == "" {
		return turn{sess.State, []Effect{reply(ev.ChatID, promptContext, cancelRow())}}, nil
	}

	_, err := m.relayer.Relay(ctx, RelayRequest{
		Content:         pf.Text,
		SenderName:      pf.SenderName,
		Context:         contextText,
		ForwardedBy:     ev.UserName,
		Origin:          pf.Origin,
		OriginTitle:     pf.OriginTitle,
		OriginURL:       pf.OriginURL,
		OriginChatID:    pf.SourceChatID,
		OriginMessageID: pf.SourceMessageID,
	})
	if err != nil {
		return turn{}, err
	}
	m.store.DeleteForward(ev.UserID)
	return turn{nil, []Effect{ClearMenusEffect{ChatID: ev.ChatID}}}, nil
}

func (m *Machine) nothingToForward(chatID string) turn {
	return turn{StateForward{}, []Effect{
		reply(chatID, "There is nothing to relay. Forward a message to me first."),
	}}
}
