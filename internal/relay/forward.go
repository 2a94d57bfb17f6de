package relay

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// RelayError is returned when a message could not be posted to the team
// channel. No pending acknowledgment exists for a failed relay.
type RelayError struct {
	Op  string
	Err error
}

func (e *RelayError) Error() string {
	return fmt.Sprintf("relay: %s: %v", e.Op, e.Err)
}

func (e *RelayError) Unwrap() error { return e.Err }

// RelayRequest is a captured message plus the context a team member added.
type RelayRequest struct {
	Content         string
	SenderName      string
	Context         string
	ForwardedBy     string
	Origin          Origin
	OriginTitle     string
	OriginURL       string
	OriginChatID    string
	OriginMessageID string
}

// Status texts shown in the origin chat.
const (
	statusAwaitingAck = "Forwarded to the team channel, awaiting acknowledgment."
	statusAckFormat   = "Acknowledged by %s at %s: your forward from %s was seen by the team."
)

// Relayer runs the two-hop forward-and-acknowledge handshake between the
// chat front-end and the team channel.
type Relayer struct {
	store   *SessionStore
	chat    ChatFrontEnd
	team    TeamChannel
	timeout time.Duration
	logger  *slog.Logger
}

// RelayerOpts holds parameters for creating a Relayer.
type RelayerOpts struct {
	Store   *SessionStore
	Chat    ChatFrontEnd
	Team    TeamChannel
	Timeout time.Duration // defaults to DefaultBackendTimeout
	Logger  *slog.Logger
}

// NewRelayer creates a Relayer.
func NewRelayer(opts RelayerOpts) (*Relayer, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("relay: relayer: store is required")
	}
	if opts.Chat == nil {
		return nil, fmt.Errorf("relay: relayer: chat front-end is required")
	}
	if opts.Team == nil {
		return nil, fmt.Errorf("relay: relayer: team channel is required")
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultBackendTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Relayer{
		store:   opts.Store,
		chat:    opts.Chat,
		team:    opts.Team,
		timeout: timeout,
		logger:  logger,
	}, nil
}

// Relay posts the message to the team channel with an acknowledgment
// button, records a pending acknowledgment under the returned destination
// message ID, and tells the origin chat the message is awaiting
// acknowledgment. A failed origin status message does not undo the relay;
// the acknowledgment will then be delivered as a fresh message.
func (r *Relayer) Relay(ctx context.Context, req RelayRequest) (string, error) {
	pctx, cancel := context.WithTimeout(ctx, r.timeout)
	destID, err := r.team.Post(pctx, buildRelayPost(req))
	cancel()
	if err != nil {
		return "", &RelayError{Op: "post to team channel", Err: err}
	}
	if destID == "" {
		return "", &RelayError{Op: "post to team channel", Err: fmt.Errorf("no message id returned")}
	}

	r.store.PutAck(PendingAck{
		DestinationMessageID: destID,
		OriginChatID:         req.OriginChatID,
		OriginMessageID:      req.OriginMessageID,
		SenderName:           req.SenderName,
		CreatedAt:            r.store.Now(),
	})
	r.logger.Info("relay: message relayed", "destination", destID, "origin_chat", req.OriginChatID, "by", req.ForwardedBy)

	sctx, cancel := context.WithTimeout(ctx, r.timeout)
	statusID, err := r.chat.Send(sctx, OutboundMessage{
		ChatID:  req.OriginChatID,
		ReplyTo: req.OriginMessageID,
		Text:    statusAwaitingAck,
	})
	cancel()
	if err != nil {
		r.logger.Warn("relay: origin status message failed", "destination", destID, "error", err)
		return destID, nil
	}
	if !r.store.SetAckStatusMessage(destID, statusID) {
		r.logger.Debug("relay: acknowledged before status message was recorded", "destination", destID)
	}
	return destID, nil
}

// Acknowledge resolves the pending acknowledgment for a destination message.
// On a hit it marks the team post, notifies the origin chat once and reports
// true. On a miss (already acknowledged, or lost across a restart) it only
// marks the team post as an untracked acknowledgment and reports false.
// Button presses and reaction sweeps both land here.
func (r *Relayer) Acknowledge(ctx context.Context, destinationMessageID, by string) (bool, error) {
	now := r.store.Now()
	pa, ok := r.store.TakeAck(destinationMessageID)

	mctx, cancel := context.WithTimeout(ctx, r.timeout)
	markErr := r.team.MarkAcknowledged(mctx, destinationMessageID, AckMark{By: by, At: now, Tracked: ok})
	cancel()
	if markErr != nil {
		r.logger.Warn("relay: update team post failed", "destination", destinationMessageID, "error", markErr)
	}

	if !ok {
		r.logger.Info("relay: acknowledgment without pending record", "destination", destinationMessageID, "by", by)
		if markErr != nil {
			return false, fmt.Errorf("relay: mark untracked acknowledgment: %w", markErr)
		}
		return false, nil
	}

	r.logger.Info("relay: acknowledged", "destination", destinationMessageID, "by", by,
		"waited", now.Sub(pa.CreatedAt).Round(time.Second))

	text := fmt.Sprintf(statusAckFormat, by, now.Format("15:04 MST"), pa.SenderName)
	if err := r.notifyOrigin(ctx, pa, text); err != nil {
		return true, fmt.Errorf("relay: notify origin chat: %w", err)
	}
	return true, nil
}

// notifyOrigin edits the status message in place when there is one, and
// sends a fresh message otherwise or when the edit fails.
func (r *Relayer) notifyOrigin(ctx context.Context, pa PendingAck, text string) error {
	if pa.StatusMessageID != "" {
		ectx, cancel := context.WithTimeout(ctx, r.timeout)
		err := r.chat.Edit(ectx, pa.OriginChatID, pa.StatusMessageID, OutboundMessage{
			ChatID: pa.OriginChatID,
			Text:   text,
		})
		cancel()
		if err == nil {
			return nil
		}
		r.logger.Debug("relay: edit status message failed, sending instead", "chat", pa.OriginChatID, "error", err)
	}
	sctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	_, err := r.chat.Send(sctx, OutboundMessage{
		ChatID:  pa.OriginChatID,
		ReplyTo: pa.OriginMessageID,
		Text:    text,
	})
	return err
}

// buildRelayPost renders a relay request for the team channel.
func buildRelayPost(req RelayRequest) TeamPost {
	source := req.OriginTitle
	if source == "" {
		source = req.SenderName
	}
	fields := []Field{
		{Name: "From", Value: req.SenderName, Short: true},
		{Name: "Source", Value: fmt.Sprintf("%s (%s)", source, originLabel(req.Origin)), Short: true},
		{Name: "Forwarded by", Value: req.ForwardedBy, Short: true},
	}
	if req.Context != "" {
		fields = append(fields, Field{Name: "Context", Value: req.Context})
	}
	if req.OriginURL != "" {
		fields = append(fields, Field{Name: "Link", Value: req.OriginURL})
	}
	return TeamPost{
		Title:     "Forwarded message",
		Body:      req.Content,
		Fields:    fields,
		Footer:    "ref " + uuid.NewString()[:8],
		AckButton: true,
	}
}
