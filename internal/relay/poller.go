package relay

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// DefaultReactionPollInterval is how often pending acknowledgments are
// checked for reactions.
const DefaultReactionPollInterval = 5 * time.Second

// AckReactions are the reaction names treated as an acknowledgment.
var AckReactions = []string{
	"white_check_mark",
	"heavy_check_mark",
	"+1",
	"eyes",
	"ballot_box_with_check",
}

// ReactionPoller periodically inspects reactions on every team post that
// still awaits acknowledgment and acknowledges the ones that have a
// qualifying reaction.
type ReactionPoller struct {
	store    *SessionStore
	team     TeamChannel
	relayer  *Relayer
	interval time.Duration
	timeout  time.Duration
	logger   *slog.Logger
}

// ReactionPollerOpts holds parameters for creating a ReactionPoller.
type ReactionPollerOpts struct {
	Store    *SessionStore
	Team     TeamChannel
	Relayer  *Relayer
	Interval time.Duration // defaults to DefaultReactionPollInterval
	Timeout  time.Duration // defaults to DefaultBackendTimeout
	Logger   *slog.Logger
}

// NewReactionPoller creates a ReactionPoller.
func NewReactionPoller(opts ReactionPollerOpts) (*ReactionPoller, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("relay: reaction poller: store is required")
	}
	if opts.Team == nil {
		return nil, fmt.Errorf("relay: reaction poller: team channel is required")
	}
	if opts.Relayer == nil {
		return nil, fmt.Errorf("relay: reaction poller: relayer is required")
	}
	interval := opts.Interval
	if interval <= 0 {
		interval = DefaultReactionPollInterval
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultBackendTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &ReactionPoller{
		store:    opts.Store,
		team:     opts.Team,
		relayer:  opts.Relayer,
		interval: interval,
		timeout:  timeout,
		logger:   logger,
	}, nil
}

// Run polls until ctx is cancelled.
func (p *ReactionPoller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Poll(ctx)
		}
	}
}

// Poll runs one sweep over the pending acknowledgments, oldest first, and
// returns how many were resolved. Backend errors skip the message until the
// next sweep.
func (p *ReactionPoller) Poll(ctx context.Context) int {
	resolved := 0
	for _, id := range p.store.PendingAckIDs() {
		if ctx.Err() != nil {
			return resolved
		}
		rctx, cancel := context.WithTimeout(ctx, p.timeout)
		reactions, err := p.team.Reactions(rctx, id)
		cancel()
		if err != nil {
			p.logger.Warn("relay: read reactions", "destination", id, "error", err)
			continue
		}
		by, ok := firstAckReaction(reactions)
		if !ok {
			continue
		}
		hit, err := p.relayer.Acknowledge(ctx, id, by)
		if err != nil {
			p.logger.Warn("relay: acknowledge from reaction", "destination", id, "error", err)
		}
		if hit {
			resolved++
		}
	}
	return resolved
}

// firstAckReaction returns who added the first qualifying reaction, in the
// order the team channel reported them.
func firstAckReaction(reactions []Reaction) (string, bool) {
	for _, r := range reactions {
		if !isAckReaction(r.Name) {
			continue
		}
		if len(r.Users) > 0 && r.Users[0] != "" {
			return r.Users[0], true
		}
		return "a team member", true
	}
	return "", false
}

func isAckReaction(name string) bool {
	for _, n := range AckReactions {
		if n == name {
			return true
		}
	}
	return false
}
