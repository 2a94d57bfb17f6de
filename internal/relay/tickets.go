package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// DefaultBackendTimeout bounds each call to an external backend.
const DefaultBackendTimeout = 15 * time.Second

// TicketCache answers "does this user have an open ticket" from the store,
// falling back to a backend lookup by the user's contact key. The backend is
// authoritative; the cache only saves the search.
type TicketCache struct {
	store         *SessionStore
	backend       Ticketing
	contactDomain string
	timeout       time.Duration
	logger        *slog.Logger
}

// TicketCacheOpts holds parameters for creating a TicketCache.
type TicketCacheOpts struct {
	Store         *SessionStore
	Backend       Ticketing
	ContactDomain string        // domain of synthesized contact addresses
	Timeout       time.Duration // defaults to DefaultBackendTimeout
	Logger        *slog.Logger
}

// NewTicketCache creates a TicketCache.
func NewTicketCache(opts TicketCacheOpts) (*TicketCache, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("relay: ticket cache: store is required")
	}
	if opts.Backend == nil {
		return nil, fmt.Errorf("relay: ticket cache: backend is required")
	}
	domain := opts.ContactDomain
	if domain == "" {
		domain = "users.switchboard.invalid"
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultBackendTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &TicketCache{
		store:         opts.Store,
		backend:       opts.Backend,
		contactDomain: domain,
		timeout:       timeout,
		logger:        logger,
	}, nil
}

// ContactKey derives the requester address the backend knows a chat user by.
func (c *TicketCache) ContactKey(userID string) string {
	return ContactKey(userID, c.contactDomain)
}

// ContactKey synthesizes a stable contact address for a chat user.
func ContactKey(userID, domain string) string {
	return "chat-" + strings.ToLower(userID) + "@" + domain
}

// GetOpen returns the user's open ticket. A cached ticket is confirmed with
// a direct lookup and dropped when it was closed or deleted elsewhere; a
// miss searches the backend and backfills the cache on a hit.
func (c *TicketCache) GetOpen(ctx context.Context, userID string) (TicketRef, bool, error) {
	if ref, ok := c.store.TicketRef(userID); ok {
		gctx, cancel := context.WithTimeout(ctx, c.timeout)
		t, err := c.backend.Get(gctx, ref.TicketID)
		cancel()
		switch {
		case err == nil && t.Status == TicketOpen:
			return ref, true, nil
		case err == nil, errors.Is(err, ErrNotFound):
			c.store.DeleteTicketRef(userID)
			c.logger.Debug("relay: cached ticket no longer open", "user", userID, "ticket", ref.TicketID)
		default:
			return TicketRef{}, false, fmt.Errorf("relay: confirm ticket %s: %w", ref.TicketID, err)
		}
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	t, ok, err := c.backend.FindOpenByRequester(ctx, c.ContactKey(userID))
	if err != nil {
		return TicketRef{}, false, fmt.Errorf("relay: lookup open ticket: %w", err)
	}
	if !ok {
		return TicketRef{}, false, nil
	}
	ref := TicketRef{TicketID: t.ID, UpdatedAt: c.store.Now()}
	c.store.PutTicketRef(userID, ref)
	c.logger.Debug("relay: ticket cache backfilled", "user", userID, "ticket", t.ID)
	return ref, true, nil
}

// Put records a user's open ticket.
func (c *TicketCache) Put(userID, ticketID string) {
	c.store.PutTicketRef(userID, TicketRef{TicketID: ticketID, UpdatedAt: c.store.Now()})
}

// Clear forgets a user's open ticket, e.g. after it was closed.
func (c *TicketCache) Clear(userID string) {
	c.store.DeleteTicketRef(userID)
}
