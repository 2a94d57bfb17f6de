// Package github implements the relay Ticketing backend on GitHub Issues.
// A ticket is an issue in one repository. The requester is recorded as a
// contact line in the issue body, priority and tags as labels.
package github

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	gh "github.com/google/go-github/v68/github"
	"github.com/zulandar/switchboard/internal/relay"
	"golang.org/x/oauth2"
)

const (
	// contactPrefix starts the body line that identifies the requester.
	contactPrefix = "contact: "
	// priorityPrefix starts the label carrying a ticket's priority.
	priorityPrefix = "priority:"
	// listLimit bounds ListByRequester.
	listLimit = 20
)

// issuesService is the subset of the GitHub Issues API we use.
type issuesService interface {
	Create(ctx context.Context, owner, repo string, issue *gh.IssueRequest) (*gh.Issue, *gh.Response, error)
	Edit(ctx context.Context, owner, repo string, number int, issue *gh.IssueRequest) (*gh.Issue, *gh.Response, error)
	Get(ctx context.Context, owner, repo string, number int) (*gh.Issue, *gh.Response, error)
	CreateComment(ctx context.Context, owner, repo string, number int, comment *gh.IssueComment) (*gh.IssueComment, *gh.Response, error)
}

// searchService is the subset of the GitHub Search API we use.
type searchService interface {
	Issues(ctx context.Context, query string, opts *gh.SearchOptions) (*gh.IssuesSearchResult, *gh.Response, error)
}

// Backend implements relay.Ticketing.
type Backend struct {
	issues issuesService
	search searchService
	owner  string
	repo   string
	labels []string
	logger *slog.Logger
}

// BackendOpts holds parameters for creating a Backend.
type BackendOpts struct {
	Token   string
	Owner   string
	Repo    string
	BaseURL string   // GitHub Enterprise API root; empty for github.com
	Labels  []string // added to every new ticket
	Logger  *slog.Logger
	// For testing: inject services instead of a real client.
	Issues issuesService
	Search searchService
}

// New creates a Backend. Without injected services it builds an
// authenticated go-github client.
func New(ctx context.Context, opts BackendOpts) (*Backend, error) {
	if opts.Owner == "" || opts.Repo == "" {
		return nil, fmt.Errorf("github: owner and repo are required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	b := &Backend{
		issues: opts.Issues,
		search: opts.Search,
		owner:  opts.Owner,
		repo:   opts.Repo,
		labels: opts.Labels,
		logger: logger,
	}
	if b.issues != nil && b.search != nil {
		return b, nil
	}

	if opts.Token == "" {
		return nil, fmt.Errorf("github: token is required")
	}
	httpClient := oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: opts.Token}))
	client := gh.NewClient(httpClient)
	if opts.BaseURL != "" {
		var err error
		client, err = client.WithEnterpriseURLs(opts.BaseURL, opts.BaseURL)
		if err != nil {
			return nil, fmt.Errorf("github: enterprise url: %w", err)
		}
	}
	if b.issues == nil {
		b.issues = client.Issues
	}
	if b.search == nil {
		b.search = client.Search
	}
	return b, nil
}

// Create opens an issue for a new ticket.
func (b *Backend) Create(ctx context.Context, t relay.NewTicket) (relay.Ticket, error) {
	labels := append([]string{}, b.labels...)
	if t.Priority != "" {
		labels = append(labels, priorityPrefix+string(t.Priority))
	}
	labels = append(labels, t.Tags...)

	req := &gh.IssueRequest{
		Title:  gh.Ptr(t.Subject),
		Body:   gh.Ptr(issueBody(t)),
		Labels: &labels,
	}
	issue, resp, err := b.issues.Create(ctx, b.owner, b.repo, req)
	if err != nil {
		return relay.Ticket{}, wrap("create issue", resp, err)
	}
	b.logger.Debug("github: created issue", "number", issue.GetNumber(), "priority", t.Priority)
	return toTicket(issue), nil
}

// Comment appends a requester update to a ticket.
func (b *Backend) Comment(ctx context.Context, ticketID, author, body string) error {
	n, err := number(ticketID)
	if err != nil {
		return err
	}
	text := fmt.Sprintf("**%s** wrote:\n\n%s", author, body)
	_, resp, err := b.issues.CreateComment(ctx, b.owner, b.repo, n, &gh.IssueComment{Body: gh.Ptr(text)})
	if err != nil {
		return wrap("comment on issue "+ticketID, resp, err)
	}
	return nil
}

// Get fetches a ticket by issue number.
func (b *Backend) Get(ctx context.Context, ticketID string) (relay.Ticket, error) {
	n, err := number(ticketID)
	if err != nil {
		return relay.Ticket{}, err
	}
	issue, resp, err := b.issues.Get(ctx, b.owner, b.repo, n)
	if err != nil {
		return relay.Ticket{}, wrap("get issue "+ticketID, resp, err)
	}
	if issue.IsPullRequest() {
		return relay.Ticket{}, fmt.Errorf("github: %s is a pull request: %w", ticketID, relay.ErrNotFound)
	}
	return toTicket(issue), nil
}

// FindOpenByRequester returns the requester's most recently updated open
// ticket.
func (b *Backend) FindOpenByRequester(ctx context.Context, contactKey string) (relay.Ticket, bool, error) {
	issues, err := b.searchRequester(ctx, contactKey, true, 5)
	if err != nil {
		return relay.Ticket{}, false, err
	}
	if len(issues) == 0 {
		return relay.Ticket{}, false, nil
	}
	return toTicket(issues[0]), true, nil
}

// ListByRequester returns the requester's open and solved tickets, most
// recently updated first.
func (b *Backend) ListByRequester(ctx context.Context, contactKey string) ([]relay.Ticket, error) {
	issues, err := b.searchRequester(ctx, contactKey, false, listLimit)
	if err != nil {
		return nil, err
	}
	out := make([]relay.Ticket, 0, len(issues))
	for _, issue := range issues {
		out = append(out, toTicket(issue))
	}
	return out, nil
}

// SetStatus closes (solved) or reopens a ticket.
func (b *Backend) SetStatus(ctx context.Context, ticketID string, status relay.TicketStatus) error {
	n, err := number(ticketID)
	if err != nil {
		return err
	}
	req := &gh.IssueRequest{}
	switch status {
	case relay.TicketSolved:
		req.State = gh.Ptr("closed")
		req.StateReason = gh.Ptr("completed")
	case relay.TicketOpen:
		req.State = gh.Ptr("open")
		req.StateReason = gh.Ptr("reopened")
	default:
		return fmt.Errorf("github: unsupported status %q", status)
	}
	_, resp, err := b.issues.Edit(ctx, b.owner, b.repo, n, req)
	if err != nil {
		return wrap("set status of issue "+ticketID, resp, err)
	}
	return nil
}

// searchRequester runs an issue search for a contact line and keeps only
// exact matches, since search is tokenized.
func (b *Backend) searchRequester(ctx context.Context, contactKey string, openOnly bool, limit int) ([]*gh.Issue, error) {
	query := requesterQuery(b.owner, b.repo, contactKey, openOnly)
	opts := &gh.SearchOptions{
		Sort:        "updated",
		Order:       "desc",
		ListOptions: gh.ListOptions{PerPage: limit},
	}
	result, resp, err := b.search.Issues(ctx, query, opts)
	if err != nil {
		return nil, wrap("search issues", resp, err)
	}

	var out []*gh.Issue
	for _, issue := range result.Issues {
		if issue.IsPullRequest() || contactOf(issue.GetBody()) != contactKey {
			continue
		}
		out = append(out, issue)
	}
	return out, nil
}

func requesterQuery(owner, repo, contactKey string, openOnly bool) string {
	q := fmt.Sprintf("repo:%s/%s is:issue in:body %q", owner, repo, contactPrefix+contactKey)
	if openOnly {
		q += " is:open"
	}
	return q
}

// issueBody renders the description followed by the requester footer.
func issueBody(t relay.NewTicket) string {
	var sb strings.Builder
	sb.WriteString(t.Body)
	sb.WriteString("\n\n---\n")
	if t.RequesterName != "" {
		fmt.Fprintf(&sb, "requester: %s\n", t.RequesterName)
	}
	sb.WriteString(contactPrefix + t.RequesterKey + "\n")
	return sb.String()
}

// contactOf extracts the contact key from an issue body.
func contactOf(body string) string {
	for _, line := range strings.Split(body, "\n") {
		line = strings.TrimSpace(line)
		if rest, ok := strings.CutPrefix(line, contactPrefix); ok {
			return strings.TrimSpace(rest)
		}
	}
	return ""
}

func toTicket(issue *gh.Issue) relay.Ticket {
	t := relay.Ticket{
		ID:        strconv.Itoa(issue.GetNumber()),
		Subject:   issue.GetTitle(),
		Status:    relay.TicketOpen,
		Priority:  relay.PriorityNormal,
		URL:       issue.GetHTMLURL(),
		UpdatedAt: issue.GetUpdatedAt().Time,
	}
	if issue.GetState() == "closed" {
		t.Status = relay.TicketSolved
	}
	for _, l := range issue.Labels {
		if p, ok := strings.CutPrefix(l.GetName(), priorityPrefix); ok {
			t.Priority = relay.Priority(p)
		}
	}
	return t
}

func number(ticketID string) (int, error) {
	n, err := strconv.Atoi(ticketID)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("github: ticket id %q: %w", ticketID, relay.ErrNotFound)
	}
	return n, nil
}

// wrap prefixes an API error and maps 404 and 410 to relay.ErrNotFound.
func wrap(op string, resp *gh.Response, err error) error {
	if resp != nil && (resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone) {
		return fmt.Errorf("github: %s: %w", op, errors.Join(relay.ErrNotFound, err))
	}
	return fmt.Errorf("github: %s: %w", op, err)
}

var _ relay.Ticketing = (*Backend)(nil)
