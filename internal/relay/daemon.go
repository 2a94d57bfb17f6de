package relay

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"
)

// DefaultSweepSchedule runs the expiry sweep at the top of every hour.
const DefaultSweepSchedule = "0 * * * *"

// cronParser uses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// nextCronDuration parses a 5-field cron expression and returns the duration
// until the next fire time after now. Returns 0 on parse error.
func nextCronDuration(expr string, now time.Time) time.Duration {
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return 0
	}
	d := sched.Next(now).Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

// ValidateSchedule reports whether expr is a usable sweep schedule.
func ValidateSchedule(expr string) error {
	if _, err := cronParser.Parse(expr); err != nil {
		return fmt.Errorf("relay: sweep schedule %q: %w", expr, err)
	}
	return nil
}

// Daemon is the switchboard process. It restores the store, connects both
// chat platforms, pumps events through the Bot and runs the background
// loops until the context is cancelled.
type Daemon struct {
	store         *SessionStore
	chat          ChatFrontEnd
	team          TeamChannel
	bot           *Bot
	poller        *ReactionPoller
	flushInterval time.Duration
	sweepSchedule string
	out           io.Writer
	logger        *slog.Logger
}

// DaemonOpts holds parameters for creating a new Daemon.
type DaemonOpts struct {
	Store         *SessionStore
	Chat          ChatFrontEnd
	Team          TeamChannel
	Bot           *Bot
	Poller        *ReactionPoller
	FlushInterval time.Duration // defaults to DefaultFlushInterval
	SweepSchedule string        // defaults to DefaultSweepSchedule
	Out           io.Writer     // defaults to os.Stdout
	Logger        *slog.Logger
}

// NewDaemon creates a Daemon with the given options.
func NewDaemon(opts DaemonOpts) (*Daemon, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("relay: daemon: store is required")
	}
	if opts.Chat == nil {
		return nil, fmt.Errorf("relay: daemon: chat front-end is required")
	}
	if opts.Team == nil {
		return nil, fmt.Errorf("relay: daemon: team channel is required")
	}
	if opts.Bot == nil {
		return nil, fmt.Errorf("relay: daemon: bot is required")
	}
	if opts.Poller == nil {
		return nil, fmt.Errorf("relay: daemon: reaction poller is required")
	}
	schedule := opts.SweepSchedule
	if schedule == "" {
		schedule = DefaultSweepSchedule
	}
	if err := ValidateSchedule(schedule); err != nil {
		return nil, err
	}
	flush := opts.FlushInterval
	if flush <= 0 {
		flush = DefaultFlushInterval
	}
	out := opts.Out
	if out == nil {
		out = os.Stdout
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Daemon{
		store:         opts.Store,
		chat:          opts.Chat,
		team:          opts.Team,
		bot:           opts.Bot,
		poller:        opts.Poller,
		flushInterval: flush,
		sweepSchedule: schedule,
		out:           out,
		logger:        logger,
	}, nil
}

// Store returns the daemon's session store.
func (d *Daemon) Store() *SessionStore {
	return d.store
}

// Run restores persisted state, connects both adapters and blocks until ctx
// is cancelled or an event stream ends. On the way out it flushes the store
// once and closes the adapters.
func (d *Daemon) Run(ctx context.Context) error {
	if err := d.store.Restore(ctx); err != nil {
		return fmt.Errorf("relay: daemon: %w", err)
	}

	fmt.Fprintf(d.out, "Switchboard connecting...\n")
	if err := d.chat.Connect(ctx); err != nil {
		return fmt.Errorf("relay: daemon: connect chat: %w", err)
	}
	if err := d.team.Connect(ctx); err != nil {
		d.closeAdapters()
		return fmt.Errorf("relay: daemon: connect team channel: %w", err)
	}
	events, err := d.chat.Listen(ctx)
	if err != nil {
		d.closeAdapters()
		return fmt.Errorf("relay: daemon: listen chat: %w", err)
	}
	acks, err := d.team.Listen(ctx)
	if err != nil {
		d.closeAdapters()
		return fmt.Errorf("relay: daemon: listen team channel: %w", err)
	}

	sessions, pending := d.store.Counts()
	fmt.Fprintf(d.out, "Switchboard online (%d sessions, %d pending acknowledgments)\n", sessions, pending)
	d.notice(ctx, "Switchboard online",
		fmt.Sprintf("Relaying forwarded messages. %d acknowledgments pending.", pending))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		d.store.RunFlusher(gctx, d.flushInterval)
		return nil
	})
	g.Go(func() error {
		d.poller.Run(gctx)
		return nil
	})
	g.Go(func() error {
		d.runSweeper(gctx)
		return nil
	})
	g.Go(func() error {
		return d.pumpAcks(gctx, acks)
	})
	g.Go(func() error {
		return d.pumpEvents(gctx, events)
	})
	runErr := g.Wait()

	fmt.Fprintf(d.out, "Switchboard shutting down...\n")
	d.shutdown()
	fmt.Fprintf(d.out, "Switchboard stopped\n")
	return runErr
}

// pumpEvents handles each inbound event on its own goroutine and waits for
// in-flight handlers before returning.
func (d *Daemon) pumpEvents(ctx context.Context, events <-chan Event) error {
	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return fmt.Errorf("relay: chat event stream closed")
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				d.bot.HandleEvent(ctx, ev)
			}()
		}
	}
}

func (d *Daemon) pumpAcks(ctx context.Context, acks <-chan AckSignal) error {
	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		select {
		case <-ctx.Done():
			return nil
		case sig, ok := <-acks:
			if !ok {
				return fmt.Errorf("relay: team channel stream closed")
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				d.bot.HandleAck(ctx, sig)
			}()
		}
	}
}

// runSweeper expires sessions and acknowledgments on the sweep schedule and
// persists right after, so removed entries do not come back after a crash.
func (d *Daemon) runSweeper(ctx context.Context) {
	timer := time.NewTimer(nextCronDuration(d.sweepSchedule, time.Now()))
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			removed := d.store.Sweep(d.store.Now())
			if removed > 0 {
				d.logger.Info("relay: expired entries swept", "removed", removed)
			}
			if err := d.store.Persist(ctx); err != nil {
				d.logger.Warn("relay: flush after sweep failed", "error", err)
			}
			next := nextCronDuration(d.sweepSchedule, time.Now())
			if next <= 0 {
				next = time.Hour
			}
			timer.Reset(next)
		}
	}
}

// notice posts an informational message to the team channel.
func (d *Daemon) notice(ctx context.Context, title, body string) {
	nctx, cancel := context.WithTimeout(ctx, DefaultBackendTimeout)
	defer cancel()
	if _, err := d.team.Post(nctx, TeamPost{Title: title, Body: body}); err != nil {
		d.logger.Warn("relay: post notice", "title", title, "error", err)
	}
}

// shutdown flushes the store once and closes both adapters. It runs after
// the run context is gone, so it uses its own.
func (d *Daemon) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), DefaultBackendTimeout)
	defer cancel()
	d.notice(ctx, "Switchboard offline", "Acknowledgments are paused until restart.")
	if err := d.store.Persist(ctx); err != nil {
		d.logger.Error("relay: final flush failed", "error", err)
	}
	d.closeAdapters()
}

func (d *Daemon) closeAdapters() {
	if err := d.chat.Close(); err != nil {
		d.logger.Warn("relay: close chat", "error", err)
	}
	if err := d.team.Close(); err != nil {
		d.logger.Warn("relay: close team channel", "error", err)
	}
}
