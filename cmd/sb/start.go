package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/zulandar/switchboard/internal/config"
	"github.com/zulandar/switchboard/internal/relay"
	"github.com/zulandar/switchboard/internal/relay/discord"
	"github.com/zulandar/switchboard/internal/relay/slack"
	"github.com/zulandar/switchboard/internal/server"
	"github.com/zulandar/switchboard/internal/ticketing/github"
	"golang.org/x/sync/errgroup"
)

func newStartCmd() *cobra.Command {
	var (
		configPath string
		logLevel   string
	)

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start the Switchboard daemon",
		Long:  "Connects to Discord and Slack, restores persisted sessions and relays forwarded messages until interrupted.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStart(cmd, configPath, logLevel)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Switchboard config file")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	return cmd
}

func runStart(cmd *cobra.Command, configPath, logLevel string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger, err := newLogger(cmd.ErrOrStderr(), logLevel)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, closeStorage, err := openStorage(cfg.Storage)
	if err != nil {
		return err
	}
	defer closeStorage()

	knowledge, closeKB, err := openKnowledgeBase(cfg.KnowledgeBase)
	if err != nil {
		return err
	}
	defer closeKB()

	backend, err := github.New(ctx, github.BackendOpts{
		Token:   cfg.GitHub.Token,
		Owner:   cfg.GitHub.Owner,
		Repo:    cfg.GitHub.Repo,
		BaseURL: cfg.GitHub.BaseURL,
		Labels:  cfg.GitHub.Labels,
		Logger:  logger,
	})
	if err != nil {
		return err
	}
	team, err := slack.New(slack.AdapterOpts{
		BotToken:      cfg.Slack.BotToken,
		AppToken:      cfg.Slack.AppToken,
		SigningSecret: cfg.Slack.SigningSecret,
		ChannelID:     cfg.Slack.Channel,
		Logger:        logger,
	})
	if err != nil {
		return err
	}
	chat, err := discord.New(discord.AdapterOpts{
		BotToken: cfg.Discord.BotToken,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	daemon, err := buildDaemon(cfg, st, chat, team, backend, knowledge, cmd.OutOrStdout(), logger)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return daemon.Run(gctx)
	})
	if cfg.HTTP.Listen != "" {
		g.Go(func() error {
			return server.Start(gctx, server.StartOpts{
				Addr:         cfg.HTTP.Listen,
				Store:        daemon.Store(),
				Interactions: team.HandleInteraction,
				Out:          cmd.OutOrStdout(),
			})
		})
	}
	return g.Wait()
}

// buildDaemon wires the relay components around the given adapters.
func buildDaemon(cfg *config.Config, st relay.Storage, chat relay.ChatFrontEnd, team relay.TeamChannel,
	backend relay.Ticketing, knowledge relay.KnowledgeBase, out io.Writer, logger *slog.Logger) (*relay.Daemon, error) {
	timeout := cfg.Intervals.BackendTimeout()

	store, err := relay.NewSessionStore(relay.SessionStoreOpts{Storage: st, Logger: logger})
	if err != nil {
		return nil, err
	}
	roles := relay.NewRoles(cfg.Discord.TeamMembers)
	relayer, err := relay.NewRelayer(relay.RelayerOpts{
		Store:   store,
		Chat:    chat,
		Team:    team,
		Timeout: timeout,
		Logger:  logger,
	})
	if err != nil {
		return nil, err
	}
	tickets, err := relay.NewTicketCache(relay.TicketCacheOpts{
		Store:         store,
		Backend:       backend,
		ContactDomain: cfg.ContactDomain,
		Timeout:       timeout,
		Logger:        logger,
	})
	if err != nil {
		return nil, err
	}
	machine, err := relay.NewMachine(relay.MachineOpts{
		Store:         store,
		Roles:         roles,
		Tickets:       tickets,
		Backend:       backend,
		KnowledgeBase: knowledge,
		Relayer:       relayer,
		Timeout:       timeout,
		Logger:        logger,
	})
	if err != nil {
		return nil, err
	}
	bot, err := relay.NewBot(relay.BotOpts{
		Store:   store,
		Machine: machine,
		Chat:    chat,
		Roles:   roles,
		Timeout: timeout,
		Logger:  logger,
	})
	if err != nil {
		return nil, err
	}
	poller, err := relay.NewReactionPoller(relay.ReactionPollerOpts{
		Store:    store,
		Team:     team,
		Relayer:  relayer,
		Interval: cfg.Intervals.ReactionPollInterval(),
		Timeout:  timeout,
		Logger:   logger,
	})
	if err != nil {
		return nil, err
	}
	return relay.NewDaemon(relay.DaemonOpts{
		Store:         store,
		Chat:          chat,
		Team:          team,
		Bot:           bot,
		Poller:        poller,
		FlushInterval: cfg.Intervals.FlushInterval(),
		SweepSchedule: cfg.Intervals.SweepCron,
		Out:           out,
		Logger:        logger,
	})
}
