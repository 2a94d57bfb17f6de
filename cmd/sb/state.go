package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"
	"github.com/zulandar/switchboard/internal/config"
	"github.com/zulandar/switchboard/internal/relay"
)

func newStateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "state",
		Short: "Inspect and maintain persisted relay state",
	}

	cmd.AddCommand(newStateShowCmd())
	cmd.AddCommand(newStateSweepCmd())
	return cmd
}

func newStateShowCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show persisted sessions and pending acknowledgments",
		Long:  "Loads the last snapshot and prints live session and pending acknowledgment counts. Expired entries are not counted.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStateShow(cmd, configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Switchboard config file")
	return cmd
}

func newStateSweepCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Drop expired entries from the persisted snapshot",
		Long:  "Loads the snapshot, removes expired sessions and acknowledgments, and writes it back. Do not run while the daemon is up.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStateSweep(cmd, configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Switchboard config file")
	return cmd
}

func runStateShow(cmd *cobra.Command, configPath string) error {
	store, closeStorage, err := restoreStore(commandContext(cmd), configPath, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer closeStorage()

	out := cmd.OutOrStdout()
	sessions, acks := store.Counts()
	fmt.Fprintf(out, "Sessions: %d\n", sessions)
	fmt.Fprintf(out, "Pending acknowledgments: %d\n", acks)
	for _, id := range store.PendingAckIDs() {
		pa, ok := store.Ack(id)
		if !ok {
			continue
		}
		fmt.Fprintf(out, "  %s  from %s  since %s\n", id, pa.OriginChatID, pa.CreatedAt.Format("2006-01-02 15:04"))
	}
	return nil
}

func runStateSweep(cmd *cobra.Command, configPath string) error {
	ctx := commandContext(cmd)
	store, closeStorage, err := restoreStore(ctx, configPath, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer closeStorage()

	removed := store.Sweep(store.Now())
	if err := store.Persist(ctx); err != nil {
		return fmt.Errorf("persist: %w", err)
	}
	sessions, acks := store.Counts()
	fmt.Fprintf(cmd.OutOrStdout(), "Removed %d expired entries (%d sessions, %d pending acknowledgments remain)\n", removed, sessions, acks)
	return nil
}

// restoreStore opens the configured storage and loads the last snapshot.
func restoreStore(ctx context.Context, configPath string, logOut io.Writer) (*relay.SessionStore, func(), error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	st, closeStorage, err := openStorage(cfg.Storage)
	if err != nil {
		return nil, nil, err
	}
	logger := slog.New(slog.NewTextHandler(logOut, &slog.HandlerOptions{Level: slog.LevelWarn}))
	store, err := relay.NewSessionStore(relay.SessionStoreOpts{Storage: st, Logger: logger})
	if err != nil {
		closeStorage()
		return nil, nil, err
	}
	if err := store.Restore(ctx); err != nil {
		closeStorage()
		return nil, nil, err
	}
	return store, closeStorage, nil
}
