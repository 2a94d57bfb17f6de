package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/zulandar/switchboard/internal/config"
	"github.com/zulandar/switchboard/internal/db"
	"github.com/zulandar/switchboard/internal/kb"
)

func newKBCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "kb",
		Short: "Knowledge base management commands",
	}

	cmd.AddCommand(newKBImportCmd())
	cmd.AddCommand(newKBSearchCmd())
	return cmd
}

func newKBImportCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "import <file>",
		Short: "Import knowledge base articles from YAML",
		Long:  "Creates or updates the categories in the file. Articles of each imported category are replaced; other categories are left alone.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runKBImport(cmd, configPath, args[0])
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Switchboard config file")
	return cmd
}

func newKBSearchCmd() *cobra.Command {
	var (
		configPath string
		limit      int
	)

	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Search knowledge base articles",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runKBSearch(cmd, configPath, strings.Join(args, " "), limit)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Switchboard config file")
	cmd.Flags().IntVarP(&limit, "limit", "n", 10, "maximum number of results")
	return cmd
}

func runKBImport(cmd *cobra.Command, configPath, file string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	gormDB, err := openKnowledgeDB(cfg.KnowledgeBase)
	if err != nil {
		return err
	}
	defer db.Close(gormDB)

	res, err := kb.ImportFile(commandContext(cmd), gormDB, file)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Imported %d categories, %d articles from %s\n", res.Categories, res.Articles, file)
	return nil
}

func runKBSearch(cmd *cobra.Command, configPath, query string, limit int) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	gormDB, err := openKnowledgeDB(cfg.KnowledgeBase)
	if err != nil {
		return err
	}
	defer db.Close(gormDB)

	store, err := kb.NewStore(gormDB)
	if err != nil {
		return err
	}
	articles, err := store.Search(commandContext(cmd), query, limit)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if len(articles) == 0 {
		fmt.Fprintf(out, "No articles match %q\n", query)
		return nil
	}
	for _, a := range articles {
		fmt.Fprintf(out, "%4d  %s\n", a.ID, a.Title)
	}
	return nil
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
