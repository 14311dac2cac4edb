package main

import (
	"context"
	"fmt"
	"time"

	"sheetagent/internal/memory"
	"sheetagent/internal/session"

	"github.com/spf13/cobra"
)

func sessionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List or prune stored sessions",
	}

	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List the most recently used sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, closeFn, err := openSessions()
			if err != nil {
				return err
			}
			defer closeFn()

			recs, err := mgr.List(context.Background(), limit)
			if err != nil {
				return err
			}
			if len(recs) == 0 {
				fmt.Println("no sessions")
				return nil
			}
			for _, r := range recs {
				fmt.Printf("%-36s  %-30s  last used %s\n", r.ID, r.OriginalName, r.UpdatedAt.Local().Format(time.DateTime))
			}
			return nil
		},
	}
	list.Flags().IntVarP(&limit, "limit", "n", 20, "maximum sessions to show")

	var olderThan time.Duration
	prune := &cobra.Command{
		Use:   "prune",
		Short: "Delete sessions idle for longer than --older-than, with their files",
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, closeFn, err := openSessions()
			if err != nil {
				return err
			}
			defer closeFn()

			n, err := mgr.Expire(context.Background(), time.Now().UTC().Add(-olderThan))
			if err != nil {
				return err
			}
			fmt.Printf("pruned %d session(s)\n", n)
			return nil
		},
	}
	prune.Flags().DurationVar(&olderThan, "older-than", 24*time.Hour, "idle time after which a session is pruned")

	cmd.AddCommand(list, prune)
	return cmd
}

// openSessions opens the store without an LLM provider; listing and pruning
// never call the model.
func openSessions() (*session.Manager, func(), error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	store, err := memory.NewSQLiteStore(cfg.Storage.DBPath, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("open store: %w", err)
	}
	mgr := session.NewManager(session.ManagerConfig{
		Store:  store,
		Layout: cfg,
		Logger: logger,
	})
	return mgr, func() { store.Close() }, nil
}
