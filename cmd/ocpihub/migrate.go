package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"ocpihub.org/internal/migrate"
	"ocpihub.org/internal/store/pg"
)

func migrateCommand() *cobra.Command {
	var (
		dsn     string
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:       "migrate up|down|status|pending",
		Short:     "Apply or inspect the PostgreSQL schema",
		Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{"up", "down", "status", "pending"},
		RunE: func(cmd *cobra.Command, args []string) error {
			if dsn == "" {
				dsn = cfg.DatabaseURL
			}
			if dsn == "" {
				return errors.New("missing DSN: provide --dsn or OCPIHUB_DATABASE_URL")
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			db, err := pg.Open(dsn)
			if err != nil {
				return fmt.Errorf("open db: %w", err)
			}
			defer db.Close()

			mgr := migrate.NewManager(db, pg.Migrations())
			out := cmd.OutOrStdout()
			var names []string
			switch args[0] {
			case "up":
				names, err = mgr.Up(ctx)
			case "down":
				var name string
				name, err = mgr.Down(ctx)
				if name != "" {
					names = []string{name}
				}
			case "status":
				names, err = mgr.Status(ctx)
			case "pending":
				names, err = mgr.Pending(ctx)
			}
			if errors.Is(err, migrate.ErrNothingApplied) {
				fmt.Fprintln(out, "nothing to roll back")
				return nil
			}
			if err != nil {
				return fmt.Errorf("migrate %s: %w", args[0], err)
			}
			for _, n := range names {
				fmt.Fprintln(out, n)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&dsn, "dsn", "", "PostgreSQL DSN (defaults to the configured database URL)")
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "overall timeout")
	return cmd
}
