package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"codecollab/internal/config"
	"codecollab/internal/db"
	"codecollab/internal/repository"

	"github.com/spf13/cobra"
)

var locksCmd = &cobra.Command{
	Use:   "locks",
	Short: "Inspect and maintain persisted file locks",
}

var locksListCmd = &cobra.Command{
	Use:   "list",
	Short: "List locks that have not expired",
	RunE: func(cmd *cobra.Command, args []string) error {
		repo, closeDB, err := openFileRepository()
		if err != nil {
			return err
		}
		defer closeDB()

		locks, err := repo.ActiveLocks(cmd.Context(), time.Now())
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "FILE\tOWNER\tEXPIRES")
		for _, lock := range locks {
			fmt.Fprintf(w, "%s\t%s\t%s\n", lock.FileID, lock.Owner, lock.ExpiresAt.Format(time.RFC3339))
		}
		return w.Flush()
	},
}

var locksSweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Clear locks whose expiry has passed",
	RunE: func(cmd *cobra.Command, args []string) error {
		repo, closeDB, err := openFileRepository()
		if err != nil {
			return err
		}
		defer closeDB()

		cleared, err := repo.ClearExpiredLocks(cmd.Context(), time.Now())
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "✓ Cleared %d expired lock(s)\n", cleared)
		return nil
	},
}

func init() {
	locksCmd.AddCommand(locksListCmd, locksSweepCmd)
}

func openFileRepository() (*repository.FileRepositoryImpl, func(), error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, nil, err
	}
	database, err := db.NewGorm(cfg)
	if err != nil {
		return nil, nil, err
	}
	return repository.NewFileRepository(database.DB), func() { database.Close() }, nil
}
