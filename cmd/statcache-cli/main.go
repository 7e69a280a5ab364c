// statcache-cli is the read-only operational surface for a statcache
// database: inspect statistics, run a one-shot expiry sweep, or compact the
// file. It never talks to the upstream service.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/teamfinder/statcache/cache"
	"github.com/teamfinder/statcache/config"
	"github.com/teamfinder/statcache/logger"
)

var dbPath string

func openStore(ctx context.Context) (cache.Store, error) {
	cfg := config.Default()
	cfg.FromEnv()
	if dbPath != "" {
		cfg.Cache.Path = dbPath
	}
	log := logger.NewConsoleLogger(logger.LevelWarn)
	return cache.NewSQLite(ctx, cfg.Cache, log)
}

var rootCmd = &cobra.Command{
	Use:   "statcache-cli",
	Short: "Inspect and maintain a statcache database",
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show entry counts and recent daily statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		store, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer store.Close()

		count, err := store.EntryCount(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("entries: %d\n", count)

		days, err := store.RecentStats(ctx, 7)
		if err != nil {
			return err
		}
		if len(days) == 0 {
			fmt.Println("no daily statistics recorded yet")
			return nil
		}
		fmt.Printf("%-12s %8s %8s %8s %8s %8s %12s\n",
			"date", "hits", "misses", "size", "cleaned", "warmed", "avg ms")
		for _, d := range days {
			fmt.Printf("%-12s %8d %8d %8d %8d %8d %12.2f\n",
				d.Date, d.Hits, d.Misses, d.Size, d.CleanupCount, d.WarmingCount, d.AvgResponseMs)
		}
		return nil
	},
}

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Delete expired entries",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		store, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer store.Close()

		removed, err := store.CleanupExpired(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("removed %d expired entries\n", removed)
		return nil
	},
}

var vacuumCmd = &cobra.Command{
	Use:   "vacuum",
	Short: "Compact the database file",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		store, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer store.Close()
		return store.Vacuum(ctx)
	},
}

func main() {
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "path to the cache database (defaults to config)")
	rootCmd.AddCommand(statsCmd, cleanupCmd, vacuumCmd)
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
