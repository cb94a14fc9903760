package main

import (
	"log"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

/*
LEARNING: GRACEFUL SHUTDOWN PATTERN WITH OBSERVABILITY

`serve` demonstrates:
1. Service initialization and dependency injection
2. Concurrent server, coordinator loop and worker pool management
3. Distributed tracing with Jaeger
4. Graceful shutdown handling (listening for SIGINT/SIGTERM)
5. Proper resource cleanup order

`locks` holds maintenance commands that talk to the database directly.
*/

var configFile string

var rootCmd = &cobra.Command{
	Use:   "codecollab",
	Short: "Real-time collaboration coordinator",
	Long: `codecollab relays presence, cursors, soft file locks, typing
indicators and chat between editors connected over WebSocket.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file (default is ./collab.yaml)")
	rootCmd.AddCommand(serveCmd, locksCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Printf("❌ %v", err)
		os.Exit(1)
	}
}

func newLogger(debug bool) *slog.Logger {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
