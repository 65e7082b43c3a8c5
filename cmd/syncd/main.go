// syncd is the event-sync service daemon and its operator CLI.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	serverrun "github.com/livestorejs/syncd/internal/cmd/server"
	"github.com/livestorejs/syncd/internal/config"
	httpserver "github.com/livestorejs/syncd/internal/server/http"
	"github.com/livestorejs/syncd/internal/sync"
	logpkg "github.com/livestorejs/syncd/pkg/log"
)

var (
	flagConfig    string
	flagLogLevel  string
	flagLogFormat string

	flagServerURL   string
	flagStoreID     string
	flagAdminSecret string
)

func main() {
	// A local .env is a convenience for development; absence is fine.
	_ = godotenv.Load()

	root := &cobra.Command{
		Use:           "syncd",
		Short:         "Event synchronization backend for local-first stores",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flagConfig, "config", "", "path to JSON config file")
	root.PersistentFlags().StringVar(&flagLogLevel, "log-level", "info", "log level (debug|info|warn|error)")
	root.PersistentFlags().StringVar(&flagLogFormat, "log-format", "text", "log format (text|json)")

	root.AddCommand(serverCmd())
	root.AddCommand(adminCmd())
	root.AddCommand(pushCmd())
	root.AddCommand(pullCmd())
	root.AddCommand(pingCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newLogger() (logpkg.Logger, error) {
	return logpkg.ApplyConfig(&logpkg.Config{Level: flagLogLevel, Format: flagLogFormat})
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func serverCmd() *cobra.Command {
	var flagDataDir string
	cmd := &cobra.Command{
		Use:   "server",
		Short: "Run the sync service",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := newLogger()
			if err != nil {
				return err
			}
			logpkg.RedirectStdLog(logger)

			cfg, err := config.Load(flagConfig)
			if err != nil {
				return err
			}
			if flagDataDir != "" {
				cfg.DataDir = flagDataDir
			}
			ctx, cancel := signalContext()
			defer cancel()
			return serverrun.Run(ctx, cfg, logger)
		},
	}
	cmd.Flags().StringVar(&flagDataDir, "data-dir", "", "storage directory (overrides config)")
	return cmd
}

func clientFlags(cmd *cobra.Command) {
	cmd.PersistentFlags().StringVar(&flagServerURL, "server", "http://127.0.0.1:8787", "base URL of the HTTP adapter")
	cmd.PersistentFlags().StringVar(&flagStoreID, "store", "", "store id")
}

func client() *httpserver.Client {
	return &httpserver.Client{BaseURL: flagServerURL, AdminSecret: flagAdminSecret}
}

func requireStore() error {
	if flagStoreID == "" {
		return fmt.Errorf("--store is required")
	}
	return nil
}

func adminCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "admin",
		Short: "Administrative operations",
	}
	clientFlags(cmd)
	cmd.PersistentFlags().StringVar(&flagAdminSecret, "secret", os.Getenv("SYNCD_ADMIN_SECRET"), "admin secret")

	cmd.AddCommand(&cobra.Command{
		Use:   "reset",
		Short: "Delete every event in a store",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireStore(); err != nil {
				return err
			}
			ctx, cancel := signalContext()
			defer cancel()
			if err := client().AdminReset(ctx, flagStoreID); err != nil {
				return err
			}
			fmt.Println("store reset")
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "info",
		Short: "Show backend identity and log statistics for a store",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireStore(); err != nil {
				return err
			}
			ctx, cancel := signalContext()
			defer cancel()
			info, err := client().AdminInfo(ctx, flagStoreID)
			if err != nil {
				return err
			}
			out, _ := json.MarshalIndent(info, "", "  ")
			fmt.Println(string(out))
			return nil
		},
	})
	return cmd
}

func pushCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "push [file]",
		Short: "Push a batch of events from a JSON file or stdin",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireStore(); err != nil {
				return err
			}
			var data []byte
			var err error
			if len(args) == 1 {
				data, err = os.ReadFile(args[0])
			} else {
				data, err = io.ReadAll(os.Stdin)
			}
			if err != nil {
				return err
			}
			var batch []sync.Event
			if err := json.Unmarshal(data, &batch); err != nil {
				return fmt.Errorf("parse batch: %w", err)
			}
			ctx, cancel := signalContext()
			defer cancel()
			if err := client().Push(ctx, flagStoreID, batch); err != nil {
				return err
			}
			fmt.Printf("pushed %d events\n", len(batch))
			return nil
		},
	}
	clientFlags(cmd)
	return cmd
}

func pullCmd() *cobra.Command {
	var flagCursor uint64
	var flagFilter string
	cmd := &cobra.Command{
		Use:   "pull",
		Short: "Pull events after a cursor and print them as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireStore(); err != nil {
				return err
			}
			ctx, cancel := signalContext()
			defer cancel()
			req := sync.PullRequest{Filter: flagFilter}
			if cmd.Flags().Changed("cursor") {
				cursor := flagCursor
				req.Cursor = &cursor
			}
			events, err := client().Pull(ctx, flagStoreID, req)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(os.Stdout)
			for _, ev := range events {
				if err := enc.Encode(ev); err != nil {
					return err
				}
			}
			return nil
		},
	}
	clientFlags(cmd)
	cmd.Flags().Uint64Var(&flagCursor, "cursor", 0, "pull events after this sequence number")
	cmd.Flags().StringVar(&flagFilter, "filter", "", "CEL filter expression")
	return cmd
}

func pingCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ping",
		Short: "Check the service answers",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()
			if err := client().Ping(ctx); err != nil {
				return err
			}
			fmt.Println("pong")
			return nil
		},
	}
	clientFlags(cmd)
	return cmd
}
