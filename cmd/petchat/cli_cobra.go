package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Tyrowin/petchat/internal/ai"
	"github.com/Tyrowin/petchat/internal/relay"
	"github.com/Tyrowin/petchat/internal/server"
	"github.com/Tyrowin/petchat/internal/storage"
)

func executeCLI() error {
	return buildRootCommand().Execute()
}

func buildRootCommand() *cobra.Command {
	var showVersion bool

	root := &cobra.Command{
		Use:   "petchat",
		Short: "Peer-hosted chat server with AI conversation analysis",
		Long: strings.TrimSpace(`petchat hosts a small chat room over a framed TCP protocol and WebSocket.

Registered users exchange public and private messages; optional AI analysis
returns emotion scores, extracted memories and suggestions to the requester.`),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if showVersion {
				printVersion()
				return nil
			}
			_ = cmd.Help()
			return fmt.Errorf("a subcommand is required")
		},
	}
	root.CompletionOptions.DisableDefaultCmd = true
	root.Flags().BoolVarP(&showVersion, "version", "v", false, "Show build/version metadata")

	root.AddCommand(newServeCommand())
	root.AddCommand(newRelayCommand())
	root.AddCommand(newAICheckCommand())
	root.AddCommand(newVersionCommand())
	return root
}

func setupLogger(debug bool) *slog.Logger {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	return logger
}

// serveFlags override the environment configuration when set.
type serveFlags struct {
	listen    string
	httpAddr  string
	relayAddr string
	dbPath    string
	redisAddr string
	noHTTP    bool
	withRelay bool
	debug     bool
}

func (f serveFlags) apply(cmd *cobra.Command, cfg *server.Config) {
	if cmd.Flags().Changed("listen") {
		cfg.ListenAddr = f.listen
	}
	if cmd.Flags().Changed("http") {
		cfg.HTTPAddr = f.httpAddr
	}
	if cmd.Flags().Changed("relay-addr") {
		cfg.RelayAddr = f.relayAddr
	}
	if cmd.Flags().Changed("db") {
		cfg.DatabasePath = f.dbPath
	}
	if cmd.Flags().Changed("redis") {
		cfg.RedisAddr = f.redisAddr
	}
}

func newServeCommand() *cobra.Command {
	var flags serveFlags

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the chat server",
		Long:  "Start the framed TCP chat listener, the HTTP listener for WebSocket clients and admin endpoints, and optionally the relay.",
		Example: strings.Join([]string{
			"  petchat serve",
			"  petchat serve --listen :8888 --db ~/.petchat/petchat.db",
			"  PETCHAT_AI_API_KEY=sk-... petchat serve --debug",
		}, "\n"),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := setupLogger(flags.debug)
			cfg, err := server.LoadConfig()
			if err != nil {
				return err
			}
			flags.apply(cmd, &cfg)
			return runServe(cmd.Context(), cfg, flags, logger)
		},
	}

	cmd.Flags().StringVarP(&flags.listen, "listen", "l", ":8888", "TCP address for framed clients")
	cmd.Flags().StringVar(&flags.httpAddr, "http", "127.0.0.1:8080", "HTTP address for WebSocket and admin endpoints")
	cmd.Flags().StringVar(&flags.relayAddr, "relay-addr", ":9000", "Relay address when --relay is set")
	cmd.Flags().StringVar(&flags.dbPath, "db", "", "SQLite database path (empty disables persistence)")
	cmd.Flags().StringVar(&flags.redisAddr, "redis", "", "Redis address for the token usage mirror")
	cmd.Flags().BoolVar(&flags.noHTTP, "no-http", false, "Do not start the HTTP listener")
	cmd.Flags().BoolVar(&flags.withRelay, "relay", false, "Also run the relay in this process")
	cmd.Flags().BoolVarP(&flags.debug, "debug", "d", false, "Enable debug logging")
	return cmd
}

func runServe(parent context.Context, cfg server.Config, flags serveFlags, logger *slog.Logger) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts := []server.Option{server.WithLogger(logger)}

	if cfg.AI.Enabled() {
		client := ai.NewOpenAIClient(cfg.AI.APIKey, cfg.AI.APIBase, cfg.AI.Model, cfg.AI.Timeout)
		opts = append(opts, server.WithAnalyzer(client))
		logger.Info("AI analysis enabled", slog.String("model", client.Model()))
	} else {
		logger.Info("AI analysis disabled; set PETCHAT_AI_API_KEY to enable")
	}

	var store *storage.SQLiteStore
	if cfg.DatabasePath != "" {
		var err error
		store, err = storage.NewSQLiteStore(cfg.DatabasePath)
		if err != nil {
			return err
		}
		opts = append(opts, server.WithStore(store))
	}

	if cfg.RedisAddr != "" {
		dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		mirror, err := storage.DialRedisUsage(dialCtx, cfg.RedisAddr)
		cancel()
		if err != nil {
			if store != nil {
				_ = store.Close()
			}
			return err
		}
		defer mirror.Close()
		opts = append(opts, server.WithUsageMirror(mirror))
	}

	srv := server.New(cfg, opts...)
	logger.Info("Starting PetChat server", slog.Any("config", cfg))

	errc := make(chan error, 3)
	go func() { errc <- srv.ListenAndServe(ctx) }()
	if !flags.noHTTP {
		go func() { errc <- srv.ListenAndServeHTTP(ctx) }()
	}

	var rly *relay.Server
	if flags.withRelay {
		rly = relay.New(relay.Config{Addr: cfg.RelayAddr, MaxFrameSize: cfg.MaxMessageSize, WriteTimeout: cfg.WriteTimeout}, logger)
		go func() { errc <- rly.ListenAndServe(ctx) }()
	}

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("Shutdown signal received")
	case err := <-errc:
		if !isClosed(err) {
			runErr = err
		}
	}

	if rly != nil {
		if err := rly.Shutdown(cfg.ShutdownTimeout); err != nil {
			logger.Warn("Relay shutdown error", slog.Any("error", err))
		}
	}
	if err := srv.Shutdown(cfg.ShutdownTimeout); err != nil {
		logger.Warn("Server shutdown error", slog.Any("error", err))
		if runErr == nil && !errors.Is(err, context.DeadlineExceeded) {
			runErr = err
		}
	}
	return runErr
}

func isClosed(err error) bool {
	return err == nil ||
		errors.Is(err, server.ErrServerClosed) ||
		errors.Is(err, relay.ErrServerClosed) ||
		errors.Is(err, context.Canceled)
}

func newRelayCommand() *cobra.Command {
	var (
		addr  string
		debug bool
	)

	cmd := &cobra.Command{
		Use:     "relay",
		Short:   "Run only the room relay",
		Long:    "Pair a host and a guest per room and forward length-prefixed frames between them.",
		Example: "  petchat relay --addr :9000",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := setupLogger(debug)
			cfg, err := server.LoadConfig()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("addr") {
				cfg.RelayAddr = addr
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			rly := relay.New(relay.Config{Addr: cfg.RelayAddr, MaxFrameSize: cfg.MaxMessageSize, WriteTimeout: cfg.WriteTimeout}, logger)
			errc := make(chan error, 1)
			go func() { errc <- rly.ListenAndServe(ctx) }()

			select {
			case <-ctx.Done():
			case err := <-errc:
				if !isClosed(err) {
					return err
				}
			}
			return rly.Shutdown(cfg.ShutdownTimeout)
		},
	}

	cmd.Flags().StringVarP(&addr, "addr", "a", ":9000", "Relay listen address")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	return cmd
}

func newAICheckCommand() *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:     "ai-check",
		Short:   "Test the configured AI provider connection",
		Example: "  PETCHAT_AI_API_KEY=sk-... petchat ai-check",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := server.LoadConfig()
			if err != nil {
				return err
			}
			if !cfg.AI.Enabled() {
				return fmt.Errorf("AI provider not configured: set PETCHAT_AI_API_KEY or PETCHAT_AI_API_BASE")
			}

			client := ai.NewOpenAIClient(cfg.AI.APIKey, cfg.AI.APIBase, cfg.AI.Model, cfg.AI.Timeout)
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			status, err := client.Ping(ctx)
			if err != nil {
				return fmt.Errorf("AI connection failed: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), status)
			return nil
		},
	}

	cmd.Flags().DurationVarP(&timeout, "timeout", "t", 30*time.Second, "Overall timeout for the check")
	return cmd
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "version",
		Short:   "Show build/version metadata",
		Example: "  petchat version",
		RunE: func(cmd *cobra.Command, args []string) error {
			printVersion()
			return nil
		},
	}
}
