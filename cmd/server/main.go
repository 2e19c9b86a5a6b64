package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/Tyrowin/nexus-chat-server/internal/logging"
	"github.com/Tyrowin/nexus-chat-server/internal/server"
	"github.com/Tyrowin/nexus-chat-server/internal/store"
)

var (
	version = "dev"
	commit  = "unknown"
)

type rootFlags struct {
	configPath string
	port       string
	dbDriver   string
	dbDSN      string
	logLevel   string
}

func main() {
	_ = godotenv.Load(".env")

	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	flags := &rootFlags{}
	root := &cobra.Command{
		Use:           "nexus-chat-server",
		Short:         "Real-time direct and group chat delivery server",
		Version:       fmt.Sprintf("%s (commit: %s)", version, commit),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.CompletionOptions.DisableDefaultCmd = true

	pf := root.PersistentFlags()
	pf.StringVarP(&flags.configPath, "config", "c", os.Getenv("NEXUS_CONFIG"), "YAML config file path")
	pf.StringVar(&flags.port, "port", "", "listen address, overrides SERVER_PORT")
	pf.StringVar(&flags.dbDriver, "db-driver", "", "database driver: sqlite or postgres")
	pf.StringVar(&flags.dbDSN, "db-dsn", "", "database connection string")
	pf.StringVar(&flags.logLevel, "log-level", "", "log level: debug, info, warn or error")

	root.AddCommand(newServeCmd(flags), newMigrateCmd(flags))
	return root
}

func newServeCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the chat server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd, flags)
		},
	}
}

func newMigrateCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, closeLog, err := setup(cmd, flags)
			if err != nil {
				return err
			}
			defer func() { _ = closeLog() }()

			st, err := store.Open(cmd.Context(), cfg.Database)
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			if err := st.Migrate(cmd.Context()); err != nil {
				return err
			}
			logger.Info("schema migrated", slog.String("driver", cfg.Database.Driver))
			return nil
		},
	}
}

// setup loads configuration and applies the flags the user actually set.
func setup(cmd *cobra.Command, flags *rootFlags) (*server.Config, *slog.Logger, func() error, error) {
	cfg, err := server.LoadConfig(flags.configPath)
	if err != nil {
		return nil, nil, nil, err
	}

	changed := cmd.Flags().Changed
	if changed("port") {
		cfg.Port = flags.port
	}
	if changed("db-driver") {
		cfg.Database.Driver = flags.dbDriver
	}
	if changed("db-dsn") {
		cfg.Database.DSN = flags.dbDSN
	}
	if changed("log-level") {
		cfg.LogLevel = flags.logLevel
	}

	logger, closer, err := logging.New(cfg.LogLevel, cfg.LogSink)
	if err != nil {
		return nil, nil, nil, err
	}
	return cfg, logger, closer.Close, nil
}

func runServe(cmd *cobra.Command, flags *rootFlags) error {
	cfg, logger, closeLog, err := setup(cmd, flags)
	if err != nil {
		return err
	}
	defer func() { _ = closeLog() }()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()
	if err := st.Migrate(ctx); err != nil {
		return err
	}

	srv := server.New(*cfg, st, logger)
	active := srv.Config()
	logger.Info("starting nexus chat server",
		slog.String("version", version),
		slog.String("addr", active.Port),
		slog.String("db_driver", active.Database.Driver),
		slog.String("max_frame", humanize.IBytes(uint64(active.MaxMessageSize))),
		slog.Int("send_buffer", active.SendBuffer),
	)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	if err := srv.Shutdown(); err != nil {
		return err
	}
	return <-errCh
}
