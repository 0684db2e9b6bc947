package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/printdeck/printdeck/internal/backend"
	"github.com/printdeck/printdeck/internal/cache"
	"github.com/printdeck/printdeck/internal/database"
	internalhttp "github.com/printdeck/printdeck/internal/http"
	"github.com/printdeck/printdeck/internal/http/handlers"
	"github.com/printdeck/printdeck/internal/prefs"
	"github.com/printdeck/printdeck/internal/statesync"
	"github.com/printdeck/printdeck/internal/stream"
	"github.com/printdeck/printdeck/internal/version"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the printdeck gateway",
	Long: `Start the printdeck HTTP server and state sync channel.

The server provides:
- REST API for cached printer state and camera viewer sessions
- Server-Sent Events stream of state changes at /api/v1/events
- Health check endpoints
- OpenAPI documentation at /docs`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String("host", "", "Host to bind to")
	serveCmd.Flags().Int("port", 0, "Port to listen on")
	serveCmd.Flags().String("backend-url", "", "Printer fleet backend base URL")
	serveCmd.Flags().String("database", "", "Database DSN (file path for sqlite)")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	flags := cmd.Flags()
	if flags.Changed("host") {
		cfg.Server.Host = mustGetString(flags, "host")
	}
	if flags.Changed("port") {
		cfg.Server.Port, _ = flags.GetInt("port")
	}
	if flags.Changed("backend-url") {
		cfg.Backend.URL = mustGetString(flags, "backend-url")
	}
	if flags.Changed("database") {
		cfg.Database.DSN = mustGetString(flags, "database")
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("validating config: %w", err)
	}

	logger := initLogging(cfg)

	db, err := database.New(cfg.Database, logger)
	if err != nil {
		return fmt.Errorf("initializing database: %w", err)
	}
	defer db.Close()

	if err := db.Migrate(); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	prefsStore := prefs.NewStore(db)

	// Shared state cache. wifi_signal is sticky: the backend reports it
	// intermittently and an explicit null must not wipe the last reading.
	store := cache.New(logger, "wifi_signal")

	backendClient := backend.New(cfg.Backend, logger)

	wsURL, err := cfg.Backend.WebSocketURL()
	if err != nil {
		return fmt.Errorf("deriving sync endpoint: %w", err)
	}
	syncChannel := statesync.New(wsURL, cfg.Sync, store, logger)

	streamManager := stream.NewManager(cfg.Stream, backendClient, prefsStore, logger)

	server := internalhttp.NewServer(cfg.Server, logger, version.Version)

	healthHandler := handlers.NewHealthHandler(version.Version).
		WithDB(db).
		WithSyncChannel(syncChannel).
		WithStreamManager(streamManager).
		WithCircuitState(func() string { return backendClient.CircuitState().String() })
	healthHandler.Register(server.API())

	stateHandler := handlers.NewStateHandler(store)
	stateHandler.Register(server.API())

	viewerHandler := handlers.NewViewerHandler(streamManager, prefsStore)
	viewerHandler.Register(server.API())
	viewerHandler.RegisterRaw(server.Router())

	eventsHandler := handlers.NewEventsHandler(store, syncChannel, logger)
	eventsHandler.Register(server.Router())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// The first dial failure is not fatal: the channel keeps reconnecting
	// on its fixed delay until the backend comes up.
	if err := syncChannel.Connect(ctx); err != nil {
		logger.Warn("initial sync connect failed, reconnect scheduled",
			slog.String("error", err.Error()))
	}

	logger.Info("starting printdeck server",
		slog.String("host", cfg.Server.Host),
		slog.Int("port", cfg.Server.Port),
		slog.String("backend", cfg.Backend.URL),
		slog.String("version", version.Version),
	)

	serverErr := server.ListenAndServe(ctx)

	logger.Info("shutting down")
	streamManager.Shutdown()

	// Shutdown just queued a capture-stop per released session; hold the
	// process open until they are delivered (bounded by their own timeout).
	drainCtx, cancelDrain := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	if err := backendClient.WaitStops(drainCtx); err != nil {
		logger.Warn("capture stops not fully drained", slog.String("error", err.Error()))
	}
	cancelDrain()

	if err := syncChannel.Close(); err != nil {
		logger.Warn("closing sync channel", slog.String("error", err.Error()))
	}

	return serverErr
}
