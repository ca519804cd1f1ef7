package app

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"soundgate/internal/api"
	"soundgate/internal/broadcast"
	"soundgate/internal/config"
	"soundgate/internal/coordinator"
	"soundgate/internal/database"
	"soundgate/internal/gateway"
	"soundgate/internal/metrics"
	"soundgate/internal/router"
	"soundgate/internal/upstream"
)

// Application assembles and owns every component of the gateway process.
type Application struct {
	config      *config.Config
	archive     *database.Manager
	registry    *gateway.Registry
	coordinator *coordinator.Coordinator
	httpServer  *http.Server

	reaperCancel context.CancelFunc
}

func NewApplication(cfg *config.Config) (*Application, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	m := metrics.New()

	archive, err := database.NewManager(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("initialize archive: %w", err)
	}

	registry := gateway.NewRegistry(m)
	dispatcher := broadcast.NewDispatcher(registry, m)

	coord := coordinator.New(dispatcher, archive, coordinator.Options{
		GatewayURL:   cfg.PublicURL,
		SessionTTL:   cfg.Session.TTL,
		ReapInterval: cfg.Session.ReapInterval,
	}, m)

	forwarder := upstream.NewClient(cfg.Backends.RequestTimeout)
	eventRouter := router.NewRouter()

	wsHandler := gateway.NewHandler(registry, eventRouter, coord, forwarder, gateway.Options{
		RatePerSecond:   cfg.RateLimit.MessagesPerSecond,
		Burst:           cfg.RateLimit.Burst,
		MaxMessageBytes: cfg.WebSocket.MaxMessageBytes,
		Backends: map[router.Destination]string{
			router.DestLobby:       cfg.Backends.LobbyURL,
			router.DestMeasurement: cfg.Backends.MeasurementURL,
			router.DestSimulation:  cfg.Backends.SimulationURL,
		},
	}, m)

	apiServer := api.NewServer(coord, registry, dispatcher, archive, m, cfg.InternalAuthToken)

	mux := http.NewServeMux()
	mux.Handle("/", apiServer)
	mux.HandleFunc("/ws", wsHandler.HandleWebSocket)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.HTTP.Host, cfg.HTTP.Port),
		Handler:      mux,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}

	return &Application{
		config:      cfg,
		archive:     archive,
		registry:    registry,
		coordinator: coord,
		httpServer:  httpServer,
	}, nil
}

// Start launches the session reaper and the HTTP server.
func (app *Application) Start(ctx context.Context) error {
	log.Printf("app: starting soundgate on %s", app.httpServer.Addr)

	reaperCtx, cancel := context.WithCancel(context.Background())
	app.reaperCancel = cancel
	go app.coordinator.Run(reaperCtx)

	serverErrCh := make(chan error, 1)
	go func() {
		if err := app.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErrCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	select {
	case err := <-serverErrCh:
		cancel()
		return err
	case <-time.After(100 * time.Millisecond):
		log.Printf("app: soundgate started")
		return nil
	case <-ctx.Done():
		cancel()
		return ctx.Err()
	}
}

// Stop shuts components down in reverse dependency order: HTTP server,
// reaper, archive.
func (app *Application) Stop(ctx context.Context) error {
	log.Printf("app: shutting down")

	if err := app.httpServer.Shutdown(ctx); err != nil {
		log.Printf("app: http shutdown error: %v", err)
	}
	if app.reaperCancel != nil {
		app.reaperCancel()
	}
	if err := app.archive.Close(); err != nil {
		log.Printf("app: archive shutdown error: %v", err)
	}

	log.Printf("app: shutdown complete")
	return nil
}

// Addr returns the address the HTTP server listens on.
func (app *Application) Addr() string {
	return app.httpServer.Addr
}
