package server

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/paularlott/cli"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/martinsuchenak/protosync/internal/api"
	"github.com/martinsuchenak/protosync/internal/config"
	"github.com/martinsuchenak/protosync/internal/inherit"
	"github.com/martinsuchenak/protosync/internal/log"
	"github.com/martinsuchenak/protosync/internal/mcp"
	"github.com/martinsuchenak/protosync/internal/prototype"
	"github.com/martinsuchenak/protosync/internal/storage"
	"github.com/martinsuchenak/protosync/internal/worker"
)

const shutdownTimeout = 10 * time.Second

// ServerConfig holds configuration for running the server
type ServerConfig struct {
	Config     *config.Config
	MCPServer  *mcp.Server
	APIHandler *api.Handler
	Scheduler  *worker.Scheduler // nil when the periodic resync is off
}

// RunServer starts the protosync server with the given configuration
func RunServer(ctx context.Context, cfg *ServerConfig) error {
	mux := http.NewServeMux()
	cfg.APIHandler.RegisterRoutes(mux)
	mux.HandleFunc("/mcp", cfg.MCPServer.HandleRequest)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	var handler http.Handler = mux
	handler = api.AuthMiddleware(cfg.Config.APIToken, handler)
	handler = api.SecurityHeadersMiddleware(handler)
	handler = api.LoggingMiddleware(handler)

	server := &http.Server{
		Addr:              cfg.Config.ListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	if cfg.Scheduler != nil {
		cfg.Scheduler.Start()
		defer cfg.Scheduler.Stop()
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		<-ctx.Done()
		log.Info("Shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Warn("Graceful shutdown failed", "error", err)
			server.Close()
		}
	}()

	log.Info("Starting protosync server", "addr", cfg.Config.ListenAddr)
	log.Info("API available", "url", "http://localhost"+cfg.Config.ListenAddr+"/api/")
	log.Info("MCP available", "url", "http://localhost"+cfg.Config.ListenAddr+"/mcp")
	if cfg.Config.APIToken != "" {
		log.Info("API authentication enabled")
	}
	cfg.MCPServer.LogStartup()

	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Error("Server error", "error", err)
		return err
	}

	log.Info("Server stopped")
	return nil
}

// Command returns the server command
func Command() *cli.Command {
	return &cli.Command{
		Name:        "server",
		Usage:       "Start the protosync server",
		Description: "Start the HTTP API and MCP endpoints and the periodic template resync",
		Flags:       config.GetFlags(),
		Run: func(ctx context.Context, cmd *cli.Command) error {
			cfg := config.FromCommand(cmd)
			if err := cfg.Validate(); err != nil {
				return err
			}
			log.Info("Configuration loaded", "source", cfg.String(), "data_dir", cfg.DataDir, "driver", cfg.DBDriver, "listen_addr", cfg.ListenAddr)

			store, err := storage.NewStorage(ctx, cfg.DBDriver, cfg.DataDir, cfg.DatabaseURL)
			if err != nil {
				log.Error("Failed to initialize storage", "error", err)
				return err
			}
			defer store.Close()
			log.Info("Storage initialized", "driver", cfg.DBDriver)

			engine := inherit.NewEngine(store, inherit.Options{MaxDepth: cfg.MaxDepth})
			service := prototype.NewService(store, engine)

			var scheduler *worker.Scheduler
			if cfg.SchedulerEnabled() {
				scheduler, err = worker.NewScheduler(engine, cfg.SyncSchedule)
				if err != nil {
					return err
				}
			} else {
				log.Info("Periodic resync disabled")
			}

			return RunServer(ctx, &ServerConfig{
				Config:     cfg,
				MCPServer:  mcp.NewServer(store, service, cfg.MCPToken),
				APIHandler: api.NewHandler(store, service, scheduler),
				Scheduler:  scheduler,
			})
		},
	}
}
