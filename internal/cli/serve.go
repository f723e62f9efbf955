package cli

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"preflight/internal/core/services"
	httphandlers "preflight/internal/handlers/http"
	"preflight/internal/infrastructure/middleware"
	wssignal "preflight/internal/infrastructure/signal"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the diagnostic over HTTP and WebSocket",
	Long: `Start the HTTP API and the WebSocket snapshot feed. Clients start runs, answer
the speaker prompt and watch progress; finished reports are archived in the
configured report store.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		startTime := time.Now()

		cfg, used, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		if addr, _ := cmd.Flags().GetString("addr"); addr != "" {
			cfg.Server.Address = addr
		}

		a, err := newApp(cfg)
		if err != nil {
			return err
		}
		defer a.Close()
		log := a.log

		if used != "" {
			log.Infow("loaded config", "path", used)
		}

		healthCtx, stopHealth := context.WithCancel(context.Background())
		defer stopHealth()
		a.health.StartBackgroundChecks(healthCtx)

		wsOpts := wssignal.DefaultOptions()
		wsOpts.PingInterval = cfg.Signal.PingInterval
		wsOpts.PongTimeout = cfg.Signal.PongTimeout
		wsOpts.WriteTimeout = cfg.Signal.WriteTimeout
		wsOpts.MaxMessageSize = cfg.Signal.MaxMessageSizeBytes
		wsOpts.AllowedOrigins = cfg.Auth.AllowedOrigins
		if limiter := middleware.NewConnectionLimiter(cfg); limiter != nil {
			wsOpts.Gate = limiter
		}
		if a.auth != nil {
			wsOpts.Authorize = func(ctx context.Context) error {
				claims, err := services.ClaimsFromContext(ctx)
				if err == nil {
					err = a.auth.CheckScope(claims, services.ScopeOperator)
				}
				if err != nil {
					return middleware.CommandError(err).WithContext("required_scope", string(services.ScopeOperator))
				}
				return nil
			}
		}
		wsServer := wssignal.NewWebSocketServer(a.sequencer, wsOpts, log.Named("ws"))

		if cfg.Logging.Level != "debug" {
			gin.SetMode(gin.ReleaseMode)
		}
		var gatherer prometheus.Gatherer
		if a.registry != nil {
			gatherer = a.registry
		}
		router := httphandlers.NewRouter(httphandlers.RouterDeps{
			Config:      cfg,
			Controller:  a.sequencer,
			Reports:     a.reports,
			AuthService: a.auth,
			Health:      a.health,
			Gatherer:    gatherer,
			WebSocket:   http.HandlerFunc(wsServer.HandleWebSocket),
			Logger:      a.zap,
			StartedAt:   startTime,
		})

		// Create HTTP server with timeouts
		srv := &http.Server{
			Addr:         cfg.Server.Address,
			Handler:      router,
			ReadTimeout:  cfg.Server.ReadTimeout,
			WriteTimeout: cfg.Server.WriteTimeout,
		}

		serverErr := make(chan error, 1)
		go func() {
			log.Infof("Starting preflight server on %s", cfg.Server.Address)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				serverErr <- err
			}
		}()

		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(sigChan)

		select {
		case err := <-serverErr:
			return err
		case sig := <-sigChan:
			log.Infow("Received shutdown signal", "signal", sig)
		}

		log.Info("Shutting down preflight server...")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer shutdownCancel()

		wsServer.CloseAll()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Errorw("Error during server shutdown", "error", err)
			if closeErr := srv.Close(); closeErr != nil {
				log.Errorw("Error force closing server", "error", closeErr)
			}
		} else {
			log.Info("Server shutdown gracefully")
		}
		return nil
	},
}

func init() {
	serveCmd.Flags().String("addr", "", "Listen address, overrides server.address")
}
