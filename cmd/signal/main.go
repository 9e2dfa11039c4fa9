// Command signal runs the WebSocket signaling and relay server.
//
// All server state is memory-only: rooms, occupancy counters, and the
// admission map are rebuilt from nothing on every process start.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/moli-green/signal/internal/admission"
	"github.com/moli-green/signal/internal/config"
	"github.com/moli-green/signal/internal/room"
	"github.com/moli-green/signal/internal/server"
	"github.com/moli-green/signal/internal/turncred"
)

func main() {
	if err := godotenv.Load(); err != nil {
		// Not fatal: production deployments set real environment variables.
	}

	log, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal("startup misconfiguration", zap.Error(err))
	}

	log.Info("starting signal server",
		zap.String("bind_addr", cfg.BindAddr),
		zap.String("allowed_origin", cfg.AllowedOrigin),
		zap.String("turn_secret", cfg.RedactedSecret()),
	)

	ctrl := admission.NewController(cfg.AllowedOrigin)
	rooms := room.NewRegistry()
	issuer := turncred.NewIssuer(cfg.TURNSecret)
	srv := server.New(ctrl, rooms, issuer, cfg.ClientDir, log)

	httpServer := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: srv.Handler(),
	}

	go func() {
		log.Info("listening", zap.String("addr", cfg.BindAddr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("server error", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		log.Error("forced shutdown", zap.Error(err))
	}

	log.Info("server exiting")
}
