package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/voicehub/internal/adapters/directory"
	router "github.com/dkeye/voicehub/internal/adapters/http"
	signaling "github.com/dkeye/voicehub/internal/adapters/signal"
	"github.com/dkeye/voicehub/internal/app"
	"github.com/dkeye/voicehub/internal/app/orch"
	"github.com/dkeye/voicehub/internal/app/sfu"
	"github.com/dkeye/voicehub/internal/config"
	"github.com/dkeye/voicehub/internal/metrics"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Initialize zerolog global logger early so config.Load can use it.
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if cfg.Mode != "release" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
	if lvl, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(lvl)
	}

	engine, err := sfu.NewEngine(sfu.Config{
		ICEServers:    cfg.Relay.ICEServers,
		NAT1To1IPs:    cfg.Relay.NAT1To1IPs,
		UDPPortMin:    cfg.Relay.UDPPortMin,
		UDPPortMax:    cfg.Relay.UDPPortMax,
		GatherTimeout: cfg.Relay.GatherTimeout,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to start media relay")
	}
	defer engine.Close()

	dir, err := directory.NewStatic(cfg.Directory)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load channel directory")
	}

	reg := app.NewRegistry()
	bus := app.NewBus()
	o := orch.New(ctx, orch.Deps{
		Registry: reg,
		Presence: app.NewPresence(),
		Sessions: app.NewSessionTable(),
		Owners:   app.NewOwnershipIndex(),
		Pending:  app.NewPendingTable(),
		Gate:     app.NewPermissionGate(dir),
		Outbox:   app.NewOutbox(reg, app.SimplePolicy{}),
		Bus:      bus,
		Relay:    engine,
		Channels: dir,
	}, orch.Options{
		NegotiationTimeout:  cfg.Voice.NegotiationTimeout,
		RecoveryDelay:       cfg.Voice.RecoveryDelay,
		MaxRecoveryAttempts: cfg.Voice.MaxRecoveryAttempts,
	})
	defer o.Close()

	var collector *metrics.Collector
	if cfg.Metrics.Enabled {
		collector = metrics.New(reg.Count)
		collector.Subscribe(bus)
		collector.WatchRelay(engine.Stats)
	}

	ctl := signaling.NewSignalWSController(o,
		signaling.NewRoomRateLimiter(cfg.RateLimit.Joins, cfg.RateLimit.Interval),
		signaling.Options{
			ReadLimit:  cfg.ReadLimit,
			PingPeriod: cfg.PingPeriod,
			SendBuffer: cfg.SendBuffer,
		})

	r := router.SetupRouter(ctx, cfg, o, ctl, dir, collector)
	addr := fmt.Sprintf(":%d", cfg.Port)

	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	go func() {
		log.Info().Str("addr", addr).Msg("Voice server started")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("server error")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}
	log.Info().Msg("Server exited gracefully")
}
