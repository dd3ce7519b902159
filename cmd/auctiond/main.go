package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/bideasy/auctiond/internal/auction"
	"github.com/bideasy/auctiond/internal/config"
	"github.com/bideasy/auctiond/internal/hub"
	"github.com/bideasy/auctiond/internal/pool"
	"github.com/bideasy/auctiond/internal/sched"
	"github.com/bideasy/auctiond/internal/server"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Warn().Err(err).Msg("could not load .env file")
	}

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if os.Getenv("AUCTIOND_DEBUG") != "" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	configPath := flag.String("config", os.Getenv("AUCTIOND_CONFIG"), "path to YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())

	clock := clockwork.NewRealClock()
	broadcastHub := hub.New()
	scheduler := sched.New(clock)
	workerPool := pool.New(cfg.Pool, pool.NewMetrics(registry))

	var notifier auction.Notifier
	var udp *server.UDPNotifier
	if cfg.UDPAddr != "" {
		udp, err = server.NewUDPNotifier(cfg.UDPAddr)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to start udp notifier")
		}
		udp.Start(ctx)
		notifier = udp
	}

	coordinator := auction.NewCoordinator(clock, scheduler, broadcastHub, notifier)
	handler := server.NewHandler(coordinator, broadcastHub)

	var bridge *server.NATSBridge
	if cfg.NATSURL != "" {
		bridge, err = server.NewNATSBridge(cfg.NATSURL, coordinator)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect NATS bridge")
		}
		broadcastHub.Register(bridge)
	}

	tcpServer := server.NewTCPServer(cfg.TCPAddr, cfg.MaxConns, workerPool, handler)
	if err := tcpServer.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to start tcp server")
	}

	httpServer := server.NewHTTPServer(cfg.HTTPAddr, server.DefaultWSConfig(), workerPool, handler, registry)
	if err := httpServer.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to start http server")
	}

	log.Info().
		Str("tcp", cfg.TCPAddr).
		Str("http", cfg.HTTPAddr).
		Str("udp", cfg.UDPAddr).
		Str("nats", cfg.NATSURL).
		Msg("auctiond started")

	<-ctx.Done()
	log.Info().Msg("shutting down")

	tcpServer.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer cancel()

	if err := httpServer.Stop(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("http server shutdown")
	}
	if err := workerPool.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("worker pool shutdown")
	}
	scheduler.Shutdown()
	if bridge != nil {
		broadcastHub.Unregister(bridge)
		bridge.Close()
	}
	if udp != nil {
		udp.Close()
	}

	log.Info().Msg("shutdown complete")
}
