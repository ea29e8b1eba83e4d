package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/maxpert/mvccoord/admin"
	"github.com/maxpert/mvccoord/cfg"
	"github.com/maxpert/mvccoord/cluster"
	"github.com/maxpert/mvccoord/coordinator"
	"github.com/maxpert/mvccoord/mvcc"
	"github.com/maxpert/mvccoord/protocol"
	"github.com/maxpert/mvccoord/telemetry"
	"github.com/maxpert/mvccoord/transport"

	_ "github.com/maxpert/mvccoord/grpc"
	_ "github.com/maxpert/mvccoord/transport/bus"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	flag.Parse()

	// Load configuration
	err := cfg.Load(*cfg.ConfigPathFlag)
	if err != nil {
		panic(err)
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		panic(fmt.Sprintf("Invalid configuration: %v", err))
	}

	// Setup logging
	var writer io.Writer = zerolog.NewConsoleWriter()
	if cfg.Config.Logging.Format == "json" {
		writer = os.Stdout
	}
	gLog := zerolog.New(writer).
		With().
		Timestamp().
		Uint64("node_id", cfg.Config.NodeID).
		Logger()

	if cfg.Config.Logging.Verbose {
		log.Logger = gLog.Level(zerolog.DebugLevel)
	} else {
		log.Logger = gLog.Level(zerolog.InfoLevel)
	}

	log.Info().Msg("mvccoord - MVCC version coordinator")
	log.Debug().Msg("Initializing telemetry")
	telemetry.InitializeTelemetry()
	telemetry.InitMetrics()

	protocol.SetCompressThreshold(cfg.Config.Transport.CompressThreshold)

	local := cluster.Member{
		ID:      mvcc.NodeID(cfg.Config.NodeID),
		Address: cfg.Config.Cluster.GRPCAdvertiseAddress,
		Role:    cluster.Role(cfg.Config.Role),
	}
	registry := cluster.NewRegistry(local)

	// Phase 1: transport and coordinator service
	mux := http.NewServeMux()
	tr, err := transport.New(string(cfg.Config.Transport.Kind), transport.Options{
		LocalID:  local.ID,
		Resolver: memberAddress(registry),
		Config:   cfg.Config,
		HTTP:     mux,
	})
	if err != nil {
		log.Fatal().Err(err).Str("transport", string(cfg.Config.Transport.Kind)).Msg("Failed to create transport")
		return
	}

	svc, err := coordinator.New(registry, tr, coordinator.ConfigFrom(cfg.Config))
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create coordinator service")
		return
	}
	if err := svc.Start(); err != nil {
		log.Fatal().Err(err).Msg("Failed to start coordinator service")
		return
	}
	defer svc.Close()

	// Phase 2: membership discovery
	var gossip cluster.GossipProtocol
	if cfg.Config.Gossip.Enabled {
		log.Info().Strs("seeds", cfg.Config.Cluster.SeedNodes).Msg("Starting gossip protocol")
		g, err := cluster.NewGossip(cluster.GossipConfig{
			BindAddress:   cfg.Config.Gossip.BindAddress,
			BindPort:      cfg.Config.Gossip.BindPort,
			SeedNodes:     cfg.Config.Cluster.SeedNodes,
			ProbeInterval: time.Duration(cfg.Config.Gossip.ProbeIntervalMS) * time.Millisecond,
		}, registry, local)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to start gossip")
			return
		}
		defer g.Shutdown()
		gossip = g
	} else {
		log.Info().Msg("Gossip disabled, running with static single-node membership")
	}

	// Phase 3: operator surfaces
	if cfg.Config.Admin.Enabled {
		handlers := admin.NewAdminHandlers(
			svc,
			cluster.NewClusterManager(registry, gossip, local.ID),
			cfg.Config.Tracker.AllowRemap,
			cfg.Config.Cluster.ClusterSecret,
		)
		admin.RegisterRoutes(mux, handlers)
	}
	if h := telemetry.GetMetricsHandler(); h != nil {
		mux.Handle("/metrics", h)
	}

	if cfg.Config.Transport.Kind != cfg.TransportGRPC {
		httpServer := startHTTP(mux)
		defer shutdownHTTP(httpServer)
	}

	collector := telemetry.NewMetricsCollector(svc, time.Duration(cfg.Config.Coordinator.StatsIntervalSeconds)*time.Second)
	collector.Start()
	defer collector.Stop()

	log.Info().
		Uint64("node_id", cfg.Config.NodeID).
		Str("role", string(cfg.Config.Role)).
		Str("transport", string(cfg.Config.Transport.Kind)).
		Int("port", cfg.Config.Cluster.GRPCPort).
		Msg("Node is operational")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh

	log.Info().Str("signal", sig.String()).Msg("Shutting down")
	svc.DumpStatistics()
}

// memberAddress resolves peers to the transport address they advertise in
// membership.
func memberAddress(registry *cluster.Registry) transport.ResolverFunc {
	return func(id mvcc.NodeID) (string, bool) {
		m, ok := registry.Current().Member(id)
		if !ok || m.Address == "" {
			return "", false
		}
		return m.Address, true
	}
}

// startHTTP serves mux when the transport does not own a listener.
func startHTTP(mux *http.ServeMux) *http.Server {
	addr := net.JoinHostPort(cfg.Config.Cluster.GRPCBindAddress, strconv.Itoa(cfg.Config.Cluster.GRPCPort))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		log.Info().Str("address", addr).Msg("HTTP server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("HTTP server failed")
		}
	}()
	return srv
}

func shutdownHTTP(srv *http.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("HTTP server shutdown")
	}
}
