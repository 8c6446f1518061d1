package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/nainya/chatrelay/internal/config"
	"github.com/nainya/chatrelay/internal/logger"
	"github.com/nainya/chatrelay/internal/metrics"
	"github.com/nainya/chatrelay/internal/relay"
	"github.com/nainya/chatrelay/internal/server"
	"github.com/nainya/chatrelay/internal/web"
)

const shutdownTimeout = 10 * time.Second

var (
	serveNode       string
	servePeerListen string
	serveHTTPListen string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run a relay node",
	Long: `Run a relay node.

Settings come from the YAML file given with --config, then CHATRELAY_*
environment variables (a .env file is honored), then the flags below.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveNode, "node", "", "Local node id")
	serveCmd.Flags().StringVar(&servePeerListen, "peer-listen", "", "Address for the inter-node gRPC listener")
	serveCmd.Flags().StringVar(&serveHTTPListen, "http-listen", "", "Address for the local UI server")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("node") {
		cfg.Node = serveNode
	}
	if cmd.Flags().Changed("peer-listen") {
		cfg.Peer.Listen = servePeerListen
	}
	if cmd.Flags().Changed("http-listen") {
		cfg.HTTP.Listen = serveHTTPListen
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	log := logger.NewLogger(logger.Config{
		Level:  cfg.Log.Level,
		Pretty: cfg.Log.Pretty,
		Node:   cfg.Node,
	})
	log.LogServerStart(cfg.Node, cfg.Peer.Listen, cfg.HTTP.Listen)

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.NewMetrics(reg)

	ctx := cmd.Context()

	client := server.NewClient(cfg.Node, cfg.Peer.Peers)
	defer client.Close()

	hub := web.NewHub()
	rl := relay.New(relay.Config{
		Node:      cfg.Node,
		Forwarder: client,
		Pusher:    hub,
		Policy: relay.Policy{
			ForwardTimeout:     cfg.Peer.ForwardTimeout,
			AsyncForward:       cfg.Policy.AsyncForward,
			AckBeforeAppend:    cfg.Policy.AckBeforeAppend,
			EchoWebSocketSends: cfg.Policy.EchoWebSocketSends,
			EchoHTTPSends:      cfg.Policy.EchoHTTPSends,
		},
		QueueSize: cfg.QueueSize,
		Logger:    log,
		Metrics:   m,
	})

	peerLis, err := net.Listen("tcp", cfg.Peer.Listen)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", cfg.Peer.Listen, err)
	}
	grpcServer := grpc.NewServer(grpc.UnaryInterceptor(server.PeerMetricsInterceptor(m, log.PeerLogger())))
	server.RegisterRelayServiceServer(grpcServer, server.NewServer(rl))

	httpServer := &http.Server{
		Addr: cfg.HTTP.Listen,
		Handler: web.NewHandler(rl, hub, web.Options{
			Path:          cfg.HTTP.Path,
			WebSocketPath: cfg.HTTP.WebSocketPath,
			DropMalformed: cfg.HTTP.DropMalformed,
			PingPeriod:    cfg.HTTP.PingPeriod,
		}, log.WebLogger(), m),
		ReadHeaderTimeout: 10 * time.Second,
	}

	var obs *server.ObservabilityServer
	if cfg.Observability.Listen != "" {
		obs = server.NewObservabilityServer(cfg.Observability.Listen, reg, rl.Running, log)
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		m.RunUptime(gctx)
		return nil
	})
	g.Go(func() error {
		return rl.Run(gctx)
	})
	g.Go(func() error {
		if err := grpcServer.Serve(peerLis); err != nil {
			return fmt.Errorf("peer server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("ui server failed: %w", err)
		}
		return nil
	})
	if obs != nil {
		g.Go(obs.Start)
	}

	g.Go(func() error {
		<-gctx.Done()
		log.LogServerShutdown()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		grpcServer.GracefulStop()
		errs := []error{httpServer.Shutdown(shutdownCtx)}
		if obs != nil {
			errs = append(errs, obs.Shutdown(shutdownCtx))
		}
		return errors.Join(errs...)
	})

	log.LogServerReady()
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
