// ABOUTME: Daemon wires configuration into a running cluster with its status servers
// ABOUTME: Owns the broker, cache, store and metrics backends and their shutdown order

package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"runtime"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"tailscale.com/tsnet"

	"github.com/2389/shardgate/internal/api"
	"github.com/2389/shardgate/internal/broker"
	"github.com/2389/shardgate/internal/cache"
	"github.com/2389/shardgate/internal/cluster"
	"github.com/2389/shardgate/internal/codec"
	"github.com/2389/shardgate/internal/config"
	"github.com/2389/shardgate/internal/metrics"
	"github.com/2389/shardgate/internal/protocol"
	"github.com/2389/shardgate/internal/shard"
	"github.com/2389/shardgate/internal/store"
)

const defaultHealthInterval = time.Second

// Daemon runs one cluster behind HTTP and gRPC status servers.
type Daemon struct {
	config  *config.Config
	cluster *cluster.Cluster
	hub     *broker.Hub
	pub     broker.Publisher
	cache   cache.GuildCache
	store   store.Store
	logger  *slog.Logger

	// instanceID identifies this process in /shards output
	instanceID string

	registry    *prometheus.Registry
	grpcServer  *grpc.Server
	health      *health.Server
	httpServer  *http.Server
	tsnetServer *tsnet.Server

	healthInterval time.Duration
}

// Option overrides a collaborator the daemon would otherwise build from config.
type Option func(*options)

type options struct {
	dialer shard.Dialer
	api    cluster.GatewayFetcher
}

// WithDialer replaces the websocket dialer.
func WithDialer(d shard.Dialer) Option {
	return func(o *options) { o.dialer = d }
}

// WithGatewayFetcher replaces the REST client used for gateway info.
func WithGatewayFetcher(f cluster.GatewayFetcher) Option {
	return func(o *options) { o.api = f }
}

// New builds every backend named in cfg and the cluster on top of them.
// Nothing connects to the gateway until Run.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts ...Option) (*Daemon, error) {
	if logger == nil {
		logger = slog.Default()
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.api == nil {
		o.api = api.NewClient(cfg.Gateway.APIURL, cfg.Gateway.Token, nil)
	}

	d := &Daemon{
		config:         cfg,
		hub:            broker.NewHub(logger),
		logger:         logger.With("component", "daemon"),
		instanceID:     uuid.New().String(),
		healthInterval: defaultHealthInterval,
	}

	if err := d.initBackends(ctx, logger); err != nil {
		d.closeBackends()
		return nil, err
	}

	m := metrics.Nop()
	if cfg.Metrics.Enabled {
		d.registry = prometheus.NewRegistry()
		d.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		m = metrics.NewPrometheus(d.registry)
	}

	copts := clusterOptions(cfg)
	copts.API = o.api
	copts.Dialer = o.dialer
	copts.Publisher = d.pub
	copts.Cache = d.cache
	copts.Store = d.store
	copts.Metrics = m
	copts.Logger = logger
	c, err := cluster.New(copts)
	if err != nil {
		d.closeBackends()
		return nil, fmt.Errorf("creating cluster: %w", err)
	}
	d.cluster = c

	d.grpcServer = grpc.NewServer(
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    15 * time.Second,
			Timeout: 5 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             5 * time.Second,
			PermitWithoutStream: true,
		}),
	)
	d.health = health.NewServer()
	d.health.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	healthpb.RegisterHealthServer(d.grpcServer, d.health)

	d.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           d.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return d, nil
}

// clusterOptions maps the configuration onto cluster options. Collaborators
// are left for the caller.
func clusterOptions(cfg *config.Config) cluster.Options {
	opts := cluster.Options{
		Token:           cfg.Gateway.Token,
		GatewayURL:      cfg.Gateway.URL,
		ShardCount:      cfg.Sharding.ShardCount,
		StartingShard:   cfg.Sharding.StartingShard,
		TotalShardCount: cfg.Sharding.TotalShardCount,
		Version:         cfg.Gateway.Version,
		Encoding:        codec.Encoding(cfg.Gateway.Encoding),
		Intents:         protocol.Intents(cfg.Gateway.Intents),
		LargeThreshold:  cfg.Gateway.LargeThreshold,
		Properties: protocol.IdentifyProperties{
			OS:      runtime.GOOS,
			Browser: "shardgate",
			Device:  "shardgate",
		},
		Timeouts: shard.Timeouts{
			Open:   cfg.Timeouts.Open,
			Hello:  cfg.Timeouts.Hello,
			Ready:  cfg.Timeouts.Ready,
			Resume: cfg.Timeouts.Resume,
			Guild:  cfg.Timeouts.Guild,
			Close:  cfg.Timeouts.Close,
		},
		ReconnectOnTimeout: cfg.Sharding.ReconnectOnTimeout,
		IdentifyInterval:   cfg.Timeouts.IdentifyInterval,
		StrictSessionLimit: cfg.Sharding.StrictSessionLimit,
		QueueLimit:         cfg.Queue.Limit,
		QueueWindow:        cfg.Queue.Window,
	}
	if cfg.Gateway.Compress {
		opts.Compression = codec.CompressionZlibStream
	}
	if cfg.Gateway.Status != "" {
		opts.Presence = &protocol.PresenceUpdate{
			Status:     cfg.Gateway.Status,
			Activities: []protocol.Activity{},
		}
	}
	return opts
}

// initBackends opens the publisher, cache and store.
func (d *Daemon) initBackends(ctx context.Context, logger *slog.Logger) error {
	cfg := d.config

	pubs := broker.Multi{d.hub}
	if cfg.Broker.Kind == "nats" {
		nats, err := broker.NewNATSPublisher(broker.NATSConfig{
			URL:           cfg.Broker.NATSURL,
			SubjectPrefix: cfg.Broker.SubjectPrefix,
			Logger:        logger,
		})
		if err != nil {
			return fmt.Errorf("initializing broker: %w", err)
		}
		pubs = append(pubs, nats)
	}
	d.pub = pubs

	switch cfg.Cache.Kind {
	case "redis":
		rc, err := cache.NewRedis(ctx, cache.RedisOptions{
			Addrs:     cfg.Cache.RedisAddrs,
			Password:  cfg.Cache.RedisPassword,
			KeyPrefix: cfg.Cache.KeyPrefix,
			TTL:       cfg.Cache.TTL,
		})
		if err != nil {
			return fmt.Errorf("initializing cache: %w", err)
		}
		d.cache = rc
	default:
		d.cache = cache.NewMemory(cfg.Cache.TTL, cfg.Cache.MaxSize)
	}

	s, err := initStore(cfg)
	if err != nil {
		return err
	}
	d.store = s
	return nil
}

// initStore opens the checkpoint store. An empty path keeps checkpoints in
// memory only.
func initStore(cfg *config.Config) (store.Store, error) {
	if cfg.Database.Path == "" {
		return store.NewMemoryStore(), nil
	}
	s, err := store.NewSQLiteStoreWithDriver(cfg.Database.Driver, cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

// Cluster returns the managed cluster.
func (d *Daemon) Cluster() *cluster.Cluster { return d.cluster }

// Run starts the status servers, connects the cluster and blocks until ctx
// is canceled or a server fails. A cluster that cannot connect also ends Run.
func (d *Daemon) Run(ctx context.Context) error {
	grpcLn, httpLn, err := d.setupListeners(ctx)
	if err != nil {
		return err
	}

	errCh := d.startServers(grpcLn, httpLn)

	go func() {
		if err := d.cluster.Connect(ctx); err != nil {
			if ctx.Err() == nil {
				errCh <- fmt.Errorf("connecting cluster: %w", err)
			}
			return
		}
		d.logger.Info("cluster connected",
			"shards", d.cluster.ShardsSpawned(),
			"ping", d.cluster.Ping(),
		)
	}()
	go d.cluster.RunCheckpoints(ctx, d.config.Database.CheckpointInterval)
	go d.watchHealth(ctx)

	serverErr := d.waitForShutdownSignal(ctx, errCh)
	shutdownErr := d.gracefulShutdown()

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// startServers starts gRPC and HTTP servers in goroutines, returning error channel.
func (d *Daemon) startServers(grpcLn, httpLn net.Listener) chan error {
	errCh := make(chan error, 3)

	go func() {
		d.logger.Info("gRPC server listening", "addr", grpcLn.Addr().String())
		if err := d.grpcServer.Serve(grpcLn); err != nil {
			errCh <- fmt.Errorf("gRPC server: %w", err)
		}
	}()

	go func() {
		d.logger.Info("HTTP server listening", "addr", httpLn.Addr().String())
		if err := d.httpServer.Serve(httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	return errCh
}

// waitForShutdownSignal waits for context cancellation or server error.
func (d *Daemon) waitForShutdownSignal(ctx context.Context, errCh chan error) error {
	select {
	case <-ctx.Done():
		d.logger.Info("context canceled, initiating shutdown")
		return nil
	case err := <-errCh:
		d.logger.Error("daemon error", "error", err)
		d.drainErrors(errCh)
		return err
	}
}

// drainErrors drains any remaining errors from the channel.
func (d *Daemon) drainErrors(errCh chan error) {
	select {
	case additionalErr := <-errCh:
		d.logger.Error("additional daemon error", "error", additionalErr)
	default:
	}
}

// gracefulShutdown runs Shutdown with a fresh context since the one passed
// to Run is already canceled.
func (d *Daemon) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return d.Shutdown(ctx)
}

// Shutdown destroys the shards without discarding their sessions, stops the
// servers and closes every backend.
func (d *Daemon) Shutdown(ctx context.Context) error {
	d.logger.Info("shutting down daemon")

	var errs []error
	errs = appendCloseError(errs, "cluster destroy",
		d.cluster.Destroy(ctx, shard.DestroyOptions{Reason: "shutdown"}))
	d.cluster.Close()

	// Ends open /events streams so the HTTP server can drain.
	_ = d.hub.Close()
	d.health.Shutdown()
	errs = appendCloseError(errs, "HTTP shutdown", d.httpServer.Shutdown(ctx))
	d.shutdownGRPCServer(ctx)

	if d.tsnetServer != nil {
		errs = appendCloseError(errs, "tailscale shutdown", d.tsnetServer.Close())
	}
	errs = append(errs, d.closeBackends()...)

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %w", errors.Join(errs...))
	}
	return nil
}

// shutdownGRPCServer gracefully stops the gRPC server or force-stops on context cancel.
func (d *Daemon) shutdownGRPCServer(ctx context.Context) {
	stopped := make(chan struct{})
	go func() {
		d.grpcServer.GracefulStop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-ctx.Done():
		d.grpcServer.Stop()
	}
}

// closeBackends closes whichever backends were opened.
func (d *Daemon) closeBackends() []error {
	var errs []error
	if d.pub != nil {
		errs = appendCloseError(errs, "broker close", d.pub.Close())
	} else {
		errs = appendCloseError(errs, "hub close", d.hub.Close())
	}
	if d.cache != nil {
		errs = appendCloseError(errs, "cache close", d.cache.Close())
	}
	if d.store != nil {
		errs = appendCloseError(errs, "store close", d.store.Close())
	}
	return errs
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}
