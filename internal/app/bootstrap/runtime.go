package bootstrap

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	cacheadapter "github.com/schjonhaug/tapcustody/internal/adapters/cache"
	eventadapter "github.com/schjonhaug/tapcustody/internal/adapters/events"
	grpcadapter "github.com/schjonhaug/tapcustody/internal/adapters/grpc"
	httpadapter "github.com/schjonhaug/tapcustody/internal/adapters/http"
	"github.com/schjonhaug/tapcustody/internal/adapters/memory"
	"github.com/schjonhaug/tapcustody/internal/adapters/postgres"
	riskadapter "github.com/schjonhaug/tapcustody/internal/adapters/risk"
	"github.com/schjonhaug/tapcustody/internal/adapters/security"
	"github.com/schjonhaug/tapcustody/internal/application"
	"github.com/schjonhaug/tapcustody/internal/domain"
	"github.com/schjonhaug/tapcustody/internal/keys"
	"github.com/schjonhaug/tapcustody/internal/lock"
	"github.com/schjonhaug/tapcustody/internal/observability"
	"github.com/schjonhaug/tapcustody/internal/ports"
	"github.com/schjonhaug/tapcustody/internal/protocol"
	"github.com/schjonhaug/tapcustody/internal/session"
	"github.com/schjonhaug/tapcustody/internal/transfer"
)

type Runtime struct {
	cfg        Config
	logger     *slog.Logger
	httpServer *http.Server
	grpcServer *grpc.Server
	outbox     *eventadapter.OutboxWorker
	sweeper    *Sweeper
	cleanupFn  func(context.Context)
}

// NewRuntime wires the custody service from configuration. Cleanup of partially built
// dependencies runs in reverse order on any failure.
func NewRuntime(ctx context.Context, configPath string) (rt *Runtime, err error) {
	cfg, err := LoadConfig(configPath)
	if err != nil {
		return nil, err
	}

	level := slog.LevelInfo
	if cfg.Debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	logger.Info("bootstrapping custody service", "http_port", cfg.HTTPPort, "grpc_port", cfg.GRPCPort, "store", cfg.Store)
	observability.RegisterMetrics()

	var closers []func()
	cleanup := func(context.Context) {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	defer func() {
		if err != nil {
			cleanup(ctx)
		}
	}()

	master, jwtSecret, err := resolveSecrets(cfg, logger)
	if err != nil {
		return nil, err
	}
	deriver, err := keys.NewDeriver(master)
	if err != nil {
		return nil, fmt.Errorf("init key deriver: %w", err)
	}
	sealer, err := keys.NewSealer(master)
	if err != nil {
		return nil, fmt.Errorf("init sealer: %w", err)
	}
	if cfg.ReceiptKeyHex == "" && !cfg.AllowEphemeralKeys {
		return nil, fmt.Errorf("missing RECEIPT_KEY_HEX")
	}
	receipts, err := keys.NewReceiptSigner(cfg.ReceiptKeyHex)
	if err != nil {
		return nil, fmt.Errorf("init receipt signer: %w", err)
	}
	signer, err := security.NewHMACSigner(jwtSecret)
	if err != nil {
		return nil, fmt.Errorf("init jwt signer: %w", err)
	}
	var factoryRoot *btcec.PublicKey
	if cfg.FactoryRootPubKey != "" {
		if factoryRoot, err = parsePubKey(cfg.FactoryRootPubKey); err != nil {
			return nil, fmt.Errorf("FACTORY_ROOT_PUBKEY: %w", err)
		}
	} else {
		logger.Warn("no factory root configured; token issuance is disabled")
	}

	var (
		store ports.Store
		ready func() error
	)
	switch cfg.Store {
	case StorePostgres:
		db, err := postgres.Connect(ctx, cfg.DatabaseURL, cfg.MaxDBConns)
		if err != nil {
			return nil, err
		}
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("gorm sql db: %w", err)
		}
		closers = append(closers, func() { _ = sqlDB.Close() })
		if err := postgres.RunMigrations(ctx, db); err != nil {
			return nil, fmt.Errorf("run migrations: %w", err)
		}
		pg := postgres.NewStore(db)
		store = pg
		ready = func() error {
			pingCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			return pg.Ping(pingCtx)
		}
	default:
		logger.Warn("using in-memory store; custody state is lost on restart")
		store = memory.NewStore()
	}

	var lockouts ports.LockoutStore
	if cfg.RedisURL != "" {
		client, err := cacheadapter.Connect(ctx, cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		closers = append(closers, func() { _ = client.Close() })
		lockouts = cacheadapter.NewRedisLockoutStore(client)
	} else {
		lockouts = cacheadapter.NewMemoryLockoutStore()
	}

	var publisher ports.EventPublisher = eventadapter.NewLoggingPublisher(logger)
	if len(cfg.KafkaBrokers) > 0 {
		topics := map[string]string{}
		for _, eventType := range []string{
			domain.EventTokenIssued,
			domain.EventTransferInitiated,
			domain.EventTransferCommitted,
			domain.EventTransferExpired,
			domain.EventTokenStatusChanged,
		} {
			topics[eventType] = cfg.KafkaTopic
		}
		kafka, err := eventadapter.NewKafkaPublisher(cfg.KafkaBrokers, topics)
		if err != nil {
			return nil, fmt.Errorf("init kafka publisher: %w", err)
		}
		closers = append(closers, func() { _ = kafka.Close() })
		publisher = kafka
	}

	var risk ports.RiskGate = riskadapter.AllowAll{}
	if cfg.RiskEndpoint != "" {
		client, err := grpcadapter.NewRiskClient(cfg.RiskEndpoint, cfg.RiskTimeout)
		if err != nil {
			return nil, err
		}
		closers = append(closers, func() { _ = client.Close() })
		risk = client
	}
	if len(cfg.RiskBlocklist) > 0 {
		risk = riskadapter.NewBlocklist(cfg.RiskBlocklist, risk)
	}

	sessions := session.NewCoordinator(store, lock.NewManager(nil), session.Config{TTL: cfg.SessionTTL}, nil)
	transfers := transfer.NewCoordinator(transfer.Dependencies{
		Config:   transfer.Config{Window: cfg.TransferWindow},
		Store:    store,
		Sessions: sessions,
		Risk:     risk,
		Receipts: receipts,
	})
	svc := application.NewService(application.Dependencies{
		Config: application.Config{
			LockoutThreshold: cfg.LockoutThreshold,
			LockoutWindow:    cfg.LockoutWindow,
			SessionRetention: cfg.SessionRetention,
			SweepBatch:       cfg.SweepBatch,
		},
		Engine:      protocol.NewEngine(deriver, sealer),
		Deriver:     deriver,
		Sessions:    sessions,
		Transfers:   transfers,
		Lockouts:    lockouts,
		Receipts:    receipts,
		FactoryRoot: factoryRoot,
	})

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:           httpadapter.NewRouter(httpadapter.NewHandler(svc, signer, ready)),
		ReadHeaderTimeout: 5 * time.Second,
	}
	grpcServer := grpc.NewServer()
	grpcadapter.Register(grpcServer, grpcadapter.NewCustodyInternalServer(svc))

	return &Runtime{
		cfg:        cfg,
		logger:     logger,
		httpServer: httpServer,
		grpcServer: grpcServer,
		outbox:     eventadapter.NewOutboxWorker(logger, store.Repositories().Outbox, publisher, cfg.OutboxPollInterval, cfg.OutboxBatchSize),
		sweeper:    NewSweeper(logger, svc, cfg.SweepInterval),
		cleanupFn:  cleanup,
	}, nil
}

func (r *Runtime) Config() Config { return r.cfg }

// RunAPI serves HTTP and gRPC until a signal arrives. With the in-memory store no other process
// can see the state, so the background workers run here too.
func (r *Runtime) RunAPI(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", r.cfg.GRPCPort))
	if err != nil {
		r.cleanupFn(ctx)
		return fmt.Errorf("listen gRPC: %w", err)
	}

	errCh := make(chan error, 4)
	go func() {
		r.logger.Info("http server started", "addr", r.httpServer.Addr)
		if err := r.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()
	go func() {
		r.logger.Info("grpc server started", "addr", lis.Addr().String())
		if err := r.grpcServer.Serve(lis); err != nil {
			errCh <- fmt.Errorf("grpc server: %w", err)
		}
	}()
	if r.cfg.Store == StoreMemory {
		go func() {
			if err := r.runWorkers(ctx); err != nil && !errors.Is(err, context.Canceled) {
				errCh <- err
			}
		}()
	}

	var runErr error
	select {
	case <-ctx.Done():
		r.logger.Info("shutdown signal received")
	case runErr = <-errCh:
		r.logger.Error("server failure", "error", runErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = r.httpServer.Shutdown(shutdownCtx)
	r.grpcServer.GracefulStop()
	r.cleanupFn(shutdownCtx)
	return runErr
}

// RunWorker drains the outbox and runs the expiry sweep until a signal arrives.
func (r *Runtime) RunWorker(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := r.runWorkers(ctx)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	r.cleanupFn(shutdownCtx)
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (r *Runtime) runWorkers(ctx context.Context) error {
	r.logger.Info("background workers started", "sweep_interval", r.cfg.SweepInterval.String())
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return r.outbox.Run(ctx) })
	g.Go(func() error { return r.sweeper.Run(ctx) })
	return g.Wait()
}

func resolveSecrets(cfg Config, logger *slog.Logger) ([]byte, string, error) {
	var master []byte
	if cfg.MasterKeyHex != "" {
		raw, err := hex.DecodeString(cfg.MasterKeyHex)
		if err != nil {
			return nil, "", fmt.Errorf("MASTER_KEY_HEX: %w", err)
		}
		master = raw
	} else {
		logger.Warn("using an ephemeral master key; issued tokens will not authenticate after restart")
		master = make([]byte, 32)
		if _, err := rand.Read(master); err != nil {
			return nil, "", err
		}
	}

	secret := cfg.JWTSecret
	if secret == "" {
		logger.Warn("using an ephemeral JWT secret for local runtime")
		buf := make([]byte, 32)
		if _, err := rand.Read(buf); err != nil {
			return nil, "", err
		}
		secret = hex.EncodeToString(buf)
	}
	return master, secret, nil
}

func parsePubKey(hexKey string) (*btcec.PublicKey, error) {
	raw, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, err
	}
	return btcec.ParsePubKey(raw)
}
