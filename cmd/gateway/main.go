package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jmerrifield20/paygate/internal/adminauth"
	"github.com/jmerrifield20/paygate/internal/channel"
	"github.com/jmerrifield20/paygate/internal/config"
	"github.com/jmerrifield20/paygate/internal/gateway/handler"
	"github.com/jmerrifield20/paygate/internal/health"
	"github.com/jmerrifield20/paygate/internal/settlement"
	"github.com/jmerrifield20/paygate/internal/validator"
	"github.com/jmerrifield20/paygate/internal/voucherledger"
	"github.com/jmerrifield20/paygate/internal/webhooks"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync() //nolint:errcheck

	if err := run(logger); err != nil {
		logger.Fatal("gateway exited with error", zap.Error(err))
	}
}

func run(logger *zap.Logger) error {
	// ── Configuration ────────────────────────────────────────────────────────
	v := config.New()
	found, err := config.Read(v)
	if err != nil {
		return err
	}
	if !found {
		logger.Warn("no config file found, using defaults and env vars")
	}
	cfg, err := config.Load(v)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ── Voucher store ────────────────────────────────────────────────────────
	var store voucherledger.Store
	if cfg.Database.URL != "" {
		db, err := pgxpool.New(ctx, cfg.Database.URL)
		if err != nil {
			return fmt.Errorf("connect to postgres: %w", err)
		}
		defer db.Close()

		if err := db.Ping(ctx); err != nil {
			return fmt.Errorf("ping postgres: %w", err)
		}
		logger.Info("connected to postgres")
		store = voucherledger.NewPostgresStore(db, logger)
	} else {
		logger.Warn("database.url not set: vouchers are kept in memory and lost on restart")
		store = voucherledger.NewMemoryStore()
	}

	ledger := voucherledger.New(store, logger)
	if err := ledger.Load(ctx); err != nil {
		return fmt.Errorf("load voucher ledger: %w", err)
	}
	st := ledger.Stats()
	logger.Info("voucher ledger loaded",
		zap.Int("channels", st.ChannelCount),
		zap.Int("unclaimed", st.UnclaimedCount),
		zap.String("total_earned", st.TotalEarned.String()),
	)

	// ── Channel ledger ───────────────────────────────────────────────────────
	eth, err := channel.DialEth(ctx, channel.EthConfig{
		RPCURL:       cfg.Chain.RPCURL,
		Contract:     cfg.Chain.Contract,
		ChainID:      cfg.Chain.ChainID,
		ProviderKey:  cfg.Chain.ProviderKey,
		GasLimit:     cfg.Chain.GasLimit,
		PollInterval: cfg.Chain.ReceiptPoll,
	}, logger)
	if err != nil {
		return fmt.Errorf("channel ledger: %w", err)
	}
	defer eth.Close()

	probeCtx, probeCancel := context.WithTimeout(ctx, cfg.Chain.StartupProbe)
	chainID, err := eth.ChainID(probeCtx)
	probeCancel()
	if err != nil {
		return fmt.Errorf("channel ledger unreachable: %w", err)
	}
	if chainID.Cmp(cfg.Chain.ChainID) != 0 {
		return fmt.Errorf("chain id mismatch: rpc reports %s, configured %s", chainID, cfg.Chain.ChainID)
	}
	logger.Info("channel ledger reachable",
		zap.String("chain_id", chainID.String()),
		zap.String("contract", cfg.Chain.Contract.Hex()),
	)

	var cache channel.Cache
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("ping redis: %w", err)
		}
		logger.Info("channel cache: redis", zap.String("addr", cfg.Redis.Addr))
		cache = channel.NewRedisCache(rdb, cfg.Chain.CacheTTL, logger)
	} else {
		mem := channel.NewMemoryCache(cfg.Chain.CacheTTL)
		mem.StartEviction(ctx, cfg.Chain.CacheTTL, logger)
		cache = mem
	}
	channels := channel.NewCachingClient(eth, cache, logger)

	// ── Validation and settlement ────────────────────────────────────────────
	val := validator.New(channels, cfg.Domain, ledger, logger)

	sched := settlement.New(channels, ledger, settlement.Config{
		Interval:        cfg.Settlement.Interval,
		AutoClaimBuffer: cfg.Settlement.AutoClaimBuffer,
		ClaimTimeout:    cfg.Settlement.ClaimTimeout,
		MaxConcurrent:   cfg.Settlement.MaxConcurrent,
	}, logger)
	endpoints := make([]webhooks.Endpoint, 0, len(cfg.Webhooks))
	for _, w := range cfg.Webhooks {
		endpoints = append(endpoints, webhooks.Endpoint{URL: w.URL, Secret: w.Secret, Events: w.Events})
	}
	notifier := webhooks.NewNotifier(endpoints, logger)
	notifier.SetMetricsRecorder(handler.RecordWebhookDelivery)
	if len(endpoints) > 0 {
		logger.Info("webhooks configured", zap.Int("endpoints", len(endpoints)))
	}

	sched.SetResultRecord(func(res settlement.ClaimResult) {
		confirmed := res.Outcome == settlement.OutcomeClaimed || res.Outcome == settlement.OutcomeSuperseded
		handler.RecordClaim(string(res.Outcome), res.Amount, confirmed)
		notifier.NotifyClaim(res)
	})

	if rep, err := sched.Reconcile(ctx); err != nil {
		logger.Error("claim reconciliation failed", zap.Error(err))
	} else if rep.Candidates > 0 {
		logger.Info("claims reconciled",
			zap.Int("pending", rep.Candidates),
			zap.Int("settled", rep.Claimed),
			zap.Int("failed", rep.Failed),
		)
	}
	go sched.Start(ctx)
	ledger.StartRetention(ctx, time.Hour, cfg.Settlement.Retention)

	upstreamHealth := health.New(health.Config{
		URL:           cfg.Probe.URL,
		CheckInterval: cfg.Probe.Interval,
		FailThreshold: cfg.Probe.FailThreshold,
	}, logger)
	upstreamHealth.SetMetricsRecord(handler.RecordUpstreamProbe)
	upstreamHealth.SetWebhookDispatch(notifier.Dispatch)
	upstreamHealth.Start(ctx)

	// ── HTTP Router ──────────────────────────────────────────────────────────
	if os.Getenv("GIN_MODE") == "" {
		gin.SetMode(gin.ReleaseMode)
	}

	issuer := adminauth.NewIssuer(cfg.Admin.SecretHash, cfg.Admin.JWTKey, cfg.Admin.TokenTTL)
	if !issuer.Enabled() {
		logger.Warn("admin API disabled: set admin.secret_hash and admin.jwt_key to enable it")
	}

	var ready atomic.Bool
	router := handler.NewRouter(ctx, handler.RouterConfig{
		CORSOrigins:  cfg.HTTP.CORSOrigins,
		RateLimitRPS: cfg.HTTP.RateLimitRPS,
		MaxBodyBytes: cfg.HTTP.MaxBodyBytes,
		Paywall:      handler.NewPaywall(val, cfg.Pricing, cfg.Payment.ReplayPolicy == config.ReplayReject, logger),
		Upstream:     handler.NewUpstream(cfg.Upstream, logger),
		Admin:        handler.NewAdminHandler(issuer, sched, ledger, logger),
		Ready:        ready.Load,

		UpstreamHealthy: upstreamHealth.Healthy,
	}, logger)

	httpSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// ── gRPC health ──────────────────────────────────────────────────────────
	grpcLis, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.GRPCPort))
	if err != nil {
		return fmt.Errorf("gRPC listen on :%d: %w", cfg.GRPCPort, err)
	}
	grpcServer := grpc.NewServer(grpc.ChainUnaryInterceptor(loggingInterceptor(logger)))
	healthSvc := grpchealth.NewServer()
	grpc_health_v1.RegisterHealthServer(grpcServer, healthSvc)
	reflection.Register(grpcServer)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		logger.Info("gateway gRPC health listening", zap.Int("port", cfg.GRPCPort))
		if err := grpcServer.Serve(grpcLis); err != nil {
			logger.Fatal("gRPC serve error", zap.Error(err))
		}
	}()

	go func() {
		logger.Info("gateway HTTP listening",
			zap.Int("port", cfg.HTTP.Port),
			zap.String("upstream", cfg.Upstream.String()),
			zap.String("replay_policy", cfg.Payment.ReplayPolicy),
		)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("HTTP listen error", zap.Error(err))
		}
	}()

	ready.Store(true)
	healthSvc.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)

	// ── Graceful shutdown ────────────────────────────────────────────────────
	<-quit
	logger.Info("shutting down gateway...")
	ready.Store(false)
	healthSvc.SetServingStatus("", grpc_health_v1.HealthCheckResponse_NOT_SERVING)

	shutCtx, shutCancel := context.WithTimeout(context.Background(), cfg.Settlement.ShutdownTimeout)
	defer shutCancel()

	if err := httpSrv.Shutdown(shutCtx); err != nil {
		logger.Error("HTTP shutdown error", zap.Error(err))
	}
	// Stop the ticker, then let claims already submitted finish recording.
	cancel()
	if err := sched.Shutdown(shutCtx); err != nil {
		logger.Error("claims still in flight at shutdown; they will be reconciled on restart", zap.Error(err))
	}
	if err := notifier.Close(shutCtx); err != nil {
		logger.Warn("webhook deliveries still pending at shutdown", zap.Error(err))
	}
	grpcServer.GracefulStop()

	logger.Info("gateway stopped")
	return nil
}

// loggingInterceptor returns a gRPC unary server interceptor that logs each call.
func loggingInterceptor(logger *zap.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, next grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := next(ctx, req)
		logger.Debug("grpc",
			zap.String("method", info.FullMethod),
			zap.String("code", status.Code(err).String()),
			zap.Duration("latency", time.Since(start)),
		)
		return resp, err
	}
}
