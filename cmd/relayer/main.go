package main

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/0gfoundation/0g-relay/internal/api"
	"github.com/0gfoundation/0g-relay/internal/chain"
	"github.com/0gfoundation/0g-relay/internal/config"
	"github.com/0gfoundation/0g-relay/internal/events"
	"github.com/0gfoundation/0g-relay/internal/forwarder"
	"github.com/0gfoundation/0g-relay/internal/nonce"
	"github.com/0gfoundation/0g-relay/internal/relay"
	"github.com/0gfoundation/0g-relay/internal/request"
	"github.com/0gfoundation/0g-relay/internal/sponsor"
)

func main() {
	log, _ := zap.NewProduction()
	defer log.Sync() //nolint:errcheck

	cfg, err := config.Load()
	if err != nil {
		log.Fatal("config load failed", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ── Redis ─────────────────────────────────────────────────────────────────
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatal("redis ping failed", zap.Error(err))
	}

	// ── Chain client (pool key, network check) ────────────────────────────────
	onchain, err := chain.Dial(ctx, cfg, log)
	if err != nil {
		log.Fatal("chain client init failed", zap.Error(err))
	}
	submitterKey, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.Relay.SubmitterKey, "0x"))
	if err != nil {
		log.Fatal("invalid SUBMITTER_KEY", zap.Error(err))
	}
	relayer := onchain.Relayer(submitterKey)

	recorder := events.Multi(events.NewLogRecorder(log), events.NewRedisRecorder(rdb, log))

	// ── Forwarder (digest, nonce ledger, targets) ─────────────────────────────
	hasher := request.NewHasher(domainOf(cfg))
	coord := forwarder.NewCoordinator(
		hasher,
		nonce.NewRedisStore(rdb),
		buildRegistry(cfg.Relay.Targets, relayer),
		log,
		forwarder.WithRecorder(recorder),
		forwarder.WithGasTimeUnit(time.Duration(cfg.Relay.GasTimeUnitUS)*time.Microsecond),
	)

	// ── Sponsorship pool (Redis state, block time, pool transfers) ────────────
	ledger := sponsor.NewLedger(
		sponsor.NewRedisStore(rdb),
		onchain,
		onchain.HeaderTime(),
		log,
		sponsor.WithRecorder(recorder),
	)
	limits, err := limitsOf(cfg)
	if err != nil {
		log.Fatal("invalid sponsor limits", zap.Error(err))
	}
	if err := ledger.Initialize(ctx, common.HexToAddress(cfg.Sponsor.Owner), limits); err != nil {
		log.Fatal("sponsor pool init failed", zap.Error(err))
	}

	// ── Queue + submitter loop ────────────────────────────────────────────────
	queue := relay.NewQueue(rdb, coord.Verifier(), log)
	perItem, _ := config.ParseWei(cfg.Relay.ClaimPerItem) // validated by Load
	submitter := relay.NewSubmitter(rdb, coord, relayer.Address(), log,
		relay.WithMaxBatch(cfg.Relay.MaxBatch),
		relay.WithBlockTimeout(time.Duration(cfg.Relay.BlockTimeoutSec)*time.Second),
		relay.WithClaim(ledger, perItem),
	)
	go submitter.Run(ctx)

	// ── HTTP server ───────────────────────────────────────────────────────────
	r := newRouter(rdb, api.NewHandler(coord.Verifier(), queue, ledger, onchain, rdb, log))
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: r,
	}
	go func() {
		log.Info("HTTP server starting",
			zap.Int("port", cfg.Server.Port),
			zap.String("forwarder", coord.Address().Hex()),
			zap.String("submitter", relayer.Address().Hex()),
			zap.String("pool", onchain.PoolAddress().Hex()),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("HTTP server error", zap.Error(err))
		}
	}()

	// ── gRPC health ───────────────────────────────────────────────────────────
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Server.GRPCPort))
	if err != nil {
		log.Fatal("gRPC listen failed", zap.Error(err))
	}
	gsrv, hs := newHealthServer()
	go func() {
		log.Info("gRPC health server starting", zap.Int("port", cfg.Server.GRPCPort))
		if err := gsrv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			log.Fatal("gRPC server error", zap.Error(err))
		}
	}()

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGTERM, syscall.SIGINT)
	<-quit

	log.Info("shutting down...")
	hs.Shutdown()
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}
	gsrv.GracefulStop()
	log.Info("shutdown complete")
}

func domainOf(cfg *config.Config) request.Domain {
	return request.Domain{
		Name:              cfg.Domain.Name,
		Version:           cfg.Domain.Version,
		ChainID:           big.NewInt(cfg.Domain.ChainID),
		VerifyingContract: common.HexToAddress(cfg.Domain.VerifyingContract),
	}
}

// limitsOf converts the configured caps; they only seed a fresh pool.
func limitsOf(cfg *config.Config) (sponsor.Limits, error) {
	var out sponsor.Limits
	for _, f := range []struct {
		dst  **big.Int
		val  string
		name string
	}{
		{&out.MaxPerClaim, cfg.Sponsor.MaxPerClaim, "max_per_claim"},
		{&out.DailyPerSubmitter, cfg.Sponsor.DailyPerSubmitter, "daily_per_submitter"},
		{&out.DailyPerBeneficiary, cfg.Sponsor.DailyPerBeneficiary, "daily_per_beneficiary"},
		{&out.DailyGlobal, cfg.Sponsor.DailyGlobal, "daily_global"},
	} {
		v, err := config.ParseWei(f.val)
		if err != nil {
			return sponsor.Limits{}, fmt.Errorf("%s: %w", f.name, err)
		}
		*f.dst = v
	}
	return out, nil
}

// buildRegistry routes every configured target address to t.
func buildRegistry(targets []string, t forwarder.Target) *forwarder.Registry {
	reg := forwarder.NewRegistry()
	for _, addr := range targets {
		reg.Register(common.HexToAddress(addr), t)
	}
	return reg
}

func newRouter(rdb *redis.Client, h *api.Handler) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.GET("/healthz", healthz(rdb))
	h.Register(r.Group("/api/v1"))
	return r
}

// healthz reports ready only while Redis answers.
func healthz(rdb *redis.Client) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := rdb.Ping(c.Request.Context()).Err(); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"ok": false, "error": "redis unavailable"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"ok": true})
	}
}

func newHealthServer() (*grpc.Server, *health.Server) {
	gsrv := grpc.NewServer()
	hs := health.NewServer()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(gsrv, hs)
	return gsrv, hs
}
