package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
	"google.golang.org/grpc"

	"github.com/rl1809/stock-reservation/internal/adapter/gateway"
	"github.com/rl1809/stock-reservation/internal/adapter/handler"
	"github.com/rl1809/stock-reservation/internal/adapter/storage"
	"github.com/rl1809/stock-reservation/internal/config"
	"github.com/rl1809/stock-reservation/internal/core/domain"
	"github.com/rl1809/stock-reservation/internal/core/service"
	"github.com/rl1809/stock-reservation/internal/port"
)

func main() {
	configPath := flag.String("config", os.Getenv("CONFIG_FILE"), "path to YAML config file")
	flag.Parse()

	logger := zerolog.New(os.Stdout).With().Timestamp().Str("service", "stock-reservation").Logger()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if lvl, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		logger = logger.Level(lvl)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("server exited with error")
	}
	logger.Info().Msg("server stopped")
}

type repositories struct {
	inventory port.InventoryRepository
	orders    port.OrderRepository
	close     func()
}

func openStorage(ctx context.Context, cfg config.StorageConfig, logger zerolog.Logger) (*repositories, error) {
	if cfg.Driver == "memory" {
		mem := storage.NewMemoryStore()
		logger.Warn().Msg("using in-memory storage, state is lost on restart")
		return &repositories{inventory: mem, orders: mem, close: func() {}}, nil
	}

	db, err := sql.Open("mysql", cfg.MySQLDSN)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}
	logger.Info().Msg("connected to mysql")

	adapter := storage.NewMySQLAdapter(db)
	return &repositories{inventory: adapter, orders: adapter, close: func() { db.Close() }}, nil
}

func openCache(ctx context.Context, cfg config.RedisConfig, logger zerolog.Logger) (port.CacheRepository, func(), error) {
	if cfg.Addr == "" {
		logger.Warn().Msg("redis not configured, using process-local cache and locks")
		return storage.NewLocalCache(), func() {}, nil
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, nil, err
	}
	logger.Info().Str("addr", cfg.Addr).Msg("connected to redis")
	return storage.NewRedisAdapter(rdb), func() { rdb.Close() }, nil
}

// seedCatalog inserts configured items that do not exist yet. Existing items
// keep their live stock across restarts.
func seedCatalog(ctx context.Context, catalog *service.CatalogService, store port.InventoryRepository, items []config.SeedItem) error {
	var missing []domain.Item
	for _, s := range items {
		_, err := store.GetItem(ctx, s.ID)
		if err == nil {
			continue
		}
		if !errors.Is(err, domain.ErrItemNotFound) {
			return err
		}
		missing = append(missing, domain.Item{
			ID:          s.ID,
			Name:        s.Name,
			Description: s.Description,
			Category:    s.Category,
			ImageURL:    s.ImageURL,
			Price:       s.Price,
			Stock:       s.Stock,
			Active:      true,
		})
	}
	return catalog.Seed(ctx, missing, "config")
}

func run(ctx context.Context, cfg *config.Config, logger zerolog.Logger) error {
	repos, err := openStorage(ctx, cfg.Storage, logger)
	if err != nil {
		return err
	}
	defer repos.close()

	cache, closeCache, err := openCache(ctx, cfg.Redis, logger)
	if err != nil {
		return err
	}
	defer closeCache()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := service.NewMetrics(reg)

	publisher := service.NewStockPublisher(cache, cfg.Publisher.QueueSize, metrics, logger)
	reservations := service.NewReservationService(repos.inventory, publisher, metrics, logger)
	reconciler := service.NewReconciler(repos.orders, reservations, metrics, logger)
	catalog := service.NewCatalogService(repos.inventory, cache, logger)
	audit := service.NewAuditService(repos.inventory, metrics, logger)

	webpay := gateway.NewWebpayClient(gateway.Config{
		BaseURL:      cfg.Gateway.BaseURL,
		CommerceCode: cfg.Gateway.CommerceCode,
		APIKey:       cfg.Gateway.APIKey,
		Timeout:      cfg.Gateway.Timeout,
		RateLimit:    rate.Limit(cfg.Gateway.RatePerSec),
		Burst:        cfg.Gateway.Burst,
	}, nil)
	checkout := service.NewCheckoutService(repos.inventory, repos.orders, reservations, reconciler, webpay, cache,
		service.CheckoutConfig{
			ReturnURL:      cfg.Gateway.ReturnURL,
			GatewayTimeout: cfg.Gateway.Timeout,
		}, metrics, logger)

	reclaimer := service.NewReclaimer(repos.inventory, repos.orders, reservations, cache, service.ReclaimerConfig{
		TTL:       cfg.Reclaimer.TTL,
		Interval:  cfg.Reclaimer.Interval,
		BatchSize: cfg.Reclaimer.BatchSize,
	}, metrics, logger)

	if err := seedCatalog(ctx, catalog, repos.inventory, cfg.Seed); err != nil {
		return err
	}

	httpHandler := handler.NewHTTPHandler(catalog, reservations, checkout, audit, handler.HTTPOptions{
		ResultURL: cfg.Gateway.ResultURL,
		Gatherer:  reg,
	}, logger)
	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           httpHandler.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	grpcServer := grpc.NewServer()
	handler.NewGRPCHandler(reservations, checkout).Register(grpcServer)
	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		publisher.Run(cfg.Publisher.Workers)
		logger.Info().Msg("stock publisher stopped")
		return nil
	})
	g.Go(func() error {
		return reclaimer.Run(gctx)
	})
	g.Go(func() error {
		return audit.Run(gctx, cfg.Audit.Interval)
	})
	g.Go(func() error {
		logger.Info().Str("addr", cfg.GRPCAddr).Msg("gRPC server listening")
		return grpcServer.Serve(lis)
	})
	g.Go(func() error {
		logger.Info().Str("addr", cfg.HTTPAddr).Msg("HTTP server listening")
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("HTTP shutdown incomplete")
		}
		grpcServer.GracefulStop()

		// drains queued stock updates before the cache connection closes
		publisher.Close()
		return nil
	})

	return g.Wait()
}
