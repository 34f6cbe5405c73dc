// 账本核心服务入口：装配仓储、应用服务、交易所事件消费与对账调度，
// 对外暴露 REST 接口与 Prometheus 指标。
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	accountapp "github.com/wyfcoding/cryptoledger/internal/account/application"
	accountdomain "github.com/wyfcoding/cryptoledger/internal/account/domain"
	accountmysql "github.com/wyfcoding/cryptoledger/internal/account/infrastructure/persistence/mysql"
	accountredis "github.com/wyfcoding/cryptoledger/internal/account/infrastructure/persistence/redis"
	accounthttp "github.com/wyfcoding/cryptoledger/internal/account/interfaces/http"
	auditdomain "github.com/wyfcoding/cryptoledger/internal/audit/domain"
	auditmysql "github.com/wyfcoding/cryptoledger/internal/audit/infrastructure/persistence/mysql"
	clearingapp "github.com/wyfcoding/cryptoledger/internal/clearing/application"
	clearingdomain "github.com/wyfcoding/cryptoledger/internal/clearing/domain"
	clearingmysql "github.com/wyfcoding/cryptoledger/internal/clearing/infrastructure/persistence/mysql"
	"github.com/wyfcoding/cryptoledger/internal/clearing/interfaces/consumer"
	orderapp "github.com/wyfcoding/cryptoledger/internal/order/application"
	orderdomain "github.com/wyfcoding/cryptoledger/internal/order/domain"
	ordermysql "github.com/wyfcoding/cryptoledger/internal/order/infrastructure/persistence/mysql"
	orderhttp "github.com/wyfcoding/cryptoledger/internal/order/interfaces/http"
	positionapp "github.com/wyfcoding/cryptoledger/internal/position/application"
	positiondomain "github.com/wyfcoding/cryptoledger/internal/position/domain"
	positionmysql "github.com/wyfcoding/cryptoledger/internal/position/infrastructure/persistence/mysql"
	positionredis "github.com/wyfcoding/cryptoledger/internal/position/infrastructure/persistence/redis"
	positionhttp "github.com/wyfcoding/cryptoledger/internal/position/interfaces/http"
	reconapp "github.com/wyfcoding/cryptoledger/internal/reconciliation/application"
	recondomain "github.com/wyfcoding/cryptoledger/internal/reconciliation/domain"
	reconmysql "github.com/wyfcoding/cryptoledger/internal/reconciliation/infrastructure/persistence/mysql"
	reconhttp "github.com/wyfcoding/cryptoledger/internal/reconciliation/interfaces/http"
	riskapp "github.com/wyfcoding/cryptoledger/internal/risk/application"
	riskdomain "github.com/wyfcoding/cryptoledger/internal/risk/domain"
	riskmysql "github.com/wyfcoding/cryptoledger/internal/risk/infrastructure/persistence/mysql"
	riskhttp "github.com/wyfcoding/cryptoledger/internal/risk/interfaces/http"
	"github.com/wyfcoding/cryptoledger/pkg/algos"
	"github.com/wyfcoding/cryptoledger/pkg/cache"
	"github.com/wyfcoding/cryptoledger/pkg/config"
	"github.com/wyfcoding/cryptoledger/pkg/db"
	"github.com/wyfcoding/cryptoledger/pkg/logger"
	"github.com/wyfcoding/cryptoledger/pkg/metrics"
	"github.com/wyfcoding/cryptoledger/pkg/middleware"
	"github.com/wyfcoding/cryptoledger/pkg/mq"
)

func main() {
	configPath := flag.String("config", "configs/ledger/config.toml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	if err := logger.Init(cfg.Logger); err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info(ctx, "ledger service starting",
		"service", cfg.ServiceName, "version", cfg.Version, "environment", cfg.Environment)

	m := metrics.New(cfg.ServiceName)
	if err := m.Register(); err != nil {
		logger.Fatal(ctx, "failed to register metrics", "error", err)
	}
	if cfg.Metrics.Enabled {
		go metrics.StartHTTPServer(cfg.Metrics.Port, cfg.Metrics.Path)
	}

	database, err := db.Init(db.Config{
		Driver:             cfg.Database.Driver,
		DSN:                cfg.Database.DSN,
		MaxOpenConns:       cfg.Database.MaxOpenConns,
		MaxIdleConns:       cfg.Database.MaxIdleConns,
		ConnMaxLifetime:    cfg.Database.ConnMaxLifetime,
		LogEnabled:         cfg.Database.LogEnabled,
		SlowQueryThreshold: cfg.Database.SlowQueryThreshold,
	})
	if err != nil {
		logger.Fatal(ctx, "failed to init database", "error", err)
	}
	defer database.Close()

	if err := database.AutoMigrate(
		&auditdomain.AuditEntry{},
		&accountdomain.Account{},
		&accountdomain.Balance{},
		&orderdomain.Order{},
		&positiondomain.Position{},
		&positiondomain.PerformanceMetric{},
		&clearingdomain.Trade{},
		&riskdomain.RiskEvent{},
		&recondomain.ReconciliationRecord{},
	); err != nil {
		logger.Fatal(ctx, "failed to migrate database", "error", err)
	}

	redisCache, err := cache.New(cache.Config{
		Host:         cfg.Redis.Host,
		Port:         cfg.Redis.Port,
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		MaxPoolSize:  cfg.Redis.MaxPoolSize,
		ReadTimeout:  cfg.Redis.ReadTimeout,
		WriteTimeout: cfg.Redis.WriteTimeout,
	})
	if err != nil {
		logger.Fatal(ctx, "failed to init redis", "error", err)
	}
	defer redisCache.Close()

	kafkaCfg := mq.Config{
		Brokers:        cfg.Kafka.Brokers,
		GroupID:        cfg.Kafka.GroupID,
		SessionTimeout: cfg.Kafka.SessionTimeout,
		MaxRetries:     cfg.Kafka.MaxRetries,
		RetryBackoff:   cfg.Kafka.RetryBackoff,
	}
	producer := mq.NewProducer(kafkaCfg)
	defer producer.Close()
	exchangeConsumer := mq.NewConsumer(kafkaCfg, cfg.Kafka.ExchangeEventsTopic)
	defer exchangeConsumer.Close()
	dlq := mq.NewDeadLetterQueue(producer, cfg.Kafka.DeadLetterTopic)

	// 仓储
	auditRepo := auditmysql.NewAuditRepository(database)
	accountRepo := accountmysql.NewAccountRepository(database)
	balanceRepo := accountmysql.NewBalanceRepository(database)
	orderRepo := ordermysql.NewOrderRepository(database)
	positionRepo := positionmysql.NewPositionRepository(database)
	perfRepo := positionmysql.NewPerformanceRepository(database)
	tradeRepo := clearingmysql.NewTradeRepository(database)
	riskRepo := riskmysql.NewRiskEventRepository(database)
	reconRepo := reconmysql.NewReconciliationRepository(database)

	balanceCache := accountredis.NewBalanceCache(redisCache)
	positionCache := positionredis.NewPositionCache(redisCache)
	slots := algos.NewKeyedMutex()

	marginRate, err := decimal.NewFromString(cfg.Risk.MarginRate)
	if err != nil {
		logger.Fatal(ctx, "invalid risk.margin_rate", "value", cfg.Risk.MarginRate)
	}
	escalation, err := decimal.NewFromString(cfg.Risk.EscalationThreshold)
	if err != nil {
		logger.Fatal(ctx, "invalid risk.escalation_threshold", "value", cfg.Risk.EscalationThreshold)
	}
	defaultTol, err := decimal.NewFromString(cfg.Reconciliation.DefaultTolerance)
	if err != nil {
		logger.Fatal(ctx, "invalid reconciliation.default_tolerance", "value", cfg.Reconciliation.DefaultTolerance)
	}
	lotSizes := make(map[string]decimal.Decimal, len(cfg.Reconciliation.LotSizes))
	for symbol, raw := range cfg.Reconciliation.LotSizes {
		tol, err := decimal.NewFromString(raw)
		if err != nil {
			logger.Fatal(ctx, "invalid reconciliation.lot_sizes entry", "symbol", symbol, "value", raw)
		}
		lotSizes[symbol] = tol
	}

	// 应用服务
	riskSvc := riskapp.NewRiskEventService(riskRepo, auditRepo, producer,
		cfg.Kafka.RiskEventsTopic, m, cfg.Risk.MarginCallAfter)
	gate := riskdomain.NewGate(marginRate)
	orderSvc := orderapp.NewOrderService(orderRepo, accountRepo, balanceRepo, positionRepo,
		auditRepo, gate, riskSvc, slots, database, balanceCache, m)
	fillSvc := clearingapp.NewFillAggregator(orderRepo, accountRepo, balanceRepo, positionRepo,
		perfRepo, tradeRepo, reconRepo, auditRepo, riskSvc, slots, database,
		balanceCache, positionCache, m)
	accountSvc := accountapp.NewAccountService(accountRepo, balanceRepo, orderRepo, positionRepo,
		tradeRepo, auditRepo, slots, database, balanceCache, positionCache)
	positionSvc := positionapp.NewPositionService(positionRepo, perfRepo, positionCache)
	engine := reconapp.NewEngine(reconRepo, accountRepo, balanceRepo, positionRepo, orderRepo,
		tradeRepo, auditRepo, riskSvc, slots, database, balanceCache,
		recondomain.NewTolerances(defaultTol, lotSizes), escalation, m)
	scheduler := reconapp.NewScheduler(engine, time.Duration(cfg.Reconciliation.Interval)*time.Second)

	// 后台任务
	exchangeEvents := consumer.NewExchangeConsumer(exchangeConsumer, dlq, orderSvc, fillSvc, engine)
	go exchangeEvents.Run(ctx)
	go scheduler.Run(ctx)

	// HTTP 服务
	if cfg.Environment == "prod" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(
		middleware.GinRecoveryMiddleware(),
		middleware.GinLoggingMiddleware(),
		middleware.GinMetricsMiddleware(m),
	)
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": cfg.ServiceName, "version": cfg.Version})
	})

	api := router.Group("/api/v1")
	accounthttp.NewAccountHandler(accountSvc).RegisterRoutes(api)
	orderhttp.NewOrderHandler(orderSvc).RegisterRoutes(api)
	positionhttp.NewPositionHandler(positionSvc).RegisterRoutes(api)
	riskhttp.NewRiskHandler(riskSvc).RegisterRoutes(api)
	reconhttp.NewReconciliationHandler(engine).RegisterRoutes(api)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.HTTP.Host, cfg.HTTP.Port),
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.HTTP.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.HTTP.WriteTimeout) * time.Second,
	}

	go func() {
		logger.Info(ctx, "HTTP server listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal(ctx, "HTTP server failed", "error", err)
		}
	}()

	<-ctx.Done()
	logger.Info(context.Background(), "shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error(shutdownCtx, "HTTP server shutdown failed", "error", err)
	}
	logger.Info(context.Background(), "ledger service stopped")
}
