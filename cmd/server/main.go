package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"hotel_checkout/internal/checkout"
	"hotel_checkout/internal/config"
	"hotel_checkout/internal/mpesa"
	"hotel_checkout/internal/queue"
	"hotel_checkout/internal/reconcile"
	"hotel_checkout/internal/router"
	"hotel_checkout/internal/store"
	redisx "hotel_checkout/pkg/redis"

	"github.com/gin-gonic/gin"
	rd "github.com/redis/go-redis/v9"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		config.NewLogger("info").WithError(err).Fatal("load config")
	}
	logger := config.NewLogger(cfg.LogLevel)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 1. 数据库，启动时自动建表
	db, err := store.Open(cfg.DBDriver, cfg.DBDSN)
	if err != nil {
		logger.WithError(err).Fatal("open database")
	}

	// 2. Redis：令牌共享、回调去重、金额锁、限流、事件 outbox 都依赖它
	rdb := rd.NewClient(&rd.Options{
		Addr:     cfg.RedisAddr,
		DB:       cfg.RedisDB,
		PoolSize: 100,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		logger.WithError(err).Fatal("connect redis")
	}
	logger.WithField("addr", cfg.RedisAddr).Info("connected to redis")

	// 3. M-Pesa 客户端，access token 在实例间共享
	gateway, err := mpesa.NewClient(cfg.Mpesa, logger,
		mpesa.WithTokenCache(redisx.NewTokenCache(rdb, cfg.Mpesa.ShortCode)))
	if err != nil {
		logger.WithError(err).Fatal("init mpesa client")
	}

	// 4. 支付事件链路：业务写 Redis Stream，Relay 转 Kafka，Consumer 落库
	outbox := queue.NewStreamOutbox(rdb, cfg.PaymentEventStream)
	producer := queue.NewProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
	relay := queue.NewRelay(rdb, producer, logger, cfg.PaymentEventStream, cfg.PaymentEventGroup, cfg.PaymentEventConsumer)
	consumer := queue.NewConsumer(cfg.KafkaBrokers, cfg.KafkaTopic, cfg.KafkaGroupID, db, logger)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		relay.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		consumer.Run(ctx)
	}()

	// 5. 业务服务
	payments := store.NewPaymentStore(db)
	svc := checkout.NewService(store.NewOrderStore(db), payments, gateway, outbox, cfg.Pricing, logger)
	rec := reconcile.New(payments, outbox, cfg.Pricing.Currency, logger,
		reconcile.WithLocker(redisx.NewAmountLocker(rdb)),
		reconcile.WithMarker(redisx.NewCallbackMarker(rdb)),
	)

	r := gin.Default()
	router.Setup(r, router.Deps{
		Checkout:  svc,
		Callbacks: rec,
		Redis:     rdb,
		Logger:    logger,
	}, cfg)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.WithField("addr", cfg.HTTPAddr).Info("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Fatal("http server")
		}
	}()

	// 优雅退出：先停 HTTP，再停后台循环，最后关连接
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("http server shutdown")
	}

	cancel()
	wg.Wait()
	logger.Info("background workers stopped")

	if err := consumer.Close(); err != nil {
		logger.WithError(err).Warn("close kafka reader")
	}
	if err := producer.Close(); err != nil {
		logger.WithError(err).Warn("close kafka writer")
	}
	_ = rdb.Close()
	if sqlDB, err := db.DB(); err == nil {
		_ = sqlDB.Close()
	}
}
