package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"shophub/chat"
	"shophub/config"
	"shophub/handlers"
	"shophub/kafka"
	"shophub/limiter"
	"shophub/models"
	"shophub/redis"
	"shophub/services"
)

const shutdownTimeout = 10 * time.Second

type Server struct {
	Echo   *echo.Echo
	DB     *gorm.DB
	Config config.Config
	Hub    *chat.Hub

	AuthService *services.AuthService
	Sessions    *services.SupportSessionService
	Redis       *redis.RedisClient
	Limiter     *limiter.Manager
	Producer    *kafka.Producer
	Publisher   *kafka.EventPublisher
	Consumer    *kafka.Consumer

	AuthHandler            *handlers.AuthHandler
	ChatWebSocketHandler   *handlers.SupportWebSocketHandler
	CustomerServiceHandler *handlers.CustomerServiceHandler

	baseCtx context.Context
	cancel  context.CancelFunc
	log     *zap.Logger
}

// NewServer 按配置组装所有组件。数据库、Redis、Kafka 在未配置时不启用。
func NewServer(cfg config.Config, log *zap.Logger) (_ *Server, err error) {
	baseCtx, cancel := context.WithCancel(context.Background())
	s := &Server{Config: cfg, baseCtx: baseCtx, cancel: cancel, log: log}
	defer func() {
		if err != nil {
			s.Close()
		}
	}()

	if cfg.Database.DSN != "" {
		db, err := gorm.Open(postgres.Open(cfg.Database.DSN), &gorm.Config{
			Logger: gormlogger.Default.LogMode(gormlogger.Warn),
		})
		if err != nil {
			return nil, fmt.Errorf("connect database: %w", err)
		}
		if err := models.AutoMigrateAll(db); err != nil {
			return nil, fmt.Errorf("auto-migrate database: %w", err)
		}
		s.DB = db
		s.AuthService = services.NewAuthService(db, cfg.Auth)
		s.Sessions = services.NewSupportSessionService(db, cfg.Chat.LedgerWorkers, cfg.Chat.LedgerQueueSize, log.Named("ledger"))
	}

	if cfg.Redis.Addr != "" {
		rc, err := redis.NewRedisClient(cfg.Redis)
		if err != nil {
			return nil, err
		}
		s.Redis = rc
		strategy, err := limiter.NewStrategy(cfg.RateLimit.Strategy)
		if err != nil {
			return nil, err
		}
		s.Limiter = limiter.NewManager(rc.Client, strategy)
	}

	hubOpts := []chat.Option{chat.WithLogger(log.Named("chat"))}
	if s.Sessions != nil {
		hubOpts = append(hubOpts, chat.WithLedger(s.Sessions))
	}
	if s.Redis != nil {
		hubOpts = append(hubOpts,
			chat.WithMirror(s.Redis),
			chat.WithLimiter(limiter.NewKeyed(s.Limiter, "chat",
				cfg.RateLimit.MessageLimit, time.Duration(cfg.RateLimit.MessageWindow)*time.Second)),
		)
	}

	if cfg.Kafka.Enabled {
		saramaCfg, err := kafka.NewSaramaConfig(cfg.Kafka)
		if err != nil {
			return nil, err
		}
		producer, err := kafka.NewProducer(cfg.Kafka.Brokers, saramaCfg, log.Named("kafka"))
		if err != nil {
			return nil, fmt.Errorf("create kafka producer: %w", err)
		}
		s.Producer = producer
		s.Publisher = kafka.NewEventPublisher(producer, cfg.Kafka.MessageTopic, cfg.Kafka.QueueSize, log.Named("kafka"))
		hubOpts = append(hubOpts, chat.WithSink(s.Publisher))
	}

	s.Hub = chat.NewHub(chat.Options{
		Policy:           admitPolicy(cfg.Chat.DuplicatePolicy),
		HistoryRetention: cfg.Chat.HistoryRetention(),
		MaxBodyBytes:     cfg.Chat.MaxBodyBytes,
		InboundQueueSize: cfg.Chat.InboundQueueSize,
		IdentifyTimeout:  cfg.Chat.IdentifyTimeout(),
	}, hubOpts...)

	if cfg.Kafka.Enabled && cfg.Kafka.OrderTopic != "" {
		saramaCfg, err := kafka.NewSaramaConfig(cfg.Kafka)
		if err != nil {
			return nil, err
		}
		consumer, err := kafka.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.GroupID, []string{cfg.Kafka.OrderTopic},
			saramaCfg, kafka.NewOrderHandler(s.Hub, log.Named("orders")), log.Named("kafka"))
		if err != nil {
			return nil, fmt.Errorf("create kafka consumer: %w", err)
		}
		s.Consumer = consumer
	}

	// 初始化 Echo
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins:     cfg.Server.AllowOrigins,
		AllowMethods:     []string{echo.GET, echo.POST, echo.PUT, echo.DELETE, echo.PATCH},
		AllowHeaders:     []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization},
		AllowCredentials: true,
		ExposeHeaders:    []string{echo.HeaderContentLength},
		MaxAge:           86400,
	}))
	s.Echo = e

	if s.AuthService != nil {
		s.AuthHandler = handlers.NewAuthHandler(s.AuthService)
	}
	s.ChatWebSocketHandler = handlers.NewSupportWebSocketHandler(baseCtx, s.Hub,
		cfg.Server.AllowOrigins, cfg.Chat.SendBufferSize, log.Named("ws"))
	var mirror handlers.PresenceReader
	if s.Redis != nil {
		mirror = s.Redis
	}
	s.CustomerServiceHandler = handlers.NewCustomerServiceHandler(s.Hub, s.Sessions, mirror, log.Named("support"))

	s.SetupRoutes()
	return s, nil
}

func admitPolicy(name string) chat.AdmitPolicy {
	if name == "reject" {
		return chat.PolicyReject
	}
	return chat.PolicySupersede
}

// Start 启动 HTTP 服务和后台任务，阻塞到 ctx 结束后优雅退出
func (s *Server) Start(ctx context.Context) error {
	var wg sync.WaitGroup
	run := func(fn func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn(s.baseCtx)
		}()
	}

	run(s.Hub.Run)
	if s.Sessions != nil {
		run(s.Sessions.Run)
	}
	if s.Publisher != nil {
		run(s.Publisher.Run)
	}
	if s.Consumer != nil {
		run(func(ctx context.Context) {
			if err := s.Consumer.Start(ctx); err != nil {
				s.log.Error("order consumer stopped", zap.Error(err))
			}
		})
	}

	errc := make(chan error, 1)
	go func() {
		s.log.Info("server listening", zap.String("addr", s.Config.Server.Addr))
		if err := s.Echo.Start(s.Config.Server.Addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	var startErr error
	select {
	case <-ctx.Done():
	case err, ok := <-errc:
		if ok {
			startErr = err
		}
	}

	s.log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.Echo.Shutdown(shutdownCtx); err != nil {
		s.log.Warn("http shutdown", zap.Error(err))
	}
	// 断开所有 WebSocket 并停止后台任务，队列里的台账和事件会先写完
	s.cancel()
	wg.Wait()
	s.Close()
	return startErr
}

// Close 释放外部连接，可重复调用
func (s *Server) Close() {
	s.cancel()
	if s.Consumer != nil {
		if err := s.Consumer.Close(); err != nil {
			s.log.Warn("close kafka consumer", zap.Error(err))
		}
		s.Consumer = nil
	}
	if s.Producer != nil {
		if err := s.Producer.Close(); err != nil {
			s.log.Warn("close kafka producer", zap.Error(err))
		}
		s.Producer = nil
	}
	if s.Redis != nil {
		if err := s.Redis.Close(); err != nil {
			s.log.Warn("close redis", zap.Error(err))
		}
		s.Redis = nil
	}
	if s.DB != nil {
		if sqlDB, err := s.DB.DB(); err == nil {
			_ = sqlDB.Close()
		}
		s.DB = nil
	}
}
