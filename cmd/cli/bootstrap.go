package cli

import (
	"context"
	"fmt"
	"time"

	"homeservice/internal/config"
	"homeservice/internal/models"
	"homeservice/internal/services"
	"homeservice/pkg/eventbus"
	"homeservice/pkg/pushgw"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	gormtracing "gorm.io/plugin/opentelemetry/tracing"
)

// loadConfig 读取配置并初始化全局日志
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := config.InitLogger(cfg); err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	return cfg, nil
}

func openDatabase(cfg *config.Config) (*gorm.DB, error) {
	level := logger.Warn
	if cfg.Log.Level == "debug" {
		level = logger.Info
	}
	db, err := gorm.Open(postgres.Open(cfg.Database.DSN()), &gorm.Config{Logger: logger.Default.LogMode(level)})
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(cfg.Database.ConnMaxLifetime)

	if cfg.Monitoring.Tracing.Enabled {
		if err := db.Use(gormtracing.NewPlugin()); err != nil {
			logrus.Warnf("gorm tracing plugin: %v", err)
		}
	}
	return db, nil
}

func migrate(db *gorm.DB) error {
	return db.AutoMigrate(models.AllModels()...)
}

// openRedis 连接失败时返回 nil，由调用方降级到进程内实现
func openRedis(ctx context.Context, cfg *config.Config) redis.UniversalClient {
	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Redis.Addr(),
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		PoolSize:     cfg.Redis.PoolSize,
		MinIdleConns: cfg.Redis.MinIdleConns,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		logrus.Warnf("redis unavailable at %s, falling back to in-process locks and scheduler: %v", cfg.Redis.Addr(), err)
		_ = rdb.Close()
		return nil
	}
	return rdb
}

func asynqRedisOpt(cfg *config.Config) asynq.RedisClientOpt {
	return asynq.RedisClientOpt{
		Addr:     cfg.Redis.Addr(),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}
}

// engine 组装好的自动化引擎与需要关闭的资源
type engine struct {
	service   *services.AutomationService
	inProcess bool
	closers   []func() error
}

func (e *engine) Close() {
	for i := len(e.closers) - 1; i >= 0; i-- {
		if err := e.closers[i](); err != nil {
			logrus.Warnf("close: %v", err)
		}
	}
}

// buildEngine 按配置组装协作者；未配置的依赖降级为日志或进程内实现
func buildEngine(cfg *config.Config, db *gorm.DB, rdb redis.UniversalClient, feed *services.AutomationFeed, log *logrus.Logger) (*engine, error) {
	e := &engine{}
	deps := services.AutomationDeps{SMS: services.NewLogSMSSender(log)}
	if feed != nil {
		deps.Feed = feed
	}

	if cfg.Mail.Host != "" {
		deps.Mailer = services.NewSMTPMailer(cfg.Mail)
	} else {
		deps.Mailer = services.NewLogMailer(log)
	}

	if cfg.Push.BaseURL != "" {
		client := pushgw.NewClient(&pushgw.Config{
			BaseURL:    cfg.Push.BaseURL,
			ServerKey:  cfg.Push.ServerKey,
			Timeout:    cfg.Push.Timeout,
			MaxRetries: cfg.Push.MaxRetries,
			RetryDelay: cfg.Push.RetryDelay,
		}, log)
		deps.Pusher = services.NewGatewayPusher(client)
	} else {
		deps.Pusher = services.NewLogPusher(log)
	}

	if rdb != nil {
		deps.Lock = services.NewRedisInvoiceLock(rdb, 30*time.Second)
	} else {
		deps.Lock = services.NewLocalInvoiceLock()
	}

	if cfg.RabbitMQ.Enabled {
		pub, err := eventbus.NewRabbitMQPublisher(cfg.RabbitMQ.URL, cfg.RabbitMQ.Exchange, log)
		if err != nil {
			return nil, err
		}
		deps.Publisher = pub
		e.closers = append(e.closers, pub.Close)
	} else {
		bus := eventbus.NewMemoryBus(log)
		deps.Publisher = bus
		e.closers = append(e.closers, bus.Close)
	}

	if cfg.Automation.DelayQueue == "asynq" && rdb != nil {
		client := asynq.NewClient(asynqRedisOpt(cfg))
		deps.Scheduler = services.NewAsynqScheduler(client, cfg.Automation.DelayQueueName(), cfg.Automation.DelayMaxRetry)
		e.closers = append(e.closers, client.Close)
	} else {
		e.inProcess = true
	}

	e.service = services.NewAutomationService(db, cfg.Automation, deps, log)
	e.closers = append(e.closers, func() error { e.service.Close(); return nil })
	return e, nil
}
