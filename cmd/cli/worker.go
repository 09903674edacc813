package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"homeservice/internal/observability"
	"homeservice/internal/services"
	"homeservice/pkg/eventbus"

	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run delayed actions, consume domain events and send feedback reminders",
	Run:   runWorker,
}

func init() {
	rootCmd.AddCommand(workerCmd)
}

func runWorker(cmd *cobra.Command, args []string) {
	cfg, err := loadConfig()
	if err != nil {
		logrus.Fatalf("Failed to load config: %v", err)
	}
	log := logrus.StandardLogger()

	if shutdown, err := observability.SetupTracing(context.Background(), cfg); err == nil {
		defer func() { _ = shutdown(context.Background()) }()
	} else {
		log.Warnf("init tracing: %v", err)
	}

	db, err := openDatabase(cfg)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rdb := openRedis(ctx, cfg)
	if rdb != nil {
		defer rdb.Close()
	}

	eng, err := buildEngine(cfg, db, rdb, nil, log)
	if err != nil {
		log.Fatalf("Failed to build automation engine: %v", err)
	}
	defer eng.Close()
	svc := eng.service

	// 延迟动作
	var srv *asynq.Server
	if eng.inProcess {
		if n, err := svc.Delayed().Resume(ctx); err != nil {
			log.Errorf("resume delayed actions: %v", err)
		} else {
			log.Infof("in-process scheduler: resumed %d delayed actions", n)
		}
	} else {
		concurrency := cfg.Automation.WorkerCount
		if concurrency <= 0 {
			concurrency = 10
		}
		queue := cfg.Automation.DelayQueueName()
		srv = asynq.NewServer(asynqRedisOpt(cfg), asynq.Config{
			Concurrency: concurrency,
			Queues:      map[string]int{queue: 1},
			Logger:      log,
		})
		mux := asynq.NewServeMux()
		mux.Handle(services.TaskTypeDelayedAction, svc.Delayed())
		if err := srv.Start(mux); err != nil {
			log.Fatalf("Failed to start asynq server: %v", err)
		}
		log.Infof("asynq worker consuming queue %s", queue)
	}

	// 领域事件
	if cfg.RabbitMQ.Enabled {
		consumer, err := eventbus.NewRabbitMQConsumer(eventbus.ConsumerConfig{
			URL:      cfg.RabbitMQ.URL,
			Exchange: cfg.RabbitMQ.Exchange,
			Queue:    cfg.RabbitMQ.Queue,
			Prefetch: cfg.RabbitMQ.Prefetch,
		}, log)
		if err != nil {
			log.Fatalf("Failed to start event consumer: %v", err)
		}
		defer consumer.Close()
		go func() {
			if err := consumer.Start(ctx, svc.HandleEvent); err != nil && ctx.Err() == nil {
				log.Errorf("event consumer stopped: %v", err)
				stop()
			}
		}()
	}

	if cfg.Automation.Reminder.Enabled {
		job := services.NewFeedbackReminderJob(db, svc, cfg.Automation.Reminder, log)
		go job.Start(ctx)
	}

	<-ctx.Done()
	log.Info("Shutting down worker...")
	if srv != nil {
		srv.Shutdown()
	}
	log.Info("Worker exited")
}
