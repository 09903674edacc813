package cli

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"homeservice/internal/config"
	"homeservice/internal/handlers"
	"homeservice/internal/middleware"
	"homeservice/internal/observability"
	"homeservice/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"gorm.io/gorm"
)

var (
	flagAutoMigrate bool
	flagResume      bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the automation admin API",
	Run:   run,
}

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().BoolVar(&flagAutoMigrate, "migrate", true, "run database migrations on startup")
	runCmd.Flags().BoolVar(&flagResume, "resume", false, "re-arm pending delayed actions in this process (when no worker runs)")
}

func run(cmd *cobra.Command, args []string) {
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
	if flagAutoMigrate {
		if err := migrate(db); err != nil {
			log.Fatalf("Failed to migrate database: %v", err)
		}
	}

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	rdb := openRedis(ctx, cfg)
	if rdb != nil {
		defer rdb.Close()
	}

	feed := services.NewAutomationFeed(log, cfg.Security.CORS.AllowedOrigins)
	go feed.Run()
	defer feed.Stop()

	eng, err := buildEngine(cfg, db, rdb, feed, log)
	if err != nil {
		log.Fatalf("Failed to build automation engine: %v", err)
	}
	defer eng.Close()

	// 进程内调度器默认由 worker 恢复待执行动作
	if eng.inProcess && flagResume {
		if n, err := eng.service.Delayed().Resume(ctx); err != nil {
			log.Errorf("resume delayed actions: %v", err)
		} else if n > 0 {
			log.Infof("resumed %d delayed actions", n)
		}
	}

	if cfg.Log.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	router := setupRouter(cfg, db, rdb, eng.service, feed)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Infof("Starting server on %s:%d", cfg.Server.Host, cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed to start: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Errorf("Server forced to shutdown: %v", err)
	}
	log.Info("Server exited")
}

func setupRouter(cfg *config.Config, db *gorm.DB, rdb redis.UniversalClient, svc *services.AutomationService, feed *services.AutomationFeed) *gin.Engine {
	router := gin.New()
	router.Use(gin.Logger())
	router.Use(gin.Recovery())
	if cfg.Monitoring.Tracing.Enabled {
		router.Use(otelgin.Middleware(cfg.Monitoring.Tracing.ServiceName))
	}
	router.Use(middleware.CORSMiddleware(cfg.Security.CORS))

	health := handlers.NewHealthHandler(cfg, db, rdb, feed, Version, logrus.StandardLogger())
	router.GET("/health", health.Health)
	router.GET("/ready", health.Ready)
	if cfg.Monitoring.Enabled {
		router.GET(cfg.Monitoring.MetricsPath, handlers.Metrics)
	}

	api := router.Group("/api",
		middleware.RateLimitMiddleware(cfg, "/api"),
		middleware.AuthMiddleware(cfg),
		middleware.RequireRolesAny("admin"),
	)
	handlers.RegisterAutomationRoutes(api, handlers.NewAutomationHandler(svc, feed, logrus.StandardLogger()))

	return router
}
