package handlers

import (
	"context"
	"net/http"
	"runtime"
	"time"

	"homeservice/internal/config"
	"homeservice/internal/metrics"
	"homeservice/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// HealthHandler 健康检查处理器
type HealthHandler struct {
	config  *config.Config
	db      *gorm.DB
	redis   redis.UniversalClient
	feed    *services.AutomationFeed
	version string
	logger  *logrus.Logger
}

// NewHealthHandler redis 与 feed 可为 nil
func NewHealthHandler(cfg *config.Config, db *gorm.DB, rdb redis.UniversalClient, feed *services.AutomationFeed, version string, logger *logrus.Logger) *HealthHandler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &HealthHandler{config: cfg, db: db, redis: rdb, feed: feed, version: version, logger: logger}
}

// HealthResponse 健康检查响应
type HealthResponse struct {
	Status    string                 `json:"status"`
	Version   string                 `json:"version"`
	Timestamp time.Time              `json:"timestamp"`
	Services  map[string]ServiceInfo `json:"services"`
	System    SystemInfo             `json:"system"`
}

// ServiceInfo 服务信息
type ServiceInfo struct {
	Status  string      `json:"status"`
	Latency string      `json:"latency,omitempty"`
	Error   string      `json:"error,omitempty"`
	Details interface{} `json:"details,omitempty"`
}

// SystemInfo 系统信息
type SystemInfo struct {
	Uptime    time.Duration `json:"uptime"`
	GoVersion string        `json:"go_version"`
}

var startTime = time.Now()

// Health 健康检查端点；数据库不可用时为 unhealthy，其它依赖不可用时为 degraded
func (h *HealthHandler) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	response := HealthResponse{
		Status:    "healthy",
		Version:   h.version,
		Timestamp: time.Now(),
		Services:  make(map[string]ServiceInfo),
		System: SystemInfo{
			Uptime:    time.Since(startTime),
			GoVersion: runtime.Version(),
		},
	}

	db := h.checkDatabase(ctx)
	response.Services["database"] = db
	if db.Status != "healthy" {
		response.Status = "unhealthy"
	}

	if h.redis != nil {
		rs := h.checkRedis(ctx)
		response.Services["redis"] = rs
		if rs.Status != "healthy" && response.Status == "healthy" {
			response.Status = "degraded"
		}
	}

	_, runs := metrics.HookExecutionSnapshot()
	automation := ServiceInfo{Status: "healthy", Details: map[string]interface{}{"hook_runs": runs}}
	if h.feed != nil {
		automation.Details = map[string]interface{}{
			"hook_runs":    runs,
			"feed_clients": h.feed.ClientCount(),
		}
	}
	response.Services["automation"] = automation

	statusCode := http.StatusOK
	if response.Status == "unhealthy" {
		statusCode = http.StatusServiceUnavailable
	}
	c.JSON(statusCode, response)
}

// Ready 就绪检查端点，只检查数据库
func (h *HealthHandler) Ready(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	db := h.checkDatabase(ctx)
	ready := db.Status == "healthy"
	statusCode := http.StatusOK
	if !ready {
		statusCode = http.StatusServiceUnavailable
	}
	c.JSON(statusCode, map[string]interface{}{
		"ready":     ready,
		"timestamp": time.Now(),
		"services":  map[string]string{"database": db.Status},
	})
}

func (h *HealthHandler) checkDatabase(ctx context.Context) ServiceInfo {
	start := time.Now()
	info := ServiceInfo{}
	if h.db == nil {
		info.Status = "unhealthy"
		info.Error = "database connection not initialized"
		return info
	}
	info.Details = map[string]interface{}{"driver": h.db.Dialector.Name()}
	sqlDB, err := h.db.DB()
	if err == nil {
		err = sqlDB.PingContext(ctx)
	}
	info.Latency = time.Since(start).String()
	if err != nil {
		h.logger.Warnf("database health check failed: %v", err)
		info.Status = "unhealthy"
		info.Error = err.Error()
		return info
	}
	info.Status = "healthy"
	return info
}

func (h *HealthHandler) checkRedis(ctx context.Context) ServiceInfo {
	start := time.Now()
	err := h.redis.Ping(ctx).Err()
	info := ServiceInfo{Latency: time.Since(start).String()}
	if h.config != nil {
		info.Details = map[string]interface{}{"addr": h.config.Redis.Addr()}
	}
	if err != nil {
		h.logger.Warnf("redis health check failed: %v", err)
		info.Status = "unhealthy"
		info.Error = err.Error()
		return info
	}
	info.Status = "healthy"
	return info
}

// Metrics 输出 Prometheus 文本格式指标
func Metrics(c *gin.Context) {
	c.Header("Content-Type", "text/plain; version=0.0.4")
	c.Status(http.StatusOK)
	if err := metrics.WritePrometheus(c.Writer); err != nil {
		logrus.Warnf("write metrics: %v", err)
	}
}
