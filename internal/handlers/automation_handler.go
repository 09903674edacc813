package handlers

import (
	"net/http"
	"strconv"

	"homeservice/internal/models"
	"homeservice/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// AutomationHandler 自动化规则管理接口
type AutomationHandler struct {
	service *services.AutomationService
	feed    *services.AutomationFeed
	logger  *logrus.Logger
}

func NewAutomationHandler(service *services.AutomationService, feed *services.AutomationFeed, logger *logrus.Logger) *AutomationHandler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &AutomationHandler{service: service, feed: feed, logger: logger}
}

// TriggerRequest 手动触发请求
type TriggerRequest struct {
	Event      models.TriggerEvent `json:"event" binding:"required"`
	EntityKind models.EntityKind   `json:"entityKind" binding:"required"`
	EntityID   uint                `json:"entityId" binding:"required"`
	DryRun     bool                `json:"dryRun"`
}

// ListHooks 规则列表 GET /automations
func (h *AutomationHandler) ListHooks(c *gin.Context) {
	filter := services.HookFilter{
		Event:    models.TriggerEvent(c.Query("event")),
		Page:     queryInt(c, "page", 1),
		PageSize: queryInt(c, "page_size", 20),
	}
	if raw := c.Query("active"); raw != "" {
		active, err := strconv.ParseBool(raw)
		if err != nil {
			respondError(c, http.StatusBadRequest, "Invalid request", "active must be true or false")
			return
		}
		filter.Active = &active
	}

	hooks, total, err := h.service.ListHooks(c.Request.Context(), filter)
	if err != nil {
		respondServiceError(c, err)
		return
	}
	if filter.Page <= 0 {
		filter.Page = 1
	}
	if filter.PageSize <= 0 || filter.PageSize > 100 {
		filter.PageSize = 20
	}
	pages := int((total + int64(filter.PageSize) - 1) / int64(filter.PageSize))
	c.JSON(http.StatusOK, PaginatedResponse{
		Data:     hooks,
		Total:    total,
		Page:     filter.Page,
		PageSize: filter.PageSize,
		Pages:    pages,
	})
}

// CreateHook 创建规则 POST /automations
func (h *AutomationHandler) CreateHook(c *gin.Context) {
	var req services.HookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "Invalid request", err.Error())
		return
	}
	hook, err := h.service.CreateHook(c.Request.Context(), &req)
	if err != nil {
		respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusCreated, SuccessResponse{Message: "Automation hook created", Data: hook})
}

// GetHook 获取规则 GET /automations/:id
func (h *AutomationHandler) GetHook(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	hook, err := h.service.GetHook(c.Request.Context(), id)
	if err != nil {
		respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, SuccessResponse{Message: "ok", Data: hook})
}

// UpdateHook 更新规则 PUT /automations/:id
func (h *AutomationHandler) UpdateHook(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	var req services.HookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "Invalid request", err.Error())
		return
	}
	hook, err := h.service.UpdateHook(c.Request.Context(), id, &req)
	if err != nil {
		respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, SuccessResponse{Message: "Automation hook updated", Data: hook})
}

// ToggleHook 启用/停用规则 PATCH /automations/:id/toggle
func (h *AutomationHandler) ToggleHook(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	hook, err := h.service.ToggleHook(c.Request.Context(), id)
	if err != nil {
		respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, SuccessResponse{Message: "Automation hook toggled", Data: hook})
}

// DeleteHook 删除规则 DELETE /automations/:id
func (h *AutomationHandler) DeleteHook(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	if err := h.service.DeleteHook(c.Request.Context(), id); err != nil {
		respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, SuccessResponse{Message: "Automation hook deleted"})
}

// ListLogs 执行记录 GET /automations/:id/logs
func (h *AutomationHandler) ListLogs(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	logs, err := h.service.ListExecutionLogs(c.Request.Context(), id, queryInt(c, "limit", 0))
	if err != nil {
		respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, SuccessResponse{Message: "ok", Data: logs})
}

// ListPending 延迟动作列表 GET /automations/pending
func (h *AutomationHandler) ListPending(c *gin.Context) {
	rows, err := h.service.ListPendingActions(c.Request.Context(), c.Query("status"), queryInt(c, "limit", 50))
	if err != nil {
		respondError(c, http.StatusBadRequest, "Invalid request", err.Error())
		return
	}
	c.JSON(http.StatusOK, SuccessResponse{Message: "ok", Data: rows})
}

// Trigger 手动触发 POST /automations/trigger
func (h *AutomationHandler) Trigger(c *gin.Context) {
	var req TriggerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "Invalid request", err.Error())
		return
	}
	report, err := h.service.TriggerByID(c.Request.Context(), req.Event, req.EntityKind, req.EntityID, req.DryRun)
	if err != nil {
		respondServiceError(c, err)
		return
	}
	h.logger.Infof("manual trigger %s %s/%d dry_run=%t by user %d", req.Event, req.EntityKind, req.EntityID, req.DryRun, c.GetUint("user_id"))
	c.JSON(http.StatusOK, SuccessResponse{Message: "Automation triggered", Data: report})
}

// RegisterAutomationRoutes 注册自动化管理路由
func RegisterAutomationRoutes(group *gin.RouterGroup, h *AutomationHandler) {
	r := group.Group("/automations")
	r.GET("", h.ListHooks)
	r.POST("", h.CreateHook)
	r.GET("/pending", h.ListPending)
	r.POST("/trigger", h.Trigger)
	if h.feed != nil {
		r.GET("/stream", h.feed.HandleWebSocket)
	}
	r.GET("/:id", h.GetHook)
	r.PUT("/:id", h.UpdateHook)
	r.PATCH("/:id/toggle", h.ToggleHook)
	r.DELETE("/:id", h.DeleteHook)
	r.GET("/:id/logs", h.ListLogs)
}
