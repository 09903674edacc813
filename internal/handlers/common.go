package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"homeservice/internal/services"

	"github.com/gin-gonic/gin"
)

// ErrorResponse 错误响应结构
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Code    int    `json:"code,omitempty"`
}

// PaginatedResponse 分页响应结构
type PaginatedResponse struct {
	Data     interface{} `json:"data"`
	Total    int64       `json:"total"`
	Page     int         `json:"page"`
	PageSize int         `json:"page_size"`
	Pages    int         `json:"pages"`
}

// SuccessResponse 成功响应结构
type SuccessResponse struct {
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func respondError(c *gin.Context, status int, errType, message string) {
	c.JSON(status, ErrorResponse{Error: errType, Message: message, Code: status})
}

// respondServiceError 将 service 层错误映射为 HTTP 状态码
func respondServiceError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, services.ErrHookNotFound), errors.Is(err, services.ErrEntityNotFound),
		errors.Is(err, services.ErrPendingNotFound):
		respondError(c, http.StatusNotFound, "Not found", err.Error())
	case errors.Is(err, services.ErrInvalidHook), errors.Is(err, services.ErrUnsupportedEvent),
		errors.Is(err, services.ErrUnsupportedEntity):
		respondError(c, http.StatusBadRequest, "Invalid request", err.Error())
	default:
		respondError(c, http.StatusInternalServerError, "Internal error", err.Error())
	}
}

func parseID(c *gin.Context) (uint, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		respondError(c, http.StatusBadRequest, "Invalid ID", "id must be a positive integer")
		return 0, false
	}
	return uint(id), true
}

func queryInt(c *gin.Context, key string, def int) int {
	v, err := strconv.Atoi(c.Query(key))
	if err != nil {
		return def
	}
	return v
}
