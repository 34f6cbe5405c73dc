// Package http 提供风控事件的 REST 接口。
package http

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/wyfcoding/cryptoledger/internal/risk/application"
	"github.com/wyfcoding/cryptoledger/internal/risk/domain"
)

// RiskHandler 风控事件接口处理器
type RiskHandler struct {
	svc *application.RiskEventService
}

// NewRiskHandler 创建风控事件接口处理器
func NewRiskHandler(svc *application.RiskEventService) *RiskHandler {
	return &RiskHandler{svc: svc}
}

// RegisterRoutes 注册路由
func (h *RiskHandler) RegisterRoutes(r *gin.RouterGroup) {
	events := r.Group("/risk-events")
	{
		events.GET("", h.ListEvents)
		events.POST("/:id/acknowledge", h.Acknowledge)
		events.POST("/:id/resolve", h.Resolve)
	}
}

// ListEvents 查询风控事件
func (h *RiskHandler) ListEvents(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))

	events, total, err := h.svc.List(c.Request.Context(),
		c.Query("account_id"), domain.RiskEventStatus(c.Query("status")), limit, offset)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"total": total, "events": events})
}

type reviewRequest struct {
	Reviewer string `json:"reviewer" binding:"required"`
	Notes    string `json:"notes"`
}

// Acknowledge 复核人确认事件
func (h *RiskHandler) Acknowledge(c *gin.Context) {
	var req reviewRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	event, err := h.svc.Acknowledge(c.Request.Context(), c.Param("id"), req.Reviewer)
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, event)
}

// Resolve 关闭事件
func (h *RiskHandler) Resolve(c *gin.Context) {
	var req reviewRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	event, err := h.svc.Resolve(c.Request.Context(), c.Param("id"), req.Reviewer, req.Notes)
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, event)
}

func statusFor(err error) int {
	if errors.Is(err, domain.ErrEventClosed) {
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}
