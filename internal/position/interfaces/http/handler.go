// Package http 提供持仓与绩效的 REST 接口。
package http

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/wyfcoding/cryptoledger/internal/position/application"
)

// PositionHandler 持仓接口处理器
type PositionHandler struct {
	svc *application.PositionService
}

// NewPositionHandler 创建持仓接口处理器
func NewPositionHandler(svc *application.PositionService) *PositionHandler {
	return &PositionHandler{svc: svc}
}

// RegisterRoutes 注册路由
func (h *PositionHandler) RegisterRoutes(r *gin.RouterGroup) {
	accounts := r.Group("/accounts/:id")
	{
		accounts.GET("/positions", h.ListPositions)
		accounts.GET("/positions/:symbol", h.GetPosition)
		accounts.POST("/positions/:symbol/mark", h.MarkToMarket)
		accounts.GET("/performance", h.ListPerformance)
	}
}

// ListPositions 查询账户全部持仓
func (h *PositionHandler) ListPositions(c *gin.Context) {
	positions, err := h.svc.ListPositions(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"account_id": c.Param("id"), "positions": positions})
}

// GetPosition 查询单交易对持仓
func (h *PositionHandler) GetPosition(c *gin.Context) {
	position, err := h.svc.GetPosition(c.Request.Context(), c.Param("id"), c.Param("symbol"))
	if err != nil {
		if errors.Is(err, application.ErrPositionNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, position)
}

type markRequest struct {
	MarkPrice string `json:"mark_price" binding:"required"`
}

// MarkToMarket 按标记价刷新估值
func (h *PositionHandler) MarkToMarket(c *gin.Context) {
	var req markRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	markPrice, err := decimal.NewFromString(req.MarkPrice)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid mark_price"})
		return
	}
	position, err := h.svc.MarkToMarket(c.Request.Context(), c.Param("id"), c.Param("symbol"), markPrice)
	if err != nil {
		if errors.Is(err, application.ErrPositionNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, position)
}

// ListPerformance 查询每日绩效
func (h *PositionHandler) ListPerformance(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "30"))
	metrics, err := h.svc.ListPerformance(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"account_id": c.Param("id"), "performance": metrics})
}
