// Package http 提供订单的 REST 接口。
package http

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	accountdomain "github.com/wyfcoding/cryptoledger/internal/account/domain"
	"github.com/wyfcoding/cryptoledger/internal/order/application"
	"github.com/wyfcoding/cryptoledger/internal/order/domain"
	riskdomain "github.com/wyfcoding/cryptoledger/internal/risk/domain"
)

// OrderHandler 订单接口处理器
type OrderHandler struct {
	svc *application.OrderService
}

// NewOrderHandler 创建订单接口处理器
func NewOrderHandler(svc *application.OrderService) *OrderHandler {
	return &OrderHandler{svc: svc}
}

// RegisterRoutes 注册路由
func (h *OrderHandler) RegisterRoutes(r *gin.RouterGroup) {
	orders := r.Group("/orders")
	{
		orders.POST("", h.SubmitOrder)
		orders.GET("", h.ListOrders)
		orders.GET("/:id", h.GetOrder)
		orders.DELETE("/:id", h.CancelOrder)
	}
}

// SubmitOrder 下单。风控拒绝返回 422 并附拒绝规则与原因，订单以 REJECTED 落库。
func (h *OrderHandler) SubmitOrder(c *gin.Context) {
	var req application.SubmitOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	order, err := h.svc.SubmitOrder(c.Request.Context(), &req)
	if err != nil {
		var denial *riskdomain.Denial
		if errors.As(err, &denial) {
			c.JSON(http.StatusUnprocessableEntity, gin.H{
				"order": order, "rule": denial.Rule, "reason": denial.Reason,
			})
			return
		}
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, order)
}

// GetOrder 查询订单
func (h *OrderHandler) GetOrder(c *gin.Context) {
	order, err := h.svc.GetOrder(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, order)
}

// ListOrders 按账户分页查询订单
func (h *OrderHandler) ListOrders(c *gin.Context) {
	accountID := c.Query("account_id")
	if accountID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "account_id is required"})
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))

	orders, total, err := h.svc.ListOrders(c.Request.Context(), accountID, limit, offset)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"total": total, "orders": orders})
}

// CancelOrder 取消订单并解锁剩余资金
func (h *OrderHandler) CancelOrder(c *gin.Context) {
	order, err := h.svc.CancelOrder(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, order)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, application.ErrOrderNotFound),
		errors.Is(err, application.ErrAccountNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrInvalidTransition),
		errors.Is(err, accountdomain.ErrAccountSuspended),
		errors.Is(err, accountdomain.ErrAccountNotVerified),
		errors.Is(err, accountdomain.ErrInsufficientFunds):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
