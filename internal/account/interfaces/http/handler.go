// Package http 提供账户与资金的 REST 接口。
package http

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/wyfcoding/cryptoledger/internal/account/application"
	"github.com/wyfcoding/cryptoledger/internal/account/domain"
)

// AccountHandler 账户接口处理器
type AccountHandler struct {
	svc *application.AccountService
}

// NewAccountHandler 创建账户接口处理器
func NewAccountHandler(svc *application.AccountService) *AccountHandler {
	return &AccountHandler{svc: svc}
}

// RegisterRoutes 注册路由
func (h *AccountHandler) RegisterRoutes(r *gin.RouterGroup) {
	accounts := r.Group("/accounts")
	{
		accounts.POST("", h.CreateAccount)
		accounts.GET("/:id", h.GetAccount)
		accounts.POST("/:id/verify", h.VerifyAccount)
		accounts.POST("/:id/deposits", h.Deposit)
		accounts.POST("/:id/withdrawals", h.Withdraw)
		accounts.GET("/:id/balances", h.GetBalances)
		accounts.GET("/:id/balances/:currency", h.GetBalance)
		accounts.GET("/:id/audit", h.ListAudit)
		accounts.DELETE("/:id", h.CloseAccount)
	}
}

// CreateAccount 开户
func (h *AccountHandler) CreateAccount(c *gin.Context) {
	var req application.CreateAccountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	account, err := h.svc.CreateAccount(c.Request.Context(), &req)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, account)
}

// GetAccount 查询账户
func (h *AccountHandler) GetAccount(c *gin.Context) {
	account, err := h.svc.GetAccount(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, account)
}

// VerifyAccount 标记账户通过实盘验证
func (h *AccountHandler) VerifyAccount(c *gin.Context) {
	account, err := h.svc.Verify(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, account)
}

type transferRequest struct {
	Currency string `json:"currency" binding:"required"`
	Amount   string `json:"amount" binding:"required"`
}

// Deposit 入金
func (h *AccountHandler) Deposit(c *gin.Context) {
	h.transfer(c, h.svc.Deposit)
}

// Withdraw 出金
func (h *AccountHandler) Withdraw(c *gin.Context) {
	h.transfer(c, h.svc.Withdraw)
}

func (h *AccountHandler) transfer(c *gin.Context,
	apply func(ctx context.Context, accountID, currency string, amount decimal.Decimal) (*domain.Balance, error)) {

	var req transferRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid amount"})
		return
	}
	balance, err := apply(c.Request.Context(), c.Param("id"), req.Currency, amount)
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, balance)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, application.ErrAccountNotFound):
		return http.StatusNotFound
	case errors.Is(err, application.ErrAccountHasExposure),
		errors.Is(err, domain.ErrAccountSuspended),
		errors.Is(err, domain.ErrInsufficientFunds):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// GetBalances 查询余额
func (h *AccountHandler) GetBalances(c *gin.Context) {
	balances, err := h.svc.GetBalances(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"account_id": c.Param("id"), "balances": balances})
}

// GetBalance 查询单币种余额
func (h *AccountHandler) GetBalance(c *gin.Context) {
	balance, err := h.svc.GetBalance(c.Request.Context(), c.Param("id"), c.Param("currency"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, balance)
}

// ListAudit 查询审计日志
func (h *AccountHandler) ListAudit(c *gin.Context) {
	limit, offset := pagination(c)
	entries, total, err := h.svc.ListAudit(c.Request.Context(), c.Param("id"), limit, offset)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"total": total, "entries": entries})
}

// CloseAccount 关闭账户
func (h *AccountHandler) CloseAccount(c *gin.Context) {
	if err := h.svc.CloseAccount(c.Request.Context(), c.Param("id")); err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"account_id": c.Param("id"), "status": "closed"})
}

func pagination(c *gin.Context) (limit, offset int) {
	limit, _ = strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ = strconv.Atoi(c.DefaultQuery("offset", "0"))
	return limit, offset
}
