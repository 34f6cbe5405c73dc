// Package http 提供对账的 REST 接口。
package http

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/wyfcoding/cryptoledger/internal/reconciliation/application"
	"github.com/wyfcoding/cryptoledger/internal/reconciliation/domain"
)

// ReconciliationHandler 对账接口处理器
type ReconciliationHandler struct {
	engine *application.Engine
}

// NewReconciliationHandler 创建对账接口处理器
func NewReconciliationHandler(engine *application.Engine) *ReconciliationHandler {
	return &ReconciliationHandler{engine: engine}
}

// RegisterRoutes 注册路由
func (h *ReconciliationHandler) RegisterRoutes(r *gin.RouterGroup) {
	recon := r.Group("/reconciliation")
	{
		recon.GET("/records", h.ListRecords)
		recon.POST("/records/:id/resolve", h.ResolveRecord)
		recon.POST("/run/:accountId", h.RunPass)
	}
}

// ListRecords 查询对账条目
func (h *ReconciliationHandler) ListRecords(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))

	records, total, err := h.engine.ListRecords(c.Request.Context(),
		c.Query("account_id"), domain.RecordStatus(c.Query("status")), limit, offset)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"total": total, "records": records})
}

type resolveRequest struct {
	Resolution string `json:"resolution" binding:"required"`
	Notes      string `json:"notes"`
}

// ResolveRecord 人工处理差异
func (h *ReconciliationHandler) ResolveRecord(c *gin.Context) {
	var req resolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	record, err := h.engine.ResolveRecord(c.Request.Context(), c.Param("id"), req.Resolution, req.Notes)
	if err != nil {
		switch {
		case errors.Is(err, application.ErrRecordNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		case errors.Is(err, domain.ErrRecordClosed):
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
		return
	}
	c.JSON(http.StatusOK, record)
}

// RunPass 手动触发一轮对账
func (h *ReconciliationHandler) RunPass(c *gin.Context) {
	summary, err := h.engine.RunPass(c.Request.Context(), c.Param("accountId"))
	if err != nil {
		if errors.Is(err, application.ErrNoSnapshot) {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, summary)
}
