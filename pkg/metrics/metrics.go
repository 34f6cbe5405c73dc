// Package metrics 提供 Prometheus 指标集合与 /metrics HTTP 服务。
package metrics

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/wyfcoding/cryptoledger/pkg/logger"
)

// Metrics 账本核心的业务与技术指标集合
type Metrics struct {
	// 订单
	OrdersSubmitted prometheus.Counter
	OrdersRejected  prometheus.Counter
	OrdersFilled    prometheus.Counter
	OrdersCancelled prometheus.Counter

	// 成交
	FillsIngested   prometheus.Counter
	FillsDuplicated prometheus.Counter
	FillsQuarantine prometheus.Counter

	// 对账
	ReconPasses        prometheus.Counter
	ReconDiscrepancies prometheus.Counter

	// 风险
	RiskEventsRaised *prometheus.CounterVec

	// 并发
	AccountLockWait prometheus.Histogram

	// HTTP
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration prometheus.Histogram
}

// New 创建指标实例
func New(serviceName string) *Metrics {
	return &Metrics{
		OrdersSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ledger", Subsystem: serviceName,
			Name: "orders_submitted_total", Help: "Total orders submitted",
		}),
		OrdersRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ledger", Subsystem: serviceName,
			Name: "orders_rejected_total", Help: "Total orders rejected by the risk gate",
		}),
		OrdersFilled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ledger", Subsystem: serviceName,
			Name: "orders_filled_total", Help: "Total orders fully filled",
		}),
		OrdersCancelled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ledger", Subsystem: serviceName,
			Name: "orders_cancelled_total", Help: "Total orders cancelled",
		}),
		FillsIngested: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ledger", Subsystem: serviceName,
			Name: "fills_ingested_total", Help: "Total fill reports applied to the ledger",
		}),
		FillsDuplicated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ledger", Subsystem: serviceName,
			Name: "fills_duplicated_total", Help: "Total duplicate fill reports dropped",
		}),
		FillsQuarantine: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ledger", Subsystem: serviceName,
			Name: "fills_quarantined_total", Help: "Total fill reports quarantined (overfill etc.)",
		}),
		ReconPasses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ledger", Subsystem: serviceName,
			Name: "reconciliation_passes_total", Help: "Total reconciliation passes executed",
		}),
		ReconDiscrepancies: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ledger", Subsystem: serviceName,
			Name: "reconciliation_discrepancies_total", Help: "Total discrepancy records created",
		}),
		RiskEventsRaised: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ledger", Subsystem: serviceName,
			Name: "risk_events_total", Help: "Total risk events raised",
		}, []string{"event_type", "severity"}),
		AccountLockWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "ledger", Subsystem: serviceName,
			Name: "account_lock_wait_seconds", Help: "Wait time for the per-account serialization slot",
			Buckets: prometheus.ExponentialBuckets(0.0001, 4, 10),
		}),
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ledger", Subsystem: serviceName,
			Name: "http_requests_total", Help: "Total HTTP requests",
		}, []string{"method", "path", "status"}),
		HTTPRequestDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "ledger", Subsystem: serviceName,
			Name: "http_request_duration_seconds", Help: "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		}),
	}
}

// Register 注册所有指标
func (m *Metrics) Register() error {
	collectors := []prometheus.Collector{
		m.OrdersSubmitted, m.OrdersRejected, m.OrdersFilled, m.OrdersCancelled,
		m.FillsIngested, m.FillsDuplicated, m.FillsQuarantine,
		m.ReconPasses, m.ReconDiscrepancies,
		m.RiskEventsRaised,
		m.AccountLockWait,
		m.HTTPRequestsTotal, m.HTTPRequestDuration,
	}
	for _, c := range collectors {
		if err := prometheus.DefaultRegisterer.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// StartHTTPServer 启动 Prometheus HTTP 服务器
func StartHTTPServer(port int, path string) {
	if path == "" {
		path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(path, promhttp.Handler())
	addr := fmt.Sprintf(":%d", port)

	go func() {
		logger.Info(context.Background(), "Starting metrics HTTP server", "addr", addr, "path", path)
		if err := http.ListenAndServe(addr, mux); err != nil {
			logger.Error(context.Background(), "Metrics HTTP server stopped", "error", err)
		}
	}()
}
