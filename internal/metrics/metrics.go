// ============================================================================
// dialog-forge Metrics - Prometheus 監控指標
// ============================================================================
//
// Package: internal/metrics
// 文件: metrics.go
// 功能: 收集和暴露生成引擎的運行指標，支持 Prometheus 監控
//
// 指標分類:
//
//   1. 生成計數器 (Counter)：
//      - dialogforge_groups_total{result}: 已完成的組（success / failure）
//      - dialogforge_items_total{variant,result}: 每個變體的生成結果
//      - dialogforge_api_requests_total{outcome}: LLM 呼叫結果（success / 失敗種類）
//      - dialogforge_api_retries_total{kind}: 因暫時性錯誤而重試的次數
//      - dialogforge_tokens_total: 回報的 token 用量
//
//   2. 持久化計數器 (Counter)：
//      - dialogforge_writer_appends_total / _bytes_total / _errors_total / _rotations_total
//
//   3. 性能指標 (Histogram)：
//      - dialogforge_api_latency_seconds: 單次呼叫延遲（含重試）
//        * 桶分佈: 0.1s 起，每次乘 2，共 10 個桶
//
//   4. 狀態指標 (Gauge)：
//      - dialogforge_workers_alive / _active / _failed
//      - dialogforge_estimated_cost_usd
//
// Prometheus 查詢示例:
//
//   # 每分鐘寫入的紀錄
//   rate(dialogforge_writer_appends_total[1m])
//
//   # 呼叫失敗率
//   sum(rate(dialogforge_api_requests_total{outcome!="success"}[5m]))
//     / sum(rate(dialogforge_api_requests_total[5m]))
//
// 所有方法對 nil *Collector 安全，未啟用監控時可直接傳 nil。
//
// ============================================================================

package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "dialogforge"

// Collector Prometheus 指標收集器
type Collector struct {
	// 生成相關指標
	groups      *prometheus.CounterVec
	items       *prometheus.CounterVec
	apiRequests *prometheus.CounterVec
	apiRetries  *prometheus.CounterVec
	tokens      prometheus.Counter

	// 持久化指標
	appends      prometheus.Counter
	bytesWritten prometheus.Counter
	writeErrors  prometheus.Counter
	rotations    prometheus.Counter

	// 效能指標
	apiLatency prometheus.Histogram

	// 狀態指標
	workersAlive  prometheus.Gauge
	workersActive prometheus.Gauge
	workersFailed prometheus.Gauge
	estimatedCost prometheus.Gauge
}

// NewCollector 創建新的指標收集器並註冊到 prometheus.DefaultRegisterer
func NewCollector() *Collector {
	return NewCollectorWith(prometheus.DefaultRegisterer)
}

// NewCollectorWith 創建指標收集器並註冊到指定的 Registerer
func NewCollectorWith(reg prometheus.Registerer) *Collector {
	f := promauto.With(reg)
	return &Collector{
		groups: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "groups_total",
			Help:      "Total number of generation groups by result",
		}, []string{"result"}),
		items: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "items_total",
			Help:      "Total number of per-variant generation attempts by result",
		}, []string{"variant", "result"}),
		apiRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "api_requests_total",
			Help:      "Total number of LLM calls by outcome",
		}, []string{"outcome"}),
		apiRetries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "api_retries_total",
			Help:      "Total number of retried LLM attempts by failure kind",
		}, []string{"kind"}),
		tokens: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tokens_total",
			Help:      "Total tokens reported by the LLM endpoint",
		}),
		appends: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "writer_appends_total",
			Help:      "Total number of records durably appended",
		}),
		bytesWritten: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "writer_bytes_total",
			Help:      "Total bytes appended to the output file",
		}),
		writeErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "writer_errors_total",
			Help:      "Total number of failed appends",
		}),
		rotations: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "writer_rotations_total",
			Help:      "Total number of output file rotations",
		}),
		apiLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "api_latency_seconds",
			Help:      "LLM call latency in seconds, retries included",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 10),
		}),
		workersAlive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "workers_alive",
			Help:      "Current number of live workers",
		}),
		workersActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "workers_active",
			Help:      "Current number of workers inside a group",
		}),
		workersFailed: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "workers_failed",
			Help:      "Current number of workers stopped by the error threshold",
		}),
		estimatedCost: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "estimated_cost_usd",
			Help:      "Estimated spend derived from token usage",
		}),
	}
}

func result(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}

// RecordGroup 記錄一組生成結束
func (c *Collector) RecordGroup(ok bool) {
	if c == nil {
		return
	}
	c.groups.WithLabelValues(result(ok)).Inc()
}

// RecordItem 記錄單一變體的生成結果
func (c *Collector) RecordItem(variant string, ok bool) {
	if c == nil {
		return
	}
	c.items.WithLabelValues(variant, result(ok)).Inc()
}

// RecordAPICall 記錄一次完整呼叫（outcome 為 "success" 或失敗種類）
func (c *Collector) RecordAPICall(outcome string, latencySeconds float64) {
	if c == nil {
		return
	}
	c.apiRequests.WithLabelValues(outcome).Inc()
	c.apiLatency.Observe(latencySeconds)
}

// RecordRetry 記錄一次重試
func (c *Collector) RecordRetry(kind string) {
	if c == nil {
		return
	}
	c.apiRetries.WithLabelValues(kind).Inc()
}

// AddTokens 累加 token 用量
func (c *Collector) AddTokens(n int) {
	if c == nil || n <= 0 {
		return
	}
	c.tokens.Add(float64(n))
}

// RecordAppend 記錄一次成功寫入
func (c *Collector) RecordAppend(bytes int) {
	if c == nil {
		return
	}
	c.appends.Inc()
	c.bytesWritten.Add(float64(bytes))
}

// RecordWriteError 記錄寫入失敗
func (c *Collector) RecordWriteError() {
	if c == nil {
		return
	}
	c.writeErrors.Inc()
}

// RecordRotation 記錄檔案旋轉
func (c *Collector) RecordRotation() {
	if c == nil {
		return
	}
	c.rotations.Inc()
}

// UpdateWorkerStats 更新 worker 狀態統計
func (c *Collector) UpdateWorkerStats(alive, active, failed int) {
	if c == nil {
		return
	}
	c.workersAlive.Set(float64(alive))
	c.workersActive.Set(float64(active))
	c.workersFailed.Set(float64(failed))
}

// SetEstimatedCost 設置估算花費
func (c *Collector) SetEstimatedCost(usd float64) {
	if c == nil {
		return
	}
	c.estimatedCost.Set(usd)
}

// Handler 回傳 /metrics 端點
func Handler() http.Handler {
	return promhttp.Handler()
}

// StartServer 啟動 Prometheus metrics HTTP 伺服器，ctx 取消時優雅關閉
//
// 參數：
//   - ctx: 控制伺服器生命週期
//   - addr: 監聽地址，例如 ":9090"
//
// 返回值：
//   - error: 啟動失敗或非正常關閉的錯誤
func StartServer(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
