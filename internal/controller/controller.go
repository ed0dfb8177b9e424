// ============================================================================
// dialog-forge 控制器 - 生成引擎協調器
// ============================================================================
//
// Package: internal/controller
// 文件: controller.go
// 功能: 由設定組裝所有模組，監控 worker pool，並負責優雅關閉
//
// 架構設計:
//   控制器負責協調以下組件：
//   - jsonl.Writer: 持久化輸出（行程內互斥 + 跨行程檔案鎖 + 旋轉）
//   - worker.Pool: 生成 worker 監督者
//   - llm.Client: 每個 worker 一個，由 caller factory 建立
//   - snapshot.Manager: 執行摘要（供 status 指令讀取）
//   - metrics.Collector / server.HealthServer: 可選的觀測端點
//
// 監控循環 (monitor loop):
//   每 monitor.stats_interval 執行一次：
//   1. 記錄進度（成功組、失敗組、活動 worker、成功率、輸出大小）
//   2. 更新 Prometheus gauge 與 gRPC 健康狀態
//   3. 寫入執行摘要
//   4. restart_failed 開啟時重啟已退出的 worker；
//      關閉時若全部 worker 已退出則關閉 Done()
//
// 關閉順序:
//   1. close(stopCh) → 停止監控循環
//   2. pool.Stop(timeout) → 取消 worker、等待、關閉 Caller
//   3. writer.Close()
//   4. 寫入最終摘要
//
// ============================================================================

package controller

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"github.com/ChuLiYu/dialog-forge/internal/config"
	"github.com/ChuLiYu/dialog-forge/internal/generation"
	"github.com/ChuLiYu/dialog-forge/internal/llm"
	"github.com/ChuLiYu/dialog-forge/internal/metrics"
	"github.com/ChuLiYu/dialog-forge/internal/server"
	"github.com/ChuLiYu/dialog-forge/internal/snapshot"
	"github.com/ChuLiYu/dialog-forge/internal/storage/jsonl"
	"github.com/ChuLiYu/dialog-forge/internal/worker"
	"github.com/ChuLiYu/dialog-forge/pkg/types"
)

// ErrAlreadyStarted 表示 Start 被重複呼叫
var ErrAlreadyStarted = errors.New("controller already started")

// ============================================================================
// 資料結構定義
// ============================================================================

// Options 可選的協作者；nil 欄位使用預設值
type Options struct {
	Logger  *slog.Logger
	Metrics *metrics.Collector
	Health  *server.HealthServer

	// NewCaller 取代預設的 llm.Client factory（測試用）
	NewCaller worker.CallerFactory
}

// usageReporter 由 *llm.Client 實作
type usageReporter interface {
	Usage() llm.Usage
}

// Controller 核心控制器
type Controller struct {
	cfg     *config.Config
	opts    Options
	log     *slog.Logger
	runID   string
	writer  *jsonl.Writer
	pool    *worker.Pool
	summary *snapshot.Manager

	mu        sync.Mutex // 保護以下欄位
	callers   []worker.Caller
	started   bool
	stopped   bool
	startedAt time.Time

	stopCh   chan struct{}  // 停止監控循環
	done     chan struct{}  // 全部 worker 退出且不重啟時關閉
	doneOnce sync.Once
	loopWg   sync.WaitGroup // 等待監控循環退出
}

// ============================================================================
// 核心方法實作
// ============================================================================

// New 依設定組裝 writer、generation 協作者與 worker pool
//
// 設定必須已通過 Validate。輸出檔案在此開啟（必要時隔離損壞檔案），
// worker 與 Caller 直到 Start 才建立。
func New(cfg *config.Config, opts Options) (*Controller, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	runID := uuid.NewString()
	logger = logger.With("run_id", runID)

	themes, err := generation.NewThemeSampler(generation.ThemeConfig{
		Templates: cfg.PromptTemplates.Templates,
		Words:     cfg.PromptTemplates.Words,
		Fallback:  cfg.PromptTemplates.FallbackWord,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create theme sampler: %w", err)
	}

	prompts, err := generation.NewPromptBuilder(generation.PromptConfig{
		Base:     cfg.PromptTemplates.Base,
		MinLines: cfg.Generation.DialogLines.Min,
		MaxLines: cfg.Generation.DialogLines.Max,
		Example:  cfg.OutputSchema.Example,
		Fields:   cfg.OutputSchema.Fields,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create prompt builder: %w", err)
	}

	validator := generation.NewValidator(cfg.OutputSchema.Fields, logger)
	var metadata []string
	if cfg.OutputSchema.IncludeMetadata {
		metadata = types.MetadataFields
	}

	writer, err := jsonl.NewWriter(jsonl.Options{
		FieldOrder:  validator.FieldOrder(metadata...),
		Path:        cfg.Output.Filename,
		MaxBytes:    int64(cfg.Output.MaxFileSize),
		BackupCount: cfg.Output.BackupCount,
		LockTimeout: cfg.Output.LockTimeout.Std(),
		Logger:      logger,
		Metrics:     opts.Metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open output: %w", err)
	}

	c := &Controller{
		cfg:     cfg,
		opts:    opts,
		log:     logger.With("component", "controller"),
		runID:   runID,
		writer:  writer,
		summary: snapshot.NewManager(cfg.Monitor.SummaryPath),
		stopCh:  make(chan struct{}),
		done:    make(chan struct{}),
	}

	newCaller := opts.NewCaller
	if newCaller == nil {
		newCaller = c.newClient
	}

	pool, err := worker.NewPool(worker.Config{
		MaxConsecutiveErrors: cfg.Generation.MaxErrors,
		ItemDelay:            cfg.Generation.ItemDelay.Std(),
		GroupDelay:           cfg.Generation.GroupDelay.Std(),
		ErrorCooldown:        cfg.Generation.ErrorCooldown.Std(),
		Variants:             cfg.Generation.Languages,
		Temperature:          cfg.Generation.Temperature,
		Metadata:             metadata,
	}, worker.Deps{
		Themes:    themes,
		Prompts:   prompts,
		Validator: validator,
		Writer:    writer,
		NewCaller: c.trackCaller(newCaller),
		Logger:    logger,
		Metrics:   opts.Metrics,
	})
	if err != nil {
		writer.Close()
		return nil, fmt.Errorf("failed to create worker pool: %w", err)
	}
	c.pool = pool
	return c, nil
}

// newClient 預設的 caller factory：每個 worker 一個 llm.Client
func (c *Controller) newClient(workerID int) (worker.Caller, error) {
	api := c.cfg.API
	return llm.New(llm.Options{
		BaseURL:        api.BaseURL,
		APIKey:         api.APIKey,
		Model:          api.Model,
		MaxTokens:      api.MaxTokens,
		Timeout:        api.Timeout.Std(),
		MaxRetries:     api.MaxRetries,
		BaseDelay:      api.RetryBaseDelay.Std(),
		MaxDelay:       api.RetryMaxDelay.Std(),
		FailFastOnAuth: api.FailFastOnAuth,
		SystemPrompt:   api.SystemPrompt,
		JSONMode:       api.JSONMode,
		Logger:         c.log.With("worker_id", workerID),
		Metrics:        c.opts.Metrics,
	})
}

// trackCaller 記住每個建立的 Caller，用於彙總 token 與花費
func (c *Controller) trackCaller(next worker.CallerFactory) worker.CallerFactory {
	return func(workerID int) (worker.Caller, error) {
		caller, err := next(workerID)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.callers = append(c.callers, caller)
		c.mu.Unlock()
		return caller, nil
	}
}

// Start 啟動 worker pool 與監控循環
func (c *Controller) Start() error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return ErrAlreadyStarted
	}
	c.started = true
	c.startedAt = time.Now()
	c.mu.Unlock()

	threads := c.cfg.Generation.Threads
	if err := c.pool.Start(threads); err != nil {
		return fmt.Errorf("failed to start worker pool: %w", err)
	}

	c.loopWg.Add(1)
	go c.monitorLoop()

	c.log.Info("Controller started",
		"workers", threads,
		"languages", len(c.cfg.Generation.Languages),
		"output", c.writer.Path(),
		"model", c.cfg.API.Model)
	return nil
}

// Done 在全部 worker 已退出且未開啟 restart_failed 時關閉
func (c *Controller) Done() <-chan struct{} {
	return c.done
}

// RunID 本次執行的識別碼
func (c *Controller) RunID() string {
	return c.runID
}

// ============================================================================
// 監控循環
// ============================================================================

func (c *Controller) monitorLoop() {
	defer c.loopWg.Done()
	ticker := time.NewTicker(c.cfg.Monitor.StatsInterval.Std())
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			c.log.Info("Monitor loop stopped")
			return
		case <-ticker.C:
			c.tick()
		}
	}
}

// tick 執行一次監控
func (c *Controller) tick() {
	s := c.Summary()
	c.observe(s)

	if err := c.summary.Write(s); err != nil {
		c.log.Error("Failed to write run summary", "error", err)
	}

	h := s.Health
	if h.Total == 0 || h.Alive == h.Total {
		return
	}
	if c.cfg.Monitor.RestartFailed {
		if n := c.pool.RestartFailed(); n > 0 {
			c.log.Warn("Restarted exited workers", "restarted", n)
		}
		return
	}
	if h.Alive == 0 {
		c.log.Error("All workers have exited", "failed", h.Failed)
		c.doneOnce.Do(func() { close(c.done) })
	}
}

// observe 記錄進度並更新觀測端點
func (c *Controller) observe(s snapshot.RunSummary) {
	c.log.Info("Progress",
		"groups", s.Pool.Total,
		"successes", s.Pool.Successes,
		"failures", s.Pool.Failures,
		"records", s.Writer.TotalWritten,
		"active_workers", s.Pool.ActiveWorkers,
		"alive_workers", s.Pool.AliveWorkers,
		"success_rate", fmt.Sprintf("%.1f%%", s.Pool.SuccessRate*100),
		"file_size", humanize.Bytes(uint64(max(s.Writer.SizeBytes, 0))),
		"tokens", s.Client.TotalTokens,
		"cost_usd", fmt.Sprintf("%.4f", s.Client.EstimatedCost))

	c.opts.Metrics.UpdateWorkerStats(s.Health.Alive, s.Health.Active, s.Health.Failed)
	c.opts.Metrics.SetEstimatedCost(s.Client.EstimatedCost)
	if c.opts.Health != nil {
		c.opts.Health.Update(s.Health)
	}
}

// ============================================================================
// 公開方法
// ============================================================================

// Summary 取得目前的執行摘要
func (c *Controller) Summary() snapshot.RunSummary {
	c.mu.Lock()
	callers := append([]worker.Caller(nil), c.callers...)
	startedAt := c.startedAt
	c.mu.Unlock()

	var usage llm.Usage
	for _, caller := range callers {
		if r, ok := caller.(usageReporter); ok {
			usage = usage.Add(r.Usage())
		}
	}
	if usage.Model == "" {
		usage.Model = c.cfg.API.Model
	}

	return snapshot.RunSummary{
		RunID:     c.runID,
		StartedAt: startedAt,
		UpdatedAt: time.Now(),
		Workers:   c.cfg.Generation.Threads,
		Pool:      c.pool.Stats(),
		Health:    c.pool.HealthCheck(),
		Writer:    c.writer.Stats(),
		Client:    usage,
	}
}

// Stop 優雅關閉 Controller
//
// timeout <= 0 時使用 monitor.stop_timeout。重複呼叫直接回傳 nil。
// 回傳 pool 與 writer 關閉過程中的錯誤（errors.Join）。
func (c *Controller) Stop(timeout time.Duration) error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		c.log.Info("Controller already stopped")
		return nil
	}
	c.stopped = true
	c.mu.Unlock()

	if timeout <= 0 {
		timeout = c.cfg.Monitor.StopTimeout.Std()
	}
	c.log.Info("Stopping controller...", "timeout", timeout)

	// 1. 停止監控循環
	close(c.stopCh)
	c.loopWg.Wait()

	// 2. 停止 worker pool
	var errs []error
	if err := c.pool.Stop(timeout); err != nil {
		errs = append(errs, fmt.Errorf("stop pool: %w", err))
	}

	// 3. 關閉輸出
	if err := c.writer.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close writer: %w", err))
	}

	// 4. 最終摘要
	s := c.Summary()
	s.Final = true
	c.observe(s)
	if err := c.summary.Write(s); err != nil {
		c.log.Error("Failed to write final run summary", "error", err)
	}

	c.log.Info("Controller stopped",
		"groups", s.Pool.Total,
		"successes", s.Pool.Successes,
		"failures", s.Pool.Failures,
		"records", s.Writer.TotalWritten,
		"uptime", s.Pool.Uptime.Round(time.Second),
		"requests", s.Client.Requests,
		"tokens", s.Client.TotalTokens,
		"cost_usd", fmt.Sprintf("%.4f", s.Client.EstimatedCost))
	return errors.Join(errs...)
}
