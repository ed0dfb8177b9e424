// ============================================================================
// dialog-forge Worker Pool - 生成 worker 監督者
// ============================================================================
//
// Package: internal/worker
// 文件: worker_pool.go
// 功能: 建立、啟動、監控、重啟與優雅停止多個生成 worker
//
// 架構組件:
//   ┌─────────────┐
//   │ Controller  │ --Start(n)/Stop(timeout)/RestartFailed()-->
//   └─────────────┘
//         ↑
//     Stats()/HealthCheck()
//         ↑
//   ┌──────────────────────────────┐
//   │   Pool                       │
//   │  ┌────────┐                  │
//   │  │Worker 1│──events──┐       │
//   │  │Worker 2│──events──┼──> aggregator ──> PoolStats 快照
//   │  │Worker 3│──events──┘       │
//   │  └────────┘                  │
//   └──────────────────────────────┘
//
// 生命週期:
//   1. NewPool() - 驗證設定與協作者
//   2. Start(n) - 先建立全部 n 個 worker（各自的 Caller），全部成功後才啟動 goroutine
//   3. RestartFailed() - 以相同 id 取代已退出的 worker
//   4. Stop(timeout) - 取消 context，等待 worker 退出，關閉 Caller
//
// 並發控制:
//   - context: pool 層級與 worker 層級的取消信號
//   - done channel: 每個 worker 退出時關閉，Stop 以計時器等待
//   - Mutex: 保護 running 狀態與 worker 列表
//   - aggregator: 單一 goroutine 彙總統計
//
// ============================================================================

package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"
)

// Pool 管理多個並發的生成 worker
type Pool struct {
	cfg  Config
	deps Deps
	log  *slog.Logger

	mu        sync.Mutex // 保護以下欄位
	running   bool
	cancel    context.CancelFunc
	ctx       context.Context
	workers   []*Worker
	stats     *aggregator
	startedAt time.Time
	stoppedAt time.Time
}

// NewPool 建立 Pool；設定或協作者不完整時回傳錯誤
func NewPool(cfg Config, deps Deps) (*Pool, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := deps.validate(); err != nil {
		return nil, err
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		cfg:  cfg,
		deps: deps,
		log:  logger.With("component", "pool"),
	}, nil
}

// Start 建立並啟動 count 個 worker（id 1..count）
//
// 任一 worker 建立失敗時，已建立的 Caller 全部關閉，沒有 goroutine 被啟動，
// 錯誤直接回傳給呼叫者。
func (p *Pool) Start(count int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return ErrPoolAlreadyRunning
	}
	if count < 1 {
		return ErrInvalidWorkerCount
	}

	stats := newAggregator(p.deps.Metrics)
	workers := make([]*Worker, 0, count)
	for id := 1; id <= count; id++ {
		w, err := p.build(id, stats)
		if err != nil {
			for _, built := range workers {
				built.caller.Close()
			}
			stats.stop()
			p.log.Error("pool start aborted", "worker_id", id, "error", err)
			return fmt.Errorf("start worker %d: %w", id, err)
		}
		workers = append(workers, w)
	}

	ctx, cancel := context.WithCancel(context.Background())
	for _, w := range workers {
		w.start(ctx)
	}

	p.ctx, p.cancel = ctx, cancel
	p.workers = workers
	p.stats = stats
	p.startedAt = time.Now()
	p.stoppedAt = time.Time{}
	p.running = true

	p.log.Info("pool started", "workers", count)
	return nil
}

func (p *Pool) build(id int, stats *aggregator) (*Worker, error) {
	caller, err := p.deps.NewCaller(id)
	if err != nil {
		return nil, fmt.Errorf("create caller: %w", err)
	}
	w, err := newWorker(id, p.cfg, p.deps, caller, stats.report)
	if err != nil {
		caller.Close()
		return nil, err
	}
	return w, nil
}

// Stop 取消所有 worker 並最多等待 timeout
//
// 未運行時直接回傳 nil。逾時仍未退出的 worker 以 *StopTimeoutError 回報。
// 無論是否逾時，每個 worker 的 Caller 都會被關閉。
func (p *Pool) Stop(timeout time.Duration) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	workers := p.workers
	cancel := p.cancel
	stats := p.stats
	p.mu.Unlock()

	p.log.Info("stopping pool", "workers", len(workers), "timeout", timeout)

	for _, w := range workers {
		w.RequestStop()
	}
	cancel()

	stragglers := waitForWorkers(workers, timeout)

	var closeErrs []error
	for _, w := range workers {
		if err := w.caller.Close(); err != nil {
			closeErrs = append(closeErrs, fmt.Errorf("close caller %d: %w", w.id, err))
		}
	}
	stats.stop()

	p.mu.Lock()
	p.stoppedAt = time.Now()
	p.mu.Unlock()

	if len(stragglers) > 0 {
		p.log.Warn("workers did not stop in time", "worker_ids", stragglers, "timeout", timeout)
		closeErrs = append(closeErrs, &StopTimeoutError{WorkerIDs: stragglers, Timeout: timeout})
	} else {
		p.log.Info("pool stopped")
	}
	return errors.Join(closeErrs...)
}

// waitForWorkers 回傳逾時後仍存活的 worker id
func waitForWorkers(workers []*Worker, timeout time.Duration) []int {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for i, w := range workers {
		select {
		case <-w.done:
		case <-timer.C:
			var ids []int
			for _, rest := range workers[i:] {
				if !rest.exited() {
					ids = append(ids, rest.id)
				}
			}
			return ids
		}
	}
	return nil
}

// RestartFailed 以相同 id 的新 worker 取代已退出的 worker，回傳重啟數量
func (p *Pool) RestartFailed() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.running {
		return 0
	}

	restarted := 0
	for i, old := range p.workers {
		if !old.exited() {
			continue
		}
		w, err := p.build(old.id, p.stats)
		if err != nil {
			p.log.Error("restart worker failed", "worker_id", old.id, "error", err)
			continue
		}
		old.caller.Close()
		w.start(p.ctx)
		p.workers[i] = w
		restarted++
		p.log.Info("worker restarted", "worker_id", old.id, "previous_state", old.State().String())
	}
	return restarted
}

// Stats 回傳統計快照
func (p *Pool) Stats() PoolStats {
	p.mu.Lock()
	workers := slices.Clone(p.workers)
	stats := p.stats
	startedAt, stoppedAt, running := p.startedAt, p.stoppedAt, p.running
	p.mu.Unlock()

	var s PoolStats
	if stats != nil {
		c := stats.load()
		s.Total, s.Successes, s.Failures = c.total, c.successes, c.failures
		s.ItemsWritten, s.ItemsFailed = c.itemsWritten, c.itemsFailed
	}
	if s.Total > 0 {
		s.SuccessRate = float64(s.Successes) / float64(s.Total)
	}
	s.StartedAt = startedAt
	switch {
	case startedAt.IsZero():
	case running:
		s.Uptime = time.Since(startedAt)
	default:
		s.Uptime = stoppedAt.Sub(startedAt)
	}
	for _, w := range workers {
		info := w.info()
		if info.Alive {
			s.AliveWorkers++
		}
		if info.Active {
			s.ActiveWorkers++
		}
	}
	return s
}

// HealthCheck 回傳每個 worker 的存活與活動狀態
func (p *Pool) HealthCheck() Health {
	p.mu.Lock()
	workers := slices.Clone(p.workers)
	running := p.running
	p.mu.Unlock()

	h := Health{Running: running, Total: len(workers), Workers: make([]WorkerInfo, 0, len(workers))}
	for _, w := range workers {
		info := w.info()
		if info.Alive {
			h.Alive++
		}
		if info.Active {
			h.Active++
		}
		if w.State() == StateFailed {
			h.Failed++
		}
		h.Workers = append(h.Workers, info)
	}
	return h
}

// Running 檢查 Pool 是否運行中
func (p *Pool) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// WorkerCount 返回當前 Worker 數量
func (p *Pool) WorkerCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}
