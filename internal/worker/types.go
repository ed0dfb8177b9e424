package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ChuLiYu/dialog-forge/internal/llm"
	"github.com/ChuLiYu/dialog-forge/internal/metrics"
	"github.com/ChuLiYu/dialog-forge/pkg/types"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrPoolAlreadyRunning 表示 Pool 已在運行，不可重複啟動
	ErrPoolAlreadyRunning = errors.New("worker pool already running")
	// ErrInvalidWorkerCount 表示 worker 數量小於 1
	ErrInvalidWorkerCount = errors.New("worker count must be at least 1")
	// ErrInvalidConfig 表示 worker 設定不完整
	ErrInvalidConfig = errors.New("invalid worker config")
)

// StopTimeoutError 表示 Stop 超時後仍未退出的 worker
type StopTimeoutError struct {
	WorkerIDs []int
	Timeout   time.Duration
}

func (e *StopTimeoutError) Error() string {
	return fmt.Sprintf("%d worker(s) still running after %s: %v", len(e.WorkerIDs), e.Timeout, e.WorkerIDs)
}

// ============================================================================
// Worker 狀態
// ============================================================================

// State worker 生命週期狀態
type State int32

const (
	StateIdle          State = iota // 已建立，尚未執行
	StateRunning                    // 主循環執行中
	StateStopRequested              // 已要求停止，等待當前組結束
	StateStopped                    // 正常退出
	StateFailed                     // 連續錯誤達到上限而退出
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateStopRequested:
		return "stop_requested"
	case StateStopped:
		return "stopped"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// ============================================================================
// 協作者介面
// ============================================================================

// Caller 發出一次生成請求（*llm.Client 實作）
type Caller interface {
	Call(ctx context.Context, prompt string, temperature float64) llm.Result
	Close() error
}

// CallerFactory 為每個 worker 建立獨立的 Caller
type CallerFactory func(workerID int) (Caller, error)

// Appender 持久化一筆紀錄（*jsonl.Writer 實作）
type Appender interface {
	Append(rec types.Record) error
}

// ThemeSource 產生一組的主題
type ThemeSource interface {
	Next() string
}

// PromptSource 為變體與主題產生提示詞
type PromptSource interface {
	Build(code, name, theme string) string
}

// RecordValidator 驗證與清理回應
type RecordValidator interface {
	IsValid(rec types.Record) bool
	Clean(rec types.Record) types.Record
	FilterToSchema(rec types.Record, extra ...string) types.Record
}

// ============================================================================
// 設定
// ============================================================================

// Config Pool 與 worker 的設定，Start 之後不可變
type Config struct {
	MaxConsecutiveErrors int
	ItemDelay            types.DurationRange // 同組變體之間
	GroupDelay           types.DurationRange // 組與組之間
	ErrorCooldown        time.Duration       // 組內 panic 之後
	Variants             []types.Variant
	Temperature          types.Range
	Metadata             []string // 未宣告但仍保留的中繼資料欄位；nil 表示只保留宣告欄位
}

// Validate 檢查設定是否可建立 worker
func (c Config) Validate() error {
	switch {
	case c.MaxConsecutiveErrors < 1:
		return fmt.Errorf("%w: max consecutive errors must be at least 1", ErrInvalidConfig)
	case len(c.Variants) == 0:
		return fmt.Errorf("%w: no variants", ErrInvalidConfig)
	case c.Temperature.Min > c.Temperature.Max:
		return fmt.Errorf("%w: temperature range [%g, %g]", ErrInvalidConfig, c.Temperature.Min, c.Temperature.Max)
	case c.ItemDelay.Min > c.ItemDelay.Max || c.GroupDelay.Min > c.GroupDelay.Max:
		return fmt.Errorf("%w: delay range min greater than max", ErrInvalidConfig)
	}
	return nil
}

// Deps worker 依賴的外部協作者
type Deps struct {
	Themes    ThemeSource
	Prompts   PromptSource
	Validator RecordValidator
	Writer    Appender
	NewCaller CallerFactory

	Logger  *slog.Logger
	Metrics *metrics.Collector
}

func (d Deps) validate() error {
	switch {
	case d.Themes == nil:
		return fmt.Errorf("%w: missing theme source", ErrInvalidConfig)
	case d.Prompts == nil:
		return fmt.Errorf("%w: missing prompt source", ErrInvalidConfig)
	case d.Validator == nil:
		return fmt.Errorf("%w: missing validator", ErrInvalidConfig)
	case d.Writer == nil:
		return fmt.Errorf("%w: missing writer", ErrInvalidConfig)
	case d.NewCaller == nil:
		return fmt.Errorf("%w: missing caller factory", ErrInvalidConfig)
	}
	return nil
}

// ============================================================================
// 觀測資料
// ============================================================================

// WorkerInfo 單一 worker 的健康資訊
type WorkerInfo struct {
	ID                int    `json:"id"`
	State             string `json:"state"`
	Alive             bool   `json:"alive"`
	Active            bool   `json:"active"`
	Generated         int64  `json:"generated"` // 成功的組
	Written           int64  `json:"written"`   // 寫入的紀錄
	Errors            int64  `json:"errors"`
	ConsecutiveErrors int64  `json:"consecutive_errors"`
}

// Health Pool 的健康檢查結果
type Health struct {
	Running bool         `json:"running"`
	Total   int          `json:"total"`
	Alive   int          `json:"alive"`
	Active  int          `json:"active"`
	Failed  int          `json:"failed"`
	Workers []WorkerInfo `json:"workers"`
}

// Healthy 至少一個 worker 存活
func (h Health) Healthy() bool {
	return h.Running && h.Alive > 0
}
