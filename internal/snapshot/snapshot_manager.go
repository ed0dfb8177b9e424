package snapshot

// ============================================================================
// 職責說明：
// 1. 將一次執行的統計摘要序列化為 JSON（pool / writer / client 用量）
// 2. 使用原子性寫入（temp file + fsync + rename）防止讀到半寫入的檔案
// 3. 載入時驗證 schema 版本相容性
// 4. 供 `status` 指令在不干擾執行中程序的情況下讀取進度
// ============================================================================

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ChuLiYu/dialog-forge/internal/llm"
	"github.com/ChuLiYu/dialog-forge/internal/storage/jsonl"
	"github.com/ChuLiYu/dialog-forge/internal/worker"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	ErrCorruptedSnapshot   = errors.New("run summary is corrupted")
	ErrIncompatibleVersion = errors.New("run summary schema version is incompatible")
	ErrSnapshotNotFound    = errors.New("run summary not found")
)

// SchemaVersion 目前的摘要格式版本
const SchemaVersion = 1

// ============================================================================
// 資料結構定義
// ============================================================================

// RunSummary 一次執行的進度摘要
type RunSummary struct {
	SchemaVer int              `json:"schema_version"`
	RunID     string           `json:"run_id"`
	StartedAt time.Time        `json:"started_at"`
	UpdatedAt time.Time        `json:"updated_at"`
	Final     bool             `json:"final"` // 程序正常停止後寫入的最後一份
	Workers   int              `json:"workers"`
	Pool      worker.PoolStats `json:"pool"`
	Health    worker.Health    `json:"health"`
	Writer    jsonl.Stats      `json:"writer"`
	Client    llm.Usage        `json:"client"`
}

// Manager 摘要檔管理器
type Manager struct {
	path string     // 摘要檔案路徑
	mu   sync.Mutex // 保護檔案操作
}

// NewManager 建立摘要管理器實例
func NewManager(path string) *Manager {
	return &Manager{path: path}
}

// Write 原子性寫入摘要
//
// 流程：
// 1. 在同一目錄建立臨時檔案並寫入
// 2. fsync 後關閉
// 3. os.Rename 原子性替換原始檔案
func (m *Manager) Write(s RunSummary) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s.SchemaVer = SchemaVersion
	if s.UpdatedAt.IsZero() {
		s.UpdatedAt = time.Now()
	}

	// 帶縮排，方便人工閱讀
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal run summary: %w", err)
	}

	dir := filepath.Dir(m.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create summary directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(m.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp summary: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write temp summary: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to sync temp summary: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to close temp summary: %w", err)
	}

	// 原子性重新命名（關鍵步驟）
	if err := os.Rename(tmpPath, m.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename summary: %w", err)
	}
	return nil
}

// Load 載入摘要
//
// 檔案不存在時回傳 ErrSnapshotNotFound；內容無法解析時回傳 ErrCorruptedSnapshot。
func (m *Manager) Load() (RunSummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var s RunSummary
	data, err := os.ReadFile(m.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return s, fmt.Errorf("%w: %s", ErrSnapshotNotFound, m.path)
		}
		return s, fmt.Errorf("failed to read run summary: %w", err)
	}

	if err := json.Unmarshal(data, &s); err != nil {
		return s, fmt.Errorf("%w: %v", ErrCorruptedSnapshot, err)
	}
	if s.SchemaVer != SchemaVersion {
		return s, fmt.Errorf("%w: got %d, want %d", ErrIncompatibleVersion, s.SchemaVer, SchemaVersion)
	}
	return s, nil
}

// Exists 檢查摘要檔案是否存在
func (m *Manager) Exists() bool {
	_, err := os.Stat(m.path)
	return err == nil
}

// GetPath 取得摘要檔案路徑
func (m *Manager) GetPath() string {
	return m.path
}
