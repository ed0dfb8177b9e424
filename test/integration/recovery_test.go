// ============================================================================
// Dialog Forge 重啟恢復整合測試
// ============================================================================
//
// 測試目標：
//   1. 第二次啟動時沿用既有輸出檔，行數持續累加
//   2. 崩潰殘留的鎖檔與半行不影響後續寫入
//   3. 每次執行擁有獨立 RunID，摘要檔被覆寫為最新一次
//
// ============================================================================

package integration

import (
	"os"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/dialog-forge/internal/controller"
	"github.com/ChuLiYu/dialog-forge/internal/snapshot"
	"github.com/ChuLiYu/dialog-forge/pkg/types"
)

// runUntil 啟動一次引擎，寫滿 minRecords 筆後停止
func runUntil(t *testing.T, dir string, minRecords int64) snapshot.RunSummary {
	t.Helper()
	cfg := engineConfig(t, dir, 4)

	ctrl, err := controller.New(cfg, controller.Options{NewCaller: newInstantCaller})
	require.NoError(t, err)
	require.NoError(t, ctrl.Start())

	require.Eventually(t, func() bool {
		return ctrl.Summary().Writer.TotalWritten >= minRecords
	}, 5*time.Second, 5*time.Millisecond)

	require.NoError(t, ctrl.Stop(5*time.Second))

	s, err := snapshot.NewManager(cfg.Monitor.SummaryPath).Load()
	require.NoError(t, err)
	require.True(t, s.Final)
	require.Equal(t, ctrl.RunID(), s.RunID)
	return s
}

func TestRestartAppendsToExistingOutput(t *testing.T) {
	dir := t.TempDir()

	first := runUntil(t, dir, 30)
	linesAfterFirst := countLines(t, engineConfig(t, dir, 4).Output.Filename)
	assert.Equal(t, first.Writer.LinesInFile, int64(linesAfterFirst))

	second := runUntil(t, dir, 30)
	assert.NotEqual(t, first.RunID, second.RunID)

	// 新執行的統計從零開始，但檔案行數延續
	linesAfterSecond := countLines(t, engineConfig(t, dir, 4).Output.Filename)
	assert.Equal(t, int64(linesAfterFirst)+second.Writer.TotalWritten, int64(linesAfterSecond))
	assert.Equal(t, int64(linesAfterSecond), second.Writer.LinesInFile)
}

func TestRecoverFromCrashLeftovers(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("stale lock files block exclusive-create locking until removed")
	}
	dir := t.TempDir()
	cfg := engineConfig(t, dir, 4)

	// 模擬崩潰：殘留鎖檔與寫到一半的記錄
	require.NoError(t, os.WriteFile(cfg.Output.Filename, []byte("{\"dialog\":[\"A: hi\"],\"topic\":\"x\"}\n{\"dialog\":[\"A: he"), 0o644))
	require.NoError(t, os.WriteFile(cfg.Output.Filename+".lock", nil, 0o644))

	s := runUntil(t, dir, 20)
	assert.Zero(t, s.Writer.Errors)

	data, err := os.ReadFile(cfg.Output.Filename)
	require.NoError(t, err)
	lines := splitLines(data)
	require.Len(t, lines, int(2+s.Writer.TotalWritten))

	// 前兩行保留原樣，其後皆為完整記錄
	assert.Equal(t, `{"dialog":["A: he`, lines[1])
	for _, l := range lines[2:] {
		rec, err := types.ParseRecord([]byte(l))
		require.NoError(t, err)
		assert.Contains(t, []any{"en", "ru", "de"}, rec[types.FieldLanguage])
	}
}

func splitLines(data []byte) []string {
	var out []string
	start := 0
	for i, b := range data {
		if b == '\n' {
			out = append(out, string(data[start:i]))
			start = i + 1
		}
	}
	if start < len(data) {
		out = append(out, string(data[start:]))
	}
	return out
}
