package integration

import (
	"bufio"
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/dialog-forge/internal/config"
	"github.com/ChuLiYu/dialog-forge/internal/llm"
	"github.com/ChuLiYu/dialog-forge/internal/worker"
	"github.com/ChuLiYu/dialog-forge/pkg/types"
)

// instantCaller 立即回傳固定對話，模擬無延遲的 API
type instantCaller struct {
	calls atomic.Int64
}

func (c *instantCaller) Call(context.Context, string, float64) llm.Result {
	c.calls.Add(1)
	return llm.Result{
		Record: types.Record{"dialog": []any{"A: hi there", "B: hello"}, "topic": "integration"},
		Usage:  types.Usage{PromptTokens: 8, CompletionTokens: 4, TotalTokens: 12},
	}
}

func (c *instantCaller) Close() error { return nil }

func newInstantCaller(int) (worker.Caller, error) { return &instantCaller{}, nil }

func engineConfig(t testing.TB, dir string, threads int) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Generation.Threads = threads
	cfg.Generation.Languages = []types.Variant{
		{Code: "en", Name: "English"},
		{Code: "ru", Name: "Russian"},
		{Code: "de", Name: "German"},
	}
	cfg.Generation.ItemDelay = config.DurationRange{}
	cfg.Generation.GroupDelay = config.DurationRange{Max: config.Duration(time.Millisecond)}
	cfg.Generation.ErrorCooldown = config.Duration(time.Millisecond)
	cfg.PromptTemplates.Base = "Write a ${language_name} dialog about ${theme}."
	cfg.PromptTemplates.Templates = []string{"{person} buys {item}", "{person} visits {place}"}
	cfg.PromptTemplates.Words = map[string][]string{
		"person": {"a nurse", "a pilot"},
		"item":   {"bread", "a lamp"},
		"place":  {"Kyiv", "Porto"},
	}
	cfg.OutputSchema.Fields = []string{"dialog", "topic"}
	cfg.Output.Filename = filepath.Join(dir, "dialogues.jsonl")
	cfg.Monitor.StatsInterval = config.Duration(20 * time.Millisecond)
	cfg.Monitor.SummaryPath = filepath.Join(dir, "run-summary.json")
	cfg.Monitor.StopTimeout = config.Duration(5 * time.Second)
	require.NoError(t, cfg.Validate())
	return cfg
}

func countLines(t testing.TB, path string) int {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	n := 0
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		n++
	}
	require.NoError(t, sc.Err())
	return n
}
