package cli

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/dialog-forge/internal/config"
	"github.com/ChuLiYu/dialog-forge/internal/snapshot"
)

// ============================================================================
// 測試輔助
// ============================================================================

// syncBuffer 讓多個 goroutine 的日誌安全寫入
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

const configTemplate = `
generation:
  threads: 2
  temperature: {min: 0.6, max: 0.8}
  dialog_lines: {min: 2, max: 4}
  languages:
    - {code: en, name: English}
    - {code: es, name: Spanish}
  item_delay: {min: 0s, max: 0s}
  group_delay: {min: 1ms, max: 3ms}
  max_errors: 5
api:
  base_url: %s
  api_key: sk-test
  model: gpt-4o-mini
  timeout: 10s
  max_tokens: 500
  max_retries: 0
prompt_templates:
  base: "Write a short ${language_name} dialog about ${theme}."
  templates:
    - "a {animal} at the {place}"
  words:
    animal: [fox, crow]
    place: [market, station]
output_schema:
  fields: [dialog, topic]
  example:
    dialog: ["A: hi", "B: hello"]
    topic: greeting
output:
  filename: %s
  max_file_size: 1MB
  backup_count: 2
monitor:
  stats_interval: 50ms
  summary_path: %s
  stop_timeout: 5s
metrics:
  enabled: false
health:
  enabled: false
logging:
  level: debug
  format: text
`

type testEnv struct {
	config  string
	output  string
	summary string
}

func setupConfig(t *testing.T, baseURL string) testEnv {
	t.Helper()
	t.Setenv(config.EnvBaseURL, "")
	t.Setenv(config.EnvModel, "")
	dir := t.TempDir()
	env := testEnv{
		config:  filepath.Join(dir, "config.yaml"),
		output:  filepath.Join(dir, "data", "dialogues.jsonl"),
		summary: filepath.Join(dir, "data", "run-summary.json"),
	}
	content := fmt.Sprintf(configTemplate, baseURL, env.output, env.summary)
	require.NoError(t, os.WriteFile(env.config, []byte(content), 0o644))
	return env
}

// fakeEndpoint serves an OpenAI-compatible API
func fakeEndpoint(t *testing.T, modelsStatus int) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, "/models"):
			w.WriteHeader(modelsStatus)
			fmt.Fprint(w, `{"data": []}`)
		case strings.HasSuffix(r.URL.Path, "/chat/completions"):
			content := `{"dialog": ["User: hola", "hello"], "topic": "greeting"}`
			b, _ := json.Marshal(map[string]any{
				"choices": []any{map[string]any{"message": map[string]any{"content": content}}},
				"usage":   map[string]any{"prompt_tokens": 5, "completion_tokens": 7, "total_tokens": 12},
			})
			w.Write(b)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := BuildCLI()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func readRecords(t *testing.T, path string) []map[string]any {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	var recs []map[string]any
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var rec map[string]any
		require.NoError(t, json.Unmarshal(sc.Bytes(), &rec))
		recs = append(recs, rec)
	}
	return recs
}

// ============================================================================
// 命令結構
// ============================================================================

func TestBuildCLI(t *testing.T) {
	cmd := BuildCLI()

	assert.Equal(t, "dialog-forge", cmd.Use)
	assert.Equal(t, "1.0.0", cmd.Version)

	names := make(map[string]bool)
	for _, c := range cmd.Commands() {
		names[c.Use] = true
	}
	assert.True(t, names["run"])
	assert.True(t, names["status"])
	assert.True(t, names["validate"])
	assert.True(t, names["clean"])

	configFlag := cmd.PersistentFlags().Lookup("config")
	require.NotNil(t, configFlag)
	assert.Equal(t, "c", configFlag.Shorthand)
	assert.Equal(t, "configs/default.yaml", configFlag.DefValue)
	assert.NotNil(t, cmd.PersistentFlags().Lookup("log-level"))
	assert.NotNil(t, cmd.PersistentFlags().Lookup("log-format"))
}

func TestBuildRunCommand(t *testing.T) {
	cmd := buildRunCommand()

	assert.Equal(t, "run", cmd.Use)
	assert.Contains(t, cmd.Short, "Start")
	assert.NotNil(t, cmd.RunE)
	assert.NotNil(t, cmd.Flags().Lookup("check-endpoint"))
	assert.NotNil(t, cmd.Flags().Lookup("threads"))
	envFlag := cmd.Flags().Lookup("env-file")
	require.NotNil(t, envFlag)
	assert.Equal(t, "[.env]", envFlag.DefValue)
}

// ============================================================================
// validate
// ============================================================================

func TestValidateCommand(t *testing.T) {
	env := setupConfig(t, "http://127.0.0.1:1/v1")

	out, err := execute(t, "validate", "-c", env.config)
	require.NoError(t, err)
	assert.Contains(t, out, "is valid")
	assert.Contains(t, out, "dialog, topic")
}

func TestValidateCommandReportsProblems(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("generation:\n  threads: 99\n"), 0o644))

	out, err := execute(t, "validate", "-c", path)
	var verr *config.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, out, "problem(s)")
	assert.Contains(t, out, "generation.threads must be in [1, 20], got 99")
}

func TestValidateCommandMissingFile(t *testing.T) {
	_, err := execute(t, "validate", "-c", "/nonexistent/config.yaml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to load config")
}

// ============================================================================
// status
// ============================================================================

func TestStatusWithoutSummary(t *testing.T) {
	env := setupConfig(t, "http://127.0.0.1:1/v1")

	out, err := execute(t, "status", "-c", env.config)
	require.NoError(t, err)
	assert.Contains(t, out, "No run summary yet")
	assert.Contains(t, out, "missing")
	assert.Contains(t, out, "Metrics: ⚠️  Disabled")
	assert.Contains(t, out, "en, es")
}

func TestStatusWithSummaryAndBackups(t *testing.T) {
	env := setupConfig(t, "http://127.0.0.1:1/v1")
	require.NoError(t, os.MkdirAll(filepath.Dir(env.output), 0o755))
	require.NoError(t, os.WriteFile(env.output, bytes.Repeat([]byte("x"), 2048), 0o644))
	backup := strings.TrimSuffix(env.output, ".jsonl") + ".1.jsonl"
	require.NoError(t, os.WriteFile(backup, []byte("{}\n"), 0o644))

	s := snapshot.RunSummary{RunID: "run-xyz", Final: true}
	s.Pool.Total = 1234
	s.Pool.Successes = 1200
	s.Pool.Failures = 34
	s.Writer.TotalWritten = 2400
	require.NoError(t, snapshot.NewManager(env.summary).Write(s))

	out, err := execute(t, "status", "-c", env.config)
	require.NoError(t, err)
	assert.Contains(t, out, "run-xyz (finished)")
	assert.Contains(t, out, "1,234")
	assert.Contains(t, out, "2,400")
	assert.Contains(t, out, "2.0 kB")
	assert.Contains(t, out, "Backup 1")
	assert.Contains(t, out, "1 of 2")
}

// ============================================================================
// run
// ============================================================================

func TestRunEngineEndToEnd(t *testing.T) {
	srv := fakeEndpoint(t, http.StatusOK)
	env := setupConfig(t, srv.URL+"/v1")
	configFile, logLevel, logFormat = env.config, "", ""

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logs := &syncBuffer{}
	errCh := make(chan error, 1)
	go func() {
		errCh <- runEngine(ctx, runOptions{
			envFiles:      []string{filepath.Join(t.TempDir(), "missing.env")},
			checkEndpoint: true,
		}, logs)
	}()

	require.Eventually(t, func() bool {
		data, err := os.ReadFile(env.output)
		return err == nil && bytes.Count(data, []byte("\n")) >= 6
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("run did not stop after cancellation")
	}

	recs := readRecords(t, env.output)
	for _, rec := range recs {
		assert.Contains(t, []any{"en", "es"}, rec["language"])
		assert.Equal(t, "greeting", rec["topic"])
		assert.Equal(t, []any{"hola", "hello"}, rec["dialog"])
		assert.Contains(t, rec, "theme")
		assert.Contains(t, rec, "worker_id")
	}

	s, err := snapshot.NewManager(env.summary).Load()
	require.NoError(t, err)
	assert.True(t, s.Final)
	assert.Equal(t, int64(len(recs)), s.Writer.TotalWritten)
	assert.Equal(t, 12*s.Client.Successes, s.Client.TotalTokens)

	_, err = os.Stat(env.output + ".lock")
	assert.True(t, os.IsNotExist(err))

	out := logs.String()
	assert.Contains(t, out, "Endpoint reachable")
	assert.Contains(t, out, "System stopped")
}

func TestRunEngineEndpointCheckFails(t *testing.T) {
	srv := fakeEndpoint(t, http.StatusUnauthorized)
	env := setupConfig(t, srv.URL+"/v1")
	configFile, logLevel, logFormat = env.config, "", ""

	err := runEngine(context.Background(), runOptions{
		envFiles:      []string{filepath.Join(t.TempDir(), "missing.env")},
		checkEndpoint: true,
	}, io.Discard)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "endpoint check failed")

	_, statErr := os.Stat(env.output)
	assert.True(t, os.IsNotExist(statErr), "no output before the endpoint is confirmed")
}

func TestRunEngineRejectsInvalidConfig(t *testing.T) {
	env := setupConfig(t, "http://127.0.0.1:1/v1")
	configFile, logLevel, logFormat = env.config, "verbose", ""
	defer func() { logLevel = "" }()

	err := runEngine(context.Background(), runOptions{
		envFiles: []string{filepath.Join(t.TempDir(), "missing.env")},
	}, io.Discard)
	var verr *config.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, err.Error(), "logging.level")

	_, statErr := os.Stat(env.output)
	assert.True(t, os.IsNotExist(statErr))
}

// ============================================================================
// logging
// ============================================================================

func TestNewLoggerWritesFileAndStdout(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "run.log")
	var stdout bytes.Buffer

	logger, closeFn, err := newLogger(config.LoggingConfig{Level: "warn", Format: "json", File: path}, &stdout)
	require.NoError(t, err)

	logger.Info("hidden")
	logger.Warn("visible", "worker_id", 3)
	closeFn()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, stdout.String(), string(data))
	assert.NotContains(t, string(data), "hidden")

	var line map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(data), &line))
	assert.Equal(t, "visible", line["msg"])
	assert.Equal(t, 3.0, line["worker_id"])
}

func TestNewLoggerRejectsLevel(t *testing.T) {
	_, _, err := newLogger(config.LoggingConfig{Level: "loud", Format: "text"}, io.Discard)
	assert.Error(t, err)
}

// ============================================================================
// clean
// ============================================================================

// cleanEndpoint answers every rewrite with the same cleaned line and keeps
// the request bodies
func cleanEndpoint(t *testing.T, cleaned string) (*httptest.Server, func() []map[string]any) {
	t.Helper()
	var mu sync.Mutex
	var bodies []map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		mu.Lock()
		bodies = append(bodies, body)
		mu.Unlock()

		content, _ := json.Marshal(map[string]string{"cleaned_text": cleaned})
		b, _ := json.Marshal(map[string]any{
			"choices": []any{map[string]any{"message": map[string]any{"content": string(content)}}},
			"usage":   map[string]any{"prompt_tokens": 4, "completion_tokens": 3, "total_tokens": 7},
		})
		w.Write(b)
	}))
	t.Cleanup(srv.Close)
	return srv, func() []map[string]any {
		mu.Lock()
		defer mu.Unlock()
		return bodies
	}
}

func writeDataset(t *testing.T, lines ...string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "dataset.jsonl")
	require.NoError(t, os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o644))
	return path
}

func TestBuildCleanCommand(t *testing.T) {
	cmd := buildCleanCommand()

	assert.Equal(t, "clean", cmd.Use)
	for name, short := range map[string]string{"input": "i", "output": "o", "analyze": "a", "batch-size": "b"} {
		f := cmd.Flags().Lookup(name)
		require.NotNil(t, f, name)
		assert.Equal(t, short, f.Shorthand)
	}
	assert.Equal(t, "10", cmd.Flags().Lookup("batch-size").DefValue)
}

func TestCleanAnalyze(t *testing.T) {
	in := writeDataset(t,
		`{"dialog":["Привет","Как 你好 дела?"],"topic":"cafe"}`,
		`{"dialog":["ありがとう"],"topic":"thanks"}`,
		`{"dialog":["fine"],"topic":"ok"}`,
		`garbage`,
	)

	out, err := execute(t, "clean", "--analyze", "-i", in)
	require.NoError(t, err)

	assert.Contains(t, out, "Artifact analysis")
	start := strings.Index(out, "{")
	end := strings.LastIndex(out, "}")
	require.True(t, start >= 0 && end > start)
	var report map[string]any
	require.NoError(t, json.Unmarshal([]byte(out[start:end+1]), &report))
	assert.Equal(t, 3.0, report["total_dialogs"])
	assert.Equal(t, 2.0, report["dialogs_with_artifacts"])
	assert.Equal(t, 4.0, report["total_lines"])
	assert.Equal(t, 2.0, report["lines_with_artifacts"])
	assert.Equal(t, 1.0, report["invalid_lines"])
	assert.Equal(t, map[string]any{"chinese": 1.0, "japanese_hiragana": 1.0}, report["artifact_types"])
	assert.Contains(t, out, "2 of 3 dialogs need cleaning")

	// analysis never writes
	_, statErr := os.Stat(strings.TrimSuffix(in, ".jsonl") + ".cleaned.jsonl")
	assert.True(t, os.IsNotExist(statErr))
}

func TestCleanRewritesArtifacts(t *testing.T) {
	srv, bodies := cleanEndpoint(t, "Как дела?")
	env := setupConfig(t, srv.URL+"/v1")
	in := writeDataset(t,
		`{"topic":"cafe","language":"es","dialog":["Привет","Как 你好 дела?"]}`,
		`{"topic":"ok","dialog":["fine"]}`,
		`{broken`,
	)
	outPath := filepath.Join(t.TempDir(), "clean.jsonl")

	out, err := execute(t, "clean", "-c", env.config, "-i", in, "-o", outPath, "-b", "2",
		"--env-file", filepath.Join(t.TempDir(), "missing.env"))
	require.NoError(t, err)

	data, err := os.ReadFile(outPath)
	require.NoError(t, err)
	assert.Equal(t,
		`{"dialog":["Привет","Как дела?"],"topic":"cafe","language":"es","cleaned":true}`+"\n"+
			`{"dialog":["fine"],"topic":"ok"}`+"\n",
		string(data))

	assert.Contains(t, out, "Cleaning finished")
	assert.Contains(t, out, "1 records / 1 lines")
	assert.Contains(t, out, "(1 skipped as invalid)")

	sent := bodies()
	require.Len(t, sent, 1)
	assert.InDelta(t, 0.1, sent[0]["temperature"], 1e-6)
	msgs := sent[0]["messages"].([]any)
	require.Len(t, msgs, 2)
	assert.Equal(t, "system", msgs[0].(map[string]any)["role"])
	user := msgs[1].(map[string]any)["content"].(string)
	assert.Contains(t, user, "Spanish")
	assert.Contains(t, user, `Original text: "Как 你好 дела?"`)
}

func TestCleanRejectsOutputEqualToInput(t *testing.T) {
	in := writeDataset(t, `{"dialog":["中"]}`)

	_, err := execute(t, "clean", "-i", in, "-o", in)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "must differ from input")

	data, readErr := os.ReadFile(in)
	require.NoError(t, readErr)
	assert.Equal(t, `{"dialog":["中"]}`+"\n", string(data))
}

func TestCleanRequiresInput(t *testing.T) {
	_, err := execute(t, "clean", "--analyze")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "input")
}
