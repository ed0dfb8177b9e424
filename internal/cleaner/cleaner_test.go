package cleaner

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/dialog-forge/internal/llm"
	"github.com/ChuLiYu/dialog-forge/pkg/types"
)

// ============================================================================
// Fakes
// ============================================================================

// mapCaller answers with a replacement per prompt substring
type mapCaller struct {
	calls   atomic.Int64
	mu      sync.Mutex
	prompts []string
	fn      func(prompt string) llm.Result
}

func (c *mapCaller) Call(_ context.Context, prompt string, temperature float64) llm.Result {
	c.calls.Add(1)
	c.mu.Lock()
	c.prompts = append(c.prompts, prompt)
	c.mu.Unlock()
	return c.fn(prompt)
}

func cleanedTo(text string) llm.Result {
	return llm.Result{Record: types.Record{FieldCleanedText: text}}
}

// replaceCJK rewrites every line by dropping the artifact characters
func replaceCJK(prompt string) llm.Result {
	start := strings.Index(prompt, `Original text: "`) + len(`Original text: "`)
	end := strings.Index(prompt[start:], `"`) + start
	var b strings.Builder
	for _, r := range prompt[start:end] {
		if !HasArtifacts(string(r)) {
			b.WriteRune(r)
		}
	}
	return cleanedTo(strings.Join(strings.Fields(b.String()), " ") + " fixed")
}

type sliceAppender struct {
	recs []types.Record
	err  error
}

func (a *sliceAppender) Append(rec types.Record) error {
	if a.err != nil {
		return a.err
	}
	a.recs = append(a.recs, rec)
	return nil
}

func writeInput(t *testing.T, lines ...string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "in.jsonl")
	require.NoError(t, os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o644))
	return path
}

var languages = []types.Variant{{Code: "ru", Name: "Russian"}, {Code: "en", Name: "English"}}

// ============================================================================
// Detection
// ============================================================================

func TestDetect(t *testing.T) {
	tests := []struct {
		name    string
		text    string
		kind    ArtifactType
		matches []string
		found   bool
	}{
		{"clean cyrillic", "Привет, как дела?", "", nil, false},
		{"clean latin", "Hello there", "", nil, false},
		{"chinese", "Привет 你好 друг", ArtifactChinese, []string{"你", "好"}, true},
		{"hiragana", "ok ありがとう", ArtifactHiragana, []string{"あ", "り", "が"}, true},
		{"katakana", "コーヒー please", ArtifactKatakana, []string{"コ", "ー", "ヒ"}, true},
		{"replacement", "bro�ken", ArtifactReplacement, []string{"�"}, true},
		{"chinese wins over kana", "あ 中", ArtifactChinese, []string{"中"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			kind, matches, found := Detect(tt.text)
			assert.Equal(t, tt.found, found)
			assert.Equal(t, tt.kind, kind)
			assert.Equal(t, tt.matches, matches)
			assert.Equal(t, tt.found, HasArtifacts(tt.text))
		})
	}
}

// ============================================================================
// Analyze
// ============================================================================

func TestAnalyze(t *testing.T) {
	long := strings.Repeat("я", 120) + "中"
	path := writeInput(t,
		`{"dialog":["Привет","Как 你好 дела?"],"topic":"a"}`,
		`{"dialog":["ありがとう","`+long+`"],"topic":"b"}`,
		`not json`,
		``,
		`{"dialog":["Всё хорошо"],"topic":"c"}`,
		`{"topic":"no dialog"}`,
	)

	r, err := Analyze(path)
	require.NoError(t, err)

	assert.Equal(t, 4, r.TotalDialogs)
	assert.Equal(t, 2, r.DialogsWithArtifacts)
	assert.Equal(t, 5, r.TotalLines)
	assert.Equal(t, 3, r.LinesWithArtifacts)
	assert.Equal(t, map[ArtifactType]int{ArtifactChinese: 2, ArtifactHiragana: 1}, r.ArtifactTypes)
	assert.Equal(t, 1, r.InvalidLines)

	require.Len(t, r.Samples, 3)
	assert.Equal(t, "Как 你好 дела?", r.Samples[0].Text)
	assert.Equal(t, []string{"你", "好"}, r.Samples[0].Artifacts)
	assert.Equal(t, 100, len([]rune(r.Samples[2].Text)))
}

func TestAnalyzeCapsSamples(t *testing.T) {
	lines := make([]string, 8)
	for i := range lines {
		lines[i] = `{"dialog":["中"]}`
	}
	r, err := Analyze(writeInput(t, lines...))
	require.NoError(t, err)
	assert.Equal(t, 8, r.LinesWithArtifacts)
	assert.Len(t, r.Samples, 5)
}

func TestAnalyzeMissingFile(t *testing.T) {
	_, err := Analyze(filepath.Join(t.TempDir(), "missing.jsonl"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

// ============================================================================
// Cleaning
// ============================================================================

func TestNewRequiresCaller(t *testing.T) {
	_, err := New(Options{})
	assert.ErrorIs(t, err, ErrNoCaller)
}

func TestCleanLine(t *testing.T) {
	caller := &mapCaller{fn: func(string) llm.Result { return cleanedTo("  Как дела?  ") }}
	c, err := New(Options{Caller: caller, Languages: languages})
	require.NoError(t, err)

	out, err := c.CleanLine(context.Background(), "cafe", "Как 你好 дела?", "ru")
	require.NoError(t, err)
	assert.Equal(t, "Как дела?", out)

	require.Len(t, caller.prompts, 1)
	p := caller.prompts[0]
	assert.Contains(t, p, `Dialog topic: "cafe"`)
	assert.Contains(t, p, "Russian")
	assert.Contains(t, p, `Original text: "Как 你好 дела?"`)
	assert.Contains(t, p, `"cleaned_text"`)

	// clean text never reaches the caller
	out, err = c.CleanLine(context.Background(), "cafe", "Всё хорошо", "ru")
	require.NoError(t, err)
	assert.Equal(t, "Всё хорошо", out)
	assert.EqualValues(t, 1, caller.calls.Load())
}

func TestCleanLineKeepsOriginalOnFailure(t *testing.T) {
	tests := []struct {
		name string
		res  llm.Result
		want error
	}{
		{"call error", llm.Result{Err: &llm.CallError{Kind: llm.KindHTTP, Err: errors.New("502")}}, nil},
		{"missing key", llm.Result{Record: types.Record{"text": "x"}}, ErrBadResponse},
		{"blank", cleanedTo("   "), ErrBadResponse},
		{"wrong type", llm.Result{Record: types.Record{FieldCleanedText: 3.0}}, ErrBadResponse},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := New(Options{Caller: &mapCaller{fn: func(string) llm.Result { return tt.res }}})
			require.NoError(t, err)

			out, err := c.CleanLine(context.Background(), "t", "a 中 b", "ru")
			require.Error(t, err)
			if tt.want != nil {
				assert.ErrorIs(t, err, tt.want)
			}
			assert.Equal(t, "a 中 b", out)
		})
	}
}

func TestCleanRecord(t *testing.T) {
	c, err := New(Options{Caller: &mapCaller{fn: replaceCJK}, Languages: languages})
	require.NoError(t, err)

	in := types.Record{"dialog": []any{"Привет", "Как 你好 дела?"}, "topic": "t", "language": "ru"}
	out, cleaned, failed := c.CleanRecord(context.Background(), in)

	assert.Equal(t, 1, cleaned)
	assert.Equal(t, 0, failed)
	assert.Equal(t, []any{"Привет", "Как дела? fixed"}, out["dialog"])
	assert.Equal(t, true, out[FieldCleaned])
	// input untouched
	assert.Equal(t, []any{"Привет", "Как 你好 дела?"}, in["dialog"])
	assert.NotContains(t, in, FieldCleaned)
}

func TestCleanRecordWithoutChangesIsNotMarked(t *testing.T) {
	failing := &mapCaller{fn: func(string) llm.Result {
		return llm.Result{Err: &llm.CallError{Kind: llm.KindTimeout, Err: errors.New("slow")}}
	}}
	c, err := New(Options{Caller: failing})
	require.NoError(t, err)

	in := types.Record{"dialog": []any{"中"}, "topic": "t"}
	out, cleaned, failed := c.CleanRecord(context.Background(), in)
	assert.Equal(t, 0, cleaned)
	assert.Equal(t, 1, failed)
	assert.NotContains(t, out, FieldCleaned)
	assert.Equal(t, []any{"中"}, out["dialog"])

	clean := types.Record{"dialog": []any{"fine"}}
	out, cleaned, failed = c.CleanRecord(context.Background(), clean)
	assert.Equal(t, 0, cleaned+failed)
	assert.NotContains(t, out, FieldCleaned)
}

func TestCleanRecordUsesDefaultLanguage(t *testing.T) {
	caller := &mapCaller{fn: replaceCJK}
	c, err := New(Options{Caller: caller, Languages: languages})
	require.NoError(t, err)

	c.CleanRecord(context.Background(), types.Record{"dialog": []any{"中 x"}})
	require.Len(t, caller.prompts, 1)
	assert.Contains(t, caller.prompts[0], "Russian")
}

func TestCleanFilePreservesOrderAcrossBatches(t *testing.T) {
	lines := make([]string, 0, 25)
	for i := 0; i < 25; i++ {
		text := "line " + strings.Repeat("x", i)
		if i%3 == 0 {
			text += " 中"
		}
		lines = append(lines, `{"dialog":["`+text+`"],"topic":"`+strings.Repeat("t", i+1)+`"}`)
	}
	lines = append(lines, `{broken`)
	path := writeInput(t, lines...)

	caller := &mapCaller{fn: replaceCJK}
	c, err := New(Options{Caller: caller, Languages: languages, BatchSize: 4})
	require.NoError(t, err)

	out := &sliceAppender{}
	s, err := c.CleanFile(context.Background(), path, out)
	require.NoError(t, err)

	assert.Equal(t, Summary{Total: 25, Cleaned: 9, LinesCleaned: 9, InvalidInputs: 1}, s)
	require.Len(t, out.recs, 25)
	for i, rec := range out.recs {
		assert.Equal(t, strings.Repeat("t", i+1), rec["topic"], "record %d out of order", i)
		if i%3 == 0 {
			assert.Equal(t, true, rec[FieldCleaned])
			assert.False(t, HasArtifacts(rec["dialog"].([]any)[0].(string)))
		} else {
			assert.NotContains(t, rec, FieldCleaned)
		}
	}
	assert.EqualValues(t, 9, caller.calls.Load())
}

func TestCleanFileStopsOnAppendError(t *testing.T) {
	path := writeInput(t, `{"dialog":["a"]}`, `{"dialog":["b"]}`)
	c, err := New(Options{Caller: &mapCaller{fn: replaceCJK}})
	require.NoError(t, err)

	boom := errors.New("disk full")
	_, err = c.CleanFile(context.Background(), path, &sliceAppender{err: boom})
	assert.ErrorIs(t, err, boom)
}

func TestCleanFileHonorsCancellation(t *testing.T) {
	path := writeInput(t, `{"dialog":["a"]}`)
	c, err := New(Options{Caller: &mapCaller{fn: replaceCJK}})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	out := &sliceAppender{}
	_, err = c.CleanFile(ctx, path, out)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, out.recs)
}
