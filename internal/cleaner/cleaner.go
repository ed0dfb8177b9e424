// Package cleaner finds and repairs generation artifacts in dialog lines of an
// existing JSON-lines dataset: CJK ideographs, kana and U+FFFD replacement
// characters leaking into text of another language.
package cleaner

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"strings"
	"unicode/utf8"

	"golang.org/x/sync/errgroup"

	"github.com/ChuLiYu/dialog-forge/internal/generation"
	"github.com/ChuLiYu/dialog-forge/internal/llm"
	"github.com/ChuLiYu/dialog-forge/pkg/types"
)

const (
	// FieldCleaned marks a record whose dialog was rewritten
	FieldCleaned = "cleaned"
	// FieldCleanedText is the key the rewrite response must carry
	FieldCleanedText = "cleaned_text"

	DefaultBatchSize   = 10
	DefaultTemperature = 0.1

	maxSamples         = 5
	maxSampleRunes     = 100
	maxSampleArtifacts = 3
	maxLineBytes       = 16 << 20
)

var (
	// ErrBadResponse means the rewrite response carried no usable cleaned_text
	ErrBadResponse = errors.New("cleaner: response has no cleaned_text")
	// ErrNoCaller is returned by New without a Caller
	ErrNoCaller = errors.New("cleaner: caller is required")
)

// ArtifactType names a class of leaked characters
type ArtifactType string

const (
	ArtifactChinese     ArtifactType = "chinese"
	ArtifactHiragana    ArtifactType = "japanese_hiragana"
	ArtifactKatakana    ArtifactType = "japanese_katakana"
	ArtifactReplacement ArtifactType = "replacement_char"
)

// checked in this order; a line is attributed to the first match
var artifactPatterns = []struct {
	kind ArtifactType
	re   *regexp.Regexp
}{
	{ArtifactChinese, regexp.MustCompile(`[\x{4e00}-\x{9fff}]`)},
	{ArtifactHiragana, regexp.MustCompile(`[\x{3040}-\x{309f}]`)},
	{ArtifactKatakana, regexp.MustCompile(`[\x{30a0}-\x{30ff}]`)},
	{ArtifactReplacement, regexp.MustCompile(`\x{fffd}`)},
}

// Detect reports the first artifact class found in text and up to three of
// its matches
func Detect(text string) (kind ArtifactType, matches []string, found bool) {
	for _, p := range artifactPatterns {
		if m := p.re.FindAllString(text, maxSampleArtifacts); len(m) > 0 {
			return p.kind, m, true
		}
	}
	return "", nil, false
}

// HasArtifacts reports whether text contains any artifact
func HasArtifacts(text string) bool {
	_, _, found := Detect(text)
	return found
}

// ============================================================================
// Analysis
// ============================================================================

// Sample is one offending line kept for the report
type Sample struct {
	Text      string   `json:"text"`
	Artifacts []string `json:"artifacts"`
}

// Report summarizes artifacts in a file without changing it
type Report struct {
	TotalDialogs         int                  `json:"total_dialogs"`
	DialogsWithArtifacts int                  `json:"dialogs_with_artifacts"`
	TotalLines           int                  `json:"total_lines"`
	LinesWithArtifacts   int                  `json:"lines_with_artifacts"`
	ArtifactTypes        map[ArtifactType]int `json:"artifact_types"`
	Samples              []Sample             `json:"sample_artifacts"`
	InvalidLines         int                  `json:"invalid_lines"`
}

// Analyze scans path and counts dialogs and lines carrying artifacts
func Analyze(path string) (Report, error) {
	r := Report{ArtifactTypes: map[ArtifactType]int{}, Samples: []Sample{}}

	err := scanRecords(path, func(rec types.Record) {
		r.TotalDialogs++
		dirty := false
		for _, text := range dialogLines(rec) {
			r.TotalLines++
			kind, matches, found := Detect(text)
			if !found {
				continue
			}
			dirty = true
			r.LinesWithArtifacts++
			r.ArtifactTypes[kind]++
			if len(r.Samples) < maxSamples {
				r.Samples = append(r.Samples, Sample{Text: truncateRunes(text, maxSampleRunes), Artifacts: matches})
			}
		}
		if dirty {
			r.DialogsWithArtifacts++
		}
	}, func() { r.InvalidLines++ })
	return r, err
}

// ============================================================================
// Cleaning
// ============================================================================

// Caller issues one rewrite request (*llm.Client)
type Caller interface {
	Call(ctx context.Context, prompt string, temperature float64) llm.Result
}

// Appender receives cleaned records in input order (*jsonl.Writer)
type Appender interface {
	Append(rec types.Record) error
}

// Options configures a Cleaner
type Options struct {
	Caller          Caller
	Languages       []types.Variant // display names used in prompts
	DefaultLanguage string          // for records without a language field
	BatchSize       int             // records cleaned concurrently; <= 0 means DefaultBatchSize
	Temperature     float64         // 0 means DefaultTemperature
	Logger          *slog.Logger
}

// Summary counts the outcome of CleanFile
type Summary struct {
	Total         int `json:"total"`
	Cleaned       int `json:"cleaned"`
	LinesCleaned  int `json:"lines_cleaned"`
	LinesFailed   int `json:"lines_failed"`
	InvalidInputs int `json:"invalid_inputs"`
}

// Cleaner rewrites dialog lines that contain artifacts
type Cleaner struct {
	caller      Caller
	names       map[string]string
	defaultLang string
	batchSize   int
	temperature float64
	log         *slog.Logger
}

func New(opts Options) (*Cleaner, error) {
	if opts.Caller == nil {
		return nil, ErrNoCaller
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.Temperature <= 0 {
		opts.Temperature = DefaultTemperature
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	names := make(map[string]string, len(opts.Languages))
	for _, v := range opts.Languages {
		names[v.Code] = v.Name
	}
	if opts.DefaultLanguage == "" && len(opts.Languages) > 0 {
		opts.DefaultLanguage = opts.Languages[0].Code
	}
	return &Cleaner{
		caller:      opts.Caller,
		names:       names,
		defaultLang: opts.DefaultLanguage,
		batchSize:   opts.BatchSize,
		temperature: opts.Temperature,
		log:         opts.Logger.With("component", "cleaner"),
	}, nil
}

// CleanLine returns text unchanged when it has no artifacts, otherwise the
// rewrite. On failure the original text is returned with the error.
func (c *Cleaner) CleanLine(ctx context.Context, theme, text, language string) (string, error) {
	if !HasArtifacts(text) {
		return text, nil
	}
	res := c.caller.Call(ctx, c.prompt(theme, text, language), c.temperature)
	if res.Err != nil {
		return text, res.Err
	}
	cleaned, ok := res.Record[FieldCleanedText].(string)
	if !ok || strings.TrimSpace(cleaned) == "" {
		return text, ErrBadResponse
	}
	return strings.TrimSpace(cleaned), nil
}

// CleanRecord rewrites the dialog lines of rec that carry artifacts. The
// returned record is a copy marked cleaned when at least one line changed.
func (c *Cleaner) CleanRecord(ctx context.Context, rec types.Record) (out types.Record, cleaned, failed int) {
	lines, ok := rec[generation.DialogField].([]any)
	if !ok {
		return rec, 0, 0
	}
	theme, _ := rec[types.FieldTheme].(string)
	lang, _ := rec[types.FieldLanguage].(string)
	if lang == "" {
		lang = c.defaultLang
	}

	next := make([]any, len(lines))
	for i, l := range lines {
		next[i] = l
		text, ok := l.(string)
		if !ok || !HasArtifacts(text) {
			continue
		}
		fixed, err := c.CleanLine(ctx, theme, text, lang)
		if err != nil {
			failed++
			c.log.Warn("line not cleaned", "error", err, "text", truncateRunes(text, 50))
			continue
		}
		if fixed != text {
			next[i] = fixed
			cleaned++
		}
	}
	if cleaned == 0 {
		return rec, 0, failed
	}
	out = rec.Clone()
	out[generation.DialogField] = next
	out[FieldCleaned] = true
	return out, cleaned, failed
}

// CleanFile reads every record of in, cleans them batch by batch and appends
// them to out in input order. Invalid input lines are skipped. A failed
// append or a cancelled ctx stops the run.
func (c *Cleaner) CleanFile(ctx context.Context, in string, out Appender) (Summary, error) {
	var s Summary
	var recs []types.Record
	if err := scanRecords(in, func(rec types.Record) { recs = append(recs, rec) }, func() { s.InvalidInputs++ }); err != nil {
		return s, err
	}

	batches := (len(recs) + c.batchSize - 1) / c.batchSize
	for b := 0; b < batches; b++ {
		if err := ctx.Err(); err != nil {
			return s, err
		}
		lo, hi := b*c.batchSize, min((b+1)*c.batchSize, len(recs))
		c.log.Info("cleaning batch", "batch", b+1, "of", batches, "records", hi-lo)

		results := make([]types.Record, hi-lo)
		cleaned := make([]int, hi-lo)
		failed := make([]int, hi-lo)
		var g errgroup.Group
		for i := lo; i < hi; i++ {
			g.Go(func() error {
				results[i-lo], cleaned[i-lo], failed[i-lo] = c.CleanRecord(ctx, recs[i])
				return nil
			})
		}
		_ = g.Wait()

		for i, rec := range results {
			if err := out.Append(rec); err != nil {
				return s, fmt.Errorf("cleaner: append record %d: %w", lo+i+1, err)
			}
			s.Total++
			s.LinesCleaned += cleaned[i]
			s.LinesFailed += failed[i]
			if cleaned[i] > 0 {
				s.Cleaned++
			}
		}
	}

	c.log.Info("cleaning finished", "total", s.Total, "cleaned", s.Cleaned, "lines_failed", s.LinesFailed)
	return s, nil
}

func (c *Cleaner) prompt(theme, text, language string) string {
	name := c.names[language]
	if name == "" {
		name = language
	}
	return fmt.Sprintf(`Dialog topic: "%s"

The following line of %s text may contain Chinese or Japanese characters, typos or grammar mistakes.

Original text: "%s"

Task:
1. Replace every Chinese or Japanese character with its %s equivalent
2. Fix grammar mistakes and typos
3. Keep the original style and meaning
4. Do not add any other text

Response format (JSON):
{"%s": "the corrected line"}

Return only the JSON object.`, theme, name, text, name, FieldCleanedText)
}

// ============================================================================
// Helpers
// ============================================================================

// scanRecords calls fn for each JSON object line and invalid for any other
// non-blank line
func scanRecords(path string, fn func(types.Record), invalid func()) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("cleaner: open input: %w", err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64<<10), maxLineBytes)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		rec, err := types.ParseRecord([]byte(line))
		if err != nil || rec == nil {
			invalid()
			continue
		}
		fn(rec)
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("cleaner: read input: %w", err)
	}
	return nil
}

func dialogLines(rec types.Record) []string {
	lines, ok := rec[generation.DialogField].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(lines))
	for _, l := range lines {
		if s, ok := l.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}
