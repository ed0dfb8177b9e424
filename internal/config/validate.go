package config

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

var (
	languageCode = regexp.MustCompile(`^[a-z]{2}$`)
	placeholder  = regexp.MustCompile(`\{(\w+)\}`)
	wordBankName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)
)

// ValidationError lists every problem found in a configuration
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	if len(e.Problems) == 1 {
		return "invalid config: " + e.Problems[0]
	}
	return fmt.Sprintf("invalid config (%d problems):\n  - %s", len(e.Problems), strings.Join(e.Problems, "\n  - "))
}

type problems []string

func (p *problems) addf(format string, args ...any) {
	*p = append(*p, fmt.Sprintf(format, args...))
}

// Validate checks ranges and cross-field rules. It returns *ValidationError.
func (c *Config) Validate() error {
	var p problems

	g := c.Generation
	if g.Threads < 1 || g.Threads > 20 {
		p.addf("generation.threads must be in [1, 20], got %d", g.Threads)
	}
	if g.Temperature.Min < 0 || g.Temperature.Min > 2 || g.Temperature.Max < 0 || g.Temperature.Max > 2 {
		p.addf("generation.temperature must be within [0, 2], got [%g, %g]", g.Temperature.Min, g.Temperature.Max)
	}
	if g.Temperature.Min > g.Temperature.Max {
		p.addf("generation.temperature.min (%g) is greater than max (%g)", g.Temperature.Min, g.Temperature.Max)
	}
	if g.DialogLines.Min < 2 || g.DialogLines.Max > 50 || g.DialogLines.Max < 2 || g.DialogLines.Min > 50 {
		p.addf("generation.dialog_lines must be within [2, 50], got [%d, %d]", g.DialogLines.Min, g.DialogLines.Max)
	}
	if g.DialogLines.Min > g.DialogLines.Max {
		p.addf("generation.dialog_lines.min (%d) is greater than max (%d)", g.DialogLines.Min, g.DialogLines.Max)
	}
	if len(g.Languages) == 0 {
		p.addf("generation.languages must not be empty")
	}
	seen := make(map[string]bool, len(g.Languages))
	for i, lang := range g.Languages {
		if !languageCode.MatchString(lang.Code) {
			p.addf("generation.languages[%d].code %q must be two lowercase letters", i, lang.Code)
		}
		if strings.TrimSpace(lang.Name) == "" {
			p.addf("generation.languages[%d].name must not be empty", i)
		}
		if seen[lang.Code] {
			p.addf("generation.languages: duplicate code %q", lang.Code)
		}
		seen[lang.Code] = true
	}
	checkRange(&p, "generation.item_delay", g.ItemDelay)
	checkRange(&p, "generation.group_delay", g.GroupDelay)
	if g.ErrorCooldown < 0 {
		p.addf("generation.error_cooldown must not be negative")
	}
	if g.MaxErrors < 1 {
		p.addf("generation.max_errors must be at least 1, got %d", g.MaxErrors)
	}

	a := c.API
	if strings.TrimSpace(a.BaseURL) == "" {
		p.addf("api.base_url must not be empty")
	}
	if strings.TrimSpace(a.Model) == "" {
		p.addf("api.model must not be empty")
	}
	if a.Timeout.Std() < 10*time.Second || a.Timeout.Std() > 300*time.Second {
		p.addf("api.timeout must be in [10s, 300s], got %s", a.Timeout)
	}
	if a.MaxTokens < 100 || a.MaxTokens > 8000 {
		p.addf("api.max_tokens must be in [100, 8000], got %d", a.MaxTokens)
	}
	if a.MaxRetries < 0 {
		p.addf("api.max_retries must not be negative")
	}
	if a.RetryBaseDelay <= 0 || a.RetryMaxDelay < a.RetryBaseDelay {
		p.addf("api retry delays must satisfy 0 < retry_base_delay <= retry_max_delay")
	}

	t := c.PromptTemplates
	if len(strings.TrimSpace(t.Base)) < 10 {
		p.addf("prompt_templates.base must be at least 10 characters")
	}
	if len(t.Templates) == 0 {
		p.addf("prompt_templates.templates must not be empty")
	}
	if len(t.Words) == 0 {
		p.addf("prompt_templates.words must not be empty")
	}
	for name, bank := range t.Words {
		if !wordBankName.MatchString(name) {
			p.addf("prompt_templates.words: invalid bank name %q", name)
		}
		if len(bank) == 0 {
			p.addf("prompt_templates.words.%s must not be empty", name)
		}
	}
	for i, tpl := range t.Templates {
		if len(strings.TrimSpace(tpl)) < 5 {
			p.addf("prompt_templates.templates[%d] must be at least 5 characters", i)
		}
		for _, m := range placeholder.FindAllStringSubmatch(tpl, -1) {
			if _, ok := t.Words[m[1]]; !ok {
				p.addf("prompt_templates.templates[%d]: no word bank for {%s}", i, m[1])
			}
		}
	}

	if len(c.OutputSchema.Fields) == 0 {
		p.addf("output_schema.fields must not be empty")
	}
	for i, f := range c.OutputSchema.Fields {
		if strings.TrimSpace(f) == "" {
			p.addf("output_schema.fields[%d] must not be empty", i)
		}
	}

	o := c.Output
	if strings.TrimSpace(o.Filename) == "" {
		p.addf("output.filename must not be empty")
	}
	if o.MaxFileSize < MB {
		p.addf("output.max_file_size must be at least 1MB, got %s", o.MaxFileSize)
	}
	if o.BackupCount < 0 {
		p.addf("output.backup_count must not be negative")
	}

	if c.Monitor.StatsInterval <= 0 {
		p.addf("monitor.stats_interval must be positive")
	}
	if c.Monitor.StopTimeout <= 0 {
		p.addf("monitor.stop_timeout must be positive")
	}
	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		p.addf("logging.level %q must be one of debug, info, warn, error", c.Logging.Level)
	}
	switch strings.ToLower(c.Logging.Format) {
	case "text", "json":
	default:
		p.addf("logging.format %q must be text or json", c.Logging.Format)
	}

	if len(p) > 0 {
		return &ValidationError{Problems: p}
	}
	return nil
}

func checkRange(p *problems, name string, r DurationRange) {
	if r.Min < 0 || r.Max < 0 {
		p.addf("%s must not be negative", name)
	}
	if r.Min > r.Max {
		p.addf("%s.min (%s) is greater than max (%s)", name, r.Min, r.Max)
	}
}
