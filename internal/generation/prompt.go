package generation

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var templateVarRe = regexp.MustCompile(`\$(?:\{(\w+)\}|(\w+))`)

// PromptConfig configures a PromptBuilder
type PromptConfig struct {
	Base     string
	MinLines int
	MaxLines int
	Example  map[string]any
	Fields   []string
}

// PromptBuilder renders the base template for one variant and theme.
//
// Recognized variables: ${language_name}, ${language_code}, ${theme},
// ${min_lines}, ${max_lines}, ${output_example}. Unknown variables are left
// untouched.
type PromptBuilder struct {
	base     string
	minLines int
	maxLines int
	example  string
	format   string
}

func NewPromptBuilder(cfg PromptConfig) (*PromptBuilder, error) {
	if strings.TrimSpace(cfg.Base) == "" {
		return nil, errors.New("generation: empty base prompt")
	}
	if cfg.MinLines < 2 || cfg.MinLines > cfg.MaxLines {
		return nil, fmt.Errorf("generation: invalid line range [%d, %d]", cfg.MinLines, cfg.MaxLines)
	}

	example := "{}"
	if len(cfg.Example) > 0 {
		b, err := json.MarshalIndent(cfg.Example, "", "  ")
		if err != nil {
			return nil, fmt.Errorf("generation: encode output example: %w", err)
		}
		example = string(b)
	}

	b := &PromptBuilder{
		base:     cfg.Base,
		minLines: cfg.MinLines,
		maxLines: cfg.MaxLines,
		example:  example,
	}
	b.format = b.formatSection(cfg.Fields)
	return b, nil
}

// Build returns the full prompt: rendered template, blank line, format section
func (b *PromptBuilder) Build(code, name, theme string) string {
	vars := map[string]string{
		"language_name":  name,
		"language_code":  code,
		"theme":          theme,
		"min_lines":      strconv.Itoa(b.minLines),
		"max_lines":      strconv.Itoa(b.maxLines),
		"output_example": b.example,
	}

	rendered := templateVarRe.ReplaceAllStringFunc(b.base, func(m string) string {
		name := strings.Trim(m, "${}")
		if v, ok := vars[name]; ok {
			return v
		}
		return m
	})
	return rendered + "\n\n" + b.format
}

func (b *PromptBuilder) formatSection(fields []string) string {
	lines := []string{
		"RESPONSE FORMAT:",
		"Return a JSON object with this structure:",
		b.example,
	}
	if len(fields) > 0 {
		lines = append(lines, "Required fields: "+strings.Join(fields, ", "))
	}
	lines = append(lines,
		"Make sure that:",
		fmt.Sprintf("- the dialog has %d-%d lines", b.minLines, b.maxLines),
		"- every line is an item of the 'dialog' array",
		"- lines carry no speaker prefixes (User:, Assistant: and so on)",
		"- the JSON is valid and properly escaped",
	)
	return strings.Join(lines, "\n")
}
