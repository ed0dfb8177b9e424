package generation

import (
	"log/slog"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/ChuLiYu/dialog-forge/pkg/types"
)

// DialogField holds the dialog lines; Clean strips speaker prefixes from it
const DialogField = "dialog"

const (
	minFieldLen = 1
	maxFieldLen = 10000
)

var speakerPrefixes = []*regexp.Regexp{
	regexp.MustCompile(`(?i)^(user|assistant|human|ai|bot)\s*:\s*`),
	regexp.MustCompile(`(?i)^(пользователь|ассистент|человек|ии|бот)\s*:\s*`),
	regexp.MustCompile(`^\[[^\]]*\]\s*:\s*`),
	regexp.MustCompile(`^<[^>]*>\s*:\s*`),
	regexp.MustCompile(`^【[^】]*】\s*:\s*`),
}

// Validator checks and normalizes records against the declared fields
type Validator struct {
	fields   []string
	declared map[string]bool
	log      *slog.Logger
}

func NewValidator(fields []string, logger *slog.Logger) *Validator {
	if logger == nil {
		logger = slog.Default()
	}
	declared := make(map[string]bool, len(fields))
	for _, f := range fields {
		declared[f] = true
	}
	return &Validator{fields: fields, declared: declared, log: logger.With("component", "validator")}
}

// Fields returns the declared field names in order
func (v *Validator) Fields() []string {
	return v.fields
}

// FieldOrder is the declared fields followed by the extra keys not already
// declared: the key order of a written record.
func (v *Validator) FieldOrder(extra ...string) []string {
	out := make([]string, 0, len(v.fields)+len(extra))
	out = append(out, v.fields...)
	for _, k := range extra {
		if !v.declared[k] {
			out = append(out, k)
		}
	}
	return out
}

// IsValid reports whether rec is worth keeping: a non-empty object holding at
// least one declared field, where declared strings (and strings inside
// declared lists) are 1..10000 characters once trimmed.
func (v *Validator) IsValid(rec types.Record) bool {
	if len(rec) == 0 {
		v.log.Debug("empty record")
		return false
	}

	present := 0
	for _, f := range v.fields {
		val, ok := rec[f]
		if !ok {
			continue
		}
		present++
		if !validValue(val) {
			v.log.Debug("field failed validation", "field", f)
			return false
		}
	}
	if len(v.fields) > 0 && present == 0 {
		v.log.Debug("no declared field present", "fields", v.fields)
		return false
	}
	return true
}

func validValue(val any) bool {
	switch x := val.(type) {
	case string:
		n := utf8.RuneCountInString(strings.TrimSpace(x))
		return n >= minFieldLen && n <= maxFieldLen
	case []any:
		if len(x) == 0 {
			return false
		}
		for _, item := range x {
			if !validValue(item) {
				return false
			}
		}
		return true
	case nil:
		return false
	default:
		return true
	}
}

// Clean trims strings, strips one pair of wrapping quotes, recurses into lists
// and maps, drops undeclared top-level fields and sanitizes the dialog lines.
func (v *Validator) Clean(rec types.Record) types.Record {
	out := make(types.Record, len(rec))
	for k, val := range rec {
		if len(v.declared) > 0 && !v.declared[k] {
			continue
		}
		out[k] = cleanValue(val)
		if lines, ok := out[k].([]any); ok && k == DialogField {
			out[k] = SanitizeReplicas(lines)
		}
	}
	return out
}

func cleanValue(val any) any {
	switch x := val.(type) {
	case string:
		return cleanString(x)
	case []any:
		items := make([]any, 0, len(x))
		for _, item := range x {
			items = append(items, cleanValue(item))
		}
		return items
	case map[string]any:
		m := make(map[string]any, len(x))
		for k, item := range x {
			m[k] = cleanValue(item)
		}
		return m
	default:
		return val
	}
}

func cleanString(s string) string {
	s = strings.TrimSpace(s)
	if len(s) >= 2 {
		if (s[0] == '"' && s[len(s)-1] == '"') || (s[0] == '\'' && s[len(s)-1] == '\'') {
			s = strings.TrimSpace(s[1 : len(s)-1])
		}
	}
	return s
}

// FilterToSchema keeps the declared fields plus the extra keys and drops the
// rest. The result is a map; FieldOrder gives the order to encode it in.
func (v *Validator) FilterToSchema(rec types.Record, extra ...string) types.Record {
	if len(v.fields) == 0 {
		return rec.Clone()
	}
	out := make(types.Record, len(v.fields)+len(extra))
	for _, f := range v.fields {
		if val, ok := rec[f]; ok {
			out[f] = val
		}
	}
	for _, k := range extra {
		if val, ok := rec[k]; ok {
			out[k] = val
		}
	}
	return out
}

// SanitizeReplicas strips speaker prefixes and wrapping quotes from dialog
// lines and drops lines that end up empty.
func SanitizeReplicas(lines []any) []any {
	out := make([]any, 0, len(lines))
	for _, l := range lines {
		s, ok := l.(string)
		if !ok {
			out = append(out, l)
			continue
		}
		s = strings.TrimSpace(s)
		for _, re := range speakerPrefixes {
			s = re.ReplaceAllString(s, "")
		}
		s = cleanString(s)
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
