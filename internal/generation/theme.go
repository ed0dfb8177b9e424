// Package generation holds the pure collaborators a worker uses around each
// call: theme sampling, prompt construction and response validation.
package generation

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"regexp"
	"sync"
)

var placeholderRe = regexp.MustCompile(`\{(\w+)\}`)

// ThemeConfig configures a ThemeSampler
type ThemeConfig struct {
	Templates []string
	Words     map[string][]string
	Fallback  string // used for placeholders without a bank
	Seed      uint64 // 0 seeds randomly
}

// ThemeSampler produces themes such as "a cat visiting Paris" from templates
// like "a {animal} visiting {place}". Safe for concurrent use.
type ThemeSampler struct {
	mu        sync.Mutex
	rng       *rand.Rand
	templates []string
	words     map[string][]string
	fallback  string
}

// NewThemeSampler checks that every placeholder has a non-empty bank
func NewThemeSampler(cfg ThemeConfig) (*ThemeSampler, error) {
	if len(cfg.Templates) == 0 {
		return nil, errors.New("generation: no theme templates")
	}
	for name, bank := range cfg.Words {
		if len(bank) == 0 {
			return nil, fmt.Errorf("generation: word bank %q is empty", name)
		}
	}
	for _, tpl := range cfg.Templates {
		for _, m := range placeholderRe.FindAllStringSubmatch(tpl, -1) {
			if _, ok := cfg.Words[m[1]]; !ok {
				return nil, fmt.Errorf("generation: template %q uses {%s} without a word bank", tpl, m[1])
			}
		}
	}
	if cfg.Fallback == "" {
		cfg.Fallback = "something"
	}

	seed := cfg.Seed
	if seed == 0 {
		seed = rand.Uint64()
	}
	return &ThemeSampler{
		rng:       rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
		templates: cfg.Templates,
		words:     cfg.Words,
		fallback:  cfg.Fallback,
	}, nil
}

// Next returns a freshly filled template
func (s *ThemeSampler) Next() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	tpl := s.templates[s.rng.IntN(len(s.templates))]
	return placeholderRe.ReplaceAllStringFunc(tpl, func(m string) string {
		bank, ok := s.words[m[1:len(m)-1]]
		if !ok || len(bank) == 0 {
			return s.fallback
		}
		return bank[s.rng.IntN(len(bank))]
	})
}

// Combinations estimates how many distinct themes the templates can produce
func (s *ThemeSampler) Combinations() int {
	total := 0
	for _, tpl := range s.templates {
		n := 1
		for _, m := range placeholderRe.FindAllStringSubmatch(tpl, -1) {
			n *= max(len(s.words[m[1]]), 1)
		}
		total += n
	}
	return total
}
