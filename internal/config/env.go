package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/joho/godotenv"
)

// Environment overrides
const (
	EnvAPIKey       = "DIALOG_FORGE_API_KEY"
	EnvOpenAIAPIKey = "OPENAI_API_KEY"
	EnvBaseURL      = "DIALOG_FORGE_BASE_URL"
	EnvModel        = "DIALOG_FORGE_MODEL"
)

// LoadEnv loads .env style files into the process environment. Missing files
// are skipped; variables already set are left alone.
func LoadEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if _, err := os.Stat(f); errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			return fmt.Errorf("load env file %s: %w", f, err)
		}
	}
	return nil
}

// ApplyEnv overrides secrets and endpoint settings from the environment
func (c *Config) ApplyEnv() {
	if v := os.Getenv(EnvAPIKey); v != "" {
		c.API.APIKey = v
	} else if v := os.Getenv(EnvOpenAIAPIKey); v != "" && c.API.APIKey == "" {
		c.API.APIKey = v
	}
	if v := os.Getenv(EnvBaseURL); v != "" {
		c.API.BaseURL = v
	}
	if v := os.Getenv(EnvModel); v != "" {
		c.API.Model = v
	}
}
