package config

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Settings is what the core is initialized with: which providers to bring
// up and which one answers when a request names none.
type Settings struct {
	DefaultProvider string                      `yaml:"defaultProvider" json:"defaultProvider"`
	Providers       map[string]ProviderSettings `yaml:"providers" json:"providers"`
}

type ProviderSettings struct {
	Enabled      bool   `yaml:"enabled" json:"enabled"`
	APIKey       string `yaml:"apiKey,omitempty" json:"apiKey,omitempty"`
	BaseURL      string `yaml:"baseUrl,omitempty" json:"baseUrl,omitempty"`
	DefaultModel string `yaml:"defaultModel,omitempty" json:"defaultModel,omitempty"`
	MaxRetries   *int   `yaml:"maxRetries,omitempty" json:"maxRetries,omitempty"`
}

// LoadSettings parses a YAML settings file. A missing file yields empty
// settings. ${VAR} references in keys and URLs are expanded.
func LoadSettings(path string) (Settings, error) {
	s := Settings{Providers: map[string]ProviderSettings{}}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return s, nil
		}
		return Settings{}, fmt.Errorf("read settings: %w", err)
	}
	return ParseSettings(data)
}

func ParseSettings(data []byte) (Settings, error) {
	var s Settings
	if err := yaml.Unmarshal(data, &s); err != nil {
		return Settings{}, fmt.Errorf("parse settings: %w", err)
	}
	out := Settings{
		DefaultProvider: strings.ToLower(strings.TrimSpace(s.DefaultProvider)),
		Providers:       make(map[string]ProviderSettings, len(s.Providers)),
	}
	for name, p := range s.Providers {
		p.APIKey = os.ExpandEnv(p.APIKey)
		p.BaseURL = os.ExpandEnv(p.BaseURL)
		out.Providers[strings.ToLower(strings.TrimSpace(name))] = p
	}
	return out, nil
}

// Enabled lists enabled provider types in name order.
func (s Settings) Enabled() []string {
	out := make([]string, 0, len(s.Providers))
	for name, p := range s.Providers {
		if p.Enabled {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}
