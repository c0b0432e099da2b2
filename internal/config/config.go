// Package config loads and validates this program's TOML configuration
// file, layered with a .env overlay and environment-variable overrides.
//
// Grounded on the teacher's src/backend/config/config.go (nested-struct
// shape, DefaultConfig()) and src/backend/main.go (godotenv.Load() with a
// fallback path and non-fatal warning, layered os.Getenv overrides applied
// after the file is parsed), adapted from the teacher's JSON/flag-only
// config to the TOML schema SPEC_FULL.md §6 specifies.
package config

import (
	"fmt"
	"log"
	"os"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// DetectionMode mirrors detect.Mode without importing the detect package,
// so config has no dependency on the detection pipeline's types.
type DetectionMode string

const (
	ModeRegex    DetectionMode = "regex"
	ModeLLM      DetectionMode = "llm"
	ModeRegexLLM DetectionMode = "regex_llm"
)

// DetectionConfig is the [detection] section.
type DetectionConfig struct {
	Mode                DetectionMode     `toml:"mode"`
	Enabled             bool              `toml:"enabled"`
	ConfidenceThreshold float64           `toml:"confidence_threshold"`
	Patterns            map[string]string `toml:"patterns"`
}

// FakerConfig is the [faker] section.
type FakerConfig struct {
	Locale      string `toml:"locale"`
	Seed        uint64 `toml:"seed"`
	Consistency bool   `toml:"consistency"`
}

// MappingConfig is the [mapping] section. Encryption is a supplemented
// field (SPEC_FULL.md §2.3/§4.1): present in original_source's
// MappingConfig, dropped from the distilled §6 table, added back here.
type MappingConfig struct {
	DatabasePath  string `toml:"database_path"`
	RetentionDays int    `toml:"retention_days"`
	Encryption    bool   `toml:"encryption"`
}

// LLMConfig is the [llm] section.
type LLMConfig struct {
	Model          string `toml:"model"`
	Endpoint       string `toml:"endpoint"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
	PromptTemplate string `toml:"prompt_template"`
}

// LLMCacheConfig is the [llm_cache] section.
type LLMCacheConfig struct {
	Enabled       bool   `toml:"enabled"`
	DatabasePath  string `toml:"database_path"`
	MaxTextLength int    `toml:"max_text_length"`
}

// Config is the fully-loaded, validated configuration. It is immutable
// after Load returns, per spec §3's Config data-model entry.
type Config struct {
	Detection DetectionConfig `toml:"detection"`
	Faker     FakerConfig     `toml:"faker"`
	Mapping   MappingConfig   `toml:"mapping"`
	LLM       LLMConfig       `toml:"llm"`
	LLMCache  LLMCacheConfig  `toml:"llm_cache"`
}

// Default returns a Config with the same conservative, locally-runnable
// defaults the teacher's DefaultConfig() establishes for its own sections:
// regex-only detection (no external LLM dependency required to run at
// all), a local sqlite path, and LLM caching enabled but gated by a
// generous max text length.
func Default() *Config {
	return &Config{
		Detection: DetectionConfig{
			Mode:                ModeRegex,
			Enabled:             true,
			ConfidenceThreshold: 0.5,
			Patterns:            map[string]string{},
		},
		Faker: FakerConfig{
			Locale:      "en-US",
			Seed:        0,
			Consistency: true,
		},
		Mapping: MappingConfig{
			DatabasePath:  "mappings.db",
			RetentionDays: 90,
			Encryption:    false,
		},
		LLM: LLMConfig{
			Model:          "llama3.2:3b",
			Endpoint:       "http://localhost:11434",
			TimeoutSeconds: 30,
			PromptTemplate: "default",
		},
		LLMCache: LLMCacheConfig{
			Enabled:       true,
			DatabasePath:  "llm_cache.db",
			MaxTextLength: 8192,
		},
	}
}

// Load reads an optional .env overlay, then parses the TOML file at path on
// top of Default(), rejecting unknown keys, then applies environment
// variable overrides, then validates the result.
func Load(path string) (*Config, error) {
	loadDotenv()

	cfg := Default()

	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("config: unknown key(s) in %s: %v", path, undecoded)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// loadDotenv mirrors the teacher's main.go: try .env in the working
// directory, then a bare "./.env" fallback path; either way, a missing
// file is a non-fatal condition worth a log line, not an error.
func loadDotenv() {
	if err := godotenv.Load(); err == nil {
		log.Printf("[Config] Loaded environment overlay from .env")
	} else if err := godotenv.Load("./.env"); err == nil {
		log.Printf("[Config] Loaded environment overlay from ./.env")
	}
}

// applyEnvOverrides layers environment variables on top of the parsed
// file, matching the teacher's main.go pattern of "if env var is set,
// override the field".
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("MCP_CONCEAL_DETECTION_MODE"); v != "" {
		cfg.Detection.Mode = DetectionMode(v)
	}
	if v := os.Getenv("MCP_CONCEAL_LLM_ENDPOINT"); v != "" {
		cfg.LLM.Endpoint = v
	}
	if v := os.Getenv("MCP_CONCEAL_LLM_MODEL"); v != "" {
		cfg.LLM.Model = v
	}
	if v := os.Getenv("MCP_CONCEAL_MAPPING_DATABASE_PATH"); v != "" {
		cfg.Mapping.DatabasePath = v
	}
	if v := os.Getenv("MCP_CONCEAL_FAKER_SEED"); v != "" {
		var seed uint64
		if _, err := fmt.Sscanf(v, "%d", &seed); err == nil {
			cfg.Faker.Seed = seed
		}
	}
}

// Validate enforces the invariants spec §6 states outright plus the ones
// every other component assumes on construction (non-empty database paths,
// a detection mode that always has what it needs to run).
func (c *Config) Validate() error {
	switch c.Detection.Mode {
	case ModeRegex, ModeLLM, ModeRegexLLM:
	default:
		return fmt.Errorf("detection.mode must be one of regex, llm, regex_llm, got %q", c.Detection.Mode)
	}
	if c.Detection.ConfidenceThreshold < 0 || c.Detection.ConfidenceThreshold > 1 {
		return fmt.Errorf("detection.confidence_threshold must be in [0,1], got %f", c.Detection.ConfidenceThreshold)
	}
	if (c.Detection.Mode == ModeLLM || c.Detection.Mode == ModeRegexLLM) && c.LLM.Endpoint == "" {
		return fmt.Errorf("llm.endpoint is required when detection.mode is %q", c.Detection.Mode)
	}
	if c.Mapping.DatabasePath == "" {
		return fmt.Errorf("mapping.database_path must not be empty")
	}
	if c.Mapping.RetentionDays < 0 {
		return fmt.Errorf("mapping.retention_days must not be negative")
	}
	if c.LLMCache.Enabled && c.LLMCache.DatabasePath == "" {
		return fmt.Errorf("llm_cache.database_path must not be empty when llm_cache.enabled is true")
	}
	return nil
}
