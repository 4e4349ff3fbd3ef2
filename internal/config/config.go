package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Duration wraps time.Duration so config files carry values like "30s"
// instead of raw nanosecond counts.
type Duration struct {
	time.Duration
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	d.Duration = dur
	return nil
}

type ServerConfig struct {
	Port         int      `json:"port"`
	ReadTimeout  Duration `json:"read_timeout"`
	WriteTimeout Duration `json:"write_timeout"`
	UploadDir    string   `json:"upload_dir"`
}

type OpenAIConfig struct {
	APIKey      string   `json:"api_key"`
	BaseURL     string   `json:"base_url,omitempty"`
	Model       string   `json:"model"`
	MaxTokens   int      `json:"max_tokens"`
	Temperature float32  `json:"temperature"`
	Timeout     Duration `json:"timeout"`
}

type TranslationConfig struct {
	// Backend selects the translator implementation: openai, mock or noop.
	Backend        string `json:"backend"`
	TargetLanguage string `json:"target_language"`
	SourceLanguage string `json:"source_language,omitempty"`
	// TokenLimit bounds the token count of a single chunk.
	TokenLimit int `json:"token_limit"`
	// TokenLength is the body length of placeholder tokens.
	TokenLength int `json:"token_length"`
	// Tokenizer selects the counting strategy: tiktoken or estimate.
	Tokenizer  string   `json:"tokenizer"`
	BatchSize  int      `json:"batch_size"`
	MaxRetries int      `json:"max_retries"`
	RetryDelay Duration `json:"retry_delay"`
	// CacheDir enables the file-backed translation cache when set.
	CacheDir string `json:"cache_dir,omitempty"`
	// SkipTranslated re-skips chunks whose stored translation already looks
	// like the target language (CJK targets only).
	SkipTranslated bool `json:"skip_translated"`
	// TranslateAttributes runs a second pass that translates alt and title
	// attribute values, which the chunk pass deliberately preserves.
	TranslateAttributes bool     `json:"translate_attributes"`
	SupportedLangs      []string `json:"supported_languages"`
}

type AppConfig struct {
	OutputDir string `json:"output_dir,omitempty"`
	LogLevel  string `json:"log_level"`
}

type Config struct {
	Server      ServerConfig      `json:"server"`
	OpenAI      OpenAIConfig      `json:"openai"`
	Translation TranslationConfig `json:"translation"`
	App         AppConfig         `json:"app"`
}

func New() *Config {
	return &Config{
		Server: ServerConfig{
			Port:         8080,
			ReadTimeout:  Duration{30 * time.Second},
			WriteTimeout: Duration{30 * time.Second},
			UploadDir:    "uploads",
		},
		OpenAI: OpenAIConfig{
			Model:       "gpt-4o-mini",
			MaxTokens:   4096,
			Temperature: 0.3,
			Timeout:     Duration{120 * time.Second},
		},
		Translation: TranslationConfig{
			Backend:        "openai",
			TokenLimit:     1000,
			TokenLength:    6,
			Tokenizer:      "tiktoken",
			BatchSize:      1,
			MaxRetries:     3,
			RetryDelay:     Duration{2 * time.Second},
			SkipTranslated: true,
			SupportedLangs: []string{
				"en", "es", "fr", "de", "it", "pt", "ru", "ja", "ko", "zh",
				"ar", "fa", "he", "hi", "tr", "pl", "nl", "sv", "da", "no",
			},
		},
		App: AppConfig{
			LogLevel: "info",
		},
	}
}

func (c *Config) LoadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, c)
}

func (c *Config) SaveToFile(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

func (c *Config) LoadFromEnv() {
	if apiKey := os.Getenv("OPENAI_API_KEY"); apiKey != "" {
		c.OpenAI.APIKey = apiKey
	}
	if baseURL := os.Getenv("OPENAI_BASE_URL"); baseURL != "" {
		c.OpenAI.BaseURL = baseURL
	}
	if model := os.Getenv("OPENAI_MODEL"); model != "" {
		c.OpenAI.Model = model
	}
	if port := os.Getenv("PORT"); port != "" {
		if p := parseInt(port); p > 0 {
			c.Server.Port = p
		}
	}
	if target := os.Getenv("TARGET_LANGUAGE"); target != "" {
		c.Translation.TargetLanguage = target
	}
	if backend := os.Getenv("TRANSLATOR_BACKEND"); backend != "" {
		c.Translation.Backend = backend
	}
	if cacheDir := os.Getenv("CACHE_DIR"); cacheDir != "" {
		c.Translation.CacheDir = cacheDir
	}
	if outputDir := os.Getenv("OUTPUT_DIR"); outputDir != "" {
		c.App.OutputDir = outputDir
	}
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		c.App.LogLevel = level
	}
}

func parseInt(s string) int {
	var result int
	for _, ch := range s {
		if ch < '0' || ch > '9' {
			return 0
		}
		result = result*10 + int(ch-'0')
	}
	return result
}

// Load loads configuration with the following priority:
// 1. Command line flags (handled in the CLI)
// 2. Environment variables
// 3. Configuration file
// 4. Default values
func Load(configPath string) (*Config, error) {
	cfg := New()

	if err := ensureConfigFile(configPath); err != nil {
		return nil, fmt.Errorf("failed to ensure config file: %w", err)
	}

	if err := cfg.LoadFromFile(configPath); err != nil {
		return nil, fmt.Errorf("failed to load config from file: %w", err)
	}

	cfg.LoadFromEnv()

	return cfg, nil
}

// ensureConfigFile creates configPath with defaults when it does not exist.
func ensureConfigFile(configPath string) error {
	if _, err := os.Stat(configPath); err == nil {
		return nil
	}

	fmt.Printf("📋 No config found, creating %s with defaults...\n", configPath)
	return New().SaveToFile(configPath)
}

// GetConfigPath returns the path to the config file, looking for config.json
// in the same directory as the executable.
func GetConfigPath() string {
	if execPath, err := os.Executable(); err == nil {
		execDir := filepath.Dir(execPath)
		return filepath.Join(execDir, "config.json")
	}

	if pwd, err := os.Getwd(); err == nil {
		return filepath.Join(pwd, "config.json")
	}

	return "config.json"
}
