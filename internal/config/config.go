// Package config loads hindsight configuration from environment variables
// (with optional .env support) and applies validation and defaults.
package config

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"github.com/kalambet/hindsight/internal/source"
)

// Config holds all configuration for the hindsight system.
type Config struct {
	DataDir string

	HTTP     HTTPConfig
	Sync     SyncConfig
	Analysis AnalysisConfig
	OpenAI   OpenAIConfig
	Search   SearchConfig
}

type HTTPConfig struct {
	Port  int
	Token string
}

type SyncConfig struct {
	// CLIRoots maps CLI providers to their watched log directories.
	CLIRoots map[source.Provider]string
	// WebEndpoints maps web providers to their API base URL and session token.
	WebEndpoints map[source.Provider]WebEndpoint
	MaxRetries   int
	RetryBackoff time.Duration
}

type WebEndpoint struct {
	BaseURL string
	Token   string
}

type AnalysisConfig struct {
	BatchSize     int
	Concurrency   int
	MaxAttempts   int
	MinConfidence float64
	PollInterval  time.Duration
	// CloudConsent gates any cloud-hosted analyzer. Absent or false, only
	// local analyzers run. This is a hard gate, not a preference.
	CloudConsent bool
}

type OpenAIConfig struct {
	APIKey     string
	BaseURL    string // empty = hosted API; a local OpenAI-compatible server otherwise
	ChatModel  string
	EmbedModel string
}

type SearchConfig struct {
	FTSWeight         float64
	SemanticWeight    float64
	SemanticThreshold float64
	MaxResults        int
}

// Load reads configuration from a .env file (if present) and environment
// variables, applying defaults and validation.
func Load() (*Config, error) {
	// Missing .env is fine; env vars always win.
	_ = godotenv.Load()

	home, _ := os.UserHomeDir()

	cfg := &Config{
		DataDir: getEnv("HINDSIGHT_DATA_DIR", filepath.Join(home, ".hindsight")),
		HTTP: HTTPConfig{
			Port:  getEnvInt("HINDSIGHT_HTTP_PORT", 4850),
			Token: os.Getenv("HINDSIGHT_API_TOKEN"),
		},
		Sync: SyncConfig{
			CLIRoots:     make(map[source.Provider]string),
			WebEndpoints: make(map[source.Provider]WebEndpoint),
			MaxRetries:   getEnvInt("HINDSIGHT_SYNC_MAX_RETRIES", 3),
			RetryBackoff: getEnvDuration("HINDSIGHT_SYNC_RETRY_BACKOFF", 500*time.Millisecond),
		},
		Analysis: AnalysisConfig{
			BatchSize:     getEnvInt("HINDSIGHT_ANALYSIS_BATCH_SIZE", 20),
			Concurrency:   getEnvInt("HINDSIGHT_ANALYSIS_CONCURRENCY", 4),
			MaxAttempts:   getEnvInt("HINDSIGHT_ANALYSIS_MAX_ATTEMPTS", 3),
			MinConfidence: getEnvFloat("HINDSIGHT_MIN_CONFIDENCE", 0.4),
			PollInterval:  getEnvDuration("HINDSIGHT_ANALYSIS_POLL", 5*time.Second),
			CloudConsent:  getEnvBool("HINDSIGHT_CLOUD_CONSENT", false),
		},
		OpenAI: OpenAIConfig{
			APIKey:     os.Getenv("OPENAI_API_KEY"),
			BaseURL:    os.Getenv("HINDSIGHT_OPENAI_BASE_URL"),
			ChatModel:  getEnv("HINDSIGHT_CHAT_MODEL", "gpt-4o-mini"),
			EmbedModel: getEnv("HINDSIGHT_EMBEDDING_MODEL", "text-embedding-3-small"),
		},
		Search: SearchConfig{
			FTSWeight:         getEnvFloat("HINDSIGHT_FTS_WEIGHT", 0.5),
			SemanticWeight:    getEnvFloat("HINDSIGHT_SEMANTIC_WEIGHT", 0.5),
			SemanticThreshold: getEnvFloat("HINDSIGHT_SEMANTIC_THRESHOLD", 0.3),
			MaxResults:        getEnvInt("HINDSIGHT_MAX_RESULTS", 20),
		},
	}

	if root := getEnv("HINDSIGHT_CLAUDE_CODE_LOGS", defaultLogRoot(home, ".claude", "projects")); root != "" {
		cfg.Sync.CLIRoots[source.ProviderClaudeCode] = root
	}
	if root := getEnv("HINDSIGHT_CODEX_CLI_LOGS", defaultLogRoot(home, ".codex", "sessions")); root != "" {
		cfg.Sync.CLIRoots[source.ProviderCodexCLI] = root
	}
	if url := os.Getenv("HINDSIGHT_CLAUDE_WEB_URL"); url != "" {
		cfg.Sync.WebEndpoints[source.ProviderClaudeWeb] = WebEndpoint{
			BaseURL: url,
			Token:   os.Getenv("HINDSIGHT_CLAUDE_WEB_TOKEN"),
		}
	}
	if url := os.Getenv("HINDSIGHT_CHATGPT_WEB_URL"); url != "" {
		cfg.Sync.WebEndpoints[source.ProviderChatGPTWeb] = WebEndpoint{
			BaseURL: url,
			Token:   os.Getenv("HINDSIGHT_CHATGPT_WEB_TOKEN"),
		}
	}

	return cfg, cfg.Validate()
}

// defaultLogRoot returns the conventional log directory if it exists, ""
// otherwise so absent CLIs are simply not enabled.
func defaultLogRoot(home string, parts ...string) string {
	if home == "" {
		return ""
	}
	root := filepath.Join(append([]string{home}, parts...)...)
	if _, err := os.Stat(root); err != nil {
		return ""
	}
	return root
}

// Validate checks ranges on numeric settings.
func (c *Config) Validate() error {
	if c.Search.FTSWeight < 0 || c.Search.FTSWeight > 1 {
		return fmt.Errorf("HINDSIGHT_FTS_WEIGHT must be 0-1, got %g", c.Search.FTSWeight)
	}
	if c.Search.SemanticWeight < 0 || c.Search.SemanticWeight > 1 {
		return fmt.Errorf("HINDSIGHT_SEMANTIC_WEIGHT must be 0-1, got %g", c.Search.SemanticWeight)
	}
	if c.Analysis.MinConfidence < 0 || c.Analysis.MinConfidence > 1 {
		return fmt.Errorf("HINDSIGHT_MIN_CONFIDENCE must be 0-1, got %g", c.Analysis.MinConfidence)
	}
	if c.Analysis.BatchSize < 1 {
		return fmt.Errorf("HINDSIGHT_ANALYSIS_BATCH_SIZE must be >= 1, got %d", c.Analysis.BatchSize)
	}
	if c.Analysis.MaxAttempts < 1 {
		return fmt.Errorf("HINDSIGHT_ANALYSIS_MAX_ATTEMPTS must be >= 1, got %d", c.Analysis.MaxAttempts)
	}
	if c.Sync.MaxRetries < 0 {
		return fmt.Errorf("HINDSIGHT_SYNC_MAX_RETRIES must be >= 0, got %d", c.Sync.MaxRetries)
	}
	return nil
}

// ExtractorAllowed reports whether the configured model endpoint may be used
// at all: loopback endpoints always, anything remote only with explicit
// consent.
func (c *Config) ExtractorAllowed() bool {
	if c.OpenAI.APIKey == "" && c.OpenAI.BaseURL == "" {
		return false
	}
	if isLoopbackURL(c.OpenAI.BaseURL) {
		return true
	}
	return c.Analysis.CloudConsent
}

func isLoopbackURL(rawURL string) bool {
	if rawURL == "" {
		return false
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	host := u.Hostname()
	if host == "localhost" {
		return true
	}
	if ip := net.ParseIP(host); ip != nil {
		return ip.IsLoopback()
	}
	return false
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
