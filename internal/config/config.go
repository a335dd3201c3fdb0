package config

import (
	"flag"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	UpstreamBaseURL  string
	UpstreamChatPath string
	UpstreamToken    string
	UpstreamProxyURL string
	ListenAddr       string
	CORSOrigin       string
	RequestTimeout   time.Duration
	// Chat pipeline
	SearchGrace    time.Duration
	ResultLimit    int
	ThinkSplitMode string
	ChatParamsFile string
	// Logging
	LogLevel  string
	LogFormat string
	// A2A
	A2AEnabled       bool
	A2APort          int
	A2AKnowledgeBase string
	AgentName        string
	AgentDesc        string
}

// Load reads configuration from flags, the environment and an optional .env
// file in the working directory. Flags win over environment values.
func Load() *Config {
	_ = godotenv.Load()

	cfg := &Config{}

	flag.StringVar(&cfg.UpstreamBaseURL, "upstream-base-url", getEnv("UPSTREAM_BASE_URL", "http://localhost:8000"), "Knowledge-base backend base URL")
	flag.StringVar(&cfg.UpstreamChatPath, "upstream-chat-path", getEnv("UPSTREAM_CHAT_PATH", "/api/chat/completions"), "Streaming chat-completions path on the backend")
	flag.StringVar(&cfg.UpstreamToken, "upstream-token", getEnv("UPSTREAM_TOKEN", ""), "Fallback backend token when the caller sends none")
	flag.StringVar(&cfg.UpstreamProxyURL, "upstream-proxy-url", getEnv("UPSTREAM_PROXY_URL", ""), "HTTP/HTTPS proxy URL for backend requests (e.g. http://proxy:8080)")
	flag.StringVar(&cfg.ListenAddr, "listen-addr", getEnv("LISTEN_ADDR", ":8080"), "BFF listen address")
	flag.StringVar(&cfg.CORSOrigin, "cors-origin", getEnv("CORS_ORIGIN", "*"), "Access-Control-Allow-Origin value")

	flag.DurationVar(&cfg.RequestTimeout, "request-timeout", getEnvDuration("REQUEST_TIMEOUT", 120*time.Second), "Backend round-trip timeout, including streaming")
	flag.DurationVar(&cfg.SearchGrace, "search-grace", getEnvDuration("SEARCH_GRACE", 2*time.Second), "How long a turn shows the retrieval state before switching to waiting")
	flag.IntVar(&cfg.ResultLimit, "result-limit", getEnvInt("RESULT_LIMIT", 5), "Number of retrieved passages requested per turn")
	flag.StringVar(&cfg.ThinkSplitMode, "think-split-mode", getEnv("THINK_SPLIT_MODE", "carry"), "Think tag detection: carry (cross-chunk safe) or compat (per-chunk scan)")
	flag.StringVar(&cfg.ChatParamsFile, "chat-params-file", getEnv("CHAT_PARAMS_FILE", ""), "YAML file with saved chat parameters")

	flag.StringVar(&cfg.LogLevel, "log-level", getEnv("LOG_LEVEL", "info"), "Log level: debug, info, warn, error")
	flag.StringVar(&cfg.LogFormat, "log-format", getEnv("LOG_FORMAT", "text"), "Log format: text or json")

	flag.BoolVar(&cfg.A2AEnabled, "a2a", getEnvBool("A2A_ENABLED", false), "Enable A2A server alongside the BFF")
	flag.IntVar(&cfg.A2APort, "a2a-port", getEnvInt("A2A_PORT", 8001), "A2A server listen port")
	flag.StringVar(&cfg.A2AKnowledgeBase, "a2a-knowledge-base", getEnv("A2A_KNOWLEDGE_BASE", ""), "Knowledge base the A2A agent answers from")
	flag.StringVar(&cfg.AgentName, "agent-name", getEnv("AGENT_NAME", "kb-chat"), "A2A AgentCard name")
	flag.StringVar(&cfg.AgentDesc, "agent-desc", getEnv("AGENT_DESC", "Knowledge-base chat agent exposed via A2A protocol"), "A2A AgentCard description")

	flag.Parse()
	return cfg
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	u, err := url.Parse(c.UpstreamBaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("invalid upstream base url: %q", c.UpstreamBaseURL)
	}
	if c.ThinkSplitMode != "carry" && c.ThinkSplitMode != "compat" {
		return fmt.Errorf("invalid think split mode: %s, must be 'carry' or 'compat'", c.ThinkSplitMode)
	}
	if c.ResultLimit <= 0 {
		return fmt.Errorf("result limit must be positive, got %d", c.ResultLimit)
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("request timeout must be positive, got %s", c.RequestTimeout)
	}
	if c.A2AEnabled && c.A2AKnowledgeBase == "" {
		return fmt.Errorf("a2a requires a knowledge base (--a2a-knowledge-base)")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	switch v {
	case "true", "1", "yes":
		return true
	case "false", "0", "no":
		return false
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	d, _ := time.ParseDuration(os.Getenv(key))
	if d == 0 {
		return fallback
	}
	return d
}
