package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                = "CAMPUS"
	defaultHTTPAddress       = "0.0.0.0:8080"
	defaultDatabasePath      = "campus.db"
	defaultLogLevel          = "info"
	defaultCookieName        = "app_session"
	defaultIssuer            = "campus-auth"
	defaultChatModel         = "gpt-4o-mini"
	defaultSearchModel       = "gpt-4o-mini-search-preview"
	defaultImageModel        = "dall-e-3"
	defaultVideoModel        = "sora-2"
	defaultPollInterval      = 10 * time.Second
	defaultTargetCount       = 7
	defaultOverfetchFactor   = 2
	defaultProbeConcurrency  = 4
	defaultProbeTimeout      = 5 * time.Second
	defaultThumbnailBaseURL  = "https://i.ytimg.com/vi"
	defaultRealtimeBackend   = RealtimeBackendSQLite
	defaultDisconnectTimeout = 30 * time.Second
	defaultReapInterval      = 5 * time.Second
	defaultRedisAddress      = "127.0.0.1:6379"
	defaultTypingIdleTimeout = 2000 * time.Millisecond
	defaultMentionPrefix     = "@ai"
	defaultAssistantID       = "assistant"
	defaultAssistantHandle   = "AI Tutor"
	defaultChatContextWindow = 20
	defaultLogMaxSizeMB      = 100
	defaultLogMaxBackups     = 5
	defaultLogMaxAgeDays     = 14
	RealtimeBackendSQLite    = "sqlite"
	RealtimeBackendRedis     = "redis"
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress  string
	DatabasePath string
	// AllowedOrigins lists the browser origins allowed to make credentialed requests.
	AllowedOrigins []string

	Log LogConfig

	SessionSigningKey string
	SessionIssuer     string
	SessionCookieName string

	AI        AIConfig
	YouTube   YouTubeConfig
	Discovery DiscoveryConfig
	Realtime  RealtimeConfig
	Redis     RedisConfig
	Typing    TypingConfig
	Chat      ChatConfig
}

// LogConfig controls the zap logger and optional file rotation.
type LogConfig struct {
	Level      string
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// AIConfig configures the generative AI backend and the service mode breaker.
type AIConfig struct {
	APIKey        string
	BaseURL       string
	ChatModel     string
	SearchModel   string
	ImageModel    string
	VideoModel    string
	PollInterval  time.Duration
	HalfOpenAfter time.Duration
}

type YouTubeConfig struct {
	APIKey   string
	Endpoint string
}

type DiscoveryConfig struct {
	TargetCount      int
	OverfetchFactor  int
	ProbeConcurrency int
	ProbeTimeout     time.Duration
	ThumbnailBaseURL string
}

type RealtimeConfig struct {
	Backend           string
	DisconnectTimeout time.Duration
	ReapInterval      time.Duration
}

type RedisConfig struct {
	Address  string
	Password string
	DB       int
}

type TypingConfig struct {
	IdleTimeout time.Duration
}

type ChatConfig struct {
	MentionPrefix    string
	ResponderEnabled bool
	AssistantID      string
	AssistantHandle  string
	ContextWindow    int

	// ResponderAdmins are the user ids allowed to switch the responder at runtime.
	ResponderAdmins []string
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("http.allowed_origins", []string{})
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.file", "")
	configViper.SetDefault("log.max_size_mb", defaultLogMaxSizeMB)
	configViper.SetDefault("log.max_backups", defaultLogMaxBackups)
	configViper.SetDefault("log.max_age_days", defaultLogMaxAgeDays)
	configViper.SetDefault("auth.issuer", defaultIssuer)
	configViper.SetDefault("auth.cookie_name", defaultCookieName)

	configViper.SetDefault("ai.api_key", "")
	configViper.SetDefault("ai.base_url", "")
	configViper.SetDefault("ai.chat_model", defaultChatModel)
	configViper.SetDefault("ai.search_model", defaultSearchModel)
	configViper.SetDefault("ai.image_model", defaultImageModel)
	configViper.SetDefault("ai.video_model", defaultVideoModel)
	configViper.SetDefault("ai.poll_interval", defaultPollInterval)
	configViper.SetDefault("ai.half_open_after", time.Duration(0))

	configViper.SetDefault("youtube.api_key", "")
	configViper.SetDefault("youtube.endpoint", "")
	configViper.SetDefault("discovery.target_count", defaultTargetCount)
	configViper.SetDefault("discovery.overfetch_factor", defaultOverfetchFactor)
	configViper.SetDefault("discovery.probe_concurrency", defaultProbeConcurrency)
	configViper.SetDefault("discovery.probe_timeout", defaultProbeTimeout)
	configViper.SetDefault("discovery.thumbnail_base_url", defaultThumbnailBaseURL)

	configViper.SetDefault("realtime.backend", defaultRealtimeBackend)
	configViper.SetDefault("realtime.disconnect_timeout", defaultDisconnectTimeout)
	configViper.SetDefault("realtime.reap_interval", defaultReapInterval)
	configViper.SetDefault("redis.address", defaultRedisAddress)
	configViper.SetDefault("redis.password", "")
	configViper.SetDefault("redis.db", 0)

	configViper.SetDefault("typing.idle_timeout", defaultTypingIdleTimeout)

	configViper.SetDefault("chat.mention_prefix", defaultMentionPrefix)
	configViper.SetDefault("chat.responder_enabled", true)
	configViper.SetDefault("chat.assistant_id", defaultAssistantID)
	configViper.SetDefault("chat.assistant_handle", defaultAssistantHandle)
	configViper.SetDefault("chat.context_window", defaultChatContextWindow)
	configViper.SetDefault("chat.responder_admins", []string{})
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:    configViper.GetString("http.address"),
		DatabasePath:   configViper.GetString("database.path"),
		AllowedOrigins: normalizeOrigins(configViper.GetStringSlice("http.allowed_origins")),
		Log: LogConfig{
			Level:      configViper.GetString("log.level"),
			File:       configViper.GetString("log.file"),
			MaxSizeMB:  configViper.GetInt("log.max_size_mb"),
			MaxBackups: configViper.GetInt("log.max_backups"),
			MaxAgeDays: configViper.GetInt("log.max_age_days"),
		},
		SessionSigningKey: configViper.GetString("auth.signing_secret"),
		SessionIssuer:     configViper.GetString("auth.issuer"),
		SessionCookieName: configViper.GetString("auth.cookie_name"),
		AI: AIConfig{
			APIKey:        strings.TrimSpace(configViper.GetString("ai.api_key")),
			BaseURL:       strings.TrimSpace(configViper.GetString("ai.base_url")),
			ChatModel:     configViper.GetString("ai.chat_model"),
			SearchModel:   configViper.GetString("ai.search_model"),
			ImageModel:    configViper.GetString("ai.image_model"),
			VideoModel:    configViper.GetString("ai.video_model"),
			PollInterval:  configViper.GetDuration("ai.poll_interval"),
			HalfOpenAfter: configViper.GetDuration("ai.half_open_after"),
		},
		YouTube: YouTubeConfig{
			APIKey:   strings.TrimSpace(configViper.GetString("youtube.api_key")),
			Endpoint: strings.TrimSpace(configViper.GetString("youtube.endpoint")),
		},
		Discovery: DiscoveryConfig{
			TargetCount:      configViper.GetInt("discovery.target_count"),
			OverfetchFactor:  configViper.GetInt("discovery.overfetch_factor"),
			ProbeConcurrency: configViper.GetInt("discovery.probe_concurrency"),
			ProbeTimeout:     configViper.GetDuration("discovery.probe_timeout"),
			ThumbnailBaseURL: configViper.GetString("discovery.thumbnail_base_url"),
		},
		Realtime: RealtimeConfig{
			Backend:           strings.ToLower(strings.TrimSpace(configViper.GetString("realtime.backend"))),
			DisconnectTimeout: configViper.GetDuration("realtime.disconnect_timeout"),
			ReapInterval:      configViper.GetDuration("realtime.reap_interval"),
		},
		Redis: RedisConfig{
			Address:  configViper.GetString("redis.address"),
			Password: configViper.GetString("redis.password"),
			DB:       configViper.GetInt("redis.db"),
		},
		Typing: TypingConfig{
			IdleTimeout: configViper.GetDuration("typing.idle_timeout"),
		},
		Chat: ChatConfig{
			MentionPrefix:    configViper.GetString("chat.mention_prefix"),
			ResponderEnabled: configViper.GetBool("chat.responder_enabled"),
			AssistantID:      configViper.GetString("chat.assistant_id"),
			AssistantHandle:  configViper.GetString("chat.assistant_handle"),
			ContextWindow:    configViper.GetInt("chat.context_window"),
			ResponderAdmins:  splitList(configViper.GetStringSlice("chat.responder_admins")),
		},
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SessionSigningKey) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.SessionIssuer) == "" {
		return fmt.Errorf("auth.issuer is required")
	}
	if strings.TrimSpace(c.SessionCookieName) == "" {
		return fmt.Errorf("auth.cookie_name is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	for _, origin := range c.AllowedOrigins {
		if !strings.HasPrefix(origin, "http://") && !strings.HasPrefix(origin, "https://") {
			return fmt.Errorf("http.allowed_origins entry %q must be an http(s) origin", origin)
		}
	}
	switch c.Realtime.Backend {
	case RealtimeBackendSQLite, RealtimeBackendRedis:
	default:
		return fmt.Errorf("realtime.backend must be %q or %q, got %q", RealtimeBackendSQLite, RealtimeBackendRedis, c.Realtime.Backend)
	}
	if c.Realtime.DisconnectTimeout <= 0 {
		return fmt.Errorf("realtime.disconnect_timeout must be positive")
	}
	if c.Typing.IdleTimeout <= 0 {
		return fmt.Errorf("typing.idle_timeout must be positive")
	}
	if c.Discovery.TargetCount <= 0 {
		return fmt.Errorf("discovery.target_count must be positive")
	}
	if c.Discovery.OverfetchFactor < 1 {
		return fmt.Errorf("discovery.overfetch_factor must be at least 1")
	}
	if c.Discovery.ProbeConcurrency <= 0 {
		return fmt.Errorf("discovery.probe_concurrency must be positive")
	}
	if c.AI.PollInterval <= 0 {
		return fmt.Errorf("ai.poll_interval must be positive")
	}
	if c.AI.HalfOpenAfter < 0 {
		return fmt.Errorf("ai.half_open_after must not be negative")
	}
	if strings.TrimSpace(c.Chat.AssistantID) == "" {
		return fmt.Errorf("chat.assistant_id is required")
	}
	return nil
}

// splitList accepts a list or a single comma separated value, as env vars provide.
func splitList(raw []string) []string {
	values := make([]string, 0, len(raw))
	for _, entry := range raw {
		for _, value := range strings.Split(entry, ",") {
			if value = strings.TrimSpace(value); value != "" {
				values = append(values, value)
			}
		}
	}
	return values
}

func normalizeOrigins(raw []string) []string {
	origins := splitList(raw)
	for index, origin := range origins {
		origins[index] = strings.TrimRight(origin, "/")
	}
	return origins
}
