package config

import (
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/harunnryd/voicebridge/pkg/errorsx"
	"github.com/spf13/viper"
)

const DefaultOpeningUtterance = "Greet the user with 'Hello there! I am an AI voice assistant. " +
	"You can ask me about the latest news or anything else on your mind. How can I help you?'"

const DefaultInstructions = "You are a helpful and friendly voice assistant. " +
	"Keep answers short and conversational. Use the search tool when the caller asks about current events."

type Config struct {
	Server           ServerConfig   `mapstructure:"server"`
	Twilio           TwilioConfig   `mapstructure:"twilio"`
	Realtime         RealtimeConfig `mapstructure:"realtime"`
	Tools            ToolsConfig    `mapstructure:"tools"`
	Notify           NotifyConfig   `mapstructure:"notify"`
	Relay            RelayConfig    `mapstructure:"relay"`
	Privacy          PrivacyConfig  `mapstructure:"privacy"`
	OpeningUtterance string         `mapstructure:"opening_utterance"`
	LogLevel         string         `mapstructure:"log_level"`
	LogFormat        string         `mapstructure:"log_format"`
	DrainTimeoutMS   int            `mapstructure:"drain_timeout_ms"`
}

type ServerConfig struct {
	Addr           string   `mapstructure:"addr"`
	PublicURL      string   `mapstructure:"public_url"`
	VoicePath      string   `mapstructure:"voice_path"`
	WebsocketPath  string   `mapstructure:"ws_path"`
	StatusPath     string   `mapstructure:"status_path"`
	IntroMessage   string   `mapstructure:"intro_message"`
	AllowAnyOrigin bool     `mapstructure:"allow_any_origin"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`

	// OpeningTimeoutMS bounds the personalized greeting lookup on an incoming call.
	OpeningTimeoutMS int `mapstructure:"opening_timeout_ms"`
}

type TwilioConfig struct {
	AccountSID string `mapstructure:"account_sid"`
	AuthToken  string `mapstructure:"auth_token"`
}

type RealtimeConfig struct {
	URL                string  `mapstructure:"url"`
	APIKey             string  `mapstructure:"api_key"`
	AuthMode           string  `mapstructure:"auth_mode"`
	Voice              string  `mapstructure:"voice"`
	Temperature        float64 `mapstructure:"temperature"`
	Instructions       string  `mapstructure:"instructions"`
	TranscriptionModel string  `mapstructure:"transcription_model"`
	HandshakeTimeoutMS int     `mapstructure:"handshake_timeout_ms"`
}

type ToolsConfig struct {
	Enabled        bool         `mapstructure:"enabled"`
	TimeoutMS      int          `mapstructure:"timeout_ms"`
	Retries        int          `mapstructure:"retries"`
	RetryBackoffMS int          `mapstructure:"retry_backoff_ms"`
	Search         VendorConfig `mapstructure:"search"`
}

type VendorConfig struct {
	Provider string         `mapstructure:"provider"`
	Settings map[string]any `mapstructure:"settings"`
}

type NotifyConfig struct {
	WebhookURL string      `mapstructure:"webhook_url"`
	TimeoutMS  int         `mapstructure:"timeout_ms"`
	Kafka      KafkaConfig `mapstructure:"kafka"`
}

type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

type RelayConfig struct {
	LogEventTypes  []string `mapstructure:"log_event_types"`
	ShowTimingMath bool     `mapstructure:"show_timing_math"`
}

type PrivacyConfig struct {
	RedactPII bool `mapstructure:"redact_pii"`
}

// DefaultLogEventTypes lists the backend event types logged as they arrive.
var DefaultLogEventTypes = []string{
	"error",
	"response.content.done",
	"rate_limits.updated",
	"response.done",
	"input_audio_buffer.committed",
	"input_audio_buffer.speech_stopped",
	"input_audio_buffer.speech_started",
	"session.created",
}

func LoadConfig(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetDefault("server.addr", ":5050")
	v.SetDefault("server.voice_path", "/incoming-call")
	v.SetDefault("server.ws_path", "/media-stream")
	v.SetDefault("server.status_path", "/status")
	v.SetDefault("server.opening_timeout_ms", 3000)
	v.SetDefault("server.intro_message", "Please wait while we connect your call to the AI voice assistant.")
	v.SetDefault("server.allow_any_origin", true)
	v.SetDefault("realtime.auth_mode", "azure")
	v.SetDefault("realtime.voice", "alloy")
	v.SetDefault("realtime.temperature", 0.8)
	v.SetDefault("realtime.instructions", DefaultInstructions)
	v.SetDefault("realtime.transcription_model", "whisper-1")
	v.SetDefault("realtime.handshake_timeout_ms", 10000)
	v.SetDefault("tools.enabled", false)
	v.SetDefault("tools.timeout_ms", 8000)
	v.SetDefault("tools.retries", 1)
	v.SetDefault("tools.retry_backoff_ms", 200)
	v.SetDefault("tools.search.provider", "tavily")
	v.SetDefault("notify.timeout_ms", 5000)
	v.SetDefault("relay.log_event_types", DefaultLogEventTypes)
	v.SetDefault("relay.show_timing_math", false)
	v.SetDefault("privacy.redact_pii", true)
	v.SetDefault("opening_utterance", DefaultOpeningUtterance)
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")
	v.SetDefault("drain_timeout_ms", 30000)

	if err := v.ReadInConfig(); err != nil {
		return Config{}, errorsx.Errorf(errorsx.ReasonConfiguration, "read config: %w", err)
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, errorsx.Errorf(errorsx.ReasonConfiguration, "unmarshal: %w", err)
	}

	expandEnvStrings(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, errorsx.Errorf(errorsx.ReasonConfiguration, "validate config: %w", err)
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.Realtime.URL) == "" {
		return fmt.Errorf("realtime.url is required")
	}
	if strings.TrimSpace(c.Realtime.APIKey) == "" {
		return fmt.Errorf("realtime.api_key is required")
	}
	switch strings.ToLower(c.Realtime.AuthMode) {
	case "azure", "openai":
	default:
		return fmt.Errorf("realtime.auth_mode must be one of [azure, openai], got %s", c.Realtime.AuthMode)
	}
	if c.Tools.Enabled && strings.TrimSpace(c.Tools.Search.Provider) == "" {
		return fmt.Errorf("tools.search.provider is required when tools are enabled")
	}
	if len(c.Notify.Kafka.Brokers) > 0 && strings.TrimSpace(c.Notify.Kafka.Topic) == "" {
		return fmt.Errorf("notify.kafka.topic is required when brokers are set")
	}
	return nil
}

func (c Config) DrainTimeout() time.Duration {
	return time.Duration(c.DrainTimeoutMS) * time.Millisecond
}

func expandEnvStrings(cfg *Config) {
	expandValue(reflect.ValueOf(cfg))
	cfg.Tools.Search.Settings = expandSettings(cfg.Tools.Search.Settings)
}

func expandSettings(settings map[string]any) map[string]any {
	if settings == nil {
		return nil
	}
	for k, v := range settings {
		settings[k] = expandAny(v)
	}
	return settings
}

func expandAny(v any) any {
	switch val := v.(type) {
	case string:
		return os.ExpandEnv(val)
	case []any:
		for i := range val {
			val[i] = expandAny(val[i])
		}
		return val
	case map[string]any:
		for k, v := range val {
			val[k] = expandAny(v)
		}
		return val
	default:
		return v
	}
}

func expandValue(v reflect.Value) {
	if !v.IsValid() {
		return
	}
	if v.Kind() == reflect.Pointer {
		if v.IsNil() {
			return
		}
		expandValue(v.Elem())
		return
	}
	switch v.Kind() {
	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			expandValue(v.Field(i))
		}
	case reflect.String:
		if v.CanSet() {
			v.SetString(os.ExpandEnv(v.String()))
		}
	case reflect.Slice, reflect.Array:
		for i := 0; i < v.Len(); i++ {
			expandValue(v.Index(i))
		}
	}
}
