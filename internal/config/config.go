package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration
type Config struct {
	// Server
	HTTPAddr string
	LogLevel string

	// Kafka
	KafkaBrokers       []string
	KafkaConsumerGroup string
	KafkaTopicRequests string
	KafkaTopicEvents   string

	// S3/Storage
	S3Endpoint  string
	S3Region    string
	S3Bucket    string
	S3AccessKey string
	S3SecretKey string
	S3UseSSL    bool
	S3PublicURL string

	// Gemini API
	GeminiAPIKey      string
	GeminiAPIEndpoint string // if set, overrides default Gemini API base URL
	GeminiModelText   string
	GeminiModelImage  string // image generation, e.g. gemini-2.5-flash-image
	GeminiModelTTS    string // TTS model, e.g. gemini-2.5-flash-preview-tts
	GeminiTTSVoice    string // prebuilt voice name, e.g. Kore, Puck, Zephyr

	// Story generation
	StoryLanguage       string
	StoryTemperature    float64
	PlaceholderImageURL string        // must contain %d for the random seed
	AssetPageInterval   time.Duration // minimum gap between pages, 0 disables pacing

	// Export
	ExportDir      string
	ExportFontSize float64

	// Webhook
	WebhookMaxAttempts    int
	WebhookRetryBaseDelay time.Duration
	WebhookRetryMaxDelay  time.Duration

	// Auth
	APIKeyHashes []string // bcrypt hashes; empty disables auth
	StoryQuota   int      // generations per key per period, 0 disables
	QuotaPeriod  string   // hourly, daily, weekly or monthly
}

// Load loads configuration from environment variables.
// A .env file in the working directory is read first when present.
func Load() *Config {
	_ = godotenv.Load()

	return &Config{
		HTTPAddr: getEnv("HTTP_ADDR", ":8080"),
		LogLevel: getEnv("LOG_LEVEL", "info"),

		KafkaBrokers:       getEnvList("KAFKA_BROKERS", nil),
		KafkaConsumerGroup: getEnv("KAFKA_CONSUMER_GROUP", "storybook-worker"),
		KafkaTopicRequests: getEnv("KAFKA_TOPIC_REQUESTS", "storybook.requests.v1"),
		KafkaTopicEvents:   getEnv("KAFKA_TOPIC_EVENTS", "storybook.events.v1"),

		S3Endpoint:  getEnv("S3_ENDPOINT", ""),
		S3Region:    getEnv("S3_REGION", "us-east-1"),
		S3Bucket:    getEnv("S3_BUCKET", "storybook-exports"),
		S3AccessKey: getEnv("S3_ACCESS_KEY", ""),
		S3SecretKey: getEnv("S3_SECRET_KEY", ""),
		S3UseSSL:    getEnvBool("S3_USE_SSL", false),
		S3PublicURL: getEnv("S3_PUBLIC_URL", ""),

		GeminiAPIKey:      getEnv("GEMINI_API_KEY", ""),
		GeminiAPIEndpoint: getEnv("GEMINI_API_ENDPOINT", ""),
		GeminiModelText:   getEnv("GEMINI_MODEL_TEXT", "gemini-2.5-flash"),
		GeminiModelImage:  getEnv("GEMINI_MODEL_IMAGE", "gemini-2.5-flash-image"),
		GeminiModelTTS:    getEnv("GEMINI_MODEL_TTS", "gemini-2.5-flash-preview-tts"),
		GeminiTTSVoice:    getEnv("GEMINI_TTS_VOICE", "Kore"),

		StoryLanguage:       getEnv("STORY_LANGUAGE", "Bahasa Indonesia"),
		StoryTemperature:    getEnvFloat("STORY_TEMPERATURE", 0.8),
		PlaceholderImageURL: getEnv("PLACEHOLDER_IMAGE_URL", "https://picsum.photos/seed/%d/1024/1024"),
		AssetPageInterval:   getEnvDuration("ASSET_PAGE_INTERVAL", 0),

		ExportDir:      getEnv("EXPORT_DIR", "."),
		ExportFontSize: getEnvFloat("EXPORT_FONT_SIZE", 40),

		WebhookMaxAttempts:    getEnvInt("WEBHOOK_MAX_ATTEMPTS", 5),
		WebhookRetryBaseDelay: getEnvDuration("WEBHOOK_RETRY_BASE_DELAY", 2*time.Second),
		WebhookRetryMaxDelay:  getEnvDuration("WEBHOOK_RETRY_MAX_DELAY", time.Minute),

		APIKeyHashes: getEnvList("API_KEY_HASHES", nil),
		StoryQuota:   getEnvInt("STORY_QUOTA", 0),
		QuotaPeriod:  getEnv("QUOTA_PERIOD", "daily"),
	}
}

// KafkaEnabled reports whether any broker is configured.
func (c *Config) KafkaEnabled() bool {
	return len(c.KafkaBrokers) > 0
}

// S3Enabled reports whether export uploads can be stored.
func (c *Config) S3Enabled() bool {
	return c.S3Bucket != "" && (c.S3Endpoint != "" || c.S3AccessKey != "")
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvList splits a comma-separated value, dropping empty items.
func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
