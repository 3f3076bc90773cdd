package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config aggregates chat client and stub backend settings loaded from environment variables.
type Config struct {
	Env string

	APIURL       string
	Token        string
	UserID       string
	ChatWith     string
	MobileLayout bool

	HTTPTimeout    time.Duration
	ReconnectDelay time.Duration
	PollInterval   time.Duration
	TypingExpiry   time.Duration
	TypingIdle     time.Duration
	MarkReadDelay  time.Duration
	FetchPageLimit int

	KafkaBrokers     []string
	KafkaTopicPrefix string
	NoticeTopic      string

	S3Endpoint   string
	S3AccessKey  string
	S3SecretKey  string
	S3Bucket     string
	S3Region     string
	S3UseSSL     bool
	AvatarURLTTL time.Duration

	StubAddr      string
	StubJWTSecret string
	MongoURI      string
	MongoDB       string
}

// Load parses configuration from the current environment.
func Load() (Config, error) {
	cfg := Config{
		Env:              getEnv("APP_ENV", "dev"),
		APIURL:           getEnv("CHAT_API_URL", "http://localhost:5000/api"),
		Token:            os.Getenv("CHAT_TOKEN"),
		UserID:           os.Getenv("CHAT_USER_ID"),
		ChatWith:         os.Getenv("CHAT_WITH"),
		KafkaTopicPrefix: getEnv("KAFKA_TOPIC_PREFIX", ""),
		NoticeTopic:      os.Getenv("NOTICE_TOPIC"),
		S3Endpoint:       os.Getenv("S3_ENDPOINT"),
		S3AccessKey:      getEnv("S3_ACCESS_KEY", "minioadmin"),
		S3SecretKey:      getEnv("S3_SECRET_KEY", "minioadmin"),
		S3Bucket:         getEnv("S3_BUCKET", "skillchat-avatars"),
		S3Region:         getEnv("S3_REGION", "us-east-1"),
		StubAddr:         getEnv("STUB_ADDR", ":5000"),
		StubJWTSecret:    getEnv("STUB_JWT_SECRET", "skillchat-dev-secret"),
		MongoURI:         os.Getenv("MONGO_URI"),
		MongoDB:          getEnv("MONGO_DB", "skillchat"),
	}
	if brokers := getEnv("KAFKA_BROKERS", ""); brokers != "" {
		for _, b := range strings.Split(brokers, ",") {
			if b = strings.TrimSpace(b); b != "" {
				cfg.KafkaBrokers = append(cfg.KafkaBrokers, b)
			}
		}
	}

	durations := []struct {
		key  string
		def  time.Duration
		dest *time.Duration
	}{
		{"HTTP_TIMEOUT", 10 * time.Second, &cfg.HTTPTimeout},
		{"RECONNECT_DELAY", 5 * time.Second, &cfg.ReconnectDelay},
		{"POLL_INTERVAL", 5 * time.Second, &cfg.PollInterval},
		{"TYPING_EXPIRY", 3 * time.Second, &cfg.TypingExpiry},
		{"TYPING_IDLE", time.Second, &cfg.TypingIdle},
		{"MARK_READ_DELAY", 500 * time.Millisecond, &cfg.MarkReadDelay},
		{"AVATAR_URL_TTL", time.Hour, &cfg.AvatarURLTTL},
	}
	for _, d := range durations {
		v, err := parseDurationEnv(d.key, d.def)
		if err != nil {
			return Config{}, err
		}
		if v <= 0 {
			return Config{}, fmt.Errorf("%s must be positive", d.key)
		}
		*d.dest = v
	}

	limit, err := parseIntEnv("FETCH_PAGE_LIMIT", 50)
	if err != nil {
		return Config{}, err
	}
	if limit <= 0 {
		return Config{}, fmt.Errorf("FETCH_PAGE_LIMIT must be positive")
	}
	cfg.FetchPageLimit = limit

	mobile, err := parseBoolEnv("CHAT_MOBILE_LAYOUT", false)
	if err != nil {
		return Config{}, err
	}
	cfg.MobileLayout = mobile

	useSSL, err := parseBoolEnv("S3_USE_SSL", false)
	if err != nil {
		return Config{}, err
	}
	cfg.S3UseSSL = useSSL
	return cfg, nil
}

// Fallback returns the defaults used when the environment cannot be parsed.
func Fallback() Config {
	return Config{
		Env:            "dev",
		APIURL:         "http://localhost:5000/api",
		HTTPTimeout:    10 * time.Second,
		ReconnectDelay: 5 * time.Second,
		PollInterval:   5 * time.Second,
		TypingExpiry:   3 * time.Second,
		TypingIdle:     time.Second,
		MarkReadDelay:  500 * time.Millisecond,
		FetchPageLimit: 50,
		S3Bucket:       "skillchat-avatars",
		S3Region:       "us-east-1",
		AvatarURLTTL:   time.Hour,
		StubAddr:       ":5000",
		StubJWTSecret:  "skillchat-dev-secret",
		MongoDB:        "skillchat",
	}
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func parseDurationEnv(key string, def time.Duration) (time.Duration, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return def, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s duration: %w", key, err)
	}
	return d, nil
}

func parseIntEnv(key string, def int) (int, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s integer: %w", key, err)
	}
	return v, nil
}

func parseBoolEnv(key string, def bool) (bool, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return def, nil
	}
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "1", "t", "true", "yes", "y", "on":
		return true, nil
	case "0", "f", "false", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("invalid %s boolean: %q", key, raw)
	}
}
