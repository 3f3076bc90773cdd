package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("APP_ENV", "")
	t.Setenv("CHAT_API_URL", "")
	t.Setenv("KAFKA_BROKERS", "")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "dev", cfg.Env)
	assert.Equal(t, "http://localhost:5000/api", cfg.APIURL)
	assert.Equal(t, 5*time.Second, cfg.ReconnectDelay)
	assert.Equal(t, 5*time.Second, cfg.PollInterval)
	assert.Equal(t, 3*time.Second, cfg.TypingExpiry)
	assert.Equal(t, time.Second, cfg.TypingIdle)
	assert.Equal(t, 500*time.Millisecond, cfg.MarkReadDelay)
	assert.Equal(t, 50, cfg.FetchPageLimit)
	assert.Empty(t, cfg.KafkaBrokers)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("KAFKA_BROKERS", "a:9092, b:9092,")
	t.Setenv("POLL_INTERVAL", "2s")
	t.Setenv("CHAT_MOBILE_LAYOUT", "yes")
	t.Setenv("FETCH_PAGE_LIMIT", "20")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, []string{"a:9092", "b:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, 2*time.Second, cfg.PollInterval)
	assert.True(t, cfg.MobileLayout)
	assert.Equal(t, 20, cfg.FetchPageLimit)
}

func TestLoadRejectsBadValues(t *testing.T) {
	tests := map[string]string{
		"POLL_INTERVAL":      "soon",
		"TYPING_EXPIRY":      "-1s",
		"S3_USE_SSL":         "maybe",
		"FETCH_PAGE_LIMIT":   "0",
		"CHAT_MOBILE_LAYOUT": "2",
	}
	for key, val := range tests {
		t.Run(key, func(t *testing.T) {
			t.Setenv(key, val)
			_, err := Load()
			assert.Error(t, err)
		})
	}
}

func TestFallbackMatchesDefaults(t *testing.T) {
	cfg := Fallback()
	assert.Equal(t, 5*time.Second, cfg.PollInterval)
	assert.Equal(t, ":5000", cfg.StubAddr)
}
