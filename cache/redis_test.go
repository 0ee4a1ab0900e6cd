package cache

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestOptionsFromEnvDefaults(t *testing.T) {
	t.Setenv("REDIS_ADDR", "")
	t.Setenv("REDIS_PASSWORD", "")
	t.Setenv("REDIS_DB", "")

	opts := optionsFromEnv()
	assert.Equal(t, "localhost:6379", opts.Addr)
	assert.Equal(t, "", opts.Password)
	assert.Equal(t, 0, opts.DB)
}

func TestOptionsFromEnvOverrides(t *testing.T) {
	t.Setenv("REDIS_ADDR", " redis.internal:6380 ")
	t.Setenv("REDIS_PASSWORD", "secret")
	t.Setenv("REDIS_DB", "3")

	opts := optionsFromEnv()
	assert.Equal(t, "redis.internal:6380", opts.Addr)
	assert.Equal(t, "secret", opts.Password)
	assert.Equal(t, 3, opts.DB)
}

func TestOptionsFromEnvIgnoresBadDB(t *testing.T) {
	t.Setenv("REDIS_ADDR", "")
	t.Setenv("REDIS_DB", "not-a-number")

	assert.Equal(t, 0, optionsFromEnv().DB)
}
