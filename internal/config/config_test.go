package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	t.Run("加载默认配置成功", func(t *testing.T) {
		cfg, err := Load()

		require.NoError(t, err)
		require.NotNil(t, cfg)

		// 验证默认值
		assert.Equal(t, "0.0.0.0", cfg.Server.Host)
		assert.Equal(t, 8080, cfg.Server.Port)
		assert.Equal(t, "0.0.0.0:8080", cfg.Server.Addr())
		assert.Equal(t, 10*time.Second, cfg.Server.ShutdownTimeout)
		assert.Equal(t, []string{"*"}, cfg.CORS.AllowedOrigins)
		assert.Equal(t, "info", cfg.Log.Level)
		assert.False(t, cfg.Log.Development)
		assert.Equal(t, BackendMemory, cfg.Storage.Backend)
		assert.Equal(t, "localhost:6379", cfg.Redis.Address)
		assert.Equal(t, 10, cfg.Redis.PoolSize)
		assert.Equal(t, "mailmeta", cfg.Redis.KeyPrefix)
		assert.Equal(t, "127.0.0.1:8500", cfg.Consul.Address)
		assert.False(t, cfg.Auth.Enabled)
		assert.Equal(t, 24*time.Hour, cfg.Auth.TokenExpiry)
		assert.Equal(t, 10, cfg.ACL.MaxRetries)
		assert.Equal(t, time.Duration(0), cfg.ACL.Backoff)
		assert.Equal(t, 50*time.Millisecond, cfg.Sequence.MaxBackoff)
		assert.Equal(t, 8, cfg.Index.Workers)
		assert.Equal(t, 256, cfg.Index.QueueSize)
		assert.Equal(t, 5*time.Second, cfg.Index.Timeout)
		assert.Equal(t, float64(0), cfg.RateLimit.RPS)
	})

	t.Run("加载自定义配置成功", func(t *testing.T) {
		t.Setenv("MAILMETA_SERVER_HOST", "127.0.0.1")
		t.Setenv("MAILMETA_SERVER_PORT", "9090")
		t.Setenv("MAILMETA_CORS_ALLOWED_ORIGINS", "https://a.example, https://b.example")
		t.Setenv("MAILMETA_LOG_LEVEL", "debug")
		t.Setenv("MAILMETA_LOG_DEVELOPMENT", "true")
		t.Setenv("MAILMETA_STORAGE_BACKEND", "Redis")
		t.Setenv("MAILMETA_REDIS_KEY_PREFIX", "mm")
		t.Setenv("MAILMETA_ACL_MAX_RETRIES", "3")
		t.Setenv("MAILMETA_ACL_BACKOFF", "2ms")
		t.Setenv("MAILMETA_INDEX_WORKERS", "2")
		t.Setenv("MAILMETA_INDEX_TIMEOUT", "1s")
		t.Setenv("MAILMETA_RATE_LIMIT_RPS", "50")
		t.Setenv("MAILMETA_RATE_LIMIT_BURST", "5")

		cfg, err := Load()

		require.NoError(t, err)
		assert.Equal(t, "127.0.0.1:9090", cfg.Server.Addr())
		assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.CORS.AllowedOrigins)
		assert.Equal(t, "debug", cfg.Log.Level)
		assert.True(t, cfg.Log.Development)
		assert.Equal(t, BackendRedis, cfg.Storage.Backend)
		assert.Equal(t, "mm", cfg.Redis.KeyPrefix)
		assert.Equal(t, 3, cfg.ACL.MaxRetries)
		assert.Equal(t, 2*time.Millisecond, cfg.ACL.Backoff)
		assert.Equal(t, 2, cfg.Index.Workers)
		assert.Equal(t, time.Second, cfg.Index.Timeout)
		assert.Equal(t, float64(50), cfg.RateLimit.RPS)
		assert.Equal(t, 5, cfg.RateLimit.Burst)
	})

	t.Run("无效时长使用默认值", func(t *testing.T) {
		t.Setenv("MAILMETA_INDEX_TIMEOUT", "soon")

		cfg, err := Load()

		require.NoError(t, err)
		assert.Equal(t, 5*time.Second, cfg.Index.Timeout)
	})

	t.Run("未知存储后端返回错误", func(t *testing.T) {
		t.Setenv("MAILMETA_STORAGE_BACKEND", "cassandra")

		_, err := Load()

		assert.Error(t, err)
		assert.Contains(t, err.Error(), "unsupported storage.backend")
	})

	t.Run("SQL后端缺少DSN返回错误", func(t *testing.T) {
		t.Setenv("MAILMETA_STORAGE_BACKEND", "postgres")

		_, err := Load()

		assert.Error(t, err)
		assert.Contains(t, err.Error(), "database.dsn")
	})

	t.Run("启用认证时拒绝默认密钥", func(t *testing.T) {
		t.Setenv("MAILMETA_AUTH_ENABLED", "true")

		_, err := Load()

		assert.Error(t, err)
		assert.Contains(t, err.Error(), "cannot be the default value")
	})

	t.Run("启用认证时拒绝过短密钥", func(t *testing.T) {
		t.Setenv("MAILMETA_AUTH_ENABLED", "true")
		t.Setenv("MAILMETA_AUTH_SECRET", "short-secret")

		_, err := Load()

		assert.Error(t, err)
		assert.Contains(t, err.Error(), "at least 32 characters")
	})

	t.Run("启用认证时接受合法密钥", func(t *testing.T) {
		t.Setenv("MAILMETA_AUTH_ENABLED", "true")
		t.Setenv("MAILMETA_AUTH_SECRET", "test-secret-key-for-development-32-chars-long-at-least")

		cfg, err := Load()

		require.NoError(t, err)
		assert.True(t, cfg.Auth.Enabled)
		assert.Equal(t, "mailmeta", cfg.Auth.Issuer)
	})
}

func TestValidateHybrid(t *testing.T) {
	base := func() *Config {
		return &Config{
			Storage: StorageConfig{Backend: BackendHybrid, CASBackend: BackendConsul, IndexBackend: BackendRedis},
			ACL:     ACLConfig{MaxRetries: 10},
			Index:   IndexConfig{Workers: 1, QueueSize: 1},
		}
	}

	t.Run("consul与redis组合合法", func(t *testing.T) {
		assert.NoError(t, base().Validate())
	})

	t.Run("consul不能作为索引后端", func(t *testing.T) {
		cfg := base()
		cfg.Storage.IndexBackend = BackendConsul
		assert.Error(t, cfg.Validate())
	})

	t.Run("相同后端被拒绝", func(t *testing.T) {
		cfg := base()
		cfg.Storage.CASBackend = BackendRedis
		assert.Error(t, cfg.Validate())
	})

	t.Run("SQL索引后端需要DSN", func(t *testing.T) {
		cfg := base()
		cfg.Storage.IndexBackend = BackendPostgres
		assert.Error(t, cfg.Validate())

		cfg.Database.DSN = "postgres://localhost/mailmeta"
		assert.NoError(t, cfg.Validate())
	})
}

func TestParseList(t *testing.T) {
	assert.Equal(t, []string{"a", "b"}, parseList(" a, ,b ,"))
	assert.Empty(t, parseList(""))
}
