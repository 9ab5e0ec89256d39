package redis

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mailmeta/backend/internal/config"
	"mailmeta/backend/internal/domain"
	"mailmeta/backend/internal/storage/storagetest"
)

// newTestStore 需要可用的 Redis，通过 MAILMETA_TEST_REDIS_ADDR 指定
func newTestStore(t *testing.T) *Store {
	t.Helper()
	addr := os.Getenv("MAILMETA_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("MAILMETA_TEST_REDIS_ADDR not set")
	}

	client, err := New(&config.RedisConfig{Address: addr, PoolSize: 10}, nil)
	require.NoError(t, err)

	store := NewStore(client, "mailmeta-test")
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestRedisStore_Conformance(t *testing.T) {
	store := newTestStore(t)
	storagetest.RunStoreTests(t, store, storagetest.WithCorruptACL(func(ctx context.Context, m domain.MailboxID) error {
		return store.rdb.HSet(ctx, store.key(m, "acl"), fieldData, `{"entries":{"bob":"lr"}}`, fieldVersion, "v1").Err()
	}))
}

func TestParseACLVersion(t *testing.T) {
	v, ok := parseACLVersion("42")
	assert.True(t, ok)
	assert.Equal(t, int64(42), v)

	t.Run("非规范版本视为损坏", func(t *testing.T) {
		for _, raw := range []string{"", "v1", "007", "-1", "1e3", "99999999999999999999"} {
			_, ok := parseACLVersion(raw)
			assert.False(t, ok, raw)
		}
	})
}

func TestRedisStore_KeyLayout(t *testing.T) {
	store := NewStore(NewFromClient(nil, nil), "")
	require.Equal(t, "mailmeta:{INBOX}:seq:uid", store.key("INBOX", "seq", "uid"))
	require.Equal(t, "mailmeta:{INBOX}:first_unseen", store.key("INBOX", "first_unseen"))
}
