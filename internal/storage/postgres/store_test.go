package postgres

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"mailmeta/backend/internal/config"
	"mailmeta/backend/internal/domain"
	"mailmeta/backend/internal/storage/storagetest"
)

// newTestStore 需要可用的 PostgreSQL，通过 MAILMETA_TEST_POSTGRES_DSN 指定
func newTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("MAILMETA_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("MAILMETA_TEST_POSTGRES_DSN not set")
	}

	client, err := New(&config.DatabaseConfig{DSN: dsn, MaxOpenConns: 10}, nil)
	require.NoError(t, err)

	store, err := NewStore(client)
	require.NoError(t, err)
	require.NoError(t, store.Migrate())
	t.Cleanup(func() { _ = store.Close() })
	return store
}

// corruptACL 直接写入无法解析的 ACL 行
func corruptACL(store *Store) storagetest.CorruptACLFunc {
	return func(ctx context.Context, m domain.MailboxID) error {
		return store.db.WithContext(ctx).Create(&aclRow{MailboxID: string(m), ACL: "{broken", Version: 3}).Error
	}
}

func TestPostgresStore_Conformance(t *testing.T) {
	store := newTestStore(t)
	storagetest.RunStoreTests(t, store, storagetest.WithCorruptACL(corruptACL(store)))
}

func TestMySQLStore_Conformance(t *testing.T) {
	dsn := os.Getenv("MAILMETA_TEST_MYSQL_DSN")
	if dsn == "" {
		t.Skip("MAILMETA_TEST_MYSQL_DSN not set")
	}

	store, err := NewMySQLStore(dsn)
	require.NoError(t, err)
	require.NoError(t, store.Migrate())
	t.Cleanup(func() { _ = store.Close() })

	storagetest.RunStoreTests(t, store, storagetest.WithCorruptACL(corruptACL(store)))
}

func TestNew_RequiresDSN(t *testing.T) {
	_, err := New(&config.DatabaseConfig{}, nil)
	require.Error(t, err)
}
