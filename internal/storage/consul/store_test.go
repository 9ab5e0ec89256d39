package consul

import (
	"context"
	"os"
	"testing"

	"github.com/hashicorp/consul/api"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mailmeta/backend/internal/config"
	"mailmeta/backend/internal/domain"
	"mailmeta/backend/internal/storage/storagetest"
)

func TestConsulStore_Conformance(t *testing.T) {
	addr := os.Getenv("MAILMETA_TEST_CONSUL_ADDR")
	if addr == "" {
		t.Skip("MAILMETA_TEST_CONSUL_ADDR not set")
	}

	store, err := New(&config.ConsulConfig{Address: addr, Prefix: "mailmeta-test"}, nil)
	require.NoError(t, err)

	storagetest.RunCASStoreTests(t, store, storagetest.WithCorruptACL(func(ctx context.Context, m domain.MailboxID) error {
		_, err := store.kv.Put(&api.KVPair{Key: store.buildKey(m, "acl"), Value: []byte("{broken")}, (&api.WriteOptions{}).WithContext(ctx))
		return err
	}))
}

func TestDecodeEnvelope(t *testing.T) {
	env, ok := decodeEnvelope([]byte(`{"data":"{\"entries\":{}}","version":3}`))
	assert.True(t, ok)
	assert.Equal(t, aclEnvelope{Data: `{"entries":{}}`, Version: 3}, env)

	t.Run("损坏的信封视为版本0", func(t *testing.T) {
		for _, raw := range []string{"{broken", "", `{"version":"x"}`} {
			env, ok := decodeEnvelope([]byte(raw))
			assert.False(t, ok, raw)
			assert.Equal(t, aclEnvelope{}, env, raw)
		}
	})
}

func TestConsulStore_BuildKey(t *testing.T) {
	store, err := New(&config.ConsulConfig{Prefix: "/mm/"}, nil)
	require.NoError(t, err)

	assert.Equal(t, "mm/INBOX/seq/uid", store.buildKey("INBOX", "seq", "uid"))
	assert.Equal(t, "mm/a%2Fb/acl", store.buildKey("a/b", "acl"))

	store, err = New(&config.ConsulConfig{}, nil)
	require.NoError(t, err)
	assert.Equal(t, "mailmeta/INBOX/acl", store.buildKey("INBOX", "acl"))
}
