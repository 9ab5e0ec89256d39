package jwt

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testSecret = strings.Repeat("s", 32)

func TestManager(t *testing.T) {
	t.Run("签发并校验令牌", func(t *testing.T) {
		m := NewManager(testSecret, "mailmeta", time.Hour)

		token, err := m.Issue("imap-frontend", ScopeSequenceWrite, ScopeIndexWrite)
		require.NoError(t, err)
		assert.Equal(t, "Bearer", token.TokenType)
		assert.WithinDuration(t, time.Now().Add(time.Hour), token.ExpiresAt, 5*time.Second)

		claims, err := m.ValidateToken(token.AccessToken)
		require.NoError(t, err)
		assert.Equal(t, "imap-frontend", claims.Service)
		assert.True(t, claims.HasScope(ScopeSequenceWrite))
		assert.False(t, claims.HasScope(ScopeACLWrite))
	})

	t.Run("过期令牌", func(t *testing.T) {
		m := NewManager(testSecret, "mailmeta", -time.Minute)

		token, err := m.Issue("svc")
		require.NoError(t, err)

		_, err = m.ValidateToken(token.AccessToken)
		assert.ErrorIs(t, err, ErrExpiredToken)
	})

	t.Run("密钥不匹配", func(t *testing.T) {
		token, err := NewManager(testSecret, "mailmeta", time.Hour).Issue("svc")
		require.NoError(t, err)

		_, err = NewManager(strings.Repeat("x", 32), "mailmeta", time.Hour).ValidateToken(token.AccessToken)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("签发者不匹配", func(t *testing.T) {
		token, err := NewManager(testSecret, "other", time.Hour).Issue("svc")
		require.NoError(t, err)

		_, err = NewManager(testSecret, "mailmeta", time.Hour).ValidateToken(token.AccessToken)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("格式错误", func(t *testing.T) {
		_, err := NewManager(testSecret, "mailmeta", time.Hour).ValidateToken("not-a-token")
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("服务名不能为空", func(t *testing.T) {
		_, err := NewManager(testSecret, "mailmeta", time.Hour).Issue("")
		assert.Error(t, err)
	})
}

func TestParseScope(t *testing.T) {
	scope, err := ParseScope("acl:write")
	require.NoError(t, err)
	assert.Equal(t, ScopeACLWrite, scope)

	_, err = ParseScope("admin")
	assert.ErrorIs(t, err, ErrUnknownScope)
}
