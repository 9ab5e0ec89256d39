package domain

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFlags(t *testing.T) {
	t.Run("系统标志大小写不敏感", func(t *testing.T) {
		f, err := ParseFlags([]string{`\seen`, `\FLAGGED`})
		require.NoError(t, err)
		assert.True(t, f.Has(FlagSeen))
		assert.True(t, f.Has(FlagFlagged))
		assert.False(t, f.Has(FlagDeleted))
		assert.Empty(t, f.User)
	})

	t.Run("用户标志小写去重排序", func(t *testing.T) {
		f, err := ParseFlags([]string{"Work", "junk", "JUNK"})
		require.NoError(t, err)
		assert.Equal(t, []string{"junk", "work"}, f.User)
		assert.True(t, f.HasUser("Junk"))
	})

	t.Run("非法标志返回错误", func(t *testing.T) {
		for _, names := range [][]string{{`\*`}, {""}, {"a b"}, {"(x"}} {
			_, err := ParseFlags(names)
			assert.ErrorIs(t, err, ErrInvalidFlag, names)
		}
	})
}

func TestFlags_Names(t *testing.T) {
	f := NewFlags(FlagSeen|FlagAnswered|FlagRecent, "zeta", "Alpha")

	assert.Equal(t, []string{`\Answered`, `\Recent`, `\Seen`, "alpha", "zeta"}, f.Names())
	assert.Equal(t, []string{"alpha", "zeta"}, f.UserFlags())
}

func TestFlags_Equal(t *testing.T) {
	a := NewFlags(FlagSeen, "x", "y")
	b := MustParseFlags(`\Seen`, "Y", "x")

	assert.True(t, a.Equal(b))
	assert.False(t, a.Equal(NewFlags(FlagSeen, "x")))
	assert.False(t, a.Equal(NewFlags(FlagDraft, "x", "y")))
}

func TestFlags_JSON(t *testing.T) {
	f := NewFlags(FlagDeleted, "todo")

	data, err := json.Marshal(f)
	require.NoError(t, err)
	assert.JSONEq(t, `["\\Deleted","todo"]`, string(data))

	var back Flags
	require.NoError(t, json.Unmarshal(data, &back))
	assert.True(t, f.Equal(back))

	assert.Error(t, json.Unmarshal([]byte(`["\\*"]`), &back))
}

func TestSystemFlag_String(t *testing.T) {
	assert.Equal(t, `\Seen`, FlagSeen.String())
	assert.Equal(t, "SystemFlag(0)", SystemFlag(0).String())
	assert.Len(t, SystemFlagNames(), 6)
}
