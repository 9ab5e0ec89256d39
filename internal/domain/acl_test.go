package domain

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRights(t *testing.T) {
	t.Run("按规范顺序输出", func(t *testing.T) {
		r, err := ParseRights("srl")
		require.NoError(t, err)
		assert.Equal(t, "lrs", r.String())
		assert.Equal(t, []Right{RightLookup, RightRead, RightWriteSeen}, r.List())
	})

	t.Run("空串为空集", func(t *testing.T) {
		r, err := ParseRights("")
		require.NoError(t, err)
		assert.True(t, r.IsEmpty())
	})

	t.Run("未知权限返回错误", func(t *testing.T) {
		_, err := ParseRights("lz")
		assert.ErrorIs(t, err, ErrInvalidRights)
	})

	t.Run("全部权限", func(t *testing.T) {
		assert.Equal(t, "lrswipkxtea", FullRights.String())
	})
}

func TestRights_SetOperations(t *testing.T) {
	lr := MustParseRights("lr")
	rs := MustParseRights("rs")

	assert.Equal(t, "lrs", lr.Union(rs).String())
	assert.Equal(t, "l", lr.Except(rs).String())
	assert.True(t, lr.Union(rs).Contains(lr))
	assert.False(t, lr.Contains(rs))
	assert.Equal(t, lr, NewRights(RightRead, RightLookup, Right('z')))
}

func TestParseEntryKey(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  EntryKey
	}{
		{"普通用户", "bob", EntryKey{Name: "bob", Type: NameUser}},
		{"用户组", "$admins", EntryKey{Name: "admins", Type: NameGroup}},
		{"特殊主体", "anyone", EntryKey{Name: "anyone", Type: NameSpecial}},
		{"负向用户", "-bob", EntryKey{Name: "bob", Type: NameUser, Negative: true}},
		{"负向用户组", "-$admins", EntryKey{Name: "admins", Type: NameGroup, Negative: true}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseEntryKey(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.input, got.String())
		})
	}

	t.Run("非法键", func(t *testing.T) {
		for _, input := range []string{"", "-", "$", "-$"} {
			_, err := ParseEntryKey(input)
			assert.ErrorIs(t, err, ErrInvalidEntryKey, input)
		}
	})
}

func TestEntryKey_Validate(t *testing.T) {
	assert.NoError(t, UserKey("bob").Validate())
	assert.NoError(t, GroupKey("ops").AsNegative().Validate())
	assert.ErrorIs(t, EntryKey{Name: "-bob", Type: NameUser}.Validate(), ErrInvalidEntryKey)
	assert.ErrorIs(t, EntryKey{Name: "nobody", Type: NameSpecial}.Validate(), ErrInvalidEntryKey)
	assert.ErrorIs(t, EntryKey{Name: "bob", Type: "robot"}.Validate(), ErrInvalidEntryKey)

	t.Run("用户名不能与特殊主体同名", func(t *testing.T) {
		for _, name := range []string{SpecialOwner, SpecialAnyone, SpecialAuthenticated} {
			assert.ErrorIs(t, UserKey(name).Validate(), ErrInvalidEntryKey, name)
			assert.ErrorIs(t, UserKey(name).AsNegative().Validate(), ErrInvalidEntryKey, name)
			assert.NoError(t, GroupKey(name).Validate(), name)
		}
	})

	t.Run("合法键文本往返不变", func(t *testing.T) {
		keys := []EntryKey{
			UserKey("bob"),
			UserKey("bob").AsNegative(),
			GroupKey("anyone"),
			{Name: SpecialAnyone, Type: NameSpecial},
			{Name: SpecialOwner, Type: NameSpecial, Negative: true},
		}
		for _, k := range keys {
			require.NoError(t, k.Validate(), k.String())
			got, err := ParseEntryKey(k.String())
			require.NoError(t, err)
			assert.Equal(t, k, got)
		}
	})
}

func TestACL_Validate(t *testing.T) {
	valid := NewACL(map[EntryKey]Rights{
		UserKey("bob"):                           MustParseRights("lr"),
		{Name: SpecialAnyone, Type: NameSpecial}: MustParseRights("l"),
	})
	assert.NoError(t, valid.Validate())
	assert.NoError(t, EmptyACL.Validate())

	invalid := NewACL(map[EntryKey]Rights{
		UserKey("bob"):    MustParseRights("lr"),
		UserKey("anyone"): MustParseRights("l"),
	})
	assert.ErrorIs(t, invalid.Validate(), ErrInvalidEntryKey)
}

func TestACL_Edits(t *testing.T) {
	bob := UserKey("bob")

	t.Run("追加权限", func(t *testing.T) {
		acl := EmptyACL.Union(bob, MustParseRights("l")).Union(bob, MustParseRights("r"))
		assert.Equal(t, "lr", acl.Get(bob).String())
	})

	t.Run("移除全部权限即删除条目", func(t *testing.T) {
		acl := EmptyACL.Union(bob, MustParseRights("lr"))
		acl = acl.Except(bob, MustParseRights("lr"))
		assert.True(t, acl.IsEmpty())
	})

	t.Run("替换为空权限即删除条目", func(t *testing.T) {
		acl := EmptyACL.Replace(bob, MustParseRights("lr")).Replace(bob, NoRights)
		assert.Equal(t, 0, acl.Len())
	})

	t.Run("编辑不修改原值", func(t *testing.T) {
		orig := EmptyACL.Union(bob, MustParseRights("l"))
		_ = orig.Union(bob, MustParseRights("a"))
		assert.Equal(t, "l", orig.Get(bob).String())
	})

	t.Run("正负条目互相独立", func(t *testing.T) {
		acl := EmptyACL.Union(bob, MustParseRights("lr")).Union(bob.AsNegative(), MustParseRights("r"))
		assert.Equal(t, 2, acl.Len())
		assert.Equal(t, []EntryKey{bob.AsNegative(), bob}, acl.Keys())
	})
}

func TestACL_Apply(t *testing.T) {
	bob := UserKey("bob")
	base := NewACL(map[EntryKey]Rights{bob: MustParseRights("lr")})

	got, err := base.Apply(ACLCommand{Key: bob, Mode: EditAdd, Rights: MustParseRights("s")})
	require.NoError(t, err)
	assert.Equal(t, "lrs", got.Get(bob).String())

	got, err = base.Apply(ACLCommand{Key: bob, Mode: EditRemove, Rights: MustParseRights("r")})
	require.NoError(t, err)
	assert.Equal(t, "l", got.Get(bob).String())

	got, err = base.Apply(ACLCommand{Key: bob, Mode: EditReplace, Rights: MustParseRights("a")})
	require.NoError(t, err)
	assert.Equal(t, "a", got.Get(bob).String())

	_, err = base.Apply(ACLCommand{Key: bob, Mode: "merge"})
	assert.ErrorIs(t, err, ErrInvalidACLCommand)
}

func TestACL_JSON(t *testing.T) {
	t.Run("序列化格式", func(t *testing.T) {
		acl := NewACL(map[EntryKey]Rights{
			UserKey("bob"):     MustParseRights("lr"),
			GroupKey("admins"): MustParseRights("a"),
		})

		data, err := json.Marshal(acl)
		require.NoError(t, err)
		assert.JSONEq(t, `{"entries":{"bob":"lr","$admins":"a"}}`, string(data))

		var back ACL
		require.NoError(t, json.Unmarshal(data, &back))
		assert.True(t, acl.Equal(back))
	})

	t.Run("空ACL输出空对象", func(t *testing.T) {
		data, err := json.Marshal(EmptyACL)
		require.NoError(t, err)
		assert.JSONEq(t, `{"entries":{}}`, string(data))
	})

	t.Run("丢弃空权限条目", func(t *testing.T) {
		var acl ACL
		require.NoError(t, json.Unmarshal([]byte(`{"entries":{"bob":"","alice":"l"}}`), &acl))
		assert.Equal(t, 1, acl.Len())
	})

	t.Run("非法权限返回错误", func(t *testing.T) {
		var acl ACL
		assert.Error(t, json.Unmarshal([]byte(`{"entries":{"bob":"?"}}`), &acl))
	})
}

func TestComputeACLDiff(t *testing.T) {
	bob := UserKey("bob")
	admins := GroupKey("admins")

	oldACL := NewACL(map[EntryKey]Rights{bob: MustParseRights("lr")})
	newACL := NewACL(map[EntryKey]Rights{bob: MustParseRights("rs"), admins: MustParseRights("a")})

	diff := ComputeACLDiff(oldACL, newACL)

	assert.Equal(t, []EntryRight{
		{Key: admins, Right: RightAdminister},
		{Key: bob, Right: RightWriteSeen},
	}, diff.Added)
	assert.Equal(t, []EntryRight{{Key: bob, Right: RightLookup}}, diff.Removed)
	assert.False(t, diff.IsEmpty())
	assert.True(t, diff.New.Equal(newACL))

	t.Run("相同快照无变化", func(t *testing.T) {
		assert.True(t, ComputeACLDiff(oldACL, oldACL).IsEmpty())
	})
}
