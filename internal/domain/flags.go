package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/emersion/go-imap"
)

// ErrInvalidFlag 标志名不合法
var ErrInvalidFlag = errors.New("invalid flag")

// SystemFlag 系统标志位
type SystemFlag uint8

const (
	FlagAnswered SystemFlag = 1 << iota
	FlagDeleted
	FlagDraft
	FlagFlagged
	FlagRecent
	FlagSeen
)

// systemFlagNames 系统标志与 IMAP 名称的对应关系（按输出顺序）
var systemFlagNames = []struct {
	flag SystemFlag
	name string
}{
	{FlagAnswered, imap.AnsweredFlag},
	{FlagDeleted, imap.DeletedFlag},
	{FlagDraft, imap.DraftFlag},
	{FlagFlagged, imap.FlaggedFlag},
	{FlagRecent, imap.RecentFlag},
	{FlagSeen, imap.SeenFlag},
}

// String 返回 IMAP 名称，例如 \Seen
func (f SystemFlag) String() string {
	for _, sf := range systemFlagNames {
		if sf.flag == f {
			return sf.name
		}
	}
	return fmt.Sprintf("SystemFlag(%d)", uint8(f))
}

// Flags 邮件标志：系统标志位 + 用户自定义标志（小写、去重、有序）
type Flags struct {
	System SystemFlag
	User   []string
}

// NewFlags 由系统标志位和用户标志构造 Flags，用户标志会被规范化
func NewFlags(system SystemFlag, user ...string) Flags {
	f := Flags{System: system}
	for _, u := range user {
		f.User = append(f.User, strings.ToLower(u))
	}
	f.User = normalizeUserFlags(f.User)
	return f
}

// ParseFlags 解析 IMAP 形式的标志列表
//
// 系统标志大小写不敏感；其它以反斜杠开头的名称（如 \*）不能作为用户标志。
func ParseFlags(names []string) (Flags, error) {
	var f Flags
	for _, raw := range names {
		name := imap.CanonicalFlag(strings.TrimSpace(raw))
		if name == "" {
			return Flags{}, fmt.Errorf("%w: empty name", ErrInvalidFlag)
		}
		if sys, ok := lookupSystemFlag(name); ok {
			f.System |= sys
			continue
		}
		if !ValidUserFlag(name) {
			return Flags{}, fmt.Errorf("%w: %q", ErrInvalidFlag, raw)
		}
		f.User = append(f.User, name)
	}
	f.User = normalizeUserFlags(f.User)
	return f, nil
}

// MustParseFlags 与 ParseFlags 相同，解析失败时 panic，仅用于常量与测试
func MustParseFlags(names ...string) Flags {
	f, err := ParseFlags(names)
	if err != nil {
		panic(err)
	}
	return f
}

func lookupSystemFlag(name string) (SystemFlag, bool) {
	for _, sf := range systemFlagNames {
		if sf.name == name {
			return sf.flag, true
		}
	}
	return 0, false
}

// ValidUserFlag 判断是否为合法的用户标志（IMAP atom，小写）
func ValidUserFlag(s string) bool {
	if s == "" || strings.HasPrefix(s, `\`) {
		return false
	}
	const atomSpecials = `(){%*"\]`
	for _, c := range s {
		if c >= 'A' && c <= 'Z' {
			return false
		}
		if c <= ' ' || c > 0x7e || strings.ContainsRune(atomSpecials, c) {
			return false
		}
	}
	return true
}

func normalizeUserFlags(l []string) []string {
	if len(l) == 0 {
		return nil
	}
	sort.Strings(l)
	out := l[:1]
	for _, s := range l[1:] {
		if s != out[len(out)-1] {
			out = append(out, s)
		}
	}
	return out
}

// Has 是否包含给定系统标志
func (f Flags) Has(flag SystemFlag) bool {
	return f.System&flag != 0
}

// HasUser 是否包含给定用户标志
func (f Flags) HasUser(name string) bool {
	name = strings.ToLower(name)
	i := sort.SearchStrings(f.User, name)
	return i < len(f.User) && f.User[i] == name
}

// UserFlags 返回用户标志副本
func (f Flags) UserFlags() []string {
	if len(f.User) == 0 {
		return nil
	}
	return append([]string(nil), f.User...)
}

// Names 返回全部标志的 IMAP 名称，系统标志在前
func (f Flags) Names() []string {
	names := make([]string, 0, len(f.User)+len(systemFlagNames))
	for _, sf := range systemFlagNames {
		if f.Has(sf.flag) {
			names = append(names, sf.name)
		}
	}
	return append(names, f.User...)
}

// Equal 判断两组标志是否相同
func (f Flags) Equal(o Flags) bool {
	if f.System != o.System || len(f.User) != len(o.User) {
		return false
	}
	for i := range f.User {
		if f.User[i] != o.User[i] {
			return false
		}
	}
	return true
}

// MarshalJSON 序列化为标志名数组
func (f Flags) MarshalJSON() ([]byte, error) {
	return json.Marshal(f.Names())
}

// UnmarshalJSON 从标志名数组反序列化
func (f *Flags) UnmarshalJSON(data []byte) error {
	var names []string
	if err := json.Unmarshal(data, &names); err != nil {
		return err
	}
	parsed, err := ParseFlags(names)
	if err != nil {
		return err
	}
	*f = parsed
	return nil
}

// SystemFlagNames 所有系统标志名称，用于可用标志（applicable flags）的响应
func SystemFlagNames() []string {
	names := make([]string, 0, len(systemFlagNames))
	for _, sf := range systemFlagNames {
		names = append(names, sf.name)
	}
	return names
}
