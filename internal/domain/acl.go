package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	// ErrInvalidRights 权限字符串不合法
	ErrInvalidRights = errors.New("invalid rights")
	// ErrInvalidEntryKey ACL 条目键不合法
	ErrInvalidEntryKey = errors.New("invalid acl entry key")
	// ErrInvalidACLCommand ACL 编辑命令不合法
	ErrInvalidACLCommand = errors.New("invalid acl command")
)

// Right RFC 4314 定义的单项权限
type Right rune

const (
	RightLookup         Right = 'l'
	RightRead           Right = 'r'
	RightWriteSeen      Right = 's'
	RightWrite          Right = 'w'
	RightInsert         Right = 'i'
	RightPost           Right = 'p'
	RightCreateMailbox  Right = 'k'
	RightDeleteMailbox  Right = 'x'
	RightDeleteMessages Right = 't'
	RightPerformExpunge Right = 'e'
	RightAdminister     Right = 'a'
)

// rightOrder 权限的规范输出顺序，下标即位序号
var rightOrder = []Right{
	RightLookup, RightRead, RightWriteSeen, RightWrite, RightInsert, RightPost,
	RightCreateMailbox, RightDeleteMailbox, RightDeleteMessages, RightPerformExpunge, RightAdminister,
}

func rightBit(r Right) (Rights, bool) {
	for i, o := range rightOrder {
		if o == r {
			return Rights(1) << i, true
		}
	}
	return 0, false
}

// String 返回权限字母
func (r Right) String() string {
	return string(rune(r))
}

// MarshalText 序列化为单个字母
func (r Right) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// UnmarshalText 从单个字母反序列化
func (r *Right) UnmarshalText(text []byte) error {
	s := string(text)
	if len([]rune(s)) != 1 {
		return fmt.Errorf("%w: %q", ErrInvalidRights, s)
	}
	right := Right([]rune(s)[0])
	if _, ok := rightBit(right); !ok {
		return fmt.Errorf("%w: unknown right %q", ErrInvalidRights, s)
	}
	*r = right
	return nil
}

// Rights 权限集合（位图）
type Rights uint16

// NoRights 空权限集合
const NoRights Rights = 0

// FullRights 全部权限
var FullRights = NewRights(rightOrder...)

// NewRights 由权限项构造集合，未知权限被忽略
func NewRights(rights ...Right) Rights {
	var out Rights
	for _, r := range rights {
		if bit, ok := rightBit(r); ok {
			out |= bit
		}
	}
	return out
}

// ParseRights 解析权限字母串，例如 "lrs"
func ParseRights(s string) (Rights, error) {
	var out Rights
	for _, c := range s {
		bit, ok := rightBit(Right(c))
		if !ok {
			return 0, fmt.Errorf("%w: unknown right %q in %q", ErrInvalidRights, c, s)
		}
		out |= bit
	}
	return out, nil
}

// MustParseRights 解析失败时 panic，仅用于常量与测试
func MustParseRights(s string) Rights {
	r, err := ParseRights(s)
	if err != nil {
		panic(err)
	}
	return r
}

// Union 并集
func (r Rights) Union(o Rights) Rights { return r | o }

// Except 差集
func (r Rights) Except(o Rights) Rights { return r &^ o }

// Contains 是否包含 o 中的全部权限
func (r Rights) Contains(o Rights) bool { return r&o == o }

// IsEmpty 是否为空集
func (r Rights) IsEmpty() bool { return r == 0 }

// List 按规范顺序列出权限项
func (r Rights) List() []Right {
	var out []Right
	for i, right := range rightOrder {
		if r&(Rights(1)<<i) != 0 {
			out = append(out, right)
		}
	}
	return out
}

// String 按规范顺序输出权限字母
func (r Rights) String() string {
	var b strings.Builder
	for _, right := range r.List() {
		b.WriteRune(rune(right))
	}
	return b.String()
}

// MarshalText 序列化为权限字母串
func (r Rights) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// UnmarshalText 从权限字母串反序列化
func (r *Rights) UnmarshalText(text []byte) error {
	parsed, err := ParseRights(string(text))
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

// NameType ACL 条目主体类型
type NameType string

const (
	NameUser    NameType = "user"
	NameGroup   NameType = "group"
	NameSpecial NameType = "special"
)

const (
	negativeMarker = '-'
	groupMarker    = '$'
)

// 特殊主体名称
const (
	SpecialOwner         = "owner"
	SpecialAnyone        = "anyone"
	SpecialAuthenticated = "authenticated"
)

func isSpecialName(name string) bool {
	switch name {
	case SpecialOwner, SpecialAnyone, SpecialAuthenticated:
		return true
	}
	return false
}

// EntryKey ACL 条目键：主体名 + 主体类型 + 正负性
type EntryKey struct {
	Name     string
	Type     NameType
	Negative bool
}

// UserKey 用户的正向条目键
func UserKey(name string) EntryKey {
	return EntryKey{Name: name, Type: NameUser}
}

// GroupKey 用户组的正向条目键
func GroupKey(name string) EntryKey {
	return EntryKey{Name: name, Type: NameGroup}
}

// AsNegative 返回同一主体的负向条目键
func (k EntryKey) AsNegative() EntryKey {
	k.Negative = true
	return k
}

// ParseEntryKey 解析文本形式 [-][$]name
func ParseEntryKey(s string) (EntryKey, error) {
	var k EntryKey
	rest := s
	if strings.HasPrefix(rest, string(negativeMarker)) {
		k.Negative = true
		rest = rest[1:]
	}
	switch {
	case strings.HasPrefix(rest, string(groupMarker)):
		k.Type = NameGroup
		rest = rest[1:]
	case isSpecialName(rest):
		k.Type = NameSpecial
	default:
		k.Type = NameUser
	}
	k.Name = rest
	if err := k.Validate(); err != nil {
		return EntryKey{}, err
	}
	return k, nil
}

// Validate 校验条目键
func (k EntryKey) Validate() error {
	if k.Name == "" {
		return fmt.Errorf("%w: empty name", ErrInvalidEntryKey)
	}
	switch k.Type {
	case NameUser:
		if strings.HasPrefix(k.Name, string(negativeMarker)) || strings.HasPrefix(k.Name, string(groupMarker)) {
			return fmt.Errorf("%w: user name %q starts with a marker", ErrInvalidEntryKey, k.Name)
		}
		// 文本形式无法区分同名用户与特殊主体
		if isSpecialName(k.Name) {
			return fmt.Errorf("%w: user name %q is reserved", ErrInvalidEntryKey, k.Name)
		}
	case NameGroup:
	case NameSpecial:
		if !isSpecialName(k.Name) {
			return fmt.Errorf("%w: unknown special name %q", ErrInvalidEntryKey, k.Name)
		}
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidEntryKey, string(k.Type))
	}
	return nil
}

// String 返回文本形式
func (k EntryKey) String() string {
	var b strings.Builder
	if k.Negative {
		b.WriteRune(negativeMarker)
	}
	if k.Type == NameGroup {
		b.WriteRune(groupMarker)
	}
	b.WriteString(k.Name)
	return b.String()
}

// MarshalText 序列化为文本形式，可作为 JSON 对象键
func (k EntryKey) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText 从文本形式反序列化
func (k *EntryKey) UnmarshalText(text []byte) error {
	parsed, err := ParseEntryKey(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// ACL 邮箱访问控制列表，值语义：所有编辑操作返回新的 ACL。
//
// 权限为空的条目不会被保存。
type ACL struct {
	entries map[EntryKey]Rights
}

// EmptyACL 空 ACL
var EmptyACL = ACL{}

// NewACL 由条目构造 ACL，空权限条目被丢弃
func NewACL(entries map[EntryKey]Rights) ACL {
	out := ACL{entries: make(map[EntryKey]Rights, len(entries))}
	for k, r := range entries {
		if !r.IsEmpty() {
			out.entries[k] = r
		}
	}
	return out
}

// Validate 校验全部条目键
func (a ACL) Validate() error {
	for _, k := range a.Keys() {
		if err := k.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Entries 返回条目副本
func (a ACL) Entries() map[EntryKey]Rights {
	out := make(map[EntryKey]Rights, len(a.entries))
	for k, r := range a.entries {
		out[k] = r
	}
	return out
}

// Get 返回某个条目的权限
func (a ACL) Get(key EntryKey) Rights {
	return a.entries[key]
}

// Len 条目数量
func (a ACL) Len() int {
	return len(a.entries)
}

// IsEmpty 是否没有任何条目
func (a ACL) IsEmpty() bool {
	return len(a.entries) == 0
}

// Keys 按文本形式排序的条目键
func (a ACL) Keys() []EntryKey {
	keys := make([]EntryKey, 0, len(a.entries))
	for k := range a.entries {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	return keys
}

// Equal 判断两个 ACL 是否相同
func (a ACL) Equal(o ACL) bool {
	if len(a.entries) != len(o.entries) {
		return false
	}
	for k, r := range a.entries {
		if o.entries[k] != r {
			return false
		}
	}
	return true
}

func (a ACL) with(key EntryKey, rights Rights) ACL {
	out := NewACL(a.entries)
	if rights.IsEmpty() {
		delete(out.entries, key)
	} else {
		out.entries[key] = rights
	}
	return out
}

// Union 为条目追加权限
func (a ACL) Union(key EntryKey, rights Rights) ACL {
	return a.with(key, a.Get(key).Union(rights))
}

// Except 从条目移除权限
func (a ACL) Except(key EntryKey, rights Rights) ACL {
	return a.with(key, a.Get(key).Except(rights))
}

// Replace 覆盖条目权限，空权限等同于删除条目
func (a ACL) Replace(key EntryKey, rights Rights) ACL {
	return a.with(key, rights)
}

// Apply 应用编辑命令
func (a ACL) Apply(cmd ACLCommand) (ACL, error) {
	if err := cmd.Validate(); err != nil {
		return ACL{}, err
	}
	switch cmd.Mode {
	case EditAdd:
		return a.Union(cmd.Key, cmd.Rights), nil
	case EditRemove:
		return a.Except(cmd.Key, cmd.Rights), nil
	default:
		return a.Replace(cmd.Key, cmd.Rights), nil
	}
}

type aclJSON struct {
	Entries map[EntryKey]Rights `json:"entries"`
}

// MarshalJSON 序列化为 {"entries":{"bob":"lr"}}
func (a ACL) MarshalJSON() ([]byte, error) {
	entries := a.entries
	if entries == nil {
		entries = map[EntryKey]Rights{}
	}
	return json.Marshal(aclJSON{Entries: entries})
}

// UnmarshalJSON 反序列化，空权限条目被丢弃
func (a *ACL) UnmarshalJSON(data []byte) error {
	var raw aclJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*a = NewACL(raw.Entries)
	return nil
}

// EditMode ACL 编辑方式
type EditMode string

const (
	EditAdd     EditMode = "add"
	EditRemove  EditMode = "remove"
	EditReplace EditMode = "replace"
)

// ACLCommand ACL 编辑命令
type ACLCommand struct {
	Key    EntryKey `json:"key"`
	Mode   EditMode `json:"mode"`
	Rights Rights   `json:"rights"`
}

// Validate 校验命令
func (c ACLCommand) Validate() error {
	if err := c.Key.Validate(); err != nil {
		return err
	}
	switch c.Mode {
	case EditAdd, EditRemove, EditReplace:
		return nil
	default:
		return fmt.Errorf("%w: unknown mode %q", ErrInvalidACLCommand, string(c.Mode))
	}
}

// EntryRight 单个 (条目键, 权限项) 对
type EntryRight struct {
	Key   EntryKey `json:"key"`
	Right Right    `json:"right"`
}

// ACLDiff 两个 ACL 快照之间的净变化
type ACLDiff struct {
	Old     ACL          `json:"old"`
	New     ACL          `json:"new"`
	Added   []EntryRight `json:"added"`
	Removed []EntryRight `json:"removed"`
}

// ComputeACLDiff 由前后两个快照计算净变化
func ComputeACLDiff(oldACL, newACL ACL) ACLDiff {
	diff := ACLDiff{Old: oldACL, New: newACL, Added: []EntryRight{}, Removed: []EntryRight{}}

	keys := make(map[EntryKey]struct{}, oldACL.Len()+newACL.Len())
	for k := range oldACL.entries {
		keys[k] = struct{}{}
	}
	for k := range newACL.entries {
		keys[k] = struct{}{}
	}
	sorted := make([]EntryKey, 0, len(keys))
	for k := range keys {
		sorted = append(sorted, k)
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].String() < sorted[j].String() })

	for _, k := range sorted {
		before, after := oldACL.Get(k), newACL.Get(k)
		for _, r := range after.Except(before).List() {
			diff.Added = append(diff.Added, EntryRight{Key: k, Right: r})
		}
		for _, r := range before.Except(after).List() {
			diff.Removed = append(diff.Removed, EntryRight{Key: k, Right: r})
		}
	}
	return diff
}

// IsEmpty 是否没有任何变化
func (d ACLDiff) IsEmpty() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0
}
