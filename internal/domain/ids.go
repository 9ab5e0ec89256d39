package domain

import (
	"errors"
	"fmt"
	"strings"
	"unicode"
)

var (
	// ErrInvalidMailboxID 邮箱 ID 不合法
	ErrInvalidMailboxID = errors.New("invalid mailbox id")
	// ErrInvalidSequenceKind 未知的序列类型
	ErrInvalidSequenceKind = errors.New("invalid sequence kind")
)

// maxMailboxIDLength 与 SQL 主键列宽度保持一致
const maxMailboxIDLength = 255

// MailboxID 邮箱的不透明唯一标识，所有元数据均按它分区。
type MailboxID string

// String 返回字符串形式
func (id MailboxID) String() string {
	return string(id)
}

// Validate 校验邮箱 ID：非空、不含空白字符、长度不超过 255 字节
func (id MailboxID) Validate() error {
	if id == "" {
		return fmt.Errorf("%w: empty", ErrInvalidMailboxID)
	}
	if len(id) > maxMailboxIDLength {
		return fmt.Errorf("%w: longer than %d bytes", ErrInvalidMailboxID, maxMailboxIDLength)
	}
	if strings.IndexFunc(string(id), unicode.IsSpace) >= 0 {
		return fmt.Errorf("%w: contains whitespace", ErrInvalidMailboxID)
	}
	return nil
}

// MessageUID 邮箱内严格递增的邮件 UID
type MessageUID int64

// ModSeq 邮箱内严格递增的修改序号
type ModSeq int64

// SequenceKind 序列类型，每种类型一个分配器实例
type SequenceKind string

const (
	// SequenceUID 邮件 UID 序列
	SequenceUID SequenceKind = "uid"
	// SequenceModSeq 修改序号序列
	SequenceModSeq SequenceKind = "modseq"
)

// Validate 校验序列类型
func (k SequenceKind) Validate() error {
	switch k {
	case SequenceUID, SequenceModSeq:
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrInvalidSequenceKind, string(k))
	}
}

// InitialVersion 行不存在时的版本号（序列值与 ACL 版本共用）。
// 写入的行版本总是 >= 1。
const InitialVersion int64 = 0
