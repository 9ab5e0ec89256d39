package domain

import (
	"errors"
	"fmt"
)

// ErrInvalidEvent 事件参数不合法
var ErrInvalidEvent = errors.New("invalid mailbox event")

// AddedMessage 新增邮件事件的载荷
type AddedMessage struct {
	UID    MessageUID `json:"uid"`
	ModSeq ModSeq     `json:"modSeq"`
	Flags  Flags      `json:"flags"`
}

// Validate 校验事件
func (m AddedMessage) Validate() error {
	return validateUID(m.UID)
}

// DeletedMessage 删除邮件事件的载荷，Flags 为删除前的标志
type DeletedMessage struct {
	UID    MessageUID `json:"uid"`
	ModSeq ModSeq     `json:"modSeq"`
	Flags  Flags      `json:"flags"`
}

// Validate 校验事件
func (m DeletedMessage) Validate() error {
	return validateUID(m.UID)
}

// UpdatedFlags 标志变更事件的载荷
//
// ModSeq 在索引维护中不被解释，仅随事件透传。
type UpdatedFlags struct {
	UID      MessageUID `json:"uid"`
	ModSeq   ModSeq     `json:"modSeq"`
	OldFlags Flags      `json:"oldFlags"`
	NewFlags Flags      `json:"newFlags"`
}

// Validate 校验事件
func (u UpdatedFlags) Validate() error {
	return validateUID(u.UID)
}

// IsModifiedToSet 标志由未设置变为设置
func (u UpdatedFlags) IsModifiedToSet(flag SystemFlag) bool {
	return !u.OldFlags.Has(flag) && u.NewFlags.Has(flag)
}

// IsModifiedToUnset 标志由设置变为未设置
func (u UpdatedFlags) IsModifiedToUnset(flag SystemFlag) bool {
	return u.OldFlags.Has(flag) && !u.NewFlags.Has(flag)
}

// IsChanged 标志是否发生了变化
func (u UpdatedFlags) IsChanged(flag SystemFlag) bool {
	return u.OldFlags.Has(flag) != u.NewFlags.Has(flag)
}

func validateUID(uid MessageUID) error {
	if uid < 1 {
		return fmt.Errorf("%w: uid must be positive, got %d", ErrInvalidEvent, uid)
	}
	return nil
}

// EventType 邮箱事件类型
type EventType string

const (
	EventMessageAdded   EventType = "added"
	EventMessageDeleted EventType = "deleted"
	EventFlagsUpdated   EventType = "flags"
)

// MailboxEvent 批量投递时使用的事件信封，按 Type 只填写对应字段
type MailboxEvent struct {
	Type      EventType       `json:"type"`
	MailboxID MailboxID       `json:"mailboxId"`
	Added     *AddedMessage   `json:"added,omitempty"`
	Deleted   *DeletedMessage `json:"deleted,omitempty"`
	Updated   *UpdatedFlags   `json:"updated,omitempty"`
}

// Validate 校验事件信封
func (e MailboxEvent) Validate() error {
	if err := e.MailboxID.Validate(); err != nil {
		return err
	}
	switch e.Type {
	case EventMessageAdded:
		if e.Added == nil {
			return fmt.Errorf("%w: missing added payload", ErrInvalidEvent)
		}
		return e.Added.Validate()
	case EventMessageDeleted:
		if e.Deleted == nil {
			return fmt.Errorf("%w: missing deleted payload", ErrInvalidEvent)
		}
		return e.Deleted.Validate()
	case EventFlagsUpdated:
		if e.Updated == nil {
			return fmt.Errorf("%w: missing updated payload", ErrInvalidEvent)
		}
		return e.Updated.Validate()
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidEvent, string(e.Type))
	}
}
