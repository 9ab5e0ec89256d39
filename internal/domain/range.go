package domain

import (
	"errors"
	"fmt"
)

// ErrInvalidRange UID 范围不合法
var ErrInvalidRange = errors.New("invalid message range")

// RangeType UID 范围类型
type RangeType string

const (
	RangeAll   RangeType = "all"
	RangeOne   RangeType = "one"
	RangeFrom  RangeType = "from"
	RangeRange RangeType = "range"
)

// MessageRange 按 UID 过滤的范围（闭区间）
type MessageRange struct {
	Type RangeType  `json:"type"`
	From MessageUID `json:"from,omitempty"`
	To   MessageUID `json:"to,omitempty"`
}

// AllMessages 全部 UID
func AllMessages() MessageRange {
	return MessageRange{Type: RangeAll}
}

// OneMessage 单个 UID
func OneMessage(uid MessageUID) MessageRange {
	return MessageRange{Type: RangeOne, From: uid, To: uid}
}

// MessagesFrom 大于等于 from 的 UID
func MessagesFrom(from MessageUID) MessageRange {
	return MessageRange{Type: RangeFrom, From: from}
}

// MessagesBetween from 与 to 之间（含两端）的 UID
func MessagesBetween(from, to MessageUID) MessageRange {
	return MessageRange{Type: RangeRange, From: from, To: to}
}

// Validate 校验范围
func (r MessageRange) Validate() error {
	switch r.Type {
	case RangeAll:
		return nil
	case RangeOne, RangeFrom:
		if r.From < 1 {
			return fmt.Errorf("%w: uid must be positive", ErrInvalidRange)
		}
		return nil
	case RangeRange:
		if r.From < 1 || r.To < r.From {
			return fmt.Errorf("%w: [%d, %d]", ErrInvalidRange, r.From, r.To)
		}
		return nil
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidRange, string(r.Type))
	}
}

// Bounds 返回闭区间上下界，bounded 为 false 表示没有上界
func (r MessageRange) Bounds() (lo, hi MessageUID, bounded bool) {
	switch r.Type {
	case RangeOne:
		return r.From, r.From, true
	case RangeFrom:
		return r.From, 0, false
	case RangeRange:
		return r.From, r.To, true
	default:
		return 0, 0, false
	}
}

// Includes 判断 UID 是否落在范围内
func (r MessageRange) Includes(uid MessageUID) bool {
	lo, hi, bounded := r.Bounds()
	if uid < lo {
		return false
	}
	return !bounded || uid <= hi
}
