package service

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"mailmeta/backend/internal/domain"
	"mailmeta/backend/internal/storage"
)

// UnseenScanner 扫描邮件表找出最小的未读 UID，由邮件存储一侧实现
type UnseenScanner interface {
	FirstUnseenUID(ctx context.Context, mailboxID domain.MailboxID) (uid domain.MessageUID, found bool, err error)
}

// UnseenScannerFunc 函数适配器
type UnseenScannerFunc func(ctx context.Context, mailboxID domain.MailboxID) (domain.MessageUID, bool, error)

// FirstUnseenUID 实现 UnseenScanner
func (f UnseenScannerFunc) FirstUnseenUID(ctx context.Context, mailboxID domain.MailboxID) (domain.MessageUID, bool, error) {
	return f(ctx, mailboxID)
}

// applicableSystemFlags 客户端可以设置的系统标志，\Recent 由服务端维护，不在其中
var applicableSystemFlags = []domain.SystemFlag{
	domain.FlagAnswered,
	domain.FlagDeleted,
	domain.FlagDraft,
	domain.FlagFlagged,
	domain.FlagSeen,
}

// IndexReader 二级索引的读取路径
type IndexReader struct {
	store   storage.IndexStore
	scanner UnseenScanner
	log     *zap.Logger
}

// NewIndexReader 创建索引读取器，scanner 为 nil 时首封未读指针缺失即视为没有未读邮件
func NewIndexReader(store storage.IndexStore, scanner UnseenScanner, log *zap.Logger) *IndexReader {
	if log == nil {
		log = zap.NewNop()
	}
	return &IndexReader{store: store, scanner: scanner, log: log}
}

// Counters 读取计数器，从未写入时为 0
func (r *IndexReader) Counters(ctx context.Context, mailboxID domain.MailboxID) (domain.MailboxCounters, error) {
	if err := mailboxID.Validate(); err != nil {
		return domain.MailboxCounters{}, err
	}
	counters, err := r.store.ReadCounters(ctx, mailboxID)
	if err != nil {
		return domain.MailboxCounters{}, fmt.Errorf("read counters: %w", err)
	}
	if counters == nil {
		return domain.MailboxCounters{MailboxID: mailboxID}, nil
	}
	return *counters, nil
}

// Recent 读取最近集合
func (r *IndexReader) Recent(ctx context.Context, mailboxID domain.MailboxID) ([]domain.MessageUID, error) {
	if err := mailboxID.Validate(); err != nil {
		return nil, err
	}
	return r.store.ListRecent(ctx, mailboxID)
}

// Deleted 按范围读取已删除集合
func (r *IndexReader) Deleted(ctx context.Context, mailboxID domain.MailboxID, rng domain.MessageRange) ([]domain.MessageUID, error) {
	if err := mailboxID.Validate(); err != nil {
		return nil, err
	}
	return r.store.ListDeleted(ctx, mailboxID, rng)
}

// FirstUnseen 读取首封未读 UID
//
// 没有记录指针时回退到扫描，并以 set-if-absent 重新写入指针。
func (r *IndexReader) FirstUnseen(ctx context.Context, mailboxID domain.MailboxID) (domain.MessageUID, bool, error) {
	if err := mailboxID.Validate(); err != nil {
		return 0, false, err
	}
	uid, found, err := r.store.ReadFirstUnseen(ctx, mailboxID)
	if err != nil {
		return 0, false, fmt.Errorf("read first unseen: %w", err)
	}
	if found || r.scanner == nil {
		return uid, found, nil
	}

	uid, found, err = r.scanner.FirstUnseenUID(ctx, mailboxID)
	if err != nil {
		return 0, false, fmt.Errorf("scan unseen messages: %w", err)
	}
	if !found {
		return 0, false, nil
	}

	applied, err := r.store.SetFirstUnseenIfAbsent(ctx, mailboxID, uid)
	if err != nil {
		return 0, false, fmt.Errorf("seed first unseen: %w", err)
	}
	if !applied {
		// 扫描期间已有写入者设置了指针，以存储的为准
		stored, ok, err := r.store.ReadFirstUnseen(ctx, mailboxID)
		if err != nil {
			return 0, false, fmt.Errorf("read first unseen: %w", err)
		}
		if ok {
			return stored, true, nil
		}
	}
	r.log.Debug("first unseen recomputed by scan",
		zap.String("mailbox_id", string(mailboxID)),
		zap.Int64("uid", int64(uid)),
	)
	return uid, true, nil
}

// ApplicableFlags 可用标志：可设置的系统标志加上邮箱中出现过的全部用户标志
func (r *IndexReader) ApplicableFlags(ctx context.Context, mailboxID domain.MailboxID) (domain.Flags, error) {
	if err := mailboxID.Validate(); err != nil {
		return domain.Flags{}, err
	}
	user, _, err := r.store.ReadApplicableFlags(ctx, mailboxID)
	if err != nil {
		return domain.Flags{}, fmt.Errorf("read applicable flags: %w", err)
	}
	var system domain.SystemFlag
	for _, f := range applicableSystemFlags {
		system |= f
	}
	return domain.NewFlags(system, user...), nil
}
