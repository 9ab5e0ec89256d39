package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/jackc/pgx/v5/stdlib"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"mailmeta/backend/internal/domain"
	"mailmeta/backend/internal/storage"
)

// sequenceRow 每个 (邮箱, 序列类型) 一行
type sequenceRow struct {
	MailboxID string `gorm:"primaryKey;size:255;autoIncrement:false"`
	Kind      string `gorm:"primaryKey;size:16;autoIncrement:false"`
	Value     int64  `gorm:"not null"`
	UpdatedAt time.Time
}

func (sequenceRow) TableName() string { return "mailbox_sequences" }

type aclRow struct {
	MailboxID string `gorm:"primaryKey;size:255;autoIncrement:false"`
	ACL       string `gorm:"column:acl;type:text;not null"`
	Version   int64  `gorm:"not null"`
	UpdatedAt time.Time
}

func (aclRow) TableName() string { return "mailbox_acls" }

type counterRow struct {
	MailboxID    string `gorm:"primaryKey;size:255;autoIncrement:false"`
	MessageCount int64  `gorm:"not null;default:0"`
	UnseenCount  int64  `gorm:"not null;default:0"`
}

func (counterRow) TableName() string { return "mailbox_counters" }

type recentRow struct {
	MailboxID string `gorm:"primaryKey;size:255;autoIncrement:false"`
	UID       int64  `gorm:"column:uid;primaryKey;autoIncrement:false"`
}

func (recentRow) TableName() string { return "mailbox_recent" }

type deletedRow struct {
	MailboxID string `gorm:"primaryKey;size:255;autoIncrement:false"`
	UID       int64  `gorm:"column:uid;primaryKey;autoIncrement:false"`
}

func (deletedRow) TableName() string { return "mailbox_deleted" }

type firstUnseenRow struct {
	MailboxID string `gorm:"primaryKey;size:255;autoIncrement:false"`
	UID       int64  `gorm:"column:uid;not null"`
}

func (firstUnseenRow) TableName() string { return "mailbox_first_unseen" }

type applicableFlagRow struct {
	MailboxID string `gorm:"primaryKey;size:255;autoIncrement:false"`
	Flag      string `gorm:"primaryKey;size:255;autoIncrement:false"`
}

func (applicableFlagRow) TableName() string { return "mailbox_applicable_flags" }

// Store SQL 存储实现（PostgreSQL / MySQL）
//
// 所有 CAS 都是单行的条件 UPDATE 或 INSERT ... ON CONFLICT DO NOTHING，
// 以受影响行数判断是否提交。
type Store struct {
	db     *gorm.DB
	sqlDB  *sql.DB
	client *Client
}

// NewStore 基于 pgx 连接池创建 PostgreSQL 存储实例
func NewStore(client *Client) (*Store, error) {
	sqlDB := stdlib.OpenDBFromPool(client.Pool())
	store, err := NewStoreWithDialector(postgres.New(postgres.Config{Conn: sqlDB}))
	if err != nil {
		_ = sqlDB.Close()
		return nil, err
	}
	store.client = client
	return store, nil
}

// NewMySQLStore 创建 MySQL 存储实例
func NewMySQLStore(dsn string) (*Store, error) {
	return NewStoreWithDialector(mysql.Open(dsn))
}

// NewStoreWithDialector 使用指定的GORM dialector创建存储实例
func NewStoreWithDialector(dialector gorm.Dialector) (*Store, error) {
	// 配置 GORM
	config := &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent), // 静默模式
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	}

	// 连接数据库
	db, err := gorm.Open(dialector, config)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// 配置连接池
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}

	sqlDB.SetMaxOpenConns(25)
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetConnMaxLifetime(5 * time.Minute)

	return &Store{db: db, sqlDB: sqlDB}, nil
}

// Migrate 自动迁移数据库表结构
func (s *Store) Migrate() error {
	return s.db.AutoMigrate(
		&sequenceRow{},
		&aclRow{},
		&counterRow{},
		&recentRow{},
		&deletedRow{},
		&firstUnseenRow{},
		&applicableFlagRow{},
	)
}

// Close 关闭数据库连接
func (s *Store) Close() error {
	err := s.sqlDB.Close()
	if s.client != nil {
		s.client.Close()
	}
	return err
}

// Health 检查数据库连接
func (s *Store) Health(ctx context.Context) error {
	return s.sqlDB.PingContext(ctx)
}

func (s *Store) insertIfAbsent(ctx context.Context, row interface{}) (bool, error) {
	result := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(row)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

// ========== Sequence Repository ==========

// ReadSequence 读取序列当前值
func (s *Store) ReadSequence(ctx context.Context, mailboxID domain.MailboxID, kind domain.SequenceKind) (int64, bool, error) {
	var row sequenceRow
	err := s.db.WithContext(ctx).
		Where("mailbox_id = ? AND kind = ?", string(mailboxID), string(kind)).
		Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, false, nil
		}
		return 0, false, err
	}
	return row.Value, true, nil
}

// CompareAndSetSequence 序列 CAS
func (s *Store) CompareAndSetSequence(ctx context.Context, mailboxID domain.MailboxID, kind domain.SequenceKind, expected, next int64) (bool, error) {
	if expected == domain.InitialVersion {
		return s.insertIfAbsent(ctx, &sequenceRow{
			MailboxID: string(mailboxID),
			Kind:      string(kind),
			Value:     next,
		})
	}

	result := s.db.WithContext(ctx).Model(&sequenceRow{}).
		Where("mailbox_id = ? AND kind = ? AND value = ?", string(mailboxID), string(kind), expected).
		Update("value", next)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

// ========== ACL Repository ==========

// ReadACL 读取 ACL 行
func (s *Store) ReadACL(ctx context.Context, mailboxID domain.MailboxID) (*storage.ACLRecord, error) {
	var row aclRow
	err := s.db.WithContext(ctx).Where("mailbox_id = ?", string(mailboxID)).Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &storage.ACLRecord{Data: row.ACL, Version: row.Version}, nil
}

// CompareAndSetACL ACL 版本 CAS
func (s *Store) CompareAndSetACL(ctx context.Context, mailboxID domain.MailboxID, expectedVersion int64, data string, newVersion int64) (bool, error) {
	if expectedVersion == domain.InitialVersion {
		return s.insertIfAbsent(ctx, &aclRow{
			MailboxID: string(mailboxID),
			ACL:       data,
			Version:   newVersion,
		})
	}

	result := s.db.WithContext(ctx).Model(&aclRow{}).
		Where("mailbox_id = ? AND version = ?", string(mailboxID), expectedVersion).
		Updates(map[string]interface{}{"acl": data, "version": newVersion})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

// ========== Counter Repository ==========

// IncrementCount 总数加一
func (s *Store) IncrementCount(ctx context.Context, mailboxID domain.MailboxID) error {
	return s.AddCounters(ctx, mailboxID, domain.CounterDelta{Count: 1})
}

// DecrementCount 总数减一
func (s *Store) DecrementCount(ctx context.Context, mailboxID domain.MailboxID) error {
	return s.AddCounters(ctx, mailboxID, domain.CounterDelta{Count: -1})
}

// IncrementUnseen 未读数加一
func (s *Store) IncrementUnseen(ctx context.Context, mailboxID domain.MailboxID) error {
	return s.AddCounters(ctx, mailboxID, domain.CounterDelta{Unseen: 1})
}

// DecrementUnseen 未读数减一
func (s *Store) DecrementUnseen(ctx context.Context, mailboxID domain.MailboxID) error {
	return s.AddCounters(ctx, mailboxID, domain.CounterDelta{Unseen: -1})
}

// AddCounters 单条 upsert 语句同时应用两个字段的增量
func (s *Store) AddCounters(ctx context.Context, mailboxID domain.MailboxID, delta domain.CounterDelta) error {
	if delta.IsZero() {
		return nil
	}
	row := &counterRow{
		MailboxID:    string(mailboxID),
		MessageCount: delta.Count,
		UnseenCount:  delta.Unseen,
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "mailbox_id"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"message_count": gorm.Expr("mailbox_counters.message_count + ?", delta.Count),
			"unseen_count":  gorm.Expr("mailbox_counters.unseen_count + ?", delta.Unseen),
		}),
	}).Create(row).Error
}

// ReadCounters 读取计数器
func (s *Store) ReadCounters(ctx context.Context, mailboxID domain.MailboxID) (*domain.MailboxCounters, error) {
	var row counterRow
	err := s.db.WithContext(ctx).Where("mailbox_id = ?", string(mailboxID)).Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &domain.MailboxCounters{
		MailboxID: mailboxID,
		Count:     row.MessageCount,
		Unseen:    row.UnseenCount,
	}, nil
}

// ResetCounters 覆盖写入计数器
func (s *Store) ResetCounters(ctx context.Context, counters domain.MailboxCounters) error {
	row := &counterRow{
		MailboxID:    string(counters.MailboxID),
		MessageCount: counters.Count,
		UnseenCount:  counters.Unseen,
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "mailbox_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"message_count", "unseen_count"}),
	}).Create(row).Error
}

// ========== Recent / Deleted Repository ==========

// AddRecent 加入最近集合
func (s *Store) AddRecent(ctx context.Context, mailboxID domain.MailboxID, uid domain.MessageUID) error {
	_, err := s.insertIfAbsent(ctx, &recentRow{MailboxID: string(mailboxID), UID: int64(uid)})
	return err
}

// RemoveRecent 从最近集合移除
func (s *Store) RemoveRecent(ctx context.Context, mailboxID domain.MailboxID, uid domain.MessageUID) error {
	return s.db.WithContext(ctx).
		Where("mailbox_id = ? AND uid = ?", string(mailboxID), int64(uid)).
		Delete(&recentRow{}).Error
}

// ListRecent 列出最近集合
func (s *Store) ListRecent(ctx context.Context, mailboxID domain.MailboxID) ([]domain.MessageUID, error) {
	var uids []int64
	err := s.db.WithContext(ctx).Model(&recentRow{}).
		Where("mailbox_id = ?", string(mailboxID)).
		Order("uid").
		Pluck("uid", &uids).Error
	if err != nil {
		return nil, err
	}
	return toMessageUIDs(uids), nil
}

// AddDeleted 加入已删除集合
func (s *Store) AddDeleted(ctx context.Context, mailboxID domain.MailboxID, uid domain.MessageUID) error {
	_, err := s.insertIfAbsent(ctx, &deletedRow{MailboxID: string(mailboxID), UID: int64(uid)})
	return err
}

// RemoveDeleted 从已删除集合移除
func (s *Store) RemoveDeleted(ctx context.Context, mailboxID domain.MailboxID, uid domain.MessageUID) error {
	return s.db.WithContext(ctx).
		Where("mailbox_id = ? AND uid = ?", string(mailboxID), int64(uid)).
		Delete(&deletedRow{}).Error
}

// ListDeleted 按范围列出已删除集合
func (s *Store) ListDeleted(ctx context.Context, mailboxID domain.MailboxID, r domain.MessageRange) ([]domain.MessageUID, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}
	query := s.db.WithContext(ctx).Model(&deletedRow{}).Where("mailbox_id = ?", string(mailboxID))
	lo, hi, bounded := r.Bounds()
	if r.Type != domain.RangeAll {
		query = query.Where("uid >= ?", int64(lo))
	}
	if bounded {
		query = query.Where("uid <= ?", int64(hi))
	}

	var uids []int64
	if err := query.Order("uid").Pluck("uid", &uids).Error; err != nil {
		return nil, err
	}
	return toMessageUIDs(uids), nil
}

func toMessageUIDs(values []int64) []domain.MessageUID {
	uids := make([]domain.MessageUID, len(values))
	for i, v := range values {
		uids[i] = domain.MessageUID(v)
	}
	return uids
}

// ========== First Unseen Repository ==========

// SetFirstUnseen 无条件设置指针
func (s *Store) SetFirstUnseen(ctx context.Context, mailboxID domain.MailboxID, uid domain.MessageUID) error {
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "mailbox_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"uid"}),
	}).Create(&firstUnseenRow{MailboxID: string(mailboxID), UID: int64(uid)}).Error
}

// SetFirstUnseenIfAbsent 仅在没有指针时设置
func (s *Store) SetFirstUnseenIfAbsent(ctx context.Context, mailboxID domain.MailboxID, uid domain.MessageUID) (bool, error) {
	return s.insertIfAbsent(ctx, &firstUnseenRow{MailboxID: string(mailboxID), UID: int64(uid)})
}

// ClearFirstUnseen 清除指针
func (s *Store) ClearFirstUnseen(ctx context.Context, mailboxID domain.MailboxID) error {
	return s.db.WithContext(ctx).
		Where("mailbox_id = ?", string(mailboxID)).
		Delete(&firstUnseenRow{}).Error
}

// ClearFirstUnseenIf 指针等于 uid 时清除
func (s *Store) ClearFirstUnseenIf(ctx context.Context, mailboxID domain.MailboxID, uid domain.MessageUID) (bool, error) {
	result := s.db.WithContext(ctx).
		Where("mailbox_id = ? AND uid = ?", string(mailboxID), int64(uid)).
		Delete(&firstUnseenRow{})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

// ReadFirstUnseen 读取指针
func (s *Store) ReadFirstUnseen(ctx context.Context, mailboxID domain.MailboxID) (domain.MessageUID, bool, error) {
	var row firstUnseenRow
	err := s.db.WithContext(ctx).Where("mailbox_id = ?", string(mailboxID)).Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, false, nil
		}
		return 0, false, err
	}
	return domain.MessageUID(row.UID), true, nil
}

// ========== Applicable Flags Repository ==========

// ReadApplicableFlags 读取可用用户标志
func (s *Store) ReadApplicableFlags(ctx context.Context, mailboxID domain.MailboxID) ([]string, bool, error) {
	var flags []string
	err := s.db.WithContext(ctx).Model(&applicableFlagRow{}).
		Where("mailbox_id = ?", string(mailboxID)).
		Pluck("flag", &flags).Error
	if err != nil {
		return nil, false, err
	}
	if len(flags) == 0 {
		return nil, false, nil
	}
	// 排序在内存中完成，避免依赖数据库排序规则
	sort.Strings(flags)
	return flags, true, nil
}

// UnionApplicableFlags 与已有集合求并集
func (s *Store) UnionApplicableFlags(ctx context.Context, mailboxID domain.MailboxID, flags []string) error {
	if len(flags) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(flags))
	rows := make([]applicableFlagRow, 0, len(flags))
	for _, f := range flags {
		if _, ok := seen[f]; ok {
			continue
		}
		seen[f] = struct{}{}
		rows = append(rows, applicableFlagRow{MailboxID: string(mailboxID), Flag: f})
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&rows).Error
}
