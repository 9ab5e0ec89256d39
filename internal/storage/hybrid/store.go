package hybrid

import (
	"context"
	"errors"
	"fmt"

	"mailmeta/backend/internal/storage"
)

// Store 混合存储实现：序列与 ACL 交给提供强一致 CAS 的后端，
// 二级索引交给吞吐更高的后端。
//
// 两类数据之间本来就没有跨表原子性要求，拆分不会削弱任何保证。
type Store struct {
	storage.CASStore
	storage.IndexStore
}

// NewStore 创建混合存储实例
func NewStore(cas storage.CASStore, index storage.IndexStore) (*Store, error) {
	if cas == nil || index == nil {
		return nil, fmt.Errorf("hybrid store requires both a CAS store and an index store")
	}
	return &Store{CASStore: cas, IndexStore: index}, nil
}

// Close 关闭两个后端
func (s *Store) Close() error {
	return errors.Join(s.CASStore.Close(), s.IndexStore.Close())
}

// Health 两个后端都健康时才算健康
func (s *Store) Health(ctx context.Context) error {
	if err := s.CASStore.Health(ctx); err != nil {
		return fmt.Errorf("cas store: %w", err)
	}
	if err := s.IndexStore.Health(ctx); err != nil {
		return fmt.Errorf("index store: %w", err)
	}
	return nil
}

var _ storage.Store = (*Store)(nil)
