package factory

import (
	"fmt"

	"go.uber.org/zap"

	"mailmeta/backend/internal/config"
	"mailmeta/backend/internal/storage"
	"mailmeta/backend/internal/storage/consul"
	"mailmeta/backend/internal/storage/hybrid"
	"mailmeta/backend/internal/storage/memory"
	"mailmeta/backend/internal/storage/postgres"
	"mailmeta/backend/internal/storage/redis"
)

// Open 按配置创建存储后端
//
// hybrid 模式下序列与 ACL 落在 CASBackend，二级索引落在 IndexBackend。
// SQL 后端会在返回前执行表结构迁移。
func Open(cfg *config.Config, log *zap.Logger) (storage.Store, error) {
	if log == nil {
		log = zap.NewNop()
	}

	if cfg.Storage.Backend != config.BackendHybrid {
		return openFull(cfg, cfg.Storage.Backend, log)
	}

	cas, err := openCAS(cfg, cfg.Storage.CASBackend, log)
	if err != nil {
		return nil, fmt.Errorf("cas backend: %w", err)
	}
	index, err := openFull(cfg, cfg.Storage.IndexBackend, log)
	if err != nil {
		_ = cas.Close()
		return nil, fmt.Errorf("index backend: %w", err)
	}

	log.Info("hybrid storage initialized",
		zap.String("cas_backend", cfg.Storage.CASBackend),
		zap.String("index_backend", cfg.Storage.IndexBackend),
	)
	return hybrid.NewStore(cas, index)
}

// OpenSQL 创建 SQL 存储并迁移表结构
func OpenSQL(cfg *config.Config, kind string, log *zap.Logger) (*postgres.Store, error) {
	if log == nil {
		log = zap.NewNop()
	}

	var (
		store *postgres.Store
		err   error
	)
	switch kind {
	case config.BackendPostgres:
		var client *postgres.Client
		client, err = postgres.New(&cfg.Database, log)
		if err != nil {
			return nil, err
		}
		store, err = postgres.NewStore(client)
		if err != nil {
			client.Close()
			return nil, err
		}
	case config.BackendMySQL:
		store, err = postgres.NewMySQLStore(cfg.Database.DSN)
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("%q is not a SQL backend", kind)
	}

	if err := store.Migrate(); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to migrate %s schema: %w", kind, err)
	}
	log.Info("SQL storage initialized", zap.String("type", kind))
	return store, nil
}

// openCAS 创建只承载序列与 ACL 的后端
func openCAS(cfg *config.Config, kind string, log *zap.Logger) (storage.CASStore, error) {
	if kind == config.BackendConsul {
		return consul.New(&cfg.Consul, log)
	}
	return openFull(cfg, kind, log)
}

// openFull 创建实现全部表的后端
func openFull(cfg *config.Config, kind string, log *zap.Logger) (storage.Store, error) {
	switch kind {
	case config.BackendMemory:
		log.Info("using memory storage (development mode)")
		return memory.NewStore(), nil
	case config.BackendRedis:
		client, err := redis.New(&cfg.Redis, log)
		if err != nil {
			return nil, err
		}
		return redis.NewStore(client, cfg.Redis.KeyPrefix), nil
	case config.BackendPostgres, config.BackendMySQL:
		return OpenSQL(cfg, kind, log)
	default:
		return nil, fmt.Errorf("unsupported storage backend %q", kind)
	}
}
