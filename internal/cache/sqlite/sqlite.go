// Package sqlite opens the single-file SQLite cache backend.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/any-hub/offline-worker/internal/cache/sqlstore"
)

// FileName 是缓存数据库在 StoragePath 下的文件名。
const FileName = "cache.db"

// Open 在 dir 下打开（必要时创建）cache.db 并完成建表。
func Open(ctx context.Context, dir string) (*sqlstore.Store, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	cleanDir := filepath.Clean(dir)
	if err := os.MkdirAll(cleanDir, 0o755); err != nil {
		return nil, fmt.Errorf("create storage path: %w", err)
	}

	dsn := "file:" + filepath.Join(cleanDir, FileName) +
		"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// 单连接串行化写入，避免 SQLITE_BUSY
	sqlDB.SetMaxOpenConns(1)

	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}

	store, err := sqlstore.New(ctx, sqlDB, sqlstore.SQLite)
	if err != nil {
		_ = sqlDB.Close()
		return nil, err
	}
	return store, nil
}
