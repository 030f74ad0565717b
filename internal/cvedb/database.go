package cvedb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"PortLens/internal/model"
	"PortLens/internal/utils"

	_ "github.com/mattn/go-sqlite3"
)

// DefaultCacheTTL 缓存条目的默认有效期
const DefaultCacheTTL = 24 * time.Hour

// QueryCache 以关键字为键缓存NVD查询结果，只保存漏洞库的响应，不保存扫描结果
type QueryCache struct {
	db     *sql.DB
	path   string
	ttl    time.Duration
	logger *utils.Logger
	now    func() time.Time
}

// NewQueryCache 打开（必要时创建）缓存数据库并清理过期条目，dbPath 可为 ":memory:"
func NewQueryCache(dbPath string, ttl time.Duration) (*QueryCache, error) {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}

	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
			return nil, fmt.Errorf("创建缓存目录失败: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("打开数据库失败: %w", err)
	}
	// :memory: 每个连接是独立的库
	db.SetMaxOpenConns(1)

	cache := &QueryCache{
		db:     db,
		path:   dbPath,
		ttl:    ttl,
		logger: utils.NewLogger("query-cache"),
		now:    time.Now,
	}

	if err := cache.initTables(); err != nil {
		db.Close()
		return nil, err
	}

	if _, err := cache.Purge(context.Background()); err != nil {
		cache.logger.Warn("清理过期缓存失败: %v", err)
	}

	return cache, nil
}

func (qc *QueryCache) initTables() error {
	schema := `
	CREATE TABLE IF NOT EXISTS query_cache (
		keyword TEXT PRIMARY KEY,
		payload TEXT NOT NULL,
		record_count INTEGER NOT NULL,
		fetched_at TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_fetched_at ON query_cache(fetched_at);
	`

	if _, err := qc.db.Exec(schema); err != nil {
		return fmt.Errorf("初始化缓存表失败: %w", err)
	}
	return nil
}

func cacheKey(keyword string) string {
	return strings.ToLower(strings.TrimSpace(keyword))
}

// Get 读取未过期的缓存，ok 为 false 表示未命中
func (qc *QueryCache) Get(ctx context.Context, keyword string) ([]model.VulnerabilityRecord, bool, error) {
	var payload string
	var fetchedAt time.Time

	err := qc.db.QueryRowContext(ctx,
		`SELECT payload, fetched_at FROM query_cache WHERE keyword = ?`,
		cacheKey(keyword),
	).Scan(&payload, &fetchedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	if qc.now().Sub(fetchedAt) > qc.ttl {
		return nil, false, nil
	}

	var records []model.VulnerabilityRecord
	if err := json.Unmarshal([]byte(payload), &records); err != nil {
		return nil, false, fmt.Errorf("缓存内容损坏 (%s): %w", keyword, err)
	}
	return records, true, nil
}

// Put 写入或覆盖缓存
func (qc *QueryCache) Put(ctx context.Context, keyword string, records []model.VulnerabilityRecord) error {
	if records == nil {
		records = []model.VulnerabilityRecord{}
	}
	payload, err := json.Marshal(records)
	if err != nil {
		return err
	}

	_, err = qc.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO query_cache
		(keyword, payload, record_count, fetched_at)
		VALUES (?, ?, ?, ?)`,
		cacheKey(keyword), string(payload), len(records), qc.now().UTC(),
	)
	return err
}

// Purge 删除过期条目，返回删除数量
func (qc *QueryCache) Purge(ctx context.Context) (int64, error) {
	res, err := qc.db.ExecContext(ctx,
		`DELETE FROM query_cache WHERE fetched_at < ?`,
		qc.now().Add(-qc.ttl).UTC(),
	)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		qc.logger.Info("清理过期缓存 %d 条", n)
	}
	return n, nil
}

// Count 缓存条目数
func (qc *QueryCache) Count(ctx context.Context) (int, error) {
	var count int
	err := qc.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM query_cache").Scan(&count)
	return count, err
}

func (qc *QueryCache) Close() error {
	return qc.db.Close()
}
