// Package fetchcache は条件付きGETのバリデータキャッシュを提供する。
// ソースごとのETag/Last-Modified相当のトークンをTTLと容量上限つきで保持し、
// ローカルストレージにJSONブロブとして永続化する。
package fetchcache

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hitoshi/socialarch/internal/storage"
)

// blobVersion は永続化ブロブの現行フォーマットバージョン。
const blobVersion = 1

// Entry はソース1件分の条件付きリクエストバリデータを表す。
type Entry struct {
	ETag         string    `json:"etag,omitempty"`
	LastModified string    `json:"lastModified,omitempty"`
	CachedAt     time.Time `json:"cachedAt"`
}

// blob は永続化されるキャッシュ全体のフォーマット。
type blob struct {
	Version int              `json:"version"`
	Entries map[string]Entry `json:"entries"`
}

// Cache はソースキーごとのバリデータキャッシュ。
// エントリ数は容量上限で制限され、超過時はCachedAtが最も古いものから追い出す。
// TTLを超過したエントリは保持されていても不在として扱う。
type Cache struct {
	store      storage.Store
	sourceName string
	capacity   int
	ttl        time.Duration
	logger     *slog.Logger
	now        func() time.Time

	mu      sync.Mutex
	entries map[string]Entry
}

// New はキャッシュを生成し、永続化済みブロブがあれば読み込む。
// ブロブが破損している場合は空のキャッシュとして開始する（起動は失敗させない）。
// nowがnilの場合はtime.Nowを使用する。
func New(store storage.Store, sourceName string, capacity int, ttl time.Duration, logger *slog.Logger, now func() time.Time) *Cache {
	if capacity <= 0 {
		capacity = 100
	}
	if now == nil {
		now = time.Now
	}
	c := &Cache{
		store:      store,
		sourceName: sourceName,
		capacity:   capacity,
		ttl:        ttl,
		logger:     logger,
		now:        now,
		entries:    make(map[string]Entry),
	}
	c.load()
	return c
}

// storageKey は永続化ブロブのキーを返す。
func (c *Cache) storageKey() string {
	return c.sourceName + "RssCache"
}

// load は永続化済みブロブを読み込む。破損エントリは破棄する。
func (c *Cache) load() {
	data, ok, err := c.store.Get(c.storageKey())
	if err != nil {
		c.logger.Error("フェッチキャッシュの読み込みに失敗しました",
			slog.String("source", c.sourceName),
			slog.String("error", err.Error()),
		)
		return
	}
	if !ok {
		return
	}

	var b blob
	if err := json.Unmarshal(data, &b); err != nil {
		c.logger.Warn("フェッチキャッシュのブロブが破損しているため破棄します",
			slog.String("source", c.sourceName),
			slog.String("error", err.Error()),
		)
		return
	}
	if b.Entries != nil {
		c.entries = b.Entries
	}
}

// Get は指定キーのエントリを返す。
// 存在しない、またはTTLを超過している場合は第2戻り値がfalse。
func (c *Cache) Get(key string) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return Entry{}, false
	}
	if c.ttl > 0 && c.now().Sub(e.CachedAt) > c.ttl {
		return Entry{}, false
	}
	return e, true
}

// Set は指定キーにエントリを格納する。
// 容量を超過した場合はCachedAtが最も古いエントリから追い出す。
func (c *Cache) Set(key string, e Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e.CachedAt.IsZero() {
		e.CachedAt = c.now()
	}
	c.entries[key] = e

	for len(c.entries) > c.capacity {
		oldestKey := ""
		var oldestAt time.Time
		for k, v := range c.entries {
			if oldestKey == "" || v.CachedAt.Before(oldestAt) {
				oldestKey = k
				oldestAt = v.CachedAt
			}
		}
		delete(c.entries, oldestKey)
	}
}

// Prune はTTLを超過したエントリを削除し、削除件数を返す。
func (c *Cache) Prune() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.ttl <= 0 {
		return 0
	}
	removed := 0
	cutoff := c.now().Add(-c.ttl)
	for k, v := range c.entries {
		if v.CachedAt.Before(cutoff) {
			delete(c.entries, k)
			removed++
		}
	}
	return removed
}

// Len は現在のエントリ数を返す。
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Flush はキャッシュをローカルストレージに永続化する。
// プロセス終了時にスケジューラのStopから呼ばれる。
func (c *Cache) Flush() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	data, err := json.Marshal(blob{Version: blobVersion, Entries: c.entries})
	if err != nil {
		return fmt.Errorf("フェッチキャッシュのシリアライズに失敗: %w", err)
	}
	if err := c.store.Set(c.storageKey(), data); err != nil {
		return fmt.Errorf("フェッチキャッシュの永続化に失敗: %w", err)
	}
	return nil
}
