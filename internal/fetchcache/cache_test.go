package fetchcache

import (
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/hitoshi/socialarch/internal/storage"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func newTestStore(t *testing.T) storage.Store {
	t.Helper()
	store, err := storage.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("ストア生成に失敗: %v", err)
	}
	return store
}

// TestCache_SetGet はバリデータの格納と取得をテストする。
func TestCache_SetGet(t *testing.T) {
	c := New(newTestStore(t), "rss", 10, time.Hour, testLogger(), nil)

	c.Set("https://example.com/feed", Entry{ETag: `"abc"`, LastModified: "Mon, 02 Jan 2006 15:04:05 GMT"})

	e, ok := c.Get("https://example.com/feed")
	if !ok {
		t.Fatal("格納したエントリが取得できるはず")
	}
	if e.ETag != `"abc"` {
		t.Errorf("ETag = %s, 期待値 \"abc\"", e.ETag)
	}
}

// TestCache_GetMissing は不在キーの取得をテストする。
func TestCache_GetMissing(t *testing.T) {
	c := New(newTestStore(t), "rss", 10, time.Hour, testLogger(), nil)

	if _, ok := c.Get("missing"); ok {
		t.Error("不在キーはfalseを返すはず")
	}
}

// TestCache_TTLExpiry はTTLを超過したエントリが不在として扱われることをテストする。
func TestCache_TTLExpiry(t *testing.T) {
	current := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	now := func() time.Time { return current }
	c := New(newTestStore(t), "rss", 10, 24*time.Hour, testLogger(), now)

	c.Set("key", Entry{ETag: `"x"`})

	// TTL内
	current = current.Add(23 * time.Hour)
	if _, ok := c.Get("key"); !ok {
		t.Error("TTL内のエントリは取得できるはず")
	}

	// TTL超過
	current = current.Add(2 * time.Hour)
	if _, ok := c.Get("key"); ok {
		t.Error("TTL超過のエントリは不在のはず")
	}
}

// TestCache_CapacityEviction は容量超過時に最古のエントリが追い出されることをテストする。
func TestCache_CapacityEviction(t *testing.T) {
	base := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	c := New(newTestStore(t), "rss", 3, 0, testLogger(), func() time.Time { return base })

	c.Set("a", Entry{CachedAt: base.Add(1 * time.Minute)})
	c.Set("b", Entry{CachedAt: base.Add(2 * time.Minute)})
	c.Set("c", Entry{CachedAt: base.Add(3 * time.Minute)})
	c.Set("d", Entry{CachedAt: base.Add(4 * time.Minute)})

	if c.Len() != 3 {
		t.Fatalf("エントリ数 = %d, 期待値 3", c.Len())
	}
	if _, ok := c.Get("a"); ok {
		t.Error("最古のエントリaが追い出されているはず")
	}
	if _, ok := c.Get("d"); !ok {
		t.Error("最新のエントリdは残っているはず")
	}
}

// TestCache_Prune はTTL超過エントリの一括削除をテストする。
func TestCache_Prune(t *testing.T) {
	current := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	now := func() time.Time { return current }
	c := New(newTestStore(t), "rss", 10, time.Hour, testLogger(), now)

	c.Set("old", Entry{CachedAt: current.Add(-2 * time.Hour)})
	c.Set("fresh", Entry{CachedAt: current})

	removed := c.Prune()
	if removed != 1 {
		t.Errorf("削除件数 = %d, 期待値 1", removed)
	}
	if c.Len() != 1 {
		t.Errorf("残存エントリ数 = %d, 期待値 1", c.Len())
	}
}

// TestCache_FlushAndReload は永続化と再読み込みをテストする。
func TestCache_FlushAndReload(t *testing.T) {
	store := newTestStore(t)

	c := New(store, "rss", 10, time.Hour, testLogger(), nil)
	c.Set("https://example.com/feed", Entry{ETag: `"v1"`})
	if err := c.Flush(); err != nil {
		t.Fatalf("永続化に失敗: %v", err)
	}

	// 別インスタンスで再読み込み
	c2 := New(store, "rss", 10, time.Hour, testLogger(), nil)
	e, ok := c2.Get("https://example.com/feed")
	if !ok {
		t.Fatal("再読み込み後もエントリが存在するはず")
	}
	if e.ETag != `"v1"` {
		t.Errorf("ETag = %s, 期待値 \"v1\"", e.ETag)
	}
}

// TestCache_StorageKey は永続化キーがソース名に基づくことをテストする。
func TestCache_StorageKey(t *testing.T) {
	store := newTestStore(t)
	c := New(store, "rss", 10, time.Hour, testLogger(), nil)
	c.Set("key", Entry{ETag: `"x"`})
	if err := c.Flush(); err != nil {
		t.Fatalf("永続化に失敗: %v", err)
	}

	data, ok, err := store.Get("rssRssCache")
	if err != nil || !ok {
		t.Fatalf("永続化キー rssRssCache が存在するはず: ok=%v err=%v", ok, err)
	}
	var b blob
	if err := json.Unmarshal(data, &b); err != nil {
		t.Fatalf("ブロブのパースに失敗: %v", err)
	}
	if b.Version != blobVersion {
		t.Errorf("バージョン = %d, 期待値 %d", b.Version, blobVersion)
	}
}

// TestCache_CorruptBlob は破損ブロブが空キャッシュとして扱われることをテストする。
func TestCache_CorruptBlob(t *testing.T) {
	store := newTestStore(t)
	store.Set("rssRssCache", []byte("{not json"))

	c := New(store, "rss", 10, time.Hour, testLogger(), nil)
	if c.Len() != 0 {
		t.Errorf("破損ブロブは空キャッシュとして開始するはず: Len = %d", c.Len())
	}
}
