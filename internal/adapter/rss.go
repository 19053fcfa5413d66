package adapter

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/mmcdole/gofeed"

	"github.com/hitoshi/socialarch/internal/fetchcache"
	"github.com/hitoshi/socialarch/internal/model"
)

// SSRFValidator はSSRF検証のインターフェース。
type SSRFValidator interface {
	ValidateURL(rawURL string) error
	NewSafeClient(timeout time.Duration, maxResponseSize int64) *http.Client
}

// TextSanitizer はHTML本文のプレーンテキスト化のインターフェース。
type TextSanitizer interface {
	SanitizeText(rawHTML string) string
}

// RSSAdapter はRSS/AtomフィードのContentAdapter実装。
// ETag/Last-Modifiedを使用した条件付きGET、SSRF検証、
// gofeedによるパース、カーソルとバックフィルウィンドウによる絞り込みを行う。
type RSSAdapter struct {
	cache       *fetchcache.Cache
	ssrfGuard   SSRFValidator
	sanitizer   TextSanitizer
	logger      *slog.Logger
	timeout     time.Duration
	maxBodySize int64
}

// NewRSSAdapter はRSSAdapterの新しいインスタンスを生成する。
func NewRSSAdapter(
	cache *fetchcache.Cache,
	ssrfGuard SSRFValidator,
	sanitizer TextSanitizer,
	logger *slog.Logger,
	timeout time.Duration,
	maxBodySize int64,
) *RSSAdapter {
	return &RSSAdapter{
		cache:       cache,
		ssrfGuard:   ssrfGuard,
		sanitizer:   sanitizer,
		logger:      logger,
		timeout:     timeout,
		maxBodySize: maxBodySize,
	}
}

// Platform はこのアダプタが担当するプラットフォームを返す。
func (a *RSSAdapter) Platform() model.Platform {
	return model.PlatformRSS
}

// FetchItems はフィードをフェッチし、カーソルより新しいアイテムを
// 古い順の時系列で返す。
//
// 条件付きGET: キャッシュ済みのETag/Last-Modifiedをリクエストへ付与し、
// 304応答の場合はNotModifiedを返してパースを省略する。200応答の場合は
// 新しいバリデータをキャッシュへ保存する。
//
// カーソルはRFC3339形式の最新アイテム発行時刻。Cursorが空の場合は
// BackfillDaysのウィンドウで過去分を取得する。
func (a *RSSAdapter) FetchItems(ctx context.Context, sub *model.Subscription, req FetchRequest) (*FetchResult, error) {
	feedURL := sub.Target.ProfileURL

	if err := a.ssrfGuard.ValidateURL(feedURL); err != nil {
		a.logger.Error("SSRF検証に失敗しました",
			slog.String("subscription_id", sub.ID),
			slog.String("feed_url", feedURL),
			slog.String("error", err.Error()),
		)
		return nil, model.NewValidationError(fmt.Sprintf("ソースURLの検証に失敗しました: %s", err.Error()))
	}

	client := a.ssrfGuard.NewSafeClient(a.timeout, a.maxBodySize)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, feedURL, nil)
	if err != nil {
		return nil, fmt.Errorf("リクエスト作成に失敗: %w", err)
	}

	httpReq.Header.Set("User-Agent", "SocialArchiver/1.0 Feed Poller")
	httpReq.Header.Set("Accept", "application/rss+xml, application/atom+xml, application/xml, text/xml, */*")

	// 条件付きGET: キャッシュ済みバリデータの付与
	if entry, ok := a.cache.Get(feedURL); ok {
		if entry.ETag != "" {
			httpReq.Header.Set("If-None-Match", entry.ETag)
		}
		if entry.LastModified != "" {
			httpReq.Header.Set("If-Modified-Since", entry.LastModified)
		}
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, model.NewTimeoutError(err)
		}
		return nil, model.NewNetworkError(err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotModified:
		a.logger.Info("フィードは未変更です（304）",
			slog.String("subscription_id", sub.ID),
			slog.String("feed_url", feedURL),
		)
		return &FetchResult{NotModified: true, NextCursor: req.Cursor}, nil

	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, model.NewAuthExpiredError(model.PlatformRSS)

	case resp.StatusCode != http.StatusOK:
		return nil, model.NewRemoteAPIError(resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, a.maxBodySize))
	if err != nil {
		return nil, model.NewNetworkError(fmt.Errorf("レスポンス読み取り失敗: %w", err))
	}

	// 新しいバリデータをキャッシュへ保存
	etag := resp.Header.Get("ETag")
	lastMod := resp.Header.Get("Last-Modified")
	if etag != "" || lastMod != "" {
		a.cache.Set(feedURL, fetchcache.Entry{
			ETag:         etag,
			LastModified: lastMod,
			CachedAt:     time.Now(),
		})
	}

	parser := gofeed.NewParser()
	parsedFeed, err := parser.ParseString(string(body))
	if err != nil {
		return nil, fmt.Errorf("フィードのパースに失敗: %w", err)
	}

	items, nextCursor := a.selectItems(parsedFeed, req)

	a.logger.Info("フィードフェッチが完了しました",
		slog.String("subscription_id", sub.ID),
		slog.String("feed_url", feedURL),
		slog.Int("items_total", len(parsedFeed.Items)),
		slog.Int("items_selected", len(items)),
	)
	return &FetchResult{Items: items, NextCursor: nextCursor}, nil
}

// selectItems はパース済みフィードからカーソル・ウィンドウ・上限で
// アイテムを絞り込み、古い順に並べて返す。
// 次カーソルは選択されたアイテムのうち最新の発行時刻。選択が空の場合は
// 現在のカーソルを維持する。
func (a *RSSAdapter) selectItems(feed *gofeed.Feed, req FetchRequest) ([]Item, string) {
	var since time.Time
	if req.Cursor != "" {
		if t, err := time.Parse(time.RFC3339, req.Cursor); err == nil {
			since = t
		}
	} else if req.BackfillDays > 0 {
		since = time.Now().AddDate(0, 0, -req.BackfillDays)
	}

	items := make([]Item, 0, len(feed.Items))
	for _, fi := range feed.Items {
		ts := itemTimestamp(fi)
		// カーソルは「厳密により新しい」境界。同時刻は処理済みとみなす
		if !since.IsZero() && !ts.After(since) {
			continue
		}

		text := fi.Description
		if fi.Content != "" {
			text = fi.Content
		}
		item := Item{
			SourceID:  itemSourceID(fi),
			URL:       fi.Link,
			Title:     fi.Title,
			Text:      a.sanitizer.SanitizeText(text),
			Timestamp: ts,
			Metadata:  map[string]string{},
		}
		if len(fi.Authors) > 0 {
			item.Author = fi.Authors[0].Name
		}
		items = append(items, item)
	}

	sort.SliceStable(items, func(i, j int) bool {
		return items[i].Timestamp.Before(items[j].Timestamp)
	})

	if req.Limit > 0 && len(items) > req.Limit {
		// 古い順に上限まで処理し、残りは次回のポーリングへ持ち越す
		items = items[:req.Limit]
	}

	nextCursor := req.Cursor
	if len(items) > 0 {
		newest := items[len(items)-1].Timestamp
		nextCursor = newest.UTC().Format(time.RFC3339)
	}
	return items, nextCursor
}

// itemSourceID はアイテムのソース内一意IDを返す。GUIDを優先し、
// 無ければリンクで代用する。
func itemSourceID(fi *gofeed.Item) string {
	if fi.GUID != "" {
		return fi.GUID
	}
	return fi.Link
}

// itemTimestamp はアイテムの発行時刻を返す。発行時刻が無い場合は
// 更新時刻、それも無い場合は現在時刻で代用する。
func itemTimestamp(fi *gofeed.Item) time.Time {
	if fi.PublishedParsed != nil {
		return *fi.PublishedParsed
	}
	if fi.UpdatedParsed != nil {
		return *fi.UpdatedParsed
	}
	return time.Now()
}
