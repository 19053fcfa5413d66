// Package adapter はコンテンツソースごとのフェッチ戦略を提供する。
// アダプタはカーソル・バックフィルウィンドウと条件付きフェッチキャッシュを使い、
// 候補アイテムの1ページと次カーソルを返す。ソース内部のパース処理は
// アダプタに閉じており、上位のポーリングエンジンからは見えない。
package adapter

import (
	"context"
	"time"

	"github.com/hitoshi/socialarch/internal/model"
)

// Item はソースから取得した候補アイテムを表す。
type Item struct {
	SourceID  string
	URL       string
	Title     string
	Text      string // フィンガープリント計算用のプレーンテキスト
	Author    string
	Timestamp time.Time
	Metadata  map[string]string
}

// FetchRequest はアダプタへの取得要求を表す。
// Cursorが空の場合はBackfillDaysのウィンドウで過去分を取得する。
type FetchRequest struct {
	Cursor       string
	Limit        int
	BackfillDays int
}

// FetchResult はアダプタの取得結果を表す。
// NotModifiedがtrueの場合、ソースは前回から変更されておらず、Itemsは空。
type FetchResult struct {
	Items       []Item
	NextCursor  string
	NotModified bool
}

// ContentAdapter はプラットフォームごとのフェッチ戦略のインターフェース。
type ContentAdapter interface {
	// Platform はこのアダプタが担当するプラットフォームを返す。
	Platform() model.Platform

	// FetchItems は購読の対象ソースから候補アイテムを取得する。
	// 条件付きフェッチキャッシュを参照し、未変更の場合はNotModifiedを返す。
	FetchItems(ctx context.Context, sub *model.Subscription, req FetchRequest) (*FetchResult, error)
}
