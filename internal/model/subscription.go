// Package model はドメインモデルを定義する。
package model

import "time"

// Platform は購読対象のコンテンツソース種別を表す。
type Platform string

const (
	// PlatformRSS はRSS/Atomフィードソース。
	PlatformRSS Platform = "rss"
	// PlatformBluesky はBlueskyプロフィールソース。
	PlatformBluesky Platform = "bluesky"
	// PlatformMastodon はMastodonアカウントソース。
	PlatformMastodon Platform = "mastodon"
)

// ValidPlatform はプラットフォーム値がサポート対象かを判定する。
func ValidPlatform(p Platform) bool {
	switch p {
	case PlatformRSS, PlatformBluesky, PlatformMastodon:
		return true
	}
	return false
}

// Target は購読対象のハンドルとプロフィールURLを表す。
type Target struct {
	Handle     string `json:"handle"`
	ProfileURL string `json:"profileUrl"`
}

// Schedule はリモートスケジューラ向けの実行ヒントを表す。
// cron式はあくまで助言であり、ローカルの実行判定はisDueが行う。
type Schedule struct {
	Cron     string `json:"cron"`
	Timezone string `json:"timezone"`
}

// Destination はアーカイブ先のフォルダとテンプレート参照を表す。
type Destination struct {
	Folder   string `json:"folder"`
	Template string `json:"template"`
}

// Options は購読ごとの実行オプションを表す。
type Options struct {
	MaxItemsPerRun int      `json:"maxItemsPerRun"`
	BackfillDays   int      `json:"backfillDays"`
	KeywordFilter  []string `json:"keywordFilter,omitempty"`
}

// State は購読のポーリング状態を表す。
// Cursorはプラットフォーム固有の順序における不透明なポインタで、
// 明示的なリセットを除いて後退してはならない。
type State struct {
	LastRunAt    *time.Time `json:"lastRunAt"`
	Cursor       string     `json:"cursor,omitempty"`
	PendingRunID string     `json:"pendingRunId,omitempty"`
}

// Usage は購読の累積利用カウンタを表す。
type Usage struct {
	TotalRuns     int `json:"totalRuns"`
	TotalArchived int `json:"totalArchived"`
	UnitsConsumed int `json:"unitsConsumed"`
}

// Subscription はユーザー定義の購読を表す。
// IDはリモートオーソリティが採番する不透明な識別子。
type Subscription struct {
	ID          string      `json:"id"`
	Platform    Platform    `json:"platform"`
	Target      Target      `json:"target"`
	Schedule    Schedule    `json:"schedule"`
	Enabled     bool        `json:"enabled"`
	Destination Destination `json:"destination"`
	Options     Options     `json:"options"`
	State       State       `json:"state"`
	Usage       Usage       `json:"usage"`
}

// Clone は購読のディープコピーを返す。
// キャッシュが保持する現在ビューを呼び出し元の変更から隔離するために使用する。
func (s *Subscription) Clone() *Subscription {
	c := *s
	if s.State.LastRunAt != nil {
		t := *s.State.LastRunAt
		c.State.LastRunAt = &t
	}
	if s.Options.KeywordFilter != nil {
		c.Options.KeywordFilter = append([]string(nil), s.Options.KeywordFilter...)
	}
	return &c
}
