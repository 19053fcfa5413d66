// Package catchup はプロセス停止中に公開されたアイテムを回収するための
// 限定的な後方再スキャンの判定とウィンドウ計算を提供する。
package catchup

import (
	"time"

	"github.com/hitoshi/socialarch/internal/adapter"
)

const (
	// ThresholdHours はキャッチアップを省略する経過時間の上限（時間）。
	// 通常のポーリング周期がこの範囲のギャップをカバーする。
	ThresholdHours = 2
	// MaxCatchUpHours はキャッチアップで遡る経過時間の上限（時間）。
	// これより古いギャップは意図的に回収しない（無制限のバックフィルはコスト暴走のリスクがある）。
	MaxCatchUpHours = 168
)

// Plan はキャッチアップの実行計画を表す。
type Plan struct {
	Needed bool
	Days   int       // カーソルなしフェッチのバックフィル日数。[1, 7]の範囲。
	Since  time.Time // この時刻より厳密に新しいアイテムのみを残す
}

// PlanCatchUp はキャッチアップの要否とスキャンウィンドウを計算する。
// lastRunAtがnilの場合は不要（初回実行はバックフィルが既にカバーする）。
// 経過時間はミリ秒差分の整数除算による丸め時間で計算する。
// 経過がThresholdHours以下なら不要。それ以外は
// ceil(min(hoursSince, MaxCatchUpHours) / 24) 日のウィンドウを返す。
func PlanCatchUp(lastRunAt *time.Time, now time.Time) Plan {
	if lastRunAt == nil {
		return Plan{}
	}

	hoursSince := int(now.Sub(*lastRunAt).Milliseconds() / (60 * 60 * 1000))
	if hoursSince <= ThresholdHours {
		return Plan{}
	}

	capped := hoursSince
	if capped > MaxCatchUpHours {
		capped = MaxCatchUpHours
	}
	days := (capped + 23) / 24

	return Plan{
		Needed: true,
		Days:   days,
		Since:  *lastRunAt,
	}
}

// FilterSince はタイムスタンプがsinceより厳密に新しいアイテムのみを返す。
// キャッチアップのフェッチ結果から回収対象を絞り込むために使う。
func FilterSince(items []adapter.Item, since time.Time) []adapter.Item {
	kept := make([]adapter.Item, 0, len(items))
	for _, item := range items {
		if item.Timestamp.After(since) {
			kept = append(kept, item)
		}
	}
	return kept
}
