package catchup

import (
	"testing"
	"time"

	"github.com/hitoshi/socialarch/internal/adapter"
)

var testNow = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

// TestPlanCatchUp_NoLastRun は最終実行が無い場合にキャッチアップ不要となることをテストする。
func TestPlanCatchUp_NoLastRun(t *testing.T) {
	plan := PlanCatchUp(nil, testNow)
	if plan.Needed {
		t.Error("最終実行が無い場合はキャッチアップ不要のはず")
	}
}

// TestPlanCatchUp_WithinThreshold は経過がしきい値以下の場合に不要となることをテストする。
func TestPlanCatchUp_WithinThreshold(t *testing.T) {
	tests := []struct {
		name    string
		elapsed time.Duration
	}{
		{"1時間経過", 1 * time.Hour},
		{"ちょうど2時間経過", 2 * time.Hour},
		{"2時間59分経過（切り捨てで2時間）", 2*time.Hour + 59*time.Minute},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			last := testNow.Add(-tt.elapsed)
			plan := PlanCatchUp(&last, testNow)
			if plan.Needed {
				t.Errorf("経過 %v ではキャッチアップ不要のはず", tt.elapsed)
			}
		})
	}
}

// TestPlanCatchUp_Days は経過時間に応じた日数計算をテストする。
func TestPlanCatchUp_Days(t *testing.T) {
	tests := []struct {
		name     string
		elapsed  time.Duration
		wantDays int
	}{
		{"3時間経過は1日", 3 * time.Hour, 1},
		{"24時間経過は1日", 24 * time.Hour, 1},
		{"26時間経過は2日", 26 * time.Hour, 2},
		{"49時間経過は3日", 49 * time.Hour, 3},
		{"167時間経過は7日", 167 * time.Hour, 7},
		{"168時間経過は7日", 168 * time.Hour, 7},
		{"10日経過でも上限7日", 240 * time.Hour, 7},
		{"1年経過でも上限7日", 365 * 24 * time.Hour, 7},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			last := testNow.Add(-tt.elapsed)
			plan := PlanCatchUp(&last, testNow)
			if !plan.Needed {
				t.Fatalf("経過 %v ではキャッチアップが必要のはず", tt.elapsed)
			}
			if plan.Days != tt.wantDays {
				t.Errorf("日数 = %d, 期待値 %d", plan.Days, tt.wantDays)
			}
			if !plan.Since.Equal(last) {
				t.Errorf("Since = %v, 期待値 %v", plan.Since, last)
			}
		})
	}
}

// TestFilterSince は境界時刻より厳密に新しいアイテムのみ残ることをテストする。
func TestFilterSince(t *testing.T) {
	since := testNow.Add(-1 * time.Hour)
	items := []adapter.Item{
		{SourceID: "old", Timestamp: since.Add(-1 * time.Minute)},
		{SourceID: "boundary", Timestamp: since},
		{SourceID: "new", Timestamp: since.Add(1 * time.Minute)},
	}

	kept := FilterSince(items, since)
	if len(kept) != 1 {
		t.Fatalf("残存件数 = %d, 期待値 1", len(kept))
	}
	if kept[0].SourceID != "new" {
		t.Errorf("残存アイテム = %s, 期待値 new", kept[0].SourceID)
	}
}
