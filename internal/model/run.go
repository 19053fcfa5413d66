// Package model はドメインモデルを定義する。
package model

import "time"

// RunStatus は購読実行の状態を表す。
type RunStatus string

const (
	// RunStatusPending は実行待ち状態。
	RunStatusPending RunStatus = "pending"
	// RunStatusRunning は実行中状態。
	RunStatusRunning RunStatus = "running"
	// RunStatusCompleted は正常終了状態。終端状態であり以後変更されない。
	RunStatusCompleted RunStatus = "completed"
	// RunStatusFailed は異常終了状態。終端状態であり以後変更されない。
	RunStatusFailed RunStatus = "failed"
	// RunStatusCancelled はキャンセル済み状態。終端状態であり以後変更されない。
	RunStatusCancelled RunStatus = "cancelled"
)

// IsTerminal は実行状態が終端状態かを判定する。
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed || s == RunStatusCancelled
}

// RunTrigger は実行の起動契機を表す。
type RunTrigger string

const (
	// TriggerScheduled はスケジューラによる定期実行。
	TriggerScheduled RunTrigger = "scheduled"
	// TriggerManual はユーザーによる手動実行。
	TriggerManual RunTrigger = "manual"
)

// SubscriptionRun は購読の1回の実行を表す。
// 購読ごとに同時に「実行中」として参照されるのは
// Subscription.State.PendingRunID が指す1件のみ。
type SubscriptionRun struct {
	ID             string     `json:"id"`
	SubscriptionID string     `json:"subscriptionId"`
	Status         RunStatus  `json:"status"`
	Trigger        RunTrigger `json:"trigger"`
	StartedAt      time.Time  `json:"startedAt"`
	CompletedAt    *time.Time `json:"completedAt,omitempty"`
	ItemsArchived  int        `json:"itemsArchived"`
	UnitsUsed      int        `json:"unitsUsed"`
	NewCursor      string     `json:"newCursor,omitempty"`
	Error          string     `json:"error,omitempty"`
}
