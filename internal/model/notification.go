// Package model はドメインモデルを定義する。
package model

import "time"

// NotificationStatus は保留通知の処理状態を表す。
type NotificationStatus string

const (
	// NotificationPending は未取得状態。
	NotificationPending NotificationStatus = "pending"
	// NotificationFetched は取得済み状態。
	NotificationFetched NotificationStatus = "fetched"
	// NotificationFailed は取得失敗状態。
	NotificationFailed NotificationStatus = "failed"
)

// PendingNotification はリモートオーソリティが検出済みで、
// ローカル側が本文の取得を担う投稿への軽量ポインタを表す。
// ACKは冪等であり、同一通知を複数回ACKしても副作用はない。
type PendingNotification struct {
	ID             string             `json:"id"`
	SubscriptionID string             `json:"subscriptionId"`
	SourceItemID   string             `json:"sourceItemId"`
	SourceURL      string             `json:"sourceUrl"`
	DetectedAt     time.Time          `json:"detectedAt"`
	Status         NotificationStatus `json:"status"`
}
