// Package model はドメインモデルを定義する。
package model

import (
	"strings"
	"time"
)

// JobSchemaVersion は永続化ジョブレコードの現行スキーマバージョン。
const JobSchemaVersion = 1

// MaxJobRetry はジョブのリトライ回数の上限。
const MaxJobRetry = 3

// JobStatus は永続化ジョブの状態を表す。
type JobStatus string

const (
	// JobStatusPending は処理待ち状態。
	JobStatusPending JobStatus = "pending"
	// JobStatusProcessing は処理中状態。
	JobStatusProcessing JobStatus = "processing"
	// JobStatusCompleted は正常終了状態。終端状態。
	JobStatusCompleted JobStatus = "completed"
	// JobStatusFailed は異常終了状態。終端状態。
	JobStatusFailed JobStatus = "failed"
	// JobStatusCancelled はキャンセル済み状態。終端状態。
	JobStatusCancelled JobStatus = "cancelled"
)

// IsTerminal はジョブ状態が終端状態かを判定する。
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusCancelled
}

// ValidJobStatus はジョブ状態値が定義済みかを判定する。
func ValidJobStatus(s JobStatus) bool {
	switch s {
	case JobStatusPending, JobStatusProcessing, JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

// PendingJob は保留中・処理中の作業項目の永続化レコードを表す。
// 不変条件: 正規化済み(url, platform)ペアが同一の非終端ジョブは同時に2件存在しない。
type PendingJob struct {
	SchemaVersion int               `json:"schemaVersion"`
	ID            string            `json:"id"`
	URL           string            `json:"url"`
	Platform      Platform          `json:"platform"`
	Status        JobStatus         `json:"status"`
	Timestamp     time.Time         `json:"timestamp"`
	RetryCount    int               `json:"retryCount"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// DedupKey は重複判定に使う正規化済みの(url, platform)キーを返す。
func (j *PendingJob) DedupKey() string {
	return NormalizeJobURL(j.URL) + "|" + string(j.Platform)
}

// NormalizeJobURL は重複判定用にURLを正規化する。
// 前後の空白を除去し、小文字化し、末尾のスラッシュを落とす。
func NormalizeJobURL(rawURL string) string {
	u := strings.ToLower(strings.TrimSpace(rawURL))
	return strings.TrimSuffix(u, "/")
}

// Clone はジョブのディープコピーを返す。
func (j *PendingJob) Clone() *PendingJob {
	c := *j
	if j.Metadata != nil {
		c.Metadata = make(map[string]string, len(j.Metadata))
		for k, v := range j.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}
