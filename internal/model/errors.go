// Package model はドメインモデルを定義する。
package model

import (
	"errors"
	"fmt"
)

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: validation, jobs, network, auth, system
	Action   string // ユーザー向け対処方法
	Cause    error  // 下位エラー（任意）
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap は下位エラーを返す。
func (e *APIError) Unwrap() error {
	return e.Cause
}

// 定義済みエラーコード
const (
	ErrCodeValidation           = "VALIDATION_ERROR"
	ErrCodeDuplicateActiveJob   = "DUPLICATE_ACTIVE_JOB"
	ErrCodeStorageQuota         = "STORAGE_QUOTA_EXCEEDED"
	ErrCodeNetwork              = "NETWORK_ERROR"
	ErrCodeTimeout              = "TIMEOUT"
	ErrCodeAuthExpired          = "AUTH_EXPIRED"
	ErrCodeRemoteAPI            = "REMOTE_API_ERROR"
	ErrCodeSubscriptionNotFound = "SUBSCRIPTION_NOT_FOUND"
	ErrCodeJobNotFound          = "JOB_NOT_FOUND"
)

// ErrorCode はエラーからAPIErrorのコードを取り出す。
// APIErrorでない場合は空文字列を返す。
func ErrorCode(err error) string {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code
	}
	return ""
}

// NewValidationError は不正なローカル入力のエラーを生成する。リトライ対象外。
func NewValidationError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeValidation,
		Message:  fmt.Sprintf("入力値が不正です: %s", reason),
		Category: "validation",
		Action:   "入力内容を確認してください。",
	}
}

// NewDuplicateActiveJobError は同一(url, platform)のアクティブジョブが既に存在する場合のエラーを生成する。
func NewDuplicateActiveJobError(url string, platform Platform) *APIError {
	return &APIError{
		Code:     ErrCodeDuplicateActiveJob,
		Message:  fmt.Sprintf("同一URLのアクティブなジョブが既に存在します: %s (%s)", url, platform),
		Category: "jobs",
		Action:   "既存のジョブの完了を待つか、キャンセルしてから再実行してください。",
	}
}

// NewStorageQuotaError はストレージ容量回復の二段階処理が両方失敗した後にのみ生成される。
func NewStorageQuotaError(cause error) *APIError {
	return &APIError{
		Code:     ErrCodeStorageQuota,
		Message:  "ストレージ容量が不足しています。古いジョブの削除を試みましたが回復できませんでした。",
		Category: "system",
		Action:   "ディスク空き容量を確保するか、完了済みジョブを手動で削除してください。",
		Cause:    cause,
	}
}

// NewNetworkError は一時的なネットワーク障害のエラーを生成する。
// 呼び出し元のバックオフポリシーでリトライされる。
func NewNetworkError(cause error) *APIError {
	return &APIError{
		Code:     ErrCodeNetwork,
		Message:  fmt.Sprintf("ネットワークエラーが発生しました: %v", cause),
		Category: "network",
		Action:   "接続状態を確認してください。オフライン中の変更は再接続時に自動送信されます。",
		Cause:    cause,
	}
}

// NewTimeoutError はタイムアウトのエラーを生成する。
func NewTimeoutError(cause error) *APIError {
	return &APIError{
		Code:     ErrCodeTimeout,
		Message:  "リクエストがタイムアウトしました。",
		Category: "network",
		Action:   "しばらく待ってから再度お試しください。",
		Cause:    cause,
	}
}

// NewAuthExpiredError はソースの認証情報が失効した場合のエラーを生成する。
// 購読は有効のまま残し、そのサイクルのみ失敗として記録する。
func NewAuthExpiredError(platform Platform) *APIError {
	return &APIError{
		Code:     ErrCodeAuthExpired,
		Message:  fmt.Sprintf("ソースの認証情報が失効しています: %s", platform),
		Category: "auth",
		Action:   "該当プラットフォームの認証情報を更新してください。",
	}
}

// NewRemoteAPIError はリモートオーソリティの4xx/5xx応答のエラーを生成する。
// 該当サイクルは失敗扱いとなり、状態は前進しない。
func NewRemoteAPIError(statusCode int) *APIError {
	return &APIError{
		Code:     ErrCodeRemoteAPI,
		Message:  fmt.Sprintf("リモートAPIがステータス %d を返しました", statusCode),
		Category: "network",
		Action:   "しばらく待ってから再度お試しください。問題が続く場合はサービス状態を確認してください。",
	}
}

// NewSubscriptionNotFoundError は購読が見つからない場合のエラーを生成する。
func NewSubscriptionNotFoundError(subscriptionID string) *APIError {
	return &APIError{
		Code:     ErrCodeSubscriptionNotFound,
		Message:  fmt.Sprintf("指定された購読が見つかりません: %s", subscriptionID),
		Category: "validation",
		Action:   "購読IDを確認してください。",
	}
}

// NewJobNotFoundError はジョブが見つからない場合のエラーを生成する。
func NewJobNotFoundError(jobID string) *APIError {
	return &APIError{
		Code:     ErrCodeJobNotFound,
		Message:  fmt.Sprintf("指定されたジョブが見つかりません: %s", jobID),
		Category: "validation",
		Action:   "ジョブIDを確認してください。",
	}
}
