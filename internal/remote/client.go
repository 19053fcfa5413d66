// Package remote はリモートオーソリティへの薄いRPC境界を提供する。
// 購読のCRUD、実行トリガ、重複判定、状態更新、保留通知の取得とACKを含む。
// JSON over HTTPSでベアラートークン認証を行う。
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/hitoshi/socialarch/internal/model"
)

// ErrNotFound はリモート側にオブジェクトが存在しないことを示す。
// 削除操作では404を成功として扱う（冪等削除）ため、呼び出し元が判定に使う。
var ErrNotFound = errors.New("remote object not found")

// maxResponseSize はレスポンスボディの最大読み取りサイズ。
const maxResponseSize = 4 << 20

// Client はリモートオーソリティAPIのクライアント。
type Client struct {
	httpClient *http.Client
	baseURL    string // テスト用にエンドポイントを差し替え可能
	token      string
	logger     *slog.Logger
}

// NewClient はClientの新しいインスタンスを生成する。
func NewClient(httpClient *http.Client, baseURL, token string, logger *slog.Logger) *Client {
	return &Client{
		httpClient: httpClient,
		baseURL:    baseURL,
		token:      token,
		logger:     logger,
	}
}

// envelope はリモートAPIの統一レスポンスフォーマット。
type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// doJSON はJSONリクエストを実行し、成功時のdataフィールドを返す。
// トランスポートエラーはNetworkError、タイムアウトはTimeoutError、
// 401はAuthExpired相当、404はErrNotFound、その他4xx/5xxはRemoteApiErrorに分類する。
func (c *Client) doJSON(ctx context.Context, method, path string, reqBody any) (json.RawMessage, error) {
	var body io.Reader
	if reqBody != nil {
		data, err := json.Marshal(reqBody)
		if err != nil {
			return nil, fmt.Errorf("リクエストのシリアライズに失敗: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("HTTPリクエストの作成に失敗: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, model.NewTimeoutError(err)
		}
		c.logger.Error("リモートAPIの呼び出しに失敗しました",
			slog.String("method", method),
			slog.String("path", path),
			slog.String("error", err.Error()),
		)
		return nil, model.NewNetworkError(err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, model.NewNetworkError(err)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, ErrNotFound
	case resp.StatusCode == http.StatusUnauthorized:
		return nil, &model.APIError{
			Code:     model.ErrCodeAuthExpired,
			Message:  "リモートオーソリティの認証に失敗しました。トークンが失効している可能性があります。",
			Category: "auth",
			Action:   "認証トークンを更新してください。",
		}
	case resp.StatusCode >= 400:
		c.logger.Error("リモートAPIがエラーステータスを返しました",
			slog.String("method", method),
			slog.String("path", path),
			slog.Int("http_status", resp.StatusCode),
		)
		return nil, model.NewRemoteAPIError(resp.StatusCode)
	}

	var env envelope
	if err := json.Unmarshal(respBody, &env); err != nil {
		return nil, fmt.Errorf("レスポンスJSONのパースに失敗: %w", err)
	}
	if !env.Success {
		return nil, fmt.Errorf("リモートAPIが失敗を報告しました: %s", env.Error)
	}
	return env.Data, nil
}

// subscriptionsData はGET /subscriptionsのdataフィールド。
type subscriptionsData struct {
	Subscriptions []model.Subscription `json:"subscriptions"`
	Total         int                  `json:"total"`
}

// ListSubscriptions は全購読を取得する。
func (c *Client) ListSubscriptions(ctx context.Context) ([]model.Subscription, error) {
	data, err := c.doJSON(ctx, http.MethodGet, "/subscriptions", nil)
	if err != nil {
		return nil, err
	}
	var d subscriptionsData
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("購読一覧のパースに失敗: %w", err)
	}
	return d.Subscriptions, nil
}

// CreateSubscription は購読を作成し、サーバーが採番したレコードを返す。
func (c *Client) CreateSubscription(ctx context.Context, sub *model.Subscription) (*model.Subscription, error) {
	data, err := c.doJSON(ctx, http.MethodPost, "/subscriptions", sub)
	if err != nil {
		return nil, err
	}
	var created model.Subscription
	if err := json.Unmarshal(data, &created); err != nil {
		return nil, fmt.Errorf("作成された購読のパースに失敗: %w", err)
	}
	return &created, nil
}

// UpdateSubscription は購読を部分更新し、サーバー側の最新レコードを返す。
func (c *Client) UpdateSubscription(ctx context.Context, id string, patch map[string]any) (*model.Subscription, error) {
	data, err := c.doJSON(ctx, http.MethodPatch, "/subscriptions/"+id, patch)
	if err != nil {
		return nil, err
	}
	var updated model.Subscription
	if err := json.Unmarshal(data, &updated); err != nil {
		return nil, fmt.Errorf("更新された購読のパースに失敗: %w", err)
	}
	return &updated, nil
}

// DeleteSubscription は購読を削除する。
// リモート側に存在しない場合はErrNotFoundを返す（呼び出し元で成功扱いにできる）。
func (c *Client) DeleteSubscription(ctx context.Context, id string) error {
	_, err := c.doJSON(ctx, http.MethodDelete, "/subscriptions/"+id, nil)
	return err
}

// RunTicket は実行トリガの受付結果を表す。
type RunTicket struct {
	RunID   string `json:"runId"`
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// TriggerRun は購読の実行をトリガする。
func (c *Client) TriggerRun(ctx context.Context, subscriptionID string, force bool) (*RunTicket, error) {
	reqBody := map[string]bool{"force": force}
	data, err := c.doJSON(ctx, http.MethodPost, "/subscriptions/"+subscriptionID+"/run", reqBody)
	if err != nil {
		return nil, err
	}
	var ticket RunTicket
	if err := json.Unmarshal(data, &ticket); err != nil {
		return nil, fmt.Errorf("実行チケットのパースに失敗: %w", err)
	}
	return &ticket, nil
}

// GetRun は実行状態を取得する。
func (c *Client) GetRun(ctx context.Context, subscriptionID, runID string) (*model.SubscriptionRun, error) {
	data, err := c.doJSON(ctx, http.MethodGet, "/subscriptions/"+subscriptionID+"/runs/"+runID, nil)
	if err != nil {
		return nil, err
	}
	var run model.SubscriptionRun
	if err := json.Unmarshal(data, &run); err != nil {
		return nil, fmt.Errorf("実行状態のパースに失敗: %w", err)
	}
	return &run, nil
}

// DedupPost は重複判定リクエストの1件分を表す。
type DedupPost struct {
	ID       string `json:"id"`
	TextHash string `json:"textHash"`
}

// DedupResult は重複判定の結果を表す。
type DedupResult struct {
	Duplicates []string `json:"duplicates"`
	New        []string `json:"new"`
}

// CheckDedup はフィンガープリントの一括重複判定を行う。
func (c *Client) CheckDedup(ctx context.Context, subscriptionID string, posts []DedupPost) (*DedupResult, error) {
	reqBody := map[string]any{"posts": posts}
	data, err := c.doJSON(ctx, http.MethodPost, "/subscriptions/"+subscriptionID+"/check-dedup", reqBody)
	if err != nil {
		return nil, err
	}
	var result DedupResult
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("重複判定結果のパースに失敗: %w", err)
	}
	return &result, nil
}

// StateUpdate は実行後の購読状態更新を表す。
// nilのフィールドは更新対象外。
type StateUpdate struct {
	Cursor             *string    `json:"cursor,omitempty"`
	LastRunAt          *time.Time `json:"lastRunAt,omitempty"`
	ArchivedPostIDs    []string   `json:"archivedPostIds,omitempty"`
	ArchivedPostHashes []string   `json:"archivedPostHashes,omitempty"`
	PostsArchived      *int       `json:"postsArchived,omitempty"`
	UnitsUsed          *int       `json:"unitsUsed,omitempty"`
}

// UpdateState は購読の状態をリモートオーソリティへ反映し、更新後のレコードを返す。
// この呼び出しが失敗した場合、呼び出し元はローカルのカーソルを前進させてはならない。
func (c *Client) UpdateState(ctx context.Context, subscriptionID string, update StateUpdate) (*model.Subscription, error) {
	data, err := c.doJSON(ctx, http.MethodPost, "/subscriptions/"+subscriptionID+"/update-state", update)
	if err != nil {
		return nil, err
	}
	var sub model.Subscription
	if err := json.Unmarshal(data, &sub); err != nil {
		return nil, fmt.Errorf("状態更新後の購読のパースに失敗: %w", err)
	}
	return &sub, nil
}

// notificationsData はGET /subscriptions/pending-notificationsのdataフィールド。
type notificationsData struct {
	Notifications []model.PendingNotification `json:"notifications"`
}

// PendingNotifications は保留通知の一覧を取得する。
func (c *Client) PendingNotifications(ctx context.Context) ([]model.PendingNotification, error) {
	data, err := c.doJSON(ctx, http.MethodGet, "/subscriptions/pending-notifications", nil)
	if err != nil {
		return nil, err
	}
	var d notificationsData
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("保留通知のパースに失敗: %w", err)
	}
	return d.Notifications, nil
}

// AckNotifications は保留通知を消費済みとしてACKする。冪等。
func (c *Client) AckNotifications(ctx context.Context, notificationIDs []string) error {
	if len(notificationIDs) == 0 {
		return nil
	}
	reqBody := map[string]any{"notificationIds": notificationIDs}
	_, err := c.doJSON(ctx, http.MethodPost, "/subscriptions/pending-notifications/ack", reqBody)
	return err
}
