// Package subscription は購読一覧のローカルキャッシュと、
// オフライン時の楽観的変更・再接続時のリプレイを提供する。
//
// オンライン時の変更操作はリモートへ委譲し、サーバーが返した正式な
// レコードでキャッシュを上書きする。オフライン時はローカルキャッシュへ
// 楽観的に反映し、変更をFIFOキューへ積む。再接続時にキューを先頭から
// 順にリプレイし、失敗した変更は順序を保ったまま再キューイングする。
package subscription

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/hitoshi/socialarch/internal/model"
	"github.com/hitoshi/socialarch/internal/remote"
)

// RemoteClient は購読管理に必要なリモート操作のインターフェース。
type RemoteClient interface {
	ListSubscriptions(ctx context.Context) ([]model.Subscription, error)
	CreateSubscription(ctx context.Context, sub *model.Subscription) (*model.Subscription, error)
	UpdateSubscription(ctx context.Context, id string, patch map[string]any) (*model.Subscription, error)
	DeleteSubscription(ctx context.Context, id string) error
}

// mutation はリプレイキューに積まれる変更操作。
type mutation struct {
	kind  string // "create" | "update" | "delete"
	subID string
	apply func(ctx context.Context) error
}

// Service は購読キャッシュとオフライン変更キューを管理する。
type Service struct {
	mu     sync.Mutex
	client RemoteClient
	logger *slog.Logger

	cache  map[string]*model.Subscription
	online bool
	queue  []mutation
}

// NewService は購読サービスを生成する。初期状態はオンライン。
func NewService(client RemoteClient, logger *slog.Logger) *Service {
	return &Service{
		client: client,
		logger: logger,
		cache:  make(map[string]*model.Subscription),
		online: true,
	}
}

// Online は現在の接続状態を返す。
func (s *Service) Online() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.online
}

// Refresh はリモートから購読一覧を取得してキャッシュを置き換える。
// 取得に失敗した場合は既存キャッシュを保持したままオフラインへ遷移する
// （ネットワーク起因の失敗の場合のみ）。
// 取得の成功はオンライン復帰を意味し、オフライン中に積まれた変更は
// この時点でリプレイされる。リプレイがキャッシュ置き換えの後に走るため、
// 楽観的レコードはサーバー採番のレコードとして復元される。
func (s *Service) Refresh(ctx context.Context) error {
	subs, err := s.client.ListSubscriptions(ctx)
	if err != nil {
		s.noteFailure(err)
		return fmt.Errorf("購読一覧の取得に失敗: %w", err)
	}

	s.mu.Lock()
	wasOnline := s.online
	s.online = true
	s.cache = make(map[string]*model.Subscription, len(subs))
	for i := range subs {
		sub := subs[i]
		s.cache[sub.ID] = &sub
	}
	s.mu.Unlock()

	s.logger.Info("購読キャッシュを更新しました", slog.Int("count", len(subs)))
	if !wasOnline {
		s.drainQueue(ctx)
	}
	return nil
}

// List はキャッシュ中の購読をID順で返す。
func (s *Service) List() []*model.Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := make([]*model.Subscription, 0, len(s.cache))
	for _, sub := range s.cache {
		result = append(result, sub.Clone())
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}

// Get は指定IDの購読を返す。
func (s *Service) Get(id string) (*model.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub, ok := s.cache[id]
	if !ok {
		return nil, model.NewSubscriptionNotFoundError(id)
	}
	return sub.Clone(), nil
}

// Create は購読を登録する。
// オンライン時はリモートへ委譲し、サーバーのレコードをキャッシュする。
// オフライン時はローカルIDを採番して楽観的にキャッシュへ追加し、
// 登録操作をリプレイキューへ積む。
func (s *Service) Create(ctx context.Context, sub *model.Subscription) (*model.Subscription, error) {
	if sub.Platform != "" && !model.ValidPlatform(sub.Platform) {
		return nil, model.NewValidationError(fmt.Sprintf("未サポートのプラットフォームです: %s", sub.Platform))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.online {
		created, err := s.client.CreateSubscription(ctx, sub)
		if err != nil {
			if s.noteFailureLocked(err) {
				return s.createOfflineLocked(sub), nil
			}
			return nil, err
		}
		s.cache[created.ID] = created.Clone()
		return created, nil
	}

	return s.createOfflineLocked(sub), nil
}

// createOfflineLocked はオフライン時の楽観的な購読登録を行う。
// 呼び出し元がロックを保持していること。
func (s *Service) createOfflineLocked(sub *model.Subscription) *model.Subscription {
	local := sub.Clone()
	if local.ID == "" {
		local.ID = uuid.New().String()
	}
	s.cache[local.ID] = local

	// IDはサーバー採番。ローカルIDはキャッシュキーとしてのみ使い、
	// リプレイ時の登録リクエストには載せない
	snapshot := local.Clone()
	snapshot.ID = ""
	localID := local.ID
	s.enqueueLocked(mutation{
		kind:  "create",
		subID: localID,
		apply: func(ctx context.Context) error {
			created, err := s.client.CreateSubscription(ctx, snapshot)
			if err != nil {
				return err
			}
			s.mu.Lock()
			defer s.mu.Unlock()
			// サーバー採番のIDへ差し替える
			if created.ID != localID {
				delete(s.cache, localID)
			}
			s.cache[created.ID] = created.Clone()
			return nil
		},
	})
	return local.Clone()
}

// Update は購読を部分更新する。
// オンライン時はリモートへ委譲し、サーバーのレコードをキャッシュする。
// オフライン時はローカルキャッシュのフィールドへ楽観的に反映し、
// 更新操作をリプレイキューへ積む。
func (s *Service) Update(ctx context.Context, id string, patch map[string]any) (*model.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.cache[id]
	if !ok {
		return nil, model.NewSubscriptionNotFoundError(id)
	}

	if s.online {
		updated, err := s.client.UpdateSubscription(ctx, id, patch)
		if err != nil {
			if s.noteFailureLocked(err) {
				return s.updateOfflineLocked(existing, id, patch), nil
			}
			return nil, err
		}
		s.cache[updated.ID] = updated.Clone()
		return updated, nil
	}

	return s.updateOfflineLocked(existing, id, patch), nil
}

// updateOfflineLocked はオフライン時の楽観的な購読更新を行う。
// 呼び出し元がロックを保持していること。
func (s *Service) updateOfflineLocked(existing *model.Subscription, id string, patch map[string]any) *model.Subscription {
	local := existing.Clone()
	applyPatch(local, patch)
	s.cache[id] = local

	patchCopy := make(map[string]any, len(patch))
	for k, v := range patch {
		patchCopy[k] = v
	}
	s.enqueueLocked(mutation{
		kind:  "update",
		subID: id,
		apply: func(ctx context.Context) error {
			updated, err := s.client.UpdateSubscription(ctx, id, patchCopy)
			if err != nil {
				return err
			}
			s.mu.Lock()
			defer s.mu.Unlock()
			s.cache[updated.ID] = updated.Clone()
			return nil
		},
	})
	return local.Clone()
}

// Delete は購読を削除する。
// オンライン時はリモートへ委譲する。オフライン時はキャッシュから
// 楽観的に除去し、削除操作をリプレイキューへ積む。
// リプレイ時に対象が既に存在しない場合（404）は成功として扱う。
func (s *Service) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.cache[id]; !ok {
		return model.NewSubscriptionNotFoundError(id)
	}

	if s.online {
		err := s.client.DeleteSubscription(ctx, id)
		if err != nil && !errors.Is(err, remote.ErrNotFound) {
			if s.noteFailureLocked(err) {
				s.deleteOfflineLocked(id)
				return nil
			}
			return err
		}
		delete(s.cache, id)
		return nil
	}

	s.deleteOfflineLocked(id)
	return nil
}

// deleteOfflineLocked はオフライン時の楽観的な購読削除を行う。
// 呼び出し元がロックを保持していること。
func (s *Service) deleteOfflineLocked(id string) {
	delete(s.cache, id)
	s.enqueueLocked(mutation{
		kind:  "delete",
		subID: id,
		apply: func(ctx context.Context) error {
			err := s.client.DeleteSubscription(ctx, id)
			if errors.Is(err, remote.ErrNotFound) {
				// 既に消えている削除は冪等に成功とみなす
				return nil
			}
			return err
		},
	})
}

// ApplyServerRecord はサーバーが返した正式なレコードでキャッシュを上書きする。
// 状態プッシュ後の購読更新など、変更API以外の経路で最新レコードを
// 受け取った場合に使用する。
func (s *Service) ApplyServerRecord(sub *model.Subscription) {
	if sub == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache[sub.ID] = sub.Clone()
}

// QueueLength は未リプレイの変更数を返す。
func (s *Service) QueueLength() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// SetOnline は接続状態を切り替える。オフラインからオンラインへの遷移時は
// リプレイキューを先頭から順に処理する。失敗した変更は元の順序を保った
// まま再キューイングし、次回の遷移時に再試行する。
func (s *Service) SetOnline(ctx context.Context, online bool) {
	s.mu.Lock()
	wasOnline := s.online
	s.online = online
	s.mu.Unlock()

	if online && !wasOnline {
		s.drainQueue(ctx)
	}
}

// drainQueue はリプレイキューを先頭から順に処理する。
// オンライン復帰の全経路（Refresh成功とSetOnline）がここへ合流する。
func (s *Service) drainQueue(ctx context.Context) {
	s.mu.Lock()
	pending := s.queue
	s.queue = nil
	s.mu.Unlock()

	if len(pending) == 0 {
		return
	}

	s.logger.Info("オフライン変更のリプレイを開始します", slog.Int("queued", len(pending)))
	var failed []mutation
	for _, m := range pending {
		if err := m.apply(ctx); err != nil {
			s.logger.Warn("変更のリプレイに失敗しました。再キューイングします",
				slog.String("kind", m.kind),
				slog.String("subscription_id", m.subID),
				slog.String("error", err.Error()),
			)
			failed = append(failed, m)
		}
	}

	if len(failed) > 0 {
		s.mu.Lock()
		// リプレイ中に積まれた新しい変更より前に失敗分を戻す
		s.queue = append(failed, s.queue...)
		s.mu.Unlock()
	}
	s.logger.Info("オフライン変更のリプレイが完了しました",
		slog.Int("replayed", len(pending)-len(failed)),
		slog.Int("requeued", len(failed)),
	)
}

// enqueueLocked は変更をリプレイキューの末尾へ積む。
// 呼び出し元がロックを保持していること。
func (s *Service) enqueueLocked(m mutation) {
	s.queue = append(s.queue, m)
	s.logger.Info("オフライン変更をキューイングしました",
		slog.String("kind", m.kind),
		slog.String("subscription_id", m.subID),
		slog.Int("queue_length", len(s.queue)),
	)
}

// noteFailure はリモート操作の失敗を記録し、ネットワーク起因なら
// オフラインへ遷移してtrueを返す。
func (s *Service) noteFailure(err error) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.noteFailureLocked(err)
}

// noteFailureLocked はnoteFailureの本体。呼び出し元がロックを保持していること。
func (s *Service) noteFailureLocked(err error) bool {
	code := model.ErrorCode(err)
	if code != model.ErrCodeNetwork && code != model.ErrCodeTimeout {
		return false
	}
	if s.online {
		s.online = false
		s.logger.Warn("ネットワーク障害を検出したためオフラインへ遷移します",
			slog.String("error", err.Error()),
		)
	}
	return true
}

// applyPatch は部分更新をローカルレコードへ反映する。
// オフライン時の楽観的更新で使用する。サーバー側のPATCHと同じ
// トップレベルフィールドのみをサポートする。
func applyPatch(sub *model.Subscription, patch map[string]any) {
	for key, value := range patch {
		switch key {
		case "enabled":
			if v, ok := value.(bool); ok {
				sub.Enabled = v
			}
		case "options":
			if v, ok := value.(model.Options); ok {
				sub.Options = v
			}
		case "destination":
			if v, ok := value.(model.Destination); ok {
				sub.Destination = v
			}
		case "schedule":
			if v, ok := value.(model.Schedule); ok {
				sub.Schedule = v
			}
		}
	}
}
