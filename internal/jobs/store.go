// Package jobs は処理待ち・処理中作業項目の永続化ストアを提供する。
// 重複コンフリクトの解決とストレージ容量回復を含む。
// 単一の所有プロセスからの利用を前提とし、プロセス間の同時変更は想定しない。
package jobs

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/hitoshi/socialarch/internal/model"
	"github.com/hitoshi/socialarch/internal/storage"
)

const (
	// jobKeyPrefix はジョブレコードのストレージキーのプレフィックス。
	jobKeyPrefix = "pending-job-"
	// indexKey はジョブID順序配列のストレージキー。
	indexKey = "pending-jobs-index"
	// terminalRetention は終端状態ジョブの保持期間。
	terminalRetention = 24 * time.Hour
	// evictionBudget は容量回復の第2段階で追い出すジョブ数の上限。
	evictionBudget = 20
)

// Filter はList操作の絞り込み条件を表す。nilのフィールドは条件なし。
type Filter struct {
	Status   *model.JobStatus
	Platform *model.Platform
}

// Patch はUpdate操作の部分更新を表す。nilのフィールドは更新対象外。
// IDとTimestampは更新できない。
type Patch struct {
	Status     *model.JobStatus
	RetryCount *int
	Metadata   map[string]string
}

// Store は永続化ジョブストア。
// インメモリキャッシュが現在ビューを所有し、全変更操作の後に
// ローカルストレージへlast-write-winsでミラーする。
type Store struct {
	mu              sync.Mutex
	store           storage.Store
	logger          *slog.Logger
	maxAge          time.Duration
	now             func() time.Time
	onQuotaRecovery func()

	jobs  map[string]*model.PendingJob
	order []string // 作成順のID配列（pending-jobs-indexのミラー）
}

// Option はStoreの生成オプション。
type Option func(*Store)

// WithNow はテスト用に現在時刻の取得関数を差し替える。
func WithNow(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithQuotaRecoveryHook は容量回復処理の開始時に呼ばれるフックを設定する。
// メトリクス記録に使用する。
func WithQuotaRecoveryHook(hook func()) Option {
	return func(s *Store) { s.onQuotaRecovery = hook }
}

// NewStore はジョブストアを生成し、永続化済みレコードを読み込む。
// 読み込み時に全レコードをスキーマ移行・再検証し、パース不能なレコードは
// ストレージエントリごと削除する。重複はaddと同じ優先度ルールで解決し、
// 敗者をストレージから削除する。これによりクラッシュ後も§の不変条件が保たれる。
func NewStore(st storage.Store, logger *slog.Logger, maxAge time.Duration, opts ...Option) (*Store, error) {
	if maxAge <= 0 {
		maxAge = 7 * 24 * time.Hour
	}
	s := &Store{
		store:  st,
		logger: logger,
		maxAge: maxAge,
		now:    time.Now,
		jobs:   make(map[string]*model.PendingJob),
	}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

// load は永続化済みレコードを読み込み、検証と重複解決を行う。
func (s *Store) load() error {
	ids, err := s.loadIndex()
	if err != nil {
		return err
	}

	dropped := 0
	byKey := make(map[string]*model.PendingJob)
	for _, id := range ids {
		job, ok := s.loadJob(id)
		if !ok {
			dropped++
			continue
		}

		// 重複解決: 同一の正規化(url, platform)キーのアクティブジョブは1件のみ残す
		if job.Status.IsTerminal() {
			s.keepLoaded(job)
			continue
		}
		key := job.DedupKey()
		existing := byKey[key]
		if existing == nil {
			byKey[key] = job
			s.keepLoaded(job)
			continue
		}
		if statusPriority(job.Status) > statusPriority(existing.Status) {
			// 読み込み済みの既存ジョブを敗者として削除
			s.dropJob(existing.ID)
			byKey[key] = job
			s.keepLoaded(job)
		} else {
			// 同順位は既存が勝つ
			s.deleteRecord(job.ID)
			dropped++
		}
	}

	if err := s.persistIndex(); err != nil {
		return fmt.Errorf("ジョブインデックスの再構築に失敗: %w", err)
	}

	s.logger.Info("ジョブストアを読み込みました",
		slog.Int("loaded", len(s.jobs)),
		slog.Int("dropped", dropped),
	)
	return nil
}

// loadIndex はインデックスを読み込む。破損している場合はキー走査で再構築する。
func (s *Store) loadIndex() ([]string, error) {
	data, ok, err := s.store.Get(indexKey)
	if err != nil {
		return nil, fmt.Errorf("ジョブインデックスの読み込みに失敗: %w", err)
	}
	if ok {
		var ids []string
		if err := json.Unmarshal(data, &ids); err == nil {
			return ids, nil
		}
		s.logger.Warn("ジョブインデックスが破損しているためキー走査で再構築します")
	}

	keys, err := s.store.Keys(jobKeyPrefix)
	if err != nil {
		return nil, fmt.Errorf("ジョブキーの走査に失敗: %w", err)
	}
	ids := make([]string, 0, len(keys))
	for _, k := range keys {
		ids = append(ids, k[len(jobKeyPrefix):])
	}
	return ids, nil
}

// loadJob はジョブレコードを1件読み込み、サニタイズと再検証を行う。
// パース不能または検証不能なレコードはストレージから削除してfalseを返す。
func (s *Store) loadJob(id string) (*model.PendingJob, bool) {
	data, ok, err := s.store.Get(jobKeyPrefix + id)
	if err != nil || !ok {
		return nil, false
	}

	var job model.PendingJob
	if err := json.Unmarshal(data, &job); err != nil {
		s.logger.Warn("ジョブレコードが破損しているため削除します",
			slog.String("job_id", id),
			slog.String("error", err.Error()),
		)
		s.deleteRecord(id)
		return nil, false
	}

	sanitizeJob(&job)
	if err := validateJob(&job); err != nil {
		s.logger.Warn("ジョブレコードの検証に失敗したため削除します",
			slog.String("job_id", id),
			slog.String("error", err.Error()),
		)
		s.deleteRecord(id)
		return nil, false
	}
	return &job, true
}

// keepLoaded は読み込み済みジョブをインメモリキャッシュに追加する。
func (s *Store) keepLoaded(job *model.PendingJob) {
	if _, exists := s.jobs[job.ID]; exists {
		return
	}
	s.jobs[job.ID] = job
	s.order = append(s.order, job.ID)
}

// sanitizeJob は欠落した任意フィールドにデフォルトを補う。
func sanitizeJob(job *model.PendingJob) {
	if job.SchemaVersion == 0 {
		job.SchemaVersion = model.JobSchemaVersion
	}
	if job.Timestamp.IsZero() {
		job.Timestamp = time.Now()
	}
	if job.RetryCount < 0 {
		job.RetryCount = 0
	}
	if job.Metadata == nil {
		job.Metadata = make(map[string]string)
	}
}

// validateJob はジョブの必須フィールドと値域を検証する。
func validateJob(job *model.PendingJob) error {
	if job.ID == "" {
		return model.NewValidationError("ジョブIDが未設定です")
	}
	if job.URL == "" {
		return model.NewValidationError("URLが未設定です")
	}
	if !model.ValidPlatform(job.Platform) {
		return model.NewValidationError(fmt.Sprintf("未サポートのプラットフォームです: %s", job.Platform))
	}
	if !model.ValidJobStatus(job.Status) {
		return model.NewValidationError(fmt.Sprintf("不正なジョブ状態です: %s", job.Status))
	}
	if job.RetryCount < 0 || job.RetryCount > model.MaxJobRetry {
		return model.NewValidationError(fmt.Sprintf("リトライ回数が範囲外です: %d", job.RetryCount))
	}
	return nil
}

// statusPriority は重複コンフリクト解決の状態優先度を返す。
// processing(3) > pending(2) > 終端(0)。
func statusPriority(status model.JobStatus) int {
	switch status {
	case model.JobStatusProcessing:
		return 3
	case model.JobStatusPending:
		return 2
	default:
		return 0
	}
}

// Add はジョブを検証・重複解決のうえ永続化する。
// 同一の正規化(url, platform)キーのアクティブジョブが既に存在する場合:
//   - 既存の優先度が上または同等 → DuplicateActiveJobErrorで失敗
//     （同順位で既存が勝つのは冪等性バイアス: 再トリガされた重複に
//     キュー済みの作業を追い出させない）
//   - 新規の優先度が上 → 既存を削除して新規を登録
//
// 永続化が容量不足で失敗した場合は二段階の回復処理を行い、
// それでも失敗した場合のみStorageQuotaErrorを返す。
func (s *Store) Add(job *model.PendingJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j := job.Clone()
	sanitizeJob(j)
	if j.Timestamp.IsZero() {
		j.Timestamp = s.now()
	}
	if err := validateJob(j); err != nil {
		return err
	}

	key := j.DedupKey()
	for _, id := range s.order {
		existing := s.jobs[id]
		if existing == nil || existing.Status.IsTerminal() {
			continue
		}
		if existing.DedupKey() != key {
			continue
		}
		if statusPriority(j.Status) > statusPriority(existing.Status) {
			// 新規が既存を上回る: 既存を追い出して新規を登録する
			s.dropJob(existing.ID)
			break
		}
		return model.NewDuplicateActiveJobError(j.URL, j.Platform)
	}

	s.jobs[j.ID] = j
	s.order = append(s.order, j.ID)

	if err := s.persistJob(j); err != nil {
		s.dropJobMemoryOnly(j.ID)
		return err
	}
	if err := s.persistIndex(); err != nil {
		return err
	}
	return nil
}

// Get は指定IDのジョブを返す。見つからない場合はJobNotFoundError。
func (s *Store) Get(id string) (*model.PendingJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, model.NewJobNotFoundError(id)
	}
	return job.Clone(), nil
}

// List はフィルタに一致するジョブを作成順で返す。filterがnilの場合は全件。
func (s *Store) List(filter *Filter) []*model.PendingJob {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := make([]*model.PendingJob, 0, len(s.order))
	for _, id := range s.order {
		job := s.jobs[id]
		if job == nil {
			continue
		}
		if filter != nil {
			if filter.Status != nil && job.Status != *filter.Status {
				continue
			}
			if filter.Platform != nil && job.Platform != *filter.Platform {
				continue
			}
		}
		result = append(result, job.Clone())
	}
	return result
}

// Update はジョブを部分更新し、再検証のうえ永続化する。
// IDとTimestampは保持される。
func (s *Store) Update(id string, patch Patch) (*model.PendingJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.jobs[id]
	if !ok {
		return nil, model.NewJobNotFoundError(id)
	}

	updated := existing.Clone()
	if patch.Status != nil {
		updated.Status = *patch.Status
	}
	if patch.RetryCount != nil {
		updated.RetryCount = *patch.RetryCount
	}
	for k, v := range patch.Metadata {
		if updated.Metadata == nil {
			updated.Metadata = make(map[string]string)
		}
		updated.Metadata[k] = v
	}
	// IDとTimestampは更新不可
	updated.ID = existing.ID
	updated.Timestamp = existing.Timestamp

	if err := validateJob(updated); err != nil {
		return nil, err
	}

	s.jobs[id] = updated
	if err := s.persistJob(updated); err != nil {
		s.jobs[id] = existing
		return nil, err
	}
	return updated.Clone(), nil
}

// Remove は指定IDのジョブを削除する。
func (s *Store) Remove(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[id]; !ok {
		return model.NewJobNotFoundError(id)
	}
	s.dropJob(id)
	return s.persistIndex()
}

// ClearOldJobs はmaxAgeを超過したジョブと、終端状態になってから
// 1日を超過したジョブを削除し、削除件数を返す。
// 決定性のため最も古いジョブから順に処理する。
func (s *Store) ClearOldJobs() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clearOldLocked()
}

// clearOldLocked はClearOldJobsの本体。呼び出し元がロックを保持していること。
func (s *Store) clearOldLocked() (int, error) {
	now := s.now()
	candidates := append([]string(nil), s.order...)
	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := s.jobs[candidates[i]], s.jobs[candidates[j]]
		if a == nil || b == nil {
			return a != nil
		}
		return a.Timestamp.Before(b.Timestamp)
	})

	removed := 0
	for _, id := range candidates {
		job := s.jobs[id]
		if job == nil {
			continue
		}
		tooOld := now.Sub(job.Timestamp) > s.maxAge
		staleTerminal := job.Status.IsTerminal() && now.Sub(job.Timestamp) > terminalRetention
		if tooOld || staleTerminal {
			s.dropJob(id)
			removed++
		}
	}

	if removed > 0 {
		if err := s.persistIndex(); err != nil {
			return removed, err
		}
		s.logger.Info("古いジョブを削除しました", slog.Int("removed", removed))
	}
	return removed, nil
}

// persistJob はジョブレコードを永続化する。
// 容量不足の場合は二段階の回復処理を行う:
//  1. ClearOldJobs（maxAge超過と終端1日超過の削除）を実行して再試行
//  2. それでも失敗する場合、最も古いジョブ（終端を優先、次いで任意）を
//     evictionBudget件まで追い出して最後にもう1回だけ再試行
//
// 両段階とも失敗した場合はStorageQuotaErrorを呼び出し元へ返す。
func (s *Store) persistJob(job *model.PendingJob) error {
	err := s.writeJob(job)
	if err == nil {
		return nil
	}
	if !errors.Is(err, storage.ErrQuotaExceeded) {
		return err
	}

	s.logger.Warn("ストレージ容量不足を検出しました。回復処理を開始します",
		slog.String("job_id", job.ID),
	)
	if s.onQuotaRecovery != nil {
		s.onQuotaRecovery()
	}

	// 第1段階: 通常の期限切れ削除
	if _, clearErr := s.clearOldLocked(); clearErr != nil {
		s.logger.Error("容量回復の第1段階に失敗しました", slog.String("error", clearErr.Error()))
	}
	err = s.writeJob(job)
	if err == nil {
		return nil
	}
	if !errors.Is(err, storage.ErrQuotaExceeded) {
		return err
	}

	// 第2段階: 最古のジョブからの積極的な追い出し（終端優先）
	s.evictOldest(job.ID, evictionBudget)
	err = s.writeJob(job)
	if err == nil {
		return nil
	}
	if errors.Is(err, storage.ErrQuotaExceeded) {
		return model.NewStorageQuotaError(err)
	}
	return err
}

// evictOldest は最も古いジョブをbudget件まで追い出す。
// 終端状態のジョブを先に、足りなければ任意のジョブを対象とする。
// excludeIDは追い出し対象から除外する（登録中の本人）。
func (s *Store) evictOldest(excludeID string, budget int) {
	type cand struct {
		id       string
		terminal bool
		ts       time.Time
	}
	cands := make([]cand, 0, len(s.order))
	for _, id := range s.order {
		job := s.jobs[id]
		if job == nil || id == excludeID {
			continue
		}
		cands = append(cands, cand{id: id, terminal: job.Status.IsTerminal(), ts: job.Timestamp})
	}
	sort.SliceStable(cands, func(i, j int) bool {
		if cands[i].terminal != cands[j].terminal {
			return cands[i].terminal
		}
		return cands[i].ts.Before(cands[j].ts)
	})

	evicted := 0
	for _, c := range cands {
		if evicted >= budget {
			break
		}
		s.dropJob(c.id)
		evicted++
	}
	if evicted > 0 {
		if err := s.persistIndex(); err != nil {
			s.logger.Error("追い出し後のインデックス永続化に失敗しました", slog.String("error", err.Error()))
		}
		s.logger.Warn("容量回復のためジョブを追い出しました", slog.Int("evicted", evicted))
	}
}

// writeJob はジョブレコードをストレージに書き込む。
func (s *Store) writeJob(job *model.PendingJob) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("ジョブのシリアライズに失敗: %w", err)
	}
	return s.store.Set(jobKeyPrefix+job.ID, data)
}

// persistIndex はID順序配列をストレージに書き込む。
func (s *Store) persistIndex() error {
	data, err := json.Marshal(s.order)
	if err != nil {
		return fmt.Errorf("ジョブインデックスのシリアライズに失敗: %w", err)
	}
	if err := s.store.Set(indexKey, data); err != nil {
		return fmt.Errorf("ジョブインデックスの永続化に失敗: %w", err)
	}
	return nil
}

// dropJob はジョブをキャッシュとストレージの両方から削除する。
func (s *Store) dropJob(id string) {
	s.dropJobMemoryOnly(id)
	s.deleteRecord(id)
}

// dropJobMemoryOnly はジョブをインメモリキャッシュからのみ削除する。
func (s *Store) dropJobMemoryOnly(id string) {
	delete(s.jobs, id)
	for i, oid := range s.order {
		if oid == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
}

// deleteRecord はストレージ上のジョブレコードを削除する。
func (s *Store) deleteRecord(id string) {
	if err := s.store.Delete(jobKeyPrefix + id); err != nil {
		s.logger.Error("ジョブレコードの削除に失敗しました",
			slog.String("job_id", id),
			slog.String("error", err.Error()),
		)
	}
}
