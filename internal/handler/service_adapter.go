package handler

import (
	"fmt"

	"github.com/hitoshi/socialarch/internal/jobs"
	"github.com/hitoshi/socialarch/internal/model"
)

// JobStoreAdapter はjobs.StoreをJobReaderインターフェースへ適合させる。
// クエリパラメータの文字列をフィルタへ変換し、値域を検証する。
type JobStoreAdapter struct {
	Store *jobs.Store
}

// ListJobs はフィルタ文字列を検証してジョブ一覧を返す。
func (a *JobStoreAdapter) ListJobs(status string, platform string) ([]*model.PendingJob, error) {
	filter := &jobs.Filter{}
	if status != "" {
		st := model.JobStatus(status)
		if !model.ValidJobStatus(st) {
			return nil, model.NewValidationError(fmt.Sprintf("不正なジョブ状態です: %s", status))
		}
		filter.Status = &st
	}
	if platform != "" {
		p := model.Platform(platform)
		if !model.ValidPlatform(p) {
			return nil, model.NewValidationError(fmt.Sprintf("未サポートのプラットフォームです: %s", platform))
		}
		filter.Platform = &p
	}
	return a.Store.List(filter), nil
}
