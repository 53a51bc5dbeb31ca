package ingest

import (
	"context"

	log "github.com/sirupsen/logrus"

	"titan/pkg/model"
	"titan/pkg/store"
)

// Pool Worker 上报会更新的那部分容器池接口
type Pool interface {
	UpdateContainerUtilization(id string, util model.Utilization)
	UpdateContainerHealth(id string, health model.HealthStatus)
	ContainerForJob(jobID string) (*model.Container, bool)
	MarkBusy(jobID string) bool
	ReleaseContainer(jobID string)
}

// Ingester 把 Worker 上报应用到容器池
type Ingester struct {
	reports store.ReportStore
	pool    Pool
	logger  *log.Entry
}

func NewIngester(reports store.ReportStore, pool Pool) *Ingester {
	return &Ingester{
		reports: reports,
		pool:    pool,
		logger:  log.WithField("component", "ingest"),
	}
}

// Run 消费上报流 (后台常驻，直到流关闭或 ctx 结束)
func (i *Ingester) Run(ctx context.Context) {
	events := i.reports.WatchReports(ctx)
	i.logger.Info("[Ingest] Started, watching worker reports...")

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				i.logger.Info("[Ingest] Report stream closed.")
				return
			}
			i.Apply(ev.Report)
		case <-ctx.Done():
			i.logger.Info("[Ingest] Stopped.")
			return
		}
	}
}

// Apply 处理单条上报
func (i *Ingester) Apply(r *model.Report) {
	if r == nil || r.ContainerID == "" {
		return
	}
	i.pool.UpdateContainerUtilization(r.ContainerID, r.Utilization)
	i.pool.UpdateContainerHealth(r.ContainerID, r.Health)

	if r.JobID == "" {
		return
	}
	// 只处理容器池分配到这个容器上的任务
	holder, ok := i.pool.ContainerForJob(r.JobID)
	if !ok || holder.ID != r.ContainerID {
		i.logger.WithFields(log.Fields{
			"job-id":       r.JobID,
			"container-id": r.ContainerID,
		}).Debug("report for job not assigned to this container")
		return
	}
	switch r.JobState {
	case model.JobRunning:
		i.pool.MarkBusy(r.JobID)
	case model.JobFinished:
		i.logger.WithFields(log.Fields{
			"job-id":       r.JobID,
			"container-id": r.ContainerID,
		}).Infof("job finished with exit code %d", r.JobExitCode)
		i.pool.ReleaseContainer(r.JobID)
	}
}
