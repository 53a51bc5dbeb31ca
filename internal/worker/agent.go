package worker

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"
	"k8s.io/utils/clock"

	"titan/pkg/model"
	"titan/pkg/store"
)

// Prober 为本机的池容器生成上报
type Prober interface {
	Probe(ctx context.Context) []*model.Report
}

type Agent struct {
	ID       string
	reports  store.ReportStore
	prober   Prober
	interval time.Duration
	timeout  time.Duration
	clock    clock.WithTicker
	logger   *log.Entry
}

func NewAgent(id string, reports store.ReportStore, prober Prober, interval, timeout time.Duration, clk clock.WithTicker) *Agent {
	return &Agent{
		ID:       id,
		reports:  reports,
		prober:   prober,
		interval: interval,
		timeout:  timeout,
		clock:    clk,
		logger:   log.WithFields(log.Fields{"component": "worker", "node-id": id}),
	}
}

// Run 启动上报主循环 (后台常驻 Goroutine)，每个 interval 采集并上报一次
func (a *Agent) Run(ctx context.Context) {
	ticker := a.clock.NewTicker(a.interval)
	defer ticker.Stop()

	a.logger.Infof("[Worker] Reporting pool containers every %s", a.interval)
	a.report(ctx)
	for {
		select {
		case <-ticker.C():
			a.report(ctx)
		case <-ctx.Done():
			a.logger.Info("[Worker] Stopped.")
			return
		}
	}
}

// report 执行一轮上报，返回成功写入的条数
func (a *Agent) report(ctx context.Context) int {
	published := 0
	for _, r := range a.prober.Probe(ctx) {
		pubCtx, cancel := context.WithTimeout(ctx, a.timeout)
		err := a.reports.PublishReport(pubCtx, r)
		cancel()
		if err != nil {
			a.logger.WithError(err).WithField("container-id", r.ContainerID).Warn("failed to publish report")
			continue
		}
		published++
	}
	a.logger.Debugf("published %d reports", published)
	return published
}
