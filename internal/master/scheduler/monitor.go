package scheduler

import (
	"context"

	"titan/pkg/model"
)

const healthTimeoutMessage = "Health check timeout"

// runHealthMonitor 每隔 HealthCheckInterval 巡检一次过期的健康上报
func (r *Registry) runHealthMonitor(ctx context.Context) {
	ticker := r.clock.NewTicker(r.cfg.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C():
			r.checkStaleContainers()
		case <-ctx.Done():
			return
		}
	}
}

// checkStaleContainers 把超过 HealthCheckTimeout 没有上报的 READY 容器标记为 UNHEALTHY
// 正在跑任务的容器不动，等显式的健康上报。返回标记的数量
func (r *Registry) checkStaleContainers() int {
	now := r.clock.Now()

	var marked []*model.Container
	r.mu.Lock()
	for el := r.containers.Front(); el != nil; el = el.Next() {
		c := el.Value
		if c.Status != model.ContainerReady || now.Sub(c.LastHealthCheck) <= r.cfg.HealthCheckTimeout {
			continue
		}
		c.Status = model.ContainerUnhealthy
		c.HealthStatus = model.HealthStatus{
			Healthy:   false,
			LastCheck: now,
			Checks: model.HealthChecks{
				Connectivity: false,
				DiskSpace:    true,
				Memory:       true,
				DockerDaemon: true,
			},
			Message: healthTimeoutMessage,
		}
		snap := c.DeepCopy()
		r.saveContainer(snap)
		marked = append(marked, snap)
	}
	r.mu.Unlock()

	for _, snap := range marked {
		r.logger.WithField("container-id", snap.ID).Warnf("no health report for over %s", r.cfg.HealthCheckTimeout)
		r.metrics.Record(MetricsEvent{Event: MetricContainerUnhealthy, ContainerID: snap.ID, Reason: healthTimeoutMessage})
		r.emit(Event{Type: EventUnhealthy, Container: snap, Reason: healthTimeoutMessage})
	}
	return len(marked)
}
