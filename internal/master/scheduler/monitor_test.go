package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"titan/pkg/model"
)

func TestCheckStaleContainers(t *testing.T) {
	tr := newTestRegistry(t,
		newContainer("ready", 2, "4Gi", 0.1),
		newContainer("assigned", 2, "4Gi", 0.1, "pinned"),
		newContainer("fresh", 2, "4Gi", 0.1),
	)
	tr.AssignContainer(&model.AssignmentRequest{JobID: "job-1", Labels: []string{"pinned"}})

	tr.clock.Step(45 * time.Second)
	tr.UpdateContainerHealth("fresh", model.HealthStatus{Healthy: true})

	// 刚好等于超时时间还不算过期
	tr.clock.Step(15 * time.Second)
	assert.Zero(t, tr.checkStaleContainers())

	tr.clock.Step(time.Second)
	assert.Equal(t, 1, tr.checkStaleContainers())

	c, _ := tr.GetContainer("ready")
	assert.Equal(t, model.ContainerUnhealthy, c.Status)
	assert.Equal(t, model.HealthStatus{
		Healthy:   false,
		LastCheck: tr.clock.Now(),
		Checks: model.HealthChecks{
			Connectivity: false,
			DiskSpace:    true,
			Memory:       true,
			DockerDaemon: true,
		},
		Message: "Health check timeout",
	}, c.HealthStatus)

	c, _ = tr.GetContainer("assigned")
	assert.Equal(t, model.ContainerAssigned, c.Status)
	c, _ = tr.GetContainer("fresh")
	assert.Equal(t, model.ContainerReady, c.Status)

	unhealthy := tr.events.ofType(EventUnhealthy)
	require.Len(t, unhealthy, 1)
	assert.Equal(t, "ready", unhealthy[0].Container.ID)

	// 已经不健康的容器不会重复计数
	tr.clock.Step(time.Minute)
	assert.Equal(t, 1, tr.checkStaleContainers()) // 现在轮到 "fresh" 过期
	assert.Len(t, tr.events.ofType(EventUnhealthy), 2)

	// 收到健康上报后恢复
	tr.UpdateContainerHealth("ready", model.HealthStatus{Healthy: true})
	c, _ = tr.GetContainer("ready")
	assert.Equal(t, model.ContainerReady, c.Status)
}

func TestHealthMonitorLoop(t *testing.T) {
	tr := newTestRegistry(t, newContainer("c1", 2, "4Gi", 0.1))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		tr.runHealthMonitor(ctx)
	}()

	require.Eventually(t, tr.clock.HasWaiters, time.Second, time.Millisecond)
	tr.clock.Step(30 * time.Second)
	assert.Never(t, func() bool { return len(tr.events.ofType(EventUnhealthy)) > 0 }, 50*time.Millisecond, 5*time.Millisecond)

	tr.clock.Step(31 * time.Second)
	require.Eventually(t, func() bool {
		c, _ := tr.GetContainer("c1")
		return c.Status == model.ContainerUnhealthy
	}, time.Second, 5*time.Millisecond)

	cancel()
	<-done
}
