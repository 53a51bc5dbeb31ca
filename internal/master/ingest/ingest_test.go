package ingest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"titan/internal/master/scheduler"
	"titan/pkg/model"
	"titan/pkg/store"
)

type chanReports struct {
	ch chan store.ReportEvent
}

func (c *chanReports) PublishReport(_ context.Context, r *model.Report) error {
	c.ch <- store.ReportEvent{Report: r}
	return nil
}

func (c *chanReports) WatchReports(context.Context) <-chan store.ReportEvent {
	return c.ch
}

func newPool(t *testing.T) *scheduler.Registry {
	t.Helper()
	r := scheduler.NewRegistry(nil, scheduler.Config{})
	r.RegisterContainer(&model.Container{
		ID:              "c1",
		Status:          model.ContainerReady,
		HealthStatus:    model.HealthStatus{Healthy: true},
		Resources:       model.Resources{CPU: 2, Memory: "4Gi"},
		LastHealthCheck: time.Now(),
	})
	return r
}

func TestApplyLifecycle(t *testing.T) {
	pool := newPool(t)
	ing := NewIngester(&chanReports{}, pool)
	require.NotNil(t, pool.AssignContainer(&model.AssignmentRequest{JobID: "job-1"}))

	ing.Apply(&model.Report{
		ContainerID: "c1",
		Health:      model.HealthStatus{Healthy: true},
		Utilization: model.Utilization{CPU: 0.4},
		JobID:       "job-1",
		JobState:    model.JobRunning,
	})
	c, _ := pool.GetContainer("c1")
	assert.Equal(t, model.ContainerBusy, c.Status)
	assert.Equal(t, 0.4, c.Utilization.CPU)

	ing.Apply(&model.Report{
		ContainerID: "c1",
		Health:      model.HealthStatus{Healthy: true},
		JobID:       "job-1",
		JobState:    model.JobFinished,
	})
	c, _ = pool.GetContainer("c1")
	assert.Equal(t, model.ContainerReady, c.Status)
	assert.Empty(t, c.AssignedJob)
}

func TestApplyIgnoresForeignJob(t *testing.T) {
	pool := newPool(t)
	ing := NewIngester(&chanReports{}, pool)

	ing.Apply(&model.Report{
		ContainerID: "c1",
		Health:      model.HealthStatus{Healthy: true},
		JobID:       "job-elsewhere",
		JobState:    model.JobFinished,
	})
	c, _ := pool.GetContainer("c1")
	assert.Equal(t, model.ContainerReady, c.Status)

	assert.NotPanics(t, func() { ing.Apply(nil) })
	assert.NotPanics(t, func() { ing.Apply(&model.Report{}) })
}

func TestRunMarksUnhealthy(t *testing.T) {
	pool := newPool(t)
	reports := &chanReports{ch: make(chan store.ReportEvent, 1)}
	ing := NewIngester(reports, pool)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		ing.Run(ctx)
	}()

	require.NoError(t, reports.PublishReport(ctx, &model.Report{
		ContainerID: "c1",
		Health:      model.HealthStatus{Healthy: false, Message: "disk full"},
	}))
	require.Eventually(t, func() bool {
		c, _ := pool.GetContainer("c1")
		return c.Status == model.ContainerUnhealthy
	}, time.Second, 5*time.Millisecond)

	cancel()
	<-done
}

func TestApplyFinishedJobOnStoppedContainer(t *testing.T) {
	pool := newPool(t)
	ing := NewIngester(&chanReports{}, pool)
	require.NotNil(t, pool.AssignContainer(&model.AssignmentRequest{JobID: "job-1"}))

	// 任务进程已退出，容器的连通性检查也失败
	ing.Apply(&model.Report{
		ContainerID: "c1",
		Health:      model.HealthStatus{Healthy: false, Message: "container not running"},
		JobID:       "job-1",
		JobState:    model.JobFinished,
		JobExitCode: 1,
	})
	c, _ := pool.GetContainer("c1")
	assert.Equal(t, model.ContainerReady, c.Status)
	assert.Empty(t, c.AssignedJob)
	_, held := pool.ContainerForJob("job-1")
	assert.False(t, held)
}
