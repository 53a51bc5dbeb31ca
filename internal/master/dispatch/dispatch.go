package dispatch

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"
	"k8s.io/utils/clock"

	"titan/pkg/model"
	"titan/pkg/store"
)

const reasonNoContainer = "no eligible container"

// Pool 调度器依赖的容器池接口 (由 *scheduler.Registry 实现)
type Pool interface {
	AssignContainer(req *model.AssignmentRequest) *model.Container
	RegisterContainer(c *model.Container)
	UnregisterContainer(id string)
}

// Dispatcher 把排队的分配请求和容器注册/注销交给容器池
// 处理结果写回原来的那条记录
type Dispatcher struct {
	requests   store.RequestStore
	provisions store.ProvisionStore
	pool       Pool
	timeout    time.Duration
	clock      clock.PassiveClock
	logger     *log.Entry
}

func NewDispatcher(
	requests store.RequestStore, provisions store.ProvisionStore, pool Pool, timeout time.Duration, clk clock.PassiveClock,
) *Dispatcher {
	return &Dispatcher{
		requests:   requests,
		provisions: provisions,
		pool:       pool,
		timeout:    timeout,
		clock:      clk,
		logger:     log.WithField("component", "dispatch"),
	}
}

// Run 启动调度主循环 (这是后台常驻 Goroutine)
// 两个队列在同一个协程里串行处理：注册完成的容器一定能参与之后处理的请求
func (d *Dispatcher) Run(ctx context.Context) {
	requestCh := d.requests.WatchRequests(ctx)
	provisionCh := d.provisions.WatchProvisions(ctx)
	d.logger.Info("[Dispatcher] Started, watching for requests and provisioning...")

	for requestCh != nil || provisionCh != nil {
		select {
		case ev, ok := <-provisionCh:
			if !ok {
				provisionCh = nil
				continue
			}
			d.Provision(ctx, ev.Record)
		case ev, ok := <-requestCh:
			if !ok {
				requestCh = nil
				continue
			}
			d.Schedule(ctx, ev.Record)
		case <-ctx.Done():
			d.logger.Info("[Dispatcher] Stopped.")
			return
		}
	}
	d.logger.Info("[Dispatcher] Watch streams closed.")
}

// Schedule 处理一条 Pending 请求，并把调度结果持久化
func (d *Dispatcher) Schedule(ctx context.Context, rec *model.RequestRecord) {
	logger := d.logger.WithField("job-id", rec.Request.JobID)

	chosen := d.pool.AssignContainer(&rec.Request)
	now := d.clock.Now()
	rec.DecidedAt = &now
	if chosen == nil {
		rec.State = model.RequestFailed
		rec.Reason = reasonNoContainer
		logger.Infof("[Failed] Job %s pending: %s", rec.Request.JobID, reasonNoContainer)
	} else {
		rec.State = model.RequestAssigned
		rec.ContainerID = chosen.ID
		logger.Infof("[Success] Job %s -> Container %s", rec.Request.JobID, chosen.ID)
	}

	if err := d.write(ctx, func(ctx context.Context) error { return d.requests.UpdateRequest(ctx, rec) }); err != nil {
		logger.WithError(err).Error("failed to record assignment outcome")
	}
}

// Provision 执行一次容器注册或注销
func (d *Dispatcher) Provision(ctx context.Context, rec *model.ProvisionRecord) {
	logger := d.logger.WithFields(log.Fields{"container-id": rec.ContainerID, "op": rec.Op})
	now := d.clock.Now()

	switch rec.Op {
	case model.ProvisionRegister:
		c, reason := prepareContainer(rec, now)
		if c == nil {
			rec.State, rec.Reason = model.ProvisionRejected, reason
			break
		}
		d.pool.RegisterContainer(c)
		rec.State = model.ProvisionApplied
	case model.ProvisionUnregister:
		d.pool.UnregisterContainer(rec.ContainerID)
		rec.State = model.ProvisionApplied
	default:
		rec.State, rec.Reason = model.ProvisionRejected, "unknown op "+string(rec.Op)
	}
	rec.AppliedAt = &now

	if rec.State == model.ProvisionRejected {
		logger.Warnf("rejected provisioning: %s", rec.Reason)
	}
	if err := d.write(ctx, func(ctx context.Context) error { return d.provisions.UpdateProvision(ctx, rec) }); err != nil {
		logger.WithError(err).Error("failed to record provisioning outcome")
	}
}

// prepareContainer 校验注册记录，并补全可以省略的字段
// 状态为空视为 READY；时间戳为空就填当前时间，防止刚注册就被健康巡检判定为过期
func prepareContainer(rec *model.ProvisionRecord, now time.Time) (*model.Container, string) {
	if rec.Container == nil {
		return nil, "register without a container"
	}
	c := rec.Container.DeepCopy()
	switch {
	case c.ID == "":
		c.ID = rec.ContainerID
	case c.ID != rec.ContainerID:
		return nil, "container id " + c.ID + " does not match record " + rec.ContainerID
	}
	if c.Status == "" {
		c.Status = model.ContainerReady
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	if c.LastHealthCheck.IsZero() {
		c.LastHealthCheck = now
	}
	return c, ""
}

func (d *Dispatcher) write(ctx context.Context, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	return fn(ctx)
}
