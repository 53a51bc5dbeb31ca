package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/elliotchance/orderedmap/v2"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"k8s.io/utils/clock"

	"titan/pkg/model"
	"titan/pkg/store"
)

// Config registry 的调优参数，零值会被 DefaultConfig 中的值替换
type Config struct {
	Strategy            model.LoadBalancingStrategy
	HealthCheckInterval time.Duration
	HealthCheckTimeout  time.Duration
	OverloadThreshold   float64
	PersistQueueSize    int
	PersistTimeout      time.Duration
}

func DefaultConfig() Config {
	return Config{
		Strategy:            model.LoadBalancingStrategy{Type: model.StrategyResourceAware},
		HealthCheckInterval: 30 * time.Second,
		HealthCheckTimeout:  60 * time.Second,
		OverloadThreshold:   0.9,
		PersistQueueSize:    1024,
		PersistTimeout:      5 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Strategy.Type == "" {
		c.Strategy = d.Strategy
	}
	if c.HealthCheckInterval <= 0 {
		c.HealthCheckInterval = d.HealthCheckInterval
	}
	if c.HealthCheckTimeout <= 0 {
		c.HealthCheckTimeout = d.HealthCheckTimeout
	}
	if c.OverloadThreshold <= 0 {
		c.OverloadThreshold = d.OverloadThreshold
	}
	if c.PersistQueueSize <= 0 {
		c.PersistQueueSize = d.PersistQueueSize
	}
	if c.PersistTimeout <= 0 {
		c.PersistTimeout = d.PersistTimeout
	}
	return c
}

type Option func(*Registry)

func WithClock(c clock.WithTicker) Option {
	return func(r *Registry) { r.clock = c }
}

func WithMetricsSink(sink MetricsSink) Option {
	return func(r *Registry) { r.metrics = sink }
}

func WithObserver(o Observer) Option {
	return func(r *Registry) { r.observers = append(r.observers, o) }
}

// Registry 核心容器池结构体：已知容器 + job -> container 索引
// 启动时创建一个实例，所有调用方共用
type Registry struct {
	mu          sync.RWMutex
	containers  *orderedmap.OrderedMap[string, *model.Container]
	assignments map[string]string // job id -> container id
	selector    *selector
	strategy    model.LoadBalancingStrategy

	obsMu     sync.RWMutex
	observers []Observer

	cfg       Config
	store     store.Store
	persister *persister
	metrics   MetricsSink
	clock     clock.WithTicker
	logger    *log.Entry
}

// NewRegistry 构造函数 (s 可以为 nil，此时不做持久化)
func NewRegistry(s store.Store, cfg Config, opts ...Option) *Registry {
	cfg = cfg.withDefaults()
	r := &Registry{
		containers:  orderedmap.NewOrderedMap[string, *model.Container](),
		assignments: make(map[string]string),
		selector:    newSelector(),
		strategy:    cfg.Strategy,
		cfg:         cfg,
		store:       s,
		persister:   newPersister(cfg.PersistQueueSize, cfg.PersistTimeout),
		metrics:     nopSink{},
		clock:       clock.RealClock{},
		logger:      log.WithField("component", "registry"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Load 从 Etcd 恢复仍处于活跃状态的容器
func (r *Registry) Load(ctx context.Context) error {
	if r.store == nil {
		return nil
	}
	containers, err := r.store.LoadActiveContainers(ctx)
	if err != nil {
		return errors.Wrap(err, "loading active containers")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range containers {
		r.containers.Set(c.ID, c)
		if c.AssignedJob != "" {
			r.assignments[c.AssignedJob] = c.ID
		}
	}
	r.logger.Infof("loaded %d containers from store", len(containers))
	return nil
}

// Run 启动持久化队列和健康巡检 (后台常驻，直到 ctx 结束)
func (r *Registry) Run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		r.persister.run(ctx)
	}()
	go func() {
		defer wg.Done()
		r.runHealthMonitor(ctx)
	}()
	r.logger.Info("[Registry] Started")
	wg.Wait()
	r.logger.Info("[Registry] Stopped")
}

// Subscribe 注册一个事件观察者
func (r *Registry) Subscribe(o Observer) {
	r.obsMu.Lock()
	defer r.obsMu.Unlock()
	r.observers = append(r.observers, o)
}

func (r *Registry) SetStrategy(s model.LoadBalancingStrategy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.strategy = s
	r.logger.WithField("strategy", s.Type).Info("load balancing strategy changed")
}

func (r *Registry) Strategy() model.LoadBalancingStrategy {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.strategy
}

// ---------------------------------------------------------
// 生命周期
// ---------------------------------------------------------

// RegisterContainer 插入或替换容器 (不做校验)
func (r *Registry) RegisterContainer(c *model.Container) {
	c = c.DeepCopy()

	r.mu.Lock()
	if old, ok := r.containers.Get(c.ID); ok && old.AssignedJob != "" && old.AssignedJob != c.AssignedJob {
		delete(r.assignments, old.AssignedJob)
	}
	r.containers.Set(c.ID, c)
	if c.AssignedJob != "" {
		r.assignments[c.AssignedJob] = c.ID
	}
	snap := c.DeepCopy()
	r.saveContainer(snap)
	r.mu.Unlock()

	r.logger.WithField("container-id", c.ID).Infof("registered container %s (%s)", c.Name, c.Image)
	r.emit(Event{Type: EventRegistered, Container: snap})
}

// UnregisterContainer 移除容器，上面的任务直接丢弃，不会重新排队
func (r *Registry) UnregisterContainer(id string) {
	r.mu.Lock()
	c, ok := r.containers.Get(id)
	if !ok {
		r.mu.Unlock()
		r.logger.WithField("container-id", id).Warn("unregister: unknown container")
		return
	}
	if c.AssignedJob != "" {
		delete(r.assignments, c.AssignedJob)
	}
	delete(r.selector.history, id)
	r.containers.Delete(id)
	snap := c.DeepCopy()
	snap.Status = model.ContainerTerminating
	if r.store != nil {
		r.persister.enqueue("delete container "+id, func(ctx context.Context) error {
			return r.store.DeleteContainer(ctx, id)
		})
	}
	r.mu.Unlock()

	logger := r.logger.WithField("container-id", id)
	if snap.AssignedJob != "" {
		logger = logger.WithField("job-id", snap.AssignedJob)
	}
	logger.Info("unregistered container")
	r.emit(Event{Type: EventUnregistered, Container: snap, JobID: snap.AssignedJob})
}

// ---------------------------------------------------------
// 分配
// ---------------------------------------------------------

// AssignContainer 执行单次调度逻辑：Filter -> Score -> Bind
// 返回被选中容器的快照，没有可用容器时返回 nil
func (r *Registry) AssignContainer(req *model.AssignmentRequest) *model.Container {
	logger := r.logger.WithField("job-id", req.JobID)

	r.mu.Lock()
	if id, ok := r.assignments[req.JobID]; ok {
		holder, _ := r.containers.Get(id)
		snap := holder.DeepCopy()
		r.mu.Unlock()
		logger.WithField("container-id", id).Warn("job already assigned")
		return snap
	}

	candidates := filterContainers(req, r.listLocked())
	if len(candidates) == 0 {
		r.mu.Unlock()
		logger.Info("[Failed] no eligible containers")
		r.fail(req, ReasonNoContainers)
		return nil
	}

	now := r.clock.Now()
	strategy := r.strategy.Type
	chosen := r.selector.pick(strategy, req, candidates, now)
	if chosen == nil {
		r.mu.Unlock()
		logger.Error("[Failed] selection returned no container")
		r.fail(req, ReasonSelectionFailed)
		return nil
	}

	chosen.Status = model.ContainerAssigned
	chosen.AssignedJob = req.JobID
	r.assignments[req.JobID] = chosen.ID
	r.selector.history[chosen.ID] = now
	snap := chosen.DeepCopy()
	if r.store != nil {
		jobID, containerID := req.JobID, snap.ID
		r.persister.enqueue("assignment "+jobID, func(ctx context.Context) error {
			return r.store.CreateAssignmentRecord(ctx, jobID, containerID, now)
		})
	}
	r.saveContainer(snap)
	r.mu.Unlock()

	logger.WithFields(log.Fields{
		"container-id": snap.ID,
		"strategy":     strategy,
	}).Infof("[Success] assigned job to container (%d candidates)", len(candidates))
	r.metrics.Record(MetricsEvent{
		Event:       MetricAssignmentCreated,
		JobID:       req.JobID,
		ContainerID: snap.ID,
		Strategy:    strategy,
	})
	r.emit(Event{Type: EventAssigned, Container: snap, JobID: req.JobID})
	return snap
}

// ReleaseContainer 任务结束后把容器还回 READY 池
func (r *Registry) ReleaseContainer(jobID string) {
	logger := r.logger.WithField("job-id", jobID)

	r.mu.Lock()
	id, ok := r.assignments[jobID]
	if !ok {
		r.mu.Unlock()
		logger.Warn("release: no assignment for job")
		return
	}
	delete(r.assignments, jobID)
	c, ok := r.containers.Get(id)
	if !ok {
		r.mu.Unlock()
		logger.WithField("container-id", id).Warn("release: container vanished")
		return
	}
	c.Status = model.ContainerReady
	c.AssignedJob = ""
	snap := c.DeepCopy()
	now := r.clock.Now()
	if r.store != nil {
		r.persister.enqueue("complete assignment "+jobID, func(ctx context.Context) error {
			return r.store.CompleteAssignmentRecord(ctx, jobID, now)
		})
	}
	r.saveContainer(snap)
	r.mu.Unlock()

	logger.WithField("container-id", id).Info("released container")
	r.metrics.Record(MetricsEvent{Event: MetricAssignmentReleased, JobID: jobID, ContainerID: id})
	r.emit(Event{Type: EventReleased, Container: snap, JobID: jobID})
}

// MarkBusy 任务真正跑起来后 ASSIGNED -> BUSY
func (r *Registry) MarkBusy(jobID string) bool {
	r.mu.Lock()
	id, ok := r.assignments[jobID]
	if !ok {
		r.mu.Unlock()
		r.logger.WithField("job-id", jobID).Warn("mark busy: no assignment for job")
		return false
	}
	c, ok := r.containers.Get(id)
	if !ok || c.Status != model.ContainerAssigned {
		r.mu.Unlock()
		return false
	}
	c.Status = model.ContainerBusy
	r.saveContainer(c)
	r.mu.Unlock()
	return true
}

// ---------------------------------------------------------
// 健康状态与资源使用率
// ---------------------------------------------------------

func (r *Registry) UpdateContainerHealth(id string, health model.HealthStatus) {
	logger := r.logger.WithField("container-id", id)
	now := r.clock.Now()
	if health.LastCheck.IsZero() {
		health.LastCheck = now
	}

	r.mu.Lock()
	c, ok := r.containers.Get(id)
	if !ok {
		r.mu.Unlock()
		logger.Warn("health update: unknown container")
		return
	}
	c.HealthStatus = health
	c.LastHealthCheck = now

	var event EventType
	switch {
	case !health.Healthy && c.Status == model.ContainerReady:
		c.Status = model.ContainerUnhealthy
		event = EventUnhealthy
	case health.Healthy && c.Status == model.ContainerUnhealthy:
		c.Status = model.ContainerReady
		event = EventRecovered
	}
	snap := c.DeepCopy()
	r.saveContainer(snap)
	r.mu.Unlock()

	switch event {
	case EventUnhealthy:
		logger.Warnf("container became unhealthy: %s", health.Message)
		r.metrics.Record(MetricsEvent{Event: MetricContainerUnhealthy, ContainerID: id, Reason: health.Message})
		r.emit(Event{Type: EventUnhealthy, Container: snap})
	case EventRecovered:
		logger.Info("container recovered")
		r.metrics.Record(MetricsEvent{Event: MetricContainerRecovered, ContainerID: id})
		r.emit(Event{Type: EventRecovered, Container: snap})
	}
}

// UpdateContainerUtilization 记录一次采样
// 超过过载阈值只发事件，不改状态
func (r *Registry) UpdateContainerUtilization(id string, util model.Utilization) {
	r.mu.Lock()
	c, ok := r.containers.Get(id)
	if !ok {
		r.mu.Unlock()
		r.logger.WithField("container-id", id).Warn("utilization update: unknown container")
		return
	}
	c.Utilization = util
	snap := c.DeepCopy()
	r.mu.Unlock()

	if util.CPU > r.cfg.OverloadThreshold || util.Memory > r.cfg.OverloadThreshold {
		r.logger.WithField("container-id", id).Warnf("container overloaded (cpu %.2f, memory %.2f)", util.CPU, util.Memory)
		r.metrics.Record(MetricsEvent{Event: MetricContainerOverload, ContainerID: id})
		r.emit(Event{Type: EventOverloaded, Container: snap})
	}
}

// ---------------------------------------------------------
// 查询
// ---------------------------------------------------------

func (r *Registry) GetContainer(id string) (*model.Container, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.containers.Get(id)
	return c.DeepCopy(), ok
}

// ContainerForJob 查询当前持有 jobID 的容器
func (r *Registry) ContainerForJob(jobID string) (*model.Container, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.assignments[jobID]
	if !ok {
		return nil, false
	}
	c, ok := r.containers.Get(id)
	return c.DeepCopy(), ok
}

// ListContainers 按注册顺序返回快照
func (r *Registry) ListContainers() []*model.Container {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*model.Container, 0, r.containers.Len())
	for el := r.containers.Front(); el != nil; el = el.Next() {
		out = append(out, el.Value.DeepCopy())
	}
	return out
}

// listLocked 返回内部的容器对象 (调用方需持有 r.mu)
func (r *Registry) listLocked() []*model.Container {
	out := make([]*model.Container, 0, r.containers.Len())
	for el := r.containers.Front(); el != nil; el = el.Next() {
		out = append(out, el.Value)
	}
	return out
}

// ---------------------------------------------------------
// 辅助函数
// ---------------------------------------------------------

func (r *Registry) fail(req *model.AssignmentRequest, reason string) {
	r.metrics.Record(MetricsEvent{
		Event:    MetricAssignmentFailed,
		JobID:    req.JobID,
		Strategy: r.Strategy().Type,
		Reason:   reason,
	})
	r.emit(Event{Type: EventAssignmentFailed, JobID: req.JobID, Reason: reason})
}

// saveContainer 把 c 的副本放入写队列
// 调用方必须持有 r.mu，这样入队顺序和修改顺序一致
func (r *Registry) saveContainer(c *model.Container) {
	if r.store == nil {
		return
	}
	snap := c.DeepCopy()
	r.persister.enqueue("save container "+snap.ID, func(ctx context.Context) error {
		return r.store.SaveContainer(ctx, snap)
	})
}

func (r *Registry) emit(e Event) {
	if e.Time.IsZero() {
		e.Time = r.clock.Now()
	}
	r.obsMu.RLock()
	observers := r.observers
	r.obsMu.RUnlock()
	for _, o := range observers {
		o.OnEvent(e)
	}
}
