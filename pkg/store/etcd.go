package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"go.etcd.io/etcd/api/v3/mvccpb"
	clientv3 "go.etcd.io/etcd/client/v3"

	"titan/pkg/model"
)

const (
	ContainerKeyPrefix  = "/titan/containers/"
	AssignmentKeyPrefix = "/titan/assignments/"
	ReportKeyPrefix     = "/titan/reports/"
	RequestKeyPrefix    = "/titan/requests/"
	ProvisionKeyPrefix  = "/titan/provision/"
)

var ErrNotFound = errors.New("not found")

type EtcdManager struct {
	client  *clientv3.Client
	kv      clientv3.KV
	watcher clientv3.Watcher
	logger  *log.Entry
}

var (
	_ Store          = (*EtcdManager)(nil)
	_ ReportStore    = (*EtcdManager)(nil)
	_ RequestStore   = (*EtcdManager)(nil)
	_ ProvisionStore = (*EtcdManager)(nil)
)

// NewEtcdManager 初始化连接
func NewEtcdManager(endpoints []string, dialTimeout time.Duration) (*EtcdManager, error) {
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: dialTimeout,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "connecting to etcd at %v", endpoints)
	}
	m := newEtcdManager(cli, cli)
	m.client = cli
	return m, nil
}

func newEtcdManager(kv clientv3.KV, watcher clientv3.Watcher) *EtcdManager {
	return &EtcdManager{
		kv:      kv,
		watcher: watcher,
		logger:  log.WithField("component", "etcd-store"),
	}
}

func (e *EtcdManager) Close() error {
	if e.client == nil {
		return nil
	}
	return e.client.Close()
}

// ---------------------------------------------------------
// 容器
// ---------------------------------------------------------

func (e *EtcdManager) SaveContainer(ctx context.Context, c *model.Container) error {
	return e.putValue(ctx, ContainerKeyPrefix+c.ID, c)
}

func (e *EtcdManager) DeleteContainer(ctx context.Context, id string) error {
	_, err := e.kv.Delete(ctx, ContainerKeyPrefix+id)
	return errors.Wrapf(err, "deleting container %s", id)
}

// ListContainers 返回所有持久化的容器 (不管状态)
func (e *EtcdManager) ListContainers(ctx context.Context) ([]*model.Container, error) {
	resp, err := e.kv.Get(ctx, ContainerKeyPrefix, clientv3.WithPrefix())
	if err != nil {
		return nil, errors.Wrap(err, "listing containers")
	}

	containers := make([]*model.Container, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var c model.Container
		if err := json.Unmarshal(kv.Value, &c); err != nil {
			e.logger.WithError(err).Warnf("skipping malformed container record %s", kv.Key)
			continue
		}
		containers = append(containers, &c)
	}
	return containers, nil
}

// LoadActiveContainers 去掉正在销毁的容器
func (e *EtcdManager) LoadActiveContainers(ctx context.Context) ([]*model.Container, error) {
	all, err := e.ListContainers(ctx)
	if err != nil {
		return nil, err
	}
	active := all[:0]
	for _, c := range all {
		if c.Status != model.ContainerTerminating {
			active = append(active, c)
		}
	}
	return active, nil
}

// ---------------------------------------------------------
// 分配记录
// ---------------------------------------------------------

func (e *EtcdManager) CreateAssignmentRecord(
	ctx context.Context, jobID, containerID string, at time.Time,
) error {
	rec := &AssignmentRecord{
		ID:          uuid.New().String(),
		JobID:       jobID,
		ContainerID: containerID,
		AssignedAt:  at,
	}
	return e.putValue(ctx, AssignmentKeyPrefix+jobID, rec)
}

func (e *EtcdManager) CompleteAssignmentRecord(ctx context.Context, jobID string, at time.Time) error {
	rec, err := e.GetAssignmentRecord(ctx, jobID)
	if err != nil {
		return err
	}
	rec.CompletedAt = &at
	return e.putValue(ctx, AssignmentKeyPrefix+jobID, rec)
}

func (e *EtcdManager) GetAssignmentRecord(ctx context.Context, jobID string) (*AssignmentRecord, error) {
	var rec AssignmentRecord
	if err := e.getValue(ctx, AssignmentKeyPrefix+jobID, &rec); err != nil {
		return nil, errors.Wrapf(err, "assignment record for job %s", jobID)
	}
	return &rec, nil
}

// ---------------------------------------------------------
// Worker 上报
// ---------------------------------------------------------

func (e *EtcdManager) PublishReport(ctx context.Context, report *model.Report) error {
	return e.putValue(ctx, ReportKeyPrefix+report.ContainerID, report)
}

// WatchReports 监听上报前缀的变化 (Watch 机制)
func (e *EtcdManager) WatchReports(ctx context.Context) <-chan ReportEvent {
	eventChan := make(chan ReportEvent)

	go func() {
		defer close(eventChan)
		watchChan := e.watcher.Watch(ctx, ReportKeyPrefix, clientv3.WithPrefix())

		for watchResp := range watchChan {
			if err := watchResp.Err(); err != nil {
				e.logger.WithError(err).Warn("report watch interrupted")
				continue
			}
			for _, ev := range watchResp.Events {
				report, ok := decodeReport(ev)
				if !ok {
					continue
				}
				select {
				case eventChan <- ReportEvent{Report: report}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return eventChan
}

// decodeReport 忽略删除事件和解析失败的数据
func decodeReport(ev *clientv3.Event) (*model.Report, bool) {
	if ev.Type != clientv3.EventTypePut {
		return nil, false
	}
	var report model.Report
	if err := json.Unmarshal(ev.Kv.Value, &report); err != nil {
		log.WithError(err).Warnf("failed to unmarshal report %s", ev.Kv.Key)
		return nil, false
	}
	return &report, true
}

// ---------------------------------------------------------
// 分配请求
// ---------------------------------------------------------

// SubmitRequest 以 PENDING 状态提交请求 (同一个 job 会覆盖旧记录)
func (e *EtcdManager) SubmitRequest(ctx context.Context, req *model.AssignmentRequest, at time.Time) error {
	rec := &model.RequestRecord{
		Request:     *req,
		State:       model.RequestPending,
		SubmittedAt: at,
	}
	return e.putValue(ctx, RequestKeyPrefix+req.JobID, rec)
}

func (e *EtcdManager) UpdateRequest(ctx context.Context, rec *model.RequestRecord) error {
	return e.putValue(ctx, RequestKeyPrefix+rec.Request.JobID, rec)
}

func (e *EtcdManager) GetRequest(ctx context.Context, jobID string) (*model.RequestRecord, error) {
	var rec model.RequestRecord
	if err := e.getValue(ctx, RequestKeyPrefix+jobID, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (e *EtcdManager) WatchRequests(ctx context.Context) <-chan RequestEvent {
	eventChan := make(chan RequestEvent)

	go func() {
		defer close(eventChan)
		for kv := range e.listAndWatch(ctx, RequestKeyPrefix) {
			rec, ok := decodeRequest(kv)
			if !ok {
				continue
			}
			select {
			case eventChan <- RequestEvent{Record: rec}:
			case <-ctx.Done():
				return
			}
		}
	}()

	return eventChan
}

// decodeRequest 只处理 Pending (待调度) 的请求
// Master 写回的结果落在同一个 key 上，不能被调度第二次
func decodeRequest(kv *mvccpb.KeyValue) (*model.RequestRecord, bool) {
	var rec model.RequestRecord
	if err := json.Unmarshal(kv.Value, &rec); err != nil {
		log.WithError(err).Warnf("failed to unmarshal request %s", kv.Key)
		return nil, false
	}
	if rec.State != model.RequestPending || rec.Request.JobID == "" {
		return nil, false
	}
	return &rec, true
}

// ---------------------------------------------------------
// 容器注册/注销
// ---------------------------------------------------------

// SubmitProvision 以 PENDING 状态写入，key 是容器 ID
func (e *EtcdManager) SubmitProvision(ctx context.Context, rec *model.ProvisionRecord) error {
	rec.State = model.ProvisionPending
	return e.putValue(ctx, ProvisionKeyPrefix+rec.ContainerID, rec)
}

func (e *EtcdManager) UpdateProvision(ctx context.Context, rec *model.ProvisionRecord) error {
	return e.putValue(ctx, ProvisionKeyPrefix+rec.ContainerID, rec)
}

func (e *EtcdManager) WatchProvisions(ctx context.Context) <-chan ProvisionEvent {
	eventChan := make(chan ProvisionEvent)

	go func() {
		defer close(eventChan)
		for kv := range e.listAndWatch(ctx, ProvisionKeyPrefix) {
			rec, ok := decodeProvision(kv)
			if !ok {
				continue
			}
			select {
			case eventChan <- ProvisionEvent{Record: rec}:
			case <-ctx.Done():
				return
			}
		}
	}()

	return eventChan
}

func decodeProvision(kv *mvccpb.KeyValue) (*model.ProvisionRecord, bool) {
	var rec model.ProvisionRecord
	if err := json.Unmarshal(kv.Value, &rec); err != nil {
		log.WithError(err).Warnf("failed to unmarshal provision record %s", kv.Key)
		return nil, false
	}
	if rec.State != model.ProvisionPending || rec.ContainerID == "" {
		return nil, false
	}
	return &rec, true
}

// ---------------------------------------------------------
// 辅助函数
// ---------------------------------------------------------

// listAndWatch 先 Get 出前缀下已有的数据，再 Watch 之后的写入，直到 ctx 结束
// Watch 从 Get 的 revision+1 开始，中间写入的数据不会漏掉
func (e *EtcdManager) listAndWatch(ctx context.Context, prefix string) <-chan *mvccpb.KeyValue {
	out := make(chan *mvccpb.KeyValue)

	go func() {
		defer close(out)
		send := func(kv *mvccpb.KeyValue) bool {
			select {
			case out <- kv:
				return true
			case <-ctx.Done():
				return false
			}
		}

		opts := []clientv3.OpOption{clientv3.WithPrefix()}
		resp, err := e.kv.Get(ctx, prefix, clientv3.WithPrefix())
		if err != nil {
			e.logger.WithError(err).Warnf("failed to list %s, watching new keys only", prefix)
		} else {
			for _, kv := range resp.Kvs {
				if !send(kv) {
					return
				}
			}
			if resp.Header != nil {
				opts = append(opts, clientv3.WithRev(resp.Header.Revision+1))
			}
		}

		for watchResp := range e.watcher.Watch(ctx, prefix, opts...) {
			if err := watchResp.Err(); err != nil {
				e.logger.WithError(err).Warnf("watch on %s interrupted", prefix)
				continue
			}
			for _, ev := range watchResp.Events {
				if ev.Type != clientv3.EventTypePut {
					continue
				}
				if !send(ev.Kv) {
					return
				}
			}
		}
	}()

	return out
}

// getValue 读取 key 并反序列化到 val (key 不存在返回 ErrNotFound)
func (e *EtcdManager) getValue(ctx context.Context, key string, val interface{}) error {
	resp, err := e.kv.Get(ctx, key)
	if err != nil {
		return errors.Wrapf(err, "reading %s", key)
	}
	if len(resp.Kvs) == 0 {
		return errors.Wrapf(ErrNotFound, "%s", key)
	}
	return errors.Wrapf(json.Unmarshal(resp.Kvs[0].Value, val), "decoding %s", key)
}

// putValue 序列化成 JSON 后写入 key
func (e *EtcdManager) putValue(ctx context.Context, key string, val interface{}) error {
	bytes, err := json.Marshal(val)
	if err != nil {
		return errors.Wrapf(err, "encoding %s", key)
	}
	if _, err = e.kv.Put(ctx, key, string(bytes)); err != nil {
		return errors.Wrap(err, fmt.Sprintf("writing %s", key))
	}
	return nil
}
