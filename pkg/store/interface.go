package store

import (
	"context"
	"time"

	"titan/pkg/model"
)

// AssignmentRecord 一次 job -> container 绑定的持久化记录
type AssignmentRecord struct {
	ID          string     `json:"id"`
	JobID       string     `json:"jobId"`
	ContainerID string     `json:"containerId"`
	AssignedAt  time.Time  `json:"assignedAt"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

// Store 定义存储层接口，方便后续做 Mock 测试
// 调用失败只记日志，registry 照常运行
type Store interface {
	// LoadActiveContainers 只在启动时调用一次
	LoadActiveContainers(ctx context.Context) ([]*model.Container, error)

	SaveContainer(ctx context.Context, c *model.Container) error
	DeleteContainer(ctx context.Context, id string) error

	CreateAssignmentRecord(ctx context.Context, jobID, containerID string, at time.Time) error
	CompleteAssignmentRecord(ctx context.Context, jobID string, at time.Time) error
}

// ReportEvent Watch 流里的一条上报
type ReportEvent struct {
	Report *model.Report
}

// ReportStore Worker 向 Master 上报的通道
type ReportStore interface {
	PublishReport(ctx context.Context, report *model.Report) error
	// WatchReports 返回的 channel 在 ctx 结束时关闭
	WatchReports(ctx context.Context) <-chan ReportEvent
}

// RequestEvent 一条 PENDING 的分配请求
type RequestEvent struct {
	Record *model.RequestRecord
}

// RequestStore 客户端提交分配请求的队列
type RequestStore interface {
	SubmitRequest(ctx context.Context, req *model.AssignmentRequest, at time.Time) error
	// WatchRequests 先返回已经 PENDING 的请求，再返回之后提交的请求
	// ctx 结束时关闭 channel
	WatchRequests(ctx context.Context) <-chan RequestEvent
	UpdateRequest(ctx context.Context, rec *model.RequestRecord) error
}

// ProvisionEvent 一条 PENDING 的注册/注销
type ProvisionEvent struct {
	Record *model.ProvisionRecord
}

// ProvisionStore 向容器池添加、移除容器的队列
type ProvisionStore interface {
	SubmitProvision(ctx context.Context, rec *model.ProvisionRecord) error
	// WatchProvisions 行为同 WatchRequests
	WatchProvisions(ctx context.Context) <-chan ProvisionEvent
	UpdateProvision(ctx context.Context, rec *model.ProvisionRecord) error
}
