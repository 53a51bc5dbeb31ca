package model

import "time"

// AssignmentRequest 为一个任务申请一个容器
type AssignmentRequest struct {
	JobID  string   `json:"jobId"`
	Labels []string `json:"labels"` // 容器上必须全部为 "true"

	Image     string                `json:"image,omitempty"`
	Resources *ResourceRequirements `json:"resources,omitempty"` // 最低要求
	Affinity  *AffinityRules        `json:"affinity,omitempty"`

	// 数值越小越紧急
	Priority int `json:"priority"`
}

// ResourceRequirements 资源需求，零值不检查
type ResourceRequirements struct {
	CPU    float64 `json:"cpu,omitempty"`
	Memory string  `json:"memory,omitempty"`
	Disk   string  `json:"disk,omitempty"`
}

type AffinityRules struct {
	NodeAffinity      *NodeAffinity      `json:"nodeAffinity,omitempty"`
	ContainerAffinity *ContainerAffinity `json:"containerAffinity,omitempty"`
	AntiAffinity      *AntiAffinity      `json:"antiAffinity,omitempty"`
}

// NodeAffinity 匹配容器上的 "node.<label>" 标签
type NodeAffinity struct {
	Required  []string `json:"required,omitempty"`
	Preferred []string `json:"preferred,omitempty"`
}

type ContainerAffinity struct {
	Preferred []string `json:"preferred,omitempty"`
}

type AntiAffinity struct {
	Jobs   []string `json:"jobs,omitempty"`
	Labels []string `json:"labels,omitempty"`
}

// RequestState 已提交请求的状态
type RequestState string

const (
	RequestPending  RequestState = "PENDING" // 等待调度
	RequestAssigned RequestState = "ASSIGNED"
	RequestFailed   RequestState = "FAILED"
)

// RequestRecord 存在 Etcd 里的分配请求
// Master 只处理 PENDING 的记录，结果写回同一个 key
type RequestRecord struct {
	Request     AssignmentRequest `json:"request"`
	State       RequestState      `json:"state"`
	ContainerID string            `json:"containerId,omitempty"`
	Reason      string            `json:"reason,omitempty"`
	SubmittedAt time.Time         `json:"submittedAt"`
	DecidedAt   *time.Time        `json:"decidedAt,omitempty"`
}
