package model

import "time"

// ProvisionOp 向容器池添加或移除容器
type ProvisionOp string

const (
	ProvisionRegister   ProvisionOp = "register"
	ProvisionUnregister ProvisionOp = "unregister"
)

type ProvisionState string

const (
	ProvisionPending  ProvisionState = "PENDING" // 等待 Master 处理
	ProvisionApplied  ProvisionState = "APPLIED"
	ProvisionRejected ProvisionState = "REJECTED"
)

// ProvisionRecord 一次注册/注销申请
// 注册时必须带 Container，注销时忽略
type ProvisionRecord struct {
	Op          ProvisionOp    `json:"op"`
	ContainerID string         `json:"containerId"`
	Container   *Container     `json:"container,omitempty"`
	State       ProvisionState `json:"state"`
	Reason      string         `json:"reason,omitempty"`
	SubmittedAt time.Time      `json:"submittedAt"`
	AppliedAt   *time.Time     `json:"appliedAt,omitempty"`
}
