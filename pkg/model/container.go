package model

import "time"

// ContainerStatus 池容器的生命周期状态
type ContainerStatus string

const (
	ContainerCreating    ContainerStatus = "CREATING"
	ContainerReady       ContainerStatus = "READY" // 空闲，可以分配
	ContainerAssigned    ContainerStatus = "ASSIGNED"
	ContainerBusy        ContainerStatus = "BUSY" // 任务已经跑起来
	ContainerDraining    ContainerStatus = "DRAINING"
	ContainerUnhealthy   ContainerStatus = "UNHEALTHY"
	ContainerTerminating ContainerStatus = "TERMINATING"
)

// IsAssigned 该状态下容器是否持有任务
func (s ContainerStatus) IsAssigned() bool {
	return s == ContainerAssigned || s == ContainerBusy
}

// LabelTrue 只有值为 "true" 的标签才算打上了
const LabelTrue = "true"

// NodeLabelPrefix 节点亲和性标签的前缀
const NodeLabelPrefix = "node."

type Container struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Image string `json:"image"` // 如: ubuntu:22.04

	Status ContainerStatus   `json:"status"`
	Labels map[string]string `json:"labels,omitempty"`

	// 资源视图
	// Resources: 声明的容量
	// Utilization: 当前使用了其中多少比例
	Resources   Resources   `json:"resources"`
	Utilization Utilization `json:"utilization"`

	HealthStatus    HealthStatus `json:"healthStatus"`
	CreatedAt       time.Time    `json:"createdAt"`
	LastHealthCheck time.Time    `json:"lastHealthCheck"`

	// 只有 ASSIGNED / BUSY 状态才有 AssignedJob
	AssignedJob string `json:"assignedJob,omitempty"`
}

// HasLabel 标签存在且值为 "true"
func (c *Container) HasLabel(name string) bool {
	return c.Labels[name] == LabelTrue
}

// DeepCopy 深拷贝，不和 c 共享 map 和指针
func (c *Container) DeepCopy() *Container {
	if c == nil {
		return nil
	}
	out := *c
	if c.Labels != nil {
		out.Labels = make(map[string]string, len(c.Labels))
		for k, v := range c.Labels {
			out.Labels[k] = v
		}
	}
	if c.Resources.Network != nil {
		n := *c.Resources.Network
		out.Resources.Network = &n
	}
	return &out
}

type HealthChecks struct {
	Connectivity bool `json:"connectivity"`
	DiskSpace    bool `json:"diskSpace"`
	Memory       bool `json:"memory"`
	DockerDaemon bool `json:"dockerDaemon"`
}

type HealthStatus struct {
	Healthy   bool         `json:"healthy"`
	LastCheck time.Time    `json:"lastCheck"`
	Checks    HealthChecks `json:"checks"`
	Message   string       `json:"message,omitempty"`
}

// Utilization 四个维度的使用率，取值 [0,1]
type Utilization struct {
	CPU     float64 `json:"cpu"`
	Memory  float64 `json:"memory"`
	Disk    float64 `json:"disk"`
	Network float64 `json:"network"`
}

// Load 加权后的综合负载 (least-loaded 和 resource-aware 策略使用)
func (u Utilization) Load() float64 {
	return 0.4*u.CPU + 0.3*u.Memory + 0.2*u.Disk + 0.1*u.Network
}
