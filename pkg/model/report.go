package model

import "time"

// JobState Worker 看到的容器内任务阶段
type JobState string

const (
	JobNone     JobState = "" // 没有任务或还没开始
	JobRunning  JobState = "RUNNING"
	JobFinished JobState = "FINISHED"
)

// Report Worker Agent 为每个池容器上报的数据
type Report struct {
	ContainerID string       `json:"containerId"`
	NodeID      string       `json:"nodeId"`
	Health      HealthStatus `json:"health"`
	Utilization Utilization  `json:"utilization"`
	JobID       string       `json:"jobId,omitempty"`
	JobState    JobState     `json:"jobState,omitempty"`
	JobExitCode int          `json:"jobExitCode,omitempty"` // 只在 JobFinished 时有值
	ReportedAt  time.Time    `json:"reportedAt"`
}
