package scheduler

import (
	"time"

	"titan/pkg/model"
)

type EventType string

const (
	EventRegistered       EventType = "container:registered"
	EventUnregistered     EventType = "container:unregistered"
	EventAssigned         EventType = "container:assigned"
	EventReleased         EventType = "container:released"
	EventUnhealthy        EventType = "container:unhealthy"
	EventRecovered        EventType = "container:recovered"
	EventOverloaded       EventType = "container:overloaded"
	EventAssignmentFailed EventType = "assignment:failed"
)

// EventAssignmentFailed 携带的失败原因
const (
	ReasonNoContainers    = "no_containers"
	ReasonSelectionFailed = "selection_failed"
)

// Event 在修改完成后、修改方法返回前同步通知给观察者
// Container 是快照
type Event struct {
	Type      EventType
	Container *model.Container
	JobID     string
	Reason    string
	Time      time.Time
}

type Observer interface {
	OnEvent(Event)
}

// ObserverFunc 让普通函数实现 Observer
type ObserverFunc func(Event)

func (f ObserverFunc) OnEvent(e Event) { f(e) }

// 指标事件名
const (
	MetricAssignmentCreated  = "assignment_created"
	MetricAssignmentFailed   = "assignment_failed"
	MetricAssignmentReleased = "assignment_released"
	MetricContainerUnhealthy = "container_unhealthy"
	MetricContainerRecovered = "container_recovered"
	MetricContainerOverload  = "container_overloaded"
)

type MetricsEvent struct {
	Event       string
	JobID       string
	ContainerID string
	Strategy    model.StrategyType
	Reason      string
}

// MetricsSink 不能阻塞
type MetricsSink interface {
	Record(MetricsEvent)
}

type nopSink struct{}

func (nopSink) Record(MetricsEvent) {}
