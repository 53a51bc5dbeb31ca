package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"

	"titan/pkg/model"
)

var testNow = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type assignmentCall struct {
	JobID       string
	ContainerID string
	At          time.Time
}

type fakeStore struct {
	mu         sync.Mutex
	loaded     []*model.Container
	saved      map[string]*model.Container
	deleted    []string
	created    []assignmentCall
	completed  []string
	failWrites bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{saved: make(map[string]*model.Container)}
}

var errStoreDown = errors.New("store down")

func (f *fakeStore) LoadActiveContainers(context.Context) ([]*model.Container, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.loaded, nil
}

func (f *fakeStore) SaveContainer(_ context.Context, c *model.Container) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWrites {
		return errStoreDown
	}
	f.saved[c.ID] = c
	return nil
}

func (f *fakeStore) DeleteContainer(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWrites {
		return errStoreDown
	}
	f.deleted = append(f.deleted, id)
	delete(f.saved, id)
	return nil
}

func (f *fakeStore) CreateAssignmentRecord(_ context.Context, jobID, containerID string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWrites {
		return errStoreDown
	}
	f.created = append(f.created, assignmentCall{JobID: jobID, ContainerID: containerID, At: at})
	return nil
}

func (f *fakeStore) CompleteAssignmentRecord(_ context.Context, jobID string, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWrites {
		return errStoreDown
	}
	f.completed = append(f.completed, jobID)
	return nil
}

func (f *fakeStore) savedContainer(id string) (*model.Container, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.saved[id]
	return c, ok
}

type eventRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *eventRecorder) OnEvent(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *eventRecorder) ofType(t EventType) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, e := range r.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

type sinkRecorder struct {
	mu     sync.Mutex
	events []MetricsEvent
}

func (s *sinkRecorder) Record(e MetricsEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
}

// newContainer 构造一个健康的 READY 容器，labels 全部设为 "true"
func newContainer(id string, cpu float64, memory string, util float64, labels ...string) *model.Container {
	c := &model.Container{
		ID:     id,
		Name:   "pool-" + id,
		Image:  "ubuntu:22.04",
		Status: model.ContainerReady,
		Labels: make(map[string]string),
		Resources: model.Resources{
			CPU:    cpu,
			Memory: memory,
			Disk:   "50Gi",
		},
		Utilization: model.Utilization{CPU: util, Memory: util, Disk: util, Network: util},
		HealthStatus: model.HealthStatus{
			Healthy:   true,
			LastCheck: testNow,
			Checks:    model.HealthChecks{Connectivity: true, DiskSpace: true, Memory: true, DockerDaemon: true},
		},
		CreatedAt:       testNow.Add(-time.Hour),
		LastHealthCheck: testNow,
	}
	for _, l := range labels {
		c.Labels[l] = model.LabelTrue
	}
	return c
}
