package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"titan/pkg/model"
)

func TestRoundRobinSharesCounterAcrossCandidateSets(t *testing.T) {
	s := newSelector()
	a := newContainer("a", 2, "4Gi", 0.1)
	b := newContainer("b", 2, "4Gi", 0.1)
	c := newContainer("c", 2, "4Gi", 0.1)
	req := &model.AssignmentRequest{}

	pick := func(candidates ...*model.Container) string {
		return s.pick(model.StrategyRoundRobin, req, candidates, testNow).ID
	}

	assert.Equal(t, "a", pick(a, b, c)) // counter 0
	assert.Equal(t, "b", pick(a, b, c)) // counter 1
	assert.Equal(t, "a", pick(a, b))    // counter 2, 2 % 2
	assert.Equal(t, "a", pick(a, b, c)) // counter 3, 3 % 3
	assert.Equal(t, uint64(4), s.rrCounter)
}

func TestLeastLoaded(t *testing.T) {
	busy := newContainer("busy", 2, "4Gi", 0.7)
	idle := newContainer("idle", 2, "4Gi", 0.1)
	idleToo := newContainer("idle-too", 2, "4Gi", 0.1)

	s := newSelector()
	got := s.pick(model.StrategyLeastLoaded, &model.AssignmentRequest{}, []*model.Container{busy, idle, idleToo}, testNow)
	assert.Equal(t, "idle", got.ID)
}

func TestLeastLoadedWeights(t *testing.T) {
	// CPU 权重比网络高
	cpuHeavy := newContainer("cpu", 2, "4Gi", 0)
	cpuHeavy.Utilization.CPU = 0.5
	netHeavy := newContainer("net", 2, "4Gi", 0)
	netHeavy.Utilization.Network = 1.0

	assert.InDelta(t, 0.2, cpuHeavy.Utilization.Load(), 1e-9)
	assert.InDelta(t, 0.1, netHeavy.Utilization.Load(), 1e-9)
	assert.Equal(t, "net", leastLoaded([]*model.Container{cpuHeavy, netHeavy}).ID)
}

func TestResourceScore(t *testing.T) {
	c := newContainer("c", 2, "4Gi", 0.1, "self-hosted", "linux")
	req := &model.AssignmentRequest{Labels: []string{"self-hosted", "linux"}, Priority: 1}

	s := newSelector()
	// 36 headroom + 20 health + 20 urgency + 20 labels
	assert.InDelta(t, 96, s.resourceScore(req, c, testNow), 1e-9)

	s.history["c"] = testNow.Add(-4 * time.Minute)
	assert.InDelta(t, 90, s.resourceScore(req, c, testNow), 1e-9)

	s.history["c"] = testNow.Add(-15 * time.Minute)
	assert.InDelta(t, 96, s.resourceScore(req, c, testNow), 1e-9)
}

func TestResourceScorePriorityBands(t *testing.T) {
	c := newContainer("c", 2, "4Gi", 0)
	s := newSelector()
	base := s.resourceScore(&model.AssignmentRequest{Priority: 5}, c, testNow)

	testCases := []struct {
		priority int
		bonus    float64
	}{
		{priority: 0, bonus: 20},
		{priority: 2, bonus: 20},
		{priority: 3, bonus: 10},
		{priority: 4, bonus: 0},
	}
	for _, tc := range testCases {
		got := s.resourceScore(&model.AssignmentRequest{Priority: tc.priority}, c, testNow)
		assert.InDelta(t, base+tc.bonus, got, 1e-9, "priority %d", tc.priority)
	}
}

func TestResourceAwarePrefersLabelMatchAndUrgency(t *testing.T) {
	s := newSelector()
	plain := newContainer("plain", 2, "4Gi", 0.2, "linux")
	matched := newContainer("matched", 2, "4Gi", 0.2, "linux", "gpu")
	req := &model.AssignmentRequest{Labels: []string{"linux", "gpu"}, Priority: 1}

	assert.Greater(t, s.resourceScore(req, matched, testNow), s.resourceScore(req, plain, testNow))

	urgent := s.resourceScore(&model.AssignmentRequest{Priority: 1}, plain, testNow)
	relaxed := s.resourceScore(&model.AssignmentRequest{Priority: 5}, plain, testNow)
	assert.Greater(t, urgent, relaxed)
}

func TestResourceAwareRecencyAndTies(t *testing.T) {
	s := newSelector()
	a := newContainer("a", 2, "4Gi", 0.1)
	b := newContainer("b", 2, "4Gi", 0.1)
	req := &model.AssignmentRequest{Priority: 1}

	// 分数相同时选第一个
	require.Equal(t, "a", s.pick(model.StrategyResourceAware, req, []*model.Container{a, b}, testNow).ID)

	// a 刚被分配过，排到 b 后面
	s.history["a"] = testNow.Add(-time.Minute)
	assert.Equal(t, "b", s.pick(model.StrategyResourceAware, req, []*model.Container{a, b}, testNow).ID)
}

func TestUnknownStrategyFallsBackToResourceAware(t *testing.T) {
	s := newSelector()
	loaded := newContainer("loaded", 2, "4Gi", 0.8)
	free := newContainer("free", 2, "4Gi", 0.1)

	got := s.pick("bin-packing", &model.AssignmentRequest{}, []*model.Container{loaded, free}, testNow)
	assert.Equal(t, "free", got.ID)
	assert.Zero(t, s.rrCounter)
}

func TestAffinityScore(t *testing.T) {
	c := newContainer("c", 2, "4Gi", 0.1, "node.ssd", "node.zone-a", "cache-warm")
	req := &model.AssignmentRequest{Affinity: &model.AffinityRules{
		NodeAffinity:      &model.NodeAffinity{Preferred: []string{"ssd", "zone-a", "zone-b"}},
		ContainerAffinity: &model.ContainerAffinity{Preferred: []string{"cache-warm", "ssd"}},
	}}
	assert.InDelta(t, 80, affinityScore(req, c), 1e-9)
	assert.InDelta(t, 50, affinityScore(&model.AssignmentRequest{}, c), 1e-9)
}

func TestAffinityBasedPicksHighest(t *testing.T) {
	a := newContainer("a", 2, "4Gi", 0.1)
	b := newContainer("b", 2, "4Gi", 0.1, "node.ssd")
	c := newContainer("c", 2, "4Gi", 0.1, "node.ssd")
	req := &model.AssignmentRequest{Affinity: &model.AffinityRules{
		NodeAffinity: &model.NodeAffinity{Preferred: []string{"ssd"}},
	}}

	s := newSelector()
	assert.Equal(t, "b", s.pick(model.StrategyAffinityBased, req, []*model.Container{a, b, c}, testNow).ID)
	// 没有亲和性配置时所有候选者都是基础分
	assert.Equal(t, "a", s.pick(model.StrategyAffinityBased, &model.AssignmentRequest{}, []*model.Container{a, b, c}, testNow).ID)
}

func TestPickEmpty(t *testing.T) {
	assert.Nil(t, newSelector().pick(model.StrategyRoundRobin, &model.AssignmentRequest{}, nil, testNow))
}
