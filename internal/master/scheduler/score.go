package scheduler

import (
	"math"
	"sort"
	"time"

	log "github.com/sirupsen/logrus"

	"titan/pkg/model"
)

const (
	headroomWeight     = 40.0
	healthBonus        = 20.0
	recencyWindowMin   = 10.0
	urgentBonus        = 20.0
	normalBonus        = 10.0
	labelMatchWeight   = 20.0
	affinityBaseScore  = 50.0
	affinityMatchBonus = 10.0
)

type scoredContainer struct {
	container *model.Container
	score     float64
}

// selector 保存跨多次选择的状态 (由 registry 的锁保护)
type selector struct {
	rrCounter uint64
	history   map[string]time.Time // container id -> last assignment
}

func newSelector() *selector {
	return &selector{history: make(map[string]time.Time)}
}

// pick 按策略从候选者中选出一个 (candidates 不能为空)
func (s *selector) pick(
	strategy model.StrategyType, req *model.AssignmentRequest, candidates []*model.Container, now time.Time,
) *model.Container {
	if len(candidates) == 0 {
		return nil
	}
	switch strategy {
	case model.StrategyRoundRobin:
		return s.roundRobin(candidates)
	case model.StrategyLeastLoaded:
		return leastLoaded(candidates)
	case model.StrategyAffinityBased:
		return affinityBased(req, candidates)
	case model.StrategyResourceAware:
	default:
		log.Warnf("[Score] unknown strategy %q, using %s", strategy, model.StrategyResourceAware)
	}
	return s.resourceAware(req, candidates, now)
}

// roundRobin 所有调用共用一个计数器，不管候选集合是什么
func (s *selector) roundRobin(candidates []*model.Container) *model.Container {
	c := candidates[s.rrCounter%uint64(len(candidates))]
	s.rrCounter++
	return c
}

func leastLoaded(candidates []*model.Container) *model.Container {
	best := candidates[0]
	bestLoad := best.Utilization.Load()
	for _, c := range candidates[1:] {
		if load := c.Utilization.Load(); load < bestLoad {
			best, bestLoad = c, load
		}
	}
	return best
}

func (s *selector) resourceAware(
	req *model.AssignmentRequest, candidates []*model.Container, now time.Time,
) *model.Container {
	scored := make([]scoredContainer, 0, len(candidates))
	for _, c := range candidates {
		scored = append(scored, scoredContainer{container: c, score: s.resourceScore(req, c, now)})
	}
	sort.SliceStable(scored, func(i, j int) bool {
		return scored[i].score > scored[j].score
	})

	if log.IsLevelEnabled(log.DebugLevel) {
		top := scored
		if len(top) > 3 {
			top = top[:3]
		}
		for i, sc := range top {
			log.WithFields(log.Fields{
				"job-id":       req.JobID,
				"container-id": sc.container.ID,
			}).Debugf("[Score] #%d score %.2f", i+1, sc.score)
		}
	}
	return scored[0].container
}

func (s *selector) resourceScore(req *model.AssignmentRequest, c *model.Container, now time.Time) float64 {
	score := (1 - c.Utilization.Load()) * headroomWeight

	if c.HealthStatus.Healthy {
		score += healthBonus
	}

	if last, ok := s.history[c.ID]; ok {
		elapsedMin := float64(now.Sub(last).Milliseconds()) / 60000
		score -= math.Max(0, recencyWindowMin-elapsedMin)
	}

	switch {
	case req.Priority <= 2:
		score += urgentBonus
	case req.Priority == 3:
		score += normalBonus
	}

	matched := 0
	for _, label := range req.Labels {
		if c.HasLabel(label) {
			matched++
		}
	}
	score += float64(matched) / math.Max(float64(len(req.Labels)), 1) * labelMatchWeight

	return score
}

func affinityBased(req *model.AssignmentRequest, candidates []*model.Container) *model.Container {
	best := candidates[0]
	bestScore := affinityScore(req, best)
	for _, c := range candidates[1:] {
		if score := affinityScore(req, c); score > bestScore {
			best, bestScore = c, score
		}
	}
	return best
}

func affinityScore(req *model.AssignmentRequest, c *model.Container) float64 {
	score := affinityBaseScore
	rules := req.Affinity
	if rules == nil {
		return score
	}
	if rules.NodeAffinity != nil {
		for _, label := range rules.NodeAffinity.Preferred {
			if c.HasLabel(model.NodeLabelPrefix + label) {
				score += affinityMatchBonus
			}
		}
	}
	if rules.ContainerAffinity != nil {
		for _, label := range rules.ContainerAffinity.Preferred {
			if c.HasLabel(label) {
				score += affinityMatchBonus
			}
		}
	}
	return score
}
