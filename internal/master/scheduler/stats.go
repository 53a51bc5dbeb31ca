package scheduler

import "titan/pkg/model"

// Stats 返回容器池当前的统计快照
func (r *Registry) Stats() model.PoolStats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	stats := model.ComputeStats(r.listLocked())
	stats.Strategy = r.strategy.Type
	return stats
}
