package model

// PoolStats 容器池某一时刻的统计
type PoolStats struct {
	Total       int          `json:"total"`
	Ready       int          `json:"ready"`
	Assigned    int          `json:"assigned"` // ASSIGNED + BUSY
	Unhealthy   int          `json:"unhealthy"`
	Utilization Utilization  `json:"utilization"` // 各维度平均值
	Strategy    StrategyType `json:"strategy,omitempty"`
}

// ComputeStats 按状态计数，并计算平均使用率
func ComputeStats(containers []*Container) PoolStats {
	var stats PoolStats
	var sum Utilization
	for _, c := range containers {
		stats.Total++
		switch {
		case c.Status == ContainerReady:
			stats.Ready++
		case c.Status.IsAssigned():
			stats.Assigned++
		case c.Status == ContainerUnhealthy:
			stats.Unhealthy++
		}
		sum.CPU += c.Utilization.CPU
		sum.Memory += c.Utilization.Memory
		sum.Disk += c.Utilization.Disk
		sum.Network += c.Utilization.Network
	}
	if stats.Total == 0 {
		return stats
	}
	n := float64(stats.Total)
	stats.Utilization = Utilization{
		CPU:     sum.CPU / n,
		Memory:  sum.Memory / n,
		Disk:    sum.Disk / n,
		Network: sum.Network / n,
	}
	return stats
}
