package model

type StrategyType string

const (
	StrategyRoundRobin    StrategyType = "round-robin"
	StrategyLeastLoaded   StrategyType = "least-loaded"
	StrategyResourceAware StrategyType = "resource-aware"
	StrategyAffinityBased StrategyType = "affinity-based"
)

// IsKnown 是否是内置策略
func (t StrategyType) IsKnown() bool {
	switch t {
	case StrategyRoundRobin, StrategyLeastLoaded, StrategyResourceAware, StrategyAffinityBased:
		return true
	}
	return false
}

// LoadBalancingStrategy 容器池的负载均衡策略
type LoadBalancingStrategy struct {
	Type   StrategyType           `json:"type" mapstructure:"type"`
	Config map[string]interface{} `json:"config,omitempty" mapstructure:"config"`
}
