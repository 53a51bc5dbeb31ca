package scheduler

import (
	"strings"

	log "github.com/sirupsen/logrus"

	"titan/pkg/model"
)

// minMemoryHeadroom 只要请求里带了内存要求，就要求至少留出这么多空闲内存比例
// 注意：和请求的具体大小无关
const minMemoryHeadroom = 0.20

// imageCompatibility 请求的镜像 -> 可以兼容运行它的容器镜像
var imageCompatibility = map[string][]string{
	"ubuntu": {"debian"},
	"debian": {"ubuntu"},
	"node":   {"ubuntu"},
	"python": {"ubuntu"},
}

// filterContainers 遍历容器，返回满足所有硬性条件的候选者
func filterContainers(req *model.AssignmentRequest, containers []*model.Container) []*model.Container {
	candidates := make([]*model.Container, 0, len(containers))

	for _, c := range containers {
		if reason := checkContainer(req, c); reason != "" {
			log.WithFields(log.Fields{
				"job-id":       req.JobID,
				"container-id": c.ID,
			}).Debugf("[Filter] container filtered: %s", reason)
			continue
		}
		candidates = append(candidates, c)
	}
	return candidates
}

// checkContainer 执行具体的 Predicate 检查逻辑，返回不满足的原因 (满足则返回 "")
func checkContainer(req *model.AssignmentRequest, c *model.Container) string {
	if c.Status != model.ContainerReady {
		return "status " + string(c.Status)
	}
	if !c.HealthStatus.Healthy {
		return "unhealthy"
	}
	for _, label := range req.Labels {
		if !c.HasLabel(label) {
			return "missing label " + label
		}
	}
	if req.Image != "" && !imagesCompatible(req.Image, c.Image) {
		return "incompatible image " + c.Image
	}
	if req.Resources != nil {
		if reason := checkResources(req.Resources, c); reason != "" {
			return reason
		}
	}
	if req.Affinity != nil {
		if reason := checkAffinity(req.Affinity, c); reason != "" {
			return reason
		}
	}
	return ""
}

func checkResources(required *model.ResourceRequirements, c *model.Container) string {
	// 声明的容量
	if c.Resources.CPU < required.CPU {
		return "insufficient declared cpu"
	}
	if required.Memory != "" && model.ParseMemory(c.Resources.Memory) < model.ParseMemory(required.Memory) {
		return "insufficient declared memory"
	}
	if required.Disk != "" && model.ParseMemory(c.Resources.Disk) < model.ParseMemory(required.Disk) {
		return "insufficient declared disk"
	}

	// 按当前使用率计算剩余空间
	if c.Resources.CPU*(1-c.Utilization.CPU) < required.CPU {
		return "insufficient available cpu"
	}
	if required.Memory != "" && 1-c.Utilization.Memory < minMemoryHeadroom {
		return "insufficient memory headroom"
	}
	return ""
}

func checkAffinity(rules *model.AffinityRules, c *model.Container) string {
	if rules.NodeAffinity != nil {
		for _, label := range rules.NodeAffinity.Required {
			if !c.HasLabel(model.NodeLabelPrefix + label) {
				return "missing required node label " + label
			}
		}
	}
	if anti := rules.AntiAffinity; anti != nil {
		if c.AssignedJob != "" {
			for _, job := range anti.Jobs {
				if job == c.AssignedJob {
					return "anti-affinity job " + job
				}
			}
		}
		for _, label := range anti.Labels {
			if c.HasLabel(label) {
				return "anti-affinity label " + label
			}
		}
	}
	return ""
}

// imagesCompatible 只比较第一个 ':' 之前的镜像名
func imagesCompatible(requested, actual string) bool {
	if requested == actual {
		return true
	}
	reqBase, actBase := imageBase(requested), imageBase(actual)
	if reqBase == actBase {
		return true
	}
	for _, base := range imageCompatibility[reqBase] {
		if base == actBase {
			return true
		}
	}
	return false
}

func imageBase(image string) string {
	if i := strings.IndexByte(image, ':'); i >= 0 {
		return image[:i]
	}
	return image
}
