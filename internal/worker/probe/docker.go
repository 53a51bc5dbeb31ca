package probe

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"k8s.io/utils/clock"

	"titan/pkg/model"
)

// 创建池容器时打上的标签
const (
	LabelPoolID    = "titan.pool.id"
	LabelDisk      = "titan.pool.disk"      // 声明的磁盘，如 "50Gi"
	LabelBandwidth = "titan.pool.bandwidth" // 声明的带宽 (Mbps)
	LabelJob       = "titan.pool.job"       // 容器为哪个任务启动
)

// EnvJobID 没有打标签时，从这个环境变量里读任务 ID
const EnvJobID = "TITAN_JOB_ID"

// 使用率超过这些比例，内存/磁盘检查就不通过
const (
	memoryCheckLimit = 0.95
	diskCheckLimit   = 0.95
)

// DockerAPI 用到的 docker client 方法
type DockerAPI interface {
	Ping(ctx context.Context) (types.Ping, error)
	ContainerList(ctx context.Context, options types.ContainerListOptions) ([]types.Container, error)
	ContainerInspectWithRaw(ctx context.Context, containerID string, getSize bool) (types.ContainerJSON, []byte, error)
	ContainerStatsOneShot(ctx context.Context, containerID string) (types.ContainerStats, error)
}

var _ DockerAPI = (*client.Client)(nil)

// NewDockerClient 按环境变量连接本机 Docker daemon
func NewDockerClient() (*client.Client, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, errors.Wrap(err, "creating docker client")
	}
	return cli, nil
}

type sample struct {
	at       time.Time
	cpuTotal uint64
	netBytes uint64
}

// DockerProber 把池容器的 docker 状态和 stats 转换成上报
type DockerProber struct {
	docker   DockerAPI
	nodeID   string
	labelKey string
	clock    clock.PassiveClock
	logger   *log.Entry

	mu    sync.Mutex
	prev  map[string]sample // docker id -> last stats sample
	known map[string]string // docker id -> pool id (最近一次成功 List 的结果)
}

func NewDockerProber(docker DockerAPI, nodeID, labelKey string, clk clock.PassiveClock) *DockerProber {
	return &DockerProber{
		docker:   docker,
		nodeID:   nodeID,
		labelKey: labelKey,
		clock:    clk,
		logger:   log.WithFields(log.Fields{"component": "docker-prober", "node-id": nodeID}),
		prev:     make(map[string]sample),
		known:    make(map[string]string),
	}
}

// Probe 为本机每个池容器生成一条上报
// daemon 连不上时，之前见过的容器全部报为不健康
func (p *DockerProber) Probe(ctx context.Context) []*model.Report {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.clock.Now()

	if _, err := p.docker.Ping(ctx); err != nil {
		p.logger.WithError(err).Warn("docker daemon unreachable")
		return p.daemonDownReports(err, now)
	}

	list, err := p.docker.ContainerList(ctx, types.ContainerListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", p.labelKey+"="+model.LabelTrue)),
	})
	if err != nil {
		p.logger.WithError(err).Warn("failed to list pool containers")
		return nil
	}

	seen := make(map[string]string, len(list))
	reports := make([]*model.Report, 0, len(list))
	for _, c := range list {
		poolID := c.Labels[LabelPoolID]
		if poolID == "" {
			poolID = c.ID
		}
		seen[c.ID] = poolID
		reports = append(reports, p.probeContainer(ctx, c, poolID, now))
	}
	for id := range p.prev {
		if _, ok := seen[id]; !ok {
			delete(p.prev, id)
		}
	}
	p.known = seen
	return reports
}

func (p *DockerProber) daemonDownReports(cause error, now time.Time) []*model.Report {
	reports := make([]*model.Report, 0, len(p.known))
	for _, poolID := range p.known {
		reports = append(reports, &model.Report{
			ContainerID: poolID,
			NodeID:      p.nodeID,
			Health: model.HealthStatus{
				Healthy:   false,
				LastCheck: now,
				Checks:    model.HealthChecks{DockerDaemon: false},
				Message:   "docker daemon unreachable: " + cause.Error(),
			},
			ReportedAt: now,
		})
	}
	return reports
}

func (p *DockerProber) probeContainer(ctx context.Context, c types.Container, poolID string, now time.Time) *model.Report {
	logger := p.logger.WithField("container-id", poolID)
	report := &model.Report{ContainerID: poolID, NodeID: p.nodeID, ReportedAt: now}
	checks := model.HealthChecks{DockerDaemon: true, Memory: true, DiskSpace: true}
	var problems *multierror.Error

	inspect, _, err := p.docker.ContainerInspectWithRaw(ctx, c.ID, true)
	if err != nil {
		problems = multierror.Append(problems, errors.Wrap(err, "inspect"))
	} else {
		checks.Connectivity = isRunning(inspect)
		if !checks.Connectivity {
			problems = multierror.Append(problems, errors.New("container not running"))
		}
		report.Utilization.Disk = diskRatio(inspect, c.Labels[LabelDisk])
		if job := jobOf(c, inspect); job != "" {
			report.JobID = job
			report.JobState, report.JobExitCode = jobState(inspect)
		}
	}

	stats, err := p.readStats(ctx, c.ID)
	if err != nil {
		logger.WithError(err).Debug("no stats")
		problems = multierror.Append(problems, errors.Wrap(err, "stats"))
	} else {
		report.Utilization.Memory = memoryRatio(stats)
		report.Utilization.CPU, report.Utilization.Network = p.rates(c.ID, stats, cpuCores(inspect, stats), c.Labels[LabelBandwidth], now)
	}

	if report.Utilization.Memory > memoryCheckLimit {
		checks.Memory = false
		problems = multierror.Append(problems, fmt.Errorf("memory at %.0f%%", report.Utilization.Memory*100))
	}
	if report.Utilization.Disk > diskCheckLimit {
		checks.DiskSpace = false
		problems = multierror.Append(problems, fmt.Errorf("disk at %.0f%%", report.Utilization.Disk*100))
	}

	report.Health = model.HealthStatus{
		LastCheck: now,
		Checks:    checks,
	}
	if err := problems.ErrorOrNil(); err != nil {
		problems.ErrorFormat = joinErrors
		report.Health.Message = problems.Error()
	}
	report.Health.Healthy = checks.Connectivity && checks.DiskSpace && checks.Memory && checks.DockerDaemon
	return report
}

func (p *DockerProber) readStats(ctx context.Context, id string) (*types.StatsJSON, error) {
	resp, err := p.docker.ContainerStatsOneShot(ctx, id)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var stats types.StatsJSON
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return nil, errors.Wrap(err, "decoding stats")
	}
	return &stats, nil
}

// rates 根据和上次采样的差值计算 CPU、网络使用率
// 第一次采样两者都是 0
func (p *DockerProber) rates(
	id string, stats *types.StatsJSON, cores float64, bandwidth string, now time.Time,
) (cpu, network float64) {
	cur := sample{at: now, cpuTotal: stats.CPUStats.CPUUsage.TotalUsage}
	for _, n := range stats.Networks {
		cur.netBytes += n.RxBytes + n.TxBytes
	}
	prev, ok := p.prev[id]
	p.prev[id] = cur
	if !ok {
		return 0, 0
	}
	elapsed := cur.at.Sub(prev.at).Seconds()
	if elapsed <= 0 {
		return 0, 0
	}

	if cores > 0 && cur.cpuTotal >= prev.cpuTotal {
		usedCores := float64(cur.cpuTotal-prev.cpuTotal) / 1e9 / elapsed
		cpu = clamp(usedCores / cores)
	}
	if mbps, err := strconv.ParseFloat(bandwidth, 64); err == nil && mbps > 0 && cur.netBytes >= prev.netBytes {
		bitsPerSec := float64(cur.netBytes-prev.netBytes) * 8 / elapsed
		network = clamp(bitsPerSec / (mbps * 1e6))
	}
	return cpu, network
}

func isRunning(inspect types.ContainerJSON) bool {
	if inspect.ContainerJSONBase == nil || inspect.State == nil || !inspect.State.Running {
		return false
	}
	return inspect.State.Health == nil || inspect.State.Health.Status != types.Unhealthy
}

// jobOf 读取容器上的任务 ID (先看标签，再看环境变量)
func jobOf(c types.Container, inspect types.ContainerJSON) string {
	if job := c.Labels[LabelJob]; job != "" {
		return job
	}
	if inspect.Config == nil {
		return ""
	}
	for _, kv := range inspect.Config.Env {
		if k, v, ok := strings.Cut(kv, "="); ok && k == EnvJobID {
			return v
		}
	}
	return ""
}

// jobState 把容器的 docker 状态映射成任务阶段
// created、restarting 之类的状态还没有阶段
func jobState(inspect types.ContainerJSON) (model.JobState, int) {
	if inspect.ContainerJSONBase == nil || inspect.State == nil {
		return model.JobNone, 0
	}
	switch {
	case inspect.State.Running:
		return model.JobRunning, 0
	case inspect.State.Status == "exited" || inspect.State.Status == "dead":
		return model.JobFinished, inspect.State.ExitCode
	}
	return model.JobNone, 0
}

// cpuCores 容器的 CPU 限制 (没限制就用宿主机核数)
func cpuCores(inspect types.ContainerJSON, stats *types.StatsJSON) float64 {
	if inspect.ContainerJSONBase != nil && inspect.HostConfig != nil && inspect.HostConfig.NanoCPUs > 0 {
		return float64(inspect.HostConfig.NanoCPUs) / 1e9
	}
	if stats.CPUStats.OnlineCPUs > 0 {
		return float64(stats.CPUStats.OnlineCPUs)
	}
	return float64(len(stats.CPUStats.CPUUsage.PercpuUsage))
}

// memoryRatio 和 `docker stats` 一样，不算 page cache
func memoryRatio(stats *types.StatsJSON) float64 {
	if stats.MemoryStats.Limit == 0 {
		return 0
	}
	used := stats.MemoryStats.Usage
	cache := stats.MemoryStats.Stats["inactive_file"]
	if cache == 0 {
		cache = stats.MemoryStats.Stats["cache"]
	}
	if cache < used {
		used -= cache
	}
	return clamp(float64(used) / float64(stats.MemoryStats.Limit))
}

func diskRatio(inspect types.ContainerJSON, declared string) float64 {
	capacity := model.ParseMemory(declared)
	if capacity <= 0 || inspect.ContainerJSONBase == nil || inspect.SizeRw == nil {
		return 0
	}
	return clamp(float64(*inspect.SizeRw) / float64(capacity))
}

func clamp(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}

func joinErrors(errs []error) string {
	parts := make([]string, 0, len(errs))
	for _, err := range errs {
		parts = append(parts, err.Error())
	}
	return strings.Join(parts, "; ")
}
