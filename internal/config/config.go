// Package config 加载 titan 各个程序共用的配置
package config

import (
	"os"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"titan/internal/master/scheduler"
	"titan/pkg/model"
)

const EnvPrefix = "TITAN"

type Config struct {
	Etcd      EtcdConfig      `mapstructure:"etcd"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Worker    WorkerConfig    `mapstructure:"worker"`
	Log       LogConfig       `mapstructure:"log"`
}

type EtcdConfig struct {
	Endpoints      []string      `mapstructure:"endpoints"`
	DialTimeout    time.Duration `mapstructure:"dialTimeout"`
	RequestTimeout time.Duration `mapstructure:"requestTimeout"`
}

type SchedulerConfig struct {
	Strategy            string                 `mapstructure:"strategy"`
	StrategyConfig      map[string]interface{} `mapstructure:"strategyConfig"`
	HealthCheckInterval time.Duration          `mapstructure:"healthCheckInterval"`
	HealthCheckTimeout  time.Duration          `mapstructure:"healthCheckTimeout"`
	OverloadThreshold   float64                `mapstructure:"overloadThreshold"`
	PersistQueueSize    int                    `mapstructure:"persistQueueSize"`
}

type MetricsConfig struct {
	ListenAddr string `mapstructure:"listenAddr"`
	Enabled    bool   `mapstructure:"enabled"`
}

type WorkerConfig struct {
	ID            string        `mapstructure:"id"`
	ProbeInterval time.Duration `mapstructure:"probeInterval"`
	LabelKey      string        `mapstructure:"labelKey"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Defaults 在 v 上注册所有配置项的默认值
// 注册过的 key 才能通过 TITAN_ 前缀的环境变量覆盖
func Defaults(v *viper.Viper) {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "worker"
	}

	v.SetDefault("etcd.endpoints", []string{"localhost:2379"})
	v.SetDefault("etcd.dialTimeout", 5*time.Second)
	v.SetDefault("etcd.requestTimeout", 3*time.Second)

	v.SetDefault("scheduler.strategy", string(model.StrategyResourceAware))
	v.SetDefault("scheduler.strategyConfig", map[string]interface{}{})
	v.SetDefault("scheduler.healthCheckInterval", 30*time.Second)
	v.SetDefault("scheduler.healthCheckTimeout", 60*time.Second)
	v.SetDefault("scheduler.overloadThreshold", 0.9)
	v.SetDefault("scheduler.persistQueueSize", 1024)

	v.SetDefault("metrics.listenAddr", ":9090")
	v.SetDefault("metrics.enabled", true)

	v.SetDefault("worker.id", hostname)
	v.SetDefault("worker.probeInterval", 10*time.Second)
	v.SetDefault("worker.labelKey", "titan.pool")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

// Load 在默认值和环境变量之上读取配置文件 (path 为空则跳过)
func Load(v *viper.Viper, path string) (*Config, error) {
	Defaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "reading config file %s", path)
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, errors.Wrap(err, "decoding config")
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate 一次性返回所有非法配置
func (c *Config) Validate() error {
	var result *multierror.Error
	if len(c.Etcd.Endpoints) == 0 {
		result = multierror.Append(result, errors.New("etcd.endpoints must not be empty"))
	}
	if !model.StrategyType(c.Scheduler.Strategy).IsKnown() {
		result = multierror.Append(result, errors.Errorf("scheduler.strategy %q is not a known strategy", c.Scheduler.Strategy))
	}
	for _, d := range []struct {
		key string
		val time.Duration
	}{
		{"etcd.dialTimeout", c.Etcd.DialTimeout},
		{"etcd.requestTimeout", c.Etcd.RequestTimeout},
		{"scheduler.healthCheckInterval", c.Scheduler.HealthCheckInterval},
		{"scheduler.healthCheckTimeout", c.Scheduler.HealthCheckTimeout},
		{"worker.probeInterval", c.Worker.ProbeInterval},
	} {
		if d.val <= 0 {
			result = multierror.Append(result, errors.Errorf("%s must be positive, got %s", d.key, d.val))
		}
	}
	if t := c.Scheduler.OverloadThreshold; t <= 0 || t > 1 {
		result = multierror.Append(result, errors.Errorf("scheduler.overloadThreshold must be in (0,1], got %v", t))
	}
	if c.Scheduler.PersistQueueSize <= 0 {
		result = multierror.Append(result, errors.Errorf("scheduler.persistQueueSize must be positive, got %d", c.Scheduler.PersistQueueSize))
	}
	return result.ErrorOrNil()
}

// RegistryConfig 转换成 scheduler.NewRegistry 需要的配置
func (c *Config) RegistryConfig() scheduler.Config {
	return scheduler.Config{
		Strategy: model.LoadBalancingStrategy{
			Type:   model.StrategyType(c.Scheduler.Strategy),
			Config: c.Scheduler.StrategyConfig,
		},
		HealthCheckInterval: c.Scheduler.HealthCheckInterval,
		HealthCheckTimeout:  c.Scheduler.HealthCheckTimeout,
		OverloadThreshold:   c.Scheduler.OverloadThreshold,
		PersistQueueSize:    c.Scheduler.PersistQueueSize,
		PersistTimeout:      c.Etcd.RequestTimeout,
	}
}

// ConfigureLogging 按配置设置 logrus 的标准 logger
func ConfigureLogging(lc LogConfig) error {
	level, err := log.ParseLevel(lc.Level)
	if err != nil {
		return errors.Wrap(err, "parsing log.level")
	}
	log.SetLevel(level)

	switch lc.Format {
	case "json":
		log.SetFormatter(&log.JSONFormatter{})
	case "text", "":
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	default:
		return errors.Errorf("unknown log.format %q", lc.Format)
	}
	log.SetOutput(os.Stdout)
	return nil
}
