package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"k8s.io/utils/clock"

	"titan/internal/config"
	"titan/internal/worker"
	"titan/internal/worker/probe"
	"titan/pkg/store"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		log.Errorf("%+v", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:          "titan-worker",
		Short:        "Reports health and utilization of the pool containers on this host",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := config.Load(viper.New(), configPath)
			if err != nil {
				return err
			}
			if err := config.ConfigureLogging(c.Log); err != nil {
				return err
			}
			return run(c)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "path to a YAML config file")
	return cmd
}

func run(c *config.Config) (err error) {
	// 1. 连接 Etcd 和本机 Docker
	etcdManager, err := store.NewEtcdManager(c.Etcd.Endpoints, c.Etcd.DialTimeout)
	if err != nil {
		return errors.Wrap(err, "connecting to etcd")
	}
	docker, err := probe.NewDockerClient()
	if err != nil {
		etcdManager.Close()
		return errors.Wrap(err, "creating docker client")
	}
	defer func() {
		var result *multierror.Error
		if cerr := docker.Close(); cerr != nil {
			result = multierror.Append(result, errors.Wrap(cerr, "closing docker client"))
		}
		if cerr := etcdManager.Close(); cerr != nil {
			result = multierror.Append(result, errors.Wrap(cerr, "closing etcd client"))
		}
		if err == nil {
			err = result.ErrorOrNil()
		}
	}()

	// 2. 初始化 Worker Agent 并启动
	clk := clock.RealClock{}
	prober := probe.NewDockerProber(docker, c.Worker.ID, c.Worker.LabelKey, clk)
	agent := worker.NewAgent(c.Worker.ID, etcdManager, prober, c.Worker.ProbeInterval, c.Etcd.RequestTimeout, clk)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go agent.Run(ctx)

	// 3. 优雅退出
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down worker...")
	return nil
}
