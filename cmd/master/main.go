package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"k8s.io/utils/clock"

	"titan/internal/config"
	"titan/internal/master/dispatch"
	"titan/internal/master/ingest"
	"titan/internal/master/metrics"
	"titan/internal/master/scheduler"
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
		Use:          "titan-master",
		Short:        "Runs the container pool registry and scheduler",
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

func run(c *config.Config) error {
	// 1. 初始化 Etcd 连接
	etcdManager, err := store.NewEtcdManager(c.Etcd.Endpoints, c.Etcd.DialTimeout)
	if err != nil {
		return errors.Wrap(err, "connecting to etcd")
	}
	defer etcdManager.Close()
	log.Infof("Connected to etcd at %v", c.Etcd.Endpoints)

	// 2. 初始化容器池 (依赖注入)，并启动请求、上报两条 Watch 流
	var opts []scheduler.Option
	var sink *metrics.Sink
	if c.Metrics.Enabled {
		sink = metrics.NewSink()
		opts = append(opts, scheduler.WithMetricsSink(sink))
	}
	registry := scheduler.NewRegistry(etcdManager, c.RegistryConfig(), opts...)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	loadCtx, loadCancel := context.WithTimeout(ctx, c.Etcd.RequestTimeout)
	if err := registry.Load(loadCtx); err != nil {
		log.WithError(err).Error("Failed to restore containers, starting with an empty pool")
	}
	loadCancel()

	go registry.Run(ctx)
	go ingest.NewIngester(etcdManager, registry).Run(ctx)
	go dispatch.NewDispatcher(etcdManager, etcdManager, registry, c.Etcd.RequestTimeout, clock.RealClock{}).Run(ctx)

	// 3. 暴露 /metrics 给 Prometheus 抓取
	var server *http.Server
	if sink != nil {
		sink.Watch(registry)
		prometheus.MustRegister(sink)

		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		server = &http.Server{Addr: c.Metrics.ListenAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			log.Infof("Serving metrics on %s", c.Metrics.ListenAddr)
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.WithError(err).Error("metrics server stopped")
			}
		}()
	}

	// 4. 优雅退出 (Graceful Shutdown)
	// 等待 Ctrl+C 信号
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down master...")
	cancel()
	if server != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.WithError(err).Warn("metrics server shutdown")
		}
	}
	return nil
}
