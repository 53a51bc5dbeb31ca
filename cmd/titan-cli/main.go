package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"titan/internal/config"
	"titan/pkg/model"
	"titan/pkg/store"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "❌ %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:          "titan-cli",
		Short:        "Inspects the container pool and submits work to it through etcd",
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVar(&configPath, "config", "", "path to a YAML config file")

	withEtcd := func(fn func(ctx context.Context, m *store.EtcdManager) error) error {
		c, err := config.Load(viper.New(), configPath)
		if err != nil {
			return err
		}
		etcdManager, err := store.NewEtcdManager(c.Etcd.Endpoints, c.Etcd.DialTimeout)
		if err != nil {
			return errors.Wrap(err, "connecting to etcd")
		}
		defer etcdManager.Close()

		ctx, cancel := context.WithTimeout(context.Background(), c.Etcd.RequestTimeout)
		defer cancel()
		return fn(ctx, etcdManager)
	}

	cmd.AddCommand(
		containersCmd(withEtcd),
		statsCmd(withEtcd),
		registerCmd(withEtcd),
		unregisterCmd(withEtcd),
		submitCmd(withEtcd),
		requestCmd(withEtcd),
	)
	return cmd
}

type etcdRunner func(fn func(ctx context.Context, m *store.EtcdManager) error) error

func printJSON(cmd *cobra.Command, v interface{}) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errors.Wrap(err, "encoding output")
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(out))
	return nil
}

func containersCmd(withEtcd etcdRunner) *cobra.Command {
	return &cobra.Command{
		Use:   "containers",
		Short: "List persisted pool containers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEtcd(func(ctx context.Context, m *store.EtcdManager) error {
				containers, err := m.ListContainers(ctx)
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "ID\tIMAGE\tSTATUS\tCPU\tMEMORY\tJOB\tLOAD")
				for _, c := range containers {
					fmt.Fprintf(w, "%s\t%s\t%s\t%g\t%s\t%s\t%.2f\n",
						c.ID, c.Image, c.Status, c.Resources.CPU, c.Resources.Memory, c.AssignedJob, c.Utilization.Load())
				}
				return w.Flush()
			})
		},
	}
}

func statsCmd(withEtcd etcdRunner) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print pool statistics computed from persisted containers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEtcd(func(ctx context.Context, m *store.EtcdManager) error {
				containers, err := m.ListContainers(ctx)
				if err != nil {
					return err
				}
				return printJSON(cmd, model.ComputeStats(containers))
			})
		},
	}
}

// containerFlags 注册新容器时需要声明的信息
type containerFlags struct {
	id, name, image, memory, disk string
	cpu                           float64
	labels                        []string
}

func (f containerFlags) build(now time.Time) (*model.Container, error) {
	if f.id == "" || f.image == "" {
		return nil, errors.New("--id and --image are required")
	}
	name := f.name
	if name == "" {
		name = f.id
	}
	c := &model.Container{
		ID:     f.id,
		Name:   name,
		Image:  f.image,
		Status: model.ContainerReady,
		Labels: make(map[string]string, len(f.labels)),
		Resources: model.Resources{
			CPU:    f.cpu,
			Memory: f.memory,
			Disk:   f.disk,
		},
		HealthStatus: model.HealthStatus{
			Healthy:   true,
			LastCheck: now,
			Checks: model.HealthChecks{
				Connectivity: true,
				DiskSpace:    true,
				Memory:       true,
				DockerDaemon: true,
			},
		},
		CreatedAt:       now,
		LastHealthCheck: now,
	}
	for _, l := range f.labels {
		if k, v, ok := strings.Cut(l, "="); ok {
			c.Labels[k] = v
		} else {
			c.Labels[l] = model.LabelTrue
		}
	}
	return c, nil
}

func registerCmd(withEtcd etcdRunner) *cobra.Command {
	var f containerFlags
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Ask the master to add a READY container to the pool",
		RunE: func(cmd *cobra.Command, args []string) error {
			now := time.Now()
			c, err := f.build(now)
			if err != nil {
				return err
			}
			return withEtcd(func(ctx context.Context, m *store.EtcdManager) error {
				err := m.SubmitProvision(ctx, &model.ProvisionRecord{
					Op:          model.ProvisionRegister,
					ContainerID: c.ID,
					Container:   c,
					SubmittedAt: now,
				})
				if err != nil {
					return errors.Wrapf(err, "submitting container %s", c.ID)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "✅ Container %s submitted for registration.\n", c.ID)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.id, "id", "", "container id")
	cmd.Flags().StringVar(&f.name, "name", "", "container name (defaults to id)")
	cmd.Flags().StringVar(&f.image, "image", "", "container image")
	cmd.Flags().Float64Var(&f.cpu, "cpu", 1, "declared cpu cores")
	cmd.Flags().StringVar(&f.memory, "memory", "1Gi", "declared memory")
	cmd.Flags().StringVar(&f.disk, "disk", "", "declared disk")
	cmd.Flags().StringSliceVar(&f.labels, "label", nil, "label flag (k) or key=value, repeatable")
	return cmd
}

func unregisterCmd(withEtcd etcdRunner) *cobra.Command {
	var id string
	cmd := &cobra.Command{
		Use:   "unregister",
		Short: "Ask the master to take a container out of the pool",
		RunE: func(cmd *cobra.Command, args []string) error {
			if id == "" {
				return errors.New("--id is required")
			}
			return withEtcd(func(ctx context.Context, m *store.EtcdManager) error {
				err := m.SubmitProvision(ctx, &model.ProvisionRecord{
					Op:          model.ProvisionUnregister,
					ContainerID: id,
					SubmittedAt: time.Now(),
				})
				if err != nil {
					return errors.Wrapf(err, "submitting removal of %s", id)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "✅ Container %s submitted for removal.\n", id)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "container id")
	return cmd
}

// requestFlags 一次分配请求的命令行参数
type requestFlags struct {
	jobID, image, memory, disk   string
	cpu                          float64
	labels, preferred, avoidJobs []string
	priority                     int
}

func (f requestFlags) build() (*model.AssignmentRequest, error) {
	if f.jobID == "" {
		return nil, errors.New("--job is required")
	}
	req := &model.AssignmentRequest{
		JobID:    f.jobID,
		Labels:   f.labels,
		Image:    f.image,
		Priority: f.priority,
	}
	if f.cpu > 0 || f.memory != "" || f.disk != "" {
		req.Resources = &model.ResourceRequirements{CPU: f.cpu, Memory: f.memory, Disk: f.disk}
	}
	if len(f.preferred) > 0 || len(f.avoidJobs) > 0 {
		req.Affinity = &model.AffinityRules{}
		if len(f.preferred) > 0 {
			req.Affinity.ContainerAffinity = &model.ContainerAffinity{Preferred: f.preferred}
		}
		if len(f.avoidJobs) > 0 {
			req.Affinity.AntiAffinity = &model.AntiAffinity{Jobs: f.avoidJobs}
		}
	}
	return req, nil
}

func submitCmd(withEtcd etcdRunner) *cobra.Command {
	var f requestFlags
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Queue a job for assignment to a pool container",
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := f.build()
			if err != nil {
				return err
			}
			return withEtcd(func(ctx context.Context, m *store.EtcdManager) error {
				if err := m.SubmitRequest(ctx, req, time.Now()); err != nil {
					return errors.Wrapf(err, "submitting job %s", req.JobID)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "✅ Job %s submitted!\n", req.JobID)
				fmt.Fprintln(cmd.OutOrStdout(), "💡 Check the assignment later with:")
				fmt.Fprintf(cmd.OutOrStdout(), "   titan-cli request %s\n", req.JobID)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.jobID, "job", "", "job id")
	cmd.Flags().StringSliceVar(&f.labels, "label", nil, "label the container must carry, repeatable")
	cmd.Flags().StringVar(&f.image, "image", "", "required image, compatible bases allowed")
	cmd.Flags().Float64Var(&f.cpu, "cpu", 0, "minimum free cpu cores")
	cmd.Flags().StringVar(&f.memory, "memory", "", "minimum memory")
	cmd.Flags().StringVar(&f.disk, "disk", "", "minimum disk")
	cmd.Flags().StringSliceVar(&f.preferred, "prefer", nil, "preferred container label, repeatable")
	cmd.Flags().StringSliceVar(&f.avoidJobs, "avoid-job", nil, "job whose container must not be used, repeatable")
	cmd.Flags().IntVar(&f.priority, "priority", 5, "priority, lower is more urgent")
	return cmd
}

func requestCmd(withEtcd etcdRunner) *cobra.Command {
	return &cobra.Command{
		Use:   "request <job-id>",
		Short: "Show the state of a submitted job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEtcd(func(ctx context.Context, m *store.EtcdManager) error {
				rec, err := m.GetRequest(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd, rec)
			})
		},
	}
}
