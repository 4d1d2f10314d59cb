// Package container wraps the Docker SDK behind the driver the lifecycle
// manager consumes. The driver is a thin adapter: it classifies errors and
// applies capability presets, and nothing else. It never retries.
package container

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"go.uber.org/zap"

	"github.com/orchd/orchd/internal/common/config"
	"github.com/orchd/orchd/internal/common/logger"
)

// Mount is one bind mount of an agent container.
type Mount struct {
	Source   string
	Target   string
	ReadOnly bool
}

// Spec is everything needed to create an agent container.
type Spec struct {
	Name        string
	Image       string
	Env         []string
	WorkingDir  string
	Mounts      []Mount
	NetworkMode string
	Identity    Identity
	Profile     Profile
	ExtraLabels map[string]string
}

// Inspection is the driver's view of an existing container.
type Inspection struct {
	ID        string
	Name      string
	Image     string
	Running   bool
	Status    string
	StartedAt time.Time
	Labels    map[string]string
	Env       []string
	Mounts    []Mount
	CapAdd    []string
	CPUs      float64
	MemoryMB  int64
}

// Stats is a point-in-time resource snapshot.
type Stats struct {
	CPUPercent  float64
	MemoryBytes uint64
	MemoryLimit uint64
	NetRxBytes  uint64
	NetTxBytes  uint64
	Uptime      time.Duration
}

// Driver is the container-engine surface the lifecycle manager depends on.
// *DockerDriver implements it; tests substitute a fake.
type Driver interface {
	Create(ctx context.Context, spec Spec) (string, error)
	Start(ctx context.Context, name string) error
	Stop(ctx context.Context, name string, timeout time.Duration) error
	Remove(ctx context.Context, name string, force bool) error
	Inspect(ctx context.Context, name string) (*Inspection, error)
	Exec(ctx context.Context, name string, argv []string) (int, string, error)
	Logs(ctx context.Context, name string, tail int) (io.ReadCloser, error)
	Stats(ctx context.Context, name string) (*Stats, error)
	List(ctx context.Context, labelFilter map[string]string) ([]Inspection, error)
	Ping(ctx context.Context) error
	Close() error
}

// DockerDriver implements Driver over the Docker engine API.
type DockerDriver struct {
	cli    *client.Client
	logger *logger.Logger
	config config.DockerConfig
}

// NewDockerDriver creates a driver against the configured engine.
func NewDockerDriver(cfg config.DockerConfig, log *logger.Logger) (*DockerDriver, error) {
	opts := []client.Opt{client.WithAPIVersionNegotiation()}
	if cfg.Host != "" {
		opts = append(opts, client.WithHost(cfg.Host))
	}
	if cfg.APIVersion != "" {
		opts = append(opts, client.WithVersion(cfg.APIVersion))
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	log.Info("Docker client created",
		zap.String("host", cfg.Host),
		zap.String("api_version", cfg.APIVersion))
	return &DockerDriver{cli: cli, logger: log, config: cfg}, nil
}

// Close closes the engine connection.
func (d *DockerDriver) Close() error {
	return d.cli.Close()
}

// Ping checks engine availability.
func (d *DockerDriver) Ping(ctx context.Context) error {
	if _, err := d.cli.Ping(ctx); err != nil {
		return classify(err)
	}
	return nil
}

// Create creates the container with its identity labels and capability
// preset applied. Returns the engine container id.
func (d *DockerDriver) Create(ctx context.Context, spec Spec) (string, error) {
	labels := spec.Identity.Labels()
	for k, v := range spec.ExtraLabels {
		labels[k] = v
	}

	mounts := make([]mount.Mount, 0, len(spec.Mounts))
	for _, m := range spec.Mounts {
		mounts = append(mounts, mount.Mount{
			Type:     mount.TypeBind,
			Source:   m.Source,
			Target:   m.Target,
			ReadOnly: m.ReadOnly,
		})
	}

	networkMode := spec.NetworkMode
	if networkMode == "" {
		networkMode = d.config.DefaultNetwork
	}

	containerCfg := &container.Config{
		Image:      spec.Image,
		Env:        spec.Env,
		WorkingDir: spec.WorkingDir,
		Labels:     labels,
	}
	hostCfg := &container.HostConfig{
		Mounts:      mounts,
		NetworkMode: container.NetworkMode(networkMode),
		CapDrop:     spec.Profile.CapDrop(),
		CapAdd:      spec.Profile.CapAdd(),
		Tmpfs:       spec.Profile.Tmpfs(),
		Resources: container.Resources{
			NanoCPUs: int64(spec.Identity.CPUs * 1e9),
			Memory:   spec.Identity.MemoryMB << 20,
		},
	}

	resp, err := d.cli.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, spec.Name)
	if err != nil {
		return "", classify(err)
	}
	d.logger.Info("Container created",
		zap.String("name", spec.Name),
		zap.String("id", resp.ID),
		zap.String("profile", string(spec.Profile)))
	return resp.ID, nil
}

// Start starts the container.
func (d *DockerDriver) Start(ctx context.Context, name string) error {
	if err := d.cli.ContainerStart(ctx, name, container.StartOptions{}); err != nil {
		return classify(err)
	}
	d.logger.Info("Container started", zap.String("name", name))
	return nil
}

// Stop stops the container; already-stopped is not an error.
func (d *DockerDriver) Stop(ctx context.Context, name string, timeout time.Duration) error {
	seconds := int(timeout.Seconds())
	if err := d.cli.ContainerStop(ctx, name, container.StopOptions{Timeout: &seconds}); err != nil {
		return classify(err)
	}
	d.logger.Info("Container stopped", zap.String("name", name))
	return nil
}

// Remove removes the container.
func (d *DockerDriver) Remove(ctx context.Context, name string, force bool) error {
	err := d.cli.ContainerRemove(ctx, name, container.RemoveOptions{
		Force:         force,
		RemoveVolumes: false, // the workspace volume outlives recreation
	})
	if err != nil {
		return classify(err)
	}
	d.logger.Info("Container removed", zap.String("name", name))
	return nil
}

// Inspect returns the container's current config and state.
func (d *DockerDriver) Inspect(ctx context.Context, name string) (*Inspection, error) {
	inspect, err := d.cli.ContainerInspect(ctx, name)
	if err != nil {
		return nil, classify(err)
	}

	info := &Inspection{
		ID:      inspect.ID,
		Name:    trimSlash(inspect.Name),
		Running: inspect.State != nil && inspect.State.Running,
	}
	if inspect.State != nil {
		info.Status = inspect.State.Status
		if inspect.State.StartedAt != "" {
			if t, err := time.Parse(time.RFC3339Nano, inspect.State.StartedAt); err == nil {
				info.StartedAt = t
			}
		}
	}
	if inspect.Config != nil {
		info.Image = inspect.Config.Image
		info.Labels = inspect.Config.Labels
		info.Env = inspect.Config.Env
	}
	if inspect.HostConfig != nil {
		info.CapAdd = inspect.HostConfig.CapAdd
		info.CPUs = float64(inspect.HostConfig.NanoCPUs) / 1e9
		info.MemoryMB = inspect.HostConfig.Memory >> 20
	}
	for _, m := range inspect.Mounts {
		info.Mounts = append(info.Mounts, Mount{
			Source:   m.Source,
			Target:   m.Destination,
			ReadOnly: !m.RW,
		})
	}
	return info, nil
}

// Exec runs argv inside the container and returns the exit code and
// combined output.
func (d *DockerDriver) Exec(ctx context.Context, name string, argv []string) (int, string, error) {
	execResp, err := d.cli.ContainerExecCreate(ctx, name, container.ExecOptions{
		Cmd:          argv,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return -1, "", classify(err)
	}

	attach, err := d.cli.ContainerExecAttach(ctx, execResp.ID, container.ExecAttachOptions{})
	if err != nil {
		return -1, "", classify(err)
	}
	defer attach.Close()

	var out bytes.Buffer
	if _, err := stdcopy.StdCopy(&out, &out, attach.Reader); err != nil {
		return -1, out.String(), fmt.Errorf("exec stream for %s: %w", name, err)
	}

	inspect, err := d.cli.ContainerExecInspect(ctx, execResp.ID)
	if err != nil {
		return -1, out.String(), classify(err)
	}
	return inspect.ExitCode, out.String(), nil
}

// Logs streams the container's log tail. tail <= 0 means everything.
func (d *DockerDriver) Logs(ctx context.Context, name string, tail int) (io.ReadCloser, error) {
	tailArg := "all"
	if tail > 0 {
		tailArg = fmt.Sprintf("%d", tail)
	}
	reader, err := d.cli.ContainerLogs(ctx, name, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Tail:       tailArg,
	})
	if err != nil {
		return nil, classify(err)
	}
	return reader, nil
}

// Stats returns a one-shot resource snapshot.
func (d *DockerDriver) Stats(ctx context.Context, name string) (*Stats, error) {
	resp, err := d.cli.ContainerStatsOneShot(ctx, name)
	if err != nil {
		return nil, classify(err)
	}
	defer resp.Body.Close()

	var raw container.StatsResponse
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode stats for %s: %w", name, err)
	}

	stats := &Stats{
		MemoryBytes: raw.MemoryStats.Usage,
		MemoryLimit: raw.MemoryStats.Limit,
	}
	// one-shot stats carry no precpu sample; report cumulative usage ratio
	if raw.CPUStats.SystemUsage > 0 {
		stats.CPUPercent = float64(raw.CPUStats.CPUUsage.TotalUsage) /
			float64(raw.CPUStats.SystemUsage) * 100
	}
	for _, net := range raw.Networks {
		stats.NetRxBytes += net.RxBytes
		stats.NetTxBytes += net.TxBytes
	}
	if info, err := d.Inspect(ctx, name); err == nil && !info.StartedAt.IsZero() && info.Running {
		stats.Uptime = time.Since(info.StartedAt)
	}
	return stats, nil
}

// List discovers containers by label, including stopped ones. This is the
// reconcile entry point.
func (d *DockerDriver) List(ctx context.Context, labelFilter map[string]string) ([]Inspection, error) {
	filterArgs := filters.NewArgs()
	for key, value := range labelFilter {
		if value == "" {
			filterArgs.Add("label", key)
		} else {
			filterArgs.Add("label", fmt.Sprintf("%s=%s", key, value))
		}
	}

	containers, err := d.cli.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filterArgs,
	})
	if err != nil {
		return nil, classify(err)
	}

	infos := make([]Inspection, 0, len(containers))
	for _, ctr := range containers {
		name := ""
		if len(ctr.Names) > 0 {
			name = trimSlash(ctr.Names[0])
		}
		infos = append(infos, Inspection{
			ID:      ctr.ID,
			Name:    name,
			Image:   ctr.Image,
			Running: ctr.State == "running",
			Status:  ctr.Status,
			Labels:  ctr.Labels,
		})
	}
	return infos, nil
}

func trimSlash(name string) string {
	if len(name) > 0 && name[0] == '/' {
		return name[1:]
	}
	return name
}
