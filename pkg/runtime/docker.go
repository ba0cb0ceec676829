package runtime

import (
	"context"
	"io"
	"strings"
	"time"

	dockertypes "github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/strslice"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/bitia-ru/container-volume-backup/pkg/types"
)

const stopTimeout = 30 * time.Second

// Docker implements the runtime primitives over the Docker Engine API.
// balenaEngine speaks the same API.
type Docker struct {
	client client.APIClient
	logger *zap.Logger
}

// NewDocker connects using DOCKER_HOST and friends from the environment.
func NewDocker(logger *zap.Logger) (*Docker, error) {
	c, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, apiError("connect", err)
	}
	return NewDockerWithClient(c, logger), nil
}

func NewDockerWithClient(c client.APIClient, logger *zap.Logger) *Docker {
	return &Docker{client: c, logger: logger.Named("runtime")}
}

// Close releases the underlying client connection.
func (d *Docker) Close() error {
	return d.client.Close()
}

// InspectContainer returns the image, labels and mounts of a container.
func (d *Docker) InspectContainer(ctx context.Context, id string) (*types.ContainerMetadata, error) {
	info, err := d.client.ContainerInspect(ctx, id)
	if err != nil {
		return nil, apiError("inspectContainer", err)
	}
	return containerMetadata(info), nil
}

func containerMetadata(info dockertypes.ContainerJSON) *types.ContainerMetadata {
	meta := &types.ContainerMetadata{}
	if info.ContainerJSONBase != nil {
		meta.ID = info.ID
		meta.Image = info.Image
	}
	if info.Config != nil {
		// prefer the reference the container was created from over the image id
		if info.Config.Image != "" {
			meta.Image = info.Config.Image
		}
		meta.Labels = info.Config.Labels
	}
	for _, mp := range info.Mounts {
		m := types.Mount{Destination: mp.Destination, RW: mp.RW}
		if mp.Type == mount.TypeVolume {
			m.Name = mp.Name
		}
		meta.Mounts = append(meta.Mounts, m)
	}
	return meta
}

// ListVolumes returns the volumes carrying all of the given labels.
func (d *Docker) ListVolumes(ctx context.Context, labels map[string]string) ([]types.Volume, error) {
	body, err := d.client.VolumeList(ctx, labelFilter(labels))
	if err != nil {
		return nil, apiError("listVolumes", err)
	}
	for _, w := range body.Warnings {
		d.logger.Warn("volume list warning", zap.String("warning", w))
	}

	volumes := make([]types.Volume, 0, len(body.Volumes))
	for _, v := range body.Volumes {
		if v == nil {
			continue
		}
		volumes = append(volumes, types.Volume{Name: v.Name, Labels: v.Labels, Source: v.Mountpoint})
	}
	return volumes, nil
}

// ListContainers returns running containers carrying all of the given labels.
func (d *Docker) ListContainers(ctx context.Context, labels map[string]string) ([]types.ContainerInfo, error) {
	list, err := d.client.ContainerList(ctx, dockertypes.ContainerListOptions{Filters: labelFilter(labels)})
	if err != nil {
		return nil, apiError("listContainers", err)
	}

	out := make([]types.ContainerInfo, 0, len(list))
	for _, c := range list {
		info := types.ContainerInfo{ID: c.ID, State: c.State, Labels: c.Labels}
		if len(c.Names) > 0 {
			info.Name = strings.TrimPrefix(c.Names[0], "/")
		}
		out = append(out, info)
	}
	return out, nil
}

// StopContainer stops a container, waiting up to stopTimeout before the engine kills it.
func (d *Docker) StopContainer(ctx context.Context, id string) error {
	timeout := stopTimeout
	if err := d.client.ContainerStop(ctx, id, &timeout); err != nil {
		return apiError("stopContainer", err)
	}
	return nil
}

func (d *Docker) StartContainer(ctx context.Context, id string) error {
	if err := d.client.ContainerStart(ctx, id, dockertypes.ContainerStartOptions{}); err != nil {
		return apiError("startContainer", err)
	}
	return nil
}

// RunContainer creates and starts a container from spec, streams its output
// to stdout and stderr while it runs, and returns its exit code.
func (d *Docker) RunContainer(ctx context.Context, spec types.WorkerSpec, cmd []string, stdout, stderr io.Writer) (int64, error) {
	cfg, hostCfg := containerConfig(spec, cmd)

	created, err := d.client.ContainerCreate(ctx, cfg, hostCfg, nil, nil, "")
	if err != nil {
		return -1, apiError("createContainer", err)
	}
	for _, w := range created.Warnings {
		d.logger.Warn("container create warning", zap.String("warning", w))
	}
	id := created.ID
	d.logger.Debug("created worker container", zap.String("id", id), zap.Strings("cmd", cmd))

	attach, err := d.client.ContainerAttach(ctx, id, dockertypes.ContainerAttachOptions{
		Stream: true,
		Stdout: true,
		Stderr: true,
	})
	if err != nil {
		d.discard(ctx, id)
		return -1, apiError("attachContainer", err)
	}
	defer attach.Close()

	streamed := make(chan error, 1)
	go func() {
		_, err := stdcopy.StdCopy(stdout, stderr, attach.Reader)
		streamed <- err
	}()

	// register the wait before starting so a fast exit plus auto-remove is not missed
	condition := container.WaitConditionNextExit
	if spec.AutoRemove {
		condition = container.WaitConditionRemoved
	}
	waitCh, waitErrCh := d.client.ContainerWait(ctx, id, condition)

	if err := d.client.ContainerStart(ctx, id, dockertypes.ContainerStartOptions{}); err != nil {
		d.discard(ctx, id)
		return -1, apiError("startContainer", err)
	}

	var exitCode int64
	select {
	case res := <-waitCh:
		if res.Error != nil && res.Error.Message != "" {
			return -1, apiError("waitContainer", errors.New(res.Error.Message))
		}
		exitCode = res.StatusCode
	case err := <-waitErrCh:
		return -1, apiError("waitContainer", err)
	}

	if err := <-streamed; err != nil && !errors.Is(err, io.EOF) {
		d.logger.Warn("worker output stream ended with error", zap.Error(err))
	}
	d.logger.Debug("worker container exited", zap.String("id", id), zap.Int64("code", exitCode))
	return exitCode, nil
}

// discard removes a container that never ran.
func (d *Docker) discard(ctx context.Context, id string) {
	err := d.client.ContainerRemove(ctx, id, dockertypes.ContainerRemoveOptions{Force: true})
	if err != nil {
		d.logger.Warn("failed to remove worker container", zap.String("id", id), zap.Error(err))
	}
}

func containerConfig(spec types.WorkerSpec, cmd []string) (*container.Config, *container.HostConfig) {
	cfg := &container.Config{
		Image:        spec.Image,
		Env:          spec.Env,
		AttachStdout: true,
		AttachStderr: true,
	}
	// cmd replaces the image entrypoint so the worker runs only the tool
	if len(cmd) > 0 {
		cfg.Entrypoint = strslice.StrSlice(cmd[:1])
		cfg.Cmd = strslice.StrSlice(cmd[1:])
	}
	hostCfg := &container.HostConfig{
		AutoRemove:  spec.AutoRemove,
		Binds:       spec.Binds,
		NetworkMode: container.NetworkMode(spec.NetworkMode),
	}
	if len(spec.Tmpfs) > 0 {
		hostCfg.Tmpfs = make(map[string]string, len(spec.Tmpfs))
		for _, t := range spec.Tmpfs {
			hostCfg.Tmpfs[t.Path] = t.Options
		}
	}
	return cfg, hostCfg
}

func labelFilter(labels map[string]string) filters.Args {
	args := filters.NewArgs()
	for k, v := range labels {
		args.Add("label", k+"="+v)
	}
	return args
}

func apiError(call string, err error) error {
	return &types.RuntimeAPIError{Call: call, Err: err}
}
