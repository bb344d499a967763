package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-units"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

const (
	labelPrefix = "chunkerweb."

	// Memory granted to the container on top of the JVM heap.
	containerHeadroom = 512 * units.MiB
)

// dockerAPI is the part of the Docker Engine client the launcher uses.
type dockerAPI interface {
	ImageInspect(ctx context.Context, imageID string, opts ...client.ImageInspectOption) (image.InspectResponse, error)
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerAttach(ctx context.Context, containerID string, options container.AttachOptions) (types.HijackedResponse, error)
	ContainerWait(ctx context.Context, containerID string, condition container.WaitCondition) (<-chan container.WaitResponse, <-chan error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerKill(ctx context.Context, containerID, signal string) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	ContainerList(ctx context.Context, options container.ListOptions) ([]container.Summary, error)
	Close() error
}

// DockerLauncher runs each worker in its own container with stdio attached.
type DockerLauncher struct {
	docker dockerAPI
	image  string
	logger *slog.Logger
}

func NewDockerLauncher(image string, logger *slog.Logger) (*DockerLauncher, error) {
	if image == "" {
		return nil, errors.New("docker runtime needs worker.docker_image")
	}
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	return newDockerLauncher(cli, image, logger), nil
}

func newDockerLauncher(api dockerAPI, image string, logger *slog.Logger) *DockerLauncher {
	return &DockerLauncher{docker: api, image: image, logger: logger}
}

func (l *DockerLauncher) Close() error {
	return l.docker.Close()
}

// Available checks that the worker image is present. The CLI path refers to
// a file inside the image and is not checked.
func (l *DockerLauncher) Available(ctx context.Context, _ string) error {
	if _, err := l.docker.ImageInspect(ctx, l.image); err != nil {
		return fmt.Errorf("worker image %s: %w", l.image, err)
	}
	return nil
}

// containerConfig builds the container for spec: the worker's command and
// environment, the session labels, a memory limit of heap plus headroom, no
// network, no capabilities and every bind mounted at its host path.
func containerConfig(imageName string, spec Spec) (*container.Config, *container.HostConfig) {
	hostCfg := &container.HostConfig{
		SecurityOpt: []string{"no-new-privileges"},
		CapDrop:     []string{"ALL"},
		NetworkMode: "none",
	}
	if spec.HeapBytes > 0 {
		hostCfg.Resources.Memory = spec.HeapBytes + containerHeadroom
	}
	for _, dir := range spec.Binds {
		hostCfg.Mounts = append(hostCfg.Mounts, mount.Mount{
			Type:   mount.TypeBind,
			Source: dir,
			Target: dir,
		})
	}

	cfg := &container.Config{
		Image:        imageName,
		Cmd:          spec.Args,
		Env:          spec.Env,
		OpenStdin:    true,
		StdinOnce:    true,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
		Tty:          false,
		Labels: map[string]string{
			labelPrefix + "managed":    "true",
			labelPrefix + "session_id": spec.Name,
		},
	}
	return cfg, hostCfg
}

func (l *DockerLauncher) Launch(ctx context.Context, spec Spec) (Process, error) {
	cfg, hostCfg := containerConfig(l.image, spec)

	resp, err := l.docker.ContainerCreate(ctx, cfg, hostCfg, nil, nil, "chunkerweb-"+spec.Name)
	if err != nil {
		return nil, fmt.Errorf("container create: %w", err)
	}
	id := resp.ID

	attach, err := l.docker.ContainerAttach(ctx, id, container.AttachOptions{
		Stream: true,
		Stdin:  true,
		Stdout: true,
		Stderr: true,
	})
	if err != nil {
		l.remove(id)
		return nil, fmt.Errorf("container attach: %w", err)
	}

	// Register the wait before starting so a fast exit is not missed.
	waitCh, errCh := l.docker.ContainerWait(context.Background(), id, container.WaitConditionNextExit)

	if err := l.docker.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		attach.Close()
		l.remove(id)
		return nil, fmt.Errorf("container start: %w", err)
	}

	p := &dockerProcess{
		launcher: l,
		id:       id,
		attach:   attach,
		waitCh:   waitCh,
		errCh:    errCh,
		copied:   make(chan struct{}),
	}
	go func() {
		defer close(p.copied)
		// Demultiplex Docker's stdout/stderr stream (8-byte headers).
		if _, err := stdcopy.StdCopy(nonNil(spec.Stdout), nonNil(spec.Stderr), attach.Reader); err != nil {
			l.logger.Debug("container output ended", "container_id", id, "error", err)
		}
	}()
	return p, nil
}

// RemoveOrphans force-removes worker containers whose session is not live.
func (l *DockerLauncher) RemoveOrphans(ctx context.Context, live func(sessionID string) bool) (int, error) {
	f := filters.NewArgs()
	f.Add("label", labelPrefix+"managed=true")

	containers, err := l.docker.ContainerList(ctx, container.ListOptions{All: true, Filters: f})
	if err != nil {
		return 0, fmt.Errorf("container list: %w", err)
	}

	removed := 0
	for _, ctr := range containers {
		if live(ctr.Labels[labelPrefix+"session_id"]) {
			continue
		}
		if err := l.docker.ContainerRemove(ctx, ctr.ID, container.RemoveOptions{Force: true}); err != nil && !cerrdefs.IsNotFound(err) {
			l.logger.Warn("remove orphaned worker container", "container_id", ctr.ID, "error", err)
			continue
		}
		removed++
	}
	return removed, nil
}

func (l *DockerLauncher) remove(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	err := l.docker.ContainerRemove(ctx, id, container.RemoveOptions{Force: true})
	if err != nil && !cerrdefs.IsNotFound(err) {
		l.logger.Warn("remove worker container", "container_id", id, "error", err)
	}
}

type dockerProcess struct {
	launcher *DockerLauncher
	id       string
	attach   types.HijackedResponse
	waitCh   <-chan container.WaitResponse
	errCh    <-chan error
	copied   chan struct{}
	killed   atomic.Bool

	stdinOnce sync.Once
	stdinErr  error
}

func (p *dockerProcess) Write(b []byte) (int, error) {
	return p.attach.Conn.Write(b)
}

func (p *dockerProcess) CloseStdin() error {
	p.stdinOnce.Do(func() { p.stdinErr = p.attach.CloseWrite() })
	return p.stdinErr
}

func (p *dockerProcess) Wait() (int, error) {
	code := -1
	var err error
	select {
	case res := <-p.waitCh:
		code = int(res.StatusCode)
		if res.Error != nil {
			err = errors.New(res.Error.Message)
		}
	case err = <-p.errCh:
	}
	if p.killed.Load() {
		code = -1
	}

	select {
	case <-p.copied:
	case <-time.After(waitDelay):
	}
	p.attach.Close()
	p.launcher.remove(p.id)
	return code, err
}

func (p *dockerProcess) Kill() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	p.killed.Store(true)
	err := p.launcher.docker.ContainerKill(ctx, p.id, "KILL")
	if err != nil && !cerrdefs.IsNotFound(err) {
		return fmt.Errorf("container kill: %w", err)
	}
	return nil
}

func nonNil(w io.Writer) io.Writer {
	if w == nil {
		return io.Discard
	}
	return w
}
