package worker

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"slices"
	"testing"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-units"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

var forceRemove = container.RemoveOptions{Force: true}

func newTestDockerLauncher(api dockerAPI) *DockerLauncher {
	return newDockerLauncher(api, "chunker:latest", slog.New(slog.NewTextHandler(io.Discard, nil)))
}

// hijacked returns an attach stream for the launcher and the daemon's end of it.
func hijacked(t *testing.T) (types.HijackedResponse, net.Conn) {
	t.Helper()
	local, remote := net.Pipe()
	t.Cleanup(func() { remote.Close() })
	return types.NewHijackedResponse(local, ""), remote
}

func TestContainerConfig(t *testing.T) {
	cfg, host := containerConfig("chunker:latest", Spec{
		Name:      "abc",
		Args:      []string{"java", "-jar", "/opt/chunker.jar"},
		Env:       []string{"JAVA_OPTS=-Xmx2048m"},
		HeapBytes: 2 * units.GiB,
		Binds:     []string{"/data/sessions/abc"},
	})

	assert.Equal(t, "chunker:latest", cfg.Image)
	assert.Equal(t, []string{"java", "-jar", "/opt/chunker.jar"}, []string(cfg.Cmd))
	assert.Equal(t, []string{"JAVA_OPTS=-Xmx2048m"}, cfg.Env)
	assert.True(t, cfg.OpenStdin)
	assert.True(t, cfg.AttachStdin)
	assert.False(t, cfg.Tty)
	assert.Equal(t, map[string]string{
		"chunkerweb.managed":    "true",
		"chunkerweb.session_id": "abc",
	}, cfg.Labels)

	assert.Equal(t, int64(2*units.GiB+512*units.MiB), host.Resources.Memory)
	assert.Equal(t, []string{"ALL"}, []string(host.CapDrop))
	assert.Equal(t, container.NetworkMode("none"), host.NetworkMode)
	assert.Contains(t, host.SecurityOpt, "no-new-privileges")
	assert.Equal(t, []mount.Mount{{
		Type:   mount.TypeBind,
		Source: "/data/sessions/abc",
		Target: "/data/sessions/abc",
	}}, host.Mounts)
}

func TestContainerConfigWithoutHeapHasNoMemoryLimit(t *testing.T) {
	_, host := containerConfig("chunker:latest", Spec{Name: "abc"})
	assert.Zero(t, host.Resources.Memory)
	assert.Empty(t, host.Mounts)
}

func TestDockerAvailable(t *testing.T) {
	api := &MockDockerAPI{}
	l := newTestDockerLauncher(api)

	api.On("ImageInspect", mock.Anything, "chunker:latest").Return(image.InspectResponse{}, nil).Once()
	require.NoError(t, l.Available(context.Background(), "/opt/chunker.jar"))

	api.On("ImageInspect", mock.Anything, "chunker:latest").Return(image.InspectResponse{}, errors.New("no such image")).Once()
	err := l.Available(context.Background(), "/opt/chunker.jar")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "chunker:latest")
	api.AssertExpectations(t)
}

func TestDockerLaunchWaitRemovesContainer(t *testing.T) {
	api := &MockDockerAPI{}
	l := newTestDockerLauncher(api)
	attach, daemon := hijacked(t)
	waitCh := make(chan container.WaitResponse, 1)
	errCh := make(chan error, 1)

	api.On("ContainerCreate", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything, "chunkerweb-abc").
		Return(container.CreateResponse{ID: "c1"}, nil)
	api.On("ContainerAttach", mock.Anything, "c1", mock.Anything).Return(attach, nil)
	api.On("ContainerWait", mock.Anything, "c1", container.WaitConditionNextExit).Return(waitCh, errCh)
	api.On("ContainerStart", mock.Anything, "c1", container.StartOptions{}).Return(nil)
	api.On("ContainerRemove", mock.Anything, "c1", forceRemove).Return(nil).Once()

	var stdout, stderr bytes.Buffer
	p, err := l.Launch(context.Background(), Spec{Name: "abc", Stdout: &stdout, Stderr: &stderr})
	require.NoError(t, err)

	go func() {
		stdcopy.NewStdWriter(daemon, stdcopy.Stdout).Write([]byte("{\"type\":\"ready\"}\n"))
		stdcopy.NewStdWriter(daemon, stdcopy.Stderr).Write([]byte("warming up\n"))
		daemon.Close()
	}()
	waitCh <- container.WaitResponse{StatusCode: 3}

	code, err := p.Wait()
	require.NoError(t, err)
	assert.Equal(t, 3, code)
	assert.Equal(t, "{\"type\":\"ready\"}\n", stdout.String())
	assert.Equal(t, "warming up\n", stderr.String())
	api.AssertExpectations(t)
}

func TestDockerWaitReportsDaemonError(t *testing.T) {
	api := &MockDockerAPI{}
	l := newTestDockerLauncher(api)
	attach, _ := hijacked(t)
	copied := make(chan struct{})
	close(copied)
	waitCh := make(chan container.WaitResponse, 1)
	waitCh <- container.WaitResponse{StatusCode: 1, Error: &container.WaitExitError{Message: "container vanished"}}

	api.On("ContainerRemove", mock.Anything, "c1", forceRemove).Return(cerrdefs.ErrNotFound)

	p := &dockerProcess{launcher: l, id: "c1", attach: attach, waitCh: waitCh, errCh: make(chan error), copied: copied}
	code, err := p.Wait()
	assert.EqualError(t, err, "container vanished")
	assert.Equal(t, 1, code)
	api.AssertExpectations(t)
}

func TestDockerLaunchStartFailureRemovesContainer(t *testing.T) {
	api := &MockDockerAPI{}
	l := newTestDockerLauncher(api)
	attach, _ := hijacked(t)

	api.On("ContainerCreate", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything, "chunkerweb-abc").
		Return(container.CreateResponse{ID: "c1"}, nil)
	api.On("ContainerAttach", mock.Anything, "c1", mock.Anything).Return(attach, nil)
	api.On("ContainerWait", mock.Anything, "c1", container.WaitConditionNextExit).
		Return(make(chan container.WaitResponse), make(chan error))
	api.On("ContainerStart", mock.Anything, "c1", container.StartOptions{}).Return(errors.New("port is already allocated"))
	api.On("ContainerRemove", mock.Anything, "c1", forceRemove).Return(nil).Once()

	_, err := l.Launch(context.Background(), Spec{Name: "abc"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "container start")
	api.AssertExpectations(t)
}

func TestDockerLaunchCreateFailure(t *testing.T) {
	api := &MockDockerAPI{}
	l := newTestDockerLauncher(api)

	api.On("ContainerCreate", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything, "chunkerweb-abc").
		Return(container.CreateResponse{}, errors.New("no space left on device"))

	_, err := l.Launch(context.Background(), Spec{Name: "abc"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "container create")
	api.AssertNotCalled(t, "ContainerRemove", mock.Anything, mock.Anything, mock.Anything)
}

func TestDockerKill(t *testing.T) {
	tests := []struct {
		name    string
		killErr error
		wantErr bool
	}{
		{"killed", nil, false},
		{"already gone", cerrdefs.ErrNotFound, false},
		{"daemon error", errors.New("daemon unavailable"), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api := &MockDockerAPI{}
			l := newTestDockerLauncher(api)
			attach, _ := hijacked(t)
			api.On("ContainerKill", mock.Anything, "c1", "KILL").Return(tt.killErr)

			p := &dockerProcess{launcher: l, id: "c1", attach: attach}
			err := p.Kill()
			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), "container kill")
			} else {
				require.NoError(t, err)
			}
			api.AssertExpectations(t)
		})
	}
}

func TestDockerKilledExitReportsMinusOne(t *testing.T) {
	api := &MockDockerAPI{}
	l := newTestDockerLauncher(api)
	attach, _ := hijacked(t)
	copied := make(chan struct{})
	close(copied)
	waitCh := make(chan container.WaitResponse, 1)

	api.On("ContainerKill", mock.Anything, "c1", "KILL").Return(nil)
	api.On("ContainerRemove", mock.Anything, "c1", forceRemove).Return(nil)

	p := &dockerProcess{launcher: l, id: "c1", attach: attach, waitCh: waitCh, errCh: make(chan error), copied: copied}
	require.NoError(t, p.Kill())
	waitCh <- container.WaitResponse{StatusCode: 137}

	code, err := p.Wait()
	require.NoError(t, err)
	assert.Equal(t, -1, code)
}

func TestDockerUnkilledExitKeepsCode(t *testing.T) {
	api := &MockDockerAPI{}
	l := newTestDockerLauncher(api)
	attach, _ := hijacked(t)
	copied := make(chan struct{})
	close(copied)
	waitCh := make(chan container.WaitResponse, 1)
	waitCh <- container.WaitResponse{StatusCode: 137}

	api.On("ContainerRemove", mock.Anything, "c1", forceRemove).Return(nil)

	p := &dockerProcess{launcher: l, id: "c1", attach: attach, waitCh: waitCh, errCh: make(chan error), copied: copied}
	code, err := p.Wait()
	require.NoError(t, err)
	assert.Equal(t, 137, code)
}

func TestDockerRemoveOrphans(t *testing.T) {
	api := &MockDockerAPI{}
	l := newTestDockerLauncher(api)

	managed := mock.MatchedBy(func(opts container.ListOptions) bool {
		return opts.All && slices.Contains(opts.Filters.Get("label"), "chunkerweb.managed=true")
	})
	api.On("ContainerList", mock.Anything, managed).Return([]container.Summary{
		{ID: "c-live", Labels: map[string]string{"chunkerweb.session_id": "live"}},
		{ID: "c-dead", Labels: map[string]string{"chunkerweb.session_id": "dead"}},
		{ID: "c-gone", Labels: map[string]string{"chunkerweb.session_id": "gone"}},
		{ID: "c-stuck", Labels: map[string]string{"chunkerweb.session_id": "stuck"}},
	}, nil)
	api.On("ContainerRemove", mock.Anything, "c-dead", forceRemove).Return(nil)
	api.On("ContainerRemove", mock.Anything, "c-gone", forceRemove).Return(cerrdefs.ErrNotFound)
	api.On("ContainerRemove", mock.Anything, "c-stuck", forceRemove).Return(errors.New("removal in progress"))

	n, err := l.RemoveOrphans(context.Background(), func(id string) bool { return id == "live" })
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	api.AssertExpectations(t)
	api.AssertNotCalled(t, "ContainerRemove", mock.Anything, "c-live", mock.Anything)
}

func TestDockerRemoveOrphansListError(t *testing.T) {
	api := &MockDockerAPI{}
	l := newTestDockerLauncher(api)
	api.On("ContainerList", mock.Anything, mock.Anything).Return(nil, errors.New("cannot connect"))

	_, err := l.RemoveOrphans(context.Background(), func(string) bool { return false })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "container list")
}
