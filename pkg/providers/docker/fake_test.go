package docker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/docker/docker/api/types/build"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/api/types/volume"
	"github.com/docker/go-connections/nat"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

type notFoundError struct{ what string }

func (e notFoundError) Error() string { return "No such " + e.what }
func (notFoundError) NotFound()       {}

type conflictError struct{ msg string }

func (e conflictError) Error() string { return e.msg }
func (conflictError) Conflict()       {}

type fakeContainer struct {
	id      string
	config  *container.Config
	host    *container.HostConfig
	net     *network.NetworkingConfig
	running bool
}

// fakeDocker is an in-memory daemon.
type fakeDocker struct {
	mu         sync.Mutex
	calls      []string
	networks   map[string]network.Inspect
	volumes    map[string]volume.Volume
	containers map[string]*fakeContainer
	images     map[string]bool
	nextID     int

	removeErr   map[string]error
	buildStream string
	pushStream  string
	buildOpts   build.ImageBuildOptions
	buildBytes  int
	pushOpts    image.PushOptions
}

func newFakeDocker() *fakeDocker {
	return &fakeDocker{
		networks:    make(map[string]network.Inspect),
		volumes:     make(map[string]volume.Volume),
		containers:  make(map[string]*fakeContainer),
		images:      make(map[string]bool),
		removeErr:   make(map[string]error),
		buildStream: `{"stream":"Step 1/1 : FROM scratch\n"}` + "\n",
		pushStream:  `{"status":"Pushed"}` + "\n",
	}
}

func (f *fakeDocker) call(format string, args ...any) {
	f.calls = append(f.calls, fmt.Sprintf(format, args...))
}

func (f *fakeDocker) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeDocker) id() string {
	f.nextID++
	return fmt.Sprintf("id%04d", f.nextID)
}

func (f *fakeDocker) ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, name string) (container.CreateResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.call("container.create %s", name)
	if !f.images[config.Image] {
		return container.CreateResponse{}, notFoundError{"image: " + config.Image}
	}
	if _, exists := f.containers[name]; exists {
		return container.CreateResponse{}, conflictError{"Conflict. The container name is already in use"}
	}
	c := &fakeContainer{id: f.id(), config: config, host: hostConfig, net: networkingConfig}
	f.containers[name] = c
	return container.CreateResponse{ID: c.id}, nil
}

func (f *fakeDocker) ContainerInspect(ctx context.Context, ref string) (container.InspectResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := f.containers[ref]
	if c == nil {
		return container.InspectResponse{}, notFoundError{"container: " + ref}
	}
	ports := nat.PortMap{}
	if c.running {
		for port := range c.config.ExposedPorts {
			ports[port] = []nat.PortBinding{{HostIP: "127.0.0.1", HostPort: "49153"}}
		}
	}
	return container.InspectResponse{
		ContainerJSONBase: &container.ContainerJSONBase{
			ID:    c.id,
			Name:  "/" + ref,
			State: &container.State{Running: c.running},
		},
		Config: c.config,
		NetworkSettings: &container.NetworkSettings{
			NetworkSettingsBase: container.NetworkSettingsBase{Ports: ports},
		},
	}, nil
}

func (f *fakeDocker) byID(id string) (string, *fakeContainer) {
	for name, c := range f.containers {
		if c.id == id || name == id {
			return name, c
		}
	}
	return "", nil
}

func (f *fakeDocker) ContainerStart(ctx context.Context, id string, options container.StartOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	name, c := f.byID(id)
	f.call("container.start %s", name)
	if c == nil {
		return notFoundError{"container: " + id}
	}
	c.running = true
	return nil
}

func (f *fakeDocker) ContainerRemove(ctx context.Context, id string, options container.RemoveOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	name, c := f.byID(id)
	f.call("container.remove %s", id)
	if c == nil {
		return notFoundError{"container: " + id}
	}
	delete(f.containers, name)
	return nil
}

func (f *fakeDocker) NetworkCreate(ctx context.Context, name string, options network.CreateOptions) (network.CreateResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.call("network.create %s", name)
	n := network.Inspect{Name: name, ID: f.id(), Driver: options.Driver, Labels: options.Labels}
	f.networks[name] = n
	return network.CreateResponse{ID: n.ID}, nil
}

func (f *fakeDocker) NetworkInspect(ctx context.Context, name string, options network.InspectOptions) (network.Inspect, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, ok := f.networks[name]
	if !ok {
		return network.Inspect{}, notFoundError{"network: " + name}
	}
	return n, nil
}

func (f *fakeDocker) NetworkRemove(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.call("network.remove %s", name)
	if err := f.removeErr[name]; err != nil {
		return err
	}
	if _, ok := f.networks[name]; !ok {
		return notFoundError{"network: " + name}
	}
	delete(f.networks, name)
	return nil
}

func (f *fakeDocker) VolumeCreate(ctx context.Context, options volume.CreateOptions) (volume.Volume, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.call("volume.create %s", options.Name)
	v := volume.Volume{Name: options.Name, Driver: options.Driver, Labels: options.Labels}
	f.volumes[options.Name] = v
	return v, nil
}

func (f *fakeDocker) VolumeInspect(ctx context.Context, name string) (volume.Volume, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.volumes[name]
	if !ok {
		return volume.Volume{}, notFoundError{"volume: " + name}
	}
	return v, nil
}

func (f *fakeDocker) VolumeRemove(ctx context.Context, name string, force bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.call("volume.remove %s", name)
	if _, ok := f.volumes[name]; !ok {
		return notFoundError{"volume: " + name}
	}
	delete(f.volumes, name)
	return nil
}

func (f *fakeDocker) ImagePull(ctx context.Context, ref string, options image.PullOptions) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.call("image.pull %s", ref)
	if strings.Contains(ref, "missing") {
		return nil, notFoundError{"image: " + ref}
	}
	f.images[ref] = true
	return io.NopCloser(strings.NewReader(`{"status":"Pull complete"}` + "\n")), nil
}

func (f *fakeDocker) ImageBuild(ctx context.Context, buildContext io.Reader, options build.ImageBuildOptions) (build.ImageBuildResponse, error) {
	n, err := io.Copy(io.Discard, buildContext)
	if err != nil {
		return build.ImageBuildResponse{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.call("image.build %s", strings.Join(options.Tags, ","))
	f.buildOpts = options
	f.buildBytes = int(n)
	return build.ImageBuildResponse{Body: io.NopCloser(strings.NewReader(f.buildStream))}, nil
}

func (f *fakeDocker) ImagePush(ctx context.Context, ref string, options image.PushOptions) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.call("image.push %s", ref)
	f.pushOpts = options
	if strings.Contains(ref, "unreachable") {
		return nil, errors.New("Cannot connect to the registry")
	}
	return io.NopCloser(strings.NewReader(f.pushStream)), nil
}
