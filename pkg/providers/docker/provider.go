package docker

import (
	"context"
	"fmt"
	"sort"
	"strconv"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/api/types/volume"
	"github.com/docker/go-connections/nat"
	"github.com/rs/zerolog"

	"github.com/openfroyo/shipyard/pkg/iac"
)

// LabelHash records the configuration hash a container was created from.
const LabelHash = "shipyard.hash"

// ProviderConfig configures the Docker provider.
type ProviderConfig struct {
	// PublishHost is the address published ports bind to and that URLs
	// point at. Default 127.0.0.1.
	PublishHost string
}

// Provider implements iac.Provider on a Docker daemon.
type Provider struct {
	api    API
	cfg    ProviderConfig
	logger zerolog.Logger
}

var _ iac.Provider = (*Provider)(nil)

// NewProvider creates a provider using api.
func NewProvider(api API, cfg ProviderConfig, logger zerolog.Logger) *Provider {
	if cfg.PublishHost == "" {
		cfg.PublishHost = "127.0.0.1"
	}
	return &Provider{
		api:    api,
		cfg:    cfg,
		logger: logger.With().Str("component", "docker-provider").Logger(),
	}
}

// Ensure creates the resource or adopts an identical existing object.
func (p *Provider) Ensure(ctx context.Context, r *iac.Resource) (*iac.ProviderResult, error) {
	switch r.Kind {
	case iac.KindNetwork:
		return p.ensureNetwork(ctx, r)
	case iac.KindVolume:
		return p.ensureVolume(ctx, r)
	case iac.KindContainer:
		return p.ensureContainer(ctx, r)
	}
	return nil, iac.NewPermanentError(fmt.Sprintf("unsupported resource kind %q", r.Kind), nil).
		WithCode(iac.ErrCodeValidation).WithResource(r.ID)
}

// Delete removes the recorded object. Missing objects are ignored.
func (p *Provider) Delete(ctx context.Context, rec iac.ResourceRecord) error {
	ref := rec.Name
	var err error
	switch rec.Kind {
	case iac.KindNetwork:
		err = p.api.NetworkRemove(ctx, ref)
	case iac.KindVolume:
		err = p.api.VolumeRemove(ctx, ref, false)
	case iac.KindContainer:
		err = p.api.ContainerRemove(ctx, ref, container.RemoveOptions{Force: true})
	default:
		return iac.NewPermanentError(fmt.Sprintf("unsupported resource kind %q", rec.Kind), nil).
			WithCode(iac.ErrCodeValidation).WithResource(rec.ID)
	}
	if err != nil && !isNotFound(err) {
		return classify("delete", string(rec.Kind), ref, err)
	}
	p.logger.Debug().Str("kind", string(rec.Kind)).Str("name", ref).Msg("Removed")
	return nil
}

// owned reports whether labels mark an object as belonging to r's application.
func owned(labels map[string]string, r *iac.Resource) bool {
	return labels[iac.LabelApp] == r.Labels[iac.LabelApp] &&
		labels[iac.LabelTeam] == r.Labels[iac.LabelTeam] &&
		labels[iac.LabelEnvironment] == r.Labels[iac.LabelEnvironment]
}

func ownershipError(r *iac.Resource) error {
	return iac.NewPermanentError(
		fmt.Sprintf("%s %s already exists and belongs to another application", r.Kind, r.Name),
		ErrOwnedElsewhere,
	).WithCode(iac.ErrCodeAlreadyExists).WithResource(r.ID)
}

func (p *Provider) ensureNetwork(ctx context.Context, r *iac.Resource) (*iac.ProviderResult, error) {
	existing, err := p.api.NetworkInspect(ctx, r.Name, network.InspectOptions{})
	switch {
	case err == nil:
		if !owned(existing.Labels, r) {
			return nil, ownershipError(r)
		}
		return &iac.ProviderResult{ProviderID: existing.ID}, nil
	case !isNotFound(err):
		return nil, classify("inspect", "network", r.Name, err)
	}

	resp, err := p.api.NetworkCreate(ctx, r.Name, network.CreateOptions{
		Driver: "bridge",
		Labels: r.Labels,
	})
	if err != nil {
		return nil, classify("create", "network", r.Name, err)
	}
	p.logger.Info().Str("network", r.Name).Msg("Created network")
	return &iac.ProviderResult{ProviderID: resp.ID}, nil
}

func (p *Provider) ensureVolume(ctx context.Context, r *iac.Resource) (*iac.ProviderResult, error) {
	existing, err := p.api.VolumeInspect(ctx, r.Name)
	switch {
	case err == nil:
		if !owned(existing.Labels, r) {
			return nil, ownershipError(r)
		}
		return &iac.ProviderResult{ProviderID: existing.Name}, nil
	case !isNotFound(err):
		return nil, classify("inspect", "volume", r.Name, err)
	}

	vol, err := p.api.VolumeCreate(ctx, volume.CreateOptions{
		Name:   r.Name,
		Driver: "local",
		Labels: r.Labels,
	})
	if err != nil {
		return nil, classify("create", "volume", r.Name, err)
	}
	p.logger.Info().Str("volume", r.Name).Msg("Created volume")
	return &iac.ProviderResult{ProviderID: vol.Name}, nil
}

func (p *Provider) ensureContainer(ctx context.Context, r *iac.Resource) (*iac.ProviderResult, error) {
	if r.Container == nil {
		return nil, iac.NewPermanentError("container resource has no container spec", nil).
			WithCode(iac.ErrCodeValidation).WithResource(r.ID)
	}
	hash := r.Hash()

	existing, err := p.api.ContainerInspect(ctx, r.Name)
	switch {
	case err == nil:
		var labels map[string]string
		if existing.Config != nil {
			labels = existing.Config.Labels
		}
		if !owned(labels, r) {
			return nil, ownershipError(r)
		}
		if labels[LabelHash] == hash {
			if existing.State == nil || !existing.State.Running {
				if err := p.api.ContainerStart(ctx, existing.ID, container.StartOptions{}); err != nil {
					return nil, classify("start", "container", r.Name, err)
				}
			}
			return p.containerResult(ctx, r)
		}
		// Same owner, stale configuration.
		if err := p.api.ContainerRemove(ctx, existing.ID, container.RemoveOptions{Force: true}); err != nil && !isNotFound(err) {
			return nil, classify("remove", "container", r.Name, err)
		}
	case !isNotFound(err):
		return nil, classify("inspect", "container", r.Name, err)
	}

	config, hostConfig, netConfig := p.containerConfig(r, hash)
	resp, err := p.api.ContainerCreate(ctx, config, hostConfig, netConfig, nil, r.Name)
	if isNotFound(err) {
		// The image is not present locally yet.
		if pullErr := p.pull(ctx, r.Container.Image); pullErr != nil {
			return nil, pullErr
		}
		resp, err = p.api.ContainerCreate(ctx, config, hostConfig, netConfig, nil, r.Name)
	}
	if err != nil {
		return nil, classify("create", "container", r.Name, err)
	}
	if err := p.api.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return nil, classify("start", "container", r.Name, err)
	}
	p.logger.Info().Str("container", r.Name).Str("image", r.Container.Image).Msg("Started container")

	return p.containerResult(ctx, r)
}

func (p *Provider) containerConfig(r *iac.Resource, hash string) (*container.Config, *container.HostConfig, *network.NetworkingConfig) {
	spec := r.Container

	labels := make(map[string]string, len(r.Labels)+1)
	for k, v := range r.Labels {
		labels[k] = v
	}
	labels[LabelHash] = hash

	env := make([]string, 0, len(spec.Env))
	for k, v := range spec.Env {
		env = append(env, k+"="+v)
	}
	sort.Strings(env)

	config := &container.Config{
		Image:  spec.Image,
		Env:    env,
		Labels: labels,
	}
	hostConfig := &container.HostConfig{
		RestartPolicy: container.RestartPolicy{Name: container.RestartPolicyUnlessStopped},
	}
	hostConfig.NanoCPUs = int64(spec.CPUCores * 1e9)
	hostConfig.Memory = int64(spec.MemoryGiB * 1024 * 1024 * 1024)

	if spec.Port > 0 {
		port := nat.Port(fmt.Sprintf("%d/tcp", spec.Port))
		config.ExposedPorts = nat.PortSet{port: struct{}{}}
		hostConfig.PortBindings = nat.PortMap{
			port: []nat.PortBinding{{HostIP: p.cfg.PublishHost}},
		}
	}
	for _, m := range spec.Mounts {
		hostConfig.Mounts = append(hostConfig.Mounts, mount.Mount{
			Type:   mount.TypeVolume,
			Source: m.Source,
			Target: m.Target,
		})
	}

	netConfig := &network.NetworkingConfig{
		EndpointsConfig: map[string]*network.EndpointSettings{
			spec.Network: {Aliases: spec.Aliases},
		},
	}
	return config, hostConfig, netConfig
}

// containerResult inspects a running container for its ID and published URL.
func (p *Provider) containerResult(ctx context.Context, r *iac.Resource) (*iac.ProviderResult, error) {
	info, err := p.api.ContainerInspect(ctx, r.Name)
	if err != nil {
		return nil, classify("inspect", "container", r.Name, err)
	}
	result := &iac.ProviderResult{ProviderID: info.ID}
	if r.Container.Port == 0 {
		return result, nil
	}

	var bindings []nat.PortBinding
	if info.NetworkSettings != nil {
		bindings = info.NetworkSettings.Ports[nat.Port(fmt.Sprintf("%d/tcp", r.Container.Port))]
	}
	for _, b := range bindings {
		if _, err := strconv.Atoi(b.HostPort); err == nil {
			result.Outputs = map[string]string{
				iac.OutputURL: fmt.Sprintf("http://%s:%s", p.cfg.PublishHost, b.HostPort),
			}
			return result, nil
		}
	}
	// The daemon assigns the host port asynchronously on some platforms.
	return nil, iac.NewTransientError(fmt.Sprintf("container %s has no published port yet", r.Name), nil).
		WithResource(r.ID)
}

func (p *Provider) pull(ctx context.Context, ref string) error {
	rc, err := p.api.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		if isNotFound(err) {
			return iac.NewPermanentError(fmt.Sprintf("image %s not found", ref), err).
				WithCode(iac.ErrCodeMissingImage)
		}
		return classify("pull", "image", ref, err)
	}
	defer rc.Close()

	out, err := drainMessages(rc)
	if err != nil {
		return iac.NewPermanentError(fmt.Sprintf("pull image %s", ref), err).
			WithCode(iac.ErrCodeMissingImage).WithOutput(out)
	}
	return nil
}
