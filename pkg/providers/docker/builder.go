package docker

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"

	"github.com/docker/docker/api/types/build"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/registry"
	"github.com/docker/docker/pkg/archive"
	"github.com/docker/docker/pkg/jsonmessage"
	"github.com/rs/zerolog"

	"github.com/openfroyo/shipyard/pkg/iac"
)

// BuilderConfig configures image builds and pushes.
type BuilderConfig struct {
	// Dockerfile is the Dockerfile name inside the build context.
	Dockerfile string

	// Username and Password authenticate pushes. Empty means anonymous.
	Username string
	Password string

	// ServerAddress is the registry host the credentials belong to.
	ServerAddress string
}

// Builder builds images from component source directories and pushes them.
type Builder struct {
	api    API
	cfg    BuilderConfig
	logger zerolog.Logger
}

// NewBuilder creates a builder using api.
func NewBuilder(api API, cfg BuilderConfig, logger zerolog.Logger) *Builder {
	if cfg.Dockerfile == "" {
		cfg.Dockerfile = "Dockerfile"
	}
	return &Builder{
		api:    api,
		cfg:    cfg,
		logger: logger.With().Str("component", "docker-builder").Logger(),
	}
}

// Build builds sourcePath into an image tagged tag and returns the reference.
func (b *Builder) Build(ctx context.Context, sourcePath, tag string) (string, error) {
	if _, err := os.Stat(sourcePath); err != nil {
		return "", iac.NewPermanentError(fmt.Sprintf("build context %s", sourcePath), err).
			WithCode(iac.ErrCodeValidation)
	}

	buildCtx, err := archive.TarWithOptions(sourcePath, &archive.TarOptions{})
	if err != nil {
		return "", iac.NewPermanentError(fmt.Sprintf("failed to archive build context %s", sourcePath), err).
			WithCode(iac.ErrCodeInternal)
	}
	defer buildCtx.Close()

	b.logger.Info().Str("context", sourcePath).Str("tag", tag).Msg("Building image")
	resp, err := b.api.ImageBuild(ctx, buildCtx, build.ImageBuildOptions{
		Tags:        []string{tag},
		Dockerfile:  b.cfg.Dockerfile,
		Remove:      true,
		ForceRemove: true,
		PullParent:  true,
	})
	if err != nil {
		return "", classify("build", "image", tag, err)
	}
	defer resp.Body.Close()

	out, err := drainMessages(resp.Body)
	if err != nil {
		return "", iac.NewPermanentError(fmt.Sprintf("build image %s", tag), err).
			WithCode(iac.ErrCodeProviderFailed).
			WithOutput(out)
	}
	return tag, nil
}

// Push uploads ref to its registry.
func (b *Builder) Push(ctx context.Context, ref string) error {
	auth, err := registry.EncodeAuthConfig(registry.AuthConfig{
		Username:      b.cfg.Username,
		Password:      b.cfg.Password,
		ServerAddress: b.cfg.ServerAddress,
	})
	if err != nil {
		return fmt.Errorf("failed to encode registry credentials: %w", err)
	}

	b.logger.Info().Str("ref", ref).Msg("Pushing image")
	rc, err := b.api.ImagePush(ctx, ref, image.PushOptions{RegistryAuth: auth})
	if err != nil {
		return classify("push", "image", ref, err)
	}
	defer rc.Close()

	out, err := drainMessages(rc)
	if err != nil {
		return iac.NewPermanentError(fmt.Sprintf("push image %s", ref), err).
			WithCode(iac.ErrCodeProviderFailed).
			WithOutput(out)
	}
	return nil
}

// drainMessages reads a daemon progress stream to the end. The rendered
// output is returned for error reports; an error message in the stream is
// returned as the error.
func drainMessages(r io.Reader) (string, error) {
	var buf bytes.Buffer
	err := jsonmessage.DisplayJSONMessagesStream(r, &buf, 0, false, nil)
	return buf.String(), err
}
