package validation

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// ArtifactRef locates the build artifact of one component.
type ArtifactRef struct {
	// Component is the component being built.
	Component string

	// ContextDir is the build context directory.
	ContextDir string

	// Dockerfile is the path of the build recipe.
	Dockerfile string
}

// ArtifactProbe resolves build artifact references.
type ArtifactProbe interface {
	Exists(ctx context.Context, ref ArtifactRef) (bool, error)
}

// FSProbe resolves artifacts on the local filesystem.
type FSProbe struct{}

// Exists reports whether the Dockerfile exists and is a regular file.
func (FSProbe) Exists(_ context.Context, ref ArtifactRef) (bool, error) {
	info, err := os.Stat(ref.Dockerfile)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to stat %s: %w", ref.Dockerfile, err)
	}
	return info.Mode().IsRegular(), nil
}

// ProbeFunc adapts a function to ArtifactProbe.
type ProbeFunc func(ctx context.Context, ref ArtifactRef) (bool, error)

// Exists calls f.
func (f ProbeFunc) Exists(ctx context.Context, ref ArtifactRef) (bool, error) {
	return f(ctx, ref)
}

func artifactRef(contextDir, component string) ArtifactRef {
	return ArtifactRef{
		Component:  component,
		ContextDir: contextDir,
		Dockerfile: filepath.Join(contextDir, "Dockerfile"),
	}
}
