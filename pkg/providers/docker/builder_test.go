package docker

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/openfroyo/shipyard/pkg/iac"
)

func buildContext(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "Dockerfile"), []byte("FROM scratch\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	return dir
}

func TestBuilder_Build(t *testing.T) {
	f := newFakeDocker()
	b := NewBuilder(f, BuilderConfig{}, zerolog.Nop())

	ref, err := b.Build(context.Background(), buildContext(t), "registry.local/shop-backend:rev1")
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if ref != "registry.local/shop-backend:rev1" {
		t.Errorf("ref = %q", ref)
	}
	if f.buildOpts.Dockerfile != "Dockerfile" || len(f.buildOpts.Tags) != 1 {
		t.Errorf("build options = %+v", f.buildOpts)
	}
	if f.buildBytes == 0 {
		t.Error("build context was empty")
	}
}

func TestBuilder_BuildFailureCarriesOutput(t *testing.T) {
	f := newFakeDocker()
	f.buildStream = `{"stream":"Step 1/2 : FROM scratch\n"}` + "\n" +
		`{"errorDetail":{"message":"RUN make: exit status 2"},"error":"RUN make: exit status 2"}` + "\n"
	b := NewBuilder(f, BuilderConfig{}, zerolog.Nop())

	_, err := b.Build(context.Background(), buildContext(t), "registry.local/shop-backend:rev1")
	if err == nil {
		t.Fatal("Build() succeeded with a failing stream")
	}
	if !strings.Contains(err.Error(), "exit status 2") {
		t.Errorf("error = %v", err)
	}
	if out := iac.Output(err); !strings.Contains(out, "Step 1/2") {
		t.Errorf("Output() = %q, want the build log", out)
	}
}

func TestBuilder_BuildMissingContext(t *testing.T) {
	b := NewBuilder(newFakeDocker(), BuilderConfig{}, zerolog.Nop())
	if _, err := b.Build(context.Background(), filepath.Join(t.TempDir(), "nope"), "x:1"); err == nil {
		t.Fatal("Build() succeeded without a context directory")
	}
}

func TestBuilder_PushSendsCredentials(t *testing.T) {
	f := newFakeDocker()
	b := NewBuilder(f, BuilderConfig{Username: "ci", Password: "s3cret", ServerAddress: "registry.local"}, zerolog.Nop())

	if err := b.Push(context.Background(), "registry.local/shop-backend:rev1"); err != nil {
		t.Fatalf("Push() error = %v", err)
	}

	raw, err := base64.URLEncoding.DecodeString(f.pushOpts.RegistryAuth)
	if err != nil {
		t.Fatalf("RegistryAuth is not base64: %v", err)
	}
	var auth map[string]string
	if err := json.Unmarshal(raw, &auth); err != nil {
		t.Fatalf("RegistryAuth is not JSON: %v", err)
	}
	if auth["username"] != "ci" || auth["serveraddress"] != "registry.local" {
		t.Errorf("auth = %v", auth)
	}
}

func TestBuilder_PushFailure(t *testing.T) {
	b := NewBuilder(newFakeDocker(), BuilderConfig{}, zerolog.Nop())
	if err := b.Push(context.Background(), "unreachable.local/shop:rev1"); err == nil {
		t.Fatal("Push() succeeded against an unreachable registry")
	}
}
