package commands

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/shipyard/pkg/api"
	"github.com/openfroyo/shipyard/pkg/deploy"
	"github.com/openfroyo/shipyard/pkg/registry"
	"github.com/openfroyo/shipyard/pkg/state"
	"github.com/openfroyo/shipyard/pkg/validation"
)

type recordingRunner struct {
	mu   sync.Mutex
	reqs []deploy.Request
}

func (r *recordingRunner) Run(_ context.Context, reqs []deploy.Request) []deploy.Outcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reqs = append(r.reqs, reqs...)
	out := make([]deploy.Outcome, 0, len(reqs))
	for _, req := range reqs {
		st := state.New(req.Key(), req.Descriptor.Environment)
		st.Phase = state.PhaseHealthVerified
		out = append(out, deploy.Outcome{Key: req.Key(), State: st, Attempts: 1})
	}
	return out
}

type recordingReports struct {
	mu      sync.Mutex
	reports map[string]api.Report
}

func (r *recordingReports) SetReport(rep api.Report) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.reports == nil {
		r.reports = make(map[string]api.Report)
	}
	r.reports[rep.Path] = rep
}

func newTestLoop(t *testing.T, runner batchDeployer) (*watchLoop, *recordingReports) {
	t.Helper()
	v, err := validation.New(validation.Options{
		Probe:  validation.ProbeFunc(func(context.Context, validation.ArtifactRef) (bool, error) { return true, nil }),
		Logger: zerolog.Nop(),
	})
	require.NoError(t, err)

	reports := &recordingReports{}
	return &watchLoop{
		validator: v,
		snapshot: func(context.Context) (*registry.Snapshot, error) {
			return registry.NewSnapshot(registry.Entry{Name: "taken", Team: "someone-else", Status: registry.StatusActive}), nil
		},
		runner:  runner,
		reports: reports,
		logger:  zerolog.Nop(),
	}, reports
}

func writeDescriptor(t *testing.T, dir, name, doc string) string {
	t.Helper()
	path := filepath.Join(dir, name, "app.yaml")
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))
	return path
}

func TestWatchLoopDeploysOnlyValidDescriptors(t *testing.T) {
	dir := t.TempDir()
	good := writeDescriptor(t, dir, "demo-api", demoDescriptor)
	conflict := writeDescriptor(t, dir, "taken", strings.Replace(demoDescriptor, "demo-api", "taken", 1))
	broken := writeDescriptor(t, dir, "broken", "app: [unclosed\n")
	gone := filepath.Join(dir, "gone", "app.yaml")

	runner := &recordingRunner{}
	loop, reports := newTestLoop(t, runner)
	loop.process(context.Background(), []string{good, conflict, broken, gone})

	require.Len(t, runner.reqs, 1)
	assert.Equal(t, "demo-api", runner.reqs[0].Descriptor.App.Name)

	require.Len(t, reports.reports, 3, "removed descriptors are not reported")
	assert.True(t, reports.reports[good].Valid)
	assert.False(t, reports.reports[conflict].Valid)
	assert.True(t, reports.reports[conflict].Result.HasErrors())
	assert.NotEmpty(t, reports.reports[broken].Error)
}

func TestWatchLoopValidateOnly(t *testing.T) {
	dir := t.TempDir()
	good := writeDescriptor(t, dir, "demo-api", demoDescriptor)

	loop, reports := newTestLoop(t, nil)
	loop.process(context.Background(), []string{good})
	assert.True(t, reports.reports[good].Valid)
}

func TestCollectDescriptors(t *testing.T) {
	dir := t.TempDir()
	a := writeDescriptor(t, dir, "b-app", demoDescriptor)
	b := writeDescriptor(t, dir, "a-app", demoDescriptor)
	writeDescriptor(t, dir, ".hidden", demoDescriptor)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a-app", "other.yaml"), []byte("x: 1\n"), 0o644))

	paths, err := collectDescriptors(dir, "app.yaml")
	require.NoError(t, err)
	assert.Equal(t, []string{b, a}, paths)
}

func TestDescriptorWatcherDebounces(t *testing.T) {
	dir := t.TempDir()
	path := writeDescriptor(t, dir, "demo-api", demoDescriptor)

	batches := make(chan []string, 4)
	w := &descriptorWatcher{
		root:     dir,
		name:     "app.yaml",
		debounce: 100 * time.Millisecond,
		process:  func(_ context.Context, paths []string) { batches <- paths },
		logger:   zerolog.Nop(),
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	// Give the watcher time to register before writing.
	time.Sleep(200 * time.Millisecond)
	for i := 0; i < 3; i++ {
		require.NoError(t, os.WriteFile(path, []byte(demoDescriptor+"\n# edit\n"), 0o644))
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, "demo-api", "notes.txt"), []byte("ignored"), 0o644))

	select {
	case got := <-batches:
		assert.Equal(t, []string{path}, got)
	case <-time.After(5 * time.Second):
		t.Fatal("no batch processed")
	}
}
