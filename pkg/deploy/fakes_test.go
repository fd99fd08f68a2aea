package deploy

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/shipyard/pkg/descriptor"
	"github.com/openfroyo/shipyard/pkg/iac"
	"github.com/openfroyo/shipyard/pkg/registry"
	"github.com/openfroyo/shipyard/pkg/state"
)

const demoDescriptor = `
app:
  name: demo-api
  team: demo
environment: dev
components:
  backend:
    enabled: true
    cpu: 0.5
    memory: 1.0
  frontend:
    enabled: false
  database:
    enabled: false
`

const shopDescriptor = `
app:
  name: shop
  team: retail
environment: staging
components:
  backend:
    enabled: true
  frontend:
    enabled: true
  database:
    enabled: true
    type: postgresql
`

func mustParse(t *testing.T, doc, path string) *descriptor.Descriptor {
	t.Helper()
	d, err := descriptor.Parse([]byte(doc), path)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	return d
}

// fakeProvider is an in-memory container runtime. Containers with a port
// report a loopback URL unless hideURL is set.
type fakeProvider struct {
	mu      sync.Mutex
	calls   []string
	hideURL bool
}

func (p *fakeProvider) Ensure(_ context.Context, r *iac.Resource) (*iac.ProviderResult, error) {
	p.mu.Lock()
	p.calls = append(p.calls, "ensure:"+r.Name)
	hide := p.hideURL
	p.mu.Unlock()

	result := &iac.ProviderResult{ProviderID: "id-" + r.Name}
	if r.Container != nil && r.Container.Port > 0 && !hide {
		result.Outputs = map[string]string{iac.OutputURL: fmt.Sprintf("http://127.0.0.1:%d", 40000+r.Container.Port)}
	}
	return result, nil
}

func (p *fakeProvider) Delete(_ context.Context, rec iac.ResourceRecord) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, "delete:"+rec.Name)
	return nil
}

// callsFor returns the calls that mention app, in order.
func (p *fakeProvider) callsFor(app string) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for _, c := range p.calls {
		if strings.Contains(c, ":"+app+"-") {
			out = append(out, c)
		}
	}
	return out
}

// recordingEngine wraps the real engine, recording calls and injecting
// failures per mode.
type recordingEngine struct {
	inner IaCEngine

	mu       sync.Mutex
	calls    []string
	planErr  map[iac.Mode]error
	applyErr map[iac.Mode]error
	onApply  map[iac.Mode]func()
}

func newRecordingEngine(p iac.Provider) *recordingEngine {
	return &recordingEngine{
		inner:    iac.NewEngine(p, zerolog.Nop(), iac.Options{MaxRetries: -1}),
		planErr:  make(map[iac.Mode]error),
		applyErr: make(map[iac.Mode]error),
		onApply:  make(map[iac.Mode]func()),
	}
}

func (e *recordingEngine) Plan(ctx context.Context, ws iac.WorkingSet, mode iac.Mode) (*iac.Plan, error) {
	e.mu.Lock()
	e.calls = append(e.calls, "plan:"+string(mode))
	err := e.planErr[mode]
	e.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return e.inner.Plan(ctx, ws, mode)
}

func (e *recordingEngine) Apply(ctx context.Context, plan *iac.Plan) (*iac.ApplyResult, error) {
	e.mu.Lock()
	e.calls = append(e.calls, "apply:"+string(plan.Mode))
	err := e.applyErr[plan.Mode]
	hook := e.onApply[plan.Mode]
	e.mu.Unlock()
	if hook != nil {
		hook()
	}
	if err != nil {
		return nil, err
	}
	return e.inner.Apply(ctx, plan)
}

func (e *recordingEngine) Calls() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.calls...)
}

func (e *recordingEngine) reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls = nil
}

// fakeBuilder records builds and pushes. failBuild and failPush map a
// component name to an error. Like a real build, a cancelled context aborts
// it.
type fakeBuilder struct {
	mu        sync.Mutex
	calls     []string
	failBuild map[string]error
	failPush  map[string]error
	onBuild   func()
}

func newFakeBuilder() *fakeBuilder {
	return &fakeBuilder{failBuild: make(map[string]error), failPush: make(map[string]error)}
}

func componentOf(ref string) string {
	for _, comp := range []string{"backend", "frontend"} {
		if strings.Contains(ref, "-"+comp+":") {
			return comp
		}
	}
	return ""
}

func (b *fakeBuilder) Build(ctx context.Context, sourcePath, tag string) (string, error) {
	b.mu.Lock()
	b.calls = append(b.calls, "build:"+tag)
	err := b.failBuild[componentOf(tag)]
	hook := b.onBuild
	b.mu.Unlock()
	if hook != nil {
		hook()
	}
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("build interrupted: %w", err)
	}
	if err != nil {
		return "", err
	}
	return tag, nil
}

func (b *fakeBuilder) Push(ctx context.Context, ref string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = append(b.calls, "push:"+ref)
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("push interrupted: %w", err)
	}
	return b.failPush[componentOf(ref)]
}

func (b *fakeBuilder) Calls() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.calls...)
}

func (b *fakeBuilder) reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = nil
	b.failBuild = make(map[string]error)
	b.failPush = make(map[string]error)
}

// fakeProbe reports URLs healthy unless marked down.
type fakeProbe struct {
	mu    sync.Mutex
	calls []string
	down  map[string]bool
}

func newFakeProbe() *fakeProbe {
	return &fakeProbe{down: make(map[string]bool)}
}

func (p *fakeProbe) Check(ctx context.Context, url string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, url)
	if err := ctx.Err(); err != nil {
		return false, err
	}
	return !p.down[url], nil
}

func (p *fakeProbe) setDown(url string, down bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.down[url] = down
}

func (p *fakeProbe) Calls() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.calls...)
}

func (p *fakeProbe) reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = nil
}

// fakeClock advances only when Sleep is called.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	sleeps []time.Duration
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.sleeps = append(c.sleeps, d)
	c.mu.Unlock()
	return ctx.Err()
}

func (c *fakeClock) Sleeps() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.sleeps...)
}

// savingStore records the phase of every successful save and can inject a
// concurrent writer before a chosen save. It also counts lease renewals and
// can report the lease as lost.
type savingStore struct {
	*state.Memory

	mu       sync.Mutex
	phases   map[state.Key][]state.Phase
	beforeN  int
	before   func()
	saves    int
	renewals int
	lost     bool
	renewed  chan struct{}
}

func newSavingStore() *savingStore {
	return &savingStore{
		Memory:  state.NewMemory(),
		phases:  make(map[state.Key][]state.Phase),
		renewed: make(chan struct{}, 1),
	}
}

func (s *savingStore) RenewLease(ctx context.Context, lease *state.Lease, ttl time.Duration) error {
	s.mu.Lock()
	s.renewals++
	lost := s.lost
	s.mu.Unlock()
	select {
	case s.renewed <- struct{}{}:
	default:
	}
	if lost {
		return state.ErrLeaseLost
	}
	return s.Memory.RenewLease(ctx, lease, ttl)
}

func (s *savingStore) Renewals() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.renewals
}

func (s *savingStore) loseLease() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lost = true
}

// waitRenewals blocks until n more renewals than seen have been attempted.
func (s *savingStore) waitRenewals(t *testing.T, seen, n int) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for s.Renewals() < seen+n {
		select {
		case <-s.renewed:
		case <-deadline:
			t.Errorf("saw %d lease renewals, want %d", s.Renewals()-seen, n)
			return
		}
	}
}

func (s *savingStore) Save(ctx context.Context, key state.Key, st *state.DeploymentState, expectedSerial int64) error {
	s.mu.Lock()
	s.saves++
	var hook func()
	if s.before != nil && s.saves == s.beforeN {
		hook = s.before
	}
	s.mu.Unlock()
	if hook != nil {
		hook()
	}

	if err := s.Memory.Save(ctx, key, st, expectedSerial); err != nil {
		return err
	}
	s.mu.Lock()
	s.phases[key] = append(s.phases[key], st.Phase)
	s.mu.Unlock()
	return nil
}

func (s *savingStore) Phases(key state.Key) []state.Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]state.Phase(nil), s.phases[key]...)
}

// harness wires a coordinator to fakes around the real IaC engine.
type harness struct {
	registry *registry.Memory
	store    *savingStore
	provider *fakeProvider
	engine   *recordingEngine
	builder  *fakeBuilder
	probe    *fakeProbe
	clock    *fakeClock
	coord    *Coordinator
}

func newHarness(t *testing.T, opts Options, entries ...registry.Entry) *harness {
	t.Helper()
	h := &harness{
		registry: registry.NewMemory(entries...),
		store:    newSavingStore(),
		provider: &fakeProvider{},
		builder:  newFakeBuilder(),
		probe:    newFakeProbe(),
		clock:    newFakeClock(),
	}
	h.engine = newRecordingEngine(h.provider)
	if opts.Sleep == nil {
		opts.Sleep = h.clock.Sleep
	}
	if opts.Clock == nil {
		opts.Clock = h.clock.Now
	}
	if opts.HealthRetries == 0 {
		opts.HealthRetries = 3
	}
	if opts.Holder == "" {
		opts.Holder = "test"
	}
	h.coord = NewCoordinator(h.registry, h.store, h.engine, h.builder, h.probe, zerolog.Nop(), opts)
	return h
}

func (h *harness) resetCalls() {
	h.engine.reset()
	h.builder.reset()
	h.probe.reset()
}

func activeEntry(name, team string) registry.Entry {
	return registry.Entry{
		Name:        name,
		Team:        team,
		Path:        "apps/" + team + "/" + name,
		Status:      registry.StatusActive,
		Environment: descriptor.EnvironmentDev,
	}
}
