package validation

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"github.com/openfroyo/shipyard/pkg/descriptor"
	"github.com/openfroyo/shipyard/pkg/registry"
)

const demoDoc = `
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

func allArtifacts() ArtifactProbe {
	return ProbeFunc(func(context.Context, ArtifactRef) (bool, error) { return true, nil })
}

func newTestValidator(t *testing.T, probe ArtifactProbe) *Validator {
	t.Helper()
	v, err := New(Options{Probe: probe, Logger: zerolog.Nop()})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return v
}

func parse(t *testing.T, doc string) *descriptor.Descriptor {
	t.Helper()
	d, err := descriptor.Parse([]byte(doc), "apps/demo/demo-api/app.yaml")
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	return d
}

// assertComplete fails if any diagnostic lacks an explanation field.
func assertComplete(t *testing.T, res *Result) {
	t.Helper()
	v := validator.New()
	for _, d := range res.Diagnostics {
		if err := v.Struct(d); err != nil {
			t.Errorf("incomplete diagnostic %+v: %v", d, err)
		}
	}
}

func fields(diags []Diagnostic) []string {
	out := make([]string, 0, len(diags))
	for _, d := range diags {
		out = append(out, d.Field)
	}
	return out
}

func TestValidate_DemoIsValid(t *testing.T) {
	v := newTestValidator(t, allArtifacts())
	res := v.Validate(context.Background(), parse(t, demoDoc), registry.NewSnapshot())

	if res.HasErrors() {
		t.Fatalf("Validate() errors = %+v, want none", res.Errors())
	}
	assertComplete(t, res)
}

func TestValidate_UppercaseName(t *testing.T) {
	v := newTestValidator(t, allArtifacts())
	d := parse(t, strings.Replace(demoDoc, "name: demo-api", "name: MyApp", 1))

	res := v.Validate(context.Background(), d, registry.NewSnapshot())
	errs := res.Errors()
	if len(errs) != 1 {
		t.Fatalf("Validate() returned %d errors, want exactly 1: %+v", len(errs), errs)
	}
	if errs[0].Field != "app.name" {
		t.Errorf("Field = %q, want app.name", errs[0].Field)
	}
	if errs[0].Fix == "" || !strings.Contains(errs[0].Fix, "lowercase") {
		t.Errorf("Fix = %q, want a suggestion referencing lowercase naming", errs[0].Fix)
	}
	if !strings.Contains(errs[0].Fix, `"myapp"`) {
		t.Errorf("Fix = %q, want suggested name myapp", errs[0].Fix)
	}
	assertComplete(t, res)
}

func TestValidate_ShapeErrors(t *testing.T) {
	tests := []struct {
		name       string
		doc        string
		wantFields []string
	}{
		{
			name: "missing name and enabled",
			doc: `
app:
  team: demo
environment: dev
components:
  backend: {enabled: true, cpu: 0.5, memory: 1.0}
  frontend: {}
  database: {enabled: false}
`,
			wantFields: []string{"app.name", "components.frontend.enabled"},
		},
		{
			name: "wrong types",
			doc: `
app: {name: demo-api, team: demo}
environment: dev
components:
  backend: {enabled: "yes", cpu: lots}
  frontend: {enabled: false}
  database: {enabled: false}
`,
			wantFields: []string{"components.backend.cpu", "components.backend.enabled"},
		},
		{
			name: "unknown environment",
			doc: `
app: {name: demo-api, team: demo}
environment: qa
components:
  backend: {enabled: false}
  frontend: {enabled: false}
  database: {enabled: false}
`,
			wantFields: []string{"environment"},
		},
		{
			name: "non-string environment variable",
			doc: `
app: {name: demo-api, team: demo}
environment: dev
components:
  backend: {enabled: false}
  frontend: {enabled: false}
  database: {enabled: false}
environment_variables:
  WORKERS: 4
`,
			wantFields: []string{"environment_variables.WORKERS"},
		},
	}

	v := newTestValidator(t, allArtifacts())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := v.Validate(context.Background(), parse(t, tt.doc), registry.NewSnapshot())
			errs := res.Errors()
			if got := fields(errs); !reflect.DeepEqual(got, tt.wantFields) {
				t.Errorf("error fields = %v, want %v\n%+v", got, tt.wantFields, errs)
			}
			for _, e := range errs {
				if e.Rule != RuleShape {
					t.Errorf("diagnostic %s from rule %s, want shape", e.Field, e.Rule)
				}
			}
			assertComplete(t, res)
		})
	}
}

func TestValidate_MissingFieldMessage(t *testing.T) {
	v := newTestValidator(t, allArtifacts())
	d := parse(t, strings.Replace(demoDoc, "  team: demo\n", "", 1))

	res := v.Validate(context.Background(), d, registry.NewSnapshot())
	errs := res.Errors()
	if len(errs) != 1 || errs[0].Field != "app.team" {
		t.Fatalf("Errors() = %+v, want one app.team error", errs)
	}
	if !strings.Contains(errs[0].Message, "missing") {
		t.Errorf("Message = %q, want missing-field wording", errs[0].Message)
	}
}

func TestValidate_RangesOnlyForEnabled(t *testing.T) {
	v := newTestValidator(t, allArtifacts())

	disabled := parse(t, `
app: {name: demo-api, team: demo}
environment: dev
components:
  backend: {enabled: true}
  frontend: {enabled: false, cpu: 99, memory: 0.1}
  database: {enabled: false, storage_mb: 1}
`)
	if res := v.Validate(context.Background(), disabled, registry.NewSnapshot()); res.HasErrors() {
		t.Errorf("disabled components produced errors: %+v", res.Errors())
	}

	enabled := parse(t, `
app: {name: demo-api, team: demo}
environment: dev
components:
  backend: {enabled: true, cpu: 0.1, memory: 9, port: 70000}
  frontend: {enabled: false}
  database: {enabled: true, storage_mb: 1, type: oracle}
`)
	res := v.Validate(context.Background(), enabled, registry.NewSnapshot())
	want := []string{
		"components.backend.cpu",
		"components.backend.memory",
		"components.backend.port",
		"components.database.storage_mb",
		"components.database.type",
	}
	if got := fields(res.Errors()); !reflect.DeepEqual(got, want) {
		t.Errorf("error fields = %v, want %v", got, want)
	}
	assertComplete(t, res)
}

func TestValidate_BoundaryValuesAreValid(t *testing.T) {
	v := newTestValidator(t, allArtifacts())
	for _, bounds := range [][2]string{{"0.25", "0.5"}, {"4", "8"}, {"4.0", "8.0"}} {
		doc := strings.Replace(strings.Replace(demoDoc, "cpu: 0.5", "cpu: "+bounds[0], 1), "memory: 1.0", "memory: "+bounds[1], 1)
		res := v.Validate(context.Background(), parse(t, doc), registry.NewSnapshot())
		if res.HasErrors() {
			t.Errorf("cpu %s memory %s: unexpected errors %+v", bounds[0], bounds[1], res.Errors())
		}
	}
}

func TestValidate_Uniqueness(t *testing.T) {
	v := newTestValidator(t, allArtifacts())
	d := parse(t, demoDoc)

	own := registry.NewSnapshot(registry.Entry{Name: "demo-api", Team: "demo", Status: registry.StatusActive})
	if res := v.Validate(context.Background(), d, own); res.HasErrors() {
		t.Errorf("own registry entry produced errors: %+v", res.Errors())
	}

	for _, status := range []registry.Status{registry.StatusActive, registry.StatusArchived} {
		taken := registry.NewSnapshot(registry.Entry{Name: "demo-api", Team: "payments", Status: status})
		res := v.Validate(context.Background(), d, taken)
		errs := res.Errors()
		if len(errs) != 1 || errs[0].Class != ClassConflict || errs[0].Field != "app.name" {
			t.Errorf("status %s: Errors() = %+v, want one conflict on app.name", status, errs)
		}
		if !res.HasClass(ClassConflict) {
			t.Errorf("status %s: HasClass(conflict) = false", status)
		}
	}
}

func TestValidate_Artifacts(t *testing.T) {
	dir := t.TempDir()
	appFile := filepath.Join(dir, "app.yaml")
	if err := os.WriteFile(appFile, []byte(demoDoc), 0o644); err != nil {
		t.Fatal(err)
	}
	d, err := descriptor.Load(appFile)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	v := newTestValidator(t, nil)
	res := v.Validate(context.Background(), d, registry.NewSnapshot())
	errs := res.Errors()
	if len(errs) != 1 || errs[0].Rule != RuleArtifact || errs[0].Field != "components.backend.directory" {
		t.Fatalf("Errors() = %+v, want missing Dockerfile for backend", errs)
	}
	if !strings.Contains(errs[0].Fix, "./backend/Dockerfile") {
		t.Errorf("Fix = %q, want path of missing Dockerfile", errs[0].Fix)
	}

	if err := os.MkdirAll(filepath.Join(dir, "backend"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "backend", "Dockerfile"), []byte("FROM scratch\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if res := v.Validate(context.Background(), d, registry.NewSnapshot()); res.HasErrors() {
		t.Errorf("Validate() with Dockerfile present = %+v", res.Errors())
	}

	failing := newTestValidator(t, ProbeFunc(func(context.Context, ArtifactRef) (bool, error) {
		return false, errors.New("permission denied")
	}))
	res = failing.Validate(context.Background(), d, registry.NewSnapshot())
	if errs := res.Errors(); len(errs) != 1 || !strings.Contains(errs[0].Message, "permission denied") {
		t.Errorf("Errors() = %+v, want probe failure surfaced", errs)
	}
}

func TestValidate_ArtifactSkippedWhenEnabledMalformed(t *testing.T) {
	calls := 0
	v := newTestValidator(t, ProbeFunc(func(context.Context, ArtifactRef) (bool, error) {
		calls++
		return false, nil
	}))
	d := parse(t, strings.Replace(demoDoc, "enabled: true", "enabled: sometimes", 1))

	res := v.Validate(context.Background(), d, registry.NewSnapshot())
	if calls != 0 {
		t.Errorf("probe called %d times for a component with malformed enabled", calls)
	}
	if errs := res.Errors(); len(errs) != 1 || errs[0].Field != "components.backend.enabled" {
		t.Errorf("Errors() = %+v, want only the shape error", errs)
	}
}

func TestValidate_Advisories(t *testing.T) {
	v := newTestValidator(t, allArtifacts())
	doc := strings.Replace(strings.Replace(demoDoc, "cpu: 0.5", "cpu: 3", 1), "memory: 1.0", "memory: 6", 1)

	snap := registry.NewSnapshot(registry.Entry{Name: "billing", Team: "finance", Status: registry.StatusActive})
	res := v.Validate(context.Background(), parse(t, doc), snap)

	if res.HasErrors() {
		t.Fatalf("advisories must not produce errors: %+v", res.Errors())
	}
	want := []string{"app.team", "components.backend.cpu", "components.backend.memory"}
	if got := fields(res.Warnings()); !reflect.DeepEqual(got, want) {
		t.Errorf("warning fields = %v, want %v", got, want)
	}
	assertComplete(t, res)

	// Exempt teams and an empty registry suppress the team warning.
	pilot := parse(t, strings.Replace(demoDoc, "team: demo", "team: pilot", 1))
	if w := v.Validate(context.Background(), pilot, snap).Warnings(); len(w) != 0 {
		t.Errorf("exempt team warnings = %+v", w)
	}
	if w := v.Validate(context.Background(), parse(t, demoDoc), registry.NewSnapshot()).Warnings(); len(w) != 0 {
		t.Errorf("empty registry warnings = %+v", w)
	}
}

func TestValidate_Deterministic(t *testing.T) {
	v := newTestValidator(t, ProbeFunc(func(context.Context, ArtifactRef) (bool, error) { return false, nil }))
	doc := `
app: {name: Bad_Name!, team: demo}
environment: qa
components:
  backend: {enabled: true, cpu: 9, memory: 9}
  frontend: {enabled: true, cpu: 3, memory: 0.1}
  database: {enabled: true, tier: premium}
tags:
  cost-centre: 42
`
	snap := registry.NewSnapshot(registry.Entry{Name: "other", Team: "t", Status: registry.StatusActive})
	first := v.Validate(context.Background(), parse(t, doc), snap)
	if len(first.Diagnostics) == 0 {
		t.Fatal("expected diagnostics")
	}
	for i := 0; i < 20; i++ {
		again := v.Validate(context.Background(), parse(t, doc), snap)
		if !reflect.DeepEqual(first, again) {
			t.Fatalf("run %d differs:\n%+v\n%+v", i, first.Diagnostics, again.Diagnostics)
		}
	}
	assertComplete(t, first)
}

func TestValidate_ValidDescriptorsHaveNoErrors(t *testing.T) {
	v := newTestValidator(t, allArtifacts())
	names := []string{"abc", "demo-api", "a1b2c3d4e5f6g7h"}
	cpus := []float64{0.25, 0.5, 1, 2, 3.5, 4}
	mems := []float64{0.5, 1, 2, 4, 7.5, 8}

	for _, name := range names {
		for _, cpu := range cpus {
			for _, mem := range mems {
				d := &descriptor.Descriptor{
					App:         descriptor.App{Name: name, Team: "demo"},
					Environment: descriptor.EnvironmentStaging,
					Components: descriptor.Components{
						Backend:  descriptor.ComponentSpec{Enabled: descriptor.Bool(true), CPUCores: descriptor.Float(cpu), MemoryGiB: descriptor.Float(mem)},
						Frontend: descriptor.ComponentSpec{Enabled: descriptor.Bool(true), CPUCores: descriptor.Float(cpu), MemoryGiB: descriptor.Float(mem)},
						Database: descriptor.ComponentSpec{Enabled: descriptor.Bool(false)},
					},
				}
				res := v.Validate(context.Background(), d, registry.NewSnapshot())
				if res.HasErrors() {
					t.Fatalf("name=%s cpu=%v mem=%v: unexpected errors %+v", name, cpu, mem, res.Errors())
				}
			}
		}
	}
}

func TestResult_Render(t *testing.T) {
	v := newTestValidator(t, allArtifacts())
	res := v.Validate(context.Background(), parse(t, strings.Replace(demoDoc, "demo-api", "MyApp", 1)), registry.NewSnapshot())

	var text strings.Builder
	if err := res.WriteText(&text); err != nil {
		t.Fatalf("WriteText() error = %v", err)
	}
	for _, want := range []string{"[ERROR] app.name", "Why:", "Fix:"} {
		if !strings.Contains(text.String(), want) {
			t.Errorf("text output missing %q:\n%s", want, text.String())
		}
	}

	var js strings.Builder
	if err := res.WriteJSON(&js); err != nil {
		t.Fatalf("WriteJSON() error = %v", err)
	}
	if !strings.Contains(js.String(), `"valid": false`) {
		t.Errorf("JSON output missing validity flag:\n%s", js.String())
	}
}
