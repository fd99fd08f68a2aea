package validation

import (
	"fmt"
	"sort"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"

	"github.com/openfroyo/shipyard/pkg/descriptor"
)

const descriptorSchema = `
#Component: {
	enabled:      bool
	port?:        int
	cpu?:         number
	memory?:      number
	storage_mb?:  int
	tier?:        string
	type?:        string
	directory?:   string
	health_path?: string
	...
}

#Descriptor: {
	app: {
		name:         string
		team:         string
		region?:      string
		description?: string
		...
	}
	environment: "dev" | "staging" | "prod"
	components: {
		backend:  #Component
		frontend: #Component
		database: #Component
		...
	}
	environment_variables?: [string]: string
	tags?: [string]: string
	...
}
`

// shapeSchema checks a raw descriptor document against the CUE definition.
type shapeSchema struct {
	ctx        *cue.Context
	descriptor cue.Value
}

func newShapeSchema() (*shapeSchema, error) {
	ctx := cuecontext.New()
	val := ctx.CompileString(descriptorSchema)
	if err := val.Err(); err != nil {
		return nil, fmt.Errorf("failed to compile descriptor schema: %w", err)
	}
	def := val.LookupPath(cue.ParsePath("#Descriptor"))
	if err := def.Err(); err != nil {
		return nil, fmt.Errorf("failed to look up descriptor schema: %w", err)
	}
	return &shapeSchema{ctx: ctx, descriptor: def}, nil
}

// shapeFailure is one failing field path.
type shapeFailure struct {
	path   []string
	detail string
}

// check returns the failing paths ordered by field path. Multiple CUE errors
// on one path are collapsed into the first.
func (s *shapeSchema) check(raw map[string]any) ([]shapeFailure, error) {
	data := s.ctx.Encode(raw)
	if err := data.Err(); err != nil {
		return nil, fmt.Errorf("failed to encode descriptor: %w", err)
	}

	err := s.descriptor.Unify(data).Validate(cue.Concrete(true))
	if err == nil {
		return nil, nil
	}

	seen := make(map[string]bool)
	var failures []shapeFailure
	for _, e := range cueerrors.Errors(err) {
		path := cleanPath(e.Path())
		key := strings.Join(path, ".")
		if key == "" || seen[key] {
			continue
		}
		seen[key] = true
		format, args := e.Msg()
		failures = append(failures, shapeFailure{path: path, detail: fmt.Sprintf(format, args...)})
	}

	sort.Slice(failures, func(i, j int) bool {
		return strings.Join(failures[i].path, ".") < strings.Join(failures[j].path, ".")
	})
	return failures, nil
}

// cleanPath drops definition selectors and label quoting from a CUE path.
func cleanPath(path []string) []string {
	out := make([]string, 0, len(path))
	for _, p := range path {
		if strings.HasPrefix(p, "#") {
			continue
		}
		out = append(out, strings.Trim(p, `"`))
	}
	return out
}

// expectedTypes describes leaf fields for type mismatch messages.
var expectedTypes = map[string]string{
	"name":        "a string",
	"team":        "a string",
	"region":      "a string",
	"description": "a string",
	"enabled":     "a boolean (true or false)",
	"port":        "a whole number",
	"cpu":         "a number of CPU cores",
	"memory":      "a number of GiB",
	"storage_mb":  "a whole number of MiB",
	"tier":        "a string",
	"type":        "a string",
	"directory":   "a string",
	"health_path": "a string",
}

// shapeDiagnostic explains one shape failure.
func shapeDiagnostic(d *descriptor.Descriptor, f shapeFailure) Diagnostic {
	field := strings.Join(f.path, ".")
	leaf := f.path[len(f.path)-1]
	diag := Diagnostic{
		Severity: SeverityError,
		Class:    ClassConfig,
		Rule:     RuleShape,
		Field:    field,
		Why:      fieldWhy(f.path),
	}

	switch {
	case !d.HasPath(f.path):
		diag.Message = fmt.Sprintf("Required field %s is missing", field)
		diag.Fix = missingFix(f.path)
	case field == "environment":
		diag.Message = fmt.Sprintf("Environment %v is not supported", rawValue(d, f.path))
		diag.Fix = "Set environment to one of: dev, staging, prod"
	default:
		expected, ok := expectedTypes[leaf]
		if !ok {
			expected = "a value of the documented type"
			if len(f.path) >= 2 && (f.path[0] == "environment_variables" || f.path[0] == "tags") {
				expected = "a string"
			} else if len(f.path) == 1 || (len(f.path) == 2 && f.path[0] == "components") {
				expected = "a mapping of fields"
			}
		}
		diag.Message = fmt.Sprintf("Field %s must be %s, got %v", field, expected, rawValue(d, f.path))
		diag.Fix = fmt.Sprintf("Change %s to %s", field, expected)
		if leaf != "" && len(f.path) >= 2 && (f.path[0] == "environment_variables" || f.path[0] == "tags") {
			diag.Fix = fmt.Sprintf("Quote the value of %s so it is read as a string", field)
		}
	}
	return diag
}

func rawValue(d *descriptor.Descriptor, path []string) any {
	var cur any = d.Raw()
	for _, part := range path {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur = m[part]
	}
	if s, ok := cur.(string); ok {
		return fmt.Sprintf("%q", s)
	}
	if cur == nil {
		return "nothing"
	}
	return cur
}

func fieldWhy(path []string) string {
	field := strings.Join(path, ".")
	switch {
	case field == "app.name":
		return "The name identifies the application in the registry, in generated resource names and in image tags"
	case field == "app.team":
		return "The owning team decides who may change the application and where its deployment state is stored"
	case field == "app":
		return "The app block carries the identity the platform uses to register and deploy the application"
	case field == "environment":
		return "The environment selects where the application is deployed and which policies apply to it"
	case field == "components":
		return "The platform deploys exactly the components listed here"
	case len(path) == 2 && path[0] == "components":
		return fmt.Sprintf("The %s block declares whether and how the %s component is deployed", path[1], path[1])
	case len(path) == 3 && path[0] == "components" && path[2] == "enabled":
		return "Every component must state whether it is deployed so nothing is provisioned by accident"
	case len(path) == 3 && path[0] == "components":
		return fmt.Sprintf("The platform reads %s to size and configure the %s component; a value of the wrong type cannot be interpreted", path[2], path[1])
	case len(path) >= 1 && (path[0] == "environment_variables" || path[0] == "tags"):
		return "Environment variables and tags are passed to the runtime as strings"
	}
	return "The platform cannot interpret the descriptor until this field is well formed"
}

func missingFix(path []string) string {
	field := strings.Join(path, ".")
	switch {
	case field == "app.name":
		return "Add app.name with a lowercase name, for example: name: my-api"
	case field == "app.team":
		return "Add app.team with your team's identifier, for example: team: payments"
	case field == "environment":
		return "Add environment: dev (or staging, prod) at the top level"
	case len(path) == 3 && path[0] == "components" && path[2] == "enabled":
		return fmt.Sprintf("Add enabled: true or enabled: false under components.%s", path[1])
	}
	return fmt.Sprintf("Add %s to the descriptor", field)
}
