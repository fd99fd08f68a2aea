package iac

import (
	"fmt"
	"sort"
	"strconv"

	"github.com/openfroyo/shipyard/pkg/descriptor"
)

// databaseEngine describes how a database type runs as a container.
type databaseEngine struct {
	image   string
	port    int
	dataDir string
	scheme  string
	env     func(db string) map[string]string
}

var databaseEngines = map[string]databaseEngine{
	"postgresql": {
		image:   "postgres:16-alpine",
		port:    5432,
		dataDir: "/var/lib/postgresql/data",
		scheme:  "postgres",
		env: func(db string) map[string]string {
			return map[string]string{
				"POSTGRES_DB":               db,
				"POSTGRES_USER":             db,
				"POSTGRES_HOST_AUTH_METHOD": "trust",
			}
		},
	},
	"mysql": {
		image:   "mysql:8.4",
		port:    3306,
		dataDir: "/var/lib/mysql",
		scheme:  "mysql",
		env: func(db string) map[string]string {
			return map[string]string{
				"MYSQL_DATABASE":             db,
				"MYSQL_ALLOW_EMPTY_PASSWORD": "yes",
			}
		},
	},
}

// Label keys attached to every resource.
const (
	LabelApp         = "shipyard.app"
	LabelTeam        = "shipyard.team"
	LabelEnvironment = "shipyard.environment"
	LabelComponent   = "shipyard.component"
	labelTagPrefix   = "shipyard.tag."
)

// desiredResources derives the resources a working set asks for in mode.
func desiredResources(ws WorkingSet, mode Mode, suffix string) ([]Resource, error) {
	if mode == ModeDestroy {
		return nil, nil
	}
	d := ws.Descriptor
	if len(d.EnabledComponents()) == 0 {
		return nil, nil
	}

	app, env := d.App.Name, d.Environment
	labels := func(component string) map[string]string {
		l := map[string]string{
			LabelApp:         app,
			LabelTeam:        d.App.Team,
			LabelEnvironment: string(env),
		}
		if component != "" {
			l[LabelComponent] = component
		}
		for k, v := range d.Tags {
			l[labelTagPrefix+k] = v
		}
		return l
	}

	network := Resource{
		ID:     ResourceNetwork,
		Kind:   KindNetwork,
		Name:   ResourceName(app, env, "net", suffix),
		Layer:  LayerInfra,
		Labels: labels(""),
	}
	resources := []Resource{network}

	var databaseURL string
	if d.Components.Database.IsEnabled() {
		eff := d.Effective(descriptor.Database)
		engine, ok := databaseEngines[eff.Type]
		if !ok {
			return nil, NewPermanentError(fmt.Sprintf("database type %q has no container image", eff.Type), nil).
				WithCode(ErrCodeValidation).WithResource(ResourceDatabase)
		}

		volume := Resource{
			ID:        ResourceDatabaseVolume,
			Kind:      KindVolume,
			Name:      ResourceName(app, env, "database-data", suffix),
			Layer:     LayerInfra,
			Component: descriptor.Database,
			Labels:    labels(string(descriptor.Database)),
		}
		database := Resource{
			ID:        ResourceDatabase,
			Kind:      KindContainer,
			Name:      ResourceName(app, env, string(descriptor.Database), suffix),
			Layer:     LayerInfra,
			Component: descriptor.Database,
			DependsOn: []string{ResourceNetwork, ResourceDatabaseVolume},
			Labels:    labels(string(descriptor.Database)),
			Container: &ContainerSpec{
				Image:     engine.image,
				Network:   network.Name,
				Aliases:   []string{string(descriptor.Database)},
				CPUCores:  eff.CPUCores,
				MemoryGiB: eff.MemoryGiB,
				Env:       engine.env(app),
				Mounts:    []Mount{{Source: volume.Name, Target: engine.dataDir}},
			},
		}
		resources = append(resources, volume, database)
		databaseURL = fmt.Sprintf("%s://%s@%s:%d/%s", engine.scheme, app, descriptor.Database, engine.port, app)
	}

	if mode != ModeInfraWorkload {
		return resources, nil
	}

	var missing []string
	for _, name := range []descriptor.ComponentName{descriptor.Backend, descriptor.Frontend} {
		if !d.Component(name).IsEnabled() {
			continue
		}
		image := ws.Images[string(name)]
		if image == "" {
			missing = append(missing, string(name))
			continue
		}

		eff := d.Effective(name)
		vars := make(map[string]string, len(d.EnvironmentVariables)+2)
		for k, v := range d.EnvironmentVariables {
			vars[k] = v
		}
		vars["PORT"] = strconv.Itoa(eff.Port)

		deps := []string{ResourceNetwork}
		switch name {
		case descriptor.Backend:
			if databaseURL != "" {
				vars["DATABASE_URL"] = databaseURL
				deps = append(deps, ResourceDatabase)
			}
		case descriptor.Frontend:
			if d.Components.Backend.IsEnabled() {
				backendPort := d.Effective(descriptor.Backend).Port
				vars["BACKEND_URL"] = fmt.Sprintf("http://%s:%d", descriptor.Backend, backendPort)
				deps = append(deps, ResourceBackend)
			}
		}

		resources = append(resources, Resource{
			ID:        string(name),
			Kind:      KindContainer,
			Name:      ResourceName(app, env, string(name), suffix),
			Layer:     LayerWorkload,
			Component: name,
			DependsOn: deps,
			Labels:    labels(string(name)),
			Container: &ContainerSpec{
				Image:      image,
				Network:    network.Name,
				Aliases:    []string{string(name)},
				Port:       eff.Port,
				CPUCores:   eff.CPUCores,
				MemoryGiB:  eff.MemoryGiB,
				Env:        vars,
				HealthPath: eff.HealthPath,
			},
		})
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return nil, NewPermanentError(fmt.Sprintf("no pushed image for %v", missing), nil).
			WithCode(ErrCodeMissingImage)
	}

	return resources, nil
}
