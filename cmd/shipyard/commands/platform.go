package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/shipyard/pkg/config"
	"github.com/openfroyo/shipyard/pkg/cost"
	"github.com/openfroyo/shipyard/pkg/deploy"
	"github.com/openfroyo/shipyard/pkg/iac"
	"github.com/openfroyo/shipyard/pkg/policy"
	dockerprovider "github.com/openfroyo/shipyard/pkg/providers/docker"
	"github.com/openfroyo/shipyard/pkg/state"
	"github.com/openfroyo/shipyard/pkg/stores"
	"github.com/openfroyo/shipyard/pkg/telemetry"
	"github.com/openfroyo/shipyard/pkg/validation"
)

// platform holds the collaborators shared by commands. The registry and the
// journal always live in SQLite; deployment state follows store.backend.
type platform struct {
	settings  *config.Settings
	db        *stores.SQLiteStore
	states    state.Store
	telemetry *telemetry.Telemetry
	logger    zerolog.Logger

	policies *policy.Engine
	pricing  *cost.PricingTable
	docker   interface{ Close() error }
}

func openPlatform(ctx context.Context) (*platform, error) {
	settings, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	tel, err := telemetry.NewTelemetry(telemetryConfig(settings))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	p := &platform{
		settings:  settings,
		telemetry: tel,
		logger:    tel.Logger.Zerolog(),
	}

	if dir := filepath.Dir(settings.Store.SQLitePath); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			p.Close()
			return nil, fmt.Errorf("failed to create state directory: %w", err)
		}
	}
	p.db, err = stores.Open(ctx, stores.Config{Path: settings.Store.SQLitePath})
	if err != nil {
		p.Close()
		return nil, err
	}
	tel.Events.Subscribe(p.db.Journal(p.logger), nil)

	switch settings.Store.Backend {
	case "s3":
		s3cfg := settings.Store.S3
		p.states, err = stores.NewS3StateStore(ctx, stores.S3Config{
			Bucket:       s3cfg.Bucket,
			Prefix:       s3cfg.Prefix,
			Region:       s3cfg.Region,
			Endpoint:     s3cfg.Endpoint,
			UsePathStyle: s3cfg.UsePathStyle,
		})
		if err != nil {
			p.Close()
			return nil, err
		}
	default:
		p.states = p.db
	}

	p.logger.Debug().
		Str("sqlite", settings.Store.SQLitePath).
		Str("state_backend", settings.Store.Backend).
		Msg("Platform opened")
	return p, nil
}

func telemetryConfig(s *config.Settings) *telemetry.Config {
	cfg := telemetry.DefaultConfig()
	cfg.ServiceVersion = buildVersion
	cfg.Logging.Level = s.Log.Level
	cfg.Logging.Format = s.Log.Format
	if jsonOutput {
		cfg.Logging.Format = "json"
	}
	if verbose {
		cfg.Logging.Level = "debug"
	}
	cfg.Tracing.Enabled = s.Telemetry.TracingEnabled
	cfg.Tracing.Exporter = s.Telemetry.TracingExporter
	cfg.Tracing.Endpoint = s.Telemetry.OTLPEndpoint
	cfg.Tracing.SamplingRate = s.Telemetry.SamplingRate
	cfg.Events.KafkaBrokers = s.Telemetry.KafkaBrokers
	cfg.Events.KafkaTopic = s.Telemetry.KafkaTopic
	return cfg
}

// Close releases everything the platform opened. Events are drained before
// the journal database closes.
func (p *platform) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if p.telemetry != nil {
		if err := p.telemetry.Shutdown(ctx); err != nil {
			p.logger.Warn().Err(err).Msg("Telemetry shutdown failed")
		}
	}
	if p.docker != nil {
		_ = p.docker.Close()
	}
	if p.db != nil {
		if err := p.db.Close(); err != nil {
			p.logger.Warn().Err(err).Msg("Failed to close database")
		}
	}
}

func (p *platform) pricingTable() (*cost.PricingTable, error) {
	if p.pricing != nil {
		return p.pricing, nil
	}
	table := cost.DefaultPricingTable()
	if file := p.settings.Pricing.File; file != "" {
		loaded, err := cost.LoadPricingTable(file)
		if err != nil {
			return nil, err
		}
		table = loaded
	}
	p.pricing = table
	return table, nil
}

func (p *platform) policyEngine(ctx context.Context) (*policy.Engine, error) {
	if p.policies != nil {
		return p.policies, nil
	}
	engine, err := policy.NewEngine(p.logger)
	if err != nil {
		return nil, err
	}
	if paths := p.settings.Validation.PolicyPaths; len(paths) > 0 {
		if err := engine.LoadPolicies(ctx, paths); err != nil {
			return nil, err
		}
	}
	p.policies = engine
	return engine, nil
}

func (p *platform) validator(ctx context.Context) (*validation.Validator, error) {
	policies, err := p.policyEngine(ctx)
	if err != nil {
		return nil, err
	}
	pricing, err := p.pricingTable()
	if err != nil {
		return nil, err
	}
	return validation.New(validation.Options{
		Policies:    policies,
		Pricing:     pricing,
		ExemptTeams: p.settings.Validation.ExemptTeams,
		Logger:      p.logger,
	})
}

// recordDiagnostics counts a validation result's findings.
func (p *platform) recordDiagnostics(res *validation.Result) {
	for _, d := range res.Diagnostics {
		p.telemetry.Metrics.RecordDiagnostic(string(d.Severity), string(d.Class))
	}
}

// coordinator connects to Docker and wires the rollout machinery.
func (p *platform) coordinator(ctx context.Context) (*deploy.Coordinator, error) {
	s := p.settings
	cli, err := dockerprovider.NewClient(ctx, s.Docker.Host)
	if err != nil {
		return nil, err
	}
	p.docker = cli

	provider := dockerprovider.NewProvider(cli, dockerprovider.ProviderConfig{PublishHost: s.Docker.PublishHost}, p.logger)
	builder := dockerprovider.NewBuilder(cli, dockerprovider.BuilderConfig{
		Dockerfile:    s.Docker.Dockerfile,
		Username:      s.Docker.Username,
		Password:      s.Docker.Password,
		ServerAddress: s.Docker.Registry,
	}, p.logger)

	maxRetries := s.Engine.MaxRetries
	if maxRetries == 0 {
		maxRetries = -1
	}
	engine := iac.NewEngine(provider, p.logger, iac.Options{
		MaxParallel: s.Engine.MaxParallel,
		MaxRetries:  maxRetries,
		UnitTimeout: s.Engine.UnitTimeout,
	})

	settle := s.Deploy.SettleDelay
	if settle == 0 {
		settle = -1
	}
	return deploy.NewCoordinator(p.db, p.states, engine, builder, deploy.NewHTTPProbe(s.Deploy.ProbeTimeout), p.logger, deploy.Options{
		LeaseTTL:           s.Deploy.LeaseTTL,
		LeaseRenewInterval: s.Deploy.LeaseRenewInterval,
		LeaseWait:          s.Deploy.LeaseWait,
		LeasePoll:          s.Deploy.LeasePoll,
		SettleDelay:        settle,
		HealthRetries:      s.Deploy.HealthRetries,
		HealthInterval:     s.Deploy.HealthInterval,
		OnHealthTimeout:    deploy.HealthPolicy(s.Deploy.OnHealthTimeout),
		ImageRegistry:      s.Docker.Registry,
		AutoRegister:       s.Deploy.AutoRegister,
		Metrics:            p.telemetry.Metrics,
		Tracer:             p.telemetry.Tracer,
		Events:             p.telemetry.Events,
	}), nil
}

func (p *platform) runner(coord *deploy.Coordinator) *deploy.Runner {
	return deploy.NewRunner(coord, p.logger, deploy.RunnerOptions{
		Parallelism: p.settings.Deploy.Parallelism,
		MaxAttempts: p.settings.Deploy.MaxAttempts,
		Metrics:     p.telemetry.Metrics,
	})
}

// loadState returns the stored state for key, or nil when none exists.
func (p *platform) loadState(ctx context.Context, key state.Key) (*state.DeploymentState, error) {
	st, err := p.states.Load(ctx, key)
	if errors.Is(err, state.ErrNotFound) {
		return nil, nil
	}
	return st, err
}
