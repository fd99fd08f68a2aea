package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes environment overrides, e.g. SHIPYARD_STORE_BACKEND.
const EnvPrefix = "SHIPYARD"

// Settings is the platform configuration shared by every command.
type Settings struct {
	// Store selects where the registry and deployment state live.
	Store StoreSettings `mapstructure:"store"`

	// Docker configures the container runtime and image registry.
	Docker DockerSettings `mapstructure:"docker"`

	// Deploy tunes the coordinator and the runner.
	Deploy DeploySettings `mapstructure:"deploy"`

	// Engine tunes plan execution.
	Engine EngineSettings `mapstructure:"engine"`

	// Validation configures descriptor validation.
	Validation ValidationSettings `mapstructure:"validation"`

	// Pricing points at a pricing table. Empty uses the built-in table.
	Pricing PricingSettings `mapstructure:"pricing"`

	// Log configures logging.
	Log LogSettings `mapstructure:"log"`

	// Telemetry configures tracing, metrics and event sinks.
	Telemetry TelemetrySettings `mapstructure:"telemetry"`

	// Watch configures the watch command's HTTP listener.
	Watch WatchSettings `mapstructure:"watch"`
}

// StoreSettings configures the registry and state backends.
type StoreSettings struct {
	// Backend is "sqlite" or "s3". The registry always lives in SQLite; the
	// s3 backend moves deployment state to a bucket.
	Backend string `mapstructure:"backend" validate:"required,oneof=sqlite s3"`

	// SQLitePath is the database file.
	SQLitePath string `mapstructure:"sqlite_path" validate:"required"`

	// S3 configures the state bucket.
	S3 S3Settings `mapstructure:"s3"`
}

// S3Settings configures S3 state storage.
type S3Settings struct {
	Bucket       string `mapstructure:"bucket" validate:"required_if=Enabled true"`
	Prefix       string `mapstructure:"prefix"`
	Region       string `mapstructure:"region"`
	Endpoint     string `mapstructure:"endpoint" validate:"omitempty,url"`
	UsePathStyle bool   `mapstructure:"use_path_style"`

	// Enabled is derived from Store.Backend.
	Enabled bool `mapstructure:"-"`
}

// DockerSettings configures the container runtime.
type DockerSettings struct {
	// Host overrides DOCKER_HOST.
	Host string `mapstructure:"host"`

	// PublishHost is the address container ports are published on.
	PublishHost string `mapstructure:"publish_host" validate:"required,ip"`

	// Registry prefixes image references.
	Registry string `mapstructure:"registry"`

	// Username and Password authenticate pushes.
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`

	// Dockerfile is the file name inside each build context.
	Dockerfile string `mapstructure:"dockerfile" validate:"required"`
}

// DeploySettings tunes rollouts.
type DeploySettings struct {
	LeaseTTL           time.Duration `mapstructure:"lease_ttl" validate:"gt=0"`
	LeaseRenewInterval time.Duration `mapstructure:"lease_renew_interval" validate:"gte=0"`
	LeaseWait          time.Duration `mapstructure:"lease_wait" validate:"gt=0"`
	LeasePoll          time.Duration `mapstructure:"lease_poll" validate:"gt=0"`
	SettleDelay        time.Duration `mapstructure:"settle_delay" validate:"gte=0"`
	HealthRetries      int           `mapstructure:"health_retries" validate:"min=1,max=100"`
	HealthInterval     time.Duration `mapstructure:"health_interval" validate:"gt=0"`
	ProbeTimeout       time.Duration `mapstructure:"probe_timeout" validate:"gt=0"`
	OnHealthTimeout    string        `mapstructure:"on_health_timeout" validate:"oneof=retain rollback"`
	Parallelism        int           `mapstructure:"parallelism" validate:"min=1,max=64"`
	MaxAttempts        int           `mapstructure:"max_attempts" validate:"min=1,max=10"`
	AutoRegister       bool          `mapstructure:"auto_register"`
}

// EngineSettings tunes the IaC engine.
type EngineSettings struct {
	MaxParallel int           `mapstructure:"max_parallel" validate:"min=1,max=64"`
	MaxRetries  int           `mapstructure:"max_retries" validate:"min=0,max=10"`
	UnitTimeout time.Duration `mapstructure:"unit_timeout" validate:"gt=0"`
}

// ValidationSettings configures descriptor validation.
type ValidationSettings struct {
	// PolicyPaths are extra rego files or directories.
	PolicyPaths []string `mapstructure:"policy_paths"`

	// ExemptTeams skip the registered-team warning.
	ExemptTeams []string `mapstructure:"exempt_teams"`
}

// PricingSettings locates the pricing table.
type PricingSettings struct {
	File string `mapstructure:"file"`
}

// LogSettings configures logging.
type LogSettings struct {
	Level  string `mapstructure:"level" validate:"oneof=trace debug info warn error"`
	Format string `mapstructure:"format" validate:"oneof=console json"`
}

// TelemetrySettings configures observability.
type TelemetrySettings struct {
	TracingEnabled  bool     `mapstructure:"tracing_enabled"`
	TracingExporter string   `mapstructure:"tracing_exporter" validate:"oneof=otlp stdout none"`
	OTLPEndpoint    string   `mapstructure:"otlp_endpoint" validate:"required_if=TracingExporter otlp"`
	SamplingRate    float64  `mapstructure:"sampling_rate" validate:"gte=0,lte=1"`
	KafkaBrokers    []string `mapstructure:"kafka_brokers" validate:"dive,hostname_port"`
	KafkaTopic      string   `mapstructure:"kafka_topic"`
}

// WatchSettings configures the watch command.
type WatchSettings struct {
	Addr     string        `mapstructure:"addr" validate:"required,hostname_port"`
	Debounce time.Duration `mapstructure:"debounce" validate:"gt=0"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("store.backend", "sqlite")
	v.SetDefault("store.sqlite_path", "./.shipyard/shipyard.db")
	v.SetDefault("store.s3.prefix", "state/")
	v.SetDefault("store.s3.use_path_style", false)

	v.SetDefault("docker.publish_host", "127.0.0.1")
	v.SetDefault("docker.dockerfile", "Dockerfile")

	v.SetDefault("deploy.lease_ttl", "15m")
	v.SetDefault("deploy.lease_renew_interval", "5m")
	v.SetDefault("deploy.lease_wait", "30s")
	v.SetDefault("deploy.lease_poll", "2s")
	v.SetDefault("deploy.settle_delay", "10s")
	v.SetDefault("deploy.health_retries", 10)
	v.SetDefault("deploy.health_interval", "10s")
	v.SetDefault("deploy.probe_timeout", "5s")
	v.SetDefault("deploy.on_health_timeout", "retain")
	v.SetDefault("deploy.parallelism", 4)
	v.SetDefault("deploy.max_attempts", 3)
	v.SetDefault("deploy.auto_register", false)

	v.SetDefault("engine.max_parallel", 4)
	v.SetDefault("engine.max_retries", 3)
	v.SetDefault("engine.unit_timeout", "5m")

	v.SetDefault("validation.exempt_teams", []string{"pilot"})

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")

	v.SetDefault("telemetry.tracing_enabled", false)
	v.SetDefault("telemetry.tracing_exporter", "none")
	v.SetDefault("telemetry.sampling_rate", 1.0)
	v.SetDefault("telemetry.kafka_topic", "shipyard.deployments")

	v.SetDefault("watch.addr", "127.0.0.1:8088")
	v.SetDefault("watch.debounce", "500ms")
}

// Load reads settings from path (optional), then SHIPYARD_* environment
// variables, over the defaults. A missing file at an explicit path is an
// error; with no path, "shipyard.yaml" in the working directory is used if
// present.
func Load(path string) (*Settings, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("shipyard")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// Default returns the default settings.
func Default() *Settings {
	v := viper.New()
	setDefaults(v)
	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		panic(fmt.Sprintf("default settings do not decode: %v", err))
	}
	s.Store.S3.Enabled = s.Store.Backend == "s3"
	return &s
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks every field constraint and reports all violations at once.
func (s *Settings) Validate() error {
	s.Store.S3.Enabled = s.Store.Backend == "s3"
	err := validate.Struct(s)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("invalid config: %w", err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s: failed %q (value %v)", fieldPath(fe), fe.Tag(), fe.Value()))
	}
	return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
}

// fieldPath strips the root struct name from a validator namespace.
func fieldPath(fe validator.FieldError) string {
	ns := fe.Namespace()
	if _, rest, ok := strings.Cut(ns, "."); ok {
		return rest
	}
	return ns
}
