// Package config loads shipyard's platform settings.
//
// Settings come from an optional YAML file (shipyard.yaml by default),
// overridden by SHIPYARD_* environment variables, over built-in defaults.
// Nested keys map to variables with dots replaced by underscores, so
// deploy.health_retries is SHIPYARD_DEPLOY_HEALTH_RETRIES. Durations use Go
// duration strings ("30s", "15m").
//
// Every field constraint is checked after loading and all violations are
// reported together:
//
//	settings, err := config.Load("")
//	if err != nil {
//	    return err
//	}
package config
