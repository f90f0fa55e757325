// Package config provides configuration management for the gatekeeper.
//
// This package handles loading, validating, and managing configuration from
// YAML files with environment variable overrides.
//
// # Configuration Loading
//
// Configuration can be loaded in two ways:
//
//  1. From a YAML file only:
//     cfg, err := config.LoadConfig("config.yaml")
//
//  2. From a YAML file with environment variable overrides:
//     cfg, err := config.LoadConfigWithEnvOverrides("config.yaml")
//
// # Environment Variable Overrides
//
// Environment variables follow the naming convention GATEKEEPER_SECTION_FIELD.
// For example:
//
//   - GATEKEEPER_SERVER_LISTEN_ADDRESS overrides server.listen_address
//   - GATEKEEPER_ADMIN_API_KEY overrides security.admin.api_key
//   - GATEKEEPER_WALLET_POSTGRES_DSN overrides wallet.storage.postgres.dsn
//
// Secrets should be supplied this way rather than written to the file.
//
// # Configuration Precedence
//
// Configuration values are applied in the following order (later overrides earlier):
//
//  1. Default values (defined in defaults.go)
//  2. Values from YAML file
//  3. Environment variable overrides
//  4. Validation (fails fast if invalid)
//
// # Hot Reload
//
// Watcher observes the configuration file and calls ReloadConfig when it
// changes. Components that can pick up new values at runtime (client API
// keys, log level) register with OnReload. Storage backends and listen
// addresses are read once at startup.
//
// # Example Configuration
//
//	server:
//	  listen_address: "0.0.0.0:8080"
//
//	gateway:
//	  upstream_url: "https://api.openai.com"
//
//	limits:
//	  failure_mode: "fail-open"
//	  storage:
//	    backend: "redis"
//	    redis:
//	      address: "redis:6379"
//
//	wallet:
//	  minimum_reserve_cents: "5"
//	  storage:
//	    backend: "postgres"
//
//	security:
//	  authentication:
//	    enabled: true
//	    keys:
//	      - key: "sk-client-1"
//	        org_id: "org-a"
//	        wallet_funded: true
package config
