package config

import "strings"

// Environment identifies the deployment the client runs in.
type Environment string

const (
	// EnvDev marks the development environment.
	EnvDev Environment = "dev"
	// EnvStaging marks the staging environment.
	EnvStaging Environment = "staging"
	// EnvProd marks the production environment.
	EnvProd Environment = "prod"
)

// Storage backends accepted by StorageConfig.Backend.
const (
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendMemory   = "memory"
)

func normalizeEnvironment(value Environment) Environment {
	switch strings.ToLower(strings.TrimSpace(string(value))) {
	case "", "dev", "development", "local":
		return EnvDev
	case "staging", "stage":
		return EnvStaging
	case "prod", "production":
		return EnvProd
	default:
		return Environment(strings.ToLower(strings.TrimSpace(string(value))))
	}
}
