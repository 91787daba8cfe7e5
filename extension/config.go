package extension

import (
	"github.com/xraph/entitle"
)

// Store drivers understood by the extension.
const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
	DriverMongo    = "mongo"
)

// Config holds the Entitle extension configuration.
// Fields can be set programmatically via Option functions or loaded from
// YAML configuration files (under "extensions.entitle" or "entitle" keys).
type Config struct {
	// DisableMigrate prevents auto-migration on start.
	DisableMigrate bool `json:"disable_migrate" mapstructure:"disable_migrate" yaml:"disable_migrate"`

	// Driver selects the store built from the grove.DB passed with
	// WithGroveDB: "postgres", "sqlite" or "mongo". Ignored when a store is
	// set with WithStore. Without either, the in-memory store is used.
	Driver string `json:"driver" mapstructure:"driver" yaml:"driver"`

	// Engine is the subscription and entitlement policy.
	Engine entitle.Config `json:"engine" mapstructure:"engine" yaml:"engine"`

	// RequireConfig requires config to be present in YAML files.
	// If true and no config is found, Register returns an error.
	RequireConfig bool `json:"-" yaml:"-"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Driver: DriverMemory,
		Engine: entitle.DefaultConfig(),
	}
}
