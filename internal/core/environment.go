package core

import "strings"

// Environment is the deployment stage the companion service runs in. It picks
// the defaults an operator does not set explicitly.
type Environment string

const (
	Development Environment = "development"
	Staging     Environment = "staging"
	Testing     Environment = "testing"
	Production  Environment = "production"
)

var environmentAliases = map[string]Environment{
	"dev":   Development,
	"local": Development,
	"stage": Staging,
	"test":  Testing,
	"ci":    Testing,
	"prod":  Production,
	"live":  Production,
}

func (e Environment) String() string {
	return string(e)
}

func (e Environment) IsProduction() bool {
	return e == Production
}

// IsDeployed reports whether the service runs against shared infrastructure,
// where several instances share one store and one Redis.
func (e Environment) IsDeployed() bool {
	return e == Staging || e == Production
}

// LogLevel is the default zerolog level name.
func (e Environment) LogLevel() string {
	if e.IsDeployed() {
		return "info"
	}
	return "debug"
}

// StructuredLogs reports whether logs go out as JSON rather than through the
// human-readable console writer.
func (e Environment) StructuredLogs() bool {
	return e.IsDeployed()
}

// StoreDriver is the default system of record: the embedded SQLite file for
// local runs, Postgres once instances share state.
func (e Environment) StoreDriver() string {
	if e.IsDeployed() {
		return "postgres"
	}
	return "sqlite"
}

// ParseEnvironment accepts the canonical names and common short forms, case
// and surrounding space insensitive. Anything else is Development.
func ParseEnvironment(v string) Environment {
	v = strings.ToLower(strings.TrimSpace(v))
	switch env := Environment(v); env {
	case Development, Staging, Testing, Production:
		return env
	}
	if env, ok := environmentAliases[v]; ok {
		return env
	}
	return Development
}
