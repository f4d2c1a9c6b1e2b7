package core

import (
	"fmt"
	"strings"
)

type Environment string

const (
	EnvironmentLocal       Environment = "local"
	EnvironmentDevelopment Environment = "development"
	EnvironmentStaging     Environment = "staging"
	EnvironmentProduction  Environment = "production"
)

var environmentOrderServers = map[Environment]string{
	EnvironmentLocal:       "http://localhost:3333",
	EnvironmentDevelopment: "https://orders.skus.development.example",
	EnvironmentStaging:     "https://orders.skus.staging.example",
	EnvironmentProduction:  "https://orders.skus.example",
}

var environmentAliases = map[string]Environment{
	"local":       EnvironmentLocal,
	"test":        EnvironmentLocal,
	"dev":         EnvironmentDevelopment,
	"development": EnvironmentDevelopment,
	"staging":     EnvironmentStaging,
	"prod":        EnvironmentProduction,
	"production":  EnvironmentProduction,
}

// ParseEnvironment is the strict form hosts use to validate configuration
// before initializing an engine.
func ParseEnvironment(value string) (Environment, error) {
	normalized := strings.TrimSpace(strings.ToLower(value))
	if env, ok := environmentAliases[normalized]; ok {
		return env, nil
	}
	return "", fmt.Errorf("core: unknown environment %q", value)
}

// ResolveEnvironment never fails: unknown values resolve to production.
func ResolveEnvironment(value string) (Environment, bool) {
	env, err := ParseEnvironment(value)
	if err != nil {
		return EnvironmentProduction, false
	}
	return env, true
}

func (e Environment) OrderServerURL() string {
	if base, ok := environmentOrderServers[e]; ok {
		return base
	}
	return environmentOrderServers[EnvironmentProduction]
}

func (e Environment) String() string {
	return string(e)
}
