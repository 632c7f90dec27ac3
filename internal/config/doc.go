// Package config loads the tenantgate YAML configuration.
//
// The file carries service, logging, tracing, metrics, storage, cache,
// audit and authorization settings, plus the tenant compliance profiles
// and the entity scope registry. ${VAR} and ${VAR:-default} references
// are expanded from the environment before parsing. LoadConfig applies
// defaults and validates; Watcher reloads on change and only hands valid
// configurations to its callback.
package config
