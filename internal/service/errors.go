package service

import "errors"

var (
	// ErrPortConflict marks a port held by a stale process. It is resolved by eviction and never fatal.
	ErrPortConflict = errors.New("port conflict")
	// ErrSpawnFailure means the executable or image could not be started. Fatal for that service only.
	ErrSpawnFailure = errors.New("spawn failure")
	// ErrHealthCheckTimeout means the service never became reachable within the attempt budget.
	ErrHealthCheckTimeout = errors.New("health check timeout")
	// ErrRegistryCorruption marks an unreadable pid file. The entry is treated as absent and removed.
	ErrRegistryCorruption = errors.New("registry corruption")

	ErrInvalidConfig  = errors.New("invalid config")
	ErrNoServices     = errors.New("no services configured")
	ErrUnknownService = errors.New("unknown service")
)
