package cache

import "errors"

// Sentinel errors for cache operations.
var (
	// ErrDisabled indicates the cache is disabled in configuration.
	ErrDisabled = errors.New("cache: disabled in configuration")

	// ErrConnectionFailed indicates the initial ping failed.
	ErrConnectionFailed = errors.New("cache: connection failed")
)
