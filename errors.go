package kcl

import (
	"fmt"

	"github.com/shardconsumer/kcl/registry"
)

// AppNameAlreadyRunning is returned by CreateApp when appName is already
// registered to a running App in this process.
type AppNameAlreadyRunning = registry.AppNameAlreadyRunning

// InitializationFailed is returned by CreateApp when the AWS configuration
// could not be loaded or the state table could not be bootstrapped. The
// worker-level init loop retries forever on its own; this error is only
// raised for the one-time, synchronous setup performed by CreateApp itself.
type InitializationFailed struct {
	Cause error
}

func (e *InitializationFailed) Error() string {
	return fmt.Sprintf("initialization failed: %v", e.Cause)
}

func (e *InitializationFailed) Unwrap() error { return e.Cause }
