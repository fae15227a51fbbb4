// Package registry guards against two App instances for the same
// application name running in one process. It is the only piece of
// process-wide mutable state in the library.
package registry

import (
	"fmt"
	"sync"

	kcl "github.com/shardconsumer/kcl/interfaces"
)

// AppNameAlreadyRunning is returned by Insert when appName is already
// registered to a different (or the same) stream.
type AppNameAlreadyRunning struct {
	AppName kcl.AppName
}

func (e *AppNameAlreadyRunning) Error() string {
	return fmt.Sprintf("app %q is already running in this process", e.AppName)
}

// Registry is a process-wide AppName -> StreamName map.
type Registry struct {
	mu      sync.Mutex
	running map[kcl.AppName]kcl.StreamName
}

// New creates an empty Registry. Applications normally share the package
// singleton returned by Default rather than constructing their own.
func New() *Registry {
	return &Registry{running: make(map[kcl.AppName]kcl.StreamName)}
}

var defaultRegistry = New()

// Default returns the process-wide Registry singleton used by kcl.CreateApp.
func Default() *Registry { return defaultRegistry }

// Insert atomically registers appName as running against streamName. Fails
// with *AppNameAlreadyRunning if appName is already registered.
func (r *Registry) Insert(appName kcl.AppName, streamName kcl.StreamName) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.running[appName]; exists {
		return &AppNameAlreadyRunning{AppName: appName}
	}
	r.running[appName] = streamName
	return nil
}

// Remove unregisters appName. A no-op if appName was not registered.
func (r *Registry) Remove(appName kcl.AppName) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.running, appName)
}

// StreamFor returns the stream appName is registered against, if any.
func (r *Registry) StreamFor(appName kcl.AppName) (kcl.StreamName, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.running[appName]
	return s, ok
}
