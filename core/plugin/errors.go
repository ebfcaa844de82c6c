package plugin

import "fmt"

// ModuleLoadError reports a plugin file that could not be parsed or
// threw during its own top-level evaluation.
type ModuleLoadError struct {
	Path string
	Err  error
}

func (e *ModuleLoadError) Error() string {
	return fmt.Sprintf("failed to load plugin module %s: %v", e.Path, e.Err)
}

func (e *ModuleLoadError) Unwrap() error { return e.Err }

// RuntimeError reports a plugin handler that threw during dispatch. It
// is caught per-plugin and never propagates past the manager.
type RuntimeError struct {
	Identity string
	Hook     string
	Err      error
}

func (e *RuntimeError) Error() string {
	return fmt.Sprintf("plugin %s: %s failed: %v", e.Identity, e.Hook, e.Err)
}

func (e *RuntimeError) Unwrap() error { return e.Err }
