package plugin

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/dop251/goja"

	"github.com/sorane/kobot/api"
)

const sourceExt = ".js"

// Loader discovers plugin source files and evaluates them into modules.
type Loader struct {
	root   string
	logger api.Logger
}

// NewLoader creates a loader rooted at the plugin directory.
func NewLoader(root string, logger api.Logger) *Loader {
	return &Loader{root: root, logger: logger}
}

// Root returns the plugin root directory.
func (l *Loader) Root() string { return l.root }

// Discover walks the plugin tree and returns candidate source files.
// Dot entries and dependency directories are skipped.
func (l *Loader) Discover() ([]string, error) {
	if _, err := os.Stat(l.root); os.IsNotExist(err) {
		l.logger.Warn("Plugin directory does not exist", "dir", l.root)
		return nil, nil
	}

	var paths []string
	err := filepath.WalkDir(l.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		name := d.Name()
		if d.IsDir() {
			if path != l.root && (strings.HasPrefix(name, ".") || name == "node_modules") {
				return filepath.SkipDir
			}
			return nil
		}
		if strings.HasPrefix(name, ".") {
			return nil
		}
		if strings.HasSuffix(name, sourceExt) {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk plugin directory: %w", err)
	}
	return paths, nil
}

// Identity derives the stable registry key for a plugin path: the path
// relative to the plugin root, slash-normalized, extension stripped.
func (l *Loader) Identity(path string) string {
	rel, err := filepath.Rel(l.root, path)
	if err != nil {
		rel = filepath.Base(path)
	}
	rel = filepath.ToSlash(rel)
	return strings.TrimSuffix(rel, sourceExt)
}

// Module is one evaluated plugin source file. Every load gets a fresh
// runtime so a reload never retains stale closures.
type Module struct {
	VM      *goja.Runtime
	Exports goja.Value
}

// LoadModule re-reads the file from disk and evaluates it in a new
// runtime, returning the module's exported value. There is no cache:
// repeated calls observe on-disk edits, which hot reload relies on.
func (l *Loader) LoadModule(path string) (*Module, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, &ModuleLoadError{Path: path, Err: err}
	}

	vm := goja.New()

	moduleObj := vm.NewObject()
	exportsObj := vm.NewObject()
	if err := moduleObj.Set("exports", exportsObj); err != nil {
		return nil, &ModuleLoadError{Path: path, Err: err}
	}
	if err := vm.Set("module", moduleObj); err != nil {
		return nil, &ModuleLoadError{Path: path, Err: err}
	}
	if err := vm.Set("exports", exportsObj); err != nil {
		return nil, &ModuleLoadError{Path: path, Err: err}
	}
	l.installConsole(vm, l.Identity(path))

	if _, err := vm.RunScript(path, string(src)); err != nil {
		return nil, &ModuleLoadError{Path: path, Err: err}
	}

	return &Module{VM: vm, Exports: moduleObj.Get("exports")}, nil
}

// installConsole binds console.log and friends to the host logger.
func (l *Loader) installConsole(vm *goja.Runtime, identity string) {
	logger := l.logger.With("plugin", identity)
	console := vm.NewObject()
	console.Set("log", func(args ...interface{}) { logger.Info(sprintArgs(args)) })
	console.Set("info", func(args ...interface{}) { logger.Info(sprintArgs(args)) })
	console.Set("warn", func(args ...interface{}) { logger.Warn(sprintArgs(args)) })
	console.Set("error", func(args ...interface{}) { logger.Error(sprintArgs(args)) })
	console.Set("debug", func(args ...interface{}) { logger.Debug(sprintArgs(args)) })
	vm.Set("console", console)
}

func sprintArgs(args []interface{}) string {
	parts := make([]string, 0, len(args))
	for _, arg := range args {
		parts = append(parts, fmt.Sprintf("%v", arg))
	}
	return strings.Join(parts, " ")
}
