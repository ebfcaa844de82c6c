package plugin

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sorane/kobot/api"
)

// Record tracks one loaded plugin identity.
type Record struct {
	Identity string
	FilePath string
	Instance api.Plugin
	LoadedAt time.Time
}

// Notice announces a registry change.
type Notice struct {
	ID       string
	Kind     string // "loaded" | "unloaded"
	Identity string
	FilePath string
	Time     time.Time
}

// Manager owns the plugin registry, dispatches inbound traffic to
// plugins in load order, and isolates their failures from one another.
type Manager struct {
	loader  *Loader
	host    api.HostAPI
	logger  api.Logger
	notify  func(Notice)
	enabled func(identity string) bool

	mu      sync.RWMutex
	records map[string]*Record
	order   []string
}

// NewManager creates a manager over the given loader and host surface.
func NewManager(loader *Loader, host api.HostAPI, logger api.Logger) *Manager {
	return &Manager{
		loader:  loader,
		host:    host,
		logger:  logger,
		records: make(map[string]*Record),
	}
}

// SetNotify installs an optional registry-change hook.
func (m *Manager) SetNotify(fn func(Notice)) {
	m.notify = fn
}

// SetEnabled installs an optional predicate gating which identities may
// be loaded (configuration-driven).
func (m *Manager) SetEnabled(fn func(identity string) bool) {
	m.enabled = fn
}

// LoadAll loads every discoverable plugin file. A failure on one file is
// logged and never aborts the remaining files.
func (m *Manager) LoadAll() error {
	paths, err := m.loader.Discover()
	if err != nil {
		return fmt.Errorf("plugin discovery failed: %w", err)
	}

	for _, path := range paths {
		if err := m.Load(path); err != nil {
			m.logger.Error("Failed to load plugin", "path", path, "error", err)
		}
	}

	m.logger.Info("Loaded plugins", "count", m.Count())
	return nil
}

// Load loads, adapts and registers the plugin at path. If the identity
// is already registered the old record is unloaded first; the new
// version is installed atomically with respect to dispatch, so a
// dispatch pass never observes both versions.
func (m *Manager) Load(path string) error {
	identity := m.loader.Identity(path)
	if m.enabled != nil && !m.enabled(identity) {
		m.logger.Debug("Plugin disabled, skipping", "identity", identity)
		return nil
	}

	module, err := m.loader.LoadModule(path)
	if err != nil {
		return err
	}
	instance := Adapt(module, identity, m.host, m.logger)

	m.mu.Lock()
	if old, exists := m.records[identity]; exists {
		m.unloadLocked(old)
	}
	record := &Record{
		Identity: identity,
		FilePath: path,
		Instance: instance,
		LoadedAt: time.Now(),
	}
	m.records[identity] = record
	m.order = append(m.order, identity)
	m.mu.Unlock()

	m.logger.Info("Loaded plugin", "identity", identity, "name", instance.Meta().DisplayName)
	m.emit("loaded", record)
	return nil
}

// Unload removes the plugin with the given identity, invoking its
// teardown hook. Returns false if the identity is not loaded.
func (m *Manager) Unload(identity string) bool {
	m.mu.Lock()
	record, exists := m.records[identity]
	if exists {
		m.unloadLocked(record)
	}
	m.mu.Unlock()

	if !exists {
		return false
	}

	m.logger.Info("Unloaded plugin", "identity", identity)
	m.emit("unloaded", record)
	return true
}

// unloadLocked tears down a record and drops it from the registry. An
// unload failure is logged, never fatal.
func (m *Manager) unloadLocked(record *Record) {
	func() {
		defer func() {
			if r := recover(); r != nil {
				m.logger.Error("Plugin unload panicked", "identity", record.Identity, "panic", r)
			}
		}()
		record.Instance.OnUnload()
	}()

	delete(m.records, record.Identity)
	for i, id := range m.order {
		if id == record.Identity {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
}

// UnloadAll unloads every plugin, in reverse load order.
func (m *Manager) UnloadAll() {
	m.mu.RLock()
	ids := make([]string, len(m.order))
	copy(ids, m.order)
	m.mu.RUnlock()

	for i := len(ids) - 1; i >= 0; i-- {
		m.Unload(ids[i])
	}
}

// Count returns the number of registered plugins.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records)
}

// Get returns the record for an identity.
func (m *Manager) Get(identity string) (*Record, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	record, exists := m.records[identity]
	return record, exists
}

// Records returns the registered records in load order.
func (m *Manager) Records() []*Record {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Record, 0, len(m.order))
	for _, id := range m.order {
		if record, ok := m.records[id]; ok {
			out = append(out, record)
		}
	}
	return out
}

// DispatchMessage offers the message to every plugin in load order. The
// first plugin reporting handled stops the pass. For commands the
// plugin's command hook is consulted after its message hook, under the
// same short-circuit rule. Command hooks are skipped entirely for
// non-command messages.
func (m *Manager) DispatchMessage(ctx *api.MessageContext) bool {
	for _, record := range m.Records() {
		if m.safeBool(record, "onMessage", func() bool { return record.Instance.OnMessage(ctx) }) {
			return true
		}
		if ctx.IsCommand {
			if m.safeBool(record, "onCommand", func() bool { return record.Instance.OnCommand(ctx) }) {
				return true
			}
		}
	}
	return false
}

// DispatchEvent fans the event out to every plugin. Events are not
// claimable; every plugin sees every event.
func (m *Manager) DispatchEvent(event api.Event) {
	for _, record := range m.Records() {
		m.safeBool(record, "onEvent", func() bool {
			record.Instance.OnEvent(event)
			return false
		})
	}
}

// safeBool runs one plugin hook with failure containment: a panic is
// logged against the offending plugin and treated as not-handled, and
// dispatch continues with the next plugin.
func (m *Manager) safeBool(record *Record, hook string, fn func() bool) (handled bool) {
	defer func() {
		if r := recover(); r != nil {
			err := &RuntimeError{Identity: record.Identity, Hook: hook, Err: fmt.Errorf("%v", r)}
			m.logger.Error("Plugin handler panicked", "identity", record.Identity, "hook", hook, "error", err)
			handled = false
		}
	}()
	return fn()
}

func (m *Manager) emit(kind string, record *Record) {
	if m.notify == nil {
		return
	}
	m.notify(Notice{
		ID:       uuid.NewString(),
		Kind:     kind,
		Identity: record.Identity,
		FilePath: record.FilePath,
		Time:     time.Now(),
	})
}
