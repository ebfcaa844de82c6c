package plugin

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/dop251/goja"

	"github.com/sorane/kobot/api"
)

// Adapt normalizes an arbitrary evaluated module into the uniform
// api.Plugin contract. The shape is resolved exactly once, here; nothing
// downstream ever branches on it again. An unrecognized export yields an
// inert plugin so one malformed file never blocks the others.
func Adapt(module *Module, identity string, host api.HostAPI, logger api.Logger) api.Plugin {
	exports := module.Exports
	if exports == nil || goja.IsUndefined(exports) || goja.IsNull(exports) {
		logger.Warn("Plugin exports nothing, loading as inert", "plugin", identity)
		return newStub(identity)
	}

	// Callable export: a factory invoked once with the capability object.
	if factory, ok := goja.AssertFunction(exports); ok {
		caps := capabilityObject(module.VM, identity, host, logger)
		ret, err := factory(goja.Undefined(), caps)
		if err != nil {
			logger.Error("Plugin factory threw, loading as inert", "plugin", identity, "error", err)
			return newStub(identity)
		}
		return adaptValue(module.VM, ret, identity, host, logger)
	}

	return adaptValue(module.VM, exports, identity, host, logger)
}

// adaptValue handles the object and legacy shapes.
func adaptValue(vm *goja.Runtime, val goja.Value, identity string, host api.HostAPI, logger api.Logger) api.Plugin {
	obj, ok := val.(*goja.Object)
	if !ok {
		logger.Warn("Plugin export is not adaptable, loading as inert", "plugin", identity)
		return newStub(identity)
	}

	p := &jsPlugin{
		identity: identity,
		vm:       vm,
		logger:   logger,
		meta:     readMeta(obj, identity),
	}

	p.onMessage = hookFn(obj, "onMessage")
	p.onCommand = hookFn(obj, "onCommand")
	p.onEvent = hookFn(obj, "onEvent")
	p.onUnload = hookFn(obj, "onUnload")

	if p.onMessage != nil || p.onCommand != nil || p.onEvent != nil || p.onUnload != nil {
		return p
	}

	// Legacy shape: a single main(ctx) entry point from the old plugin
	// ecosystem, bridged through a synthesized onMessage.
	if main := hookFn(obj, "main"); main != nil {
		p.legacyMain = main
		return p
	}

	logger.Warn("Plugin export matches no known shape, loading as inert", "plugin", identity)
	return newStub(identity)
}

func hookFn(obj *goja.Object, name string) goja.Callable {
	fn, ok := goja.AssertFunction(obj.Get(name))
	if !ok {
		return nil
	}
	return fn
}

func readMeta(obj *goja.Object, identity string) api.PluginMeta {
	meta := api.PluginMeta{Identity: identity, DisplayName: identity}
	if v := stringField(obj, "name"); v != "" {
		meta.DisplayName = v
	}
	meta.Description = stringField(obj, "description")
	meta.Version = stringField(obj, "version")
	return meta
}

func stringField(obj *goja.Object, name string) string {
	v := obj.Get(name)
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return ""
	}
	if s, ok := v.Export().(string); ok {
		return s
	}
	return ""
}

// jsPlugin adapts a goja-hosted module to the api.Plugin contract. The
// runtime is single-threaded, so every entry into it holds vmMu.
type jsPlugin struct {
	identity string
	meta     api.PluginMeta
	vm       *goja.Runtime
	logger   api.Logger

	vmMu       sync.Mutex
	onMessage  goja.Callable
	onCommand  goja.Callable
	onEvent    goja.Callable
	onUnload   goja.Callable
	legacyMain goja.Callable
}

func (p *jsPlugin) Meta() api.PluginMeta { return p.meta }

func (p *jsPlugin) OnMessage(ctx *api.MessageContext) bool {
	if p.legacyMain != nil {
		return p.callLegacy(ctx)
	}
	if p.onMessage == nil {
		return false
	}
	return p.callBool(p.onMessage, "onMessage", p.contextObject(ctx))
}

func (p *jsPlugin) OnCommand(ctx *api.MessageContext) bool {
	if p.onCommand == nil {
		return false
	}
	return p.callBool(p.onCommand, "onCommand", p.contextObject(ctx))
}

func (p *jsPlugin) OnEvent(event api.Event) {
	if p.onEvent == nil {
		return
	}
	p.vmMu.Lock()
	defer p.vmMu.Unlock()
	if _, err := p.onEvent(goja.Undefined(), p.eventObject(event)); err != nil {
		p.logger.Error("Plugin event handler threw", "plugin", p.identity, "error", err)
	}
}

func (p *jsPlugin) OnUnload() {
	if p.onUnload == nil {
		return
	}
	p.vmMu.Lock()
	defer p.vmMu.Unlock()
	if _, err := p.onUnload(goja.Undefined()); err != nil {
		p.logger.Error("Plugin unload hook threw", "plugin", p.identity, "error", err)
	}
}

// callBool invokes a handler and applies the strict-true rule: only the
// literal boolean true counts as handled.
func (p *jsPlugin) callBool(fn goja.Callable, hook string, arg goja.Value) bool {
	p.vmMu.Lock()
	defer p.vmMu.Unlock()

	ret, err := fn(goja.Undefined(), arg)
	if err != nil {
		p.logger.Error("Plugin handler threw", "plugin", p.identity, "hook", hook, "error",
			&RuntimeError{Identity: p.identity, Hook: hook, Err: err})
		return false
	}
	return isStrictTrue(ret)
}

// callLegacy bridges the legacy main(ctx) convention: legacy field
// names, strict-true means handled, exceptions mean not handled.
func (p *jsPlugin) callLegacy(ctx *api.MessageContext) bool {
	p.vmMu.Lock()
	defer p.vmMu.Unlock()

	legacy := p.vm.NewObject()
	legacy.Set("msg", ctx.Text)
	legacy.Set("qq", ctx.UserID)
	legacy.Set("group", ctx.GroupID)
	legacy.Set("name", senderName(ctx))
	legacy.Set("time", ctx.Timestamp)
	legacy.Set("reply", func(message string) error {
		if ctx.Reply == nil {
			return fmt.Errorf("reply unavailable")
		}
		return ctx.Reply(message)
	})

	ret, err := p.legacyMain(goja.Undefined(), legacy)
	if err != nil {
		p.logger.Error("Legacy plugin threw", "plugin", p.identity, "error", err)
		return false
	}
	return isStrictTrue(ret)
}

func senderName(ctx *api.MessageContext) string {
	if ctx.Sender == nil {
		return ""
	}
	if card, ok := ctx.Sender["card"].(string); ok && card != "" {
		return card
	}
	if nick, ok := ctx.Sender["nickname"].(string); ok {
		return nick
	}
	return ""
}

func isStrictTrue(v goja.Value) bool {
	if v == nil {
		return false
	}
	b, ok := v.Export().(bool)
	return ok && b
}

// contextObject mirrors the message context into the plugin's runtime.
func (p *jsPlugin) contextObject(ctx *api.MessageContext) goja.Value {
	obj := p.vm.NewObject()
	obj.Set("message_id", ctx.MessageID)
	obj.Set("user_id", ctx.UserID)
	obj.Set("group_id", ctx.GroupID)
	obj.Set("channel", string(ctx.Channel))
	obj.Set("text", ctx.Text)
	obj.Set("raw", ctx.Raw)
	obj.Set("segments", ctx.Segments)
	obj.Set("sender", ctx.Sender)
	obj.Set("time", ctx.Timestamp)
	obj.Set("is_command", ctx.IsCommand)
	obj.Set("command", ctx.Command)
	obj.Set("args", ctx.Args)
	obj.Set("reply", func(message string) error {
		if ctx.Reply == nil {
			return fmt.Errorf("reply unavailable")
		}
		return ctx.Reply(message)
	})
	return obj
}

func (p *jsPlugin) eventObject(event api.Event) goja.Value {
	obj := p.vm.NewObject()
	obj.Set("id", event.ID)
	obj.Set("type", event.Type)
	obj.Set("sub_type", event.SubType)
	obj.Set("self_id", event.SelfID)
	obj.Set("time", event.Timestamp.Unix())
	obj.Set("payload", event.Payload)
	return obj
}

// capabilityObject is handed to factory-style plugins at construction.
func capabilityObject(vm *goja.Runtime, identity string, host api.HostAPI, logger api.Logger) *goja.Object {
	pluginLogger := host.GetLogger("plugin:" + identity)

	caps := vm.NewObject()
	caps.Set("identity", identity)
	caps.Set("config", host.PluginConfig(identity))

	caps.Set("send", func(action string, params map[string]interface{}) (interface{}, error) {
		raw, err := host.Send(action, params)
		if err != nil {
			return nil, err
		}
		if len(raw) == 0 {
			return nil, nil
		}
		var out interface{}
		if err := json.Unmarshal(raw, &out); err != nil {
			return nil, fmt.Errorf("failed to decode gateway result: %w", err)
		}
		return out, nil
	})
	caps.Set("sendPrivate", host.SendPrivate)
	caps.Set("sendGroup", host.SendGroup)

	log := vm.NewObject()
	log.Set("debug", func(msg string) { pluginLogger.Debug(msg) })
	log.Set("info", func(msg string) { pluginLogger.Info(msg) })
	log.Set("warn", func(msg string) { pluginLogger.Warn(msg) })
	log.Set("error", func(msg string) { pluginLogger.Error(msg) })
	caps.Set("log", log)

	store := vm.NewObject()
	store.Set("get", func(key string) (interface{}, error) {
		value, ok, err := host.Store().Get(key)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, nil
		}
		return value, nil
	})
	store.Set("set", func(key, value string) error { return host.Store().Set(key, value) })
	store.Set("del", func(key string) error { return host.Store().Delete(key) })
	caps.Set("store", store)

	cache := vm.NewObject()
	cache.Set("get", func(key string) interface{} {
		value, ok := host.Cache().Get(key)
		if !ok {
			return nil
		}
		return value
	})
	cache.Set("set", func(key, value string) { host.Cache().Set(key, value) })
	cache.Set("setTTL", func(key, value string, ttlMillis int64) { host.Cache().SetTTL(key, value, ttlMillis) })
	cache.Set("del", func(key string) { host.Cache().Delete(key) })
	caps.Set("cache", cache)

	return caps
}

// stubPlugin is the inert fallback for unrecognized exports.
type stubPlugin struct {
	identity string
}

func newStub(identity string) api.Plugin {
	return &stubPlugin{identity: identity}
}

func (s *stubPlugin) Meta() api.PluginMeta {
	return api.PluginMeta{Identity: s.identity, DisplayName: s.identity}
}

func (s *stubPlugin) OnMessage(*api.MessageContext) bool { return false }
func (s *stubPlugin) OnCommand(*api.MessageContext) bool { return false }
func (s *stubPlugin) OnEvent(api.Event)                  {}
func (s *stubPlugin) OnUnload()                          {}
