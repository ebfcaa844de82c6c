package plugin

import (
	"encoding/json"
	"sync"
	"testing"

	"github.com/sorane/kobot/api"
)

// fakeHost records outbound traffic and backs the capability object.
type fakeHost struct {
	mu      sync.Mutex
	sends   []sendCall
	configs map[string]map[string]interface{}
	store   *fakeStore
	cache   *fakeCache
}

type sendCall struct {
	action string
	params map[string]interface{}
}

func newFakeHost() *fakeHost {
	return &fakeHost{
		configs: make(map[string]map[string]interface{}),
		store:   &fakeStore{data: make(map[string]string)},
		cache:   &fakeCache{data: make(map[string]string)},
	}
}

func (h *fakeHost) Send(action string, params map[string]interface{}) (api.RawResult, error) {
	h.mu.Lock()
	h.sends = append(h.sends, sendCall{action: action, params: params})
	h.mu.Unlock()
	return json.RawMessage(`{"message_id":1}`), nil
}

func (h *fakeHost) SendPrivate(userID int64, message string) error {
	_, err := h.Send("send_private_msg", map[string]interface{}{"user_id": userID, "message": message})
	return err
}

func (h *fakeHost) SendGroup(groupID int64, message string) error {
	_, err := h.Send("send_group_msg", map[string]interface{}{"group_id": groupID, "message": message})
	return err
}

func (h *fakeHost) GetLogger(prefix string) api.Logger { return api.NewLogger(prefix) }

func (h *fakeHost) PluginConfig(identity string) map[string]interface{} {
	return h.configs[identity]
}

func (h *fakeHost) Store() api.KVStore { return h.store }
func (h *fakeHost) Cache() api.Cache   { return h.cache }

func (h *fakeHost) sentActions() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, 0, len(h.sends))
	for _, call := range h.sends {
		out = append(out, call.action)
	}
	return out
}

type fakeStore struct {
	mu   sync.Mutex
	data map[string]string
}

func (s *fakeStore) Get(key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.data[key]
	return v, ok, nil
}

func (s *fakeStore) Set(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = value
	return nil
}

func (s *fakeStore) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
	return nil
}

type fakeCache struct {
	mu   sync.Mutex
	data map[string]string
}

func (c *fakeCache) Get(key string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.data[key]
	return v, ok
}

func (c *fakeCache) Set(key, value string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[key] = value
}

func (c *fakeCache) SetTTL(key, value string, ttlMillis int64) { c.Set(key, value) }

func (c *fakeCache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.data, key)
}

func loadAndAdapt(t *testing.T, src string, host api.HostAPI) api.Plugin {
	t.Helper()
	root := t.TempDir()
	path := writePlugin(t, root, "p.js", src)
	loader := NewLoader(root, api.NewLogger("test"))

	module, err := loader.LoadModule(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	return Adapt(module, "p", host, api.NewLogger("test"))
}

func messageContext(text string) *api.MessageContext {
	return &api.MessageContext{
		MessageID: 1,
		UserID:    2,
		Channel:   api.ChannelPrivate,
		Text:      text,
		Timestamp: 1700000000,
	}
}

func TestAdapt_ObjectShape(t *testing.T) {
	p := loadAndAdapt(t, `
		module.exports = {
			name: "greeter",
			version: "0.1.0",
			onMessage: function (ctx) { return ctx.text === "hi"; },
		};
	`, newFakeHost())

	if p.Meta().DisplayName != "greeter" {
		t.Errorf("got name %q", p.Meta().DisplayName)
	}
	if !p.OnMessage(messageContext("hi")) {
		t.Error("matching message should be handled")
	}
	if p.OnMessage(messageContext("bye")) {
		t.Error("non-matching message must not be handled")
	}
	// Missing hooks default to not-handled / no-op.
	if p.OnCommand(messageContext("hi")) {
		t.Error("absent onCommand must report not handled")
	}
	p.OnEvent(api.Event{Type: "notice"})
	p.OnUnload()
}

func TestAdapt_StrictTrueOnly(t *testing.T) {
	p := loadAndAdapt(t, `
		module.exports = {
			onMessage: function (ctx) { return 1; },
		};
	`, newFakeHost())

	if p.OnMessage(messageContext("hi")) {
		t.Error("truthy non-boolean return must not count as handled")
	}
}

func TestAdapt_FactoryShape(t *testing.T) {
	host := newFakeHost()
	host.configs["p"] = map[string]interface{}{"greeting": "yo"}

	p := loadAndAdapt(t, `
		module.exports = function (host) {
			host.cache.set("built", "yes");
			var greeting = host.config.greeting;
			return {
				name: "factory",
				onMessage: function (ctx) {
					host.sendPrivate(ctx.user_id, greeting);
					return true;
				},
			};
		};
	`, host)

	if v, ok := host.cache.Get("built"); !ok || v != "yes" {
		t.Error("factory must run once with the capability object")
	}
	if !p.OnMessage(messageContext("hi")) {
		t.Error("factory-built handler should handle")
	}
	actions := host.sentActions()
	if len(actions) != 1 || actions[0] != "send_private_msg" {
		t.Errorf("got actions %v", actions)
	}
}

func TestAdapt_FactoryThrows(t *testing.T) {
	p := loadAndAdapt(t, `
		module.exports = function (host) { throw new Error("no thanks"); };
	`, newFakeHost())

	if p.OnMessage(messageContext("hi")) {
		t.Error("failed factory must yield an inert plugin")
	}
}

func TestAdapt_LegacyShape(t *testing.T) {
	var replies []string
	p := loadAndAdapt(t, `
		module.exports = {
			main: function (ctx) {
				if (ctx.msg === "hello") {
					ctx.reply("hi " + ctx.qq);
					return true;
				}
				return false;
			},
		};
	`, newFakeHost())

	ctx := messageContext("hello")
	ctx.Reply = func(message string) error {
		replies = append(replies, message)
		return nil
	}

	if !p.OnMessage(ctx) {
		t.Error("legacy true return means handled")
	}
	if len(replies) != 1 || replies[0] != "hi 2" {
		t.Errorf("got replies %v", replies)
	}
	if p.OnMessage(messageContext("other")) {
		t.Error("legacy false return means not handled")
	}
}

func TestAdapt_LegacyExceptionIsNotHandled(t *testing.T) {
	p := loadAndAdapt(t, `
		module.exports = {
			main: function (ctx) { throw new Error("legacy bug"); },
		};
	`, newFakeHost())

	if p.OnMessage(messageContext("hello")) {
		t.Error("legacy exception must be treated as not handled")
	}
}

func TestAdapt_HandlerExceptionContained(t *testing.T) {
	p := loadAndAdapt(t, `
		module.exports = {
			onMessage: function (ctx) { throw new Error("bug"); },
		};
	`, newFakeHost())

	if p.OnMessage(messageContext("hi")) {
		t.Error("throwing handler must report not handled")
	}
}

func TestAdapt_UnrecognizedShape(t *testing.T) {
	p := loadAndAdapt(t, `module.exports = "just a string";`, newFakeHost())

	if p.OnMessage(messageContext("hi")) {
		t.Error("inert plugin must never handle")
	}
	if p.Meta().Identity != "p" {
		t.Errorf("got identity %q", p.Meta().Identity)
	}
}

func TestAdapt_NoExports(t *testing.T) {
	p := loadAndAdapt(t, `var x = 1;`, newFakeHost())

	if p.OnMessage(messageContext("hi")) {
		t.Error("empty module must load as inert")
	}
}
