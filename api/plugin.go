package api

// Plugin is the uniform contract every loaded module is normalized to.
// The manager never inspects a raw module; it only ever talks to this
// interface. Handlers report whether they claimed the message; a claimed
// message short-circuits the remaining plugins.
type Plugin interface {
	// Meta returns plugin metadata
	Meta() PluginMeta

	// OnMessage handles an inbound message; true means handled
	OnMessage(ctx *MessageContext) bool

	// OnCommand handles a message classified as a command; true means handled
	OnCommand(ctx *MessageContext) bool

	// OnEvent receives non-message gateway events (fan-out, no claiming)
	OnEvent(event Event)

	// OnUnload is called before the plugin is removed or replaced
	OnUnload()
}
