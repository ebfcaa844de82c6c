package api

// HostAPI is the capability surface exposed to plugins for interacting
// with the host. Factory-style plugins receive it at construction time;
// it is also the seam tests use to fake the gateway.
type HostAPI interface {
	// Send issues a raw correlated gateway action
	Send(action string, params map[string]interface{}) (RawResult, error)

	// SendPrivate sends a private message to a user
	SendPrivate(userID int64, message string) error

	// SendGroup sends a message to a group
	SendGroup(groupID int64, message string) error

	// GetLogger returns a logger scoped to the given prefix
	GetLogger(prefix string) Logger

	// PluginConfig returns the raw config section for a plugin identity
	PluginConfig(identity string) map[string]interface{}

	// Store returns the persistent key-value store handle
	Store() KVStore

	// Cache returns the cache store handle
	Cache() Cache
}

// KVStore is a persistent key-value store whose lifecycle is bound to
// the bot instance.
type KVStore interface {
	Get(key string) (string, bool, error)
	Set(key, value string) error
	Delete(key string) error
}

// Cache is a volatile store with per-entry expiry.
type Cache interface {
	Get(key string) (string, bool)
	Set(key, value string)
	SetTTL(key, value string, ttlMillis int64)
	Delete(key string)
}
