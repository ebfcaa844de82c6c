package core

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/sorane/kobot/api"
	"github.com/sorane/kobot/core/config"
	"github.com/sorane/kobot/core/onebot"
	"github.com/sorane/kobot/core/plugin"
	"github.com/sorane/kobot/core/store"
)

// Bot is the host process bridging the chat gateway to loaded plugins.
type Bot struct {
	config    *config.Config
	logger    api.Logger
	adapter   *onebot.Adapter
	loader    *plugin.Loader
	manager   *plugin.Manager
	watcher   *plugin.Watcher
	store     *store.Store
	cache     *store.Cache
	processor *Processor

	messages chan *onebot.MessageEvent
	events   chan api.Event
	ctx      context.Context
	cancel   context.CancelFunc
}

// NewBot creates a bot instance from the configuration at configPath.
func NewBot(configPath string) (*Bot, error) {
	// Load configuration
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	api.SetLevel(cfg.Core.LogLevel)
	logger := api.NewLogger("core")
	ctx, cancel := context.WithCancel(context.Background())

	bot := &Bot{
		config:   cfg,
		logger:   logger,
		messages: make(chan *onebot.MessageEvent, 64),
		events:   make(chan api.Event, 64),
		ctx:      ctx,
		cancel:   cancel,
	}

	bot.cache = store.NewCache(time.Duration(cfg.Cache.DefaultTTLMs) * time.Millisecond)

	bot.adapter = onebot.NewAdapter(onebot.Config{
		Transport:      cfg.Gateway.Transport,
		URL:            cfg.Gateway.URL,
		ListenAddr:     cfg.Gateway.ListenAddr,
		AccessToken:    cfg.Gateway.AccessToken,
		CallTimeout:    time.Duration(cfg.Gateway.CallTimeoutMs) * time.Millisecond,
		ReconnectDelay: time.Duration(cfg.Gateway.ReconnectDelayMs) * time.Millisecond,
		MaxReconnects:  cfg.Gateway.MaxReconnects,
	}, api.NewLogger("adapter"))

	bot.loader = plugin.NewLoader(cfg.Core.PluginDir, api.NewLogger("loader"))
	bot.manager = plugin.NewManager(bot.loader, bot, api.NewLogger("plugin"))
	bot.manager.SetEnabled(cfg.IsPluginEnabled)
	bot.manager.SetNotify(func(n plugin.Notice) {
		bot.logger.Info("Plugin registry changed", "kind", n.Kind, "identity", n.Identity, "notice", n.ID)
	})
	bot.processor = NewProcessor(bot, cfg.Core.CommandPrefixes, api.NewLogger("processor"))

	return bot, nil
}

// Start runs the bot until a shutdown signal arrives.
func (b *Bot) Start() error {
	b.logger.Info("Starting kobot")

	// Check and create PID file
	if err := b.createPIDFile(); err != nil {
		return fmt.Errorf("failed to create PID file: %w", err)
	}
	defer b.removePIDFile()

	// Open the persistent store
	kv, err := store.Open(b.config.Store.Path, api.NewLogger("store"))
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	b.store = kv
	defer b.store.Close()
	defer b.cache.Close()

	// Connect to the gateway
	b.adapter.SetHandlers(onebot.Handlers{
		OnMessage:   b.enqueueMessage,
		OnEvent:     b.enqueueEvent,
		OnLifecycle: b.onLifecycle,
	})
	if err := b.adapter.Connect(); err != nil {
		return fmt.Errorf("failed to connect to gateway: %w", err)
	}
	defer b.adapter.Disconnect()

	// Load plugins
	if err := b.manager.LoadAll(); err != nil {
		return fmt.Errorf("failed to load plugins: %w", err)
	}
	defer b.manager.UnloadAll()

	// Start hot reload
	if b.config.Core.HotReload {
		watcher, err := plugin.NewWatcher(b.manager, b.loader, api.NewLogger("watcher"))
		if err != nil {
			return fmt.Errorf("failed to create plugin watcher: %w", err)
		}
		if err := watcher.Start(); err != nil {
			return fmt.Errorf("failed to start plugin watcher: %w", err)
		}
		b.watcher = watcher
		defer b.watcher.Stop()
	}

	go b.dispatchLoop()

	b.logger.Info("kobot started successfully")

	// Wait for shutdown signal
	b.waitForShutdown()

	b.logger.Info("kobot shutting down")
	return nil
}

// enqueueMessage hands a message off the adapter's read goroutine so a
// slow plugin can never stall response frames.
func (b *Bot) enqueueMessage(ev *onebot.MessageEvent) {
	select {
	case b.messages <- ev:
	default:
		b.logger.Warn("Dispatch queue full, dropping message", "message_id", ev.MessageID)
	}
}

func (b *Bot) enqueueEvent(ev *onebot.GenericEvent) {
	event := api.Event{
		ID:        uuid.NewString(),
		Type:      ev.PostType,
		SubType:   eventSubType(ev),
		SelfID:    ev.SelfID,
		Timestamp: time.Unix(ev.Time, 0),
		Payload:   ev.Payload,
	}
	select {
	case b.events <- event:
	default:
		b.logger.Warn("Dispatch queue full, dropping event", "type", event.Type)
	}
}

func eventSubType(ev *onebot.GenericEvent) string {
	switch {
	case ev.NoticeType != "":
		return ev.NoticeType
	case ev.MetaEventType != "":
		return ev.MetaEventType
	default:
		return ev.SubType
	}
}

func (b *Bot) onLifecycle(selfID int64) {
	b.logger.Info("Gateway online", "self_id", selfID)
}

// dispatchLoop is the single stream of plugin dispatch: messages and
// events are processed one at a time, in arrival order.
func (b *Bot) dispatchLoop() {
	for {
		select {
		case <-b.ctx.Done():
			return
		case ev := <-b.messages:
			ctx := b.processor.Build(ev)
			handled := b.manager.DispatchMessage(ctx)
			b.logger.Debug("Message dispatched", "message_id", ctx.MessageID, "handled", handled)
		case event := <-b.events:
			b.manager.DispatchEvent(event)
		}
	}
}

// Send issues a raw correlated gateway action.
func (b *Bot) Send(action string, params map[string]interface{}) (api.RawResult, error) {
	return b.adapter.Send(action, params)
}

// SendPrivate sends a private message to a user.
func (b *Bot) SendPrivate(userID int64, message string) error {
	_, err := b.adapter.Send("send_private_msg", map[string]interface{}{
		"user_id": userID,
		"message": message,
	})
	return err
}

// SendGroup sends a message to a group.
func (b *Bot) SendGroup(groupID int64, message string) error {
	_, err := b.adapter.Send("send_group_msg", map[string]interface{}{
		"group_id": groupID,
		"message":  message,
	})
	return err
}

// GetLogger returns a logger scoped to the given prefix.
func (b *Bot) GetLogger(prefix string) api.Logger {
	return api.NewLogger(prefix)
}

// PluginConfig returns the raw config section for a plugin identity.
func (b *Bot) PluginConfig(identity string) map[string]interface{} {
	return b.config.GetPluginConfig(identity)
}

// Store returns the persistent key-value store handle.
func (b *Bot) Store() api.KVStore {
	return b.store
}

// Cache returns the cache store handle.
func (b *Bot) Cache() api.Cache {
	return b.cache
}

// createPIDFile creates a PID file
func (b *Bot) createPIDFile() error {
	if b.config.Core.PIDFile == "" {
		return nil
	}

	// Check if PID file already exists
	if _, err := os.Stat(b.config.Core.PIDFile); err == nil {
		// Read existing PID
		data, err := os.ReadFile(b.config.Core.PIDFile)
		if err == nil {
			if pid, err := strconv.Atoi(string(data)); err == nil {
				// Check if process is running
				if process, err := os.FindProcess(pid); err == nil {
					if err := process.Signal(syscall.Signal(0)); err == nil {
						return fmt.Errorf("bot is already running with PID %d", pid)
					}
				}
			}
		}
	}

	// Write current PID
	pid := os.Getpid()
	if err := os.WriteFile(b.config.Core.PIDFile, []byte(strconv.Itoa(pid)), 0644); err != nil {
		return fmt.Errorf("failed to write PID file: %w", err)
	}

	b.logger.Debug("Created PID file", "path", b.config.Core.PIDFile, "pid", pid)
	return nil
}

// removePIDFile removes the PID file
func (b *Bot) removePIDFile() {
	if b.config.Core.PIDFile != "" {
		if err := os.Remove(b.config.Core.PIDFile); err != nil && !os.IsNotExist(err) {
			b.logger.Error("Failed to remove PID file", "path", b.config.Core.PIDFile, "error", err)
		}
	}
}

// waitForShutdown waits for a shutdown signal
func (b *Bot) waitForShutdown() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		b.logger.Info("Received shutdown signal", "signal", sig)
	case <-b.ctx.Done():
		b.logger.Info("Context cancelled")
	}

	b.cancel()
}
