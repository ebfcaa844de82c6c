package onebot

import (
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sorane/kobot/api"
)

// State is the adapter's connection state.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// Config carries the gateway connection settings.
type Config struct {
	Transport      string
	URL            string
	ListenAddr     string
	AccessToken    string
	CallTimeout    time.Duration
	ReconnectDelay time.Duration
	MaxReconnects  int // 0 = retry forever
}

// Handlers receive demultiplexed inbound frames. They are invoked from
// the adapter's single read goroutine, in arrival order.
type Handlers struct {
	OnMessage   func(ev *MessageEvent)
	OnEvent     func(ev *GenericEvent)
	OnLifecycle func(selfID int64)
}

type callResult struct {
	data json.RawMessage
	err  error
}

type pendingCall struct {
	action string
	ch     chan callResult
}

// Adapter turns the asynchronous multiplexed gateway stream into
// correlated request/response calls plus demultiplexed events.
type Adapter struct {
	cfg      Config
	logger   api.Logger
	handlers Handlers

	dial      func() (Transport, error)
	transport Transport
	state     atomic.Int32
	echo      atomic.Int64
	selfID    atomic.Int64
	closing   atomic.Bool

	mu      sync.Mutex
	pending map[int64]*pendingCall
}

// NewAdapter creates an adapter; SetHandlers must be called before Connect.
func NewAdapter(cfg Config, logger api.Logger) *Adapter {
	a := &Adapter{
		cfg:     cfg,
		logger:  logger,
		pending: make(map[int64]*pendingCall),
	}
	a.dial = func() (Transport, error) {
		return NewTransport(cfg.Transport, cfg.URL, cfg.ListenAddr, cfg.AccessToken, logger)
	}
	return a
}

// SetHandlers installs the inbound frame handlers.
func (a *Adapter) SetHandlers(h Handlers) {
	a.handlers = h
}

// State returns the current connection state.
func (a *Adapter) State() State {
	return State(a.state.Load())
}

// SelfID returns the gateway's own identity, once known.
func (a *Adapter) SelfID() int64 {
	return a.selfID.Load()
}

// Connect establishes the transport and starts the read loop. A transport
// that cannot be set up at all fails with ConnectionError.
func (a *Adapter) Connect() error {
	a.closing.Store(false)
	a.state.Store(int32(StateConnecting))

	transport, err := a.dial()
	if err != nil {
		a.state.Store(int32(StateDisconnected))
		return err
	}

	if err := transport.Open(); err != nil {
		a.state.Store(int32(StateDisconnected))
		return &ConnectionError{Kind: a.cfg.Transport, Err: err}
	}

	a.transport = transport
	a.state.Store(int32(StateConnected))
	a.logger.Info("Connected to gateway", "transport", a.cfg.Transport)

	go a.readLoop()
	return nil
}

// Disconnect tears down the transport. Pending calls are abandoned
// without resolution; their callers observe a timeout.
func (a *Adapter) Disconnect() error {
	a.closing.Store(true)
	a.state.Store(int32(StateDisconnected))

	a.mu.Lock()
	a.pending = make(map[int64]*pendingCall)
	a.mu.Unlock()

	if a.transport != nil {
		return a.transport.Close()
	}
	return nil
}

// Send issues a correlated action call and waits for the matching
// response, the configured timeout, or a gateway-reported failure.
func (a *Adapter) Send(action string, params map[string]interface{}) (json.RawMessage, error) {
	if a.State() != StateConnected {
		return nil, fmt.Errorf("cannot call %s: %w", action, ErrNotConnected)
	}

	echo := a.echo.Add(1)
	call := &pendingCall{action: action, ch: make(chan callResult, 1)}

	a.mu.Lock()
	a.pending[echo] = call
	a.mu.Unlock()

	data, err := json.Marshal(Request{Action: action, Params: params, Echo: echo})
	if err != nil {
		a.removePending(echo)
		return nil, fmt.Errorf("failed to encode action %s: %w", action, err)
	}

	if err := a.transport.Write(data); err != nil {
		a.removePending(echo)
		return nil, fmt.Errorf("failed to send action %s: %w", action, ErrNotConnected)
	}

	timer := time.NewTimer(a.cfg.CallTimeout)
	defer timer.Stop()

	select {
	case res := <-call.ch:
		if res.err != nil {
			return nil, res.err
		}
		return res.data, nil
	case <-timer.C:
		// Remove the entry so a late response is dropped as unmatched.
		a.removePending(echo)
		return nil, &TimeoutError{Action: action, Echo: echo}
	}
}

func (a *Adapter) removePending(echo int64) {
	a.mu.Lock()
	delete(a.pending, echo)
	a.mu.Unlock()
}

// readLoop consumes inbound frames until the transport dies. An
// unexpected closure is absorbed into the reconnection machine.
func (a *Adapter) readLoop() {
	for {
		data, err := a.transport.Read()
		if err != nil {
			if a.closing.Load() {
				return
			}
			a.logger.Warn("Gateway connection lost", "error", err)
			a.handleConnectionLost()
			return
		}
		a.dispatch(data)
	}
}

// dispatch demultiplexes one inbound frame. Malformed frames are logged
// and dropped, never fatal to the connection.
func (a *Adapter) dispatch(data []byte) {
	frame, err := DecodeFrame(data)
	if err != nil {
		a.logger.Warn("Dropping malformed gateway frame", "error", err)
		return
	}

	switch {
	case frame.Response != nil:
		a.resolve(frame.Response)
	case frame.Message != nil:
		if a.handlers.OnMessage != nil {
			a.handlers.OnMessage(frame.Message)
		}
	case frame.Event != nil:
		ev := frame.Event
		if ev.IsLifecycleConnect() {
			a.selfID.Store(ev.SelfID)
			a.logger.Info("Gateway identity announced", "self_id", ev.SelfID)
			if a.handlers.OnLifecycle != nil {
				a.handlers.OnLifecycle(ev.SelfID)
			}
			return
		}
		if a.handlers.OnEvent != nil {
			a.handlers.OnEvent(ev)
		}
	}
}

// resolve completes the pending call matching the response's echo.
// Late or duplicate responses are discarded silently.
func (a *Adapter) resolve(resp *Response) {
	a.mu.Lock()
	call, ok := a.pending[resp.Echo]
	if ok {
		delete(a.pending, resp.Echo)
	}
	a.mu.Unlock()

	if !ok {
		a.logger.Debug("Dropping unmatched response", "echo", resp.Echo)
		return
	}

	if resp.OK() {
		call.ch <- callResult{data: resp.Data}
	} else {
		call.ch <- callResult{err: &RemoteError{Action: call.action, Msg: resp.Msg}}
	}
}

// handleConnectionLost rejects all pending calls and schedules retries.
func (a *Adapter) handleConnectionLost() {
	a.state.Store(int32(StateDisconnected))

	a.mu.Lock()
	abandoned := a.pending
	a.pending = make(map[int64]*pendingCall)
	a.mu.Unlock()

	for _, call := range abandoned {
		call.ch <- callResult{err: fmt.Errorf("call %s failed: %w", call.action, ErrNotConnected)}
	}

	go a.reconnectLoop()
}

// reconnectLoop retries with a fixed delay, unbounded unless
// MaxReconnects caps it.
func (a *Adapter) reconnectLoop() {
	attempts := 0
	for {
		if a.closing.Load() {
			return
		}
		if a.cfg.MaxReconnects > 0 && attempts >= a.cfg.MaxReconnects {
			a.logger.Error("Giving up on gateway reconnection", "attempts", attempts)
			return
		}

		time.Sleep(a.cfg.ReconnectDelay)
		if a.closing.Load() {
			return
		}

		attempts++
		a.state.Store(int32(StateConnecting))
		a.logger.Info("Reconnecting to gateway", "attempt", attempts)

		if err := a.transport.Open(); err != nil {
			a.state.Store(int32(StateDisconnected))
			a.logger.Warn("Reconnect attempt failed", "attempt", attempts, "error", err)
			continue
		}

		a.state.Store(int32(StateConnected))
		a.logger.Info("Reconnected to gateway", "attempts", attempts)
		go a.readLoop()
		return
	}
}
