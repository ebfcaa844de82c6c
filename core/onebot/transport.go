package onebot

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/sorane/kobot/api"
)

// Transport owns one persistent channel to the gateway: frames in,
// frames out, liveness via Read returning an error.
type Transport interface {
	Open() error
	Read() ([]byte, error)
	Write(data []byte) error
	Close() error
}

// ErrTransportClosed signals an orderly local shutdown of the transport.
var ErrTransportClosed = errors.New("transport closed")

// NewTransport builds a transport for the configured kind. "ws" dials
// out to the gateway; "ws-reverse" listens for the gateway to dial in.
func NewTransport(kind, url, listenAddr, accessToken string, logger api.Logger) (Transport, error) {
	switch kind {
	case "ws":
		return &wsTransport{url: url, accessToken: accessToken, logger: logger}, nil
	case "ws-reverse":
		return newServerTransport(listenAddr, accessToken, logger), nil
	default:
		return nil, &ConnectionError{Kind: kind, Err: fmt.Errorf("unsupported transport kind")}
	}
}

// wsTransport dials a forward WebSocket connection to the gateway.
type wsTransport struct {
	url         string
	accessToken string
	logger      api.Logger

	mu      sync.Mutex
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (t *wsTransport) Open() error {
	header := http.Header{}
	if t.accessToken != "" {
		header.Set("Authorization", "Bearer "+t.accessToken)
	}

	conn, _, err := websocket.DefaultDialer.Dial(t.url, header)
	if err != nil {
		return fmt.Errorf("failed to dial gateway %s: %w", t.url, err)
	}

	t.mu.Lock()
	t.conn = conn
	t.mu.Unlock()

	t.logger.Debug("Gateway connection established", "url", t.url)
	return nil
}

func (t *wsTransport) Read() ([]byte, error) {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()

	if conn == nil {
		return nil, ErrTransportClosed
	}

	_, data, err := conn.ReadMessage()
	if err != nil {
		return nil, fmt.Errorf("gateway read failed: %w", err)
	}
	return data, nil
}

func (t *wsTransport) Write(data []byte) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()

	if conn == nil {
		return ErrTransportClosed
	}

	// gorilla allows only one concurrent writer
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (t *wsTransport) Close() error {
	t.mu.Lock()
	conn := t.conn
	t.conn = nil
	t.mu.Unlock()

	if conn != nil {
		return conn.Close()
	}
	return nil
}

// serverTransport accepts an inbound (reverse) WebSocket connection from
// the gateway. A new connection replaces the previous one.
type serverTransport struct {
	listenAddr  string
	accessToken string
	logger      api.Logger
	upgrader    websocket.Upgrader

	server *http.Server
	frames chan []byte
	done   chan struct{}

	mu      sync.Mutex
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func newServerTransport(listenAddr, accessToken string, logger api.Logger) *serverTransport {
	return &serverTransport{
		listenAddr:  listenAddr,
		accessToken: accessToken,
		logger:      logger,
		upgrader:    websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		frames:      make(chan []byte, 64),
		done:        make(chan struct{}),
	}
}

func (t *serverTransport) Open() error {
	listener, err := net.Listen("tcp", t.listenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", t.listenAddr, err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", t.handleUpgrade)
	t.server = &http.Server{Handler: mux}

	go func() {
		if err := t.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			t.logger.Error("Reverse transport server failed", "error", err)
		}
	}()

	t.logger.Info("Waiting for gateway connection", "addr", t.listenAddr)
	return nil
}

func (t *serverTransport) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if t.accessToken != "" && r.Header.Get("Authorization") != "Bearer "+t.accessToken {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := t.upgrader.Upgrade(w, r, nil)
	if err != nil {
		t.logger.Error("Gateway upgrade failed", "error", err)
		return
	}

	t.mu.Lock()
	if t.conn != nil {
		t.conn.Close()
	}
	t.conn = conn
	t.mu.Unlock()

	t.logger.Info("Gateway connected", "remote", r.RemoteAddr)

	// readPump pushes frames until this connection dies
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		select {
		case t.frames <- data:
		case <-t.done:
			return
		}
	}

	t.mu.Lock()
	if t.conn == conn {
		t.conn = nil
	}
	t.mu.Unlock()
	t.logger.Warn("Gateway disconnected", "remote", r.RemoteAddr)
}

func (t *serverTransport) Read() ([]byte, error) {
	select {
	case data := <-t.frames:
		return data, nil
	case <-t.done:
		return nil, ErrTransportClosed
	}
}

func (t *serverTransport) Write(data []byte) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()

	if conn == nil {
		return fmt.Errorf("no gateway connection attached")
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (t *serverTransport) Close() error {
	select {
	case <-t.done:
		return nil
	default:
	}
	close(t.done)

	t.mu.Lock()
	if t.conn != nil {
		t.conn.Close()
		t.conn = nil
	}
	t.mu.Unlock()

	if t.server != nil {
		return t.server.Close()
	}
	return nil
}
