package onebot

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/sorane/kobot/api"
)

// fakeTransport is an in-memory Transport. Closing the frame channel
// simulates an unexpected connection loss; Open installs a fresh one.
type fakeTransport struct {
	mu          sync.Mutex
	frames      chan []byte
	closed      bool
	writes      [][]byte
	opens       int
	failOpen    bool
	autoRespond bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{frames: make(chan []byte, 16)}
}

func (t *fakeTransport) Open() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.opens++
	if t.failOpen {
		return fmt.Errorf("dial refused")
	}
	t.frames = make(chan []byte, 16)
	t.closed = false
	return nil
}

func (t *fakeTransport) Read() ([]byte, error) {
	t.mu.Lock()
	ch := t.frames
	t.mu.Unlock()

	data, ok := <-ch
	if !ok {
		return nil, fmt.Errorf("connection reset")
	}
	return data, nil
}

func (t *fakeTransport) Write(data []byte) error {
	t.mu.Lock()
	t.writes = append(t.writes, data)
	respond := t.autoRespond
	ch := t.frames
	t.mu.Unlock()

	if respond {
		var req Request
		if err := json.Unmarshal(data, &req); err != nil {
			return err
		}
		resp, _ := json.Marshal(map[string]interface{}{
			"echo":   req.Echo,
			"status": "ok",
			"data":   map[string]interface{}{"message_id": 1},
		})
		ch <- resp
	}
	return nil
}

func (t *fakeTransport) Close() error {
	t.dropConnection()
	return nil
}

func (t *fakeTransport) dropConnection() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.closed = true
	select {
	case <-t.frames:
	default:
	}
	close(t.frames)
}

func (t *fakeTransport) push(frame string) {
	t.mu.Lock()
	ch := t.frames
	t.mu.Unlock()
	ch <- []byte(frame)
}

func (t *fakeTransport) requests() []Request {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Request, 0, len(t.writes))
	for _, data := range t.writes {
		var req Request
		if err := json.Unmarshal(data, &req); err == nil {
			out = append(out, req)
		}
	}
	return out
}

func (t *fakeTransport) openCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.opens
}

func newTestAdapter(t *testing.T, ft *fakeTransport, timeout time.Duration) *Adapter {
	t.Helper()
	a := NewAdapter(Config{
		Transport:      "ws",
		CallTimeout:    timeout,
		ReconnectDelay: 10 * time.Millisecond,
	}, api.NewLogger("test"))
	a.dial = func() (Transport, error) { return ft, nil }
	return a
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func (a *Adapter) pendingCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.pending)
}

func TestSend_RoundTrip(t *testing.T) {
	ft := newFakeTransport()
	ft.autoRespond = true
	a := newTestAdapter(t, ft, time.Second)

	if err := a.Connect(); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer a.Disconnect()

	data, err := a.Send("send_group_msg", map[string]interface{}{"group_id": int64(1)})
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if len(data) == 0 {
		t.Error("expected response data")
	}
	if a.pendingCount() != 0 {
		t.Errorf("pending table should be empty, has %d", a.pendingCount())
	}
}

func TestSend_NotConnected(t *testing.T) {
	a := newTestAdapter(t, newFakeTransport(), time.Second)

	_, err := a.Send("get_status", nil)
	if !errors.Is(err, ErrNotConnected) {
		t.Fatalf("got %v, want ErrNotConnected", err)
	}
}

func TestConnect_UnsupportedTransport(t *testing.T) {
	a := NewAdapter(Config{Transport: "carrier-pigeon"}, api.NewLogger("test"))

	err := a.Connect()
	var connErr *ConnectionError
	if !errors.As(err, &connErr) {
		t.Fatalf("got %v, want ConnectionError", err)
	}
	if a.State() != StateDisconnected {
		t.Errorf("state should be disconnected, got %v", a.State())
	}
}

func TestSend_Timeout(t *testing.T) {
	ft := newFakeTransport()
	a := newTestAdapter(t, ft, 50*time.Millisecond)

	if err := a.Connect(); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer a.Disconnect()

	_, err := a.Send("get_status", nil)
	var timeoutErr *TimeoutError
	if !errors.As(err, &timeoutErr) {
		t.Fatalf("got %v, want TimeoutError", err)
	}
	if a.pendingCount() != 0 {
		t.Error("timed-out entry must be removed from the pending table")
	}

	// A late response for the timed-out call is dropped as unmatched and
	// must not disturb the next call.
	ft.push(fmt.Sprintf(`{"echo":%d,"status":"ok","data":null}`, timeoutErr.Echo))

	ft.autoRespond = true
	if _, err := a.Send("get_status", nil); err != nil {
		t.Fatalf("Send after late response failed: %v", err)
	}
}

func TestSend_RemoteError(t *testing.T) {
	ft := newFakeTransport()
	a := newTestAdapter(t, ft, time.Second)

	if err := a.Connect(); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer a.Disconnect()

	errCh := make(chan error, 1)
	go func() {
		_, err := a.Send("send_group_msg", nil)
		errCh <- err
	}()

	waitFor(t, func() bool { return len(ft.requests()) == 1 }, "request never written")
	echo := ft.requests()[0].Echo
	ft.push(fmt.Sprintf(`{"echo":%d,"status":"failed","msg":"no such group"}`, echo))

	err := <-errCh
	var remoteErr *RemoteError
	if !errors.As(err, &remoteErr) {
		t.Fatalf("got %v, want RemoteError", err)
	}
	if remoteErr.Msg != "no such group" {
		t.Errorf("got msg %q", remoteErr.Msg)
	}
	if remoteErr.Action != "send_group_msg" {
		t.Errorf("got action %q", remoteErr.Action)
	}
}

func TestUnmatchedResponseDropped(t *testing.T) {
	ft := newFakeTransport()
	ft.autoRespond = true
	a := newTestAdapter(t, ft, time.Second)

	if err := a.Connect(); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer a.Disconnect()

	ft.push(`{"echo":9999,"status":"ok","data":null}`)

	// The stray response must not affect a real call.
	if _, err := a.Send("get_status", nil); err != nil {
		t.Fatalf("Send failed after stray response: %v", err)
	}
}

func TestEchoUniqueAcrossReconnect(t *testing.T) {
	ft := newFakeTransport()
	ft.autoRespond = true
	a := newTestAdapter(t, ft, time.Second)

	if err := a.Connect(); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer a.Disconnect()

	if _, err := a.Send("get_status", nil); err != nil {
		t.Fatalf("first Send failed: %v", err)
	}

	opens := ft.openCount()
	ft.dropConnection()
	waitFor(t, func() bool {
		return ft.openCount() > opens && a.State() == StateConnected
	}, "adapter never reconnected")

	if _, err := a.Send("get_status", nil); err != nil {
		t.Fatalf("second Send failed: %v", err)
	}

	reqs := ft.requests()
	if len(reqs) != 2 {
		t.Fatalf("got %d requests, want 2", len(reqs))
	}
	if reqs[1].Echo <= reqs[0].Echo {
		t.Errorf("echo must keep increasing across reconnects: %d then %d", reqs[0].Echo, reqs[1].Echo)
	}
}

func TestConnectionLossRejectsPending(t *testing.T) {
	ft := newFakeTransport()
	a := newTestAdapter(t, ft, 5*time.Second)

	if err := a.Connect(); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer a.Disconnect()

	errCh := make(chan error, 1)
	go func() {
		_, err := a.Send("get_status", nil)
		errCh <- err
	}()

	waitFor(t, func() bool { return a.pendingCount() == 1 }, "call never registered")
	ft.dropConnection()

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrNotConnected) {
			t.Fatalf("got %v, want ErrNotConnected", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("pending call was not rejected on connection loss")
	}
}

func TestDispatch_MessageAndLifecycle(t *testing.T) {
	ft := newFakeTransport()
	a := newTestAdapter(t, ft, time.Second)

	var (
		mu       sync.Mutex
		messages []*MessageEvent
		selfIDs  []int64
	)
	a.SetHandlers(Handlers{
		OnMessage: func(ev *MessageEvent) {
			mu.Lock()
			messages = append(messages, ev)
			mu.Unlock()
		},
		OnLifecycle: func(selfID int64) {
			mu.Lock()
			selfIDs = append(selfIDs, selfID)
			mu.Unlock()
		},
	})

	if err := a.Connect(); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer a.Disconnect()

	ft.push(`{"post_type":"meta_event","meta_event_type":"lifecycle","sub_type":"connect","self_id":10001}`)
	ft.push(`this is not json`)
	ft.push(`{"post_type":"message","message_type":"private","user_id":2,"message":"hi","message_id":5}`)

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(messages) == 1 && len(selfIDs) == 1
	}, "handlers never invoked")

	if a.SelfID() != 10001 {
		t.Errorf("got self id %d, want 10001", a.SelfID())
	}
}
