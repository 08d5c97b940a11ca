package upstream

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/termfabric/sessionfabric/src/wire"
)

func testLogger() *logrus.Entry {
	l := logrus.New()
	l.SetLevel(logrus.ErrorLevel)
	return logrus.NewEntry(l)
}

// fakeSM stands in for the Session Manager's /ws/terminal endpoint: it
// echoes every terminal:input frame back as terminal:data, and applies
// terminal:resize frames by echoing a terminal:resized ack, counting how
// many distinct connections it accepted.
type fakeSM struct {
	srv    *httptest.Server
	dials  int32
	mu     sync.Mutex
	closes []*websocket.Conn
}

func newFakeSM(t *testing.T) *fakeSM {
	t.Helper()
	f := &fakeSM{}
	upgrader := websocket.Upgrader{}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&f.dials, 1)
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		f.mu.Lock()
		f.closes = append(f.closes, conn)
		f.mu.Unlock()
		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				return
			}
			env, err := wire.Unmarshal(raw)
			if err != nil {
				continue
			}
			switch env.Type {
			case wire.TypeInput:
				out, _ := wire.Marshal(wire.Data(env.SessionID, []byte(env.Data)))
				_ = conn.WriteMessage(websocket.TextMessage, out)
			case wire.TypeResize:
				out, _ := wire.Marshal(wire.Resized(env.SessionID, env.Cols, env.Rows))
				_ = conn.WriteMessage(websocket.TextMessage, out)
			}
		}
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeSM) baseURL() string {
	return f.srv.URL
}

func recvFrame(t *testing.T, ch chan wire.Envelope) wire.Envelope {
	t.Helper()
	select {
	case env := <-ch:
		return env
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for frame")
		return wire.Envelope{}
	}
}

func TestSubscribeSharesOneUpstreamAcrossListeners(t *testing.T) {
	sm := newFakeSM(t)
	pool := NewPool(sm.baseURL(), testLogger())

	chA := make(chan wire.Envelope, 4)
	chB := make(chan wire.Envelope, 4)

	hA, err := pool.Subscribe(context.Background(), "s-1", "a", false, func(e wire.Envelope) { chA <- e })
	if err != nil {
		t.Fatalf("Subscribe A: %v", err)
	}
	hB, err := pool.Subscribe(context.Background(), "s-1", "b", false, func(e wire.Envelope) { chB <- e })
	if err != nil {
		t.Fatalf("Subscribe B: %v", err)
	}

	time.Sleep(50 * time.Millisecond)
	if got := atomic.LoadInt32(&sm.dials); got != 1 {
		t.Fatalf("dials = %d, want 1 (shared upstream)", got)
	}

	if err := hA.Input("hello"); err != nil {
		t.Fatalf("Input: %v", err)
	}

	envA := recvFrame(t, chA)
	envB := recvFrame(t, chB)
	if envA.Data != "hello" || envB.Data != "hello" {
		t.Errorf("fanout mismatch: A=%+v B=%+v", envA, envB)
	}

	hA.Close()
	hB.Close()
}

func TestUnsubscribeClosesUpstreamAtZeroRefcount(t *testing.T) {
	sm := newFakeSM(t)
	pool := NewPool(sm.baseURL(), testLogger())

	ch := make(chan wire.Envelope, 4)
	h, err := pool.Subscribe(context.Background(), "s-2", "only", false, func(e wire.Envelope) { ch <- e })
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	h.Close()

	deadline := time.After(time.Second)
	for pool.Count() != 0 {
		select {
		case <-deadline:
			t.Fatal("upstream entry was not removed after unsubscribe")
		default:
			time.Sleep(10 * time.Millisecond)
		}
	}
}

func TestPreviewResizeSuppressedWhenNonPreviewSharesUpstream(t *testing.T) {
	sm := newFakeSM(t)
	pool := NewPool(sm.baseURL(), testLogger())

	full := make(chan wire.Envelope, 4)
	preview := make(chan wire.Envelope, 4)

	hFull, err := pool.Subscribe(context.Background(), "s-3", "full", false, func(e wire.Envelope) { full <- e })
	if err != nil {
		t.Fatalf("Subscribe full: %v", err)
	}
	hPreview, err := pool.Subscribe(context.Background(), "s-3", "preview", true, func(e wire.Envelope) { preview <- e })
	if err != nil {
		t.Fatalf("Subscribe preview: %v", err)
	}

	if err := hFull.Resize(100, 40); err != nil {
		t.Fatalf("Resize full: %v", err)
	}
	ack := recvFrame(t, full)
	if ack.Cols != 100 || ack.Rows != 40 {
		t.Fatalf("full resize ack = %+v, want 100x40", ack)
	}

	if err := hPreview.Resize(10, 5); err != nil {
		t.Fatalf("Resize preview: %v", err)
	}
	ack = recvFrame(t, preview)
	if ack.Cols != 100 || ack.Rows != 40 {
		t.Errorf("suppressed preview resize ack = %+v, want current size 100x40", ack)
	}

	hFull.Close()
	hPreview.Close()
}

func TestUpstreamCloseDeliversErrorToListeners(t *testing.T) {
	sm := newFakeSM(t)
	pool := NewPool(sm.baseURL(), testLogger())

	ch := make(chan wire.Envelope, 4)
	_, err := pool.Subscribe(context.Background(), "s-4", "only", false, func(e wire.Envelope) { ch <- e })
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	sm.mu.Lock()
	for _, c := range sm.closes {
		_ = c.Close()
	}
	sm.mu.Unlock()

	env := recvFrame(t, ch)
	if env.Type != wire.TypeError || env.Code != wire.CloseUpstreamLost {
		t.Errorf("expected upstream-lost error frame, got %+v", env)
	}
}
