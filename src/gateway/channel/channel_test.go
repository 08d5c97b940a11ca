package channel

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/termfabric/sessionfabric/src/gateway/upstream"
	"github.com/termfabric/sessionfabric/src/wire"
)

func testLogger() *logrus.Entry {
	l := logrus.New()
	l.SetLevel(logrus.ErrorLevel)
	return logrus.NewEntry(l)
}

// fakeSM echoes terminal:input as terminal:data, counting distinct dials.
func fakeSM(t *testing.T) (*httptest.Server, *int32) {
	t.Helper()
	var dials int32
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&dials, 1)
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				return
			}
			env, err := wire.Unmarshal(raw)
			if err != nil {
				continue
			}
			if env.Type == wire.TypeInput {
				out, _ := wire.Marshal(wire.Data(env.SessionID, []byte(env.Data)))
				_ = conn.WriteMessage(websocket.TextMessage, out)
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv, &dials
}

// fakeSMWithConns is fakeSM plus access to each accepted server-side
// connection, so a test can sever one to simulate an upstream dying.
func fakeSMWithConns(t *testing.T) (*httptest.Server, func() []*websocket.Conn) {
	t.Helper()
	var mu sync.Mutex
	var conns []*websocket.Conn
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		mu.Lock()
		conns = append(conns, conn)
		mu.Unlock()
		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				return
			}
			env, err := wire.Unmarshal(raw)
			if err != nil {
				continue
			}
			if env.Type == wire.TypeInput {
				out, _ := wire.Marshal(wire.Data(env.SessionID, []byte(env.Data)))
				_ = conn.WriteMessage(websocket.TextMessage, out)
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv, func() []*websocket.Conn {
		mu.Lock()
		defer mu.Unlock()
		return append([]*websocket.Conn(nil), conns...)
	}
}

// dialBrowser opens the browser-facing half of a Channel under test,
// wiring the other half to a *Channel driven by Run() in a goroutine.
func dialBrowser(t *testing.T, pool *upstream.Pool) (*websocket.Conn, *Channel) {
	t.Helper()
	upgrader := websocket.Upgrader{}
	var serverConn *websocket.Conn
	ready := make(chan struct{})
	gwSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		serverConn = conn
		close(ready)
	}))
	t.Cleanup(gwSrv.Close)

	wsURL := "ws" + gwSrv.URL[len("http"):]
	clientConn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial gateway: %v", err)
	}
	t.Cleanup(func() { clientConn.Close() })

	<-ready
	ch := New("chan-1", "user-1", serverConn, pool, testLogger())
	go ch.Run()
	return clientConn, ch
}

func sendEnvelope(t *testing.T, conn *websocket.Conn, env wire.Envelope) {
	t.Helper()
	raw, err := wire.Marshal(env)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, raw); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func readEnvelope(t *testing.T, conn *websocket.Conn) wire.Envelope {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(time.Second))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	env, err := wire.Unmarshal(raw)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	return env
}

func TestChannelSubscribeForwardsInputAndRelaysData(t *testing.T) {
	smSrv, _ := fakeSM(t)
	pool := upstream.NewPool(smSrv.URL, testLogger())
	conn, _ := dialBrowser(t, pool)

	sendEnvelope(t, conn, wire.Envelope{Type: wire.TypeSubscribe, SessionID: "s-1"})
	sendEnvelope(t, conn, wire.Envelope{Type: wire.TypeInput, SessionID: "s-1", Data: "echo hi"})

	env := readEnvelope(t, conn)
	if env.Type != wire.TypeData || env.Data != "echo hi" {
		t.Errorf("got %+v, want data frame echoing input", env)
	}
}

func TestChannelSubscribeIsIdempotent(t *testing.T) {
	smSrv, dials := fakeSM(t)
	pool := upstream.NewPool(smSrv.URL, testLogger())
	conn, _ := dialBrowser(t, pool)

	sendEnvelope(t, conn, wire.Envelope{Type: wire.TypeSubscribe, SessionID: "s-1"})
	sendEnvelope(t, conn, wire.Envelope{Type: wire.TypeSubscribe, SessionID: "s-1"})
	time.Sleep(100 * time.Millisecond)

	if got := atomic.LoadInt32(dials); got != 1 {
		t.Errorf("dials = %d, want 1 for duplicate subscribe", got)
	}
}

func TestChannelUnsubscribeGraceCancelsOnResubscribe(t *testing.T) {
	smSrv, dials := fakeSM(t)
	pool := upstream.NewPool(smSrv.URL, testLogger())
	conn, ch := dialBrowser(t, pool)

	sendEnvelope(t, conn, wire.Envelope{Type: wire.TypeSubscribe, SessionID: "s-1"})
	time.Sleep(50 * time.Millisecond)
	sendEnvelope(t, conn, wire.Envelope{Type: wire.TypeUnsubscribe, SessionID: "s-1"})
	sendEnvelope(t, conn, wire.Envelope{Type: wire.TypeSubscribe, SessionID: "s-1"})

	time.Sleep(unsubscribeGrace + 100*time.Millisecond)

	ch.mu.Lock()
	_, stillSubscribed := ch.subscriptions["s-1"]
	ch.mu.Unlock()
	if !stillSubscribed {
		t.Error("expected subscription to survive a cancel-on-resubscribe within the grace window")
	}
	if got := atomic.LoadInt32(dials); got != 1 {
		t.Errorf("dials = %d, want 1 (grace window avoided a redial)", got)
	}
}

func TestChannelPurgesSubscriptionOnUpstreamErrorAndAllowsResubscribe(t *testing.T) {
	smSrv, serverConns := fakeSMWithConns(t)
	pool := upstream.NewPool(smSrv.URL, testLogger())
	conn, ch := dialBrowser(t, pool)

	sendEnvelope(t, conn, wire.Envelope{Type: wire.TypeSubscribe, SessionID: "s-1"})
	time.Sleep(50 * time.Millisecond)

	conns := serverConns()
	if len(conns) != 1 {
		t.Fatalf("expected 1 upstream connection, got %d", len(conns))
	}
	conns[0].Close()

	env := readEnvelope(t, conn)
	if env.Type != wire.TypeError || env.SessionID != "s-1" {
		t.Fatalf("expected an error frame for s-1, got %+v", env)
	}

	deadline := time.After(time.Second)
	for {
		ch.mu.Lock()
		_, subscribed := ch.subscriptions["s-1"]
		ch.mu.Unlock()
		if !subscribed {
			break
		}
		select {
		case <-deadline:
			t.Fatal("subscription was never purged after upstream error")
		default:
			time.Sleep(10 * time.Millisecond)
		}
	}

	// A fresh subscribe on the same session must succeed rather than being
	// silently refused by a stale entry.
	sendEnvelope(t, conn, wire.Envelope{Type: wire.TypeSubscribe, SessionID: "s-1"})
	sendEnvelope(t, conn, wire.Envelope{Type: wire.TypeInput, SessionID: "s-1", Data: "echo again"})

	env = readEnvelope(t, conn)
	if env.Type != wire.TypeData || env.Data != "echo again" {
		t.Fatalf("expected resubscribe to work, got %+v", env)
	}
}

func TestChannelUnsubscribeTearsDownAfterGrace(t *testing.T) {
	smSrv, _ := fakeSM(t)
	pool := upstream.NewPool(smSrv.URL, testLogger())
	conn, ch := dialBrowser(t, pool)

	sendEnvelope(t, conn, wire.Envelope{Type: wire.TypeSubscribe, SessionID: "s-1"})
	time.Sleep(50 * time.Millisecond)
	sendEnvelope(t, conn, wire.Envelope{Type: wire.TypeUnsubscribe, SessionID: "s-1"})

	deadline := time.After(time.Second)
	for {
		ch.mu.Lock()
		_, subscribed := ch.subscriptions["s-1"]
		ch.mu.Unlock()
		if !subscribed {
			break
		}
		select {
		case <-deadline:
			t.Fatal("subscription was never removed after the grace window")
		default:
			time.Sleep(10 * time.Millisecond)
		}
	}
}
