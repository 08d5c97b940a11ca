package gateway

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/termfabric/sessionfabric/src/gateway/auth"
	"github.com/termfabric/sessionfabric/src/gateway/upstream"
	"github.com/termfabric/sessionfabric/src/wire"
)

const testSigningKey = "test-signing-key"

func testLogger() *logrus.Entry {
	l := logrus.New()
	l.SetLevel(logrus.ErrorLevel)
	return logrus.NewEntry(l)
}

func signToken(t *testing.T, userID string) string {
	t.Helper()
	claims := auth.Claims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(testSigningKey))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

// newFakeSM stands in for the Session Manager's /ws/terminal endpoint,
// echoing terminal:input as terminal:data.
func newFakeSM(t *testing.T) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
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
	return srv
}

func newTestGateway(t *testing.T) *httptest.Server {
	t.Helper()
	sm := newFakeSM(t)
	pool := upstream.NewPool(sm.URL, testLogger())
	validator := auth.NewValidator(testSigningKey)
	srv := NewServer(pool, validator, testLogger())

	gw := httptest.NewServer(srv.Router())
	t.Cleanup(gw.Close)
	return gw
}

func dialGateway(t *testing.T, gw *httptest.Server, query string) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	u, err := url.Parse(gw.URL)
	if err != nil {
		t.Fatalf("parse gateway URL: %v", err)
	}
	u.Scheme = "ws"
	u.Path = "/ws/terminals"
	u.RawQuery = query
	return websocket.DefaultDialer.Dial(u.String(), nil)
}

func TestRouterHandlesCORSPreflight(t *testing.T) {
	gw := newTestGateway(t)

	req, err := http.NewRequest(http.MethodOptions, gw.URL+"/ws/terminals", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusNoContent)
	}
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("Access-Control-Allow-Origin = %q, want %q", got, "*")
	}
}

func TestHandleTerminalsRejectsMissingToken(t *testing.T) {
	gw := newTestGateway(t)

	conn, _, err := dialGateway(t, gw, "")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	_, _, err = conn.ReadMessage()
	closeErr, ok := err.(*websocket.CloseError)
	if !ok {
		t.Fatalf("expected a CloseError, got %v", err)
	}
	if closeErr.Code != closeAuthFailed {
		t.Errorf("close code = %d, want %d", closeErr.Code, closeAuthFailed)
	}
}

func TestHandleTerminalsRejectsInvalidToken(t *testing.T) {
	gw := newTestGateway(t)

	conn, _, err := dialGateway(t, gw, "token=not-a-real-jwt")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	_, _, err = conn.ReadMessage()
	if err == nil {
		t.Fatal("expected connection to be closed")
	}
	closeErr, ok := err.(*websocket.CloseError)
	if !ok {
		t.Fatalf("expected a CloseError, got %v", err)
	}
	if closeErr.Code != closeAuthFailed {
		t.Errorf("close code = %d, want %d", closeErr.Code, closeAuthFailed)
	}
}

func TestHandleTerminalsSubscribeForwardsInputAndRelaysData(t *testing.T) {
	gw := newTestGateway(t)
	token := signToken(t, "user-1")

	conn, _, err := dialGateway(t, gw, "token="+token)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	send := func(env wire.Envelope) {
		encoded, err := wire.Marshal(env)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		if err := conn.WriteMessage(websocket.TextMessage, encoded); err != nil {
			t.Fatalf("write: %v", err)
		}
	}

	send(wire.Envelope{Type: wire.TypeSubscribe, SessionID: "sess-1"})
	send(wire.Envelope{Type: wire.TypeInput, SessionID: "sess-1", Data: "ls\n"})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	env, err := wire.Unmarshal(raw)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if env.Type != wire.TypeData || !strings.Contains(env.Data, "ls") {
		t.Errorf("unexpected relayed frame: %+v", env)
	}
}
