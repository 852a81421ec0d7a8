package controlchannel

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/fleetwarden/endpoint-agent/internal/clock"
	"github.com/fleetwarden/endpoint-agent/internal/logging"
	"github.com/fleetwarden/endpoint-agent/internal/model"
)

type fakeTokenSource struct{ token string }

func (f fakeTokenSource) Token() string { return f.token }

func wsURL(httpURL string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http")
}

func TestAuthSuccessTransitionsConnected(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		env := Envelope{Event: EventAuthSuccess}
		data, _ := json.Marshal(env)
		conn.WriteMessage(websocket.TextMessage, data)
		// keep the connection open until the test closes it
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	var authOK sync.WaitGroup
	authOK.Add(1)
	handlers := Handlers{OnAuthSuccess: func() { authOK.Done() }}

	c := New(wsURL(srv.URL), "agent-1", fakeTokenSource{token: "T0"}, handlers, time.Second, 30*time.Second, clock.Real{}, logging.New(false))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx, func() {})

	waitOrTimeout(t, &authOK, 2*time.Second)
	if !c.IsConnected() {
		t.Error("IsConnected() = false, want true after auth:success")
	}
}

func TestCommandExecuteDispatches(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		send(conn, Envelope{Event: EventAuthSuccess})
		payload, _ := json.Marshal(model.Command{CommandID: "c1", Type: model.CommandConsole, Payload: "echo hi"})
		send(conn, Envelope{Event: EventCommandExecute, Payload: payload})

		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	var got model.Command
	var wg sync.WaitGroup
	wg.Add(1)
	handlers := Handlers{OnCommand: func(cmd model.Command) { got = cmd; wg.Done() }}

	c := New(wsURL(srv.URL), "agent-1", fakeTokenSource{token: "T0"}, handlers, time.Second, 30*time.Second, clock.Real{}, logging.New(false))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx, func() {})

	waitOrTimeout(t, &wg, 2*time.Second)
	if got.CommandID != "c1" {
		t.Errorf("CommandID = %q, want c1", got.CommandID)
	}
}

func TestEmitFailsWhenNotConnected(t *testing.T) {
	c := New("ws://127.0.0.1:0", "agent-1", fakeTokenSource{token: "T0"}, Handlers{}, time.Second, 30*time.Second, clock.Real{}, logging.New(false))
	if err := c.Emit(EventStatusUpdate, model.ResourceSample{}); err == nil {
		t.Error("Emit() succeeded while not connected, want error")
	}
}

func send(conn *websocket.Conn, env Envelope) {
	data, _ := json.Marshal(env)
	conn.WriteMessage(websocket.TextMessage, data)
}

func waitOrTimeout(t *testing.T, wg *sync.WaitGroup, d time.Duration) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(d):
		t.Fatal("timed out waiting for expected event")
	}
}
