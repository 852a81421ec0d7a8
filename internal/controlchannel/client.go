// Package controlchannel maintains the agent's single persistent,
// authenticated, bidirectional websocket connection to the server:
// named JSON events dispatched to handlers inbound, fire-and-forget
// emits outbound, reconnected with capped jittered backoff.
package controlchannel

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/fleetwarden/endpoint-agent/internal/clock"
	"github.com/fleetwarden/endpoint-agent/internal/logging"
	"github.com/fleetwarden/endpoint-agent/internal/metrics"
	"github.com/fleetwarden/endpoint-agent/internal/model"
)

// ErrNotConnected is returned by Emit when the channel is not Connected.
var ErrNotConnected = model.ErrNotConnected

// Handlers dispatches inbound events. Each field handles exactly one event
// from the fixed inbound set; handlers run sequentially on the receive
// loop's goroutine, preserving within-connection arrival order.
type Handlers struct {
	OnCommand     func(model.Command)
	OnNewVersion  func(model.UpdateDescriptor)
	OnAuthSuccess func()
	OnAuthFailed  func(reason string)
}

// TokenSource supplies the current bearer token for the connection
// handshake. The channel never refreshes it itself; reconnects reuse
// whatever the orchestrator's refresh procedure last produced.
type TokenSource interface {
	Token() string
}

// Client owns one logical control-channel connection at a time.
type Client struct {
	url      string
	agentID  string
	tokens   TokenSource
	handlers Handlers
	clk      clock.Clock
	log      *logging.Logger

	reconnectInitial time.Duration
	reconnectMax     time.Duration

	mu        sync.Mutex
	conn      *websocket.Conn
	connected atomic.Bool
}

// New returns a Client. url should be a ws:// or wss:// endpoint.
func New(url, agentID string, tokens TokenSource, handlers Handlers, reconnectInitial, reconnectMax time.Duration, clk clock.Clock, log *logging.Logger) *Client {
	return &Client{
		url:              url,
		agentID:          agentID,
		tokens:           tokens,
		handlers:         handlers,
		clk:              clk,
		log:              log,
		reconnectInitial: reconnectInitial,
		reconnectMax:     reconnectMax,
	}
}

// IsConnected is the single source of truth for send readiness.
func (c *Client) IsConnected() bool { return c.connected.Load() }

// Run drives the connect/receive/reconnect loop until ctx is cancelled.
// It blocks; callers run it in its own goroutine. onDisconnect is invoked
// (with the channel no longer Connected) every time a session ends,
// including the first connection attempt's failure.
func (c *Client) Run(ctx context.Context, onDisconnect func()) {
	attempt := 0
	for {
		if ctx.Err() != nil {
			return
		}

		sessionStart := c.clk.Now()
		err := c.runSession(ctx)
		c.setConnected(false)
		onDisconnect()

		if ctx.Err() != nil {
			return
		}

		if c.clk.Since(sessionStart) > time.Minute {
			attempt = 0
		}
		delay := c.backoffDelay(attempt)
		attempt++
		metrics.ReconnectsTotal.Inc()
		c.log.Warn("control channel session ended, reconnecting", "error", err, "backoff", delay)

		select {
		case <-ctx.Done():
			return
		case <-c.clk.After(delay):
		}
	}
}

// runSession dials once, runs the receive loop to completion, and returns
// the reason the session ended (nil on clean shutdown via ctx).
func (c *Client) runSession(ctx context.Context) error {
	header := http.Header{}
	header.Set("X-Agent-Id", c.agentID)
	header.Set("X-Client-Type", "agent")
	header.Set("Authorization", "Bearer "+c.tokens.Token())

	dialer := websocket.Dialer{HandshakeTimeout: 15 * time.Second}
	conn, _, err := dialer.DialContext(ctx, c.url, header)
	if err != nil {
		return fmt.Errorf("controlchannel: dial: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		if c.conn == conn {
			c.conn.Close()
			c.conn = nil
		}
		c.mu.Unlock()
	}()

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	return c.receiveLoop(conn)
}

// receiveLoop reads and dispatches inbound events in arrival order until
// the connection errors out or closes.
func (c *Client) receiveLoop(conn *websocket.Conn) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("controlchannel: read: %w", err)
		}

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.log.Warn("control channel: malformed envelope", "error", err)
			continue
		}

		switch env.Event {
		case EventAuthSuccess:
			c.setConnected(true)
			metrics.ConnectedState.Set(1)
			if c.handlers.OnAuthSuccess != nil {
				c.handlers.OnAuthSuccess()
			}
		case EventAuthFailed:
			var p AuthFailedPayload
			_ = json.Unmarshal(env.Payload, &p)
			c.setConnected(false)
			if c.handlers.OnAuthFailed != nil {
				c.handlers.OnAuthFailed(p.Reason)
			}
			return fmt.Errorf("controlchannel: auth failed: %s", p.Reason)
		case EventCommandExecute:
			var cmd model.Command
			if err := json.Unmarshal(env.Payload, &cmd); err != nil {
				c.log.Warn("control channel: malformed command payload", "error", err)
				continue
			}
			if c.handlers.OnCommand != nil {
				c.handlers.OnCommand(cmd)
			}
		case EventNewVersion:
			var desc model.UpdateDescriptor
			if err := json.Unmarshal(env.Payload, &desc); err != nil {
				c.log.Warn("control channel: malformed update descriptor", "error", err)
				continue
			}
			if c.handlers.OnNewVersion != nil {
				c.handlers.OnNewVersion(desc)
			}
		default:
			c.log.Info("control channel: dropping unknown event", "event", env.Event)
		}
	}
}

// Emit sends event with payload marshaled as JSON. Fire-and-forget: it
// returns an error only if the channel is not Connected or the write
// itself fails.
func (c *Client) Emit(event string, payload any) error {
	if !c.IsConnected() {
		return ErrNotConnected
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("controlchannel: marshal payload: %w", err)
	}
	env := Envelope{Event: event, Payload: raw}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("controlchannel: marshal envelope: %w", err)
	}

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("controlchannel: write: %w", err)
	}
	return nil
}

func (c *Client) setConnected(v bool) {
	c.connected.Store(v)
	if !v {
		metrics.ConnectedState.Set(0)
	}
}

// backoffDelay returns the exponential, jittered delay before reconnect
// attempt n (0-indexed), capped at reconnectMax. Jitter prevents a fleet
// of agents disconnected by the same outage from reconnecting in lockstep.
func (c *Client) backoffDelay(attempt int) time.Duration {
	shift := attempt
	if shift > 30 {
		shift = 30
	}
	delay := c.reconnectInitial << uint(shift)
	if delay > c.reconnectMax || delay < 0 {
		delay = c.reconnectMax
	}
	jitter := time.Duration(rand.Int63n(int64(delay)/2 + 1))
	return delay/2 + jitter
}
