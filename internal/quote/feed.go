// feed.go implements the streaming half of the remote quote provider over
// a WebSocket connection.
//
// The feed auto-reconnects with exponential backoff (1s → 30s max) and
// re-subscribes to all tracked symbols on reconnection. A read deadline
// (90s) ensures silent server failures are detected within ~2 missed pings.
package quote

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"tradecore/pkg/types"
)

const (
	pingInterval     = 50 * time.Second // how often we send PING to keep alive
	readTimeout      = 90 * time.Second // ~2 missed pings triggers reconnect
	maxReconnectWait = 30 * time.Second // cap on exponential backoff
	writeTimeout     = 10 * time.Second // deadline for outgoing messages
)

// wsSubscribeMsg is the subscription control message.
type wsSubscribeMsg struct {
	Op        string          `json:"op"` // "subscribe" or "unsubscribe"
	Symbols   []string        `json:"symbols"`
	SubTypes  []types.SubType `json:"sub_types,omitempty"`
	FirstPush bool            `json:"first_push,omitempty"`
	Token     string          `json:"token,omitempty"`
}

// Feed manages the push WebSocket connection for one account. It handles
// connection lifecycle, subscription tracking, message decoding, and
// automatic reconnection with exponential backoff.
type Feed struct {
	url    string
	token  string
	logger *slog.Logger

	conn   *websocket.Conn
	connMu sync.Mutex // protects conn reads/writes

	// Track subscriptions for automatic re-subscribe on reconnect
	subscribedMu sync.RWMutex
	subscribed   map[string][]types.SubType

	// onPush is the provider callback; invoked from the read goroutine.
	onPushMu sync.RWMutex
	onPush   func(types.PushEvent)
}

// NewFeed creates a push feed for the given WebSocket endpoint.
func NewFeed(wsURL, token string, logger *slog.Logger) *Feed {
	return &Feed{
		url:        wsURL,
		token:      token,
		subscribed: make(map[string][]types.SubType),
		logger:     logger.With("component", "quote_feed"),
	}
}

// SetOnPush registers the push callback.
func (f *Feed) SetOnPush(fn func(types.PushEvent)) {
	f.onPushMu.Lock()
	f.onPush = fn
	f.onPushMu.Unlock()
}

// Run connects and maintains the WebSocket connection with auto-reconnect.
// Blocks until ctx is cancelled.
func (f *Feed) Run(ctx context.Context) error {
	backoff := time.Second

	for {
		err := f.connectAndRead(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		f.logger.Warn("quote feed disconnected, reconnecting",
			"error", err,
			"backoff", backoff,
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > maxReconnectWait {
			backoff = maxReconnectWait
		}
	}
}

// Subscribe adds symbols to the push stream.
func (f *Feed) Subscribe(ctx context.Context, symbols []string, subTypes []types.SubType, firstPush bool) error {
	f.subscribedMu.Lock()
	for _, s := range symbols {
		f.subscribed[s] = subTypes
	}
	f.subscribedMu.Unlock()

	return f.writeJSON(wsSubscribeMsg{
		Op:        "subscribe",
		Symbols:   symbols,
		SubTypes:  subTypes,
		FirstPush: firstPush,
	})
}

// Unsubscribe removes symbols from the push stream.
func (f *Feed) Unsubscribe(ctx context.Context, symbols []string) error {
	f.subscribedMu.Lock()
	for _, s := range symbols {
		delete(f.subscribed, s)
	}
	f.subscribedMu.Unlock()

	return f.writeJSON(wsSubscribeMsg{Op: "unsubscribe", Symbols: symbols})
}

// Close tears down the connection.
func (f *Feed) Close() error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn != nil {
		return f.conn.Close()
	}
	return nil
}

func (f *Feed) connectAndRead(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, f.url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", f.url, err)
	}

	f.connMu.Lock()
	f.conn = conn
	f.connMu.Unlock()

	defer func() {
		f.connMu.Lock()
		f.conn = nil
		f.connMu.Unlock()
		conn.Close()
	}()

	if f.token != "" {
		if err := f.writeJSON(wsSubscribeMsg{Op: "auth", Token: f.token}); err != nil {
			return fmt.Errorf("auth: %w", err)
		}
	}

	// Re-subscribe to everything we were tracking before the reconnect.
	f.subscribedMu.RLock()
	var symbols []string
	var subTypes []types.SubType
	for s, st := range f.subscribed {
		symbols = append(symbols, s)
		if subTypes == nil {
			subTypes = st
		}
	}
	f.subscribedMu.RUnlock()
	if len(symbols) > 0 {
		if err := f.writeJSON(wsSubscribeMsg{Op: "subscribe", Symbols: symbols, SubTypes: subTypes}); err != nil {
			return fmt.Errorf("resubscribe: %w", err)
		}
		f.logger.Info("resubscribed after reconnect", "symbols", len(symbols))
	}

	// Keepalive pings
	pingCtx, cancelPing := context.WithCancel(ctx)
	defer cancelPing()
	go f.pingLoop(pingCtx, conn)

	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readTimeout))
	})

	for {
		if err := conn.SetReadDeadline(time.Now().Add(readTimeout)); err != nil {
			return err
		}
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		f.handleMessage(data)
	}
}

func (f *Feed) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			f.connMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout))
			f.connMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

// handleMessage decodes one push frame and hands it to the callback.
// Decode errors are logged and skipped; the stream continues.
func (f *Feed) handleMessage(data []byte) {
	var evt types.PushEvent
	if err := json.Unmarshal(data, &evt); err != nil {
		f.logger.Warn("bad push frame", "error", err)
		return
	}
	if evt.Symbol == "" {
		return
	}
	if evt.At.IsZero() {
		evt.At = time.Now()
	}

	f.onPushMu.RLock()
	fn := f.onPush
	f.onPushMu.RUnlock()
	if fn == nil {
		return
	}
	// Callback exceptions must not kill the read loop.
	defer func() {
		if r := recover(); r != nil {
			f.logger.Error("push callback panicked", "panic", r, "symbol", evt.Symbol)
		}
	}()
	fn(evt)
}

func (f *Feed) writeJSON(v any) error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn == nil {
		// Not connected yet; subscription state is tracked and will be
		// replayed once the connection is up.
		return nil
	}
	if err := f.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return f.conn.WriteJSON(v)
}
