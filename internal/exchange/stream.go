// stream.go implements the user-data WebSocket stream.
//
// Lifecycle: create a listen key via REST, dial <wsBase>/ws/<listenKey>,
// read messages until the connection drops or the server announces
// listenKeyExpired, then re-create the key and reconnect with exponential
// backoff (1 s → 30 s). A keep-alive PUT runs on its own ticker. Raw
// messages are delivered on Messages() in arrival order; the normalizer
// downstream decides what they mean.
package exchange

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	streamReadTimeout  = 3 * time.Minute // server pings roughly every 3 min; 2 missed, reconnect
	streamWriteTimeout = 10 * time.Second
	maxStreamBackoff   = 30 * time.Second
	streamMsgBuffer    = 512
)

// errListenKeyExpired forces a reconnect with a fresh listen key.
var errListenKeyExpired = errors.New("listen key expired")

// Stream maintains the authenticated user-data WebSocket connection.
type Stream struct {
	client    *Client
	wsBase    string
	keepAlive time.Duration
	logger    *slog.Logger

	msgCh chan []byte

	connMu sync.Mutex
	conn   *websocket.Conn
}

// NewStream creates a user-data stream. keepAlive is the listen-key
// keep-alive interval.
func NewStream(client *Client, wsBase string, keepAlive time.Duration, logger *slog.Logger) *Stream {
	return &Stream{
		client:    client,
		wsBase:    wsBase,
		keepAlive: keepAlive,
		logger:    logger.With("component", "stream"),
		msgCh:     make(chan []byte, streamMsgBuffer),
	}
}

// Messages returns the channel raw stream messages arrive on.
func (s *Stream) Messages() <-chan []byte { return s.msgCh }

// Run connects and maintains the stream with auto-reconnect.
// Blocks until ctx is cancelled; the listen key is destroyed on the way out.
func (s *Stream) Run(ctx context.Context) error {
	backoff := time.Second

	for {
		key, err := s.client.CreateListenKey(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("stream: %w", err)
		}

		err = s.connectAndRead(ctx, key)

		// Best-effort cleanup; the key also ages out server-side.
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if cerr := s.client.CloseListenKey(closeCtx, key); cerr != nil {
			s.logger.Debug("close listen key", "error", cerr)
		}
		cancel()

		if ctx.Err() != nil {
			return ctx.Err()
		}

		if errors.Is(err, errListenKeyExpired) {
			// Fresh key immediately, no backoff: the server told us why.
			s.logger.Info("listen key expired, reconnecting")
			backoff = time.Second
			continue
		}

		s.logger.Warn("stream disconnected, reconnecting",
			"error", err,
			"backoff", backoff,
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxStreamBackoff {
			backoff = maxStreamBackoff
		}
	}
}

func (s *Stream) connectAndRead(ctx context.Context, listenKey string) error {
	url := s.wsBase + "/ws/" + listenKey
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	s.connMu.Lock()
	s.conn = conn
	s.connMu.Unlock()

	defer func() {
		s.connMu.Lock()
		conn.Close()
		s.conn = nil
		s.connMu.Unlock()
	}()

	// The server pings; answering keeps the connection considered live.
	conn.SetReadDeadline(time.Now().Add(streamReadTimeout))
	conn.SetPingHandler(func(appData string) error {
		conn.SetReadDeadline(time.Now().Add(streamReadTimeout))
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(streamWriteTimeout))
	})

	s.logger.Info("user-data stream connected")

	keepCtx, keepCancel := context.WithCancel(ctx)
	defer keepCancel()
	go s.keepAliveLoop(keepCtx, listenKey)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		conn.SetReadDeadline(time.Now().Add(streamReadTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}

		if expired(msg) {
			return errListenKeyExpired
		}

		select {
		case s.msgCh <- msg:
		default:
			s.logger.Warn("stream channel full, dropping message")
		}
	}
}

// expired peeks at the event type for the listenKeyExpired announcement.
func expired(msg []byte) bool {
	var envelope struct {
		EventType string `json:"e"`
	}
	if err := json.Unmarshal(msg, &envelope); err != nil {
		return false
	}
	return envelope.EventType == "listenKeyExpired"
}

func (s *Stream) keepAliveLoop(ctx context.Context, listenKey string) {
	ticker := time.NewTicker(s.keepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.client.KeepAliveListenKey(ctx, listenKey); err != nil {
				s.logger.Warn("listen key keepalive failed", "error", err)
			}
		}
	}
}

// Close tears down the active connection, unblocking the read loop.
func (s *Stream) Close() error {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}
