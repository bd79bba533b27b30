package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// WebSocket implements a WebSocket transport layer for MCP communication. Each
// accepted connection becomes one session carrying newline-free JSON-RPC text
// messages in both directions.
//
// The Handler can be mounted on any mux. Instances should be created using
// NewWebSocket and shut down with Shutdown.
type WebSocket struct {
	logger   *slog.Logger
	upgrader websocket.Upgrader

	sessions chan *wsSession

	done   chan struct{}
	closed chan struct{}
}

// WebSocketClient dials a WebSocket MCP server. Instances should be created
// using NewWebSocketClient.
type WebSocketClient struct {
	url    string
	dialer *websocket.Dialer
	logger *slog.Logger
}

type wsSession struct {
	id     string
	conn   *websocket.Conn
	logger *slog.Logger

	writeMessages chan wsWriteMessage
	done          chan struct{}
	writeClosed   chan struct{}
}

type wsWriteMessage struct {
	msg  []byte
	errs chan error
}

// NewWebSocket creates a new WebSocket server transport.
func NewWebSocket() *WebSocket {
	return &WebSocket{
		logger: slog.Default().With(
			slog.String("package", "mcp"),
			slog.String("transport", "websocket"),
		),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool {
				// The gateway binds to loopback; origin checks add nothing there.
				return true
			},
		},
		sessions: make(chan *wsSession, 5),
		done:     make(chan struct{}),
		closed:   make(chan struct{}),
	}
}

// NewWebSocketClient creates a WebSocket client transport connecting to url.
func NewWebSocketClient(url string) *WebSocketClient {
	return &WebSocketClient{
		url:    url,
		dialer: websocket.DefaultDialer,
		logger: slog.Default().With(
			slog.String("package", "mcp"),
			slog.String("transport", "websocket-client"),
		),
	}
}

// Sessions implements the ServerTransport interface by yielding a new Session
// for every accepted WebSocket connection.
func (w *WebSocket) Sessions() iter.Seq[Session] {
	return func(yield func(Session) bool) {
		defer close(w.closed)

		for {
			select {
			case <-w.done:
				return
			case sess := <-w.sessions:
				go sess.processWriteMessages()

				if !yield(sess) {
					return
				}
			}
		}
	}
}

// Shutdown implements the ServerTransport interface.
func (w *WebSocket) Shutdown(ctx context.Context) error {
	close(w.done)

	select {
	case <-ctx.Done():
		return fmt.Errorf("failed to close WebSocket transport: %w", ctx.Err())
	case <-w.closed:
	}
	return nil
}

// Handler returns the http.Handler upgrading connections to WebSocket sessions.
func (w *WebSocket) Handler() http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		conn, err := w.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			w.logger.Error("failed to upgrade connection", slog.String("err", err.Error()))
			return
		}

		sess := newWSSession(conn, w.logger)

		select {
		case <-w.done:
			conn.Close()
		case w.sessions <- sess:
		}
	})
}

// StartSession implements the ClientTransport interface by dialing the server.
func (c *WebSocketClient) StartSession(ctx context.Context) (Session, error) {
	conn, _, err := c.dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to dial WebSocket server: %w", err)
	}

	sess := newWSSession(conn, c.logger)
	go sess.processWriteMessages()

	return sess, nil
}

func newWSSession(conn *websocket.Conn, logger *slog.Logger) *wsSession {
	sessID := uuid.New().String()
	return &wsSession{
		id:   sessID,
		conn: conn,
		logger: logger.With(
			slog.String("sessionID", sessID),
		),
		writeMessages: make(chan wsWriteMessage),
		done:          make(chan struct{}),
		writeClosed:   make(chan struct{}),
	}
}

func (s *wsSession) ID() string { return s.id }

func (s *wsSession) Send(ctx context.Context, msg JSONRPCMessage) error {
	msgBs, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	wMsg := wsWriteMessage{
		msg:  msgBs,
		errs: make(chan error, 1),
	}

	// Queue the message so a single goroutine performs all connection writes.
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		s.logger.Warn("session is closed while feeding writeMessages channel", slog.String("message", string(msgBs)))
		return nil
	case s.writeMessages <- wMsg:
	}

	select {
	case err := <-wMsg.errs:
		if err != nil {
			s.logger.Error("get error result from write", slog.String("err", err.Error()))
		}
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		s.logger.Warn("session is closed while waiting for write result", slog.String("message", string(msgBs)))
		return nil
	}
}

func (s *wsSession) Messages() iter.Seq[JSONRPCMessage] {
	return func(yield func(JSONRPCMessage) bool) {
		for {
			_, data, err := s.conn.ReadMessage()
			if err != nil {
				select {
				case <-s.done:
				default:
					if websocket.IsUnexpectedCloseError(err,
						websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
						s.logger.Error("failed to read message", slog.String("err", err.Error()))
					}
				}
				return
			}

			msg, err := DecodeMessage(data)
			if err != nil {
				// Per-message decode error: report it and keep reading.
				s.logger.Error("failed to decode message", slog.String("err", err.Error()))
				continue
			}

			if !yield(msg) {
				return
			}
		}
	}
}

func (s *wsSession) Stop() {
	close(s.done)

	_ = s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(5*time.Second))
	s.conn.Close()

	<-s.writeClosed
}

func (s *wsSession) processWriteMessages() {
	defer close(s.writeClosed)

	for {
		var msg wsWriteMessage
		select {
		case <-s.done:
			return
		case msg = <-s.writeMessages:
		}

		msg.errs <- s.conn.WriteMessage(websocket.TextMessage, msg.msg)
	}
}
