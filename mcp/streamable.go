package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tmaxmax/go-sse"
)

// SessionIDHeader carries the streamable HTTP session identifier. The server
// mints the id on initialize and returns it in this header; clients echo it on
// every subsequent request.
const SessionIDHeader = "Mcp-Session-Id"

const streamKeepAliveInterval = 15 * time.Second

// StreamableHTTP implements the single-endpoint HTTP transport. Clients POST
// JSON-RPC messages to one endpoint; responses to requests are returned in the
// POST response body, while server-initiated messages ride an optional GET
// stream the client may open on the same endpoint.
//
// Instances should be created using NewStreamableHTTP and shut down with
// Shutdown.
type StreamableHTTP struct {
	logger *slog.Logger

	sessions chan *streamSession

	mu     sync.RWMutex
	active map[string]*streamSession

	done   chan struct{}
	closed chan struct{}
}

type streamSession struct {
	id     string
	logger *slog.Logger

	receivedMsgs chan JSONRPCMessage

	// pushMsgs carries server-initiated messages for the GET stream. The
	// buffer is bounded; when no reader keeps up, messages are dropped.
	pushMsgs chan JSONRPCMessage

	waitersMu sync.Mutex
	waiters   map[MustString]chan JSONRPCMessage

	done chan struct{}
}

// NewStreamableHTTP creates a new streamable HTTP transport.
func NewStreamableHTTP() *StreamableHTTP {
	return &StreamableHTTP{
		logger: slog.Default().With(
			slog.String("package", "mcp"),
			slog.String("transport", "streamable-http"),
		),
		sessions: make(chan *streamSession, 5),
		active:   make(map[string]*streamSession),
		done:     make(chan struct{}),
		closed:   make(chan struct{}),
	}
}

// Sessions implements the ServerTransport interface by yielding a new Session
// for every initialize request received by the handler.
func (s *StreamableHTTP) Sessions() iter.Seq[Session] {
	return func(yield func(Session) bool) {
		defer close(s.closed)

		for {
			select {
			case <-s.done:
				return
			case sess := <-s.sessions:
				if !yield(sess) {
					return
				}
			}
		}
	}
}

// Shutdown implements the ServerTransport interface.
func (s *StreamableHTTP) Shutdown(ctx context.Context) error {
	close(s.done)

	select {
	case <-ctx.Done():
		return fmt.Errorf("failed to close streamable HTTP transport: %w", ctx.Err())
	case <-s.closed:
	}
	return nil
}

// Handler returns the http.Handler serving the single MCP endpoint. POST
// carries one JSON-RPC message per request; GET opens the server push stream.
func (s *StreamableHTTP) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			s.handlePost(w, r)
		case http.MethodGet:
			s.handleGet(w, r)
		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	})
}

func (s *StreamableHTTP) handlePost(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}

	msg, err := DecodeMessage(body)
	if err != nil {
		s.logger.Warn("failed to decode message", slog.String("err", err.Error()))
		writeJSONRPCError(w, http.StatusBadRequest, msg.ID, jsonRPCParseErrorCode, err.Error())
		return
	}

	var sess *streamSession
	if msg.Method == methodInitialize {
		// Initialize mints the session; its id travels back in the response header.
		sess = s.newSession()

		select {
		case <-s.done:
			http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
			return
		case s.sessions <- sess:
		}

		w.Header().Set(SessionIDHeader, sess.id)
	} else {
		sessID := r.Header.Get(SessionIDHeader)
		if sessID == "" {
			http.Error(w, "missing session id", http.StatusBadRequest)
			return
		}
		s.mu.RLock()
		sess = s.active[sessID]
		s.mu.RUnlock()
		if sess == nil {
			http.Error(w, "unknown session id", http.StatusBadRequest)
			return
		}
	}

	if msg.Kind() != KindRequest {
		// Notifications and responses have no reply; deliver and accept.
		if err := sess.deliver(r.Context(), msg); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusAccepted)
		return
	}

	// Requests block until the engine produces the matching response, which is
	// then returned in this POST's body.
	waiter := sess.waitFor(msg.ID)
	defer sess.forget(msg.ID)

	if err := sess.deliver(r.Context(), msg); err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}

	select {
	case <-r.Context().Done():
		return
	case <-sess.done:
		http.Error(w, "session closed", http.StatusServiceUnavailable)
		return
	case res := <-waiter:
		resBs, err := json.Marshal(res)
		if err != nil {
			http.Error(w, "failed to marshal response", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(resBs)
	}
}

func (s *StreamableHTTP) handleGet(w http.ResponseWriter, r *http.Request) {
	sessID := r.Header.Get(SessionIDHeader)
	if sessID == "" {
		http.Error(w, "missing session id", http.StatusBadRequest)
		return
	}
	s.mu.RLock()
	sess := s.active[sessID]
	s.mu.RUnlock()
	if sess == nil {
		http.Error(w, "unknown session id", http.StatusBadRequest)
		return
	}

	sseSess, err := sse.Upgrade(w, r)
	if err != nil {
		nErr := fmt.Errorf("failed to upgrade session: %w", err)
		s.logger.Error("failed to upgrade session", "err", nErr)
		http.Error(w, nErr.Error(), http.StatusInternalServerError)
		return
	}

	keepAlive := time.NewTicker(streamKeepAliveInterval)
	defer keepAlive.Stop()

	for {
		var ev *sse.Message

		select {
		case <-r.Context().Done():
			return
		case <-sess.done:
			return
		case <-s.done:
			return
		case msg := <-sess.pushMsgs:
			msgBs, err := json.Marshal(msg)
			if err != nil {
				s.logger.Error("failed to marshal push message", slog.String("err", err.Error()))
				continue
			}
			ev = &sse.Message{Type: sse.Type("message")}
			ev.AppendData(string(msgBs))
		case <-keepAlive.C:
			// Comment-only event keeps intermediaries from timing the stream out.
			ev = &sse.Message{}
			ev.AppendComment("keepalive")
		}

		if err := sseSess.Send(ev); err != nil {
			s.logger.Warn("failed to send stream event", slog.String("err", err.Error()))
			return
		}
		if err := sseSess.Flush(); err != nil {
			s.logger.Warn("failed to flush stream event", slog.String("err", err.Error()))
			return
		}
	}
}

func (s *StreamableHTTP) newSession() *streamSession {
	sessID := uuid.New().String()
	sess := &streamSession{
		id: sessID,
		logger: s.logger.With(
			slog.String("sessionID", sessID),
		),
		receivedMsgs: make(chan JSONRPCMessage, 5),
		pushMsgs:     make(chan JSONRPCMessage, 10),
		waiters:      make(map[MustString]chan JSONRPCMessage),
		done:         make(chan struct{}),
	}

	s.mu.Lock()
	s.active[sessID] = sess
	s.mu.Unlock()

	// Drop the handler-side reference once the engine stops the session.
	go func() {
		select {
		case <-sess.done:
		case <-s.done:
		}
		s.mu.Lock()
		delete(s.active, sessID)
		s.mu.Unlock()
	}()

	return sess
}

func writeJSONRPCError(w http.ResponseWriter, status int, id MustString, code int, message string) {
	resBs, _ := json.Marshal(JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		ID:      id,
		Error: &JSONRPCError{
			Code:    code,
			Message: message,
		},
	})
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(resBs)
}

func (s *streamSession) ID() string { return s.id }

// Send routes a message from the engine either to the POST waiter expecting it
// or, when no request is waiting on its id, to the push stream. Push messages
// are dropped when the stream buffer is full.
func (s *streamSession) Send(_ context.Context, msg JSONRPCMessage) error {
	if msg.ID != "" {
		s.waitersMu.Lock()
		waiter, ok := s.waiters[msg.ID]
		if ok {
			delete(s.waiters, msg.ID)
		}
		s.waitersMu.Unlock()

		if ok {
			waiter <- msg
			return nil
		}
	}

	select {
	case s.pushMsgs <- msg:
	default:
		s.logger.Warn("push stream is full, dropping message",
			slog.String("method", msg.Method),
			slog.String("messageID", string(msg.ID)))
	}
	return nil
}

func (s *streamSession) Messages() iter.Seq[JSONRPCMessage] {
	return func(yield func(JSONRPCMessage) bool) {
		for {
			select {
			case <-s.done:
				return
			case msg := <-s.receivedMsgs:
				if !yield(msg) {
					return
				}
			}
		}
	}
}

func (s *streamSession) Stop() {
	close(s.done)
}

func (s *streamSession) deliver(ctx context.Context, msg JSONRPCMessage) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return fmt.Errorf("session is closed")
	case s.receivedMsgs <- msg:
		return nil
	}
}

// waitFor registers interest in the response to the given request id. The
// returned channel receives the response exactly once.
func (s *streamSession) waitFor(id MustString) <-chan JSONRPCMessage {
	ch := make(chan JSONRPCMessage, 1)
	s.waitersMu.Lock()
	s.waiters[id] = ch
	s.waitersMu.Unlock()
	return ch
}

func (s *streamSession) forget(id MustString) {
	s.waitersMu.Lock()
	delete(s.waiters, id)
	s.waitersMu.Unlock()
}
