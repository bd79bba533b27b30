package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Client is a compact MCP client speaking the initialize handshake and the
// request methods over any ClientTransport. It backs the package tests and the
// smoke-probe command; it is not a general-purpose MCP client.
type Client struct {
	info      Info
	transport ClientTransport
	logger    *slog.Logger

	sess Session

	// Populated by Connect from the server's initialize result.
	protocolVersion string
	serverInfo      Info
	capabilities    ServerCapabilities
	instructions    string

	pendingMu sync.Mutex
	pending   map[MustString]chan JSONRPCMessage

	closed chan struct{}
}

// ClientOption represents the options for the client.
type ClientOption func(*Client)

// NewClient creates a new MCP client with the specified configuration. Connect
// must be called before any request method.
func NewClient(info Info, transport ClientTransport, options ...ClientOption) *Client {
	c := &Client{
		info:      info,
		transport: transport,
		logger:    slog.Default(),
		pending:   make(map[MustString]chan JSONRPCMessage),
		closed:    make(chan struct{}),
	}
	for _, opt := range options {
		opt(c)
	}
	return c
}

// WithClientLogger sets the logger for the client.
func WithClientLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger.With(
			slog.String("package", "mcp"),
			slog.String("component", "client"),
		)
	}
}

// Connect starts the transport session and performs the initialize handshake,
// followed by the initialized notification.
func (c *Client) Connect(ctx context.Context) error {
	sess, err := c.transport.StartSession(ctx)
	if err != nil {
		return fmt.Errorf("failed to start session: %w", err)
	}
	c.sess = sess

	go c.listen()

	params, err := json.Marshal(initializeParams{
		ProtocolVersion: defaultProtocolVersion,
		ClientInfo:      c.info,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal initialize params: %w", err)
	}

	resBs, err := c.request(ctx, methodInitialize, params)
	if err != nil {
		return fmt.Errorf("failed to initialize: %w", err)
	}

	var res initializeResult
	if err := json.Unmarshal(resBs, &res); err != nil {
		return fmt.Errorf("failed to unmarshal initialize result: %w", err)
	}
	c.protocolVersion = res.ProtocolVersion
	c.serverInfo = res.ServerInfo
	c.capabilities = res.Capabilities
	c.instructions = res.Instructions

	if err := c.sess.Send(ctx, JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		Method:  methodNotificationsInitialized,
	}); err != nil {
		return fmt.Errorf("failed to send initialized notification: %w", err)
	}

	return nil
}

// ProtocolVersion returns the protocol version negotiated during Connect.
func (c *Client) ProtocolVersion() string { return c.protocolVersion }

// ServerInfo returns the server identity received during Connect.
func (c *Client) ServerInfo() Info { return c.serverInfo }

// ServerCapabilities returns the capabilities received during Connect.
func (c *Client) ServerCapabilities() ServerCapabilities { return c.capabilities }

// ListTools retrieves the list of tools from the server.
func (c *Client) ListTools(ctx context.Context, params ListToolsParams) (ListToolsResult, error) {
	var res ListToolsResult
	err := c.call(ctx, MethodToolsList, params, &res)
	return res, err
}

// CallTool invokes a tool on the server.
func (c *Client) CallTool(ctx context.Context, params CallToolParams) (CallToolResult, error) {
	var res CallToolResult
	err := c.call(ctx, MethodToolsCall, params, &res)
	return res, err
}

// ListPrompts retrieves the list of prompts from the server.
func (c *Client) ListPrompts(ctx context.Context, params ListPromptsParams) (ListPromptResult, error) {
	var res ListPromptResult
	err := c.call(ctx, MethodPromptsList, params, &res)
	return res, err
}

// GetPrompt retrieves a prompt from the server.
func (c *Client) GetPrompt(ctx context.Context, params GetPromptParams) (GetPromptResult, error) {
	var res GetPromptResult
	err := c.call(ctx, MethodPromptsGet, params, &res)
	return res, err
}

// ListResources retrieves the list of resources from the server.
func (c *Client) ListResources(ctx context.Context, params ListResourcesParams) (ListResourcesResult, error) {
	var res ListResourcesResult
	err := c.call(ctx, MethodResourcesList, params, &res)
	return res, err
}

// ReadResource reads a resource from the server.
func (c *Client) ReadResource(ctx context.Context, params ReadResourceParams) (ReadResourceResult, error) {
	var res ReadResourceResult
	err := c.call(ctx, MethodResourcesRead, params, &res)
	return res, err
}

// Shutdown asks the server to wind the session down. The session itself stays
// open until Close sends the exit notification.
func (c *Client) Shutdown(ctx context.Context) error {
	_, err := c.request(ctx, MethodShutdown, nil)
	return err
}

// Close sends the exit notification and stops the session.
func (c *Client) Close() {
	close(c.closed)

	if c.sess != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := c.sess.Send(ctx, JSONRPCMessage{
			JSONRPC: JSONRPCVersion,
			Method:  methodNotificationsExit,
		}); err != nil {
			c.logger.Warn("failed to send exit notification", slog.String("err", err.Error()))
		}
		cancel()

		c.sess.Stop()
	}
}

func (c *Client) call(ctx context.Context, method string, params any, result any) error {
	paramsBs, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("failed to marshal params: %w", err)
	}

	resBs, err := c.request(ctx, method, paramsBs)
	if err != nil {
		return err
	}

	if err := json.Unmarshal(resBs, result); err != nil {
		return fmt.Errorf("failed to unmarshal result: %w", err)
	}
	return nil
}

func (c *Client) request(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, error) {
	if c.sess == nil {
		return nil, errors.New("client is not connected")
	}

	msgID := MustString(uuid.New().String())

	results := make(chan JSONRPCMessage, 1)
	c.pendingMu.Lock()
	c.pending[msgID] = results
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, msgID)
		c.pendingMu.Unlock()
	}()

	if err := c.sess.Send(ctx, JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		ID:      msgID,
		Method:  method,
		Params:  params,
	}); err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.closed:
		return nil, errors.New("client is closed")
	case res := <-results:
		if res.Error != nil {
			return nil, *res.Error
		}
		return res.Result, nil
	}
}

func (c *Client) listen() {
	for msg := range c.sess.Messages() {
		switch {
		case msg.Method == methodPing:
			go func(msgID MustString) {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := c.sess.Send(ctx, JSONRPCMessage{
					JSONRPC: JSONRPCVersion,
					ID:      msgID,
				}); err != nil {
					c.logger.Error("failed to send pong", slog.String("err", err.Error()))
				}
			}(msg.ID)
		case msg.Kind() == KindResponse:
			c.pendingMu.Lock()
			results, ok := c.pending[msg.ID]
			c.pendingMu.Unlock()
			if !ok {
				c.logger.Warn("received response with unknown id", slog.String("messageID", string(msg.ID)))
				continue
			}
			results <- msg
		default:
			// Server notifications (list_changed) are observable but carry no
			// state the compact client tracks.
			c.logger.Info("received server message", slog.String("method", msg.Method))
		}
	}
}
