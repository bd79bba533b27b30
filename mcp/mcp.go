package mcp

import (
	"context"
	"iter"
)

// ServerTransport provides the server-side communication layer in the MCP protocol.
type ServerTransport interface {
	// Sessions returns an iterator that yields new client sessions as they are initiated.
	// Each yielded Session represents a unique client connection and provides methods for
	// bidirectional communication. The implementation must guarantee that each session ID
	// is unique across all active connections.
	//
	// The implementation should exit the iteration when the Shutdown method is called.
	Sessions() iter.Seq[Session]

	// Shutdown gracefully shuts down the ServerTransport to clean up resources. The
	// implementations should not close all the Session it produce, the caller would
	// already do that when calling this method. The caller is guaranteed to call this
	// method only once.
	Shutdown(ctx context.Context) error
}

// ClientTransport provides the client-side communication layer in the MCP protocol.
type ClientTransport interface {
	// StartSession initiates a new session with the server and returns it. Operations
	// are canceled when the context is canceled, and appropriate errors are returned
	// for connection or protocol failures.
	StartSession(ctx context.Context) (Session, error)
}

// Session represents a bidirectional communication channel between server and client.
type Session interface {
	// ID returns the unique identifier for this session. The implementation must
	// guarantee that session IDs are unique across all active sessions managed.
	ID() string

	// Send transmits a message to the other party.
	Send(ctx context.Context, msg JSONRPCMessage) error

	// Messages returns an iterator that yields messages received from the other party.
	// The implementations should exit the iteration if the session is closed.
	Messages() iter.Seq[JSONRPCMessage]

	// Stop stops the session.
	// The implementation should not call this, as the caller is guaranteed to call
	// this method once.
	Stop()
}

// ToolServer defines the interface for managing tools in the MCP protocol.
type ToolServer interface {
	// ListTools returns the list of tools currently visible to callers.
	// Returns error if operation fails or context is cancelled.
	ListTools(ctx context.Context, params ListToolsParams) (ListToolsResult, error)

	// CallTool executes a specific tool with the given arguments. Application-level
	// failures are reported through CallToolResult.IsError rather than an error
	// return; an error return is reserved for protocol-level faults.
	CallTool(ctx context.Context, params CallToolParams) (CallToolResult, error)
}

// ToolListUpdater provides an interface for monitoring changes to the available tools list.
//
// The notifications are used by the MCP server to inform connected clients about tool list
// changes via the "notifications/tools/list_changed" method. Clients can then refresh their
// cached tool lists by calling ListTools again.
//
// A struct{} is sent through the iterator as only the notification matters, not the value.
type ToolListUpdater interface {
	ToolListUpdates() iter.Seq[struct{}]
}

// PromptServer defines the interface for managing prompts in the MCP protocol.
type PromptServer interface {
	// ListPrompts returns the list of available prompts.
	// Returns error if operation fails or context is cancelled.
	ListPrompts(ctx context.Context, params ListPromptsParams) (ListPromptResult, error)

	// GetPrompt retrieves a specific prompt by name.
	// Returns error if the prompt is not found or context is cancelled.
	GetPrompt(ctx context.Context, params GetPromptParams) (GetPromptResult, error)
}

// PromptListUpdater provides an interface for monitoring changes to the available prompts list.
//
// The notifications are used by the MCP server to inform connected clients about prompt list
// changes via the "notifications/prompts/list_changed" method.
//
// A struct{} is sent through the iterator as only the notification matters, not the value.
type PromptListUpdater interface {
	PromptListUpdates() iter.Seq[struct{}]
}

// ResourceServer defines the interface for managing resources in the MCP protocol.
type ResourceServer interface {
	// ListResources returns the list of available resources.
	// Returns error if operation fails or context is cancelled.
	ListResources(ctx context.Context, params ListResourcesParams) (ListResourcesResult, error)

	// ReadResource retrieves a specific resource by its URI.
	// Returns error if resource not found, cannot be read, or context is cancelled.
	ReadResource(ctx context.Context, params ReadResourceParams) (ReadResourceResult, error)
}
