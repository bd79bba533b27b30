// Package gateway bridges the MCP tool surface to Odoo backends. It turns
// registry tool definitions into MCP tools, resolves their arguments through
// JSON pointers, and executes the mapped operation against the addressed
// instance.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"log/slog"
	"sync"

	"github.com/odookit/odoo-mcp/mcp"
	"github.com/odookit/odoo-mcp/odoo"
	"github.com/odookit/odoo-mcp/registry"
)

// Server serves tools, prompts, and resources defined by the registry. It
// implements mcp.ToolServer, mcp.PromptServer, and mcp.ResourceServer, plus
// the list-changed updaters driven by registry reloads.
type Server struct {
	reg    *registry.Registry
	pool   *ClientPool
	cache  *MetadataCache
	logger *slog.Logger

	mu            sync.Mutex
	closed        bool
	toolUpdates   chan struct{}
	promptUpdates chan struct{}
}

// New wires a gateway over the registry and backend configuration. Registry
// reloads are forwarded to both updater streams so connected clients refetch
// their tool and prompt lists.
func New(reg *registry.Registry, cfg odoo.Config, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		reg:           reg,
		pool:          NewClientPool(cfg),
		cache:         NewMetadataCache(),
		logger:        logger.With(slog.String("package", "gateway")),
		toolUpdates:   make(chan struct{}, 1),
		promptUpdates: make(chan struct{}, 1),
	}
	reg.OnReload(s.notifyListChanged)
	return s
}

// Close ends the updater streams. Call before shutting down the MCP server so
// its update listeners can drain and exit.
func (s *Server) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.toolUpdates)
	close(s.promptUpdates)
}

func (s *Server) notifyListChanged() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.toolUpdates <- struct{}{}:
	default:
	}
	select {
	case s.promptUpdates <- struct{}{}:
	default:
	}
}

// ToolListUpdates implements mcp.ToolListUpdater.
func (s *Server) ToolListUpdates() iter.Seq[struct{}] {
	return func(yield func(struct{}) bool) {
		for range s.toolUpdates {
			if !yield(struct{}{}) {
				return
			}
		}
	}
}

// PromptListUpdates implements mcp.PromptListUpdater.
func (s *Server) PromptListUpdates() iter.Seq[struct{}] {
	return func(yield func(struct{}) bool) {
		for range s.promptUpdates {
			if !yield(struct{}{}) {
				return
			}
		}
	}
}

// ListTools implements mcp.ToolServer. Guarded tools are omitted while their
// enabling environment variable is unset.
func (s *Server) ListTools(_ context.Context, _ mcp.ListToolsParams) (mcp.ListToolsResult, error) {
	defs := s.reg.ListTools()
	tools := make([]mcp.Tool, 0, len(defs))
	for _, def := range defs {
		tools = append(tools, mcp.Tool{
			Name:        def.Name,
			Description: def.Description,
			InputSchema: def.InputSchema,
		})
	}
	return mcp.ListToolsResult{Tools: tools}, nil
}

// CallTool implements mcp.ToolServer. Tool-level failures (unknown tool,
// invalid arguments, backend errors) come back as isError results rather
// than protocol errors, so the calling model can read and react to them.
func (s *Server) CallTool(ctx context.Context, params mcp.CallToolParams) (mcp.CallToolResult, error) {
	def, ok := s.reg.Tool(params.Name)
	if !ok {
		return errorResult(params.Name, "Unknown or disabled tool"), nil
	}

	var args any
	if len(params.Arguments) > 0 {
		if err := json.Unmarshal(params.Arguments, &args); err != nil {
			return errorResult(params.Name, fmt.Sprintf("arguments are not valid JSON: %v", err)), nil
		}
	}

	payload, err := s.executeOp(ctx, def.Op, args)
	if err != nil {
		s.logger.Warn("tool call failed",
			slog.String("tool", params.Name),
			slog.String("op", def.Op.Type),
			slog.String("error", err.Error()))
		return errorResult(params.Name, err.Error()), nil
	}
	return textResult(payload)
}

// ListPrompts implements mcp.PromptServer.
func (s *Server) ListPrompts(_ context.Context, _ mcp.ListPromptsParams) (mcp.ListPromptResult, error) {
	defs := s.reg.ListPrompts()
	prompts := make([]mcp.Prompt, 0, len(defs))
	for _, def := range defs {
		prompts = append(prompts, mcp.Prompt{
			Name:        def.Name,
			Description: def.Description,
		})
	}
	return mcp.ListPromptResult{Prompts: prompts}, nil
}

// GetPrompt implements mcp.PromptServer. Unknown prompts are protocol errors.
func (s *Server) GetPrompt(_ context.Context, params mcp.GetPromptParams) (mcp.GetPromptResult, error) {
	def, ok := s.reg.Prompt(params.Name)
	if !ok {
		return mcp.GetPromptResult{}, fmt.Errorf("unknown prompt: %s", params.Name)
	}
	return mcp.GetPromptResult{
		Description: def.Description,
		Messages: []mcp.PromptMessage{
			{
				Role: mcp.RoleUser,
				Content: mcp.Content{
					Type: mcp.ContentTypeText,
					Text: def.Content,
				},
			},
		},
	}, nil
}

// errorResult wraps a tool-level failure as an isError text payload.
func errorResult(tool, message string) mcp.CallToolResult {
	payload, _ := json.MarshalIndent(map[string]string{
		"error": message,
		"tool":  tool,
	}, "", "  ")
	return mcp.CallToolResult{
		Content: []mcp.Content{{Type: mcp.ContentTypeText, Text: string(payload)}},
		IsError: true,
	}
}

// textResult pretty-prints the payload into a single text content block.
func textResult(payload any) (mcp.CallToolResult, error) {
	text, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return mcp.CallToolResult{}, fmt.Errorf("encoding tool result: %w", err)
	}
	return mcp.CallToolResult{
		Content: []mcp.Content{{Type: mcp.ContentTypeText, Text: string(text)}},
	}, nil
}
