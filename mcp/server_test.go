package mcp_test

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"strings"
	"testing"
	"time"

	mcp "github.com/odookit/odoo-mcp/mcp"
)

type fakeToolServer struct{}

func (fakeToolServer) ListTools(context.Context, mcp.ListToolsParams) (mcp.ListToolsResult, error) {
	return mcp.ListToolsResult{
		Tools: []mcp.Tool{
			{
				Name:        "odoo_search",
				Description: "Search record ids",
				InputSchema: json.RawMessage(`{"type":"object"}`),
			},
		},
	}, nil
}

func (fakeToolServer) CallTool(_ context.Context, params mcp.CallToolParams) (mcp.CallToolResult, error) {
	if params.Name == "boom" {
		return mcp.CallToolResult{}, errors.New("tool boom failed")
	}
	return mcp.CallToolResult{
		Content: []mcp.Content{{Type: "text", Text: "ok"}},
	}, nil
}

type fakePromptServer struct{}

func (fakePromptServer) ListPrompts(context.Context, mcp.ListPromptsParams) (mcp.ListPromptResult, error) {
	return mcp.ListPromptResult{
		Prompts: []mcp.Prompt{{Name: "odoo_common_models"}},
	}, nil
}

func (fakePromptServer) GetPrompt(_ context.Context, params mcp.GetPromptParams) (mcp.GetPromptResult, error) {
	if params.Name != "odoo_common_models" {
		return mcp.GetPromptResult{}, fmt.Errorf("prompt not found: %s", params.Name)
	}
	return mcp.GetPromptResult{
		Description: "Common models",
		Messages: []mcp.PromptMessage{
			{Role: "user", Content: mcp.Content{Type: "text", Text: "res.partner"}},
		},
	}, nil
}

type chanToolUpdater struct {
	ch chan struct{}
}

func (u chanToolUpdater) ToolListUpdates() iter.Seq[struct{}] {
	return func(yield func(struct{}) bool) {
		for range u.ch {
			if !yield(struct{}{}) {
				return
			}
		}
	}
}

// rawPipe drives a stdio server with raw JSON lines, reading responses off the
// server's write side.
type rawPipe struct {
	t   *testing.T
	in  io.Writer
	out *bufio.Reader
}

func startStdIOServer(t *testing.T, options ...mcp.ServerOption) (*rawPipe, func()) {
	t.Helper()

	serverReader, clientWriter := io.Pipe()
	clientReader, serverWriter := io.Pipe()

	transport := mcp.NewStdIO(serverReader, serverWriter)

	options = append(options, mcp.WithToolServer(fakeToolServer{}), mcp.WithPromptServer(fakePromptServer{}))
	srv := mcp.NewServer(mcp.Info{Name: "odoo-mcp", Version: "1.0.0"}, transport, options...)
	go srv.Serve()

	cleanup := func() {
		clientWriter.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			t.Errorf("failed to shutdown server: %v", err)
		}
	}

	return &rawPipe{
		t:   t,
		in:  clientWriter,
		out: bufio.NewReader(clientReader),
	}, cleanup
}

func (p *rawPipe) send(msg mcp.JSONRPCMessage) {
	p.t.Helper()

	bs, err := json.Marshal(msg)
	if err != nil {
		p.t.Fatalf("failed to marshal message: %v", err)
	}
	if _, err := p.in.Write(append(bs, '\n')); err != nil {
		p.t.Fatalf("failed to write message: %v", err)
	}
}

func (p *rawPipe) recv() mcp.JSONRPCMessage {
	p.t.Helper()

	lines := make(chan string, 1)
	errs := make(chan error, 1)
	go func() {
		line, err := p.out.ReadString('\n')
		if err != nil {
			errs <- err
			return
		}
		lines <- line
	}()

	select {
	case <-time.After(5 * time.Second):
		p.t.Fatal("timed out waiting for response")
	case err := <-errs:
		p.t.Fatalf("failed to read response: %v", err)
	case line := <-lines:
		var msg mcp.JSONRPCMessage
		if err := json.Unmarshal([]byte(strings.TrimSuffix(line, "\n")), &msg); err != nil {
			p.t.Fatalf("failed to unmarshal response: %v", err)
		}
		return msg
	}
	return mcp.JSONRPCMessage{}
}

func (p *rawPipe) initialize(version string) mcp.JSONRPCMessage {
	p.t.Helper()

	params := map[string]any{
		"clientInfo": map[string]any{"name": "test", "version": "0.1.0"},
	}
	if version != "" {
		params["protocolVersion"] = version
	}
	paramsBs, _ := json.Marshal(params)

	p.send(mcp.JSONRPCMessage{
		JSONRPC: mcp.JSONRPCVersion,
		ID:      mcp.MustString("init"),
		Method:  "initialize",
		Params:  paramsBs,
	})
	return p.recv()
}

// confirmInitialized sends the initialized notification completing the
// handshake. Notifications get no response, so there is nothing to read.
func (p *rawPipe) confirmInitialized() {
	p.t.Helper()
	p.send(mcp.JSONRPCMessage{
		JSONRPC: mcp.JSONRPCVersion,
		Method:  "notifications/initialized",
	})
}

func TestInitializeEchoesProtocolVersion(t *testing.T) {
	pipe, cleanup := startStdIOServer(t)
	defer cleanup()

	res := pipe.initialize("2025-03-26")
	if res.Error != nil {
		t.Fatalf("unexpected error: %v", res.Error)
	}

	var result struct {
		ProtocolVersion string `json:"protocolVersion"`
		ServerInfo      struct {
			Name string `json:"name"`
		} `json:"serverInfo"`
	}
	if err := json.Unmarshal(res.Result, &result); err != nil {
		t.Fatalf("failed to unmarshal result: %v", err)
	}
	if result.ProtocolVersion != "2025-03-26" {
		t.Errorf("expected protocol version to be echoed, got %s", result.ProtocolVersion)
	}
	if result.ServerInfo.Name != "odoo-mcp" {
		t.Errorf("unexpected server name %s", result.ServerInfo.Name)
	}
}

func TestInitializeFallsBackToDefaultVersion(t *testing.T) {
	pipe, cleanup := startStdIOServer(t, mcp.WithProtocolVersionDefault("2024-11-05"))
	defer cleanup()

	res := pipe.initialize("")
	if res.Error != nil {
		t.Fatalf("unexpected error: %v", res.Error)
	}

	var result struct {
		ProtocolVersion string `json:"protocolVersion"`
	}
	if err := json.Unmarshal(res.Result, &result); err != nil {
		t.Fatalf("failed to unmarshal result: %v", err)
	}
	if result.ProtocolVersion != "2024-11-05" {
		t.Errorf("expected default protocol version, got %s", result.ProtocolVersion)
	}
}

func TestDoubleInitializeFails(t *testing.T) {
	pipe, cleanup := startStdIOServer(t)
	defer cleanup()

	if res := pipe.initialize("2024-11-05"); res.Error != nil {
		t.Fatalf("unexpected error: %v", res.Error)
	}

	res := pipe.initialize("2024-11-05")
	if res.Error == nil {
		t.Fatal("expected second initialize to fail")
	}
	if !strings.Contains(res.Error.Message, "already initialized") {
		t.Errorf("unexpected error message: %s", res.Error.Message)
	}
}

func TestPreHandshakeGating(t *testing.T) {
	pipe, cleanup := startStdIOServer(t)
	defer cleanup()

	// Calls are rejected before the handshake.
	pipe.send(mcp.JSONRPCMessage{
		JSONRPC: mcp.JSONRPCVersion,
		ID:      mcp.MustString("1"),
		Method:  "tools/call",
		Params:  json.RawMessage(`{"name":"odoo_search","arguments":{}}`),
	})
	res := pipe.recv()
	if res.Error == nil {
		t.Fatal("expected pre-handshake tools/call to fail")
	}
	if res.Error.Code != -32002 {
		t.Errorf("expected server-not-initialized code, got %d", res.Error.Code)
	}

	// List methods stay available for eager discovery.
	pipe.send(mcp.JSONRPCMessage{
		JSONRPC: mcp.JSONRPCVersion,
		ID:      mcp.MustString("2"),
		Method:  "tools/list",
	})
	res = pipe.recv()
	if res.Error != nil {
		t.Fatalf("expected pre-handshake tools/list to succeed, got %v", res.Error)
	}

	var result struct {
		Tools []mcp.Tool `json:"tools"`
	}
	if err := json.Unmarshal(res.Result, &result); err != nil {
		t.Fatalf("failed to unmarshal result: %v", err)
	}
	if len(result.Tools) != 1 || result.Tools[0].Name != "odoo_search" {
		t.Errorf("unexpected tool list: %+v", result.Tools)
	}
}

func TestCallRejectedBetweenInitializeAndInitialized(t *testing.T) {
	pipe, cleanup := startStdIOServer(t)
	defer cleanup()

	if res := pipe.initialize("2024-11-05"); res.Error != nil {
		t.Fatalf("unexpected error: %v", res.Error)
	}

	// The handshake is not complete until the initialized notification
	// arrives, so dispatch stays gated.
	pipe.send(mcp.JSONRPCMessage{
		JSONRPC: mcp.JSONRPCVersion,
		ID:      mcp.MustString("1"),
		Method:  "tools/call",
		Params:  json.RawMessage(`{"name":"odoo_search","arguments":{}}`),
	})
	res := pipe.recv()
	if res.Error == nil {
		t.Fatal("expected tools/call before the initialized notification to fail")
	}
	if res.Error.Code != -32002 {
		t.Errorf("expected server-not-initialized code, got %d", res.Error.Code)
	}

	pipe.confirmInitialized()

	pipe.send(mcp.JSONRPCMessage{
		JSONRPC: mcp.JSONRPCVersion,
		ID:      mcp.MustString("2"),
		Method:  "tools/call",
		Params:  json.RawMessage(`{"name":"odoo_search","arguments":{}}`),
	})
	if res := pipe.recv(); res.Error != nil {
		t.Fatalf("expected tools/call after the initialized notification to succeed, got %v", res.Error)
	}
}

func TestFailedInitializeAllowsRetry(t *testing.T) {
	pipe, cleanup := startStdIOServer(t)
	defer cleanup()

	// A non-string protocolVersion fails params decoding; the session must
	// stay uninitialized so the client can retry.
	pipe.send(mcp.JSONRPCMessage{
		JSONRPC: mcp.JSONRPCVersion,
		ID:      mcp.MustString("bad"),
		Method:  "initialize",
		Params:  json.RawMessage(`{"protocolVersion":123}`),
	})
	res := pipe.recv()
	if res.Error == nil {
		t.Fatal("expected malformed initialize to fail")
	}
	if res.Error.Code != -32602 {
		t.Errorf("expected invalid-params code, got %d", res.Error.Code)
	}

	if res := pipe.initialize("2024-11-05"); res.Error != nil {
		t.Fatalf("expected initialize retry to succeed, got %v", res.Error)
	}
	pipe.confirmInitialized()

	pipe.send(mcp.JSONRPCMessage{
		JSONRPC: mcp.JSONRPCVersion,
		ID:      mcp.MustString("1"),
		Method:  "tools/call",
		Params:  json.RawMessage(`{"name":"odoo_search","arguments":{}}`),
	})
	if res := pipe.recv(); res.Error != nil {
		t.Fatalf("expected tools/call after retry to succeed, got %v", res.Error)
	}
}

func TestStrayResponsesDoNotStallSession(t *testing.T) {
	pipe, cleanup := startStdIOServer(t)
	defer cleanup()

	if res := pipe.initialize(""); res.Error != nil {
		t.Fatalf("unexpected error: %v", res.Error)
	}
	pipe.confirmInitialized()

	// With pings disabled, inbound responses are protocol violations; the
	// server logs them and keeps serving. More than the old pong buffer to
	// prove none of them accumulates anywhere.
	for i := 0; i < 12; i++ {
		pipe.send(mcp.JSONRPCMessage{
			JSONRPC: mcp.JSONRPCVersion,
			ID:      mcp.MustString(fmt.Sprintf("stray-%d", i)),
			Result:  json.RawMessage(`{}`),
		})
	}

	pipe.send(mcp.JSONRPCMessage{
		JSONRPC: mcp.JSONRPCVersion,
		ID:      mcp.MustString("after"),
		Method:  "tools/list",
	})
	if res := pipe.recv(); res.Error != nil {
		t.Fatalf("expected tools/list to succeed after stray responses, got %v", res.Error)
	}
}

func TestCallToolFailureBecomesResult(t *testing.T) {
	pipe, cleanup := startStdIOServer(t)
	defer cleanup()

	if res := pipe.initialize(""); res.Error != nil {
		t.Fatalf("unexpected error: %v", res.Error)
	}
	pipe.confirmInitialized()

	pipe.send(mcp.JSONRPCMessage{
		JSONRPC: mcp.JSONRPCVersion,
		ID:      mcp.MustString("1"),
		Method:  "tools/call",
		Params:  json.RawMessage(`{"name":"boom","arguments":{}}`),
	})
	res := pipe.recv()
	if res.Error != nil {
		t.Fatalf("tool failure must not be an RPC error, got %v", res.Error)
	}

	var result mcp.CallToolResult
	if err := json.Unmarshal(res.Result, &result); err != nil {
		t.Fatalf("failed to unmarshal result: %v", err)
	}
	if !result.IsError {
		t.Error("expected isError to be set")
	}
	if len(result.Content) == 0 || !strings.Contains(result.Content[0].Text, "boom") {
		t.Errorf("unexpected content: %+v", result.Content)
	}
}

func TestUnknownMethodReturnsMethodNotFound(t *testing.T) {
	pipe, cleanup := startStdIOServer(t)
	defer cleanup()

	if res := pipe.initialize(""); res.Error != nil {
		t.Fatalf("unexpected error: %v", res.Error)
	}

	pipe.send(mcp.JSONRPCMessage{
		JSONRPC: mcp.JSONRPCVersion,
		ID:      mcp.MustString("1"),
		Method:  "tools/destroy",
	})
	res := pipe.recv()
	if res.Error == nil {
		t.Fatal("expected unknown method to fail")
	}
	if res.Error.Code != -32601 {
		t.Errorf("expected method-not-found code, got %d", res.Error.Code)
	}
}

func TestShutdownAndExitEndSession(t *testing.T) {
	serverReader, clientWriter := io.Pipe()
	clientReader, serverWriter := io.Pipe()

	transport := mcp.NewStdIO(serverReader, serverWriter)
	srv := mcp.NewServer(mcp.Info{Name: "odoo-mcp", Version: "1.0.0"}, transport,
		mcp.WithToolServer(fakeToolServer{}))

	served := make(chan struct{})
	go func() {
		srv.Serve()
		close(served)
	}()

	pipe := &rawPipe{t: t, in: clientWriter, out: bufio.NewReader(clientReader)}

	if res := pipe.initialize(""); res.Error != nil {
		t.Fatalf("unexpected error: %v", res.Error)
	}
	pipe.confirmInitialized()

	pipe.send(mcp.JSONRPCMessage{
		JSONRPC: mcp.JSONRPCVersion,
		ID:      mcp.MustString("sd"),
		Method:  "shutdown",
	})
	res := pipe.recv()
	if res.Error != nil {
		t.Fatalf("unexpected shutdown error: %v", res.Error)
	}
	if string(res.Result) != "{}" {
		t.Errorf("expected empty shutdown result, got %s", res.Result)
	}

	pipe.send(mcp.JSONRPCMessage{
		JSONRPC: mcp.JSONRPCVersion,
		Method:  "exit",
	})

	// The exit notification ends the session, which ends the single-session
	// stdio serve loop.
	select {
	case <-served:
	case <-time.After(5 * time.Second):
		t.Fatal("serve loop did not end after exit notification")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		t.Errorf("failed to shutdown server: %v", err)
	}
}
