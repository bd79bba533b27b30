package mcp_test

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	mcp "github.com/odookit/odoo-mcp/mcp"
)

func TestWebSocketRoundTrip(t *testing.T) {
	transport := mcp.NewWebSocket()
	httpSrv := httptest.NewServer(transport.Handler())
	defer httpSrv.Close()

	srv := mcp.NewServer(mcp.Info{Name: "odoo-mcp", Version: "1.0.0"}, transport,
		mcp.WithToolServer(fakeToolServer{}),
		mcp.WithPromptServer(fakePromptServer{}))
	go srv.Serve()

	wsURL := "ws" + strings.TrimPrefix(httpSrv.URL, "http")
	cli := mcp.NewClient(mcp.Info{Name: "test", Version: "0.1.0"}, mcp.NewWebSocketClient(wsURL))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := cli.Connect(ctx); err != nil {
		t.Fatalf("failed to connect: %v", err)
	}

	if cli.ServerInfo().Name != "odoo-mcp" {
		t.Errorf("unexpected server name %s", cli.ServerInfo().Name)
	}
	if cli.ServerCapabilities().Tools == nil {
		t.Error("expected tools capability to be advertised")
	}

	tools, err := cli.ListTools(ctx, mcp.ListToolsParams{})
	if err != nil {
		t.Fatalf("failed to list tools: %v", err)
	}
	if len(tools.Tools) != 1 || tools.Tools[0].Name != "odoo_search" {
		t.Errorf("unexpected tool list: %+v", tools.Tools)
	}

	result, err := cli.CallTool(ctx, mcp.CallToolParams{
		Name:      "odoo_search",
		Arguments: json.RawMessage(`{}`),
	})
	if err != nil {
		t.Fatalf("failed to call tool: %v", err)
	}
	if result.IsError {
		t.Errorf("unexpected tool error: %+v", result.Content)
	}

	prompt, err := cli.GetPrompt(ctx, mcp.GetPromptParams{Name: "odoo_common_models"})
	if err != nil {
		t.Fatalf("failed to get prompt: %v", err)
	}
	if len(prompt.Messages) != 1 {
		t.Errorf("unexpected prompt messages: %+v", prompt.Messages)
	}

	cli.Close()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		t.Errorf("failed to shutdown server: %v", err)
	}
}

func TestWebSocketInstanceCapability(t *testing.T) {
	transport := mcp.NewWebSocket()
	httpSrv := httptest.NewServer(transport.Handler())
	defer httpSrv.Close()

	srv := mcp.NewServer(mcp.Info{Name: "odoo-mcp", Version: "1.0.0"}, transport,
		mcp.WithToolServer(fakeToolServer{}),
		mcp.WithInstanceNames([]string{"production", "staging"}))
	go srv.Serve()

	wsURL := "ws" + strings.TrimPrefix(httpSrv.URL, "http")
	cli := mcp.NewClient(mcp.Info{Name: "test", Version: "0.1.0"}, mcp.NewWebSocketClient(wsURL))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := cli.Connect(ctx); err != nil {
		t.Fatalf("failed to connect: %v", err)
	}

	exp := cli.ServerCapabilities().Experimental
	if exp == nil {
		t.Fatal("expected experimental capabilities")
	}
	odoo, ok := exp["odooInstances"].(map[string]any)
	if !ok {
		t.Fatalf("expected odooInstances capability, got %+v", exp)
	}
	available, ok := odoo["available"].([]any)
	if !ok || len(available) != 2 {
		t.Errorf("unexpected available instances: %+v", odoo["available"])
	}

	cli.Close()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		t.Errorf("failed to shutdown server: %v", err)
	}
}
