package mcp_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/tmaxmax/go-sse"

	mcp "github.com/odookit/odoo-mcp/mcp"
)

func postJSON(t *testing.T, url, sessID, body string) *http.Response {
	t.Helper()

	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader([]byte(body)))
	if err != nil {
		t.Fatalf("failed to create request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if sessID != "" {
		req.Header.Set(mcp.SessionIDHeader, sessID)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("failed to post message: %v", err)
	}
	return resp
}

func TestStreamableHTTPSessionLifecycle(t *testing.T) {
	transport := mcp.NewStreamableHTTP()
	httpSrv := httptest.NewServer(transport.Handler())
	defer httpSrv.Close()

	updater := chanToolUpdater{ch: make(chan struct{})}
	srv := mcp.NewServer(mcp.Info{Name: "odoo-mcp", Version: "1.0.0"}, transport,
		mcp.WithToolServer(fakeToolServer{}),
		mcp.WithToolListUpdater(updater))
	go srv.Serve()

	// A request before any session exists must be rejected.
	resp := postJSON(t, httpSrv.URL, "", `{"jsonrpc":"2.0","id":"1","method":"tools/list"}`)
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400 without session id, got %d", resp.StatusCode)
	}

	// Initialize mints the session and returns its id in the response header.
	resp = postJSON(t, httpSrv.URL, "",
		`{"jsonrpc":"2.0","id":"init","method":"initialize","params":{"protocolVersion":"2024-11-05","clientInfo":{"name":"test","version":"0.1.0"}}}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 for initialize, got %d", resp.StatusCode)
	}
	sessID := resp.Header.Get(mcp.SessionIDHeader)
	if sessID == "" {
		t.Fatal("expected session id header on initialize response")
	}

	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		t.Fatalf("failed to read response: %v", err)
	}
	var initRes mcp.JSONRPCMessage
	if err := json.Unmarshal(body, &initRes); err != nil {
		t.Fatalf("failed to unmarshal response: %v", err)
	}
	if initRes.Error != nil {
		t.Fatalf("unexpected initialize error: %v", initRes.Error)
	}

	// Notifications are accepted without a body.
	resp = postJSON(t, httpSrv.URL, sessID, `{"jsonrpc":"2.0","method":"notifications/initialized"}`)
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Errorf("expected 202 for notification, got %d", resp.StatusCode)
	}

	// Requests return their response in the POST body.
	resp = postJSON(t, httpSrv.URL, sessID, `{"jsonrpc":"2.0","id":"2","method":"tools/list"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 for tools/list, got %d", resp.StatusCode)
	}
	body, err = io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		t.Fatalf("failed to read response: %v", err)
	}
	var listRes mcp.JSONRPCMessage
	if err := json.Unmarshal(body, &listRes); err != nil {
		t.Fatalf("failed to unmarshal response: %v", err)
	}
	if listRes.Error != nil {
		t.Fatalf("unexpected tools/list error: %v", listRes.Error)
	}
	var listResult mcp.ListToolsResult
	if err := json.Unmarshal(listRes.Result, &listResult); err != nil {
		t.Fatalf("failed to unmarshal result: %v", err)
	}
	if len(listResult.Tools) != 1 || listResult.Tools[0].Name != "odoo_search" {
		t.Errorf("unexpected tool list: %+v", listResult.Tools)
	}

	// A bogus session id is rejected.
	resp = postJSON(t, httpSrv.URL, "bogus", `{"jsonrpc":"2.0","id":"3","method":"tools/list"}`)
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400 for unknown session id, got %d", resp.StatusCode)
	}

	close(updater.ch)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		t.Errorf("failed to shutdown server: %v", err)
	}
}

func TestStreamableHTTPPushStream(t *testing.T) {
	transport := mcp.NewStreamableHTTP()
	httpSrv := httptest.NewServer(transport.Handler())
	defer httpSrv.Close()

	updater := chanToolUpdater{ch: make(chan struct{})}
	srv := mcp.NewServer(mcp.Info{Name: "odoo-mcp", Version: "1.0.0"}, transport,
		mcp.WithToolServer(fakeToolServer{}),
		mcp.WithToolListUpdater(updater))
	go srv.Serve()

	resp := postJSON(t, httpSrv.URL, "",
		`{"jsonrpc":"2.0","id":"init","method":"initialize","params":{"protocolVersion":"2024-11-05","clientInfo":{"name":"test","version":"0.1.0"}}}`)
	sessID := resp.Header.Get(mcp.SessionIDHeader)
	resp.Body.Close()
	if sessID == "" {
		t.Fatal("expected session id header on initialize response")
	}

	// Open the push stream and trigger a tool list update; the list_changed
	// notification must arrive as a stream event.
	req, err := http.NewRequest(http.MethodGet, httpSrv.URL, nil)
	if err != nil {
		t.Fatalf("failed to create request: %v", err)
	}
	req.Header.Set(mcp.SessionIDHeader, sessID)
	req.Header.Set("Accept", "text/event-stream")

	streamResp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("failed to open push stream: %v", err)
	}
	defer streamResp.Body.Close()
	if streamResp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 for push stream, got %d", streamResp.StatusCode)
	}

	updater.ch <- struct{}{}

	events := make(chan string, 1)
	go func() {
		for ev, err := range sse.Read(streamResp.Body, nil) {
			if err != nil {
				return
			}
			events <- ev.Data
			return
		}
	}()

	select {
	case data := <-events:
		var msg mcp.JSONRPCMessage
		if err := json.Unmarshal([]byte(data), &msg); err != nil {
			t.Fatalf("failed to unmarshal pushed message: %v", err)
		}
		if msg.Method != "notifications/tools/list_changed" {
			t.Errorf("unexpected pushed method %s", msg.Method)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for pushed notification")
	}

	close(updater.ch)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		t.Errorf("failed to shutdown server: %v", err)
	}
}
