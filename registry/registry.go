// Package registry holds the hot-reloadable declarative definitions the
// gateway serves: tool specs, prompt texts, and server metadata. Definitions
// live in three JSON files that are seeded from embedded defaults when
// missing, re-read on every detected change, and published as atomic
// snapshots so concurrent readers never observe partial state.
package registry

import (
	"embed"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

//go:embed defaults/tools.json defaults/prompts.json defaults/server.json
var defaultsFS embed.FS

// ToolDef is one declarative tool: what the client sees (name, description,
// input schema) plus the operation spec the executor interprets.
type ToolDef struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"inputSchema"`
	Op          OpSpec          `json:"op"`
	Guards      *ToolGuards     `json:"guards,omitempty"`
}

// OpSpec names an operation type from the fixed catalog and maps each logical
// parameter to a JSON pointer into the caller's arguments.
type OpSpec struct {
	Type string            `json:"type"`
	Map  map[string]string `json:"map"`
}

// ToolGuards gates a tool's visibility and callability.
type ToolGuards struct {
	// RequiresEnvTrue hides the tool unless the named env var is truthy.
	RequiresEnvTrue string `json:"requiresEnvTrue,omitempty"`
}

// Allowed reports whether the guard condition currently holds.
func (g *ToolGuards) Allowed() bool {
	if g == nil || g.RequiresEnvTrue == "" {
		return true
	}
	return envTruthy(g.RequiresEnvTrue)
}

func envTruthy(name string) bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(name)))
	switch v {
	case "1", "true", "yes", "y", "on":
		return true
	}
	return false
}

// PromptDef is a named static prompt.
type PromptDef struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Content     string `json:"content"`
}

// ServerMeta is the identity block advertised during the initialize
// handshake.
type ServerMeta struct {
	ServerName             string `json:"serverName"`
	Instructions           string `json:"instructions"`
	ProtocolVersionDefault string `json:"protocolVersionDefault"`
}

type toolsFile struct {
	Tools []ToolDef `json:"tools"`
}

type promptsFile struct {
	Prompts []PromptDef `json:"prompts"`
}

// snapshot is an immutable bundle of parsed definitions. Reload builds a
// fresh snapshot off to the side and swaps the pointer under the write lock.
type snapshot struct {
	tools       []ToolDef
	toolIndex   map[string]ToolDef
	prompts     map[string]PromptDef
	promptOrder []string
	server      ServerMeta
}

// Registry serves the current snapshot and coordinates reloads. Readers take
// the read lock only for the pointer fetch.
type Registry struct {
	toolsPath   string
	promptsPath string
	serverPath  string
	logger      *slog.Logger

	mu   sync.RWMutex
	snap *snapshot

	hooksMu sync.Mutex
	hooks   []func()

	watchOnce sync.Once
	done      chan struct{}
	watchDone chan struct{}
}

// New creates a registry reading from the given definition file paths.
// Call Load before serving.
func New(toolsPath, promptsPath, serverPath string, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		toolsPath:   toolsPath,
		promptsPath: promptsPath,
		serverPath:  serverPath,
		logger:      logger.With(slog.String("package", "registry")),
		done:        make(chan struct{}),
	}
}

// NewFromEnv resolves the definition file paths from MCP_TOOLS_JSON,
// MCP_PROMPTS_JSON, and MCP_SERVER_JSON, defaulting to the config/ directory.
func NewFromEnv(logger *slog.Logger) *Registry {
	return New(
		envOr("MCP_TOOLS_JSON", "config/tools.json"),
		envOr("MCP_PROMPTS_JSON", "config/prompts.json"),
		envOr("MCP_SERVER_JSON", "config/server.json"),
		logger,
	)
}

func envOr(name, fallback string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return fallback
}

// Load seeds missing definition files from the embedded defaults, parses all
// three files, and publishes the result. The first Load failing is fatal to
// the caller; later failures during reload keep the prior snapshot.
func (r *Registry) Load() error {
	if err := r.seedMissingFiles(); err != nil {
		return err
	}

	snap, err := r.buildSnapshot()
	if err != nil {
		return err
	}

	r.mu.Lock()
	r.snap = snap
	r.mu.Unlock()

	r.logger.Info("definitions loaded",
		slog.Int("tools", len(snap.tools)),
		slog.Int("prompts", len(snap.promptOrder)),
		slog.String("serverName", snap.server.ServerName))

	r.notifyReload()
	return nil
}

// reload is Load minus the fatal semantics: a failure is logged and the
// previous snapshot stays live.
func (r *Registry) reload() {
	if err := r.Load(); err != nil {
		r.logger.Warn("definition reload failed, keeping last good snapshot",
			slog.String("err", err.Error()))
	}
}

func (r *Registry) buildSnapshot() (*snapshot, error) {
	var tf toolsFile
	if err := readJSONFile(r.toolsPath, &tf); err != nil {
		return nil, err
	}
	var pf promptsFile
	if err := readJSONFile(r.promptsPath, &pf); err != nil {
		return nil, err
	}
	var server ServerMeta
	if err := readJSONFile(r.serverPath, &server); err != nil {
		return nil, err
	}

	toolIndex := make(map[string]ToolDef, len(tf.Tools))
	for _, t := range tf.Tools {
		if err := validateSchema(t.InputSchema); err != nil {
			return nil, fmt.Errorf("tool %q has invalid inputSchema: %w", t.Name, err)
		}
		if _, ok := toolIndex[t.Name]; ok {
			return nil, fmt.Errorf("duplicate tool name in %s: %s", r.toolsPath, t.Name)
		}
		toolIndex[t.Name] = t
	}

	prompts := make(map[string]PromptDef, len(pf.Prompts))
	promptOrder := make([]string, 0, len(pf.Prompts))
	for _, p := range pf.Prompts {
		if _, ok := prompts[p.Name]; ok {
			return nil, fmt.Errorf("duplicate prompt name in %s: %s", r.promptsPath, p.Name)
		}
		prompts[p.Name] = p
		promptOrder = append(promptOrder, p.Name)
	}

	return &snapshot{
		tools:       tf.Tools,
		toolIndex:   toolIndex,
		prompts:     prompts,
		promptOrder: promptOrder,
		server:      server,
	}, nil
}

func readJSONFile(path string, v any) error {
	bs, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}
	if err := json.Unmarshal(bs, v); err != nil {
		return fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return nil
}

func (r *Registry) seedMissingFiles() error {
	seeds := []struct {
		path string
		name string
	}{
		{r.toolsPath, "defaults/tools.json"},
		{r.promptsPath, "defaults/prompts.json"},
		{r.serverPath, "defaults/server.json"},
	}
	for _, s := range seeds {
		if _, err := os.Stat(s.path); err == nil {
			continue
		}
		seed, err := defaultsFS.ReadFile(s.name)
		if err != nil {
			return fmt.Errorf("failed to read embedded default %s: %w", s.name, err)
		}
		if dir := filepath.Dir(s.path); dir != "" && dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return fmt.Errorf("failed to create %s: %w", dir, err)
			}
		}
		if err := os.WriteFile(s.path, seed, 0o644); err != nil {
			return fmt.Errorf("failed to seed %s: %w", s.path, err)
		}
		r.logger.Info("created default definition file", slog.String("path", s.path))
	}
	return nil
}

// OnReload registers a callback run after every successful load. The gateway
// uses this to broadcast list-changed notifications.
func (r *Registry) OnReload(fn func()) {
	r.hooksMu.Lock()
	r.hooks = append(r.hooks, fn)
	r.hooksMu.Unlock()
}

func (r *Registry) notifyReload() {
	r.hooksMu.Lock()
	hooks := make([]func(), len(r.hooks))
	copy(hooks, r.hooks)
	r.hooksMu.Unlock()

	for _, fn := range hooks {
		fn()
	}
}

func (r *Registry) current() *snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snap
}

// ServerName returns the configured server name.
func (r *Registry) ServerName() string {
	return r.current().server.ServerName
}

// Instructions returns the configured server instructions.
func (r *Registry) Instructions() string {
	return r.current().server.Instructions
}

// ProtocolVersionDefault returns the protocol version used when a client does
// not request one.
func (r *Registry) ProtocolVersionDefault() string {
	return r.current().server.ProtocolVersionDefault
}

// ListTools returns the guard-filtered tool definitions in file order.
// Guarded-off tools are absent entirely.
func (r *Registry) ListTools() []ToolDef {
	snap := r.current()
	tools := make([]ToolDef, 0, len(snap.tools))
	for _, t := range snap.tools {
		if t.Guards.Allowed() {
			tools = append(tools, t)
		}
	}
	return tools
}

// Tool resolves a tool by name, subject to the same guard as listing.
func (r *Registry) Tool(name string) (ToolDef, bool) {
	snap := r.current()
	t, ok := snap.toolIndex[name]
	if !ok || !t.Guards.Allowed() {
		return ToolDef{}, false
	}
	return t, true
}

// ListPrompts returns the prompts in their declared order.
func (r *Registry) ListPrompts() []PromptDef {
	snap := r.current()
	prompts := make([]PromptDef, 0, len(snap.promptOrder))
	for _, name := range snap.promptOrder {
		prompts = append(prompts, snap.prompts[name])
	}
	return prompts
}

// Prompt resolves a prompt by name.
func (r *Registry) Prompt(name string) (PromptDef, bool) {
	snap := r.current()
	p, ok := snap.prompts[name]
	return p, ok
}

// validateSchema rejects JSON Schema constructs that break simple client-side
// schema consumers: combinators, references, and type arrays.
func validateSchema(raw json.RawMessage) error {
	if len(raw) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return fmt.Errorf("not valid JSON: %w", err)
	}
	return walkSchema(v)
}

func walkSchema(v any) error {
	switch node := v.(type) {
	case map[string]any:
		for k, vv := range node {
			switch k {
			case "anyOf", "oneOf", "allOf", "$ref", "definitions":
				return fmt.Errorf("schema contains forbidden key %q", k)
			}
			if k == "type" {
				if _, isArr := vv.([]any); isArr {
					return fmt.Errorf("schema contains type array")
				}
			}
			if err := walkSchema(vv); err != nil {
				return err
			}
		}
	case []any:
		for _, vv := range node {
			if err := walkSchema(vv); err != nil {
				return err
			}
		}
	}
	return nil
}
