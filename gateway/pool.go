package gateway

import (
	"fmt"
	"strings"
	"sync"

	"github.com/odookit/odoo-mcp/odoo"
)

// ClientPool constructs backend clients lazily, one per configured instance,
// and shares them for the process lifetime.
type ClientPool struct {
	cfg odoo.Config

	mu      sync.Mutex
	clients map[string]odoo.Client
}

// NewClientPool creates a pool over the given instance configuration. No
// client is constructed until an instance is first used.
func NewClientPool(cfg odoo.Config) *ClientPool {
	return &ClientPool{
		cfg:     cfg,
		clients: make(map[string]odoo.Client),
	}
}

// Get returns the client for the named instance, constructing it on first
// use. An unknown name is an error listing the configured instances.
func (p *ClientPool) Get(instance string) (odoo.Client, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if client, ok := p.clients[instance]; ok {
		return client, nil
	}

	cfg, ok := p.cfg.Instances[instance]
	if !ok {
		return nil, fmt.Errorf("unknown Odoo instance %q, available: %s",
			instance, strings.Join(p.cfg.Names(), ", "))
	}

	client, err := odoo.NewClient(instance, cfg)
	if err != nil {
		return nil, err
	}
	p.clients[instance] = client
	return client, nil
}

// InstanceNames returns the configured instance names in sorted order.
func (p *ClientPool) InstanceNames() []string {
	return p.cfg.Names()
}
