// Package inventory reads Ansible inventories and exposes the hosts that
// tcpanel can reach, together with their connection variables.
package inventory

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
)

// Vars is a bag of inventory variables (ansible_user, ansible_port, ...).
type Vars map[string]string

// Host is a manageable host as listed by the inventory.
type Host struct {
	Name    string   `json:"name"`
	Address string   `json:"address"`
	Vars    Vars     `json:"vars"`
	Groups  []string `json:"groups,omitempty"`
}

// Provider supplies hosts and global connection defaults.
type Provider interface {
	ListHosts(ctx context.Context) ([]Host, error)
	GlobalDefaults(ctx context.Context) (Vars, error)
}

// Find returns the named host, or nil when the inventory does not list it.
func Find(ctx context.Context, p Provider, name string) (*Host, error) {
	hosts, err := p.ListHosts(ctx)
	if err != nil {
		return nil, err
	}
	for i := range hosts {
		if hosts[i].Name == name {
			return &hosts[i], nil
		}
	}
	return nil, nil
}

const cacheKey = "inventory"

// FileProvider reads an INI or YAML inventory file and caches the parsed
// result for a TTL so a batch of dispatches reads the file once.
type FileProvider struct {
	path   string
	cache  *cache.Cache
	logger *slog.Logger

	mu sync.Mutex // serialises reloads
}

var _ Provider = (*FileProvider)(nil)

// NewFileProvider creates a provider for the inventory at path. A ttl of
// zero disables caching.
func NewFileProvider(path string, ttl time.Duration, logger *slog.Logger) *FileProvider {
	if logger == nil {
		logger = slog.Default()
	}
	expiration := ttl
	if ttl <= 0 {
		expiration = time.Nanosecond
	}
	return &FileProvider{
		path:   path,
		cache:  cache.New(expiration, 2*expiration+time.Minute),
		logger: logger,
	}
}

func (p *FileProvider) load() (*parsed, error) {
	if v, ok := p.cache.Get(cacheKey); ok {
		return v.(*parsed), nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if v, ok := p.cache.Get(cacheKey); ok {
		return v.(*parsed), nil
	}

	inv, err := parseFile(p.path)
	if err != nil {
		return nil, fmt.Errorf("loading inventory %s: %w", p.path, err)
	}
	for _, w := range inv.warnings {
		p.logger.Warn("inventory", "warning", w)
	}
	p.logger.Debug("inventory loaded", "path", p.path, "hosts", len(inv.hosts))
	p.cache.SetDefault(cacheKey, inv)
	return inv, nil
}

// ListHosts returns every host in the inventory, in file order.
func (p *FileProvider) ListHosts(ctx context.Context) ([]Host, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	inv, err := p.load()
	if err != nil {
		return nil, err
	}
	hosts := make([]Host, len(inv.hosts))
	for i, h := range inv.hosts {
		hosts[i] = h.clone()
	}
	return hosts, nil
}

// GlobalDefaults returns the variables set for the "all" group.
func (p *FileProvider) GlobalDefaults(ctx context.Context) (Vars, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	inv, err := p.load()
	if err != nil {
		return nil, err
	}
	out := make(Vars, len(inv.globals))
	for k, v := range inv.globals {
		out[k] = v
	}
	return out, nil
}

// Invalidate drops the cached inventory so the next call re-reads the file.
func (p *FileProvider) Invalidate() {
	p.cache.Delete(cacheKey)
}

func (h Host) clone() Host {
	vars := make(Vars, len(h.Vars))
	for k, v := range h.Vars {
		vars[k] = v
	}
	h.Vars = vars
	h.Groups = append([]string(nil), h.Groups...)
	return h
}

// Static is an in-memory Provider.
type Static struct {
	Hosts   []Host
	Globals Vars
}

// ListHosts returns a copy of the configured hosts.
func (s *Static) ListHosts(context.Context) ([]Host, error) {
	hosts := make([]Host, len(s.Hosts))
	for i, h := range s.Hosts {
		hosts[i] = h.clone()
		if hosts[i].Address == "" {
			hosts[i].Address = addressOf(hosts[i])
		}
	}
	return hosts, nil
}

// GlobalDefaults returns a copy of the configured global variables.
func (s *Static) GlobalDefaults(context.Context) (Vars, error) {
	out := make(Vars, len(s.Globals))
	for k, v := range s.Globals {
		out[k] = v
	}
	return out, nil
}
