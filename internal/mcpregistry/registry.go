// Package mcpregistry stores user-installed external tool servers. Entries
// are merged into every worker's MCP config; the core server always wins on
// name conflicts.
package mcpregistry

import (
	"fmt"
	"sort"
	"sync"

	"github.com/dispatchd/dispatchd/internal/common/fsutil"
)

// Server is one external tool-server entry, in the agent's config shape.
type Server struct {
	URL     string            `json:"url,omitempty"`
	Command string            `json:"command,omitempty"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
}

// Registry persists mcp-servers.json.
type Registry struct {
	mu      sync.Mutex
	servers map[string]Server
	path    string
}

type diskFormat struct {
	Servers map[string]Server `json:"servers"`
}

// New loads mcp-servers.json (if present).
func New(path string) (*Registry, error) {
	r := &Registry{
		servers: make(map[string]Server),
		path:    path,
	}
	var doc diskFormat
	ok, err := fsutil.ReadJSON(path, &doc)
	if err != nil {
		return nil, fmt.Errorf("load mcp registry: %w", err)
	}
	if ok && doc.Servers != nil {
		r.servers = doc.Servers
	}
	return r, nil
}

// Add stores or replaces an entry.
func (r *Registry) Add(name string, s Server) error {
	if name == "" {
		return fmt.Errorf("server name required")
	}
	if s.URL == "" && s.Command == "" {
		return fmt.Errorf("server needs a url or a command")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.servers[name] = s
	return fsutil.WriteJSONAtomic(r.path, diskFormat{Servers: r.servers})
}

// Remove deletes an entry; removing a missing name is an error so the caller
// can report it.
func (r *Registry) Remove(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.servers[name]; !ok {
		return fmt.Errorf("no tool server named %q", name)
	}
	delete(r.servers, name)
	return fsutil.WriteJSONAtomic(r.path, diskFormat{Servers: r.servers})
}

// Names returns the registered names, sorted.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.servers))
	for n := range r.servers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// All returns a copy of every entry.
func (r *Registry) All() map[string]Server {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]Server, len(r.servers))
	for n, s := range r.servers {
		out[n] = s
	}
	return out
}
