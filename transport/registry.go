package transport

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"

	derrors "github.com/drblury/deviceflow/internal/runtime/errors"
)

// Registry maps transport names to session builders and their capabilities.
// Names are case-insensitive. Transport packages register themselves from
// init.
type Registry struct {
	mu           sync.RWMutex
	builders     map[string]Builder
	capabilities map[string]Capabilities
}

// DefaultRegistry is the global transport registry.
var DefaultRegistry = NewRegistry()

// NewRegistry creates a new transport registry.
func NewRegistry() *Registry {
	return &Registry{
		builders:     make(map[string]Builder),
		capabilities: make(map[string]Capabilities),
	}
}

func normalize(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// Register adds a transport builder to the registry. A later registration
// under the same name replaces the earlier one.
func (r *Registry) Register(name string, builder Builder) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.builders[normalize(name)] = builder
}

// RegisterWithCapabilities adds a transport builder and its capabilities to the registry.
func (r *Registry) RegisterWithCapabilities(name string, builder Builder, caps Capabilities) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.builders[normalize(name)] = builder
	r.capabilities[normalize(name)] = caps
}

// GetCapabilities returns the capabilities for a registered transport.
// Returns a zero Capabilities struct if the transport is unknown.
func (r *Registry) GetCapabilities(name string) Capabilities {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if caps, ok := r.capabilities[normalize(name)]; ok {
		return caps
	}
	return Capabilities{Name: name}
}

// Open creates a session using the builder registered under opts.Name.
// An unknown name wraps ErrInvalidTransport.
func (r *Registry) Open(ctx context.Context, opts Options) (Conn, error) {
	r.mu.RLock()
	builder, ok := r.builders[normalize(opts.Name)]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: unknown transport %q (registered: %v)", derrors.ErrInvalidTransport, opts.Name, r.Names())
	}

	conn, err := builder(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("open %s session: %w", normalize(opts.Name), err)
	}
	if conn == nil {
		return nil, fmt.Errorf("%w: transport %q returned no session", derrors.ErrInvalidTransport, opts.Name)
	}
	return conn, nil
}

// Names returns the sorted list of registered transport names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.builders))
	for name := range r.builders {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Has returns true if a transport is registered with the given name.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.builders[normalize(name)]
	return ok
}

// Register adds a transport builder to the default registry.
func Register(name string, builder Builder) {
	DefaultRegistry.Register(name, builder)
}

// RegisterWithCapabilities adds a transport builder and its capabilities to the default registry.
func RegisterWithCapabilities(name string, builder Builder, caps Capabilities) {
	DefaultRegistry.RegisterWithCapabilities(name, builder, caps)
}

// GetCapabilities returns the capabilities of a transport in the default registry.
func GetCapabilities(name string) Capabilities {
	return DefaultRegistry.GetCapabilities(name)
}

// Open creates a session using the default registry.
func Open(ctx context.Context, opts Options) (Conn, error) {
	return DefaultRegistry.Open(ctx, opts)
}
