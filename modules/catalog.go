package modules

import (
	"fmt"
	"slices"
	"sync"
)

// Constructor builds a module instance.
type Constructor func(env Env) (any, error)

// Source lists module names and constructs instances by name.
type Source interface {
	Names() []string
	Construct(name string, env Env) (any, error)
}

// Catalog maps module names to constructors. Built-in modules register into
// DefaultCatalog from init.
type Catalog struct {
	mu           sync.RWMutex
	constructors map[string]Constructor
}

// DefaultCatalog is the global module catalog.
var DefaultCatalog = NewCatalog()

// NewCatalog creates an empty catalog.
func NewCatalog() *Catalog {
	return &Catalog{constructors: make(map[string]Constructor)}
}

// Register adds or replaces the constructor for name.
func (c *Catalog) Register(name string, ctor Constructor) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.constructors[name] = ctor
}

// Has reports whether name is registered.
func (c *Catalog) Has(name string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.constructors[name]
	return ok
}

// Names returns the registered names in sorted order.
func (c *Catalog) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.constructors))
	for name := range c.constructors {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Construct runs the constructor registered under name.
func (c *Catalog) Construct(name string, env Env) (any, error) {
	c.mu.RLock()
	ctor, ok := c.constructors[name]
	c.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("module %q is not registered", name)
	}
	return ctor(env)
}

// Only restricts c to the given names. An empty list keeps every module.
// Names that are not registered still show up so discovery reports them.
func (c *Catalog) Only(names ...string) Source {
	if len(names) == 0 {
		return c
	}
	return filtered{catalog: c, names: slices.Compact(slices.Sorted(slices.Values(names)))}
}

type filtered struct {
	catalog *Catalog
	names   []string
}

func (f filtered) Names() []string {
	return slices.Clone(f.names)
}

func (f filtered) Construct(name string, env Env) (any, error) {
	return f.catalog.Construct(name, env)
}

// Register adds a constructor to the default catalog.
func Register(name string, ctor Constructor) {
	DefaultCatalog.Register(name, ctor)
}
