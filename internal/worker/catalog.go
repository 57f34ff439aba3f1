package worker

import (
	"fmt"
	"maps"
	"slices"
	"sync"

	"go.uber.org/zap"

	"github.com/nidhogg/nuka-orchestra/internal/engine"
	"github.com/nidhogg/nuka-orchestra/internal/orchestrator"
)

// Binding assigns a handler kind to a role.
type Binding struct {
	Role    orchestrator.Role
	Handler string
}

// Catalog holds named handlers that roles can be bound to from config.
type Catalog struct {
	mu            sync.RWMutex
	handlers      map[string]engine.TaskHandler
	compensations map[string]engine.CompensationFunc
	logger        *zap.Logger
}

// NewCatalog creates a catalog preloaded with the built-ins.
func NewCatalog(logger *zap.Logger) *Catalog {
	c := &Catalog{
		handlers:      make(map[string]engine.TaskHandler),
		compensations: make(map[string]engine.CompensationFunc),
		logger:        logger,
	}
	RegisterBuiltins(c)
	return c
}

// Add registers or replaces a handler kind.
func (c *Catalog) Add(kind string, h engine.TaskHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[kind] = h
}

// AddCompensation registers or replaces a named compensation.
func (c *Catalog) AddCompensation(name string, fn engine.CompensationFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.compensations[name] = fn
}

func (c *Catalog) Handler(kind string) (engine.TaskHandler, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	h, ok := c.handlers[kind]
	return h, ok
}

// Kinds returns the registered handler kinds, sorted.
func (c *Catalog) Kinds() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return slices.Sorted(maps.Keys(c.handlers))
}

// Bind registers every binding and every compensation with reg.
func (c *Catalog) Bind(reg *orchestrator.Registry, bindings []Binding) error {
	for _, b := range bindings {
		h, ok := c.Handler(b.Handler)
		if !ok {
			return fmt.Errorf("role %s: unknown handler %q (have %v)", b.Role.Name, b.Handler, c.Kinds())
		}
		if err := reg.Register(b.Role, h); err != nil {
			return fmt.Errorf("register role %s: %w", b.Role.Name, err)
		}
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	for name, fn := range c.compensations {
		reg.RegisterCompensation(name, fn)
	}
	c.logger.Info("workers bound", zap.Int("roles", len(bindings)), zap.Int("compensations", len(c.compensations)))
	return nil
}
