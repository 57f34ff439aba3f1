package orchestrator

import (
	"fmt"
	"slices"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/nidhogg/nuka-orchestra/internal/engine"
)

// Registry is the static capability table plus the code behind each role.
// It implements engine.HandlerResolver.
type Registry struct {
	mu            sync.RWMutex
	roles         map[string]Role
	handlers      map[string]engine.TaskHandler
	compensations map[string]engine.CompensationFunc
	logger        *zap.Logger
}

func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{
		roles:         make(map[string]Role),
		handlers:      make(map[string]engine.TaskHandler),
		compensations: make(map[string]engine.CompensationFunc),
		logger:        logger,
	}
}

// Register adds a role. Registering a name twice replaces the earlier role.
func (r *Registry) Register(role Role, h engine.TaskHandler) error {
	if role.Name == "" {
		return fmt.Errorf("register role: empty name")
	}
	if h == nil {
		return fmt.Errorf("register role %s: nil handler", role.Name)
	}
	caps := slices.Clone(role.Capabilities)
	sort.Strings(caps)
	role.Capabilities = slices.Compact(caps)

	r.mu.Lock()
	r.roles[role.Name] = role
	r.handlers[role.Name] = h
	r.mu.Unlock()

	r.logger.Info("registered role",
		zap.String("role", role.Name),
		zap.Strings("capabilities", role.Capabilities))
	return nil
}

// RegisterCompensation binds a compensation name used by saga tasks.
func (r *Registry) RegisterCompensation(name string, fn engine.CompensationFunc) {
	r.mu.Lock()
	r.compensations[name] = fn
	r.mu.Unlock()
}

func (r *Registry) Handler(role string) (engine.TaskHandler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[role]
	return h, ok
}

func (r *Registry) Compensation(name string) (engine.CompensationFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.compensations[name]
	return fn, ok
}

// Roles returns every registered role sorted by name.
func (r *Registry) Roles() []Role {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Role, 0, len(r.roles))
	for _, role := range r.roles {
		out = append(out, role)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Match picks the role for a capability set. A role whose capabilities equal
// the set wins; otherwise the smallest superset. Remaining ties go to the
// higher Priority, then the lexically first name.
func (r *Registry) Match(required []string) (Role, bool) {
	var best Role
	found := false
	for _, role := range r.Roles() {
		if !covers(role.Capabilities, required) {
			continue
		}
		if !found || better(role, best) {
			best, found = role, true
		}
	}
	return best, found
}

func better(a, b Role) bool {
	if len(a.Capabilities) != len(b.Capabilities) {
		return len(a.Capabilities) < len(b.Capabilities)
	}
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	return a.Name < b.Name
}

func covers(have, want []string) bool {
	if len(want) == 0 {
		return false
	}
	for _, w := range want {
		if _, ok := slices.BinarySearch(have, w); !ok {
			return false
		}
	}
	return true
}
