package backend

import (
	"fmt"
	"log/slog"

	"github.com/me/tiersched/pkg/model"
)

// Registry maps backend classes to their Backend implementations.
// Registration happens at startup before concurrent access, so no mutex is needed.
type Registry struct {
	backends [model.NumClasses]Backend
	logger   *slog.Logger
}

// NewRegistry creates an empty Registry.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{logger: logger.With("component", "backend-registry")}
}

// Register installs the backend for a class.
func (r *Registry) Register(class model.TierClass, b Backend) {
	r.backends[class] = b
	r.logger.Info("backend registered", "class", class.String(), "type", fmt.Sprintf("%T", b))
}

// Get returns the Backend for the class or an error if none is registered.
func (r *Registry) Get(class model.TierClass) (Backend, error) {
	if !class.Valid() {
		return nil, fmt.Errorf("%w: %d", model.ErrUnknownClass, int(class))
	}
	b := r.backends[class]
	if b == nil {
		return nil, fmt.Errorf("no backend registered for class %q", class)
	}
	return b, nil
}

// Has reports whether a backend is registered for the class.
func (r *Registry) Has(class model.TierClass) bool {
	return class.Valid() && r.backends[class] != nil
}
