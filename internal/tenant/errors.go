package tenant

import (
	"errors"
	"fmt"

	"github.com/nfrund/repobot/internal/bus"
	"github.com/nfrund/repobot/internal/sandbox"
)

var (
	// ErrManagerDisposed is returned by Load after Dispose.
	ErrManagerDisposed = errors.New("tenant manager disposed")

	// ErrInvalidComponentName is returned when a component name cannot be
	// used as a guest identifier.
	ErrInvalidComponentName = errors.New("invalid component name")

	// ErrNotRunning is raised to guest code calling on or schedule while
	// no generation is live.
	ErrNotRunning = errors.New("tenant script is not running")
)

// LoadError is a guest error attributed to a component. Component is
// empty when the line could not be attributed, in which case the error
// stands for the whole bundle.
type LoadError struct {
	Tenant    bus.TenantKey
	Kind      sandbox.GuestErrorKind
	Component string
	Line      int
	Message   string
}

func (e *LoadError) Error() string {
	if e.Component == "" {
		return fmt.Sprintf("%s: bundle: %s", e.Tenant, e.Message)
	}
	return fmt.Sprintf("%s: component %s line %d: %s", e.Tenant, e.Component, e.Line, e.Message)
}

// Attributed reports whether the error was traced to a component.
func (e *LoadError) Attributed() bool {
	return e.Component != ""
}
