package sandbox

import "time"

// SecurityLimits defines resource constraints for guest execution.
type SecurityLimits struct {
	MaxExecutionTime time.Duration
	AllowedLibraries []string
}

// DefaultSecurityLimits provides safe default constraints for guest execution
var DefaultSecurityLimits = SecurityLimits{
	MaxExecutionTime: 5 * time.Second,
	AllowedLibraries: []string{
		"base",
		"table",
		"string",
		"math",
	},
}

// GetDefaultSecurityLimits returns a copy of the default security limits
func GetDefaultSecurityLimits() SecurityLimits {
	limits := DefaultSecurityLimits

	limits.AllowedLibraries = make([]string, len(DefaultSecurityLimits.AllowedLibraries))
	copy(limits.AllowedLibraries, DefaultSecurityLimits.AllowedLibraries)

	return limits
}
