package tenant

import (
	"github.com/nfrund/repobot/internal/events"
)

// Change announces that a tenant's files changed and workers should
// reload it from their source.
type Change struct {
	InstallationID int64  `cbor:"installation_id"`
	Repository     string `cbor:"repository"`
	Removed        bool   `cbor:"removed,omitempty"`
}

var TenantChanged = events.NewEvent[Change]("tenant.changed", "A tenant's configuration or script changed on disk")
