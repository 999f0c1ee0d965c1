package bus

import (
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
)

// DeliveryClass selects which processes receive an envelope.
type DeliveryClass int

const (
	SingleWorker DeliveryClass = iota + 1
	AllWorkers
	Coordinator
	Everyone
)

var classNames = map[DeliveryClass]string{
	SingleWorker: "single-worker",
	AllWorkers:   "all-workers",
	Coordinator:  "coordinator",
	Everyone:     "everyone",
}

func (c DeliveryClass) String() string {
	if name, ok := classNames[c]; ok {
		return name
	}
	return "unknown(" + strconv.Itoa(int(c)) + ")"
}

// Valid reports whether c is one of the four delivery classes.
func (c DeliveryClass) Valid() bool {
	_, ok := classNames[c]
	return ok
}

// ParseDeliveryClass parses the String form of a class.
func ParseDeliveryClass(s string) (DeliveryClass, error) {
	for c, name := range classNames {
		if name == s {
			return c, nil
		}
	}
	return 0, fmt.Errorf("unknown delivery class %q", s)
}

// ProcessID names one process of the fleet.
type ProcessID string

// TenantKey identifies one tenant: an installation and a repository.
type TenantKey struct {
	InstallationID int64  `cbor:"installation_id"`
	Repository     string `cbor:"repository"`
}

// IsZero reports whether the key names no tenant.
func (k TenantKey) IsZero() bool {
	return k.InstallationID == 0 && k.Repository == ""
}

func (k TenantKey) String() string {
	return strconv.FormatInt(k.InstallationID, 10) + ":" + k.Repository
}

// ParseTenantKey parses the String form "<installation>:<owner>/<repo>".
func ParseTenantKey(s string) (TenantKey, error) {
	inst, repo, ok := strings.Cut(s, ":")
	if !ok || repo == "" {
		return TenantKey{}, fmt.Errorf("invalid tenant key %q", s)
	}
	id, err := strconv.ParseInt(inst, 10, 64)
	if err != nil {
		return TenantKey{}, fmt.Errorf("invalid tenant key %q: %w", s, err)
	}
	return TenantKey{InstallationID: id, Repository: repo}, nil
}

// Envelope is one published event in transit. It is built per publish
// call and never persisted.
type Envelope struct {
	ID      string        `cbor:"id"`
	Class   DeliveryClass `cbor:"class"`
	Type    string        `cbor:"type"`
	Origin  ProcessID     `cbor:"origin"`
	Tenant  TenantKey     `cbor:"tenant"`
	Payload []byte        `cbor:"payload,omitempty"`
}

// Topology is the static roster of the fleet.
type Topology struct {
	Coordinator ProcessID
	Workers     []ProcessID
}

// Validate checks that every process id is set and unique.
func (t Topology) Validate() error {
	if t.Coordinator == "" {
		return errors.New("topology: coordinator id is empty")
	}
	seen := map[ProcessID]bool{t.Coordinator: true}
	for _, w := range t.Workers {
		if w == "" {
			return errors.New("topology: worker id is empty")
		}
		if seen[w] {
			return fmt.Errorf("topology: duplicate process id %q", w)
		}
		seen[w] = true
	}
	return nil
}

// IsWorker reports whether id is one of the workers.
func (t Topology) IsWorker(id ProcessID) bool {
	return slices.Contains(t.Workers, id)
}

// Contains reports whether id belongs to the fleet.
func (t Topology) Contains(id ProcessID) bool {
	return id == t.Coordinator || t.IsWorker(id)
}
