// Package nvs implements the device's persistent key-value store: a small,
// crash-safe, namespaced store of strings and fixed-size binary records.
//
// Values are written through a Handle, staged in memory and only made durable
// by Commit. A Partition allows one open Handle at a time.
package nvs

import (
	"context"
	"fmt"
)

// FormatVersion is the on-medium layout version. A medium stamped with any
// other version is treated as corrupt and erased by Init.
const FormatVersion = 2

// Name and size limits of the store.
const (
	MaxNameLen       = 15
	MaxStringLen     = 4000
	MaxBlobLen       = 4000
	DefaultCapacity  = 512
	DefaultNamespace = "storage"
)

// EntryType tags how a value was written so reads can detect mismatches.
type EntryType uint8

const (
	TypeString EntryType = 1
	TypeBlob   EntryType = 2
)

// String returns the type name.
func (t EntryType) String() string {
	switch t {
	case TypeString:
		return "string"
	case TypeBlob:
		return "blob"
	default:
		return fmt.Sprintf("type(%d)", uint8(t))
	}
}

// Entry is a single key as seen by an Engine.
type Entry struct {
	Key     string
	Type    EntryType
	Value   []byte
	Deleted bool
}

// Engine is the ordered key-value medium underneath a Partition.
// Apply must be atomic: either every entry becomes durable or none does.
type Engine interface {
	// Check prepares the medium and verifies its format version and free space.
	Check(ctx context.Context) error
	// Get returns the committed entry or ErrNotFound.
	Get(ctx context.Context, namespace, key string) (Entry, error)
	// Apply durably writes entries into namespace in one transaction.
	Apply(ctx context.Context, namespace string, entries []Entry) error
	// Count returns the number of committed entries across all namespaces.
	Count(ctx context.Context) (int, error)
	// Erase destroys all content and leaves an empty medium.
	Erase(ctx context.Context) error
	// Close releases the medium.
	Close() error
}

func validateName(name string) error {
	if len(name) == 0 || len(name) > MaxNameLen {
		return fmt.Errorf("%w: %q must be 1-%d bytes", ErrInvalidName, name, MaxNameLen)
	}
	return nil
}
