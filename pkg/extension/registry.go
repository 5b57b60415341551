package extension

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/hearthhq/hearth/pkg/version"
)

var (
	// ErrDuplicateExtensionKey is returned when (owner, type, key) is
	// already registered.
	ErrDuplicateExtensionKey = errors.New("duplicate extension key")

	// ErrIncompatibleAPIVersion is returned when the platform's API
	// version falls outside a registration's declared range.
	ErrIncompatibleAPIVersion = errors.New("incompatible extension API version")
)

// entry pairs a registration with its insertion sequence so that equal
// weights sort stably.
type entry struct {
	reg Registration
	seq uint64
}

// bucket holds all registrations for one extension point type. Mutations
// take mu; readers load the snapshot without locking.
type bucket struct {
	mu       sync.Mutex
	entries  []entry
	snapshot atomic.Value // []Registration, weight-ascending
}

func (b *bucket) publish() {
	snap := make([]Registration, len(b.entries))
	for i, e := range b.entries {
		snap[i] = e.reg
	}
	b.snapshot.Store(snap)
}

// Registry is the extension registry. The zero value is not usable; use
// NewRegistry.
type Registry struct {
	apiVersion version.Version

	mu      sync.RWMutex
	buckets map[string]*bucket
	seq     uint64
}

// NewRegistry creates a registry that validates registrations against the
// given platform API version.
func NewRegistry(apiVersion version.Version) *Registry {
	return &Registry{
		apiVersion: apiVersion,
		buckets:    make(map[string]*bucket),
	}
}

func (r *Registry) bucketFor(extensionType string, create bool) *bucket {
	r.mu.RLock()
	b := r.buckets[extensionType]
	r.mu.RUnlock()
	if b != nil || !create {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b = r.buckets[extensionType]; b == nil {
		b = &bucket{}
		b.publish()
		r.buckets[extensionType] = b
	}
	return b
}

// Register adds a registration. It fails with ErrDuplicateExtensionKey if
// (owner, type, key) already exists and with ErrIncompatibleAPIVersion if
// the platform API version is outside the registration's declared range.
// A successful registration is visible to readers immediately.
func (r *Registry) Register(reg Registration) error {
	if reg.Type == "" || reg.OwnerPluginKey == "" || reg.Key == "" {
		return fmt.Errorf("extension registration requires type, owner and key")
	}
	if !reg.APIVersions.Contains(r.apiVersion) {
		return fmt.Errorf("%w: platform API %s outside [%s, %s] declared by %s/%s",
			ErrIncompatibleAPIVersion, r.apiVersion, reg.APIVersions.Min, reg.APIVersions.Max,
			reg.OwnerPluginKey, reg.Key)
	}

	b := r.bucketFor(reg.Type, true)
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, e := range b.entries {
		if e.reg.OwnerPluginKey == reg.OwnerPluginKey && e.reg.Key == reg.Key {
			return fmt.Errorf("%w: %s/%s/%s", ErrDuplicateExtensionKey,
				reg.OwnerPluginKey, reg.Type, reg.Key)
		}
	}

	seq := atomic.AddUint64(&r.seq, 1)
	b.entries = append(b.entries, entry{reg: reg, seq: seq})
	sort.SliceStable(b.entries, func(i, j int) bool {
		if b.entries[i].reg.Weight != b.entries[j].reg.Weight {
			return b.entries[i].reg.Weight < b.entries[j].reg.Weight
		}
		return b.entries[i].seq < b.entries[j].seq
	})
	b.publish()
	return nil
}

// Lookup returns a weight-ordered snapshot of all registrations for a
// type. The returned slice is owned by the caller's read; later writes
// never mutate it.
func (r *Registry) Lookup(extensionType string) []Registration {
	b := r.bucketFor(extensionType, false)
	if b == nil {
		return nil
	}
	return b.snapshot.Load().([]Registration)
}

// LookupAt returns the registrations for a type narrowed to a location.
// Registrations with an empty location match every location.
func (r *Registry) LookupAt(extensionType, location string) []Registration {
	all := r.Lookup(extensionType)
	out := make([]Registration, 0, len(all))
	for _, reg := range all {
		if reg.Location == "" || reg.Location == location {
			out = append(out, reg)
		}
	}
	return out
}

// OwnedBy returns every registration owned by a plugin across all types.
func (r *Registry) OwnedBy(ownerPluginKey string) []Registration {
	r.mu.RLock()
	buckets := make([]*bucket, 0, len(r.buckets))
	for _, b := range r.buckets {
		buckets = append(buckets, b)
	}
	r.mu.RUnlock()

	var out []Registration
	for _, b := range buckets {
		for _, reg := range b.snapshot.Load().([]Registration) {
			if reg.OwnerPluginKey == ownerPluginKey {
				out = append(out, reg)
			}
		}
	}
	return out
}

// DeregisterAll removes every registration owned by a plugin. Removal is
// atomic per type: a concurrent lookup sees either all of the plugin's
// entries for that type or none of them.
func (r *Registry) DeregisterAll(ownerPluginKey string) int {
	r.mu.RLock()
	buckets := make([]*bucket, 0, len(r.buckets))
	for _, b := range r.buckets {
		buckets = append(buckets, b)
	}
	r.mu.RUnlock()

	removed := 0
	for _, b := range buckets {
		b.mu.Lock()
		kept := b.entries[:0:0]
		dropped := 0
		for _, e := range b.entries {
			if e.reg.OwnerPluginKey == ownerPluginKey {
				dropped++
				continue
			}
			kept = append(kept, e)
		}
		if dropped > 0 {
			b.entries = kept
			b.publish()
			removed += dropped
		}
		b.mu.Unlock()
	}
	return removed
}

// Types returns the extension point types that currently have at least
// one registration.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.buckets))
	for t, b := range r.buckets {
		if len(b.snapshot.Load().([]Registration)) > 0 {
			out = append(out, t)
		}
	}
	sort.Strings(out)
	return out
}
