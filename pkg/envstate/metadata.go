package envstate

import (
	"sort"
	"time"

	"github.com/pyrite-env/pyrite/pkg/pyver"
)

// Metadata is a point-in-time snapshot of an environment: its interpreter,
// installed packages, and revision. Snapshots are treated as immutable;
// commits replace the whole snapshot rather than mutating fields in place.
type Metadata struct {
	// Name is the environment name.
	Name string `json:"name"`

	// Interpreter is the Python interpreter version the environment runs.
	Interpreter pyver.Version `json:"interpreter"`

	// Path is the filesystem root of the environment, if materialized.
	Path string `json:"path,omitempty"`

	// Packages maps installed package names to their pinned versions.
	Packages map[string]pyver.Version `json:"packages"`

	// Revision increments on every committed change. Conflict detection
	// compares a plan's base revision against the store head to catch
	// concurrent modifications.
	Revision int64 `json:"revision"`

	// CreatedAt is when the environment record was created.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt is when the snapshot was last committed.
	UpdatedAt time.Time `json:"updated_at"`
}

// NewMetadata creates the initial snapshot for a fresh environment.
func NewMetadata(name string, interpreter pyver.Version) Metadata {
	now := time.Now().UTC()
	return Metadata{
		Name:        name,
		Interpreter: interpreter,
		Packages:    make(map[string]pyver.Version),
		Revision:    0,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// Clone returns a deep copy of the snapshot.
func (m Metadata) Clone() Metadata {
	out := m
	out.Packages = make(map[string]pyver.Version, len(m.Packages))
	for name, v := range m.Packages {
		out.Packages[name] = v
	}
	return out
}

// WithPackages returns a new snapshot with the package set replaced, the
// revision advanced, and the update time refreshed. The receiver is not
// modified.
func (m Metadata) WithPackages(packages map[string]pyver.Version) Metadata {
	out := m.Clone()
	out.Packages = make(map[string]pyver.Version, len(packages))
	for name, v := range packages {
		out.Packages[name] = v
	}
	out.Revision++
	out.UpdatedAt = time.Now().UTC()
	return out
}

// Version returns the installed version of a package and whether it is
// present.
func (m Metadata) Version(name string) (pyver.Version, bool) {
	v, ok := m.Packages[pyver.NormalizeName(name)]
	return v, ok
}

// PackageNames returns the installed package names in sorted order.
func (m Metadata) PackageNames() []string {
	names := make([]string, 0, len(m.Packages))
	for name := range m.Packages {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// SamePackages reports whether two snapshots pin the identical package
// set.
func (m Metadata) SamePackages(other Metadata) bool {
	if len(m.Packages) != len(other.Packages) {
		return false
	}
	for name, v := range m.Packages {
		ov, ok := other.Packages[name]
		if !ok || !v.Equal(ov) {
			return false
		}
	}
	return true
}
