package nvm

import "math"

// Partition is an immutable {offset, size} record in bytes, relative to the
// owning Area's base address.
type Partition struct {
	Offset int64
	Size   int64
}

// Area is an immutable descriptor binding a name and a partition table to a
// Device. BaseAddr is added to every device offset computed for this area,
// so two areas (e.g. "firmware" and "settings") can share one Device while
// owning disjoint regions of it.
type Area struct {
	Name       string
	Device     *Device
	BaseAddr   int64
	Size       int64
	Partitions []Partition // 1-based: Partitions[0] is partition index 1
}

// Partition returns the partition record for idx. idx==0 synthesizes the
// whole-area partition {0, Area.Size}; idx in [1, len(Partitions)] returns
// the stored entry; anything else fails with ErrInvalid.
func (a *Area) Partition(idx int) (Partition, error) {
	if idx == 0 {
		return Partition{Offset: 0, Size: a.Size}, nil
	}
	if idx < 1 || idx > len(a.Partitions) {
		return Partition{}, ErrInvalid
	}
	return a.Partitions[idx-1], nil
}

// resolve computes the device-absolute address for (part, offset, length),
// bounds-checking against the partition size with overflow protection.
func (a *Area) resolve(part int, offset int64, length int64) (int64, error) {
	p, err := a.Partition(part)
	if err != nil {
		return 0, err
	}
	if offset < 0 || length < 0 {
		return 0, ErrInvalid
	}
	if offset > math.MaxInt64-length {
		return 0, ErrInvalid // offset+length would overflow
	}
	if offset+length > p.Size {
		return 0, ErrInvalid
	}
	return a.BaseAddr + p.Offset + offset, nil
}

// Read reads len(buf) bytes from (part, offset) within the area.
func (a *Area) Read(part int, offset int64, buf []byte) error {
	addr, err := a.resolve(part, offset, int64(len(buf)))
	if err != nil {
		return err
	}
	return a.Device.Read(addr, buf)
}

// Write writes buf to (part, offset) within the area.
func (a *Area) Write(part int, offset int64, buf []byte) error {
	addr, err := a.resolve(part, offset, int64(len(buf)))
	if err != nil {
		return err
	}
	return a.Device.Write(addr, buf)
}

// Erase erases size bytes at (part, offset) within the area.
func (a *Area) Erase(part int, offset int64, size int64) error {
	addr, err := a.resolve(part, offset, size)
	if err != nil {
		return err
	}
	return a.Device.Erase(addr, size)
}

// Registry is a process-wide, immutable-after-Build table of areas, indexed
// from 0. Modeled as an explicit value injected into the access layer
// (spec.md §9's "dependency injection, not a true global") rather than
// package-level state, so it stays mockable in tests.
type Registry struct {
	areas []*Area
}

// NewRegistry builds a Registry from the given areas, in order.
func NewRegistry(areas ...*Area) *Registry {
	r := &Registry{areas: make([]*Area, len(areas))}
	copy(r.areas, areas)
	return r
}

// Area returns the descriptor at idx, or nil when out of range.
func (r *Registry) Area(idx int) *Area {
	if idx < 0 || idx >= len(r.areas) {
		return nil
	}
	return r.areas[idx]
}

// Len returns the number of registered areas.
func (r *Registry) Len() int { return len(r.areas) }
