// Package patch is the delta format exchanged between the authority and a
// live tree: removed IDs, added subtrees and per-instance updates.
package patch

import (
	"errors"
	"fmt"
	"sort"
)

var ErrInvalidPatch = errors.New("invalid patch")

// Ref is an authority-assigned instance ID. It is opaque to clients.
type Ref string

// Metadata carries per-instance sync options.
type Metadata struct {
	// IgnoreUnknownInstances keeps live children that the authority does not
	// know about instead of removing them during hydration.
	IgnoreUnknownInstances bool `json:"ignoreUnknownInstances"`
}

// Instance is the full description of one node, as found in snapshots and
// in Patch.Added.
type Instance struct {
	Parent     Ref              `json:"parent,omitempty"`
	Name       string           `json:"name"`
	ClassName  string           `json:"className"`
	Properties map[string]Value `json:"properties"`
	Children   []Ref            `json:"children"`
	Metadata   *Metadata        `json:"metadata,omitempty"`
}

// IgnoresUnknownInstances is safe to call on instances without metadata.
func (i *Instance) IgnoresUnknownInstances() bool {
	return i.Metadata != nil && i.Metadata.IgnoreUnknownInstances
}

// Update records changes to one existing instance. Nil fields are unchanged.
type Update struct {
	ID                Ref              `json:"id"`
	ChangedName       *string          `json:"changedName,omitempty"`
	ChangedClassName  *string          `json:"changedClassName,omitempty"`
	ChangedParent     *Ref             `json:"changedParent,omitempty"`
	ChangedProperties map[string]Value `json:"changedProperties"`
	ChangedMetadata   *Metadata        `json:"changedMetadata,omitempty"`
}

// IsEmpty reports whether the update changes nothing.
func (u *Update) IsEmpty() bool {
	return u.ChangedName == nil && u.ChangedClassName == nil && u.ChangedParent == nil &&
		len(u.ChangedProperties) == 0 && u.ChangedMetadata == nil
}

type Patch struct {
	Removed []Ref            `json:"removed"`
	Added   map[Ref]Instance `json:"added"`
	Updated []Update         `json:"updated"`
}

// New returns an empty patch with non-nil collections, so it encodes as
// {"removed":[],"added":{},"updated":[]}.
func New() *Patch {
	return &Patch{
		Removed: []Ref{},
		Added:   map[Ref]Instance{},
		Updated: []Update{},
	}
}

// Rename builds a single-update patch changing only the name.
func Rename(id Ref, name string) *Patch {
	p := New()
	p.Updated = append(p.Updated, Update{
		ID:                id,
		ChangedName:       &name,
		ChangedProperties: map[string]Value{},
	})
	return p
}

// SetProperty builds a single-update patch changing one property.
func SetProperty(id Ref, prop string, value Value) *Patch {
	p := New()
	p.Updated = append(p.Updated, Update{
		ID:                id,
		ChangedProperties: map[string]Value{prop: value},
	})
	return p
}

// Remove builds a patch that deletes id and its descendants.
func Remove(id Ref) *Patch {
	p := New()
	p.Removed = append(p.Removed, id)
	return p
}

func (p *Patch) IsEmpty() bool {
	return len(p.Removed) == 0 && len(p.Added) == 0 && len(p.Updated) == 0
}

// Validate checks that no removed ID is also added or updated.
func (p *Patch) Validate() error {
	if len(p.Removed) == 0 {
		return nil
	}
	removed := make(map[Ref]bool, len(p.Removed))
	for _, id := range p.Removed {
		removed[id] = true
	}
	for id := range p.Added {
		if removed[id] {
			return fmt.Errorf("%w: %s is both removed and added", ErrInvalidPatch, id)
		}
	}
	for _, u := range p.Updated {
		if removed[u.ID] {
			return fmt.Errorf("%w: %s is both removed and updated", ErrInvalidPatch, u.ID)
		}
	}
	return nil
}

// Normalize fills nil collections so the patch encodes with empty arrays and
// objects rather than nulls.
func (p *Patch) Normalize() *Patch {
	if p.Removed == nil {
		p.Removed = []Ref{}
	}
	if p.Added == nil {
		p.Added = map[Ref]Instance{}
	}
	if p.Updated == nil {
		p.Updated = []Update{}
	}
	for i := range p.Updated {
		if p.Updated[i].ChangedProperties == nil {
			p.Updated[i].ChangedProperties = map[string]Value{}
		}
	}
	return p
}

// Merge appends other's changes after p's.
func (p *Patch) Merge(other *Patch) {
	p.Normalize()
	p.Removed = append(p.Removed, other.Removed...)
	for id, inst := range other.Added {
		p.Added[id] = inst
	}
	p.Updated = append(p.Updated, other.Updated...)
}

// AddedIDs returns the keys of Added in sorted order.
func (p *Patch) AddedIDs() []Ref {
	ids := make([]Ref, 0, len(p.Added))
	for id := range p.Added {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
