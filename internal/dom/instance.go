// Package dom is the host application's live instance tree.
//
// Every instance has a class, a name, a parent and a bag of properties.
// Mutations fire the instance's Changed signal with the property name
// ("Name", "Parent" or the property key) once the tree lock is released,
// so handlers may read the tree freely.
package dom

import (
	"errors"
	"reflect"
	"sort"
	"strings"
	"sync"
)

const (
	PropName   = "Name"
	PropParent = "Parent"
)

var (
	ErrDestroyed    = errors.New("instance is destroyed")
	ErrParentCycle  = errors.New("cannot parent an instance to itself or a descendant")
	ErrReservedProp = errors.New("property is structural")
)

// tree guards parent/child links and per-instance state. A host owns one
// tree at a time, and structural edits touch several instances at once, so a
// single lock keeps the ordering simple.
var tree sync.RWMutex

// Vector3 is a point or direction in 3D space.
type Vector3 struct{ X, Y, Z float64 }

// Color3 is an RGB color with components in [0, 1].
type Color3 struct{ R, G, B float64 }

type Instance struct {
	className  string
	name       string
	parent     *Instance
	children   []*Instance
	properties map[string]any
	destroyed  bool

	changed Signal[string]
}

// New creates a detached instance.
func New(className, name string) *Instance {
	return &Instance{
		className:  className,
		name:       name,
		properties: make(map[string]any),
	}
}

// Changed fires with the name of every property that changes.
func (i *Instance) Changed() *Signal[string] {
	return &i.changed
}

func (i *Instance) ClassName() string {
	return i.className
}

func (i *Instance) Name() string {
	tree.RLock()
	defer tree.RUnlock()
	return i.name
}

// SetName renames the instance. Renaming to the current name is a no-op.
func (i *Instance) SetName(name string) {
	tree.Lock()
	if i.name == name {
		tree.Unlock()
		return
	}
	i.name = name
	tree.Unlock()
	i.changed.Fire(PropName)
}

func (i *Instance) Parent() *Instance {
	tree.RLock()
	defer tree.RUnlock()
	return i.parent
}

// SetParent moves the instance under parent, or detaches it when parent is
// nil.
func (i *Instance) SetParent(parent *Instance) error {
	tree.Lock()
	if i.destroyed {
		tree.Unlock()
		return ErrDestroyed
	}
	if parent != nil && parent.destroyed {
		tree.Unlock()
		return ErrDestroyed
	}
	for p := parent; p != nil; p = p.parent {
		if p == i {
			tree.Unlock()
			return ErrParentCycle
		}
	}
	if i.parent == parent {
		tree.Unlock()
		return nil
	}
	i.setParentLocked(parent)
	tree.Unlock()
	i.changed.Fire(PropParent)
	return nil
}

func (i *Instance) setParentLocked(parent *Instance) {
	if old := i.parent; old != nil {
		for idx, c := range old.children {
			if c == i {
				old.children = append(old.children[:idx:idx], old.children[idx+1:]...)
				break
			}
		}
	}
	i.parent = parent
	if parent != nil {
		parent.children = append(parent.children, i)
	}
}

// Children returns a copy of the direct children in insertion order.
func (i *Instance) Children() []*Instance {
	tree.RLock()
	defer tree.RUnlock()
	out := make([]*Instance, len(i.children))
	copy(out, i.children)
	return out
}

// Descendants returns every instance below i, depth first.
func (i *Instance) Descendants() []*Instance {
	tree.RLock()
	defer tree.RUnlock()
	var out []*Instance
	var walk func(*Instance)
	walk = func(n *Instance) {
		for _, c := range n.children {
			out = append(out, c)
			walk(c)
		}
	}
	walk(i)
	return out
}

func (i *Instance) FindFirstChild(name string) *Instance {
	tree.RLock()
	defer tree.RUnlock()
	for _, c := range i.children {
		if c.name == name {
			return c
		}
	}
	return nil
}

// IsDescendantOf reports whether ancestor is above i.
func (i *Instance) IsDescendantOf(ancestor *Instance) bool {
	tree.RLock()
	defer tree.RUnlock()
	for p := i.parent; p != nil; p = p.parent {
		if p == ancestor {
			return true
		}
	}
	return false
}

// FullName is the dotted path from the topmost ancestor, excluding it.
func (i *Instance) FullName() string {
	tree.RLock()
	defer tree.RUnlock()
	var parts []string
	for n := i; n != nil && n.parent != nil; n = n.parent {
		parts = append(parts, n.name)
	}
	if len(parts) == 0 {
		return i.name
	}
	for l, r := 0, len(parts)-1; l < r; l, r = l+1, r-1 {
		parts[l], parts[r] = parts[r], parts[l]
	}
	return strings.Join(parts, ".")
}

// Get returns the value of a property. Name is readable here too.
func (i *Instance) Get(prop string) (any, bool) {
	tree.RLock()
	defer tree.RUnlock()
	switch prop {
	case PropName:
		return i.name, true
	case PropParent:
		return i.parent, true
	}
	v, ok := i.properties[prop]
	return v, ok
}

// Set assigns a property and fires Changed if the value differs. Name is
// routed to SetName; Parent must go through SetParent.
func (i *Instance) Set(prop string, value any) error {
	switch prop {
	case PropName:
		name, ok := value.(string)
		if !ok {
			return ErrReservedProp
		}
		i.SetName(name)
		return nil
	case PropParent:
		return ErrReservedProp
	}

	tree.Lock()
	if i.destroyed {
		tree.Unlock()
		return ErrDestroyed
	}
	if old, ok := i.properties[prop]; ok && reflect.DeepEqual(old, value) {
		tree.Unlock()
		return nil
	}
	i.properties[prop] = value
	tree.Unlock()
	i.changed.Fire(prop)
	return nil
}

// Properties returns a copy of the property bag.
func (i *Instance) Properties() map[string]any {
	tree.RLock()
	defer tree.RUnlock()
	out := make(map[string]any, len(i.properties))
	for k, v := range i.properties {
		out[k] = v
	}
	return out
}

// PropertyNames returns the property keys in sorted order.
func (i *Instance) PropertyNames() []string {
	tree.RLock()
	defer tree.RUnlock()
	names := make([]string, 0, len(i.properties))
	for k := range i.properties {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Destroy detaches the instance and locks it and its descendants against
// further changes. Only the instance itself reports the Parent change.
func (i *Instance) Destroy() {
	tree.Lock()
	if i.destroyed {
		tree.Unlock()
		return
	}
	hadParent := i.parent != nil
	i.setParentLocked(nil)
	var mark func(*Instance)
	mark = func(n *Instance) {
		n.destroyed = true
		for _, c := range n.children {
			mark(c)
		}
	}
	mark(i)
	tree.Unlock()
	if hadParent {
		i.changed.Fire(PropParent)
	}
}

func (i *Instance) Destroyed() bool {
	tree.RLock()
	defer tree.RUnlock()
	return i.destroyed
}

// IsScript reports whether the instance holds source code the editor can open.
func (i *Instance) IsScript() bool {
	return strings.HasSuffix(i.className, "Script")
}
