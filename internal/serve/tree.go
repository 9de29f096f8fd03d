package serve

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/oklog/ulid/v2"

	"github.com/livetree/livetree/internal/patch"
	"github.com/livetree/livetree/internal/project"
)

var ErrUnknownInstance = errors.New("unknown instance")

// Tree is the authority's copy of the project tree.
type Tree struct {
	mu        sync.RWMutex
	root      patch.Ref
	instances map[patch.Ref]*patch.Instance
}

func newRef() patch.Ref {
	return patch.Ref(ulid.Make().String())
}

// NewTree builds a tree from a project, minting an ID for every node.
func NewTree(p *project.Project) *Tree {
	t := &Tree{instances: make(map[patch.Ref]*patch.Instance)}
	added := make(map[patch.Ref]patch.Instance)
	t.root = describe(added, "", p.Name, &p.Tree)
	for id, inst := range added {
		t.instances[id] = &inst
	}
	return t
}

// describe mints IDs for node and its descendants and records them in out.
func describe(out map[patch.Ref]patch.Instance, parent patch.Ref, name string, node *project.Node) patch.Ref {
	id := newRef()
	inst := patch.Instance{
		Parent:     parent,
		Name:       name,
		ClassName:  node.ClassName,
		Properties: node.Values(),
		Children:   []patch.Ref{},
		Metadata:   node.Metadata(),
	}
	for _, childName := range node.ChildNames() {
		child := node.Children[childName]
		inst.Children = append(inst.Children, describe(out, id, childName, &child))
	}
	out[id] = inst
	return id
}

func (t *Tree) Root() patch.Ref {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.root
}

func (t *Tree) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.instances)
}

func (t *Tree) Instance(id patch.Ref) (patch.Instance, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	inst, ok := t.instances[id]
	if !ok {
		return patch.Instance{}, false
	}
	return clone(inst), true
}

// Snapshot returns the subtrees rooted at ids.
func (t *Tree) Snapshot(ids []patch.Ref) (map[patch.Ref]patch.Instance, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make(map[patch.Ref]patch.Instance)
	for _, id := range ids {
		if _, ok := t.instances[id]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownInstance, id)
		}
		t.collectLocked(id, out)
	}
	return out, nil
}

func (t *Tree) collectLocked(id patch.Ref, out map[patch.Ref]patch.Instance) {
	inst := t.instances[id]
	out[id] = clone(inst)
	for _, child := range inst.Children {
		t.collectLocked(child, out)
	}
}

func clone(inst *patch.Instance) patch.Instance {
	c := *inst
	c.Properties = maps.Clone(inst.Properties)
	c.Children = slices.Clone(inst.Children)
	if inst.Metadata != nil {
		md := *inst.Metadata
		c.Metadata = &md
	}
	return c
}

// Apply applies a patch written by a client. The patch is checked against
// the tree first and rejected as a whole if any part of it does not apply.
func (t *Tree) Apply(p *patch.Patch) error {
	if err := p.Validate(); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.checkLocked(p); err != nil {
		return err
	}
	t.applyLocked(p)
	return nil
}

func (t *Tree) checkLocked(p *patch.Patch) error {
	for _, id := range p.Removed {
		if _, ok := t.instances[id]; !ok {
			return fmt.Errorf("%w: cannot remove %s", ErrUnknownInstance, id)
		}
		if id == t.root {
			return fmt.Errorf("%w: cannot remove the root", patch.ErrInvalidPatch)
		}
	}
	for id, inst := range p.Added {
		if _, ok := t.instances[id]; ok {
			return fmt.Errorf("%w: %s already exists", patch.ErrInvalidPatch, id)
		}
		_, inTree := t.instances[inst.Parent]
		_, inPatch := p.Added[inst.Parent]
		if !inTree && !inPatch {
			return fmt.Errorf("%w: parent %s of %s", ErrUnknownInstance, inst.Parent, id)
		}
	}
	for _, u := range p.Updated {
		if _, ok := t.instances[u.ID]; !ok {
			return fmt.Errorf("%w: cannot update %s", ErrUnknownInstance, u.ID)
		}
		if u.ChangedParent != nil {
			if _, ok := t.instances[*u.ChangedParent]; !ok {
				return fmt.Errorf("%w: new parent %s of %s", ErrUnknownInstance, *u.ChangedParent, u.ID)
			}
			if u.ID == t.root || t.isDescendantLocked(*u.ChangedParent, u.ID) {
				return fmt.Errorf("%w: cannot move %s under %s", patch.ErrInvalidPatch, u.ID, *u.ChangedParent)
			}
		}
	}
	return nil
}

func (t *Tree) applyLocked(p *patch.Patch) {
	for _, id := range p.Removed {
		if inst, ok := t.instances[id]; ok {
			t.unlinkLocked(id, inst.Parent)
			t.deleteLocked(id)
		}
	}

	for _, id := range p.AddedIDs() {
		inst := p.Added[id]
		inst.Children = []patch.Ref{}
		inst.Properties = maps.Clone(inst.Properties)
		if inst.Properties == nil {
			inst.Properties = map[string]patch.Value{}
		}
		t.instances[id] = &inst
	}
	// Link children after every addition exists, in sorted order.
	for _, id := range p.AddedIDs() {
		parent := t.instances[p.Added[id].Parent]
		parent.Children = append(parent.Children, id)
	}

	for _, u := range p.Updated {
		inst, ok := t.instances[u.ID]
		if !ok {
			continue
		}
		if u.ChangedName != nil {
			inst.Name = *u.ChangedName
		}
		if u.ChangedClassName != nil {
			inst.ClassName = *u.ChangedClassName
		}
		if u.ChangedParent != nil && *u.ChangedParent != inst.Parent {
			t.unlinkLocked(u.ID, inst.Parent)
			inst.Parent = *u.ChangedParent
			newParent := t.instances[inst.Parent]
			newParent.Children = append(newParent.Children, u.ID)
		}
		for prop, value := range u.ChangedProperties {
			inst.Properties[prop] = value
		}
		if u.ChangedMetadata != nil {
			md := *u.ChangedMetadata
			inst.Metadata = &md
		}
	}
}

// isDescendantLocked reports whether id is ancestor or lies below it.
func (t *Tree) isDescendantLocked(id, ancestor patch.Ref) bool {
	for id != "" {
		if id == ancestor {
			return true
		}
		inst, ok := t.instances[id]
		if !ok {
			return false
		}
		id = inst.Parent
	}
	return false
}

func (t *Tree) unlinkLocked(id, parent patch.Ref) {
	if p, ok := t.instances[parent]; ok {
		p.Children = slices.DeleteFunc(p.Children, func(c patch.Ref) bool { return c == id })
	}
}

func (t *Tree) deleteLocked(id patch.Ref) {
	inst, ok := t.instances[id]
	if !ok {
		return
	}
	for _, child := range inst.Children {
		t.deleteLocked(child)
	}
	delete(t.instances, id)
}

// Reload computes the patch that turns the tree into p's tree, applies it
// and returns it. Nodes are matched by name and class under a matched
// parent, so unchanged nodes keep their IDs. Properties missing from p are
// left as they are.
func (t *Tree) Reload(p *project.Project) *patch.Patch {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := patch.New()
	t.diffLocked(t.root, &p.Tree, out)
	if !out.IsEmpty() {
		t.applyLocked(out)
	}
	return out
}

func (t *Tree) diffLocked(id patch.Ref, node *project.Node, out *patch.Patch) {
	inst := t.instances[id]

	update := patch.Update{ID: id, ChangedProperties: map[string]patch.Value{}}
	for prop, value := range node.Values() {
		if current, ok := inst.Properties[prop]; !ok || !current.Equal(value) {
			update.ChangedProperties[prop] = value
		}
	}
	if want := node.IgnoreUnknownInstances; want != inst.IgnoresUnknownInstances() {
		update.ChangedMetadata = &patch.Metadata{IgnoreUnknownInstances: want}
	}
	if !update.IsEmpty() {
		out.Updated = append(out.Updated, update)
	}

	taken := make(map[patch.Ref]bool)
	for _, name := range node.ChildNames() {
		child := node.Children[name]
		match := t.findChildLocked(inst, name, child.ClassName, taken)
		if match == "" {
			describe(out.Added, id, name, &child)
			continue
		}
		taken[match] = true
		t.diffLocked(match, &child, out)
	}
	for _, childID := range inst.Children {
		if !taken[childID] {
			out.Removed = append(out.Removed, childID)
		}
	}
}

func (t *Tree) findChildLocked(parent *patch.Instance, name, className string, taken map[patch.Ref]bool) patch.Ref {
	for _, childID := range parent.Children {
		child := t.instances[childID]
		if !taken[childID] && child.Name == name && child.ClassName == className {
			return childID
		}
	}
	return ""
}
