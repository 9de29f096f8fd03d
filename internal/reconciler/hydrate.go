package reconciler

import (
	"errors"
	"fmt"
	"reflect"

	"github.com/oklog/ulid/v2"

	"github.com/livetree/livetree/internal/dom"
	"github.com/livetree/livetree/internal/patch"
)

var ErrSnapshotMissing = errors.New("snapshot is missing an instance")

// localRefPrefix marks refs minted for live instances the authority never
// knew about. They only ever appear in hydration removals.
const localRefPrefix = "local-"

// Hydrate matches the live tree under liveRoot against the snapshot rooted
// at rootID, records every match in the instance map, and returns the patch
// that makes the live tree equal to the snapshot. Nothing in the live tree
// is modified.
//
// A live instance matches a snapshot instance with the same Name and
// ClassName under a matched parent. Snapshot instances without a match are
// added, live instances without a match are removed unless their parent
// ignores unknown instances, and matched pairs get an update for every
// snapshot property whose live value differs.
func (r *Reconciler) Hydrate(snapshot map[patch.Ref]patch.Instance, rootID patch.Ref, liveRoot *dom.Instance) (*patch.Patch, error) {
	if _, ok := snapshot[rootID]; !ok {
		return nil, fmt.Errorf("%w: root %s", ErrSnapshotMissing, rootID)
	}
	if err := checkSnapshot(snapshot, rootID); err != nil {
		return nil, err
	}

	r.instances.Insert(rootID, liveRoot)
	r.match(snapshot, rootID, liveRoot)

	p := patch.New()
	r.diff(snapshot, rootID, p)
	return p, nil
}

// checkSnapshot verifies that every child reachable from rootID is present
// and appears only once.
func checkSnapshot(snapshot map[patch.Ref]patch.Instance, rootID patch.Ref) error {
	seen := map[patch.Ref]bool{rootID: true}
	stack := []patch.Ref{rootID}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, childID := range snapshot[id].Children {
			if _, ok := snapshot[childID]; !ok {
				return fmt.Errorf("%w: %s, child of %s", ErrSnapshotMissing, childID, id)
			}
			if seen[childID] {
				return fmt.Errorf("snapshot lists %s more than once", childID)
			}
			seen[childID] = true
			stack = append(stack, childID)
		}
	}
	return nil
}

func (r *Reconciler) match(snapshot map[patch.Ref]patch.Instance, id patch.Ref, live *dom.Instance) {
	virtual := snapshot[id]
	taken := make(map[*dom.Instance]bool)
	liveChildren := live.Children()

	for _, childID := range virtual.Children {
		vChild := snapshot[childID]
		for _, lChild := range liveChildren {
			if taken[lChild] {
				continue
			}
			if lChild.Name() == vChild.Name && lChild.ClassName() == vChild.ClassName {
				taken[lChild] = true
				r.instances.Insert(childID, lChild)
				r.match(snapshot, childID, lChild)
				break
			}
		}
	}
}

func (r *Reconciler) diff(snapshot map[patch.Ref]patch.Instance, id patch.Ref, p *patch.Patch) {
	virtual := snapshot[id]
	live, _ := r.instances.InstanceOf(id)

	// Matched pairs already share a name; the root keeps the host's name.
	update := patch.Update{ID: id, ChangedProperties: map[string]patch.Value{}}
	for prop, value := range virtual.Properties {
		if !r.sameValue(live, prop, value) {
			update.ChangedProperties[prop] = value
		}
	}
	if !update.IsEmpty() {
		p.Updated = append(p.Updated, update)
	}

	known := make(map[*dom.Instance]bool)
	for _, childID := range virtual.Children {
		if lChild, ok := r.instances.InstanceOf(childID); ok {
			known[lChild] = true
			r.diff(snapshot, childID, p)
			continue
		}
		addSubtree(snapshot, childID, id, p)
	}

	if virtual.IgnoresUnknownInstances() {
		return
	}
	for _, lChild := range live.Children() {
		if known[lChild] {
			continue
		}
		ref := patch.Ref(localRefPrefix + ulid.Make().String())
		r.instances.Insert(ref, lChild)
		p.Removed = append(p.Removed, ref)
	}
}

func (r *Reconciler) sameValue(live *dom.Instance, prop string, value patch.Value) bool {
	current, ok := live.Get(prop)
	if !ok {
		return false
	}
	decoded, err := r.DecodeValue(value)
	if err != nil {
		return false
	}
	return reflect.DeepEqual(current, decoded)
}

func addSubtree(snapshot map[patch.Ref]patch.Instance, id, parent patch.Ref, p *patch.Patch) {
	inst := snapshot[id]
	inst.Parent = parent
	p.Added[id] = inst
	for _, childID := range inst.Children {
		addSubtree(snapshot, childID, id, p)
	}
}
