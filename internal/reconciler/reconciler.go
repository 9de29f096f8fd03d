// Package reconciler applies patches to a live tree and computes the patch
// that brings a live tree in line with an authority snapshot.
package reconciler

import (
	"errors"
	"fmt"
	"strings"

	"github.com/golang/glog"

	"github.com/livetree/livetree/internal/dom"
	"github.com/livetree/livetree/internal/instancemap"
	"github.com/livetree/livetree/internal/patch"
)

var ErrPartialApply = errors.New("patch applied partially")

// ApplyError is returned when some of a patch could not be applied. The tree
// keeps whatever was applied; Unapplied holds the rest.
type ApplyError struct {
	Unapplied *patch.Patch
	Errs      []error
}

func (e *ApplyError) Error() string {
	msgs := make([]string, 0, len(e.Errs))
	for _, err := range e.Errs {
		msgs = append(msgs, err.Error())
	}
	return fmt.Sprintf("%s: %s", ErrPartialApply, strings.Join(msgs, "; "))
}

func (e *ApplyError) Unwrap() []error {
	return append([]error{ErrPartialApply}, e.Errs...)
}

type Reconciler struct {
	instances *instancemap.Map
}

func New(instances *instancemap.Map) *Reconciler {
	return &Reconciler{instances: instances}
}

type deferredRef struct {
	id    patch.Ref
	inst  *dom.Instance
	prop  string
	value patch.Value
}

// applyState accumulates what could not be applied.
type applyState struct {
	unapplied *patch.Patch
	errs      []error
	reified   map[patch.Ref]bool
	refs      []deferredRef
}

func (s *applyState) fail(err error) {
	s.errs = append(s.errs, err)
}

// failProperty records one property that could not be applied to id.
func (s *applyState) failProperty(id patch.Ref, prop string, value patch.Value, err error) {
	s.fail(fmt.Errorf("%s.%s: %w", id, prop, err))
	s.unapplied.Updated = append(s.unapplied.Updated, patch.Update{
		ID:                id,
		ChangedProperties: map[string]patch.Value{prop: value},
	})
}

// ApplyPatch applies removals, then additions, then updates. Changes made
// here are not reported as local edits. A patch that violates the
// removed/added/updated invariant is rejected before anything is touched.
func (r *Reconciler) ApplyPatch(p *patch.Patch) error {
	if err := p.Validate(); err != nil {
		return err
	}

	st := &applyState{
		unapplied: patch.New(),
		reified:   make(map[patch.Ref]bool),
	}

	// Removal is transitive, so an ID may already be gone along with an
	// ancestor earlier in the list or an earlier patch.
	for _, id := range p.Removed {
		if _, ok := r.instances.InstanceOf(id); !ok {
			glog.V(1).Infof("%s is already removed", id)
			continue
		}
		r.instances.DestroyID(id)
	}

	r.applyAdditions(p, st)

	for _, u := range p.Updated {
		r.applyUpdate(u, st)
	}

	for _, d := range st.refs {
		value, err := r.DecodeValue(d.value)
		if err == nil {
			err = r.setPaused(d.inst, d.prop, value)
		}
		if err != nil {
			st.failProperty(d.id, d.prop, d.value, err)
		}
	}

	if len(st.errs) == 0 {
		return nil
	}
	glog.Warningf("patch applied partially: %d removals, %d additions, %d updates left over",
		len(st.unapplied.Removed), len(st.unapplied.Added), len(st.unapplied.Updated))
	return &ApplyError{Unapplied: st.unapplied, Errs: st.errs}
}

func (r *Reconciler) applyAdditions(p *patch.Patch, st *applyState) {
	for _, id := range p.AddedIDs() {
		if _, ok := r.instances.InstanceOf(id); ok {
			// Already present, typically the echo of an addition we made.
			st.reified[id] = true
			continue
		}
		inst := p.Added[id]
		parent, ok := r.instances.InstanceOf(inst.Parent)
		if !ok {
			// Either added later along with its parent, or orphaned.
			continue
		}
		r.reify(p, id, parent, st)
	}

	for _, id := range p.AddedIDs() {
		if !st.reified[id] {
			st.fail(fmt.Errorf("cannot add %s: parent %s is not present", id, p.Added[id].Parent))
			st.unapplied.Added[id] = p.Added[id]
		}
	}
}

// reify builds the instance for id and its added descendants. The instance is
// configured and parented before it is tracked, so none of this is reported.
func (r *Reconciler) reify(p *patch.Patch, id patch.Ref, parent *dom.Instance, st *applyState) {
	desc := p.Added[id]
	inst := dom.New(desc.ClassName, desc.Name)
	st.reified[id] = true

	for prop, value := range desc.Properties {
		if value.Type == patch.TypeRef {
			st.refs = append(st.refs, deferredRef{id: id, inst: inst, prop: prop, value: value})
			continue
		}
		decoded, err := r.DecodeValue(value)
		if err == nil {
			err = inst.Set(prop, decoded)
		}
		if err != nil {
			st.failProperty(id, prop, value, err)
		}
	}

	if err := inst.SetParent(parent); err != nil {
		st.fail(fmt.Errorf("cannot parent %s: %w", id, err))
		st.unapplied.Added[id] = desc
		return
	}
	r.instances.Insert(id, inst)

	for _, childID := range desc.Children {
		if _, ok := p.Added[childID]; ok && !st.reified[childID] {
			r.reify(p, childID, inst, st)
		}
	}
}

func (r *Reconciler) applyUpdate(u patch.Update, st *applyState) {
	inst, ok := r.instances.InstanceOf(u.ID)
	if !ok {
		st.fail(fmt.Errorf("cannot update unknown instance %s", u.ID))
		st.unapplied.Updated = append(st.unapplied.Updated, u)
		return
	}

	if u.ChangedClassName != nil && *u.ChangedClassName != inst.ClassName() {
		st.fail(fmt.Errorf("cannot change class of %s to %s", u.ID, *u.ChangedClassName))
		st.unapplied.Updated = append(st.unapplied.Updated, patch.Update{
			ID:                u.ID,
			ChangedClassName:  u.ChangedClassName,
			ChangedProperties: map[string]patch.Value{},
		})
	}

	if u.ChangedMetadata != nil {
		// Live instances carry no metadata; it only shapes hydration.
		glog.V(1).Infof("ignoring metadata change of %s", u.ID)
	}

	if u.ChangedName != nil {
		r.instances.WhilePaused(inst, func() { inst.SetName(*u.ChangedName) })
	}

	if u.ChangedParent != nil {
		parent, ok := r.instances.InstanceOf(*u.ChangedParent)
		var err error
		if !ok {
			err = fmt.Errorf("parent %s is not present", *u.ChangedParent)
		} else {
			r.instances.WhilePaused(inst, func() { err = inst.SetParent(parent) })
		}
		if err != nil {
			st.fail(fmt.Errorf("cannot move %s: %w", u.ID, err))
			st.unapplied.Updated = append(st.unapplied.Updated, patch.Update{
				ID:                u.ID,
				ChangedParent:     u.ChangedParent,
				ChangedProperties: map[string]patch.Value{},
			})
		}
	}

	for prop, value := range u.ChangedProperties {
		if value.Type == patch.TypeRef {
			st.refs = append(st.refs, deferredRef{id: u.ID, inst: inst, prop: prop, value: value})
			continue
		}
		decoded, err := r.DecodeValue(value)
		if err == nil {
			err = r.setPaused(inst, prop, decoded)
		}
		if err != nil {
			st.failProperty(u.ID, prop, value, err)
		}
	}
}

func (r *Reconciler) setPaused(inst *dom.Instance, prop string, value any) error {
	var err error
	r.instances.WhilePaused(inst, func() { err = inst.Set(prop, value) })
	return err
}
