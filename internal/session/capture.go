package session

import (
	"fmt"

	"github.com/golang/glog"

	"github.com/livetree/livetree/internal/dom"
	"github.com/livetree/livetree/internal/patch"
)

type changeKind int

const (
	changeRename changeKind = iota
	changeDetach
	// changeReparent is recognised but never forwarded.
	changeReparent
	changeProperty
)

func (k changeKind) String() string {
	switch k {
	case changeRename:
		return "rename"
	case changeDetach:
		return "detach"
	case changeReparent:
		return "reparent"
	default:
		return "property"
	}
}

// localChange is a change observed on a live instance, with the new value
// read at the time it was reported.
type localChange struct {
	inst  *dom.Instance
	prop  string
	kind  changeKind
	name  string
	value any
}

func classify(inst *dom.Instance, prop string) localChange {
	c := localChange{inst: inst, prop: prop}
	switch prop {
	case dom.PropName:
		c.kind = changeRename
		c.name = inst.Name()
	case dom.PropParent:
		if inst.Parent() == nil {
			c.kind = changeDetach
		} else {
			c.kind = changeReparent
		}
	default:
		c.kind = changeProperty
		c.value, _ = inst.Get(prop)
	}
	return c
}

// onInstanceChanged is called by the identity map on the goroutine that
// made the change. The patch is built on the task queue so it never
// interleaves with patch application.
func (s *Session) onInstanceChanged(inst *dom.Instance, prop string) {
	if !s.twoWaySync || s.Status() != Connected {
		return
	}
	change := classify(inst, prop)
	s.tasks.Push(func() { s.capture(change) })
}

func (s *Session) capture(c localChange) {
	if s.Status() != Connected {
		return
	}
	id, ok := s.instances.IDOf(c.inst)
	if !ok {
		glog.V(1).Infof("ignoring %s of untracked instance %s", c.kind, c.inst.FullName())
		s.metrics.ChangeDropped("untracked")
		return
	}

	p, ok := s.buildPatch(id, c)
	if !ok {
		return
	}
	glog.V(1).Infof("forwarding %s of %s (%s)", c.kind, id, c.inst.FullName())
	s.metrics.ChangeCaptured(c.kind.String())
	s.outbox.Push(func() { s.write(p) })
}

// buildPatch shapes a single change into a patch. It reports false for
// changes that cannot be forwarded.
func (s *Session) buildPatch(id patch.Ref, c localChange) (*patch.Patch, bool) {
	switch c.kind {
	case changeRename:
		return patch.Rename(id, c.name), true
	case changeDetach:
		return patch.Remove(id), true
	case changeReparent:
		glog.Warningf("not forwarding move of %s (%s): reparenting is not supported", id, c.inst.FullName())
		s.metrics.ChangeDropped("reparent")
		return nil, false
	default:
		value, ok := s.reconciler.EncodeValue(c.value)
		if !ok {
			glog.Warningf("not forwarding %s.%s: cannot encode %T", c.inst.FullName(), c.prop, c.value)
			s.metrics.ChangeDropped("unencodable")
			return nil, false
		}
		return patch.SetProperty(id, c.prop, value), true
	}
}

func (s *Session) write(p *patch.Patch) {
	if s.Status() != Connected {
		return
	}
	err := s.api.Write(s.ctx, p)
	s.metrics.Write(err)
	if err != nil && !s.stopping(err) {
		s.fail(fmt.Errorf("%w: write: %w", ErrConnection, err))
	}
}

// onActiveScriptChanged hands the newly active script to the authority for
// external editing.
func (s *Session) onActiveScriptChanged(script *dom.Instance) {
	if script == nil || !s.openScriptsExternally || s.Status() != Connected {
		return
	}
	s.tasks.Push(func() { s.openExternally(script) })
}

func (s *Session) openExternally(script *dom.Instance) {
	if s.Status() != Connected {
		return
	}
	id, ok := s.instances.IDOf(script)
	if !ok {
		glog.V(1).Infof("not opening untracked script %s", script.FullName())
		return
	}

	s.editor.CloseScript(script)
	// Detaching and reattaching releases the editor's hold on the script.
	s.instances.WhilePaused(script, func() {
		parent := script.Parent()
		if parent == nil {
			return
		}
		if err := script.SetParent(nil); err != nil {
			glog.Warningf("detach %s: %v", script.FullName(), err)
			return
		}
		if err := script.SetParent(parent); err != nil {
			glog.Warningf("reattach %s: %v", script.FullName(), err)
		}
	})

	go func() {
		err := s.api.Open(s.ctx, id)
		s.metrics.Open(err)
		if err != nil {
			glog.Warningf("open %s externally: %v", id, err)
		}
	}()
}
