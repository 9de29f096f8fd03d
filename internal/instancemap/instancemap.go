// Package instancemap associates authority refs with live instances and
// reports changes to the instances it tracks.
package instancemap

import (
	"sync"

	"github.com/golang/glog"

	"github.com/livetree/livetree/internal/dom"
	"github.com/livetree/livetree/internal/patch"
)

// ChangeFunc is called with the instance and the name of the property that
// changed. It runs on the goroutine that made the change.
type ChangeFunc func(inst *dom.Instance, prop string)

type Map struct {
	mu            sync.Mutex
	fromIDs       map[patch.Ref]*dom.Instance
	fromInstances map[*dom.Instance]patch.Ref
	connections   map[*dom.Instance]*dom.Connection
	paused        map[*dom.Instance]int
	onChanged     ChangeFunc
	stopped       bool
}

// New creates an empty map. onChanged may be nil.
func New(onChanged ChangeFunc) *Map {
	return &Map{
		fromIDs:       make(map[patch.Ref]*dom.Instance),
		fromInstances: make(map[*dom.Instance]patch.Ref),
		connections:   make(map[*dom.Instance]*dom.Connection),
		paused:        make(map[*dom.Instance]int),
		onChanged:     onChanged,
	}
}

// Insert associates id with inst and starts watching inst for changes. An
// existing association for either side is replaced.
func (m *Map) Insert(id patch.Ref, inst *dom.Instance) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return
	}

	if old, ok := m.fromIDs[id]; ok && old != inst {
		m.forgetLocked(old)
	}
	if oldID, ok := m.fromInstances[inst]; ok && oldID != id {
		delete(m.fromIDs, oldID)
	}

	m.fromIDs[id] = inst
	m.fromInstances[inst] = id
	if _, ok := m.connections[inst]; !ok {
		m.connections[inst] = inst.Changed().Connect(func(prop string) {
			m.instanceChanged(inst, prop)
		})
	}
}

func (m *Map) IDOf(inst *dom.Instance) (patch.Ref, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.fromInstances[inst]
	return id, ok
}

func (m *Map) InstanceOf(id patch.Ref) (*dom.Instance, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst, ok := m.fromIDs[id]
	return inst, ok
}

// Len reports how many instances are tracked.
func (m *Map) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.fromIDs)
}

// RemoveID forgets id and every tracked descendant of its instance.
func (m *Map) RemoveID(id patch.Ref) {
	m.mu.Lock()
	inst, ok := m.fromIDs[id]
	m.mu.Unlock()
	if ok {
		m.RemoveInstance(inst)
	}
}

// RemoveInstance forgets inst and every tracked descendant.
func (m *Map) RemoveInstance(inst *dom.Instance) {
	descendants := inst.Descendants()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.forgetLocked(inst)
	for _, d := range descendants {
		m.forgetLocked(d)
	}
}

// DestroyID forgets id and its subtree, then destroys the instance.
func (m *Map) DestroyID(id patch.Ref) {
	inst, ok := m.InstanceOf(id)
	if !ok {
		return
	}
	m.DestroyInstance(inst)
}

// DestroyInstance forgets inst and its subtree, then destroys it. Forgetting
// first keeps the destruction from being reported as a local change.
func (m *Map) DestroyInstance(inst *dom.Instance) {
	m.RemoveInstance(inst)
	inst.Destroy()
}

func (m *Map) forgetLocked(inst *dom.Instance) {
	if id, ok := m.fromInstances[inst]; ok {
		delete(m.fromIDs, id)
		delete(m.fromInstances, inst)
	}
	if conn, ok := m.connections[inst]; ok {
		conn.Disconnect()
		delete(m.connections, inst)
	}
	delete(m.paused, inst)
}

// Pause suppresses change reports for inst until the matching Unpause.
// Pauses nest.
func (m *Map) Pause(inst *dom.Instance) {
	m.mu.Lock()
	m.paused[inst]++
	m.mu.Unlock()
}

func (m *Map) Unpause(inst *dom.Instance) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.paused[inst] <= 1 {
		delete(m.paused, inst)
		return
	}
	m.paused[inst]--
}

// WhilePaused runs fn with change reports for inst suppressed.
func (m *Map) WhilePaused(inst *dom.Instance, fn func()) {
	m.Pause(inst)
	defer m.Unpause(inst)
	fn()
}

func (m *Map) instanceChanged(inst *dom.Instance, prop string) {
	m.mu.Lock()
	if m.stopped || m.paused[inst] > 0 {
		m.mu.Unlock()
		return
	}
	_, tracked := m.fromInstances[inst]
	onChanged := m.onChanged
	m.mu.Unlock()

	if !tracked || onChanged == nil {
		return
	}
	onChanged(inst, prop)
}

// Stop disconnects every change listener. The associations stay readable but
// no further changes are reported and nothing new is tracked.
func (m *Map) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return
	}
	m.stopped = true
	for inst, conn := range m.connections {
		conn.Disconnect()
		delete(m.connections, inst)
	}
	glog.V(1).Infof("instance map stopped with %d tracked instances", len(m.fromIDs))
}
