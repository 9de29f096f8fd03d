package dom

import "sync"

// ScriptEditor is the host's script editing surface. It tracks which
// scripts are open and which one is active.
type ScriptEditor struct {
	mu     sync.Mutex
	active *Instance
	open   map[*Instance]bool

	activeChanged Signal[*Instance]
}

func NewScriptEditor() *ScriptEditor {
	return &ScriptEditor{open: make(map[*Instance]bool)}
}

// ActiveScriptChanged fires with the new active script, or nil.
func (e *ScriptEditor) ActiveScriptChanged() *Signal[*Instance] {
	return &e.activeChanged
}

func (e *ScriptEditor) ActiveScript() *Instance {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.active
}

// OpenScript opens script in the editor and makes it active.
func (e *ScriptEditor) OpenScript(script *Instance) {
	e.mu.Lock()
	e.open[script] = true
	changed := e.active != script
	e.active = script
	e.mu.Unlock()
	if changed {
		e.activeChanged.Fire(script)
	}
}

// CloseScript closes script. If it was active, nothing is active afterwards.
func (e *ScriptEditor) CloseScript(script *Instance) {
	e.mu.Lock()
	delete(e.open, script)
	changed := e.active == script
	if changed {
		e.active = nil
	}
	e.mu.Unlock()
	if changed {
		e.activeChanged.Fire(nil)
	}
}

func (e *ScriptEditor) IsOpen(script *Instance) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.open[script]
}
