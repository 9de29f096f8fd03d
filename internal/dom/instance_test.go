package dom

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func recordChanges(inst *Instance) *[]string {
	var got []string
	inst.Changed().Connect(func(prop string) {
		got = append(got, prop)
	})
	return &got
}

func TestSetNameFiresOnce(t *testing.T) {
	inst := New("Folder", "A")
	changes := recordChanges(inst)

	inst.SetName("B")
	inst.SetName("B")

	assert.Equal(t, "B", inst.Name())
	assert.Equal(t, []string{PropName}, *changes)
}

func TestSetParentMovesChild(t *testing.T) {
	root := New("DataModel", "game")
	a := New("Folder", "A")
	b := New("Folder", "B")
	child := New("Part", "P")
	require.NoError(t, a.SetParent(root))
	require.NoError(t, b.SetParent(root))
	require.NoError(t, child.SetParent(a))

	changes := recordChanges(child)
	require.NoError(t, child.SetParent(b))

	assert.Empty(t, a.Children())
	assert.Equal(t, []*Instance{child}, b.Children())
	assert.Equal(t, []string{PropParent}, *changes)
	assert.Equal(t, "B.P", child.FullName())
}

func TestSetParentRejectsCycle(t *testing.T) {
	a := New("Folder", "A")
	b := New("Folder", "B")
	require.NoError(t, b.SetParent(a))

	assert.ErrorIs(t, a.SetParent(b), ErrParentCycle)
	assert.ErrorIs(t, a.SetParent(a), ErrParentCycle)
}

func TestSetPropertySkipsEqualValues(t *testing.T) {
	inst := New("Part", "P")
	changes := recordChanges(inst)

	require.NoError(t, inst.Set("Color", Color3{R: 1}))
	require.NoError(t, inst.Set("Color", Color3{R: 1}))
	require.NoError(t, inst.Set("Anchored", true))

	assert.Equal(t, []string{"Color", "Anchored"}, *changes)
	assert.Equal(t, []string{"Anchored", "Color"}, inst.PropertyNames())
}

func TestSetParentPropertyIsReserved(t *testing.T) {
	inst := New("Part", "P")
	assert.ErrorIs(t, inst.Set(PropParent, nil), ErrReservedProp)
}

func TestDestroyLocksSubtree(t *testing.T) {
	root := New("DataModel", "game")
	a := New("Folder", "A")
	leaf := New("Part", "P")
	require.NoError(t, a.SetParent(root))
	require.NoError(t, leaf.SetParent(a))

	aChanges := recordChanges(a)
	leafChanges := recordChanges(leaf)
	a.Destroy()
	a.Destroy()

	assert.Nil(t, a.Parent())
	assert.Empty(t, root.Children())
	assert.True(t, leaf.Destroyed())
	assert.Equal(t, []string{PropParent}, *aChanges)
	assert.Empty(t, *leafChanges)
	assert.ErrorIs(t, leaf.Set("Anchored", true), ErrDestroyed)
}

func TestConnectionDisconnect(t *testing.T) {
	var s Signal[int]
	var got []int
	c1 := s.Connect(func(v int) { got = append(got, v) })
	s.Connect(func(v int) { got = append(got, v*10) })

	s.Fire(1)
	c1.Disconnect()
	c1.Disconnect()
	s.Fire(2)

	assert.Equal(t, []int{1, 10, 20}, got)
	assert.Equal(t, 1, s.Len())
}

func TestScriptEditorActiveScript(t *testing.T) {
	e := NewScriptEditor()
	script := New("ModuleScript", "Util")
	var fired []*Instance
	e.ActiveScriptChanged().Connect(func(inst *Instance) { fired = append(fired, inst) })

	e.OpenScript(script)
	e.OpenScript(script)
	assert.True(t, e.IsOpen(script))
	assert.Same(t, script, e.ActiveScript())

	e.CloseScript(script)
	assert.False(t, e.IsOpen(script))
	assert.Nil(t, e.ActiveScript())
	assert.Equal(t, []*Instance{script, nil}, fired)
	assert.True(t, script.IsScript())
}
