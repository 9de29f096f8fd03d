package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/livetree/livetree/internal/api"
	"github.com/livetree/livetree/internal/dom"
	"github.com/livetree/livetree/internal/metrics"
	"github.com/livetree/livetree/internal/patch"
	"github.com/livetree/livetree/internal/reconciler"
)

const waitFor = 2 * time.Second

type fakeTransport struct {
	mu          sync.Mutex
	calls       []string
	connectErr  error
	readErr     error
	snapshot    map[patch.Ref]patch.Instance
	cursor      int64
	writeErr    error
	writes      []*patch.Patch
	opened      []patch.Ref
	disconnects int

	// status, when set, is checked on every retrieval.
	status         func() Status
	beforeRetrieve func()
	badRetrieve    bool

	batches     chan []*patch.Patch
	retrieveErr chan error
	retrieving  chan struct{}
	written     chan *patch.Patch
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		snapshot: map[patch.Ref]patch.Instance{
			"root": {Name: "game", ClassName: "DataModel", Children: []patch.Ref{"42", "f", "s"}},
			"42":   {Parent: "root", Name: "A", ClassName: "Part"},
			"f":    {Parent: "root", Name: "Folder", ClassName: "Folder"},
			"s":    {Parent: "root", Name: "Main", ClassName: "Script"},
		},
		cursor:      5,
		batches:     make(chan []*patch.Patch, 8),
		retrieveErr: make(chan error, 1),
		retrieving:  make(chan struct{}, 64),
		written:     make(chan *patch.Patch, 64),
	}
}

func (f *fakeTransport) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
}

func (f *fakeTransport) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeTransport) Connect(ctx context.Context) (api.ServerInfo, error) {
	f.record("connect")
	if f.connectErr != nil {
		return api.ServerInfo{}, f.connectErr
	}
	return api.ServerInfo{SessionID: "s1", ProtocolVersion: api.ProtocolVersion, RootInstanceID: "root"}, nil
}

func (f *fakeTransport) Read(ctx context.Context, ids []patch.Ref) (api.ReadResponse, error) {
	f.record(fmt.Sprintf("read %v", ids))
	if f.readErr != nil {
		return api.ReadResponse{}, f.readErr
	}
	return api.ReadResponse{SessionID: "s1", MessageCursor: f.cursor, Instances: f.snapshot}, nil
}

func (f *fakeTransport) SetMessageCursor(cursor int64) {
	f.record(fmt.Sprintf("cursor %d", cursor))
}

func (f *fakeTransport) RetrieveMessages(ctx context.Context) ([]*patch.Patch, error) {
	f.record("retrieve")
	if f.status != nil && f.status() != Connected {
		f.mu.Lock()
		f.badRetrieve = true
		f.mu.Unlock()
	}
	if f.beforeRetrieve != nil {
		f.beforeRetrieve()
	}
	f.retrieving <- struct{}{}
	select {
	case batch := <-f.batches:
		return batch, nil
	case err := <-f.retrieveErr:
		return nil, err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *fakeTransport) Write(ctx context.Context, p *patch.Patch) error {
	f.record("write")
	if f.writeErr != nil {
		return f.writeErr
	}
	f.mu.Lock()
	f.writes = append(f.writes, p)
	f.mu.Unlock()
	f.written <- p
	return nil
}

func (f *fakeTransport) Disconnect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnects++
	return nil
}

func (f *fakeTransport) Open(ctx context.Context, id patch.Ref) error {
	f.mu.Lock()
	f.opened = append(f.opened, id)
	f.mu.Unlock()
	f.record("open " + string(id))
	return nil
}

func (f *fakeTransport) Disconnects() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.disconnects
}

func (f *fakeTransport) Writes() []*patch.Patch {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*patch.Patch(nil), f.writes...)
}

func (f *fakeTransport) nextWrite(t *testing.T) *patch.Patch {
	t.Helper()
	select {
	case p := <-f.written:
		return p
	case <-time.After(waitFor):
		t.Fatal("timed out waiting for a write")
		return nil
	}
}

func (f *fakeTransport) waitRetrieving(t *testing.T) {
	t.Helper()
	select {
	case <-f.retrieving:
	case <-time.After(waitFor):
		t.Fatal("timed out waiting for RetrieveMessages")
	}
}

type statusLog struct {
	mu      sync.Mutex
	entries []Status
	errs    []error
}

func (l *statusLog) record(s Status, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, s)
	l.errs = append(l.errs, err)
}

func (l *statusLog) Statuses() []Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Status(nil), l.entries...)
}

func (l *statusLog) LastErr() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.errs) == 0 {
		return nil
	}
	return l.errs[len(l.errs)-1]
}

type liveTree struct {
	root   *dom.Instance
	part   *dom.Instance
	folder *dom.Instance
	script *dom.Instance
}

func newLiveTree(t *testing.T) *liveTree {
	t.Helper()
	lt := &liveTree{
		root:   dom.New("DataModel", "game"),
		part:   dom.New("Part", "A"),
		folder: dom.New("Folder", "Folder"),
		script: dom.New("Script", "Main"),
	}
	for _, c := range []*dom.Instance{lt.part, lt.folder, lt.script} {
		require.NoError(t, c.SetParent(lt.root))
	}
	return lt
}

type harness struct {
	session   *Session
	transport *fakeTransport
	tree      *liveTree
	editor    *dom.ScriptEditor
	log       *statusLog
}

func newHarness(t *testing.T, twoWay, openExternally bool) *harness {
	t.Helper()
	h := &harness{
		transport: newFakeTransport(),
		tree:      newLiveTree(t),
		editor:    dom.NewScriptEditor(),
		log:       &statusLog{},
	}
	h.session = New(Options{
		API:                   h.transport,
		TwoWaySync:            twoWay,
		OpenScriptsExternally: openExternally,
		LiveRoot:              h.tree.root,
		Editor:                h.editor,
		Metrics:               metrics.NewSession(prometheus.NewRegistry()),
	})
	h.transport.status = h.session.Status
	h.session.OnStatusChanged(h.log.record)
	t.Cleanup(h.session.Stop)
	return h
}

// connect starts the session and waits until hydration is done and the
// main loop is waiting for messages.
func (h *harness) connect(t *testing.T) {
	t.Helper()
	require.NoError(t, h.session.Start(context.Background()))
	h.transport.waitRetrieving(t)
	require.Equal(t, Connected, h.session.Status())
}

func (h *harness) waitDone(t *testing.T) {
	t.Helper()
	select {
	case <-h.session.Done():
	case <-time.After(waitFor):
		t.Fatal("session did not end")
	}
}

func TestStatusSequenceOnStop(t *testing.T) {
	h := newHarness(t, true, false)
	h.connect(t)

	h.session.Stop()
	h.waitDone(t)
	h.session.Stop()

	assert.Equal(t, []Status{Connecting, Connected, Disconnected}, h.log.Statuses())
	assert.NoError(t, h.log.LastErr())
	assert.NoError(t, h.session.Err())
	assert.Equal(t, 1, h.transport.Disconnects())
}

func TestConnectFailureSkipsConnected(t *testing.T) {
	h := newHarness(t, true, false)
	h.transport.connectErr = errors.New("refused")

	require.NoError(t, h.session.Start(context.Background()))
	h.waitDone(t)

	assert.Equal(t, []Status{Connecting, Disconnected}, h.log.Statuses())
	assert.ErrorIs(t, h.log.LastErr(), ErrConnection)
	assert.ErrorIs(t, h.session.Err(), ErrConnection)
	assert.Equal(t, Disconnected, h.session.Status())
}

func TestReadFailureIsConnectionFailure(t *testing.T) {
	h := newHarness(t, true, false)
	h.transport.readErr = errors.New("timeout")

	require.NoError(t, h.session.Start(context.Background()))
	h.waitDone(t)

	assert.Equal(t, []Status{Connecting, Connected, Disconnected}, h.log.Statuses())
	assert.ErrorIs(t, h.session.Err(), ErrConnection)
}

func TestStartTwice(t *testing.T) {
	h := newHarness(t, true, false)
	h.connect(t)
	assert.ErrorIs(t, h.session.Start(context.Background()), ErrAlreadyStarted)
}

func TestStopBeforeStart(t *testing.T) {
	h := newHarness(t, true, true)
	require.Equal(t, 1, h.editor.ActiveScriptChanged().Len())

	h.session.Stop()
	h.waitDone(t)

	assert.Equal(t, 0, h.editor.ActiveScriptChanged().Len())
	assert.ErrorIs(t, h.session.Start(context.Background()), ErrClosed)
	assert.Empty(t, h.log.Statuses())
	assert.Equal(t, NotStarted, h.session.Status())
	assert.Empty(t, h.transport.Calls())
}

func TestStartContextCancelStops(t *testing.T) {
	h := newHarness(t, true, false)
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, h.session.Start(ctx))
	h.transport.waitRetrieving(t)

	cancel()
	h.waitDone(t)
	assert.Equal(t, []Status{Connecting, Connected, Disconnected}, h.log.Statuses())
	assert.NoError(t, h.session.Err())
}

func TestHydrationRunsBeforeMainLoop(t *testing.T) {
	h := newHarness(t, true, false)
	root := h.transport.snapshot["root"]
	root.Children = append(root.Children, "new")
	h.transport.snapshot["root"] = root
	h.transport.snapshot["new"] = patch.Instance{Parent: "root", Name: "New", ClassName: "Folder"}

	stray := dom.New("Part", "Stray")
	require.NoError(t, stray.SetParent(h.tree.root))

	var hydratedFirst bool
	var once sync.Once
	h.transport.beforeRetrieve = func() {
		once.Do(func() {
			hydratedFirst = h.tree.root.FindFirstChild("New") != nil && stray.Destroyed()
		})
	}

	h.connect(t)

	assert.True(t, hydratedFirst, "hydration must be applied before the first retrieval")
	assert.Equal(t, []string{"connect", "read [root]", "cursor 5", "retrieve"}, h.transport.Calls())
	assert.Empty(t, h.transport.Writes(), "hydration must not be echoed back")
}

func TestHydrationFailure(t *testing.T) {
	h := newHarness(t, true, false)
	delete(h.transport.snapshot, "f")

	require.NoError(t, h.session.Start(context.Background()))
	h.waitDone(t)

	assert.ErrorIs(t, h.session.Err(), ErrReconciliation)
	assert.ErrorIs(t, h.session.Err(), reconciler.ErrSnapshotMissing)
	assert.Equal(t, []Status{Connecting, Connected, Disconnected}, h.log.Statuses())
}

func TestBatchesApplyInOrder(t *testing.T) {
	h := newHarness(t, true, false)
	h.connect(t)

	added := patch.New()
	added.Added["x"] = patch.Instance{Parent: "f", Name: "X", ClassName: "Part"}
	h.transport.batches <- []*patch.Patch{added, patch.Rename("x", "Y")}
	h.transport.waitRetrieving(t)
	h.transport.batches <- []*patch.Patch{patch.Rename("x", "Z")}
	h.transport.waitRetrieving(t)

	assert.NotNil(t, h.tree.folder.FindFirstChild("Z"))
	assert.Equal(t, Connected, h.session.Status())
	assert.Empty(t, h.transport.Writes())
}

func TestApplyFailureEndsSession(t *testing.T) {
	h := newHarness(t, true, false)
	h.connect(t)

	h.transport.batches <- []*patch.Patch{patch.Rename("ghost", "Boo")}
	h.waitDone(t)

	err := h.session.Err()
	assert.ErrorIs(t, err, ErrReconciliation)
	assert.ErrorIs(t, err, reconciler.ErrPartialApply)
	var applyErr *reconciler.ApplyError
	require.ErrorAs(t, err, &applyErr)
	require.Len(t, applyErr.Unapplied.Updated, 1)
	assert.Equal(t, patch.Ref("ghost"), applyErr.Unapplied.Updated[0].ID)
}

func TestRepeatedRemovalKeepsSession(t *testing.T) {
	h := newHarness(t, true, false)
	h.connect(t)

	h.transport.batches <- []*patch.Patch{patch.Remove("f"), patch.Remove("f")}
	h.transport.waitRetrieving(t)
	h.transport.batches <- []*patch.Patch{patch.Remove("f")}
	h.transport.waitRetrieving(t)

	assert.True(t, h.tree.folder.Destroyed())
	assert.Equal(t, Connected, h.session.Status())
	assert.NoError(t, h.session.Err())
}

func TestRetrieveFailureEndsSession(t *testing.T) {
	h := newHarness(t, true, false)
	h.connect(t)

	h.transport.retrieveErr <- errors.New("socket closed")
	h.waitDone(t)
	assert.ErrorIs(t, h.session.Err(), ErrConnection)
	assert.Equal(t, 1, h.transport.Disconnects())
}

func TestNoRetrievalAfterStop(t *testing.T) {
	h := newHarness(t, true, false)
	h.connect(t)

	h.session.Stop()
	h.waitDone(t)
	h.transport.batches <- []*patch.Patch{patch.Rename("42", "Late")}

	time.Sleep(50 * time.Millisecond)
	h.transport.mu.Lock()
	bad := h.transport.badRetrieve
	h.transport.mu.Unlock()
	assert.False(t, bad)
	assert.Equal(t, "A", h.tree.part.Name())
}

// Node 42 renamed from A to B is forwarded as a single rename.
func TestRenameIsForwarded(t *testing.T) {
	h := newHarness(t, true, false)
	h.connect(t)

	h.tree.part.SetName("B")

	got, err := json.Marshal(h.transport.nextWrite(t))
	require.NoError(t, err)
	assert.JSONEq(t, `{"removed":[],"added":{},"updated":[{"id":"42","changedName":"B","changedProperties":{}}]}`, string(got))
}

func TestDetachIsForwardedAsRemoval(t *testing.T) {
	h := newHarness(t, true, false)
	h.connect(t)

	require.NoError(t, h.tree.part.SetParent(nil))

	p := h.transport.nextWrite(t)
	assert.Equal(t, []patch.Ref{"42"}, p.Removed)
	assert.Empty(t, p.Added)
	assert.Empty(t, p.Updated)
}

func TestPropertyChangeIsForwarded(t *testing.T) {
	h := newHarness(t, true, false)
	h.connect(t)

	require.NoError(t, h.tree.part.Set("Transparency", 0.5))

	p := h.transport.nextWrite(t)
	require.Len(t, p.Updated, 1)
	u := p.Updated[0]
	assert.Equal(t, patch.Ref("42"), u.ID)
	assert.Nil(t, u.ChangedName)
	require.Len(t, u.ChangedProperties, 1)
	assert.True(t, u.ChangedProperties["Transparency"].Equal(patch.Float64(0.5)))
	assert.Empty(t, p.Removed)
}

func TestRefPropertyIsEncodedAsID(t *testing.T) {
	h := newHarness(t, true, false)
	h.connect(t)

	require.NoError(t, h.tree.part.Set("Target", h.tree.folder))

	p := h.transport.nextWrite(t)
	require.Len(t, p.Updated, 1)
	assert.True(t, p.Updated[0].ChangedProperties["Target"].Equal(patch.RefValue("f")))
}

// Each case is followed by a rename; the rename must be the first write.
func TestDroppedChanges(t *testing.T) {
	tests := []struct {
		name   string
		change func(t *testing.T, h *harness)
	}{
		{"reparent", func(t *testing.T, h *harness) {
			require.NoError(t, h.tree.part.SetParent(h.tree.folder))
		}},
		{"unencodable value", func(t *testing.T, h *harness) {
			require.NoError(t, h.tree.part.Set("Callback", func() {}))
		}},
		{"untracked instance", func(t *testing.T, h *harness) {
			extra := dom.New("Part", "Extra")
			require.NoError(t, extra.SetParent(h.tree.root))
			extra.SetName("Extra2")
		}},
		{"forgotten instance", func(t *testing.T, h *harness) {
			h.session.Instances().RemoveID("f")
			h.tree.folder.SetName("Gone")
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, true, false)
			h.connect(t)

			tt.change(t, h)
			h.tree.part.SetName("B")

			p := h.transport.nextWrite(t)
			require.Len(t, p.Updated, 1)
			require.NotNil(t, p.Updated[0].ChangedName)
			assert.Equal(t, "B", *p.Updated[0].ChangedName)
			assert.Equal(t, Connected, h.session.Status())
		})
	}
}

func TestTwoWaySyncDisabled(t *testing.T) {
	h := newHarness(t, false, false)
	h.connect(t)

	h.tree.part.SetName("B")
	require.NoError(t, h.tree.part.SetParent(nil))

	assert.Never(t, func() bool { return len(h.transport.Writes()) > 0 }, 100*time.Millisecond, 10*time.Millisecond)
}

func TestAppliedPatchesAreNotEchoed(t *testing.T) {
	h := newHarness(t, true, false)
	h.connect(t)

	update := patch.SetProperty("42", "Transparency", patch.Float64(1))
	update.Merge(patch.Rename("42", "Remote"))
	h.transport.batches <- []*patch.Patch{update}
	h.transport.waitRetrieving(t)
	require.Equal(t, "Remote", h.tree.part.Name())

	h.tree.part.SetName("Local")
	p := h.transport.nextWrite(t)
	require.Len(t, p.Updated, 1)
	assert.Equal(t, "Local", *p.Updated[0].ChangedName)
}

func TestWriteFailureEndsSession(t *testing.T) {
	h := newHarness(t, true, false)
	h.transport.writeErr = errors.New("500")
	h.connect(t)

	h.tree.part.SetName("B")
	h.waitDone(t)

	assert.ErrorIs(t, h.session.Err(), ErrConnection)
	assert.Equal(t, []Status{Connecting, Connected, Disconnected}, h.log.Statuses())
}

func TestNoCaptureAfterStop(t *testing.T) {
	h := newHarness(t, true, false)
	h.connect(t)
	h.session.Stop()
	h.waitDone(t)

	h.tree.part.SetName("B")
	assert.Never(t, func() bool { return len(h.transport.Writes()) > 0 }, 100*time.Millisecond, 10*time.Millisecond)
}

func TestActiveScriptOpensExternally(t *testing.T) {
	h := newHarness(t, true, true)
	h.connect(t)

	h.editor.OpenScript(h.tree.script)

	require.Eventually(t, func() bool {
		h.transport.mu.Lock()
		defer h.transport.mu.Unlock()
		return len(h.transport.opened) == 1
	}, waitFor, 5*time.Millisecond)

	h.transport.mu.Lock()
	assert.Equal(t, []patch.Ref{"s"}, h.transport.opened)
	h.transport.mu.Unlock()
	assert.False(t, h.editor.IsOpen(h.tree.script))
	assert.Nil(t, h.editor.ActiveScript())
	assert.Same(t, h.tree.root, h.tree.script.Parent())

	// The parent toggle must not be forwarded as a detach.
	h.tree.part.SetName("B")
	p := h.transport.nextWrite(t)
	assert.Empty(t, p.Removed)
}

func TestActiveScriptIgnoredWhenDisabled(t *testing.T) {
	h := newHarness(t, true, false)
	h.connect(t)

	h.editor.OpenScript(h.tree.script)
	assert.True(t, h.editor.IsOpen(h.tree.script))
	assert.Never(t, func() bool {
		h.transport.mu.Lock()
		defer h.transport.mu.Unlock()
		return len(h.transport.opened) > 0
	}, 100*time.Millisecond, 10*time.Millisecond)
}

func TestStatusString(t *testing.T) {
	assert.Equal(t, "connected", Connected.String())
	assert.Equal(t, "Status(9)", Status(9).String())
}
