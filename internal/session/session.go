// Package session keeps a live instance tree in step with an authority:
// it connects, hydrates the tree from a snapshot, applies the authority's
// patches in order and, with two-way sync on, forwards local edits back.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"

	"github.com/livetree/livetree/internal/api"
	"github.com/livetree/livetree/internal/dom"
	"github.com/livetree/livetree/internal/instancemap"
	"github.com/livetree/livetree/internal/metrics"
	"github.com/livetree/livetree/internal/patch"
	"github.com/livetree/livetree/internal/reconciler"
)

var (
	// ErrConnection wraps every transport failure. It ends the session.
	ErrConnection = errors.New("connection failure")
	// ErrReconciliation wraps hydration and patch application failures. It
	// ends the session.
	ErrReconciliation = errors.New("reconciliation failure")

	ErrAlreadyStarted = errors.New("session already started")
	ErrClosed         = errors.New("session closed")
)

const disconnectTimeout = 5 * time.Second

type Status int

const (
	NotStarted Status = iota
	Connecting
	Connected
	Disconnected
)

func (s Status) String() string {
	switch s {
	case NotStarted:
		return "not started"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Disconnected:
		return "disconnected"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// Transport is the session's view of the authority. api.Client implements it.
type Transport interface {
	Connect(ctx context.Context) (api.ServerInfo, error)
	Read(ctx context.Context, ids []patch.Ref) (api.ReadResponse, error)
	SetMessageCursor(cursor int64)
	RetrieveMessages(ctx context.Context) ([]*patch.Patch, error)
	Write(ctx context.Context, p *patch.Patch) error
	Disconnect(ctx context.Context) error
	Open(ctx context.Context, id patch.Ref) error
}

// StatusFunc observes status transitions. err is only set for a transition
// to Disconnected caused by a failure. Calls are serialized; the function
// must not call Start or Stop on the same session.
type StatusFunc func(status Status, err error)

type Options struct {
	API                   Transport
	OpenScriptsExternally bool
	TwoWaySync            bool
	// LiveRoot is the host tree the authority's root instance maps to.
	LiveRoot *dom.Instance
	// Editor is optional. It is needed to open scripts externally.
	Editor  *dom.ScriptEditor
	Metrics *metrics.Session
}

type Session struct {
	api                   Transport
	openScriptsExternally bool
	twoWaySync            bool
	liveRoot              *dom.Instance
	editor                *dom.ScriptEditor
	metrics               *metrics.Session

	instances  *instancemap.Map
	reconciler *reconciler.Reconciler

	// tasks runs every tree mutation the session makes, outbox runs writes.
	tasks  *taskQueue
	outbox *taskQueue

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	// notifyMu serializes transitions with their observer call so observers
	// see transitions in order.
	notifyMu sync.Mutex

	mu       sync.Mutex
	status   Status
	err      error
	started  bool
	closed   bool
	observer StatusFunc
	subs     []*dom.Connection
}

// New creates a session. Nothing happens until Start.
func New(opts Options) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		api:                   opts.API,
		openScriptsExternally: opts.OpenScriptsExternally,
		twoWaySync:            opts.TwoWaySync,
		liveRoot:              opts.LiveRoot,
		editor:                opts.Editor,
		metrics:               opts.Metrics,
		tasks:                 newTaskQueue(),
		outbox:                newTaskQueue(),
		ctx:                   ctx,
		cancel:                cancel,
		done:                  make(chan struct{}),
	}
	// The map reports changes to s, so s must exist first.
	s.instances = instancemap.New(s.onInstanceChanged)
	s.reconciler = reconciler.New(s.instances)

	if s.editor != nil && s.openScriptsExternally {
		s.subs = append(s.subs, s.editor.ActiveScriptChanged().Connect(s.onActiveScriptChanged))
	}
	s.metrics.SetStatus(int(NotStarted))
	return s
}

// OnStatusChanged replaces the status observer.
func (s *Session) OnStatusChanged(fn StatusFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observer = fn
}

func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Err returns the failure that ended the session, if any.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Done is closed once the session has been torn down.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Instances exposes the session's identity map.
func (s *Session) Instances() *instancemap.Map {
	return s.instances
}

// Start begins connecting and returns immediately. Progress is reported
// through the status observer. ctx bounds the whole session.
func (s *Session) Start(ctx context.Context) error {
	s.notifyMu.Lock()
	s.mu.Lock()
	var err error
	switch {
	case s.closed:
		err = ErrClosed
	case s.started:
		err = ErrAlreadyStarted
	}
	if err != nil {
		s.mu.Unlock()
		s.notifyMu.Unlock()
		return err
	}
	s.started = true
	s.status = Connecting
	observer := s.observer
	s.mu.Unlock()

	s.metrics.SetStatus(int(Connecting))
	if observer != nil {
		observer(Connecting, nil)
	}
	s.notifyMu.Unlock()

	stop := context.AfterFunc(ctx, s.Stop)
	go func() {
		defer stop()
		s.run()
	}()
	return nil
}

// Stop tears the session down. It may be called any number of times.
func (s *Session) Stop() {
	s.teardown(nil)
}

func (s *Session) run() {
	info, err := s.api.Connect(s.ctx)
	if err != nil {
		s.fail(fmt.Errorf("%w: connect: %w", ErrConnection, err))
		return
	}
	if !s.transition(Connected, Connecting) {
		return
	}
	glog.Infof("session connected to %q, root %s", info.ProjectName, info.RootInstanceID)

	if err := s.hydrate(info.RootInstanceID); err != nil {
		s.fail(err)
		return
	}
	s.mainLoop()
}

// transition moves from one status to another and notifies the observer. It
// reports false if the session was not in status from.
func (s *Session) transition(to, from Status) bool {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	s.mu.Lock()
	if s.status != from {
		s.mu.Unlock()
		return false
	}
	s.status = to
	observer := s.observer
	s.mu.Unlock()

	s.metrics.SetStatus(int(to))
	if observer != nil {
		observer(to, nil)
	}
	return true
}

func (s *Session) fail(err error) {
	s.teardown(err)
}

// teardown is the only way a session ends. Only the first effective call
// does anything.
func (s *Session) teardown(cause error) {
	s.notifyMu.Lock()

	s.mu.Lock()
	if s.status == Disconnected || s.closed {
		s.mu.Unlock()
		s.notifyMu.Unlock()
		return
	}
	s.closed = true
	wasStarted := s.started
	if wasStarted {
		s.status = Disconnected
		s.err = cause
	}
	observer := s.observer
	subs := s.subs
	s.subs = nil
	s.mu.Unlock()

	s.cancel()
	s.tasks.Close()
	s.outbox.Close()

	if wasStarted {
		ctx, cancel := context.WithTimeout(context.Background(), disconnectTimeout)
		if err := s.api.Disconnect(ctx); err != nil {
			glog.Warningf("session disconnect: %v", err)
		}
		cancel()
	}
	s.instances.Stop()
	for _, c := range subs {
		c.Disconnect()
	}

	if wasStarted {
		if cause != nil {
			glog.Errorf("session ended: %v", cause)
		} else {
			glog.Infof("session stopped")
		}
		s.metrics.SetStatus(int(Disconnected))
		if observer != nil {
			observer(Disconnected, cause)
		}
	}
	s.notifyMu.Unlock()
	close(s.done)
}

func (s *Session) hydrate(rootID patch.Ref) error {
	resp, err := s.api.Read(s.ctx, []patch.Ref{rootID})
	if err != nil {
		return fmt.Errorf("%w: read %s: %w", ErrConnection, rootID, err)
	}
	s.api.SetMessageCursor(resp.MessageCursor)

	err = s.tasks.Do(s.ctx, func() error {
		if s.Status() != Connected {
			return nil
		}
		p, err := s.reconciler.Hydrate(resp.Instances, rootID, s.liveRoot)
		if err != nil {
			return err
		}
		glog.V(1).Infof("hydrating: %d removed, %d added, %d updated",
			len(p.Removed), len(p.Added), len(p.Updated))
		if err := s.reconciler.ApplyPatch(p); err != nil {
			return err
		}
		s.metrics.PatchApplied()
		return nil
	})
	if err != nil && !s.stopping(err) {
		return fmt.Errorf("%w: hydrate: %w", ErrReconciliation, err)
	}
	return nil
}

// mainLoop applies authority patches until the session ends. A batch is
// applied completely before the next one is requested.
func (s *Session) mainLoop() {
	for s.Status() == Connected {
		batch, err := s.api.RetrieveMessages(s.ctx)
		if err != nil {
			if s.Status() != Connected {
				return
			}
			s.fail(fmt.Errorf("%w: retrieve messages: %w", ErrConnection, err))
			return
		}

		err = s.tasks.Do(s.ctx, func() error {
			for _, p := range batch {
				if s.Status() != Connected {
					return nil
				}
				if err := s.reconciler.ApplyPatch(p); err != nil {
					return err
				}
				s.metrics.PatchApplied()
			}
			return nil
		})
		if err != nil {
			if s.stopping(err) {
				return
			}
			s.fail(fmt.Errorf("%w: apply: %w", ErrReconciliation, err))
			return
		}
	}
}

// stopping reports whether err only says the session is shutting down.
func (s *Session) stopping(err error) bool {
	return errors.Is(err, errQueueClosed) || (s.ctx.Err() != nil && errors.Is(err, s.ctx.Err()))
}
