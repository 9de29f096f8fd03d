// Package serve is a reference authority: it serves a project tree over the
// livetree protocol, accepts writes and publishes every change to message
// socket subscribers.
package serve

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/livetree/livetree/internal/api"
	"github.com/livetree/livetree/internal/metrics"
	"github.com/livetree/livetree/internal/patch"
	"github.com/livetree/livetree/internal/project"
)

// Version is reported in ServerInfo.
const Version = "0.1.0"

const (
	maxWriteBytes   = 4 << 20
	shutdownTimeout = 5 * time.Second
)

type Options struct {
	Token          string
	AllowedOrigins []string
	// OpenCommand is run for open requests; {name}, {class} and {id} are
	// substituted in each argument. Empty disables opening.
	OpenCommand    []string
	MessageHistory int
	Metrics        *metrics.Server
	// Gatherer backs /metrics. Nil disables the endpoint.
	Gatherer prometheus.Gatherer
}

type Server struct {
	sessionID      string
	tree           *Tree
	queue          *MessageQueue
	hub            *hub
	authToken      string
	allowedOrigins map[string]bool
	allowedHosts   map[string]bool
	openCommand    []string
	metrics        *metrics.Server
	gatherer       prometheus.Gatherer

	// ctx ends every message socket on shutdown.
	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.RWMutex
	projectName string

	// commitMu makes a tree change and its queued patch one step, and a
	// cursor and its snapshot another.
	commitMu sync.RWMutex
}

func NewServer(p *project.Project, opts Options) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		sessionID:      uuid.NewString(),
		tree:           NewTree(p),
		queue:          NewMessageQueue(opts.MessageHistory),
		hub:            newHub(opts.Metrics),
		authToken:      opts.Token,
		allowedOrigins: make(map[string]bool),
		allowedHosts:   make(map[string]bool),
		openCommand:    opts.OpenCommand,
		metrics:        opts.Metrics,
		gatherer:       opts.Gatherer,
		ctx:            ctx,
		cancel:         cancel,
		projectName:    p.Name,
	}

	for _, origin := range opts.AllowedOrigins {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "" {
			continue
		}
		s.allowedOrigins[trimmed] = true
		if parsed, err := url.Parse(trimmed); err == nil && parsed.Host != "" {
			s.allowedHosts[parsed.Host] = true
		}
	}

	s.metrics.SetInstances(s.tree.Len())
	glog.Infof("serving project %q (%d instances), session %s", p.Name, s.tree.Len(), s.sessionID)
	return s
}

func (s *Server) SessionID() string { return s.sessionID }

func (s *Server) Tree() *Tree { return s.tree }

func (s *Server) Queue() *MessageQueue { return s.queue }

func (s *Server) SetupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/info", s.handleInfo)
	mux.HandleFunc("GET /api/read/{ids}", s.handleRead)
	mux.HandleFunc("GET /api/socket/{cursor}", s.handleSocket)
	mux.HandleFunc("POST /api/write", s.handleWrite)
	mux.HandleFunc("POST /api/open/{id}", s.handleOpen)
	if s.gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
}

// ReloadProject replaces the served tree with p's and publishes the
// difference.
func (s *Server) ReloadProject(p *project.Project) {
	s.mu.Lock()
	s.projectName = p.Name
	s.mu.Unlock()

	diff, cursor, _ := s.commit("project", func() (*patch.Patch, error) {
		return s.tree.Reload(p), nil
	})
	if diff.IsEmpty() {
		glog.V(1).Infof("project reload changed nothing")
		return
	}
	glog.Infof("project reload: %d removed, %d added, %d updated (cursor %d)",
		len(diff.Removed), len(diff.Added), len(diff.Updated), cursor)
}

// commit runs change against the tree and queues the patch it returns.
// Empty patches are not queued.
func (s *Server) commit(source string, change func() (*patch.Patch, error)) (*patch.Patch, int64, error) {
	s.commitMu.Lock()
	defer s.commitMu.Unlock()

	p, err := change()
	if err != nil {
		return nil, s.queue.Cursor(), err
	}
	s.metrics.SetInstances(s.tree.Len())
	if p.IsEmpty() {
		return p, s.queue.Cursor(), nil
	}
	cursor := s.queue.Push(p)
	s.metrics.Published(source, cursor)
	return p, cursor, nil
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		s.fail(w, "info", http.StatusUnauthorized, errors.New("unauthorized"))
		return
	}
	s.mu.RLock()
	name := s.projectName
	s.mu.RUnlock()

	s.metrics.Request("info", nil)
	writeJSON(w, http.StatusOK, api.ServerInfo{
		SessionID:       s.sessionID,
		ServerVersion:   Version,
		ProtocolVersion: api.ProtocolVersion,
		ProjectName:     name,
		RootInstanceID:  s.tree.Root(),
	})
}

func (s *Server) handleRead(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		s.fail(w, "read", http.StatusUnauthorized, errors.New("unauthorized"))
		return
	}

	var ids []patch.Ref
	for _, raw := range strings.Split(r.PathValue("ids"), ",") {
		id, err := url.PathUnescape(raw)
		if err != nil || id == "" {
			s.fail(w, "read", http.StatusBadRequest, fmt.Errorf("invalid instance id %q", raw))
			return
		}
		ids = append(ids, patch.Ref(id))
	}

	s.commitMu.RLock()
	cursor := s.queue.Cursor()
	instances, err := s.tree.Snapshot(ids)
	s.commitMu.RUnlock()
	if err != nil {
		s.fail(w, "read", http.StatusNotFound, err)
		return
	}

	s.metrics.Request("read", nil)
	writeJSON(w, http.StatusOK, api.ReadResponse{
		SessionID:     s.sessionID,
		MessageCursor: cursor,
		Instances:     instances,
	})
}

func (s *Server) handleWrite(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		s.fail(w, "write", http.StatusUnauthorized, errors.New("unauthorized"))
		return
	}

	var req api.WriteRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxWriteBytes)).Decode(&req); err != nil {
		s.fail(w, "write", http.StatusBadRequest, fmt.Errorf("decode write: %w", err))
		return
	}
	if req.SessionID != s.sessionID {
		s.fail(w, "write", http.StatusBadRequest, fmt.Errorf("session %q is not %q", req.SessionID, s.sessionID))
		return
	}

	p := req.Patch.Normalize()
	_, cursor, err := s.commit("write", func() (*patch.Patch, error) {
		return p, s.tree.Apply(p)
	})
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, ErrUnknownInstance) {
			status = http.StatusNotFound
		}
		s.fail(w, "write", status, err)
		return
	}
	s.metrics.Request("write", nil)
	glog.V(1).Infof("write from %s accepted at cursor %d", r.RemoteAddr, cursor)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSocket(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		s.fail(w, "socket", http.StatusUnauthorized, errors.New("unauthorized"))
		return
	}
	cursor, err := strconv.ParseInt(r.PathValue("cursor"), 10, 64)
	if err != nil || cursor < 0 {
		s.fail(w, "socket", http.StatusBadRequest, fmt.Errorf("invalid cursor %q", r.PathValue("cursor")))
		return
	}
	if _, _, err := s.queue.Since(cursor); err != nil {
		s.fail(w, "socket", http.StatusGone, err)
		return
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: s.checkOrigin,
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.metrics.Request("socket", err)
		glog.Warningf("socket upgrade: %v", err)
		return
	}
	s.metrics.Request("socket", nil)

	glog.V(1).Infof("message socket opened by %s at cursor %d", r.RemoteAddr, cursor)
	sub := s.hub.add(s.ctx, conn)
	defer func() {
		s.hub.remove(sub)
		<-sub.done
		glog.V(1).Infof("message socket closed for %s", r.RemoteAddr)
	}()

	for {
		msgs, next, err := s.queue.Wait(sub.ctx, cursor)
		if err != nil {
			if errors.Is(err, ErrCursorExpired) {
				sub.closeWith(websocket.ClosePolicyViolation, "cursor expired")
			}
			return
		}
		frame, err := json.Marshal(api.SubscribeResponse{
			SessionID:     s.sessionID,
			MessageCursor: next,
			Messages:      msgs,
		})
		if err != nil {
			glog.Errorf("encode socket frame: %v", err)
			return
		}
		if !sub.deliver(frame) {
			return
		}
		cursor = next
	}
}

func (s *Server) handleOpen(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		s.fail(w, "open", http.StatusUnauthorized, errors.New("unauthorized"))
		return
	}
	id := patch.Ref(r.PathValue("id"))
	inst, ok := s.tree.Instance(id)
	if !ok {
		s.fail(w, "open", http.StatusNotFound, fmt.Errorf("%w: %s", ErrUnknownInstance, id))
		return
	}
	if len(s.openCommand) == 0 {
		s.fail(w, "open", http.StatusNotImplemented, errors.New("no open command configured"))
		return
	}
	if err := runOpenCommand(s.openCommand, id, inst); err != nil {
		s.fail(w, "open", http.StatusInternalServerError, err)
		return
	}
	s.metrics.Request("open", nil)
	w.WriteHeader(http.StatusNoContent)
}

// runOpenCommand starts the configured command for inst without waiting for
// it to exit, since editors may stay open.
func runOpenCommand(command []string, id patch.Ref, inst patch.Instance) error {
	replacer := strings.NewReplacer("{name}", inst.Name, "{class}", inst.ClassName, "{id}", string(id))
	args := make([]string, len(command))
	for i, arg := range command {
		args[i] = replacer.Replace(arg)
	}

	path, err := exec.LookPath(args[0])
	if err != nil {
		return fmt.Errorf("%s not found: %w", args[0], err)
	}
	cmd := exec.Command(path, args[1:]...)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %s: %w", args[0], err)
	}
	go func() {
		if err := cmd.Wait(); err != nil {
			glog.Warningf("open command for %s: %v", id, err)
		}
	}()
	return nil
}

func (s *Server) authorize(r *http.Request) bool {
	if s.authToken == "" {
		return true
	}

	if r.URL.Query().Get("token") == s.authToken {
		return true
	}

	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") && strings.TrimPrefix(auth, "Bearer ") == s.authToken {
		return true
	}

	return false
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}

	if len(s.allowedOrigins) > 0 {
		if s.allowedOrigins[origin] {
			return true
		}
		if parsed, err := url.Parse(origin); err == nil && parsed.Host != "" {
			return s.allowedHosts[parsed.Host]
		}
		return false
	}

	parsed, err := url.Parse(origin)
	if err != nil || parsed.Host == "" {
		return false
	}
	if parsed.Host == r.Host {
		return true
	}
	switch parsed.Hostname() {
	case "localhost", "127.0.0.1", "::1":
		return true
	}
	return false
}

func (s *Server) fail(w http.ResponseWriter, endpoint string, status int, err error) {
	s.metrics.Request(endpoint, err)
	if status >= http.StatusInternalServerError {
		glog.Errorf("%s: %v", endpoint, err)
	} else {
		glog.V(1).Infof("%s: %d %v", endpoint, status, err)
	}
	writeJSON(w, status, api.ErrorResponse{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		glog.Warningf("write response: %v", err)
	}
}

// Close ends every message socket.
func (s *Server) Close() {
	s.cancel()
	s.hub.closeAll()
}

// ListenAndServe serves mux on addr until ctx ends.
func (s *Server) ListenAndServe(ctx context.Context, addr string, mux http.Handler) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln, mux)
}

// Serve is ListenAndServe on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener, mux http.Handler) error {
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ln) }()
	glog.Infof("server listening on %s", ln.Addr())

	select {
	case err := <-errc:
		s.Close()
		return err
	case <-ctx.Done():
	}

	s.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
