package serve

import (
	"context"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"

	"github.com/livetree/livetree/internal/metrics"
)

const (
	writeWait      = 10 * time.Second
	pingPeriod     = 30 * time.Second
	maxReadBytes   = 4096
	subscriberSend = 16
)

// subscriber is one message socket. Frames are written by writePump; the
// read side only watches for the client going away.
type subscriber struct {
	conn   *websocket.Conn
	send   chan []byte
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

func newSubscriber(parent context.Context, conn *websocket.Conn) *subscriber {
	ctx, cancel := context.WithCancel(parent)
	s := &subscriber{
		conn:   conn,
		send:   make(chan []byte, subscriberSend),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go s.writePump()
	go s.readPump()
	return s
}

func (s *subscriber) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
		close(s.done)
	}()
	for {
		select {
		case msg := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				s.cancel()
				return
			}
		case <-ticker.C:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				s.cancel()
				return
			}
		case <-s.ctx.Done():
			s.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			return
		}
	}
}

func (s *subscriber) readPump() {
	defer s.cancel()
	s.conn.SetReadLimit(maxReadBytes)
	for {
		if _, _, err := s.conn.NextReader(); err != nil {
			return
		}
	}
}

// deliver queues a frame, waiting while the subscriber catches up.
func (s *subscriber) deliver(frame []byte) bool {
	select {
	case s.send <- frame:
		return true
	case <-s.ctx.Done():
		return false
	}
}

// closeWith ends the socket with a close frame carrying reason.
func (s *subscriber) closeWith(code int, reason string) {
	s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason), time.Now().Add(writeWait))
	s.cancel()
}

// hub tracks live subscribers so they can be counted and shut down.
type hub struct {
	mu      sync.Mutex
	subs    map[*subscriber]bool
	metrics *metrics.Server
}

func newHub(m *metrics.Server) *hub {
	return &hub{subs: make(map[*subscriber]bool), metrics: m}
}

func (h *hub) add(ctx context.Context, conn *websocket.Conn) *subscriber {
	s := newSubscriber(ctx, conn)
	h.mu.Lock()
	h.subs[s] = true
	h.mu.Unlock()
	h.metrics.SubscriberAdded()
	return s
}

func (h *hub) remove(s *subscriber) {
	h.mu.Lock()
	_, ok := h.subs[s]
	delete(h.subs, s)
	h.mu.Unlock()
	if ok {
		s.cancel()
		h.metrics.SubscriberRemoved()
	}
}

func (h *hub) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// closeAll disconnects every subscriber.
func (h *hub) closeAll() {
	h.mu.Lock()
	subs := make([]*subscriber, 0, len(h.subs))
	for s := range h.subs {
		subs = append(subs, s)
	}
	h.mu.Unlock()

	for _, s := range subs {
		h.remove(s)
	}
	if len(subs) > 0 {
		glog.Infof("closed %d message sockets", len(subs))
	}
}
