package dom

import "sync"

// Signal is a list of handlers invoked in connection order when fired.
// Handlers run on the firing goroutine, after any instance locks are released.
type Signal[T any] struct {
	mu       sync.Mutex
	nextID   int
	handlers []handler[T]
}

type handler[T any] struct {
	id int
	fn func(T)
}

// Connection is returned by Signal.Connect. Disconnect is idempotent.
type Connection struct {
	once       sync.Once
	disconnect func()
}

// Disconnect removes the handler from its signal.
func (c *Connection) Disconnect() {
	if c == nil {
		return
	}
	c.once.Do(c.disconnect)
}

// Connect registers fn and returns a handle that removes it.
func (s *Signal[T]) Connect(fn func(T)) *Connection {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.handlers = append(s.handlers, handler[T]{id: id, fn: fn})
	s.mu.Unlock()

	return &Connection{disconnect: func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		for i, h := range s.handlers {
			if h.id == id {
				s.handlers = append(s.handlers[:i:i], s.handlers[i+1:]...)
				return
			}
		}
	}}
}

// Fire calls every connected handler with v.
func (s *Signal[T]) Fire(v T) {
	s.mu.Lock()
	handlers := make([]handler[T], len(s.handlers))
	copy(handlers, s.handlers)
	s.mu.Unlock()

	for _, h := range handlers {
		h.fn(v)
	}
}

// Len reports how many handlers are connected.
func (s *Signal[T]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.handlers)
}
