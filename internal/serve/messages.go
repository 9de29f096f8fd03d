package serve

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/livetree/livetree/internal/patch"
)

var ErrCursorExpired = errors.New("message cursor expired")

// MessageQueue is the ordered history of patches the authority has
// published. Each patch gets the next cursor; a subscriber holding cursor c
// has seen every patch up to and including c.
type MessageQueue struct {
	mu      sync.Mutex
	history []*patch.Patch
	// first is the cursor just before history[0].
	first  int64
	cursor int64
	limit  int

	// wakeCh is closed and replaced on every push.
	wakeCh chan struct{}
}

func NewMessageQueue(limit int) *MessageQueue {
	if limit <= 0 {
		limit = 1024
	}
	return &MessageQueue{limit: limit, wakeCh: make(chan struct{})}
}

// Push appends p and returns its cursor.
func (q *MessageQueue) Push(p *patch.Patch) int64 {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.cursor++
	q.history = append(q.history, p)
	if over := len(q.history) - q.limit; over > 0 {
		clear(q.history[:over])
		q.history = q.history[over:]
		q.first += int64(over)
	}

	close(q.wakeCh)
	q.wakeCh = make(chan struct{})
	return q.cursor
}

func (q *MessageQueue) Cursor() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.cursor
}

// Since returns every patch after cursor and the cursor of the last one.
func (q *MessageQueue) Since(cursor int64) ([]*patch.Patch, int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.sinceLocked(cursor)
}

func (q *MessageQueue) sinceLocked(cursor int64) ([]*patch.Patch, int64, error) {
	switch {
	case cursor < q.first:
		return nil, cursor, fmt.Errorf("%w: %d is older than %d", ErrCursorExpired, cursor, q.first)
	case cursor >= q.cursor:
		return nil, q.cursor, nil
	}
	msgs := append([]*patch.Patch(nil), q.history[cursor-q.first:]...)
	return msgs, q.cursor, nil
}

// Wait blocks until there is at least one patch after cursor or ctx ends.
func (q *MessageQueue) Wait(ctx context.Context, cursor int64) ([]*patch.Patch, int64, error) {
	for {
		q.mu.Lock()
		msgs, next, err := q.sinceLocked(cursor)
		wake := q.wakeCh
		q.mu.Unlock()
		if err != nil || len(msgs) > 0 {
			return msgs, next, err
		}

		select {
		case <-ctx.Done():
			return nil, cursor, ctx.Err()
		case <-wake:
		}
	}
}
