package msgbus

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

type memoryMessage struct {
	id          int64
	messageID   string
	queue       string
	body        []byte
	attempts    int
	availableAt time.Time
	leasedUntil time.Time
}

// MemoryBus is an in-process Bus with the same lease semantics as the SQLite
// implementation. Intended for tests and single-process runs.
type MemoryBus struct {
	mu     sync.Mutex
	seq    int64
	queues map[string][]*memoryMessage
	lease  time.Duration
	poll   time.Duration
	closed bool
}

// NewMemoryBus builds an in-memory bus with the given lease duration.
func NewMemoryBus(lease time.Duration) *MemoryBus {
	if lease <= 0 {
		lease = time.Minute
	}
	return &MemoryBus{
		queues: make(map[string][]*memoryMessage),
		lease:  lease,
		poll:   5 * time.Millisecond,
	}
}

func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

func (b *MemoryBus) Publish(ctx context.Context, queue string, body []byte) error {
	return b.PublishAfter(ctx, queue, body, 0)
}

func (b *MemoryBus) PublishAfter(ctx context.Context, queue string, body []byte, delay time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	b.seq++
	cp := make([]byte, len(body))
	copy(cp, body)
	b.queues[queue] = append(b.queues[queue], &memoryMessage{
		id:          b.seq,
		messageID:   uuid.NewString(),
		queue:       queue,
		body:        cp,
		availableAt: time.Now().Add(delay),
	})
	return nil
}

func (b *MemoryBus) Receive(ctx context.Context, queue string) (*Delivery, error) {
	for {
		d, err := b.tryReceive(queue)
		if err != nil {
			return nil, err
		}
		if d != nil {
			return d, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(b.poll):
		}
	}
}

func (b *MemoryBus) tryReceive(queue string) (*Delivery, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	now := time.Now()
	for _, msg := range b.queues[queue] {
		if msg.availableAt.After(now) || msg.leasedUntil.After(now) {
			continue
		}
		msg.leasedUntil = now.Add(b.lease)
		msg.attempts++
		return &Delivery{
			ID:        msg.id,
			MessageID: msg.messageID,
			Queue:     queue,
			Body:      msg.body,
			Attempts:  msg.attempts,
		}, nil
	}
	return nil, nil
}

func (b *MemoryBus) Ack(ctx context.Context, d *Delivery) error {
	if d == nil {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	msgs := b.queues[d.Queue]
	for i, msg := range msgs {
		if msg.id == d.ID {
			b.queues[d.Queue] = append(msgs[:i], msgs[i+1:]...)
			return nil
		}
	}
	return nil
}

func (b *MemoryBus) Nack(ctx context.Context, d *Delivery, delay time.Duration) error {
	if d == nil {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, msg := range b.queues[d.Queue] {
		if msg.id == d.ID {
			msg.leasedUntil = time.Time{}
			msg.availableAt = time.Now().Add(delay)
			return nil
		}
	}
	return nil
}

func (b *MemoryBus) Depths(ctx context.Context) (map[string]int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	depths := make(map[string]int, len(b.queues))
	for queue, msgs := range b.queues {
		if len(msgs) > 0 {
			depths[queue] = len(msgs)
		}
	}
	return depths, nil
}
