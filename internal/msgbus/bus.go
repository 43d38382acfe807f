package msgbus

import (
	"context"
	"errors"
	"time"
)

// ErrClosed is returned by operations on a closed bus.
var ErrClosed = errors.New("message bus closed")

// Delivery is one leased message. It must be acked once handled; an unacked
// delivery reappears after its lease expires.
type Delivery struct {
	ID        int64
	MessageID string
	Queue     string
	Body      []byte
	Attempts  int
}

// Bus abstracts the message channel. All methods are safe for concurrent use
// by multiple goroutines and processes.
type Bus interface {
	// Publish enqueues a message for immediate delivery.
	Publish(ctx context.Context, queue string, body []byte) error
	// PublishAfter enqueues a message that becomes deliverable after delay.
	PublishAfter(ctx context.Context, queue string, body []byte, delay time.Duration) error
	// Receive blocks until a message is available on the queue or the
	// context is done. The returned delivery is leased to the caller.
	Receive(ctx context.Context, queue string) (*Delivery, error)
	// Ack removes a handled delivery permanently.
	Ack(ctx context.Context, d *Delivery) error
	// Nack releases a delivery for redelivery after delay.
	Nack(ctx context.Context, d *Delivery, delay time.Duration) error
	// Depths reports the number of pending messages per queue.
	Depths(ctx context.Context) (map[string]int, error)
	Close() error
}
