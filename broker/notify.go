package broker

import (
	"context"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Notifier is the wake bus between event writers and the broker loop: any
// append to an execution's log wakes processing for that execution. Delivery
// is best-effort; the polling loop is the correctness backstop.
type Notifier interface {
	// Wake signals that an execution has new events.
	Wake(ctx context.Context, executionID string)

	// Events is the stream of woken execution IDs.
	Events() <-chan string

	// Close stops delivery and releases resources.
	Close() error
}

// ChanNotifier is an in-process Notifier. Sends never block: when the buffer
// is full the wake is dropped and the poll loop picks up the execution.
type ChanNotifier struct {
	ch   chan string
	once sync.Once
}

// NewChanNotifier creates an in-process notifier with the given buffer.
func NewChanNotifier(buffer int) *ChanNotifier {
	if buffer <= 0 {
		buffer = 64
	}
	return &ChanNotifier{ch: make(chan string, buffer)}
}

// Wake implements Notifier.
func (n *ChanNotifier) Wake(ctx context.Context, executionID string) {
	select {
	case n.ch <- executionID:
	default:
	}
}

// Events implements Notifier.
func (n *ChanNotifier) Events() <-chan string {
	return n.ch
}

// Close implements Notifier.
func (n *ChanNotifier) Close() error {
	n.once.Do(func() { close(n.ch) })
	return nil
}

// RedisNotifier carries wakes over Redis pub/sub so workers and brokers on
// different hosts share one bus.
type RedisNotifier struct {
	client  *redis.Client
	channel string
	ch      chan string
	cancel  context.CancelFunc
	logger  zerolog.Logger
}

// NewRedisNotifier subscribes to the wake channel and starts delivery.
func NewRedisNotifier(client *redis.Client, channel string, logger zerolog.Logger) *RedisNotifier {
	if channel == "" {
		channel = "noetl:wake"
	}

	ctx, cancel := context.WithCancel(context.Background())
	n := &RedisNotifier{
		client:  client,
		channel: channel,
		ch:      make(chan string, 256),
		cancel:  cancel,
		logger:  logger,
	}

	sub := client.Subscribe(ctx, channel)
	go func() {
		defer close(n.ch)
		for msg := range sub.Channel() {
			select {
			case n.ch <- msg.Payload:
			default:
				// Dropped wakes are recovered by polling.
			}
		}
	}()
	go func() {
		<-ctx.Done()
		_ = sub.Close()
	}()
	return n
}

// Wake implements Notifier.
func (n *RedisNotifier) Wake(ctx context.Context, executionID string) {
	if err := n.client.Publish(ctx, n.channel, executionID).Err(); err != nil {
		n.logger.Warn().Err(err).Str("execution_id", executionID).Msg("wake publish failed")
	}
}

// Events implements Notifier.
func (n *RedisNotifier) Events() <-chan string {
	return n.ch
}

// Close implements Notifier.
func (n *RedisNotifier) Close() error {
	n.cancel()
	return nil
}
