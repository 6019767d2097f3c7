// internal/notify/bus.go
package notify

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Topic names a category of host notification.
type Topic string

const (
	// TopicBrowserActionToBeClosed asks the shell to dismiss a popup.
	TopicBrowserActionToBeClosed Topic = "BROWSER_ACTION_TO_BE_CLOSED"
	// TopicBackgroundReloadRequested asks the shell to recreate an
	// extension's background page after its content process died.
	TopicBackgroundReloadRequested Topic = "BACKGROUND_RELOAD_REQUESTED"
	// TopicCriticalError carries throttled critical error reports.
	TopicCriticalError Topic = "CRITICAL_ERROR"
)

// ErrBusShutdown is returned by Post once Shutdown has begun.
var ErrBusShutdown = errors.New("notification bus is shut down")

// Message is the envelope delivered to subscribers.
type Message struct {
	ID        string
	Timestamp time.Time
	Topic     Topic
	Payload   any
}

// Bus is a topic based pub/sub with acknowledgment tracking. Shutdown waits
// for every delivered message to be acknowledged.
type Bus struct {
	logger *zap.Logger

	subscribers map[Topic][]chan Message
	mu          sync.RWMutex
	bufferSize  int

	// processingWg counts delivered but unacknowledged messages.
	processingWg sync.WaitGroup
	// activePostsWg counts Post calls still attempting delivery.
	activePostsWg sync.WaitGroup

	shutdownChan chan struct{}
	shutdownOnce sync.Once
	isShutdown   bool
	shutdownMu   sync.Mutex
}

// NewBus creates a bus whose subscriber channels hold bufferSize messages.
func NewBus(logger *zap.Logger, bufferSize int) *Bus {
	if bufferSize < 0 {
		bufferSize = 0
	}
	return &Bus{
		logger:       logger.Named("notify_bus"),
		subscribers:  make(map[Topic][]chan Message),
		bufferSize:   bufferSize,
		shutdownChan: make(chan struct{}),
	}
}

// Post delivers payload to every subscriber of topic. It blocks while a
// subscriber's buffer is full, until ctx is done or the bus shuts down.
func (b *Bus) Post(ctx context.Context, topic Topic, payload any) error {
	b.shutdownMu.Lock()
	if b.isShutdown {
		b.shutdownMu.Unlock()
		return ErrBusShutdown
	}
	b.activePostsWg.Add(1)
	b.shutdownMu.Unlock()
	defer b.activePostsWg.Done()

	msg := Message{
		ID:        uuid.New().String(),
		Timestamp: time.Now().UTC(),
		Topic:     topic,
		Payload:   payload,
	}
	b.logger.Debug("Posting notification", zap.String("topic", string(topic)), zap.String("id", msg.ID))

	b.mu.RLock()
	subs := b.subscribers[topic]
	if len(subs) == 0 {
		b.mu.RUnlock()
		return nil
	}
	targets := make([]chan Message, len(subs))
	copy(targets, subs)
	b.mu.RUnlock()

	for _, ch := range targets {
		b.processingWg.Add(1)
		select {
		case ch <- msg:
		case <-ctx.Done():
			b.processingWg.Done()
			return ctx.Err()
		case <-b.shutdownChan:
			b.processingWg.Done()
			return ErrBusShutdown
		}
	}
	return nil
}

// Subscribe returns a channel receiving the given topics and a function that
// stops delivery. The channel is closed by Shutdown, not by unsubscribing.
// Every received message must be passed to Acknowledge.
func (b *Bus) Subscribe(topics ...Topic) (<-chan Message, func()) {
	if len(topics) == 0 {
		panic("notify: must subscribe to at least one topic")
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.isShuttingDown() {
		closed := make(chan Message)
		close(closed)
		return closed, func() {}
	}

	ch := make(chan Message, b.bufferSize)
	subscribed := append([]Topic(nil), topics...)
	for _, t := range subscribed {
		b.subscribers[t] = append(b.subscribers[t], ch)
	}

	unsubscribe := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for _, t := range subscribed {
			subs := b.subscribers[t]
			for i, c := range subs {
				if c != ch {
					continue
				}
				subs = append(subs[:i], subs[i+1:]...)
				if len(subs) == 0 {
					delete(b.subscribers, t)
				} else {
					b.subscribers[t] = subs
				}
				break
			}
		}
	}
	return ch, unsubscribe
}

func (b *Bus) isShuttingDown() bool {
	b.shutdownMu.Lock()
	defer b.shutdownMu.Unlock()
	return b.isShutdown
}

// Acknowledge marks a received message as processed.
func (b *Bus) Acknowledge(Message) {
	b.processingWg.Done()
}

// Shutdown stops new posts, closes every subscriber channel, drains what
// was buffered, and waits for in-flight messages to be acknowledged.
func (b *Bus) Shutdown() {
	b.shutdownOnce.Do(func() {
		b.logger.Info("Shutting down notification bus")

		b.shutdownMu.Lock()
		b.isShutdown = true
		b.shutdownMu.Unlock()

		close(b.shutdownChan)
		b.activePostsWg.Wait()

		b.mu.Lock()
		unique := make(map[chan Message]struct{})
		for _, subs := range b.subscribers {
			for _, ch := range subs {
				unique[ch] = struct{}{}
			}
		}
		for ch := range unique {
			close(ch)
		}
		drained := 0
		for ch := range unique {
			for range ch {
				drained++
				b.processingWg.Done()
			}
		}
		b.subscribers = make(map[Topic][]chan Message)
		b.mu.Unlock()

		if drained > 0 {
			b.logger.Debug("Drained buffered notifications", zap.Int("count", drained))
		}
		b.processingWg.Wait()
		b.logger.Info("Notification bus shut down")
	})
}
