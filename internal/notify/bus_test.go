package notify_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/extbridge/internal/notify"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newTestBus(t *testing.T, bufferSize int) *notify.Bus {
	return notify.NewBus(zaptest.NewLogger(t), bufferSize)
}

func TestBus_DeliversToTopicSubscribers(t *testing.T) {
	b := newTestBus(t, 4)
	defer b.Shutdown()

	popups, unsubPopups := b.Subscribe(notify.TopicBrowserActionToBeClosed)
	defer unsubPopups()
	all, unsubAll := b.Subscribe(notify.TopicBrowserActionToBeClosed, notify.TopicCriticalError)
	defer unsubAll()

	ctx := context.Background()
	require.NoError(t, b.Post(ctx, notify.TopicBrowserActionToBeClosed, "popup"))
	require.NoError(t, b.Post(ctx, notify.TopicCriticalError, "boom"))
	require.NoError(t, b.Post(ctx, notify.TopicBackgroundReloadRequested, "nobody listens"))

	msg := <-popups
	assert.Equal(t, "popup", msg.Payload)
	assert.NotEmpty(t, msg.ID)
	b.Acknowledge(msg)

	first, second := <-all, <-all
	assert.Equal(t, notify.TopicBrowserActionToBeClosed, first.Topic)
	assert.Equal(t, notify.TopicCriticalError, second.Topic)
	b.Acknowledge(first)
	b.Acknowledge(second)

	select {
	case m := <-popups:
		t.Fatalf("unexpected message %v", m)
	default:
	}
}

func TestBus_UnsubscribeStopsDelivery(t *testing.T) {
	b := newTestBus(t, 1)
	defer b.Shutdown()

	ch, unsubscribe := b.Subscribe(notify.TopicCriticalError)
	unsubscribe()
	require.NoError(t, b.Post(context.Background(), notify.TopicCriticalError, "x"))

	select {
	case m := <-ch:
		t.Fatalf("unexpected message %v", m)
	default:
	}
}

func TestBus_PostHonorsCancellation(t *testing.T) {
	b := newTestBus(t, 0)
	defer b.Shutdown()

	ch, unsubscribe := b.Subscribe(notify.TopicCriticalError)
	defer unsubscribe()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Post(ctx, notify.TopicCriticalError, "blocked") }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Post did not return after cancellation")
	}
	select {
	case <-ch:
		t.Error("message delivered after cancellation")
	default:
	}
}

func TestBus_PostAfterShutdown(t *testing.T) {
	b := newTestBus(t, 1)
	b.Shutdown()
	assert.ErrorIs(t, b.Post(context.Background(), notify.TopicCriticalError, "late"), notify.ErrBusShutdown)

	ch, _ := b.Subscribe(notify.TopicCriticalError)
	_, open := <-ch
	assert.False(t, open)
}

func TestBus_ShutdownUnderLoad(t *testing.T) {
	b := newTestBus(t, 5)

	var consumers sync.WaitGroup
	for i := 0; i < 5; i++ {
		ch, _ := b.Subscribe(notify.TopicBackgroundReloadRequested)
		consumers.Add(1)
		go func() {
			defer consumers.Done()
			for msg := range ch {
				time.Sleep(time.Millisecond)
				b.Acknowledge(msg)
			}
		}()
	}

	ctx, cancel := context.WithCancel(context.Background())
	var producers sync.WaitGroup
	for i := 0; i < 5; i++ {
		producers.Add(1)
		go func(id int) {
			defer producers.Done()
			for j := 0; j < 40; j++ {
				if err := b.Post(ctx, notify.TopicBackgroundReloadRequested, fmt.Sprintf("%d-%d", id, j)); err != nil {
					return
				}
			}
		}(i)
	}

	time.Sleep(30 * time.Millisecond)
	shutdown := make(chan struct{})
	go func() {
		b.Shutdown()
		close(shutdown)
	}()
	cancel()

	select {
	case <-shutdown:
	case <-time.After(10 * time.Second):
		t.Fatal("shutdown did not finish")
	}
	producers.Wait()
	consumers.Wait()
}
