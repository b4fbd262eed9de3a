// ABOUTME: Tests for the in-process delivery bus
// ABOUTME: Covers fan-out, conversation isolation, partial flags, unsubscribe and context cleanup

package delivery

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/chatstream/internal/store"
)

func makeMessage(id, convID string) *store.Message {
	return &store.Message{
		ID:             id,
		ConversationID: convID,
		Role:           store.RoleAssistant,
		Content:        "hello from " + id,
		Status:         store.StatusComplete,
		CreatedAt:      time.Now(),
	}
}

func recvEvent(t *testing.T, ch <-chan *Event) *Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func TestLocalBus_SingleSubscriberReceivesMessage(t *testing.T) {
	b := NewLocalBus(nil)
	defer b.Close()

	ch, _ := b.Subscribe(t.Context(), "conv-1")

	b.Publish(t.Context(), "conv-1", makeMessage("m1", "conv-1"), false)

	ev := recvEvent(t, ch)
	assert.Equal(t, EventMessage, ev.Type)
	assert.Equal(t, "m1", ev.Message.ID)
	assert.False(t, ev.IsPartial)
}

func TestLocalBus_MultipleSubscribersReceiveSameEvent(t *testing.T) {
	b := NewLocalBus(nil)
	defer b.Close()

	ch1, _ := b.Subscribe(t.Context(), "conv-1")
	ch2, _ := b.Subscribe(t.Context(), "conv-1")
	ch3, _ := b.Subscribe(t.Context(), "conv-1")

	b.Publish(t.Context(), "conv-1", makeMessage("m2", "conv-1"), true)

	for _, ch := range []<-chan *Event{ch1, ch2, ch3} {
		ev := recvEvent(t, ch)
		assert.Equal(t, "m2", ev.Message.ID)
		assert.True(t, ev.IsPartial)
	}
}

func TestLocalBus_ConversationsAreIsolated(t *testing.T) {
	b := NewLocalBus(nil)
	defer b.Close()

	ch1, _ := b.Subscribe(t.Context(), "conv-1")
	ch2, _ := b.Subscribe(t.Context(), "conv-2")

	b.Publish(t.Context(), "conv-1", makeMessage("m3", "conv-1"), false)

	ev := recvEvent(t, ch1)
	assert.Equal(t, "m3", ev.Message.ID)

	select {
	case <-ch2:
		t.Fatal("subscriber for conv-2 should not receive events for conv-1")
	case <-time.After(100 * time.Millisecond):
		// Expected: no event
	}
}

func TestLocalBus_PublishError(t *testing.T) {
	b := NewLocalBus(nil)
	defer b.Close()

	ch, _ := b.Subscribe(t.Context(), "conv-1")

	b.PublishError(t.Context(), "conv-1", errors.New("provider melted down"))

	ev := recvEvent(t, ch)
	assert.Equal(t, EventError, ev.Type)
	assert.Equal(t, "provider melted down", ev.Error)
	assert.Nil(t, ev.Message)
}

func TestLocalBus_UnsubscribeClosesChannel(t *testing.T) {
	b := NewLocalBus(nil)
	defer b.Close()

	ch, subID := b.Subscribe(t.Context(), "conv-1")
	b.Unsubscribe("conv-1", subID)

	_, open := <-ch
	assert.False(t, open)

	// Idempotent
	b.Unsubscribe("conv-1", subID)
}

func TestLocalBus_ContextCancellationCleansUp(t *testing.T) {
	b := NewLocalBus(nil)
	defer b.Close()

	ctx, cancel := context.WithCancel(t.Context())
	ch, _ := b.Subscribe(ctx, "conv-1")
	cancel()

	// The cleanup goroutine closes the channel
	require.Eventually(t, func() bool {
		select {
		case _, open := <-ch:
			return !open
		default:
			return false
		}
	}, time.Second, 10*time.Millisecond)
}

func TestLocalBus_PublishWithNoSubscribersIsSafe(t *testing.T) {
	b := NewLocalBus(nil)
	defer b.Close()

	b.Publish(t.Context(), "conv-none", makeMessage("m4", "conv-none"), false)
}

func TestLocalBus_ConnectDisconnectAreNoOps(t *testing.T) {
	b := NewLocalBus(nil)
	defer b.Close()

	b.ConnectClient(t.Context(), "conn-1", "conv-1")
	b.DisconnectClient("conn-1")
	b.DisconnectClient("conn-1")
}

func TestLocalBus_PublishDuringSubscriberChurnDoesNotPanic(t *testing.T) {
	b := NewLocalBus(nil)
	defer b.Close()

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()

	// Hammer the conversation from several publishers while
	// subscriptions come and go. A send racing a channel close would
	// panic the publishers.
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				default:
					b.Publish(ctx, "conv-1", makeMessage("m", "conv-1"), false)
				}
			}
		}()
	}

	for i := 0; i < 500; i++ {
		ch, subID := b.Subscribe(ctx, "conv-1")
		for len(ch) > 0 {
			<-ch
		}
		b.Unsubscribe("conv-1", subID)
	}

	cancel()
	wg.Wait()
}
