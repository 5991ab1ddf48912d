package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBusFanOut(t *testing.T) {
	b := NewBus()

	ch1, cancel1 := b.Subscribe("s1")
	defer cancel1()
	ch2, cancel2 := b.Subscribe("s1")
	defer cancel2()
	other, cancelOther := b.Subscribe("s2")
	defer cancelOther()

	b.Publish(Event{SessionID: "s1", Type: TypePairingCode, Data: map[string]any{"code": "ABCD-1234"}})

	for _, ch := range []<-chan Event{ch1, ch2} {
		select {
		case evt := <-ch:
			assert.Equal(t, TypePairingCode, evt.Type)
			assert.Equal(t, "ABCD-1234", evt.Data["code"])
			assert.False(t, evt.At.IsZero())
		case <-time.After(time.Second):
			t.Fatal("subscriber did not receive event")
		}
	}

	select {
	case <-other:
		t.Fatal("subscriber of another session received the event")
	default:
	}
}

func TestBusPublishWithoutSubscribers(t *testing.T) {
	b := NewBus()
	// Must not panic or block.
	b.Publish(Event{SessionID: "nobody", Type: TypeClosed})
}

func TestBusCancelClosesChannel(t *testing.T) {
	b := NewBus()

	ch, cancel := b.Subscribe("s1")
	cancel()
	cancel() // second call is a no-op

	_, open := <-ch
	assert.False(t, open)

	// Publishing after cancel reaches nobody and must not panic.
	b.Publish(Event{SessionID: "s1", Type: TypeClosed})
}

func TestBusSlowSubscriberDoesNotBlockPublish(t *testing.T) {
	b := NewBus()

	_, cancel := b.Subscribe("s1")
	defer cancel()

	done := make(chan struct{})
	go func() {
		// Way past the buffer size; extra events are dropped, not queued.
		for i := 0; i < 100; i++ {
			b.Publish(Event{SessionID: "s1", Type: TypePairingUpdate})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}
}

func TestBusSubscriberKeepsOrder(t *testing.T) {
	b := NewBus()

	ch, cancel := b.Subscribe("s1")
	defer cancel()

	b.Publish(Event{SessionID: "s1", Type: TypePairingCode})
	b.Publish(Event{SessionID: "s1", Type: TypeConnected})
	b.Publish(Event{SessionID: "s1", Type: TypeClosed})

	require.Equal(t, TypePairingCode, (<-ch).Type)
	require.Equal(t, TypeConnected, (<-ch).Type)
	require.Equal(t, TypeClosed, (<-ch).Type)
}
