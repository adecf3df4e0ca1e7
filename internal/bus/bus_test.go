package bus

import (
	"testing"
	"time"

	"github.com/tidewater/loom/internal/models"
)

func TestBroadcastDeliversToAllSubscribers(t *testing.T) {
	broadcast := NewBroadcast[ThreadAttached]()

	first, cancelFirst := broadcast.Subscribe(1)
	second, cancelSecond := broadcast.Subscribe(1)
	defer cancelFirst()
	defer cancelSecond()

	broadcast.Emit(ThreadAttached{Message: models.Message{ProviderID: "m-1"}})

	for _, channel := range []<-chan ThreadAttached{first, second} {
		select {
		case event := <-channel:
			if event.Message.ProviderID != "m-1" {
				t.Fatalf("unexpected event %+v", event)
			}
		case <-time.After(time.Second):
			t.Fatal("expected delivery to every subscriber")
		}
	}
}

func TestBroadcastEmitNeverBlocks(t *testing.T) {
	broadcast := NewBroadcast[SweepCompleted]()

	_, cancel := broadcast.Subscribe(1)
	defer cancel()

	// The buffer holds one, the rest is dropped instead of stalling.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 100; i++ {
			broadcast.Emit(SweepCompleted{Ingested: i})
		}
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("emit blocked on a full subscriber")
	}
}

func TestSubscribeCancelClosesChannel(t *testing.T) {
	broadcast := NewBroadcast[ThreadAttached]()

	channel, cancel := broadcast.Subscribe(1)
	cancel()

	if _, open := <-channel; open {
		t.Fatal("cancelled channel should be closed")
	}

	// Cancelling twice is harmless.
	cancel()

	// Emitting with no subscribers left is a no-op.
	broadcast.Emit(ThreadAttached{})
}
