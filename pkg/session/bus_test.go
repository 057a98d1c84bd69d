package session

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestChannelBus_RoundTrip(t *testing.T) {
	bus := NewChannelBus()
	t.Cleanup(func() { _ = bus.Close() })

	msgs, err := bus.Subscribe(context.Background(), TurnTopic("tui"))
	require.NoError(t, err)

	bus.Publish(TurnTopic("tui"), TurnUpdate{ClientTurnID: "ct-1", Status: "queued"})

	select {
	case msg := <-msgs:
		var u TurnUpdate
		require.NoError(t, json.Unmarshal(msg.Payload, &u))
		require.Equal(t, "ct-1", u.ClientTurnID)
		require.Equal(t, "queued", u.Status)
		msg.Ack()
	case <-time.After(2 * time.Second):
		t.Fatal("no message on turn topic")
	}
}

func TestChannelBus_PublishWithoutSubscriberDoesNotBlock(t *testing.T) {
	bus := NewChannelBus()
	t.Cleanup(func() { _ = bus.Close() })
	done := make(chan struct{})
	go func() {
		bus.Publish(EventTopic("tui"), EventUpdate{ID: "e1"})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked with no subscriber")
	}
}

func TestNewRedisBus_RequiresAddr(t *testing.T) {
	_, err := NewRedisBus(RedisSettings{})
	require.Error(t, err)
}
