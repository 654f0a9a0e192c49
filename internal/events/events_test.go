package events

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestHubDeliversToCourseOnly(t *testing.T) {
	hub := NewHub()
	a := hub.Subscribe("course-a")
	b := hub.Subscribe("course-b")
	defer a.Close()
	defer b.Close()

	require.NoError(t, hub.Publish(context.Background(), Event{CourseID: "course-a"}))

	select {
	case <-a.C:
	case <-time.After(time.Second):
		t.Fatal("subscriber of course-a not notified")
	}
	select {
	case <-b.C:
		t.Fatal("subscriber of course-b notified")
	default:
	}
}

func TestHubCoalesces(t *testing.T) {
	hub := NewHub()
	sub := hub.Subscribe("c")
	defer sub.Close()

	for i := 0; i < 100; i++ {
		require.NoError(t, hub.Publish(context.Background(), Event{CourseID: "c"}))
	}
	<-sub.C
	select {
	case <-sub.C:
		t.Fatal("expected a single pending signal")
	default:
	}
}

func TestSubscriptionCloseIdempotent(t *testing.T) {
	hub := NewHub()
	sub := hub.Subscribe("c")
	other := hub.Subscribe("c")
	assert.Equal(t, 2, hub.Subscribers("c"))

	sub.Close()
	sub.Close()
	assert.Equal(t, 1, hub.Subscribers("c"))

	_, ok := <-sub.C
	assert.False(t, ok)

	other.Close()
	assert.Equal(t, 0, hub.Subscribers("c"))
	assert.NotPanics(t, func() { _ = hub.Publish(context.Background(), Event{CourseID: "c"}) })
}

func TestRedisBusChannelNames(t *testing.T) {
	b := NewRedisBus(nil, "", zap.NewNop())
	assert.Equal(t, "attendance:course:65f0", b.channel("65f0"))

	id, ok := b.courseOf("attendance:course:65f0")
	assert.True(t, ok)
	assert.Equal(t, "65f0", id)

	_, ok = b.courseOf("attendance:course:")
	assert.False(t, ok)
	_, ok = b.courseOf("other:65f0")
	assert.False(t, ok)
}

func TestRedisBusRunRetriesUnreachableServer(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", DialTimeout: 100 * time.Millisecond, MaxRetries: -1})
	defer client.Close()

	core, logs := observer.New(zapcore.WarnLevel)
	b := NewRedisBus(client, "", zap.New(core))
	b.Retry = 5 * time.Millisecond
	b.MaxRetry = 20 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Run(ctx) }()

	require.Eventually(t, func() bool {
		return logs.FilterMessage("event bus subscription lost, retrying").Len() >= 3
	}, 5*time.Second, 10*time.Millisecond)
	select {
	case err := <-done:
		t.Fatalf("Run returned while ctx was live: %v", err)
	default:
	}

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}
