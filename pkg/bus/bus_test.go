package bus

import (
	"context"
	"testing"
	"time"

	"github.com/archbuild/coordinator/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishDeliversToAllSubscribers(t *testing.T) {
	b := New()
	a := b.Subscribe()
	c := b.Subscribe()

	b.Publish(types.BuildPackage{Package: "foo"})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	msg, ok := a.Recv(ctx, 0)
	require.True(t, ok)
	assert.Equal(t, types.BuildPackage{Package: "foo"}, msg)

	msg, ok = c.Recv(ctx, 0)
	require.True(t, ok)
	assert.Equal(t, types.BuildPackage{Package: "foo"}, msg)
}

func TestRecvTimesOut(t *testing.T) {
	b := New()
	sub := b.Subscribe()

	ctx := context.Background()
	_, ok := sub.Recv(ctx, 10*time.Millisecond)
	assert.False(t, ok)
}

func TestRecvHonorsContextCancellation(t *testing.T) {
	b := New()
	sub := b.Subscribe()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, ok := sub.Recv(ctx, time.Second)
	assert.False(t, ok)
}

func TestLaggedSubscriberResynchronizesRatherThanBlocking(t *testing.T) {
	b := New()
	sub := b.Subscribe()

	for i := 0; i < subscriberCapacity+5; i++ {
		b.Publish(types.BuildPackage{Package: "overflow"})
	}

	b.Publish(types.BuildPackage{Package: "after-resync"})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	seenAfterResync := false
	for i := 0; i < subscriberCapacity+10; i++ {
		msg, ok := sub.Recv(ctx, 50*time.Millisecond)
		if !ok {
			break
		}
		if m, ok := msg.(types.BuildPackage); ok && m.Package == "after-resync" {
			seenAfterResync = true
			break
		}
	}

	assert.True(t, seenAfterResync, "subscriber should resynchronize and keep receiving new messages")
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := New()
	sub := b.Subscribe()
	b.Unsubscribe(sub)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, ok := sub.Recv(ctx, 0)
	assert.False(t, ok)
}
