package bus

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/archbuild/coordinator/pkg/log"
	"github.com/archbuild/coordinator/pkg/types"
)

// subscriberCapacity bounds how many messages a subscriber can be behind
// before it is considered lagging, matching spec's suggested bound.
const subscriberCapacity = 128

// Broker fans published messages out to every current subscriber.
type Broker struct {
	mu          sync.RWMutex
	subscribers map[*Subscriber]struct{}
}

// New creates an empty Broker. It requires no Start/Stop: Publish runs
// synchronously against the current subscriber set under a read lock.
func New() *Broker {
	return &Broker{subscribers: make(map[*Subscriber]struct{})}
}

// Subscriber receives messages published after it was created. Its
// internal channel is swapped out (rather than the subscriber being
// dropped) when it falls behind, so callers should always read the
// current channel through Recv rather than caching one themselves.
type Subscriber struct {
	mu     sync.Mutex
	ch     chan types.Message
	closed atomic.Bool
}

// Subscribe registers a new subscriber with the broker.
func (b *Broker) Subscribe() *Subscriber {
	sub := &Subscriber{ch: make(chan types.Message, subscriberCapacity)}

	b.mu.Lock()
	b.subscribers[sub] = struct{}{}
	b.mu.Unlock()

	return sub
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Broker) Unsubscribe(sub *Subscriber) {
	b.mu.Lock()
	delete(b.subscribers, sub)
	b.mu.Unlock()

	sub.mu.Lock()
	sub.closed.Store(true)
	close(sub.ch)
	sub.mu.Unlock()
}

// Publish delivers msg to every current subscriber.
func (b *Broker) Publish(msg types.Message) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subscribers {
		sub.deliver(msg)
	}
}

// deliver attempts a non-blocking send. A subscriber whose buffer is full
// has fallen behind the rest of the system; rather than block the
// publisher or silently drop the message, its channel is closed and
// replaced so the next Recv call picks up a clean channel and resumes
// receiving messages published from this point forward.
func (s *Subscriber) deliver(msg types.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	select {
	case s.ch <- msg:
	default:
		log.WithComponent("bus").Warn().Msg("subscriber lagged, resynchronizing")
		close(s.ch)
		s.ch = make(chan types.Message, subscriberCapacity)
		s.ch <- msg
	}
}

// TryRecv returns the next already-buffered message without blocking, for
// callers structured as a poll loop rather than a blocking select (the
// orchestrator's fixed-tick dispatch loop).
func (s *Subscriber) TryRecv() (types.Message, bool) {
	for {
		if s.closed.Load() {
			return nil, false
		}

		s.mu.Lock()
		ch := s.ch
		s.mu.Unlock()

		select {
		case msg, ok := <-ch:
			if !ok {
				continue
			}
			return msg, true
		default:
			return nil, false
		}
	}
}

// Recv waits for the next message, the context being cancelled, or
// timeout elapsing, whichever comes first. A timeout of zero or less
// disables the timeout branch entirely, so Recv blocks on ctx alone. Once
// the subscriber has been unsubscribed, Recv returns immediately with
// ok=false rather than spinning on its now-permanently-closed channel.
func (s *Subscriber) Recv(ctx context.Context, timeout time.Duration) (types.Message, bool) {
	for {
		if s.closed.Load() {
			return nil, false
		}

		s.mu.Lock()
		ch := s.ch
		s.mu.Unlock()

		if timeout <= 0 {
			select {
			case msg, ok := <-ch:
				if !ok {
					continue
				}
				return msg, true
			case <-ctx.Done():
				return nil, false
			}
		}

		timer := time.NewTimer(timeout)
		select {
		case msg, ok := <-ch:
			timer.Stop()
			if !ok {
				continue
			}
			return msg, true
		case <-ctx.Done():
			timer.Stop()
			return nil, false
		case <-timer.C:
			return nil, false
		}
	}
}
