package eventlog

import (
	"context"
	"sync"
)

// notifier fans append signals out to Notify subscribers. Each subscriber
// channel holds at most one pending signal so a slow reader never blocks
// appends.
type notifier struct {
	subs   map[chan struct{}]struct{}
	closed bool
	mu     sync.Mutex
}

func newNotifier() *notifier {
	return &notifier{subs: make(map[chan struct{}]struct{})}
}

func (n *notifier) subscribe(ctx context.Context) <-chan struct{} {
	n.mu.Lock()
	defer n.mu.Unlock()

	ch := make(chan struct{}, 1)
	if n.closed {
		close(ch)
		return ch
	}
	n.subs[ch] = struct{}{}

	go func() {
		<-ctx.Done()
		n.unsubscribe(ch)
	}()
	return ch
}

func (n *notifier) unsubscribe(ch chan struct{}) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if _, ok := n.subs[ch]; ok {
		delete(n.subs, ch)
		close(ch)
	}
}

func (n *notifier) broadcast() {
	n.mu.Lock()
	defer n.mu.Unlock()

	for ch := range n.subs {
		select {
		case ch <- struct{}{}:
		default:
			// a signal is already pending
		}
	}
}

func (n *notifier) close() {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.closed {
		return
	}
	n.closed = true
	for ch := range n.subs {
		close(ch)
	}
	n.subs = make(map[chan struct{}]struct{})
}
