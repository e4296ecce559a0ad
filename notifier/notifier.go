package notifier

import (
	"sync"
)

// Notifier wakes subscribers when something they watch changes. A
// subscriber either watches a single topic (a run id) or everything.
type Notifier struct {
	subscribers map[chan struct{}]string
	mu          sync.Mutex
}

// wildcard topic, receives every notification
const all = ""

func New() *Notifier {
	return &Notifier{
		subscribers: make(map[chan struct{}]string),
	}
}

func (n *Notifier) Subscribe() chan struct{} {
	return n.SubscribeTopic(all)
}

func (n *Notifier) SubscribeTopic(topic string) chan struct{} {
	ch := make(chan struct{}, 1)
	n.mu.Lock()
	n.subscribers[ch] = topic
	n.mu.Unlock()
	return ch
}

func (n *Notifier) Unsubscribe(ch chan struct{}) {
	n.mu.Lock()
	if _, ok := n.subscribers[ch]; ok {
		delete(n.subscribers, ch)
		close(ch)
	}
	n.mu.Unlock()
}

// Notify wakes the subscribers of topic and every wildcard subscriber.
func (n *Notifier) Notify(topic string) {
	n.mu.Lock()
	for ch, t := range n.subscribers {
		if t != all && t != topic {
			continue
		}
		select {
		case ch <- struct{}{}:
		default:
			// avoid blocking if channel is full
		}
	}
	n.mu.Unlock()
}

func (n *Notifier) NotifyAll() {
	n.mu.Lock()
	for ch := range n.subscribers {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
	n.mu.Unlock()
}
