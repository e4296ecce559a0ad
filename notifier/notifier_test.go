package notifier

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func received(ch chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

func TestNotify(t *testing.T) {
	n := New()

	everything := n.Subscribe()
	runA := n.SubscribeTopic("run-a")
	runB := n.SubscribeTopic("run-b")

	n.Notify("run-a")

	assert.True(t, received(everything))
	assert.True(t, received(runA))
	assert.False(t, received(runB))
}

func TestNotifyDoesNotBlock(t *testing.T) {
	n := New()
	ch := n.Subscribe()

	for range 10 {
		n.Notify("x")
	}

	assert.True(t, received(ch))
	assert.False(t, received(ch))
}

func TestUnsubscribeTwice(t *testing.T) {
	n := New()
	ch := n.Subscribe()

	n.Unsubscribe(ch)
	n.Unsubscribe(ch)

	_, open := <-ch
	assert.False(t, open)
}

func TestNotifyAll(t *testing.T) {
	n := New()
	everything := n.Subscribe()
	run := n.SubscribeTopic("run")

	n.NotifyAll()

	assert.True(t, received(everything))
	assert.True(t, received(run))
}
