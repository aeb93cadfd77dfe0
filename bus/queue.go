// SPDX-FileCopyrightText: © 2024 the meshbus authors
// SPDX-License-Identifier: AGPL-3.0-only

package bus

import (
	"gopkg.in/eapache/channels.v1"
)

// queuedDelivery is one dispatch handed off to a queued subscription's
// worker goroutine instead of invoked inline on the engine goroutine.
type queuedDelivery struct {
	topic   string
	payload []byte
	peerID  uint32
	seq     uint32
}

// dispatchQueue backs SubscribeQueued: a bounded channel feeding a
// dedicated worker goroutine, so one slow callback cannot stall ordered
// delivery to every other subscriber the way an inline callback would.
// When the queue is full, the oldest pending delivery is dropped to make
// room for the new one (spec.md §9's "future extension", supplemented per
// SPEC_FULL.md §4.5).
type dispatchQueue struct {
	ch     channels.Channel
	cb     Callback
	onDrop func()
	done   chan struct{}
}

func newDispatchQueue(size int, cb Callback, onDrop func()) *dispatchQueue {
	return &dispatchQueue{
		ch:     channels.NewNativeChannel(uint(size)),
		cb:     cb,
		onDrop: onDrop,
		done:   make(chan struct{}),
	}
}

func (q *dispatchQueue) start() {
	go q.run()
}

func (q *dispatchQueue) run() {
	out := q.ch.Out()
	for {
		select {
		case <-q.done:
			return
		case v, ok := <-out:
			if !ok {
				return
			}
			q.invoke(v.(queuedDelivery))
		}
	}
}

func (q *dispatchQueue) invoke(d queuedDelivery) {
	defer func() { recover() }()
	q.cb(d.topic, d.payload, d.peerID, d.seq)
}

// push enqueues d, dropping the oldest pending delivery if the queue is
// already at capacity.
func (q *dispatchQueue) push(d queuedDelivery) {
	select {
	case q.ch.In() <- d:
		return
	default:
	}
	select {
	case <-q.ch.Out():
		if q.onDrop != nil {
			q.onDrop()
		}
	default:
	}
	select {
	case q.ch.In() <- d:
	default:
	}
}

func (q *dispatchQueue) stop() {
	close(q.done)
	q.ch.Close()
}
