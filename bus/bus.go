// SPDX-FileCopyrightText: © 2024 the meshbus authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package bus implements BusCore: the socket I/O loop, subscription
// table, outbound sequencing, and NAK/retransmit servicing that ties
// together topic routing, packet framing, and per-peer gap tracking into
// a reliable sequenced multicast bus.
package bus

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/narwhalsys/meshbus/cipher"
	"github.com/narwhalsys/meshbus/config"
	"github.com/narwhalsys/meshbus/internal/clock"
	"github.com/narwhalsys/meshbus/internal/ring"
	"github.com/narwhalsys/meshbus/internal/worker"
	"github.com/narwhalsys/meshbus/peer"
	"github.com/narwhalsys/meshbus/topic"
	"github.com/narwhalsys/meshbus/wire"
)

// timerTickInterval is the engine's internal scheduling granularity for
// heartbeat/NAK/GC bookkeeping; configured durations are measured against
// the clock on each tick rather than driving a timer of their own.
const timerTickInterval = 25 * time.Millisecond

// udpReadBufferSlack pads the receive buffer beyond MaxPacketBytes so a
// slightly-over-budget datagram is still read whole (and then decoded like
// any other) rather than silently truncated by a too-small buffer.
const udpReadBufferSlack = 512

// engineChannelBuffer bounds the engine's inbound packet and loss-event
// channels; a slow engine still applies backpressure to the reader
// goroutine rather than growing without bound.
const engineChannelBuffer = 256

// Callback is invoked for each delivered DATA packet matching a
// subscription's filter, in (peer, session, sequence) order.
type Callback func(topicStr string, payload []byte, peerID uint32, seq uint32)

// SubscriptionID identifies an active Subscribe/SubscribeQueued call.
type SubscriptionID uint64

type subscription struct {
	id     SubscriptionID
	filter *topic.Filter
	cb     Callback
	queue  *dispatchQueue // nil for inline dispatch
}

type peerKey struct {
	PeerID    uint32
	SessionID uint16
}

type rxFrame struct {
	data []byte
	addr net.Addr
}

type tickMsg struct {
	now  time.Time
	done chan struct{}
}

// Stats is a point-in-time snapshot of BusCore counters.
type Stats struct {
	Published        uint64
	Delivered        uint64
	MalformedDropped uint64
	SendFailures     uint64
	DispatchDropped  uint64
	NaksSent         uint64
	RetransmitsSent  uint64
	LossesDeclared   uint64
}

// Bus is one open reliable-multicast endpoint: a joined socket, an
// outbound sequence counter and retransmit ring, a subscription table,
// and one receive-side Tracker per remote (peer, session).
type Bus struct {
	worker.Worker

	cfg     config.Config
	sock    socket
	cipher  *cipher.Cipher
	clk     clock.Clock
	log     *logging.Logger
	peerLog *logging.Logger

	sessionID uint16

	// send side: guarded by sendMu, the only writer is Publish.
	sendMu  sync.Mutex
	nextSeq uint32
	ring    *ring.Ring

	// subscription table: read by the engine goroutine, written by
	// Subscribe/SubscribeQueued/Unsubscribe from arbitrary callers.
	subMu     sync.RWMutex
	subs      map[SubscriptionID]*subscription
	nextSubID uint64

	// engine-goroutine-owned state: no lock needed, see spec.md §5/§9.
	peers         map[peerKey]*peer.Tracker
	lastHeartbeat time.Time
	lastGC        time.Time
	nakSeq        uint32
	publishedFlag atomic.Bool

	rxCh   chan rxFrame
	tickCh chan tickMsg
	losses chan peer.Loss

	closed    atomic.Bool
	closeOnce sync.Once

	published        atomic.Uint64
	delivered        atomic.Uint64
	malformedDropped atomic.Uint64
	sendFailures     atomic.Uint64
	dispatchDropped  atomic.Uint64
	naksSent         atomic.Uint64
	retransmitsSent  atomic.Uint64
	lossesDeclared   atomic.Uint64
}

// Open joins cfg's multicast group and starts the bus. If cfg names a
// cipher key, it is derived into a Cipher and every Publish encrypts its
// payload; otherwise payloads are sent in cleartext.
func Open(cfg config.Config) (*Bus, error) {
	sock, err := newUDPSocket(cfg.GroupAddress, cfg.GroupPort)
	if err != nil {
		return nil, err
	}
	b, err := open(cfg, sock, clock.System{})
	if err != nil {
		return nil, err
	}
	return b, nil
}

// open is Open with an injectable socket and clock, used by tests.
func open(cfg config.Config, sock socket, clk clock.Clock) (*Bus, error) {
	registerBusMetrics()

	var c *cipher.Cipher
	key, err := cfg.CipherKey()
	if err != nil {
		sock.close()
		return nil, err
	}
	if key != nil {
		c, err = cipher.New(key)
		if err != nil {
			sock.close()
			return nil, err
		}
	}

	var sidBuf [2]byte
	if _, err := rand.Read(sidBuf[:]); err != nil {
		sock.close()
		return nil, fmt.Errorf("bus: generate session id: %w", err)
	}

	now := clk.Now()
	b := &Bus{
		cfg:           cfg,
		sock:          sock,
		cipher:        c,
		clk:           clk,
		log:           logging.MustGetLogger("meshbus/bus"),
		peerLog:       logging.MustGetLogger("meshbus/peer"),
		sessionID:     binary.BigEndian.Uint16(sidBuf[:]),
		nextSeq:       1,
		ring:          ring.New(cfg.RetransmitRingSize),
		subs:          make(map[SubscriptionID]*subscription),
		peers:         make(map[peerKey]*peer.Tracker),
		lastHeartbeat: now,
		lastGC:        now,
		rxCh:          make(chan rxFrame, engineChannelBuffer),
		tickCh:        make(chan tickMsg, 1),
		losses:        make(chan peer.Loss, engineChannelBuffer),
	}

	b.Go(b.readerLoop)
	b.Go(b.engineLoop)
	b.Go(b.timerLoop)
	return b, nil
}

// Publish assigns topicStr/payload the next sequence number in this
// session, encodes it (encrypting the payload if a cipher key is
// configured), sends it to the group, and retains it in the retransmit
// ring. A transport send error is returned as *ErrSendFailed but does not
// prevent the packet from being recoverable via NAK.
func (b *Bus) Publish(topicStr string, payload []byte) error {
	if b.closed.Load() {
		return ErrClosed
	}
	if _, err := topic.Split(topicStr); err != nil {
		return err
	}

	body := payload
	flags := uint16(0)
	if b.cipher != nil {
		body = b.cipher.Encrypt(payload)
		flags |= wire.FlagEncrypted
	}

	b.sendMu.Lock()
	seq := b.nextSeq
	b.nextSeq++

	pkt := &wire.DataPacket{
		Header: wire.Header{
			PeerID:    b.cfg.PeerID,
			SessionID: b.sessionID,
			Sequence:  seq,
			Flags:     flags,
		},
		Topic:   topicStr,
		Payload: body,
	}
	raw := wire.Encode(pkt)
	if len(raw) > b.cfg.MaxPacketBytes {
		b.sendMu.Unlock()
		return fmt.Errorf("bus: encoded packet %d bytes exceeds max_packet_bytes %d", len(raw), b.cfg.MaxPacketBytes)
	}
	b.ring.Put(seq, raw)
	b.sendMu.Unlock()

	b.publishedFlag.Store(true)
	b.published.Add(1)
	busPublishedTotal.Inc()

	if err := b.sock.sendGroup(raw); err != nil {
		b.sendFailures.Add(1)
		busSendFailuresTotal.Inc()
		return &ErrSendFailed{Err: err}
	}
	return nil
}

// Subscribe compiles filterPattern and registers cb for inline,
// ordering-preserving dispatch: cb runs on the engine goroutine, so a
// callback that blocks stalls delivery to every sender.
func (b *Bus) Subscribe(filterPattern string, cb Callback) (SubscriptionID, error) {
	return b.subscribe(filterPattern, cb, nil)
}

// SubscribeQueued is Subscribe, but cb runs on a dedicated worker
// goroutine fed by a bounded queue of depth queueSize; when the queue is
// full, the oldest pending delivery is dropped rather than blocking the
// engine goroutine.
func (b *Bus) SubscribeQueued(filterPattern string, cb Callback, queueSize int) (SubscriptionID, error) {
	if queueSize <= 0 {
		return 0, fmt.Errorf("bus: queueSize must be positive")
	}
	q := newDispatchQueue(queueSize, cb, func() {
		b.dispatchDropped.Add(1)
		busDispatchDroppedTotal.Inc()
	})
	id, err := b.subscribe(filterPattern, nil, q)
	if err != nil {
		return 0, err
	}
	q.start()
	return id, nil
}

func (b *Bus) subscribe(filterPattern string, cb Callback, q *dispatchQueue) (SubscriptionID, error) {
	f, err := topic.Compile(filterPattern)
	if err != nil {
		return 0, err
	}
	if b.closed.Load() {
		return 0, ErrClosed
	}
	b.subMu.Lock()
	defer b.subMu.Unlock()
	b.nextSubID++
	id := SubscriptionID(b.nextSubID)
	b.subs[id] = &subscription{id: id, filter: f, cb: cb, queue: q}
	return id, nil
}

// Unsubscribe removes id from the subscription table. A dispatch already
// in flight for id may still fire.
func (b *Bus) Unsubscribe(id SubscriptionID) {
	b.subMu.Lock()
	sub, ok := b.subs[id]
	delete(b.subs, id)
	b.subMu.Unlock()
	if ok && sub.queue != nil {
		sub.queue.stop()
	}
}

// Losses returns the channel Loss events are published on when a gap is
// declared permanently unrecoverable. The channel is never closed by
// Close; callers that stop draining it simply stop seeing new events
// (a new event is dropped while the internal buffer is full).
func (b *Bus) Losses() <-chan peer.Loss {
	return b.losses
}

// Stats returns a snapshot of the bus's counters.
func (b *Bus) Stats() Stats {
	return Stats{
		Published:        b.published.Load(),
		Delivered:        b.delivered.Load(),
		MalformedDropped: b.malformedDropped.Load(),
		SendFailures:     b.sendFailures.Load(),
		DispatchDropped:  b.dispatchDropped.Load(),
		NaksSent:         b.naksSent.Load(),
		RetransmitsSent:  b.retransmitsSent.Load(),
		LossesDeclared:   b.lossesDeclared.Load(),
	}
}

// Close stops the receive and timer tasks, leaves the multicast group,
// and releases the socket. Close is idempotent; pending deliveries are
// dropped.
func (b *Bus) Close() error {
	var closeErr error
	b.closeOnce.Do(func() {
		b.closed.Store(true)
		closeErr = b.sock.close()
		b.Worker.Halt()

		b.subMu.Lock()
		for _, sub := range b.subs {
			if sub.queue != nil {
				sub.queue.stop()
			}
		}
		b.subs = nil
		b.subMu.Unlock()
	})
	return closeErr
}

// syncTick drives one engine tick synchronously at a caller-chosen time,
// bypassing the wall-clock timer goroutine. Used by tests.
func (b *Bus) syncTick(now time.Time) {
	done := make(chan struct{})
	b.tickCh <- tickMsg{now: now, done: done}
	<-done
}
