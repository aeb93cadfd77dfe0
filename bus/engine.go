// SPDX-FileCopyrightText: © 2024 the meshbus authors
// SPDX-License-Identifier: AGPL-3.0-only

package bus

import (
	"encoding/binary"
	"net"
	"time"

	"github.com/narwhalsys/meshbus/peer"
	"github.com/narwhalsys/meshbus/topic"
	"github.com/narwhalsys/meshbus/wire"
)

// readerLoop is the only goroutine that calls sock.recv; it exists solely
// to keep the blocking read off the engine goroutine's select loop, and
// forwards each datagram to the engine unmodified.
func (b *Bus) readerLoop() {
	buf := make([]byte, b.cfg.MaxPacketBytes+udpReadBufferSlack)
	for {
		n, addr, err := b.sock.recv(buf)
		if err != nil {
			if b.closed.Load() {
				return
			}
			select {
			case <-b.HaltCh():
				return
			default:
			}
			b.log.Warningf("bus: recv error: %v", err)
			continue
		}
		cp := make([]byte, n)
		copy(cp, buf[:n])
		select {
		case b.rxCh <- rxFrame{data: cp, addr: addr}:
		case <-b.HaltCh():
			return
		}
	}
}

// engineLoop is the single receive task named in spec.md §5: it owns the
// peer-state map exclusively and is the only goroutine that mutates it,
// fed by the reader goroutine's packet channel and the timer goroutine's
// tick channel.
func (b *Bus) engineLoop() {
	for {
		select {
		case <-b.HaltCh():
			return
		case frame := <-b.rxCh:
			b.handlePacket(frame.data, frame.addr)
		case msg := <-b.tickCh:
			b.runTick(msg.now)
			if msg.done != nil {
				close(msg.done)
			}
		}
	}
}

// timerLoop is the single timer task: it wakes at a fine granularity and
// asks the engine to run its heartbeat/NAK/GC bookkeeping, but never
// touches peer state itself.
func (b *Bus) timerLoop() {
	ticker := time.NewTicker(timerTickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-b.HaltCh():
			return
		case <-ticker.C:
			select {
			case b.tickCh <- tickMsg{now: b.clk.Now()}:
			default:
			}
		}
	}
}

func (b *Bus) handlePacket(raw []byte, addr net.Addr) {
	pkt, err := wire.Decode(raw)
	if err != nil {
		b.malformedDropped.Add(1)
		busMalformedTotal.Inc()
		b.log.Debugf("bus: dropping malformed packet from %v: %v", addr, err)
		return
	}
	switch p := pkt.(type) {
	case *wire.DataPacket:
		b.handleData(p)
	case *wire.HeartbeatPacket:
		b.handleHeartbeat(p)
	case *wire.NakPacket:
		b.handleNak(p, addr)
	}
}

func (b *Bus) isSelf(peerID uint32, sessionID uint16) bool {
	return peerID == b.cfg.PeerID && sessionID == b.sessionID
}

func (b *Bus) handleData(p *wire.DataPacket) {
	if b.isSelf(p.Header.PeerID, p.Header.SessionID) {
		return
	}

	payload := p.Payload
	if p.Header.Flags&wire.FlagEncrypted != 0 {
		if b.cipher == nil {
			b.malformedDropped.Add(1)
			busMalformedTotal.Inc()
			b.log.Warningf("bus: encrypted payload from peer %d with no cipher key configured", p.Header.PeerID)
			return
		}
		pt, err := b.cipher.Decrypt(payload)
		if err != nil {
			b.malformedDropped.Add(1)
			busMalformedTotal.Inc()
			b.log.Warningf("bus: decrypt failed for peer %d seq %d: %v", p.Header.PeerID, p.Header.Sequence, err)
			return
		}
		payload = pt
	}

	tr := b.getOrCreateTracker(p.Header.PeerID, p.Header.SessionID)
	deliveries := tr.Receive(p.Header.Sequence, packDelivery(p.Topic, payload))
	b.dispatchAll(p.Header.PeerID, p.Header.SessionID, deliveries)
}

func (b *Bus) handleHeartbeat(p *wire.HeartbeatPacket) {
	if b.isSelf(p.Header.PeerID, p.Header.SessionID) {
		return
	}
	tr := b.getOrCreateTracker(p.Header.PeerID, p.Header.SessionID)
	tr.ReceiveHeartbeat(p.Header.Sequence)
}

func (b *Bus) handleNak(p *wire.NakPacket, addr net.Addr) {
	if p.Header.Flags&wire.FlagUnrecoverable != 0 {
		b.handleUnrecoverableEcho(p)
		return
	}
	if p.TargetPeerID != b.cfg.PeerID || p.TargetSessionID != b.sessionID {
		return
	}
	b.serviceNak(p, addr)
}

// serviceNak is the sender-side retransmit servicing in spec.md §4.4:
// resend whatever requested sequences remain in the ring, and reply with
// an UNRECOVERABLE-flagged echo for whatever has already been evicted.
func (b *Bus) serviceNak(p *wire.NakPacket, addr net.Addr) {
	var unrecoverable []wire.SeqRange
	for _, r := range p.Ranges {
		for seq := r.Start; ; seq++ {
			if raw, ok := b.ring.Get(seq); ok {
				if err := b.sock.sendTo(raw, addr); err != nil {
					b.log.Warningf("bus: retransmit to %v failed: %v", addr, err)
				} else {
					b.retransmitsSent.Add(1)
					busRetransmitsSentTotal.Inc()
				}
			} else {
				unrecoverable = appendSeq(unrecoverable, seq)
			}
			if seq == r.End {
				break
			}
		}
	}
	if len(unrecoverable) == 0 {
		return
	}
	reply := &wire.NakPacket{
		Header: wire.Header{
			PeerID:    b.cfg.PeerID,
			SessionID: b.sessionID,
			Sequence:  p.Header.Sequence,
			Flags:     wire.FlagUnrecoverable,
		},
		TargetPeerID:    b.cfg.PeerID,
		TargetSessionID: b.sessionID,
		Ranges:          unrecoverable,
	}
	if err := b.sock.sendGroup(wire.Encode(reply)); err != nil {
		b.log.Warningf("bus: unrecoverable reply send failed: %v", err)
	}
}

// appendSeq extends ranges by seq, coalescing it onto the final range if
// contiguous.
func appendSeq(ranges []wire.SeqRange, seq uint32) []wire.SeqRange {
	if n := len(ranges); n > 0 && ranges[n-1].End == seq-1 {
		ranges[n-1].End = seq
		return ranges
	}
	return append(ranges, wire.SeqRange{Start: seq, End: seq})
}

func (b *Bus) handleUnrecoverableEcho(p *wire.NakPacket) {
	key := peerKey{PeerID: p.TargetPeerID, SessionID: p.TargetSessionID}
	tr, ok := b.peers[key]
	if !ok {
		return
	}
	deliveries := tr.ForceLoss(p.Ranges)
	if len(deliveries) > 0 {
		b.dispatchAll(key.PeerID, key.SessionID, deliveries)
	}
	b.lossesDeclared.Add(uint64(len(p.Ranges)))
	for range p.Ranges {
		busLossTotal.Inc()
	}
	b.emitLoss(key.PeerID, key.SessionID, p.Ranges)
}

func (b *Bus) getOrCreateTracker(peerID uint32, sessionID uint16) *peer.Tracker {
	key := peerKey{PeerID: peerID, SessionID: sessionID}
	tr, ok := b.peers[key]
	if !ok {
		tr = peer.NewTracker(peerID, sessionID, b.clk, b.trackerConfig(), b.peerLog)
		b.peers[key] = tr
	}
	return tr
}

func (b *Bus) trackerConfig() peer.Config {
	cfg := peer.DefaultConfig()
	cfg.NakInitialDelay = time.Duration(b.cfg.NakInitialDelay)
	cfg.NakBackoffBase = time.Duration(b.cfg.NakBackoffBase)
	cfg.NakBackoffCap = time.Duration(b.cfg.NakBackoffCap)
	cfg.NakDeadline = time.Duration(b.cfg.NakDeadline)
	return cfg
}

// runTick executes the timer task's bookkeeping on the engine goroutine:
// heartbeat-if-published, per-peer NAK scheduling/deadline checks, and
// periodic idle-peer GC.
func (b *Bus) runTick(now time.Time) {
	if now.Sub(b.lastHeartbeat) >= time.Duration(b.cfg.HeartbeatInterval) {
		b.maybeSendHeartbeat()
		b.lastHeartbeat = now
	}

	for key, tr := range b.peers {
		result := tr.Tick(now)
		for _, nr := range result.Naks {
			b.sendNak(nr)
		}
		for _, loss := range result.Losses {
			b.lossesDeclared.Add(1)
			busLossTotal.Inc()
			b.emitLoss(key.PeerID, key.SessionID, loss.Ranges)
		}
		if len(result.Deliveries) > 0 {
			b.dispatchAll(key.PeerID, key.SessionID, result.Deliveries)
		}
	}

	if now.Sub(b.lastGC) >= time.Duration(b.cfg.GCInterval) {
		b.gcPeers(now)
		b.lastGC = now
	}
}

func (b *Bus) maybeSendHeartbeat() {
	if !b.publishedFlag.CompareAndSwap(true, false) {
		return
	}
	b.sendMu.Lock()
	highest := b.nextSeq - 1
	b.sendMu.Unlock()
	if highest == 0 {
		return
	}
	pkt := &wire.HeartbeatPacket{Header: wire.Header{
		PeerID:    b.cfg.PeerID,
		SessionID: b.sessionID,
		Sequence:  highest,
	}}
	if err := b.sock.sendGroup(wire.Encode(pkt)); err != nil {
		b.log.Warningf("bus: heartbeat send failed: %v", err)
	}
}

func (b *Bus) sendNak(nr peer.NakRequest) {
	b.nakSeq++
	pkt := &wire.NakPacket{
		Header: wire.Header{
			PeerID:    b.cfg.PeerID,
			SessionID: b.sessionID,
			Sequence:  b.nakSeq,
		},
		TargetPeerID:    nr.PeerID,
		TargetSessionID: nr.SessionID,
		Ranges:          nr.Ranges,
	}
	if err := b.sock.sendGroup(wire.Encode(pkt)); err != nil {
		b.log.Warningf("bus: nak send failed: %v", err)
		return
	}
	b.naksSent.Add(1)
	busNaksSentTotal.Inc()
}

func (b *Bus) gcPeers(now time.Time) {
	timeout := time.Duration(b.cfg.PeerIdleTimeout)
	for key, tr := range b.peers {
		if tr.Idle(now, timeout) {
			delete(b.peers, key)
		}
	}
}

func (b *Bus) emitLoss(peerID uint32, sessionID uint16, ranges []wire.SeqRange) {
	select {
	case b.losses <- peer.Loss{PeerID: peerID, SessionID: sessionID, Ranges: ranges}:
	default:
		busLossEventDroppedTotal.Inc()
	}
}

func (b *Bus) dispatchAll(peerID uint32, sessionID uint16, deliveries []peer.Delivery) {
	for _, d := range deliveries {
		b.delivered.Add(1)
		busDeliveredTotal.Inc()
		topicStr, payload := unpackDelivery(d.Data)
		b.dispatch(topicStr, payload, peerID, d.Seq)
	}
}

func (b *Bus) dispatch(topicStr string, payload []byte, peerID uint32, seq uint32) {
	segs, err := topic.Split(topicStr)
	if err != nil {
		// Unreachable in practice: wire.Decode already validated the
		// topic before the packet reached the tracker.
		return
	}

	b.subMu.RLock()
	matched := make([]*subscription, 0, len(b.subs))
	for _, s := range b.subs {
		if s.filter.Match(segs) {
			matched = append(matched, s)
		}
	}
	b.subMu.RUnlock()

	for _, s := range matched {
		b.invoke(s, topicStr, payload, peerID, seq)
	}
}

func (b *Bus) invoke(s *subscription, topicStr string, payload []byte, peerID, seq uint32) {
	if s.queue != nil {
		s.queue.push(queuedDelivery{topic: topicStr, payload: payload, peerID: peerID, seq: seq})
		return
	}
	defer func() {
		if r := recover(); r != nil {
			b.log.Errorf("bus: subscription %d callback panicked: %v", s.id, r)
		}
	}()
	s.cb(topicStr, payload, peerID, seq)
}

// packDelivery and unpackDelivery carry a DATA packet's topic alongside
// its (possibly just-decrypted) payload through peer.Tracker's generic
// []byte pending/delivery storage.
func packDelivery(topicStr string, payload []byte) []byte {
	t := []byte(topicStr)
	out := make([]byte, 2+len(t)+len(payload))
	binary.BigEndian.PutUint16(out[0:2], uint16(len(t)))
	copy(out[2:2+len(t)], t)
	copy(out[2+len(t):], payload)
	return out
}

func unpackDelivery(data []byte) (string, []byte) {
	tlen := int(binary.BigEndian.Uint16(data[0:2]))
	return string(data[2 : 2+tlen]), data[2+tlen:]
}
