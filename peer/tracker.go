// SPDX-FileCopyrightText: © 2024 the meshbus authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package peer implements the per-(peer, session) receive-side state
// machine: sequence gap detection, pending-packet reordering, NAK
// scheduling with backoff and deadline, and permanent-loss declaration.
package peer

import (
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/narwhalsys/meshbus/internal/clock"
	"github.com/narwhalsys/meshbus/wire"
)

// Delivery is one DATA packet released to the user, in order.
type Delivery struct {
	Seq  uint32
	Data []byte
}

// Loss reports a range of sequences declared permanently unrecoverable.
type Loss struct {
	PeerID    uint32
	SessionID uint16
	Ranges    []wire.SeqRange
}

// NakRequest is a coalesced set of ranges the timer task should send as a
// single NAK packet.
type NakRequest struct {
	PeerID    uint32
	SessionID uint16
	Ranges    []wire.SeqRange
}

// TickResult is what a timer-driven Tick call produces: NAKs to send,
// losses newly declared, and any deliveries those losses unblocked.
type TickResult struct {
	Naks       []NakRequest
	Losses     []Loss
	Deliveries []Delivery
}

type gapRange struct {
	start, end uint32 // inclusive
	nextNak    time.Time
	deadline   time.Time
	backoff    time.Duration
}

func (g *gapRange) contains(seq uint32) bool {
	return seq >= g.start && seq <= g.end
}

// Tracker holds the receive-side state for one (peer, session).
type Tracker struct {
	PeerID    uint32
	SessionID uint16

	cfg   Config
	clock clock.Clock
	log   *logging.Logger

	initialized   bool
	expected      uint32
	highWatermark uint32
	gaps          []*gapRange
	pending       map[uint32][]byte
	lastHeard     time.Time
}

// NewTracker returns a Tracker for (peerID, sessionID). clk and log may be
// used as-is; log may be nil, in which case logging is skipped.
func NewTracker(peerID uint32, sessionID uint16, clk clock.Clock, cfg Config, log *logging.Logger) *Tracker {
	registerMetrics()
	return &Tracker{
		PeerID:    peerID,
		SessionID: sessionID,
		cfg:       cfg,
		clock:     clk,
		log:       log,
		pending:   make(map[uint32][]byte),
	}
}

func (t *Tracker) logf(format string, args ...interface{}) {
	if t.log != nil {
		t.log.Debugf(format, args...)
	}
}

func (t *Tracker) warnf(format string, args ...interface{}) {
	if t.log != nil {
		t.log.Warningf(format, args...)
	}
}

// Receive classifies and processes an incoming DATA packet at sequence
// seq, returning every Delivery it unblocks (possibly more than one, if
// seq closes a gap that had pending packets stacked behind it).
func (t *Tracker) Receive(seq uint32, data []byte) []Delivery {
	now := t.clock.Now()
	t.lastHeard = now

	if !t.initialized {
		// A session's sequence space always starts at 1 by convention
		// (see bus.Bus's publish-side counter); the first packet physically
		// observed may not be seq 1 if earlier packets were lost or
		// reordered in flight, so it is processed through the normal gap
		// logic below rather than treated as the bootstrap value.
		t.initialized = true
		t.expected = 1
		t.highWatermark = 0
	}

	diff := int32(seq - t.expected)
	if t.outOfWindow(diff) {
		t.warnf("session reset for peer %d session %d: seq=%d expected=%d", t.PeerID, t.SessionID, seq, t.expected)
		t.resetSession(seq)
		t.pending[seq] = data
		return t.drainPending()
	}

	if diff < 0 {
		if t.fillsGap(seq) {
			t.removeFromGaps(seq)
			t.pending[seq] = data
			return t.drainPending()
		}
		if duplicatesTotal != nil {
			duplicatesTotal.Inc()
		}
		t.logf("dropping old/duplicate seq=%d from peer %d session %d", seq, t.PeerID, t.SessionID)
		return nil
	}

	// diff >= 0: seq is at or beyond expected. Whether it lands exactly on
	// expected, inside a still-open gap, or beyond the high watermark, it
	// always needs any coincident gap entry cleared before draining.
	if seq > t.highWatermark {
		t.openGap(t.highWatermark+1, seq-1, now)
		t.highWatermark = seq
	} else {
		t.removeFromGaps(seq)
	}
	t.pending[seq] = data
	return t.drainPending()
}

// ReceiveHeartbeat processes a HEARTBEAT announcing the sender's highest
// assigned sequence h, opening a gap for any range not yet seen.
func (t *Tracker) ReceiveHeartbeat(h uint32) {
	now := t.clock.Now()
	t.lastHeard = now
	if !t.initialized {
		// Same bootstrap as Receive: the sequence space starts at 1.
		t.initialized = true
		t.expected = 1
		t.highWatermark = 0
	}
	diff := int32(h - t.expected)
	if t.outOfWindow(diff) {
		t.resetSession(h + 1)
		return
	}
	if h > t.highWatermark {
		t.openGap(t.highWatermark+1, h, now)
		t.highWatermark = h
	}
}

// Tick drives NAK (re)scheduling and deadline enforcement; call it
// periodically from the timer task.
func (t *Tracker) Tick(now time.Time) TickResult {
	var result TickResult
	var dueRanges []wire.SeqRange
	var lost []*gapRange

	remaining := t.gaps[:0]
	for _, g := range t.gaps {
		if !now.Before(g.deadline) {
			result.Losses = append(result.Losses, Loss{
				PeerID:    t.PeerID,
				SessionID: t.SessionID,
				Ranges:    []wire.SeqRange{{Start: g.start, End: g.end}},
			})
			if lossTotal != nil {
				lossTotal.Inc()
			}
			t.warnf("permanent loss peer %d session %d seqs=[%d,%d]", t.PeerID, t.SessionID, g.start, g.end)
			lost = append(lost, g)
			continue
		}
		if !now.Before(g.nextNak) {
			dueRanges = append(dueRanges, wire.SeqRange{Start: g.start, End: g.end})
			g.nextNak = now.Add(g.backoff)
			g.backoff *= 2
			if g.backoff > t.cfg.NakBackoffCap {
				g.backoff = t.cfg.NakBackoffCap
			}
		}
		remaining = append(remaining, g)
	}
	t.gaps = remaining

	for len(lost) > 0 {
		result.Deliveries = append(result.Deliveries, t.drainPending()...)
		advanced := false
		for _, g := range lost {
			if g.start == t.expected {
				t.expected = g.end + 1
				advanced = true
			}
		}
		if !advanced {
			break
		}
	}
	if len(dueRanges) > 0 {
		result.Naks = append(result.Naks, NakRequest{
			PeerID:    t.PeerID,
			SessionID: t.SessionID,
			Ranges:    dueRanges,
		})
	}
	return result
}

// ForceLoss immediately declares any open gap overlapping ranges
// permanently lost, without waiting for its NAK deadline, and releases
// whatever pending packets that unblocks. It is used when a sender has
// explicitly confirmed a range is gone (an UNRECOVERABLE NAK reply)
// instead of relying on Tick's deadline check.
func (t *Tracker) ForceLoss(ranges []wire.SeqRange) []Delivery {
	if len(ranges) == 0 || len(t.gaps) == 0 {
		return nil
	}
	remaining := t.gaps[:0]
	var lost []*gapRange
	for _, g := range t.gaps {
		if !rangesOverlap(g, ranges) {
			remaining = append(remaining, g)
			continue
		}
		if lossTotal != nil {
			lossTotal.Inc()
		}
		t.warnf("forced loss peer %d session %d seqs=[%d,%d]", t.PeerID, t.SessionID, g.start, g.end)
		lost = append(lost, g)
	}
	t.gaps = remaining
	var out []Delivery
	for len(lost) > 0 {
		out = append(out, t.drainPending()...)
		advanced := false
		for _, g := range lost {
			if g.start == t.expected {
				t.expected = g.end + 1
				advanced = true
			}
		}
		if !advanced {
			break
		}
	}
	return out
}

func rangesOverlap(g *gapRange, ranges []wire.SeqRange) bool {
	for _, r := range ranges {
		if g.start <= r.End && r.Start <= g.end {
			return true
		}
	}
	return false
}

// Idle reports whether this Tracker has heard nothing for longer than
// timeout as of now, meaning its state may be reclaimed.
func (t *Tracker) Idle(now time.Time, timeout time.Duration) bool {
	return now.Sub(t.lastHeard) > timeout
}

func (t *Tracker) outOfWindow(diff int32) bool {
	if diff < 0 {
		diff = -diff
	}
	return uint32(diff) > t.cfg.Window
}

func (t *Tracker) resetSession(newSeq uint32) {
	t.expected = newSeq
	t.highWatermark = newSeq
	t.gaps = nil
	t.pending = make(map[uint32][]byte)
}

func (t *Tracker) fillsGap(seq uint32) bool {
	for _, g := range t.gaps {
		if g.contains(seq) {
			return true
		}
	}
	return false
}

func (t *Tracker) removeFromGaps(seq uint32) {
	out := t.gaps[:0]
	for _, g := range t.gaps {
		if !g.contains(seq) {
			out = append(out, g)
			continue
		}
		switch {
		case g.start == seq && g.end == seq:
			// range fully closed, drop it
		case g.start == seq:
			g.start = seq + 1
			out = append(out, g)
		case g.end == seq:
			g.end = seq - 1
			out = append(out, g)
		default:
			left := &gapRange{start: g.start, end: seq - 1, nextNak: g.nextNak, deadline: g.deadline, backoff: g.backoff}
			right := &gapRange{start: seq + 1, end: g.end, nextNak: g.nextNak, deadline: g.deadline, backoff: g.backoff}
			out = append(out, left, right)
		}
	}
	t.gaps = out
}

func (t *Tracker) openGap(start, end uint32, now time.Time) {
	if end < start {
		return
	}
	t.gaps = append(t.gaps, &gapRange{
		start:    start,
		end:      end,
		nextNak:  now.Add(t.cfg.NakInitialDelay),
		deadline: now.Add(t.cfg.NakDeadline),
		backoff:  t.cfg.NakBackoffBase,
	})
	if gapsTotal != nil {
		gapsTotal.Inc()
	}
	t.logf("gap opened peer %d session %d seqs=[%d,%d]", t.PeerID, t.SessionID, start, end)
}

func (t *Tracker) drainPending() []Delivery {
	var out []Delivery
	for {
		data, ok := t.pending[t.expected]
		if !ok {
			break
		}
		delete(t.pending, t.expected)
		out = append(out, Delivery{Seq: t.expected, Data: data})
		t.expected++
	}
	return out
}
