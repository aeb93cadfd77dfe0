// SPDX-FileCopyrightText: © 2024 the meshbus authors
// SPDX-License-Identifier: AGPL-3.0-only

package peer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/narwhalsys/meshbus/internal/clock"
	"github.com/narwhalsys/meshbus/wire"
)

func newTestTracker(clk *clock.Fake) *Tracker {
	return NewTracker(1, 1, clk, DefaultConfig(), nil)
}

func TestInOrderDelivery(t *testing.T) {
	clk := clock.NewFake(time.Unix(0, 0))
	tr := newTestTracker(clk)

	var got []uint32
	for seq := uint32(1); seq <= 10; seq++ {
		for _, d := range tr.Receive(seq, []byte{byte(seq)}) {
			got = append(got, d.Seq)
		}
	}
	require.Equal(t, []uint32{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}, got)
}

func TestDuplicateSuppressed(t *testing.T) {
	clk := clock.NewFake(time.Unix(0, 0))
	tr := newTestTracker(clk)

	deliveries := tr.Receive(1, []byte("a"))
	require.Len(t, deliveries, 1)

	deliveries = tr.Receive(1, []byte("a"))
	require.Empty(t, deliveries)
}

func TestReordering(t *testing.T) {
	clk := clock.NewFake(time.Unix(0, 0))
	tr := newTestTracker(clk)

	order := []uint32{5, 3, 4, 2, 1}
	var got []uint32
	for _, seq := range order {
		for _, d := range tr.Receive(seq, []byte{byte(seq)}) {
			got = append(got, d.Seq)
		}
	}
	require.Equal(t, []uint32{1, 2, 3, 4, 5}, got)
}

func TestGapRecoveryViaNak(t *testing.T) {
	clk := clock.NewFake(time.Unix(0, 0))
	tr := newTestTracker(clk)

	// 1..4 in order, then 6..10 arrive before 5.
	var deliveries []uint32
	for _, seq := range []uint32{1, 2, 3, 4, 6, 7, 8, 9, 10} {
		for _, d := range tr.Receive(seq, []byte{byte(seq)}) {
			deliveries = append(deliveries, d.Seq)
		}
	}
	require.Equal(t, []uint32{1, 2, 3, 4}, deliveries)

	clk.Advance(200 * time.Millisecond)
	result := tr.Tick(clk.Now())
	require.Len(t, result.Naks, 1)
	require.Empty(t, result.Deliveries)
	require.Equal(t, uint32(5), result.Naks[0].Ranges[0].Start)
	require.Equal(t, uint32(5), result.Naks[0].Ranges[0].End)

	// retransmit arrives
	for _, d := range tr.Receive(5, []byte{5}) {
		deliveries = append(deliveries, d.Seq)
	}
	require.Equal(t, []uint32{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}, deliveries)
}

func TestNakBackoffUsesConfiguredBase(t *testing.T) {
	clk := clock.NewFake(time.Unix(0, 0))
	cfg := DefaultConfig()
	cfg.NakInitialDelay = 10 * time.Millisecond
	cfg.NakBackoffBase = 300 * time.Millisecond
	cfg.NakBackoffCap = 10 * time.Second
	cfg.NakDeadline = time.Minute
	tr := NewTracker(1, 1, clk, cfg, nil)

	tr.Receive(1, []byte("a"))
	tr.Receive(3, []byte("c")) // opens a gap for seq 2

	// The gap's first NAK fires after NakInitialDelay, not NakBackoffBase.
	clk.Advance(10 * time.Millisecond)
	result := tr.Tick(clk.Now())
	require.Len(t, result.Naks, 1)

	// Its second NAK is scheduled NakBackoffBase (not NakInitialDelay) after
	// the first, doubling on every subsequent unanswered request.
	clk.Advance(299 * time.Millisecond)
	result = tr.Tick(clk.Now())
	require.Empty(t, result.Naks, "backoff should not yet be due")

	clk.Advance(1 * time.Millisecond)
	result = tr.Tick(clk.Now())
	require.Len(t, result.Naks, 1, "backoff due at NakBackoffBase after the first NAK")

	clk.Advance(599 * time.Millisecond)
	result = tr.Tick(clk.Now())
	require.Empty(t, result.Naks, "second backoff should have doubled to 2*NakBackoffBase")

	clk.Advance(1 * time.Millisecond)
	result = tr.Tick(clk.Now())
	require.Len(t, result.Naks, 1, "backoff due at 2*NakBackoffBase after the second NAK")
}

func TestPermanentLossReleasesPendingInOrder(t *testing.T) {
	clk := clock.NewFake(time.Unix(0, 0))
	tr := newTestTracker(clk)

	var deliveries []uint32
	for _, seq := range []uint32{1, 2, 3, 4, 6, 7, 8, 9, 10} {
		for _, d := range tr.Receive(seq, []byte{byte(seq)}) {
			deliveries = append(deliveries, d.Seq)
		}
	}
	require.Equal(t, []uint32{1, 2, 3, 4}, deliveries)

	clk.Advance(tr.cfg.NakDeadline + time.Second)
	result := tr.Tick(clk.Now())
	require.Len(t, result.Losses, 1)
	require.Equal(t, uint32(5), result.Losses[0].Ranges[0].Start)
	require.Equal(t, uint32(5), result.Losses[0].Ranges[0].End)

	var released []uint32
	for _, d := range result.Deliveries {
		released = append(released, d.Seq)
	}
	require.Equal(t, []uint32{6, 7, 8, 9, 10}, released)
}

func TestSessionResetOnOutOfWindowSequence(t *testing.T) {
	clk := clock.NewFake(time.Unix(0, 0))
	cfg := DefaultConfig()
	cfg.Window = 100
	tr := NewTracker(1, 1, clk, cfg, nil)

	deliveries := tr.Receive(1, []byte("a"))
	require.Equal(t, []uint32{1}, seqsFromDeliveries(deliveries))

	// Jump far beyond the window: treated as a new session.
	deliveries = tr.Receive(100000, []byte("b"))
	require.Equal(t, []uint32{100000}, seqsFromDeliveries(deliveries))
	require.Empty(t, tr.gaps)

	deliveries = tr.Receive(100001, []byte("c"))
	require.Equal(t, []uint32{100001}, seqsFromDeliveries(deliveries))
}

func TestHeartbeatOpensGapForTailLoss(t *testing.T) {
	clk := clock.NewFake(time.Unix(0, 0))
	tr := newTestTracker(clk)

	deliveries := tr.Receive(1, []byte("a"))
	require.Equal(t, []uint32{1}, seqsFromDeliveries(deliveries))

	tr.ReceiveHeartbeat(5)
	require.Len(t, tr.gaps, 1)
	require.Equal(t, uint32(2), tr.gaps[0].start)
	require.Equal(t, uint32(5), tr.gaps[0].end)
}

func TestForceLossReleasesPendingInOrder(t *testing.T) {
	clk := clock.NewFake(time.Unix(0, 0))
	tr := newTestTracker(clk)

	var deliveries []uint32
	for _, seq := range []uint32{1, 2, 3, 4, 6, 7, 8, 9, 10} {
		for _, d := range tr.Receive(seq, []byte{byte(seq)}) {
			deliveries = append(deliveries, d.Seq)
		}
	}
	require.Equal(t, []uint32{1, 2, 3, 4}, deliveries)

	released := tr.ForceLoss([]wire.SeqRange{{Start: 5, End: 5}})
	require.Equal(t, []uint32{6, 7, 8, 9, 10}, seqsFromDeliveries(released))
	require.Empty(t, tr.gaps)
}

func TestIdleReportsAfterTimeout(t *testing.T) {
	clk := clock.NewFake(time.Unix(0, 0))
	tr := newTestTracker(clk)

	tr.Receive(1, []byte("a"))
	require.False(t, tr.Idle(clk.Now(), time.Minute))

	clk.Advance(2 * time.Minute)
	require.True(t, tr.Idle(clk.Now(), time.Minute))
}

func seqsFromDeliveries(deliveries []Delivery) []uint32 {
	if len(deliveries) == 0 {
		return nil
	}
	out := make([]uint32, len(deliveries))
	for i, d := range deliveries {
		out[i] = d.Seq
	}
	return out
}
