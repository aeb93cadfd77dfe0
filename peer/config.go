// SPDX-FileCopyrightText: © 2024 the meshbus authors
// SPDX-License-Identifier: AGPL-3.0-only

package peer

import "time"

// Config tunes a Tracker's gap-recovery timing and session-reset
// threshold. Field names mirror the configuration options named in
// spec.md §6.
type Config struct {
	// NakInitialDelay is how long a newly opened gap waits, absorbing
	// reorder, before it becomes NAK-eligible.
	NakInitialDelay time.Duration

	// NakBackoffBase and NakBackoffCap bound the exponential backoff
	// applied to a gap's next-NAK time after each unanswered request.
	NakBackoffBase time.Duration
	NakBackoffCap  time.Duration

	// NakDeadline is how long a gap may remain outstanding before it is
	// declared a permanent Loss.
	NakDeadline time.Duration

	// Window is the half-window threshold (in sequence numbers) beyond
	// which an incoming sequence relative to expected is treated as a
	// session reset rather than ordinary gap/duplicate handling.
	Window uint32
}

// DefaultConfig returns the configuration used when none is supplied
// explicitly.
func DefaultConfig() Config {
	return Config{
		NakInitialDelay: 100 * time.Millisecond,
		NakBackoffBase:  200 * time.Millisecond,
		NakBackoffCap:   5 * time.Second,
		NakDeadline:     30 * time.Second,
		Window:          1 << 20,
	}
}
