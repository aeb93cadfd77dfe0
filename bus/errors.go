// SPDX-FileCopyrightText: © 2024 the meshbus authors
// SPDX-License-Identifier: AGPL-3.0-only

package bus

import (
	"errors"
	"fmt"
)

// ErrClosed is returned by any Bus operation attempted after Close.
var ErrClosed = errors.New("bus: closed")

// ErrSendFailed wraps a transport-level error from Publish. The publish
// itself still succeeds logically — the packet is in the retransmit ring
// and subscribers can recover it via NAK — so callers that only care about
// eventual delivery may choose to ignore it.
type ErrSendFailed struct {
	Err error
}

func (e *ErrSendFailed) Error() string {
	return fmt.Sprintf("bus: send failed: %v", e.Err)
}

func (e *ErrSendFailed) Unwrap() error { return e.Err }
