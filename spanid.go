// SPDX-License-Identifier: GPL-3.0-or-later

package dispatchd

import (
	"github.com/bassosimone/runtimex"
	"github.com/google/uuid"
)

// NewSpanID returns a UUIDv7 identifying a span.
//
// The dispatcher assigns a span to each accepted connection and the
// client assigns one to each exchange, so that all the log events about
// the same connection can be correlated. UUIDv7 values are time-ordered.
//
// This function panics if the system random number generator fails.
func NewSpanID() string {
	return runtimex.PanicOnError1(uuid.NewV7()).String()
}
