// Copyright (c) 2024 The walletbroker developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package intercom

import (
	"github.com/gcash/bchlog"
)

var log = bchlog.Disabled

// UseLogger sets the package-wide logger.  Any calls to this function must be
// made before a session is created and used (it is not concurrent safe).
func UseLogger(logger bchlog.Logger) {
	log = logger
}

// logClosure allows expensive-to-build log output to be deferred until the
// log level guarantees it will actually be printed.
type logClosure func() string

func (c logClosure) String() string {
	return c()
}

func newLogClosure(c func() string) logClosure {
	return logClosure(c)
}
