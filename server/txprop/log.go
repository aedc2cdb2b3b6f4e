// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package txprop

import (
	"github.com/cotxd/cotxd/cotx"
	"github.com/decred/slog"
)

var log = slog.Disabled

// UseLogger sets the package-wide logger. Any calls to this function must be
// made before using the Manager.
func UseLogger(logger cotx.Logger) {
	log = logger
}
