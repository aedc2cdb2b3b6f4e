// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package coord

import (
	"github.com/cotxd/cotxd/cotx"
	"github.com/decred/slog"
)

var log = slog.Disabled

// UseLogger sets the logger for the coord package.
func UseLogger(logger cotx.Logger) {
	log = logger
}
