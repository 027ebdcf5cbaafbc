package logsystem

import (
	"time"

	"github.com/yahoo/taglog/tlog"
)

// Knobs are the tuning parameters of the log system. They are fixed at
// construction; nothing reads them from process-global state.
type Knobs struct {
	// TLogTimeout bounds how long recruiting a new log server may take
	// before recovery is abandoned.
	TLogTimeout time.Duration

	// MasterFailureSlopeDuringRecovery extends TLogTimeout proportionally to
	// the number of servers being recruited, so large clusters are not
	// penalized by a flat bound.
	MasterFailureSlopeDuringRecovery time.Duration

	// PopInterval is how often outstanding pops are flushed to each server.
	PopInterval time.Duration

	// MaxReadTransactionLifeVersions bounds how far the known committed
	// version may trail the recovered end version.
	MaxReadTransactionLifeVersions tlog.Version

	// VersionsPerSecond converts between versions and wall time.
	VersionsPerSecond tlog.Version
}

// DefaultKnobs mirrors the production defaults.
func DefaultKnobs() Knobs {
	return Knobs{
		TLogTimeout:                      400 * time.Millisecond,
		MasterFailureSlopeDuringRecovery: 100 * time.Millisecond,
		PopInterval:                      time.Second,
		MaxReadTransactionLifeVersions:   5_000_000,
		VersionsPerSecond:                1_000_000,
	}
}
