package stm

import (
	"fmt"

	"github.com/pingcap/errors"
)

// ErrRegistryFull is returned when more than MaxThreads threads try to hold
// a registration at the same time.
var ErrRegistryFull = errors.Errorf("thread registry exhausted, at most %d concurrent threads", MaxThreads)

// logOverflow reports a transaction log exceeding its configured capacity.
// This is a programmer error (the transaction is too large for the
// configuration), not a transient condition, so it fails fast.
type logOverflow struct {
	log string
	cap int
}

func (e *logOverflow) Error() string {
	return fmt.Sprintf("transaction %s overflow, capacity %d; raise the limit in config", e.log, e.cap)
}

// txnAborted is the sentinel the runtime panics with to unwind an aborted
// transaction body back to the driver. It never escapes UpdateTx/ReadTx.
type txnAborted struct{}

var errTxnAborted = txnAborted{}
