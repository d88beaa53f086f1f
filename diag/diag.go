// Package diag separates the two severities the tracer's own assertion
// points need to distinguish: a bug in the tracer itself (an invariant
// nothing in the control flow should be able to violate) versus a
// failure caused by the host environment (a missing /proc entry, a
// denied ptrace request, a tracee that raced ahead and died). Collapsing
// both into a bare panic or a silently swallowed error, as an earlier
// pass of this package did, loses exactly the distinction an operator
// needs when triaging a report.
package diag

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

// Bug reports an invariant violation in the tracer itself and aborts
// the process, mirroring the source's ASSERT-and-abort posture for
// conditions that must never happen regardless of the host
// environment (a short read nobody asked to tolerate, Regs() called
// outside a ptrace-stop, and similar).
func Bug(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	logrus.WithField("class", "bug").Error(msg)
	panic(msg)
}

// Environment reports a failure attributable to the host environment
// rather than to the tracer, and returns it as an error so the caller
// can recover instead of aborting.
func Environment(format string, args ...interface{}) error {
	err := fmt.Errorf(format, args...)
	logrus.WithField("class", "environment").Warn(err.Error())
	return err
}
