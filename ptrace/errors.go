package ptrace

import "errors"

// ErrTaskDied reports that a ptrace operation failed with ESRCH — the
// kernel's way of saying the tracee is gone. ptraceIfAlive returns it;
// xptrace, which has no error result, panics with it instead. Per §7 a
// returned ErrTaskDied is recovered locally: callers synthesize a
// PTRACE_EVENT_EXIT and continue teardown rather than propagating the
// error further.
var ErrTaskDied = errors.New("ptrace: task died (ESRCH)")
