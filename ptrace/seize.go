package ptrace

import "unsafe"

const (
	ptraceSeize       = 0x4206
	ptraceDetach      = 17
	ptraceGetEventMsg = 0x4201
)

// Option flags composed into the Seize options argument (§4.5).
const (
	OptTraceSysGood = 1 << 0 // PTRACE_O_TRACESYSGOOD
	OptTraceFork    = 1 << 1
	OptTraceVFork   = 1 << 2
	OptTraceClone   = 1 << 3
	OptTraceExec    = 1 << 4
	OptTraceVForkDone = 1 << 5
	OptTraceExit    = 1 << 6
	OptTraceSeccomp = 1 << 7
	OptExitKill     = 1 << 20
)

// Seize attaches to pid without stopping it (unlike PTRACE_ATTACH),
// installing the given option flags.
func Seize(pid int, options int) error {
	_, err := falliblePtrace(ptraceSeize, pid, 0, uintptr(options))
	return err
}

// Detach releases pid from ptrace control, optionally delivering a
// signal as it resumes.
func Detach(pid int, signal int) error {
	_, err := ptraceIfAlive(ptraceDetach, pid, 0, uintptr(signal))
	return err
}

// GetEventMsg retrieves the auxiliary event value for the most recent
// ptrace-stop (the new tid after a clone/fork/vfork event, per §4.5
// "Clone into trace").
func GetEventMsg(pid int) (uint64, error) {
	var msg uint64
	_, err := ptraceIfAlive(ptraceGetEventMsg, pid, 0, uintptr(unsafe.Pointer(&msg)))
	return msg, err
}
