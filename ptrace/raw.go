package ptrace

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// rawPtrace issues a bare PTRACE_* request. The stdlib/x-sys wrappers
// only cover a handful of requests with typed signatures; the rest
// (PEEKUSER/POKEUSER, GETREGSET with arbitrary NT_* types, and so on)
// need the raw six-argument syscall, the same way the teacher's
// context helpers and the gvisor ptrace platform do it.
func rawPtrace(request int, pid int, addr, data uintptr) (uintptr, error) {
	r, _, errno := unix.Syscall6(unix.SYS_PTRACE, uintptr(request), uintptr(pid), addr, data, 0, 0)
	if errno != 0 {
		return r, errno
	}
	return r, nil
}

// xptrace is the "infallible" flavor (Design Notes): any error other
// than ESRCH is a bug and aborts the process with context, mirroring
// the source's xptrace vs fallible_ptrace vs ptrace_if_alive trio.
func xptrace(request int, pid int, addr, data uintptr) uintptr {
	r, err := rawPtrace(request, pid, addr, data)
	if err == nil {
		return r
	}
	if err == unix.ESRCH {
		panic(ErrTaskDied)
	}
	fmt.Fprintf(os.Stderr, "tracecore: fatal: ptrace(request=%d, pid=%d) failed: %v\n", request, pid, err)
	os.Exit(2)
	return 0
}

// falliblePtrace returns status instead of asserting: used where the
// caller has a legitimate reason to expect failure (e.g. mprotect's
// kernel side effects happening despite an error return elsewhere).
func falliblePtrace(request int, pid int, addr, data uintptr) (uintptr, error) {
	return rawPtrace(request, pid, addr, data)
}

// ptraceIfAlive promotes ESRCH to ErrTaskDied and returns any other
// error unadorned; success returns a nil error. Used by operations
// that are fine either succeeding or discovering the task died, but
// must not silently swallow a different kernel error.
func ptraceIfAlive(request int, pid int, addr, data uintptr) (uintptr, error) {
	r, err := rawPtrace(request, pid, addr, data)
	if err == nil {
		return r, nil
	}
	if err == unix.ESRCH {
		return 0, ErrTaskDied
	}
	return 0, err
}
