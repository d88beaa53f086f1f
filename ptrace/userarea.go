package ptrace

import (
	"encoding/binary"

	"golang.org/x/sys/unix"
)

// debugRegBaseOffset is offsetof(struct user, u_debugreg[0]) in the
// glibc/kernel struct user layout for x86-64 Linux: the fixed GP
// register block, fpvalid flag, user_fpregs_struct, size/start
// fields, signal, the two pointer fields, magic, and the 32-byte
// u_comm buffer all precede u_debugreg.
const debugRegBaseOffset = 848

// debugRegOffset returns the PEEKUSER/POKEUSER offset of DR<n> (DR0-3
// are the watchpoint addresses, DR6 is status, DR7 is control).
func debugRegOffset(n int) uintptr {
	return uintptr(debugRegBaseOffset + n*8)
}

// ReadDebugReg reads DRn via PTRACE_PEEKUSER (used by the debug
// facilities package to read back DR6/DR7). Uses the typed
// unix.PtracePeekUser helper rather than the raw six-argument
// syscall: PEEK requests are the one ptrace family where the raw
// kernel ABI writes the result through the data pointer instead of
// returning it, and x/sys/unix already wraps that correctly.
func ReadDebugReg(pid, n int) (uintptr, error) {
	var buf [8]byte
	_, err := unix.PtracePeekUser(pid, debugRegOffset(n), buf[:])
	if err != nil {
		return 0, err
	}
	return uintptr(binary.LittleEndian.Uint64(buf[:])), nil
}

// WriteDebugReg writes DRn via PTRACE_POKEUSER. POKE requests pass
// the value directly as the data argument (no pointer indirection),
// so the raw syscall path is correct here.
func WriteDebugReg(pid, n int, value uintptr) error {
	_, err := ptraceIfAlive(ptracePokeUser, pid, debugRegOffset(n), value)
	return err
}

const (
	ptracePeekUser = 0x3
	ptracePokeUser = 0x6
)
